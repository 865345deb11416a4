package speech

// BackendPayload 发送到合成后端 /tts 的请求体
type BackendPayload struct {
	Text             string   `json:"text"`
	TextLang         string   `json:"text_lang"`
	RefAudioPath     string   `json:"ref_audio_path"`
	AuxRefAudioPaths []string `json:"aux_ref_audio_paths"`
	PromptText       string   `json:"prompt_text"`
	PromptLang       string   `json:"prompt_lang"`
	StreamingMode    bool     `json:"streaming_mode"`
	MediaType        string   `json:"media_type"`
	Tuning
}

// Payload 将请求转换为后端请求体，未设置的参数取后端默认值
func (r SynthesisRequest) Payload() BackendPayload {
	aux := r.Reference.AuxRefAudioPaths
	if aux == nil {
		aux = []string{}
	}
	lang := r.Language
	if lang == "" {
		lang = "en"
	}
	promptLang := r.Reference.PromptLanguage
	if promptLang == "" {
		promptLang = "en"
	}

	return BackendPayload{
		Text:             r.Text,
		TextLang:         lang,
		RefAudioPath:     r.Reference.RefAudioPath,
		AuxRefAudioPaths: aux,
		PromptText:       r.Reference.PromptText,
		PromptLang:       promptLang,
		StreamingMode:    r.Streaming,
		MediaType:        "wav",
		Tuning:           DefaultTuning().Merge(r.Tuning),
	}
}
