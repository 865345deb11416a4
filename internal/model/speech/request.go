package speech

import "strings"

// SynthesisRequest 客户端发起的一次语音合成请求
type SynthesisRequest struct {
	Text     string  `json:"text"`
	Language string  `json:"lang,omitempty"`  // 合成文本语言，例如 en、zh、ja
	Voice    string  `json:"voice,omitempty"` // 语音档案名称，为空时使用默认档案
	Tuning   *Tuning `json:"tuning,omitempty"`

	// 以下字段由服务端根据语音档案补全
	Reference VoiceReference `json:"-"`
	Streaming bool           `json:"-"`
}

// Normalize 去除多余空白并返回是否包含可合成的文本
func (r *SynthesisRequest) Normalize() bool {
	r.Text = strings.TrimSpace(r.Text)
	r.Language = strings.TrimSpace(r.Language)
	r.Voice = strings.TrimSpace(r.Voice)
	return r.Text != ""
}

// VoiceReference 参考音频信息，决定合成音色
type VoiceReference struct {
	RefAudioPath     string   `json:"refAudioPath" yaml:"ref_audio_path"`
	AuxRefAudioPaths []string `json:"auxRefAudioPaths,omitempty" yaml:"aux_ref_audio_paths"`
	PromptText       string   `json:"promptText" yaml:"prompt_text"`
	PromptLanguage   string   `json:"promptLang" yaml:"prompt_lang"`
}

// VoiceProfile 可供选择的语音档案
type VoiceProfile struct {
	Name      string         `json:"name" yaml:"-"`
	Language  string         `json:"lang,omitempty" yaml:"lang"`
	Reference VoiceReference `json:"reference" yaml:",inline"`
}
