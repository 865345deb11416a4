package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/zhouzirui/tts-relay/internal/model/speech"
)

// ErrVoiceNotFound 请求的语音档案不存在。
var ErrVoiceNotFound = errors.New("voice profile not found")

var refAudioExtensions = []string{".ogg", ".wav", ".mp3", ".flac", ".m4a"}

// VoiceCatalog 保存可用的语音档案。
type VoiceCatalog struct {
	Default string                         `yaml:"default"`
	Voices  map[string]speech.VoiceProfile `yaml:"voices"`
}

// LoadVoiceCatalog 读取 YAML 档案文件，并合并模型目录中发现的档案。
// 文件不存在时返回空目录。
func LoadVoiceCatalog(cfg BackendConfig) (*VoiceCatalog, error) {
	catalog := &VoiceCatalog{Voices: make(map[string]speech.VoiceProfile)}

	if cfg.VoicesFile != "" {
		data, err := os.ReadFile(cfg.VoicesFile)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read voices file: %w", err)
		default:
			if err := yaml.Unmarshal(data, catalog); err != nil {
				return nil, fmt.Errorf("parse voices file %s: %w", cfg.VoicesFile, err)
			}
			if catalog.Voices == nil {
				catalog.Voices = make(map[string]speech.VoiceProfile)
			}
		}
	}

	if cfg.ModelsDir != "" {
		if err := catalog.discover(cfg.ModelsDir); err != nil {
			return nil, err
		}
	}

	for name, profile := range catalog.Voices {
		profile.Name = name
		catalog.Voices[name] = profile
	}

	if cfg.DefaultVoice != "" {
		catalog.Default = cfg.DefaultVoice
	}
	if catalog.Default == "" && len(catalog.Voices) == 1 {
		for name := range catalog.Voices {
			catalog.Default = name
		}
	}
	if catalog.Default != "" {
		if _, ok := catalog.Voices[catalog.Default]; !ok {
			return nil, fmt.Errorf("default voice %q: %w", catalog.Default, ErrVoiceNotFound)
		}
	}

	return catalog, nil
}

// discover 扫描 <dir>/<voice>/ 目录：参考音频 ref_audio.*、
// reference.json 中的参考文本与语言，以及 extra_refs/ 下的辅助参考音频。
// YAML 中已定义的同名档案优先。
func (c *VoiceCatalog) discover(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read models dir: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		if _, exists := c.Voices[name]; exists {
			continue
		}

		root := filepath.Join(dir, name)
		ref := findRefAudio(root)
		if ref == "" {
			continue
		}

		profile := speech.VoiceProfile{
			Reference: speech.VoiceReference{
				RefAudioPath:     ref,
				AuxRefAudioPaths: listAudioFiles(filepath.Join(root, "extra_refs")),
			},
		}

		if data, err := os.ReadFile(filepath.Join(root, "reference.json")); err == nil {
			var meta struct {
				Text string `json:"ref_audio_text"`
				Lang string `json:"ref_audio_lang"`
			}
			if err := json.Unmarshal(data, &meta); err != nil {
				return fmt.Errorf("parse %s reference.json: %w", name, err)
			}
			profile.Reference.PromptText = meta.Text
			profile.Reference.PromptLanguage = meta.Lang
		}

		c.Voices[name] = profile
	}
	return nil
}

func findRefAudio(root string) string {
	for _, ext := range refAudioExtensions {
		path := filepath.Join(root, "ref_audio"+ext)
		if _, err := os.Stat(path); err == nil {
			return filepath.ToSlash(absOrSelf(path))
		}
	}
	return ""
}

func listAudioFiles(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if slices.Contains(refAudioExtensions, strings.ToLower(filepath.Ext(entry.Name()))) {
			files = append(files, filepath.ToSlash(absOrSelf(filepath.Join(dir, entry.Name()))))
		}
	}
	slices.Sort(files)
	return files
}

func absOrSelf(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

// Resolve 按名称查找档案，名称为空时使用默认档案。
func (c *VoiceCatalog) Resolve(name string) (speech.VoiceProfile, error) {
	if name == "" {
		name = c.Default
	}
	if name == "" {
		return speech.VoiceProfile{}, nil
	}

	profile, ok := c.Voices[name]
	if !ok {
		return speech.VoiceProfile{}, fmt.Errorf("%q: %w", name, ErrVoiceNotFound)
	}
	return profile, nil
}

// DefaultVoice 返回默认档案名称，可能为空。
func (c *VoiceCatalog) DefaultVoice() string {
	return c.Default
}

// List 按名称排序返回全部档案。
func (c *VoiceCatalog) List() []speech.VoiceProfile {
	names := make([]string, 0, len(c.Voices))
	for name := range c.Voices {
		names = append(names, name)
	}
	slices.Sort(names)

	profiles := make([]speech.VoiceProfile, 0, len(names))
	for _, name := range names {
		profiles = append(profiles, c.Voices[name])
	}
	return profiles
}
