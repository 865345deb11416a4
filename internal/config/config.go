package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"

	"github.com/zhouzirui/tts-relay/internal/audio/wav"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server   ServerConfig
	Backend  BackendConfig
	Relay    RelayConfig
	Playback PlaybackConfig
	AI       AIConfig
	Log      LogConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	backend, err := loadBackendConfig()
	if err != nil {
		return nil, err
	}

	relay, err := loadRelayConfig()
	if err != nil {
		return nil, err
	}

	playback, err := LoadPlaybackConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:   server,
		Backend:  backend,
		Relay:    relay,
		Playback: playback,
		AI:       ai,
		Log:      loadLogConfig(),
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "5000"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":5000" 或 "127.0.0.1:5000"。
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// BackendConfig 描述语音合成后端。
type BackendConfig struct {
	BaseURL        string
	ConnectTimeout time.Duration
	ProbeTimeout   time.Duration
	ChunkSize      int
	VoicesFile     string
	ModelsDir      string
	DefaultVoice   string
	TextLanguage   string
}

func loadBackendConfig() (BackendConfig, error) {
	connectTimeout, err := parseDurationEnv("TTS_CONNECT_TIMEOUT", 10*time.Second)
	if err != nil {
		return BackendConfig{}, err
	}

	probeTimeout, err := parseDurationEnv("TTS_PROBE_TIMEOUT", 2*time.Second)
	if err != nil {
		return BackendConfig{}, err
	}

	chunkSize := 4096
	if override, err := parseOptionalIntEnv("TTS_CHUNK_SIZE"); err != nil {
		return BackendConfig{}, err
	} else if override != nil {
		if *override < 1 {
			return BackendConfig{}, fmt.Errorf("invalid TTS_CHUNK_SIZE value %d", *override)
		}
		chunkSize = *override
	}

	return BackendConfig{
		BaseURL:        strings.TrimRight(getEnvOrDefault("TTS_BACKEND_URL", "http://127.0.0.1:9880"), "/"),
		ConnectTimeout: connectTimeout,
		ProbeTimeout:   probeTimeout,
		ChunkSize:      chunkSize,
		VoicesFile:     getEnvOrDefault("TTS_VOICES_FILE", "voices.yaml"),
		ModelsDir:      getEnvOrDefault("TTS_MODELS_DIR", ""),
		DefaultVoice:   getEnvOrDefault("TTS_DEFAULT_VOICE", ""),
		TextLanguage:   getEnvOrDefault("TTS_TEXT_LANG", "en"),
	}, nil
}

// RelayConfig 描述后端未携带容器头时合成头部所用的音频格式。
type RelayConfig struct {
	DefaultFormat wav.Format
	WebSocket     bool
}

func loadRelayConfig() (RelayConfig, error) {
	format := wav.DefaultFormat

	for key, dst := range map[string]*int{
		"RELAY_SAMPLE_RATE":     &format.SampleRate,
		"RELAY_CHANNELS":        &format.Channels,
		"RELAY_BITS_PER_SAMPLE": &format.BitsPerSample,
	} {
		val, err := parseOptionalIntEnv(key)
		if err != nil {
			return RelayConfig{}, err
		}
		if val == nil {
			continue
		}
		if *val < 1 {
			return RelayConfig{}, fmt.Errorf("invalid %s value %d", key, *val)
		}
		*dst = *val
	}

	websocket, err := parseBoolEnv("RELAY_WEBSOCKET_ENABLED", true)
	if err != nil {
		return RelayConfig{}, err
	}

	return RelayConfig{DefaultFormat: format, WebSocket: websocket}, nil
}

// PlaybackConfig 描述客户端自适应缓冲参数。
type PlaybackConfig struct {
	BufferThreshold int
	LowWaterFrames  int
	FrameSize       int
	TickInterval    time.Duration
	FramesPerTick   int
}

// DefaultPlaybackConfig 约 3 秒 32kHz 单声道音频后开始播放。
func DefaultPlaybackConfig() PlaybackConfig {
	return PlaybackConfig{
		BufferThreshold: 462144,
		LowWaterFrames:  3,
		FrameSize:       8192,
		TickInterval:    50 * time.Millisecond,
		FramesPerTick:   1,
	}
}

// LoadPlaybackConfig 从环境变量读取播放参数，客户端命令行也会使用。
func LoadPlaybackConfig() (PlaybackConfig, error) {
	cfg := DefaultPlaybackConfig()

	for key, dst := range map[string]*int{
		"PLAYBACK_BUFFER_THRESHOLD": &cfg.BufferThreshold,
		"PLAYBACK_LOW_WATER_FRAMES": &cfg.LowWaterFrames,
		"PLAYBACK_FRAME_SIZE":       &cfg.FrameSize,
		"PLAYBACK_FRAMES_PER_TICK":  &cfg.FramesPerTick,
	} {
		val, err := parseOptionalIntEnv(key)
		if err != nil {
			return PlaybackConfig{}, err
		}
		if val != nil {
			*dst = *val
		}
	}

	tick, err := parseDurationEnv("PLAYBACK_TICK_INTERVAL", cfg.TickInterval)
	if err != nil {
		return PlaybackConfig{}, err
	}
	cfg.TickInterval = tick

	if err := cfg.Validate(); err != nil {
		return PlaybackConfig{}, err
	}
	return cfg, nil
}

// Validate 检查参数是否可用。
func (c PlaybackConfig) Validate() error {
	switch {
	case c.BufferThreshold < 0:
		return fmt.Errorf("buffer threshold must not be negative, got %d", c.BufferThreshold)
	case c.LowWaterFrames < 0:
		return fmt.Errorf("low water mark must not be negative, got %d", c.LowWaterFrames)
	case c.FrameSize < 2:
		return fmt.Errorf("frame size must be at least 2 bytes, got %d", c.FrameSize)
	case c.TickInterval <= 0:
		return fmt.Errorf("tick interval must be positive, got %s", c.TickInterval)
	case c.FramesPerTick < 1:
		return fmt.Errorf("frames per tick must be positive, got %d", c.FramesPerTick)
	}
	return nil
}

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	APIKey       string
	AccessKey    string
	SecretKey    string
	Model        string
	BaseURL      string
	Region       string
	Temperature  *float64
	TopP         *float64
	MaxTokens    *int
	SystemPrompt string
	HistoryFile  string
	HistoryLimit int
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + Model 或 AK/SK 组合")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig() (AIConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	historyLimit := 20
	if override, err := parseOptionalIntEnv("CHAT_HISTORY_LIMIT"); err != nil {
		return AIConfig{}, err
	} else if override != nil {
		historyLimit = max(*override, 0)
	}

	return AIConfig{
		APIKey:       strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:    strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:    strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:        strings.TrimSpace(os.Getenv("Model")),
		BaseURL:      getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:       getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature:  temperature,
		TopP:         topP,
		MaxTokens:    maxTokens,
		SystemPrompt: getEnvOrDefault("CHAT_SYSTEM_PROMPT", "You are a friendly companion. Keep replies short enough to be read aloud."),
		HistoryFile:  getEnvOrDefault("CHAT_HISTORY_FILE", "history.json"),
		HistoryLimit: historyLimit,
	}, nil
}

// LogConfig 描述日志级别与输出格式。
type LogConfig struct {
	Level  string
	Format string
}

func loadLogConfig() LogConfig {
	return LogConfig{
		Level:  getEnvOrDefault("LOG_LEVEL", "info"),
		Format: getEnvOrDefault("LOG_FORMAT", "json"),
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	if val <= 0 {
		return 0, fmt.Errorf("invalid %s value %q: must be positive", key, raw)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
