package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server  ServerConfig
	Log     LogConfig
	Gemini  GeminiConfig
	Voice   VoiceConfig
	Persona PersonaConfig
	Store   StoreConfig
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string
}

// LogConfig 日志级别与输出格式。
type LogConfig struct {
	Level  string
	Format string
}

// GeminiConfig 上游实时语音模型配置。
type GeminiConfig struct {
	APIKey string
	Model  string
	Voice  string
}

// VoiceConfig 语音会话参数。
type VoiceConfig struct {
	SampleRate         int
	AudioEncoding      string
	IdleTimeout        time.Duration
	HealthInterval     time.Duration
	TranscriptFlush    time.Duration
	MaxSessionsPerUser int
	OutboundQueue      int
	UpstreamRetries    int
	UpstreamTimeout    time.Duration
}

// PersonaConfig persona 目录来源，File 为空时使用内置种子。
type PersonaConfig struct {
	File string
}

// StoreConfig 对话轮次的持久化后端。
type StoreConfig struct {
	Driver      string
	DatabaseURL string
	RedisURL    string
	TTL         time.Duration
}

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// env 将 viper key 绑定到环境变量名。
var env = map[string]string{
	"server.port":                 "PORT",
	"log.level":                   "LOG_LEVEL",
	"log.format":                  "LOG_FORMAT",
	"gemini.api_key":              "GEMINI_API_KEY",
	"gemini.model":                "GEMINI_MODEL",
	"gemini.voice":                "GEMINI_VOICE",
	"voice.sample_rate":           "VOICE_SAMPLE_RATE",
	"voice.audio_encoding":        "VOICE_AUDIO_ENCODING",
	"voice.idle_timeout":          "VOICE_IDLE_TIMEOUT",
	"voice.health_interval":       "VOICE_HEALTH_INTERVAL",
	"voice.transcript_flush":      "VOICE_TRANSCRIPT_FLUSH",
	"voice.max_sessions_per_user": "VOICE_MAX_SESSIONS_PER_USER",
	"voice.outbound_queue":        "VOICE_OUTBOUND_QUEUE",
	"voice.upstream_retries":      "VOICE_UPSTREAM_RETRIES",
	"voice.upstream_timeout":      "VOICE_UPSTREAM_TIMEOUT",
	"persona.file":                "PERSONA_FILE",
	"store.driver":                "TRANSCRIPT_STORE",
	"store.database_url":          "DATABASE_URL",
	"store.redis_url":             "REDIS_URL",
	"store.ttl":                   "TRANSCRIPT_TTL",
}

// SetDefaults 注册默认值并绑定环境变量。
func SetDefaults(v *viper.Viper) error {
	v.SetDefault("server.port", "8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("gemini.model", "gemini-2.0-flash-live-001")
	v.SetDefault("voice.sample_rate", 16000)
	v.SetDefault("voice.audio_encoding", "pcm16")
	v.SetDefault("voice.idle_timeout", "60s")
	v.SetDefault("voice.health_interval", "15s")
	v.SetDefault("voice.transcript_flush", "3s")
	v.SetDefault("voice.max_sessions_per_user", 3)
	v.SetDefault("voice.outbound_queue", 256)
	v.SetDefault("voice.upstream_retries", 2)
	v.SetDefault("voice.upstream_timeout", "15s")
	v.SetDefault("store.driver", DriverMemory)
	v.SetDefault("store.ttl", "0s")

	for key, name := range env {
		if err := v.BindEnv(key, name); err != nil {
			return fmt.Errorf("bind %s: %w", name, err)
		}
	}
	return nil
}

// Load 从 viper（环境变量、命令行参数、默认值）加载配置。
func Load(v *viper.Viper) (*Config, error) {
	if err := SetDefaults(v); err != nil {
		return nil, err
	}

	server, err := loadServerConfig(v.GetString("server.port"))
	if err != nil {
		return nil, err
	}

	voice, err := loadVoiceConfig(v)
	if err != nil {
		return nil, err
	}

	store, err := loadStoreConfig(v)
	if err != nil {
		return nil, err
	}

	return &Config{
		Server: server,
		Log: LogConfig{
			Level:  strings.TrimSpace(v.GetString("log.level")),
			Format: strings.TrimSpace(v.GetString("log.format")),
		},
		Gemini: GeminiConfig{
			APIKey: strings.TrimSpace(v.GetString("gemini.api_key")),
			Model:  strings.TrimSpace(v.GetString("gemini.model")),
			Voice:  strings.TrimSpace(v.GetString("gemini.voice")),
		},
		Voice:   voice,
		Persona: PersonaConfig{File: strings.TrimSpace(v.GetString("persona.file"))},
		Store:   store,
	}, nil
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig(port string) (ServerConfig, error) {
	port = strings.TrimSpace(port)
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port}, nil
	}

	return ServerConfig{Addr: ":" + port}, nil
}

func loadVoiceConfig(v *viper.Viper) (VoiceConfig, error) {
	var (
		cfg VoiceConfig
		err error
	)

	if cfg.SampleRate, err = positiveInt(v, "voice.sample_rate"); err != nil {
		return VoiceConfig{}, err
	}
	if cfg.MaxSessionsPerUser, err = nonNegativeInt(v, "voice.max_sessions_per_user"); err != nil {
		return VoiceConfig{}, err
	}
	if cfg.OutboundQueue, err = positiveInt(v, "voice.outbound_queue"); err != nil {
		return VoiceConfig{}, err
	}
	if cfg.UpstreamRetries, err = positiveInt(v, "voice.upstream_retries"); err != nil {
		return VoiceConfig{}, err
	}
	if cfg.IdleTimeout, err = positiveDuration(v, "voice.idle_timeout"); err != nil {
		return VoiceConfig{}, err
	}
	if cfg.HealthInterval, err = positiveDuration(v, "voice.health_interval"); err != nil {
		return VoiceConfig{}, err
	}
	if cfg.TranscriptFlush, err = positiveDuration(v, "voice.transcript_flush"); err != nil {
		return VoiceConfig{}, err
	}
	if cfg.UpstreamTimeout, err = positiveDuration(v, "voice.upstream_timeout"); err != nil {
		return VoiceConfig{}, err
	}

	cfg.AudioEncoding = strings.TrimSpace(v.GetString("voice.audio_encoding"))
	return cfg, nil
}

func loadStoreConfig(v *viper.Viper) (StoreConfig, error) {
	ttl, err := duration(v, "store.ttl")
	if err != nil {
		return StoreConfig{}, err
	}
	if ttl < 0 {
		return StoreConfig{}, fmt.Errorf("invalid store.ttl value %q: must not be negative", v.GetString("store.ttl"))
	}

	cfg := StoreConfig{
		Driver:      strings.ToLower(strings.TrimSpace(v.GetString("store.driver"))),
		DatabaseURL: strings.TrimSpace(v.GetString("store.database_url")),
		RedisURL:    strings.TrimSpace(v.GetString("store.redis_url")),
		TTL:         ttl,
	}

	switch cfg.Driver {
	case DriverMemory:
	case DriverPostgres:
		if cfg.DatabaseURL == "" {
			return StoreConfig{}, fmt.Errorf("DATABASE_URL is required for the %s transcript store", cfg.Driver)
		}
	case DriverRedis:
		if cfg.RedisURL == "" {
			return StoreConfig{}, fmt.Errorf("REDIS_URL is required for the %s transcript store", cfg.Driver)
		}
	default:
		return StoreConfig{}, fmt.Errorf("invalid store.driver value %q", cfg.Driver)
	}
	return cfg, nil
}

func duration(v *viper.Viper, key string) (time.Duration, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return d, nil
}

func positiveDuration(v *viper.Viper, key string) (time.Duration, error) {
	d, err := duration(v, key)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s value %q: must be positive", key, v.GetString(key))
	}
	return d, nil
}

func integer(v *viper.Viper, key string) (int, error) {
	raw := strings.TrimSpace(v.GetString(key))
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return n, nil
}

func positiveInt(v *viper.Viper, key string) (int, error) {
	n, err := integer(v, key)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid %s value %d: must be positive", key, n)
	}
	return n, nil
}

func nonNegativeInt(v *viper.Viper, key string) (int, error) {
	n, err := integer(v, key)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("invalid %s value %d: must not be negative", key, n)
	}
	return n, nil
}
