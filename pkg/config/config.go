// Package config loads the server configuration from a YAML file with
// viper. Provider blocks use an open settings map decoded later by the
// provider that owns it, so vendor knobs do not leak into this package.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VendorsConfig struct {
	STT VendorConfig `mapstructure:"stt"`
	TTS VendorConfig `mapstructure:"tts"`
	LLM VendorConfig `mapstructure:"llm"`
}

type ServerConfig struct {
	Addr           string   `mapstructure:"addr"`
	WSPath         string   `mapstructure:"ws_path"`
	AllowAnyOrigin bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	ReadLimit      int64    `mapstructure:"read_limit"`
}

type SessionConfig struct {
	Persona        string `mapstructure:"persona"`
	SentenceGapMS  int    `mapstructure:"sentence_gap_ms"`
	LevelWindowMS  int    `mapstructure:"level_window_ms"`
	DefaultVoice   string `mapstructure:"default_voice"`
	MemoryTurns    int    `mapstructure:"memory_turns"`
	MemoryChars    int    `mapstructure:"memory_chars"`
	STTMaxBytes    int    `mapstructure:"stt_max_bytes"`
	RealtimeSTT    bool   `mapstructure:"realtime_stt"`
	FFmpegPath     string `mapstructure:"ffmpeg_path"`
	FFmpegTimeoutS int    `mapstructure:"ffmpeg_timeout_s"`

	// Realtime commit and end-of-turn detection knobs.
	STTMinCommitMS int     `mapstructure:"stt_min_commit_ms"`
	VADSilenceMS   int     `mapstructure:"vad_silence_ms"`
	VADBaseThresh  float64 `mapstructure:"vad_base_thresh"`
	VADHystMult    float64 `mapstructure:"vad_hyst_mult"`
	VADGraceMS     int     `mapstructure:"vad_grace_ms"`
	VADPrerollMS   int     `mapstructure:"vad_preroll_ms"`
}

type RetrievalConfig struct {
	DocsDir string `mapstructure:"docs_dir"`
	TopK    int    `mapstructure:"top_k"`
}

type ObservabilityConfig struct {
	MetricsPath string `mapstructure:"metrics_path"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

type Config struct {
	Environment   string              `mapstructure:"environment"`
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
	Server        ServerConfig        `mapstructure:"server"`
	Vendors       VendorsConfig       `mapstructure:"vendors"`
	Session       SessionConfig       `mapstructure:"session"`
	Retrieval     RetrievalConfig     `mapstructure:"retrieval"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
}

func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("PARLEY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.ws_path", "/ws")
	v.SetDefault("server.allow_any_origin", false)
	v.SetDefault("server.read_limit", 1<<20)
	v.SetDefault("session.sentence_gap_ms", 380)
	v.SetDefault("session.level_window_ms", 40)
	v.SetDefault("session.memory_turns", 6)
	v.SetDefault("session.memory_chars", 1200)
	v.SetDefault("session.stt_max_bytes", 10<<20)
	v.SetDefault("session.realtime_stt", false)
	v.SetDefault("session.ffmpeg_path", "ffmpeg")
	v.SetDefault("session.ffmpeg_timeout_s", 20)
	v.SetDefault("session.stt_min_commit_ms", 200)
	v.SetDefault("session.vad_silence_ms", 1600)
	v.SetDefault("session.vad_base_thresh", 0.012)
	v.SetDefault("session.vad_hyst_mult", 3.2)
	v.SetDefault("session.vad_grace_ms", 300)
	v.SetDefault("session.vad_preroll_ms", 400)
	v.SetDefault("retrieval.top_k", 6)
	v.SetDefault("privacy.redact_pii", true)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Vendors.LLM.Provider) == "" {
		return fmt.Errorf("vendors.llm.provider is required")
	}
	if c.Session.SentenceGapMS < 0 {
		return fmt.Errorf("session.sentence_gap_ms must not be negative")
	}
	if c.Session.RealtimeSTT && strings.TrimSpace(c.Vendors.STT.Provider) == "" {
		return fmt.Errorf("vendors.stt.provider is required when session.realtime_stt is on")
	}
	return nil
}

// expandEnvStrings substitutes ${VAR} references so API keys never need
// to live in the config file itself.
func expandEnvStrings(cfg *Config) {
	cfg.Vendors.STT.Settings = expandSettings(cfg.Vendors.STT.Settings)
	cfg.Vendors.TTS.Settings = expandSettings(cfg.Vendors.TTS.Settings)
	cfg.Vendors.LLM.Settings = expandSettings(cfg.Vendors.LLM.Settings)
	cfg.Session.Persona = os.ExpandEnv(cfg.Session.Persona)
	cfg.Retrieval.DocsDir = os.ExpandEnv(cfg.Retrieval.DocsDir)
	cfg.Observability.MetricsPath = os.ExpandEnv(cfg.Observability.MetricsPath)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, val := range settings {
		settings[k] = expandAny(val)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		return expandSettings(val)
	default:
		return v
	}
}
