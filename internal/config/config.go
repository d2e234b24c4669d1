// Package config provides the configuration schema, loader, and provider
// registry for the voxloop voice server.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"gopkg.in/yaml.v3"
)

// LogLevel controls log verbosity for the voxloop server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l to its slog level. Unrecognised values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Mode selects how assistant replies are produced.
type Mode string

const (
	// ModeCascade streams an LLM into sentence-level TTS in process.
	ModeCascade Mode = "cascade"

	// ModeRelay forwards transcripts to an upstream chat service that
	// streams back text deltas and synthesized audio fragments.
	ModeRelay Mode = "relay"
)

// IsValid reports whether m is a recognised responder mode.
func (m Mode) IsValid() bool {
	return m == ModeCascade || m == ModeRelay
}

// Duration is a time.Duration that unmarshals from YAML duration strings
// such as "500ms" or "1m30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("config: duration must be a string like \"500ms\": %w", err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the root configuration structure for voxloop.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Responder ResponderConfig `yaml:"responder"`
	Tuning    TuningConfig    `yaml:"tuning"`
	Discord   DiscordConfig   `yaml:"discord"`
}

// ServerConfig holds network and logging settings for the voxloop server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProvidersConfig declares which backend implementation to use for each
// pipeline stage. Each field selects a named provider registered in the
// [Registry].
type ProvidersConfig struct {
	Transcriber ProviderEntry `yaml:"transcriber"`

	// TranscriberFallbacks are tried in listed order when the primary
	// transcriber fails or its circuit breaker is open. An entry whose
	// name has no registered factory is skipped with a warning; only a
	// missing primary is fatal.
	TranscriberFallbacks []ProviderEntry `yaml:"transcriber_fallbacks"`

	LLM ProviderEntry `yaml:"llm"`

	// LLMFallbacks are tried in listed order when the primary LLM fails
	// or its circuit breaker is open. Same skip semantics as
	// TranscriberFallbacks.
	LLMFallbacks []ProviderEntry `yaml:"llm_fallbacks"`

	TTS ProviderEntry `yaml:"tts"`

	// TTSFallbacks are tried in listed order when the primary TTS backend
	// fails or its circuit breaker is open. Same skip semantics as
	// TranscriberFallbacks; the voice may change mid-reply when a
	// fallback takes over.
	TTSFallbacks []ProviderEntry `yaml:"tts_fallbacks"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "whisper", "deepgram").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o-mini", "tts-1").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// ResponderConfig selects and tunes the reply pipeline.
type ResponderConfig struct {
	// Mode selects the responder implementation. Empty selects cascade.
	Mode Mode `yaml:"mode"`

	// SystemPrompt replaces the cascade responder's default system prompt.
	SystemPrompt string `yaml:"system_prompt"`

	// Voice is the synthesis voice identifier passed to the TTS backend
	// (e.g., "alloy"). Empty uses the backend default. Cascade mode only.
	Voice string `yaml:"voice"`

	// MaxTurns bounds the in-memory conversation history kept by the
	// cascade responder. Zero keeps the responder default.
	MaxTurns int `yaml:"max_turns"`

	// SynthesisConcurrency is how many sentences the cascade responder may
	// synthesize at once. Zero keeps the responder default of 1, which makes
	// audio fragments complete in index order.
	SynthesisConcurrency int `yaml:"synthesis_concurrency"`

	// RelayURL is the upstream chat service base URL. Required in relay mode.
	RelayURL string `yaml:"relay_url"`
}

// TuningConfig holds the listening parameters. The thresholds and delays are
// hot-reloadable: [Diff] tracks them, and the server forwards changes to
// running conversations without a restart. Language and denylist changes
// apply to conversations started after the reload.
type TuningConfig struct {
	// SilenceThreshold is the normalized RMS level in (0, 1] below which a
	// frame counts toward silence.
	SilenceThreshold float64 `yaml:"silence_threshold"`

	// SpeechThreshold is the normalized RMS level at or above which a frame
	// counts as speech. Zero derives it from the silence threshold, which
	// keeps a hysteresis band between the two.
	SpeechThreshold float64 `yaml:"speech_threshold"`

	// SilenceDelay is how long silence must persist before a recording
	// auto-stops.
	SilenceDelay Duration `yaml:"silence_delay"`

	// MinRecording is the minimum recording age before auto-stop may fire.
	MinRecording Duration `yaml:"min_recording"`

	// MaxUtterance force-stops a recording that never goes silent.
	MaxUtterance Duration `yaml:"max_utterance"`

	// Language is the BCP-47 tag passed to the transcriber (e.g., "en").
	// Empty uses the provider default or auto-detection.
	Language string `yaml:"language"`

	// Denylist extends the built-in list of transcription artifact phrases
	// that are rejected as hallucinations.
	Denylist []string `yaml:"denylist"`
}

// DiscordConfig connects the server to a Discord voice channel.
type DiscordConfig struct {
	// Token is the bot token. Empty disables the Discord transport entirely.
	Token string `yaml:"token"`

	// GuildID and ChannelID identify the voice channel joined at startup.
	// Both must be set together.
	GuildID   string `yaml:"guild_id"`
	ChannelID string `yaml:"channel_id"`
}
