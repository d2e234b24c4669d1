package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/voxloop/voxloop/internal/capture"
	"github.com/voxloop/voxloop/pkg/vad"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"transcriber": {"whisper", "whisper-native", "openai", "deepgram"},
	"llm":         {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"tts":         {"openai", "coqui", "elevenlabs"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, validates it, and fills the
// remaining zero fields with defaults. Useful in tests where configs are
// constructed from string literals.
//
// Validation runs before defaulting, so it judges what the file actually
// says: an explicit bad value fails, an omitted one gets the default.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	return cfg, nil
}

// applyDefaults fills zero fields with their defaults. A loaded config
// therefore carries concrete values for the hot-reloadable tuning fields,
// so [Diff] can tell "removed, back to default" apart from "unchanged".
// SpeechThreshold stays zero when unset; the detector derives it from the
// silence threshold.
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Responder.Mode == "" {
		cfg.Responder.Mode = ModeCascade
	}
	if cfg.Tuning.SilenceThreshold == 0 {
		cfg.Tuning.SilenceThreshold = vad.DefaultSilenceThreshold
	}
	if cfg.Tuning.SilenceDelay == 0 {
		cfg.Tuning.SilenceDelay = Duration(capture.DefaultSilenceDelay)
	}
	if cfg.Tuning.MinRecording == 0 {
		cfg.Tuning.MinRecording = Duration(capture.DefaultMinRecording)
	}
	if cfg.Tuning.MaxUtterance == 0 {
		cfg.Tuning.MaxUtterance = Duration(capture.DefaultMaxUtterance)
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("transcriber", cfg.Providers.Transcriber.Name)
	for _, fb := range cfg.Providers.TranscriberFallbacks {
		if fb.Name == "" {
			errs = append(errs, errors.New("providers.transcriber_fallbacks entries must name a provider"))
			continue
		}
		validateProviderName("transcriber", fb.Name)
	}
	validateProviderName("llm", cfg.Providers.LLM.Name)
	for _, fb := range cfg.Providers.LLMFallbacks {
		if fb.Name == "" {
			errs = append(errs, errors.New("providers.llm_fallbacks entries must name a provider"))
			continue
		}
		validateProviderName("llm", fb.Name)
	}
	validateProviderName("tts", cfg.Providers.TTS.Name)
	for _, fb := range cfg.Providers.TTSFallbacks {
		if fb.Name == "" {
			errs = append(errs, errors.New("providers.tts_fallbacks entries must name a provider"))
			continue
		}
		validateProviderName("tts", fb.Name)
	}

	// Provider availability warnings
	if cfg.Providers.Transcriber.Name == "" {
		slog.Warn("providers.transcriber is not configured; conversations will not be able to transcribe speech")
	}

	// Responder mode ↔ provider cross-validation.
	mode := cfg.Responder.Mode
	if mode != "" && !mode.IsValid() {
		errs = append(errs, fmt.Errorf("responder.mode %q is invalid; valid values: cascade, relay", mode))
	}
	if mode == ModeCascade {
		if cfg.Providers.LLM.Name == "" {
			errs = append(errs, fmt.Errorf("responder: mode %q requires an LLM provider but providers.llm is not configured", mode))
		}
		if cfg.Providers.TTS.Name == "" {
			errs = append(errs, fmt.Errorf("responder: mode %q requires a TTS provider but providers.tts is not configured", mode))
		}
	}
	if mode == ModeRelay && cfg.Responder.RelayURL == "" {
		errs = append(errs, errors.New("responder.relay_url is required when mode is relay"))
	}
	if cfg.Responder.MaxTurns < 0 {
		errs = append(errs, fmt.Errorf("responder.max_turns %d must not be negative", cfg.Responder.MaxTurns))
	}
	if cfg.Responder.SynthesisConcurrency < 0 {
		errs = append(errs, fmt.Errorf("responder.synthesis_concurrency %d must not be negative", cfg.Responder.SynthesisConcurrency))
	}

	// Tuning
	tun := cfg.Tuning
	if tun.SilenceThreshold < 0 || tun.SilenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("tuning.silence_threshold %.3f is out of range (0, 1]", tun.SilenceThreshold))
	}
	if tun.SpeechThreshold < 0 || tun.SpeechThreshold > 1 {
		errs = append(errs, fmt.Errorf("tuning.speech_threshold %.3f is out of range (0, 1]", tun.SpeechThreshold))
	}
	if tun.SilenceThreshold > 0 && tun.SpeechThreshold > tun.SilenceThreshold {
		errs = append(errs, fmt.Errorf("tuning.speech_threshold %.3f must not exceed tuning.silence_threshold %.3f", tun.SpeechThreshold, tun.SilenceThreshold))
	}
	if tun.SilenceDelay < 0 {
		errs = append(errs, errors.New("tuning.silence_delay must not be negative"))
	}
	if tun.MinRecording < 0 {
		errs = append(errs, errors.New("tuning.min_recording must not be negative"))
	}
	if tun.MaxUtterance < 0 {
		errs = append(errs, errors.New("tuning.max_utterance must not be negative"))
	}
	if tun.MinRecording > 0 && tun.MaxUtterance > 0 && tun.MaxUtterance < tun.MinRecording {
		errs = append(errs, fmt.Errorf("tuning.max_utterance %s is shorter than tuning.min_recording %s",
			time.Duration(tun.MaxUtterance), time.Duration(tun.MinRecording)))
	}

	// Discord
	if cfg.Discord.Token != "" {
		switch {
		case (cfg.Discord.GuildID == "") != (cfg.Discord.ChannelID == ""):
			errs = append(errs, errors.New("discord.guild_id and discord.channel_id must be set together"))
		case cfg.Discord.GuildID == "":
			slog.Warn("discord.token is set but no voice channel is configured; set discord.guild_id and discord.channel_id to join one at startup")
		}
	} else if cfg.Discord.GuildID != "" || cfg.Discord.ChannelID != "" {
		slog.Warn("a discord voice channel is configured but discord.token is empty; the Discord transport stays disabled")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
