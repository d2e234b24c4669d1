package config_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/voxloop/voxloop/internal/config"
	"github.com/voxloop/voxloop/pkg/provider/llm"
	llmmock "github.com/voxloop/voxloop/pkg/provider/llm/mock"
	"github.com/voxloop/voxloop/pkg/provider/transcribe"
	transcribemock "github.com/voxloop/voxloop/pkg/provider/transcribe/mock"
	"github.com/voxloop/voxloop/pkg/provider/tts"
	ttsmock "github.com/voxloop/voxloop/pkg/provider/tts/mock"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":9090"
  log_level: debug

providers:
  transcriber:
    name: whisper
    base_url: http://localhost:9000
    model: base.en
  transcriber_fallbacks:
    - name: deepgram
      api_key: dg-test
  llm:
    name: openai
    api_key: sk-test
    model: gpt-4o-mini
  llm_fallbacks:
    - name: ollama
      base_url: http://localhost:11434
      model: llama3.2
  tts:
    name: openai
    api_key: sk-test
    model: tts-1
    options:
      voice: alloy

responder:
  mode: cascade
  system_prompt: Keep replies brief.
  voice: alloy
  max_turns: 12
  synthesis_concurrency: 2

tuning:
  silence_threshold: 0.02
  speech_threshold: 0.015
  silence_delay: 1.5s
  min_recording: 400ms
  max_utterance: 45s
  language: en
  denylist:
    - okay google
    - hey siri

discord:
  token: bot-token
  guild_id: "123"
  channel_id: "456"
`

// ── YAML loading ──────────────────────────────────────────────────────────────

func TestLoadFromReader_Valid(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("server.listen_addr: got %q, want %q", cfg.Server.ListenAddr, ":9090")
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server.log_level: got %q, want %q", cfg.Server.LogLevel, config.LogDebug)
	}
	if cfg.Providers.Transcriber.Name != "whisper" {
		t.Errorf("providers.transcriber.name: got %q, want %q", cfg.Providers.Transcriber.Name, "whisper")
	}
	if len(cfg.Providers.TranscriberFallbacks) != 1 || cfg.Providers.TranscriberFallbacks[0].Name != "deepgram" {
		t.Errorf("providers.transcriber_fallbacks: got %+v, want one deepgram entry", cfg.Providers.TranscriberFallbacks)
	}
	if len(cfg.Providers.LLMFallbacks) != 1 || cfg.Providers.LLMFallbacks[0].Name != "ollama" {
		t.Errorf("providers.llm_fallbacks: got %+v, want one ollama entry", cfg.Providers.LLMFallbacks)
	}
	if got := cfg.Providers.TTS.Options["voice"]; got != "alloy" {
		t.Errorf("providers.tts.options.voice: got %v, want %q", got, "alloy")
	}
	if cfg.Responder.Mode != config.ModeCascade {
		t.Errorf("responder.mode: got %q, want %q", cfg.Responder.Mode, config.ModeCascade)
	}
	if cfg.Responder.MaxTurns != 12 {
		t.Errorf("responder.max_turns: got %d, want 12", cfg.Responder.MaxTurns)
	}
	if cfg.Tuning.SilenceDelay != config.Duration(1500*time.Millisecond) {
		t.Errorf("tuning.silence_delay: got %v, want 1.5s", time.Duration(cfg.Tuning.SilenceDelay))
	}
	if cfg.Tuning.MinRecording != config.Duration(400*time.Millisecond) {
		t.Errorf("tuning.min_recording: got %v, want 400ms", time.Duration(cfg.Tuning.MinRecording))
	}
	if cfg.Tuning.SpeechThreshold != 0.015 {
		t.Errorf("tuning.speech_threshold: got %v, want 0.015", cfg.Tuning.SpeechThreshold)
	}
	if len(cfg.Tuning.Denylist) != 2 {
		t.Fatalf("tuning.denylist: got %d entries, want 2", len(cfg.Tuning.Denylist))
	}
	if cfg.Discord.ChannelID != "456" {
		t.Errorf("discord.channel_id: got %q, want %q", cfg.Discord.ChannelID, "456")
	}
}

func TestLoadFromReader_EmptyGetsDefaults(t *testing.T) {
	// An empty config is valid (no required top-level fields) and comes back
	// with the server and tuning defaults filled in.
	cfg, err := config.LoadFromReader(strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("unexpected error for empty config: %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("default listen_addr: got %q, want %q", cfg.Server.ListenAddr, ":8080")
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("default log_level: got %q, want %q", cfg.Server.LogLevel, config.LogInfo)
	}
	if cfg.Responder.Mode != config.ModeCascade {
		t.Errorf("default responder.mode: got %q, want %q", cfg.Responder.Mode, config.ModeCascade)
	}
	if cfg.Tuning.SilenceDelay != config.Duration(1200*time.Millisecond) {
		t.Errorf("default silence_delay: got %v, want 1.2s", time.Duration(cfg.Tuning.SilenceDelay))
	}
	if cfg.Tuning.MinRecording != config.Duration(500*time.Millisecond) {
		t.Errorf("default min_recording: got %v, want 500ms", time.Duration(cfg.Tuning.MinRecording))
	}
	if cfg.Tuning.MaxUtterance != config.Duration(60*time.Second) {
		t.Errorf("default max_utterance: got %v, want 60s", time.Duration(cfg.Tuning.MaxUtterance))
	}
	if cfg.Tuning.SilenceThreshold == 0 {
		t.Error("default silence_threshold should be non-zero")
	}
	if cfg.Tuning.SpeechThreshold != 0 {
		t.Errorf("speech_threshold should stay zero (derived), got %v", cfg.Tuning.SpeechThreshold)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	yaml := `
server:
  listen_addr: ":8080"
  max_connections: 10
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
	if !strings.Contains(err.Error(), "max_connections") {
		t.Errorf("error should name the unknown field, got: %v", err)
	}
}

func TestLoadFromReader_BadDuration(t *testing.T) {
	yaml := `
tuning:
  silence_delay: fast
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for malformed duration, got nil")
	}
	if !strings.Contains(err.Error(), "invalid duration") {
		t.Errorf("error should mention invalid duration, got: %v", err)
	}
}

// ── Validation ────────────────────────────────────────────────────────────────

func TestValidate_InvalidLogLevel(t *testing.T) {
	yaml := `
server:
  log_level: verbose
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid log_level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
}

func TestValidate_TLSRequiresBothFiles(t *testing.T) {
	yaml := `
server:
  tls:
    cert_file: /etc/voxloop/cert.pem
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for partial TLS config, got nil")
	}
	if !strings.Contains(err.Error(), "key_file") {
		t.Errorf("error should mention key_file, got: %v", err)
	}
}

func TestValidate_InvalidMode(t *testing.T) {
	yaml := `
responder:
  mode: turbo
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid responder mode, got nil")
	}
	if !strings.Contains(err.Error(), "mode") {
		t.Errorf("error should mention mode, got: %v", err)
	}
}

func TestValidate_ThresholdOutOfRange(t *testing.T) {
	yaml := `
tuning:
  silence_threshold: 1.5
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for out-of-range threshold, got nil")
	}
	if !strings.Contains(err.Error(), "silence_threshold") {
		t.Errorf("error should mention silence_threshold, got: %v", err)
	}
}

func TestValidate_SpeechThresholdAboveSilence(t *testing.T) {
	yaml := `
tuning:
  silence_threshold: 0.1
  speech_threshold: 0.5
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for speech threshold above silence threshold, got nil")
	}
	if !strings.Contains(err.Error(), "must not exceed") {
		t.Errorf("error should mention the threshold ordering, got: %v", err)
	}
}

func TestValidate_NegativeDuration(t *testing.T) {
	yaml := `
tuning:
  min_recording: -500ms
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for negative duration, got nil")
	}
	if !strings.Contains(err.Error(), "min_recording") {
		t.Errorf("error should mention min_recording, got: %v", err)
	}
}

func TestValidate_MaxUtteranceShorterThanMinRecording(t *testing.T) {
	yaml := `
tuning:
  min_recording: 2s
  max_utterance: 1s
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for max_utterance below min_recording, got nil")
	}
	if !strings.Contains(err.Error(), "max_utterance") {
		t.Errorf("error should mention max_utterance, got: %v", err)
	}
}

func TestValidate_DiscordChannelWithoutGuild(t *testing.T) {
	yaml := `
discord:
  token: bot-token
  channel_id: "456"
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for channel without guild, got nil")
	}
	if !strings.Contains(err.Error(), "set together") {
		t.Errorf("error should say both IDs are required together, got: %v", err)
	}
}

// ── Registry ─────────────────────────────────────────────────────────────────

func TestRegistry_UnknownTranscriber(t *testing.T) {
	reg := config.NewRegistry()
	_, err := reg.CreateTranscriber(config.ProviderEntry{Name: "nonexistent"})
	if err == nil {
		t.Fatal("expected error for unknown transcriber provider")
	}
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("expected ErrProviderNotRegistered, got: %v", err)
	}
}

func TestRegistry_UnknownLLM(t *testing.T) {
	reg := config.NewRegistry()
	_, err := reg.CreateLLM(config.ProviderEntry{Name: "nonexistent"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("expected ErrProviderNotRegistered, got: %v", err)
	}
}

func TestRegistry_UnknownTTS(t *testing.T) {
	reg := config.NewRegistry()
	_, err := reg.CreateTTS(config.ProviderEntry{Name: "nonexistent"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("expected ErrProviderNotRegistered, got: %v", err)
	}
}

func TestRegistry_RegisteredTranscriber(t *testing.T) {
	reg := config.NewRegistry()
	want := &transcribemock.Provider{}
	reg.RegisterTranscriber("stub", func(e config.ProviderEntry) (transcribe.Provider, error) {
		return want, nil
	})
	got, err := reg.CreateTranscriber(config.ProviderEntry{Name: "stub"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Error("returned provider is not the expected instance")
	}
}

func TestRegistry_RegisteredLLM(t *testing.T) {
	reg := config.NewRegistry()
	want := &llmmock.Provider{}
	reg.RegisterLLM("stub", func(e config.ProviderEntry) (llm.Provider, error) {
		return want, nil
	})
	got, err := reg.CreateLLM(config.ProviderEntry{Name: "stub"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Error("returned provider is not the expected instance")
	}
}

func TestRegistry_RegisteredTTS(t *testing.T) {
	reg := config.NewRegistry()
	want := &ttsmock.Provider{}
	reg.RegisterTTS("stub", func(e config.ProviderEntry) (tts.Provider, error) {
		return want, nil
	})
	got, err := reg.CreateTTS(config.ProviderEntry{Name: "stub"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Error("returned provider is not the expected instance")
	}
}

func TestRegistry_FactoryEntryIsForwarded(t *testing.T) {
	reg := config.NewRegistry()
	var gotEntry config.ProviderEntry
	reg.RegisterTranscriber("stub", func(e config.ProviderEntry) (transcribe.Provider, error) {
		gotEntry = e
		return &transcribemock.Provider{}, nil
	})
	entry := config.ProviderEntry{Name: "stub", APIKey: "k", Model: "m"}
	if _, err := reg.CreateTranscriber(entry); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotEntry.APIKey != "k" || gotEntry.Model != "m" {
		t.Errorf("factory received %+v, want the entry passed to Create", gotEntry)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	reg := config.NewRegistry()
	wantErr := errors.New("factory boom")
	reg.RegisterLLM("broken", func(e config.ProviderEntry) (llm.Provider, error) {
		return nil, wantErr
	})
	_, err := reg.CreateLLM(config.ProviderEntry{Name: "broken"})
	if !errors.Is(err, wantErr) {
		t.Errorf("expected factory error %v, got %v", wantErr, err)
	}
}
