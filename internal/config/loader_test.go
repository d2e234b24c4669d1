package config_test

import (
	"strings"
	"testing"

	"github.com/voxloop/voxloop/internal/config"
)

func TestValidate_CascadeRequiresLLMAndTTS(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  transcriber:
    name: whisper
responder:
  mode: cascade
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for cascade mode without LLM/TTS providers, got nil")
	}
	if !strings.Contains(err.Error(), "LLM provider") {
		t.Errorf("error should mention LLM provider, got: %v", err)
	}
	if !strings.Contains(err.Error(), "TTS provider") {
		t.Errorf("error should mention TTS provider, got: %v", err)
	}
}

func TestValidate_CascadeWithProvidersIsValid(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  transcriber:
    name: whisper
  llm:
    name: openai
  tts:
    name: openai
responder:
  mode: cascade
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_RelayRequiresURL(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  transcriber:
    name: whisper
responder:
  mode: relay
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for relay mode without relay_url, got nil")
	}
	if !strings.Contains(err.Error(), "relay_url") {
		t.Errorf("error should mention relay_url, got: %v", err)
	}
}

func TestValidate_RelayWithURLIsValid(t *testing.T) {
	t.Parallel()
	// Relay mode needs no LLM or TTS provider; the upstream service does
	// both.
	yaml := `
providers:
  transcriber:
    name: deepgram
    api_key: dg-test
responder:
  mode: relay
  relay_url: http://localhost:3001
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Responder.RelayURL != "http://localhost:3001" {
		t.Errorf("relay_url: got %q", cfg.Responder.RelayURL)
	}
}

func TestValidate_OmittedModeSkipsCascadeChecks(t *testing.T) {
	t.Parallel()
	// With no responder block at all the file stays valid; the mode defaults
	// to cascade afterwards and missing providers surface at build time.
	cfg, err := config.LoadFromReader(strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Responder.Mode != config.ModeCascade {
		t.Errorf("mode: got %q, want %q", cfg.Responder.Mode, config.ModeCascade)
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
responder:
  mode: cascade
tuning:
  silence_threshold: 2.0
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
	if !strings.Contains(errStr, "silence_threshold") {
		t.Errorf("error should mention silence_threshold, got: %v", err)
	}
	if !strings.Contains(errStr, "LLM provider") {
		t.Errorf("error should mention the missing LLM provider, got: %v", err)
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	// Sanity-check that the map is populated.
	if len(config.ValidProviderNames) == 0 {
		t.Fatal("ValidProviderNames should not be empty")
	}
	names := config.ValidProviderNames["transcriber"]
	if len(names) == 0 {
		t.Fatal("ValidProviderNames[\"transcriber\"] should not be empty")
	}
	found := false
	for _, n := range names {
		if n == "whisper" {
			found = true
			break
		}
	}
	if !found {
		t.Error("ValidProviderNames[\"transcriber\"] should contain \"whisper\"")
	}
}
