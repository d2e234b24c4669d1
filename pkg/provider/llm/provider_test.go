package llm

import (
	"testing"

	"github.com/voxloop/voxloop/pkg/types"
)

func TestCapabilitiesForModel_KnownFamilies(t *testing.T) {
	tests := []struct {
		model  string
		window int
		output int
	}{
		{"gpt-4o", 128_000, 16_384},
		{"gpt-4o-mini", 128_000, 16_384},
		{"gpt-4-turbo-2024-04-09", 128_000, 4_096},
		{"gpt-4", 8_192, 4_096},
		{"gpt-3.5-turbo", 16_385, 4_096},
		{"o1-mini", 128_000, 65_536},
		{"o1-preview", 200_000, 100_000},
		{"o3-mini", 200_000, 100_000},
		{"claude-3-5-sonnet-latest", 200_000, 8_192},
		{"claude-3-opus-20240229", 200_000, 4_096},
		{"gemini-1.5-pro", 2_097_152, 8_192},
		{"gemini-2.0-flash", 1_048_576, 8_192},
		{"gemini-1.5-flash-8b", 1_048_576, 8_192},
	}
	for _, tc := range tests {
		caps := CapabilitiesForModel(tc.model)
		if caps.ContextWindow != tc.window {
			t.Errorf("%s: ContextWindow = %d, want %d", tc.model, caps.ContextWindow, tc.window)
		}
		if caps.MaxOutputTokens != tc.output {
			t.Errorf("%s: MaxOutputTokens = %d, want %d", tc.model, caps.MaxOutputTokens, tc.output)
		}
		if !caps.SupportsStreaming {
			t.Errorf("%s: SupportsStreaming = false, want true", tc.model)
		}
	}
}

func TestCapabilitiesForModel_CaseInsensitive(t *testing.T) {
	caps := CapabilitiesForModel("GPT-4o")
	if caps.MaxOutputTokens != 16_384 {
		t.Fatalf("MaxOutputTokens = %d, want 16384", caps.MaxOutputTokens)
	}
}

func TestCapabilitiesForModel_UnknownDefaults(t *testing.T) {
	caps := CapabilitiesForModel("mistral-large-latest")
	if caps.ContextWindow != 128_000 {
		t.Fatalf("ContextWindow = %d, want the 128000 default", caps.ContextWindow)
	}
	if caps.MaxOutputTokens != 4_096 {
		t.Fatalf("MaxOutputTokens = %d, want the 4096 default", caps.MaxOutputTokens)
	}
	if !caps.SupportsStreaming {
		t.Fatal("unknown models should still be assumed streamable")
	}
}

func TestCapabilitiesForModel_FamilyCatchAlls(t *testing.T) {
	// An unlisted Claude or Gemini variant should still match the family
	// entry, not the generic default.
	if got := CapabilitiesForModel("claude-4-sonnet").ContextWindow; got != 200_000 {
		t.Errorf("claude catch-all ContextWindow = %d, want 200000", got)
	}
	if got := CapabilitiesForModel("gemini-exp-1206").MaxOutputTokens; got != 8_192 {
		t.Errorf("gemini catch-all MaxOutputTokens = %d, want 8192", got)
	}
}

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens(nil); got != 0 {
		t.Fatalf("empty input = %d, want 0", got)
	}

	// 8 chars -> 2 content tokens, plus 4 framing tokens.
	msgs := []types.Message{{Role: "user", Content: "12345678"}}
	if got := EstimateTokens(msgs); got != 6 {
		t.Fatalf("single message = %d, want 6", got)
	}

	// Framing overhead applies per message.
	msgs = append(msgs, types.Message{Role: "assistant", Content: ""})
	if got := EstimateTokens(msgs); got != 10 {
		t.Fatalf("two messages = %d, want 10", got)
	}
}

func TestEstimateTokens_RoundsUp(t *testing.T) {
	// 1 char still costs a token.
	msgs := []types.Message{{Role: "user", Content: "x"}}
	if got := EstimateTokens(msgs); got != 5 {
		t.Fatalf("got %d, want 5", got)
	}
}
