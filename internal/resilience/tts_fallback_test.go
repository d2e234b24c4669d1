package resilience

import (
	"context"
	"errors"
	"testing"

	ttsmock "github.com/voxloop/voxloop/pkg/provider/tts/mock"
	"github.com/voxloop/voxloop/pkg/types"
)

func TestTTSFallback_PrimarySuccess(t *testing.T) {
	primary := &ttsmock.Provider{WAV: []byte("primary-wav")}
	secondary := &ttsmock.Provider{WAV: []byte("secondary-wav")}

	fb := NewTTSFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	wav, err := fb.Synthesize(context.Background(), "hello", types.VoiceProfile{ID: "v1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(wav) != "primary-wav" {
		t.Fatalf("wav = %q, want primary-wav", wav)
	}
	if primary.CallCount() != 1 {
		t.Fatalf("primary called %d times, want 1", primary.CallCount())
	}
	if secondary.CallCount() != 0 {
		t.Fatalf("secondary called %d times, want 0", secondary.CallCount())
	}
}

func TestTTSFallback_Failover(t *testing.T) {
	primary := &ttsmock.Provider{Err: errors.New("primary down")}
	secondary := &ttsmock.Provider{WAV: []byte("secondary-wav")}

	fb := NewTTSFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	wav, err := fb.Synthesize(context.Background(), "hello", types.VoiceProfile{ID: "v1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(wav) != "secondary-wav" {
		t.Fatalf("wav = %q, want secondary-wav", wav)
	}
	if got := secondary.Calls[0].Text; got != "hello" {
		t.Fatalf("fallback synthesized %q, want the original text", got)
	}
}

func TestTTSFallback_AllFail(t *testing.T) {
	primary := &ttsmock.Provider{Err: errors.New("primary down")}
	secondary := &ttsmock.Provider{Err: errors.New("secondary down")}

	fb := NewTTSFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	_, err := fb.Synthesize(context.Background(), "hello", types.VoiceProfile{ID: "v1"})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestTTSFallback_OpenBreakerSkipsPrimary(t *testing.T) {
	primary := &ttsmock.Provider{Err: errors.New("primary down")}
	secondary := &ttsmock.Provider{WAV: []byte("secondary-wav")}

	fb := NewTTSFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1},
	})
	fb.AddFallback("secondary", secondary)

	// First call trips the primary's breaker; the second must go straight to
	// the fallback.
	for range 2 {
		if _, err := fb.Synthesize(context.Background(), "hello", types.VoiceProfile{ID: "v1"}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if primary.CallCount() != 1 {
		t.Fatalf("primary called %d times, want 1 (breaker open)", primary.CallCount())
	}
	if secondary.CallCount() != 2 {
		t.Fatalf("secondary called %d times, want 2", secondary.CallCount())
	}
}

func TestTTSFallback_ListVoices(t *testing.T) {
	primary := &ttsmock.Provider{ListErr: errors.New("primary down")}
	secondary := &ttsmock.Provider{Voices: []types.VoiceProfile{{ID: "v2", Name: "Backup"}}}

	fb := NewTTSFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	voices, err := fb.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(voices) != 1 || voices[0].ID != "v2" {
		t.Fatalf("voices = %+v, want the fallback catalogue", voices)
	}
}

func TestTTSFallback_Name(t *testing.T) {
	fb := NewTTSFallback(&ttsmock.Provider{}, "openai", FallbackConfig{})
	fb.AddFallback("coqui", &ttsmock.Provider{})

	if got, want := fb.Name(), "fallback(openai,coqui)"; got != want {
		t.Fatalf("Name() = %q, want %q", got, want)
	}
}
