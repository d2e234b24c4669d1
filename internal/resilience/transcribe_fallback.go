package resilience

import (
	"context"
	"fmt"
	"strings"

	"github.com/voxloop/voxloop/pkg/provider/transcribe"
)

// TranscribeFallback implements [transcribe.Provider] with automatic failover
// across multiple transcription backends. Each backend has its own circuit
// breaker; when the primary fails or its breaker is open, the next healthy
// fallback is tried with the same utterance.
type TranscribeFallback struct {
	group *FallbackGroup[transcribe.Provider]
}

// Compile-time interface assertion.
var _ transcribe.Provider = (*TranscribeFallback)(nil)

// NewTranscribeFallback creates a [TranscribeFallback] with primary as the
// preferred backend.
func NewTranscribeFallback(primary transcribe.Provider, primaryName string, cfg FallbackConfig) *TranscribeFallback {
	return &TranscribeFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional transcription backend as a fallback.
func (f *TranscribeFallback) AddFallback(name string, provider transcribe.Provider) {
	f.group.AddFallback(name, provider)
}

// Transcribe converts the utterance using the first healthy backend.
// Transcription is idempotent, so replaying the same audio against a
// fallback is safe.
func (f *TranscribeFallback) Transcribe(ctx context.Context, req transcribe.Request) (string, error) {
	return ExecuteWithResult(f.group, func(p transcribe.Provider) (string, error) {
		return p.Transcribe(ctx, req)
	})
}

// Name lists the wrapped backends in trial order.
func (f *TranscribeFallback) Name() string {
	return fmt.Sprintf("fallback(%s)", strings.Join(f.group.Names(), ","))
}
