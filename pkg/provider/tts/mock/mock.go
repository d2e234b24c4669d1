// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to hand controlled WAV clips to consumers and to verify the
// text and VoiceProfile passed to the backend. When WAV is left nil, each
// Synthesize call fabricates a small valid silent clip so downstream decode
// paths work end to end.
//
// Example:
//
//	p := &mock.Provider{ClipDuration: 300 * time.Millisecond}
//	wav, _ := p.Synthesize(ctx, "hello", types.VoiceProfile{ID: "v1"})
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/voxloop/voxloop/pkg/audio"
	"github.com/voxloop/voxloop/pkg/provider/tts"
	"github.com/voxloop/voxloop/pkg/types"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

const clipSampleRate = 16000

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Text is the text passed to Synthesize.
	Text string
	// Voice is the VoiceProfile passed to Synthesize.
	Voice types.VoiceProfile
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// NameValue is returned by Name. Defaults to "mock" when empty.
	NameValue string

	// WAV, if non-nil, is returned by every Synthesize call.
	WAV []byte

	// ClipDuration sets the length of the generated clip when WAV is nil.
	// Defaults to 200 ms.
	ClipDuration time.Duration

	// Err, if non-nil, is returned as the error from Synthesize.
	Err error

	// Voices is returned by ListVoices.
	Voices []types.VoiceProfile

	// ListErr, if non-nil, is returned as the error from ListVoices.
	ListErr error

	// Calls records every Synthesize invocation in order.
	Calls []SynthesizeCall
}

// Synthesize records the call and returns WAV (or a generated silent clip)
// and Err.
func (p *Provider) Synthesize(_ context.Context, text string, voice types.VoiceProfile) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, SynthesizeCall{Text: text, Voice: voice})
	if p.Err != nil {
		return nil, p.Err
	}
	if p.WAV != nil {
		return p.WAV, nil
	}
	d := p.ClipDuration
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	samples := int(d.Seconds() * clipSampleRate)
	return audio.EncodeWAV(make([]byte, samples*2), clipSampleRate, 1), nil
}

// ListVoices returns Voices and ListErr.
func (p *Provider) ListVoices(_ context.Context) ([]types.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ListErr != nil {
		return nil, p.ListErr
	}
	return p.Voices, nil
}

// Name returns NameValue, or "mock" when unset.
func (p *Provider) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.NameValue == "" {
		return "mock"
	}
	return p.NameValue
}

// CallCount returns the number of Synthesize calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
}
