// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., OpenAI, ElevenLabs,
// or a local Coqui instance) behind a batch per-utterance contract: the
// responder hands over one sanitized sentence at a time and receives a
// complete WAV clip back. Pipelining happens one level up — the responder
// synthesizes sentences concurrently and the playback scheduler puts the
// clips back in order — so providers stay simple request/response clients.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"

	"github.com/voxloop/voxloop/pkg/types"
)

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize converts text into a complete WAV clip (RIFF container,
	// 16-bit PCM). It blocks until the backend responds or ctx expires.
	//
	// voice selects the voice profile; providers fall back to a sensible
	// default when voice.ID is empty and the backend permits it. An empty
	// text returns an error rather than an empty clip.
	Synthesize(ctx context.Context, text string, voice types.VoiceProfile) ([]byte, error)

	// ListVoices returns all voice profiles available from this provider.
	// The list reflects the provider's current catalogue and may change
	// between calls if the underlying service adds or removes voices.
	ListVoices(ctx context.Context) ([]types.VoiceProfile, error)

	// Name identifies the backend in logs and metrics (e.g., "openai",
	// "coqui").
	Name() string
}
