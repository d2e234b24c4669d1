// Package types holds the small cross-cutting value types shared between the
// providers, the conversation engine, and the transports. Domain types live
// with their packages; only what would otherwise force a circular import
// lives here.
package types

import "time"

// Transcript is the text result of transcribing one captured utterance.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// Confidence is the provider's overall confidence in [0,1], or zero
	// when the provider does not report one.
	Confidence float64

	// Duration is the media length of the utterance behind this text.
	Duration time.Duration
}

// Message is one entry in a chat completion history.
type Message struct {
	// Role is "system", "user" or "assistant".
	Role string

	// Content is the message text.
	Content string
}

// VoiceProfile selects and shapes a synthesis voice.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier (e.g. "alloy").
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider names the TTS backend the voice belongs to.
	Provider string

	// SpeedFactor adjusts speaking rate. 1.0 is the voice default; zero is
	// treated as 1.0.
	SpeedFactor float64

	// Metadata holds provider-specific voice attributes (gender, accent).
	Metadata map[string]string
}

// ModelCapabilities describes the completion model behind an LLM provider.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input plus output.
	ContextWindow int

	// MaxOutputTokens bounds one completion.
	MaxOutputTokens int

	// SupportsStreaming reports whether the model streams token deltas.
	// The cascade responder requires it.
	SupportsStreaming bool
}
