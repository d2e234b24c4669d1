// Package vad classifies live audio frames into speech and silence.
//
// A [Detector] creates one [Session] per capture cycle. Sessions are fed raw
// PCM frames and return an [Event] per frame carrying the classification and
// the measured level. Classification is instantaneous: a session reports the
// per-frame signal and the edge transitions of its internal speaking latch,
// nothing more. End-of-utterance debouncing (the silence clock and its delay)
// is the consumer's concern, because only the capture session knows how long
// silence must persist before a recording stops.
//
// The two configured thresholds form a hysteresis band. The speech threshold
// sits below the silence threshold (by default at [DefaultSpeechRatio] of
// it), so levels inside the band still count as speech and keep the
// consumer's silence clock reset. Silence only accumulates once the level
// drops below the speech threshold, which keeps a signal hovering around the
// silence threshold from flapping the stream.
package vad

import "fmt"

// EventType classifies a single processed frame.
type EventType int

const (
	// Silence: level below the speech threshold, no speech in progress.
	Silence EventType = iota

	// SpeechStart: level crossed the speech threshold on this frame.
	SpeechStart

	// SpeechContinue: level at or above the speech threshold while speech
	// is already in progress.
	SpeechContinue

	// SpeechEnd: level dropped below the speech threshold on this frame.
	SpeechEnd
)

// String returns a human-readable event type.
func (t EventType) String() string {
	switch t {
	case Silence:
		return "silence"
	case SpeechStart:
		return "speech_start"
	case SpeechContinue:
		return "speech_continue"
	case SpeechEnd:
		return "speech_end"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// Event is the per-frame output of a [Session].
type Event struct {
	// Type is the classification of this frame.
	Type EventType

	// Level is the measured signal level of the frame, normalized to [0, 1].
	// Consumers accumulate it to compute the mean energy of an utterance.
	Level float64
}

// Speech reports whether the frame counted as speech activity.
func (e Event) Speech() bool {
	return e.Type == SpeechStart || e.Type == SpeechContinue
}

// Detector creates analysis sessions. Implementations must be safe for
// concurrent use by multiple goroutines; the sessions they create need not be.
type Detector interface {
	// NewSession returns a fresh session with the speaking latch cleared.
	NewSession() Session
}

// Session analyses one capture cycle's frame stream.
// A Session is owned by a single goroutine and is not safe for concurrent use.
type Session interface {
	// ProcessFrame classifies one frame of 16-bit signed little-endian PCM.
	// A trailing odd byte is ignored. An empty frame measures level 0.
	ProcessFrame(pcm []byte) Event

	// Reset clears the speaking latch, as if no frame had been processed.
	Reset()
}
