// Package respond defines the Responder contract: turning one user utterance
// into an interleaved stream of reply-text deltas and sequence-indexed audio
// fragments.
//
// A [Stream] is produced by a [Provider] and consumed by the conversation
// pipeline. Events arrive in producer order. Audio fragment indices are
// unique and gapless starting at 0, but fragments may arrive out of index
// order — synthesis completes out of order when it runs concurrently — and
// the playback layer reorders them. [EventFinished] is terminal: the events
// channel closes right after it, and [Stream.Err] reports whether the stream
// ended cleanly.
package respond

import (
	"context"
	"sync/atomic"
)

// EventType discriminates the Event union.
type EventType string

const (
	// EventTextDelta carries an incremental piece of the reply text.
	EventTextDelta EventType = "text_delta"

	// EventAudioFragment carries one synthesized clip with its sequence index.
	EventAudioFragment EventType = "audio_fragment"

	// EventTextComplete signals that no further text deltas will arrive.
	EventTextComplete EventType = "text_complete"

	// EventAudioComplete signals that no further audio fragments will arrive.
	EventAudioComplete EventType = "audio_complete"

	// EventFinished is the terminal event. The events channel closes
	// immediately after it is delivered.
	EventFinished EventType = "finished"
)

// AudioFragment is one synthesized audio clip of a response.
type AudioFragment struct {
	// Index is the fragment's position in playback order, starting at 0.
	// Indices within one stream are unique and gapless; arrival order is
	// unconstrained.
	Index int

	// Audio is a complete WAV clip.
	Audio []byte
}

// Event is a single tagged entry in a response stream. Type selects which
// payload field is meaningful: Text for EventTextDelta, Fragment for
// EventAudioFragment. The completion events carry no payload.
type Event struct {
	Type     EventType
	Text     string
	Fragment AudioFragment
}

// Stream carries the events of one response. The consumer reads Events()
// until the channel closes, then checks Err(). The producer drives the
// stream with Emit, Fail and Finish.
type Stream struct {
	events chan Event

	// streamErr stores the error that ended the stream early. Access via
	// Err and Fail.
	streamErr atomic.Pointer[error]
}

// NewStream returns a Stream with the given event buffer depth.
func NewStream(buffer int) *Stream {
	if buffer < 0 {
		buffer = 0
	}
	return &Stream{events: make(chan Event, buffer)}
}

// Events returns the consumer side of the stream. The channel closes after
// the terminal EventFinished or, on cancellation, possibly without one.
// Callers must drain the channel even when abandoning the response, so the
// producer's goroutines do not block.
func (s *Stream) Events() <-chan Event { return s.events }

// Err returns the error that ended the stream early, or nil if it completed
// cleanly. The result is meaningful once the Events channel has closed.
func (s *Stream) Err() error {
	if p := s.streamErr.Load(); p != nil {
		return *p
	}
	return nil
}

// Emit delivers ev to the consumer, blocking until the event is accepted or
// ctx is done, in which case the context error is returned.
func (s *Stream) Emit(ctx context.Context, ev Event) error {
	select {
	case s.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Fail records the error returned by Err. The producer calls it before
// Finish when the stream ends abnormally. A nil err is ignored.
func (s *Stream) Fail(err error) {
	if err == nil {
		return
	}
	s.streamErr.Store(&err)
}

// Finish delivers the terminal EventFinished and closes the events channel.
// No Emit, Fail or Finish call may follow. If ctx is done before the event
// can be delivered, the channel is closed without it.
func (s *Stream) Finish(ctx context.Context) {
	select {
	case s.events <- Event{Type: EventFinished}:
	case <-ctx.Done():
	}
	close(s.events)
}

// Provider turns one user utterance into a response stream.
//
// Implementations must be safe for concurrent use. Each Respond call
// produces an independent Stream whose producer goroutines stop promptly
// when ctx is cancelled.
type Provider interface {
	// Respond opens a response stream for the given user text. The error
	// return is non-nil only when the stream could not be started; failures
	// after that surface through Stream.Err.
	Respond(ctx context.Context, text string) (*Stream, error)

	// Name identifies the implementation in logs and metrics.
	Name() string
}
