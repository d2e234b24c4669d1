// Package audio defines the device contracts and PCM types shared by the
// conversation engine, its transports, and the playback scheduler.
//
// The two primary abstractions are:
//
//   - [Source] is an input device. Starting it yields a [CaptureHandle] whose
//     frame stream feeds both the utterance buffer and the VAD (the frames
//     are the energy-analysis tap; no separate tap is needed).
//   - [Sink] is an output device. Buffers are scheduled at absolute times and
//     report completion through their [PlaybackHandle], which is what lets
//     the playback scheduler place fragments back-to-back without gaps.
//
// Implementations are provided by transport adapter packages (wsbridge,
// discord) and by the mock package for tests. The engine never touches a
// concrete device type.
package audio

import (
	"context"
	"errors"
	"time"
)

// ErrDeviceDenied indicates the platform refused access to the capture
// device. Sources must wrap permission refusals with this sentinel so the
// engine can classify them as fatal (user action required, no retry).
var ErrDeviceDenied = errors.New("audio: capture device access denied")

// Source is an audio input device. Implementations must be safe for
// concurrent use; a Source may be started once per conversation turn cycle.
type Source interface {
	// Start acquires the device and begins capturing. The returned handle's
	// frame channel carries PCM frames until Stop is called or the device
	// disconnects, after which the channel is closed.
	//
	// A permission refusal is reported as an error wrapping [ErrDeviceDenied].
	// ctx bounds the acquisition only, not the lifetime of the capture.
	Start(ctx context.Context) (CaptureHandle, error)
}

// CaptureHandle is one live recording on a [Source].
type CaptureHandle interface {
	// Frames returns the stream of captured PCM frames. The channel is
	// closed after Stop returns or when the underlying device goes away.
	// Consumers should drain promptly; implementations may drop frames
	// rather than block when the consumer lags.
	Frames() <-chan Frame

	// Stop releases the device. Idempotent. After Stop, the frame channel
	// closes once buffered frames are delivered.
	Stop() error
}

// Sink is an audio output device with absolute-time scheduling.
type Sink interface {
	// Schedule queues buf to begin playing at the given time. Times in the
	// past play immediately. The returned handle reports completion and
	// allows a best-effort stop.
	//
	// Implementations must allow multiple overlapping scheduled buffers;
	// callers are responsible for choosing non-overlapping start times.
	Schedule(buf Buffer, at time.Time) (PlaybackHandle, error)
}

// PlaybackHandle is one scheduled buffer on a [Sink].
type PlaybackHandle interface {
	// Stop halts playback of this buffer. Calling Stop on a buffer that has
	// already finished is a no-op, not an error. Idempotent.
	Stop()

	// Done returns a channel closed when the buffer has finished playing or
	// was stopped.
	Done() <-chan struct{}
}
