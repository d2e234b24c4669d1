// Package transcribe defines the Provider interface for batch
// speech-to-text backends.
//
// Unlike a streaming recognizer, a transcribe Provider receives one complete
// utterance per call: the capture layer has already segmented speech from
// silence, so each Transcribe call carries a finished recording and returns
// its full text. Calls are idempotent and safe to retry; the pipeline retries
// transient failures with a fresh context per attempt.
//
// Implementations must be safe for concurrent use. A single Provider may
// serve several conversations at once.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/voxloop/voxloop/pkg/audio"
)

// Request carries one utterance to a transcription backend.
type Request struct {
	// Audio is the complete utterance as 16-bit signed little-endian PCM.
	// Most backends expect 16 kHz mono; implementations that need another
	// format must convert internally.
	Audio audio.Buffer

	// Language is the BCP-47 language tag for recognition (e.g., "en",
	// "de-DE"). An empty string uses the provider's configured default, or
	// auto-detection where the backend supports it.
	Language string
}

// Provider is the abstraction over any batch speech-to-text backend.
type Provider interface {
	// Transcribe converts one utterance to text. It blocks until the backend
	// responds or ctx expires. The returned text is trimmed of surrounding
	// whitespace; an empty string with a nil error means the backend heard
	// nothing intelligible.
	Transcribe(ctx context.Context, req Request) (string, error)

	// Name identifies the backend in logs and metrics (e.g., "whisper",
	// "deepgram").
	Name() string
}

// ServerError reports a non-success HTTP status from a transcription backend.
// Providers that speak HTTP normalize status failures into this type so that
// IsTransient can classify them uniformly.
type ServerError struct {
	Status int
}

// Error implements the error interface.
func (e *ServerError) Error() string {
	return fmt.Sprintf("transcribe: server returned HTTP %d", e.Status)
}

// IsTransient reports whether err is worth retrying: timeouts, dropped
// connections, and server-side (5xx) or throttling (429) statuses. Client
// errors such as malformed requests are permanent, as is a caller-initiated
// context cancellation.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var srvErr *ServerError
	if errors.As(err, &srvErr) {
		switch {
		case srvErr.Status >= 500:
			return true
		case srvErr.Status == 429 || srvErr.Status == 408:
			return true
		}
	}
	return false
}
