package wsbridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/voxloop/voxloop/pkg/audio"
)

// ErrConnClosed is returned by Start and Schedule once the client is gone.
var ErrConnClosed = errors.New("wsbridge: connection closed")

const (
	// captureBuffer is the frame channel capacity of a capture. The read
	// loop drops frames instead of blocking when the consumer lags.
	captureBuffer = 64

	// silenceFillAfter is how long the mic stream may go quiet before the
	// capture is padded with synthetic silence. A backgrounded tab stops
	// sending frames; the padding keeps the capture clock and the silence
	// gate advancing as if the user had gone quiet.
	silenceFillAfter = 200 * time.Millisecond

	// fillFrame is the duration of one synthetic silence frame.
	fillFrame = paceFrame
)

var (
	_ audio.Source        = (*clientSource)(nil)
	_ audio.CaptureHandle = (*clientCapture)(nil)
)

// clientSource is the capture face of a connection. The read loop delivers
// the client's binary mic frames to whichever capture is active; frames that
// arrive with no capture running are discarded.
type clientSource struct {
	format   audio.Format
	connDone <-chan struct{}

	mu     sync.Mutex
	active *clientCapture
}

func newClientSource(format audio.Format, connDone <-chan struct{}) *clientSource {
	return &clientSource{format: format, connDone: connDone}
}

// Start implements [audio.Source]. A new capture supersedes any previous
// one: the old handle's frame channel closes, which its consumer treats as
// the device going away.
func (s *clientSource) Start(_ context.Context) (audio.CaptureHandle, error) {
	select {
	case <-s.connDone:
		return nil, ErrConnClosed
	default:
	}

	next := newClientCapture(s.format)

	s.mu.Lock()
	prev := s.active
	s.active = next
	s.mu.Unlock()

	if prev != nil {
		prev.closeFrames()
	}

	go next.fillSilence(s.connDone)
	return next, nil
}

// deliver routes one mic frame payload to the active capture.
func (s *clientSource) deliver(pcm []byte) {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if active != nil {
		active.deliver(pcm)
	}
}

// clientCapture is one live recording fed by the read loop.
type clientCapture struct {
	format audio.Format
	start  time.Time

	mu       sync.Mutex
	frames   chan audio.Frame
	closed   bool
	lastReal time.Time
	stop     chan struct{}
}

func newClientCapture(format audio.Format) *clientCapture {
	now := time.Now()
	return &clientCapture{
		format:   format,
		start:    now,
		frames:   make(chan audio.Frame, captureBuffer),
		lastReal: now,
		stop:     make(chan struct{}),
	}
}

// Frames implements [audio.CaptureHandle].
func (c *clientCapture) Frames() <-chan audio.Frame {
	return c.frames
}

// Stop implements [audio.CaptureHandle].
func (c *clientCapture) Stop() error {
	c.closeFrames()
	return nil
}

// deliver queues one real mic frame. Never blocks: a full channel means the
// consumer is lagging and the frame is dropped.
func (c *clientCapture) deliver(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.lastReal = time.Now()
	f := audio.Frame{
		Data:       pcm,
		SampleRate: c.format.SampleRate,
		Channels:   c.format.Channels,
		Timestamp:  time.Since(c.start),
	}
	select {
	case c.frames <- f:
	default:
	}
}

// fillSilence pads mic gaps with zero-valued frames at the fill cadence so
// the capture session keeps measuring silence while the client is quiet or
// backgrounded. Runs until the capture or the connection ends.
func (c *clientCapture) fillSilence(connDone <-chan struct{}) {
	ticker := time.NewTicker(fillFrame)
	defer ticker.Stop()

	silence := make([]byte, pcmBytes(c.format, fillFrame))

	for {
		select {
		case <-c.stop:
			return
		case <-connDone:
			c.closeFrames()
			return
		case <-ticker.C:
			c.mu.Lock()
			if !c.closed && time.Since(c.lastReal) > silenceFillAfter {
				f := audio.Frame{
					Data:       silence,
					SampleRate: c.format.SampleRate,
					Channels:   c.format.Channels,
					Timestamp:  time.Since(c.start),
				}
				select {
				case c.frames <- f:
				default:
				}
			}
			c.mu.Unlock()
		}
	}
}

// closeFrames ends the capture: the frame channel closes after buffered
// frames are delivered. Idempotent.
func (c *clientCapture) closeFrames() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.stop)
	close(c.frames)
}

// pcmBytes returns the byte length of a PCM16LE span of the given duration.
func pcmBytes(f audio.Format, d time.Duration) int {
	samples := int(int64(f.SampleRate) * int64(d) / int64(time.Second))
	return samples * 2 * f.Channels
}
