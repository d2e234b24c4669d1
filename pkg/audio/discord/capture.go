package discord

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/voxloop/voxloop/pkg/audio"
)

// ErrConnClosed is returned by Start and Schedule after the voice channel
// has been left.
var ErrConnClosed = errors.New("discord: voice connection closed")

const (
	// captureBuffer is the frame channel capacity of a capture. The
	// receive loop drops frames instead of blocking when the consumer
	// lags.
	captureBuffer = 64

	// silenceFillAfter is how long the room may go quiet before the
	// capture is padded with synthetic silence. Discord clients gate
	// transmission on their own speech detection, so a quiet room sends
	// nothing at all; the padding keeps the capture clock and the silence
	// gate advancing.
	silenceFillAfter = 200 * time.Millisecond
)

var (
	_ audio.Source        = (*voiceSource)(nil)
	_ audio.CaptureHandle = (*voiceCapture)(nil)
)

// voiceSource is the capture face of a joined channel. The receive loop
// delivers decoded participant audio to whichever capture is active; frames
// arriving with no capture running are discarded.
type voiceSource struct {
	connDone <-chan struct{}

	mu     sync.Mutex
	active *voiceCapture
}

func newVoiceSource(connDone <-chan struct{}) *voiceSource {
	return &voiceSource{connDone: connDone}
}

// Start implements [audio.Source]. A new capture supersedes any previous
// one: the old handle's frame channel closes, which its consumer treats as
// the device going away.
func (s *voiceSource) Start(_ context.Context) (audio.CaptureHandle, error) {
	select {
	case <-s.connDone:
		return nil, ErrConnClosed
	default:
	}

	next := newVoiceCapture()

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

// deliver routes one decoded capture-format payload to the active capture.
func (s *voiceSource) deliver(pcm []byte) {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if active != nil {
		active.deliver(pcm)
	}
}

// shutdown closes the active capture, if any. Called when the Conn closes.
func (s *voiceSource) shutdown() {
	s.mu.Lock()
	active := s.active
	s.active = nil
	s.mu.Unlock()
	if active != nil {
		active.closeFrames()
	}
}

// voiceCapture is one live recording fed by the receive loop.
type voiceCapture struct {
	start time.Time

	mu       sync.Mutex
	frames   chan audio.Frame
	closed   bool
	lastReal time.Time
	stop     chan struct{}
}

func newVoiceCapture() *voiceCapture {
	now := time.Now()
	return &voiceCapture{
		start:    now,
		frames:   make(chan audio.Frame, captureBuffer),
		lastReal: now,
		stop:     make(chan struct{}),
	}
}

// Frames implements [audio.CaptureHandle].
func (c *voiceCapture) Frames() <-chan audio.Frame {
	return c.frames
}

// Stop implements [audio.CaptureHandle].
func (c *voiceCapture) Stop() error {
	c.closeFrames()
	return nil
}

// deliver queues one decoded frame. Never blocks: a full channel means the
// consumer is lagging and the frame is dropped.
func (c *voiceCapture) deliver(pcm []byte) {
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
		SampleRate: captureSampleRate,
		Channels:   captureChannels,
		Timestamp:  time.Since(c.start),
	}
	select {
	case c.frames <- f:
	default:
	}
}

// fillSilence pads transmission gaps with zero-valued frames so the capture
// session keeps measuring silence while nobody in the channel is speaking.
func (c *voiceCapture) fillSilence(connDone <-chan struct{}) {
	ticker := time.NewTicker(opusFrameDuration)
	defer ticker.Stop()

	silence := make([]byte, captureSampleRate*captureChannels*2*int(opusFrameDuration)/int(time.Second))

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
					SampleRate: captureSampleRate,
					Channels:   captureChannels,
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
func (c *voiceCapture) closeFrames() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.stop)
	close(c.frames)
}
