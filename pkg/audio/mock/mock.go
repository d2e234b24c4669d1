// Package mock provides in-memory mock implementations of the [audio.Source],
// [audio.CaptureHandle], [audio.Sink], and [audio.PlaybackHandle] interfaces
// for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	src := &mock.Source{}
//	handle, err := src.Start(ctx)
//	src.Handles[0].SendFrame(audio.Frame{Data: pcm, SampleRate: 16000, Channels: 1})
//
//	sink := &mock.Sink{}
//	// ... schedule playback through the code under test ...
//	sink.Handles[0].Complete() // simulate the buffer finishing on the device
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/voxloop/voxloop/pkg/audio"
)

var (
	_ audio.Source         = (*Source)(nil)
	_ audio.CaptureHandle  = (*Capture)(nil)
	_ audio.Sink           = (*Sink)(nil)
	_ audio.PlaybackHandle = (*Playback)(nil)
)

// ─── Source ───────────────────────────────────────────────────────────────────

// Source is a mock implementation of [audio.Source].
type Source struct {
	mu sync.Mutex

	// StartResult, when non-nil, is returned by every Start call.
	// When nil, Start creates a fresh [Capture] per call and records it in Handles.
	StartResult audio.CaptureHandle

	// StartError is returned by Start. When set, no handle is created.
	StartError error

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// Handles records the capture handles created by Start, in order.
	// Feed them frames via [Capture.SendFrame].
	Handles []*Capture
}

// Start implements [audio.Source].
func (s *Source) Start(_ context.Context) (audio.CaptureHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStart++
	if s.StartError != nil {
		return nil, s.StartError
	}
	if s.StartResult != nil {
		return s.StartResult, nil
	}
	h := &Capture{}
	s.Handles = append(s.Handles, h)
	return h, nil
}

// ─── Capture ──────────────────────────────────────────────────────────────────

// Capture is a mock implementation of [audio.CaptureHandle].
// The zero value is ready to use: the frame channel is created on first access.
type Capture struct {
	mu   sync.Mutex
	once sync.Once

	// FramesChan is the channel returned by Frames. Leave nil to have the mock
	// create a buffered channel (capacity 16) on first use.
	FramesChan chan audio.Frame

	// StopError is returned by [Capture.Stop].
	StopError error

	// CallCountStop records how many times Stop was called.
	CallCountStop int
}

func (c *Capture) channel() chan audio.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FramesChan == nil {
		c.FramesChan = make(chan audio.Frame, 16)
	}
	return c.FramesChan
}

// Frames implements [audio.CaptureHandle].
func (c *Capture) Frames() <-chan audio.Frame {
	return c.channel()
}

// SendFrame delivers a frame to the consumer of [Capture.Frames].
// Blocks if the channel buffer is full. Panics if called after Stop or
// CloseFrames, like a real send on a closed channel would.
func (c *Capture) SendFrame(f audio.Frame) {
	c.channel() <- f
}

// CloseFrames closes the frame channel. Safe to call multiple times.
func (c *Capture) CloseFrames() {
	ch := c.channel()
	c.once.Do(func() { close(ch) })
}

// Stop implements [audio.CaptureHandle]. It closes the frame channel and
// returns StopError.
func (c *Capture) Stop() error {
	c.mu.Lock()
	c.CallCountStop++
	err := c.StopError
	c.mu.Unlock()
	c.CloseFrames()
	return err
}

// ─── Sink ─────────────────────────────────────────────────────────────────────

// ScheduleCall records the arguments of a single [Sink.Schedule] invocation.
type ScheduleCall struct {
	// Buf is the buffer passed to Schedule.
	Buf audio.Buffer
	// At is the requested start time passed to Schedule.
	At time.Time
}

// Sink is a mock implementation of [audio.Sink].
type Sink struct {
	mu sync.Mutex

	// ScheduleError is returned by Schedule. When set, no handle is created.
	ScheduleError error

	// AutoComplete, when true, completes every returned handle immediately.
	// Use this in tests that don't care about playback timing.
	AutoComplete bool

	// ScheduleCalls records all Schedule invocations in order.
	ScheduleCalls []ScheduleCall

	// Handles records the playback handles returned by Schedule, in order.
	// Complete them manually via [Playback.Complete] to simulate the device
	// finishing a buffer.
	Handles []*Playback
}

// Schedule implements [audio.Sink]. Records the call and returns a fresh
// [Playback] handle.
func (s *Sink) Schedule(buf audio.Buffer, at time.Time) (audio.PlaybackHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ScheduleCalls = append(s.ScheduleCalls, ScheduleCall{Buf: buf, At: at})
	if s.ScheduleError != nil {
		return nil, s.ScheduleError
	}
	h := &Playback{}
	s.Handles = append(s.Handles, h)
	if s.AutoComplete {
		h.Complete()
	}
	return h, nil
}

// ─── Playback ─────────────────────────────────────────────────────────────────

// Playback is a mock implementation of [audio.PlaybackHandle].
// The zero value is ready to use.
type Playback struct {
	mu   sync.Mutex
	once sync.Once
	done chan struct{}

	// CallCountStop records how many times Stop was called.
	CallCountStop int
}

func (p *Playback) channel() chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done == nil {
		p.done = make(chan struct{})
	}
	return p.done
}

// Done implements [audio.PlaybackHandle].
func (p *Playback) Done() <-chan struct{} {
	return p.channel()
}

// Stop implements [audio.PlaybackHandle]. It records the call and completes
// the handle. Idempotent.
func (p *Playback) Stop() {
	p.mu.Lock()
	p.CallCountStop++
	p.mu.Unlock()
	p.Complete()
}

// Complete closes the Done channel, simulating the device finishing the
// buffer. Safe to call multiple times.
func (p *Playback) Complete() {
	ch := p.channel()
	p.once.Do(func() { close(ch) })
}

// Stopped reports whether Stop was called at least once.
func (p *Playback) Stopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.CallCountStop > 0
}
