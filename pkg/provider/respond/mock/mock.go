// Package mock provides a test double for the respond.Provider interface.
//
// Use Provider to feed a scripted event sequence to consumers and to verify
// the text handed to the responder. When Script is left nil, each Respond
// call emits a minimal spoken reply (one text delta, one silent audio
// fragment and both completion events) so playback paths work end to end.
//
// Example:
//
//	p := &mock.Provider{EventDelay: 10 * time.Millisecond}
//	stream, _ := p.Respond(ctx, "hello")
//	for ev := range stream.Events() { ... }
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/voxloop/voxloop/pkg/audio"
	"github.com/voxloop/voxloop/pkg/provider/respond"
)

// Compile-time interface assertion.
var _ respond.Provider = (*Provider)(nil)

const clipSampleRate = 16000

// RespondCall records a single invocation of Respond.
type RespondCall struct {
	// Ctx is the context passed to Respond.
	Ctx context.Context
	// Text is the text passed to Respond.
	Text string
}

// Provider is a mock implementation of respond.Provider.
type Provider struct {
	mu sync.Mutex

	// NameValue is returned by Name. Defaults to "mock" when empty.
	NameValue string

	// Script is the event sequence emitted on every Respond call. Leave out
	// the finish event; the stream appends it when the script drains. When
	// nil, a minimal spoken reply is emitted instead.
	Script []respond.Event

	// Err, if non-nil, fails the stream after the script has been emitted.
	Err error

	// RespondErr, if non-nil, is returned synchronously from Respond and no
	// stream is produced.
	RespondErr error

	// EventDelay inserts a pause before each scripted event. Useful for
	// exercising interruption while a reply is still streaming.
	EventDelay time.Duration

	// ClipDuration sets the length of the generated silent fragment in the
	// default script. Defaults to 200 ms.
	ClipDuration time.Duration

	// Buffer sets the stream's event buffer. Defaults to 16.
	Buffer int

	// Calls records every Respond invocation in order.
	Calls []RespondCall
}

// Respond records the call and returns a stream that plays out the script on
// a background goroutine.
func (p *Provider) Respond(ctx context.Context, text string) (*respond.Stream, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, RespondCall{Ctx: ctx, Text: text})
	if p.RespondErr != nil {
		err := p.RespondErr
		p.mu.Unlock()
		return nil, err
	}
	script := append([]respond.Event(nil), p.Script...)
	if script == nil {
		script = p.defaultScript()
	}
	failWith := p.Err
	delay := p.EventDelay
	buffer := p.Buffer
	p.mu.Unlock()

	if buffer <= 0 {
		buffer = 16
	}
	stream := respond.NewStream(buffer)

	go func() {
		defer stream.Finish(ctx)
		for _, ev := range script {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					stream.Fail(ctx.Err())
					return
				}
			}
			if err := stream.Emit(ctx, ev); err != nil {
				stream.Fail(err)
				return
			}
		}
		if failWith != nil {
			stream.Fail(failWith)
		}
	}()

	return stream, nil
}

// defaultScript fabricates a short spoken reply. Called with mu held.
func (p *Provider) defaultScript() []respond.Event {
	d := p.ClipDuration
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	samples := int(d.Seconds() * clipSampleRate)
	wav := audio.EncodeWAV(make([]byte, samples*2), clipSampleRate, 1)
	return []respond.Event{
		{Type: respond.EventTextDelta, Text: "Okay."},
		{Type: respond.EventTextComplete},
		{Type: respond.EventAudioFragment, Fragment: respond.AudioFragment{Index: 0, Audio: wav}},
		{Type: respond.EventAudioComplete},
	}
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

// CallCount returns the number of Respond calls. Thread-safe.
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
