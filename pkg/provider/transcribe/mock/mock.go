// Package mock provides a test double for the transcribe package interfaces.
//
// Script the provider with per-call results for retry tests, or set Text/Err
// for a fixed response:
//
//	p := &mock.Provider{Script: []mock.Result{
//	    {Err: errTimeout},
//	    {Text: "hello there"},
//	}}
package mock

import (
	"context"
	"sync"

	"github.com/voxloop/voxloop/pkg/provider/transcribe"
)

// Compile-time assertion that Provider implements transcribe.Provider.
var _ transcribe.Provider = (*Provider)(nil)

// Result is one scripted Transcribe outcome.
type Result struct {
	Text string
	Err  error
}

// Provider is a mock implementation of transcribe.Provider.
type Provider struct {
	mu sync.Mutex

	// NameValue is returned by Name. Defaults to "mock" when empty.
	NameValue string

	// Script holds per-call outcomes consumed in order. Once exhausted,
	// Transcribe falls back to Text and Err.
	Script []Result

	// Text and Err are the default outcome when Script is exhausted or nil.
	Text string
	Err  error

	// Calls records every request passed to Transcribe, in order.
	Calls []transcribe.Request

	next int
}

// Transcribe records the request and returns the next scripted outcome.
func (p *Provider) Transcribe(_ context.Context, req transcribe.Request) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, req)
	if p.next < len(p.Script) {
		r := p.Script[p.next]
		p.next++
		return r.Text, r.Err
	}
	return p.Text, p.Err
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

// CallCount returns the number of Transcribe calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// Reset clears recorded calls and rewinds the script. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
	p.next = 0
}
