// Package mock is the test double for llm.Provider.
//
// Configure the response fields before handing the Provider to the code
// under test, then inspect the recorded calls afterwards:
//
//	p := &mock.Provider{
//	    StreamChunks: []llm.Chunk{{Text: "hi", FinishReason: llm.FinishStop}},
//	}
package mock

import (
	"context"
	"sync"

	"github.com/voxloop/voxloop/pkg/provider/llm"
	"github.com/voxloop/voxloop/pkg/types"
)

// StreamCall is one recorded StreamCompletion invocation.
type StreamCall struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// CompleteCall is one recorded Complete invocation.
type CompleteCall struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Provider implements llm.Provider with scripted results. The zero value
// streams nothing and returns nil responses without errors; set the Err
// fields to fail a method. Configure before use; the mutex only guards the
// call records.
type Provider struct {
	// StreamChunks are emitted in order on each StreamCompletion channel,
	// which is then closed.
	StreamChunks []llm.Chunk
	// StreamErr fails StreamCompletion before any channel is opened.
	StreamErr error

	// CompleteResponse and CompleteErr script Complete.
	CompleteResponse *llm.CompletionResponse
	CompleteErr      error

	// TokenCount and CountTokensErr script CountTokens.
	TokenCount     int
	CountTokensErr error

	// ModelCapabilities scripts Capabilities.
	ModelCapabilities types.ModelCapabilities

	mu sync.Mutex

	// StreamCalls and CompleteCalls record invocations in order; read them
	// after the code under test has finished.
	StreamCalls   []StreamCall
	CompleteCalls []CompleteCall

	// CountTokensCalls holds each message slice passed to CountTokens.
	CountTokensCalls [][]types.Message

	// CapabilitiesCallCount counts Capabilities invocations.
	CapabilitiesCallCount int
}

var _ llm.Provider = (*Provider)(nil)

// StreamCompletion returns a channel fed from StreamChunks, or StreamErr.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.StreamCalls = append(p.StreamCalls, StreamCall{Ctx: ctx, Req: req})
	err := p.StreamErr
	chunks := append([]llm.Chunk(nil), p.StreamChunks...)
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}

	ch := make(chan llm.Chunk, len(chunks))
	go func() {
		defer close(ch)
		for _, c := range chunks {
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Complete returns the scripted response pair.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Ctx: ctx, Req: req})
	return p.CompleteResponse, p.CompleteErr
}

// CountTokens returns the scripted count pair.
func (p *Provider) CountTokens(messages []types.Message) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CountTokensCalls = append(p.CountTokensCalls, append([]types.Message(nil), messages...))
	return p.TokenCount, p.CountTokensErr
}

// Capabilities returns ModelCapabilities.
func (p *Provider) Capabilities() types.ModelCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CapabilitiesCallCount++
	return p.ModelCapabilities
}

// Reset clears the call records, keeping the scripted responses.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StreamCalls = nil
	p.CompleteCalls = nil
	p.CountTokensCalls = nil
	p.CapabilitiesCallCount = 0
}
