// Package llm abstracts the chat-completion backends the cascade responder
// streams reply text from.
//
// The engine's use of a language model is narrow: one system prompt, a short
// bounded history of plain-text turns, and a streamed reply. The contract
// deliberately carries no tool or function-calling surface; anything of that
// kind belongs to the upstream chat service, not the voice loop.
//
// Implementations must be safe for concurrent use and must close the channel
// returned by StreamCompletion when the stream ends or ctx is cancelled.
package llm

import (
	"context"
	"strings"

	"github.com/voxloop/voxloop/pkg/types"
)

// Finish reasons reported on the terminal chunk of a stream.
const (
	// FinishStop is the natural end of a completion.
	FinishStop = "stop"

	// FinishLength means the MaxTokens bound cut the completion short.
	FinishLength = "length"

	// FinishError marks a mid-stream failure. The chunk's Text carries the
	// error message, not reply content.
	FinishError = "error"
)

// CompletionRequest carries one completion's inputs. Messages must be
// non-empty.
type CompletionRequest struct {
	// Messages is the conversation so far, oldest first. The last entry is
	// the user utterance driving the reply.
	Messages []types.Message

	// SystemPrompt is injected ahead of Messages using whatever mechanism
	// the backend gives system instructions (a dedicated field, or a
	// leading "system" message).
	SystemPrompt string

	// Temperature controls sampling randomness. Zero keeps the backend
	// default.
	Temperature float64

	// MaxTokens caps the reply length in tokens. Zero keeps the backend
	// default.
	MaxTokens int
}

// Chunk is one streamed fragment of a completion.
type Chunk struct {
	// Text is the incremental reply text. Empty on a chunk that only
	// carries a finish reason.
	Text string

	// FinishReason is set on the terminal chunk; empty otherwise. See the
	// Finish* constants.
	FinishReason string
}

// Usage is the token accounting a backend reports for one completion.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionResponse is the non-streaming result of Complete.
type CompletionResponse struct {
	// Content is the full reply text.
	Content string

	// Usage holds the backend's token accounting, zero when unreported.
	Usage Usage
}

// Provider is one chat-completion backend.
type Provider interface {
	// StreamCompletion starts a completion and returns the chunk stream.
	// The channel is closed by the implementation when generation finishes
	// or ctx is cancelled; the caller must drain it. Failures that prevent
	// the stream from starting are returned as the error; failures after
	// that surface as a chunk with FinishError.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete runs the completion to the end and returns the whole reply.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens estimates how many context-window tokens messages would
	// consume. The estimate may be rough but should not undercount badly;
	// callers use it to trim history.
	CountTokens(messages []types.Message) (int, error)

	// Capabilities reports static metadata for the configured model.
	Capabilities() types.ModelCapabilities
}

// capsEntry pairs a model-name prefix (or, with contains set, substring)
// with its capability numbers. First match wins.
type capsEntry struct {
	match    string
	contains bool
	window   int
	output   int
}

// capsTable covers the model families the built-in providers are pointed at.
// Entries are ordered most-specific first.
var capsTable = []capsEntry{
	{match: "gpt-4o", window: 128_000, output: 16_384},
	{match: "gpt-4-turbo", window: 128_000, output: 4_096},
	{match: "gpt-4", window: 8_192, output: 4_096},
	{match: "gpt-3.5-turbo", window: 16_385, output: 4_096},
	{match: "o1-mini", window: 128_000, output: 65_536},
	{match: "o1", window: 200_000, output: 100_000},
	{match: "o3", window: 200_000, output: 100_000},
	{match: "claude-3-opus", contains: true, window: 200_000, output: 4_096},
	{match: "claude", window: 200_000, output: 8_192},
	{match: "gemini-1.5-pro", contains: true, window: 2_097_152, output: 8_192},
	{match: "gemini-2.0-flash", contains: true, window: 1_048_576, output: 8_192},
	{match: "gemini-1.5-flash", contains: true, window: 1_048_576, output: 8_192},
	{match: "gemini", window: 128_000, output: 8_192},
}

// CapabilitiesForModel looks up capability metadata by model name. Unknown
// models get a conservative default rather than an error: every backend the
// registry can build streams, and a wrong context window only affects history
// trimming.
func CapabilitiesForModel(model string) types.ModelCapabilities {
	caps := types.ModelCapabilities{
		ContextWindow:     128_000,
		MaxOutputTokens:   4_096,
		SupportsStreaming: true,
	}
	name := strings.ToLower(model)
	for _, e := range capsTable {
		if e.contains && strings.Contains(name, e.match) ||
			!e.contains && strings.HasPrefix(name, e.match) {
			caps.ContextWindow = e.window
			caps.MaxOutputTokens = e.output
			break
		}
	}
	return caps
}

// EstimateTokens is the shared fallback token counter: roughly four
// characters per token plus a few tokens of per-message framing. Backends
// without a tokenisation API use it for CountTokens.
func EstimateTokens(messages []types.Message) int {
	total := 0
	for _, m := range messages {
		total += (len(m.Content) + 3) / 4
		total += 4
	}
	return total
}
