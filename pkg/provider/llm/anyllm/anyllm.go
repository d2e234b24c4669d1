// Package anyllm adapts github.com/mozilla-ai/any-llm-go to llm.Provider,
// giving the responder one constructor for OpenAI, Anthropic, Gemini, Ollama
// and the other backends any-llm-go speaks.
package anyllm

import (
	"context"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/voxloop/voxloop/pkg/provider/llm"
	"github.com/voxloop/voxloop/pkg/types"
)

// backendFactories maps the provider names accepted in configuration to the
// any-llm-go constructors behind them.
var backendFactories = map[string]func(...anyllmlib.Option) (anyllmlib.Provider, error){
	"openai": func(opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
		return anyllmoai.New(opts...)
	},
	"anthropic": func(opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
		return anthropic.New(opts...)
	},
	"gemini": func(opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
		return gemini.New(opts...)
	},
	"ollama": func(opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
		return ollama.New(opts...)
	},
	"deepseek": func(opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
		return deepseek.New(opts...)
	},
	"mistral": func(opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
		return mistral.New(opts...)
	},
	"groq": func(opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
		return groq.New(opts...)
	},
	"llamacpp": func(opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
		return llamacpp.New(opts...)
	},
	"llamafile": func(opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
		return llamafile.New(opts...)
	},
}

// Provider implements llm.Provider on top of an any-llm-go backend.
type Provider struct {
	backend anyllmlib.Provider
	model   string
}

// New builds a Provider for providerName (a key of the supported backend
// set, e.g. "openai", "anthropic", "ollama") pinned to model. opts pass
// through to the backend; without an explicit key option each backend falls
// back to its usual environment variable (OPENAI_API_KEY and so on).
func New(providerName, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if providerName == "" {
		return nil, fmt.Errorf("anyllm: providerName must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("anyllm: model must not be empty")
	}

	factory, ok := backendFactories[strings.ToLower(providerName)]
	if !ok {
		return nil, fmt.Errorf("anyllm: unsupported provider %q; supported: %s",
			providerName, supportedNames())
	}
	backend, err := factory(opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", providerName, err)
	}
	return &Provider{backend: backend, model: model}, nil
}

func supportedNames() string {
	// Fixed order keeps the error message stable for tests and logs.
	return "openai, anthropic, gemini, ollama, deepseek, mistral, groq, llamacpp, llamafile"
}

// StreamCompletion implements llm.Provider. Text deltas are forwarded as
// they arrive; a backend error after streaming has begun becomes a terminal
// llm.FinishError chunk so the consumer sees it in-band.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	backendChunks, backendErrs := p.backend.CompletionStream(ctx, p.buildParams(req))

	ch := make(chan llm.Chunk, 32)
	go func() {
		defer close(ch)

		for chunk := range backendChunks {
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			out := llm.Chunk{
				Text:         choice.Delta.Content,
				FinishReason: choice.FinishReason,
			}
			if out.Text == "" && out.FinishReason == "" {
				continue
			}
			select {
			case ch <- out:
			case <-ctx.Done():
				return
			}
		}

		// The error channel resolves only once the chunk channel drains.
		if err := <-backendErrs; err != nil {
			select {
			case ch <- llm.Chunk{FinishReason: llm.FinishError, Text: err.Error()}:
			case <-ctx.Done():
			}
		}
	}()

	return ch, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	resp, err := p.backend.Completion(ctx, p.buildParams(req))
	if err != nil {
		return nil, fmt.Errorf("anyllm: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("anyllm: empty choices in response")
	}

	result := &llm.CompletionResponse{
		Content: resp.Choices[0].Message.ContentString(),
	}
	if resp.Usage != nil {
		result.Usage = llm.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	return result, nil
}

// CountTokens implements llm.Provider. any-llm-go exposes no tokeniser, so
// this uses the shared character-based estimate.
func (p *Provider) CountTokens(messages []types.Message) (int, error) {
	return llm.EstimateTokens(messages), nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() types.ModelCapabilities {
	return llm.CapabilitiesForModel(p.model)
}

func (p *Provider) buildParams(req llm.CompletionRequest) anyllmlib.CompletionParams {
	messages := make([]anyllmlib.Message, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, anyllmlib.Message{
			Role:    anyllmlib.RoleSystem,
			Content: req.SystemPrompt,
		})
	}
	for _, m := range req.Messages {
		messages = append(messages, anyllmlib.Message{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	params := anyllmlib.CompletionParams{
		Model:    p.model,
		Messages: messages,
	}
	if req.Temperature != 0 {
		t := req.Temperature
		params.Temperature = &t
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		params.MaxTokens = &mt
	}
	return params
}
