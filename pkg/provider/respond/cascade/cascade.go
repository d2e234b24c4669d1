// Package cascade implements an in-process Responder that cascades a
// streaming LLM into sentence-level TTS.
//
// Tokens from the model are forwarded as text deltas the moment they
// arrive. In parallel the token stream is assembled into sentences, each
// sentence is sanitized for speech, and the survivors are synthesized into
// WAV fragments. Synthesis runs under a weighted semaphore so a slow TTS
// backend cannot accumulate unbounded in-flight requests; fragment events
// are emitted as clips complete, which is not index order when the weight
// allows parallelism.
//
// The responder keeps a bounded in-memory history of (user, assistant)
// turns so follow-up utterances carry conversational context. Nothing is
// persisted.
package cascade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/voxloop/voxloop/pkg/provider/llm"
	"github.com/voxloop/voxloop/pkg/provider/respond"
	"github.com/voxloop/voxloop/pkg/provider/tts"
	"github.com/voxloop/voxloop/pkg/types"
)

const (
	// defaultSystemPrompt keeps replies short enough to speak.
	defaultSystemPrompt = "You are a helpful voice assistant. Keep replies short and conversational; they will be read aloud."

	// defaultMaxTurns bounds the in-memory conversation history.
	defaultMaxTurns = 20

	// defaultEventBuf is the stream's event buffer depth, sized to absorb
	// a burst of token deltas without blocking the producer.
	defaultEventBuf = 64
)

// Compile-time interface assertion.
var _ respond.Provider = (*Responder)(nil)

// Option is a functional option for configuring a Responder.
type Option func(*Responder)

// WithSystemPrompt replaces the default system prompt.
func WithSystemPrompt(prompt string) Option {
	return func(r *Responder) { r.systemPrompt = prompt }
}

// WithVoice sets the voice profile passed to the TTS provider.
func WithVoice(voice types.VoiceProfile) Option {
	return func(r *Responder) { r.voice = voice }
}

// WithMaxTurns bounds the conversation history to the last n
// (user, assistant) turns. Default is 20.
func WithMaxTurns(n int) Option {
	return func(r *Responder) {
		if n > 0 {
			r.maxTurns = n
		}
	}
}

// WithSynthesisConcurrency sets how many sentences may be synthesized at
// once. The default of 1 serializes synthesis, which makes fragments
// complete in index order; higher weights trade ordering for throughput.
func WithSynthesisConcurrency(n int) Option {
	return func(r *Responder) {
		if n > 0 {
			r.concurrency = int64(n)
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *Responder) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Responder implements respond.Provider with an LLM + TTS cascade. It is
// safe for concurrent use, although interleaved Respond calls share one
// conversation history.
type Responder struct {
	llmP  llm.Provider
	ttsP  tts.Provider
	voice types.VoiceProfile

	systemPrompt string
	maxTurns     int
	concurrency  int64
	eventBuf     int
	logger       *slog.Logger

	mu      sync.Mutex
	history []types.Message
}

// New constructs a cascade Responder backed by the given providers.
func New(llmP llm.Provider, ttsP tts.Provider, opts ...Option) *Responder {
	r := &Responder{
		llmP:         llmP,
		ttsP:         ttsP,
		systemPrompt: defaultSystemPrompt,
		maxTurns:     defaultMaxTurns,
		concurrency:  1,
		eventBuf:     defaultEventBuf,
		logger:       slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Name implements respond.Provider.
func (r *Responder) Name() string { return "cascade" }

// Respond implements respond.Provider. The returned stream is live as soon
// as the LLM token stream opens; audio fragments follow as sentences
// complete synthesis.
func (r *Responder) Respond(ctx context.Context, text string) (*respond.Stream, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("cascade: text must not be empty")
	}

	chunks, err := r.llmP.StreamCompletion(ctx, r.buildRequest(text))
	if err != nil {
		return nil, fmt.Errorf("cascade: start completion stream: %w", err)
	}

	stream := respond.NewStream(r.eventBuf)
	go r.run(ctx, text, chunks, stream)
	return stream, nil
}

// History returns a copy of the bounded conversation history.
func (r *Responder) History() []types.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.Message, len(r.history))
	copy(out, r.history)
	return out
}

// Reset clears the conversation history.
func (r *Responder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = nil
}

// run drives one response: it forwards token deltas, cuts sentences, fans
// synthesis out under the semaphore, and closes the stream with the
// TextComplete → AudioComplete → Finished tail.
func (r *Responder) run(ctx context.Context, userText string, chunks <-chan llm.Chunk, stream *respond.Stream) {
	group, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(r.concurrency)

	var (
		buf       sentenceBuffer
		reply     strings.Builder
		nextIndex int
		prev      chan struct{}
	)

	synthesize := func(sentence string) {
		index := nextIndex
		nextIndex++

		// Admission to the semaphore follows dispatch order: a goroutine
		// lets its successor queue only once it holds a slot itself. With
		// weight 1 fragments therefore complete in index order.
		ready := prev
		admitted := make(chan struct{})
		prev = admitted

		group.Go(func() error {
			if ready != nil {
				select {
				case <-ready:
				case <-gctx.Done():
					close(admitted)
					return gctx.Err()
				}
			}
			err := sem.Acquire(gctx, 1)
			close(admitted)
			if err != nil {
				return err
			}
			defer sem.Release(1)

			wav, err := r.ttsP.Synthesize(gctx, sentence, r.voice)
			if err != nil {
				return fmt.Errorf("cascade: synthesize fragment %d: %w", index, err)
			}
			return stream.Emit(gctx, respond.Event{
				Type:     respond.EventAudioFragment,
				Fragment: respond.AudioFragment{Index: index, Audio: wav},
			})
		})
	}

	dispatch := func(sentences []string) {
		for _, sentence := range sentences {
			cleaned := cleanForSpeech(sentence)
			if cleaned == "" {
				// Skipped before an index is assigned: the playback layer
				// drains indices consecutively and would stall on a hole.
				r.logger.Debug("sentence empty after cleaning, skipped", "responder", r.Name())
				continue
			}
			synthesize(cleaned)
		}
	}

	failed := false

loop:
	for {
		select {
		case <-ctx.Done():
			stream.Fail(ctx.Err())
			failed = true
			break loop
		case chunk, ok := <-chunks:
			if !ok {
				break loop
			}
			if chunk.FinishReason == llm.FinishError {
				// Error chunks carry the message in Text; it is not reply
				// content.
				stream.Fail(fmt.Errorf("cascade: completion stream: %s", chunk.Text))
				failed = true
				break loop
			}
			if chunk.Text != "" {
				reply.WriteString(chunk.Text)
				if err := stream.Emit(ctx, respond.Event{Type: respond.EventTextDelta, Text: chunk.Text}); err != nil {
					stream.Fail(err)
					failed = true
					break loop
				}
				dispatch(buf.add(chunk.Text))
			}
			if chunk.FinishReason != "" {
				break loop
			}
		}
	}

	if !failed {
		if rest, ok := buf.flush(); ok {
			dispatch([]string{rest})
		}
		_ = stream.Emit(ctx, respond.Event{Type: respond.EventTextComplete})
	}

	if err := group.Wait(); err != nil {
		stream.Fail(err)
	} else if !failed {
		_ = stream.Emit(ctx, respond.Event{Type: respond.EventAudioComplete})
		r.recordTurn(userText, reply.String())
	}
	stream.Finish(ctx)
}

// buildRequest assembles the completion request from the system prompt, the
// bounded history and the new user utterance.
func (r *Responder) buildRequest(text string) llm.CompletionRequest {
	r.mu.Lock()
	msgs := make([]types.Message, 0, len(r.history)+1)
	msgs = append(msgs, r.history...)
	r.mu.Unlock()

	msgs = append(msgs, types.Message{Role: "user", Content: text})
	return llm.CompletionRequest{
		SystemPrompt: r.systemPrompt,
		Messages:     msgs,
	}
}

// recordTurn appends a completed (user, assistant) turn and trims the
// history to the configured bound. Turns with an empty reply are not
// recorded.
func (r *Responder) recordTurn(user, assistant string) {
	assistant = strings.TrimSpace(assistant)
	if assistant == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history,
		types.Message{Role: "user", Content: user},
		types.Message{Role: "assistant", Content: assistant},
	)
	if limit := r.maxTurns * 2; len(r.history) > limit {
		r.history = append(r.history[:0], r.history[len(r.history)-limit:]...)
	}
}
