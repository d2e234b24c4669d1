// Package relay provides a respond.Provider backed by a remote chat service
// that streams replies over server-sent events. It is the thin-client
// counterpart to the cascade responder: the remote service runs the language
// model and synthesis itself, and the relay forwards its stream.
//
// The relay POSTs the utterance to {base}/api/chat/stream and reads SSE data
// lines from the response:
//
//   - {"content": ...} payloads become text deltas.
//   - {"tts_audio_url": ..., "tts_index": n} payloads name one synthesized
//     clip; the relay fetches the clip (bounded concurrency) and emits it as
//     an audio fragment carrying the server-assigned index.
//   - {"text_complete": true} marks the end of the reply text.
//   - {"tts_done": true} marks the end of synthesis; AudioComplete is emitted
//     once every pending clip fetch has drained.
//   - {"id": ...} announces the server-assigned conversation id, which the
//     relay remembers and sends back on later turns.
//   - {"error": ...} payloads and the [DONE] sentinel end the stream.
//
// Payload shapes the relay does not recognise are skipped, so the remote
// service may add event kinds without breaking older clients.
//
// Typical usage:
//
//	p, err := relay.New("http://localhost:8080",
//	    relay.WithFetchConcurrency(3),
//	)
//	stream, err := p.Respond(ctx, "what's the weather like?")
package relay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voxloop/voxloop/pkg/provider/respond"
)

// Compile-time interface assertion.
var _ respond.Provider = (*Responder)(nil)

// ---- constants ----

const (
	defaultFetchConcurrency = 3
	defaultFetchTimeout     = 15 * time.Second
	defaultEventBuf         = 64

	streamEndpoint = "/api/chat/stream"
	doneSentinel   = "[DONE]"

	// maxLineBytes bounds a single SSE line. Data lines carry JSON token
	// payloads and clip URLs, never audio, so this is generous.
	maxLineBytes = 1 << 20

	conversationHeader = "X-Conversation-ID"
)

// ---- options ----

// Option is a functional option for configuring a relay Responder.
type Option func(*Responder)

// WithConversationID seeds the conversation id sent on the first request.
// Without it the remote service opens a fresh conversation and the relay
// adopts the id it announces.
func WithConversationID(id string) Option {
	return func(r *Responder) {
		r.conversationID = id
	}
}

// WithHTTPClient replaces the HTTP client used for both the event stream and
// clip fetches. The client must not set a global timeout: the event stream
// stays open for the whole reply. Per-clip fetches are bounded separately.
func WithHTTPClient(client *http.Client) Option {
	return func(r *Responder) {
		if client != nil {
			r.client = client
		}
	}
}

// WithFetchConcurrency bounds how many clip fetches run at once. Defaults
// to 3.
func WithFetchConcurrency(n int) Option {
	return func(r *Responder) {
		if n > 0 {
			r.fetchLimit = n
		}
	}
}

// WithFetchTimeout bounds a single clip fetch. Defaults to 15 seconds.
func WithFetchTimeout(d time.Duration) Option {
	return func(r *Responder) {
		if d > 0 {
			r.fetchTimeout = d
		}
	}
}

// WithLogger sets the logger used for debug output.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Responder) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// ---- Responder ----

// Responder relays replies from a remote chat service's SSE stream.
// It is safe for concurrent use.
type Responder struct {
	baseURL      string
	client       *http.Client
	fetchLimit   int
	fetchTimeout time.Duration
	eventBuf     int
	logger       *slog.Logger

	mu             sync.Mutex
	conversationID string
}

// New creates a relay Responder targeting the chat service at baseURL.
func New(baseURL string, opts ...Option) (*Responder, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("relay: base URL must not be empty")
	}

	r := &Responder{
		baseURL:      baseURL,
		client:       &http.Client{},
		fetchLimit:   defaultFetchConcurrency,
		fetchTimeout: defaultFetchTimeout,
		eventBuf:     defaultEventBuf,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Name returns the provider name.
func (r *Responder) Name() string {
	return "relay"
}

// ConversationID returns the conversation id the relay is currently bound to.
// Empty until the remote service announces one.
func (r *Responder) ConversationID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conversationID
}

// Respond sends the recognized text to the remote service and returns a
// stream of reply events. The request carries the remembered conversation id
// so consecutive turns share history on the server.
func (r *Responder) Respond(ctx context.Context, text string) (*respond.Stream, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("relay: text must not be empty")
	}

	body, err := json.Marshal(chatRequest{Message: text, VoiceResponse: true})
	if err != nil {
		return nil, fmt.Errorf("relay: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+streamEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("relay: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if id := r.ConversationID(); id != "" {
		req.Header.Set(conversationHeader, id)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("relay: connect to chat stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("relay: chat stream returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	stream := respond.NewStream(r.eventBuf)
	go r.run(ctx, resp.Body, stream)
	return stream, nil
}

// ---- stream loop ----

// chatRequest is the body POSTed to the chat service.
type chatRequest struct {
	Message       string `json:"message"`
	VoiceResponse bool   `json:"voice_response"`
}

// ssePayload is the union of the data payloads the relay acts on. A payload
// that decodes with every field zero matches no case and is skipped.
type ssePayload struct {
	Content      string `json:"content"`
	TextComplete bool   `json:"text_complete"`
	TTSAudioURL  string `json:"tts_audio_url"`
	TTSIndex     *int   `json:"tts_index"`
	TTSDone      bool   `json:"tts_done"`
	ID           string `json:"id"`
	Error        string `json:"error"`
}

// run reads the SSE stream and forwards its payloads as respond events. It
// owns the response body and the stream lifecycle: every exit path closes the
// body, waits for pending clip fetches and finishes the stream.
func (r *Responder) run(ctx context.Context, body io.ReadCloser, stream *respond.Stream) {
	defer body.Close()

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(r.fetchLimit)

	var (
		textDone  bool
		audioDone bool
		failed    bool
	)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

scan:
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			stream.Fail(ctx.Err())
			failed = true
			break scan
		default:
		}

		// Only data lines carry payloads; event names, comments and
		// keep-alive blanks are skipped.
		data, ok := strings.CutPrefix(strings.TrimSpace(scanner.Text()), "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == doneSentinel {
			break scan
		}

		var payload ssePayload
		if err := json.Unmarshal([]byte(data), &payload); err != nil {
			r.logger.Debug("skipping malformed stream payload", "error", err)
			continue
		}

		switch {
		case payload.Error != "":
			stream.Fail(fmt.Errorf("relay: upstream error: %s", payload.Error))
			failed = true
			break scan

		case payload.Content != "":
			if err := stream.Emit(ctx, respond.Event{Type: respond.EventTextDelta, Text: payload.Content}); err != nil {
				stream.Fail(err)
				failed = true
				break scan
			}

		case payload.TTSAudioURL != "" && payload.TTSIndex != nil:
			r.fetchFragment(gctx, group, stream, *payload.TTSIndex, payload.TTSAudioURL)

		case payload.TTSDone:
			audioDone = true

		case payload.TextComplete:
			if textDone {
				continue
			}
			textDone = true
			if err := stream.Emit(ctx, respond.Event{Type: respond.EventTextComplete}); err != nil {
				stream.Fail(err)
				failed = true
				break scan
			}

		case payload.ID != "":
			r.mu.Lock()
			r.conversationID = payload.ID
			r.mu.Unlock()
		}
	}

	if err := scanner.Err(); err != nil && !failed {
		// A cancelled context surfaces as a body read error; report the cause.
		if cause := ctx.Err(); cause != nil {
			err = cause
		}
		stream.Fail(fmt.Errorf("relay: read chat stream: %w", err))
		failed = true
	}

	// AudioComplete must trail the last fragment, so pending fetches drain
	// before the completion events go out.
	fetchErr := group.Wait()

	switch {
	case failed:
	case fetchErr != nil:
		stream.Fail(fetchErr)
	default:
		if !textDone {
			if err := stream.Emit(ctx, respond.Event{Type: respond.EventTextComplete}); err != nil {
				stream.Fail(err)
				break
			}
		}
		if audioDone {
			if err := stream.Emit(ctx, respond.Event{Type: respond.EventAudioComplete}); err != nil {
				stream.Fail(err)
			}
		}
	}

	stream.Finish(ctx)
}

// fetchFragment schedules one clip fetch on the group. Go blocks while the
// concurrency limit is saturated, which backpressures the stream read.
func (r *Responder) fetchFragment(ctx context.Context, group *errgroup.Group, stream *respond.Stream, index int, clipURL string) {
	group.Go(func() error {
		wav, err := r.fetchClip(ctx, clipURL)
		if err != nil {
			return fmt.Errorf("relay: fetch fragment %d: %w", index, err)
		}
		return stream.Emit(ctx, respond.Event{
			Type:     respond.EventAudioFragment,
			Fragment: respond.AudioFragment{Index: index, Audio: wav},
		})
	})
}

// fetchClip downloads one synthesized clip. Relative URLs are resolved
// against the service base URL, which is how the service hands them out.
func (r *Responder) fetchClip(ctx context.Context, clipURL string) ([]byte, error) {
	if !strings.HasPrefix(clipURL, "http://") && !strings.HasPrefix(clipURL, "https://") {
		if !strings.HasPrefix(clipURL, "/") {
			clipURL = "/" + clipURL
		}
		clipURL = r.baseURL + clipURL
	}

	fetchCtx, cancel := context.WithTimeout(ctx, r.fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, clipURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("clip fetch returned status %d", resp.StatusCode)
	}

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read clip body: %w", err)
	}
	if len(wav) == 0 {
		return nil, fmt.Errorf("clip fetch returned empty body")
	}
	return wav, nil
}
