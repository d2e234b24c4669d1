// Package deepgram provides a Deepgram-backed transcription provider. It
// speaks the Deepgram streaming WebSocket API but uses it in one-shot batch
// mode: each Transcribe call dials a fresh connection, writes the complete
// utterance, closes the stream, and collects the final results until the
// server hangs up.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/coder/websocket"

	"github.com/voxloop/voxloop/pkg/provider/transcribe"
)

const (
	deepgramEndpoint  = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultSampleRate = 16000

	// writeChunkBytes bounds individual WebSocket messages; Deepgram
	// recommends chunks well under its 1 MiB frame limit.
	writeChunkBytes = 8192
)

// Compile-time assertion that Provider implements transcribe.Provider.
var _ transcribe.Provider = (*Provider)(nil)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the BCP-47 language code used when a request does not
// carry one (e.g., "en", "de-DE").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithEndpoint overrides the Deepgram WebSocket endpoint. Intended for tests
// and self-hosted deployments.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// Provider implements transcribe.Provider backed by the Deepgram API. It
// holds no per-call state and is safe for concurrent use.
type Provider struct {
	apiKey   string
	model    string
	language string
	endpoint string
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:   apiKey,
		model:    defaultModel,
		language: defaultLanguage,
		endpoint: deepgramEndpoint,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name implements transcribe.Provider.
func (p *Provider) Name() string { return "deepgram" }

// Transcribe implements transcribe.Provider. The utterance is streamed over
// a dedicated WebSocket connection; the joined final transcripts are
// returned once the server acknowledges the close of the audio stream.
func (p *Provider) Transcribe(ctx context.Context, req transcribe.Request) (string, error) {
	if len(req.Audio.PCM) == 0 {
		return "", errors.New("deepgram: request carries no audio")
	}

	wsURL, err := p.buildURL(req)
	if err != nil {
		return "", fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return "", fmt.Errorf("deepgram: dial: %w", err)
	}
	defer conn.CloseNow()

	// Large utterances would otherwise exceed the frame size limit.
	conn.SetReadLimit(1 << 20)

	pcm := req.Audio.PCM
	for off := 0; off < len(pcm); off += writeChunkBytes {
		end := off + writeChunkBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		if err := conn.Write(ctx, websocket.MessageBinary, pcm[off:end]); err != nil {
			return "", fmt.Errorf("deepgram: write audio: %w", err)
		}
	}
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`)); err != nil {
		return "", fmt.Errorf("deepgram: close stream: %w", err)
	}

	var parts []string
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", fmt.Errorf("deepgram: read results: %w", ctxErr)
			}
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || errors.Is(err, io.EOF) || len(parts) > 0 {
				break
			}
			return "", fmt.Errorf("deepgram: read results: %w", err)
		}

		text, isFinal, ok := parseResponse(msg)
		if ok && isFinal && text != "" {
			parts = append(parts, text)
		}
	}

	_ = conn.Close(websocket.StatusNormalClosure, "transcription complete")
	return strings.TrimSpace(strings.Join(parts, " ")), nil
}

// buildURL constructs the Deepgram streaming endpoint URL for the given
// request. Raw 16-bit PCM requires explicit encoding and sample rate
// parameters.
func (p *Provider) buildURL(req transcribe.Request) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	lang := req.Language
	if lang == "" {
		lang = p.language
	}
	sr := req.Audio.SampleRate
	if sr <= 0 {
		sr = defaultSampleRate
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sr))
	q.Set("punctuate", "true")
	q.Set("interim_results", "false")
	if req.Audio.Channels > 0 {
		q.Set("channels", strconv.Itoa(req.Audio.Channels))
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// deepgramResponse is the JSON structure returned by Deepgram for a Results
// event. Fields not needed for batch transcription are omitted.
type deepgramResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// parseResponse parses a raw Deepgram WebSocket message. Returns the
// transcript text and finality, or ok=false for messages that should be
// ignored (metadata, malformed JSON, empty alternatives).
func parseResponse(data []byte) (text string, isFinal bool, ok bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", false, false
	}
	if resp.Type != "Results" {
		return "", false, false
	}
	if len(resp.Channel.Alternatives) == 0 {
		return "", false, false
	}
	return resp.Channel.Alternatives[0].Transcript, resp.IsFinal, true
}
