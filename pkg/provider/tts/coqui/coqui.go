// Package coqui implements tts.Provider against a locally hosted Coqui
// server. Two server flavors are spoken:
//
//   - APIModeStandard (default): the stock Coqui TTS server image
//     (ghcr.io/coqui-ai/tts-cpu). Synthesis goes through GET /api/tts with
//     query parameters; the voice catalogue comes from GET /details.
//
//   - APIModeXTTS: the XTTS v2 API server. Synthesis goes through
//     POST /tts_to_audio/ with a JSON body; voices come from
//     GET /studio_speakers and new ones can be cloned via POST /clone_speaker.
//
// Both servers are batch engines, one HTTP round trip per utterance, which
// maps onto the tts.Provider contract directly.
//
//	p, err := coqui.New("http://localhost:5002",
//	    coqui.WithLanguage("en"),
//	    coqui.WithTimeout(15*time.Second),
//	)
//	wav, err := p.Synthesize(ctx, "Hello there.", voice)
package coqui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/voxloop/voxloop/pkg/audio"
	"github.com/voxloop/voxloop/pkg/provider/tts"
	"github.com/voxloop/voxloop/pkg/types"
)

var _ tts.Provider = (*Provider)(nil)

const providerName = "coqui"

const (
	defaultLanguage = "en"
	defaultTimeout  = 30 * time.Second

	ttsEndpoint            = "/tts_to_audio/"
	studioSpeakersEndpoint = "/studio_speakers"
	cloneSpeakerEndpoint   = "/clone_speaker"
	apiTTSEndpoint         = "/api/tts"
	detailsEndpoint        = "/details"
)

// APIMode selects which Coqui server flavor the provider talks to.
type APIMode string

const (
	// APIModeXTTS targets the XTTS v2 API server. Adds voice cloning.
	APIModeXTTS APIMode = "xtts"

	// APIModeStandard targets the stock Coqui TTS server. The default.
	APIModeStandard APIMode = "standard"
)

// Option configures a Provider.
type Option func(*Provider)

// WithLanguage sets the language code sent with every synthesis request
// (e.g. "en", "de"). Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 30s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.client.Timeout = d }
}

// WithAPIMode selects the server flavor. Defaults to APIModeStandard.
func WithAPIMode(mode APIMode) Option {
	return func(p *Provider) { p.mode = mode }
}

// Provider is a tts.Provider backed by a Coqui server. Safe for concurrent
// use; parallel Synthesize calls become parallel HTTP requests.
type Provider struct {
	serverURL string
	language  string
	client    *http.Client
	mode      APIMode
}

// New builds a Provider for the server at serverURL, e.g.
// "http://localhost:5002". A trailing slash is tolerated and stripped.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: serverURL must not be empty")
	}
	p := &Provider{
		serverURL: strings.TrimRight(serverURL, "/"),
		language:  defaultLanguage,
		mode:      APIModeStandard,
		client:    &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name implements tts.Provider.
func (p *Provider) Name() string { return providerName }

// ttsRequest is the JSON body for POST /tts_to_audio/ (XTTS mode).
type ttsRequest struct {
	Text       string `json:"text"`
	SpeakerWav string `json:"speaker_wav"`
	Language   string `json:"language"`
}

// cloneSpeakerResponse is the JSON body of POST /clone_speaker.
type cloneSpeakerResponse struct {
	Name   string `json:"name"`
	Status string `json:"status,omitempty"`
}

// detailsResponse is the JSON body of GET /details (standard mode).
// Speakers is empty for single-speaker models.
type detailsResponse struct {
	ModelName string   `json:"model_name"`
	Language  string   `json:"language"`
	Speakers  []string `json:"speakers"`
}

// send executes req, enforces a 200, and returns the raw body. Request
// construction errors and transport errors come back prefixed with the
// method and endpoint so failures are attributable in logs.
func (p *Provider) send(req *http.Request, accept string) ([]byte, error) {
	req.Header.Set("Accept", accept)
	endpoint := req.URL.Path

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: %s %s: %w", req.Method, endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: %s %s returned status %d", req.Method, endpoint, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("coqui: read %s response: %w", endpoint, err)
	}
	return body, nil
}

// getJSON fetches p.serverURL+path and unmarshals the JSON body into out.
func (p *Provider) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+path, nil)
	if err != nil {
		return fmt.Errorf("coqui: create request: %w", err)
	}
	body, err := p.send(req, "application/json")
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("coqui: decode %s response: %w", path, err)
	}
	return nil
}

// Synthesize issues one synthesis round trip and returns the server's WAV
// response. The response is validated as a RIFF container so a misconfigured
// server surfaces here rather than as a decode failure at playback time.
func (p *Provider) Synthesize(ctx context.Context, text string, voice types.VoiceProfile) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("coqui: text must not be empty")
	}
	// XTTS always needs a speaker reference. The standard server can run
	// single-speaker models without one.
	if voice.ID == "" && p.mode == APIModeXTTS {
		return nil, errors.New("coqui: voice.ID must not be empty (required for XTTS mode)")
	}

	var (
		wav []byte
		err error
	)
	if p.mode == APIModeStandard {
		wav, err = p.synthesizeStandard(ctx, text, voice)
	} else {
		wav, err = p.synthesizeXTTS(ctx, text, voice)
	}
	if err != nil {
		return nil, err
	}

	if _, err := audio.DecodeWAV(wav); err != nil {
		return nil, fmt.Errorf("coqui: server returned invalid audio: %w", err)
	}
	return wav, nil
}

func (p *Provider) synthesizeXTTS(ctx context.Context, text string, voice types.VoiceProfile) ([]byte, error) {
	data, err := json.Marshal(ttsRequest{
		Text:       text,
		SpeakerWav: voice.ID,
		Language:   p.language,
	})
	if err != nil {
		return nil, fmt.Errorf("coqui: marshal tts request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+ttsEndpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("coqui: create tts request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return p.send(req, "audio/wav")
}

func (p *Provider) synthesizeStandard(ctx context.Context, text string, voice types.VoiceProfile) ([]byte, error) {
	params := url.Values{}
	params.Set("text", text)
	if voice.ID != "" {
		params.Set("speaker_id", voice.ID)
	}
	if p.language != "" {
		params.Set("language_id", p.language)
	}

	reqURL := p.serverURL + apiTTSEndpoint + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: create tts request: %w", err)
	}
	return p.send(req, "audio/wav")
}

// ListVoices retrieves the voice catalogue. XTTS mode lists studio speakers;
// standard mode derives voices from GET /details, one per speaker for
// multi-speaker models or a single model-named entry otherwise.
func (p *Provider) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	if p.mode == APIModeStandard {
		return p.listVoicesStandard(ctx)
	}
	return p.listVoicesXTTS(ctx)
}

func (p *Provider) listVoicesXTTS(ctx context.Context) ([]types.VoiceProfile, error) {
	// Only the keys of the speaker map matter; the embeddings are opaque.
	var speakers map[string]json.RawMessage
	if err := p.getJSON(ctx, studioSpeakersEndpoint, &speakers); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(speakers))
	for name := range speakers {
		names = append(names, name)
	}
	sort.Strings(names)

	profiles := make([]types.VoiceProfile, len(names))
	for i, name := range names {
		profiles[i] = voiceProfile(name, map[string]string{"type": "studio"})
	}
	return profiles, nil
}

func (p *Provider) listVoicesStandard(ctx context.Context) ([]types.VoiceProfile, error) {
	var details detailsResponse
	if err := p.getJSON(ctx, detailsEndpoint, &details); err != nil {
		return nil, err
	}

	if len(details.Speakers) > 0 {
		speakers := make([]string, len(details.Speakers))
		copy(speakers, details.Speakers)
		sort.Strings(speakers)

		profiles := make([]types.VoiceProfile, len(speakers))
		for i, spk := range speakers {
			profiles[i] = voiceProfile(spk, map[string]string{
				"type":       "speaker",
				"model_name": details.ModelName,
			})
		}
		return profiles, nil
	}

	name := details.ModelName
	if name == "" {
		name = "default"
	}
	return []types.VoiceProfile{
		voiceProfile(name, map[string]string{
			"type":       "single-speaker",
			"model_name": name,
		}),
	}, nil
}

// CloneVoice uploads WAV samples to POST /clone_speaker and returns the new
// speaker as a VoiceProfile. This is a coqui extension beyond the
// tts.Provider contract; callers reach it by holding the concrete type.
// Only available in XTTS mode.
func (p *Provider) CloneVoice(ctx context.Context, samples [][]byte) (*types.VoiceProfile, error) {
	if p.mode == APIModeStandard {
		return nil, errors.New("coqui: voice cloning is not supported in standard API mode")
	}
	if len(samples) == 0 {
		return nil, errors.New("coqui: CloneVoice requires at least one audio sample")
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for i, sample := range samples {
		filename := fmt.Sprintf("sample_%02d.wav", i)
		fw, err := mw.CreateFormFile("wav_files", filename)
		if err != nil {
			return nil, fmt.Errorf("coqui: create form file %s: %w", filename, err)
		}
		if _, err := fw.Write(sample); err != nil {
			return nil, fmt.Errorf("coqui: write form file %s: %w", filename, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("coqui: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+cloneSpeakerEndpoint, &body)
	if err != nil {
		return nil, fmt.Errorf("coqui: create clone-speaker request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	raw, err := p.send(req, "application/json")
	if err != nil {
		return nil, err
	}
	var cloned cloneSpeakerResponse
	if err := json.Unmarshal(raw, &cloned); err != nil {
		return nil, fmt.Errorf("coqui: decode clone-speaker response: %w", err)
	}
	if cloned.Name == "" {
		return nil, errors.New("coqui: clone-speaker response missing name")
	}

	profile := voiceProfile(cloned.Name, map[string]string{"type": "cloned"})
	return &profile, nil
}

func voiceProfile(name string, meta map[string]string) types.VoiceProfile {
	return types.VoiceProfile{
		ID:       name,
		Name:     name,
		Provider: providerName,
		Metadata: meta,
	}
}
