package openai_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/voxloop/voxloop/pkg/audio"
	"github.com/voxloop/voxloop/pkg/provider/tts/openai"
	"github.com/voxloop/voxloop/pkg/types"
)

// speechRequest mirrors the JSON body the SDK sends to /audio/speech.
type speechRequest struct {
	Model          string  `json:"model"`
	Input          string  `json:"input"`
	Voice          string  `json:"voice"`
	ResponseFormat string  `json:"response_format"`
	Speed          float64 `json:"speed"`
}

// newSpeechServer returns a fake OpenAI speech endpoint that records the
// decoded request body and answers with a small valid WAV clip.
func newSpeechServer(t *testing.T, status int) (*httptest.Server, *speechRequest) {
	t.Helper()
	got := &speechRequest{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/audio/speech") {
			t.Errorf("unexpected path %q", r.URL.Path)
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		data, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := json.Unmarshal(data, got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if status != http.StatusOK {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error": {"message": "synthesis failed", "type": "server_error"}}`))
			return
		}
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write(audio.EncodeWAV(make([]byte, 3200), 16000, 1))
	}))
	return srv, got
}

func TestNew_EmptyAPIKey(t *testing.T) {
	t.Parallel()
	if _, err := openai.New(""); err == nil {
		t.Fatal("expected error for empty apiKey, got nil")
	}
}

func TestName(t *testing.T) {
	t.Parallel()
	p, err := openai.New("test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.Name() != "openai" {
		t.Errorf("Name() = %q, want %q", p.Name(), "openai")
	}
}

func TestSynthesize_EmptyText(t *testing.T) {
	t.Parallel()
	p, err := openai.New("test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Synthesize(context.Background(), "", types.VoiceProfile{}); err == nil {
		t.Fatal("expected error for empty text, got nil")
	}
}

func TestSynthesize_RequestShape(t *testing.T) {
	t.Parallel()
	srv, got := newSpeechServer(t, http.StatusOK)
	defer srv.Close()

	p, err := openai.New("test-key",
		openai.WithBaseURL(srv.URL+"/"),
		openai.WithModel("gpt-4o-mini-tts"),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	wav, err := p.Synthesize(context.Background(), "Dim the lights.", types.VoiceProfile{ID: "nova"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	if got.Model != "gpt-4o-mini-tts" {
		t.Errorf("model = %q, want %q", got.Model, "gpt-4o-mini-tts")
	}
	if got.Input != "Dim the lights." {
		t.Errorf("input = %q, want %q", got.Input, "Dim the lights.")
	}
	if got.Voice != "nova" {
		t.Errorf("voice = %q, want %q", got.Voice, "nova")
	}
	if got.ResponseFormat != "wav" {
		t.Errorf("response_format = %q, want %q", got.ResponseFormat, "wav")
	}
	if !bytes.HasPrefix(wav, []byte("RIFF")) {
		t.Error("returned clip does not start with RIFF magic")
	}
}

func TestSynthesize_DefaultVoice(t *testing.T) {
	t.Parallel()
	srv, got := newSpeechServer(t, http.StatusOK)
	defer srv.Close()

	p, err := openai.New("test-key", openai.WithBaseURL(srv.URL+"/"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Synthesize(context.Background(), "hi", types.VoiceProfile{}); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if got.Voice != "alloy" {
		t.Errorf("voice = %q, want default %q", got.Voice, "alloy")
	}
}

func TestSynthesize_SpeedFactor(t *testing.T) {
	t.Parallel()
	srv, got := newSpeechServer(t, http.StatusOK)
	defer srv.Close()

	p, err := openai.New("test-key", openai.WithBaseURL(srv.URL+"/"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	voice := types.VoiceProfile{ID: "nova", SpeedFactor: 1.2}
	if _, err := p.Synthesize(context.Background(), "Quickly now.", voice); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if got.Speed != 1.2 {
		t.Errorf("speed = %v, want 1.2", got.Speed)
	}
}

func TestSynthesize_APIFailure(t *testing.T) {
	t.Parallel()
	srv, _ := newSpeechServer(t, http.StatusInternalServerError)
	defer srv.Close()

	p, err := openai.New("test-key", openai.WithBaseURL(srv.URL+"/"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Synthesize(context.Background(), "hi", types.VoiceProfile{ID: "nova"}); err == nil {
		t.Fatal("expected error for HTTP 500, got nil")
	}
}

func TestListVoices_StaticCatalogue(t *testing.T) {
	t.Parallel()
	p, err := openai.New("test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	voices, err := p.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(voices) == 0 {
		t.Fatal("expected non-empty voice catalogue")
	}
	found := false
	for _, v := range voices {
		if v.ID == "alloy" {
			found = true
		}
		if v.Provider != "openai" {
			t.Errorf("voice %q Provider = %q, want %q", v.ID, v.Provider, "openai")
		}
	}
	if !found {
		t.Error("catalogue does not contain voice alloy")
	}
}
