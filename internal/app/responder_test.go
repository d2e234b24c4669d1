package app

import (
	"context"
	"testing"

	"github.com/voxloop/voxloop/internal/config"
	"github.com/voxloop/voxloop/pkg/provider/llm"
	llmmock "github.com/voxloop/voxloop/pkg/provider/llm/mock"
	"github.com/voxloop/voxloop/pkg/provider/respond"
	transcribemock "github.com/voxloop/voxloop/pkg/provider/transcribe/mock"
	ttsmock "github.com/voxloop/voxloop/pkg/provider/tts/mock"
	vadmock "github.com/voxloop/voxloop/pkg/vad/mock"
)

// cascadeApp builds an App whose responders come from the cascade factory,
// with every conversation's completions landing on the shared LLM mock.
func cascadeApp(t *testing.T, llmP *llmmock.Provider) *App {
	t.Helper()
	cfg := &config.Config{
		Server:    config.ServerConfig{ListenAddr: "127.0.0.1:0"},
		Responder: config.ResponderConfig{Mode: config.ModeCascade},
	}
	providers := &Providers{
		Transcriber: &transcribemock.Provider{},
		LLM:         llmP,
		TTS:         &ttsmock.Provider{},
	}
	a, err := New(context.Background(), cfg, providers, WithDetector(&vadmock.Detector{}))
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a
}

// drainStream consumes a respond stream to completion.
func drainStream(t *testing.T, s *respond.Stream, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("Respond returned error: %v", err)
	}
	for range s.Events() {
	}
}

func TestApp_ResponderPerConversation(t *testing.T) {
	t.Parallel()

	chunks := []llm.Chunk{
		{Text: "All sorted on my end. "},
		{FinishReason: "stop"},
	}
	llmP := &llmmock.Provider{StreamChunks: chunks}
	a := cascadeApp(t, llmP)

	first, err := a.newResponder()
	if err != nil {
		t.Fatalf("newResponder() returned error: %v", err)
	}
	second, err := a.newResponder()
	if err != nil {
		t.Fatalf("second newResponder() returned error: %v", err)
	}
	if first == second {
		t.Fatal("conversations share one responder instance")
	}

	// One client asks about their account, another says hello. The second
	// client's completion request must carry only its own turn.
	ctx := context.Background()
	s1, err := first.Respond(ctx, "how much is in my account?")
	drainStream(t, s1, err)
	s2, err := second.Respond(ctx, "hello there")
	drainStream(t, s2, err)

	if got := len(llmP.StreamCalls); got != 2 {
		t.Fatalf("got %d stream calls, want 2", got)
	}
	req := llmP.StreamCalls[1].Req
	if len(req.Messages) != 1 {
		t.Fatalf("the second conversation's request carries %d messages, want 1: %+v",
			len(req.Messages), req.Messages)
	}
	if req.Messages[0].Content != "hello there" {
		t.Errorf("messages[0] = %+v, want the second conversation's turn", req.Messages[0])
	}
}
