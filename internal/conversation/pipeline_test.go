package conversation

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/voxloop/voxloop/pkg/audio"
	"github.com/voxloop/voxloop/pkg/provider/respond"
	"github.com/voxloop/voxloop/pkg/provider/transcribe"
	transcribemock "github.com/voxloop/voxloop/pkg/provider/transcribe/mock"
	"github.com/voxloop/voxloop/pkg/vad"
)

// wavClip fabricates a silent WAV clip of the given duration, 16 kHz mono.
func wavClip(d time.Duration) []byte {
	samples := int(d.Seconds() * 16000)
	return audio.EncodeWAV(make([]byte, samples*2), 16000, 1)
}

// ─── turn flow ───

func TestTurn_CompletesThroughPlayback(t *testing.T) {
	t.Parallel()

	det := scriptedDetector(
		script(vad.SpeechStart, 0.5, 1),
		script(vad.SpeechContinue, 0.5, 4),
	)
	f := newFixture(t, det, Config{})
	f.resp.Script = []respond.Event{
		{Type: respond.EventTextDelta, Text: "Hi there."},
		{Type: respond.EventAudioFragment, Fragment: respond.AudioFragment{Index: 0, Audio: wavClip(100 * time.Millisecond)}},
		{Type: respond.EventAudioComplete},
	}

	f.enter(t)
	f.expectStates(t, "listening")
	feedFrames(f.src.Handles[0], 5)
	f.engine.SendNow()

	f.expectStates(t,
		"processing:transcribing",
		"processing:awaiting_response",
		"speaking",
		"listening",
	)

	select {
	case text := <-f.transcripts:
		if text != "hello there" {
			t.Errorf("transcript callback got %q, want %q", text, "hello there")
		}
	default:
		t.Error("transcript callback was not invoked")
	}
	select {
	case delta := <-f.assistant:
		if delta != "Hi there." {
			t.Errorf("assistant callback got %q, want %q", delta, "Hi there.")
		}
	default:
		t.Error("assistant text callback was not invoked")
	}
	if got := f.resp.Calls[0].Text; got != "hello there" {
		t.Errorf("responder received %q, want %q", got, "hello there")
	}
	if err := f.engine.Exit(); err != nil {
		t.Fatalf("Exit() returned error: %v", err)
	}
}

func TestTurn_BargeInStopsPlayback(t *testing.T) {
	t.Parallel()

	det := scriptedDetector(
		script(vad.SpeechStart, 0.5, 1),
		script(vad.SpeechContinue, 0.5, 4),
		script(vad.SpeechStart, 0.5, 1),
		script(vad.SpeechContinue, 0.5, 1),
	)
	f := newFixture(t, det, Config{})
	f.sink.AutoComplete = false
	// A five-second clip and no audio-complete event: without interruption
	// this reply would keep playing for the rest of the test.
	f.resp.Script = []respond.Event{
		{Type: respond.EventTextDelta, Text: "One moment."},
		{Type: respond.EventAudioFragment, Fragment: respond.AudioFragment{Index: 0, Audio: wavClip(5 * time.Second)}},
	}

	f.enter(t)
	f.waitState(t, PhaseListening)
	feedFrames(f.src.Handles[0], 5)
	f.engine.SendNow()
	f.waitState(t, PhaseSpeaking)

	// The user talks over the reply: the look-ahead capture's speech latch
	// must cut playback and return the engine to listening.
	feedFrames(f.src.Handles[1], 2)
	f.waitState(t, PhaseListening)

	if !f.sink.Handles[0].Stopped() {
		t.Error("playback handle was not stopped on barge-in")
	}
	if got := f.stt.CallCount(); got != 1 {
		t.Errorf("transcriber called %d times, want 1", got)
	}
	if got := f.resp.CallCount(); got != 1 {
		t.Errorf("responder called %d times, want 1", got)
	}
	if err := f.engine.Exit(); err != nil {
		t.Fatalf("Exit() returned error: %v", err)
	}
}

func TestTurn_TranscribeFailureRecovers(t *testing.T) {
	t.Parallel()

	det := scriptedDetector(
		script(vad.SpeechStart, 0.5, 1),
		script(vad.SpeechContinue, 0.5, 4),
	)
	f := newFixture(t, det, Config{})
	f.stt.Script = []transcribemock.Result{
		{Err: &transcribe.ServerError{Status: 503}},
		{Err: &transcribe.ServerError{Status: 503}},
		{Err: &transcribe.ServerError{Status: 503}},
	}

	f.enter(t)
	f.expectStates(t, "listening")
	feedFrames(f.src.Handles[0], 5)
	f.engine.SendNow()

	// The turn fails after the retries are exhausted; the conversation does
	// not.
	f.expectStates(t, "processing:transcribing", "listening")

	if n := f.waitNotice(t); !strings.Contains(n.Text, "transcription") {
		t.Errorf("notice %q does not mention transcription", n.Text)
	}
	if got := f.stt.CallCount(); got != 3 {
		t.Errorf("transcriber called %d times, want 3", got)
	}
	if got := f.resp.CallCount(); got != 0 {
		t.Errorf("responder called %d times, want 0", got)
	}
	if got := f.src.CallCountStart; got != 2 {
		t.Errorf("source started %d times, want 2; listening must survive the failed turn", got)
	}
	if err := f.engine.Exit(); err != nil {
		t.Fatalf("Exit() returned error: %v", err)
	}
}

func TestTurn_GateDiscardStaysSilent(t *testing.T) {
	t.Parallel()

	// The VAD claims speech, but at dead-air level: the energy gate drops the
	// recording before transcription and the user hears nothing about it.
	det := scriptedDetector(script(vad.SpeechStart, 0.001, 5))
	f := newFixture(t, det, Config{})

	f.enter(t)
	f.expectStates(t, "listening")
	feedFrames(f.src.Handles[0], 5)
	f.engine.SendNow()
	f.expectStates(t, "listening")

	if got := f.stt.CallCount(); got != 0 {
		t.Errorf("transcriber called %d times, want 0", got)
	}
	select {
	case text := <-f.transcripts:
		t.Errorf("unexpected transcript %q for a gated recording", text)
	default:
	}
	select {
	case n := <-f.engine.Notices():
		t.Errorf("unexpected notice %q; gate rejections are silent", n.Text)
	default:
	}
	if err := f.engine.Exit(); err != nil {
		t.Fatalf("Exit() returned error: %v", err)
	}
}

func TestTurn_ArtifactTranscriptRejected(t *testing.T) {
	t.Parallel()

	det := scriptedDetector(
		script(vad.SpeechStart, 0.5, 1),
		script(vad.SpeechContinue, 0.5, 4),
	)
	f := newFixture(t, det, Config{})
	f.stt.Text = "Thank you."

	f.enter(t)
	f.expectStates(t, "listening")
	feedFrames(f.src.Handles[0], 5)
	f.engine.SendNow()
	f.expectStates(t, "processing:transcribing", "listening")

	if got := f.resp.CallCount(); got != 0 {
		t.Errorf("responder called %d times, want 0; artifact transcripts must not get replies", got)
	}
	select {
	case text := <-f.transcripts:
		t.Errorf("unexpected transcript %q for a rejected utterance", text)
	default:
	}
	select {
	case n := <-f.engine.Notices():
		t.Errorf("unexpected notice %q; artifact rejections are silent", n.Text)
	default:
	}
	if err := f.engine.Exit(); err != nil {
		t.Fatalf("Exit() returned error: %v", err)
	}
}

func TestTurn_ExitCommandEndsConversation(t *testing.T) {
	t.Parallel()

	det := scriptedDetector(
		script(vad.SpeechStart, 0.5, 1),
		script(vad.SpeechContinue, 0.5, 4),
	)
	f := newFixture(t, det, Config{})
	f.stt.Text = "End the conversation"

	f.enter(t)
	f.expectStates(t, "listening")
	feedFrames(f.src.Handles[0], 5)
	f.engine.SendNow()
	f.expectStates(t, "processing:transcribing", "idle")

	if got := f.resp.CallCount(); got != 0 {
		t.Errorf("responder called %d times, want 0; commands are consumed, not answered", got)
	}
	select {
	case text := <-f.transcripts:
		if text != "End the conversation" {
			t.Errorf("transcript callback got %q, want the command text", text)
		}
	default:
		t.Error("transcript callback was not invoked for the command")
	}
	// The look-ahead capture must be torn down with the conversation.
	waitFramesClosed(t, f.src.Handles[1])
	if err := f.engine.Exit(); err != nil {
		t.Errorf("Exit() after a spoken exit returned error: %v", err)
	}
}

func TestTurn_ResponderFailureRecovers(t *testing.T) {
	t.Parallel()

	det := scriptedDetector(
		script(vad.SpeechStart, 0.5, 1),
		script(vad.SpeechContinue, 0.5, 4),
	)
	f := newFixture(t, det, Config{})
	f.resp.RespondErr = errors.New("responder offline")

	f.enter(t)
	f.expectStates(t, "listening")
	feedFrames(f.src.Handles[0], 5)
	f.engine.SendNow()
	f.expectStates(t, "processing:transcribing", "processing:awaiting_response", "listening")

	if n := f.waitNotice(t); !strings.Contains(n.Text, "assistant") {
		t.Errorf("notice %q does not mention the assistant", n.Text)
	}
	if phase := f.engine.State().Phase(); phase != PhaseListening {
		t.Errorf("state = %q, want %q", phase, PhaseListening)
	}
	if err := f.engine.Exit(); err != nil {
		t.Fatalf("Exit() returned error: %v", err)
	}
}

func TestTurn_StreamFailureRecovers(t *testing.T) {
	t.Parallel()

	det := scriptedDetector(
		script(vad.SpeechStart, 0.5, 1),
		script(vad.SpeechContinue, 0.5, 4),
	)
	f := newFixture(t, det, Config{})
	f.resp.Script = []respond.Event{
		{Type: respond.EventTextDelta, Text: "One"},
	}
	f.resp.Err = errors.New("stream reset")

	f.enter(t)
	f.expectStates(t, "listening")
	feedFrames(f.src.Handles[0], 5)
	f.engine.SendNow()
	f.expectStates(t, "processing:transcribing", "processing:awaiting_response", "listening")

	if n := f.waitNotice(t); !strings.Contains(n.Text, "interrupted") {
		t.Errorf("notice %q does not report the interrupted response", n.Text)
	}
	select {
	case delta := <-f.assistant:
		if delta != "One" {
			t.Errorf("assistant callback got %q, want %q", delta, "One")
		}
	default:
		t.Error("assistant text emitted before the failure was not delivered")
	}
	if err := f.engine.Exit(); err != nil {
		t.Fatalf("Exit() returned error: %v", err)
	}
}

// ─── tuning flow ───

func TestApplyTuning_NextCapture(t *testing.T) {
	t.Parallel()

	det := scriptedDetector(
		script(vad.SpeechStart, 0.5, 1),
		script(vad.SpeechContinue, 0.5, 9),
		script(vad.SpeechStart, 0.5, 1),
		script(vad.SpeechContinue, 0.5, 4),
	)
	f := newFixture(t, det, Config{})

	f.enter(t)
	f.waitState(t, PhaseListening)
	if err := f.engine.ApplyTuning(TuningUpdate{MaxUtterance: 100 * time.Millisecond}); err != nil {
		t.Fatalf("ApplyTuning() returned error: %v", err)
	}

	// The capture already running keeps the old cap: 200 ms of speech does
	// not auto-stop and still needs the manual send.
	feedFrames(f.src.Handles[0], 10)
	f.engine.SendNow()
	f.waitState(t, PhaseListening)

	// The next capture picks up the 100 ms cap and force-stops on its own.
	feedFrames(f.src.Handles[1], 5)
	f.waitState(t, PhaseSpeaking)

	if got := f.stt.CallCount(); got != 2 {
		t.Fatalf("transcriber called %d times, want 2", got)
	}
	if got, want := len(f.stt.Calls[1].Audio.PCM), 5*frameBytes; got != want {
		t.Errorf("second utterance carried %d bytes, want %d", got, want)
	}
	if err := f.engine.Exit(); err != nil {
		t.Fatalf("Exit() returned error: %v", err)
	}
}
