package respond_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/voxloop/voxloop/pkg/provider/respond"
)

func TestStream_EmitThenFinish(t *testing.T) {
	t.Parallel()

	s := respond.NewStream(8)
	ctx := context.Background()

	go func() {
		_ = s.Emit(ctx, respond.Event{Type: respond.EventTextDelta, Text: "Hello"})
		_ = s.Emit(ctx, respond.Event{Type: respond.EventTextComplete})
		_ = s.Emit(ctx, respond.Event{
			Type:     respond.EventAudioFragment,
			Fragment: respond.AudioFragment{Index: 0, Audio: []byte("RIFF")},
		})
		_ = s.Emit(ctx, respond.Event{Type: respond.EventAudioComplete})
		s.Finish(ctx)
	}()

	var got []respond.EventType
	for ev := range s.Events() {
		got = append(got, ev.Type)
	}

	want := []respond.EventType{
		respond.EventTextDelta,
		respond.EventTextComplete,
		respond.EventAudioFragment,
		respond.EventAudioComplete,
		respond.EventFinished,
	}
	if len(got) != len(want) {
		t.Fatalf("got %d events, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if err := s.Err(); err != nil {
		t.Errorf("Err() = %v, want nil", err)
	}
}

func TestStream_FinishedIsTerminal(t *testing.T) {
	t.Parallel()

	s := respond.NewStream(1)
	s.Finish(context.Background())

	ev, ok := <-s.Events()
	if !ok {
		t.Fatal("expected EventFinished before close")
	}
	if ev.Type != respond.EventFinished {
		t.Fatalf("event type = %q, want %q", ev.Type, respond.EventFinished)
	}
	if _, ok := <-s.Events(); ok {
		t.Error("expected channel to be closed after EventFinished")
	}
}

func TestStream_FailSurfacesThroughErr(t *testing.T) {
	t.Parallel()

	s := respond.NewStream(1)
	sentinel := errors.New("synthesis fell over")
	s.Fail(sentinel)
	s.Finish(context.Background())

	for range s.Events() {
	}
	if !errors.Is(s.Err(), sentinel) {
		t.Errorf("Err() = %v, want %v", s.Err(), sentinel)
	}
}

func TestStream_FailNilIgnored(t *testing.T) {
	t.Parallel()

	s := respond.NewStream(1)
	s.Fail(nil)
	if err := s.Err(); err != nil {
		t.Errorf("Err() = %v, want nil after Fail(nil)", err)
	}
}

func TestStream_EmitHonorsContext(t *testing.T) {
	t.Parallel()

	// Unbuffered stream with no consumer: Emit must return once the
	// context is cancelled instead of blocking forever.
	s := respond.NewStream(0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := s.Emit(ctx, respond.Event{Type: respond.EventTextDelta, Text: "stuck"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Emit error = %v, want context.DeadlineExceeded", err)
	}
}

func TestStream_FinishHonorsContext(t *testing.T) {
	t.Parallel()

	s := respond.NewStream(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Cancelled context: Finish must still close the channel so consumers
	// unblock, even though the terminal event cannot be delivered.
	s.Finish(ctx)
	if _, ok := <-s.Events(); ok {
		t.Error("expected channel to be closed")
	}
}
