package playback_test

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/voxloop/voxloop/pkg/audio"
	"github.com/voxloop/voxloop/pkg/audio/mock"
	"github.com/voxloop/voxloop/pkg/audio/playback"
)

// makeWAV builds a WAV fragment of the given duration at 16kHz mono, filling
// the PCM with marker so tests can tell fragments apart after scheduling.
func makeWAV(d time.Duration, marker byte) []byte {
	numBytes := int(d.Seconds() * 16000 * 2)
	pcm := bytes.Repeat([]byte{marker}, numBytes)
	return audio.EncodeWAV(pcm, 16000, 1)
}

// fakeClock is a manually advanced clock for deterministic scheduling tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func waitDone(t *testing.T, s *playback.Scheduler) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not reach a terminal state")
	}
}

func TestScheduler_GaplessBackToBack(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{t: t0}
	sink := &mock.Sink{}
	s := playback.New(sink, playback.WithClock(clock.Now))

	if err := s.Enqueue(0, makeWAV(time.Second, 0x01)); err != nil {
		t.Fatalf("Enqueue(0): %v", err)
	}
	if err := s.Enqueue(1, makeWAV(500*time.Millisecond, 0x02)); err != nil {
		t.Fatalf("Enqueue(1): %v", err)
	}
	if err := s.Enqueue(2, makeWAV(250*time.Millisecond, 0x03)); err != nil {
		t.Fatalf("Enqueue(2): %v", err)
	}

	if got := len(sink.ScheduleCalls); got != 3 {
		t.Fatalf("expected 3 schedule calls, got %d", got)
	}
	// Fragment 0 starts immediately; each following fragment starts exactly
	// where the previous one ends, regardless of arrival jitter.
	wantStarts := []time.Time{
		t0,
		t0.Add(time.Second),
		t0.Add(1500 * time.Millisecond),
	}
	for i, want := range wantStarts {
		if got := sink.ScheduleCalls[i].At; !got.Equal(want) {
			t.Errorf("fragment %d start: got %v, want %v", i, got, want)
		}
	}
}

func TestScheduler_LateFragmentStartsAtOutputClock(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{t: t0}
	sink := &mock.Sink{}
	s := playback.New(sink, playback.WithClock(clock.Now))

	if err := s.Enqueue(0, makeWAV(100*time.Millisecond, 0x01)); err != nil {
		t.Fatalf("Enqueue(0): %v", err)
	}
	// Fragment 1 arrives long after fragment 0 finished playing. It must
	// start now, not at the stale end of fragment 0.
	clock.Advance(5 * time.Second)
	if err := s.Enqueue(1, makeWAV(100*time.Millisecond, 0x02)); err != nil {
		t.Fatalf("Enqueue(1): %v", err)
	}

	if got, want := sink.ScheduleCalls[1].At, t0.Add(5*time.Second); !got.Equal(want) {
		t.Errorf("late fragment start: got %v, want %v", got, want)
	}
}

func TestScheduler_OutOfOrderPlaysInIndexOrder(t *testing.T) {
	t.Parallel()

	sink := &mock.Sink{}
	s := playback.New(sink)

	if err := s.Enqueue(1, makeWAV(100*time.Millisecond, 0x02)); err != nil {
		t.Fatalf("Enqueue(1): %v", err)
	}
	if got := len(sink.ScheduleCalls); got != 0 {
		t.Fatalf("fragment 1 scheduled before fragment 0 arrived (%d calls)", got)
	}

	if err := s.Enqueue(0, makeWAV(100*time.Millisecond, 0x01)); err != nil {
		t.Fatalf("Enqueue(0): %v", err)
	}
	if got := len(sink.ScheduleCalls); got != 2 {
		t.Fatalf("expected both fragments scheduled, got %d", got)
	}
	if sink.ScheduleCalls[0].Buf.PCM[0] != 0x01 || sink.ScheduleCalls[1].Buf.PCM[0] != 0x02 {
		t.Error("fragments scheduled out of index order")
	}
}

func TestScheduler_FirstAudioFiresOnceOnFirstScheduled(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	fired := 0
	sink := &mock.Sink{}
	s := playback.New(sink, playback.WithOnFirstAudio(func() {
		mu.Lock()
		fired++
		mu.Unlock()
	}))

	// An out-of-order arrival schedules nothing and must not fire.
	if err := s.Enqueue(1, makeWAV(50*time.Millisecond, 0x02)); err != nil {
		t.Fatalf("Enqueue(1): %v", err)
	}
	mu.Lock()
	if fired != 0 {
		mu.Unlock()
		t.Fatal("first-audio fired before any fragment was scheduled")
	}
	mu.Unlock()

	if err := s.Enqueue(0, makeWAV(50*time.Millisecond, 0x01)); err != nil {
		t.Fatalf("Enqueue(0): %v", err)
	}
	if err := s.Enqueue(2, makeWAV(50*time.Millisecond, 0x03)); err != nil {
		t.Fatalf("Enqueue(2): %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if fired != 1 {
		t.Errorf("first-audio fired %d times, want 1", fired)
	}
}

func TestScheduler_DrainsAfterFinishAndCompletion(t *testing.T) {
	t.Parallel()

	sink := &mock.Sink{}
	s := playback.New(sink)

	if err := s.Enqueue(0, makeWAV(100*time.Millisecond, 0x01)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	s.Finish()

	// The stream has ended but the buffer is still playing: not drained yet.
	select {
	case <-s.Done():
		t.Fatal("drained before playback completed")
	default:
	}

	sink.Handles[0].Complete()
	waitDone(t, s)
	if err := s.Err(); err != nil {
		t.Errorf("Err after natural drain: got %v, want nil", err)
	}
}

func TestScheduler_FinishWithNothingScheduledDrainsImmediately(t *testing.T) {
	t.Parallel()

	s := playback.New(&mock.Sink{})
	s.Finish()

	select {
	case <-s.Done():
	default:
		t.Fatal("empty scheduler did not drain on Finish")
	}
	if err := s.Err(); err != nil {
		t.Errorf("Err: got %v, want nil", err)
	}
}

func TestScheduler_StopCancelsScheduledPlayback(t *testing.T) {
	t.Parallel()

	sink := &mock.Sink{}
	s := playback.New(sink)

	if err := s.Enqueue(0, makeWAV(time.Second, 0x01)); err != nil {
		t.Fatalf("Enqueue(0): %v", err)
	}
	if err := s.Enqueue(1, makeWAV(time.Second, 0x02)); err != nil {
		t.Fatalf("Enqueue(1): %v", err)
	}

	s.Stop()

	for i, h := range sink.Handles {
		if !h.Stopped() {
			t.Errorf("handle %d not stopped", i)
		}
	}
	waitDone(t, s)
	if !errors.Is(s.Err(), playback.ErrStopped) {
		t.Errorf("Err: got %v, want ErrStopped", s.Err())
	}
	if err := s.Enqueue(2, makeWAV(time.Second, 0x03)); !errors.Is(err, playback.ErrStopped) {
		t.Errorf("Enqueue after Stop: got %v, want ErrStopped", err)
	}

	// Stop is idempotent.
	s.Stop()
}

func TestScheduler_SkipsUndecodableFragment(t *testing.T) {
	t.Parallel()

	sink := &mock.Sink{}
	s := playback.New(sink)

	if err := s.Enqueue(0, []byte("not audio")); err != nil {
		t.Fatalf("Enqueue(0): %v", err)
	}
	if err := s.Enqueue(1, makeWAV(100*time.Millisecond, 0x02)); err != nil {
		t.Fatalf("Enqueue(1): %v", err)
	}

	// The corrupt fragment is skipped and must not stall its successors.
	if got := len(sink.ScheduleCalls); got != 1 {
		t.Fatalf("expected 1 schedule call, got %d", got)
	}
	s.Finish()
	sink.Handles[0].Complete()
	waitDone(t, s)
	if err := s.Err(); err != nil {
		t.Errorf("Err: got %v, want nil", err)
	}
}

func TestScheduler_SinkFailureTerminates(t *testing.T) {
	t.Parallel()

	sinkErr := errors.New("device gone")
	sink := &mock.Sink{ScheduleError: sinkErr}
	s := playback.New(sink)

	if err := s.Enqueue(0, makeWAV(100*time.Millisecond, 0x01)); !errors.Is(err, sinkErr) {
		t.Fatalf("Enqueue: got %v, want sink error", err)
	}
	waitDone(t, s)
	if !errors.Is(s.Err(), sinkErr) {
		t.Errorf("Err: got %v, want sink error", s.Err())
	}
	if err := s.Enqueue(1, makeWAV(100*time.Millisecond, 0x02)); !errors.Is(err, playback.ErrStopped) {
		t.Errorf("Enqueue after failure: got %v, want ErrStopped", err)
	}
}

func TestScheduler_FinishFlushesIndexHole(t *testing.T) {
	t.Parallel()

	sink := &mock.Sink{AutoComplete: true}
	s := playback.New(sink)

	if err := s.Enqueue(0, makeWAV(100*time.Millisecond, 0x01)); err != nil {
		t.Fatalf("Enqueue(0): %v", err)
	}
	// Fragment 1 was lost in transit; fragment 2 still arrived.
	if err := s.Enqueue(2, makeWAV(100*time.Millisecond, 0x03)); err != nil {
		t.Fatalf("Enqueue(2): %v", err)
	}
	if got := len(sink.ScheduleCalls); got != 1 {
		t.Fatalf("fragment 2 scheduled before the stream finished (%d calls)", got)
	}

	s.Finish()
	if got := len(sink.ScheduleCalls); got != 2 {
		t.Fatalf("expected hole flush to schedule fragment 2, got %d calls", got)
	}
	waitDone(t, s)
	if err := s.Err(); err != nil {
		t.Errorf("Err: got %v, want nil", err)
	}
}

func TestScheduler_DropsStaleAndDuplicateFragments(t *testing.T) {
	t.Parallel()

	sink := &mock.Sink{AutoComplete: true}
	s := playback.New(sink)

	if err := s.Enqueue(0, makeWAV(100*time.Millisecond, 0x01)); err != nil {
		t.Fatalf("Enqueue(0): %v", err)
	}
	// An exact replay of an already-played index is dropped without error.
	if err := s.Enqueue(0, makeWAV(100*time.Millisecond, 0x01)); err != nil {
		t.Fatalf("duplicate Enqueue(0): %v", err)
	}
	if got := len(sink.ScheduleCalls); got != 1 {
		t.Errorf("expected 1 schedule call after duplicate, got %d", got)
	}

	s.Finish()
	waitDone(t, s)
}
