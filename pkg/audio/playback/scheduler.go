package playback

import (
	"container/heap"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/voxloop/voxloop/pkg/audio"
)

// ErrStopped is returned by [Scheduler.Enqueue] after the scheduler has been
// stopped or has reached a terminal state.
var ErrStopped = errors.New("playback: scheduler stopped")

// Option configures a [Scheduler] during construction.
type Option func(*Scheduler)

// WithClock replaces the output clock used for gapless scheduling. Tests use
// this to make start-time arithmetic deterministic.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithOnFirstAudio registers a callback invoked exactly once, from the
// Enqueue call that schedules the first fragment on the sink. The
// conversation layer uses it to open the barge-in window. The callback must
// not call back into the scheduler.
func WithOnFirstAudio(fn func()) Option {
	return func(s *Scheduler) {
		s.onFirstAudio = fn
	}
}

// Scheduler is the per-turn playback pipeline between a response stream and
// an [audio.Sink].
//
// Fragments enqueue in arrival order and play in index order. Indices start
// at 0 and are consecutive; the scheduler holds out-of-order arrivals until
// the gap fills. A fragment that fails to decode is skipped with a warning
// so one corrupt unit cannot stall the rest of the response.
//
// A Scheduler is terminal after either [Scheduler.Stop] or a full drain
// (Finish called and every scheduled buffer completed). [Scheduler.Done]
// closes at that point and [Scheduler.Err] reports which of the two it was.
// All methods are safe for concurrent use.
type Scheduler struct {
	sink         audio.Sink
	now          func() time.Time
	onFirstAudio func()

	mu           sync.Mutex
	queue        fragmentHeap
	nextIndex    int       // lowest index not yet released to the sink
	scheduledEnd time.Time // end of the last scheduled buffer
	handles      []audio.PlaybackHandle
	outstanding  int // scheduled buffers that have not completed
	finished     bool
	terminal     bool
	err          error
	firstAudio   sync.Once
	done         chan struct{}
}

// New creates a [Scheduler] that plays fragments on sink.
func New(sink audio.Sink, opts ...Option) *Scheduler {
	s := &Scheduler{
		sink: sink,
		now:  time.Now,
		done: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	heap.Init(&s.queue)
	return s
}

// Enqueue adds one WAV fragment to the playback queue. Fragments may arrive
// in any order; playback is strictly by index. Returns [ErrStopped] if the
// scheduler is already terminal.
func (s *Scheduler) Enqueue(index int, wav []byte) error {
	s.mu.Lock()
	if s.terminal {
		s.mu.Unlock()
		return ErrStopped
	}
	if index < s.nextIndex {
		s.mu.Unlock()
		slog.Warn("playback: dropping stale fragment", "index", index, "next", s.nextIndex)
		return nil
	}
	heap.Push(&s.queue, fragment{index: index, wav: wav})
	firstAudio, err := s.releaseLocked()
	s.mu.Unlock()

	if firstAudio && s.onFirstAudio != nil {
		s.onFirstAudio()
	}
	return err
}

// Finish marks the fragment stream as complete. Once every already-scheduled
// buffer finishes playing, the scheduler drains: [Scheduler.Done] closes and
// [Scheduler.Err] returns nil. Calling Finish with nothing scheduled drains
// immediately.
//
// If the stream ended with index gaps (a fragment was lost in transit), the
// remaining fragments are flushed in index order rather than held forever.
func (s *Scheduler) Finish() {
	s.mu.Lock()
	s.finished = true
	var firstAudio bool
	for s.queue.Len() > 0 && !s.terminal {
		if top := s.queue[0].index; top > s.nextIndex {
			slog.Warn("playback: stream finished with missing fragments",
				"expected", s.nextIndex, "next_available", top)
			s.nextIndex = top
		}
		fa, _ := s.releaseLocked()
		firstAudio = firstAudio || fa
	}
	s.maybeDrainLocked()
	s.mu.Unlock()

	if firstAudio && s.onFirstAudio != nil {
		s.onFirstAudio()
	}
}

// Stop cancels playback: every scheduled buffer is stopped on its handle and
// queued fragments are discarded. Safe to call at any time, from any
// goroutine, and idempotent. After Stop, [Scheduler.Err] returns
// [ErrStopped] unless the scheduler had already drained.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.terminal {
		s.mu.Unlock()
		return
	}
	handles := s.handles
	s.handles = nil
	s.queue = s.queue[:0]
	s.terminalLocked(ErrStopped)
	s.mu.Unlock()

	for _, h := range handles {
		h.Stop()
	}
}

// Done returns a channel closed when the scheduler reaches a terminal state:
// fully drained, stopped, or failed on the sink.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

// Err reports how the scheduler terminated: nil for a full natural drain,
// [ErrStopped] after [Scheduler.Stop], or the sink error that aborted
// playback. Before [Scheduler.Done] closes, Err returns nil.
func (s *Scheduler) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// releaseLocked pops every consecutive due fragment, decodes it, and
// schedules it gaplessly on the sink. Reports whether this call scheduled
// the first audible fragment of the turn. Called with s.mu held.
func (s *Scheduler) releaseLocked() (firstAudio bool, err error) {
	for s.queue.Len() > 0 {
		if top := s.queue[0].index; top != s.nextIndex {
			if top >= s.nextIndex {
				break
			}
			heap.Pop(&s.queue) // duplicate of an already-released index
			continue
		}
		frag := heap.Pop(&s.queue).(fragment)
		s.nextIndex++

		buf, decErr := audio.DecodeWAV(frag.wav)
		if decErr != nil {
			slog.Warn("playback: skipping undecodable fragment",
				"index", frag.index, "error", decErr)
			continue
		}

		start := s.now()
		if s.scheduledEnd.After(start) {
			start = s.scheduledEnd
		}
		handle, schedErr := s.sink.Schedule(buf, start)
		if schedErr != nil {
			// Output device failure ends the turn; the caller decides
			// whether to surface it or retry on the next turn.
			handles := s.handles
			s.handles = nil
			s.queue = s.queue[:0]
			s.terminalLocked(schedErr)
			go stopAll(handles)
			return firstAudio, schedErr
		}
		s.scheduledEnd = start.Add(buf.Duration())
		s.handles = append(s.handles, handle)
		s.outstanding++
		s.firstAudio.Do(func() { firstAudio = true })
		go s.watch(handle)
	}
	return firstAudio, nil
}

// watch waits for one scheduled buffer to complete and re-checks the drain
// condition.
func (s *Scheduler) watch(h audio.PlaybackHandle) {
	<-h.Done()
	s.mu.Lock()
	s.outstanding--
	s.maybeDrainLocked()
	s.mu.Unlock()
}

// maybeDrainLocked closes Done with a nil error once the stream is finished
// and nothing remains queued or playing. Called with s.mu held.
func (s *Scheduler) maybeDrainLocked() {
	if s.terminal || !s.finished {
		return
	}
	if s.outstanding == 0 && s.queue.Len() == 0 {
		s.handles = nil
		s.terminalLocked(nil)
	}
}

// terminalLocked records the terminal error and closes Done exactly once.
// Called with s.mu held.
func (s *Scheduler) terminalLocked(err error) {
	if s.terminal {
		return
	}
	s.terminal = true
	s.err = err
	close(s.done)
}

func stopAll(handles []audio.PlaybackHandle) {
	for _, h := range handles {
		h.Stop()
	}
}
