// Package playback schedules decoded response audio for gapless output.
//
// A [Scheduler] accepts WAV fragments indexed by their position in the
// response stream. Fragments may arrive out of order; they are held in a
// min-heap and released to the [audio.Sink] strictly in index order. Each
// released buffer is scheduled at the later of the output clock and the end
// of the previously scheduled buffer, so consecutive fragments play
// back-to-back with no silence in between, no matter how bursty the network
// delivery was.
package playback

// fragment is one undecoded response audio unit with its stream position.
type fragment struct {
	index int
	wav   []byte
}

// fragmentHeap implements [container/heap.Interface] as a min-heap ordered by
// fragment index, so the next fragment due for playback is always at the top.
type fragmentHeap []fragment

func (h fragmentHeap) Len() int { return len(h) }

// Less reports whether element i should be dequeued before element j.
// Lower index plays first.
func (h fragmentHeap) Less(i, j int) bool { return h[i].index < h[j].index }

func (h fragmentHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

// Push appends x to the heap. Called by [container/heap.Push]; callers must
// not invoke this directly.
func (h *fragmentHeap) Push(x any) {
	*h = append(*h, x.(fragment))
}

// Pop removes and returns the last element. Called by [container/heap.Pop];
// callers must not invoke this directly.
func (h *fragmentHeap) Pop() any {
	old := *h
	n := len(old)
	f := old[n-1]
	*h = old[:n-1]
	return f
}
