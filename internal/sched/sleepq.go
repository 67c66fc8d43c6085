package sched

import (
	"container/heap"
	"time"
)

// sleepEntry is a pending wake-up. seq must match the thread's sleepSeq for the entry to fire;
// stale entries are dropped when popped.
type sleepEntry struct {
	at  time.Time
	t   *Thread
	seq uint64
}

type sleepHeap []sleepEntry

func (h sleepHeap) Len() int { return len(h) }
func (h sleepHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].t.id < h[j].t.id
	}
	return h[i].at.Before(h[j].at)
}
func (h sleepHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *sleepHeap) Push(x any)   { *h = append(*h, x.(sleepEntry)) }
func (h *sleepHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = sleepEntry{}
	*h = old[:n-1]
	return e
}

func (h *sleepHeap) add(e sleepEntry) {
	heap.Push(h, e)
}

// popDue removes and returns every entry due at or before now, oldest deadline first.
func (h *sleepHeap) popDue(now time.Time, out []sleepEntry) []sleepEntry {
	for h.Len() > 0 && !(*h)[0].at.After(now) {
		out = append(out, heap.Pop(h).(sleepEntry))
	}
	return out
}

// drain empties the heap. Entries may be stale; callers revalidate under the thread's lock.
func (h *sleepHeap) drain() []sleepEntry {
	out := append([]sleepEntry(nil), (*h)...)
	*h = (*h)[:0]
	return out
}
