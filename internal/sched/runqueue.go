package sched

import (
	"container/list"

	"github.com/msageha/orbit/internal/model"
)

// runQueue holds the Ready threads of one CPU in five FIFO bands.
type runQueue struct {
	bands [model.NumPriorities]*list.List
	load  int
}

func newRunQueue() runQueue {
	var rq runQueue
	for i := range rq.bands {
		rq.bands[i] = list.New()
	}
	return rq
}

func (rq *runQueue) push(t *Thread, head bool) {
	b := rq.bands[t.band]
	if head {
		t.elem = b.PushFront(t)
	} else {
		t.elem = b.PushBack(t)
	}
	t.queued = true
	rq.load++
}

func (rq *runQueue) remove(t *Thread) {
	if !t.queued {
		return
	}
	// t.band never changes while queued
	rq.bands[t.band].Remove(t.elem)
	t.elem = nil
	t.queued = false
	rq.load--
}

func (rq *runQueue) front(p model.Priority) *Thread {
	if e := rq.bands[p].Front(); e != nil {
		return e.Value.(*Thread)
	}
	return nil
}

func (rq *runQueue) lens() [model.NumPriorities]int {
	var out [model.NumPriorities]int
	for i, b := range rq.bands {
		out[i] = b.Len()
	}
	return out
}

// each visits queued threads from Critical to Idle, FIFO within a band. Returning false stops the walk.
func (rq *runQueue) each(fn func(*Thread) bool) {
	for p := model.PriorityCritical; p >= model.PriorityIdle; p-- {
		for e := rq.bands[p].Front(); e != nil; {
			next := e.Next()
			if !fn(e.Value.(*Thread)) {
				return
			}
			e = next
		}
	}
}
