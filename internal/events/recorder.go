package events

import (
	"sync"
	"time"
)

// Recorder is a synchronous Publisher that keeps every event in memory.
// The CLI uses it for one-shot commands; tests use it to assert exact ordering.
type Recorder struct {
	mu     sync.Mutex
	seq    uint64
	events []Event
	now    func() time.Time
}

func NewRecorder() *Recorder {
	return &Recorder{now: time.Now}
}

func (r *Recorder) Publish(eventType EventType, subject string, data map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	r.events = append(r.events, Event{
		Seq:       r.seq,
		Type:      eventType,
		Timestamp: r.now().UTC(),
		Subject:   subject,
		Data:      data,
	})
}

// Events returns a copy of everything recorded, optionally filtered by type.
func (r *Recorder) Events(types ...EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(types) == 0 {
		return append([]Event(nil), r.events...)
	}
	want := make(map[EventType]bool, len(types))
	for _, t := range types {
		want[t] = true
	}
	var out []Event
	for _, e := range r.events {
		if want[e.Type] {
			out = append(out, e)
		}
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
