package platform

import (
	"sync"
	"time"

	"github.com/msageha/orbit/internal/model"
)

type SwitchRecord struct {
	CPU  model.CPUID
	From model.ThreadID
	To   model.ThreadID
	At   time.Time
}

// SwitchLog is a ContextSwitcher that only records switches in a bounded ring.
// It stands in for the hardware primitive in the daemon and in tests.
type SwitchLog struct {
	mu       sync.Mutex
	clock    Clock
	capacity int
	records  []SwitchRecord
	next     int
	total    uint64
}

func NewSwitchLog(capacity int, clk Clock) *SwitchLog {
	if capacity <= 0 {
		capacity = 1024
	}
	if clk == nil {
		clk = SystemClock()
	}
	return &SwitchLog{clock: clk, capacity: capacity}
}

func (l *SwitchLog) Switch(cpu model.CPUID, from, to model.ThreadID) {
	rec := SwitchRecord{CPU: cpu, From: from, To: to, At: l.clock.Now()}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.total++
	if len(l.records) < l.capacity {
		l.records = append(l.records, rec)
		return
	}
	l.records[l.next] = rec
	l.next = (l.next + 1) % l.capacity
}

// Records returns the retained switches, oldest first.
func (l *SwitchLog) Records() []SwitchRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]SwitchRecord, 0, len(l.records))
	out = append(out, l.records[l.next:]...)
	out = append(out, l.records[:l.next]...)
	return out
}

// To returns the ids switched to on cpu, oldest first.
func (l *SwitchLog) To(cpu model.CPUID) []model.ThreadID {
	var out []model.ThreadID
	for _, r := range l.Records() {
		if r.CPU == cpu {
			out = append(out, r.To)
		}
	}
	return out
}

func (l *SwitchLog) Total() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

func (l *SwitchLog) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = nil
	l.next = 0
	l.total = 0
}
