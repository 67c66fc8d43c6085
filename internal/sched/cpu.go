package sched

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/msageha/orbit/internal/model"
)

// cpu is the per-CPU run structure. mu is the run lock; the atomics mirror guarded fields
// so the affinity rule and the balancer can read them without locking.
type cpu struct {
	id model.CPUID
	mu sync.Mutex

	online      atomic.Bool
	loadHint    atomic.Int32
	needResched atomic.Bool

	state        model.CPUState
	rq           runQueue
	sleepers     sleepHeap
	curr         *Thread
	outgoing     model.ThreadID
	idle         *Thread
	members      map[model.ThreadID]*Thread
	ticks        uint64
	lastDecision time.Time
	stats        CPUStats
}

type CPUStats struct {
	ContextSwitches uint64 `json:"context_switches"`
	Preemptions     uint64 `json:"preemptions"`
	Ticks           uint64 `json:"ticks"`
	IdleTicks       uint64 `json:"idle_ticks"`
	MigrationsIn    uint64 `json:"migrations_in"`
	MigrationsOut   uint64 `json:"migrations_out"`
}

// CPUInfo is a point-in-time view of one CPU for `sched top`.
type CPUInfo struct {
	ID           model.CPUID              `json:"id"`
	State        model.CPUState           `json:"state"`
	Current      model.ThreadID           `json:"current"`
	CurrentName  string                   `json:"current_name"`
	Idle         bool                     `json:"idle"`
	Load         int                      `json:"load"`
	Bands        [model.NumPriorities]int `json:"bands"`
	Sleepers     int                      `json:"sleepers"`
	LastDecision time.Time                `json:"last_decision,omitempty"`
	Stats        CPUStats                 `json:"stats"`
}

func (c *cpu) setState(s model.CPUState) {
	c.state = s
	c.online.Store(s == model.CPUOnline)
}

func (c *cpu) syncLoad() {
	c.loadHint.Store(int32(c.rq.load))
}

// running returns the thread actually Running on c, or nil when c idles.
func (c *cpu) running() *Thread {
	if c.curr == nil || c.curr.idle || c.curr.state != model.ThreadRunning {
		return nil
	}
	return c.curr
}

func (c *cpu) info() CPUInfo {
	ci := CPUInfo{
		ID:           c.id,
		State:        c.state,
		Load:         c.rq.load,
		Bands:        c.rq.lens(),
		Sleepers:     c.sleepers.Len(),
		LastDecision: c.lastDecision,
		Stats:        c.stats,
	}
	if r := c.running(); r != nil {
		ci.Current, ci.CurrentName = r.id, r.name
	} else {
		ci.Current, ci.CurrentName, ci.Idle = c.idle.id, c.idle.name, true
	}
	return ci
}

// lockPair locks a and b in ascending CPU id order.
func lockPair(a, b *cpu) {
	switch {
	case a == b:
		a.mu.Lock()
	case a.id < b.id:
		a.mu.Lock()
		b.mu.Lock()
	default:
		b.mu.Lock()
		a.mu.Lock()
	}
}

func unlockPair(a, b *cpu) {
	a.mu.Unlock()
	if a != b {
		b.mu.Unlock()
	}
}
