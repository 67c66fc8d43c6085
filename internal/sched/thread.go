package sched

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"

	"github.com/msageha/orbit/internal/model"
)

// WaitObject is the opaque handle a blocked thread waits on. Zero is not a valid handle.
type WaitObject uint64

// Flags are per-thread bits the core carries but does not interpret.
type Flags uint32

// ThreadParams describes a thread at creation.
type ThreadParams struct {
	Process  model.ProcessID
	Name     string
	Priority model.Priority
	// Affinity restricts the CPUs the thread may run on. Empty means any CPU.
	Affinity CPUSet
	// Quantum overrides the policy's per-band quantum, in ticks.
	Quantum   int
	Deadline  time.Time
	StackBase uintptr
	StackSize uint64
	Context   any
	Flags     Flags
}

// Thread is the scheduler's record of one thread. Everything below home is guarded by
// the run lock of the CPU the thread is homed on; home itself changes only with that lock held.
type Thread struct {
	id        model.ThreadID
	proc      model.ProcessID
	name      string
	idle      bool
	createdAt time.Time
	stackBase uintptr
	stackSize uint64
	exited    chan struct{}

	home     atomic.Int32
	affinity atomic.Uint64
	lastCPU  atomic.Int32

	base          model.Priority
	band          model.Priority
	state         model.ThreadState
	queued        bool
	elem          *list.Element
	enqTick       uint64
	quantum       int
	fixedQuantum  bool
	sliceUsed     int
	deadline      time.Time
	wakeAt        time.Time
	sleepSeq      uint64
	waitObj       WaitObject
	waiter        *Wait
	lastScheduled time.Time
	cpuTime       time.Duration
	context       any
	flags         Flags
}

func (t *Thread) ID() model.ThreadID { return t.id }

func (t *Thread) mask() CPUSet { return CPUSet(t.affinity.Load()) }

func (t *Thread) homeID() model.CPUID { return model.CPUID(t.home.Load()) }

// ThreadInfo is a point-in-time copy of a thread's scheduling state.
type ThreadInfo struct {
	ID            model.ThreadID    `json:"id"`
	Process       model.ProcessID   `json:"process"`
	Name          string            `json:"name"`
	Priority      model.Priority    `json:"priority"`
	Band          model.Priority    `json:"band"`
	Aged          bool              `json:"aged,omitempty"`
	State         model.ThreadState `json:"state"`
	CPU           model.CPUID       `json:"cpu"`
	LastCPU       model.CPUID       `json:"last_cpu"`
	Affinity      CPUSet            `json:"affinity"`
	Queued        bool              `json:"queued"`
	Quantum       int               `json:"quantum"`
	SliceUsed     int               `json:"slice_used"`
	Deadline      time.Time         `json:"deadline,omitempty"`
	WakeAt        time.Time         `json:"wake_at,omitempty"`
	WaitObject    WaitObject        `json:"wait_object,omitempty"`
	StackBase     uintptr           `json:"stack_base,omitempty"`
	StackSize     uint64            `json:"stack_size,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	LastScheduled time.Time         `json:"last_scheduled,omitempty"`
	CPUTime       time.Duration     `json:"cpu_time"`
	Flags         Flags             `json:"flags,omitempty"`
}

// info copies t. Caller holds t's home lock.
func (t *Thread) info(aged bool) ThreadInfo {
	return ThreadInfo{
		ID:            t.id,
		Process:       t.proc,
		Name:          t.name,
		Priority:      t.base,
		Band:          t.band,
		Aged:          aged,
		State:         t.state,
		CPU:           t.homeID(),
		LastCPU:       model.CPUID(t.lastCPU.Load()),
		Affinity:      t.mask(),
		Queued:        t.queued,
		Quantum:       t.quantum,
		SliceUsed:     t.sliceUsed,
		Deadline:      t.deadline,
		WakeAt:        t.wakeAt,
		WaitObject:    t.waitObj,
		StackBase:     t.stackBase,
		StackSize:     t.stackSize,
		CreatedAt:     t.createdAt,
		LastScheduled: t.lastScheduled,
		CPUTime:       t.cpuTime,
		Flags:         t.flags,
	}
}

// Wait is returned by Block. It completes when the thread is woken, times out, or exits.
type Wait struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newWait() *Wait {
	return &Wait{done: make(chan struct{})}
}

func (w *Wait) finish(err error) {
	w.once.Do(func() {
		w.err = err
		close(w.done)
	})
}

func (w *Wait) Done() <-chan struct{} { return w.done }

// Err is nil after a normal wake and a TimedOut error after the deadline passed. Valid once Done is closed.
func (w *Wait) Err() error {
	select {
	case <-w.done:
		return w.err
	default:
		return nil
	}
}
