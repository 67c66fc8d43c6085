// Package proc is an in-memory process subsystem: every spawned service instance is a
// process owning one scheduler thread. Signals act on the thread through the scheduler.
package proc

import (
	"sort"
	"sync"

	"github.com/msageha/orbit/internal/logging"
	"github.com/msageha/orbit/internal/model"
	"github.com/msageha/orbit/internal/platform"
	"github.com/msageha/orbit/internal/sched"
)

// Process is a snapshot of one process record.
type Process struct {
	ID      model.ProcessID `json:"id"`
	Service string          `json:"service"`
	Name    string          `json:"name"`
	Thread  model.ThreadID  `json:"thread"`
	Reloads int             `json:"reloads"`
	Signals []string        `json:"signals,omitempty"`
}

type process struct {
	id         model.ProcessID
	service    string
	name       string
	thread     model.ThreadID
	ignoreTerm bool
	reloads    int
	signals    []platform.Signal
}

// Table implements platform.ProcessSubsystem on top of a Scheduler.
type Table struct {
	sched  *sched.Scheduler
	logger *logging.Logger

	mu       sync.Mutex
	seq      model.Sequence
	procs    map[model.ProcessID]*process
	byThread map[model.ThreadID]*process
	hung     map[string]bool
}

var _ platform.ProcessSubsystem = (*Table)(nil)

func NewTable(s *sched.Scheduler, logger *logging.Logger) *Table {
	return &Table{
		sched:    s,
		logger:   logger.With("proc"),
		procs:    make(map[model.ProcessID]*process),
		byThread: make(map[model.ThreadID]*process),
		hung:     make(map[string]bool),
	}
}

// Spawn creates a process with a single Ready thread and enqueues it.
func (pt *Table) Spawn(req platform.SpawnRequest) (model.ThreadID, error) {
	pid := model.ProcessID(pt.seq.Next())
	tid, err := pt.sched.CreateThread(sched.ThreadParams{
		Process:  pid,
		Name:     req.Name,
		Priority: req.Priority,
		Affinity: sched.NewCPUSet(req.Affinity...),
	})
	if err != nil {
		return 0, err
	}
	if err := pt.sched.Enqueue(tid); err != nil {
		_ = pt.sched.Exit(tid)
		_ = pt.sched.Reap(tid)
		return 0, err
	}

	pt.mu.Lock()
	p := &process{
		id:         pid,
		service:    req.Service,
		name:       req.Name,
		thread:     tid,
		ignoreTerm: pt.hung[req.Service],
	}
	pt.procs[pid] = p
	pt.byThread[tid] = p
	pt.mu.Unlock()

	pt.logger.Debugf("spawn service=%s pid=%d thread=%d", req.Service, pid, tid)
	return tid, nil
}

// Kill delivers sig to the thread's process. TERM exits the thread unless the process
// ignores it, KILL always exits it, HUP asks it to reload its configuration.
func (pt *Table) Kill(tid model.ThreadID, sig platform.Signal) error {
	pt.mu.Lock()
	p, ok := pt.byThread[tid]
	if !ok {
		pt.mu.Unlock()
		return model.Errorf(model.KindNotFound, "kill", tid.String(), "no process owns this thread")
	}
	p.signals = append(p.signals, sig)
	exit := false
	switch sig {
	case platform.SignalTerm:
		exit = !p.ignoreTerm
	case platform.SignalKill:
		exit = true
	case platform.SignalHup:
		p.reloads++
	default:
		pt.mu.Unlock()
		return model.Errorf(model.KindInvalidArgument, "kill", tid.String(), "unsupported signal %d", sig)
	}
	pt.mu.Unlock()

	pt.logger.Debugf("signal %s thread=%d exit=%t", sig, tid, exit)
	if exit {
		return pt.sched.Exit(tid)
	}
	return nil
}

// Reap removes an exited thread and its process record.
func (pt *Table) Reap(tid model.ThreadID) error {
	if err := pt.sched.Reap(tid); err != nil {
		return err
	}
	pt.mu.Lock()
	if p, ok := pt.byThread[tid]; ok {
		delete(pt.byThread, tid)
		delete(pt.procs, p.id)
	}
	pt.mu.Unlock()
	return nil
}

// Crash makes the thread exit without any signal, the way a faulting instance dies.
func (pt *Table) Crash(tid model.ThreadID) error {
	pt.mu.Lock()
	_, ok := pt.byThread[tid]
	pt.mu.Unlock()
	if !ok {
		return model.Errorf(model.KindNotFound, "crash", tid.String(), "no process owns this thread")
	}
	pt.logger.Warnf("thread crashed thread=%d", tid)
	return pt.sched.Exit(tid)
}

// SetIgnoreTerm makes processes of service ignore TERM, now and for future spawns.
func (pt *Table) SetIgnoreTerm(service string, ignore bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.hung[service] = ignore
	for _, p := range pt.procs {
		if p.service == service {
			p.ignoreTerm = ignore
		}
	}
}

// Lookup returns the process owning tid.
func (pt *Table) Lookup(tid model.ThreadID) (Process, bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	p, ok := pt.byThread[tid]
	if !ok {
		return Process{}, false
	}
	return p.snapshot(), true
}

// Processes lists processes of service, or every process when service is empty.
func (pt *Table) Processes(service string) []Process {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	var out []Process
	for _, p := range pt.procs {
		if service == "" || p.service == service {
			out = append(out, p.snapshot())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (p *process) snapshot() Process {
	out := Process{
		ID:      p.id,
		Service: p.service,
		Name:    p.name,
		Thread:  p.thread,
		Reloads: p.reloads,
	}
	for _, s := range p.signals {
		out.Signals = append(out.Signals, s.String())
	}
	return out
}
