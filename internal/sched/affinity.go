package sched

import (
	"github.com/msageha/orbit/internal/model"
)

// SetAffinity changes the CPUs tid may run on. A queued thread whose CPU left the mask
// migrates immediately; a running one is moved at its next reschedule.
func (s *Scheduler) SetAffinity(tid model.ThreadID, mask CPUSet) error {
	t, err := s.lookup("set affinity", tid)
	if err != nil {
		return err
	}
	all := AllCPUs(len(s.cpus))
	if mask.Empty() || mask&^all != 0 {
		return model.Errorf(model.KindInvalidArgument, "set affinity", tid.String(), "affinity %s must be a non-empty subset of %s", mask, all)
	}
	if !s.hasEligibleCPU(mask) {
		return model.Errorf(model.KindCPUOffline, "set affinity", tid.String(), "no online cpu in %s", mask)
	}

	c := s.lockThread(t)
	if t.state == model.ThreadZombie {
		c.mu.Unlock()
		return model.Errorf(model.KindInvalidState, "set affinity", tid.String(), "thread has exited")
	}
	t.affinity.Store(uint64(mask))
	if mask.Has(c.id) {
		c.mu.Unlock()
		return nil
	}
	migrate := false
	switch {
	case t.queued:
		c.rq.remove(t)
		c.syncLoad()
		migrate = true
	case c.curr == t && t.state == model.ThreadRunning:
		c.needResched.Store(true)
	}
	c.mu.Unlock()

	if migrate {
		return s.enqueue(t, false)
	}
	return nil
}

// SetPriority changes the base band of tid. A queued thread moves to the tail of the new
// band under its CPU's run lock. Setting the current value again is a no-op.
func (s *Scheduler) SetPriority(tid model.ThreadID, p model.Priority) error {
	if !p.Valid() {
		return model.Errorf(model.KindInvalidArgument, "set priority", tid.String(), "invalid priority %d", p)
	}
	t, err := s.lookup("set priority", tid)
	if err != nil {
		return err
	}
	c := s.lockThread(t)
	defer c.mu.Unlock()
	if t.state == model.ThreadZombie {
		return model.Errorf(model.KindInvalidState, "set priority", tid.String(), "thread has exited")
	}
	if t.base == p && t.band == p {
		return nil
	}
	t.base = p
	if t.queued {
		c.rq.remove(t)
		t.band = p
		s.pushLocked(c, t, false)
		if ok, _ := s.shouldPreempt(c, t); ok {
			c.needResched.Store(true)
		}
		return nil
	}
	t.band = p
	if c.curr == t && t.state == model.ThreadRunning && s.Policy().preemptsOnEnqueue() {
		if next := s.selectLocked(c); next != nil && s.effectiveBand(c, next) > t.band {
			c.needResched.Store(true)
		}
	}
	return nil
}
