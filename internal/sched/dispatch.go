package sched

import (
	"github.com/msageha/orbit/internal/events"
	"github.com/msageha/orbit/internal/model"
)

// chooseCPU applies the affinity rule: last CPU if online and allowed, otherwise the
// least-loaded allowed online CPU, lowest id on ties. Returns nil when none is eligible.
func (s *Scheduler) chooseCPU(t *Thread) *cpu {
	mask := t.mask()
	if last := model.CPUID(t.lastCPU.Load()); mask.Has(last) && int(last) < len(s.cpus) && s.cpus[last].online.Load() {
		return s.cpus[last]
	}
	var best *cpu
	for _, c := range s.cpus {
		if !mask.Has(c.id) || !c.online.Load() {
			continue
		}
		if best == nil || c.loadHint.Load() < best.loadHint.Load() {
			best = c
		}
	}
	return best
}

func (s *Scheduler) hasEligibleCPU(mask CPUSet) bool {
	for _, c := range s.cpus {
		if mask.Has(c.id) && c.online.Load() {
			return true
		}
	}
	return false
}

// Enqueue places a Ready thread on the run queue chosen by the affinity rule and
// requests a reschedule there if the thread should preempt.
func (s *Scheduler) Enqueue(tid model.ThreadID) error {
	t, err := s.lookup("enqueue", tid)
	if err != nil {
		return err
	}
	return s.enqueue(t, true)
}

// enqueue is shared by Enqueue, wake-ups and migrations. With strict unset an
// already-queued thread is accepted silently.
func (s *Scheduler) enqueue(t *Thread, strict bool) error {
	for {
		target := s.chooseCPU(t)
		if target == nil {
			return model.Errorf(model.KindCPUOffline, "enqueue", t.id.String(), "no online cpu in affinity %s", t.mask())
		}
		home := s.lockThreadAnd(t, target)

		switch {
		case t.state != model.ThreadReady:
			state := t.state
			unlockPair(home, target)
			return model.Errorf(model.KindInvalidState, "enqueue", t.id.String(), "thread is %s", state)
		case t.queued:
			unlockPair(home, target)
			if !strict {
				return nil
			}
			return model.Errorf(model.KindInvalidState, "enqueue", t.id.String(), "thread is already enqueued")
		}
		if target.state != model.CPUOnline || !t.mask().Has(target.id) {
			unlockPair(home, target)
			continue
		}

		from := home.id
		s.rehome(t, home, target)
		s.pushLocked(target, t, false)
		preempt, reason := s.shouldPreempt(target, t)
		if preempt {
			target.needResched.Store(true)
			if reason != "" {
				target.stats.Preemptions++
			}
		}
		unlockPair(home, target)

		if preempt && reason != "" {
			s.events.Publish(events.EventPreemption, target.id.String(), map[string]any{
				"cpu":    int(target.id),
				"thread": uint64(t.id),
				"reason": reason,
			})
		}
		if from != target.id && t.lastCPU.Load() >= 0 {
			s.logger.Debugf("enqueue moved thread=%d from_cpu=%d to_cpu=%d", t.id, from, target.id)
		}
		return nil
	}
}

// pushLocked queues t on c. c's run lock is held and t is homed on c.
func (s *Scheduler) pushLocked(c *cpu, t *Thread, head bool) {
	t.enqTick = c.ticks
	c.rq.push(t, head)
	c.syncLoad()
}

// shouldPreempt decides whether t, just queued on c, must displace c's current thread.
// The reason is empty when c was merely idle.
func (s *Scheduler) shouldPreempt(c *cpu, t *Thread) (bool, string) {
	cur := c.running()
	if cur == nil {
		return true, ""
	}
	switch s.Policy() {
	case PolicyFP, PolicyMLFQ:
		if s.effectiveBand(c, t) > cur.band {
			return true, "higher_priority"
		}
	case PolicyEDF:
		if !t.deadline.IsZero() && (cur.deadline.IsZero() || t.deadline.Before(cur.deadline)) {
			return true, "earlier_deadline"
		}
	}
	return false, ""
}

// PreemptIfHigher requests a reschedule on the CPU holding tid if tid outranks its
// running thread. It reports whether a reschedule was requested.
func (s *Scheduler) PreemptIfHigher(tid model.ThreadID) (bool, error) {
	t, err := s.lookup("preempt", tid)
	if err != nil {
		return false, err
	}
	c := s.lockThread(t)
	if !t.queued || !s.Policy().preemptsOnEnqueue() {
		c.mu.Unlock()
		return false, nil
	}
	preempt, reason := s.shouldPreempt(c, t)
	if preempt {
		c.needResched.Store(true)
	}
	c.mu.Unlock()
	if preempt && reason != "" {
		s.events.Publish(events.EventPreemption, c.id.String(), map[string]any{
			"cpu":    int(c.id),
			"thread": uint64(tid),
			"reason": reason,
		})
	}
	return preempt, nil
}

// Dequeue removes a thread from its run queue. It is a no-op for threads that are not queued.
func (s *Scheduler) Dequeue(tid model.ThreadID) error {
	t, err := s.lookup("dequeue", tid)
	if err != nil {
		return err
	}
	c := s.lockThread(t)
	if t.queued {
		c.rq.remove(t)
		c.syncLoad()
	}
	c.mu.Unlock()
	return nil
}

func (s *Scheduler) isAged(c *cpu, t *Thread) bool {
	return t.queued && s.Policy() == PolicyFP && s.agingThreshold > 0 &&
		t.band < model.PriorityCritical && c.ticks-t.enqTick >= s.agingThreshold
}

func (s *Scheduler) effectiveBand(c *cpu, t *Thread) model.Priority {
	if s.isAged(c, t) {
		return t.band.Raise()
	}
	return t.band
}

// earlierDeadline orders threads for EDF: earliest deadline, then higher band, then lower id.
// A zero deadline sorts after every real one.
func earlierDeadline(a, b *Thread) bool {
	switch {
	case a.deadline.IsZero() != b.deadline.IsZero():
		return b.deadline.IsZero()
	case !a.deadline.Equal(b.deadline):
		return a.deadline.Before(b.deadline)
	case a.band != b.band:
		return a.band > b.band
	default:
		return a.id < b.id
	}
}

// selectLocked picks the next thread from c's queues without removing it.
func (s *Scheduler) selectLocked(c *cpu) *Thread {
	switch s.Policy() {
	case PolicyEDF:
		var best *Thread
		c.rq.each(func(t *Thread) bool {
			if best == nil || earlierDeadline(t, best) {
				best = t
			}
			return true
		})
		return best
	case PolicyFP:
		for level := model.PriorityCritical; level >= model.PriorityIdle; level-- {
			native := c.rq.front(level)
			var aged *Thread
			if level > model.PriorityIdle {
				for e := c.rq.bands[level-1].Front(); e != nil; e = e.Next() {
					if t := e.Value.(*Thread); s.isAged(c, t) {
						aged = t
						break
					}
				}
			}
			switch {
			case native != nil && aged != nil:
				if aged.enqTick < native.enqTick {
					return aged
				}
				return native
			case native != nil:
				return native
			case aged != nil:
				return aged
			}
		}
		return nil
	default:
		for p := model.PriorityCritical; p >= model.PriorityIdle; p-- {
			if t := c.rq.front(p); t != nil {
				return t
			}
		}
		return nil
	}
}

// PickNext makes a scheduling decision on cpu and performs the context switch.
// A thread still Running competes from the head of its band. Returns the idle thread when nothing is Ready.
func (s *Scheduler) PickNext(id model.CPUID) (model.ThreadID, error) {
	c, err := s.cpu(id)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	if c.state == model.CPUOffline {
		c.mu.Unlock()
		return 0, model.Errorf(model.KindCPUOffline, "pick next", id.String(), "cpu is offline")
	}
	c.needResched.Store(false)
	now := s.clock.Now()

	prev := c.curr
	var stray *Thread
	if r := c.running(); r != nil {
		r.state = model.ThreadReady
		if r.mask().Has(c.id) && c.state == model.CPUOnline {
			s.pushLocked(c, r, true)
		} else {
			stray = r
		}
	}

	next := s.selectLocked(c)
	if next == nil {
		next = c.idle
	} else {
		c.rq.remove(next)
		c.syncLoad()
		if q := s.quantumFor(next); q != next.quantum {
			next.quantum = q
			next.sliceUsed = 0
		}
		next.lastCPU.Store(int32(c.id))
		next.lastScheduled = now
	}
	if prev != nil && prev.idle && prev != next {
		prev.state = model.ThreadReady
	}
	next.state = model.ThreadRunning
	c.curr = next
	c.lastDecision = now
	if prev != next {
		c.stats.ContextSwitches++
		from := c.outgoing
		if prev != nil {
			from = prev.id
		}
		s.switcher.Switch(c.id, from, next.id)
	}
	c.outgoing = 0
	c.mu.Unlock()

	if stray != nil {
		if err := s.enqueue(stray, false); err != nil {
			s.logger.Warnf("requeue after affinity change thread=%d error=%v", stray.id, err)
		}
	}
	return next.id, nil
}

// Tick advances cpu's clock by one tick: charges the running thread, expires its quantum,
// runs the MLFQ reset epoch and wakes due sleepers. It reports whether cpu needs a reschedule.
func (s *Scheduler) Tick(id model.CPUID) bool {
	c, err := s.cpu(id)
	if err != nil {
		return false
	}
	c.mu.Lock()
	if c.state != model.CPUOnline {
		c.mu.Unlock()
		return false
	}
	c.ticks++
	c.stats.Ticks++
	policy := s.Policy()

	var stray *Thread
	if cur := c.running(); cur == nil {
		c.stats.IdleTicks++
		if c.rq.load > 0 {
			c.needResched.Store(true)
		}
	} else {
		cur.sliceUsed++
		cur.cpuTime += s.tickLen
		if policy != PolicyEDF && cur.quantum > 0 && cur.sliceUsed >= cur.quantum {
			stray = s.expireLocked(c, cur, policy == PolicyMLFQ)
			c.stats.Preemptions++
		}
	}
	if policy == PolicyMLFQ && s.mlfqReset > 0 && c.ticks%s.mlfqReset == 0 {
		s.resetBandsLocked(c)
	}

	var due []sleepEntry
	if c.sleepers.Len() > 0 {
		due = c.sleepers.popDue(s.clock.Now(), nil)
	}
	c.mu.Unlock()

	if stray != nil {
		if err := s.enqueue(stray, false); err != nil {
			s.logger.Warnf("requeue after quantum thread=%d error=%v", stray.id, err)
		}
	}
	for _, e := range due {
		if err := s.wake(e.t, e.seq, true); err != nil {
			s.logger.Warnf("timer wake thread=%d error=%v", e.t.id, err)
		}
	}
	return c.needResched.Load()
}

// expireLocked ends cur's time slice: Ready, slice reset, re-queued at the tail of its band
// (one band lower when demote is set). A thread no longer allowed on c is returned for re-enqueue elsewhere.
func (s *Scheduler) expireLocked(c *cpu, cur *Thread, demote bool) *Thread {
	cur.state = model.ThreadReady
	cur.sliceUsed = 0
	if demote {
		cur.band = cur.band.Lower()
	}
	c.needResched.Store(true)
	if !cur.mask().Has(c.id) {
		return cur
	}
	s.pushLocked(c, cur, false)
	return nil
}

// Yield gives up the rest of the running thread's slice. Under MLFQ the thread keeps its band.
func (s *Scheduler) Yield(id model.CPUID) error {
	c, err := s.cpu(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	var stray *Thread
	if cur := c.running(); cur != nil {
		stray = s.expireLocked(c, cur, false)
	}
	c.mu.Unlock()
	if stray != nil {
		return s.enqueue(stray, false)
	}
	return nil
}

// resetBandsLocked restores every thread homed on c to its base band, keeping FIFO order among moved threads.
func (s *Scheduler) resetBandsLocked(c *cpu) {
	var moved []*Thread
	c.rq.each(func(t *Thread) bool {
		if t.band != t.base {
			moved = append(moved, t)
		}
		return true
	})
	for _, t := range moved {
		c.rq.remove(t)
		t.band = t.base
		c.rq.push(t, false)
	}
	for _, t := range c.members {
		if !t.queued {
			t.band = t.base
		}
	}
}
