package sched

import (
	"time"

	"github.com/msageha/orbit/internal/model"
)

// Block parks a Running or Ready thread on obj. With a non-zero deadline the thread is
// made Ready again when the deadline passes and the returned Wait reports TimedOut.
func (s *Scheduler) Block(tid model.ThreadID, obj WaitObject, deadline time.Time) (*Wait, error) {
	if obj == 0 {
		return nil, model.Errorf(model.KindInvalidArgument, "block", tid.String(), "wait object must be non-zero")
	}
	t, err := s.lookup("block", tid)
	if err != nil {
		return nil, err
	}
	c := s.lockThread(t)
	defer c.mu.Unlock()
	if err := model.ValidateThreadTransition(t.state, model.ThreadBlocked); err != nil {
		return nil, model.Wrap(model.KindInvalidState, "block", tid.String(), err)
	}
	if t.queued {
		c.rq.remove(t)
		c.syncLoad()
	}
	if c.curr == t && t.state == model.ThreadRunning {
		c.needResched.Store(true)
	}
	t.state = model.ThreadBlocked
	t.waitObj = obj
	t.sleepSeq++
	w := newWait()
	t.waiter = w
	if !deadline.IsZero() {
		t.wakeAt = deadline
		c.sleepers.add(sleepEntry{at: deadline, t: t, seq: t.sleepSeq})
	}
	return w, nil
}

// BlockUntil blocks and waits for the outcome. It returns TimedOut when the deadline passes
// or cancel fires first; on cancel the thread is woken before returning.
func (s *Scheduler) BlockUntil(tid model.ThreadID, obj WaitObject, deadline time.Time, cancel <-chan struct{}) error {
	w, err := s.Block(tid, obj, deadline)
	if err != nil {
		return err
	}
	select {
	case <-w.Done():
		return w.Err()
	case <-cancel:
		_ = s.Wake(tid)
		return model.Errorf(model.KindTimedOut, "block", tid.String(), "wait cancelled")
	}
}

// Wake makes a Blocked or Sleeping thread Ready and enqueues it. Waking a Ready or Running
// thread is a no-op.
func (s *Scheduler) Wake(tid model.ThreadID) error {
	t, err := s.lookup("wake", tid)
	if err != nil {
		return err
	}
	return s.wake(t, 0, false)
}

// WakeAll wakes every thread blocked on obj and returns how many were woken.
func (s *Scheduler) WakeAll(obj WaitObject) int {
	var targets []*Thread
	for _, c := range s.cpus {
		c.mu.Lock()
		for _, t := range c.members {
			if t.state == model.ThreadBlocked && t.waitObj == obj {
				targets = append(targets, t)
			}
		}
		c.mu.Unlock()
	}
	n := 0
	for _, t := range targets {
		if s.wake(t, 0, false) == nil {
			n++
		}
	}
	return n
}

// wake is the shared wake path. Timer wake-ups pass the sleep sequence they were armed with
// so a stale heap entry cannot wake a thread that was already woken and re-blocked.
func (s *Scheduler) wake(t *Thread, seq uint64, timer bool) error {
	c := s.lockThread(t)
	switch t.state {
	case model.ThreadZombie:
		c.mu.Unlock()
		if timer {
			return nil
		}
		return model.Errorf(model.KindInvalidState, "wake", t.id.String(), "thread has exited")
	case model.ThreadReady, model.ThreadRunning:
		c.mu.Unlock()
		return nil
	}
	if timer && seq != t.sleepSeq {
		c.mu.Unlock()
		return nil
	}
	var result error
	if timer && t.state == model.ThreadBlocked {
		result = model.Errorf(model.KindTimedOut, "block", t.id.String(), "deadline %s passed", t.wakeAt.Format(time.RFC3339Nano))
	}
	t.sleepSeq++
	t.state = model.ThreadReady
	t.waitObj = 0
	t.wakeAt = time.Time{}
	w := t.waiter
	t.waiter = nil
	c.mu.Unlock()

	if w != nil {
		w.finish(result)
	}
	return s.enqueue(t, false)
}

// SleepUntil puts a Running, Ready or Blocked thread to sleep until deadline. The per-tick
// wake scan of its CPU makes it Ready again.
func (s *Scheduler) SleepUntil(tid model.ThreadID, deadline time.Time) error {
	t, err := s.lookup("sleep", tid)
	if err != nil {
		return err
	}
	c := s.lockThread(t)
	defer c.mu.Unlock()
	if err := model.ValidateThreadTransition(t.state, model.ThreadSleeping); err != nil {
		return model.Wrap(model.KindInvalidState, "sleep", tid.String(), err)
	}
	if t.queued {
		c.rq.remove(t)
		c.syncLoad()
	}
	if c.curr == t && t.state == model.ThreadRunning {
		c.needResched.Store(true)
	}
	t.state = model.ThreadSleeping
	t.sleepSeq++
	t.wakeAt = deadline
	c.sleepers.add(sleepEntry{at: deadline, t: t, seq: t.sleepSeq})
	return nil
}

// SetDeadline sets the EDF deadline of a thread and re-evaluates preemption if it is queued.
func (s *Scheduler) SetDeadline(tid model.ThreadID, deadline time.Time) error {
	t, err := s.lookup("set deadline", tid)
	if err != nil {
		return err
	}
	c := s.lockThread(t)
	if t.state == model.ThreadZombie {
		c.mu.Unlock()
		return model.Errorf(model.KindInvalidState, "set deadline", tid.String(), "thread has exited")
	}
	t.deadline = deadline
	queued := t.queued
	c.mu.Unlock()
	if queued && s.Policy() == PolicyEDF {
		_, err = s.PreemptIfHigher(tid)
	}
	return err
}
