package sched

import (
	"sort"

	"github.com/msageha/orbit/internal/events"
	"github.com/msageha/orbit/internal/model"
)

// OnlineCPU brings an offline CPU back. Onlining an online CPU is a no-op.
func (s *Scheduler) OnlineCPU(id model.CPUID) error {
	c, err := s.cpu(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	switch c.state {
	case model.CPUOnline:
		c.mu.Unlock()
		return nil
	case model.CPUSuspended:
		c.mu.Unlock()
		return model.Errorf(model.KindInvalidState, "online cpu", id.String(), "cpu is being drained")
	}
	c.setState(model.CPUOnline)
	c.curr = c.idle
	c.idle.state = model.ThreadRunning
	c.lastDecision = s.clock.Now()
	c.mu.Unlock()

	s.logger.Infof("cpu online cpu=%d", id)
	s.events.Publish(events.EventCPUOnline, id.String(), map[string]any{"cpu": int(id)})
	return nil
}

// OfflineCPU drains cpu's queues, its running thread and its sleep timers onto the other
// online CPUs, then marks it Offline. It refuses when cpu is the last online CPU or when a
// live thread is allowed nowhere else.
func (s *Scheduler) OfflineCPU(id model.CPUID) error {
	c, err := s.cpu(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	switch c.state {
	case model.CPUOffline:
		c.mu.Unlock()
		return nil
	case model.CPUSuspended:
		c.mu.Unlock()
		return model.Errorf(model.KindInvalidState, "offline cpu", id.String(), "cpu is already being drained")
	}

	var others CPUSet
	for _, o := range s.cpus {
		if o != c && o.online.Load() {
			others |= NewCPUSet(o.id)
		}
	}
	if others.Empty() {
		c.mu.Unlock()
		return model.Errorf(model.KindInvalidState, "offline cpu", id.String(), "cannot offline the last online cpu")
	}
	var pinned []model.ThreadID
	for _, t := range c.members {
		if t.state != model.ThreadZombie && t.mask()&others == 0 {
			pinned = append(pinned, t.id)
		}
	}
	if len(pinned) > 0 {
		c.mu.Unlock()
		sort.Slice(pinned, func(i, j int) bool { return pinned[i] < pinned[j] })
		return model.Errorf(model.KindInvalidState, "offline cpu", id.String(), "threads %v have no other cpu in their affinity", pinned)
	}

	c.setState(model.CPUSuspended)
	var ready []*Thread
	c.rq.each(func(t *Thread) bool {
		ready = append(ready, t)
		return true
	})
	for _, t := range ready {
		c.rq.remove(t)
	}
	if r := c.running(); r != nil {
		r.state = model.ThreadReady
		ready = append(ready, r)
		s.switcher.Switch(c.id, r.id, c.idle.id)
		c.stats.ContextSwitches++
	}
	c.curr = nil
	c.outgoing = 0
	c.idle.state = model.ThreadReady
	c.syncLoad()
	timers := c.sleepers.drain()
	c.mu.Unlock()

	drained := s.drain(c, ready, timers)

	c.mu.Lock()
	c.setState(model.CPUOffline)
	c.needResched.Store(false)
	c.mu.Unlock()

	s.logger.Infof("cpu offline cpu=%d drained=%d", id, drained)
	s.events.Publish(events.EventCPUOffline, id.String(), map[string]any{
		"cpu":     int(id),
		"drained": drained,
	})
	return nil
}

// Online returns the ids of online CPUs.
func (s *Scheduler) Online() []model.CPUID {
	var out []model.CPUID
	for _, c := range s.cpus {
		if c.online.Load() {
			out = append(out, c.id)
		}
	}
	return out
}
