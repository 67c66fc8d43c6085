package sched

import (
	"sort"

	"github.com/msageha/orbit/internal/events"
	"github.com/msageha/orbit/internal/model"
)

// BalanceResult summarises one balance pass.
type BalanceResult struct {
	Skipped  bool
	Migrated int
	Loads    map[model.CPUID]int
}

// Balance runs one pass of the CPU load balancer: while some pair of online CPUs differs
// in load by two or more, move one Ready thread from the lowest eligible band of the busier
// CPU to the same band of the idler one. Running threads never move. Skipped under EDF.
func (s *Scheduler) Balance() BalanceResult {
	res := BalanceResult{Loads: make(map[model.CPUID]int)}
	if s.Policy() == PolicyEDF {
		res.Skipped = true
		return res
	}
	s.balancePasses.Add(1)

	limit := len(s.cpus)
	for _, c := range s.cpus {
		limit += int(c.loadHint.Load())
	}
	for res.Migrated < limit {
		if !s.balanceStep() {
			break
		}
		res.Migrated++
	}

	for _, c := range s.cpus {
		if c.online.Load() {
			res.Loads[c.id] = int(c.loadHint.Load())
		}
	}
	s.lastBalance.Store(s.clock.Now().UnixNano())
	loads := make(map[string]any, len(res.Loads))
	for id, l := range res.Loads {
		loads[id.String()] = l
	}
	s.events.Publish(events.EventBalanceTick, "sched", map[string]any{
		"migrated":   res.Migrated,
		"passes":     s.balancePasses.Load(),
		"migrations": s.migrations.Load(),
		"loads":      loads,
	})
	if res.Migrated > 0 {
		s.logger.Debugf("balance migrated=%d", res.Migrated)
	}
	return res
}

// balanceStep performs at most one migration and reports whether it did.
func (s *Scheduler) balanceStep() bool {
	var online []*cpu
	for _, c := range s.cpus {
		if c.online.Load() {
			online = append(online, c)
		}
	}
	sort.SliceStable(online, func(i, j int) bool {
		return online[i].loadHint.Load() > online[j].loadHint.Load()
	})
	for i := 0; i < len(online); i++ {
		over := online[i]
		for j := len(online) - 1; j > i; j-- {
			under := online[j]
			if over.loadHint.Load()-under.loadHint.Load() < 2 {
				break
			}
			if s.migrateOne(over, under) {
				return true
			}
		}
	}
	return false
}

func (s *Scheduler) migrateOne(over, under *cpu) bool {
	lockPair(over, under)
	if over.state != model.CPUOnline || under.state != model.CPUOnline || over.rq.load-under.rq.load < 2 {
		unlockPair(over, under)
		return false
	}
	for p := model.PriorityIdle; p <= model.PriorityCritical; p++ {
		for e := over.rq.bands[p].Front(); e != nil; e = e.Next() {
			t := e.Value.(*Thread)
			if !t.mask().Has(under.id) {
				continue
			}
			over.rq.remove(t)
			over.syncLoad()
			s.moveLocked(t, over, under)
			unlockPair(over, under)
			s.publishMigration(t.id, over.id, under.id, "balance")
			return true
		}
	}
	unlockPair(over, under)
	return false
}

// moveLocked re-homes a Ready, unqueued thread onto to's queue. Both run locks are held.
func (s *Scheduler) moveLocked(t *Thread, from, to *cpu) {
	s.rehome(t, from, to)
	s.pushLocked(to, t, false)
	t.lastCPU.Store(int32(to.id))
	from.stats.MigrationsOut++
	to.stats.MigrationsIn++
	s.migrations.Add(1)
	if ok, _ := s.shouldPreempt(to, t); ok {
		to.needResched.Store(true)
	}
}

func (s *Scheduler) publishMigration(tid model.ThreadID, from, to model.CPUID, reason string) {
	s.events.Publish(events.EventThreadMigrated, tid.String(), map[string]any{
		"thread": uint64(tid),
		"from":   int(from),
		"to":     int(to),
		"reason": reason,
	})
}

// drain moves everything homed on a suspended CPU elsewhere: Ready threads onto run queues,
// timer entries onto the new home's heap, and the rest of the members just change lock domain.
func (s *Scheduler) drain(from *cpu, ready []*Thread, timers []sleepEntry) int {
	moved := 0
	for _, t := range ready {
		for {
			to := s.chooseCPU(t)
			if to == nil {
				s.logger.Errorf("drain cpu=%d thread=%d no eligible cpu", from.id, t.id)
				break
			}
			home := s.lockThreadAnd(t, to)
			if home != from || t.state != model.ThreadReady || t.queued {
				unlockPair(home, to)
				break
			}
			if to.state != model.CPUOnline || !t.mask().Has(to.id) {
				unlockPair(home, to)
				continue
			}
			s.moveLocked(t, from, to)
			unlockPair(home, to)
			s.publishMigration(t.id, from.id, to.id, "cpu_offline")
			moved++
			break
		}
	}

	for _, e := range timers {
		to := s.fallbackCPU(e.t)
		if to == nil {
			continue
		}
		home := s.lockThreadAnd(e.t, to)
		if home == from && e.seq == e.t.sleepSeq {
			s.rehome(e.t, from, to)
			to.sleepers.add(e)
		}
		unlockPair(home, to)
	}

	from.mu.Lock()
	rest := make([]*Thread, 0, len(from.members))
	for _, t := range from.members {
		rest = append(rest, t)
	}
	from.mu.Unlock()
	for _, t := range rest {
		to := s.fallbackCPU(t)
		if to == nil {
			continue
		}
		home := s.lockThreadAnd(t, to)
		if home == from {
			s.rehome(t, from, to)
		}
		unlockPair(home, to)
	}
	return moved
}

// fallbackCPU is the affinity rule, widened to any online CPU for threads that only need a lock domain.
func (s *Scheduler) fallbackCPU(t *Thread) *cpu {
	if c := s.chooseCPU(t); c != nil {
		return c
	}
	for _, c := range s.cpus {
		if c.online.Load() {
			return c
		}
	}
	return nil
}
