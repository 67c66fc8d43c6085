package service

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/msageha/orbit/internal/events"
	"github.com/msageha/orbit/internal/model"
	"github.com/msageha/orbit/internal/platform"
	"github.com/msageha/orbit/internal/pool"
)

// Start brings up name and everything it depends on, dependencies first. Services of the same
// depth start in parallel. The first failure stops the operation; with atomic_group_start the
// services started by this call are stopped again.
func (m *Manager) Start(ctx context.Context, name string) error {
	plan, err := m.registry.Resolve(name, OpStart)
	if err != nil {
		return err
	}
	target, err := m.lookup("start", plan.Target)
	if err != nil {
		return err
	}
	m.logger.Infof("start service=%s order=%v", plan.Target, plan.Order)

	var (
		mu      sync.Mutex
		started []*Service
	)
	for _, level := range plan.Levels {
		g, gctx := errgroup.WithContext(ctx)
		for _, n := range level {
			svc, err := m.lookup("start", n)
			if err != nil {
				return err
			}
			g.Go(func() error {
				did, err := m.startOne(gctx, svc)
				if did {
					mu.Lock()
					started = append(started, svc)
					mu.Unlock()
				}
				if err != nil && svc != target && model.KindOf(err) != model.KindDependencyFailure {
					return &model.Error{
						Kind:    model.KindDependencyFailure,
						Op:      "start",
						Subject: svc.desc.Name,
						Detail:  fmt.Sprintf("required by %s", plan.Target),
						Err:     err,
					}
				}
				return err
			})
		}
		if err := g.Wait(); err != nil {
			if target.desc.AtomicGroupStart {
				m.rollback(ctx, plan.Target, started)
			}
			return err
		}
	}
	return nil
}

// rollback stops services a failed start brought up, newest first.
func (m *Manager) rollback(ctx context.Context, target string, started []*Service) {
	ctx = context.WithoutCancel(ctx)
	for i := len(started) - 1; i >= 0; i-- {
		svc := started[i]
		m.logger.Warnf("rollback service=%s target=%s", svc.desc.Name, target)
		m.events.Publish(events.EventRollback, svc.desc.Name, map[string]any{"target": target})
		if err := m.stopOne(ctx, svc); err != nil {
			m.logger.Errorf("rollback stop service=%s error=%v", svc.desc.Name, err)
		}
	}
}

// startOne drives one service to Running. It reports whether this call started it.
func (m *Manager) startOne(ctx context.Context, svc *Service) (bool, error) {
	name := svc.desc.Name
	if err := m.locks.LockContext(ctx, svc.id); err != nil {
		return false, model.Wrap(model.KindTimedOut, "start", name, err)
	}
	defer m.locks.Unlock(svc.id)

	svc.mu.Lock()
	state, enabled := svc.state, svc.enabled
	svc.mu.Unlock()
	if isLive(state) {
		return false, nil
	}
	if !enabled {
		return false, model.Errorf(model.KindInvalidState, "start", name, "service is disabled")
	}
	for _, dep := range svc.desc.DependsOn {
		d, err := m.lookup("start", dep)
		if err != nil {
			return false, err
		}
		if st := d.State(); st != model.ServiceRunning {
			return false, model.Errorf(model.KindDependencyFailure, "start", dep, "%s requires %s to be running, it is %s", name, dep, st)
		}
	}

	if err := m.transition(svc, model.ServiceStarting, "start"); err != nil {
		return false, err
	}
	m.syncPool(svc)

	insts, err := m.spawnInstances(svc, nil)
	if err != nil {
		m.fail(ctx, svc, err.Error())
		return false, err
	}
	svc.mu.Lock()
	svc.incarnation++
	inc := svc.incarnation
	svc.stopping = false
	svc.instances = insts
	svc.window.reset()
	svc.degraded = 0
	svc.health = model.HealthUnknown
	svc.breaker = m.newBreaker(name)
	svc.mu.Unlock()
	m.watchAll(svc, inc, insts)
	m.addToPool(svc, insts)

	health := model.HealthHealthy
	if p := m.readinessProber(svc); p != nil {
		res := m.runProbe(ctx, svc, p)
		svc.mu.Lock()
		svc.window.add(Sample{At: m.clock.Now(), Result: res})
		svc.mu.Unlock()
		if res.Status == model.HealthUnhealthy {
			m.fail(ctx, svc, "readiness probe: "+res.Reason)
			kind := model.KindInvalidState
			if res.Reason == reasonProbeTimeout {
				kind = model.KindTimedOut
			}
			return false, model.Errorf(kind, "start", name, "readiness probe failed: %s", res.Reason)
		}
		health = res.Status
	}

	svc.mu.Lock()
	svc.health = health
	svc.nextProbe = m.clock.Now().Add(m.probeInterval(svc))
	svc.mu.Unlock()
	if err := m.transition(svc, model.ServiceRunning, "ready"); err != nil {
		return false, err
	}
	m.syncPool(svc)
	return true, nil
}

// Stop brings down name and everything that depends on it, dependents first.
func (m *Manager) Stop(ctx context.Context, name string) error {
	plan, err := m.registry.Resolve(name, OpStop)
	if err != nil {
		return err
	}
	m.logger.Infof("stop service=%s order=%v", plan.Target, plan.Order)
	for _, level := range plan.Levels {
		g, gctx := errgroup.WithContext(ctx)
		for _, n := range level {
			svc, err := m.lookup("stop", n)
			if err != nil {
				return err
			}
			g.Go(func() error { return m.stopOne(gctx, svc) })
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

// StopAll stops every service, dependents before their dependencies.
func (m *Manager) StopAll(ctx context.Context) error {
	var first error
	all := m.registry.All()
	for i := len(all) - 1; i >= 0; i-- {
		if err := m.Stop(ctx, all[i].desc.Name); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m *Manager) stopOne(ctx context.Context, svc *Service) error {
	name := svc.desc.Name
	// The lifecycle lock is taken unconditionally: a cancelled stop still has to finish its force path.
	m.locks.Lock(svc.id)
	defer m.locks.Unlock(svc.id)

	if svc.State() == model.ServiceStopped {
		return nil
	}
	if err := m.transition(svc, model.ServiceStopping, "stop"); err != nil {
		return err
	}
	insts := m.detach(svc)
	forced := m.terminate(ctx, svc, insts)
	svc.mu.Lock()
	svc.health = model.HealthUnknown
	svc.mu.Unlock()
	if err := m.transition(svc, model.ServiceStopped, "stopped"); err != nil {
		return err
	}
	m.logger.Infof("stopped service=%s instances=%d forced=%d", name, len(insts), forced)
	return nil
}

// detach takes the instances away from svc so exit watchers stop reporting them.
func (m *Manager) detach(svc *Service) []instance {
	svc.mu.Lock()
	svc.stopping = true
	insts := svc.instances
	svc.instances = nil
	svc.mu.Unlock()
	if svc.pool != nil {
		svc.pool.SetServiceReady(false)
	}
	return insts
}

// fail moves a service to Failed and tears its instances down. The caller holds the lifecycle lock.
func (m *Manager) fail(ctx context.Context, svc *Service, reason string) {
	svc.mu.Lock()
	svc.lastError = reason
	var c stateChange
	var err error
	if svc.state != model.ServiceFailed {
		c, err = m.setStateLocked(svc, model.ServiceFailed, reason)
	}
	svc.health = model.HealthUnhealthy
	svc.mu.Unlock()
	if c.service != "" && err == nil {
		m.emit(c)
	}
	insts := m.detach(svc)
	m.terminate(ctx, svc, insts)
}

// terminate sends TERM to every instance, waits for the graceful window, sends KILL once to the
// survivors and reaps everything. It returns how many instances had to be killed.
func (m *Manager) terminate(ctx context.Context, svc *Service, insts []instance) int {
	type live struct {
		instance
		exited <-chan struct{}
	}
	var targets []live
	for _, inst := range insts {
		ch, err := m.sched.Exited(inst.thread)
		if err != nil {
			continue
		}
		targets = append(targets, live{instance: inst, exited: ch})
		if err := m.procs.Kill(inst.thread, platform.SignalTerm); err != nil {
			m.logger.Warnf("term service=%s thread=%d error=%v", svc.desc.Name, inst.thread, err)
		}
	}

	if len(targets) > 0 {
		timer := m.clock.Timer(m.cfg.GracefulStop())
		defer timer.Stop()
	wait:
		for _, t := range targets {
			select {
			case <-t.exited:
			case <-timer.C:
				break wait
			case <-ctx.Done():
				break wait
			}
		}
	}

	forced := 0
	for _, t := range targets {
		select {
		case <-t.exited:
			continue
		default:
		}
		forced++
		if err := m.procs.Kill(t.thread, platform.SignalKill); err != nil {
			m.logger.Errorf("kill service=%s thread=%d error=%v", svc.desc.Name, t.thread, err)
		}
	}
	if forced > 0 {
		m.logger.Warnf("graceful stop window expired service=%s forced=%d", svc.desc.Name, forced)
	}

	for _, t := range targets {
		if err := m.procs.Reap(t.thread); err != nil {
			m.logger.Warnf("reap service=%s thread=%d error=%v", svc.desc.Name, t.thread, err)
		}
	}
	if svc.pool != nil {
		for _, inst := range insts {
			_ = svc.pool.Remove(inst.id)
		}
	}
	return forced
}

// Restart stops name with its dependents and starts it again, followed by the dependents that
// were active before.
func (m *Manager) Restart(ctx context.Context, name string) error {
	plan, err := m.registry.Resolve(name, OpStop)
	if err != nil {
		return err
	}
	var active []string
	for _, n := range plan.Order {
		if n == plan.Target {
			continue
		}
		if svc, ok := m.registry.Get(n); ok && model.IsActive(svc.State()) {
			active = append(active, n)
		}
	}
	if err := m.Stop(ctx, plan.Target); err != nil {
		return err
	}
	if err := m.Start(ctx, plan.Target); err != nil {
		return err
	}
	for i := len(active) - 1; i >= 0; i-- {
		if err := m.Start(ctx, active[i]); err != nil {
			return err
		}
	}
	return nil
}

// Reload asks a reload-capable service to re-read its configuration without exiting.
// Other services are restarted.
func (m *Manager) Reload(ctx context.Context, name string) error {
	svc, err := m.lookup("reload", name)
	if err != nil {
		return err
	}
	if !svc.desc.ReloadCapable {
		return m.Restart(ctx, svc.desc.Name)
	}
	if err := m.locks.LockContext(ctx, svc.id); err != nil {
		return model.Wrap(model.KindTimedOut, "reload", svc.desc.Name, err)
	}
	defer m.locks.Unlock(svc.id)

	svc.mu.Lock()
	state := svc.state
	insts := append([]instance(nil), svc.instances...)
	svc.mu.Unlock()
	if !isLive(state) {
		return model.Errorf(model.KindInvalidState, "reload", svc.desc.Name, "service is %s", state)
	}
	for _, inst := range insts {
		if err := m.procs.Kill(inst.thread, platform.SignalHup); err != nil {
			return fmt.Errorf("reload %s: %w", svc.desc.Name, err)
		}
	}
	version := 0
	if m.store != nil {
		if cfg, err := m.store.Config(svc.desc.Name); err == nil {
			version = cfg.Version
		}
	}
	m.logger.Infof("reloaded service=%s instances=%d config_version=%d", svc.desc.Name, len(insts), version)
	m.events.Publish(events.EventServiceReloaded, svc.desc.Name, map[string]any{
		"instances":      len(insts),
		"config_version": version,
	})
	return nil
}

// failover replaces the instances of a live service with fresh ones on other CPUs. Traffic moves
// to the new instances before the old ones are terminated.
func (m *Manager) failover(ctx context.Context, svc *Service) error {
	name := svc.desc.Name
	if err := m.locks.LockContext(ctx, svc.id); err != nil {
		return model.Wrap(model.KindTimedOut, "failover", name, err)
	}
	svc.mu.Lock()
	state := svc.state
	old := svc.instances
	svc.mu.Unlock()
	if !isLive(state) {
		m.locks.Unlock(svc.id)
		return m.Restart(ctx, name)
	}
	defer m.locks.Unlock(svc.id)

	avoid := make(map[model.CPUID]bool, len(old))
	for _, inst := range old {
		if t, err := m.sched.Thread(inst.thread); err == nil {
			avoid[t.CPU] = true
		} else {
			avoid[inst.cpu] = true
		}
	}
	allowed := svc.desc.Affinity
	if len(allowed) == 0 {
		allowed = m.sched.Online()
	}
	var cpus []model.CPUID
	online := make(map[model.CPUID]bool)
	for _, c := range m.sched.Online() {
		online[c] = true
	}
	for _, c := range allowed {
		if online[c] && !avoid[c] {
			cpus = append(cpus, c)
		}
	}

	fresh, err := m.spawnInstances(svc, cpus)
	if err != nil {
		return err
	}
	svc.mu.Lock()
	inc := svc.incarnation
	svc.instances = fresh
	svc.window.reset()
	svc.degraded = 0
	svc.health = model.HealthHealthy
	svc.breaker = m.newBreaker(name)
	svc.nextProbe = m.clock.Now().Add(m.probeInterval(svc))
	svc.mu.Unlock()
	m.watchAll(svc, inc, fresh)
	m.addToPool(svc, fresh)
	if svc.pool != nil {
		for _, inst := range old {
			_ = svc.pool.SetHealth(inst.id, model.HealthUnhealthy)
		}
	}
	if state == model.ServiceDegraded {
		if err := m.transition(svc, model.ServiceRunning, "failover"); err != nil {
			return err
		}
	}
	m.syncPool(svc)

	forced := m.terminate(ctx, svc, old)
	m.logger.Infof("failover service=%s cpus=%v replaced=%d forced=%d", name, cpus, len(old), forced)
	return nil
}

// spawnInstances creates the configured number of instances. With cpus set, instance i is
// pinned to cpus[i%len(cpus)].
func (m *Manager) spawnInstances(svc *Service, cpus []model.CPUID) ([]instance, error) {
	name := svc.desc.Name
	out := make([]instance, 0, svc.desc.Instances)
	for i := 0; i < svc.desc.Instances; i++ {
		affinity := svc.desc.Affinity
		if len(cpus) > 0 {
			affinity = []model.CPUID{cpus[i%len(cpus)]}
		}
		tid, err := m.procs.Spawn(platform.SpawnRequest{
			Service:  name,
			Name:     fmt.Sprintf("%s-%d", name, i),
			Priority: svc.desc.Priority,
			Affinity: affinity,
		})
		if err != nil {
			for _, inst := range out {
				_ = m.procs.Kill(inst.thread, platform.SignalKill)
				_ = m.procs.Reap(inst.thread)
			}
			return nil, fmt.Errorf("spawn %s instance %d: %w", name, i, err)
		}
		cpu := model.NoCPU
		if t, err := m.sched.Thread(tid); err == nil {
			cpu = t.CPU
		}
		out = append(out, instance{
			id:       model.InstanceID(m.instSeq.Next()),
			thread:   tid,
			cpu:      cpu,
			endpoint: endpointFor(svc.desc, i),
		})
	}
	return out, nil
}

func endpointFor(desc model.ServiceDescriptor, i int) string {
	if desc.Pool != nil && len(desc.Pool.Endpoints) > 0 {
		return desc.Pool.Endpoints[i%len(desc.Pool.Endpoints)].Endpoint
	}
	return fmt.Sprintf("%s-%d", desc.Name, i)
}

func weightFor(desc model.ServiceDescriptor, i int) int {
	if desc.Pool != nil && len(desc.Pool.Endpoints) > 0 {
		return desc.Pool.Endpoints[i%len(desc.Pool.Endpoints)].Weight
	}
	return 1
}

func (m *Manager) addToPool(svc *Service, insts []instance) {
	if svc.pool == nil {
		return
	}
	for i, inst := range insts {
		err := svc.pool.Add(pool.Instance{
			ID:       inst.id,
			Endpoint: inst.endpoint,
			Weight:   weightFor(svc.desc, i),
			Thread:   inst.thread,
			CPU:      inst.cpu,
			Health:   model.HealthHealthy,
		})
		if err != nil {
			m.logger.Warnf("pool add service=%s instance=%d error=%v", svc.desc.Name, inst.id, err)
		}
	}
}

// watchAll reports a fault when an instance exits while its service is not being stopped.
func (m *Manager) watchAll(svc *Service, incarnation uint64, insts []instance) {
	for _, inst := range insts {
		ch, err := m.sched.Exited(inst.thread)
		if err != nil {
			continue
		}
		m.wg.Add(1)
		go m.watch(svc, incarnation, inst, ch)
	}
}

func (m *Manager) watch(svc *Service, incarnation uint64, inst instance, exited <-chan struct{}) {
	defer m.wg.Done()
	select {
	case <-exited:
	case <-m.ctx.Done():
		return
	}

	svc.mu.Lock()
	if svc.stopping || svc.incarnation != incarnation || !svc.removeInstanceLocked(inst.id) {
		svc.mu.Unlock()
		return
	}
	svc.window.add(Sample{At: m.clock.Now(), Result: Result{Status: model.HealthUnhealthy, Reason: reasonInstanceExited}})
	svc.mu.Unlock()

	if svc.pool != nil {
		svc.pool.RemoveThread(inst.thread)
	}
	if err := m.procs.Reap(inst.thread); err != nil {
		m.logger.Warnf("reap service=%s thread=%d error=%v", svc.desc.Name, inst.thread, err)
	}
	m.logger.Warnf("instance exited service=%s instance=%d thread=%d", svc.desc.Name, inst.id, inst.thread)
	m.ReportFault(svc.desc.Name, fmt.Sprintf("%s: %s", reasonInstanceExited, inst.id))
}

func (s *Service) removeInstanceLocked(id model.InstanceID) bool {
	for i, inst := range s.instances {
		if inst.id == id {
			s.instances = append(s.instances[:i:i], s.instances[i+1:]...)
			return true
		}
	}
	return false
}
