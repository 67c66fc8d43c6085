package service

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/msageha/orbit/internal/events"
	"github.com/msageha/orbit/internal/model"
)

const (
	reasonProbeTimeout   = "probe timeout"
	reasonCircuitOpen    = "probe circuit open"
	reasonInstanceExited = "instance exited"
	reasonNoInstances    = "no live instances"
)

// maxParallelProbes bounds one health sweep.
const maxParallelProbes = 8

var errProbeUnhealthy = errors.New("probe unhealthy")

// readinessProber returns the probe that gates Starting → Running, or nil when none is configured.
func (m *Manager) readinessProber(svc *Service) Prober {
	m.probeMu.RLock()
	p, ok := m.probes[svc.desc.Name]
	m.probeMu.RUnlock()
	if ok {
		return p
	}
	return proberFromSpec(svc.desc.Health.Probe)
}

// prober returns the periodic probe of a service. Without a configured one, the service is
// probed for liveness: every instance thread must still exist and not be a zombie.
func (m *Manager) prober(svc *Service) Prober {
	if p := m.readinessProber(svc); p != nil {
		return p
	}
	return ProbeFunc(func(context.Context) Result {
		svc.mu.Lock()
		insts := append([]instance(nil), svc.instances...)
		svc.mu.Unlock()
		if len(insts) == 0 && svc.desc.Instances > 0 {
			return Result{Status: model.HealthUnhealthy, Reason: reasonNoInstances}
		}
		for _, inst := range insts {
			st, err := m.sched.ThreadState(inst.thread)
			if err != nil || st == model.ThreadZombie {
				return Result{Status: model.HealthUnhealthy, Reason: reasonInstanceExited}
			}
		}
		return Result{Status: model.HealthHealthy}
	})
}

func (m *Manager) probeTimeout(svc *Service) time.Duration {
	if m.store != nil {
		if cfg, err := m.store.Config(svc.desc.Name); err == nil && cfg.Monitoring.HealthTimeout > 0 {
			return cfg.Monitoring.HealthTimeout
		}
	}
	if svc.desc.Health.Timeout > 0 {
		return svc.desc.Health.Timeout
	}
	return m.cfg.ProbeTimeout()
}

func (m *Manager) probeInterval(svc *Service) time.Duration {
	if m.store != nil {
		if cfg, err := m.store.Config(svc.desc.Name); err == nil && cfg.Monitoring.HealthInterval > 0 {
			return cfg.Monitoring.HealthInterval
		}
	}
	return svc.desc.Health.Interval
}

// runProbe executes p under the service's timeout and circuit breaker. A timeout or an open
// breaker counts as Unhealthy.
func (m *Manager) runProbe(ctx context.Context, svc *Service, p Prober) Result {
	svc.mu.Lock()
	br := svc.breaker
	svc.mu.Unlock()

	timeout := m.probeTimeout(svc)
	start := m.clock.Now()
	exec := func() Result {
		pctx, cancel := m.clock.WithTimeout(ctx, timeout)
		defer cancel()
		ch := make(chan Result, 1)
		go func() { ch <- p.Probe(pctx) }()
		select {
		case r := <-ch:
			if errors.Is(pctx.Err(), context.DeadlineExceeded) {
				return Result{Status: model.HealthUnhealthy, Reason: reasonProbeTimeout}
			}
			return r
		case <-pctx.Done():
			return Result{Status: model.HealthUnhealthy, Reason: reasonProbeTimeout}
		}
	}

	var res Result
	if br == nil {
		res = exec()
	} else {
		out, err := br.Execute(func() (interface{}, error) {
			r := exec()
			if r.Status == model.HealthUnhealthy {
				return r, errProbeUnhealthy
			}
			return r, nil
		})
		if r, ok := out.(Result); ok {
			res = r
		} else if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			res = Result{Status: model.HealthUnhealthy, Reason: reasonCircuitOpen}
		} else {
			res = Result{Status: model.HealthUnhealthy, Reason: err.Error()}
		}
	}
	if res.Status == "" {
		res.Status = model.HealthUnknown
	}
	if res.Latency == 0 {
		res.Latency = m.clock.Since(start)
	}
	return res
}

// ProbeNow runs one health probe of a live, enabled service and records the result.
func (m *Manager) ProbeNow(ctx context.Context, name string) (Result, error) {
	svc, err := m.lookup("probe", name)
	if err != nil {
		return Result{}, err
	}
	svc.mu.Lock()
	state, enabled := svc.state, svc.enabled
	svc.mu.Unlock()
	if !enabled {
		return Result{}, model.Errorf(model.KindInvalidState, "probe", svc.desc.Name, "service is disabled")
	}
	if !isLive(state) {
		return Result{}, model.Errorf(model.KindInvalidState, "probe", svc.desc.Name, "service is %s", state)
	}
	res := m.runProbe(ctx, svc, m.prober(svc))
	m.observe(svc, res)
	return res, nil
}

// RunHealth sweeps due services every interval until ctx is done.
func (m *Manager) RunHealth(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		every = time.Second
	}
	ticker := m.clock.Ticker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep probes every enabled live service whose interval has elapsed, in parallel.
// It returns the number of services probed.
func (m *Manager) Sweep(ctx context.Context) int {
	now := m.clock.Now()
	var due []*Service
	for _, svc := range m.registry.All() {
		svc.mu.Lock()
		ok := svc.enabled && isLive(svc.state) && !now.Before(svc.nextProbe)
		svc.mu.Unlock()
		if ok {
			due = append(due, svc)
		}
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelProbes)
	for _, svc := range due {
		g.Go(func() error {
			m.observe(svc, m.runProbe(gctx, svc, m.prober(svc)))
			return nil
		})
	}
	_ = g.Wait()
	return len(due)
}

// observe records one probe result and applies the health transitions:
// Running with the last k samples Unhealthy becomes Degraded; Degraded with k further Unhealthy
// samples is reported as a fault; Degraded with the last k samples Healthy returns to Running.
// Samples that arrive while a lifecycle operation holds the service are dropped.
func (m *Manager) observe(svc *Service, res Result) {
	if !m.locks.TryLock(svc.id) {
		return
	}
	defer m.locks.Unlock(svc.id)

	name := svc.desc.Name
	k := m.cfg.UnhealthyThreshold
	now := m.clock.Now()

	var (
		changes   []stateChange
		fault     bool
		succeeded bool
		attempts  int
	)
	svc.mu.Lock()
	if !isLive(svc.state) {
		svc.mu.Unlock()
		return
	}
	svc.window.add(Sample{At: now, Result: res})
	svc.nextProbe = now.Add(m.probeInterval(svc))
	prevHealth := svc.health
	score, health := svc.window.score()
	svc.health = health

	switch svc.state {
	case model.ServiceRunning:
		if svc.window.lastAll(k, model.HealthUnhealthy) {
			if c, err := m.setStateLocked(svc, model.ServiceDegraded, res.Reason); err == nil {
				changes = append(changes, c)
			}
			svc.degraded = 0
		}
	case model.ServiceDegraded:
		if res.Status == model.HealthUnhealthy {
			svc.degraded++
			if svc.degraded >= k {
				svc.degraded = 0
				fault = true
			}
		} else if svc.window.lastAll(k, model.HealthHealthy) {
			if c, err := m.setStateLocked(svc, model.ServiceRunning, "recovered"); err == nil {
				changes = append(changes, c)
			}
			svc.degraded = 0
		}
	}

	if res.Status == model.HealthHealthy {
		if svc.recovery.awaiting {
			svc.recovery.awaiting = false
			succeeded = true
			attempts = svc.recovery.attempts
		}
		if svc.recovery.attempts > 0 {
			svc.recovery.stable++
			act := Decide(Input{
				State:           svc.state,
				Window:          svc.window.statuses(),
				Attempts:        svc.recovery.attempts,
				Escalated:       svc.recovery.escalated,
				Stable:          svc.recovery.stable,
				StabilityWindow: m.cfg.StabilityWindow,
				Policy:          svc.desc.Recovery,
			})
			if act.Kind == ActionReset {
				m.logger.Infof("recovery counter reset service=%s after %d stable probes", name, svc.recovery.stable)
				svc.recovery.attempts = 0
				svc.recovery.stable = 0
			}
		}
	} else {
		svc.recovery.stable = 0
	}
	svc.mu.Unlock()

	for _, c := range changes {
		m.emit(c)
	}
	if health != prevHealth {
		m.events.Publish(events.EventHealthChange, name, map[string]any{
			"old":   string(prevHealth),
			"new":   string(health),
			"score": score,
		})
	}
	m.syncPool(svc)
	if succeeded {
		m.events.Publish(events.EventRecoverySucceeded, name, map[string]any{"attempts": attempts})
	}
	if fault {
		m.ReportFault(name, res.Reason)
	}
}
