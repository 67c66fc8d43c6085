package service

import (
	"context"

	"github.com/msageha/orbit/internal/events"
	"github.com/msageha/orbit/internal/model"
)

// ReportFault classifies a failure of name and starts recovery. Faults reported while a
// recovery of the same service is in flight join it instead of starting another.
func (m *Manager) ReportFault(name, reason string) {
	svc, ok := m.registry.Get(name)
	if !ok || m.ctx.Err() != nil {
		return
	}
	f := m.detector.Classify(svc.desc.Name, reason, m.clock.Now())
	svc.mu.Lock()
	svc.lastError = reason
	svc.mu.Unlock()

	m.logger.Warnf("fault service=%s kind=%s reason=%q", f.Service, f.Kind, reason)
	m.events.Publish(events.EventFaultDetected, f.Service, map[string]any{
		"kind":   string(f.Kind),
		"reason": reason,
	})

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		_, _, _ = m.flight.Do(f.Service, func() (any, error) {
			m.recover(svc, f)
			return nil, nil
		})
	}()
}

// recover runs attempts until one succeeds, the policy gives up or the manager closes.
func (m *Manager) recover(svc *Service, f Fault) {
	ctx := m.ctx
	name := svc.desc.Name
	policy := svc.desc.Recovery

	for {
		svc.mu.Lock()
		in := Input{
			State:           svc.state,
			Window:          svc.window.statuses(),
			Attempts:        svc.recovery.attempts,
			Escalated:       svc.recovery.escalated,
			Stable:          svc.recovery.stable,
			StabilityWindow: m.cfg.StabilityWindow,
			Policy:          policy,
		}
		act := Decide(in)
		switch act.Kind {
		case ActionRestart, ActionFailover:
			svc.recovery.attempts = act.Attempt
			svc.recovery.stable = 0
			svc.recovery.awaiting = false
		case ActionReset:
			svc.recovery.attempts = 0
			svc.recovery.stable = 0
		}
		svc.mu.Unlock()

		switch act.Kind {
		case ActionReset:
			return
		case ActionNone:
			if policy.Strategy == model.RecoveryNone && isLive(in.State) {
				m.giveUp(ctx, svc, f, false)
			}
			return
		case ActionEscalate:
			m.giveUp(ctx, svc, f, true)
			return
		}

		m.logger.Infof("recovery attempt service=%s attempt=%d strategy=%s delay=%s fault=%s",
			name, act.Attempt, act.Kind, act.Delay, f.Kind)
		m.events.Publish(events.EventRecoveryAttempt, name, map[string]any{
			"attempt":    act.Attempt,
			"strategy":   string(act.Kind),
			"next_delay": act.Delay,
			"fault":      string(f.Kind),
		})

		if act.Delay > 0 {
			timer := m.clock.Timer(act.Delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return
			}
		}

		err := m.execute(ctx, svc, act)
		if err == nil {
			svc.mu.Lock()
			svc.recovery.awaiting = true
			svc.mu.Unlock()
			return
		}
		m.logger.Warnf("recovery attempt failed service=%s attempt=%d error=%v", name, act.Attempt, err)
		m.events.Publish(events.EventRecoveryFailed, name, map[string]any{
			"attempt": act.Attempt,
			"error":   err.Error(),
		})
		if ctx.Err() != nil {
			return
		}
	}
}

func (m *Manager) execute(ctx context.Context, svc *Service, act Action) error {
	if t := svc.desc.Recovery.Timeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = m.clock.WithTimeout(ctx, t)
		defer cancel()
	}
	if act.Kind == ActionFailover {
		return m.failover(ctx, svc)
	}
	return m.Restart(ctx, svc.desc.Name)
}

// giveUp leaves a service Failed. With escalate it also marks the service escalated, so no
// further attempt runs until ResetRecovery.
func (m *Manager) giveUp(ctx context.Context, svc *Service, f Fault, escalate bool) {
	name := svc.desc.Name
	if err := m.locks.LockContext(ctx, svc.id); err != nil {
		return
	}
	svc.mu.Lock()
	attempts := svc.recovery.attempts
	if escalate {
		svc.recovery.escalated = true
	}
	state := svc.state
	svc.mu.Unlock()
	if state != model.ServiceFailed && state != model.ServiceStopped {
		m.fail(ctx, svc, f.Reason)
	}
	m.locks.Unlock(svc.id)

	if escalate {
		m.logger.Errorf("escalation service=%s attempts=%d fault=%s", name, attempts, f.Kind)
		m.events.Publish(events.EventEscalation, name, map[string]any{
			"attempts": attempts,
			"fault":    string(f.Kind),
			"reason":   f.Reason,
		})
		return
	}
	m.events.Publish(events.EventRecoveryFailed, name, map[string]any{
		"attempt": attempts,
		"error":   "recovery strategy is none",
	})
}
