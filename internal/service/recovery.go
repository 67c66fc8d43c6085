package service

import (
	"time"

	"github.com/msageha/orbit/internal/model"
)

type ActionKind string

const (
	ActionNone     ActionKind = "none"
	ActionReset    ActionKind = "reset"
	ActionRestart  ActionKind = "restart"
	ActionFailover ActionKind = "failover"
	ActionEscalate ActionKind = "escalate"
)

// defaultRestartDelay is the wait of restart_with_delay when the policy has no backoff.
const defaultRestartDelay = time.Second

// Input is everything the recovery decision depends on.
type Input struct {
	State           model.ServiceState
	Window          []model.HealthStatus
	Attempts        int
	Escalated       bool
	Stable          int
	StabilityWindow int
	Policy          model.RecoveryPolicy
}

// Action is the next step of the recovery manager. Attempt is 1-based for restart and failover.
type Action struct {
	Kind    ActionKind
	Attempt int
	Delay   time.Duration
}

// Decide returns the next recovery action. It has no side effects.
func Decide(in Input) Action {
	healthyNow := len(in.Window) > 0 && in.Window[len(in.Window)-1] == model.HealthHealthy
	running := in.State == model.ServiceRunning

	if running && in.Attempts > 0 && in.StabilityWindow > 0 && in.Stable >= in.StabilityWindow {
		return Action{Kind: ActionReset}
	}
	if in.Escalated {
		return Action{Kind: ActionNone}
	}
	if running && healthyNow {
		return Action{Kind: ActionNone}
	}

	switch in.Policy.Strategy {
	case model.RecoveryNone:
		return Action{Kind: ActionNone}
	case model.RecoveryEscalate:
		return Action{Kind: ActionEscalate, Attempt: in.Attempts}
	}
	if in.Attempts >= in.Policy.MaxAttempts {
		return Action{Kind: ActionEscalate, Attempt: in.Attempts}
	}

	attempt := in.Attempts + 1
	delay := in.Policy.Backoff.DelayFor(attempt)
	kind := ActionRestart
	switch in.Policy.Strategy {
	case model.RecoveryRestartWithDelay:
		if delay <= 0 {
			delay = defaultRestartDelay
		}
	case model.RecoveryFailover:
		kind = ActionFailover
	}
	return Action{Kind: kind, Attempt: attempt, Delay: delay}
}
