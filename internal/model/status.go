package model

import (
	"fmt"
	"strings"
)

// Priority is a scheduling band. Higher values run first.
type Priority int

const (
	PriorityIdle Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// NumPriorities is the number of scheduling bands.
const NumPriorities = 5

var priorityNames = [NumPriorities]string{"idle", "low", "normal", "high", "critical"}

func (p Priority) String() string {
	if !p.Valid() {
		return fmt.Sprintf("priority(%d)", int(p))
	}
	return priorityNames[p]
}

func (p Priority) Valid() bool {
	return p >= PriorityIdle && p <= PriorityCritical
}

// Raise returns the next band up, saturating at Critical.
func (p Priority) Raise() Priority {
	if p >= PriorityCritical {
		return PriorityCritical
	}
	return p + 1
}

// Lower returns the next band down, saturating at Idle.
func (p Priority) Lower() Priority {
	if p <= PriorityIdle {
		return PriorityIdle
	}
	return p - 1
}

func ParsePriority(s string) (Priority, error) {
	for i, name := range priorityNames {
		if strings.EqualFold(s, name) {
			return Priority(i), nil
		}
	}
	return 0, Errorf(KindInvalidArgument, "parse priority", "", "unknown priority %q", s)
}

func (p Priority) MarshalYAML() (any, error) {
	return p.String(), nil
}

func (p *Priority) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = v
	return nil
}

type ThreadState string

const (
	ThreadReady    ThreadState = "ready"
	ThreadRunning  ThreadState = "running"
	ThreadBlocked  ThreadState = "blocked"
	ThreadSleeping ThreadState = "sleeping"
	ThreadZombie   ThreadState = "zombie"
)

type CPUState string

const (
	CPUOnline    CPUState = "online"
	CPUOffline   CPUState = "offline"
	CPUSuspended CPUState = "suspended"
)

type ServiceState string

const (
	ServiceStopped  ServiceState = "stopped"
	ServiceStarting ServiceState = "starting"
	ServiceRunning  ServiceState = "running"
	ServiceDegraded ServiceState = "degraded"
	ServiceFailed   ServiceState = "failed"
	ServiceStopping ServiceState = "stopping"
)

func ParseServiceState(s string) (ServiceState, error) {
	st := ServiceState(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := validServiceTransitions[st]; !ok {
		return "", Errorf(KindInvalidArgument, "parse state", "", "unknown service state %q", s)
	}
	return st, nil
}

type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthUnknown   HealthStatus = "unknown"
)

// Thread transitions: a zombie never comes back.
var validThreadTransitions = map[ThreadState]map[ThreadState]bool{
	ThreadReady: {
		ThreadRunning:  true,
		ThreadBlocked:  true,
		ThreadSleeping: true,
		ThreadZombie:   true,
	},
	ThreadRunning: {
		ThreadReady:    true,
		ThreadBlocked:  true,
		ThreadSleeping: true,
		ThreadZombie:   true,
	},
	ThreadBlocked: {
		ThreadReady:    true,
		ThreadSleeping: true,
		ThreadZombie:   true,
	},
	ThreadSleeping: {
		ThreadReady:  true,
		ThreadZombie: true,
	},
}

// Service transitions: stopped → starting → running ↔ degraded → stopping → stopped,
// failed reachable from every active state, recovery goes failed → starting.
var validServiceTransitions = map[ServiceState]map[ServiceState]bool{
	ServiceStopped: {
		ServiceStarting: true,
	},
	ServiceStarting: {
		ServiceRunning:  true,
		ServiceStopping: true,
		ServiceFailed:   true,
	},
	ServiceRunning: {
		ServiceDegraded: true,
		ServiceStopping: true,
		ServiceFailed:   true,
	},
	ServiceDegraded: {
		ServiceRunning:  true,
		ServiceStopping: true,
		ServiceFailed:   true,
	},
	ServiceStopping: {
		ServiceStopped: true,
		ServiceFailed:  true,
	},
	ServiceFailed: {
		ServiceStarting: true,
		ServiceStopping: true,
	},
}

func ValidateThreadTransition(from, to ThreadState) error {
	allowed, ok := validThreadTransitions[from]
	if !ok {
		return Errorf(KindInvalidState, "thread transition", "", "cannot leave state %q", from)
	}
	if !allowed[to] {
		return Errorf(KindInvalidState, "thread transition", "", "invalid transition: %q → %q", from, to)
	}
	return nil
}

func ValidateServiceTransition(from, to ServiceState) error {
	allowed, ok := validServiceTransitions[from]
	if !ok {
		return Errorf(KindInvalidState, "service transition", "", "unknown service state %q", from)
	}
	if !allowed[to] {
		return Errorf(KindInvalidState, "service transition", "", "invalid transition: %q → %q", from, to)
	}
	return nil
}

// IsActive reports whether a service in state s owns live instances.
func IsActive(s ServiceState) bool {
	switch s {
	case ServiceStarting, ServiceRunning, ServiceDegraded, ServiceStopping:
		return true
	}
	return false
}
