// Package platform holds the contracts between orbit's core and the layer beneath it:
// the clock, the context-switch primitive and the process subsystem.
package platform

import (
	"github.com/benbjohnson/clock"

	"github.com/msageha/orbit/internal/model"
)

// Clock is the single time source of the core. Production uses the system clock;
// tests inject clock.NewMock() and advance it explicitly.
type Clock = clock.Clock

func SystemClock() Clock {
	return clock.New()
}

// ContextSwitcher performs the register save/restore between two threads on a CPU.
// The scheduler calls it with the CPU's run lock held, so implementations must not call back into the scheduler.
type ContextSwitcher interface {
	Switch(cpu model.CPUID, from, to model.ThreadID)
}

// Signal is delivered to a thread by the process subsystem.
type Signal int

const (
	SignalTerm Signal = iota + 1
	SignalKill
	SignalHup
)

func (s Signal) String() string {
	switch s {
	case SignalTerm:
		return "TERM"
	case SignalKill:
		return "KILL"
	case SignalHup:
		return "HUP"
	default:
		return "UNKNOWN"
	}
}

// SpawnRequest describes the thread backing one service instance.
type SpawnRequest struct {
	Service  string
	Name     string
	Priority model.Priority
	Affinity []model.CPUID
}

// ProcessSubsystem creates and destroys the threads behind service instances.
type ProcessSubsystem interface {
	Spawn(req SpawnRequest) (model.ThreadID, error)
	Kill(tid model.ThreadID, sig Signal) error
	Reap(tid model.ThreadID) error
}
