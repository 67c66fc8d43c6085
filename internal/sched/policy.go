package sched

import (
	"strings"

	"github.com/msageha/orbit/internal/model"
)

// Policy selects how a CPU picks its next thread.
type Policy int32

const (
	PolicyRR Policy = iota
	PolicyFP
	PolicyMLFQ
	PolicyEDF
)

func (p Policy) String() string {
	switch p {
	case PolicyRR:
		return "rr"
	case PolicyFP:
		return "fp"
	case PolicyMLFQ:
		return "mlfq"
	case PolicyEDF:
		return "edf"
	default:
		return "unknown"
	}
}

func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "rr", "round_robin", "round-robin":
		return PolicyRR, nil
	case "fp", "fixed_priority", "fixed-priority":
		return PolicyFP, nil
	case "mlfq":
		return PolicyMLFQ, nil
	case "edf":
		return PolicyEDF, nil
	}
	return 0, model.Errorf(model.KindInvalidArgument, "parse policy", "", "unknown scheduling policy %q", s)
}

// preemptsOnEnqueue reports whether a newly enqueued thread may displace the running one.
func (p Policy) preemptsOnEnqueue() bool {
	return p == PolicyFP || p == PolicyMLFQ || p == PolicyEDF
}

// Quanta is a per-band time budget in ticks, indexed by model.Priority.
type Quanta [model.NumPriorities]int

var defaultQuanta = map[Policy]Quanta{
	PolicyRR:   {model.PriorityIdle: 5, model.PriorityLow: 10, model.PriorityNormal: 20, model.PriorityHigh: 30, model.PriorityCritical: 40},
	PolicyFP:   {model.PriorityIdle: 10, model.PriorityLow: 15, model.PriorityNormal: 20, model.PriorityHigh: 25, model.PriorityCritical: 30},
	PolicyMLFQ: {model.PriorityIdle: 160, model.PriorityLow: 80, model.PriorityNormal: 40, model.PriorityHigh: 20, model.PriorityCritical: 10},
}

// DefaultQuanta returns the built-in quantum table of p. EDF has none.
func DefaultQuanta(p Policy) Quanta {
	return defaultQuanta[p]
}

// ParseQuanta applies band-name overrides such as {"normal": 25} on top of base.
func ParseQuanta(base Quanta, overrides map[string]int) (Quanta, error) {
	q := base
	for name, v := range overrides {
		p, err := model.ParsePriority(name)
		if err != nil {
			return q, err
		}
		if v < 1 {
			return q, model.Errorf(model.KindInvalidArgument, "parse quanta", name, "quantum must be >= 1, got %d", v)
		}
		q[p] = v
	}
	return q, nil
}
