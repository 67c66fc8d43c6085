package service

import (
	"strings"
	"sync"
	"time"
)

type FaultKind string

const (
	FaultTransient          FaultKind = "transient_failure"
	FaultPersistent         FaultKind = "persistent_failure"
	FaultResourceExhaustion FaultKind = "resource_exhaustion"
	FaultDependency         FaultKind = "dependency_failure"
	FaultUnknown            FaultKind = "unknown"
)

// Fault is one detected failure of a service.
type Fault struct {
	Service string    `json:"service"`
	Kind    FaultKind `json:"kind"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at"`
}

const (
	faultHistorySize  = 64
	persistentCount   = 3
	persistentHorizon = 10 * time.Minute
)

// Detector classifies faults from the probe-supplied reason and the service's recent history.
type Detector struct {
	mu      sync.Mutex
	history map[string][]Fault
}

func NewDetector() *Detector {
	return &Detector{history: make(map[string][]Fault)}
}

// Classify records a fault and returns it with its kind. An explicit resource or dependency
// reason wins; otherwise a service that already failed persistentCount times within
// persistentHorizon is failing persistently.
func (d *Detector) Classify(service, reason string, now time.Time) Fault {
	d.mu.Lock()
	defer d.mu.Unlock()

	past := d.history[service]
	recent := 0
	for _, f := range past {
		if now.Sub(f.At) <= persistentHorizon {
			recent++
		}
	}

	f := Fault{Service: service, Reason: reason, At: now}
	lower := strings.ToLower(reason)
	switch {
	case strings.Contains(lower, "resource"), strings.Contains(lower, "exhausted"), strings.Contains(lower, "limit"):
		f.Kind = FaultResourceExhaustion
	case strings.Contains(lower, "dependency"):
		f.Kind = FaultDependency
	case recent >= persistentCount:
		f.Kind = FaultPersistent
	case reason == "":
		f.Kind = FaultUnknown
	default:
		f.Kind = FaultTransient
	}

	past = append(past, f)
	if len(past) > faultHistorySize {
		past = past[len(past)-faultHistorySize:]
	}
	d.history[service] = past
	return f
}

// History returns the recorded faults of service, oldest first.
func (d *Detector) History(service string) []Fault {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Fault(nil), d.history[service]...)
}

func (d *Detector) Forget(service string) {
	d.mu.Lock()
	delete(d.history, service)
	d.mu.Unlock()
}
