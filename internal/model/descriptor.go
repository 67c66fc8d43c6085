package model

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// ServiceType tags what kind of unit a service is. Pools are only built for services that declare one.
type ServiceType string

const (
	ServiceTypeSystem  ServiceType = "system"
	ServiceTypeNetwork ServiceType = "network"
	ServiceTypeDaemon  ServiceType = "daemon"
	ServiceTypeUser    ServiceType = "user"
)

var validServiceTypes = map[ServiceType]bool{
	ServiceTypeSystem:  true,
	ServiceTypeNetwork: true,
	ServiceTypeDaemon:  true,
	ServiceTypeUser:    true,
}

type IsolationLevel string

const (
	IsolationNone    IsolationLevel = "none"
	IsolationProcess IsolationLevel = "process"
	IsolationSandbox IsolationLevel = "sandbox"
)

type RecoveryStrategy string

const (
	RecoveryNone             RecoveryStrategy = "none"
	RecoveryRestart          RecoveryStrategy = "restart"
	RecoveryRestartWithDelay RecoveryStrategy = "restart_with_delay"
	RecoveryFailover         RecoveryStrategy = "failover"
	RecoveryEscalate         RecoveryStrategy = "escalate"
)

type BackoffKind string

const (
	BackoffNone        BackoffKind = "none"
	BackoffFixed       BackoffKind = "fixed"
	BackoffLinear      BackoffKind = "linear"
	BackoffExponential BackoffKind = "exponential"
)

// Backoff is the delay function between recovery attempts.
// Fixed uses Delay, Linear uses Step, Exponential uses Initial/Multiplier/Cap.
type Backoff struct {
	Kind       BackoffKind   `yaml:"kind"`
	Delay      time.Duration `yaml:"delay,omitempty"`
	Step       time.Duration `yaml:"step,omitempty"`
	Initial    time.Duration `yaml:"initial,omitempty"`
	Multiplier float64       `yaml:"multiplier,omitempty"`
	Cap        time.Duration `yaml:"cap,omitempty"`
}

// DelayFor returns the wait before the given attempt (1-based). Without a cap the delay
// saturates at the largest Duration.
func (b Backoff) DelayFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	limit := time.Duration(math.MaxInt64)
	if b.Cap > 0 {
		limit = b.Cap
	}
	switch b.Kind {
	case BackoffFixed:
		return b.Delay
	case BackoffLinear:
		if b.Step > 0 && b.Step > limit/time.Duration(attempt) {
			return limit
		}
		return min(b.Step*time.Duration(attempt), limit)
	case BackoffExponential:
		mult := b.Multiplier
		if mult < 1 {
			mult = 2
		}
		d := float64(b.Initial)
		for i := 1; i < attempt && d < float64(limit); i++ {
			d *= mult
		}
		if d >= float64(limit) {
			return limit
		}
		return time.Duration(d)
	default:
		return 0
	}
}

type RecoveryPolicy struct {
	Strategy    RecoveryStrategy `yaml:"strategy"`
	Backoff     Backoff          `yaml:"backoff"`
	MaxAttempts int              `yaml:"max_attempts"`
	Timeout     time.Duration    `yaml:"timeout,omitempty"`
}

type ProbeKind string

const (
	ProbeNone ProbeKind = "none"
	ProbeTCP  ProbeKind = "tcp"
	ProbeHTTP ProbeKind = "http"
)

type ProbeSpec struct {
	Kind   ProbeKind `yaml:"kind"`
	Target string    `yaml:"target,omitempty"`
}

type HealthCheck struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout,omitempty"`
	Probe    ProbeSpec     `yaml:"probe"`
}

type ResourceLimits struct {
	MaxThreads  int   `yaml:"max_threads,omitempty"`
	CPUPercent  int   `yaml:"cpu_percent,omitempty"`
	MemoryBytes int64 `yaml:"memory_bytes,omitempty"`
}

type BalanceStrategy string

const (
	BalanceRoundRobin         BalanceStrategy = "round_robin"
	BalanceLeastConnections   BalanceStrategy = "least_connections"
	BalanceWeightedRoundRobin BalanceStrategy = "weighted_round_robin"
	BalanceRandomWeighted     BalanceStrategy = "random_weighted"
	BalanceConsistentHash     BalanceStrategy = "consistent_hash"
)

var validBalanceStrategies = map[BalanceStrategy]bool{
	BalanceRoundRobin:         true,
	BalanceLeastConnections:   true,
	BalanceWeightedRoundRobin: true,
	BalanceRandomWeighted:     true,
	BalanceConsistentHash:     true,
}

func ParseBalanceStrategy(s string) (BalanceStrategy, error) {
	bs := BalanceStrategy(strings.ToLower(s))
	if !validBalanceStrategies[bs] {
		return "", Errorf(KindInvalidArgument, "parse strategy", "", "unknown balance strategy %q", s)
	}
	return bs, nil
}

type PoolEndpoint struct {
	Endpoint string `yaml:"endpoint"`
	Weight   int    `yaml:"weight,omitempty"`
}

type PoolSpec struct {
	Strategy  BalanceStrategy `yaml:"strategy"`
	Endpoints []PoolEndpoint  `yaml:"endpoints"`
	Trace     bool            `yaml:"trace,omitempty"`
}

// ServiceDescriptor is the static definition of a service, loaded from a unit file.
type ServiceDescriptor struct {
	Name             string         `yaml:"name"`
	DisplayName      string         `yaml:"display_name,omitempty"`
	Type             ServiceType    `yaml:"type"`
	DependsOn        []string       `yaml:"depends_on,omitempty"`
	Priority         Priority       `yaml:"priority"`
	Instances        int            `yaml:"instances"`
	Affinity         []CPUID        `yaml:"affinity,omitempty"`
	Limits           ResourceLimits `yaml:"limits,omitempty"`
	Isolation        IsolationLevel `yaml:"isolation,omitempty"`
	Recovery         RecoveryPolicy `yaml:"recovery"`
	Health           HealthCheck    `yaml:"health"`
	Pool             *PoolSpec      `yaml:"pool,omitempty"`
	ReloadCapable    bool           `yaml:"reload_capable,omitempty"`
	AtomicGroupStart bool           `yaml:"atomic_group_start,omitempty"`
	Tags             []string       `yaml:"tags,omitempty"`
}

// WithDefaults fills zero fields with the values a bare unit file implies.
func (d ServiceDescriptor) WithDefaults() ServiceDescriptor {
	if d.DisplayName == "" {
		d.DisplayName = d.Name
	}
	if d.Type == "" {
		d.Type = ServiceTypeDaemon
	}
	if d.Instances == 0 {
		d.Instances = 1
	}
	if d.Isolation == "" {
		d.Isolation = IsolationProcess
	}
	if d.Recovery.Strategy == "" {
		d.Recovery.Strategy = RecoveryRestart
	}
	if d.Recovery.Backoff.Kind == "" {
		d.Recovery.Backoff.Kind = BackoffNone
	}
	if d.Recovery.MaxAttempts == 0 {
		d.Recovery.MaxAttempts = 3
	}
	if d.Health.Interval == 0 {
		d.Health.Interval = 10 * time.Second
	}
	if d.Health.Probe.Kind == "" {
		d.Health.Probe.Kind = ProbeNone
	}
	if d.Pool != nil && d.Pool.Strategy == "" {
		d.Pool.Strategy = BalanceRoundRobin
	}
	return d
}

// Validate checks field-level constraints. It does not look at other services.
func (d ServiceDescriptor) Validate() error {
	errs := &ValidationErrors{}
	if strings.TrimSpace(d.Name) == "" {
		errs.Add("name", "must not be empty")
	} else if strings.ContainsAny(d.Name, " /\t\n") {
		errs.Add("name", fmt.Sprintf("must not contain whitespace or '/': %q", d.Name))
	}
	if d.Type != "" && !validServiceTypes[d.Type] {
		errs.Add("type", fmt.Sprintf("unknown service type %q", d.Type))
	}
	if !d.Priority.Valid() {
		errs.Add("priority", fmt.Sprintf("out of range: %d", d.Priority))
	}
	if d.Instances < 0 {
		errs.Add("instances", "must be >= 0")
	}
	if d.Limits.MaxThreads > 0 && d.Instances > d.Limits.MaxThreads {
		errs.Add("instances", fmt.Sprintf("exceeds limits.max_threads (%d > %d)", d.Instances, d.Limits.MaxThreads))
	}
	seen := make(map[string]bool, len(d.DependsOn))
	for i, dep := range d.DependsOn {
		switch {
		case dep == d.Name:
			errs.Add(fmt.Sprintf("depends_on[%d]", i), "self-reference is not allowed")
		case seen[dep]:
			errs.Add(fmt.Sprintf("depends_on[%d]", i), fmt.Sprintf("duplicate dependency %q", dep))
		case strings.TrimSpace(dep) == "":
			errs.Add(fmt.Sprintf("depends_on[%d]", i), "must not be empty")
		}
		seen[dep] = true
	}
	for i, c := range d.Affinity {
		if c < 0 {
			errs.Add(fmt.Sprintf("affinity[%d]", i), fmt.Sprintf("invalid cpu %d", c))
		}
	}
	switch d.Recovery.Strategy {
	case "", RecoveryNone, RecoveryRestart, RecoveryRestartWithDelay, RecoveryFailover, RecoveryEscalate:
	default:
		errs.Add("recovery.strategy", fmt.Sprintf("unknown strategy %q", d.Recovery.Strategy))
	}
	if d.Recovery.MaxAttempts < 0 {
		errs.Add("recovery.max_attempts", "must be >= 0")
	}
	b := d.Recovery.Backoff
	switch b.Kind {
	case "", BackoffNone:
	case BackoffFixed:
		if b.Delay <= 0 {
			errs.Add("recovery.backoff.delay", "must be > 0 for fixed backoff")
		}
	case BackoffLinear:
		if b.Step <= 0 {
			errs.Add("recovery.backoff.step", "must be > 0 for linear backoff")
		}
	case BackoffExponential:
		if b.Initial <= 0 {
			errs.Add("recovery.backoff.initial", "must be > 0 for exponential backoff")
		}
		if b.Cap > 0 && b.Cap < b.Initial {
			errs.Add("recovery.backoff.cap", "must be >= initial")
		}
	default:
		errs.Add("recovery.backoff.kind", fmt.Sprintf("unknown backoff %q", b.Kind))
	}
	if d.Health.Interval < 0 {
		errs.Add("health.interval", "must be >= 0")
	}
	switch d.Health.Probe.Kind {
	case "", ProbeNone:
	case ProbeTCP, ProbeHTTP:
		if d.Health.Probe.Target == "" {
			errs.Add("health.probe.target", "required for "+string(d.Health.Probe.Kind)+" probe")
		}
	default:
		errs.Add("health.probe.kind", fmt.Sprintf("unknown probe kind %q", d.Health.Probe.Kind))
	}
	if d.Pool != nil {
		if d.Pool.Strategy != "" && !validBalanceStrategies[d.Pool.Strategy] {
			errs.Add("pool.strategy", fmt.Sprintf("unknown strategy %q", d.Pool.Strategy))
		}
		for i, ep := range d.Pool.Endpoints {
			if ep.Endpoint == "" {
				errs.Add(fmt.Sprintf("pool.endpoints[%d].endpoint", i), "must not be empty")
			}
			if ep.Weight < 0 {
				errs.Add(fmt.Sprintf("pool.endpoints[%d].weight", i), "must be >= 0")
			}
		}
	}
	return errs.OrNil()
}
