// Package model defines the data structures shared by orbit's scheduler, service manager and CLI.
package model

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Balancer  BalancerConfig  `yaml:"balancer"`
	Services  ServicesConfig  `yaml:"services"`
	Events    EventsConfig    `yaml:"events"`
	Daemon    DaemonConfig    `yaml:"daemon"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type SchedulerConfig struct {
	CPUs                int            `yaml:"cpus"`
	Policy              string         `yaml:"policy"`
	TickMs              int            `yaml:"tick_ms"`
	AgingThresholdTicks int            `yaml:"aging_threshold_ticks"`
	MLFQResetTicks      int            `yaml:"mlfq_reset_ticks"`
	Quanta              map[string]int `yaml:"quanta,omitempty"`
	MaxThreads          int            `yaml:"max_threads"`
}

type BalancerConfig struct {
	IntervalMs int   `yaml:"interval_ms"`
	Enabled    *bool `yaml:"enabled,omitempty"`
}

// IsEnabled reports whether the CPU balancer runs. Unset means enabled.
func (b BalancerConfig) IsEnabled() bool {
	return b.Enabled == nil || *b.Enabled
}

type ServicesConfig struct {
	UnitsDir           string `yaml:"units_dir"`
	MaxServices        int    `yaml:"max_services"`
	HealthWindow       int    `yaml:"health_window"`
	UnhealthyThreshold int    `yaml:"unhealthy_threshold"`
	StabilityWindow    int    `yaml:"stability_window"`
	ProbeTimeoutMs     int    `yaml:"probe_timeout_ms"`
	GracefulStopMs     int    `yaml:"graceful_stop_ms"`
	StartTimeoutMs     int    `yaml:"start_timeout_ms"`
}

type EventsConfig struct {
	Buffer          int   `yaml:"buffer"`
	JournalMaxBytes int64 `yaml:"journal_max_bytes"`
}

type DaemonConfig struct {
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

func (c SchedulerConfig) Tick() time.Duration {
	return time.Duration(c.TickMs) * time.Millisecond
}

func (c BalancerConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMs) * time.Millisecond
}

func (c ServicesConfig) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutMs) * time.Millisecond
}

func (c ServicesConfig) GracefulStop() time.Duration {
	return time.Duration(c.GracefulStopMs) * time.Millisecond
}

func (c ServicesConfig) StartTimeout() time.Duration {
	return time.Duration(c.StartTimeoutMs) * time.Millisecond
}

// WithDefaults replaces zero values with the documented defaults.
func (c Config) WithDefaults() Config {
	if c.Scheduler.CPUs == 0 {
		c.Scheduler.CPUs = 4
	}
	if c.Scheduler.Policy == "" {
		c.Scheduler.Policy = "rr"
	}
	if c.Scheduler.TickMs == 0 {
		c.Scheduler.TickMs = 10
	}
	if c.Scheduler.AgingThresholdTicks == 0 {
		c.Scheduler.AgingThresholdTicks = 100
	}
	if c.Scheduler.MLFQResetTicks == 0 {
		c.Scheduler.MLFQResetTicks = 1000
	}
	if c.Scheduler.MaxThreads == 0 {
		c.Scheduler.MaxThreads = 4096
	}
	if c.Balancer.IntervalMs == 0 {
		c.Balancer.IntervalMs = 100
	}
	if c.Services.UnitsDir == "" {
		c.Services.UnitsDir = "units"
	}
	if c.Services.MaxServices == 0 {
		c.Services.MaxServices = 256
	}
	if c.Services.HealthWindow == 0 {
		c.Services.HealthWindow = 32
	}
	if c.Services.UnhealthyThreshold == 0 {
		c.Services.UnhealthyThreshold = 3
	}
	if c.Services.StabilityWindow == 0 {
		c.Services.StabilityWindow = 3
	}
	if c.Services.ProbeTimeoutMs == 0 {
		c.Services.ProbeTimeoutMs = 2000
	}
	if c.Services.GracefulStopMs == 0 {
		c.Services.GracefulStopMs = 5000
	}
	if c.Services.StartTimeoutMs == 0 {
		c.Services.StartTimeoutMs = 30000
	}
	if c.Events.Buffer == 0 {
		c.Events.Buffer = 256
	}
	if c.Events.JournalMaxBytes == 0 {
		c.Events.JournalMaxBytes = 10 * 1024 * 1024
	}
	if c.Daemon.ShutdownTimeoutSec == 0 {
		c.Daemon.ShutdownTimeoutSec = 30
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	return c
}

func (c Config) Validate() error {
	errs := &ValidationErrors{}
	if c.Scheduler.CPUs < 1 || c.Scheduler.CPUs > MaxCPUs {
		errs.Add("scheduler.cpus", fmt.Sprintf("must be within 1-%d, got %d", MaxCPUs, c.Scheduler.CPUs))
	}
	switch strings.ToLower(c.Scheduler.Policy) {
	case "rr", "fp", "mlfq", "edf":
	default:
		errs.Add("scheduler.policy", fmt.Sprintf("unknown policy %q", c.Scheduler.Policy))
	}
	if c.Scheduler.TickMs < 1 {
		errs.Add("scheduler.tick_ms", "must be >= 1")
	}
	for band, q := range c.Scheduler.Quanta {
		if _, err := ParsePriority(band); err != nil {
			errs.Add("scheduler.quanta."+band, "unknown priority band")
		} else if q < 1 {
			errs.Add("scheduler.quanta."+band, "must be >= 1")
		}
	}
	if c.Scheduler.MaxThreads < 1 {
		errs.Add("scheduler.max_threads", "must be >= 1")
	}
	if c.Services.UnhealthyThreshold > c.Services.HealthWindow {
		errs.Add("services.unhealthy_threshold", "must not exceed services.health_window")
	}
	if c.Events.Buffer < 1 {
		errs.Add("events.buffer", "must be >= 1")
	}
	return errs.OrNil()
}
