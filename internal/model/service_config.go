package model

import (
	"fmt"
	"net"
	"time"
)

type NetworkConfig struct {
	BindAddress    string `yaml:"bind_address,omitempty"`
	BindPort       int    `yaml:"bind_port,omitempty"`
	Protocol       string `yaml:"protocol,omitempty"`
	MaxConnections int    `yaml:"max_connections,omitempty"`
}

type LoggingSettings struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}

type MonitoringConfig struct {
	HealthCheckEnabled bool          `yaml:"health_check_enabled"`
	HealthInterval     time.Duration `yaml:"health_interval,omitempty"`
	HealthTimeout      time.Duration `yaml:"health_timeout,omitempty"`
}

type SecurityConfig struct {
	User         string   `yaml:"user,omitempty"`
	Group        string   `yaml:"group,omitempty"`
	Capabilities []string `yaml:"capabilities,omitempty"`
}

type ResourceConfig struct {
	CPULimit    float64 `yaml:"cpu_limit,omitempty"`
	MemoryLimit int64   `yaml:"memory_limit,omitempty"`
	ThreadLimit int     `yaml:"thread_limit,omitempty"`
	NiceLevel   int     `yaml:"nice_level,omitempty"`
}

// ServiceConfig is the runtime-tunable configuration of a service. Version increments on every change.
// Secrets hold opaque references and are never rendered.
type ServiceConfig struct {
	Version     int               `yaml:"version"`
	Settings    map[string]Value  `yaml:"settings,omitempty"`
	Environment map[string]string `yaml:"environment,omitempty"`
	Secrets     map[string]string `yaml:"secrets,omitempty"`
	Network     NetworkConfig     `yaml:"network,omitempty"`
	Logging     LoggingSettings   `yaml:"logging,omitempty"`
	Monitoring  MonitoringConfig  `yaml:"monitoring,omitempty"`
	Security    SecurityConfig    `yaml:"security,omitempty"`
	Resources   ResourceConfig    `yaml:"resources,omitempty"`
}

func (c ServiceConfig) Validate() error {
	errs := &ValidationErrors{}
	if c.Network.BindPort != 0 && (c.Network.BindPort < 1 || c.Network.BindPort > 65535) {
		errs.Add("network.bind_port", fmt.Sprintf("out of range: %d", c.Network.BindPort))
	}
	if c.Network.BindAddress != "" && net.ParseIP(c.Network.BindAddress) == nil && c.Network.BindAddress != "localhost" {
		errs.Add("network.bind_address", fmt.Sprintf("not an IP address: %q", c.Network.BindAddress))
	}
	if c.Network.MaxConnections < 0 {
		errs.Add("network.max_connections", "must be >= 0")
	}
	if c.Monitoring.HealthCheckEnabled && c.Monitoring.HealthInterval <= 0 {
		errs.Add("monitoring.health_interval", "must be > 0 when health checks are enabled")
	}
	if c.Resources.ThreadLimit < 0 {
		errs.Add("resources.thread_limit", "must be >= 0")
	}
	if c.Resources.CPULimit < 0 || c.Resources.CPULimit > 100 {
		errs.Add("resources.cpu_limit", fmt.Sprintf("must be within 0-100, got %v", c.Resources.CPULimit))
	}
	if c.Resources.NiceLevel < -20 || c.Resources.NiceLevel > 19 {
		errs.Add("resources.nice_level", fmt.Sprintf("must be within -20..19, got %d", c.Resources.NiceLevel))
	}
	return errs.OrNil()
}

// Clone returns a deep copy safe to mutate.
func (c ServiceConfig) Clone() ServiceConfig {
	out := c
	if c.Settings != nil {
		out.Settings = make(map[string]Value, len(c.Settings))
		for k, v := range c.Settings {
			out.Settings[k] = v
		}
	}
	if c.Environment != nil {
		out.Environment = make(map[string]string, len(c.Environment))
		for k, v := range c.Environment {
			out.Environment[k] = v
		}
	}
	if c.Secrets != nil {
		out.Secrets = make(map[string]string, len(c.Secrets))
		for k, v := range c.Secrets {
			out.Secrets[k] = v
		}
	}
	out.Security.Capabilities = append([]string(nil), c.Security.Capabilities...)
	return out
}

// UnitFile is the on-disk form of a service: its descriptor plus initial configuration.
type UnitFile struct {
	SchemaVersion int               `yaml:"schema_version"`
	FileType      string            `yaml:"file_type"`
	Enabled       *bool             `yaml:"enabled,omitempty"`
	Service       ServiceDescriptor `yaml:"service"`
	Config        ServiceConfig     `yaml:"config,omitempty"`
}

const UnitFileType = "service_unit"
