package configstore

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/msageha/orbit/internal/model"
)

type field struct {
	get func(*model.ServiceConfig) model.Value
	set func(*model.ServiceConfig, model.Value) error
}

// fields maps the fixed dotted keys of a service configuration. Map-valued sections
// (settings, environment, secrets) are handled separately.
var fields = map[string]field{
	"version": {
		get: func(c *model.ServiceConfig) model.Value { return model.IntValue(int64(c.Version)) },
	},
	"network.bind_address": stringField(func(c *model.ServiceConfig) *string { return &c.Network.BindAddress }),
	"network.bind_port":    intField(func(c *model.ServiceConfig) *int { return &c.Network.BindPort }),
	"network.protocol":     stringField(func(c *model.ServiceConfig) *string { return &c.Network.Protocol }),
	"network.max_connections": intField(func(c *model.ServiceConfig) *int {
		return &c.Network.MaxConnections
	}),
	"logging.level":  stringField(func(c *model.ServiceConfig) *string { return &c.Logging.Level }),
	"logging.format": stringField(func(c *model.ServiceConfig) *string { return &c.Logging.Format }),
	"monitoring.health_check_enabled": {
		get: func(c *model.ServiceConfig) model.Value { return model.BoolValue(c.Monitoring.HealthCheckEnabled) },
		set: func(c *model.ServiceConfig, v model.Value) error {
			b, ok := v.AsBool()
			if !ok {
				return typeMismatch("monitoring.health_check_enabled", model.ValueBoolean, v)
			}
			c.Monitoring.HealthCheckEnabled = b
			return nil
		},
	},
	"monitoring.health_interval": durationField("monitoring.health_interval", func(c *model.ServiceConfig) *time.Duration {
		return &c.Monitoring.HealthInterval
	}),
	"monitoring.health_timeout": durationField("monitoring.health_timeout", func(c *model.ServiceConfig) *time.Duration {
		return &c.Monitoring.HealthTimeout
	}),
	"security.user":  stringField(func(c *model.ServiceConfig) *string { return &c.Security.User }),
	"security.group": stringField(func(c *model.ServiceConfig) *string { return &c.Security.Group }),
	"security.capabilities": {
		get: func(c *model.ServiceConfig) model.Value {
			vs := make([]model.Value, len(c.Security.Capabilities))
			for i, name := range c.Security.Capabilities {
				vs[i] = model.StringValue(name)
			}
			return model.ArrayValue(vs...)
		},
		set: func(c *model.ServiceConfig, v model.Value) error {
			if s, ok := v.AsString(); ok {
				c.Security.Capabilities = splitList(s)
				return nil
			}
			arr, ok := v.AsArray()
			if !ok {
				return typeMismatch("security.capabilities", model.ValueArray, v)
			}
			caps := make([]string, 0, len(arr))
			for _, e := range arr {
				s, ok := e.AsString()
				if !ok {
					return typeMismatch("security.capabilities[]", model.ValueString, e)
				}
				caps = append(caps, s)
			}
			c.Security.Capabilities = caps
			return nil
		},
	},
	"resources.cpu_limit": {
		get: func(c *model.ServiceConfig) model.Value { return model.FloatValue(c.Resources.CPULimit) },
		set: func(c *model.ServiceConfig, v model.Value) error {
			f, ok := v.AsFloat()
			if !ok {
				return typeMismatch("resources.cpu_limit", model.ValueFloat, v)
			}
			c.Resources.CPULimit = f
			return nil
		},
	},
	"resources.memory_limit": {
		get: func(c *model.ServiceConfig) model.Value { return model.IntValue(c.Resources.MemoryLimit) },
		set: func(c *model.ServiceConfig, v model.Value) error {
			i, ok := v.AsInt()
			if !ok {
				return typeMismatch("resources.memory_limit", model.ValueInteger, v)
			}
			c.Resources.MemoryLimit = i
			return nil
		},
	},
	"resources.thread_limit": intField(func(c *model.ServiceConfig) *int { return &c.Resources.ThreadLimit }),
	"resources.nice_level":   intField(func(c *model.ServiceConfig) *int { return &c.Resources.NiceLevel }),
}

func stringField(ptr func(*model.ServiceConfig) *string) field {
	return field{
		get: func(c *model.ServiceConfig) model.Value { return model.StringValue(*ptr(c)) },
		set: func(c *model.ServiceConfig, v model.Value) error {
			*ptr(c) = v.String()
			return nil
		},
	}
}

func intField(ptr func(*model.ServiceConfig) *int) field {
	return field{
		get: func(c *model.ServiceConfig) model.Value { return model.IntValue(int64(*ptr(c))) },
		set: func(c *model.ServiceConfig, v model.Value) error {
			i, ok := v.AsInt()
			if !ok {
				return model.Errorf(model.KindInvalidArgument, "config put", "", "expected integer, got %s", v.Type)
			}
			*ptr(c) = int(i)
			return nil
		},
	}
}

// durationField accepts Go duration text ("5s") or an integer number of milliseconds.
func durationField(key string, ptr func(*model.ServiceConfig) *time.Duration) field {
	return field{
		get: func(c *model.ServiceConfig) model.Value { return model.StringValue(ptr(c).String()) },
		set: func(c *model.ServiceConfig, v model.Value) error {
			if ms, ok := v.AsInt(); ok {
				*ptr(c) = time.Duration(ms) * time.Millisecond
				return nil
			}
			s, ok := v.AsString()
			if !ok {
				return typeMismatch(key, model.ValueString, v)
			}
			d, err := time.ParseDuration(s)
			if err != nil {
				return model.Wrap(model.KindInvalidArgument, "config put", key, err)
			}
			*ptr(c) = d
			return nil
		},
	}
}

func typeMismatch(key string, want model.ValueType, got model.Value) error {
	return model.Errorf(model.KindInvalidArgument, "config put", key, "expected %s, got %s", want, got.Type)
}

func unknownKey(op, key string) error {
	return model.Errorf(model.KindInvalidArgument, op, key, "unknown configuration key")
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// splitKey separates a map section prefix from the rest of the key.
func splitKey(key string) (section, rest string) {
	section, rest, _ = strings.Cut(key, ".")
	return section, rest
}

func getPath(c *model.ServiceConfig, key string) (model.Value, error) {
	if f, ok := fields[key]; ok {
		return f.get(c), nil
	}
	section, rest := splitKey(key)
	if rest == "" {
		return model.Value{}, unknownKey("config get", key)
	}
	switch section {
	case "environment":
		if v, ok := c.Environment[rest]; ok {
			return model.StringValue(v), nil
		}
	case "secrets":
		if v, ok := c.Secrets[rest]; ok {
			return model.StringValue(v), nil
		}
	case "settings":
		parts := strings.Split(rest, ".")
		cur, ok := c.Settings[parts[0]]
		for _, p := range parts[1:] {
			if !ok {
				break
			}
			obj, isObj := cur.AsObject()
			if !isObj {
				ok = false
				break
			}
			cur, ok = obj[p]
		}
		if ok {
			return cur, nil
		}
	default:
		return model.Value{}, unknownKey("config get", key)
	}
	return model.Value{}, model.Errorf(model.KindNotFound, "config get", key, "key is not set")
}

func setPath(c *model.ServiceConfig, key string, v model.Value) error {
	if f, ok := fields[key]; ok {
		if f.set == nil {
			return model.Errorf(model.KindInvalidArgument, "config put", key, "key is read-only")
		}
		if err := f.set(c, v); err != nil {
			if e, ok := err.(*model.Error); ok && e.Subject == "" {
				e.Subject = key
			}
			return err
		}
		return nil
	}
	section, rest := splitKey(key)
	if rest == "" {
		return unknownKey("config put", key)
	}
	switch section {
	case "environment", "secrets":
		s, ok := v.AsString()
		if !ok {
			s = v.String()
		}
		if section == "environment" {
			if c.Environment == nil {
				c.Environment = make(map[string]string)
			}
			c.Environment[rest] = s
		} else {
			if c.Secrets == nil {
				c.Secrets = make(map[string]string)
			}
			c.Secrets[rest] = s
		}
		return nil
	case "settings":
		if c.Settings == nil {
			c.Settings = make(map[string]model.Value)
		}
		c.Settings = setNested(c.Settings, strings.Split(rest, "."), v)
		return nil
	}
	return unknownKey("config put", key)
}

// setNested writes v at parts inside m, copying each object on the way so that values shared
// with earlier clones are never mutated.
func setNested(m map[string]model.Value, parts []string, v model.Value) map[string]model.Value {
	out := make(map[string]model.Value, len(m)+1)
	for k, e := range m {
		out[k] = e
	}
	if len(parts) == 1 {
		out[parts[0]] = v
		return out
	}
	child, _ := out[parts[0]].AsObject()
	out[parts[0]] = model.ObjectValue(setNested(child, parts[1:], v))
	return out
}

func deletePath(c *model.ServiceConfig, key string) error {
	section, rest := splitKey(key)
	if rest == "" {
		return unknownKey("config delete", key)
	}
	var found bool
	switch section {
	case "environment":
		_, found = c.Environment[rest]
		delete(c.Environment, rest)
	case "secrets":
		_, found = c.Secrets[rest]
		delete(c.Secrets, rest)
	case "settings":
		parts := strings.Split(rest, ".")
		c.Settings, found = deleteNested(c.Settings, parts)
	default:
		return model.Errorf(model.KindInvalidArgument, "config delete", key, "only settings, environment and secrets keys can be deleted")
	}
	if !found {
		return model.Errorf(model.KindNotFound, "config delete", key, "key is not set")
	}
	return nil
}

func deleteNested(m map[string]model.Value, parts []string) (map[string]model.Value, bool) {
	cur, ok := m[parts[0]]
	if !ok {
		return m, false
	}
	out := make(map[string]model.Value, len(m))
	for k, e := range m {
		out[k] = e
	}
	if len(parts) == 1 {
		delete(out, parts[0])
		return out, true
	}
	child, isObj := cur.AsObject()
	if !isObj {
		return m, false
	}
	next, found := deleteNested(child, parts[1:])
	if !found {
		return m, false
	}
	out[parts[0]] = model.ObjectValue(next)
	return out, true
}

func listPaths(c *model.ServiceConfig) []string {
	var keys []string
	for k, f := range fields {
		if v := f.get(c); !isZero(v) {
			keys = append(keys, k)
		}
	}
	for k := range c.Environment {
		keys = append(keys, "environment."+k)
	}
	for k := range c.Secrets {
		keys = append(keys, "secrets."+k)
	}
	var walk func(prefix string, m map[string]model.Value)
	walk = func(prefix string, m map[string]model.Value) {
		for k, v := range m {
			if obj, ok := v.AsObject(); ok && len(obj) > 0 {
				walk(prefix+k+".", obj)
				continue
			}
			keys = append(keys, prefix+k)
		}
	}
	walk("settings.", c.Settings)
	sort.Strings(keys)
	return keys
}

func isZero(v model.Value) bool {
	switch v.Type {
	case model.ValueString:
		return v.Str == "" || v.Str == "0s"
	case model.ValueInteger:
		return v.Int == 0
	case model.ValueFloat:
		return v.Float == 0
	case model.ValueBoolean:
		return !v.Bool
	case model.ValueArray:
		return len(v.Array) == 0
	}
	return false
}

// IsSecret reports whether a dotted key addresses a secret and must be masked when rendered.
func IsSecret(key string) bool {
	return strings.HasPrefix(key, "secrets.")
}

// Masked renders v for display, hiding secrets.
func Masked(key string, v model.Value) string {
	if IsSecret(key) {
		return "********"
	}
	return fmt.Sprint(v)
}
