// Package status renders daemon replies for the CLI, as text tables or JSON.
package status

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/msageha/orbit/internal/events"
	"github.com/msageha/orbit/internal/model"
	"github.com/msageha/orbit/internal/sched"
	"github.com/msageha/orbit/internal/service"
)

// Daemon is the reply to ping.
type Daemon struct {
	Running  bool      `json:"running"`
	Pid      int       `json:"pid,omitempty"`
	Started  time.Time `json:"started,omitempty"`
	Policy   string    `json:"policy,omitempty"`
	CPUs     int       `json:"cpus,omitempty"`
	Services int       `json:"services,omitempty"`
	// EventsDropped counts trace events evicted from slow subscribers.
	EventsDropped uint64 `json:"events_dropped,omitempty"`
}

// ServiceDetail is the reply to svc.status.
type ServiceDetail struct {
	service.Info
	History []service.Sample  `json:"history,omitempty"`
	Faults  []service.Fault   `json:"faults,omitempty"`
	Config  map[string]string `json:"config,omitempty"`
}

// Top is the reply to sched.top.
type Top struct {
	Stats sched.Stats     `json:"stats"`
	CPUs  []sched.CPUInfo `json:"cpus"`
}

// WriteJSON writes v as indented JSON.
func WriteJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func PrintDaemon(w io.Writer, d Daemon) {
	if !d.Running {
		fmt.Fprintln(w, "Daemon: stopped")
		return
	}
	fmt.Fprintf(w, "Daemon: running (pid %d, up %s)\n", d.Pid, time.Since(d.Started).Truncate(time.Second))
	fmt.Fprintf(w, "Scheduler: %s on %d cpus\n", d.Policy, d.CPUs)
	fmt.Fprintf(w, "Services: %d\n", d.Services)
	if d.EventsDropped > 0 {
		fmt.Fprintf(w, "Dropped trace events: %d\n", d.EventsDropped)
	}
}

// PrintServices writes one row per service.
func PrintServices(w io.Writer, infos []service.Info) {
	if len(infos) == 0 {
		fmt.Fprintln(w, "no services registered")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tTYPE\tSTATE\tHEALTH\tINSTANCES\tENABLED\tGEN")
	for _, s := range infos {
		enabled := "yes"
		if !s.Enabled {
			enabled = "no"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\t%s\t%d\n",
			uint64(s.ID), s.Name, s.Type, s.State, s.Health, len(s.Instances), enabled, s.Generation)
	}
	_ = tw.Flush()
}

// PrintService writes the full status of one service.
func PrintService(w io.Writer, d ServiceDetail) {
	name := d.Name
	if d.DisplayName != "" && d.DisplayName != d.Name {
		name = fmt.Sprintf("%s (%s)", d.Name, d.DisplayName)
	}
	fmt.Fprintf(w, "%s %s\n", d.ID, name)
	fmt.Fprintf(w, "  type:       %s, priority %s\n", d.Type, d.Priority)
	fmt.Fprintf(w, "  state:      %s since %s (generation %d)\n", d.State, d.Since.Format(time.RFC3339), d.Generation)
	fmt.Fprintf(w, "  health:     %s (score %.0f)\n", d.Health, d.Score)
	if !d.Enabled {
		fmt.Fprintln(w, "  enabled:    no")
	}
	if len(d.DependsOn) > 0 {
		fmt.Fprintf(w, "  depends on: %s\n", strings.Join(d.DependsOn, ", "))
	}
	if d.Attempts > 0 || d.Escalated {
		fmt.Fprintf(w, "  recovery:   %d attempts", d.Attempts)
		if d.Escalated {
			fmt.Fprint(w, ", escalated")
		}
		fmt.Fprintln(w)
	}
	if d.LastError != "" {
		fmt.Fprintf(w, "  last error: %s\n", d.LastError)
	}

	if len(d.Instances) > 0 {
		fmt.Fprintln(w, "\nInstances:")
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "  ID\tTHREAD\tCPU\tSTATE\tENDPOINT")
		for _, inst := range d.Instances {
			fmt.Fprintf(tw, "  %d\t%d\t%s\t%s\t%s\n", uint64(inst.ID), uint64(inst.Thread), cpuLabel(inst.CPU), inst.ThreadState, inst.Endpoint)
		}
		_ = tw.Flush()
	}

	if len(d.Config) > 0 {
		fmt.Fprintf(w, "\nConfig (version %d):\n", d.ConfigVersion)
		keys := make([]string, 0, len(d.Config))
		for k := range d.Config {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "  %s = %s\n", k, d.Config[k])
		}
	}

	if len(d.History) > 0 {
		fmt.Fprintf(w, "\nHealth: %s\n", sparkline(d.History))
	}
	if len(d.Faults) > 0 {
		fmt.Fprintln(w, "\nFaults:")
		for _, f := range d.Faults {
			fmt.Fprintf(w, "  %s  %-20s %s\n", f.At.Format(time.RFC3339), f.Kind, f.Reason)
		}
	}
}

// sparkline renders the health window oldest first: + healthy, ~ degraded, x unhealthy.
func sparkline(history []service.Sample) string {
	var sb strings.Builder
	for _, s := range history {
		switch s.Status {
		case model.HealthHealthy:
			sb.WriteByte('+')
		case model.HealthDegraded:
			sb.WriteByte('~')
		case model.HealthUnhealthy:
			sb.WriteByte('x')
		default:
			sb.WriteByte('?')
		}
	}
	return sb.String()
}

// PrintTop writes per-CPU load, current thread and queue depth.
func PrintTop(w io.Writer, t Top) {
	fmt.Fprintf(w, "policy %s, %d threads, %d balance passes, %d migrations\n\n",
		t.Stats.Policy, t.Stats.Threads, t.Stats.BalancePasses, t.Stats.Migrations)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CPU\tSTATE\tLOAD\tCURRENT\tQUEUED (idle..crit)\tSLEEP\tSWITCHES\tPREEMPT\tIDLE%")
	for _, c := range t.CPUs {
		current := "-"
		if c.State == model.CPUOnline {
			current = c.CurrentName
			if c.Idle {
				current = "(idle)"
			}
		}
		bands := make([]string, len(c.Bands))
		for i, n := range c.Bands {
			bands[i] = fmt.Sprint(n)
		}
		idle := 0.0
		if c.Stats.Ticks > 0 {
			idle = 100 * float64(c.Stats.IdleTicks) / float64(c.Stats.Ticks)
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\t%d\t%d\t%d\t%.0f\n",
			int(c.ID), c.State, c.Load, current, strings.Join(bands, "/"), c.Sleepers,
			c.Stats.ContextSwitches, c.Stats.Preemptions, idle)
	}
	_ = tw.Flush()
}

// PrintThreads writes one row per thread, idle threads included.
func PrintThreads(w io.Writer, threads []sched.ThreadInfo) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TID\tNAME\tSTATE\tPRIO\tBAND\tCPU\tAFFINITY\tCPU TIME")
	for _, t := range threads {
		band := t.Band.String()
		if t.Aged {
			band += "*"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			uint64(t.ID), t.Name, t.State, t.Priority, band, cpuLabel(t.CPU), t.Affinity, t.CPUTime)
	}
	_ = tw.Flush()
}

// PrintLogs writes journal entries one per line, oldest first.
func PrintLogs(w io.Writer, entries []events.Entry) {
	for _, e := range entries {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, e.Details[k]))
		}
		fmt.Fprintf(w, "%s %-20s %s %s\n", e.Timestamp.Format(time.RFC3339), e.EventType, e.Subject, strings.Join(parts, " "))
	}
}

func cpuLabel(c model.CPUID) string {
	if c == model.NoCPU {
		return "-"
	}
	return fmt.Sprint(int(c))
}
