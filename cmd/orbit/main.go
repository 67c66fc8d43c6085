package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/msageha/orbit/internal/daemon"
	"github.com/msageha/orbit/internal/events"
	"github.com/msageha/orbit/internal/model"
	"github.com/msageha/orbit/internal/pool"
	"github.com/msageha/orbit/internal/sched"
	"github.com/msageha/orbit/internal/service"
	"github.com/msageha/orbit/internal/setup"
	"github.com/msageha/orbit/internal/status"
	"github.com/msageha/orbit/internal/uds"
)

const version = "1.0.0"

// dirEnv overrides the search for .orbit/.
const dirEnv = "ORBIT_DIR"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

type cli struct {
	stdout io.Writer
	stderr io.Writer
	json   bool
}

// usageError is a command-line mistake: exit 1 with a usage hint.
type usageError string

func (e usageError) Error() string { return string(e) }

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsage(stderr)
		return 1
	}
	c := &cli{stdout: stdout, stderr: stderr}
	args = c.stripGlobalFlags(args)

	var err error
	switch args[0] {
	case "daemon":
		err = c.runDaemon(args[1:])
	case "setup":
		err = c.runSetup(args[1:])
	case "status":
		err = c.runStatus(args[1:])
	case "shutdown":
		err = c.call("shutdown", nil, nil)
	case "svc":
		err = c.runSvc(args[1:])
	case "sched":
		err = c.runSched(args[1:])
	case "cpu":
		err = c.runCPU(args[1:])
	case "version":
		fmt.Fprintf(stdout, "orbit %s\n", version)
	case "help", "--help", "-h":
		printUsage(stdout)
	default:
		err = usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
	return c.exit(err)
}

func (c *cli) exit(err error) int {
	if err == nil {
		return 0
	}
	if u, ok := err.(usageError); ok {
		fmt.Fprintf(c.stderr, "%s\n\n", u)
		printUsage(c.stderr)
		return 1
	}
	fmt.Fprintf(c.stderr, "orbit: %v\n", err)
	return model.ExitCode(err)
}

// stripGlobalFlags removes --json from anywhere in args.
func (c *cli) stripGlobalFlags(args []string) []string {
	out := args[:0:0]
	for _, a := range args {
		if a == "--json" {
			c.json = true
			continue
		}
		out = append(out, a)
	}
	if len(out) == 0 {
		return []string{"help"}
	}
	return out
}

// flagValue returns the value following args[i], or a usage error.
func flagValue(args []string, i int) (string, error) {
	if i+1 >= len(args) {
		return "", usageError(fmt.Sprintf("%s requires a value", args[i]))
	}
	return args[i+1], nil
}

func findOrbitDir() (string, error) {
	if dir := os.Getenv(dirEnv); dir != "" {
		return dir, nil
	}
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		candidate := filepath.Join(dir, setup.DirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", model.Errorf(model.KindNotFound, "find state dir", setup.DirName,
				"directory not found. Run 'orbit setup <dir>' first")
		}
		dir = parent
	}
}

func (c *cli) client() (*uds.Client, error) {
	dir, err := findOrbitDir()
	if err != nil {
		return nil, err
	}
	return uds.NewClient(filepath.Join(dir, uds.DefaultSocketName)), nil
}

func (c *cli) call(command string, params, out any) error {
	client, err := c.client()
	if err != nil {
		return err
	}
	return client.Call(command, params, out)
}

// show prints v as JSON under --json, otherwise through render.
func show[T any](c *cli, v T, render func(io.Writer, T)) error {
	if c.json {
		return status.WriteJSON(c.stdout, v)
	}
	render(c.stdout, v)
	return nil
}

func (c *cli) runDaemon(_ []string) error {
	dir, err := findOrbitDir()
	if err != nil {
		return err
	}
	cfg, err := daemon.LoadConfig(dir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	d, err := daemon.New(dir, cfg)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	return d.Run()
}

func (c *cli) runSetup(args []string) error {
	var (
		dir  string
		opts setup.Options
	)
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--cpus":
			v, err := flagValue(args, i)
			if err != nil {
				return err
			}
			i++
			n, err := strconv.Atoi(v)
			if err != nil {
				return usageError(fmt.Sprintf("invalid --cpus value: %s", v))
			}
			opts.CPUs = n
		case "--policy":
			v, err := flagValue(args, i)
			if err != nil {
				return err
			}
			i++
			opts.Policy = v
		default:
			if dir != "" {
				return usageError("usage: orbit setup <dir> [--cpus N] [--policy rr|fp|mlfq|edf]")
			}
			dir = args[i]
		}
	}
	if dir == "" {
		return usageError("usage: orbit setup <dir> [--cpus N] [--policy rr|fp|mlfq|edf]")
	}
	base, err := setup.Run(dir, opts)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "Initialized %s\n", base)
	return nil
}

func (c *cli) runStatus(_ []string) error {
	var d status.Daemon
	if err := c.call("ping", nil, &d); err != nil {
		if model.KindOf(err) == model.KindInternal && !c.json {
			status.PrintDaemon(c.stdout, status.Daemon{})
		}
		return err
	}
	return show(c, d, status.PrintDaemon)
}

func (c *cli) runSvc(args []string) error {
	if len(args) < 1 {
		return usageError("usage: orbit svc <list|status|start|stop|restart|reload|enable|disable|reset|probe|logs|config|select> ...")
	}
	sub, rest := args[0], args[1:]
	switch sub {
	case "list":
		return c.svcList(rest)
	case "status":
		name, err := oneName(sub, rest)
		if err != nil {
			return err
		}
		var d status.ServiceDetail
		if err := c.call("svc.status", daemon.ServiceParams{Name: name}, &d); err != nil {
			return err
		}
		return show(c, d, status.PrintService)
	case "start", "stop", "restart", "reload", "enable", "disable", "reset":
		name, err := oneName(sub, rest)
		if err != nil {
			return err
		}
		var info service.Info
		if err := c.call("svc."+sub, daemon.ServiceParams{Name: name}, &info); err != nil {
			return err
		}
		return show(c, info, func(w io.Writer, info service.Info) {
			fmt.Fprintf(w, "%s: %s (generation %d)\n", info.Name, info.State, info.Generation)
		})
	case "probe":
		name, err := oneName(sub, rest)
		if err != nil {
			return err
		}
		var res service.Result
		if err := c.call("svc.probe", daemon.ServiceParams{Name: name}, &res); err != nil {
			return err
		}
		return show(c, res, func(w io.Writer, r service.Result) {
			fmt.Fprintf(w, "%s: %s in %s", name, r.Status, r.Latency)
			if r.Reason != "" {
				fmt.Fprintf(w, " (%s)", r.Reason)
			}
			fmt.Fprintln(w)
		})
	case "logs":
		return c.svcLogs(rest)
	case "config":
		return c.svcConfig(rest)
	case "select":
		return c.svcSelect(rest)
	default:
		return usageError(fmt.Sprintf("unknown svc subcommand: %s", sub))
	}
}

func oneName(sub string, args []string) (string, error) {
	if len(args) != 1 {
		return "", usageError(fmt.Sprintf("usage: orbit svc %s <name>", sub))
	}
	return args[0], nil
}

func (c *cli) svcList(args []string) error {
	var p daemon.ListParams
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--state", "--type", "--tag":
			v, err := flagValue(args, i)
			if err != nil {
				return err
			}
			switch args[i] {
			case "--state":
				p.State = v
			case "--type":
				p.Type = v
			default:
				p.Tag = v
			}
			i++
		case "--enabled":
			p.EnabledOnly = true
		default:
			return usageError(fmt.Sprintf("unknown flag: %s\nusage: orbit svc list [--state S] [--type T] [--tag T] [--enabled]", args[i]))
		}
	}
	var infos []service.Info
	if err := c.call("svc.list", p, &infos); err != nil {
		return err
	}
	return show(c, infos, status.PrintServices)
}

func (c *cli) svcLogs(args []string) error {
	var p daemon.LogsParams
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-n", "--lines":
			v, err := flagValue(args, i)
			if err != nil {
				return err
			}
			i++
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return usageError(fmt.Sprintf("invalid %s value: %s", args[i-1], v))
			}
			p.Lines = n
		default:
			if p.Name != "" {
				return usageError("usage: orbit svc logs [name] [-n N]")
			}
			p.Name = args[i]
		}
	}
	var entries []events.Entry
	err := c.call("svc.logs", p, &entries)
	if model.KindOf(err) == model.KindInternal {
		entries, err = readJournal(p)
	}
	if err != nil {
		return err
	}
	return show(c, entries, status.PrintLogs)
}

// readJournal serves svc logs from the journal file when the daemon is not answering.
func readJournal(p daemon.LogsParams) ([]events.Entry, error) {
	dir, err := findOrbitDir()
	if err != nil {
		return nil, err
	}
	n := p.Lines
	if n == 0 {
		n = daemon.DefaultLogLines
	}
	return events.ReadJournal(daemon.JournalPath(dir), p.Name, n)
}

func (c *cli) svcConfig(args []string) error {
	const usage = "usage: orbit svc config <get <name> [key] | set <name> <key> <value> | unset <name> <key>>"
	if len(args) < 2 {
		return usageError(usage)
	}
	p := daemon.ConfigParams{Name: args[1]}
	switch {
	case args[0] == "get" && len(args) <= 3:
		if len(args) == 3 {
			p.Key = args[2]
		}
		var entries []daemon.ConfigEntry
		if err := c.call("svc.config.get", p, &entries); err != nil {
			return err
		}
		return show(c, entries, func(w io.Writer, entries []daemon.ConfigEntry) {
			for _, e := range entries {
				fmt.Fprintf(w, "%s = %s\n", e.Key, e.Value)
			}
		})
	case args[0] == "set" && len(args) == 4:
		p.Key, p.Value = args[2], args[3]
		return c.configChange("svc.config.set", p)
	case args[0] == "unset" && len(args) == 3:
		p.Key = args[2]
		return c.configChange("svc.config.unset", p)
	default:
		return usageError(usage)
	}
}

func (c *cli) configChange(command string, p daemon.ConfigParams) error {
	var out map[string]int
	if err := c.call(command, p, &out); err != nil {
		return err
	}
	return show(c, out, func(w io.Writer, out map[string]int) {
		fmt.Fprintf(w, "%s: config version %d\n", p.Name, out["version"])
	})
}

func (c *cli) svcSelect(args []string) error {
	var p daemon.SelectParams
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--key":
			v, err := flagValue(args, i)
			if err != nil {
				return err
			}
			i++
			p.Key = v
		default:
			if p.Name != "" {
				return usageError("usage: orbit svc select <name> [--key K]")
			}
			p.Name = args[i]
		}
	}
	if p.Name == "" {
		return usageError("usage: orbit svc select <name> [--key K]")
	}
	var out selectReply
	if err := c.call("svc.select", p, &out); err != nil {
		return err
	}
	return show(c, out, func(w io.Writer, out selectReply) {
		fmt.Fprintf(w, "instance:%d %s\n", uint64(out.Instance.ID), out.Instance.Endpoint)
	})
}

type selectReply struct {
	Instance pool.Instance   `json:"instance"`
	Pool     []pool.Instance `json:"pool"`
}

func (c *cli) runSched(args []string) error {
	if len(args) < 1 {
		return usageError("usage: orbit sched <top|threads|set-policy> ...")
	}
	switch args[0] {
	case "top":
		var top status.Top
		if err := c.call("sched.top", nil, &top); err != nil {
			return err
		}
		return show(c, top, status.PrintTop)
	case "threads":
		var threads []sched.ThreadInfo
		if err := c.call("sched.threads", nil, &threads); err != nil {
			return err
		}
		return show(c, threads, status.PrintThreads)
	case "set-policy":
		if len(args) != 2 {
			return usageError("usage: orbit sched set-policy <rr|fp|mlfq|edf>")
		}
		var st sched.Stats
		if err := c.call("sched.set_policy", daemon.PolicyParams{Policy: args[1]}, &st); err != nil {
			return err
		}
		return show(c, st, func(w io.Writer, st sched.Stats) {
			fmt.Fprintf(w, "policy %s\n", st.Policy)
		})
	default:
		return usageError(fmt.Sprintf("unknown sched subcommand: %s", args[0]))
	}
}

func (c *cli) runCPU(args []string) error {
	if len(args) != 2 || (args[0] != "online" && args[0] != "offline") {
		return usageError("usage: orbit cpu <online|offline> <id>")
	}
	id, err := strconv.Atoi(args[1])
	if err != nil {
		return usageError(fmt.Sprintf("invalid cpu id: %s", args[1]))
	}
	var cpus []sched.CPUInfo
	if err := c.call("cpu."+args[0], daemon.CPUParams{CPU: id}, &cpus); err != nil {
		return err
	}
	return show(c, cpus, func(w io.Writer, _ []sched.CPUInfo) {
		fmt.Fprintf(w, "cpu %d %s\n", id, args[0])
	})
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `orbit %s: thread scheduler and service manager

Usage: orbit <command> [options] [--json]

Daemon:
  setup <dir> [--cpus N] [--policy P]   Initialize .orbit/ directory
  daemon                                Run daemon process
  status                                Show daemon status
  shutdown                              Stop the daemon

Services:
  svc list [--state S] [--type T] [--tag T] [--enabled]
  svc status <name>
  svc start|stop|restart|reload <name>
  svc enable|disable <name>
  svc reset <name>                      Clear recovery attempts and escalation
  svc probe <name>                      Run the health probe now
  svc logs [name] [-n N]
  svc config get <name> [key]
  svc config set <name> <key> <value>
  svc config unset <name> <key>
  svc select <name> [--key K]           Route one request through the instance pool

Scheduler:
  sched top                             Per-CPU load and current thread
  sched threads
  sched set-policy <rr|fp|mlfq|edf>
  cpu online|offline <id>

Utilities:
  version           Show version
  help              Show this help

Exit codes: 0 ok, 1 user error, 2 operation refused, 3 timeout, 4 internal error.
`, version)
}
