// Package daemon runs the orbit daemon: it owns the scheduler, the process table and the
// service manager, loads unit files, and serves the CLI over a Unix socket.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/msageha/orbit/internal/configstore"
	"github.com/msageha/orbit/internal/events"
	"github.com/msageha/orbit/internal/lock"
	"github.com/msageha/orbit/internal/logging"
	"github.com/msageha/orbit/internal/model"
	"github.com/msageha/orbit/internal/platform"
	"github.com/msageha/orbit/internal/proc"
	"github.com/msageha/orbit/internal/sched"
	"github.com/msageha/orbit/internal/service"
	"github.com/msageha/orbit/internal/uds"
	yamlutil "github.com/msageha/orbit/internal/yaml"
)

const (
	configFile     = "config.yaml"
	storeFile      = "config_store.yaml"
	journalFile    = "events.jsonl"
	lockFile       = "locks/daemon.lock"
	healthInterval = time.Second
	saveInterval   = 30 * time.Second
	switchLogSize  = 1024
)

// Daemon is the orbit daemon process.
type Daemon struct {
	dir     string
	config  model.Config
	logger  *logging.Logger
	logFile io.Closer
	clock   platform.Clock

	fileLock *lock.FileLock
	bus      *events.Bus
	journal  *events.Journal
	switches *platform.SwitchLog
	sched    *sched.Scheduler
	procs    *proc.Table
	store    *configstore.Store
	manager  *service.Manager
	server   *uds.Server
	watcher  *fsnotify.Watcher

	started time.Time

	unitMu    sync.Mutex
	unitPaths map[string]string

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once
	done     chan struct{}

	forceExit atomic.Bool
}

// LoadConfig reads dir/config.yaml, fills defaults and validates it. A missing file yields the defaults.
func LoadConfig(dir string) (model.Config, error) {
	var cfg model.Config
	path := filepath.Join(dir, configFile)
	err := yamlutil.Read(path, yamlutil.FileTypeConfig, &cfg)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return model.Config{}, model.Wrap(model.KindInvalidArgument, "load config", path, err)
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return model.Config{}, err
	}
	return cfg, nil
}

// New creates a Daemon logging to dir/logs/daemon.log.
func New(dir string, cfg model.Config) (*Daemon, error) {
	logPath := filepath.Join(dir, "logs", "daemon.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}
	return newDaemon(dir, cfg, logFile, logFile, platform.SystemClock())
}

// newDaemon is the internal constructor for testing.
func newDaemon(dir string, cfg model.Config, w io.Writer, closer io.Closer, clk platform.Clock) (*Daemon, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	logger := logging.New(w, logging.ParseLevel(cfg.Logging.Level))
	logger.SetClock(clk.Now)
	return &Daemon{
		dir:      dir,
		config:   cfg,
		logger:   logger.With("daemon"),
		logFile:  closer,
		clock:    clk,
		fileLock: lock.NewFileLock(filepath.Join(dir, lockFile)),
		server:   uds.NewServer(filepath.Join(dir, uds.DefaultSocketName), logger),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),

		unitPaths: make(map[string]string),
	}, nil
}

// Run boots the daemon and blocks until a signal or a shutdown request has been handled.
func (d *Daemon) Run() error {
	if err := d.Boot(); err != nil {
		return err
	}
	go d.waitSignals()
	<-d.done
	return nil
}

// Boot brings every subsystem up and returns once the socket is listening.
func (d *Daemon) Boot() error {
	// Step 1: Acquire file lock
	if err := os.MkdirAll(filepath.Join(d.dir, "locks"), 0755); err != nil {
		return fmt.Errorf("ensure lock dir: %w", err)
	}
	if err := d.fileLock.TryLock(); err != nil {
		if pid := lock.ReadPID(d.lockPath()); pid > 0 {
			return fmt.Errorf("daemon lock held by pid %d: %w", pid, err)
		}
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.started = d.clock.Now()
	d.logger.Infof("daemon starting pid=%d cpus=%d policy=%s", os.Getpid(), d.config.Scheduler.CPUs, d.config.Scheduler.Policy)

	if err := d.build(); err != nil {
		d.cleanup()
		return err
	}

	// Step 2: Load unit files and watch for changes
	unitsDir := d.unitsDir()
	if err := os.MkdirAll(unitsDir, 0755); err != nil {
		d.cleanup()
		return fmt.Errorf("ensure units dir: %w", err)
	}
	d.loadUnits()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.cleanup()
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	d.watcher = watcher
	if err := watcher.Add(unitsDir); err != nil {
		d.cleanup()
		return fmt.Errorf("watch %s: %w", unitsDir, err)
	}

	// Step 3: Register UDS handlers and start the server
	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		d.cleanup()
		return fmt.Errorf("start UDS server: %w", err)
	}
	d.logger.Infof("UDS server listening on %s", d.socketPath())

	// Step 4: Start background loops
	d.startLoops()

	// Step 5: Bring up enabled services
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.startEnabled()
	}()

	d.logger.Infof("daemon ready")
	return nil
}

// build wires the event bus, scheduler, process table, config store and service manager.
func (d *Daemon) build() error {
	journal, err := events.OpenJournal(JournalPath(d.dir), d.config.Events.JournalMaxBytes)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	d.journal = journal
	d.bus = events.NewBus(d.config.Events.Buffer, d.clock)
	d.bus.Subscribe(func(e events.Event) {
		if events.ClassOf(e.Type) == events.ClassLifecycle {
			d.journal.Record(e)
		}
	})

	opts, err := sched.OptionsFromConfig(d.config.Scheduler)
	if err != nil {
		return err
	}
	d.switches = platform.NewSwitchLog(switchLogSize, d.clock)
	opts.Clock = d.clock
	opts.Switcher = d.switches
	opts.Events = d.bus
	opts.Logger = d.logger
	d.sched, err = sched.New(opts)
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	d.procs = proc.NewTable(d.sched, d.logger)

	d.store, err = configstore.Open(filepath.Join(d.dir, storeFile), filepath.Join(d.dir, "quarantine"), d.clock, d.logger)
	if err != nil {
		return err
	}

	d.manager, err = service.New(service.Options{
		Scheduler: d.sched,
		Procs:     d.procs,
		Store:     d.store,
		Events:    d.bus,
		Clock:     d.clock,
		Logger:    d.logger,
		Config:    d.config.Services,
		Seed:      uint64(d.started.UnixNano()),
	})
	if err != nil {
		return fmt.Errorf("create service manager: %w", err)
	}
	return nil
}

type loop struct {
	name string
	run  func(context.Context) error
}

func (d *Daemon) startLoops() {
	loops := []loop{
		{"timers", d.sched.RunTimers},
		{"health", func(ctx context.Context) error { return d.manager.RunHealth(ctx, healthInterval) }},
	}
	if d.config.Balancer.IsEnabled() {
		loops = append(loops, loop{"balancer", func(ctx context.Context) error {
			return d.sched.RunBalancer(ctx, d.config.Balancer.Interval())
		}})
	}
	for _, l := range loops {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := l.run(d.ctx); err != nil && !errors.Is(err, context.Canceled) {
				d.logger.Errorf("%s loop stopped: %v", l.name, err)
			}
		}()
	}

	d.wg.Add(2)
	go d.fsnotifyLoop()
	go d.tickerLoop()
}

// startEnabled starts every enabled service. Dependencies come up as part of their dependents' plans.
func (d *Daemon) startEnabled() {
	for _, info := range d.manager.List(service.Filter{EnabledOnly: true}) {
		if d.ctx.Err() != nil {
			return
		}
		if err := d.manager.Start(d.ctx, info.Name); err != nil {
			d.logger.Warnf("autostart service=%s failed: %v", info.Name, err)
		}
	}
}

// fsnotifyLoop applies unit file changes.
func (d *Daemon) fsnotifyLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if !isUnitFile(event.Name) {
				continue
			}
			d.logger.Debugf("fsnotify event=%s file=%s", event.Op, event.Name)
			switch {
			case event.Has(fsnotify.Write), event.Has(fsnotify.Create):
				d.syncUnit(event.Name)
			case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
				d.removeUnit(event.Name)
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Errorf("fsnotify error=%v", err)
		}
	}
}

// tickerLoop persists the config store at a fixed interval.
func (d *Daemon) tickerLoop() {
	defer d.wg.Done()

	ticker := d.clock.Ticker(saveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			if err := d.store.Save(); err != nil {
				d.logger.Errorf("periodic save: %v", err)
			}
		}
	}
}

// waitSignals blocks until a shutdown signal is received.
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.logger.Infof("received signal=%s, initiating graceful shutdown", sig)
	case <-d.done:
		return
	}

	// Second signal → force exit
	go func() {
		select {
		case <-sigCh:
			d.logger.Warnf("received second signal, forcing exit")
			d.forceExit.Store(true)
			os.Exit(1)
		case <-d.done:
		}
	}()

	d.Shutdown()
}

// Shutdown stops services dependents first, then the loops, and releases the lock (idempotent).
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.logger.Infof("shutdown started")
		timeout := time.Duration(d.config.Daemon.ShutdownTimeoutSec) * time.Second

		// 1. Stop accepting commands and unit changes
		if d.watcher != nil {
			_ = d.watcher.Close()
		}
		if d.server != nil {
			_ = d.server.Stop()
		}

		// 2. Stop services while the scheduler still ticks
		if d.manager != nil {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			if err := d.manager.StopAll(ctx); err != nil {
				d.logger.Warnf("stop services: %v", err)
			}
			cancel()
			d.manager.Close()
		}

		// 3. Cancel loops and drain with timeout
		d.cancel()
		drained := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(drained)
		}()
		select {
		case <-drained:
			d.logger.Infof("all goroutines drained")
		case <-time.After(timeout):
			d.logger.Warnf("shutdown timeout after %s, some operations may be incomplete", timeout)
		}

		// 4. Persist and clean up
		if d.store != nil {
			if err := d.store.Save(); err != nil {
				d.logger.Errorf("final save: %v", err)
			}
		}
		d.logger.Infof("daemon stopped")
		d.cleanup()
		close(d.done)
	})
}

// Done is closed once Shutdown has finished.
func (d *Daemon) Done() <-chan struct{} { return d.done }

// cleanup releases resources.
func (d *Daemon) cleanup() {
	d.cancel()
	if d.bus != nil {
		d.bus.Close()
	}
	if d.journal != nil {
		_ = d.journal.Close()
	}
	_ = os.Remove(d.socketPath())
	_ = d.fileLock.Unlock()
	if d.logFile != nil {
		_ = d.logFile.Close()
	}
}

// JournalPath is the event journal of the daemon rooted at dir. It stays readable while the
// daemon is down.
func JournalPath(dir string) string {
	return filepath.Join(dir, "logs", journalFile)
}

func (d *Daemon) lockPath() string {
	return filepath.Join(d.dir, lockFile)
}

func (d *Daemon) socketPath() string {
	return filepath.Join(d.dir, uds.DefaultSocketName)
}

func (d *Daemon) unitsDir() string {
	if filepath.IsAbs(d.config.Services.UnitsDir) {
		return d.config.Services.UnitsDir
	}
	return filepath.Join(d.dir, d.config.Services.UnitsDir)
}
