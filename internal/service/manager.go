// Package service manages the lifecycle of services: registration and dependency ordering,
// start/stop/restart/reload, health monitoring, fault detection and recovery.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"

	"github.com/msageha/orbit/internal/configstore"
	"github.com/msageha/orbit/internal/events"
	"github.com/msageha/orbit/internal/lock"
	"github.com/msageha/orbit/internal/logging"
	"github.com/msageha/orbit/internal/model"
	"github.com/msageha/orbit/internal/platform"
	"github.com/msageha/orbit/internal/pool"
	"github.com/msageha/orbit/internal/sched"
)

// Options wires a Manager to the rest of the system.
type Options struct {
	Scheduler *sched.Scheduler
	Procs     platform.ProcessSubsystem
	// Store is optional; without it configuration keys cannot be changed and nothing is persisted.
	Store  *configstore.Store
	Events events.Publisher
	Clock  platform.Clock
	Logger *logging.Logger
	Config model.ServicesConfig
	// Seed feeds the random-weighted pools.
	Seed uint64
}

// Manager is the injected context of the service layer. Lock order is
// registry → lifecycle key → service → pool → scheduler run queue.
type Manager struct {
	sched  *sched.Scheduler
	procs  platform.ProcessSubsystem
	store  *configstore.Store
	events events.Publisher
	clock  platform.Clock
	logger *logging.Logger
	cfg    model.ServicesConfig
	seed   uint64

	registry *Registry
	locks    *lock.MutexMap[model.ServiceID]
	detector *Detector
	flight   singleflight.Group
	instSeq  model.Sequence

	probeMu sync.RWMutex
	probes  map[string]Prober

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(opts Options) (*Manager, error) {
	if opts.Scheduler == nil || opts.Procs == nil {
		return nil, model.Errorf(model.KindInvalidArgument, "new manager", "", "scheduler and process subsystem are required")
	}
	if opts.Clock == nil {
		opts.Clock = opts.Scheduler.Clock()
	}
	if opts.Events == nil {
		opts.Events = events.NewRecorder()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	cfg := model.Config{Services: opts.Config}.WithDefaults().Services

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		sched:    opts.Scheduler,
		procs:    opts.Procs,
		store:    opts.Store,
		events:   opts.Events,
		clock:    opts.Clock,
		logger:   opts.Logger.With("service"),
		cfg:      cfg,
		seed:     opts.Seed,
		registry: NewRegistry(cfg.MaxServices),
		locks:    lock.NewMutexMap[model.ServiceID](),
		detector: NewDetector(),
		probes:   make(map[string]Prober),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Close stops background recovery and instance watchers. Services are left as they are.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) Registry() *Registry { return m.registry }

// Register adds a service. cfg may be nil to keep a configuration already in the store.
func (m *Manager) Register(desc model.ServiceDescriptor, cfg *model.ServiceConfig, enabled bool) (model.ServiceID, error) {
	desc = desc.WithDefaults()
	if cfg != nil {
		if err := cfg.Validate(); err != nil {
			return 0, err
		}
	}
	var p *pool.Pool
	if desc.Pool != nil {
		var err error
		p, err = pool.New(pool.Options{
			Name:     desc.Name,
			Strategy: desc.Pool.Strategy,
			Trace:    desc.Pool.Trace,
			Seed:     m.seed,
			Clock:    m.clock,
			Events:   m.events,
		})
		if err != nil {
			return 0, err
		}
		p.SetServiceReady(false)
	}

	svc, err := m.registry.Register(desc, m.cfg.HealthWindow, p)
	if err != nil {
		return 0, err
	}
	svc.mu.Lock()
	svc.enabled = enabled
	svc.since = m.clock.Now()
	svc.mu.Unlock()

	if m.store != nil {
		if err := m.store.Register(svc.desc, cfg, enabled); err != nil {
			_, _ = m.registry.Unregister(desc.Name)
			return 0, err
		}
	}

	m.logger.Infof("registered service=%s id=%d type=%s deps=%v", desc.Name, svc.id, desc.Type, desc.DependsOn)
	m.events.Publish(events.EventServiceRegistered, desc.Name, map[string]any{
		"id":         uint64(svc.id),
		"type":       string(desc.Type),
		"depends_on": append([]string(nil), desc.DependsOn...),
	})
	return svc.id, nil
}

// Unregister removes a Stopped service and forgets its configuration.
func (m *Manager) Unregister(name string) error {
	svc, err := m.registry.Unregister(name)
	if err != nil {
		return err
	}
	m.locks.Forget(svc.id)
	m.detector.Forget(svc.desc.Name)
	m.probeMu.Lock()
	delete(m.probes, svc.desc.Name)
	m.probeMu.Unlock()
	if m.store != nil {
		m.store.Remove(svc.desc.Name)
	}
	m.logger.Infof("unregistered service=%s id=%d", svc.desc.Name, svc.id)
	m.events.Publish(events.EventServiceUnregistered, svc.desc.Name, map[string]any{"id": uint64(svc.id)})
	return nil
}

func (m *Manager) lookup(op, name string) (*Service, error) {
	svc, ok := m.registry.Get(name)
	if !ok {
		return nil, model.Errorf(model.KindNotFound, op, name, "service not registered")
	}
	return svc, nil
}

// Enable allows a service to be started and probed.
func (m *Manager) Enable(name string) error { return m.setEnabled(name, true) }

// Disable makes start refuse the service and the health monitor skip it. A running service keeps running.
func (m *Manager) Disable(name string) error { return m.setEnabled(name, false) }

func (m *Manager) setEnabled(name string, enabled bool) error {
	svc, err := m.lookup("enable", name)
	if err != nil {
		return err
	}
	svc.mu.Lock()
	changed := svc.enabled != enabled
	svc.enabled = enabled
	svc.mu.Unlock()
	if m.store != nil {
		if err := m.store.SetEnabled(svc.desc.Name, enabled); err != nil {
			return err
		}
	}
	if !changed {
		return nil
	}
	typ := events.EventServiceDisabled
	if enabled {
		typ = events.EventServiceEnabled
	}
	m.events.Publish(typ, svc.desc.Name, nil)
	return nil
}

// UpdateConfig writes one configuration key. A running reload-capable service is reloaded;
// any other service only records the change.
func (m *Manager) UpdateConfig(ctx context.Context, name, key string, v model.Value) (model.ServiceConfig, error) {
	svc, err := m.configTarget(name)
	if err != nil {
		return model.ServiceConfig{}, err
	}
	cfg, err := m.store.Put(svc.desc.Name, key, v)
	if err != nil {
		return model.ServiceConfig{}, err
	}
	return cfg, m.configChanged(ctx, svc, key, configstore.Masked(key, v), cfg)
}

// UnsetConfig removes a settings, environment or secrets key.
func (m *Manager) UnsetConfig(ctx context.Context, name, key string) (model.ServiceConfig, error) {
	svc, err := m.configTarget(name)
	if err != nil {
		return model.ServiceConfig{}, err
	}
	cfg, err := m.store.Delete(svc.desc.Name, key)
	if err != nil {
		return model.ServiceConfig{}, err
	}
	return cfg, m.configChanged(ctx, svc, key, "", cfg)
}

// ApplyConfig replaces the whole configuration of a service. Nothing happens when it is unchanged.
func (m *Manager) ApplyConfig(ctx context.Context, name string, next model.ServiceConfig) (model.ServiceConfig, error) {
	svc, err := m.configTarget(name)
	if err != nil {
		return model.ServiceConfig{}, err
	}
	cfg, changed, err := m.store.Replace(svc.desc.Name, next)
	if err != nil || !changed {
		return cfg, err
	}
	return cfg, m.configChanged(ctx, svc, "*", "", cfg)
}

func (m *Manager) configTarget(name string) (*Service, error) {
	svc, err := m.lookup("update config", name)
	if err != nil {
		return nil, err
	}
	if m.store == nil {
		return nil, model.Errorf(model.KindInvalidState, "update config", svc.desc.Name, "no config store attached")
	}
	return svc, nil
}

func (m *Manager) configChanged(ctx context.Context, svc *Service, key, value string, cfg model.ServiceConfig) error {
	data := map[string]any{
		"key":     key,
		"version": cfg.Version,
	}
	if value != "" {
		data["value"] = value
	}
	m.events.Publish(events.EventConfigChanged, svc.desc.Name, data)
	if svc.desc.ReloadCapable && isLive(svc.State()) {
		if err := m.Reload(ctx, svc.desc.Name); err != nil {
			return fmt.Errorf("reload after config change: %w", err)
		}
	}
	return nil
}

// SetProbe overrides the health probe of a service. A nil prober restores the unit's probe.
func (m *Manager) SetProbe(name string, p Prober) {
	m.probeMu.Lock()
	defer m.probeMu.Unlock()
	if p == nil {
		delete(m.probes, name)
		return
	}
	m.probes[name] = p
}

// ResetRecovery clears the attempt counter and escalation of a service.
func (m *Manager) ResetRecovery(name string) error {
	svc, err := m.lookup("reset recovery", name)
	if err != nil {
		return err
	}
	svc.mu.Lock()
	svc.recovery = recoveryState{}
	svc.mu.Unlock()
	m.logger.Infof("recovery reset service=%s", svc.desc.Name)
	return nil
}

// InstanceInfo describes one live instance of a service.
type InstanceInfo struct {
	ID          model.InstanceID  `json:"id"`
	Thread      model.ThreadID    `json:"thread"`
	CPU         model.CPUID       `json:"cpu"`
	Endpoint    string            `json:"endpoint"`
	ThreadState model.ThreadState `json:"thread_state"`
}

// Info is a consistent snapshot of a service.
type Info struct {
	ID            model.ServiceID    `json:"id"`
	Name          string             `json:"name"`
	DisplayName   string             `json:"display_name"`
	Type          model.ServiceType  `json:"type"`
	Priority      model.Priority     `json:"priority"`
	State         model.ServiceState `json:"state"`
	Health        model.HealthStatus `json:"health"`
	Score         float64            `json:"score"`
	Generation    uint64             `json:"generation"`
	Enabled       bool               `json:"enabled"`
	Since         time.Time          `json:"since"`
	DependsOn     []string           `json:"depends_on,omitempty"`
	Instances     []InstanceInfo     `json:"instances,omitempty"`
	Attempts      int                `json:"recovery_attempts"`
	Escalated     bool               `json:"escalated,omitempty"`
	LastError     string             `json:"last_error,omitempty"`
	ConfigVersion int                `json:"config_version,omitempty"`
	Pooled        bool               `json:"pooled,omitempty"`
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	State       model.ServiceState
	Type        model.ServiceType
	Tag         string
	EnabledOnly bool
}

func (f Filter) match(info Info, tags []string) bool {
	if f.State != "" && info.State != f.State {
		return false
	}
	if f.Type != "" && info.Type != f.Type {
		return false
	}
	if f.EnabledOnly && !info.Enabled {
		return false
	}
	if f.Tag != "" {
		for _, t := range tags {
			if t == f.Tag {
				return true
			}
		}
		return false
	}
	return true
}

func (m *Manager) Get(name string) (Info, error) {
	svc, err := m.lookup("get", name)
	if err != nil {
		return Info{}, err
	}
	return m.info(svc), nil
}

// List returns matching services ordered by id.
func (m *Manager) List(f Filter) []Info {
	var out []Info
	for _, svc := range m.registry.All() {
		info := m.info(svc)
		if f.match(info, svc.desc.Tags) {
			out = append(out, info)
		}
	}
	return out
}

func (m *Manager) info(svc *Service) Info {
	svc.mu.Lock()
	score, _ := svc.window.score()
	info := Info{
		ID:          svc.id,
		Name:        svc.desc.Name,
		DisplayName: svc.desc.DisplayName,
		Type:        svc.desc.Type,
		Priority:    svc.desc.Priority,
		State:       svc.state,
		Health:      svc.health,
		Score:       score,
		Generation:  svc.generation,
		Enabled:     svc.enabled,
		Since:       svc.since,
		DependsOn:   append([]string(nil), svc.desc.DependsOn...),
		Attempts:    svc.recovery.attempts,
		Escalated:   svc.recovery.escalated,
		LastError:   svc.lastError,
		Pooled:      svc.pool != nil,
	}
	insts := append([]instance(nil), svc.instances...)
	svc.mu.Unlock()

	for _, inst := range insts {
		ii := InstanceInfo{ID: inst.id, Thread: inst.thread, CPU: inst.cpu, Endpoint: inst.endpoint}
		if t, err := m.sched.Thread(inst.thread); err == nil {
			ii.ThreadState = t.State
			ii.CPU = t.CPU
		}
		info.Instances = append(info.Instances, ii)
	}
	if m.store != nil {
		if cfg, err := m.store.Config(svc.desc.Name); err == nil {
			info.ConfigVersion = cfg.Version
		}
	}
	return info
}

// HealthHistory returns the probe window of a service, oldest first.
func (m *Manager) HealthHistory(name string) ([]Sample, error) {
	svc, err := m.lookup("health", name)
	if err != nil {
		return nil, err
	}
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return svc.window.snapshot(), nil
}

func (m *Manager) Faults(name string) []Fault {
	return m.detector.History(name)
}

// Pool returns the instance pool of a service that declares one.
func (m *Manager) Pool(name string) (*pool.Pool, error) {
	svc, err := m.lookup("pool", name)
	if err != nil {
		return nil, err
	}
	if svc.pool == nil {
		return nil, model.Errorf(model.KindInvalidArgument, "pool", svc.desc.Name, "service has no instance pool")
	}
	return svc.pool, nil
}

// Select routes one request of a pooled service. The caller releases the instance through Pool.
func (m *Manager) Select(name, key string) (pool.Instance, error) {
	p, err := m.Pool(name)
	if err != nil {
		return pool.Instance{}, err
	}
	return p.Select(key)
}

// stateChange is a transition to publish once the service lock is released.
type stateChange struct {
	service    string
	from, to   model.ServiceState
	generation uint64
	at         time.Time
	reason     string
}

// setStateLocked applies a validated transition. Completion transitions (starting → running and
// stopping → stopped) belong to the operation that began them and keep its generation.
func (m *Manager) setStateLocked(svc *Service, to model.ServiceState, reason string) (stateChange, error) {
	from := svc.state
	if err := model.ValidateServiceTransition(from, to); err != nil {
		return stateChange{}, model.Wrap(model.KindInvalidState, "transition", svc.desc.Name, err)
	}
	completes := (from == model.ServiceStarting && to == model.ServiceRunning) ||
		(from == model.ServiceStopping && to == model.ServiceStopped)
	if !completes {
		svc.generation++
	}
	svc.state = to
	svc.since = m.clock.Now()
	return stateChange{
		service:    svc.desc.Name,
		from:       from,
		to:         to,
		generation: svc.generation,
		at:         svc.since,
		reason:     reason,
	}, nil
}

func (m *Manager) emit(c stateChange) {
	m.logger.Infof("state service=%s %s -> %s generation=%d reason=%q", c.service, c.from, c.to, c.generation, c.reason)
	m.events.Publish(events.EventStateChange, c.service, map[string]any{
		"old":        string(c.from),
		"new":        string(c.to),
		"generation": c.generation,
		"timestamp":  c.at,
		"reason":     c.reason,
	})
	if m.store != nil {
		_ = m.store.RecordState(c.service, c.to, c.generation)
	}
}

// transition moves svc to a new state. The caller holds the service's lifecycle lock.
func (m *Manager) transition(svc *Service, to model.ServiceState, reason string) error {
	svc.mu.Lock()
	c, err := m.setStateLocked(svc, to, reason)
	svc.mu.Unlock()
	if err != nil {
		return err
	}
	m.emit(c)
	return nil
}

// syncPool gates a service's pool on it being Running and Healthy. Instance health is left to the
// instances themselves.
func (m *Manager) syncPool(svc *Service) {
	if svc.pool == nil {
		return
	}
	svc.mu.Lock()
	state, health := svc.state, svc.health
	svc.mu.Unlock()
	svc.pool.SetServiceReady(state == model.ServiceRunning && health == model.HealthHealthy)
}

func (m *Manager) newBreaker(name string) *gobreaker.CircuitBreaker {
	k := uint32(m.cfg.UnhealthyThreshold)
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     time.Duration(k) * m.cfg.ProbeTimeout(),
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 2*k
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.logger.Warnf("probe breaker service=%s %s -> %s", name, from, to)
		},
	})
}

func isLive(s model.ServiceState) bool {
	return s == model.ServiceRunning || s == model.ServiceDegraded
}
