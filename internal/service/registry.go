package service

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/msageha/orbit/internal/model"
	"github.com/msageha/orbit/internal/pool"
)

// instance is one running copy of a service, backed by one scheduler thread.
type instance struct {
	id       model.InstanceID
	thread   model.ThreadID
	cpu      model.CPUID
	endpoint string
}

// recoveryState is the per-service bookkeeping of the recovery manager.
type recoveryState struct {
	attempts  int
	stable    int
	awaiting  bool
	escalated bool
}

// Service is the registry record of one service. Fields below mu are guarded by it.
type Service struct {
	id   model.ServiceID
	desc model.ServiceDescriptor
	pool *pool.Pool

	mu          sync.Mutex
	state       model.ServiceState
	health      model.HealthStatus
	generation  uint64
	enabled     bool
	since       time.Time
	stopping    bool
	incarnation uint64
	instances   []instance
	window      *window
	degraded    int // consecutive Unhealthy samples while Degraded
	breaker     *gobreaker.CircuitBreaker
	nextProbe   time.Time
	recovery    recoveryState
	lastError   string
}

func (s *Service) ID() model.ServiceID                 { return s.id }
func (s *Service) Name() string                        { return s.desc.Name }
func (s *Service) Descriptor() model.ServiceDescriptor { return s.desc }

func (s *Service) State() model.ServiceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Registry stores services by id and by name and keeps the dependency graph acyclic.
type Registry struct {
	mu     sync.RWMutex
	seq    model.Sequence
	byID   map[model.ServiceID]*Service
	byName map[string]*Service
	max    int
}

func NewRegistry(maxServices int) *Registry {
	return &Registry{
		byID:   make(map[model.ServiceID]*Service),
		byName: make(map[string]*Service),
		max:    maxServices,
	}
}

// Register validates desc and adds it. Dependencies may name services that are not registered
// yet; the resolver reports them when an operation needs them.
func (r *Registry) Register(desc model.ServiceDescriptor, window int, p *pool.Pool) (*Service, error) {
	desc = desc.WithDefaults()
	if err := desc.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[desc.Name]; ok {
		return nil, model.Errorf(model.KindAlreadyExists, "register", desc.Name, "service already registered")
	}
	if r.max > 0 && len(r.byName) >= r.max {
		return nil, model.Errorf(model.KindResourceExhausted, "register", desc.Name, "service limit %d reached", r.max)
	}
	if err := r.checkAcyclicLocked(desc); err != nil {
		return nil, err
	}

	svc := &Service{
		id:     model.ServiceID(r.seq.Next()),
		desc:   desc,
		pool:   p,
		state:  model.ServiceStopped,
		health: model.HealthUnknown,
		window: newWindow(window),
	}
	r.byID[svc.id] = svc
	r.byName[desc.Name] = svc
	return svc, nil
}

// checkAcyclicLocked rejects desc if adding it would close a cycle.
func (r *Registry) checkAcyclicLocked(desc model.ServiceDescriptor) error {
	edges := r.edgesLocked()
	edges[desc.Name] = desc.DependsOn
	nodes := make([]string, 0, len(edges))
	for name := range edges {
		nodes = append(nodes, name)
	}
	sort.Strings(nodes)
	if _, err := topoSort(nodes, edges); err != nil {
		return model.Wrap(model.KindInvalidArgument, "register", desc.Name, err)
	}
	return nil
}

// Unregister removes a Stopped service.
func (r *Registry) Unregister(name string) (*Service, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	svc, ok := r.lookupLocked(name)
	if !ok {
		return nil, model.Errorf(model.KindNotFound, "unregister", name, "service not registered")
	}
	if st := svc.State(); st != model.ServiceStopped {
		return nil, model.Errorf(model.KindInvalidState, "unregister", svc.desc.Name, "service is %s, not stopped", st)
	}
	delete(r.byID, svc.id)
	delete(r.byName, svc.desc.Name)
	return svc, nil
}

// Get looks a service up by name, by "service:N" or by bare numeric id.
func (r *Registry) Get(idOrName string) (*Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lookupLocked(idOrName)
}

func (r *Registry) lookupLocked(idOrName string) (*Service, bool) {
	if svc, ok := r.byName[idOrName]; ok {
		return svc, true
	}
	raw := strings.TrimPrefix(idOrName, "service:")
	if n, err := strconv.ParseUint(raw, 10, 64); err == nil {
		svc, ok := r.byID[model.ServiceID(n)]
		return svc, ok
	}
	return nil, false
}

// All returns every service ordered by id.
func (r *Registry) All() []*Service {
	r.mu.RLock()
	out := make([]*Service, 0, len(r.byID))
	for _, svc := range r.byID {
		out = append(out, svc)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Dependents returns the names of services that depend directly on name.
func (r *Registry) Dependents(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return invert(r.edgesLocked())[name]
}

func (r *Registry) edgesLocked() map[string][]string {
	edges := make(map[string][]string, len(r.byName))
	for name, svc := range r.byName {
		edges[name] = svc.desc.DependsOn
	}
	return edges
}
