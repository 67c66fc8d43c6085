// Package pool routes requests across the instances of a load-balanced service.
package pool

import (
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/msageha/orbit/internal/events"
	"github.com/msageha/orbit/internal/model"
	"github.com/msageha/orbit/internal/platform"
)

// historySize bounds the selection trace kept in trace mode.
const historySize = 128

// Instance is a snapshot of one pool member.
type Instance struct {
	ID          model.InstanceID   `json:"id"`
	Endpoint    string             `json:"endpoint"`
	Weight      int                `json:"weight"`
	Thread      model.ThreadID     `json:"thread"`
	CPU         model.CPUID        `json:"cpu"`
	Health      model.HealthStatus `json:"health"`
	Open        int                `json:"open"`
	Requests    uint64             `json:"requests"`
	Successes   uint64             `json:"successes"`
	Failures    uint64             `json:"failures"`
	AvgLatency  time.Duration      `json:"avg_latency"`
	RequestRate float64            `json:"request_rate"`
}

// Selection is one trace record.
type Selection struct {
	At       time.Time        `json:"at"`
	Instance model.InstanceID `json:"instance"`
	Key      string           `json:"key,omitempty"`
}

type member struct {
	Instance
	current int // smooth weighted round robin state
	window  []time.Time
}

// Options configures a Pool.
type Options struct {
	Name     string
	Strategy model.BalanceStrategy
	Trace    bool
	Seed     uint64
	Clock    platform.Clock
	Events   events.Publisher
}

// Pool is safe for concurrent use. Its lock is never held while publishing lifecycle events.
type Pool struct {
	name     string
	strategy model.BalanceStrategy
	trace    bool
	clock    platform.Clock
	events   events.Publisher

	mu       sync.Mutex
	members  map[model.InstanceID]*member
	order    []model.InstanceID
	ready    bool
	cursor   int
	rng      *rand.Rand
	ring     *ring
	history  []Selection
	selected uint64
}

func New(opts Options) (*Pool, error) {
	if opts.Strategy == "" {
		opts.Strategy = model.BalanceRoundRobin
	}
	if _, err := model.ParseBalanceStrategy(string(opts.Strategy)); err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = platform.SystemClock()
	}
	if opts.Events == nil {
		opts.Events = events.NewRecorder()
	}
	return &Pool{
		name:     opts.Name,
		strategy: opts.Strategy,
		trace:    opts.Trace,
		clock:    opts.Clock,
		events:   opts.Events,
		members:  make(map[model.InstanceID]*member),
		ready:    true,
		rng:      rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15)),
		ring:     newRing(),
	}, nil
}

func (p *Pool) Name() string                    { return p.name }
func (p *Pool) Strategy() model.BalanceStrategy { return p.strategy }

// Add inserts an instance. Weights below one count as one.
func (p *Pool) Add(inst Instance) error {
	if inst.Weight < 1 {
		inst.Weight = 1
	}
	if inst.Health == "" {
		inst.Health = model.HealthUnknown
	}
	inst.Open, inst.Requests, inst.Successes, inst.Failures = 0, 0, 0, 0

	p.mu.Lock()
	if _, ok := p.members[inst.ID]; ok {
		p.mu.Unlock()
		return model.Errorf(model.KindAlreadyExists, "pool add", inst.ID.String(), "instance already in pool %s", p.name)
	}
	p.members[inst.ID] = &member{Instance: inst}
	p.order = append(p.order, inst.ID)
	sort.Slice(p.order, func(i, j int) bool { return p.order[i] < p.order[j] })
	p.ring.add(inst.ID, inst.Weight)
	p.mu.Unlock()

	p.events.Publish(events.EventInstanceAdded, p.name, map[string]any{
		"instance": uint64(inst.ID),
		"endpoint": inst.Endpoint,
		"weight":   inst.Weight,
		"thread":   uint64(inst.Thread),
	})
	return nil
}

// Remove drops an instance, typically because its backing thread exited.
func (p *Pool) Remove(id model.InstanceID) error {
	p.mu.Lock()
	m, ok := p.members[id]
	if !ok {
		p.mu.Unlock()
		return model.Errorf(model.KindNotFound, "pool remove", id.String(), "instance not in pool %s", p.name)
	}
	delete(p.members, id)
	for i, o := range p.order {
		if o == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	p.ring.remove(id)
	p.mu.Unlock()

	p.events.Publish(events.EventInstanceRemoved, p.name, map[string]any{
		"instance": uint64(id),
		"endpoint": m.Endpoint,
	})
	return nil
}

// RemoveThread drops the instance backed by tid, if any.
func (p *Pool) RemoveThread(tid model.ThreadID) bool {
	p.mu.Lock()
	var id model.InstanceID
	for _, m := range p.members {
		if m.Thread == tid {
			id = m.ID
			break
		}
	}
	p.mu.Unlock()
	if id == 0 {
		return false
	}
	return p.Remove(id) == nil
}

// SetHealth records the health of one instance.
func (p *Pool) SetHealth(id model.InstanceID, h model.HealthStatus) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.members[id]
	if !ok {
		return model.Errorf(model.KindNotFound, "pool set health", id.String(), "instance not in pool %s", p.name)
	}
	m.Health = h
	return nil
}

// SetServiceReady gates the whole pool on its service being Running and Healthy.
func (p *Pool) SetServiceReady(ready bool) {
	p.mu.Lock()
	p.ready = ready
	p.mu.Unlock()
}

// Select picks an instance for one request and counts it as an open connection.
// The caller must Release it. key is only used by consistent hashing.
func (p *Pool) Select(key string) (Instance, error) {
	p.mu.Lock()
	eligible := p.eligibleLocked()
	if len(eligible) == 0 {
		p.mu.Unlock()
		return Instance{}, model.Errorf(model.KindNoHealthyInstance, "select", p.name, "no healthy instance")
	}

	var chosen *member
	switch p.strategy {
	case model.BalanceLeastConnections:
		chosen = p.leastConnectionsLocked(eligible)
	case model.BalanceWeightedRoundRobin:
		chosen = p.weightedRoundRobinLocked(eligible)
	case model.BalanceRandomWeighted:
		chosen = p.randomWeightedLocked(eligible)
	case model.BalanceConsistentHash:
		chosen = p.consistentHashLocked(eligible, key)
	default:
		chosen = eligible[p.cursor%len(eligible)]
		p.cursor++
	}

	now := p.clock.Now()
	chosen.Open++
	chosen.Requests++
	chosen.window = append(pruneWindow(chosen.window, now), now)
	p.selected++
	out := chosen.snapshot(now)
	if p.trace {
		if len(p.history) == historySize {
			copy(p.history, p.history[1:])
			p.history = p.history[:historySize-1]
		}
		p.history = append(p.history, Selection{At: now, Instance: chosen.ID, Key: key})
	}
	p.mu.Unlock()

	if p.trace {
		p.events.Publish(events.EventSelection, p.name, map[string]any{
			"instance": uint64(out.ID),
			"strategy": string(p.strategy),
			"key":      key,
		})
	}
	return out, nil
}

// Release closes the connection opened by Select and records its outcome.
func (p *Pool) Release(id model.InstanceID, ok bool, latency time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, found := p.members[id]
	if !found {
		return model.Errorf(model.KindNotFound, "release", id.String(), "instance not in pool %s", p.name)
	}
	if m.Open > 0 {
		m.Open--
	}
	if ok {
		m.Successes++
	} else {
		m.Failures++
	}
	done := m.Successes + m.Failures
	m.AvgLatency += (latency - m.AvgLatency) / time.Duration(done)
	return nil
}

// Instances returns every member ordered by id.
func (p *Pool) Instances() []Instance {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock.Now()
	out := make([]Instance, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.members[id].snapshot(now))
	}
	return out
}

// History returns the recorded selections, oldest first. It is empty unless trace is on.
func (p *Pool) History() []Selection {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Selection(nil), p.history...)
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.members)
}

func (p *Pool) eligibleLocked() []*member {
	if !p.ready {
		return nil
	}
	var out []*member
	for _, id := range p.order {
		if m := p.members[id]; m.Health == model.HealthHealthy {
			out = append(out, m)
		}
	}
	return out
}

func (p *Pool) leastConnectionsLocked(eligible []*member) *member {
	best := eligible[0]
	for _, m := range eligible[1:] {
		if m.Open < best.Open {
			best = m
		}
	}
	return best
}

// weightedRoundRobinLocked is the smooth variant: it interleaves instead of bursting.
func (p *Pool) weightedRoundRobinLocked(eligible []*member) *member {
	total := 0
	var best *member
	for _, m := range eligible {
		m.current += m.Weight
		total += m.Weight
		if best == nil || m.current > best.current {
			best = m
		}
	}
	best.current -= total
	return best
}

func (p *Pool) randomWeightedLocked(eligible []*member) *member {
	total := 0
	for _, m := range eligible {
		total += m.Weight
	}
	r := p.rng.IntN(total)
	for _, m := range eligible {
		if r < m.Weight {
			return m
		}
		r -= m.Weight
	}
	return eligible[len(eligible)-1]
}

func (p *Pool) consistentHashLocked(eligible []*member, key string) *member {
	ok := make(map[model.InstanceID]*member, len(eligible))
	for _, m := range eligible {
		ok[m.ID] = m
	}
	if id, found := p.ring.lookup(key, func(id model.InstanceID) bool { return ok[id] != nil }); found {
		return ok[id]
	}
	return eligible[0]
}

// rateWindow is the span of the rolling request rate.
const rateWindow = time.Minute

func pruneWindow(w []time.Time, now time.Time) []time.Time {
	cut := 0
	for cut < len(w) && now.Sub(w[cut]) > rateWindow {
		cut++
	}
	return w[cut:]
}

func (m *member) snapshot(now time.Time) Instance {
	out := m.Instance
	m.window = pruneWindow(m.window, now)
	out.RequestRate = float64(len(m.window)) / rateWindow.Seconds()
	return out
}
