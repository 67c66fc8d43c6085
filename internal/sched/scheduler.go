// Package sched implements orbit's per-CPU thread scheduler: five-band run queues,
// round-robin, fixed-priority, MLFQ and EDF policies, sleep timers, CPU hot-plug and load balancing.
package sched

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/msageha/orbit/internal/events"
	"github.com/msageha/orbit/internal/logging"
	"github.com/msageha/orbit/internal/model"
	"github.com/msageha/orbit/internal/platform"
)

type Options struct {
	CPUs   int
	Policy Policy
	// Tick is the wall duration of one tick; it only feeds CPU-time accounting and the timer driver.
	Tick time.Duration
	// AgingThreshold is how many ticks a Ready thread waits under FP before it is bumped one band.
	AgingThreshold int
	// MLFQResetTicks is the epoch after which MLFQ restores every thread to its base band.
	MLFQResetTicks int
	Quanta         map[string]int
	MaxThreads     int

	Clock    platform.Clock
	Switcher platform.ContextSwitcher
	Events   events.Publisher
	Logger   *logging.Logger
}

// OptionsFromConfig maps the scheduler section of config.yaml onto Options.
func OptionsFromConfig(cfg model.SchedulerConfig) (Options, error) {
	p, err := ParsePolicy(cfg.Policy)
	if err != nil {
		return Options{}, err
	}
	return Options{
		CPUs:           cfg.CPUs,
		Policy:         p,
		Tick:           cfg.Tick(),
		AgingThreshold: cfg.AgingThresholdTicks,
		MLFQResetTicks: cfg.MLFQResetTicks,
		Quanta:         cfg.Quanta,
		MaxThreads:     cfg.MaxThreads,
	}, nil
}

type nopPublisher struct{}

func (nopPublisher) Publish(events.EventType, string, map[string]any) {}

type nopSwitcher struct{}

func (nopSwitcher) Switch(model.CPUID, model.ThreadID, model.ThreadID) {}

// Scheduler owns the CPUs and the thread table. Lock order: a CPU run lock may be taken
// while holding nothing or a lower-id run lock; the thread table lock is never held across a run lock.
type Scheduler struct {
	cpus     []*cpu
	clock    platform.Clock
	switcher platform.ContextSwitcher
	events   events.Publisher
	logger   *logging.Logger

	policy         atomic.Int32
	quanta         map[Policy]Quanta
	overrides      map[string]int
	tickLen        time.Duration
	agingThreshold uint64
	mlfqReset      uint64
	maxThreads     int

	tmu     sync.RWMutex
	threads map[model.ThreadID]*Thread
	seq     model.Sequence

	balancePasses atomic.Uint64
	migrations    atomic.Uint64
	lastBalance   atomic.Int64
}

func New(opts Options) (*Scheduler, error) {
	if opts.CPUs < 1 || opts.CPUs > MaxCPUs {
		return nil, model.Errorf(model.KindInvalidArgument, "new scheduler", "", "cpu count must be within 1-%d, got %d", MaxCPUs, opts.CPUs)
	}
	if opts.Clock == nil {
		opts.Clock = platform.SystemClock()
	}
	if opts.Switcher == nil {
		opts.Switcher = nopSwitcher{}
	}
	if opts.Events == nil {
		opts.Events = nopPublisher{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Tick <= 0 {
		opts.Tick = 10 * time.Millisecond
	}
	if opts.MaxThreads <= 0 {
		opts.MaxThreads = 4096
	}

	s := &Scheduler{
		clock:          opts.Clock,
		switcher:       opts.Switcher,
		events:         opts.Events,
		logger:         opts.Logger.With("sched"),
		quanta:         make(map[Policy]Quanta),
		overrides:      opts.Quanta,
		tickLen:        opts.Tick,
		agingThreshold: uint64(max(opts.AgingThreshold, 0)),
		mlfqReset:      uint64(max(opts.MLFQResetTicks, 0)),
		maxThreads:     opts.MaxThreads,
		threads:        make(map[model.ThreadID]*Thread),
	}
	for _, p := range []Policy{PolicyRR, PolicyFP, PolicyMLFQ} {
		q, err := ParseQuanta(DefaultQuanta(p), opts.Quanta)
		if err != nil {
			return nil, err
		}
		s.quanta[p] = q
	}
	s.policy.Store(int32(opts.Policy))

	now := s.clock.Now()
	for i := 0; i < opts.CPUs; i++ {
		c := &cpu{
			id:      model.CPUID(i),
			rq:      newRunQueue(),
			members: make(map[model.ThreadID]*Thread),
		}
		idle := &Thread{
			id:        model.ThreadID(s.seq.Next()),
			name:      fmt.Sprintf("idle/%d", i),
			idle:      true,
			createdAt: now,
			base:      model.PriorityIdle,
			band:      model.PriorityIdle,
			state:     model.ThreadRunning,
			exited:    make(chan struct{}),
		}
		idle.home.Store(int32(i))
		idle.lastCPU.Store(int32(i))
		idle.affinity.Store(uint64(NewCPUSet(c.id)))
		c.idle = idle
		c.curr = idle
		c.setState(model.CPUOnline)
		s.cpus = append(s.cpus, c)
	}
	return s, nil
}

func (s *Scheduler) Policy() Policy { return Policy(s.policy.Load()) }

func (s *Scheduler) NumCPUs() int { return len(s.cpus) }

func (s *Scheduler) Clock() platform.Clock { return s.clock }

// SetPolicy switches every CPU to p. Non-fixed quanta are recomputed at each thread's next dispatch.
func (s *Scheduler) SetPolicy(p Policy) error {
	if p < PolicyRR || p > PolicyEDF {
		return model.Errorf(model.KindInvalidArgument, "set policy", "", "unknown policy %d", p)
	}
	for _, c := range s.cpus {
		c.mu.Lock()
	}
	old := s.Policy()
	s.policy.Store(int32(p))
	for _, c := range s.cpus {
		if old == PolicyMLFQ && p != PolicyMLFQ {
			s.resetBandsLocked(c)
		}
		c.needResched.Store(true)
	}
	for i := len(s.cpus) - 1; i >= 0; i-- {
		s.cpus[i].mu.Unlock()
	}
	if old != p {
		s.logger.Infof("policy changed from=%s to=%s", old, p)
	}
	return nil
}

func (s *Scheduler) cpu(id model.CPUID) (*cpu, error) {
	if id < 0 || int(id) >= len(s.cpus) {
		return nil, model.Errorf(model.KindNotFound, "lookup cpu", id.String(), "no such cpu")
	}
	return s.cpus[id], nil
}

func (s *Scheduler) lookup(op string, tid model.ThreadID) (*Thread, error) {
	s.tmu.RLock()
	t, ok := s.threads[tid]
	s.tmu.RUnlock()
	if !ok {
		return nil, model.Errorf(model.KindNotFound, op, tid.String(), "thread not registered")
	}
	return t, nil
}

// lockThread locks the run lock of t's home CPU, following t if it migrates meanwhile.
func (s *Scheduler) lockThread(t *Thread) *cpu {
	for {
		c := s.cpus[t.home.Load()]
		c.mu.Lock()
		if t.homeID() == c.id {
			return c
		}
		c.mu.Unlock()
	}
}

// lockThreadAnd locks t's home and target together in CPU id order.
func (s *Scheduler) lockThreadAnd(t *Thread, target *cpu) *cpu {
	for {
		h := s.cpus[t.home.Load()]
		lockPair(h, target)
		if t.homeID() == h.id {
			return h
		}
		unlockPair(h, target)
	}
}

// rehome moves t's lock domain from one CPU to another. Both run locks are held.
func (s *Scheduler) rehome(t *Thread, from, to *cpu) {
	if from == to {
		return
	}
	delete(from.members, t.id)
	if from.curr == t {
		from.outgoing = t.id
		from.curr = nil
	}
	to.members[t.id] = t
	t.home.Store(int32(to.id))
}

func (s *Scheduler) quantumFor(t *Thread) int {
	if t.fixedQuantum {
		return t.quantum
	}
	p := s.Policy()
	if p == PolicyEDF {
		return 0
	}
	return s.quanta[p][t.band]
}

// CreateThread registers a new Ready thread. It is not queued until Enqueue.
func (s *Scheduler) CreateThread(params ThreadParams) (model.ThreadID, error) {
	if !params.Priority.Valid() {
		return 0, model.Errorf(model.KindInvalidArgument, "create thread", params.Name, "invalid priority %d", params.Priority)
	}
	if params.Quantum < 0 {
		return 0, model.Errorf(model.KindInvalidArgument, "create thread", params.Name, "quantum must be >= 0")
	}
	all := AllCPUs(len(s.cpus))
	mask := params.Affinity
	if mask.Empty() {
		mask = all
	}
	if mask&^all != 0 {
		return 0, model.Errorf(model.KindInvalidArgument, "create thread", params.Name, "affinity %s names cpus beyond %d", mask, len(s.cpus)-1)
	}

	s.tmu.Lock()
	if len(s.threads) >= s.maxThreads {
		s.tmu.Unlock()
		return 0, model.Errorf(model.KindResourceExhausted, "create thread", params.Name, "thread limit %d reached", s.maxThreads)
	}
	id := model.ThreadID(s.seq.Next())
	name := params.Name
	if name == "" {
		name = fmt.Sprintf("thread-%d", id)
	}
	t := &Thread{
		id:           id,
		proc:         params.Process,
		name:         name,
		createdAt:    s.clock.Now(),
		stackBase:    params.StackBase,
		stackSize:    params.StackSize,
		exited:       make(chan struct{}),
		base:         params.Priority,
		band:         params.Priority,
		state:        model.ThreadReady,
		quantum:      params.Quantum,
		fixedQuantum: params.Quantum > 0,
		deadline:     params.Deadline,
		context:      params.Context,
		flags:        params.Flags,
	}
	t.affinity.Store(uint64(mask))
	t.lastCPU.Store(int32(model.NoCPU))
	home := s.cpus[mask.CPUs()[0]]
	t.home.Store(int32(home.id))
	s.threads[id] = t
	s.tmu.Unlock()

	home.mu.Lock()
	if t.homeID() == home.id {
		home.members[id] = t
	}
	home.mu.Unlock()

	s.logger.Debugf("thread created id=%d name=%s priority=%s affinity=%s", id, name, params.Priority, mask)
	return id, nil
}

// Exit moves a thread to Zombie from any state. It is no longer scheduled but stays
// in the table until Reap.
func (s *Scheduler) Exit(tid model.ThreadID) error {
	t, err := s.lookup("exit", tid)
	if err != nil {
		return err
	}
	c := s.lockThread(t)
	if t.state == model.ThreadZombie {
		c.mu.Unlock()
		return nil
	}
	if t.queued {
		c.rq.remove(t)
		c.syncLoad()
	}
	if c.curr == t && t.state == model.ThreadRunning {
		c.needResched.Store(true)
	}
	t.state = model.ThreadZombie
	t.sleepSeq++
	t.wakeAt = time.Time{}
	t.waitObj = 0
	w := t.waiter
	t.waiter = nil
	close(t.exited)
	c.mu.Unlock()

	if w != nil {
		w.finish(model.Errorf(model.KindInvalidState, "block", tid.String(), "thread exited while blocked"))
	}
	return nil
}

// Reap removes a Zombie thread from the table.
func (s *Scheduler) Reap(tid model.ThreadID) error {
	t, err := s.lookup("reap", tid)
	if err != nil {
		return err
	}
	c := s.lockThread(t)
	if t.state != model.ThreadZombie {
		state := t.state
		c.mu.Unlock()
		return model.Errorf(model.KindInvalidState, "reap", tid.String(), "thread is %s, not zombie", state)
	}
	delete(c.members, tid)
	if c.curr == t {
		c.curr = nil
	}
	c.mu.Unlock()

	s.tmu.Lock()
	delete(s.threads, tid)
	s.tmu.Unlock()
	return nil
}

// Exited returns a channel closed once the thread becomes a Zombie.
func (s *Scheduler) Exited(tid model.ThreadID) (<-chan struct{}, error) {
	t, err := s.lookup("exited", tid)
	if err != nil {
		return nil, err
	}
	return t.exited, nil
}

func (s *Scheduler) Thread(tid model.ThreadID) (ThreadInfo, error) {
	t, err := s.lookup("thread", tid)
	if err != nil {
		return ThreadInfo{}, err
	}
	c := s.lockThread(t)
	defer c.mu.Unlock()
	return t.info(s.isAged(c, t)), nil
}

func (s *Scheduler) ThreadState(tid model.ThreadID) (model.ThreadState, error) {
	info, err := s.Thread(tid)
	if err != nil {
		return "", err
	}
	return info.State, nil
}

// Threads returns every registered thread ordered by id.
func (s *Scheduler) Threads() []ThreadInfo {
	s.tmu.RLock()
	list := make([]*Thread, 0, len(s.threads))
	for _, t := range s.threads {
		list = append(list, t)
	}
	s.tmu.RUnlock()
	sort.Slice(list, func(i, j int) bool { return list[i].id < list[j].id })

	out := make([]ThreadInfo, 0, len(list))
	for _, t := range list {
		c := s.lockThread(t)
		out = append(out, t.info(s.isAged(c, t)))
		c.mu.Unlock()
	}
	return out
}

// Current returns the thread Running on cpu, or its idle thread.
func (s *Scheduler) Current(id model.CPUID) (model.ThreadID, error) {
	c, err := s.cpu(id)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if r := c.running(); r != nil {
		return r.id, nil
	}
	return c.idle.id, nil
}

// IdleThread returns the id of cpu's idle thread.
func (s *Scheduler) IdleThread(id model.CPUID) (model.ThreadID, error) {
	c, err := s.cpu(id)
	if err != nil {
		return 0, err
	}
	return c.idle.id, nil
}

// NeedsResched reports whether cpu has a pending reschedule request.
func (s *Scheduler) NeedsResched(id model.CPUID) bool {
	c, err := s.cpu(id)
	if err != nil {
		return false
	}
	return c.needResched.Load()
}

func (s *Scheduler) Load(id model.CPUID) int {
	c, err := s.cpu(id)
	if err != nil {
		return 0
	}
	return int(c.loadHint.Load())
}

// Snapshot returns every CPU's view, taking one run lock at a time.
func (s *Scheduler) Snapshot() []CPUInfo {
	out := make([]CPUInfo, 0, len(s.cpus))
	for _, c := range s.cpus {
		c.mu.Lock()
		out = append(out, c.info())
		c.mu.Unlock()
	}
	return out
}

type Stats struct {
	Policy        string     `json:"policy"`
	Threads       int        `json:"threads"`
	CPUs          []CPUStats `json:"cpus"`
	BalancePasses uint64     `json:"balance_passes"`
	Migrations    uint64     `json:"migrations"`
	LastBalance   time.Time  `json:"last_balance,omitempty"`
}

func (s *Scheduler) Stats() Stats {
	st := Stats{
		Policy:        s.Policy().String(),
		BalancePasses: s.balancePasses.Load(),
		Migrations:    s.migrations.Load(),
	}
	if ns := s.lastBalance.Load(); ns != 0 {
		st.LastBalance = time.Unix(0, ns)
	}
	s.tmu.RLock()
	st.Threads = len(s.threads)
	s.tmu.RUnlock()
	for _, c := range s.cpus {
		c.mu.Lock()
		st.CPUs = append(st.CPUs, c.stats)
		c.mu.Unlock()
	}
	return st
}
