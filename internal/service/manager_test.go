package service

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/orbit/internal/configstore"
	"github.com/msageha/orbit/internal/events"
	"github.com/msageha/orbit/internal/logging"
	"github.com/msageha/orbit/internal/model"
	"github.com/msageha/orbit/internal/platform"
	"github.com/msageha/orbit/internal/proc"
	"github.com/msageha/orbit/internal/sched"
)

// signalLog wraps the process table and records every signal per thread.
type signalLog struct {
	*proc.Table
	mu      sync.Mutex
	signals map[model.ThreadID][]platform.Signal
}

func (l *signalLog) Kill(tid model.ThreadID, sig platform.Signal) error {
	l.mu.Lock()
	l.signals[tid] = append(l.signals[tid], sig)
	l.mu.Unlock()
	return l.Table.Kill(tid, sig)
}

func (l *signalLog) of(tid model.ThreadID) []platform.Signal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]platform.Signal(nil), l.signals[tid]...)
}

type fixture struct {
	m      *Manager
	s      *sched.Scheduler
	procs  *signalLog
	clock  *clock.Mock
	events *events.Recorder
	store  *configstore.Store
}

func newFixture(t *testing.T, mutate ...func(*Options)) *fixture {
	t.Helper()
	mock := clock.NewMock()
	rec := events.NewRecorder()
	s, err := sched.New(sched.Options{CPUs: 4, Policy: sched.PolicyRR, Clock: mock, Events: rec})
	require.NoError(t, err)
	procs := &signalLog{Table: proc.NewTable(s, logging.Discard()), signals: make(map[model.ThreadID][]platform.Signal)}
	dir := t.TempDir()
	store := configstore.New(filepath.Join(dir, "config_store.yaml"), filepath.Join(dir, "quarantine"), mock, logging.Discard())

	opts := Options{
		Scheduler: s,
		Procs:     procs,
		Store:     store,
		Events:    rec,
		Clock:     mock,
		Config: model.ServicesConfig{
			GracefulStopMs: 1000,
			ProbeTimeoutMs: 500,
		},
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	m, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return &fixture{m: m, s: s, procs: procs, clock: mock, events: rec, store: store}
}

func unit(name string, deps ...string) model.ServiceDescriptor {
	return model.ServiceDescriptor{
		Name:      name,
		Priority:  model.PriorityNormal,
		Instances: 1,
		DependsOn: deps,
	}
}

func (f *fixture) register(t *testing.T, descs ...model.ServiceDescriptor) {
	t.Helper()
	for _, d := range descs {
		_, err := f.m.Register(d, nil, true)
		require.NoError(t, err)
	}
}

func (f *fixture) state(t *testing.T, name string) model.ServiceState {
	t.Helper()
	info, err := f.m.Get(name)
	require.NoError(t, err)
	return info.State
}

// transitions lists "service:new-state" for every state change, in publish order.
func (f *fixture) transitions(names ...string) []string {
	want := make(map[string]bool)
	for _, n := range names {
		want[n] = true
	}
	var out []string
	for _, e := range f.events.Events(events.EventStateChange) {
		if len(want) == 0 || want[e.Subject] {
			out = append(out, e.Subject+":"+e.Data["new"].(string))
		}
	}
	return out
}

func TestStart_DependencyOrder(t *testing.T) {
	f := newFixture(t)
	f.register(t, unit("a"), unit("b", "a"), unit("c", "b"))

	require.NoError(t, f.m.Start(context.Background(), "c"))

	assert.Equal(t, []string{
		"a:starting", "a:running",
		"b:starting", "b:running",
		"c:starting", "c:running",
	}, f.transitions())

	var order []string
	for _, e := range f.events.Events(events.EventServiceRegistered, events.EventStateChange) {
		if e.Subject == "a" {
			order = append(order, string(e.Type))
		}
	}
	assert.Equal(t, []string{"service_registered", "state_change", "state_change"}, order)

	for _, n := range []string{"a", "b", "c"} {
		info, err := f.m.Get(n)
		require.NoError(t, err)
		assert.Equal(t, model.ServiceRunning, info.State)
		require.Len(t, info.Instances, 1)
		assert.Equal(t, model.ThreadReady, info.Instances[0].ThreadState)
		assert.Len(t, f.procs.Processes(n), 1)
	}
}

func TestStart_DependencyFailsReadiness(t *testing.T) {
	f := newFixture(t)
	f.register(t, unit("a"), unit("b", "a"), unit("c", "b"))
	f.m.SetProbe("a", Static(model.HealthUnhealthy, "port closed"))

	err := f.m.Start(context.Background(), "c")
	require.Error(t, err)
	assert.Equal(t, model.KindDependencyFailure, model.KindOf(err))
	var e *model.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, "a", e.Subject)
	assert.True(t, errors.Is(err, model.ErrDependencyFailure))

	assert.Equal(t, model.ServiceFailed, f.state(t, "a"))
	assert.Equal(t, model.ServiceStopped, f.state(t, "b"))
	assert.Equal(t, model.ServiceStopped, f.state(t, "c"))
	assert.Empty(t, f.transitions("b", "c"))
	assert.Empty(t, f.procs.Processes("a"), "failed service keeps no instances")
}

func TestStart_RequiresRunningDependency(t *testing.T) {
	f := newFixture(t)
	f.register(t, unit("a"), unit("b", "a"))
	require.NoError(t, f.m.Disable("a"))

	err := f.m.Start(context.Background(), "b")
	assert.Equal(t, model.KindDependencyFailure, model.KindOf(err))
	assert.Equal(t, model.ServiceStopped, f.state(t, "b"))
}

func TestStartStop_GenerationAdvancesByTwo(t *testing.T) {
	f := newFixture(t)
	f.register(t, unit("a"))
	before, err := f.m.Get("a")
	require.NoError(t, err)

	require.NoError(t, f.m.Start(context.Background(), "a"))
	require.NoError(t, f.m.Stop(context.Background(), "a"))

	after, err := f.m.Get("a")
	require.NoError(t, err)
	assert.Equal(t, model.ServiceStopped, after.State)
	assert.Equal(t, before.Generation+2, after.Generation)
	assert.Empty(t, after.Instances)
	assert.Empty(t, f.procs.Processes("a"))
	assert.Empty(t, f.s.Threads())

	// a completion transition carries the generation of the operation it completes
	var gens []uint64
	for _, e := range f.events.Events(events.EventStateChange) {
		gens = append(gens, e.Data["generation"].(uint64))
	}
	g := before.Generation
	assert.Equal(t, []uint64{g + 1, g + 1, g + 2, g + 2}, gens)

	entry, ok := f.store.Entry("a")
	require.True(t, ok)
	assert.Equal(t, model.ServiceStopped, entry.State)
	assert.Equal(t, after.Generation, entry.Generation)
}

func TestStart_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.register(t, unit("a"))
	require.NoError(t, f.m.Start(context.Background(), "a"))
	require.NoError(t, f.m.Start(context.Background(), "a"))
	assert.Len(t, f.transitions(), 2)
	assert.Len(t, f.procs.Processes("a"), 1)
}

func TestStop_DependentsFirst(t *testing.T) {
	f := newFixture(t)
	f.register(t, unit("a"), unit("b", "a"), unit("c", "b"), unit("other"))
	require.NoError(t, f.m.Start(context.Background(), "c"))
	require.NoError(t, f.m.Start(context.Background(), "other"))
	f.events.Reset()

	require.NoError(t, f.m.Stop(context.Background(), "a"))

	assert.Equal(t, []string{
		"c:stopping", "c:stopped",
		"b:stopping", "b:stopped",
		"a:stopping", "a:stopped",
	}, f.transitions())
	assert.Equal(t, model.ServiceRunning, f.state(t, "other"))
}

func TestStop_GracefulSendsOnlyTerm(t *testing.T) {
	f := newFixture(t)
	d := unit("a")
	d.Instances = 2
	f.register(t, d)
	require.NoError(t, f.m.Start(context.Background(), "a"))
	info, err := f.m.Get("a")
	require.NoError(t, err)

	require.NoError(t, f.m.Stop(context.Background(), "a"))
	for _, inst := range info.Instances {
		assert.Equal(t, []platform.Signal{platform.SignalTerm}, f.procs.of(inst.Thread))
	}
}

func TestStop_ForcesAfterGracefulWindowWithoutDoubleKill(t *testing.T) {
	f := newFixture(t)
	d := unit("a")
	d.Instances = 2
	f.register(t, d)
	require.NoError(t, f.m.Start(context.Background(), "a"))
	info, err := f.m.Get("a")
	require.NoError(t, err)
	f.procs.SetIgnoreTerm("a", true)

	done := make(chan error, 1)
	go func() { done <- f.m.Stop(context.Background(), "a") }()

	var stopErr error
	require.Eventually(t, func() bool {
		select {
		case stopErr = <-done:
			return true
		default:
			f.clock.Add(250 * time.Millisecond)
			return false
		}
	}, 5*time.Second, time.Millisecond)
	require.NoError(t, stopErr)

	assert.Equal(t, model.ServiceStopped, f.state(t, "a"))
	for _, inst := range info.Instances {
		assert.Equal(t, []platform.Signal{platform.SignalTerm, platform.SignalKill}, f.procs.of(inst.Thread))
	}
	assert.Empty(t, f.s.Threads())
}

func TestStop_CancelledContextForcesImmediately(t *testing.T) {
	f := newFixture(t)
	f.register(t, unit("a"))
	require.NoError(t, f.m.Start(context.Background(), "a"))
	info, err := f.m.Get("a")
	require.NoError(t, err)
	f.procs.SetIgnoreTerm("a", true)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, f.m.Stop(ctx, "a"))
	assert.Equal(t, model.ServiceStopped, f.state(t, "a"))
	assert.Equal(t, []platform.Signal{platform.SignalTerm, platform.SignalKill}, f.procs.of(info.Instances[0].Thread))
}

func TestStart_DisabledRefused(t *testing.T) {
	f := newFixture(t)
	_, err := f.m.Register(unit("a"), nil, false)
	require.NoError(t, err)

	err = f.m.Start(context.Background(), "a")
	assert.Equal(t, model.KindInvalidState, model.KindOf(err))

	require.NoError(t, f.m.Enable("a"))
	require.NoError(t, f.m.Start(context.Background(), "a"))
	assert.Len(t, f.events.Events(events.EventServiceEnabled), 1)

	entry, ok := f.store.Entry("a")
	require.True(t, ok)
	assert.True(t, entry.Enabled)
}

func TestStart_ThreadLimitFailsService(t *testing.T) {
	mock := clock.NewMock()
	s, err := sched.New(sched.Options{CPUs: 2, Clock: mock, MaxThreads: 2})
	require.NoError(t, err)
	procs := proc.NewTable(s, logging.Discard())
	m, err := New(Options{Scheduler: s, Procs: procs, Clock: mock})
	require.NoError(t, err)
	t.Cleanup(m.Close)

	d := unit("a")
	d.Instances = 3
	_, err = m.Register(d, nil, true)
	require.NoError(t, err)

	err = m.Start(context.Background(), "a")
	assert.Equal(t, model.KindResourceExhausted, model.KindOf(err))
	info, err := m.Get("a")
	require.NoError(t, err)
	assert.Equal(t, model.ServiceFailed, info.State)
	assert.Empty(t, procs.Processes("a"))
	assert.Empty(t, s.Threads())
}

func TestAtomicGroupStart_RollsBack(t *testing.T) {
	f := newFixture(t)
	c := unit("c", "b")
	c.AtomicGroupStart = true
	f.register(t, unit("a"), unit("b", "a"), c)
	f.m.SetProbe("c", Static(model.HealthUnhealthy, "bad config"))

	err := f.m.Start(context.Background(), "c")
	assert.Equal(t, model.KindInvalidState, model.KindOf(err))

	var rolled []string
	for _, e := range f.events.Events(events.EventRollback) {
		rolled = append(rolled, e.Subject)
	}
	assert.Equal(t, []string{"b", "a"}, rolled)
	assert.Equal(t, model.ServiceStopped, f.state(t, "a"))
	assert.Equal(t, model.ServiceStopped, f.state(t, "b"))
	assert.Equal(t, model.ServiceFailed, f.state(t, "c"))
}

func TestStart_WithoutAtomicGroupKeepsDependencies(t *testing.T) {
	f := newFixture(t)
	f.register(t, unit("a"), unit("b", "a"))
	f.m.SetProbe("b", Static(model.HealthUnhealthy, ""))

	require.Error(t, f.m.Start(context.Background(), "b"))
	assert.Empty(t, f.events.Events(events.EventRollback))
	assert.Equal(t, model.ServiceRunning, f.state(t, "a"))
}

func TestRestart_BringsBackActiveDependents(t *testing.T) {
	f := newFixture(t)
	f.register(t, unit("a"), unit("b", "a"), unit("c", "a"))
	require.NoError(t, f.m.Start(context.Background(), "b"))
	f.events.Reset()

	require.NoError(t, f.m.Restart(context.Background(), "a"))

	assert.Equal(t, model.ServiceRunning, f.state(t, "a"))
	assert.Equal(t, model.ServiceRunning, f.state(t, "b"))
	assert.Equal(t, model.ServiceStopped, f.state(t, "c"), "inactive dependents stay stopped")
	assert.Equal(t, []string{
		"b:stopping", "b:stopped",
		"a:stopping", "a:stopped",
		"a:starting", "a:running",
		"b:starting", "b:running",
	}, f.transitions())
}

func TestReload(t *testing.T) {
	t.Run("reload capable sends hup", func(t *testing.T) {
		f := newFixture(t)
		d := unit("a")
		d.Instances = 2
		d.ReloadCapable = true
		f.register(t, d)
		require.NoError(t, f.m.Start(context.Background(), "a"))
		before, _ := f.m.Get("a")

		require.NoError(t, f.m.Reload(context.Background(), "a"))
		after, _ := f.m.Get("a")
		assert.Equal(t, before.Generation, after.Generation)
		for _, p := range f.procs.Processes("a") {
			assert.Equal(t, 1, p.Reloads)
		}
		assert.Len(t, f.events.Events(events.EventServiceReloaded), 1)
	})

	t.Run("otherwise restarts", func(t *testing.T) {
		f := newFixture(t)
		f.register(t, unit("a"))
		require.NoError(t, f.m.Start(context.Background(), "a"))
		before, _ := f.m.Get("a")

		require.NoError(t, f.m.Reload(context.Background(), "a"))
		after, _ := f.m.Get("a")
		assert.Equal(t, before.Generation+2, after.Generation)
		assert.Equal(t, model.ServiceRunning, after.State)
	})

	t.Run("stopped service", func(t *testing.T) {
		f := newFixture(t)
		d := unit("a")
		d.ReloadCapable = true
		f.register(t, d)
		err := f.m.Reload(context.Background(), "a")
		assert.Equal(t, model.KindInvalidState, model.KindOf(err))
	})
}

func TestUpdateConfig(t *testing.T) {
	f := newFixture(t)
	capable := unit("web")
	capable.ReloadCapable = true
	f.register(t, capable, unit("batch"))
	require.NoError(t, f.m.Start(context.Background(), "web"))
	require.NoError(t, f.m.Start(context.Background(), "batch"))
	webBefore, _ := f.m.Get("web")
	batchBefore, _ := f.m.Get("batch")

	cfg, err := f.m.UpdateConfig(context.Background(), "web", "network.bind_port", model.IntValue(9000))
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Network.BindPort)
	assert.Equal(t, 1, f.procs.Processes("web")[0].Reloads)

	_, err = f.m.UpdateConfig(context.Background(), "batch", "secrets.TOKEN", model.StringValue("vault:batch"))
	require.NoError(t, err)
	assert.Equal(t, 0, f.procs.Processes("batch")[0].Reloads)

	webAfter, _ := f.m.Get("web")
	batchAfter, _ := f.m.Get("batch")
	assert.Equal(t, webBefore.Generation, webAfter.Generation)
	assert.Equal(t, batchBefore.Generation, batchAfter.Generation, "no automatic restart")

	changed := f.events.Events(events.EventConfigChanged)
	require.Len(t, changed, 2)
	assert.Equal(t, "********", changed[1].Data["value"])

	_, err = f.m.UpdateConfig(context.Background(), "web", "network.bind_port", model.IntValue(0x10000))
	assert.Equal(t, model.KindInvalidArgument, model.KindOf(err))
}

func TestRegister_Errors(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Config.MaxServices = 3 })
	f.register(t, unit("a", "b"))

	_, err := f.m.Register(unit("a"), nil, true)
	assert.Equal(t, model.KindAlreadyExists, model.KindOf(err))

	_, err = f.m.Register(unit("b", "a"), nil, true)
	assert.Equal(t, model.KindInvalidArgument, model.KindOf(err))
	assert.Contains(t, err.Error(), "circular dependency")

	_, err = f.m.Register(model.ServiceDescriptor{Name: "bad name"}, nil, true)
	assert.Equal(t, model.KindInvalidArgument, model.KindOf(err))

	_, err = f.m.Register(unit("c"), &model.ServiceConfig{Network: model.NetworkConfig{BindPort: 70000}}, true)
	assert.Equal(t, model.KindInvalidArgument, model.KindOf(err))

	f.register(t, unit("b"), unit("c"))
	_, err = f.m.Register(unit("d"), nil, true)
	assert.Equal(t, model.KindResourceExhausted, model.KindOf(err))
}

func TestStart_DanglingDependency(t *testing.T) {
	f := newFixture(t)
	f.register(t, unit("a", "missing"))
	err := f.m.Start(context.Background(), "a")
	assert.Equal(t, model.KindNotFound, model.KindOf(err))
	assert.Equal(t, model.ServiceStopped, f.state(t, "a"))
}

func TestUnregister(t *testing.T) {
	f := newFixture(t)
	f.register(t, unit("a"))
	require.NoError(t, f.m.Start(context.Background(), "a"))

	err := f.m.Unregister("a")
	assert.Equal(t, model.KindInvalidState, model.KindOf(err))

	require.NoError(t, f.m.Stop(context.Background(), "a"))
	require.NoError(t, f.m.Unregister("a"))
	_, err = f.m.Get("a")
	assert.Equal(t, model.KindNotFound, model.KindOf(err))
	_, ok := f.store.Entry("a")
	assert.False(t, ok)
	assert.Len(t, f.events.Events(events.EventServiceUnregistered), 1)
}

func TestList_Filters(t *testing.T) {
	f := newFixture(t)
	net := unit("web")
	net.Type = model.ServiceTypeNetwork
	net.Tags = []string{"frontend"}
	f.register(t, unit("a"), net)
	_, err := f.m.Register(unit("off"), nil, false)
	require.NoError(t, err)
	require.NoError(t, f.m.Start(context.Background(), "a"))

	names := func(infos []Info) []string {
		var out []string
		for _, i := range infos {
			out = append(out, i.Name)
		}
		return out
	}
	assert.Equal(t, []string{"a", "web", "off"}, names(f.m.List(Filter{})))
	assert.Equal(t, []string{"a"}, names(f.m.List(Filter{State: model.ServiceRunning})))
	assert.Equal(t, []string{"web"}, names(f.m.List(Filter{Type: model.ServiceTypeNetwork})))
	assert.Equal(t, []string{"web"}, names(f.m.List(Filter{Tag: "frontend"})))
	assert.Equal(t, []string{"a", "web"}, names(f.m.List(Filter{EnabledOnly: true})))

	info, err := f.m.Get("service:1")
	require.NoError(t, err)
	assert.Equal(t, "a", info.Name)
}

func TestPool_FollowsServiceState(t *testing.T) {
	f := newFixture(t)
	d := unit("api")
	d.Instances = 2
	d.Pool = &model.PoolSpec{
		Strategy: model.BalanceWeightedRoundRobin,
		Endpoints: []model.PoolEndpoint{
			{Endpoint: "10.0.0.1:80", Weight: 3},
			{Endpoint: "10.0.0.2:80", Weight: 1},
		},
	}
	f.register(t, d, unit("plain"))

	_, err := f.m.Select("api", "")
	assert.Equal(t, model.KindNoHealthyInstance, model.KindOf(err))
	_, err = f.m.Select("plain", "")
	assert.Equal(t, model.KindInvalidArgument, model.KindOf(err))

	require.NoError(t, f.m.Start(context.Background(), "api"))
	p, err := f.m.Pool("api")
	require.NoError(t, err)

	counts := make(map[string]int)
	for i := 0; i < 40; i++ {
		inst, err := f.m.Select("api", "")
		require.NoError(t, err)
		counts[inst.Endpoint]++
		require.NoError(t, p.Release(inst.ID, true, time.Millisecond))
	}
	assert.Equal(t, 30, counts["10.0.0.1:80"])
	assert.Equal(t, 10, counts["10.0.0.2:80"])

	require.NoError(t, f.m.Stop(context.Background(), "api"))
	_, err = f.m.Select("api", "")
	assert.Equal(t, model.KindNoHealthyInstance, model.KindOf(err))
	assert.Equal(t, 0, p.Len())
}

func TestPool_InstanceHealthSurvivesServiceProbes(t *testing.T) {
	f := newFixture(t)
	d := unit("api")
	d.Instances = 2
	d.Pool = &model.PoolSpec{
		Strategy: model.BalanceWeightedRoundRobin,
		Endpoints: []model.PoolEndpoint{
			{Endpoint: "10.0.0.1:80", Weight: 3},
			{Endpoint: "10.0.0.2:80", Weight: 1},
		},
	}
	f.register(t, d)
	f.m.SetProbe("api", Static(model.HealthHealthy, "ok"))
	require.NoError(t, f.m.Start(context.Background(), "api"))
	p, err := f.m.Pool("api")
	require.NoError(t, err)

	ids := make(map[string]model.InstanceID)
	for _, inst := range p.Instances() {
		ids[inst.Endpoint] = inst.ID
	}
	require.Len(t, ids, 2)

	require.NoError(t, p.SetHealth(ids["10.0.0.1:80"], model.HealthUnhealthy))
	_, err = f.m.ProbeNow(context.Background(), "api")
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		inst, err := f.m.Select("api", "")
		require.NoError(t, err)
		assert.Equal(t, "10.0.0.2:80", inst.Endpoint)
		require.NoError(t, p.Release(inst.ID, true, time.Millisecond))
	}

	require.NoError(t, p.SetHealth(ids["10.0.0.2:80"], model.HealthUnhealthy))
	_, err = f.m.ProbeNow(context.Background(), "api")
	require.NoError(t, err)
	_, err = f.m.Select("api", "")
	assert.Equal(t, model.KindNoHealthyInstance, model.KindOf(err))
}
