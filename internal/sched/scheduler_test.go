package sched

import (
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/orbit/internal/events"
	"github.com/msageha/orbit/internal/model"
	"github.com/msageha/orbit/internal/platform"
)

type harness struct {
	s        *Scheduler
	clock    *clock.Mock
	switches *platform.SwitchLog
	events   *events.Recorder
}

func newHarness(t *testing.T, cpus int, policy Policy, mutate ...func(*Options)) *harness {
	t.Helper()
	mock := clock.NewMock()
	h := &harness{
		clock:    mock,
		switches: platform.NewSwitchLog(4096, mock),
		events:   events.NewRecorder(),
	}
	opts := Options{
		CPUs:           cpus,
		Policy:         policy,
		Tick:           10 * time.Millisecond,
		AgingThreshold: 100,
		MLFQResetTicks: 1000,
		Clock:          mock,
		Switcher:       h.switches,
		Events:         h.events,
	}
	for _, m := range mutate {
		m(&opts)
	}
	s, err := New(opts)
	require.NoError(t, err)
	h.s = s
	return h
}

func (h *harness) spawn(t *testing.T, name string, p model.Priority, affinity ...model.CPUID) model.ThreadID {
	t.Helper()
	tid, err := h.s.CreateThread(ThreadParams{Name: name, Priority: p, Affinity: NewCPUSet(affinity...)})
	require.NoError(t, err)
	require.NoError(t, h.s.Enqueue(tid))
	return tid
}

// step ticks cpu once and reschedules when asked, the way the timer driver does.
func (h *harness) step(t *testing.T, cpu model.CPUID) {
	t.Helper()
	if h.s.Tick(cpu) {
		_, err := h.s.PickNext(cpu)
		require.NoError(t, err)
	}
}

func (h *harness) current(t *testing.T, cpu model.CPUID) model.ThreadID {
	t.Helper()
	id, err := h.s.Current(cpu)
	require.NoError(t, err)
	return id
}

func (h *harness) info(t *testing.T, tid model.ThreadID) ThreadInfo {
	t.Helper()
	info, err := h.s.Thread(tid)
	require.NoError(t, err)
	return info
}

// checkInvariants asserts at most one Running thread per CPU and load == sum of bands.
func (h *harness) checkInvariants(t *testing.T) {
	t.Helper()
	running := make(map[model.CPUID]int)
	for _, ti := range h.s.Threads() {
		if ti.State == model.ThreadRunning {
			running[ti.CPU]++
		}
		assert.False(t, ti.State == model.ThreadZombie && ti.Queued, "zombie %d is queued", ti.ID)
		if ti.Quantum > 0 {
			assert.LessOrEqual(t, ti.SliceUsed, ti.Quantum, "thread %d overran its slice", ti.ID)
		}
	}
	for cpu, n := range running {
		assert.LessOrEqual(t, n, 1, "cpu %d has %d running threads", cpu, n)
	}
	for _, ci := range h.s.Snapshot() {
		sum := 0
		for _, n := range ci.Bands {
			sum += n
		}
		assert.Equal(t, sum, ci.Load, "cpu %d load mismatch", ci.ID)
	}
}

func TestNew_RejectsBadCPUCount(t *testing.T) {
	_, err := New(Options{CPUs: 0})
	assert.True(t, errors.Is(err, model.ErrInvalidArgument))
	_, err = New(Options{CPUs: MaxCPUs + 1})
	assert.True(t, errors.Is(err, model.ErrInvalidArgument))
}

func TestRoundRobinFairness(t *testing.T) {
	h := newHarness(t, 1, PolicyRR)
	t1 := h.spawn(t, "t1", model.PriorityNormal)
	t2 := h.spawn(t, "t2", model.PriorityNormal)
	t3 := h.spawn(t, "t3", model.PriorityNormal)

	first, err := h.s.PickNext(0)
	require.NoError(t, err)
	require.Equal(t, t1, first)
	require.Equal(t, 20, h.info(t, t1).Quantum)

	ran := make(map[model.ThreadID]int)
	var order []model.ThreadID
	for tick := 0; tick < 60; tick++ {
		cur := h.current(t, 0)
		ran[cur]++
		if len(order) == 0 || order[len(order)-1] != cur {
			order = append(order, cur)
			assert.Equal(t, 0, h.info(t, cur).SliceUsed, "slice must be reset on re-entry")
		}
		h.step(t, 0)
		h.checkInvariants(t)
	}

	assert.Equal(t, map[model.ThreadID]int{t1: 20, t2: 20, t3: 20}, ran)
	assert.Equal(t, []model.ThreadID{t1, t2, t3}, order)
	assert.Equal(t, t1, h.current(t, 0), "cycle restarts with t1")
}

func TestRoundRobinDoesNotPreemptOnEnqueue(t *testing.T) {
	h := newHarness(t, 1, PolicyRR)
	low := h.spawn(t, "low", model.PriorityLow)
	_, err := h.s.PickNext(0)
	require.NoError(t, err)

	h.spawn(t, "high", model.PriorityHigh)
	assert.False(t, h.s.NeedsResched(0))
	assert.Equal(t, low, h.current(t, 0))
}

func TestFixedPriorityPreemption(t *testing.T) {
	h := newHarness(t, 1, PolicyFP)
	tLow := h.spawn(t, "low", model.PriorityLow)
	_, err := h.s.PickNext(0)
	require.NoError(t, err)
	require.Equal(t, tLow, h.current(t, 0))

	low2 := h.spawn(t, "low2", model.PriorityLow)
	normal := h.spawn(t, "normal", model.PriorityNormal)
	require.True(t, h.s.NeedsResched(0), "normal outranks low")
	tHigh := h.spawn(t, "high", model.PriorityHigh)

	next, err := h.s.PickNext(0)
	require.NoError(t, err)
	assert.Equal(t, tHigh, next)

	lowInfo := h.info(t, tLow)
	assert.Equal(t, model.ThreadReady, lowInfo.State)
	assert.True(t, lowInfo.Queued)

	require.NoError(t, h.s.Exit(tHigh))
	next, _ = h.s.PickNext(0)
	assert.Equal(t, normal, next, "no inversion with the normal band")
	require.NoError(t, h.s.Exit(normal))
	next, _ = h.s.PickNext(0)
	assert.Equal(t, tLow, next, "preempted thread resumes from the head of its band")
	require.NoError(t, h.s.Exit(tLow))
	next, _ = h.s.PickNext(0)
	assert.Equal(t, low2, next)

	pre := h.events.Events(events.EventPreemption)
	require.NotEmpty(t, pre)
	assert.Equal(t, "higher_priority", pre[0].Data["reason"])
}

func TestPickNext_EmptyReturnsIdle(t *testing.T) {
	h := newHarness(t, 2, PolicyFP)
	idle, err := h.s.IdleThread(1)
	require.NoError(t, err)

	got, err := h.s.PickNext(1)
	require.NoError(t, err)
	assert.Equal(t, idle, got)

	_, err = h.s.PickNext(7)
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestEnqueueTwiceRejected(t *testing.T) {
	h := newHarness(t, 2, PolicyRR)
	tid := h.spawn(t, "t", model.PriorityNormal)
	before := h.info(t, tid)

	err := h.s.Enqueue(tid)
	assert.True(t, errors.Is(err, model.ErrInvalidState))
	after := h.info(t, tid)
	assert.Equal(t, before.CPU, after.CPU, "first enqueue wins")
	assert.Equal(t, 1, h.s.Load(before.CPU))
}

func TestEnqueueErrors(t *testing.T) {
	h := newHarness(t, 2, PolicyRR)
	assert.True(t, errors.Is(h.s.Enqueue(999), model.ErrNotFound))

	tid := h.spawn(t, "z", model.PriorityNormal)
	require.NoError(t, h.s.Exit(tid))
	assert.True(t, errors.Is(h.s.Enqueue(tid), model.ErrInvalidState), "zombie is never enqueued")
	assert.False(t, h.info(t, tid).Queued)

	require.NoError(t, h.s.OfflineCPU(1))
	pinned, err := h.s.CreateThread(ThreadParams{Name: "pinned", Priority: model.PriorityNormal, Affinity: NewCPUSet(1)})
	require.NoError(t, err)
	assert.True(t, errors.Is(h.s.Enqueue(pinned), model.ErrCPUOffline))
}

func TestCreateThread_Validation(t *testing.T) {
	h := newHarness(t, 2, PolicyRR, func(o *Options) { o.MaxThreads = 2 })
	_, err := h.s.CreateThread(ThreadParams{Priority: model.Priority(9)})
	assert.True(t, errors.Is(err, model.ErrInvalidArgument))
	_, err = h.s.CreateThread(ThreadParams{Priority: model.PriorityNormal, Affinity: NewCPUSet(5)})
	assert.True(t, errors.Is(err, model.ErrInvalidArgument))

	_, err = h.s.CreateThread(ThreadParams{Priority: model.PriorityNormal})
	require.NoError(t, err)
	_, err = h.s.CreateThread(ThreadParams{Priority: model.PriorityNormal})
	require.NoError(t, err)
	_, err = h.s.CreateThread(ThreadParams{Priority: model.PriorityNormal})
	assert.True(t, errors.Is(err, model.ErrResourceExhausted))
}

func TestAffinityRule(t *testing.T) {
	h := newHarness(t, 3, PolicyRR)
	a := h.spawn(t, "a", model.PriorityNormal)
	b := h.spawn(t, "b", model.PriorityNormal)
	c := h.spawn(t, "c", model.PriorityNormal)
	assert.Equal(t, model.CPUID(0), h.info(t, a).CPU)
	assert.Equal(t, model.CPUID(1), h.info(t, b).CPU, "lowest load wins")
	assert.Equal(t, model.CPUID(2), h.info(t, c).CPU)

	// b ran on cpu 1 last; it returns there although cpu 0 ties on load with a lower id.
	_, err := h.s.PickNext(1)
	require.NoError(t, err)
	h.spawn(t, "d", model.PriorityNormal, 1)
	h.spawn(t, "e", model.PriorityNormal, 1)
	require.NoError(t, h.s.Yield(1))
	_, err = h.s.PickNext(1)
	require.NoError(t, err)
	require.NoError(t, h.s.Dequeue(b))
	require.NoError(t, h.s.Enqueue(b))
	assert.Equal(t, model.CPUID(1), h.info(t, b).CPU)
}

func TestSetPriority_IdempotentAndMovesBands(t *testing.T) {
	h := newHarness(t, 1, PolicyFP)
	a := h.spawn(t, "a", model.PriorityLow)
	h.spawn(t, "b", model.PriorityNormal)

	require.NoError(t, h.s.SetPriority(a, model.PriorityHigh))
	snap1 := h.s.Snapshot()[0]
	require.NoError(t, h.s.SetPriority(a, model.PriorityHigh))
	snap2 := h.s.Snapshot()[0]
	assert.Equal(t, snap1.Bands, snap2.Bands)
	assert.Equal(t, 1, snap2.Bands[model.PriorityHigh])
	assert.Equal(t, 0, snap2.Bands[model.PriorityLow])

	next, _ := h.s.PickNext(0)
	assert.Equal(t, a, next)

	assert.True(t, errors.Is(h.s.SetPriority(a, model.Priority(-1)), model.ErrInvalidArgument))
}

func TestFixedPriorityAging(t *testing.T) {
	h := newHarness(t, 1, PolicyFP, func(o *Options) { o.AgingThreshold = 5 })
	old := h.spawn(t, "old-low", model.PriorityLow)
	for i := 0; i < 5; i++ {
		h.s.Tick(0)
	}
	h.spawn(t, "young-normal", model.PriorityNormal)

	assert.True(t, h.info(t, old).Aged)
	next, err := h.s.PickNext(0)
	require.NoError(t, err)
	assert.Equal(t, old, next, "aged thread beats the younger thread of its effective band")
	assert.False(t, h.info(t, old).Aged, "effective priority reverts once it runs")
	assert.Equal(t, model.PriorityLow, h.info(t, old).Band)
}

func TestFixedPriorityAging_ThresholdNotReached(t *testing.T) {
	h := newHarness(t, 1, PolicyFP, func(o *Options) { o.AgingThreshold = 5 })
	old := h.spawn(t, "old-low", model.PriorityLow)
	for i := 0; i < 4; i++ {
		h.s.Tick(0)
	}
	young := h.spawn(t, "young-normal", model.PriorityNormal)
	next, _ := h.s.PickNext(0)
	assert.Equal(t, young, next)
	assert.False(t, h.info(t, old).Aged)
}

func TestMLFQ(t *testing.T) {
	h := newHarness(t, 1, PolicyMLFQ, func(o *Options) { o.MLFQResetTicks = 50 })
	a := h.spawn(t, "a", model.PriorityHigh)
	_, err := h.s.PickNext(0)
	require.NoError(t, err)
	require.Equal(t, 20, h.info(t, a).Quantum)

	for i := 0; i < 20; i++ {
		h.step(t, 0)
	}
	info := h.info(t, a)
	assert.Equal(t, model.PriorityNormal, info.Band, "full quantum demotes one band")
	assert.Equal(t, model.PriorityHigh, info.Priority)
	assert.Equal(t, 40, info.Quantum)

	// voluntary yield keeps the band
	require.NoError(t, h.s.Yield(0))
	_, _ = h.s.PickNext(0)
	assert.Equal(t, model.PriorityNormal, h.info(t, a).Band)

	// run to the reset epoch at tick 50
	for i := 20; i < 50; i++ {
		h.s.Tick(0)
	}
	assert.Equal(t, model.PriorityHigh, h.info(t, a).Band, "reset epoch restores the base band")
}

func TestMLFQ_FloorIsIdle(t *testing.T) {
	h := newHarness(t, 1, PolicyMLFQ, func(o *Options) {
		o.MLFQResetTicks = 0
		o.Quanta = map[string]int{"idle": 2, "low": 2}
	})
	a := h.spawn(t, "a", model.PriorityLow)
	_, _ = h.s.PickNext(0)
	for i := 0; i < 10; i++ {
		h.step(t, 0)
	}
	assert.Equal(t, model.PriorityIdle, h.info(t, a).Band)
}

func TestEDF_TieBreaks(t *testing.T) {
	h := newHarness(t, 1, PolicyEDF)
	deadline := h.clock.Now().Add(time.Second)
	mk := func(name string, p model.Priority, d time.Time) model.ThreadID {
		tid, err := h.s.CreateThread(ThreadParams{Name: name, Priority: p, Deadline: d})
		require.NoError(t, err)
		require.NoError(t, h.s.Enqueue(tid))
		return tid
	}
	late := mk("late", model.PriorityCritical, deadline.Add(time.Second))
	normalA := mk("normal-a", model.PriorityNormal, deadline)
	normalB := mk("normal-b", model.PriorityNormal, deadline)
	high := mk("high", model.PriorityHigh, deadline)
	none := mk("none", model.PriorityCritical, time.Time{})

	var order []model.ThreadID
	for i := 0; i < 5; i++ {
		next, err := h.s.PickNext(0)
		require.NoError(t, err)
		order = append(order, next)
		require.NoError(t, h.s.Exit(next))
	}
	assert.Equal(t, []model.ThreadID{high, normalA, normalB, late, none}, order)
	assert.Equal(t, 0, h.info(t, high).Quantum, "EDF has no quantum")
}

func TestEDF_PreemptsOnEarlierDeadline(t *testing.T) {
	h := newHarness(t, 1, PolicyEDF)
	now := h.clock.Now()
	a, _ := h.s.CreateThread(ThreadParams{Name: "a", Priority: model.PriorityNormal, Deadline: now.Add(time.Second)})
	require.NoError(t, h.s.Enqueue(a))
	_, _ = h.s.PickNext(0)

	for i := 0; i < 100; i++ {
		assert.False(t, h.s.Tick(0), "EDF never expires a quantum")
	}

	b, _ := h.s.CreateThread(ThreadParams{Name: "b", Priority: model.PriorityIdle, Deadline: now.Add(2 * time.Second)})
	require.NoError(t, h.s.Enqueue(b))
	assert.False(t, h.s.NeedsResched(0))

	c, _ := h.s.CreateThread(ThreadParams{Name: "c", Priority: model.PriorityIdle, Deadline: now.Add(500 * time.Millisecond)})
	require.NoError(t, h.s.Enqueue(c))
	assert.True(t, h.s.NeedsResched(0))
	next, _ := h.s.PickNext(0)
	assert.Equal(t, c, next)
}

func TestSleepUntil_WokenByTick(t *testing.T) {
	h := newHarness(t, 1, PolicyRR)
	a := h.spawn(t, "a", model.PriorityNormal)
	_, _ = h.s.PickNext(0)

	require.NoError(t, h.s.SleepUntil(a, h.clock.Now().Add(30*time.Millisecond)))
	assert.Equal(t, model.ThreadSleeping, h.info(t, a).State)
	idle, _ := h.s.IdleThread(0)
	next, _ := h.s.PickNext(0)
	assert.Equal(t, idle, next)

	h.clock.Add(20 * time.Millisecond)
	h.s.Tick(0)
	assert.Equal(t, model.ThreadSleeping, h.info(t, a).State)

	h.clock.Add(10 * time.Millisecond)
	assert.True(t, h.s.Tick(0), "wake on an idle cpu requests a reschedule")
	info := h.info(t, a)
	assert.Equal(t, model.ThreadReady, info.State)
	assert.True(t, info.Queued)
}

func TestBlock_TimeoutAndWake(t *testing.T) {
	h := newHarness(t, 1, PolicyRR)
	a := h.spawn(t, "a", model.PriorityNormal)
	b := h.spawn(t, "b", model.PriorityNormal)
	_, _ = h.s.PickNext(0)

	_, err := h.s.Block(a, 0, time.Time{})
	assert.True(t, errors.Is(err, model.ErrInvalidArgument), "blocked thread needs a wait object")

	w, err := h.s.Block(a, 42, h.clock.Now().Add(50*time.Millisecond))
	require.NoError(t, err)
	info := h.info(t, a)
	assert.Equal(t, model.ThreadBlocked, info.State)
	assert.Equal(t, WaitObject(42), info.WaitObject)

	h.clock.Add(50 * time.Millisecond)
	h.s.Tick(0)
	<-w.Done()
	assert.True(t, errors.Is(w.Err(), model.ErrTimedOut))
	assert.Equal(t, model.ThreadReady, h.info(t, a).State)

	// b blocks without a deadline and is woken by its wait object's owner
	_, _ = h.s.PickNext(0)
	w2, err := h.s.Block(b, 7, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, h.s.WakeAll(7))
	<-w2.Done()
	assert.NoError(t, w2.Err())
	assert.Equal(t, model.ThreadReady, h.info(t, b).State)

	// a late timer entry must not wake a thread that was re-blocked since
	w3, err := h.s.Block(b, 8, h.clock.Now().Add(10*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, h.s.Wake(b))
	<-w3.Done()
	_, err = h.s.Block(b, 9, time.Time{})
	require.NoError(t, err)
	h.clock.Add(20 * time.Millisecond)
	h.s.Tick(0)
	assert.Equal(t, model.ThreadBlocked, h.info(t, b).State)
}

func TestBlockUntil_Cancel(t *testing.T) {
	h := newHarness(t, 1, PolicyRR)
	a := h.spawn(t, "a", model.PriorityNormal)
	cancel := make(chan struct{})
	close(cancel)
	err := h.s.BlockUntil(a, 1, time.Time{}, cancel)
	assert.True(t, errors.Is(err, model.ErrTimedOut))
	assert.Equal(t, model.ThreadReady, h.info(t, a).State)
}

func TestWake_NoopAndZombie(t *testing.T) {
	h := newHarness(t, 1, PolicyRR)
	a := h.spawn(t, "a", model.PriorityNormal)
	assert.NoError(t, h.s.Wake(a))
	assert.Equal(t, 1, h.s.Load(0))

	require.NoError(t, h.s.Exit(a))
	assert.True(t, errors.Is(h.s.Wake(a), model.ErrInvalidState))
}

func TestExitAndReap(t *testing.T) {
	h := newHarness(t, 1, PolicyRR)
	a := h.spawn(t, "a", model.PriorityNormal)
	_, _ = h.s.PickNext(0)

	assert.True(t, errors.Is(h.s.Reap(a), model.ErrInvalidState), "only zombies are reaped")

	exited, err := h.s.Exited(a)
	require.NoError(t, err)
	require.NoError(t, h.s.Exit(a))
	<-exited
	assert.True(t, h.s.NeedsResched(0))
	require.NoError(t, h.s.Exit(a), "exit is idempotent")

	require.NoError(t, h.s.Reap(a))
	_, err = h.s.Thread(a)
	assert.True(t, errors.Is(err, model.ErrNotFound))

	idle, _ := h.s.IdleThread(0)
	next, _ := h.s.PickNext(0)
	assert.Equal(t, idle, next)
}

func TestSetAffinity_MigratesQueuedThread(t *testing.T) {
	h := newHarness(t, 2, PolicyRR)
	a := h.spawn(t, "a", model.PriorityNormal, 0)
	require.Equal(t, model.CPUID(0), h.info(t, a).CPU)

	require.NoError(t, h.s.SetAffinity(a, NewCPUSet(1)))
	info := h.info(t, a)
	assert.Equal(t, model.CPUID(1), info.CPU)
	assert.True(t, info.Queued)
	assert.Equal(t, 0, h.s.Load(0))
	assert.Equal(t, 1, h.s.Load(1))

	assert.True(t, errors.Is(h.s.SetAffinity(a, 0), model.ErrInvalidArgument))
}

func TestSetAffinity_RunningThreadMovesAtReschedule(t *testing.T) {
	h := newHarness(t, 2, PolicyRR)
	a := h.spawn(t, "a", model.PriorityNormal, 0)
	_, _ = h.s.PickNext(0)

	require.NoError(t, h.s.SetAffinity(a, NewCPUSet(1)))
	assert.True(t, h.s.NeedsResched(0))
	idle0, _ := h.s.IdleThread(0)
	next, _ := h.s.PickNext(0)
	assert.Equal(t, idle0, next)

	info := h.info(t, a)
	assert.Equal(t, model.CPUID(1), info.CPU)
	assert.Equal(t, model.ThreadReady, info.State)
	assert.True(t, info.Queued)
}

func TestContextSwitchRecorded(t *testing.T) {
	h := newHarness(t, 1, PolicyRR)
	a := h.spawn(t, "a", model.PriorityNormal)
	idle, _ := h.s.IdleThread(0)
	_, _ = h.s.PickNext(0)

	recs := h.switches.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, idle, recs[0].From)
	assert.Equal(t, a, recs[0].To)

	_, _ = h.s.PickNext(0)
	assert.Len(t, h.switches.Records(), 1, "re-picking the same thread is not a switch")
	assert.Equal(t, uint64(1), h.s.Stats().CPUs[0].ContextSwitches)
}

func TestSetPolicy(t *testing.T) {
	h := newHarness(t, 2, PolicyMLFQ)
	a := h.spawn(t, "a", model.PriorityHigh)
	_, _ = h.s.PickNext(0)
	for i := 0; i < 20; i++ {
		h.step(t, 0)
	}
	require.Equal(t, model.PriorityNormal, h.info(t, a).Band)

	require.NoError(t, h.s.SetPolicy(PolicyRR))
	assert.Equal(t, PolicyRR, h.s.Policy())
	assert.Equal(t, model.PriorityHigh, h.info(t, a).Band, "leaving MLFQ restores base bands")
	assert.True(t, h.s.NeedsResched(0))
	assert.Equal(t, "rr", h.s.Stats().Policy)
}

func TestParsePolicyAndQuanta(t *testing.T) {
	for in, want := range map[string]Policy{"rr": PolicyRR, "FP": PolicyFP, "mlfq": PolicyMLFQ, "edf": PolicyEDF} {
		got, err := ParsePolicy(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		assert.Equal(t, want, mustParse(t, got.String()))
	}
	_, err := ParsePolicy("lottery")
	assert.True(t, errors.Is(err, model.ErrInvalidArgument))

	q, err := ParseQuanta(DefaultQuanta(PolicyRR), map[string]int{"normal": 25})
	require.NoError(t, err)
	assert.Equal(t, 25, q[model.PriorityNormal])
	assert.Equal(t, 40, q[model.PriorityCritical])
	_, err = ParseQuanta(DefaultQuanta(PolicyRR), map[string]int{"normal": 0})
	assert.Error(t, err)

	rr := DefaultQuanta(PolicyRR)
	for p := model.PriorityIdle; p < model.PriorityCritical; p++ {
		assert.LessOrEqual(t, rr[p], rr[p+1], "RR quanta grow with priority")
	}
}

func mustParse(t *testing.T, s string) Policy {
	p, err := ParsePolicy(s)
	require.NoError(t, err)
	return p
}

func TestRandomOperationsKeepInvariants(t *testing.T) {
	h := newHarness(t, 4, PolicyFP, func(o *Options) { o.AgingThreshold = 7 })
	rng := rand.New(rand.NewPCG(1, 2))
	var tids []model.ThreadID
	for i := 0; i < 24; i++ {
		tids = append(tids, h.spawn(t, "", model.Priority(rng.IntN(model.NumPriorities))))
	}
	for step := 0; step < 2000; step++ {
		tid := tids[rng.IntN(len(tids))]
		cpu := model.CPUID(rng.IntN(4))
		switch rng.IntN(9) {
		case 0:
			_, _ = h.s.PickNext(cpu)
		case 1:
			h.step(t, cpu)
		case 2:
			_ = h.s.SetPriority(tid, model.Priority(rng.IntN(model.NumPriorities)))
		case 3:
			_ = h.s.SleepUntil(tid, h.clock.Now().Add(time.Duration(rng.IntN(50))*time.Millisecond))
		case 4:
			_ = h.s.Wake(tid)
		case 5:
			_, _ = h.s.Block(tid, WaitObject(rng.IntN(3)+1), time.Time{})
		case 6:
			_ = h.s.SetAffinity(tid, NewCPUSet(cpu, model.CPUID(rng.IntN(4))))
		case 7:
			h.s.Balance()
		case 8:
			h.clock.Add(10 * time.Millisecond)
			h.s.Tick(cpu)
		}
		h.checkInvariants(t)
		if t.Failed() {
			t.Fatalf("invariant broken at step %d", step)
		}
	}
}
