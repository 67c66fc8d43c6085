package sched

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/orbit/internal/events"
	"github.com/msageha/orbit/internal/model"
)

// spawnOn places a thread on cpu and then allows it everywhere.
func (h *harness) spawnOn(t *testing.T, name string, cpu model.CPUID) model.ThreadID {
	t.Helper()
	tid := h.spawn(t, name, model.PriorityNormal, cpu)
	require.NoError(t, h.s.SetAffinity(tid, AllCPUs(h.s.NumCPUs())))
	return tid
}

func TestOfflineCPU_DrainsEverything(t *testing.T) {
	h := newHarness(t, 2, PolicyRR)
	run := h.spawnOn(t, "run", 1)
	queued := h.spawnOn(t, "queued", 1)
	sleeper := h.spawnOn(t, "sleeper", 1)
	_, err := h.s.PickNext(1)
	require.NoError(t, err)
	require.Equal(t, run, h.current(t, 1))
	require.NoError(t, h.s.SleepUntil(sleeper, h.clock.Now().Add(20*time.Millisecond)))

	require.NoError(t, h.s.OfflineCPU(1))
	assert.Equal(t, []model.CPUID{0}, h.s.Online())
	assert.Equal(t, model.CPUOffline, h.s.Snapshot()[1].State)
	assert.Equal(t, 2, h.s.Load(0))
	for _, tid := range []model.ThreadID{run, queued} {
		info := h.info(t, tid)
		assert.Equal(t, model.CPUID(0), info.CPU)
		assert.Equal(t, model.ThreadReady, info.State)
		assert.True(t, info.Queued)
	}
	h.checkInvariants(t)

	idle1, _ := h.s.IdleThread(1)
	recs := h.switches.Records()
	require.NotEmpty(t, recs)
	last := recs[len(recs)-1]
	assert.Equal(t, model.CPUID(1), last.CPU)
	assert.Equal(t, run, last.From)
	assert.Equal(t, idle1, last.To)
	assert.Equal(t, []model.ThreadID{run, idle1}, h.switches.To(1))

	// the sleeper's timer follows it to cpu 0
	h.clock.Add(20 * time.Millisecond)
	h.s.Tick(0)
	info := h.info(t, sleeper)
	assert.Equal(t, model.ThreadReady, info.State)
	assert.Equal(t, model.CPUID(0), info.CPU)
	assert.Equal(t, 3, h.s.Load(0))

	off := h.events.Events(events.EventCPUOffline)
	require.Len(t, off, 1)
	assert.Equal(t, 2, off[0].Data["drained"])

	assert.False(t, h.s.Tick(1))
	_, err = h.s.PickNext(1)
	assert.True(t, errors.Is(err, model.ErrCPUOffline))
}

func TestOfflineCPU_Refusals(t *testing.T) {
	h := newHarness(t, 2, PolicyRR)
	pinned := h.spawn(t, "pinned", model.PriorityNormal, 1)

	err := h.s.OfflineCPU(1)
	assert.True(t, errors.Is(err, model.ErrInvalidState), "pinned thread blocks offline")
	assert.Contains(t, err.Error(), pinned.String())
	assert.Equal(t, model.CPUOnline, h.s.Snapshot()[1].State)

	require.NoError(t, h.s.Exit(pinned))
	require.NoError(t, h.s.OfflineCPU(1), "zombies do not pin")
	require.NoError(t, h.s.OfflineCPU(1), "offline is idempotent")

	err = h.s.OfflineCPU(0)
	assert.True(t, errors.Is(err, model.ErrInvalidState), "last online cpu stays")

	_, err = h.s.CreateThread(ThreadParams{Priority: model.PriorityNormal, Affinity: NewCPUSet(1)})
	require.NoError(t, err)
	tid := h.spawn(t, "any", model.PriorityNormal)
	assert.True(t, errors.Is(h.s.SetAffinity(tid, NewCPUSet(1)), model.ErrCPUOffline))
}

func TestOnlineCPU(t *testing.T) {
	h := newHarness(t, 2, PolicyRR)
	require.NoError(t, h.s.OnlineCPU(1), "online is idempotent")
	assert.Empty(t, h.events.Events(events.EventCPUOnline))

	require.NoError(t, h.s.OfflineCPU(1))
	a := h.spawn(t, "a", model.PriorityNormal)
	assert.Equal(t, model.CPUID(0), h.info(t, a).CPU)

	require.NoError(t, h.s.OnlineCPU(1))
	assert.Len(t, h.events.Events(events.EventCPUOnline), 1)
	b := h.spawn(t, "b", model.PriorityNormal)
	assert.Equal(t, model.CPUID(1), h.info(t, b).CPU)

	idle1, _ := h.s.IdleThread(1)
	next, err := h.s.PickNext(1)
	require.NoError(t, err)
	assert.Equal(t, b, next)
	assert.NotEqual(t, idle1, next)

	assert.True(t, errors.Is(h.s.OnlineCPU(9), model.ErrNotFound))
}
