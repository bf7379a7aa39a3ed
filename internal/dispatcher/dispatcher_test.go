package dispatcher

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/conclave/internal/registry"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, context.Context) {
	t.Helper()
	reg, err := registry.OpenFile(filepath.Join(t.TempDir(), "instances.json"))
	require.NoError(t, err)
	return New(reg, Config{}), context.Background()
}

func TestNextDequeuesStrictlyByPriorityThenFIFO(t *testing.T) {
	d, ctx := newTestDispatcher(t)

	require.NoError(t, d.Submit(ctx, &registry.Job{JobID: "low-1", Priority: registry.PriorityLow}))
	require.NoError(t, d.Submit(ctx, &registry.Job{JobID: "high-1", Priority: registry.PriorityHigh}))
	require.NoError(t, d.Submit(ctx, &registry.Job{JobID: "high-2", Priority: registry.PriorityHigh}))
	require.NoError(t, d.Submit(ctx, &registry.Job{JobID: "critical-1", Priority: registry.PriorityCritical}))

	order := []string{}
	for {
		job, ok, err := d.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		order = append(order, job.JobID)
		require.NoError(t, d.Complete(ctx, job.JobID))
	}
	assert.Equal(t, []string{"critical-1", "high-1", "high-2", "low-1"}, order)
}

func TestNextSkipsActiveAndCompletedJobs(t *testing.T) {
	d, ctx := newTestDispatcher(t)
	require.NoError(t, d.Submit(ctx, &registry.Job{JobID: "a", Priority: registry.PriorityMedium}))

	job, ok, err := d.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", job.JobID)

	_, ok, err = d.Next(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFailReschedulesUntilMaxAttemptsThenFails(t *testing.T) {
	d, ctx := newTestDispatcher(t)
	require.NoError(t, d.Submit(ctx, &registry.Job{JobID: "flaky", Priority: registry.PriorityHigh, MaxAttempts: 2}))

	job, ok, err := d.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, d.Fail(ctx, job.JobID))

	reFetched, ok, err := d.reg.GetJob(ctx, "flaky")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, registry.JobPending, reFetched.Status)
	assert.Equal(t, 1, reFetched.Attempts)
	assert.False(t, reFetched.NextRetryAt.IsZero())

	// NextRetryAt is in the future, so Next should not redeliver it yet.
	_, ok, err = d.Next(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	// Force retry eligibility and exhaust the remaining attempt.
	require.NoError(t, d.reg.UpdateJob(ctx, "flaky", func(j *registry.Job) { j.NextRetryAt = job.CreatedAt }))
	job, ok, err = d.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, d.Fail(ctx, job.JobID))

	final, ok, err := d.reg.GetJob(ctx, "flaky")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, registry.JobFailed, final.Status)
	assert.Equal(t, 2, final.Attempts)
}

func TestAcquireSlotHonorsGlobalAndPerManagerLimits(t *testing.T) {
	d, _ := newTestDispatcher(t)
	d.cfg.MaxConcurrentSpawns = 3
	d.cfg.MaxSpecialistsPerMgr = 2

	assert.True(t, d.AcquireSlot("mgr_1_1"))
	assert.True(t, d.AcquireSlot("mgr_1_1"))
	assert.False(t, d.AcquireSlot("mgr_1_1")) // per-manager cap reached

	assert.True(t, d.AcquireSlot("mgr_1_2"))
	assert.False(t, d.AcquireSlot("mgr_1_3")) // global cap reached

	d.ReleaseSlot("mgr_1_1")
	assert.True(t, d.AcquireSlot("mgr_1_3"))
}

func TestRoundRobinDistributesEvenly(t *testing.T) {
	managers := []ManagerLoad{{ManagerID: "mgr_1_1"}, {ManagerID: "mgr_1_2"}}
	tasks := []string{"t1", "t2", "t3", "t4", "t5"}

	result := RoundRobin(tasks, managers)
	require.Len(t, result, 2)
	total := 0
	for _, a := range result {
		total += len(a.Tasks)
	}
	assert.Equal(t, len(tasks), total)
	assert.Equal(t, []string{"t1", "t3", "t5"}, result[0].Tasks)
	assert.Equal(t, []string{"t2", "t4"}, result[1].Tasks)
}

func TestLeastLoadedPrefersLowerActiveCount(t *testing.T) {
	managers := []ManagerLoad{
		{ManagerID: "busy", Active: 3},
		{ManagerID: "idle", Active: 0},
	}
	result := LeastLoaded([]string{"t1"}, managers)
	require.Len(t, result, 1)
	assert.Equal(t, "idle", result[0].ManagerID)
}

func TestCapacityAwarePrefersMoreRemainingCapacity(t *testing.T) {
	managers := []ManagerLoad{
		{ManagerID: "tight", Active: 3, Capacity: 4},
		{ManagerID: "roomy", Active: 1, Capacity: 8},
	}
	result := CapacityAware([]string{"t1", "t2"}, managers)
	require.Len(t, result, 1)
	assert.Equal(t, "roomy", result[0].ManagerID)
	assert.Len(t, result[0].Tasks, 2)
}

func TestDistributionStrategiesConserveTaskCount(t *testing.T) {
	managers := []ManagerLoad{{ManagerID: "a", Capacity: 2}, {ManagerID: "b", Capacity: 5}, {ManagerID: "c", Capacity: 1}}
	tasks := []string{"1", "2", "3", "4", "5", "6", "7"}

	for _, strategy := range []Strategy{RoundRobin, LeastLoaded, CapacityAware} {
		result := strategy(tasks, managers)
		total := 0
		for _, a := range result {
			total += len(a.Tasks)
		}
		assert.Equal(t, len(tasks), total)
	}
}
