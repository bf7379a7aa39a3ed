package rpc

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/conclave/internal/dispatcher"
	"github.com/zjrosen/conclave/internal/registry"
)

func newTestJobDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	reg, err := registry.OpenFile(filepath.Join(t.TempDir(), "instances.json"))
	require.NoError(t, err)

	jobs := dispatcher.New(reg, dispatcher.Config{})
	d := New()
	RegisterJobVerbs(d, jobs)
	return d
}

func TestHandleExecuteParallelSubmitsOneJobPerTask(t *testing.T) {
	d := newTestJobDispatcher(t)
	resp := d.Dispatch(context.Background(), Request{
		Verb: "execute_parallel",
		Params: map[string]any{
			"manager_id": "mgr_1",
			"tasks": []any{"task-a", "task-b"},
		},
		Caller: Caller{Role: registry.RoleExecutive},
	})
	require.True(t, resp.Success)
	jobIDs, _ := resp.Data["job_ids"].([]string)
	assert.Len(t, jobIDs, 2)
}

func TestHandleExecuteParallelRequiresTasks(t *testing.T) {
	d := newTestJobDispatcher(t)
	resp := d.Dispatch(context.Background(), Request{
		Verb: "execute_parallel",
		Params: map[string]any{"manager_id": "mgr_1"},
		Caller: Caller{Role: registry.RoleExecutive},
	})
	assert.False(t, resp.Success)
}

func TestHandleDistributeWorkRoundRobin(t *testing.T) {
	d := newTestJobDispatcher(t)
	resp := d.Dispatch(context.Background(), Request{
		Verb: "distribute_work",
		Params: map[string]any{
			"tasks": []any{"a", "b", "c"},
			"managers": []any{
				map[string]any{"manager_id": "mgr_1", "capacity": 4},
				map[string]any{"manager_id": "mgr_2", "capacity": 4},
			},
		},
		Caller: Caller{Role: registry.RoleExecutive},
	})
	require.True(t, resp.Success)
	assert.Equal(t, "round_robin", resp.Data["strategy"])
	assignments, _ := resp.Data["assignments"].([]map[string]any)
	assert.Len(t, assignments, 2)
}

func TestHandleGetParallelStatusByJobID(t *testing.T) {
	d := newTestJobDispatcher(t)
	submit := d.Dispatch(context.Background(), Request{
		Verb: "execute_parallel",
		Params: map[string]any{"manager_id": "mgr_1", "tasks": []any{"only-task"}},
		Caller: Caller{Role: registry.RoleExecutive},
	})
	require.True(t, submit.Success)
	jobIDs, _ := submit.Data["job_ids"].([]string)
	require.Len(t, jobIDs, 1)

	resp := d.Dispatch(context.Background(), Request{
		Verb: "get_parallel_status",
		Params: map[string]any{"job_id": jobIDs[0]},
		Caller: Caller{Role: registry.RoleExecutive},
	})
	require.True(t, resp.Success)
	assert.Equal(t, jobIDs[0], resp.Data["job_id"])
}

func TestHandleGetParallelStatusByManagerID(t *testing.T) {
	d := newTestJobDispatcher(t)
	submit := d.Dispatch(context.Background(), Request{
		Verb: "execute_parallel",
		Params: map[string]any{"manager_id": "mgr_1", "tasks": []any{"a", "b"}},
		Caller: Caller{Role: registry.RoleExecutive},
	})
	require.True(t, submit.Success)

	resp := d.Dispatch(context.Background(), Request{
		Verb: "get_parallel_status",
		Params: map[string]any{"manager_id": "mgr_1"},
		Caller: Caller{Role: registry.RoleExecutive},
	})
	require.True(t, resp.Success)
	assert.EqualValues(t, 2, resp.Data["total"])
	assert.EqualValues(t, 2, resp.Data["pending"])
}

func TestHandleGetParallelStatusUnknownJobID(t *testing.T) {
	d := newTestJobDispatcher(t)
	resp := d.Dispatch(context.Background(), Request{
		Verb: "get_parallel_status",
		Params: map[string]any{"job_id": "does-not-exist"},
		Caller: Caller{Role: registry.RoleExecutive},
	})
	assert.False(t, resp.Success)
}
