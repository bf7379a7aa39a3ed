package rpc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/conclave/internal/orchestration/metrics"
	"github.com/zjrosen/conclave/internal/registry"
)

func newTestMetricsDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	rec, err := metrics.NewRecorder(metrics.Config{Enabled: true})
	require.NoError(t, err)
	d := New()
	RegisterMetricsVerbs(d, rec)
	return d
}

func TestHandleRecordMetricRequiresNameAndValue(t *testing.T) {
	d := newTestMetricsDispatcher(t)
	resp := d.Dispatch(context.Background(), Request{
		Verb: "record_metric",
		Params: map[string]any{"name": "lock_age_seconds"},
		Caller: Caller{Role: registry.RoleExecutive},
	})
	assert.False(t, resp.Success)
}

func TestHandleRecordMetricSucceeds(t *testing.T) {
	d := newTestMetricsDispatcher(t)
	resp := d.Dispatch(context.Background(), Request{
		Verb: "record_metric",
		Params: map[string]any{
			"name": "queue_age_seconds",
			"value": 4.5,
			"attrs": map[string]any{"manager_id": "mgr_1"},
		},
		Caller: Caller{Role: registry.RoleManager},
	})
	require.True(t, resp.Success)
	assert.Equal(t, true, resp.Data["recorded"])
}

func TestHandleRecordMetricAllowedForSpecialist(t *testing.T) {
	d := newTestMetricsDispatcher(t)
	resp := d.Dispatch(context.Background(), Request{
		Verb: "record_metric",
		Params: map[string]any{"name": "task_duration_seconds", "value": 1},
		Caller: Caller{Role: registry.RoleSpecialist, InstanceID: "spec_1"},
	})
	require.True(t, resp.Success)
}
