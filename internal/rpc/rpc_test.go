package rpc

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/conclave/internal/registry"
)

func echoHandler(key string) Handler {
	return func(_ context.Context, req Request) (Response, error) {
		return ok(map[string]any{key: req.Params[key]}), nil
	}
}

func TestDispatchUnknownVerbIsInvalidArgument(t *testing.T) {
	d := New()
	resp := d.Dispatch(context.Background(), Request{Verb: "nonexistent", Caller: Caller{Role: registry.RoleExecutive}})
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "unknown verb")
}

func TestDispatchDeniesSpecialistOrchestrationVerbs(t *testing.T) {
	d := New()
	d.Handle("spawn", echoHandler("role"))

	resp := d.Dispatch(context.Background(), Request{
		Verb:   "spawn",
		Params: map[string]any{"role": "specialist"},
		Caller: Caller{InstanceID: "spec_1_1_1", Role: registry.RoleSpecialist},
	})
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "may not invoke")
}

func TestDispatchAllowsManagerSpawn(t *testing.T) {
	d := New()
	d.Handle("spawn", echoHandler("role"))

	resp := d.Dispatch(context.Background(), Request{
		Verb:   "spawn",
		Params: map[string]any{"role": "specialist"},
		Caller: Caller{InstanceID: "mgr_1_1", Role: registry.RoleManager},
	})
	assert.True(t, resp.Success)
}

func TestDispatchSelfOnlyVerbRejectsOtherInstance(t *testing.T) {
	d := New()
	d.Handle("get_progress", echoHandler("instance_id"))

	resp := d.Dispatch(context.Background(), Request{
		Verb:   "get_progress",
		Params: map[string]any{"instance_id": "spec_1_1_2"},
		Caller: Caller{InstanceID: "spec_1_1_1", Role: registry.RoleSpecialist},
	})
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "own instance_id")
}

func TestDispatchSelfOnlyVerbAllowsOwnInstance(t *testing.T) {
	d := New()
	d.Handle("get_progress", echoHandler("instance_id"))

	resp := d.Dispatch(context.Background(), Request{
		Verb:   "get_progress",
		Params: map[string]any{"instance_id": "spec_1_1_1"},
		Caller: Caller{InstanceID: "spec_1_1_1", Role: registry.RoleSpecialist},
	})
	assert.True(t, resp.Success)
}

func TestDispatchRunsMiddlewareChain(t *testing.T) {
	var order []string
	mw := func(tag string) Middleware {
		return func(next Handler) Handler {
			return func(ctx context.Context, req Request) (Response, error) {
				order = append(order, tag+":before")
				resp, err := next(ctx, req)
				order = append(order, tag+":after")
				return resp, err
			}
		}
	}

	d := New(mw("outer"), mw("inner"))
	d.Handle("list", func(context.Context, Request) (Response, error) {
		order = append(order, "handler")
		return ok(nil), nil
	})

	resp := d.Dispatch(context.Background(), Request{Verb: "list", Caller: Caller{Role: registry.RoleExecutive}})
	require.True(t, resp.Success)
	assert.Equal(t, []string{"outer:before", "inner:before", "handler", "inner:after", "outer:after"}, order)
}

func TestResponseMarshalJSONFlattensDataAlongsideEnvelope(t *testing.T) {
	resp := ok(map[string]any{"instance_id": "mgr_1_1", "count": 3})
	b, err := json.Marshal(resp)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, true, decoded["success"])
	assert.Equal(t, "mgr_1_1", decoded["instance_id"])
	assert.Equal(t, float64(3), decoded["count"])
	assert.NotContains(t, decoded, "error")
}

func TestResponseMarshalJSONIncludesErrorAndSuggestion(t *testing.T) {
	resp := Response{Success: false, Error: "boom", Suggestion: "try again"}
	b, err := json.Marshal(resp)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, false, decoded["success"])
	assert.Equal(t, "boom", decoded["error"])
	assert.Equal(t, "try again", decoded["suggestion"])
}
