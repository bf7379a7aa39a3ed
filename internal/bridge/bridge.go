// Package bridge implements the External Bridge: it parses one JSON
// params object, dispatches it against an already-built kernel's RPC
// surface, and renders the response as the single JSON line a bridge
// CLI invocation prints to standard output.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/zjrosen/conclave/internal/kernel"
	"github.com/zjrosen/conclave/internal/registry"
	"github.com/zjrosen/conclave/internal/rpc"
)

// Exit codes for the bridge CLI: 0 success, 1 JSON parse error, 2
// dispatch error (validation, authorization, not-found, conflict, ...).
const (
	ExitSuccess = 0
	ExitParseError = 1
	ExitDispatchError = 2
)

// Invoke parses rawParams as a JSON object (an empty slice is treated as
// "no params"), dispatches verb against k's RPC surface as caller, and
// returns the marshaled response plus the process exit code. Failures at
// every stage still produce a valid `{"success":false,"error":...}` line,
// never a bare error on stdout.
func Invoke(ctx context.Context, k *kernel.Kernel, caller rpc.Caller, verb string, rawParams []byte) ([]byte, int) {
	var params map[string]any
	if trimmed := bytes.TrimSpace(rawParams); len(trimmed) > 0 {
		if err := json.Unmarshal(trimmed, &params); err != nil {
			return mustMarshal(rpc.Response{Success: false, Error: "invalid json: " + err.Error()}), ExitParseError
		}
	}

	resp := k.Dispatch.Dispatch(ctx, rpc.Request{Verb: verb, Params: params, Caller: caller})
	out := mustMarshal(resp)
	if !resp.Success {
		return out, ExitDispatchError
	}
	return out, ExitSuccess
}

func mustMarshal(resp rpc.Response) []byte {
	out, err := json.Marshal(resp)
	if err != nil {
		return []byte(`{"success":false,"error":"failed to encode response"}`)
	}
	return out
}

// CallerFromEnv builds the Caller identity a bridge invocation acts as,
// from the environment variables an instance receives at spawn time
// (INSTANCE_ID, INSTANCE_ROLE). A human operator invoking the bridge
// directly has neither set, and is treated as an executive.
func CallerFromEnv(getenv func(string) string) rpc.Caller {
	role := registry.Role(getenv("INSTANCE_ROLE"))
	if role == "" {
		role = registry.RoleExecutive
	}
	return rpc.Caller{InstanceID: getenv("INSTANCE_ID"), Role: role}
}
