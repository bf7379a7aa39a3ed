// Package rpc implements the RPC Surface & Role-Based Access Control: a
// verb-name-to-handler dispatch map wrapped in a tracing middleware,
// gated by internal/rbac's static capability table before any handler
// runs. Grounded on the internal/orchestration/tracing.NewTracingMiddleware
// span-per-dispatch shape and its "dynamic dispatch over verbs" design:
// one map from verb name to handler, no runtime metaprogramming.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zjrosen/conclave/internal/kernelerr"
	"github.com/zjrosen/conclave/internal/rbac"
	"github.com/zjrosen/conclave/internal/registry"
)

// Caller identifies who is invoking a verb, for RBAC and self-only checks.
type Caller struct {
	InstanceID string
	Role registry.Role
}

// Request is one verb invocation. Params carries the verb's JSON object,
// already unmarshaled into a generic map; Handler implementations type-
// assert the fields they need.
type Request struct {
	Verb string
	Params map[string]any
	Caller Caller
}

// Response is the uniform RPC response shape: a single JSON object,
// either `{success:true, ...}` or `{success:false, error, suggestion?}`.
type Response struct {
	Success bool `json:"success"`
	Data map[string]any `json:"-"`
	Error string `json:"error,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
}

// MarshalJSON flattens Data alongside the success/error envelope so the
// wire shape is one flat object rather than a nested "data" key.
func (r Response) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Data)+3)
	for k, v := range r.Data {
		out[k] = v
	}
	out["success"] = r.Success
	if r.Error != "" {
		out["error"] = r.Error
	}
	if r.Suggestion != "" {
		out["suggestion"] = r.Suggestion
	}
	return json.Marshal(out)
}

// Handler executes one verb against already-validated, already-authorized
// params.
type Handler func(ctx context.Context, req Request) (Response, error)

// Dispatcher maps verb names to handlers and enforces RBAC before
// invoking them.
type Dispatcher struct {
	handlers map[string]Handler
	middleware []Middleware
}

// Middleware wraps a Handler, the RPC analogue of a processor.Middleware
// chain.
type Middleware func(next Handler) Handler

// New creates an empty Dispatcher. Register verbs with Handle.
func New(middleware ...Middleware) *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler), middleware: middleware}
}

// Handle registers verb's handler.
func (d *Dispatcher) Handle(verb string, h Handler) {
	d.handlers[verb] = h
}

// Dispatch authorizes req.Caller against req.Verb, then runs the
// registered handler through the middleware chain. Unknown verbs and
// capability denials never reach a handler.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Response {
	h, ok := d.handlers[req.Verb]
	if !ok {
		return errorResponse(kernelerr.New(kernelerr.ErrInvalidArgument, fmt.Sprintf("unknown verb %q", req.Verb)))
	}

	if !rbac.Allowed(req.Caller.Role, req.Verb) {
		return errorResponse(kernelerr.New(kernelerr.ErrCapabilityDenied,
			fmt.Sprintf("role %q may not invoke %q", req.Caller.Role, req.Verb)))
	}
	if rbac.SelfOnly(req.Verb) && req.Caller.Role == registry.RoleSpecialist {
		targetID, _ := req.Params["instance_id"].(string)
		if targetID != req.Caller.InstanceID {
			return errorResponse(kernelerr.New(kernelerr.ErrCapabilityDenied,
				"specialists may only invoke this verb against their own instance_id"))
		}
	}

	wrapped := h
	for i := len(d.middleware) - 1; i >= 0; i-- {
		wrapped = d.middleware[i](wrapped)
	}

	resp, err := wrapped(ctx, req)
	if err != nil {
		return errorResponse(err)
	}
	return resp
}

func errorResponse(err error) Response {
	resp := Response{Success: false, Error: err.Error()}
	var kerr *kernelerr.Error
	if errors.As(err, &kerr) && kerr.Suggestion != "" {
		resp.Suggestion = kerr.Suggestion
	}
	return resp
}

func ok(data map[string]any) Response {
	return Response{Success: true, Data: data}
}
