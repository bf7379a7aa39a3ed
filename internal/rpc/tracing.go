package rpc

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/conclave/internal/log"
)

const spanPrefix = "rpc."

// TracingMiddleware creates a span per verb dispatch, recording the verb
// name, caller instance/role, and outcome, then logs the dispatch
// (structured, via internal/log) alongside the span — grounded on the
// span-per-command tracing middleware shape. A nil
// tracer yields a pass-through middleware with zero span overhead.
func TracingMiddleware(tracer trace.Tracer) Middleware {
	if tracer == nil {
		return func(next Handler) Handler { return next }
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, req Request) (Response, error) {
			ctx, span := tracer.Start(ctx, spanPrefix+req.Verb, trace.WithSpanKind(trace.SpanKindInternal))
			defer span.End()

			span.SetAttributes(
				attribute.String("rpc.verb", req.Verb),
				attribute.String("rpc.caller_instance_id", req.Caller.InstanceID),
				attribute.String("rpc.caller_role", string(req.Caller.Role)),
			)

			resp, err := next(ctx, req)
			switch {
			case err != nil:
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			case !resp.Success:
				span.SetStatus(codes.Error, resp.Error)
			default:
				span.SetStatus(codes.Ok, "")
			}

			log.Debug(log.CatRPC, "verb dispatched", "verb", req.Verb, "caller", req.Caller.InstanceID, "success", resp.Success)
			return resp, err
		}
	}
}
