package rpc

import (
	"context"

	"github.com/zjrosen/conclave/internal/kernelerr"
	"github.com/zjrosen/conclave/internal/orchestration/metrics"
	"github.com/zjrosen/conclave/internal/rbac"
)

// RegisterMetricsVerbs wires the metrics recorder into d as the
// record_metric verb.
func RegisterMetricsVerbs(d *Dispatcher, rec *metrics.Recorder) {
	d.Handle(rbac.VerbRecordMetric, handleRecordMetric(rec))
}

// handleRecordMetric adds value to the named counter, tagged with any
// string-valued attrs given.
func handleRecordMetric(rec *metrics.Recorder) Handler {
	return func(ctx context.Context, req Request) (Response, error) {
		name, err := requireString(req.Params, "name")
		if err != nil {
			return Response{}, err
		}
		value, ok := floatParam(req.Params, "value")
		if !ok {
			return Response{}, kernelerr.New(kernelerr.ErrInvalidArgument, "value is required and must be a number")
		}
		attrs := make(map[string]string)
		if raw, ok := req.Params["attrs"].(map[string]any); ok {
			for k, v := range raw {
				if s, ok := v.(string); ok {
					attrs[k] = s
				}
			}
		}
		if err := rec.Record(ctx, name, value, attrs); err != nil {
			return Response{}, err
		}
		return ok(map[string]any{"recorded": true}), nil
	}
}

func floatParam(params map[string]any, key string) (float64, bool) {
	switch v := params[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}
