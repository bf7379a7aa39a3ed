// Package metrics records named numeric observations from anywhere in the
// kernel (lock age, queue age, job throughput) as OTel metrics instruments,
// surfaced to RPC callers through the record_metric verb.
package metrics

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Config configures the metrics subsystem.
type Config struct {
	Enabled bool
	ServiceName string
}

// Recorder records arbitrary named float64 counters through an OTel
// meter, lazily creating one instrument per distinct metric name.
type Recorder struct {
	provider *sdkmetric.MeterProvider
	meter metric.Meter
	enabled bool

	mu sync.Mutex
	counters map[string]metric.Float64Counter
}

// NewRecorder builds a Recorder. When cfg.Enabled is false, it returns a
// no-op recorder with zero overhead; callers never need a nil check.
func NewRecorder(cfg Config) (*Recorder, error) {
	if !cfg.Enabled {
		return &Recorder{meter: noop.NewMeterProvider().Meter("noop"), counters: make(map[string]metric.Float64Counter)}, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "conclave-kernel"
	}
	provider := sdkmetric.NewMeterProvider()
	return &Recorder{
		provider: provider,
		meter: provider.Meter(serviceName),
		enabled: true,
		counters: make(map[string]metric.Float64Counter),
	}, nil
}

// Record adds value to the named counter, creating it on first use.
// Attrs become OTel attributes on the recorded data point.
func (r *Recorder) Record(ctx context.Context, name string, value float64, attrs map[string]string) error {
	counter, err := r.counterFor(name)
	if err != nil {
		return err
	}
	opts := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		opts = append(opts, attribute.String(k, v))
	}
	counter.Add(ctx, value, metric.WithAttributes(opts...))
	return nil
}

func (r *Recorder) counterFor(name string) (metric.Float64Counter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[name]; ok {
		return c, nil
	}
	c, err := r.meter.Float64Counter(name)
	if err != nil {
		return nil, fmt.Errorf("metrics: create instrument %q: %w", name, err)
	}
	r.counters[name] = c
	return c, nil
}

// Enabled reports whether this recorder is backed by a live meter provider.
func (r *Recorder) Enabled() bool {
	return r.enabled
}

// Shutdown flushes and releases the underlying meter provider.
func (r *Recorder) Shutdown(ctx context.Context) error {
	if r.provider != nil {
		return r.provider.Shutdown(ctx)
	}
	return nil
}
