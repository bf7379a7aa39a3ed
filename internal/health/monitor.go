package health

import (
	"context"
	"sync"
	"time"

	"github.com/zjrosen/conclave/internal/log"
	"github.com/zjrosen/conclave/internal/registry"
	"github.com/zjrosen/conclave/internal/transport"
)

// DefaultProbeInterval and DefaultResetTimeout are the standard
// monitor timings.
const (
	DefaultProbeInterval = 30 * time.Second
	DefaultResetTimeout  = 60 * time.Second
)

// RestartFunc restarts instanceID, the monitor's hook into
// supervisor.Supervisor.Restart. Taking a func instead of importing
// internal/supervisor directly avoids a health<->supervisor import
// cycle (the kernel wires the real method in at startup).
type RestartFunc func(ctx context.Context, instanceID string) (*registry.Instance, error)

// Monitor probes every active instance on an interval, marking
// unresponsive ones crashed and driving their per-instance breaker,
// restarting through RestartFunc when the breaker allows it.
type Monitor struct {
	reg          registry.Backend
	transport    transport.Transport
	restart      RestartFunc
	interval     time.Duration
	resetTimeout time.Duration
	breakerCfg   Config

	mu       sync.Mutex
	breakers map[string]*Breaker
	openedAt map[string]time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New constructs a Monitor. Zero interval/resetTimeout/breakerCfg
// arguments fall back to the package defaults.
func New(reg registry.Backend, t transport.Transport, restart RestartFunc, interval, resetTimeout time.Duration, breakerCfg Config) *Monitor {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	if resetTimeout <= 0 {
		resetTimeout = DefaultResetTimeout
	}
	return &Monitor{
		reg:          reg,
		transport:    t,
		restart:      restart,
		interval:     interval,
		resetTimeout: resetTimeout,
		breakerCfg:   breakerCfg,
		breakers:     make(map[string]*Breaker),
		openedAt:     make(map[string]time.Time),
		stopCh:       make(chan struct{}),
	}
}

// Start runs the probe loop until ctx is done or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			if err := m.ProbeOnce(ctx); err != nil {
				log.Warn(log.CatHealth, "probe pass failed", "error", err)
			}
		}
	}
}

// Stop ends a running probe loop. Safe to call more than once.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// BreakerState returns instanceID's current breaker state, defaulting
// to closed for an instance never probed.
func (m *Monitor) BreakerState(instanceID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.breakers[instanceID]
	if !ok {
		return StateClosed
	}
	return b.State()
}

// ProbeOnce runs a single liveness pass over every active instance.
func (m *Monitor) ProbeOnce(ctx context.Context) error {
	instances, err := m.reg.ListInstances(ctx, registry.ListQuery{})
	if err != nil {
		return err
	}
	for _, inst := range instances {
		if inst.Status != registry.StatusActive && inst.Status != registry.StatusIdle {
			continue
		}
		m.probeInstance(ctx, inst)
	}
	return nil
}

func (m *Monitor) probeInstance(ctx context.Context, inst *registry.Instance) {
	b := m.breakerFor(inst.InstanceID)
	m.maybeHalfOpen(inst.InstanceID, b)

	target := transport.PaneTarget(inst.SessionName, 0, 0)
	_, err := m.transport.CapturePane(ctx, target, 1)
	if err == nil {
		b.RecordSuccess()
		return
	}

	log.Warn(log.CatHealth, "instance failed liveness probe", "instance_id", inst.InstanceID, "error", err)
	if updErr := m.reg.UpdateInstance(ctx, inst.InstanceID, func(i *registry.Instance) {
		if i.Status.CanTransitionTo(registry.StatusCrashed) {
			i.Status = registry.StatusCrashed
		}
	}); updErr != nil {
		log.Warn(log.CatHealth, "marking instance crashed failed", "instance_id", inst.InstanceID, "error", updErr)
	}

	if !b.AllowAttempt() {
		log.Warn(log.CatHealth, "breaker open, restart rejected", "instance_id", inst.InstanceID)
		return
	}

	// The breaker gates restart attempts, not probe failures directly:
	// its consecutive-failure/-success streaks track restart outcomes,
	// so a closed breaker attempts a restart on every unhealthy probe
	// and records what happened.
	wasOpen := b.State() == StateOpen
	if m.restart == nil {
		b.RecordFailure()
	} else if _, err := m.restart(ctx, inst.InstanceID); err != nil {
		log.Warn(log.CatHealth, "auto-restart failed", "instance_id", inst.InstanceID, "error", err)
		b.RecordFailure()
	} else {
		b.RecordSuccess()
	}
	if !wasOpen && b.State() == StateOpen {
		m.mu.Lock()
		m.openedAt[inst.InstanceID] = time.Now()
		m.mu.Unlock()
	}
}

func (m *Monitor) maybeHalfOpen(instanceID string, b *Breaker) {
	if b.State() != StateOpen {
		return
	}
	m.mu.Lock()
	opened, ok := m.openedAt[instanceID]
	m.mu.Unlock()
	if ok && time.Since(opened) >= m.resetTimeout {
		b.ResetTimeoutElapsed()
	}
}

func (m *Monitor) breakerFor(instanceID string) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.breakers[instanceID]
	if !ok {
		b = NewBreaker(m.breakerCfg)
		m.breakers[instanceID] = b
	}
	return b
}
