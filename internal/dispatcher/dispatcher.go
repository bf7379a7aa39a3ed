// Package dispatcher implements the Parallel Dispatcher: a
// priority job queue over the Instance Registry's job storage, a
// per-manager concurrency gate, and retry-with-backoff bookkeeping.
// Grounded on the internal/orchestration/queue.MessageQueue idiom
// (thread-safe FIFO over a mutex-guarded slice), generalized from one
// flat queue to four priority buckets dequeued strictly
// priority-then-FIFO.
package dispatcher

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/zjrosen/conclave/internal/kernelerr"
	"github.com/zjrosen/conclave/internal/registry"
)

// priorityOrder is the strict dequeue order.
var priorityOrder = []registry.Priority{
	registry.PriorityCritical,
	registry.PriorityHigh,
	registry.PriorityMedium,
	registry.PriorityLow,
}

// Config bounds the Dispatcher's concurrency, mirroring the
// spawn-gating constants (controlplane/supervisor.go).
type Config struct {
	MaxConcurrentSpawns int
	MaxSpecialistsPerMgr int
}

// DefaultConfig returns the standard defaults (5 and 4).
func DefaultConfig() Config {
	return Config{MaxConcurrentSpawns: 5, MaxSpecialistsPerMgr: 4}
}

// Dispatcher queues jobs in the registry and gates concurrent dispatch
// against per-manager and global limits.
type Dispatcher struct {
	reg registry.Backend
	cfg Config

	mu sync.Mutex
	activeTotal int
	activeByManager map[string]int
}

// New constructs a Dispatcher backed by reg. A zero Config is replaced
// with DefaultConfig.
func New(reg registry.Backend, cfg Config) *Dispatcher {
	if cfg.MaxConcurrentSpawns <= 0 {
		cfg.MaxConcurrentSpawns = DefaultConfig().MaxConcurrentSpawns
	}
	if cfg.MaxSpecialistsPerMgr <= 0 {
		cfg.MaxSpecialistsPerMgr = DefaultConfig().MaxSpecialistsPerMgr
	}
	return &Dispatcher{reg: reg, cfg: cfg, activeByManager: make(map[string]int)}
}

// Submit enqueues job for dispatch. JobID is required. Priority defaults
// to medium and MaxAttempts to registry.DefaultMaxAttempts; Status is
// always set to pending and CreatedAt/UpdatedAt to the current time.
func (d *Dispatcher) Submit(ctx context.Context, job *registry.Job) error {
	if job.JobID == "" {
		return kernelerr.New(kernelerr.ErrInvalidArgument, "job_id is required")
	}
	if job.Priority == "" {
		job.Priority = registry.PriorityMedium
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = registry.DefaultMaxAttempts
	}
	job.Status = registry.JobPending
	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now
	return d.reg.PutJob(ctx, job)
}

// Next dequeues the highest-priority, oldest eligible pending job whose
// NextRetryAt has elapsed, transitioning it to active. Returns
// (nil, false, nil) if nothing is eligible.
func (d *Dispatcher) Next(ctx context.Context) (*registry.Job, bool, error) {
	now := time.Now()
	for _, p := range priorityOrder {
		jobs, err := d.reg.ListJobs(ctx, p)
		if err != nil {
			return nil, false, err
		}
		eligible := make([]*registry.Job, 0, len(jobs))
		for _, j := range jobs {
			if j.Status != registry.JobPending {
				continue
			}
			if !j.NextRetryAt.IsZero() && j.NextRetryAt.After(now) {
				continue
			}
			eligible = append(eligible, j)
		}
		if len(eligible) == 0 {
			continue
		}
		sort.Slice(eligible, func(i, k int) bool {
			return eligible[i].CreatedAt.Before(eligible[k].CreatedAt)
		})
		next := eligible[0]
		if err := d.reg.UpdateJob(ctx, next.JobID, func(j *registry.Job) {
			j.Status = registry.JobActive
			j.UpdatedAt = time.Now()
		}); err != nil {
			return nil, false, err
		}
		updated, ok, err := d.reg.GetJob(ctx, next.JobID)
		if err != nil || !ok {
			return nil, false, err
		}
		return updated, true, nil
	}
	return nil, false, nil
}

// Complete marks jobID as completed.
func (d *Dispatcher) Complete(ctx context.Context, jobID string) error {
	return d.updateOrNotFound(ctx, jobID, func(j *registry.Job) {
		j.Status = registry.JobCompleted
		j.UpdatedAt = time.Now()
	})
}

// Fail records a dispatch failure: attempts increments, and either the
// job is rescheduled at now + 2^attempts seconds (back to pending) or,
// once attempts reaches MaxAttempts, marked permanently failed.
func (d *Dispatcher) Fail(ctx context.Context, jobID string) error {
	return d.updateOrNotFound(ctx, jobID, func(j *registry.Job) {
		j.Attempts++
		j.UpdatedAt = time.Now()
		if j.Attempts >= j.MaxAttempts {
			j.Status = registry.JobFailed
			return
		}
		backoff := time.Duration(math.Pow(2, float64(j.Attempts))) * time.Second
		j.NextRetryAt = time.Now().Add(backoff)
		j.Status = registry.JobPending
	})
}

func (d *Dispatcher) updateOrNotFound(ctx context.Context, jobID string, fn func(*registry.Job)) error {
	_, ok, err := d.reg.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !ok {
		return kernelerr.New(kernelerr.ErrJobNotFound, jobID)
	}
	return d.reg.UpdateJob(ctx, jobID, fn)
}

// AcquireSlot reserves one concurrent-spawn slot for managerID, honoring
// both the global MaxConcurrentSpawns and MaxSpecialistsPerMgr limits.
// Returns false without side effects if either limit is already reached.
func (d *Dispatcher) AcquireSlot(managerID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.activeTotal >= d.cfg.MaxConcurrentSpawns {
		return false
	}
	if d.activeByManager[managerID] >= d.cfg.MaxSpecialistsPerMgr {
		return false
	}
	d.activeTotal++
	d.activeByManager[managerID]++
	return true
}

// ReleaseSlot returns managerID's previously acquired slot.
func (d *Dispatcher) ReleaseSlot(managerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.activeTotal > 0 {
		d.activeTotal--
	}
	if d.activeByManager[managerID] > 0 {
		d.activeByManager[managerID]--
	}
}

// ActiveCount reports managerID's current in-flight spawn count.
func (d *Dispatcher) ActiveCount(managerID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.activeByManager[managerID]
}

// Get returns jobID's current record.
func (d *Dispatcher) Get(ctx context.Context, jobID string) (*registry.Job, bool, error) {
	return d.reg.GetJob(ctx, jobID)
}

// ByManager lists every job assigned to managerID, across all priority
// buckets.
func (d *Dispatcher) ByManager(ctx context.Context, managerID string) ([]*registry.Job, error) {
	var out []*registry.Job
	for _, p := range priorityOrder {
		jobs, err := d.reg.ListJobs(ctx, p)
		if err != nil {
			return nil, err
		}
		for _, j := range jobs {
			if j.AssignedTo == managerID {
				out = append(out, j)
			}
		}
	}
	return out, nil
}

func (d *Dispatcher) String() string {
	return fmt.Sprintf("dispatcher(max_concurrent=%d, max_per_mgr=%d)", d.cfg.MaxConcurrentSpawns, d.cfg.MaxSpecialistsPerMgr)
}
