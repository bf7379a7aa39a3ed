package registry

import "context"

// Kind identifies a registry backend implementation, stamped into the
// backend's own storage so mismatched bridge invocations fail loudly
// instead of silently diverging (the Open Question (a)).
type Kind string

const (
	KindFile Kind = "file"
	KindDistributed Kind = "distributed"
)

// Backend is the storage contract both the file and distributed registry
// implementations satisfy. Implementations must be safe for
// concurrent use.
type Backend interface {
	Kind() Kind

	PutInstance(ctx context.Context, inst *Instance) error
	GetInstance(ctx context.Context, id string) (*Instance, bool, error)
	UpdateInstance(ctx context.Context, id string, fn func(*Instance)) error
	ListInstances(ctx context.Context, q ListQuery) ([]*Instance, error)
	RemoveInstance(ctx context.Context, id string) error

	PutJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, bool, error)
	UpdateJob(ctx context.Context, id string, fn func(*Job)) error
	ListJobs(ctx context.Context, priority Priority) ([]*Job, error)
	RemoveJob(ctx context.Context, id string) error

	// AcquireLock attempts to take resource for ttl. Returns the holder
	// token and true on success, or ("", false, nil) if already held.
	AcquireLock(ctx context.Context, resource string, ttl int64) (token string, ok bool, err error)
	// ReleaseLock releases resource if token matches the current holder.
	// Releasing with a stale or unknown token is a no-op, never an error.
	ReleaseLock(ctx context.Context, resource, token string) error

	// RecordMetric stores a named gauge value, namespaced
	// registry:metric:<name> on the distributed backend.
	RecordMetric(ctx context.Context, name string, value float64) error

	Close() error
}
