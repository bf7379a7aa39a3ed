// Package registry implements the Instance Registry: the
// authoritative record of every instance and job in the tree, behind a
// pluggable Backend (file or distributed). Types mirror a
// controlplane package (WorkflowID/WorkflowState/validTransitions), but
// model instance hierarchy and job scheduling instead of single-workflow
// lifecycle.
package registry

import "time"

// Role is one of the three positions in the instance tree.
type Role string

const (
	RoleExecutive Role = "executive"
	RoleManager Role = "manager"
	RoleSpecialist Role = "specialist"
)

// Status is the lifecycle state of an instance.
type Status string

const (
	StatusSpawning Status = "spawning"
	StatusActive Status = "active"
	StatusIdle Status = "idle"
	StatusCrashed Status = "crashed"
	StatusTerminated Status = "terminated"
)

// WorkspaceMode selects how an instance's working directory is laid out.
// Shared is only valid for managers.
type WorkspaceMode string

const (
	WorkspaceIsolated WorkspaceMode = "isolated"
	WorkspaceShared WorkspaceMode = "shared"
)

// Instance is a node in the instance tree.
type Instance struct {
	InstanceID string `json:"instance_id"`
	Role Role `json:"role"`
	ParentID string `json:"parent_id,omitempty"`
	Children []string `json:"children,omitempty"`
	Status Status `json:"status"`
	SessionName string `json:"session_name"`
	WorkDir string `json:"work_dir"`
	WorkspaceMode WorkspaceMode `json:"workspace_mode"`
	AllowedVerbs []string `json:"allowed_verbs,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Priority is a job's dispatch priority bucket.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow Priority = "low"
)

// JobStatus is a job's lifecycle state.
type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobActive JobStatus = "active"
	JobCompleted JobStatus = "completed"
	JobFailed JobStatus = "failed"
)

// DefaultMaxAttempts is the default retry ceiling for a job.
const DefaultMaxAttempts = 3

// Job is a unit of dispatchable work.
type Job struct {
	JobID string `json:"job_id"`
	Priority Priority `json:"priority"`
	Payload []string `json:"payload"`
	Status JobStatus `json:"status"`
	Attempts int `json:"attempts"`
	MaxAttempts int `json:"max_attempts"`
	AssignedTo string `json:"assigned_to,omitempty"`
	NextRetryAt time.Time `json:"next_retry_at,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Lock is a held mutual-exclusion resource lock.
type Lock struct {
	Resource string `json:"resource"`
	HolderToken string `json:"holder_token"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// DefaultLockTTL is the default lock lease duration.
const DefaultLockTTL = 30 * time.Second

// validTransitions defines the allowed status transitions for instances,
// the instance-domain analogue of a workflow validTransitions
// map (controlplane/types.go).
var validTransitions = map[Status]map[Status]bool{
	StatusSpawning: {
		StatusActive: true,
		StatusCrashed: true,
		StatusTerminated: true,
	},
	StatusActive: {
		StatusIdle: true,
		StatusCrashed: true,
		StatusTerminated: true,
	},
	StatusIdle: {
		StatusActive: true,
		StatusCrashed: true,
		StatusTerminated: true,
	},
	StatusCrashed: {
		StatusActive: true, // restart
		StatusTerminated: true,
	},
	StatusTerminated: {},
}

// CanTransitionTo reports whether s may transition to target.
func (s Status) CanTransitionTo(target Status) bool {
	allowed, ok := validTransitions[s]
	if !ok {
		return false
	}
	return allowed[target]
}

// IsTerminal reports whether s is a terminal status.
func (s Status) IsTerminal() bool {
	return s == StatusTerminated
}

// ListQuery filters instances for List.
type ListQuery struct {
	Role Role
	ParentID string
}
