// Package vcc implements the Version Control Coordinator: a
// transactional façade over a git working tree, built on
// internal/git.RealExecutor the same way a session manager
// builds worktree lifecycle on top of it, but composing higher-level
// branch/merge/checkpoint operations instead of per-session worktrees.
package vcc

import "time"

// ConflictReport describes the modified-on-both-sides paths between two
// branches.
type ConflictReport struct {
	HasConflicts bool `json:"has_conflicts"`
	Files []string `json:"files"`
	AutoResolvable []string `json:"auto_resolvable"`
}

// Checkpoint captures enough state to roll an atomic operation back to
// its pre-op worktree state.
type Checkpoint struct {
	OpName string `json:"op_name"`
	BranchRef string `json:"branch_ref"`
	WorktreeSnapshotRef string `json:"worktree_snapshot_ref"`
	CreatedAt time.Time `json:"created_at"`
}

// MergeStrategy selects how CoordinatedMerge handles conflicts.
type MergeStrategy string

const (
	StrategyAuto MergeStrategy = "auto"
	StrategyManual MergeStrategy = "manual"
)

// MergeResult is the outcome of a CoordinatedMerge call.
type MergeResult struct {
	Success bool `json:"success"`
	StrategyUsed MergeStrategy `json:"strategy_used"`
	Conflicts *ConflictReport `json:"conflicts,omitempty"`
}

// Step is one unit of work inside an AtomicOperation. Steps mutate the
// worktree through the Coordinator's lower-level primitives and receive
// no implicit transaction handle.
type Step func(c *Coordinator) (any, error)

// OperationResult is returned by AtomicOperation.
type OperationResult struct {
	Success bool `json:"success"`
	RolledBack bool `json:"rolled_back"`
	Results []any `json:"results,omitempty"`
}

// StatusReport summarizes a working tree's current position for the
// git_status verb.
type StatusReport struct {
	Branch string `json:"branch"`
	Dirty bool `json:"dirty"`
	UntrackedFiles []string `json:"untracked_files,omitempty"`
	Worktrees []string `json:"worktrees,omitempty"`
}

// CleanupReport lists what git_cleanup removed.
type CleanupReport struct {
	PrunedWorktrees bool `json:"pruned_worktrees"`
	RemovedBranches []string `json:"removed_branches,omitempty"`
}

// autoResolvableBasenames is the static allow-list of files whose
// conflicts can be resolved by concatenating both sides via the union
// merge driver.
var autoResolvableBasenames = map[string]bool{
	"README.md": true,
	"CHANGELOG.md": true,
	"TODO.md": true,
	".gitignore": true,
	"package-lock.json": true,
	"yarn.lock": true,
	"go.sum": true,
}

// docTextExtensions matches the "documentation-text convention" clause of
// the auto-resolvable rule.
var docTextExtensions = map[string]bool{
	".md": true,
	".txt": true,
	".rst": true,
}
