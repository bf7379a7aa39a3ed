// Package rbac holds the static role->verb capability map, shared by
// internal/supervisor (which stamps allowed_verbs at spawn time) and
// internal/rpc (which enforces it before dispatch), grounded on a
// "dynamic dispatch over verbs" approach: a single static lookup table
// keyed by a role tag rather than inheritance or per-instance
// metaprogramming.
package rbac

import "github.com/zjrosen/conclave/internal/registry"

// Verb names, shared by the RPC dispatcher and the bridge CLI.
const (
	VerbSpawn = "spawn"
	VerbSend = "send"
	VerbRead = "read"
	VerbList = "list"
	VerbTerminate = "terminate"
	VerbRestart = "restart"
	VerbMergeBranch = "merge_branch"
	VerbGetProgress = "get_progress"
	VerbGetBranch = "get_branch"
	VerbDescribe = "describe"

	VerbExecuteParallel = "execute_parallel"
	VerbDistributeWork = "distribute_work"
	VerbGetParallelStatus = "get_parallel_status"

	VerbGitStatus = "git_status"
	VerbGitBranch = "git_branch"
	VerbGitConflicts = "git_conflicts"
	VerbGitMerge = "git_merge"
	VerbGitCleanup = "git_cleanup"

	VerbGetPerformance = "get_performance"
	VerbOptimizeSettings = "optimize_settings"
	VerbPrewarmResources = "prewarm_resources"

	VerbRecordMetric = "record_metric"
)

// selfOnlyVerbs are permitted for specialists, but only against their own
// instance_id ("get_progress, get_branch ... specialist (self only)").
var selfOnlyVerbs = map[string]bool{
	VerbGetProgress: true,
	VerbGetBranch: true,
	VerbDescribe: true,
}

// capabilities is the static role->verb table.
var capabilities = map[registry.Role]map[string]bool{
	registry.RoleExecutive: set(
		VerbSpawn, VerbSend, VerbRead, VerbList, VerbTerminate, VerbRestart,
		VerbMergeBranch, VerbGetProgress, VerbGetBranch, VerbDescribe,
		VerbExecuteParallel, VerbDistributeWork, VerbGetParallelStatus,
		VerbGitStatus, VerbGitBranch, VerbGitConflicts, VerbGitMerge, VerbGitCleanup,
		VerbGetPerformance, VerbOptimizeSettings, VerbPrewarmResources,
		VerbRecordMetric,
	),
	registry.RoleManager: set(
		VerbSpawn, VerbSend, VerbRead, VerbList, VerbTerminate, VerbRestart,
		VerbMergeBranch, VerbGetProgress, VerbGetBranch, VerbDescribe,
		VerbExecuteParallel, VerbDistributeWork, VerbGetParallelStatus,
		VerbGitStatus, VerbGitBranch, VerbGitConflicts, VerbGitMerge, VerbGitCleanup,
		VerbGetPerformance, VerbOptimizeSettings, VerbPrewarmResources,
		VerbRecordMetric,
	),
	// Specialists hold an empty capability set for orchestration verbs;
	// only the self-only read verbs, plus metric reporting, are reachable
	// (self-only ones restricted to their own instance_id by the RPC
	// layer, not this map).
	registry.RoleSpecialist: set(
		VerbGetProgress, VerbGetBranch, VerbDescribe, VerbRecordMetric,
	),
}

func set(verbs ...string) map[string]bool {
	m := make(map[string]bool, len(verbs))
	for _, v := range verbs {
		m[v] = true
	}
	return m
}

// AllowedVerbs returns the static verb subset for role, used to stamp
// Instance.AllowedVerbs and the per-instance capability file at spawn
// time.
func AllowedVerbs(role registry.Role) []string {
	verbs := capabilities[role]
	out := make([]string, 0, len(verbs))
	for v := range verbs {
		out = append(out, v)
	}
	return out
}

// Allowed reports whether role may invoke verb at all.
func Allowed(role registry.Role, verb string) bool {
	return capabilities[role][verb]
}

// SelfOnly reports whether verb is restricted to the caller's own
// instance_id when invoked by a specialist.
func SelfOnly(verb string) bool {
	return selfOnlyVerbs[verb]
}

// ManagerMaySpawnOnly reports that a manager's spawned children may only
// be specialists.
func ManagerMaySpawnOnly() registry.Role {
	return registry.RoleSpecialist
}
