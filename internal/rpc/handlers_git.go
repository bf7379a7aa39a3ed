package rpc

import (
	"context"

	"github.com/zjrosen/conclave/internal/rbac"
	"github.com/zjrosen/conclave/internal/supervisor"
)

// RegisterGitVerbs wires the Version Control Coordinator's per-instance
// operations into d as the git_status/git_branch/git_conflicts/
// git_merge/git_cleanup verbs.
func RegisterGitVerbs(d *Dispatcher, sup *supervisor.Supervisor) {
	d.Handle(rbac.VerbGitStatus, handleGitStatus(sup))
	d.Handle(rbac.VerbGitBranch, handleGetBranch(sup))
	d.Handle(rbac.VerbGitConflicts, handleGitConflicts(sup))
	d.Handle(rbac.VerbGitMerge, handleMergeBranch(sup))
	d.Handle(rbac.VerbGitCleanup, handleGitCleanup(sup))
}

func handleGitStatus(sup *supervisor.Supervisor) Handler {
	return func(ctx context.Context, req Request) (Response, error) {
		instanceID, err := requireString(req.Params, "instance_id")
		if err != nil {
			return Response{}, err
		}
		status, err := sup.GitStatus(ctx, instanceID)
		if err != nil {
			return Response{}, err
		}
		return ok(map[string]any{
			"branch": status.Branch,
			"dirty": status.Dirty,
			"untracked_files": status.UntrackedFiles,
			"worktrees": status.Worktrees,
		}), nil
	}
}

func handleGitConflicts(sup *supervisor.Supervisor) Handler {
	return func(ctx context.Context, req Request) (Response, error) {
		instanceID, err := requireString(req.Params, "instance_id")
		if err != nil {
			return Response{}, err
		}
		branchA, err := requireString(req.Params, "branch_a")
		if err != nil {
			return Response{}, err
		}
		branchB, err := requireString(req.Params, "branch_b")
		if err != nil {
			return Response{}, err
		}
		report, err := sup.GitConflicts(ctx, instanceID, branchA, branchB)
		if err != nil {
			return Response{}, err
		}
		return ok(map[string]any{
			"has_conflicts": report.HasConflicts,
			"files": report.Files,
			"auto_resolvable": report.AutoResolvable,
		}), nil
	}
}

func handleGitCleanup(sup *supervisor.Supervisor) Handler {
	return func(ctx context.Context, req Request) (Response, error) {
		instanceID, err := requireString(req.Params, "instance_id")
		if err != nil {
			return Response{}, err
		}
		base, _ := stringParam(req.Params, "base")
		var protected []string
		if raw, ok := req.Params["protected_branches"].([]any); ok {
			for _, v := range raw {
				if s, ok := v.(string); ok {
					protected = append(protected, s)
				}
			}
		}
		report, err := sup.GitCleanup(ctx, instanceID, base, protected)
		if err != nil {
			return Response{}, err
		}
		return ok(map[string]any{
			"pruned_worktrees": report.PrunedWorktrees,
			"removed_branches": report.RemovedBranches,
		}), nil
	}
}
