package supervisor

import (
	"context"

	"github.com/zjrosen/conclave/internal/kernelerr"
	"github.com/zjrosen/conclave/internal/vcc"
)

// GitStatus reports instanceID's workspace status: current branch, dirty
// state, untracked files, and live worktrees.
func (s *Supervisor) GitStatus(ctx context.Context, instanceID string) (vcc.StatusReport, error) {
	inst, ok, err := s.reg.GetInstance(ctx, instanceID)
	if err != nil {
		return vcc.StatusReport{}, err
	}
	if !ok {
		return vcc.StatusReport{}, kernelerr.New(kernelerr.ErrInstanceNotFound, instanceID)
	}
	return s.vccFor(inst.WorkDir).Status()
}

// GitConflicts analyzes the paths modified on both branchA and branchB
// since their merge base, in instanceID's workspace.
func (s *Supervisor) GitConflicts(ctx context.Context, instanceID, branchA, branchB string) (vcc.ConflictReport, error) {
	inst, ok, err := s.reg.GetInstance(ctx, instanceID)
	if err != nil {
		return vcc.ConflictReport{}, err
	}
	if !ok {
		return vcc.ConflictReport{}, kernelerr.New(kernelerr.ErrInstanceNotFound, instanceID)
	}
	return s.vccFor(inst.WorkDir).AnalyzeConflicts(branchA, branchB)
}

// GitCleanup prunes stale worktree state and deletes merged manager
// branches in instanceID's workspace.
func (s *Supervisor) GitCleanup(ctx context.Context, instanceID, base string, protected []string) (vcc.CleanupReport, error) {
	inst, ok, err := s.reg.GetInstance(ctx, instanceID)
	if err != nil {
		return vcc.CleanupReport{}, err
	}
	if !ok {
		return vcc.CleanupReport{}, kernelerr.New(kernelerr.ErrInstanceNotFound, instanceID)
	}
	if base == "" {
		base, err = s.vccFor(inst.WorkDir).CurrentBranch()
		if err != nil {
			return vcc.CleanupReport{}, err
		}
	}
	return s.vccFor(inst.WorkDir).Cleanup(base, protected)
}
