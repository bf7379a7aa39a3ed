package supervisor

import (
	"context"
	"fmt"

	"github.com/zjrosen/conclave/internal/kernelerr"
	"github.com/zjrosen/conclave/internal/log"
	"github.com/zjrosen/conclave/internal/progress"
	"github.com/zjrosen/conclave/internal/registry"
	"github.com/zjrosen/conclave/internal/sender"
	"github.com/zjrosen/conclave/internal/transport"
	"github.com/zjrosen/conclave/internal/vcc"
	"github.com/zjrosen/conclave/internal/workspace"
)

// Send delegates to the Reliable Sender, targeting instanceID's pane.
// Fails InstanceNotFound if the instance is unknown.
func (s *Supervisor) Send(ctx context.Context, instanceID, text string, priority sender.Priority, batchable bool) error {
	inst, ok, err := s.reg.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if !ok {
		return kernelerr.New(kernelerr.ErrInstanceNotFound, instanceID)
	}
	target := transport.PaneTarget(inst.SessionName, 0, 0)
	return s.sender.Send(ctx, target, text, priority, batchable)
}

// Read captures instanceID's pane scrollback.
func (s *Supervisor) Read(ctx context.Context, instanceID string, lines int) (string, error) {
	inst, ok, err := s.reg.GetInstance(ctx, instanceID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", kernelerr.New(kernelerr.ErrInstanceNotFound, instanceID)
	}
	target := transport.PaneTarget(inst.SessionName, 0, 0)
	return s.transport.CapturePane(ctx, target, lines)
}

// List delegates to the registry.
func (s *Supervisor) List(ctx context.Context, q registry.ListQuery) ([]*registry.Instance, error) {
	return s.reg.ListInstances(ctx, q)
}

// Terminate tears down instanceID, optionally cascading depth-first to
// its descendants first. Idempotent: terminating an
// already-terminated or already-removed instance succeeds.
func (s *Supervisor) Terminate(ctx context.Context, instanceID string, cascade bool) error {
	inst, ok, err := s.reg.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if !ok {
		return nil // already gone: idempotent
	}

	if cascade {
		for _, childID := range inst.Children {
			if err := s.Terminate(ctx, childID, true); err != nil {
				log.Warn(log.CatSupervisor, "cascade terminate of child failed", "parent_id", instanceID, "child_id", childID, "error", err)
			}
		}
	}

	if err := s.transport.KillSession(ctx, inst.SessionName); err != nil {
		log.Warn(log.CatSupervisor, "terminate: killing session failed (best-effort)", "instance_id", instanceID, "error", err)
	}

	s.progress.Unwatch(instanceID)

	wsSpec := workspace.Spec{
		InstanceID: instanceID,
		Role: string(inst.Role),
		Mode: workspace.Mode(inst.WorkspaceMode),
	}
	if err := s.workspace.Cleanup(wsSpec, inst.WorkDir); err != nil {
		log.Warn(log.CatSupervisor, "terminate: workspace cleanup failed", "instance_id", instanceID, "error", err)
	}

	if inst.ParentID != "" {
		if err := s.reg.UpdateInstance(ctx, inst.ParentID, func(p *registry.Instance) {
			p.Children = removeString(p.Children, instanceID)
		}); err != nil {
			log.Warn(log.CatSupervisor, "removing child reference from parent failed", "parent_id", inst.ParentID, "child_id", instanceID, "error", err)
		}
	}

	if err := s.reg.RemoveInstance(ctx, instanceID); err != nil {
		if kind, ok := kernelerr.KindOf(err); ok && kind == kernelerr.KindNotFound {
			return nil
		}
		return err
	}
	log.Info(log.CatSupervisor, "instance terminated", "instance_id", instanceID, "cascade", cascade)
	return nil
}

func removeString(ss []string, target string) []string {
	out := ss[:0]
	for _, s := range ss {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}

// Restart kills instanceID's session and re-spawns it in the same
// workspace with a resume flag, preserving instance_id.
func (s *Supervisor) Restart(ctx context.Context, instanceID string) (*registry.Instance, error) {
	inst, ok, err := s.reg.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, kernelerr.New(kernelerr.ErrInstanceNotFound, instanceID)
	}

	if err := s.reg.UpdateInstance(ctx, instanceID, func(i *registry.Instance) {
		if i.Status.CanTransitionTo(registry.StatusCrashed) {
			i.Status = registry.StatusCrashed
		}
	}); err != nil {
		return nil, err
	}

	if err := s.transport.KillSession(ctx, inst.SessionName); err != nil {
		log.Warn(log.CatSupervisor, "restart: killing session failed (best-effort)", "instance_id", instanceID, "error", err)
	}

	if err := s.transport.CreateSession(ctx, inst.SessionName, inst.WorkDir); err != nil {
		return nil, err
	}

	if s.buildCmd != nil {
		spec := SpawnSpec{Role: inst.Role, ParentID: inst.ParentID, WorkspaceMode: inst.WorkspaceMode}
		info := LaunchInfo{InstanceID: instanceID, AllowedVerbs: inst.AllowedVerbs, StateDir: s.cfg.StateDir}
		prepared := workspace.Prepared{WorkDir: inst.WorkDir}
		cmdLine := s.buildCmd(spec, info, prepared)
		if cmdLine != "" {
			target := transport.PaneTarget(inst.SessionName, 0, 0)
			resumeCmd := fmt.Sprintf("%s --resume", cmdLine)
			if err := s.transport.SendKeys(ctx, target, resumeCmd, true); err != nil {
				log.Warn(log.CatSupervisor, "restart: resume launch failed, will start fresh on next activity", "instance_id", instanceID, "error", err)
			}
		}
	}

	if err := s.reg.UpdateInstance(ctx, instanceID, func(i *registry.Instance) {
		if i.Status.CanTransitionTo(registry.StatusActive) {
			i.Status = registry.StatusActive
		}
	}); err != nil {
		return nil, err
	}

	updated, _, err := s.reg.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	log.Info(log.CatSupervisor, "instance restarted", "instance_id", instanceID)
	return updated, nil
}

// GetProgress is role-gated at the RPC layer; here it simply delegates to
// the Progress Monitor.
func (s *Supervisor) GetProgress(instanceID string) (progress.Snapshot, bool) {
	return s.progress.Get(instanceID)
}

// GetBranch returns the current branch checked out in instanceID's
// workspace.
func (s *Supervisor) GetBranch(ctx context.Context, instanceID string) (string, error) {
	inst, ok, err := s.reg.GetInstance(ctx, instanceID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", kernelerr.New(kernelerr.ErrInstanceNotFound, instanceID)
	}
	coord := s.vccFor(inst.WorkDir)
	return coord.CurrentBranch()
}

// Description is the combined single-instance detail view returned by
// describe: the registry record plus best-effort progress and branch
// snapshots (absent rather than erroring when unavailable, e.g. no
// progress file yet or the workspace isn't a git repo).
type Description struct {
	Instance *registry.Instance
	Progress *progress.Snapshot
	Branch string
}

// Describe composes GetInstance, GetProgress, and GetBranch into one
// read-only view.
func (s *Supervisor) Describe(ctx context.Context, instanceID string) (Description, error) {
	inst, ok, err := s.reg.GetInstance(ctx, instanceID)
	if err != nil {
		return Description{}, err
	}
	if !ok {
		return Description{}, kernelerr.New(kernelerr.ErrInstanceNotFound, instanceID)
	}

	desc := Description{Instance: inst}
	if snap, ok := s.progress.Get(instanceID); ok {
		desc.Progress = &snap
	}
	if branch, err := s.vccFor(inst.WorkDir).CurrentBranch(); err == nil {
		desc.Branch = branch
	}
	return desc, nil
}

// MergeBranch merges instanceID's branch into target via the Version
// Control Coordinator.
func (s *Supervisor) MergeBranch(ctx context.Context, instanceID, target string, strategy vcc.MergeStrategy) (vcc.MergeResult, error) {
	inst, ok, err := s.reg.GetInstance(ctx, instanceID)
	if err != nil {
		return vcc.MergeResult{}, err
	}
	if !ok {
		return vcc.MergeResult{}, kernelerr.New(kernelerr.ErrInstanceNotFound, instanceID)
	}
	branch, err := s.vccFor(inst.WorkDir).CurrentBranch()
	if err != nil {
		return vcc.MergeResult{}, err
	}
	return s.vccFor(inst.WorkDir).CoordinatedMerge(branch, target, strategy)
}
