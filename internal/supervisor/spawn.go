package supervisor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/zjrosen/conclave/internal/kernelerr"
	"github.com/zjrosen/conclave/internal/log"
	"github.com/zjrosen/conclave/internal/rbac"
	"github.com/zjrosen/conclave/internal/registry"
	"github.com/zjrosen/conclave/internal/transport"
	"github.com/zjrosen/conclave/internal/workspace"
)

// Spawn validates, allocates, and brings up a new instance. On any
// failure after the registry row or workspace has been created, all
// partial effects are rolled back and the original error is returned.
func (s *Supervisor) Spawn(ctx context.Context, spec SpawnSpec) (*registry.Instance, error) {
	if err := validateRole(spec.Role); err != nil {
		return nil, err
	}
	if spec.WorkspaceMode == registry.WorkspaceShared && spec.Role != registry.RoleManager {
		return nil, kernelerr.New(kernelerr.ErrCapabilityDenied, "workspace_mode=shared is only valid for role=manager")
	}
	if spec.WorkDir == "" {
		return nil, kernelerr.New(kernelerr.ErrInvalidArgument, "work_dir is required")
	}

	var parent *registry.Instance
	if spec.ParentID != "" {
		p, ok, err := s.reg.GetInstance(ctx, spec.ParentID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, kernelerr.New(kernelerr.ErrParentNotFound, spec.ParentID)
		}
		parent = p
	}
	if err := validateParentRole(spec.Role, parent); err != nil {
		return nil, err
	}

	var inst *registry.Instance
	lockParent := spec.ParentID
	if lockParent == "" {
		lockParent = "root"
	}
	err := s.withParentLock(ctx, lockParent, func() error {
		id, err := s.allocateID(ctx, spec.Role, spec.ParentID)
		if err != nil {
			return err
		}
		inst, err = s.bringUp(ctx, spec, id, parent)
		return err
	})
	if err != nil {
		return nil, err
	}
	return inst, nil
}

func validateRole(role registry.Role) error {
	switch role {
	case registry.RoleExecutive, registry.RoleManager, registry.RoleSpecialist:
		return nil
	default:
		return kernelerr.New(kernelerr.ErrInvalidRole, string(role))
	}
}

// validateParentRole enforces the tier ordering implied by the
// hierarchical instance_id form: a specialist's parent must be a
// manager; a manager's parent, if present, must be an executive.
// Executives and root-level managers (spawned with no parent_id, per the
// basic-spawn vignette) have none.
func validateParentRole(role registry.Role, parent *registry.Instance) error {
	switch role {
	case registry.RoleExecutive:
		if parent != nil {
			return kernelerr.New(kernelerr.ErrInvalidRole, "executive may not have a parent")
		}
	case registry.RoleManager:
		if parent != nil && parent.Role != registry.RoleExecutive {
			return kernelerr.New(kernelerr.ErrInvalidRole, "manager's parent must be an executive")
		}
	case registry.RoleSpecialist:
		if parent == nil || parent.Role != registry.RoleManager {
			return kernelerr.New(kernelerr.ErrParentNotFound, "specialist requires a manager parent")
		}
	}
	return nil
}

// allocateID counts parentID's existing same-role children and formats
// the next hierarchical instance_id. Caller must hold the parent lock.
func (s *Supervisor) allocateID(ctx context.Context, role registry.Role, parentID string) (string, error) {
	siblings, err := s.reg.ListInstances(ctx, registry.ListQuery{Role: role})
	if err != nil {
		return "", err
	}
	count := 0
	for _, sib := range siblings {
		if sib.ParentID == parentID {
			count++
		}
	}
	return nextInstanceID(role, parentID, count)
}

// bringUp performs the side-effecting half of spawn: workspace layout,
// session creation, process launch, and registry persistence, rolling
// back anything it already did if a later step fails.
func (s *Supervisor) bringUp(ctx context.Context, spec SpawnSpec, id string, parent *registry.Instance) (*registry.Instance, error) {
	allowedVerbs := rbac.AllowedVerbs(spec.Role)

	parentWorkDir := spec.WorkDir
	workDirOverride := ""
	if spec.ParentID != "" && parent != nil {
		parentWorkDir = parent.WorkDir
	} else {
		workDirOverride = spec.WorkDir
	}

	wsSpec := workspace.Spec{
		InstanceID: id,
		Role: string(spec.Role),
		ParentID: spec.ParentID,
		ParentWorkDir: parentWorkDir,
		Mode: workspace.Mode(spec.WorkspaceMode),
		AllowedVerbs: allowedVerbs,
		Task: spec.Context,
		WorkDirOverride: workDirOverride,
	}
	if wsSpec.Mode == "" {
		wsSpec.Mode = workspace.ModeIsolated
	}

	prepared, err := s.workspace.Prepare(wsSpec)
	if err != nil {
		return nil, err
	}

	sessionName, claimed := s.claimSession()
	if sessionName == "" {
		sessionName = fmt.Sprintf("%s_%s", s.cfg.SessionPrefix, id)
	}

	if claimed {
		// A pre-warmed session starts in the pool's own work dir; move it
		// into this instance's work dir before anything else runs there.
		target := transport.PaneTarget(sessionName, 0, 0)
		if err := s.transport.SendKeys(ctx, target, "cd "+shellQuote(prepared.WorkDir), true); err != nil {
			s.rollbackSession(ctx, sessionName)
			s.rollbackWorkspace(wsSpec, prepared.WorkDir)
			return nil, err
		}
		go func() {
			if err := s.pool.Refill(context.Background()); err != nil {
				log.Warn(log.CatSupervisor, "prewarm pool refill failed", "error", err)
			}
		}()
	} else if err := s.transport.CreateSession(ctx, sessionName, prepared.WorkDir); err != nil {
		s.rollbackWorkspace(wsSpec, prepared.WorkDir)
		return nil, err
	}

	if s.buildCmd != nil {
		info := LaunchInfo{InstanceID: id, AllowedVerbs: allowedVerbs, StateDir: s.cfg.StateDir}
		cmdLine := s.buildCmd(spec, info, prepared)
		if cmdLine != "" {
			target := transport.PaneTarget(sessionName, 0, 0)
			if err := s.transport.SendKeys(ctx, target, cmdLine, true); err != nil {
				s.rollbackSession(ctx, sessionName)
				s.rollbackWorkspace(wsSpec, prepared.WorkDir)
				return nil, err
			}
		}
	}

	now := time.Now()
	inst := &registry.Instance{
		InstanceID: id,
		Role: spec.Role,
		ParentID: spec.ParentID,
		Status: registry.StatusSpawning,
		SessionName: sessionName,
		WorkDir: prepared.WorkDir,
		WorkspaceMode: toRegistryMode(wsSpec.Mode),
		AllowedVerbs: allowedVerbs,
		Metadata: spec.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.reg.PutInstance(ctx, inst); err != nil {
		s.rollbackSession(ctx, sessionName)
		s.rollbackWorkspace(wsSpec, prepared.WorkDir)
		return nil, err
	}

	if parent != nil {
		if err := s.reg.UpdateInstance(ctx, parent.InstanceID, func(p *registry.Instance) {
			p.Children = append(p.Children, id)
		}); err != nil {
			log.Warn(log.CatSupervisor, "failed to record child on parent", "parent_id", parent.InstanceID, "child_id", id, "error", err)
		}
	}

	s.progress.Watch(id, prepared.WorkDir)

	go s.finishSpawn(id)

	log.Info(log.CatSupervisor, "instance spawned", "instance_id", id, "role", spec.Role, "session", sessionName)
	return inst, nil
}

// claimSession takes a ready session from the pre-warm pool, if one is
// wired and available. Returns ("", false) when there is no pool or it is
// currently empty, in which case the caller creates a session inline.
func (s *Supervisor) claimSession() (string, bool) {
	if s.pool == nil {
		return "", false
	}
	return s.pool.Take()
}

// finishSpawn transitions spawning -> active after the readiness delay.
func (s *Supervisor) finishSpawn(id string) {
	time.Sleep(s.cfg.ReadinessDelay)
	ctx := context.Background()
	if err := s.reg.UpdateInstance(ctx, id, func(inst *registry.Instance) {
		if inst.Status.CanTransitionTo(registry.StatusActive) {
			inst.Status = registry.StatusActive
		}
	}); err != nil {
		log.Warn(log.CatSupervisor, "readiness transition failed", "instance_id", id, "error", err)
	}
}

func (s *Supervisor) rollbackSession(ctx context.Context, sessionName string) {
	if err := s.transport.KillSession(ctx, sessionName); err != nil {
		log.Warn(log.CatSupervisor, "rollback: killing session failed", "session", sessionName, "error", err)
	}
}

func (s *Supervisor) rollbackWorkspace(wsSpec workspace.Spec, workDir string) {
	if err := s.workspace.Cleanup(wsSpec, workDir); err != nil {
		log.Warn(log.CatSupervisor, "rollback: workspace cleanup failed", "work_dir", workDir, "error", err)
	}
}

// shellQuote single-quotes s for safe interpolation into a shell command
// line, matching the kernel wiring layer's own command-builder idiom.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// toRegistryMode converts a workspace.Mode to its registry.WorkspaceMode
// equivalent; the two are deliberately kept as separate string types so
// workspace stays a leaf package.
func toRegistryMode(m workspace.Mode) registry.WorkspaceMode {
	if m == workspace.ModeShared {
		return registry.WorkspaceShared
	}
	return registry.WorkspaceIsolated
}
