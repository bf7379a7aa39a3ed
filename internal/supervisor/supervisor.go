// Package supervisor implements the Instance Supervisor: it owns
// the full lifecycle of an instance (spawn, send, read, list, terminate,
// restart) by composing the Instance Registry, Terminal Transport,
// Reliable Sender, Workspace Manager, and Progress Monitor. It is grounded
// on a controlplane.Supervisor-shaped interface
// (AllocateResources/SpawnCoordinator/Pause/Resume/Shutdown, constructor-
// injected via a Config struct) rather than its body, which is coupled to
// a separate session/MCP infrastructure.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zjrosen/conclave/internal/kernelerr"
	"github.com/zjrosen/conclave/internal/log"
	"github.com/zjrosen/conclave/internal/optimizer"
	"github.com/zjrosen/conclave/internal/progress"
	"github.com/zjrosen/conclave/internal/rbac"
	"github.com/zjrosen/conclave/internal/registry"
	"github.com/zjrosen/conclave/internal/sender"
	"github.com/zjrosen/conclave/internal/transport"
	"github.com/zjrosen/conclave/internal/vcc"
	"github.com/zjrosen/conclave/internal/workspace"
)

// Config tunes the Supervisor's behavior, mirroring the relevant fields of
// config.Config without importing it directly (kept a leaf-ish
// dependency; the kernel wiring layer translates config.Config into this).
type Config struct {
	SessionPrefix string
	ReadinessDelay time.Duration
	MaxSpecialistsPerMgr int
	ParentLockTTL int64
	StateDir string
}

// LaunchInfo is the allocated identity of a spawning instance, supplied
// to a CommandBuilder alongside its original SpawnSpec.
type LaunchInfo struct {
	InstanceID string
	AllowedVerbs []string
	StateDir string
}

// CommandBuilder produces the shell command used to launch an instance's
// process inside its tmux pane, given its spawn intent, allocated
// identity, and prepared workspace. The kernel wiring layer supplies the
// real one (exec the agent binary with the instance's environment);
// tests supply a stub.
type CommandBuilder func(spec SpawnSpec, info LaunchInfo, prepared workspace.Prepared) string

// SpawnSpec is the caller-supplied intent for a new instance, matching the
// spawn verb's parameters: {role, work_dir, context, parent_id?,
// workspace_mode?}.
type SpawnSpec struct {
	Role registry.Role
	WorkDir string
	Context string
	ParentID string
	WorkspaceMode registry.WorkspaceMode
	Metadata map[string]string
}

// Supervisor is the Instance Supervisor.
type Supervisor struct {
	reg registry.Backend
	transport transport.Transport
	sender *sender.Sender
	workspace *workspace.Manager
	progress *progress.Monitor
	buildCmd CommandBuilder
	cfg Config

	mu sync.Mutex
	vccs map[string]*vcc.Coordinator // keyed by work dir
	pool *optimizer.PrewarmPool
}

// New constructs a Supervisor from its collaborators.
func New(
	reg registry.Backend,
	t transport.Transport,
	snd *sender.Sender,
	ws *workspace.Manager,
	prog *progress.Monitor,
	buildCmd CommandBuilder,
	cfg Config,
) *Supervisor {
	if cfg.SessionPrefix == "" {
		cfg.SessionPrefix = "conclave"
	}
	if cfg.ReadinessDelay <= 0 {
		cfg.ReadinessDelay = 500 * time.Millisecond
	}
	if cfg.MaxSpecialistsPerMgr <= 0 {
		cfg.MaxSpecialistsPerMgr = 4
	}
	if cfg.ParentLockTTL <= 0 {
		cfg.ParentLockTTL = int64(registry.DefaultLockTTL.Seconds())
	}
	return &Supervisor{
		reg: reg,
		transport: t,
		sender: snd,
		workspace: ws,
		progress: prog,
		buildCmd: buildCmd,
		cfg: cfg,
		vccs: make(map[string]*vcc.Coordinator),
	}
}

// SetPrewarmPool wires a pre-warmed session pool into the Supervisor.
// Spawn claims from it before falling back to creating a session inline.
// Left unset (nil), Spawn always creates fresh, same as before pre-warming
// existed.
func (s *Supervisor) SetPrewarmPool(pool *optimizer.PrewarmPool) {
	s.pool = pool
}

// vccFor returns the (possibly newly created) Coordinator rooted at
// workDir. One Coordinator instance is reused per work dir, since
// CoordinatedMerge/AtomicOperation checkpoints assume a single owner.
func (s *Supervisor) vccFor(workDir string) *vcc.Coordinator {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.vccs[workDir]
	if !ok {
		c = vcc.New(workDir)
		s.vccs[workDir] = c
	}
	return c
}

func parentLockResource(parentID string) string {
	return fmt.Sprintf("parent:%s", parentID)
}

// withParentLock serializes sibling-counting + allocation for a given
// parent, per the invariant that concurrent spawns under one parent must
// not race on the same instance_id.
func (s *Supervisor) withParentLock(ctx context.Context, parentID string, fn func() error) error {
	resource := parentLockResource(parentID)
	token, ok, err := s.reg.AcquireLock(ctx, resource, s.cfg.ParentLockTTL)
	if err != nil {
		return fmt.Errorf("supervisor: acquiring parent lock: %w", err)
	}
	if !ok {
		return kernelerr.New(kernelerr.ErrResourceLimitExceeded, "parent is busy allocating another child, retry")
	}
	defer func() {
		if relErr := s.reg.ReleaseLock(context.Background(), resource, token); relErr != nil {
			log.Warn(log.CatSupervisor, "releasing parent lock failed", "resource", resource, "error", relErr)
		}
	}()
	return fn()
}
