package supervisor

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/conclave/internal/kernelerr"
	"github.com/zjrosen/conclave/internal/optimizer"
	"github.com/zjrosen/conclave/internal/progress"
	"github.com/zjrosen/conclave/internal/registry"
	"github.com/zjrosen/conclave/internal/sender"
	"github.com/zjrosen/conclave/internal/transport"
	"github.com/zjrosen/conclave/internal/workspace"
)

// fakeTransport is an in-memory transport.Transport double, mirroring the
// one in internal/sender's test suite but also tracking session
// lifecycle so Terminate/Restart can be asserted against.
type fakeTransport struct {
	mu       sync.Mutex
	sessions map[string]bool
	panes    map[string]*strings.Builder
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sessions: make(map[string]bool), panes: make(map[string]*strings.Builder)}
}

func (f *fakeTransport) CreateSession(_ context.Context, name, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[name] = true
	return nil
}

func (f *fakeTransport) KillSession(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, name)
	return nil
}

func (f *fakeTransport) SendKeys(_ context.Context, target, text string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.panes[target]
	if !ok {
		b = &strings.Builder{}
		f.panes[target] = b
	}
	b.WriteString(text)
	b.WriteString("\n")
	return nil
}

func (f *fakeTransport) CapturePane(_ context.Context, target string, _ int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.panes[target]
	if !ok {
		return "", nil
	}
	return b.String(), nil
}

func (f *fakeTransport) ListSessions(context.Context) ([]transport.SessionInfo, error) { return nil, nil }

func (f *fakeTransport) PasteBuffer(_ context.Context, target, text string) error {
	return f.SendKeys(context.Background(), target, text, true)
}

func (f *fakeTransport) hasSession(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[name]
}

func newTestSupervisor(t *testing.T) (*Supervisor, *fakeTransport) {
	t.Helper()
	reg, err := registry.OpenFile(filepath.Join(t.TempDir(), "instances.json"))
	require.NoError(t, err)

	ft := newFakeTransport()
	snd := sender.New(ft, sender.Config{})
	ws := workspace.New()
	prog := progress.New(nil, 50*time.Millisecond)

	sup := New(reg, ft, snd, ws, prog, nil, Config{ReadinessDelay: 10 * time.Millisecond})
	return sup, ft
}

func TestSpawnManagerWithoutParentAllocatesRootID(t *testing.T) {
	sup, ft := newTestSupervisor(t)
	ctx := context.Background()

	inst, err := sup.Spawn(ctx, SpawnSpec{Role: registry.RoleManager, WorkDir: t.TempDir(), Context: "Test"})
	require.NoError(t, err)
	assert.Equal(t, "mgr_1_1", inst.InstanceID)
	assert.Empty(t, inst.ParentID)
	assert.True(t, ft.hasSession(inst.SessionName))

	list, err := sup.List(ctx, registry.ListQuery{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "mgr_1_1", list[0].InstanceID)
}

func TestSpawnParentChildHierarchy(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	ctx := context.Background()
	base := t.TempDir()

	exec, err := sup.Spawn(ctx, SpawnSpec{Role: registry.RoleExecutive, WorkDir: base})
	require.NoError(t, err)
	assert.Equal(t, "exec_1", exec.InstanceID)

	mgr, err := sup.Spawn(ctx, SpawnSpec{Role: registry.RoleManager, WorkDir: base, ParentID: exec.InstanceID})
	require.NoError(t, err)
	assert.Equal(t, "mgr_1_1", mgr.InstanceID)
	assert.Equal(t, exec.InstanceID, mgr.ParentID)

	parent, ok, err := sup.reg.GetInstance(ctx, exec.InstanceID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, parent.Children, mgr.InstanceID)
}

func TestSpawnSpecialistRequiresManagerParent(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	ctx := context.Background()

	_, err := sup.Spawn(ctx, SpawnSpec{Role: registry.RoleSpecialist, WorkDir: t.TempDir()})
	require.Error(t, err)
	kind, ok := kernelerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, kernelerr.KindNotFound, kind)
}

func TestSpawnSharedModeRequiresManagerRole(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	ctx := context.Background()

	_, err := sup.Spawn(ctx, SpawnSpec{Role: registry.RoleSpecialist, WorkDir: t.TempDir(), WorkspaceMode: registry.WorkspaceShared})
	require.Error(t, err)
}

func TestCascadeTerminateRemovesWholeSubtree(t *testing.T) {
	sup, ft := newTestSupervisor(t)
	ctx := context.Background()
	base := t.TempDir()

	exec, err := sup.Spawn(ctx, SpawnSpec{Role: registry.RoleExecutive, WorkDir: base})
	require.NoError(t, err)
	mgr, err := sup.Spawn(ctx, SpawnSpec{Role: registry.RoleManager, WorkDir: base, ParentID: exec.InstanceID})
	require.NoError(t, err)
	spec, err := sup.Spawn(ctx, SpawnSpec{Role: registry.RoleSpecialist, WorkDir: base, ParentID: mgr.InstanceID})
	require.NoError(t, err)

	require.NoError(t, sup.Terminate(ctx, exec.InstanceID, true))

	list, err := sup.List(ctx, registry.ListQuery{})
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.False(t, ft.hasSession(exec.SessionName))
	assert.False(t, ft.hasSession(mgr.SessionName))
	assert.False(t, ft.hasSession(spec.SessionName))
}

func TestTerminateIsIdempotent(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	ctx := context.Background()

	inst, err := sup.Spawn(ctx, SpawnSpec{Role: registry.RoleManager, WorkDir: t.TempDir()})
	require.NoError(t, err)

	require.NoError(t, sup.Terminate(ctx, inst.InstanceID, false))
	require.NoError(t, sup.Terminate(ctx, inst.InstanceID, false))
}

func TestSendAndReadRoundTrip(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	ctx := context.Background()

	inst, err := sup.Spawn(ctx, SpawnSpec{Role: registry.RoleManager, WorkDir: t.TempDir()})
	require.NoError(t, err)

	require.NoError(t, sup.Send(ctx, inst.InstanceID, "ECHO: hello", sender.PriorityNormal, false))

	out, err := sup.Read(ctx, inst.InstanceID, 20)
	require.NoError(t, err)
	assert.Contains(t, out, "ECHO: hello")
}

func TestReadUnknownInstanceFails(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	_, err := sup.Read(context.Background(), "mgr_9_9", 10)
	require.Error(t, err)
}

func TestDescribeReturnsInstanceEvenWithoutProgressOrRepo(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	ctx := context.Background()

	inst, err := sup.Spawn(ctx, SpawnSpec{Role: registry.RoleManager, WorkDir: t.TempDir()})
	require.NoError(t, err)

	desc, err := sup.Describe(ctx, inst.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, inst.InstanceID, desc.Instance.InstanceID)
	assert.Nil(t, desc.Progress)
	assert.Empty(t, desc.Branch)
}

func TestRestartPreservesInstanceID(t *testing.T) {
	sup, ft := newTestSupervisor(t)
	ctx := context.Background()

	inst, err := sup.Spawn(ctx, SpawnSpec{Role: registry.RoleManager, WorkDir: t.TempDir()})
	require.NoError(t, err)

	restarted, err := sup.Restart(ctx, inst.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, inst.InstanceID, restarted.InstanceID)
	assert.Equal(t, registry.StatusActive, restarted.Status)
	assert.True(t, ft.hasSession(inst.SessionName))
}

func TestSpawnClaimsPrewarmedSessionInsteadOfCreatingOne(t *testing.T) {
	sup, ft := newTestSupervisor(t)
	ctx := context.Background()

	pool := optimizer.NewPrewarmPool(ft, "/pool/workdir", 1)
	require.NoError(t, pool.Refill(ctx))
	require.Equal(t, 1, pool.Len())
	sup.SetPrewarmPool(pool)

	inst, err := sup.Spawn(ctx, SpawnSpec{Role: registry.RoleManager, WorkDir: t.TempDir()})
	require.NoError(t, err)

	// A claimed session keeps its pool-assigned name rather than the
	// supervisor's own "<prefix>_<id>" scheme.
	assert.True(t, strings.HasPrefix(inst.SessionName, "conclave-prewarm-"))
	assert.True(t, ft.hasSession(inst.SessionName))

	target := transport.PaneTarget(inst.SessionName, 0, 0)
	pane, err := ft.CapturePane(ctx, target, 0)
	require.NoError(t, err)
	assert.Contains(t, pane, "cd '"+inst.WorkDir+"'")

	// Take draining the pool to zero must have triggered a background
	// refill back up to its target size.
	assert.Eventually(t, func() bool { return pool.Len() == 1 }, time.Second, 5*time.Millisecond)
}

func TestSpawnFallsBackToFreshSessionWhenPoolEmpty(t *testing.T) {
	sup, ft := newTestSupervisor(t)
	ctx := context.Background()

	pool := optimizer.NewPrewarmPool(ft, "/pool/workdir", 0)
	sup.SetPrewarmPool(pool)

	inst, err := sup.Spawn(ctx, SpawnSpec{Role: registry.RoleManager, WorkDir: t.TempDir()})
	require.NoError(t, err)
	assert.True(t, ft.hasSession(inst.SessionName))
}
