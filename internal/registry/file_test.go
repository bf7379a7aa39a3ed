package registry

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestBackend(t *testing.T) *FileBackend {
	t.Helper()
	path := filepath.Join(t.TempDir(), "instances.json")
	fb, err := OpenFile(path)
	require.NoError(t, err)
	return fb
}

func TestFileBackendPutGetInstance(t *testing.T) {
	ctx := context.Background()
	fb := openTestBackend(t)

	inst := &Instance{InstanceID: "mgr_1_1", Role: RoleManager, Status: StatusSpawning}
	require.NoError(t, fb.PutInstance(ctx, inst))

	got, ok, err := fb.GetInstance(ctx, "mgr_1_1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, RoleManager, got.Role)
}

func TestFileBackendPutInstanceDuplicate(t *testing.T) {
	ctx := context.Background()
	fb := openTestBackend(t)

	inst := &Instance{InstanceID: "mgr_1_1", Role: RoleManager}
	require.NoError(t, fb.PutInstance(ctx, inst))
	err := fb.PutInstance(ctx, &Instance{InstanceID: "mgr_1_1", Role: RoleManager})
	assert.Error(t, err)
}

func TestFileBackendListInstancesFiltersByRoleAndParent(t *testing.T) {
	ctx := context.Background()
	fb := openTestBackend(t)

	require.NoError(t, fb.PutInstance(ctx, &Instance{InstanceID: "exec_1", Role: RoleExecutive}))
	require.NoError(t, fb.PutInstance(ctx, &Instance{InstanceID: "mgr_1_1", Role: RoleManager, ParentID: "exec_1"}))
	require.NoError(t, fb.PutInstance(ctx, &Instance{InstanceID: "mgr_1_2", Role: RoleManager, ParentID: "exec_1"}))

	managers, err := fb.ListInstances(ctx, ListQuery{Role: RoleManager})
	require.NoError(t, err)
	assert.Len(t, managers, 2)

	children, err := fb.ListInstances(ctx, ListQuery{ParentID: "exec_1"})
	require.NoError(t, err)
	assert.Len(t, children, 2)
}

func TestFileBackendRemoveInstanceNotFound(t *testing.T) {
	ctx := context.Background()
	fb := openTestBackend(t)
	err := fb.RemoveInstance(ctx, "nope")
	assert.Error(t, err)
}

func TestFileBackendUpdateInstance(t *testing.T) {
	ctx := context.Background()
	fb := openTestBackend(t)
	require.NoError(t, fb.PutInstance(ctx, &Instance{InstanceID: "mgr_1_1", Role: RoleManager, Status: StatusSpawning}))

	err := fb.UpdateInstance(ctx, "mgr_1_1", func(inst *Instance) {
		inst.Status = StatusActive
	})
	require.NoError(t, err)

	got, _, _ := fb.GetInstance(ctx, "mgr_1_1")
	assert.Equal(t, StatusActive, got.Status)
}

func TestFileBackendLockAcquireRelease(t *testing.T) {
	ctx := context.Background()
	fb := openTestBackend(t)

	token, ok, err := fb.AcquireLock(ctx, "parent:exec_1", 30)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEmpty(t, token)

	_, ok, err = fb.AcquireLock(ctx, "parent:exec_1", 30)
	require.NoError(t, err)
	assert.False(t, ok, "second acquire of a held lock must fail")

	// releasing with a stale token is a no-op, lock stays held
	require.NoError(t, fb.ReleaseLock(ctx, "parent:exec_1", "bogus-token"))
	_, ok, _ = fb.AcquireLock(ctx, "parent:exec_1", 30)
	assert.False(t, ok)

	require.NoError(t, fb.ReleaseLock(ctx, "parent:exec_1", token))
	_, ok, err = fb.AcquireLock(ctx, "parent:exec_1", 30)
	require.NoError(t, err)
	assert.True(t, ok, "lock must be acquirable again after release")
}

func TestFileBackendReopenPersistsState(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "instances.json")

	fb, err := OpenFile(path)
	require.NoError(t, err)
	require.NoError(t, fb.PutInstance(ctx, &Instance{InstanceID: "exec_1", Role: RoleExecutive}))

	reopened, err := OpenFile(path)
	require.NoError(t, err)
	got, ok, err := reopened.GetInstance(ctx, "exec_1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, RoleExecutive, got.Role)
}

func TestStatusCanTransitionTo(t *testing.T) {
	assert.True(t, StatusSpawning.CanTransitionTo(StatusActive))
	assert.True(t, StatusActive.CanTransitionTo(StatusIdle))
	assert.False(t, StatusTerminated.CanTransitionTo(StatusActive))
	assert.True(t, StatusCrashed.CanTransitionTo(StatusActive))
}
