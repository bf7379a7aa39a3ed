package workspace

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/conclave/internal/kernelerr"
)

func TestPrepareIsolatedLayout(t *testing.T) {
	parent := t.TempDir()
	m := New()

	prepared, err := m.Prepare(Spec{
		InstanceID:    "spec_1_1_1",
		Role:          "specialist",
		ParentID:      "mgr_1_1",
		ParentWorkDir: parent,
		Mode:          ModeIsolated,
	})
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(parent, "spec_1_1_1"), prepared.WorkDir)
	assert.FileExists(t, prepared.ContextPath)
	assert.FileExists(t, prepared.CapabilityPath)

	var caps []string
	data, err := os.ReadFile(prepared.CapabilityPath)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &caps))
	assert.Empty(t, caps, "specialist template must carry an empty capability set")
}

func TestPrepareSharedRequiresManagerRole(t *testing.T) {
	parent := t.TempDir()
	m := New()

	_, err := m.Prepare(Spec{
		InstanceID:    "spec_1_1_1",
		Role:          "specialist",
		ParentWorkDir: parent,
		Mode:          ModeShared,
	})
	require.Error(t, err)
	kind, ok := kernelerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, kernelerr.KindAuthorization, kind)
}

func TestPrepareSharedWritesMarkerAndManagerNamespace(t *testing.T) {
	parent := t.TempDir()
	m := New()

	prepared, err := m.Prepare(Spec{
		InstanceID:    "mgr_1_1",
		Role:          "manager",
		ParentID:      "exec_1",
		ParentWorkDir: parent,
		Mode:          ModeShared,
		AllowedVerbs:  []string{"send", "read"},
	})
	require.NoError(t, err)
	assert.Equal(t, parent, prepared.WorkDir)
	assert.FileExists(t, filepath.Join(parent, managersSubdir, "mgr_1_1", contextFileName))

	markerPath := filepath.Join(parent, markerFileName)
	assert.FileExists(t, markerPath)
	var mk marker
	data, err := os.ReadFile(markerPath)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &mk))
	assert.Contains(t, mk.Managers, "mgr_1_1")
}

func TestSecondManagerJoiningSharedWorkspaceUpdatesMarkerAtomically(t *testing.T) {
	parent := t.TempDir()
	m := New()

	_, err := m.Prepare(Spec{InstanceID: "mgr_1_1", Role: "manager", ParentWorkDir: parent, Mode: ModeShared})
	require.NoError(t, err)
	_, err = m.Prepare(Spec{InstanceID: "mgr_1_2", Role: "manager", ParentWorkDir: parent, Mode: ModeShared})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(parent, markerFileName))
	require.NoError(t, err)
	var mk marker
	require.NoError(t, json.Unmarshal(data, &mk))
	assert.ElementsMatch(t, []string{"mgr_1_1", "mgr_1_2"}, mk.Managers)
}

func TestCleanupIsolatedRemovesWorkDir(t *testing.T) {
	parent := t.TempDir()
	m := New()
	spec := Spec{InstanceID: "spec_1_1_1", Role: "specialist", ParentWorkDir: parent, Mode: ModeIsolated}
	prepared, err := m.Prepare(spec)
	require.NoError(t, err)

	require.NoError(t, m.Cleanup(spec, prepared.WorkDir))
	_, statErr := os.Stat(prepared.WorkDir)
	assert.True(t, os.IsNotExist(statErr))
}

func TestCleanupSharedLeavesWorkspaceIntact(t *testing.T) {
	parent := t.TempDir()
	m := New()
	spec := Spec{InstanceID: "mgr_1_1", Role: "manager", ParentWorkDir: parent, Mode: ModeShared}
	prepared, err := m.Prepare(spec)
	require.NoError(t, err)

	require.NoError(t, m.Cleanup(spec, prepared.WorkDir))
	assert.DirExists(t, parent)

	data, err := os.ReadFile(filepath.Join(parent, markerFileName))
	require.NoError(t, err)
	var mk marker
	require.NoError(t, json.Unmarshal(data, &mk))
	assert.NotContains(t, mk.Managers, "mgr_1_1")
}
