package progress

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeProgress(t *testing.T, path string, items []Item) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	data, err := json.Marshal(items)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestDefaultResolverPath(t *testing.T) {
	got := DefaultResolver{}.ProgressPath("mgr_1_1", "/tmp/work")
	assert.Equal(t, filepath.Join("/tmp/work", ".conclave", "progress.json"), got)
}

func TestMonitorWatchComputesCompletionRate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".conclave", "progress.json")
	writeProgress(t, path, []Item{
		{ID: "1", Status: ItemCompleted, Content: "a"},
		{ID: "2", Status: ItemPending, Content: "b"},
	})

	m := New(DefaultResolver{}, 20*time.Millisecond)
	m.Watch("mgr_1_1", dir)
	defer m.Unwatch("mgr_1_1")

	assert.Eventually(t, func() bool {
		snap, ok := m.Get("mgr_1_1")
		return ok && snap.CompletionRate == 0.5
	}, time.Second, 10*time.Millisecond)
}

func TestMonitorCompletionRateZeroWhenEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".conclave", "progress.json")
	writeProgress(t, path, []Item{})

	m := New(nil, 20*time.Millisecond)
	m.Watch("mgr_1_1", dir)
	defer m.Unwatch("mgr_1_1")

	assert.Eventually(t, func() bool {
		snap, ok := m.Get("mgr_1_1")
		return ok && snap.CompletionRate == 0
	}, time.Second, 10*time.Millisecond)
}

func TestMonitorUnwatchStopsTracking(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".conclave", "progress.json")
	writeProgress(t, path, []Item{{ID: "1", Status: ItemCompleted}})

	m := New(nil, 20*time.Millisecond)
	m.Watch("mgr_1_1", dir)

	assert.Eventually(t, func() bool {
		_, ok := m.Get("mgr_1_1")
		return ok
	}, time.Second, 10*time.Millisecond)

	m.Unwatch("mgr_1_1")
	_, ok := m.Get("mgr_1_1")
	assert.False(t, ok)
}

func TestMonitorWatchIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".conclave", "progress.json")
	writeProgress(t, path, []Item{{ID: "1", Status: ItemPending}})

	m := New(nil, 20*time.Millisecond)
	m.Watch("mgr_1_1", dir)
	m.Watch("mgr_1_1", dir) // second call must not panic or double-track
	defer m.Unwatch("mgr_1_1")

	_, ok := m.Get("mgr_1_1")
	assert.True(t, ok)
}
