// Package progress implements the Progress Monitor: it watches a
// per-instance progress file, parses a todo list, and computes a
// completion rate. It follows the same watch-plus-poll-fallback shape as
// an internal/watcher-style file watcher, generalized from one database
// file to many per-instance progress files tracked concurrently.
package progress

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/zjrosen/conclave/internal/log"
)

// ItemStatus is a single todo item's state within a progress file.
type ItemStatus string

const (
	ItemPending ItemStatus = "pending"
	ItemInProgress ItemStatus = "in_progress"
	ItemCompleted ItemStatus = "completed"
)

// Item is one entry of a progress file's todo list.
type Item struct {
	ID string `json:"id"`
	Status ItemStatus `json:"status"`
	Content string `json:"content"`
}

// Snapshot is the current state returned by get_progress.
type Snapshot struct {
	Todos []Item `json:"todos"`
	CompletionRate float64 `json:"completion_rate"`
}

// PathResolver locates the progress file for an instance. Open Question
// (b) leaves the path discipline unspecified; callers provide their own
// resolver, with DefaultResolver offered as a documented convention.
type PathResolver interface {
	ProgressPath(instanceID, workDir string) string
}

// DefaultResolver places the progress file at
// <work_dir>/.conclave/progress.json, a convention rather than a
// requirement.
type DefaultResolver struct{}

func (DefaultResolver) ProgressPath(_ string, workDir string) string {
	return filepath.Join(workDir, ".conclave", "progress.json")
}

// PollInterval is the fallback poll period when fsnotify can't be used
// (containers without inotify), matching the default.
const PollInterval = 5 * time.Second

// Monitor tracks progress files for a set of instances, one watcher
// goroutine per instance, aligned with the owning instance's lifecycle.
type Monitor struct {
	resolver PathResolver
	poll time.Duration

	mu sync.Mutex
	tracks map[string]*track
}

type track struct {
	mu sync.RWMutex
	snapshot Snapshot
	stop chan struct{}
}

// New creates a Monitor. A nil resolver uses DefaultResolver; interval <=
// 0 uses PollInterval.
func New(resolver PathResolver, interval time.Duration) *Monitor {
	if resolver == nil {
		resolver = DefaultResolver{}
	}
	if interval <= 0 {
		interval = PollInterval
	}
	return &Monitor{
		resolver: resolver,
		poll: interval,
		tracks: make(map[string]*track),
	}
}

// Watch starts tracking instanceID's progress file, rooted at workDir.
// Calling Watch twice for the same instance is a no-op.
func (m *Monitor) Watch(instanceID, workDir string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tracks[instanceID]; ok {
		return
	}

	path := m.resolver.ProgressPath(instanceID, workDir)
	t := &track{stop: make(chan struct{})}
	m.tracks[instanceID] = t

	t.refresh(path)
	go m.loop(instanceID, path, t)
}

// Unwatch stops tracking instanceID, called when the owning instance is
// terminated.
func (m *Monitor) Unwatch(instanceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tracks[instanceID]
	if !ok {
		return
	}
	close(t.stop)
	delete(m.tracks, instanceID)
}

// Get returns the current snapshot for instanceID, or a zero Snapshot and
// false if the instance is not being tracked.
func (m *Monitor) Get(instanceID string) (Snapshot, bool) {
	m.mu.Lock()
	t, ok := m.tracks[instanceID]
	m.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snapshot, true
}

func (m *Monitor) loop(instanceID, path string, t *track) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn(log.CatProgress, "fsnotify unavailable, polling only", "instance_id", instanceID, "error", err)
		m.pollLoop(path, t)
		return
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		log.Warn(log.CatProgress, "watching progress directory failed, polling only", "instance_id", instanceID, "dir", dir, "error", err)
		m.pollLoop(path, t)
		return
	}

	ticker := time.NewTicker(m.poll)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) == filepath.Base(path) {
				t.refresh(path)
			}
		case <-ticker.C:
			t.refresh(path)
		case _, ok := <-watcher.Errors:
			if !ok {
				return
			}
		case <-t.stop:
			return
		}
	}
}

func (m *Monitor) pollLoop(path string, t *track) {
	ticker := time.NewTicker(m.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.refresh(path)
		case <-t.stop:
			return
		}
	}
}

func (t *track) refresh(path string) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is derived from an operator-controlled work dir
	if err != nil {
		return
	}

	var items []Item
	if err := json.Unmarshal(data, &items); err != nil {
		log.Warn(log.CatProgress, "progress file unparsable", "path", path, "error", err)
		return
	}

	completed := 0
	for _, it := range items {
		if it.Status == ItemCompleted {
			completed++
		}
	}
	rate := 0.0
	if len(items) > 0 {
		rate = float64(completed) / float64(len(items))
	}

	t.mu.Lock()
	t.snapshot = Snapshot{Todos: items, CompletionRate: rate}
	t.mu.Unlock()
}
