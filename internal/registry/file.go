package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/conclave/internal/kernelerr"
	"github.com/zjrosen/conclave/internal/log"
)

// fileDoc is the single JSON document persisted by FileBackend, grounded
// on an inMemoryRegistry (controlplane/registry.go) idiom, generalized
// to flush to disk on every mutation.
type fileDoc struct {
	Kind Kind `json:"kind"`
	Instances map[string]*Instance `json:"instances"`
	Jobs map[string]*Job `json:"jobs"`
	Locks map[string]*Lock `json:"locks"`
	Metrics map[string]float64 `json:"metrics"`
}

// FileBackend is the single-process registry backend: one JSON document
// behind a mutex, suitable for single-process deployments.
type FileBackend struct {
	mu sync.Mutex
	path string
	doc fileDoc
}

// OpenFile loads (or creates) the registry file at path. If the file
// already exists and was stamped with a different backend Kind, opening
// fails with ErrStateCorrupted (the Open Question (a)).
func OpenFile(path string) (*FileBackend, error) {
	fb := &FileBackend{path: path}

	data, err := os.ReadFile(path) //nolint:gosec // G304: path is operator-controlled
	switch {
	case err == nil:
		if jsonErr := json.Unmarshal(data, &fb.doc); jsonErr != nil {
			return nil, kernelerr.New(kernelerr.ErrStateCorrupted, fmt.Sprintf("parsing %s: %v", path, jsonErr))
		}
		if fb.doc.Kind != "" && fb.doc.Kind != KindFile {
			return nil, kernelerr.New(kernelerr.ErrStateCorrupted,
				fmt.Sprintf("%s was stamped with backend kind %q, expected %q", path, fb.doc.Kind, KindFile))
		}
		fb.doc.Kind = KindFile
	case os.IsNotExist(err):
		fb.doc = fileDoc{Kind: KindFile}
		fb.initMaps()
		if err := fb.flushLocked(); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	fb.initMaps()
	return fb, nil
}

func (fb *FileBackend) initMaps() {
	if fb.doc.Instances == nil {
		fb.doc.Instances = make(map[string]*Instance)
	}
	if fb.doc.Jobs == nil {
		fb.doc.Jobs = make(map[string]*Job)
	}
	if fb.doc.Locks == nil {
		fb.doc.Locks = make(map[string]*Lock)
	}
	if fb.doc.Metrics == nil {
		fb.doc.Metrics = make(map[string]float64)
	}
}

func (fb *FileBackend) Kind() Kind { return KindFile }

// flushLocked writes the document atomically (write temp, rename).
// Caller must hold fb.mu.
func (fb *FileBackend) flushLocked() error {
	dir := filepath.Dir(fb.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating registry directory: %w", err)
	}

	data, err := json.MarshalIndent(fb.doc, "", " ")
	if err != nil {
		return fmt.Errorf("marshaling registry: %w", err)
	}

	temp, err := os.CreateTemp(dir, ".registry.json.tmp.*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tempPath := temp.Name()

	if _, err := temp.Write(data); err != nil {
		_ = temp.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := temp.Close(); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tempPath, fb.path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

func (fb *FileBackend) PutInstance(_ context.Context, inst *Instance) error {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	if inst == nil || inst.InstanceID == "" {
		return kernelerr.New(kernelerr.ErrInvalidArgument, "instance must have a non-empty instance_id")
	}
	if _, exists := fb.doc.Instances[inst.InstanceID]; exists {
		return kernelerr.New(kernelerr.ErrSessionExists, fmt.Sprintf("instance %s already exists", inst.InstanceID))
	}
	fb.doc.Instances[inst.InstanceID] = inst
	if err := fb.flushLocked(); err != nil {
		return err
	}
	log.Debug(log.CatRegistry, "instance stored", "instance_id", inst.InstanceID, "role", inst.Role)
	return nil
}

func (fb *FileBackend) GetInstance(_ context.Context, id string) (*Instance, bool, error) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	inst, ok := fb.doc.Instances[id]
	return inst, ok, nil
}

func (fb *FileBackend) UpdateInstance(_ context.Context, id string, fn func(*Instance)) error {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	inst, ok := fb.doc.Instances[id]
	if !ok {
		return kernelerr.New(kernelerr.ErrInstanceNotFound, id)
	}
	fn(inst)
	inst.UpdatedAt = time.Now()
	return fb.flushLocked()
}

func (fb *FileBackend) ListInstances(_ context.Context, q ListQuery) ([]*Instance, error) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	var results []*Instance
	for _, inst := range fb.doc.Instances {
		if q.Role != "" && inst.Role != q.Role {
			continue
		}
		if q.ParentID != "" && inst.ParentID != q.ParentID {
			continue
		}
		results = append(results, inst)
	}
	return results, nil
}

func (fb *FileBackend) RemoveInstance(_ context.Context, id string) error {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	if _, ok := fb.doc.Instances[id]; !ok {
		return kernelerr.New(kernelerr.ErrInstanceNotFound, id)
	}
	delete(fb.doc.Instances, id)
	return fb.flushLocked()
}

func (fb *FileBackend) PutJob(_ context.Context, job *Job) error {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	if job == nil || job.JobID == "" {
		return kernelerr.New(kernelerr.ErrInvalidArgument, "job must have a non-empty job_id")
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = DefaultMaxAttempts
	}
	fb.doc.Jobs[job.JobID] = job
	return fb.flushLocked()
}

func (fb *FileBackend) GetJob(_ context.Context, id string) (*Job, bool, error) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	job, ok := fb.doc.Jobs[id]
	return job, ok, nil
}

func (fb *FileBackend) UpdateJob(_ context.Context, id string, fn func(*Job)) error {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	job, ok := fb.doc.Jobs[id]
	if !ok {
		return fmt.Errorf("registry: job %s not found", id)
	}
	fn(job)
	job.UpdatedAt = time.Now()
	return fb.flushLocked()
}

func (fb *FileBackend) ListJobs(_ context.Context, priority Priority) ([]*Job, error) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	var results []*Job
	for _, job := range fb.doc.Jobs {
		if priority != "" && job.Priority != priority {
			continue
		}
		results = append(results, job)
	}
	return results, nil
}

func (fb *FileBackend) RemoveJob(_ context.Context, id string) error {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	if _, ok := fb.doc.Jobs[id]; !ok {
		return fmt.Errorf("registry: job %s not found", id)
	}
	delete(fb.doc.Jobs, id)
	return fb.flushLocked()
}

// AcquireLock serializes child allocation and other single-writer
// resources.
func (fb *FileBackend) AcquireLock(_ context.Context, resource string, ttlSeconds int64) (string, bool, error) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	now := time.Now()
	if existing, ok := fb.doc.Locks[resource]; ok && existing.ExpiresAt.After(now) {
		return "", false, nil
	}

	token := uuid.NewString()
	fb.doc.Locks[resource] = &Lock{
		Resource: resource,
		HolderToken: token,
		AcquiredAt: now,
		ExpiresAt: now.Add(time.Duration(ttlSeconds) * time.Second),
	}
	if err := fb.flushLocked(); err != nil {
		return "", false, err
	}
	return token, true, nil
}

func (fb *FileBackend) ReleaseLock(_ context.Context, resource, token string) error {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	existing, ok := fb.doc.Locks[resource]
	if !ok || existing.HolderToken != token {
		return nil // stale or unknown token: no-op
	}
	delete(fb.doc.Locks, resource)
	return fb.flushLocked()
}

func (fb *FileBackend) RecordMetric(_ context.Context, name string, value float64) error {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.doc.Metrics[name] = value
	return fb.flushLocked()
}

func (fb *FileBackend) Close() error { return nil }
