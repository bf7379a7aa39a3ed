// Package workspace implements the Workspace Manager: it lays out
// each instance's working directory (isolated or shared), writes its
// context and capability files, and maintains the shared-workspace marker
// file. Atomic writes follow a write-temp-then-rename idiom.
package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/zjrosen/conclave/internal/kernelerr"
	"github.com/zjrosen/conclave/internal/log"
)

const (
	markerFileName = ".conclave-shared.json"
	contextFileName = "context.md"
	capabilityFileName = "capabilities.json"
	managersSubdir = ".managers"
)

// Mode mirrors registry.WorkspaceMode without importing the registry
// package, keeping workspace a leaf dependency.
type Mode string

const (
	ModeIsolated Mode = "isolated"
	ModeShared Mode = "shared"
)

// Spec describes the workspace an instance needs at spawn time.
type Spec struct {
	InstanceID string
	Role string // "executive" | "manager" | "specialist"
	ParentID string
	ParentWorkDir string
	Mode Mode
	AllowedVerbs []string
	Task string

	// WorkDirOverride, when set, is used verbatim as the instance's
	// directory instead of joining ParentWorkDir with InstanceID. A
	// root instance (no parent_id) owns the work_dir it was given
	// directly rather than nesting a further subdirectory under it.
	WorkDirOverride string
}

// Prepared is the result of laying out an instance's workspace.
type Prepared struct {
	WorkDir string
	ContextPath string
	CapabilityPath string
}

// Manager lays out and tears down instance workspaces.
type Manager struct{}

// New creates a Manager.
func New() *Manager { return &Manager{} }

// Prepare creates the directory layout for spec and returns the resulting
// paths. Enforces workspace_mode=shared ⇒ role=manager.
func (m *Manager) Prepare(spec Spec) (Prepared, error) {
	if spec.Mode == ModeShared && spec.Role != "manager" {
		return Prepared{}, kernelerr.New(kernelerr.ErrCapabilityDenied,
			"workspace_mode=shared is only valid for role=manager")
	}

	var workDir, contextDir string
	switch spec.Mode {
	case ModeShared:
		workDir = spec.ParentWorkDir
		contextDir = filepath.Join(workDir, managersSubdir, spec.InstanceID)
		if err := m.joinSharedMarker(workDir, spec.InstanceID); err != nil {
			return Prepared{}, err
		}
	default:
		if spec.WorkDirOverride != "" {
			workDir = spec.WorkDirOverride
		} else {
			workDir = filepath.Join(spec.ParentWorkDir, spec.InstanceID)
		}
		contextDir = workDir
	}

	if err := os.MkdirAll(contextDir, 0o755); err != nil {
		return Prepared{}, fmt.Errorf("workspace: creating %s: %w", contextDir, err)
	}

	content, err := renderContext(spec.Role, contextVars{
		InstanceID: spec.InstanceID,
		WorkDir: workDir,
		ParentID: spec.ParentID,
		AllowedVerbs: spec.AllowedVerbs,
		Task: spec.Task,
	})
	if err != nil {
		return Prepared{}, err
	}

	contextPath := filepath.Join(contextDir, contextFileName)
	if err := os.WriteFile(contextPath, []byte(content), 0o644); err != nil { //nolint:gosec // G306: context file is not sensitive
		return Prepared{}, fmt.Errorf("workspace: writing context file: %w", err)
	}

	capsPath := filepath.Join(contextDir, capabilityFileName)
	caps := spec.AllowedVerbs
	if spec.Role == "specialist" {
		caps = nil // specialist template carries an empty capability set
	}
	capsData, err := json.MarshalIndent(caps, "", " ")
	if err != nil {
		return Prepared{}, err
	}
	if err := os.WriteFile(capsPath, capsData, 0o644); err != nil { //nolint:gosec // G306: capability list is not sensitive
		return Prepared{}, fmt.Errorf("workspace: writing capability file: %w", err)
	}

	log.Info(log.CatWorkspace, "workspace prepared", "instance_id", spec.InstanceID, "mode", spec.Mode, "work_dir", workDir)
	return Prepared{WorkDir: workDir, ContextPath: contextPath, CapabilityPath: capsPath}, nil
}

// Cleanup removes the instance's workspace. Only isolated workspaces are
// deleted; shared workspaces are left intact (and the manager's
// sub-namespace is removed and the marker updated), matching the
// "deletes workspace only if isolated".
func (m *Manager) Cleanup(spec Spec, workDir string) error {
	switch spec.Mode {
	case ModeShared:
		sub := filepath.Join(workDir, managersSubdir, spec.InstanceID)
		if err := os.RemoveAll(sub); err != nil {
			return fmt.Errorf("workspace: removing manager namespace: %w", err)
		}
		return m.leaveSharedMarker(workDir, spec.InstanceID)
	default:
		if err := os.RemoveAll(workDir); err != nil {
			return fmt.Errorf("workspace: removing isolated workspace: %w", err)
		}
		return nil
	}
}

// marker is the JSON shape of the shared-workspace marker file.
type marker struct {
	Managers []string `json:"managers"`
}

func (m *Manager) joinSharedMarker(workDir, instanceID string) error {
	return m.updateMarker(workDir, func(mk *marker) {
		for _, id := range mk.Managers {
			if id == instanceID {
				return
			}
		}
		mk.Managers = append(mk.Managers, instanceID)
		sort.Strings(mk.Managers)
	})
}

func (m *Manager) leaveSharedMarker(workDir, instanceID string) error {
	return m.updateMarker(workDir, func(mk *marker) {
		filtered := mk.Managers[:0]
		for _, id := range mk.Managers {
			if id != instanceID {
				filtered = append(filtered, id)
			}
		}
		mk.Managers = filtered
	})
}

// updateMarker reads, mutates, and atomically rewrites the shared marker
// file (write-temp-then-rename).
func (m *Manager) updateMarker(workDir string, fn func(*marker)) error {
	path := filepath.Join(workDir, markerFileName)

	var mk marker
	if data, err := os.ReadFile(path); err == nil { //nolint:gosec // G304: path is derived from operator-controlled work dir
		if err := json.Unmarshal(data, &mk); err != nil {
			return kernelerr.New(kernelerr.ErrStateCorrupted, fmt.Sprintf("parsing %s: %v", path, err))
		}
	} else if !os.IsNotExist(err) {
		return err
	}

	fn(&mk)

	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(mk, "", " ")
	if err != nil {
		return err
	}

	temp, err := os.CreateTemp(workDir, ".conclave-shared.json.tmp.*")
	if err != nil {
		return fmt.Errorf("workspace: creating temp marker: %w", err)
	}
	tempPath := temp.Name()
	if _, err := temp.Write(data); err != nil {
		_ = temp.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("workspace: writing temp marker: %w", err)
	}
	if err := temp.Close(); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("workspace: closing temp marker: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("workspace: renaming temp marker: %w", err)
	}
	return nil
}
