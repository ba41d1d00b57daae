// Package rootmanager owns the on-disk root directory and the
// create/adopt/list/delete lifecycle of the workspaces inside it.
// RootManager is the only component that mutates the root
// filesystem directly; everything above it (the registry, the
// coordinator) addresses workspaces by id through WorkspaceManager.
package rootmanager

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/strangelove-ventures/mandrake/domain"
	"github.com/strangelove-ventures/mandrake/merr"
	"github.com/strangelove-ventures/mandrake/workspace"
)

// markerFile names the file RootManager writes into a workspace directory
// to recognize it as an adoptable workspace root on a later process start.
const markerFile = ".mandrake-workspace"

// WorkspaceSummary is one row of RootManager.ListWorkspaces.
type WorkspaceSummary struct {
	Name        string
	Path        string
	Description string
	LastOpened  *time.Time
}

// Manager owns the on-disk root directory and the registry of workspaces
// inside it.
type Manager struct {
	rootPath string

	mu         sync.RWMutex
	initialized bool
	byName     map[string]domain.Workspace
	byID       map[string]domain.Workspace
}

// New constructs a Manager rooted at rootPath. Call Init before use.
func New(rootPath string) *Manager {
	return &Manager{
		rootPath: rootPath,
		byName:   make(map[string]domain.Workspace),
		byID:     make(map[string]domain.Workspace),
	}
}

// Init creates the root directory if needed and is idempotent: a second
// call is a no-op.
func (m *Manager) Init() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized {
		return nil
	}
	if err := os.MkdirAll(m.rootPath, 0o755); err != nil {
		return merr.Internal("create root directory", err)
	}
	m.initialized = true
	return nil
}

// ListWorkspaces lists every workspace known to this root.
func (m *Manager) ListWorkspaces() []WorkspaceSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]WorkspaceSummary, 0, len(m.byName))
	for _, ws := range m.byName {
		out = append(out, WorkspaceSummary{Name: ws.Name, Path: ws.Path, Description: ws.Description, LastOpened: ws.LastOpened})
	}
	return out
}

// GetWorkspace returns the WorkspaceManager for id, or merr.NotFound if
// unknown to this root.
func (m *Manager) GetWorkspace(id string) (*workspace.Manager, error) {
	m.mu.RLock()
	ws, ok := m.byID[id]
	m.mu.RUnlock()
	if !ok {
		return nil, merr.NotFound("workspace not found: "+id, nil)
	}
	return workspace.New(ws), nil
}

// CreateWorkspace creates a new workspace named name. If path is empty, a
// directory is allocated under the root. name must be unique; a clash
// surfaces merr.Conflict.
func (m *Manager) CreateWorkspace(ctx context.Context, name string, description string, path string) (*workspace.Manager, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byName[name]; exists {
		return nil, merr.Conflict("workspace name already exists: "+name, nil)
	}
	if path == "" {
		path = filepath.Join(m.rootPath, name)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, merr.Internal("create workspace directory", err)
	}
	if err := os.WriteFile(filepath.Join(path, markerFile), []byte(name), 0o644); err != nil {
		return nil, merr.Internal("write workspace marker", err)
	}
	ws := domain.Workspace{
		ID:          uuid.NewString(),
		Name:        name,
		Path:        path,
		Description: description,
		Metadata:    map[string]string{},
		CreatedAt:   time.Now().UTC(),
	}
	m.byName[name] = ws
	m.byID[ws.ID] = ws
	return workspace.New(ws), nil
}

// AdoptWorkspace points a new workspace entry at an existing on-disk root
// that already carries the marker file written by a prior CreateWorkspace.
// Returns merr.NotFound if path has no marker.
func (m *Manager) AdoptWorkspace(ctx context.Context, name string, path string, description string) (*workspace.Manager, error) {
	if _, err := os.Stat(filepath.Join(path, markerFile)); err != nil {
		return nil, merr.NotFound("no workspace marker at path: "+path, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byName[name]; exists {
		return nil, merr.Conflict("workspace name already exists: "+name, nil)
	}
	ws := domain.Workspace{
		ID:          uuid.NewString(),
		Name:        name,
		Path:        path,
		Description: description,
		Metadata:    map[string]string{},
		CreatedAt:   time.Now().UTC(),
	}
	m.byName[name] = ws
	m.byID[ws.ID] = ws
	return workspace.New(ws), nil
}

// DeleteWorkspace removes a workspace's registry entry. The filesystem
// root itself is left untouched (destructive deletion is a caller
// decision outside this module's scope).
func (m *Manager) DeleteWorkspace(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.byName[name]
	if !ok {
		return merr.NotFound("workspace not found: "+name, nil)
	}
	delete(m.byName, name)
	delete(m.byID, ws.ID)
	return nil
}
