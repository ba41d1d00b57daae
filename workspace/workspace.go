// Package workspace implements the per-workspace bundle of sub-managers:
// sessions store, prompt config, tool-config store, model config, files
// store, and dynamic-context store. A Manager exclusively owns its
// sub-managers' state handles; callers (the coordinator) borrow them
// through the registry.
package workspace

import (
	"context"
	"sync"

	"github.com/strangelove-ventures/mandrake/domain"
	"github.com/strangelove-ventures/mandrake/merr"
	"github.com/strangelove-ventures/mandrake/sessionstore"
	"github.com/strangelove-ventures/mandrake/sessionstore/inmem"
)

// Manager is the per-workspace bundle of sub-managers.
type Manager struct {
	mu          sync.RWMutex
	workspace   domain.Workspace
	initialized bool

	Sessions sessionstore.Store
	Prompt   *PromptStore
	Tools    *ToolConfigStore
	Models   *ModelsStore
	Files    *FilesStore
	Dynamic  *DynamicContextStore
}

// New constructs a Manager for ws. Sub-managers start empty; callers load
// persisted state (external to this module) before first use if needed.
func New(ws domain.Workspace) *Manager {
	return &Manager{
		workspace: ws,
		Sessions:  inmem.New(),
		Prompt:    newPromptStore(),
		Tools:     newToolConfigStore(),
		Models:    newModelsStore(),
		Files:     newFilesStore(),
		Dynamic:   newDynamicContextStore(),
	}
}

// ID returns the workspace's stable identity.
func (m *Manager) ID() string { return m.workspace.ID }

// Name returns the workspace's human name.
func (m *Manager) Name() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.workspace.Name
}

// Path returns the workspace's immutable filesystem root.
func (m *Manager) Path() string { return m.workspace.Path }

// Init is idempotent: a second call is a no-op and returns no error.
func (m *Manager) Init(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initialized = true
	return nil
}

// GetConfig returns a snapshot of the workspace's own identity/config
// fields (not its sub-managers' state).
func (m *Manager) GetConfig() domain.Workspace {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.workspace
}

// UpdateConfig applies a partial update. Name may change only to a value
// still unique within the root; the caller (RootManager) is responsible
// for the uniqueness check since only it sees sibling workspaces.
func (m *Manager) UpdateConfig(name *string, description *string, metadata map[string]string) domain.Workspace {
	m.mu.Lock()
	defer m.mu.Unlock()
	if name != nil {
		m.workspace.Name = *name
	}
	if description != nil {
		m.workspace.Description = *description
	}
	if metadata != nil {
		m.workspace.Metadata = metadata
	}
	return m.workspace
}

// PromptStore holds the workspace's single PromptConfig.
type PromptStore struct {
	mu  sync.RWMutex
	cfg domain.PromptConfig
}

func newPromptStore() *PromptStore {
	return &PromptStore{cfg: domain.PromptConfig{
		IncludeWorkspaceMetadata: true,
		IncludeSystemInfo:        true,
		IncludeDateTime:          true,
		IncludeTools:             true,
	}}
}

// Get returns the current PromptConfig.
func (s *PromptStore) Get() domain.PromptConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Set replaces the PromptConfig.
func (s *PromptStore) Set(cfg domain.PromptConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
}

// ToolConfigStore holds a workspace's named ToolConfigSets and the active
// set name. The active name must always refer to an existing set.
type ToolConfigStore struct {
	mu     sync.RWMutex
	sets   map[string]domain.ToolConfigSet
	active string
}

func newToolConfigStore() *ToolConfigStore {
	return &ToolConfigStore{sets: make(map[string]domain.ToolConfigSet)}
}

// Put upserts a named ToolConfigSet.
func (s *ToolConfigStore) Put(set domain.ToolConfigSet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sets[set.Name] = set
	if s.active == "" {
		s.active = set.Name
	}
}

// SetActive changes the active set name. Returns merr.NotFound if name is
// not a known set.
func (s *ToolConfigStore) SetActive(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sets[name]; !ok {
		return merr.NotFound("unknown tool config set: "+name, nil)
	}
	s.active = name
	return nil
}

// Active returns the currently active ToolConfigSet. Returns merr.NotFound
// if no set has been configured yet.
func (s *ToolConfigStore) Active() (domain.ToolConfigSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, ok := s.sets[s.active]
	if !ok {
		return domain.ToolConfigSet{}, merr.NotFound("no active tool config set", nil)
	}
	return set, nil
}

// ModelsStore holds a workspace's active ModelConfig.
type ModelsStore struct {
	mu  sync.RWMutex
	cfg domain.ModelConfig
}

func newModelsStore() *ModelsStore { return &ModelsStore{} }

// Get returns the active ModelConfig.
func (s *ModelsStore) Get() domain.ModelConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Set replaces the active ModelConfig.
func (s *ModelsStore) Set(cfg domain.ModelConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
}

// FilesStore holds the workspace's active-files set, consumed by
// buildContext when PromptConfig.IncludeFiles is set.
type FilesStore struct {
	mu    sync.RWMutex
	files map[string]domain.FileRef
}

func newFilesStore() *FilesStore { return &FilesStore{files: make(map[string]domain.FileRef)} }

// Put upserts an active file.
func (s *FilesStore) Put(f domain.FileRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[f.Path] = f
}

// Remove drops a file from the active set. No-op if absent.
func (s *FilesStore) Remove(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, path)
}

// List returns every active file.
func (s *FilesStore) List() []domain.FileRef {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.FileRef, 0, len(s.files))
	for _, f := range s.files {
		out = append(out, f)
	}
	return out
}

// DynamicContextStore holds the workspace's named dynamic-context
// definitions, invoked by the coordinator while assembling context.
type DynamicContextStore struct {
	mu       sync.RWMutex
	contexts map[string]domain.DynamicContext
}

func newDynamicContextStore() *DynamicContextStore {
	return &DynamicContextStore{contexts: make(map[string]domain.DynamicContext)}
}

// Put upserts a DynamicContext.
func (s *DynamicContextStore) Put(dc domain.DynamicContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contexts[dc.ContextID] = dc
}

// Remove drops a DynamicContext. No-op if absent.
func (s *DynamicContextStore) Remove(contextID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.contexts, contextID)
}

// List returns every DynamicContext belonging to the workspace.
func (s *DynamicContextStore) List() []domain.DynamicContext {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.DynamicContext, 0, len(s.contexts))
	for _, dc := range s.contexts {
		out = append(out, dc)
	}
	return out
}
