package workspace

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/strangelove-ventures/mandrake/domain"
)

func newTestWorkspace() domain.Workspace {
	return domain.Workspace{ID: "ws1", Name: "test", Path: "/tmp/ws1"}
}

func TestManagerInitIdempotent(t *testing.T) {
	m := New(newTestWorkspace())
	require.NoError(t, m.Init(context.Background()))
	require.NoError(t, m.Init(context.Background()))
}

func TestUpdateConfigPartial(t *testing.T) {
	m := New(newTestWorkspace())
	newName := "renamed"
	cfg := m.UpdateConfig(&newName, nil, nil)
	require.Equal(t, "renamed", cfg.Name)
	require.Equal(t, "renamed", m.GetConfig().Name)

	newDesc := "a description"
	cfg = m.UpdateConfig(nil, &newDesc, nil)
	require.Equal(t, "renamed", cfg.Name)
	require.Equal(t, "a description", cfg.Description)
}

func TestToolConfigStoreActivatesFirstSet(t *testing.T) {
	s := newToolConfigStore()
	_, err := s.Active()
	require.Error(t, err)

	s.Put(domain.ToolConfigSet{Name: "default", Servers: map[string]domain.ServerConfig{}})
	active, err := s.Active()
	require.NoError(t, err)
	require.Equal(t, "default", active.Name)
}

func TestToolConfigStoreSetActiveUnknown(t *testing.T) {
	s := newToolConfigStore()
	s.Put(domain.ToolConfigSet{Name: "default"})
	err := s.SetActive("missing")
	require.Error(t, err)
}

func TestToolConfigStoreSetActiveSwitches(t *testing.T) {
	s := newToolConfigStore()
	s.Put(domain.ToolConfigSet{Name: "default"})
	s.Put(domain.ToolConfigSet{Name: "alt"})
	require.NoError(t, s.SetActive("alt"))
	active, err := s.Active()
	require.NoError(t, err)
	require.Equal(t, "alt", active.Name)
}

func TestFilesStorePutRemoveList(t *testing.T) {
	s := newFilesStore()
	s.Put(domain.FileRef{Path: "a.go", Content: "package a"})
	require.Len(t, s.List(), 1)
	s.Remove("a.go")
	require.Empty(t, s.List())
}

func TestDynamicContextStorePutRemoveList(t *testing.T) {
	s := newDynamicContextStore()
	s.Put(domain.DynamicContext{ContextID: "ctx1"})
	require.Len(t, s.List(), 1)
	s.Remove("ctx1")
	require.Empty(t, s.List())
}

func TestPromptStoreDefaults(t *testing.T) {
	s := newPromptStore()
	cfg := s.Get()
	require.True(t, cfg.IncludeWorkspaceMetadata)
	require.True(t, cfg.IncludeSystemInfo)
	require.True(t, cfg.IncludeDateTime)
	require.True(t, cfg.IncludeTools)
	require.False(t, cfg.IncludeFiles)
}

func TestModelsStoreGetSet(t *testing.T) {
	s := newModelsStore()
	s.Set(domain.ModelConfig{Provider: "anthropic", Model: "claude"})
	cfg := s.Get()
	require.Equal(t, "anthropic", cfg.Provider)
}
