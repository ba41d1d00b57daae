package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/strangelove-ventures/mandrake/coordinator"
	"github.com/strangelove-ventures/mandrake/domain"
	"github.com/strangelove-ventures/mandrake/runtime/agent/model"
)

type stubClient struct{}

func (stubClient) Complete(_ context.Context, _ *model.Request) (*model.Response, error) {
	return &model.Response{}, nil
}
func (stubClient) Stream(_ context.Context, _ *model.Request) (model.Streamer, error) {
	return nil, errors.New("not used")
}

func stubFactory(domain.ModelConfig) (model.Client, error) { return stubClient{}, nil }

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return New(t.TempDir(), WithModelClientFactory(stubFactory), WithMaxConcurrentSessions(2))
}

func TestGetRootIsASingleton(t *testing.T) {
	r := newTestRegistry(t)
	root1, err := r.GetRoot()
	require.NoError(t, err)
	root2, err := r.GetRoot()
	require.NoError(t, err)
	require.Same(t, root1, root2)
}

func TestGetWorkspaceCreatesOnMissWithPath(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	dir := t.TempDir()

	ws1, err := r.GetWorkspace(ctx, "ws-a", dir)
	require.NoError(t, err)
	ws2, err := r.GetWorkspace(ctx, "ws-a", dir)
	require.NoError(t, err)
	require.Same(t, ws1, ws2)
}

func TestGetWorkspaceNotFoundWithoutPath(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.GetWorkspace(context.Background(), "unknown", "")
	require.Error(t, err)
}

func TestGetSessionCoordinatorCachesAndEvictsLRU(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	dir := t.TempDir()

	c1, err := r.GetSessionCoordinator(ctx, "ws-a", dir, "sess1")
	require.NoError(t, err)
	c1Again, err := r.GetSessionCoordinator(ctx, "ws-a", dir, "sess1")
	require.NoError(t, err)
	require.Same(t, c1, c1Again)

	_, err = r.GetSessionCoordinator(ctx, "ws-a", dir, "sess2")
	require.NoError(t, err)

	// Cap is 2; a third distinct session evicts the LRU (sess1).
	_, err = r.GetSessionCoordinator(ctx, "ws-a", dir, "sess3")
	require.NoError(t, err)

	r.mu.Lock()
	_, stillCached := r.sessions[sessionKey("ws-a", "sess1")]
	r.mu.Unlock()
	require.False(t, stillCached)
}

func TestReleaseSessionIsNoopOnMissingEntry(t *testing.T) {
	r := newTestRegistry(t)
	r.ReleaseSession(context.Background(), "ws-a", "missing")
}

func TestReleaseWorkspaceDropsItsSessions(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	dir := t.TempDir()

	_, err := r.GetSessionCoordinator(ctx, "ws-a", dir, "sess1")
	require.NoError(t, err)

	r.ReleaseWorkspace(ctx, "ws-a")

	r.mu.Lock()
	_, sessionCached := r.sessions[sessionKey("ws-a", "sess1")]
	_, wsCached := r.workspaces["ws-a"]
	r.mu.Unlock()
	require.False(t, sessionCached)
	require.False(t, wsCached)
}

func TestPerformCleanupReleasesIdleSessions(t *testing.T) {
	r := newTestRegistry(t)
	r.idleThreshold = 0
	ctx := context.Background()
	dir := t.TempDir()

	_, err := r.GetSessionCoordinator(ctx, "ws-a", dir, "sess1")
	require.NoError(t, err)

	r.PerformCleanup(ctx)

	r.mu.Lock()
	_, sessionCached := r.sessions[sessionKey("ws-a", "sess1")]
	_, wsCached := r.workspaces["ws-a"]
	rootGone := r.root == nil
	r.mu.Unlock()
	require.False(t, sessionCached)
	require.False(t, wsCached)
	require.True(t, rootGone)
}

func TestResetClearsEverything(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	dir := t.TempDir()
	_, err := r.GetSessionCoordinator(ctx, "ws-a", dir, "sess1")
	require.NoError(t, err)

	r.Reset(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	require.Empty(t, r.sessions)
	require.Empty(t, r.workspaces)
	require.Nil(t, r.root)
}

func TestGetSessionCoordinatorDedupesConcurrentConstruction(t *testing.T) {
	var calls int32
	countingFactory := func(domain.ModelConfig) (model.Client, error) {
		atomic.AddInt32(&calls, 1)
		return stubClient{}, nil
	}
	r := New(t.TempDir(), WithModelClientFactory(countingFactory), WithMaxConcurrentSessions(10))
	ctx := context.Background()
	dir := t.TempDir()

	const n = 20
	coords := make([]*coordinator.Coordinator, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			c, err := r.GetSessionCoordinator(ctx, "ws-a", dir, "sess1")
			require.NoError(t, err)
			coords[i] = c
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		require.Same(t, coords[0], coords[i])
	}
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestDefaultModelClientFactoryRejectsUnknownProvider(t *testing.T) {
	_, err := DefaultModelClientFactory(domain.ModelConfig{Provider: "unknown"})
	require.Error(t, err)
}
