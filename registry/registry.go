// Package registry is the process-wide, singleton cache that hands out
// initialized RootManager, WorkspaceManager,
// ToolServerPool, and SessionCoordinator instances keyed by identity,
// enforces a cap on concurrent session coordinators, evicts idle entries in
// the background, and releases resources cleanly on shutdown.
package registry

import (
	"context"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/strangelove-ventures/mandrake/coordinator"
	"github.com/strangelove-ventures/mandrake/domain"
	"github.com/strangelove-ventures/mandrake/merr"
	"github.com/strangelove-ventures/mandrake/rootmanager"
	"github.com/strangelove-ventures/mandrake/runtime/agent/model"
	"github.com/strangelove-ventures/mandrake/runtime/agent/telemetry"
	"github.com/strangelove-ventures/mandrake/toolpool"
	"github.com/strangelove-ventures/mandrake/workspace"

	"github.com/strangelove-ventures/mandrake/features/model/anthropic"
	"github.com/strangelove-ventures/mandrake/features/model/middleware"
	"github.com/strangelove-ventures/mandrake/features/model/openai"

	"golang.org/x/sync/singleflight"
)

const (
	defaultMaxConcurrentSessions = 10
	defaultIdleThreshold         = 30 * time.Minute

	// defaultInitialTPM/defaultMaxTPM seed the process-wide adaptive rate
	// limiter wrapped around every coordinator's model.Client.
	defaultInitialTPM = 60000
	defaultMaxTPM     = 240000
)

// ModelClientFactory builds the model.Client a coordinator uses for one
// workspace's active ModelConfig. The default dispatches on cfg.Provider
// using API keys from the process environment.
type ModelClientFactory func(cfg domain.ModelConfig) (model.Client, error)

// DefaultModelClientFactory builds an Anthropic or OpenAI-backed client from
// ANTHROPIC_API_KEY / OPENAI_API_KEY. Any other provider is rejected with
// merr.NotImplemented.
func DefaultModelClientFactory(cfg domain.ModelConfig) (model.Client, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "anthropic":
		key := os.Getenv("ANTHROPIC_API_KEY")
		if key == "" {
			return nil, merr.ServiceUnavailable("ANTHROPIC_API_KEY is not set", nil)
		}
		return anthropic.NewFromAPIKey(key, cfg.Model)
	case "openai":
		key := os.Getenv("OPENAI_API_KEY")
		if key == "" {
			return nil, merr.ServiceUnavailable("OPENAI_API_KEY is not set", nil)
		}
		return openai.NewFromAPIKey(key, cfg.Model)
	default:
		return nil, merr.NotImplemented("unsupported model provider: "+cfg.Provider, nil)
	}
}

// activity is the per-entry bookkeeping used for idle eviction and LRU
// tie-breaks.
type activity struct {
	lastUsedAt time.Time
	inUse      bool
}

func (a *activity) touch() { a.lastUsedAt = time.Now() }

// sessionEntry bundles a cached coordinator with the id of the workspace it
// belongs to and its activity bookkeeping.
type sessionEntry struct {
	workspaceID string
	coordinator *coordinator.Coordinator
	activity    activity
}

type workspaceEntry struct {
	manager  *workspace.Manager
	activity activity
}

type poolEntry struct {
	pool     *toolpool.Pool
	activity activity
}

// Registry is the process-singleton service registry.
type Registry struct {
	rootPath              string
	maxConcurrentSessions int
	idleThreshold         time.Duration
	modelClients          ModelClientFactory
	rateLimiter           *middleware.AdaptiveRateLimiter
	log                   telemetry.Logger

	mu       sync.Mutex
	root     *rootmanager.Manager
	rootAct  *activity
	workspaces map[string]*workspaceEntry
	pools      map[string]*poolEntry
	sessions   map[string]*sessionEntry // key: workspaceID + "/" + sessionID

	// wsGroup/poolGroup/sessionGroup dedupe concurrent first-time
	// construction of the same key: without them, two callers racing on a
	// cache miss would both run the (slow, side-effecting) initializer, and
	// for a tool pool that means both spawning real subprocesses while only
	// one Pool ends up cached.
	wsGroup      singleflight.Group
	poolGroup    singleflight.Group
	sessionGroup singleflight.Group
}

// Option configures a Registry at construction time.
type Option func(*Registry)

// WithRootPath overrides the on-disk root directory (default: env override
// via config.RootPath, else $HOME/.mandrake).
func WithRootPath(path string) Option {
	return func(r *Registry) { r.rootPath = path }
}

// WithMaxConcurrentSessions overrides the session-coordinator cap (default 10).
func WithMaxConcurrentSessions(n int) Option {
	return func(r *Registry) { r.maxConcurrentSessions = n }
}

// WithIdleThreshold overrides the idle-eviction window (default 30m).
func WithIdleThreshold(d time.Duration) Option {
	return func(r *Registry) { r.idleThreshold = d }
}

// WithModelClientFactory overrides how a coordinator's model.Client is
// constructed; intended for tests.
func WithModelClientFactory(f ModelClientFactory) Option {
	return func(r *Registry) { r.modelClients = f }
}

// WithLogger attaches a telemetry.Logger. A nil logger becomes a no-op.
func WithLogger(log telemetry.Logger) Option {
	return func(r *Registry) {
		if log != nil {
			r.log = log
		}
	}
}

// New constructs a Registry. Callers typically keep exactly one instance
// process-wide (see the initservice package).
func New(rootPath string, opts ...Option) *Registry {
	r := &Registry{
		rootPath:              rootPath,
		maxConcurrentSessions: defaultMaxConcurrentSessions,
		idleThreshold:         defaultIdleThreshold,
		modelClients:          DefaultModelClientFactory,
		rateLimiter:           middleware.NewAdaptiveRateLimiter(defaultInitialTPM, defaultMaxTPM),
		log:                   telemetry.NewNoopLogger(),
		workspaces:            make(map[string]*workspaceEntry),
		pools:                 make(map[string]*poolEntry),
		sessions:              make(map[string]*sessionEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func sessionKey(workspaceID, sessionID string) string { return workspaceID + "/" + sessionID }

// GetRoot returns the process's RootManager, constructing and initializing
// it on first call.
func (r *Registry) GetRoot() (*rootmanager.Manager, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.root != nil {
		r.rootAct.touch()
		return r.root, nil
	}
	root := rootmanager.New(r.rootPath)
	if err := root.Init(); err != nil {
		return nil, err
	}
	r.root = root
	r.rootAct = &activity{lastUsedAt: time.Now()}
	return r.root, nil
}

// GetWorkspace returns the cached WorkspaceManager for workspaceID, or
// resolves it via RootManager (adopting or creating at path on a cache
// miss) when not yet cached.
func (r *Registry) GetWorkspace(ctx context.Context, workspaceID, path string) (*workspace.Manager, error) {
	r.mu.Lock()
	if entry, ok := r.workspaces[workspaceID]; ok {
		entry.activity.touch()
		mgr := entry.manager
		r.mu.Unlock()
		return mgr, nil
	}
	r.mu.Unlock()

	v, err, _ := r.wsGroup.Do(workspaceID, func() (any, error) {
		r.mu.Lock()
		if entry, ok := r.workspaces[workspaceID]; ok {
			entry.activity.touch()
			mgr := entry.manager
			r.mu.Unlock()
			return mgr, nil
		}
		r.mu.Unlock()

		root, err := r.GetRoot()
		if err != nil {
			return nil, err
		}

		mgr, err := root.GetWorkspace(workspaceID)
		if err != nil {
			if path == "" {
				return nil, merr.NotFound("workspace not found: "+workspaceID, err)
			}
			derivedName := derivedWorkspaceName(workspaceID)
			mgr, err = root.AdoptWorkspace(ctx, derivedName, path, "")
			if err != nil {
				mgr, err = root.CreateWorkspace(ctx, derivedName, "", path)
				if err != nil {
					return nil, merr.NotFound("workspace not found: "+workspaceID, err)
				}
			}
		}

		r.mu.Lock()
		r.workspaces[workspaceID] = &workspaceEntry{manager: mgr, activity: activity{lastUsedAt: time.Now()}}
		r.mu.Unlock()
		return mgr, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*workspace.Manager), nil
}

func derivedWorkspaceName(workspaceID string) string {
	id := workspaceID
	if len(id) > 8 {
		id = id[:8]
	}
	return "workspace-" + id
}

// GetToolPool returns the cached ToolServerPool for workspaceID, starting
// every non-disabled server in the workspace's active tool-config set on a
// cache miss. Tool-server startup failures are logged but do not abort pool
// creation.
func (r *Registry) GetToolPool(ctx context.Context, workspaceID, path string) (*toolpool.Pool, error) {
	r.mu.Lock()
	if entry, ok := r.pools[workspaceID]; ok {
		entry.activity.touch()
		pool := entry.pool
		r.mu.Unlock()
		return pool, nil
	}
	r.mu.Unlock()

	v, err, _ := r.poolGroup.Do(workspaceID, func() (any, error) {
		r.mu.Lock()
		if entry, ok := r.pools[workspaceID]; ok {
			entry.activity.touch()
			pool := entry.pool
			r.mu.Unlock()
			return pool, nil
		}
		r.mu.Unlock()

		mgr, err := r.GetWorkspace(ctx, workspaceID, path)
		if err != nil {
			return nil, err
		}

		pool := toolpool.New(workspaceID, toolpool.WithLogger(r.log))
		if set, err := mgr.Tools.Active(); err == nil {
			pool.StartSet(ctx, set)
		}

		r.mu.Lock()
		r.pools[workspaceID] = &poolEntry{pool: pool, activity: activity{lastUsedAt: time.Now()}}
		r.mu.Unlock()
		return pool, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*toolpool.Pool), nil
}

// GetSessionCoordinator returns the cached SessionCoordinator for
// (workspaceID,sessionID), constructing it on a cache miss. If the
// concurrent-session cap is already reached, the least-recently-used
// session is evicted first.
func (r *Registry) GetSessionCoordinator(ctx context.Context, workspaceID, path, sessionID string) (*coordinator.Coordinator, error) {
	key := sessionKey(workspaceID, sessionID)

	r.mu.Lock()
	if entry, ok := r.sessions[key]; ok {
		entry.activity.touch()
		coord := entry.coordinator
		r.mu.Unlock()
		return coord, nil
	}
	if len(r.sessions) >= r.maxConcurrentSessions {
		victim := r.lruSessionKeyLocked()
		r.mu.Unlock()
		if victim != "" && victim != key {
			parts := strings.SplitN(victim, "/", 2)
			r.ReleaseSession(ctx, parts[0], parts[1])
		}
	} else {
		r.mu.Unlock()
	}

	v, err, _ := r.sessionGroup.Do(key, func() (any, error) {
		r.mu.Lock()
		if entry, ok := r.sessions[key]; ok {
			entry.activity.touch()
			coord := entry.coordinator
			r.mu.Unlock()
			return coord, nil
		}
		r.mu.Unlock()

		mgr, err := r.GetWorkspace(ctx, workspaceID, path)
		if err != nil {
			return nil, err
		}
		if err := mgr.Init(ctx); err != nil {
			return nil, err
		}
		pool, err := r.GetToolPool(ctx, workspaceID, path)
		if err != nil {
			return nil, err
		}

		modelCfg := mgr.Models.Get()
		client, err := r.modelClients(modelCfg)
		if err != nil {
			return nil, merr.ServiceUnavailable("construct model client", err)
		}
		client = r.rateLimiter.Middleware()(client)

		coord := coordinator.New(sessionID, coordinator.Meta{
			WorkspaceID: workspaceID,
			Name:        mgr.Name(),
			Path:        mgr.Path(),
		}, coordinator.Deps{
			Sessions: mgr.Sessions,
			Prompt:   mgr.Prompt,
			Pool:     pool,
			Models:   mgr.Models,
			Files:    mgr.Files,
			Dynamic:  mgr.Dynamic,
			Client:   client,
			Logger:   r.log,
		})

		r.mu.Lock()
		r.sessions[key] = &sessionEntry{workspaceID: workspaceID, coordinator: coord, activity: activity{lastUsedAt: time.Now(), inUse: true}}
		r.mu.Unlock()
		return coord, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*coordinator.Coordinator), nil
}

// lruSessionKeyLocked returns the cache key with the oldest lastUsedAt,
// breaking ties lexicographically. Must be called with r.mu held.
func (r *Registry) lruSessionKeyLocked() string {
	keys := make([]string, 0, len(r.sessions))
	for k := range r.sessions {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		ei, ej := r.sessions[keys[i]], r.sessions[keys[j]]
		if ei.activity.lastUsedAt.Equal(ej.activity.lastUsedAt) {
			return keys[i] < keys[j]
		}
		return ei.activity.lastUsedAt.Before(ej.activity.lastUsedAt)
	})
	if len(keys) == 0 {
		return ""
	}
	return keys[0]
}

// ReleaseSession runs the coordinator's cleanup and drops it from the
// cache. A missing entry is a no-op. Cleanup errors are logged and
// swallowed so release always makes progress.
func (r *Registry) ReleaseSession(ctx context.Context, workspaceID, sessionID string) {
	key := sessionKey(workspaceID, sessionID)
	r.mu.Lock()
	entry, ok := r.sessions[key]
	if ok {
		delete(r.sessions, key)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	if err := entry.coordinator.Cleanup(ctx); err != nil {
		r.log.Warn(ctx, "session cleanup failed", "session", key, "error", err.Error())
	}
}

// ReleaseWorkspace releases every session whose key belongs to workspaceID,
// then stops and releases the workspace's tool pool, then drops the
// workspace entry.
func (r *Registry) ReleaseWorkspace(ctx context.Context, workspaceID string) {
	prefix := workspaceID + "/"
	r.mu.Lock()
	var keys []string
	for k := range r.sessions {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	r.mu.Unlock()
	for _, k := range keys {
		parts := strings.SplitN(k, "/", 2)
		r.ReleaseSession(ctx, parts[0], parts[1])
	}

	r.mu.Lock()
	poolEntry, ok := r.pools[workspaceID]
	if ok {
		delete(r.pools, workspaceID)
	}
	delete(r.workspaces, workspaceID)
	r.mu.Unlock()
	if ok {
		if err := poolEntry.pool.Cleanup(ctx); err != nil {
			r.log.Warn(ctx, "tool pool cleanup failed", "workspace", workspaceID, "error", err.Error())
		}
	}
}

// ReleaseRoot drops the root entry. No filesystem mutation occurs.
func (r *Registry) ReleaseRoot() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.root = nil
	r.rootAct = nil
}

// PerformCleanup releases every entry idle longer than idleThreshold, in
// order: sessions, then workspaces with no remaining sessions, then root if
// it has no remaining workspaces.
func (r *Registry) PerformCleanup(ctx context.Context) {
	now := time.Now()

	r.mu.Lock()
	var idleSessions []string
	for k, e := range r.sessions {
		if now.Sub(e.activity.lastUsedAt) > r.idleThreshold {
			idleSessions = append(idleSessions, k)
		}
	}
	r.mu.Unlock()
	for _, k := range idleSessions {
		parts := strings.SplitN(k, "/", 2)
		r.ReleaseSession(ctx, parts[0], parts[1])
	}

	r.mu.Lock()
	var idleWorkspaces []string
	for wsID, e := range r.workspaces {
		if r.hasSessionsLocked(wsID) {
			continue
		}
		if now.Sub(e.activity.lastUsedAt) > r.idleThreshold {
			idleWorkspaces = append(idleWorkspaces, wsID)
		}
	}
	r.mu.Unlock()
	for _, wsID := range idleWorkspaces {
		r.ReleaseWorkspace(ctx, wsID)
	}

	r.mu.Lock()
	rootIdle := r.root != nil && len(r.workspaces) == 0 && now.Sub(r.rootAct.lastUsedAt) > r.idleThreshold
	r.mu.Unlock()
	if rootIdle {
		r.ReleaseRoot()
	}
}

func (r *Registry) hasSessionsLocked(workspaceID string) bool {
	prefix := workspaceID + "/"
	for k := range r.sessions {
		if strings.HasPrefix(k, prefix) {
			return true
		}
	}
	return false
}

// Reset releases everything and clears all cached state. Testing only.
func (r *Registry) Reset(ctx context.Context) {
	r.mu.Lock()
	workspaceIDs := make([]string, 0, len(r.workspaces))
	for id := range r.workspaces {
		workspaceIDs = append(workspaceIDs, id)
	}
	r.mu.Unlock()
	for _, id := range workspaceIDs {
		r.ReleaseWorkspace(ctx, id)
	}
	r.ReleaseRoot()
}
