// Package toolpool implements the per-workspace pool of running tool
// servers: it starts/stops them from a domain.ToolConfigSet and exposes the
// coordination surface (listAllTools, invokeTool, getServerStatus) the
// session coordinator and registry consume. The wire transport itself is
// external (see mcprt.Caller); this package owns process lifecycle and the
// union tool catalog.
package toolpool

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/strangelove-ventures/mandrake/domain"
	"github.com/strangelove-ventures/mandrake/merr"
	mcprt "github.com/strangelove-ventures/mandrake/features/mcp/runtime"
	"github.com/strangelove-ventures/mandrake/runtime/agent/telemetry"
)

// ToolInfo describes one tool as advertised by listAllTools, qualified by
// the server that owns it.
type ToolInfo struct {
	Server      string
	Name        string
	Description string
	InputSchema []byte
}

// ServerState reports a handle's observable status.
type ServerState struct {
	Logs  []string
	Error error
}

// CallerFactory constructs the transport Caller for a server config. The
// default factory launches the configured command over the MCP stdio
// transport; tests substitute an in-memory factory.
type CallerFactory func(ctx context.Context, serverID string, cfg domain.ServerConfig) (mcprt.Caller, error)

// DefaultCallerFactory starts serverID's configured command as a subprocess
// speaking the MCP stdio transport.
func DefaultCallerFactory(ctx context.Context, serverID string, cfg domain.ServerConfig) (mcprt.Caller, error) {
	env := make([]string, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}
	return mcprt.NewStdioCaller(ctx, mcprt.StdioOptions{
		Command:     cfg.Command,
		Args:        cfg.Args,
		Env:         env,
		InitTimeout: 10 * time.Second,
	})
}

// handle wraps one running tool server process.
type handle struct {
	mu     sync.RWMutex
	config domain.ServerConfig
	caller mcprt.Caller
	logs   []string
	err    error
}

func (h *handle) getConfig() domain.ServerConfig {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.config
}

func (h *handle) getState() ServerState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	logs := make([]string, len(h.logs))
	copy(logs, h.logs)
	return ServerState{Logs: logs, Error: h.err}
}

func (h *handle) listTools(ctx context.Context) ([]ToolInfo, error) {
	h.mu.RLock()
	caller := h.caller
	h.mu.RUnlock()
	if caller == nil {
		return nil, merr.ServiceUnavailable("tool server not running", nil)
	}
	infos, err := caller.ListTools(ctx)
	if err != nil {
		return nil, merr.ServiceUnavailable("tool server listTools failed", err)
	}
	out := make([]ToolInfo, len(infos))
	for i, info := range infos {
		out[i] = ToolInfo{Name: info.Name, Description: info.Description, InputSchema: []byte(info.InputSchema)}
	}
	return out, nil
}

func (h *handle) recordError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.err = err
	if err != nil {
		h.logs = append(h.logs, err.Error())
	}
}

func (h *handle) close() error {
	h.mu.RLock()
	caller := h.caller
	h.mu.RUnlock()
	if closer, ok := caller.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// Pool is the per-workspace pool of running tool servers. A Pool is 1:1
// with a workspace; it exclusively owns its running processes.
type Pool struct {
	workspaceID string
	factory     CallerFactory
	log         telemetry.Logger

	mu       sync.RWMutex
	handles  map[string]*handle
}

// Option configures a Pool at construction time.
type Option func(*Pool)

// WithCallerFactory overrides how server processes are launched; intended
// for tests.
func WithCallerFactory(f CallerFactory) Option {
	return func(p *Pool) { p.factory = f }
}

// WithLogger attaches a telemetry.Logger. A nil logger becomes a no-op so
// call sites never branch on nilness.
func WithLogger(log telemetry.Logger) Option {
	return func(p *Pool) {
		if log != nil {
			p.log = log
		}
	}
}

// New constructs an empty Pool for workspaceID. Callers typically follow
// construction with StartSet to bring up every non-disabled server in the
// workspace's active ToolConfigSet.
func New(workspaceID string, opts ...Option) *Pool {
	p := &Pool{
		workspaceID: workspaceID,
		factory:     DefaultCallerFactory,
		log:         telemetry.NewNoopLogger(),
		handles:     make(map[string]*handle),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// StartSet starts every non-disabled server in set. Per-server startup
// failures are logged and recorded on the handle but do not abort the
// remaining servers; the pool is always returned to the caller.
func (p *Pool) StartSet(ctx context.Context, set domain.ToolConfigSet) {
	for serverID, cfg := range set.Servers {
		if cfg.Disabled {
			continue
		}
		if err := p.StartServer(ctx, serverID, cfg); err != nil {
			p.log.Warn(ctx, "tool server startup failed", "server", serverID, "error", err.Error())
		}
	}
}

// StartServer starts serverID with cfg. Starting an already-running server
// is a no-op if the config matches; otherwise the old server is stopped
// first.
func (p *Pool) StartServer(ctx context.Context, serverID string, cfg domain.ServerConfig) error {
	p.mu.Lock()
	if existing, ok := p.handles[serverID]; ok {
		if reflect.DeepEqual(existing.getConfig(), cfg) {
			p.mu.Unlock()
			return nil
		}
		p.mu.Unlock()
		if err := p.StopServer(ctx, serverID); err != nil {
			return err
		}
		p.mu.Lock()
	}
	defer p.mu.Unlock()

	caller, err := p.factory(ctx, serverID, cfg)
	if err != nil {
		h := &handle{config: cfg, err: err}
		p.handles[serverID] = h
		return merr.ServiceUnavailable(fmt.Sprintf("start tool server %s", serverID), err)
	}
	p.handles[serverID] = &handle{config: cfg, caller: caller}
	p.log.Info(ctx, "tool server started", "server", serverID)
	return nil
}

// StopServer stops serverID, if running. Missing servers are a no-op.
func (p *Pool) StopServer(ctx context.Context, serverID string) error {
	p.mu.Lock()
	h, ok := p.handles[serverID]
	if ok {
		delete(p.handles, serverID)
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}
	err := h.close()
	p.log.Info(ctx, "tool server stopped", "server", serverID)
	return err
}

// Cleanup stops every running server concurrently and releases the pool.
func (p *Pool) Cleanup(ctx context.Context) error {
	p.mu.Lock()
	ids := make([]string, 0, len(p.handles))
	for id := range p.handles {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			return p.StopServer(gctx, id)
		})
	}
	return g.Wait()
}

// GetServer returns the handle for serverID, or nil if the pool has none. A
// server whose start failed keeps a handle that records the error but has no
// running process.
func (p *Pool) GetServer(serverID string) *handle {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.handles[serverID]
}

// GetServerState reports serverID's observable status; the zero value
// indicates the server is not running.
func (p *Pool) GetServerState(serverID string) (ServerState, bool) {
	h := p.GetServer(serverID)
	if h == nil {
		return ServerState{}, false
	}
	return h.getState(), true
}

// ListAllTools returns the union of tools advertised across every running
// server.
func (p *Pool) ListAllTools(ctx context.Context) ([]ToolInfo, error) {
	p.mu.RLock()
	servers := make(map[string]*handle, len(p.handles))
	for id, h := range p.handles {
		servers[id] = h
	}
	p.mu.RUnlock()

	var out []ToolInfo
	for serverID, h := range servers {
		tools, err := h.listTools(ctx)
		if err != nil {
			p.log.Warn(ctx, "listTools failed", "server", serverID, "error", err.Error())
			continue
		}
		for _, t := range tools {
			t.Server = serverID
			out = append(out, t)
		}
	}
	return out, nil
}

// InvokeTool calls methodName on serverID with args, returning the raw
// result payload. A missing or crashed server surfaces ServiceUnavailable.
func (p *Pool) InvokeTool(ctx context.Context, serverID, methodName string, args []byte) ([]byte, error) {
	h := p.GetServer(serverID)
	if h == nil {
		return nil, merr.ServiceUnavailable(fmt.Sprintf("tool server %s is not running", serverID), nil)
	}
	h.mu.RLock()
	caller := h.caller
	h.mu.RUnlock()
	if caller == nil {
		return nil, merr.ServiceUnavailable(fmt.Sprintf("tool server %s is not running", serverID), h.err)
	}
	resp, err := caller.CallTool(ctx, mcprt.CallRequest{Suite: serverID, Tool: methodName, Payload: args})
	if err != nil {
		h.recordError(err)
		return nil, merr.ServiceUnavailable(fmt.Sprintf("invoke %s.%s", serverID, methodName), err)
	}
	return resp.Result, nil
}
