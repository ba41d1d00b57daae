package toolpool

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/strangelove-ventures/mandrake/domain"
	mcprt "github.com/strangelove-ventures/mandrake/features/mcp/runtime"
)

type fakeCaller struct {
	tools    []mcprt.ToolInfo
	callErr  error
	lastReq  mcprt.CallRequest
	result   json.RawMessage
	closed   bool
}

func (f *fakeCaller) CallTool(_ context.Context, req mcprt.CallRequest) (mcprt.CallResponse, error) {
	f.lastReq = req
	if f.callErr != nil {
		return mcprt.CallResponse{}, f.callErr
	}
	return mcprt.CallResponse{Result: f.result}, nil
}

func (f *fakeCaller) ListTools(_ context.Context) ([]mcprt.ToolInfo, error) {
	return f.tools, nil
}

func (f *fakeCaller) Close() error {
	f.closed = true
	return nil
}

func factoryFor(caller *fakeCaller, err error) CallerFactory {
	return func(_ context.Context, _ string, _ domain.ServerConfig) (mcprt.Caller, error) {
		if err != nil {
			return nil, err
		}
		return caller, nil
	}
}

func TestStartServerIdempotentOnMatchingConfig(t *testing.T) {
	ctx := context.Background()
	caller := &fakeCaller{}
	pool := New("ws1", WithCallerFactory(factoryFor(caller, nil)))

	cfg := domain.ServerConfig{Command: "tool-server"}
	require.NoError(t, pool.StartServer(ctx, "srv1", cfg))
	require.NoError(t, pool.StartServer(ctx, "srv1", cfg))
	require.False(t, caller.closed)
}

func TestStartServerRestartsOnConfigChange(t *testing.T) {
	ctx := context.Background()
	firstCaller := &fakeCaller{}
	pool := New("ws1", WithCallerFactory(factoryFor(firstCaller, nil)))

	require.NoError(t, pool.StartServer(ctx, "srv1", domain.ServerConfig{Command: "a"}))

	secondCaller := &fakeCaller{}
	pool.factory = factoryFor(secondCaller, nil)
	require.NoError(t, pool.StartServer(ctx, "srv1", domain.ServerConfig{Command: "b"}))

	require.True(t, firstCaller.closed)
	require.False(t, secondCaller.closed)
}

func TestStartServerFailurePreservesPool(t *testing.T) {
	ctx := context.Background()
	pool := New("ws1", WithCallerFactory(factoryFor(nil, errors.New("boom"))))

	err := pool.StartServer(ctx, "srv1", domain.ServerConfig{Command: "a"})
	require.Error(t, err)

	state, ok := pool.GetServerState("srv1")
	require.True(t, ok)
	require.Error(t, state.Error)
}

func TestStartSetSkipsDisabled(t *testing.T) {
	ctx := context.Background()
	caller := &fakeCaller{}
	pool := New("ws1", WithCallerFactory(factoryFor(caller, nil)))

	pool.StartSet(ctx, domain.ToolConfigSet{Servers: map[string]domain.ServerConfig{
		"enabled":  {Command: "a"},
		"disabled": {Command: "b", Disabled: true},
	}})

	require.NotNil(t, pool.GetServer("enabled"))
	require.Nil(t, pool.GetServer("disabled"))
}

func TestListAllToolsUnionsAcrossServers(t *testing.T) {
	ctx := context.Background()
	callerA := &fakeCaller{tools: []mcprt.ToolInfo{{Name: "read"}}}
	callerB := &fakeCaller{tools: []mcprt.ToolInfo{{Name: "write"}}}

	pool := New("ws1")
	pool.factory = factoryFor(callerA, nil)
	require.NoError(t, pool.StartServer(ctx, "a", domain.ServerConfig{}))
	pool.factory = factoryFor(callerB, nil)
	require.NoError(t, pool.StartServer(ctx, "b", domain.ServerConfig{}))

	tools, err := pool.ListAllTools(ctx)
	require.NoError(t, err)
	require.Len(t, tools, 2)
}

func TestInvokeToolMissingServer(t *testing.T) {
	pool := New("ws1")
	_, err := pool.InvokeTool(context.Background(), "missing", "method", nil)
	require.Error(t, err)
}

func TestInvokeToolSuccess(t *testing.T) {
	ctx := context.Background()
	caller := &fakeCaller{result: json.RawMessage(`{"ok":true}`)}
	pool := New("ws1", WithCallerFactory(factoryFor(caller, nil)))
	require.NoError(t, pool.StartServer(ctx, "srv1", domain.ServerConfig{}))

	result, err := pool.InvokeTool(ctx, "srv1", "doThing", json.RawMessage(`{"x":1}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(result))
	require.Equal(t, "srv1", caller.lastReq.Suite)
	require.Equal(t, "doThing", caller.lastReq.Tool)
}

func TestCleanupStopsAllServers(t *testing.T) {
	ctx := context.Background()
	callerA := &fakeCaller{}
	pool := New("ws1")
	pool.factory = factoryFor(callerA, nil)
	require.NoError(t, pool.StartServer(ctx, "a", domain.ServerConfig{}))

	require.NoError(t, pool.Cleanup(ctx))
	require.True(t, callerA.closed)
	require.Nil(t, pool.GetServer("a"))
}

func TestStopServerMissingIsNoop(t *testing.T) {
	pool := New("ws1")
	require.NoError(t, pool.StopServer(context.Background(), "missing"))
}
