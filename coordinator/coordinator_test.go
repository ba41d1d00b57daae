package coordinator

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/strangelove-ventures/mandrake/domain"
	"github.com/strangelove-ventures/mandrake/runtime/agent/hooks"
	"github.com/strangelove-ventures/mandrake/runtime/agent/model"
	"github.com/strangelove-ventures/mandrake/sessionstore/inmem"
	"github.com/strangelove-ventures/mandrake/toolpool"
	"github.com/strangelove-ventures/mandrake/workspace"
)

// fakeStreamer replays a fixed sequence of chunks then io.EOF.
type fakeStreamer struct {
	chunks []model.Chunk
	idx    int
}

func (f *fakeStreamer) Recv() (model.Chunk, error) {
	if f.idx >= len(f.chunks) {
		return model.Chunk{}, io.EOF
	}
	c := f.chunks[f.idx]
	f.idx++
	return c, nil
}
func (f *fakeStreamer) Close() error             { return nil }
func (f *fakeStreamer) Metadata() map[string]any { return nil }

type fakeClient struct {
	streams []*fakeStreamer
	calls   int
}

func (f *fakeClient) Complete(_ context.Context, _ *model.Request) (*model.Response, error) {
	return nil, errors.New("not used")
}

func (f *fakeClient) Stream(_ context.Context, _ *model.Request) (model.Streamer, error) {
	s := f.streams[f.calls]
	f.calls++
	return s, nil
}

func textChunk(s string) model.Chunk {
	return model.Chunk{Type: model.ChunkTypeText, Message: &model.Message{Parts: []model.Part{model.TextPart{Text: s}}}}
}

func stopChunk() model.Chunk {
	return model.Chunk{Type: model.ChunkTypeStop}
}

func newTestCoordinator(t *testing.T, client model.Client) (*Coordinator, *inmem.Store) {
	t.Helper()
	ws := workspace.New(domain.Workspace{ID: "ws1", Name: "test"})
	ws.Tools.Put(domain.ToolConfigSet{Name: "default", Servers: map[string]domain.ServerConfig{}})
	pool := toolpool.New("ws1")

	coord := New("sess1", Meta{WorkspaceID: "ws1", Name: "test"}, Deps{
		Sessions: ws.Sessions,
		Prompt:   ws.Prompt,
		Pool:     pool,
		Models:   ws.Models,
		Files:    ws.Files,
		Dynamic:  ws.Dynamic,
		Client:   client,
	})
	store, _ := ws.Sessions.(*inmem.Store)
	return coord, store
}

func TestHandleRequestCompletesWithoutToolCall(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{streams: []*fakeStreamer{
		{chunks: []model.Chunk{textChunk("hello"), stopChunk()}},
	}}
	coord, _ := newTestCoordinator(t, client)

	require.NoError(t, coord.HandleRequest(ctx, "sess1", "hi"))

	rounds, err := coord.sessions.ListRounds(ctx, "sess1")
	require.NoError(t, err)
	require.Len(t, rounds, 1)

	turns, err := coord.sessions.ListTurns(ctx, rounds[0].ResponseID)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	require.Equal(t, domain.TurnCompleted, turns[0].Status)
	require.Equal(t, "hello", turns[0].Content)
}

func TestHandleRequestRejectsConcurrentCall(t *testing.T) {
	ctx := context.Background()
	coord, _ := newTestCoordinator(t, &fakeClient{streams: []*fakeStreamer{{chunks: []model.Chunk{stopChunk()}}}})

	coord.mu.Lock()
	coord.busy = true
	coord.mu.Unlock()

	err := coord.HandleRequest(ctx, "sess1", "hi")
	require.Error(t, err)
}

func TestBusPublishesLifecycleEvents(t *testing.T) {
	ctx := context.Background()
	client := &fakeClient{streams: []*fakeStreamer{
		{chunks: []model.Chunk{textChunk("ok"), stopChunk()}},
	}}
	coord, _ := newTestCoordinator(t, client)

	var types []string
	_, err := coord.Bus().Register(hooks.SubscriberFunc(func(_ context.Context, e hooks.Event) error {
		types = append(types, string(e.Type()))
		return nil
	}))
	require.NoError(t, err)

	require.NoError(t, coord.HandleRequest(ctx, "sess1", "hi"))
	require.Contains(t, types, string(hooks.EventRoundStarted))
	require.Contains(t, types, string(hooks.EventResponseCompleted))
}

// blockingStreamer blocks Recv until ctx is cancelled, then reports the
// cancellation as the stream's terminal error.
type blockingStreamer struct {
	ctx context.Context
}

func (b *blockingStreamer) Recv() (model.Chunk, error) {
	<-b.ctx.Done()
	return model.Chunk{}, b.ctx.Err()
}
func (b *blockingStreamer) Close() error             { return nil }
func (b *blockingStreamer) Metadata() map[string]any { return nil }

type blockingClient struct{}

func (blockingClient) Complete(_ context.Context, _ *model.Request) (*model.Response, error) {
	return nil, errors.New("not used")
}

func (blockingClient) Stream(ctx context.Context, _ *model.Request) (model.Streamer, error) {
	return &blockingStreamer{ctx: ctx}, nil
}

func TestCleanupCancelsInFlightRequestAndMarksTurnCancelled(t *testing.T) {
	coord, store := newTestCoordinator(t, blockingClient{})

	done := make(chan error, 1)
	go func() { done <- coord.HandleRequest(context.Background(), "sess1", "hi") }()

	require.Eventually(t, func() bool {
		coord.mu.Lock()
		defer coord.mu.Unlock()
		return coord.busy
	}, time.Second, time.Millisecond)

	require.NoError(t, coord.Cleanup(context.Background()))

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("HandleRequest did not return after Cleanup")
	}

	rounds, err := store.ListRounds(context.Background(), "sess1")
	require.NoError(t, err)
	require.Len(t, rounds, 1)
	turns, err := store.ListTurns(context.Background(), rounds[0].ResponseID)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	require.Equal(t, domain.TurnError, turns[0].Status)
	require.Equal(t, "cancelled", turns[0].ErrorMessage)
}

func TestSplitServerMethod(t *testing.T) {
	server, method, ok := splitServerMethod("fs.readFile", "")
	require.True(t, ok)
	require.Equal(t, "fs", server)
	require.Equal(t, "readFile", method)

	_, _, ok = splitServerMethod("noseparator", "")
	require.False(t, ok)

	server, method, ok = splitServerMethod("fs", "readFile")
	require.True(t, ok)
	require.Equal(t, "fs", server)
	require.Equal(t, "readFile", method)
}
