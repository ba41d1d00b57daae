// Package coordinator implements the per-session coordinator: a per-session
// engine that assembles model context, drives a streaming
// request/response/turn/tool-call loop, and keeps persisted Turn records
// consistent so concurrent subscribers can observe them in order.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/strangelove-ventures/mandrake/domain"
	"github.com/strangelove-ventures/mandrake/merr"
	"github.com/strangelove-ventures/mandrake/runtime/agent/hooks"
	"github.com/strangelove-ventures/mandrake/runtime/agent/model"
	"github.com/strangelove-ventures/mandrake/runtime/agent/telemetry"
	"github.com/strangelove-ventures/mandrake/runtime/agent/toolerrors"
	"github.com/strangelove-ventures/mandrake/sessionstore"
	"github.com/strangelove-ventures/mandrake/toolpool"
	"github.com/strangelove-ventures/mandrake/toolschema"
	"github.com/strangelove-ventures/mandrake/workspace"
)

// retryBackoffs are the delays applied to the permitted retries of a single
// Turn's model transport: one retry, after 100ms.
var retryBackoffs = []time.Duration{100 * time.Millisecond}

// Meta carries the workspace identity the registry injects alongside a
// coordinator's dependencies.
type Meta struct {
	WorkspaceID string
	Name        string
	Path        string
}

// Coordinator is the per-session engine. It borrows (does not own) a
// WorkspaceManager's sub-managers and a ToolServerPool via the registry;
// it exclusively owns the in-flight turn stream for its SessionID.
type Coordinator struct {
	SessionID string
	Meta      Meta

	sessions sessionstore.Store
	prompt   *workspace.PromptStore
	pool     *toolpool.Pool
	models   *workspace.ModelsStore
	files    *workspace.FilesStore
	dynamic  *workspace.DynamicContextStore

	client model.Client
	bus    hooks.Bus
	log    telemetry.Logger

	mu     sync.Mutex
	busy   bool
	cancel context.CancelFunc
	done   chan struct{}
}

// Deps bundles a Coordinator's borrowed collaborators.
type Deps struct {
	Sessions sessionstore.Store
	Prompt   *workspace.PromptStore
	Pool     *toolpool.Pool
	Models   *workspace.ModelsStore
	Files    *workspace.FilesStore
	Dynamic  *workspace.DynamicContextStore
	Client   model.Client
	Bus      hooks.Bus
	Logger   telemetry.Logger
}

// New constructs a Coordinator for sessionID. A nil Bus or Logger is
// replaced with a working no-op so call sites never branch on nilness.
func New(sessionID string, meta Meta, deps Deps) *Coordinator {
	bus := deps.Bus
	if bus == nil {
		bus = hooks.NewBus()
	}
	log := deps.Logger
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	return &Coordinator{
		SessionID: sessionID,
		Meta:      meta,
		sessions:  deps.Sessions,
		prompt:    deps.Prompt,
		pool:      deps.Pool,
		models:    deps.Models,
		files:     deps.Files,
		dynamic:   deps.Dynamic,
		client:    deps.Client,
		bus:       bus,
		log:       log,
	}
}

// Bus exposes the coordinator's internal event bus so a StreamingBridge can
// register a subscriber for this session.
func (c *Coordinator) Bus() hooks.Bus { return c.bus }

// BuildContext assembles the prompt for sessionID: the rendered instruction
// block (workspace prompt config), a tool-use protocol description drawn
// from the tool pool, optionally active files and dynamic-context outputs,
// and the rendered session history.
func (c *Coordinator) BuildContext(ctx context.Context, sessionID string) (string, []*model.Message, error) {
	cfg := c.prompt.Get()
	var sb strings.Builder
	if cfg.Instructions != "" {
		sb.WriteString(cfg.Instructions)
		sb.WriteString("\n\n")
	}
	if cfg.IncludeWorkspaceMetadata {
		fmt.Fprintf(&sb, "Workspace: %s\n", c.Meta.Name)
	}
	if cfg.IncludeSystemInfo {
		sb.WriteString("System: mandrake session coordinator\n")
	}
	if cfg.IncludeDateTime {
		fmt.Fprintf(&sb, "Current time: %s\n", time.Now().UTC().Format(time.RFC3339))
	}
	if cfg.IncludeTools {
		tools, err := c.pool.ListAllTools(ctx)
		if err != nil {
			return "", nil, merr.ServiceUnavailable("list tools", err)
		}
		if len(tools) > 0 {
			sb.WriteString("\nAvailable tools:\n")
			for _, t := range tools {
				fmt.Fprintf(&sb, "- %s.%s: %s\n", t.Server, t.Name, t.Description)
			}
		}
	}
	if cfg.IncludeFiles {
		for _, f := range c.files.List() {
			fmt.Fprintf(&sb, "\n--- file: %s ---\n%s\n", f.Path, f.Content)
		}
	}
	if cfg.IncludeDynamicContext {
		for _, dc := range c.dynamic.List() {
			args, _ := json.Marshal(dc.Params)
			result, err := c.pool.InvokeTool(ctx, dc.ServerID, dc.MethodName, args)
			if err != nil {
				c.log.Warn(ctx, "dynamic context invocation failed", "context", dc.ContextID, "error", err.Error())
				continue
			}
			fmt.Fprintf(&sb, "\n--- dynamic context: %s ---\n%s\n", dc.ContextID, string(result))
		}
	}

	rounds, err := c.sessions.ListRounds(ctx, sessionID)
	if err != nil {
		return "", nil, merr.Internal("list rounds", err)
	}
	entries := make([]model.TranscriptEntry, 0, len(rounds)*2)
	for _, r := range rounds {
		entries = append(entries, model.TranscriptEntry{
			Role:  model.ConversationRoleUser,
			Parts: []model.Part{model.TextPart{Text: r.UserContent}},
		})
		turns, err := c.sessions.ListTurns(ctx, r.ResponseID)
		if err != nil {
			return "", nil, merr.Internal("list turns", err)
		}
		for _, t := range turns {
			if t.Content == "" {
				continue
			}
			entries = append(entries, model.TranscriptEntry{
				Role:  model.ConversationRoleAssistant,
				Parts: []model.Part{model.TextPart{Text: t.Content}},
			})
		}
	}
	return sb.String(), model.BuildMessagesFromTranscript(entries), nil
}

// HandleRequest drives one request->response->turn(s)->tool-call cycle to
// completion. It is synchronous: it returns once the response is terminal.
// A second concurrent call on the same session fails fast with a
// merr.Busy error.
func (c *Coordinator) HandleRequest(ctx context.Context, sessionID, userContent string) error {
	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return merr.Busy("session has an in-flight request", nil)
	}
	ctx, cancel := context.WithCancel(ctx)
	c.busy = true
	c.cancel = cancel
	done := make(chan struct{})
	c.done = done
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.busy = false
		c.cancel = nil
		c.done = nil
		c.mu.Unlock()
		cancel()
		close(done)
	}()

	requestID := uuid.NewString()
	responseID := uuid.NewString()
	round := domain.Round{
		SessionID:   sessionID,
		RequestID:   requestID,
		ResponseID:  responseID,
		UserContent: userContent,
		CreatedAt:   time.Now().UTC(),
	}
	if _, err := c.sessions.AppendRound(ctx, round); err != nil {
		return merr.Internal("persist round", err)
	}
	_ = c.bus.Publish(ctx, hooks.NewRoundStartedEvent(sessionID, responseID, requestID))

	systemPrompt, history, err := c.BuildContext(ctx, sessionID)
	if err != nil {
		return err
	}

	err = c.runModelLoop(ctx, sessionID, responseID, systemPrompt, history)
	if err != nil {
		_ = c.bus.Publish(ctx, hooks.NewResponseErrorEvent(sessionID, responseID, err.Error()))
		return err
	}
	_ = c.bus.Publish(ctx, hooks.NewResponseCompletedEvent(sessionID, responseID))
	return nil
}

// runModelLoop creates successive Turns, streams model output into each,
// resolves any requested tool call, and exits once the model signals end of
// stream without a tool call.
func (c *Coordinator) runModelLoop(ctx context.Context, sessionID, responseID, systemPrompt string, history []*model.Message) error {
	messages := append([]*model.Message{
		{Role: model.ConversationRoleSystem, Parts: []model.Part{model.TextPart{Text: systemPrompt}}},
	}, history...)

	toolDefs, toolSchemas, err := c.toolDefinitions(ctx)
	if err != nil {
		return err
	}

	for {
		idx, err := c.sessions.NextTurnIndex(ctx, responseID)
		if err != nil {
			return merr.Internal("next turn index", err)
		}
		turn := domain.Turn{
			ResponseID:      responseID,
			Index:           idx,
			Status:          domain.TurnStreaming,
			StreamStartTime: time.Now().UTC(),
		}
		if err := c.persistTurn(ctx, sessionID, turn); err != nil {
			return err
		}

		content, toolCall, stopErr := c.streamTurn(ctx, sessionID, &turn, messages, toolDefs)
		if stopErr != nil {
			c.log.Error(ctx, "turn failed", "session_id", sessionID, "response_id", responseID, "error", stopErr)
			turn.Status = domain.TurnError
			if errors.Is(stopErr, context.Canceled) {
				turn.ErrorMessage = "cancelled"
			} else {
				turn.ErrorMessage = publicErrorMessage(stopErr)
			}
			_ = c.persistTurn(context.WithoutCancel(ctx), sessionID, turn)
			return stopErr
		}
		turn.Content = content

		if toolCall == nil {
			now := time.Now().UTC()
			turn.Status = domain.TurnCompleted
			turn.StreamEndTime = &now
			if err := c.persistTurn(ctx, sessionID, turn); err != nil {
				return err
			}
			return nil
		}

		now := time.Now().UTC()
		turn.Status = domain.TurnCompleted
		turn.StreamEndTime = &now
		turn.ToolCalls = toolCall
		if err := c.persistTurn(ctx, sessionID, turn); err != nil {
			return err
		}

		server, method, ok := splitServerMethod(string(toolCall.ServerName), toolCall.MethodName)
		if !ok {
			turn.ToolCalls.Error = "malformed tool call"
		} else if schemaErr := toolschema.Validate(toolSchemas[server+"."+method], toolCall.Arguments); schemaErr != nil {
			turn.ToolCalls.Error = toolerrors.NewWithCause("tool arguments invalid", schemaErr).Error()
		} else {
			args, _ := json.Marshal(toolCall.Arguments)
			result, invokeErr := c.pool.InvokeTool(ctx, server, method, args)
			if invokeErr != nil {
				turn.ToolCalls.Error = toolerrors.FromError(invokeErr).Error()
			} else {
				var decoded any
				if err := json.Unmarshal(result, &decoded); err == nil {
					turn.ToolCalls.Response = decoded
				} else {
					turn.ToolCalls.Response = string(result)
				}
			}
		}
		if err := c.persistTurn(ctx, sessionID, turn); err != nil {
			return err
		}

		messages = append(messages,
			&model.Message{Role: model.ConversationRoleAssistant, Parts: []model.Part{model.ToolUsePart{
				ID:   fmt.Sprintf("turn-%d", idx),
				Name: toolCall.ServerName + "." + toolCall.MethodName,
				Input: toolCall.Arguments,
			}}},
			&model.Message{Role: model.ConversationRoleUser, Parts: []model.Part{model.ToolResultPart{
				ToolUseID: fmt.Sprintf("turn-%d", idx),
				Content:   resultOrError(turn.ToolCalls),
				IsError:   turn.ToolCalls.Error != "",
			}}},
		)
	}
}

// publicErrorMessage maps an internal turn failure to the UI-facing text in
// hooks.PublicError*, falling back to a generic message for anything that
// doesn't classify as a context deadline or provider error.
func publicErrorMessage(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return hooks.PublicErrorTimeout
	}
	pe, ok := model.AsProviderError(err)
	if !ok {
		return hooks.PublicErrorInternal
	}
	switch pe.Kind() {
	case model.ProviderErrorKindRateLimited:
		return hooks.PublicErrorProviderRateLimited
	case model.ProviderErrorKindUnavailable:
		return hooks.PublicErrorProviderUnavailable
	case model.ProviderErrorKindInvalidRequest:
		return hooks.PublicErrorProviderInvalidRequest
	case model.ProviderErrorKindAuth:
		return hooks.PublicErrorProviderAuth
	case model.ProviderErrorKindUnknown:
		return hooks.PublicErrorProviderUnknown
	default:
		return hooks.PublicErrorProviderDefault
	}
}

func resultOrError(tc *domain.ToolCall) any {
	if tc.Error != "" {
		return map[string]string{"error": tc.Error}
	}
	return tc.Response
}

// streamTurn sends the accumulated messages to the model provider and folds
// its stream into turn's rawResponse/content/token counters, persisting
// each incremental delta so subscribers observe it in order. It retries
// transient model transport errors at most once, after a 100ms backoff,
// before giving up.
func (c *Coordinator) streamTurn(ctx context.Context, sessionID string, turn *domain.Turn, messages []*model.Message, toolDefs []*model.ToolDefinition) (string, *domain.ToolCall, error) {
	modelCfg := c.models.Get()
	req := &model.Request{
		Model:    modelCfg.Model,
		Messages: messages,
		Tools:    toolDefs,
		Stream:   true,
	}

	var lastErr error
	for attempt := 0; attempt <= len(retryBackoffs); attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryBackoffs[attempt-1]):
			case <-ctx.Done():
				return "", nil, ctx.Err()
			}
		}
		content, toolCall, err := c.drainStream(ctx, sessionID, turn, req)
		if err == nil {
			return content, toolCall, nil
		}
		if pe, ok := model.AsProviderError(err); ok && !pe.Retryable() {
			return "", nil, err
		}
		lastErr = err
	}
	return "", nil, lastErr
}

func (c *Coordinator) drainStream(ctx context.Context, sessionID string, turn *domain.Turn, req *model.Request) (string, *domain.ToolCall, error) {
	stream, err := c.client.Stream(ctx, req)
	if err != nil {
		return "", nil, err
	}
	defer stream.Close()

	var content strings.Builder
	var toolCall *domain.ToolCall
	for {
		chunk, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return "", nil, err
		}
		switch chunk.Type {
		case model.ChunkTypeText:
			if chunk.Message != nil {
				for _, p := range chunk.Message.Parts {
					if tp, ok := p.(model.TextPart); ok {
						content.WriteString(tp.Text)
					}
				}
			}
			turn.Content = content.String()
			turn.CurrentTokens++
			if err := c.persistTurn(ctx, sessionID, *turn); err != nil {
				return "", nil, err
			}
		case model.ChunkTypeToolCall:
			if chunk.ToolCall != nil {
				var args map[string]any
				_ = json.Unmarshal(chunk.ToolCall.Payload, &args)
				server, method, _ := splitServerMethod(string(chunk.ToolCall.Name), "")
				toolCall = &domain.ToolCall{ServerName: server, MethodName: method, Arguments: args}
			}
		case model.ChunkTypeUsage:
			if chunk.UsageDelta != nil {
				turn.CurrentTokens += chunk.UsageDelta.OutputTokens
			}
		case model.ChunkTypeStop:
			return content.String(), toolCall, nil
		}
	}
	return content.String(), toolCall, nil
}

func (c *Coordinator) persistTurn(ctx context.Context, sessionID string, turn domain.Turn) error {
	if err := c.sessions.UpsertTurn(ctx, turn); err != nil {
		return merr.Internal("persist turn", err)
	}
	return c.bus.Publish(ctx, hooks.NewTurnUpdatedEvent(sessionID, turn.ResponseID, turn))
}

// toolDefinitions lists every tool currently exposed by the session's tool
// pool, both as model-facing definitions and as a lookup from
// "server.method" to the tool's raw JSON Schema, used to validate arguments
// before invocation.
func (c *Coordinator) toolDefinitions(ctx context.Context) ([]*model.ToolDefinition, map[string]json.RawMessage, error) {
	infos, err := c.pool.ListAllTools(ctx)
	if err != nil {
		return nil, nil, merr.ServiceUnavailable("list tools", err)
	}
	defs := make([]*model.ToolDefinition, 0, len(infos))
	schemas := make(map[string]json.RawMessage, len(infos))
	for _, t := range infos {
		var schema any
		if len(t.InputSchema) > 0 {
			_ = json.Unmarshal(t.InputSchema, &schema)
		}
		name := t.Server + "." + t.Name
		defs = append(defs, &model.ToolDefinition{
			Name:        name,
			Description: t.Description,
			InputSchema: schema,
		})
		schemas[name] = t.InputSchema
	}
	return defs, schemas, nil
}

// Cleanup cancels any in-flight HandleRequest for this session and waits for
// it to observe the cancellation and return before releasing
// coordinator-local resources. Idempotent; safe to call when no request is
// in flight.
func (c *Coordinator) Cleanup(ctx context.Context) error {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func splitServerMethod(server, method string) (string, string, bool) {
	if method != "" {
		return server, method, true
	}
	idx := strings.Index(server, ".")
	if idx < 0 {
		return "", "", false
	}
	return server[:idx], server[idx+1:], true
}
