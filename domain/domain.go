// Package domain defines the data model shared by the registry, session
// coordinator, and streaming bridge: workspaces, tool configuration,
// dynamic context, and the session/round/turn hierarchy. These are
// contracts, not a storage layout — persistence is an external concern.
package domain

import "time"

// Workspace is a named collection of configuration and sessions rooted on
// disk. (workspaceId, path) is immutable after creation; Name may be
// updated as long as the new name is still unique within the root.
type Workspace struct {
	ID          string
	Name        string
	Path        string
	Description string
	Metadata    map[string]string
	CreatedAt   time.Time
	LastOpened  *time.Time
}

// ServerConfig describes one tool server entry within a ToolConfigSet.
type ServerConfig struct {
	Command      string
	Args         []string
	Env          map[string]string
	AutoApprove  []string
	Disabled     bool
}

// ToolConfigSet is a named mapping from serverId to ServerConfig. A
// workspace holds a set of named config-sets and exactly one active set
// name; the active name must refer to an existing set.
type ToolConfigSet struct {
	Name    string
	Servers map[string]ServerConfig
}

// DynamicContext is a named tool invocation whose result is injected into
// the prompt at context-build time.
type DynamicContext struct {
	ContextID  string
	WorkspaceID string
	ServerID   string
	MethodName string
	Params     map[string]any
	Refresh    RefreshPolicy
}

// RefreshPolicy controls whether a DynamicContext is re-evaluated on every
// context build.
type RefreshPolicy struct {
	Enabled bool
}

// Session is the conversational container scoped to a workspace. It is
// composed of an ordered sequence of Rounds.
type Session struct {
	ID          string
	WorkspaceID string
	Title       string
	Description string
	Metadata    map[string]string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Round is one user Request plus its assistant Response container,
// ordered by Index within a session.
type Round struct {
	SessionID  string
	Index      int
	RequestID  string
	ResponseID string
	UserContent string
	CreatedAt  time.Time
}

// TurnStatus is the lifecycle state of a Turn. A Turn is either terminal
// (Completed/Error) or live (Streaming); once terminal it is immutable.
type TurnStatus string

const (
	// TurnStreaming indicates the turn is still receiving model deltas.
	TurnStreaming TurnStatus = "streaming"
	// TurnCompleted indicates the turn finished normally.
	TurnCompleted TurnStatus = "completed"
	// TurnError indicates the turn terminated with an unrecoverable error.
	TurnError TurnStatus = "error"
)

// ToolCall is the tagged record of a single tool invocation attached to a
// Turn. A Turn carries zero or one call; Response is nil until the tool
// server replies successfully. A failed invocation sets Error instead and
// leaves Response nil.
type ToolCall struct {
	ServerName string
	MethodName string
	Arguments  map[string]any
	Response   any
	Error      string
}

// Turn is one chunk of assistant output within a Response: either free text
// or a single tool call and its result.
type Turn struct {
	ResponseID      string
	Index           int
	RawResponse     []byte
	Content         string
	ToolCalls       *ToolCall
	Status          TurnStatus
	StreamStartTime time.Time
	StreamEndTime   *time.Time
	CurrentTokens   int
	ExpectedTokens  *int
	ErrorMessage    string
}

// Terminal reports whether the turn has reached a terminal state.
func (t *Turn) Terminal() bool {
	return t.Status == TurnCompleted || t.Status == TurnError
}

// StreamingStatus is derived, not stored: it is complete iff every Turn
// attached to the response is terminal.
type StreamingStatus struct {
	ResponseID string
	IsComplete bool
}

// PromptConfig controls how buildContext renders a workspace's system
// prompt: which ambient sections (metadata, system info, date/time, tool
// protocol, active files, dynamic context) are included alongside the
// free-form Instructions.
type PromptConfig struct {
	Instructions             string
	IncludeWorkspaceMetadata bool
	IncludeSystemInfo        bool
	IncludeDateTime          bool
	IncludeTools             bool
	IncludeFiles             bool
	IncludeDynamicContext    bool
}

// ModelConfig selects the active model provider and model identifier a
// workspace's sessions use.
type ModelConfig struct {
	Provider string
	Model    string
}

// FileRef is one file in a workspace's active-files set, consumed by
// buildContext when PromptConfig.IncludeFiles is set.
type FileRef struct {
	Path    string
	Content string
}
