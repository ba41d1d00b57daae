package tools

// Ident is the strong type for fully qualified tool identifiers
// (e.g., "serverName.toolName"). Use this type when referencing
// tools in maps or APIs to avoid accidental mixing with free-form strings.
type Ident string

// String returns the identifier as a plain string.
func (i Ident) String() string { return string(i) }

// ToolUnavailable is a synthetic tool identifier substituted for model tool
// calls whose requested name is not registered with the session's tool
// server pool. Provider adapters rewrite unknown tool_use blocks to this
// identifier so the tool_use/tool_result handshake stays valid even when a
// model hallucinates a tool name.
const ToolUnavailable Ident = "runtime.tool_unavailable"
