package runtime

import "context"

// CallerFunc adapts a function to implement the CallTool half of Caller. It is
// intended for tests; ListTools always returns an empty catalog.
type CallerFunc func(ctx context.Context, req CallRequest) (CallResponse, error)

// CallTool implements Caller.
func (f CallerFunc) CallTool(ctx context.Context, req CallRequest) (CallResponse, error) {
	return f(ctx, req)
}

// ListTools implements Caller with an empty catalog.
func (f CallerFunc) ListTools(ctx context.Context) ([]ToolInfo, error) {
	return nil, nil
}
