// ABOUTME: Tool capability interface and a function-backed implementation
// ABOUTME: Tools declare a name, a JSON Schema for their input and the scopes they need

package tools

import (
	"context"
	"encoding/json"
	"slices"
)

// Tool is a capability callable over a session.
type Tool interface {
	Name() string
	Description() string
	// InputSchema is a JSON Schema document describing the arguments object.
	InputSchema() json.RawMessage
	// RequiredScopes lists token scopes a caller needs; empty means any caller.
	RequiredScopes() []string
	// Invoke runs the tool. args has already been validated against InputSchema.
	Invoke(ctx context.Context, args json.RawMessage) (json.RawMessage, error)
}

// HandlerFunc executes a function-backed tool.
type HandlerFunc func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// Func is a Tool built from a handler function.
type Func struct {
	ToolName        string
	ToolDescription string
	Schema          json.RawMessage
	Scopes          []string
	Handler         HandlerFunc
}

var _ Tool = (*Func)(nil)

// Name implements Tool.
func (f *Func) Name() string { return f.ToolName }

// Description implements Tool.
func (f *Func) Description() string { return f.ToolDescription }

// InputSchema implements Tool.
func (f *Func) InputSchema() json.RawMessage { return f.Schema }

// RequiredScopes implements Tool.
func (f *Func) RequiredScopes() []string { return slices.Clone(f.Scopes) }

// Invoke implements Tool.
func (f *Func) Invoke(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	return f.Handler(ctx, args)
}

// Descriptor is how a tool is advertised to clients.
type Descriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
}
