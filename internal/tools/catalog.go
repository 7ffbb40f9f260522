// ABOUTME: Ordered, thread-safe tool catalog with schema validation and scope filtering
// ABOUTME: Dispatches calls with a per-call timeout detached from the caller's cancellation

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
)

var (
	// ErrToolNotFound is returned for unknown tools and tools the caller's scopes hide.
	ErrToolNotFound = errors.New("tool not found")

	// ErrToolCollision indicates a tool name is already registered.
	ErrToolCollision = errors.New("tool name collision")

	// ErrInvalidSchema indicates a tool's input schema could not be compiled.
	ErrInvalidSchema = errors.New("invalid input schema")

	// ErrInvalidArguments indicates call arguments do not satisfy the tool's schema.
	ErrInvalidArguments = errors.New("invalid arguments")
)

// DefaultTimeout bounds a tool invocation when the catalog is not configured otherwise.
const DefaultTimeout = 30 * time.Second

// ToolError is a failure inside a tool. It is reported to the caller as a
// result; it never ends the session.
type ToolError struct {
	Tool string
	Err  error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

type entry struct {
	tool   Tool
	schema *jsonschema.Resolved
}

// CatalogConfig configures a Catalog.
type CatalogConfig struct {
	Timeout time.Duration
	Logger  *slog.Logger
}

// Catalog holds the tools offered to sessions, in registration order.
type Catalog struct {
	mu       sync.RWMutex
	order    []string
	entries  map[string]*entry
	timeout  time.Duration
	logger   *slog.Logger
	onChange []func()
}

// NewCatalog creates an empty Catalog.
func NewCatalog(cfg CatalogConfig) *Catalog {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Catalog{
		entries: make(map[string]*entry),
		timeout: timeout,
		logger:  logger.With("component", "tools"),
	}
}

// Register adds tools. Either all are added or, on a collision or bad
// schema, none are.
func (c *Catalog) Register(tools ...Tool) error {
	compiled := make([]*entry, 0, len(tools))
	seen := make(map[string]bool, len(tools))
	for _, t := range tools {
		if t.Name() == "" {
			return errors.New("tool name is required")
		}
		if seen[t.Name()] {
			return fmt.Errorf("%w: tool '%s' listed twice", ErrToolCollision, t.Name())
		}
		seen[t.Name()] = true
		resolved, err := compileSchema(t.InputSchema())
		if err != nil {
			return fmt.Errorf("%w: tool '%s': %v", ErrInvalidSchema, t.Name(), err)
		}
		compiled = append(compiled, &entry{tool: t, schema: resolved})
	}

	c.mu.Lock()
	for _, e := range compiled {
		if _, exists := c.entries[e.tool.Name()]; exists {
			c.mu.Unlock()
			return fmt.Errorf("%w: tool '%s' already registered", ErrToolCollision, e.tool.Name())
		}
	}
	for _, e := range compiled {
		c.entries[e.tool.Name()] = e
		c.order = append(c.order, e.tool.Name())
	}
	total := len(c.order)
	listeners := slices.Clone(c.onChange)
	c.mu.Unlock()

	c.logger.Info("tools registered", "count", len(compiled), "total_tools", total)
	notify(listeners)
	return nil
}

// Unregister removes a tool and reports whether it was present.
func (c *Catalog) Unregister(name string) bool {
	c.mu.Lock()
	if _, ok := c.entries[name]; !ok {
		c.mu.Unlock()
		return false
	}
	delete(c.entries, name)
	c.order = slices.DeleteFunc(c.order, func(n string) bool { return n == name })
	listeners := slices.Clone(c.onChange)
	c.mu.Unlock()

	c.logger.Info("tool unregistered", "tool", name)
	notify(listeners)
	return true
}

// OnChange registers fn to run after the set of tools changes.
func (c *Catalog) OnChange(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = append(c.onChange, fn)
}

// List returns the tools visible to a caller holding scopes, in registration order.
func (c *Catalog) List(scopes []string) []Descriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Descriptor, 0, len(c.order))
	for _, name := range c.order {
		t := c.entries[name].tool
		if !permitted(t, scopes) {
			continue
		}
		out = append(out, Descriptor{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.InputSchema(),
		})
	}
	return out
}

// Len returns the number of registered tools.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.order)
}

// Call validates args and invokes the named tool. The invocation runs with
// the catalog timeout and keeps running if ctx is cancelled, so a closing
// session does not abort work already handed to a tool.
func (c *Catalog) Call(ctx context.Context, name string, args json.RawMessage, scopes []string) (json.RawMessage, error) {
	c.mu.RLock()
	e, ok := c.entries[name]
	c.mu.RUnlock()
	if !ok || !permitted(e.tool, scopes) {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage(`{}`)
	}
	var instance any
	if err := json.Unmarshal(args, &instance); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if err := e.schema.Validate(instance); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	start := time.Now()
	result, err := invoke(callCtx, e.tool, args)
	if err == nil && callCtx.Err() != nil {
		err = callCtx.Err()
	}
	if err != nil {
		c.logger.Warn("tool call failed", "tool", name, "duration", time.Since(start), "error", err)
		return nil, &ToolError{Tool: name, Err: err}
	}
	c.logger.Debug("tool call completed", "tool", name, "duration", time.Since(start))
	return result, nil
}

// invoke runs the tool, turning a panic into an error.
func invoke(ctx context.Context, t Tool, args json.RawMessage) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return t.Invoke(ctx, args)
}

func permitted(t Tool, scopes []string) bool {
	for _, need := range t.RequiredScopes() {
		if !slices.Contains(scopes, need) {
			return false
		}
	}
	return true
}

func compileSchema(raw json.RawMessage) (*jsonschema.Resolved, error) {
	if len(raw) == 0 {
		return nil, errors.New("schema is empty")
	}
	var schema jsonschema.Schema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, err
	}
	if schema.Type != "object" {
		return nil, errors.New(`schema type must be "object"`)
	}
	return schema.Resolve(&jsonschema.ResolveOptions{})
}

func notify(listeners []func()) {
	for _, fn := range listeners {
		fn()
	}
}
