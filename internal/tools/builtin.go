// ABOUTME: Built-in tools served by every session: add and whoami
// ABOUTME: add sums two numbers; whoami reports the caller's token identity

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/2389/tollgate/internal/auth"
)

// Builtins returns the tools every deployment registers.
func Builtins() []Tool {
	return []Tool{Add(), WhoAmI()}
}

type addArgs struct {
	A float64 `json:"a"`
	B float64 `json:"b"`
}

type addResult struct {
	Sum float64 `json:"sum"`
}

// Add returns the add tool.
func Add() Tool {
	return &Func{
		ToolName:        "add",
		ToolDescription: "Add two numbers",
		Schema:          json.RawMessage(`{"type":"object","properties":{"a":{"type":"number","description":"First addend"},"b":{"type":"number","description":"Second addend"}},"required":["a","b"],"additionalProperties":false}`),
		Handler: func(_ context.Context, raw json.RawMessage) (json.RawMessage, error) {
			var args addArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, fmt.Errorf("decoding arguments: %w", err)
			}
			sum := args.A + args.B
			if math.IsInf(sum, 0) {
				return nil, fmt.Errorf("sum of %g and %g overflows", args.A, args.B)
			}
			return json.Marshal(addResult{Sum: sum})
		},
	}
}

type whoAmIResult struct {
	UserID   string   `json:"user_id"`
	ClientID string   `json:"client_id"`
	Scopes   []string `json:"scopes"`
}

// WhoAmI returns the whoami tool.
func WhoAmI() Tool {
	return &Func{
		ToolName:        "whoami",
		ToolDescription: "Show the user, client and scopes behind the current session",
		Schema:          json.RawMessage(`{"type":"object","properties":{},"additionalProperties":false}`),
		Handler: func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
			a := auth.FromContext(ctx)
			if a == nil {
				return nil, fmt.Errorf("no caller identity")
			}
			return json.Marshal(whoAmIResult{UserID: a.UserID, ClientID: a.ClientID, Scopes: a.Scopes})
		},
	}
}
