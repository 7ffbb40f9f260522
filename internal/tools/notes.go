// ABOUTME: Notes tools give each user a small key-value notebook
// ABOUTME: Reading needs read_data and writing needs write_data

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/2389/tollgate/internal/auth"
)

// Scopes the notes tools require.
const (
	ScopeReadData  = "read_data"
	ScopeWriteData = "write_data"
)

// maxNoteBytes caps a single note value.
const maxNoteBytes = 16 << 10

// ErrNoteNotFound is returned by note_get and note_delete for a missing key.
var ErrNoteNotFound = errors.New("note not found")

// Notebook holds notes per user. Sessions of the same user share a notebook.
type Notebook struct {
	mu    sync.RWMutex
	notes map[string]map[string]string // userID -> key -> value
}

// NewNotebook creates an empty notebook.
func NewNotebook() *Notebook {
	return &Notebook{notes: make(map[string]map[string]string)}
}

func (n *Notebook) set(userID, key, value string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	m, ok := n.notes[userID]
	if !ok {
		m = make(map[string]string)
		n.notes[userID] = m
	}
	m[key] = value
}

func (n *Notebook) get(userID, key string) (string, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	v, ok := n.notes[userID][key]
	return v, ok
}

func (n *Notebook) keys(userID string) []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	keys := make([]string, 0, len(n.notes[userID]))
	for k := range n.notes[userID] {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func (n *Notebook) delete(userID, key string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.notes[userID][key]; !ok {
		return false
	}
	delete(n.notes[userID], key)
	return true
}

// Notes returns the notes tools backed by nb.
func Notes(nb *Notebook) []Tool {
	h := &notesHandlers{nb: nb}
	return []Tool{
		&Func{
			ToolName:        "note_set",
			ToolDescription: "Store a note",
			Schema:          json.RawMessage(`{"type":"object","properties":{"key":{"type":"string","minLength":1,"maxLength":128},"value":{"type":"string"}},"required":["key","value"],"additionalProperties":false}`),
			Scopes:          []string{ScopeWriteData},
			Handler:         h.set,
		},
		&Func{
			ToolName:        "note_get",
			ToolDescription: "Retrieve a note",
			Schema:          json.RawMessage(`{"type":"object","properties":{"key":{"type":"string","minLength":1}},"required":["key"],"additionalProperties":false}`),
			Scopes:          []string{ScopeReadData},
			Handler:         h.get,
		},
		&Func{
			ToolName:        "note_list",
			ToolDescription: "List all note keys",
			Schema:          json.RawMessage(`{"type":"object","properties":{},"additionalProperties":false}`),
			Scopes:          []string{ScopeReadData},
			Handler:         h.list,
		},
		&Func{
			ToolName:        "note_delete",
			ToolDescription: "Delete a note",
			Schema:          json.RawMessage(`{"type":"object","properties":{"key":{"type":"string","minLength":1}},"required":["key"],"additionalProperties":false}`),
			Scopes:          []string{ScopeWriteData},
			Handler:         h.delete,
		},
	}
}

type notesHandlers struct {
	nb *Notebook
}

type noteKeyInput struct {
	Key string `json:"key"`
}

type noteSetInput struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type noteOutput struct {
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}

// caller returns the user the session acts for.
func caller(ctx context.Context) (string, error) {
	a := auth.FromContext(ctx)
	if a == nil || a.UserID == "" {
		return "", errors.New("no caller identity")
	}
	return a.UserID, nil
}

func (h *notesHandlers) set(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	userID, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	var in noteSetInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("decoding arguments: %w", err)
	}
	if len(in.Value) > maxNoteBytes {
		return nil, fmt.Errorf("note exceeds %d bytes", maxNoteBytes)
	}
	h.nb.set(userID, in.Key, in.Value)
	return json.Marshal(noteOutput{Key: in.Key})
}

func (h *notesHandlers) get(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	userID, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	var in noteKeyInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("decoding arguments: %w", err)
	}
	v, ok := h.nb.get(userID, in.Key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoteNotFound, in.Key)
	}
	return json.Marshal(noteOutput{Key: in.Key, Value: v})
}

func (h *notesHandlers) list(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
	userID, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string][]string{"keys": h.nb.keys(userID)})
}

func (h *notesHandlers) delete(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	userID, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	var in noteKeyInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("decoding arguments: %w", err)
	}
	if !h.nb.delete(userID, in.Key) {
		return nil, fmt.Errorf("%w: %s", ErrNoteNotFound, in.Key)
	}
	return json.Marshal(map[string]bool{"deleted": true})
}
