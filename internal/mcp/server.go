// ABOUTME: MCP Streamable HTTP transport for authorized tool sessions
// ABOUTME: POST carries JSON-RPC requests, GET streams server messages over SSE, DELETE ends the session

package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/2389/tollgate/internal/auth"
	"github.com/2389/tollgate/internal/oauth"
	"github.com/2389/tollgate/internal/tools"
)

// Supported MCP protocol versions
var supportedProtocolVersions = map[string]bool{
	"2025-03-26": true,
	"2025-06-18": true,
	"2025-11-25": true,
}

// latestProtocolVersion is the version we advertise when the client asks for one we lack
const latestProtocolVersion = "2025-11-25"

// MaxRequestBodySize is the maximum allowed size for request bodies (1MB).
const MaxRequestBodySize = 1 << 20

// DefaultKeepAlive is the interval between SSE keepalive comments.
const DefaultKeepAlive = 25 * time.Second

// SessionHeader carries the session ID on every request after initialize.
const SessionHeader = "Mcp-Session-Id"

// Config holds configuration for the MCP server.
type Config struct {
	Sessions      *Manager
	Catalog       *tools.Catalog
	Logger        *slog.Logger
	ServerName    string
	ServerVersion string
	KeepAlive     time.Duration
}

// Server serves tool sessions. It expects to sit behind the auth gate.
type Server struct {
	sessions  *Manager
	catalog   *tools.Catalog
	logger    *slog.Logger
	name      string
	version   string
	keepAlive time.Duration
}

// NewServer creates a new MCP server with the given configuration.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Sessions == nil {
		return nil, errors.New("session manager is required")
	}
	if cfg.Catalog == nil {
		return nil, errors.New("tool catalog is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		sessions:  cfg.Sessions,
		catalog:   cfg.Catalog,
		logger:    logger.With("component", "mcp"),
		name:      cfg.ServerName,
		version:   cfg.ServerVersion,
		keepAlive: cfg.KeepAlive,
	}
	if s.name == "" {
		s.name = "tollgate"
	}
	if s.version == "" {
		s.version = "dev"
	}
	if s.keepAlive <= 0 {
		s.keepAlive = DefaultKeepAlive
	}

	// Tell open sessions to refetch the tool list when it changes.
	cfg.Catalog.OnChange(s.notifyToolsChanged)
	return s, nil
}

// ServeHTTP is the single MCP endpoint supporting POST, GET, and DELETE per the
// Streamable HTTP transport.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if auth.FromContext(r.Context()) == nil {
		// Only reachable if the gate was not wired in front of us.
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	switch r.Method {
	case http.MethodPost:
		s.handlePost(w, r)
	case http.MethodGet:
		s.handleStream(w, r)
	case http.MethodDelete:
		s.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "POST, GET, DELETE")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

// InvalidTokenHook closes the session named by the request if it is bound to
// the token that just failed validation. It is meant for auth.GateConfig.OnInvalid.
func (s *Server) InvalidTokenHook(r *http.Request, err error) {
	sessionID := r.Header.Get(SessionHeader)
	token := auth.BearerToken(r)
	if sessionID == "" || token == "" {
		return
	}
	if s.sessions.CloseBoundTo(sessionID, oauth.HashSecret(token), ReasonTokenInvalid) {
		s.logger.Info("session closed after token rejection", "session_id", sessionID, "error", err)
	}
}

// session resolves and authorizes the session named in the request headers.
// On failure it writes the HTTP response and returns nil.
func (s *Server) session(w http.ResponseWriter, r *http.Request) *Session {
	sessionID := r.Header.Get(SessionHeader)
	if sessionID == "" {
		http.Error(w, "Bad Request: missing Mcp-Session-Id", http.StatusBadRequest)
		return nil
	}
	sess, ok := s.sessions.Get(sessionID)
	if !ok {
		// Session closed or unknown - client must re-initialize
		http.Error(w, "Not Found", http.StatusNotFound)
		return nil
	}
	rebound, err := sess.touch(auth.MustFromContext(r.Context()), s.sessions.now())
	switch {
	case errors.Is(err, errForeignSession):
		http.Error(w, "Forbidden", http.StatusForbidden)
		return nil
	case err != nil:
		http.Error(w, "Not Found", http.StatusNotFound)
		return nil
	}
	if rebound {
		s.logger.Info("session rebound to renewed token", "session_id", sessionID)
	}
	return sess
}

// handleDelete terminates a session per the Streamable HTTP transport.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	sess := s.session(w, r)
	if sess == nil {
		return
	}
	s.sessions.Close(sess.ID(), ReasonClientClosed)
	w.WriteHeader(http.StatusNoContent)
}

// handleStream serves the server-to-client SSE stream for a session.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if !strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		http.Error(w, "Not Acceptable: expected text/event-stream", http.StatusNotAcceptable)
		return
	}
	sess := s.session(w, r)
	if sess == nil {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	if err := sess.openStream(); err != nil {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	defer sess.closeStream(s.sessions.now())

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set(SessionHeader, sess.ID())
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.logger.Debug("session stream opened", "session_id", sess.ID())
	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case msg := <-sess.outbound:
			if _, err := fmt.Fprintf(w, "event: message\ndata: %s\n\n", msg); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-sess.Done():
			return
		case <-r.Context().Done():
			return
		}
	}
}

// handlePost processes JSON-RPC messages sent via HTTP POST.
func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBodySize+1))
	if err != nil {
		sendJSONRPCError(w, s.logger, nil, JSONRPCParseError, "failed to read request body", nil)
		return
	}
	if int64(len(body)) > MaxRequestBodySize {
		sendJSONRPCError(w, s.logger, nil, JSONRPCInvalidRequest, "request body too large", nil)
		return
	}

	var req JSONRPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		sendJSONRPCError(w, s.logger, nil, JSONRPCParseError, "invalid JSON", nil)
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		sendJSONRPCError(w, s.logger, req.ID, JSONRPCInvalidRequest, "invalid JSON-RPC request", nil)
		return
	}

	if req.Method == "initialize" {
		s.handleInitialize(w, r, req)
		return
	}

	// Validate protocol version header (not required on initialize)
	if v := r.Header.Get("Mcp-Protocol-Version"); v != "" && !supportedProtocolVersions[v] {
		http.Error(w, "Bad Request: unsupported MCP-Protocol-Version", http.StatusBadRequest)
		return
	}

	sess := s.session(w, r)
	if sess == nil {
		return
	}

	s.logger.Debug("MCP request",
		"method", req.Method,
		"is_notification", req.IsNotification(),
		"session_id", sess.ID(),
	)

	if req.IsNotification() {
		s.handleNotification(sess, req)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	switch req.Method {
	case "ping":
		sendJSONRPCResult(w, s.logger, req.ID, struct{}{})
	case "tools/list":
		s.handleToolsList(w, r, req)
	case "tools/call":
		s.handleToolsCall(w, r, req, sess)
	default:
		sendJSONRPCError(w, s.logger, req.ID, JSONRPCMethodNotFound, "method not found", nil)
	}
}

func (s *Server) handleNotification(sess *Session, req JSONRPCRequest) {
	switch req.Method {
	case "notifications/initialized":
		if err := sess.advance(StateActive); err != nil {
			s.logger.Warn("initialized notification rejected", "session_id", sess.ID(), "error", err)
			return
		}
		s.logger.Info("session active", "session_id", sess.ID())
	default:
		if !strings.HasPrefix(req.Method, "notifications/") {
			s.logger.Warn("received notification for non-notification method", "method", req.Method)
			return
		}
		s.logger.Debug("accepted MCP notification", "method", req.Method)
	}
}

// handleInitialize handles the MCP initialize handshake and creates a session.
func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request, req JSONRPCRequest) {
	if req.IsNotification() {
		http.Error(w, "Bad Request: initialize must be a request", http.StatusBadRequest)
		return
	}
	var params InitializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			sendJSONRPCError(w, s.logger, req.ID, JSONRPCInvalidParams, "invalid params", nil)
			return
		}
	}
	version := params.ProtocolVersion
	if !supportedProtocolVersions[version] {
		version = latestProtocolVersion
	}

	sess := s.sessions.Open(auth.MustFromContext(r.Context()), version)

	// Set the session ID header so the client can use it on subsequent requests
	w.Header().Set(SessionHeader, sess.ID())

	result := map[string]any{
		"protocolVersion": version,
		"capabilities": map[string]any{
			"tools": map[string]any{"listChanged": true},
		},
		"serverInfo": map[string]any{
			"name":    s.name,
			"version": s.version,
		},
	}
	sendJSONRPCResult(w, s.logger, req.ID, result)
}

// handleToolsList advertises the tools the caller's token can use.
func (s *Server) handleToolsList(w http.ResponseWriter, r *http.Request, req JSONRPCRequest) {
	caller := auth.MustFromContext(r.Context())
	list := s.catalog.List(caller.Scopes)

	s.logger.Debug("tools/list", "count", len(list), "scopes", caller.Scopes)
	sendJSONRPCResult(w, s.logger, req.ID, ListToolsResult{Tools: list})
}

// handleToolsCall validates and dispatches a tool call. Tool failures are
// returned as error results and leave the session open.
func (s *Server) handleToolsCall(w http.ResponseWriter, r *http.Request, req JSONRPCRequest, sess *Session) {
	if st := sess.State(); st != StateActive {
		sendJSONRPCError(w, s.logger, req.ID, JSONRPCInvalidRequest,
			fmt.Sprintf("session is %s, send notifications/initialized first", st), nil)
		return
	}

	var params CallToolParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			sendJSONRPCError(w, s.logger, req.ID, JSONRPCInvalidParams, "invalid params", nil)
			return
		}
	}
	if params.Name == "" {
		sendJSONRPCError(w, s.logger, req.ID, JSONRPCInvalidParams, "tool name is required", nil)
		return
	}

	caller := auth.MustFromContext(r.Context())
	out, err := s.catalog.Call(r.Context(), params.Name, params.Arguments, caller.Scopes)

	var toolErr *tools.ToolError
	switch {
	case err == nil:
		s.logger.Debug("tools/call complete", "tool_name", params.Name, "session_id", sess.ID())
		sendJSONRPCResult(w, s.logger, req.ID, CallToolResult{
			Content:           []Content{{Type: "text", Text: string(out)}},
			StructuredContent: structured(out),
		})
	case errors.As(err, &toolErr):
		sendJSONRPCResult(w, s.logger, req.ID, CallToolResult{
			Content: []Content{{Type: "text", Text: toolErr.Err.Error()}},
			IsError: true,
		})
	case errors.Is(err, tools.ErrToolNotFound):
		sendJSONRPCError(w, s.logger, req.ID, JSONRPCInvalidParams, "tool not found", nil)
	case errors.Is(err, tools.ErrInvalidArguments):
		sendJSONRPCError(w, s.logger, req.ID, JSONRPCInvalidParams, err.Error(), nil)
	default:
		s.logger.Error("tools/call failed", "tool_name", params.Name, "error", err)
		sendJSONRPCError(w, s.logger, req.ID, JSONRPCInternalError, "tool execution failed", nil)
	}
}

// structured returns out if it is a JSON object, which is what MCP allows
// as structuredContent.
func structured(out json.RawMessage) json.RawMessage {
	trimmed := strings.TrimSpace(string(out))
	if strings.HasPrefix(trimmed, "{") {
		return out
	}
	return nil
}

func (s *Server) notifyToolsChanged() {
	msg, err := json.Marshal(JSONRPCNotification{JSONRPC: "2.0", Method: "notifications/tools/list_changed"})
	if err != nil {
		s.logger.Error("encoding tools changed notification", "error", err)
		return
	}
	s.sessions.Broadcast(msg)
}
