// Package mcp implements the tool session transport: Model Context Protocol
// over Streamable HTTP, behind the OAuth resource gate.
//
// # Endpoints
//
// A single endpoint handles three methods:
//
//   - POST /mcp - JSON-RPC requests (initialize, ping, tools/list, tools/call)
//     and notifications (notifications/initialized)
//   - GET /mcp - SSE stream of server messages for a session
//   - DELETE /mcp - end a session
//
// # Session Lifecycle
//
// Each session moves through Unconnected, Handshake, Active and Closed.
// initialize creates the session in Handshake and returns its ID in the
// Mcp-Session-Id header. notifications/initialized makes it Active. Only
// Active sessions may call tools; tools/list and ping also work in Handshake.
//
// A session is bound to the access token that opened it, by token ID. Every
// request passes through the gate, so a revoked or expired token is caught on
// its next use and the session is closed. The Manager also sweeps sessions
// periodically, closing those whose token no longer validates and those
// idle past the timeout. A request carrying a different valid token for the
// same user and client rebinds the session.
//
// # Isolation
//
// Sessions share nothing but the catalog. Each has its own bounded outbound
// buffer; when it is full, messages for that session are dropped instead of
// blocking the sender. Tool calls run on the request goroutine with the
// catalog's timeout, and a tool failure is reported as an error result
// without closing the session.
package mcp
