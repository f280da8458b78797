// Package gateway orchestrates the clawd-gateway server components.
//
// # Overview
//
// The gateway package is the central coordinator of the clawd-gateway
// server. It owns the session store, the run coordinator, the agent
// engine, API key authentication, outbound channels, and the HTTP server
// that hosts every protocol surface.
//
// # Gateway Struct
//
// The Gateway struct is the main entry point:
//
//	type Gateway struct {
//	    config      *config.Config
//	    engine      agent.Engine
//	    sessions    *session.Store
//	    coordinator *run.Coordinator
//	    keys        *auth.KeyManager
//	    authn       *auth.Authenticator
//	    channels    *channels.Registry
//	    store       *store.SQLiteStore
//	    httpServer  *http.Server
//	    // ... and more
//	}
//
// # Native REST API
//
// Routes registered in api.go:
//
//   - POST /agent/chat - Run one turn (JSON, or SSE when stream is true)
//   - GET /agent/sessions - List sessions
//   - GET /agent/sessions/{id} - Session history, metadata, and usage
//   - DELETE /agent/sessions/{id} - Delete a session
//   - GET /agent/runs/{id} - Run state and result
//   - POST /agent/runs/{id}/cancel - Cancel a run
//   - GET /agent/channels - List outbound channels
//   - POST /agent/channels/{id}/send - Send text to a channel
//   - GET /agent/usage - Token usage totals
//   - GET/POST /agent/keys, DELETE /agent/keys/{id} - API keys (admin)
//
// # SSE Streaming
//
// Streaming chat responses are Server-Sent Events:
//
//	event: started
//	data: {"session_id": "s1", "run_id": "..."}
//
//	event: text
//	data: {"text": "Hello", "seq": 1}
//
//	event: done
//	data: {"full_response": "Hello", "metadata": {...}, "seq": 3}
//
// Event types: started, text, tool_use, tool_result, usage, done, error.
//
// # OpenAI-Compatible API
//
// Routes registered in openai.go:
//
//   - POST /v1/chat/completions - Chat completions, streamed as chunks when stream is true
//   - GET /v1/models - List served models
//   - GET /v1/models/{id} - Describe one model
//
// # Gateway WebSocket Protocol
//
// GET /ws upgrades to a frame protocol. Clients send request frames and
// receive exactly one response frame per request id:
//
//	{"type": "req", "id": "1", "method": "chat.send", "params": {"sessionId": "s1", "message": "hi"}}
//	{"type": "res", "id": "1", "ok": true, "payload": {"runId": "...", "status": "started"}}
//
// Run events follow as event frames:
//
//	{"type": "event", "event": "agent", "seq": 1, "payload": {"runId": "...", "type": "text_delta", "data": {"text": "Hel"}}}
//
// Methods: connect, health, status, sessions.list, sessions.delete,
// chat.history, chat.send, chat.abort, send. With auth enabled a
// connection must authenticate through connect (or a credential on the
// upgrade request) before anything but connect and health.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	if err != nil {
//	    return err
//	}
//	return gw.Run(ctx) // blocks until ctx is canceled, then shuts down
//
// Run listens on server.http_addr, or on the tailnet through tsnet when
// tailscale.enabled is set. Shutdown disconnects WebSocket clients,
// cancels in-flight runs, drains the HTTP server, and closes the store.
//
// # Health Checks
//
//   - GET /health, /health/live - Liveness (always 200 if the server is running)
//   - GET /health/ready - Readiness (200 when the store answers)
package gateway
