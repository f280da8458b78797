// ABOUTME: Gateway WebSocket protocol: req/res frames plus streamed agent event frames
// ABOUTME: Handles connect/auth, session methods, chat.send streaming, abort, and channel send

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/clawd-gateway/internal/adapter"
	"github.com/2389/clawd-gateway/internal/auth"
	"github.com/2389/clawd-gateway/internal/run"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsMaxMessage = 1 << 20
)

// Gateway methods
const (
	MethodConnect        = "connect"
	MethodHealth         = "health"
	MethodStatus         = "status"
	MethodSessionsList   = "sessions.list"
	MethodSessionsDelete = "sessions.delete"
	MethodChatHistory    = "chat.history"
	MethodChatSend       = "chat.send"
	MethodChatAbort      = "chat.abort"
	MethodSend           = "send"
)

var wsMethods = []string{
	MethodConnect, MethodHealth, MethodStatus,
	MethodSessionsList, MethodSessionsDelete,
	MethodChatHistory, MethodChatSend, MethodChatAbort,
	MethodSend,
}

// writeMethods need the write permission.
var writeMethods = []string{MethodSessionsDelete, MethodChatSend, MethodChatAbort, MethodSend}

type connectParams struct {
	Auth *struct {
		Token string `json:"token"`
	} `json:"auth,omitempty"`
	Client *struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"client,omitempty"`
}

type sessionParams struct {
	SessionID string `json:"sessionId"`
}

type chatSendParams struct {
	SessionID string            `json:"sessionId"`
	Message   string            `json:"message"`
	Model     string            `json:"model,omitempty"`
	MaxTokens int               `json:"maxTokens,omitempty"`
	Deliver   *adapter.Delivery `json:"deliver,omitempty"`
}

type chatAbortParams struct {
	RunID string `json:"runId"`
}

type sendParams struct {
	Channel string `json:"channel"`
	To      string `json:"to"`
	Text    string `json:"text"`
}

// wsClient is one WebSocket connection. Writes are serialized because
// run streams and responses share the connection.
type wsClient struct {
	g      *Gateway
	conn   *websocket.Conn
	id     string
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	authMu sync.RWMutex
	auth   *auth.AuthContext

	streams sync.WaitGroup
}

// WriteJSON implements adapter.FrameWriter.
func (c *wsClient) WriteJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteJSON(v)
}

func (c *wsClient) authContext() *auth.AuthContext {
	c.authMu.RLock()
	defer c.authMu.RUnlock()
	return c.auth
}

func (c *wsClient) setAuth(a *auth.AuthContext) {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	c.auth = a
}

// handleWebSocket handles GET /ws. A credential on the upgrade request
// authenticates the connection up front; otherwise the client must call
// connect with auth.token before anything but connect and health.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	var authCtx *auth.AuthContext
	switch {
	case g.authn == nil:
		authCtx = auth.Anonymous()
	case auth.TokenFromRequest(r) != "":
		a, err := g.authn.Authenticate(r.Context(), auth.TokenFromRequest(r))
		if err != nil {
			adapter.WriteError(w, err)
			return
		}
		authCtx = a
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &wsClient{
		g:      g,
		conn:   conn,
		id:     uuid.NewString(),
		ctx:    ctx,
		cancel: cancel,
		auth:   authCtx,
	}
	c.logger = g.logger.With("conn_id", c.id)

	if !g.addClient(c) {
		cancel()
		_ = conn.Close()
		return
	}
	defer g.removeClient(c)

	c.logger.Info("websocket client connected", "remote_addr", r.RemoteAddr)
	c.serve()
	c.logger.Info("websocket client disconnected")
}

func (g *Gateway) addClient(c *wsClient) bool {
	g.clientsMu.Lock()
	defer g.clientsMu.Unlock()
	if g.clients == nil {
		return false
	}
	g.clients[c] = struct{}{}
	return true
}

func (g *Gateway) removeClient(c *wsClient) {
	g.clientsMu.Lock()
	defer g.clientsMu.Unlock()
	delete(g.clients, c)
}

// closeClients disconnects every WebSocket client and refuses new ones.
func (g *Gateway) closeClients() {
	g.clientsMu.Lock()
	clients := g.clients
	g.clients = nil
	g.clientsMu.Unlock()

	for c := range clients {
		c.close()
	}
}

func (c *wsClient) close() {
	c.cancel()
	_ = c.conn.Close()
}

// serve runs the read loop until the connection drops. In-flight runs
// keep going; only their streams to this client stop.
func (c *wsClient) serve() {
	defer func() {
		c.close()
		c.streams.Wait()
	}()

	c.conn.SetReadLimit(wsMaxMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	go c.pingLoop()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read error", "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		c.handleFrame(data)
	}
}

func (c *wsClient) pingLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *wsClient) handleFrame(data []byte) {
	f, err := adapter.ParseRequestFrame(data)
	if err != nil {
		id := ""
		if f != nil {
			id = f.ID
		}
		_ = c.WriteJSON(adapter.ErrorResponse(id, err))
		return
	}

	if c.g.dedupe.CheckAndMark(c.id + ":" + f.ID) {
		_ = c.WriteJSON(adapter.ErrorResponse(f.ID, adapter.InvalidRequest("duplicate request id %q", f.ID)))
		return
	}

	payload, err := c.dispatch(f)
	if err != nil {
		_ = c.WriteJSON(adapter.ErrorResponse(f.ID, err))
		return
	}
	if started, ok := payload.(*chatStarted); ok {
		_ = c.WriteJSON(adapter.OKResponse(f.ID, started.ack))
		close(started.sent)
		return
	}
	_ = c.WriteJSON(adapter.OKResponse(f.ID, payload))
}

func (c *wsClient) dispatch(f *adapter.RequestFrame) (any, error) {
	switch f.Method {
	case MethodConnect:
		return c.handleConnect(f)
	case MethodHealth:
		return map[string]any{"status": "ok"}, nil
	}

	if !slices.Contains(wsMethods, f.Method) {
		return nil, fmt.Errorf("%w: %s", adapter.ErrMethodNotFound, f.Method)
	}

	a := c.authContext()
	if a == nil {
		return nil, auth.ErrAuthRequired
	}
	need := auth.PermissionRead
	if slices.Contains(writeMethods, f.Method) {
		need = auth.PermissionWrite
	}
	if !a.HasPermission(need) {
		return nil, fmt.Errorf("%w: %s requires %s", auth.ErrForbidden, f.Method, need)
	}

	ctx, cancel := context.WithTimeout(c.ctx, 30*time.Second)
	defer cancel()

	switch f.Method {
	case MethodStatus:
		return c.g.status(), nil
	case MethodSessionsList:
		return map[string]any{"sessions": c.g.sessions.Infos()}, nil
	case MethodSessionsDelete:
		var p sessionParams
		if err := decodeSessionParams(f, &p); err != nil {
			return nil, err
		}
		if err := c.g.sessions.Delete(ctx, p.SessionID); err != nil {
			return nil, err
		}
		return map[string]any{"sessionId": p.SessionID, "deleted": true}, nil
	case MethodChatHistory:
		var p sessionParams
		if err := decodeSessionParams(f, &p); err != nil {
			return nil, err
		}
		sess, err := c.g.sessions.Get(ctx, p.SessionID)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"sessionId": sess.ID,
			"history":   sess.History(),
			"metadata":  sess.Metadata(),
		}, nil
	case MethodChatSend:
		return c.handleChatSend(ctx, f, a)
	case MethodChatAbort:
		var p chatAbortParams
		if err := f.DecodeParams(&p); err != nil {
			return nil, err
		}
		if p.RunID == "" {
			return nil, adapter.InvalidRequest("runId is required")
		}
		if err := c.g.coordinator.Cancel(p.RunID); err != nil {
			return nil, err
		}
		return map[string]any{"runId": p.RunID, "aborted": true}, nil
	case MethodSend:
		var p sendParams
		if err := f.DecodeParams(&p); err != nil {
			return nil, err
		}
		if err := c.g.channels.Send(ctx, p.Channel, p.To, p.Text); err != nil {
			return nil, err
		}
		return map[string]any{"channel": p.Channel, "to": p.To, "delivered": true}, nil
	default:
		return nil, fmt.Errorf("%w: %s", adapter.ErrMethodNotFound, f.Method)
	}
}

func decodeSessionParams(f *adapter.RequestFrame, p *sessionParams) error {
	if err := f.DecodeParams(p); err != nil {
		return err
	}
	if p.SessionID == "" {
		return adapter.InvalidRequest("sessionId is required")
	}
	return nil
}

func (c *wsClient) handleConnect(f *adapter.RequestFrame) (any, error) {
	var p connectParams
	if err := f.DecodeParams(&p); err != nil {
		return nil, err
	}

	if p.Auth != nil && strings.TrimSpace(p.Auth.Token) != "" && c.g.authn != nil {
		a, err := c.g.authn.Authenticate(c.ctx, strings.TrimSpace(p.Auth.Token))
		if err != nil {
			return nil, err
		}
		c.setAuth(a)
	}

	a := c.authContext()
	if a == nil {
		return nil, auth.ErrAuthRequired
	}
	if p.Client != nil {
		c.logger.Info("websocket client identified", "client", p.Client.Name, "version", p.Client.Version)
	}

	return map[string]any{
		"connId":    c.id,
		"server":    map[string]string{"name": "clawd-gateway", "version": Version},
		"principal": a.PrincipalID,
		"methods":   wsMethods,
	}, nil
}

// handleChatSend starts a run and streams its events as event frames
// after the response frame.
func (c *wsClient) handleChatSend(ctx context.Context, f *adapter.RequestFrame, a *auth.AuthContext) (any, error) {
	var p chatSendParams
	if err := f.DecodeParams(&p); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Message) == "" {
		return nil, adapter.InvalidRequest("message is required")
	}
	if p.MaxTokens < 0 {
		return nil, adapter.InvalidRequest("maxTokens must not be negative")
	}
	if p.Deliver != nil {
		if p.Deliver.Channel == "" || p.Deliver.To == "" {
			return nil, adapter.InvalidRequest("deliver requires channel and to")
		}
		if _, err := c.g.channels.Get(p.Deliver.Channel); err != nil {
			return nil, err
		}
	}

	sess, err := c.g.sessions.Resolve(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	h, err := c.g.coordinator.Start(ctx, sess, p.Message, run.Options{
		Model:     p.Model,
		MaxTokens: p.MaxTokens,
		Caller:    a.PrincipalID,
	})
	if err != nil {
		return nil, err
	}
	if p.Deliver != nil {
		c.g.deliver(h, p.Deliver)
	}

	// The response frame goes out before any event frame because the
	// stream waits for it.
	sent := make(chan struct{})
	c.streams.Add(1)
	go func() {
		defer c.streams.Done()
		select {
		case <-sent:
		case <-c.ctx.Done():
			h.Events().Close()
			return
		}
		state, err := adapter.Pump(c.ctx, h.Events(), adapter.NewFrameEncoder(c, sess.ID, h.ID()))
		if err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Debug("run stream ended", "run_id", h.ID(), "state", state, "error", err)
		}
	}()

	return &chatStarted{ack: map[string]any{
		"runId":     h.ID(),
		"sessionId": sess.ID,
		"status":    "started",
	}, sent: sent}, nil
}

// chatStarted releases the run stream once the response frame is written.
type chatStarted struct {
	ack  map[string]any
	sent chan struct{}
}

func (g *Gateway) status() map[string]any {
	active, retained := g.coordinator.Stats()
	g.clientsMu.Lock()
	clients := len(g.clients)
	g.clientsMu.Unlock()
	return map[string]any{
		"version":      Version,
		"uptimeMs":     time.Since(g.startedAt).Milliseconds(),
		"sessions":     g.sessions.Len(),
		"activeRuns":   active,
		"retainedRuns": retained,
		"clients":      clients,
		"channels":     g.channels.IDs(),
		"models":       g.models(),
	}
}
