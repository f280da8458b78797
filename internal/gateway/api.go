// ABOUTME: Native REST handlers for chat, sessions, runs, channels, and API keys
// ABOUTME: POST /agent/chat answers with JSON or an SSE stream when stream is true

package gateway

import (
	"encoding/json"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/2389/clawd-gateway/internal/adapter"
	"github.com/2389/clawd-gateway/internal/auth"
	"github.com/2389/clawd-gateway/internal/run"
	"github.com/2389/clawd-gateway/internal/session"
	"github.com/2389/clawd-gateway/internal/store"
)

// SessionDetail is the JSON response for GET /agent/sessions/{id}.
type SessionDetail struct {
	SessionID    string              `json:"session_id"`
	CreatedAt    time.Time           `json:"created_at"`
	MessageCount int                 `json:"message_count"`
	ActiveRunID  string              `json:"active_run_id,omitempty"`
	History      []session.Turn      `json:"history"`
	Metadata     map[string]any      `json:"metadata"`
	Usage        *store.UsageSummary `json:"usage,omitempty"`
}

// RunStatus is the JSON response for GET /agent/runs/{id}.
type RunStatus struct {
	RunID     string      `json:"run_id"`
	SessionID string      `json:"session_id"`
	State     run.State   `json:"state"`
	Result    *run.Result `json:"result,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// ChannelSendRequest is the JSON body for POST /agent/channels/{id}/send.
type ChannelSendRequest struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

// CreateKeyRequest is the JSON body for POST /agent/keys.
type CreateKeyRequest struct {
	Name          string   `json:"name"`
	Permissions   []string `json:"permissions,omitempty"`
	RateLimit     int      `json:"rate_limit,omitempty"`
	ExpiresInDays int      `json:"expires_in_days,omitempty"`
}

// KeyResponse describes an API key without its hash.
type KeyResponse struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Permissions []string   `json:"permissions"`
	RateLimit   int        `json:"rate_limit"`
	Enabled     bool       `json:"enabled"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	// Key is the raw key, present only in the create response.
	Key string `json:"key,omitempty"`
}

func (g *Gateway) registerRESTRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /agent/chat", g.handleChat)
	mux.HandleFunc("GET /agent/sessions", g.handleListSessions)
	mux.HandleFunc("GET /agent/sessions/{id}", g.handleGetSession)
	mux.HandleFunc("DELETE /agent/sessions/{id}", g.handleDeleteSession)
	mux.HandleFunc("GET /agent/runs/{id}", g.handleGetRun)
	mux.HandleFunc("POST /agent/runs/{id}/cancel", g.handleCancelRun)
	mux.HandleFunc("GET /agent/channels", g.handleListChannels)
	mux.HandleFunc("POST /agent/channels/{id}/send", g.handleChannelSend)
	mux.HandleFunc("GET /agent/usage", g.handleUsage)

	admin := auth.RequireAdminHTTP(adapter.WriteError)
	mux.Handle("GET /agent/keys", admin(http.HandlerFunc(g.handleListKeys)))
	mux.Handle("POST /agent/keys", admin(http.HandlerFunc(g.handleCreateKey)))
	mux.Handle("DELETE /agent/keys/{id}", admin(http.HandlerFunc(g.handleRevokeKey)))
}

func callerID(r *http.Request) string {
	if a := auth.FromContext(r.Context()); a != nil {
		return a.PrincipalID
	}
	return ""
}

// handleChat handles POST /agent/chat.
func (g *Gateway) handleChat(w http.ResponseWriter, r *http.Request) {
	req, err := adapter.ParseChatRequest(r.Body)
	if err != nil {
		adapter.WriteError(w, err)
		return
	}
	if req.Deliver != nil {
		if _, err := g.channels.Get(req.Deliver.Channel); err != nil {
			adapter.WriteError(w, err)
			return
		}
	}

	var sse *adapter.SSEEncoder
	if req.Stream {
		var ok bool
		if sse, ok = adapter.NewSSEEncoder(w); !ok {
			g.logger.Error("streaming not supported")
			adapter.WriteError(w, adapter.InvalidRequest("streaming not supported"))
			return
		}
	}

	sess, err := g.sessions.Resolve(r.Context(), req.SessionID)
	if err != nil {
		adapter.WriteError(w, err)
		return
	}

	h, err := g.coordinator.Start(r.Context(), sess, req.Message, run.Options{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
		Caller:    callerID(r),
	})
	if err != nil {
		adapter.WriteError(w, err)
		return
	}
	if req.Deliver != nil {
		g.deliver(h, req.Deliver)
	}

	if sse != nil {
		if err := sse.Started(sess.ID, h.ID()); err != nil {
			h.Events().Close()
			return
		}
		state, err := adapter.Pump(r.Context(), h.Events(), sse)
		g.logger.Debug("chat stream closed", "run_id", h.ID(), "state", state, "error", err)
		return
	}

	resp, err := adapter.CollectChat(r.Context(), h)
	if err != nil {
		adapter.WriteError(w, err)
		return
	}
	adapter.WriteJSON(w, http.StatusOK, resp)
}

// handleListSessions handles GET /agent/sessions.
func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	ids := slices.Sorted(g.sessions.List(r.Context()))
	adapter.WriteJSON(w, http.StatusOK, map[string]any{
		"sessions": g.sessions.Infos(),
		"ids":      ids,
	})
}

// handleGetSession handles GET /agent/sessions/{id}.
func (g *Gateway) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := g.sessions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		adapter.WriteError(w, err)
		return
	}

	info := sess.Info()
	detail := SessionDetail{
		SessionID:    sess.ID,
		CreatedAt:    info.CreatedAt,
		MessageCount: info.MessageCount,
		ActiveRunID:  info.ActiveRunID,
		History:      sess.History(),
		Metadata:     sess.Metadata(),
	}
	if g.store != nil {
		usage, err := g.store.SessionUsage(r.Context(), sess.ID)
		if err != nil {
			g.logger.Warn("failed to load session usage", "session_id", sess.ID, "error", err)
		} else {
			detail.Usage = usage
		}
	}
	adapter.WriteJSON(w, http.StatusOK, detail)
}

// handleDeleteSession handles DELETE /agent/sessions/{id}.
func (g *Gateway) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := g.sessions.Delete(r.Context(), id); err != nil {
		adapter.WriteError(w, err)
		return
	}
	adapter.WriteJSON(w, http.StatusOK, map[string]any{"session_id": id, "deleted": true})
}

// handleGetRun handles GET /agent/runs/{id}.
func (g *Gateway) handleGetRun(w http.ResponseWriter, r *http.Request) {
	h, err := g.coordinator.Get(r.PathValue("id"))
	if err != nil {
		adapter.WriteError(w, err)
		return
	}
	adapter.WriteJSON(w, http.StatusOK, runStatus(h))
}

func runStatus(h *run.Handle) *RunStatus {
	st := &RunStatus{RunID: h.ID(), SessionID: h.SessionID(), State: h.State()}
	if res := h.Result(); res != nil {
		st.State = res.State
		st.Result = res
		if res.Err != nil {
			st.Error = res.Err.Error()
		}
	}
	return st
}

// handleCancelRun handles POST /agent/runs/{id}/cancel.
func (g *Gateway) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := g.coordinator.Cancel(id); err != nil {
		adapter.WriteError(w, err)
		return
	}
	adapter.WriteJSON(w, http.StatusAccepted, map[string]any{"run_id": id, "cancelling": true})
}

// handleListChannels handles GET /agent/channels.
func (g *Gateway) handleListChannels(w http.ResponseWriter, r *http.Request) {
	adapter.WriteJSON(w, http.StatusOK, map[string]any{"channels": g.channels.IDs()})
}

// handleChannelSend handles POST /agent/channels/{id}/send.
func (g *Gateway) handleChannelSend(w http.ResponseWriter, r *http.Request) {
	var req ChannelSendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		adapter.WriteError(w, adapter.InvalidRequest("invalid JSON body"))
		return
	}
	channelID := r.PathValue("id")
	if err := g.channels.Send(r.Context(), channelID, req.To, req.Text); err != nil {
		adapter.WriteError(w, err)
		return
	}
	adapter.WriteJSON(w, http.StatusOK, map[string]any{"channel": channelID, "to": req.To, "delivered": true})
}

// handleUsage handles GET /agent/usage.
func (g *Gateway) handleUsage(w http.ResponseWriter, r *http.Request) {
	if g.store == nil {
		adapter.WriteJSON(w, http.StatusOK, &store.UsageSummary{})
		return
	}
	usage, err := g.store.TotalUsage(r.Context())
	if err != nil {
		adapter.WriteError(w, err)
		return
	}
	adapter.WriteJSON(w, http.StatusOK, usage)
}

func keyResponse(k *auth.APIKey) KeyResponse {
	perms := make([]string, len(k.Permissions))
	for i, p := range k.Permissions {
		perms[i] = string(p)
	}
	return KeyResponse{
		ID:          k.ID,
		Name:        k.Name,
		Permissions: perms,
		RateLimit:   k.RateLimit,
		Enabled:     k.Enabled,
		CreatedAt:   k.CreatedAt,
		ExpiresAt:   k.ExpiresAt,
		LastUsedAt:  k.LastUsedAt,
	}
}

// handleListKeys handles GET /agent/keys.
func (g *Gateway) handleListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := g.keys.List(r.Context())
	if err != nil {
		adapter.WriteError(w, err)
		return
	}
	out := make([]KeyResponse, 0, len(keys))
	for _, k := range keys {
		out = append(out, keyResponse(k))
	}
	adapter.WriteJSON(w, http.StatusOK, map[string]any{"keys": out})
}

// handleCreateKey handles POST /agent/keys.
func (g *Gateway) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req CreateKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		adapter.WriteError(w, adapter.InvalidRequest("invalid JSON body"))
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		adapter.WriteError(w, adapter.InvalidRequest("name is required"))
		return
	}
	if req.RateLimit < 0 || req.ExpiresInDays < 0 {
		adapter.WriteError(w, adapter.InvalidRequest("rate_limit and expires_in_days must not be negative"))
		return
	}

	opts := auth.CreateKeyOptions{
		Name:      req.Name,
		RateLimit: req.RateLimit,
		ExpiresIn: time.Duration(req.ExpiresInDays) * 24 * time.Hour,
	}
	for _, p := range req.Permissions {
		perm, err := auth.ParsePermission(p)
		if err != nil {
			adapter.WriteError(w, adapter.InvalidRequest("%v", err))
			return
		}
		opts.Permissions = append(opts.Permissions, perm)
	}

	raw, key, err := g.keys.Create(r.Context(), opts)
	if err != nil {
		adapter.WriteError(w, err)
		return
	}
	resp := keyResponse(key)
	resp.Key = raw
	adapter.WriteJSON(w, http.StatusCreated, resp)
}

// handleRevokeKey handles DELETE /agent/keys/{id}. With ?purge=true the
// key is deleted instead of disabled.
func (g *Gateway) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var err error
	if r.URL.Query().Get("purge") == "true" {
		err = g.keys.Delete(r.Context(), id)
	} else {
		err = g.keys.Revoke(r.Context(), id)
	}
	if err != nil {
		adapter.WriteError(w, err)
		return
	}
	adapter.WriteJSON(w, http.StatusOK, map[string]any{"id": id, "revoked": true})
}
