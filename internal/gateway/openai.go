// ABOUTME: OpenAI-compatible HTTP surface: chat completions and model listing
// ABOUTME: Requests are stateless; prior messages become run history

package gateway

import (
	"net/http"

	"github.com/2389/clawd-gateway/internal/adapter"
)

func (g *Gateway) registerOpenAIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/chat/completions", g.handleChatCompletions)
	mux.HandleFunc("GET /v1/models", g.handleListModels)
	mux.HandleFunc("GET /v1/models/{id}", g.handleGetModel)
}

// handleChatCompletions handles POST /v1/chat/completions.
func (g *Gateway) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	req, err := adapter.ParseOpenAIRequest(r.Body)
	if err != nil {
		adapter.WriteOpenAIError(w, err)
		return
	}
	p, err := req.Prepare(g.config.Engine.Model, g.models())
	if err != nil {
		adapter.WriteOpenAIError(w, err)
		return
	}
	p.Options.Caller = callerID(r)

	var enc *adapter.ChunkEncoder
	if req.Stream {
		var ok bool
		if enc, ok = adapter.NewChunkEncoder(w, p); !ok {
			g.logger.Error("streaming not supported")
			adapter.WriteOpenAIError(w, adapter.InvalidRequest("streaming not supported"))
			return
		}
	}

	sess, err := g.sessions.Resolve(r.Context(), p.SessionID)
	if err != nil {
		adapter.WriteOpenAIError(w, err)
		return
	}
	h, err := g.coordinator.Start(r.Context(), sess, p.Input, p.Options)
	if err != nil {
		adapter.WriteOpenAIError(w, err)
		return
	}

	if enc != nil {
		state, err := adapter.Pump(r.Context(), h.Events(), enc)
		g.logger.Debug("completion stream closed", "run_id", h.ID(), "state", state, "error", err)
		return
	}

	// The result carries everything a non-streaming reply needs.
	h.Events().Close()
	res, err := h.Wait(r.Context())
	if err != nil {
		adapter.WriteOpenAIError(w, err)
		return
	}
	if res.Err != nil {
		adapter.WriteOpenAIError(w, res.Err)
		return
	}
	adapter.WriteJSON(w, http.StatusOK, adapter.CompletionFromResult(p, res))
}

// handleListModels handles GET /v1/models.
func (g *Gateway) handleListModels(w http.ResponseWriter, r *http.Request) {
	adapter.WriteJSON(w, http.StatusOK, adapter.NewModelList(g.models()))
}

// handleGetModel handles GET /v1/models/{id}.
func (g *Gateway) handleGetModel(w http.ResponseWriter, r *http.Request) {
	id, err := adapter.ResolveModel(r.PathValue("id"), g.config.Engine.Model, g.models())
	if err != nil {
		adapter.WriteOpenAIError(w, err)
		return
	}
	adapter.WriteJSON(w, http.StatusOK, adapter.NewModel(id))
}
