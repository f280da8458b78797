// ABOUTME: Maps domain errors to wire error codes and HTTP statuses
// ABOUTME: Shared by the REST, OpenAI-compatible, and gateway frame surfaces

package adapter

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/2389/clawd-gateway/internal/agent"
	"github.com/2389/clawd-gateway/internal/auth"
	"github.com/2389/clawd-gateway/internal/channels"
	"github.com/2389/clawd-gateway/internal/eventbus"
	"github.com/2389/clawd-gateway/internal/run"
	"github.com/2389/clawd-gateway/internal/session"
)

// Wire error codes
const (
	CodeAuthRequired       = "AUTH_REQUIRED"
	CodeForbidden          = "FORBIDDEN"
	CodeRateLimited        = "RATE_LIMITED"
	CodeInvalidRequest     = "INVALID_REQUEST"
	CodeSessionNotFound    = "SESSION_NOT_FOUND"
	CodeSessionBusy        = "SESSION_BUSY"
	CodeRunNotFound        = "RUN_NOT_FOUND"
	CodeAlreadyTerminal    = "ALREADY_TERMINAL"
	CodeEngineFailure      = agent.CodeEngineFailure
	CodeCancelled          = agent.CodeCancelled
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeChannelNotFound    = "CHANNEL_NOT_FOUND"
	CodeModelNotFound      = "MODEL_NOT_FOUND"
	CodeMethodNotFound     = "METHOD_NOT_FOUND"
	CodeStreamOverflow     = "STREAM_OVERFLOW"
	CodeKeyNotFound        = "KEY_NOT_FOUND"
	CodeInternal           = "INTERNAL"
)

// Adapter errors
var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrModelNotFound  = errors.New("model not found")
	ErrMethodNotFound = errors.New("unknown method")
)

// ErrorBody is the error object carried in every error response.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
}

// InvalidRequest wraps ErrInvalidRequest with a description.
func InvalidRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// Classify maps err to a wire code and HTTP status.
func Classify(err error) (string, int) {
	switch {
	case errors.Is(err, auth.ErrAuthRequired), errors.Is(err, auth.ErrInvalidKey):
		return CodeAuthRequired, http.StatusUnauthorized
	case errors.Is(err, auth.ErrForbidden):
		return CodeForbidden, http.StatusForbidden
	case errors.Is(err, auth.ErrRateLimited):
		return CodeRateLimited, http.StatusTooManyRequests
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, run.ErrEmptyInput),
		errors.Is(err, channels.ErrEmptyTarget), errors.Is(err, channels.ErrInvalidTarget),
		errors.Is(err, channels.ErrEmptyText), errors.Is(err, auth.ErrInvalidKeyName):
		return CodeInvalidRequest, http.StatusBadRequest
	case errors.Is(err, ErrMethodNotFound):
		return CodeMethodNotFound, http.StatusNotFound
	case errors.Is(err, session.ErrNotFound):
		return CodeSessionNotFound, http.StatusNotFound
	case errors.Is(err, run.ErrSessionBusy), errors.Is(err, session.ErrBusy):
		return CodeSessionBusy, http.StatusConflict
	case errors.Is(err, run.ErrRunNotFound):
		return CodeRunNotFound, http.StatusNotFound
	case errors.Is(err, run.ErrAlreadyTerminal):
		return CodeAlreadyTerminal, http.StatusConflict
	case errors.Is(err, agent.ErrCancelled):
		return CodeCancelled, http.StatusConflict
	case errors.Is(err, agent.ErrEngineFailure):
		return CodeEngineFailure, http.StatusBadGateway
	case errors.Is(err, run.ErrServiceUnavailable):
		return CodeServiceUnavailable, http.StatusServiceUnavailable
	case errors.Is(err, channels.ErrChannelNotFound):
		return CodeChannelNotFound, http.StatusNotFound
	case errors.Is(err, ErrModelNotFound):
		return CodeModelNotFound, http.StatusNotFound
	case errors.Is(err, auth.ErrKeyNotFound):
		return CodeKeyNotFound, http.StatusNotFound
	case errors.Is(err, eventbus.ErrDropped):
		return CodeStreamOverflow, http.StatusServiceUnavailable
	default:
		return CodeInternal, http.StatusInternalServerError
	}
}

// NewErrorBody builds the error object for err.
func NewErrorBody(err error) *ErrorBody {
	code, _ := Classify(err)
	msg := err.Error()
	if code == CodeInternal {
		msg = "internal server error"
	}
	return &ErrorBody{Code: code, Message: msg}
}

// ErrorFromEvent converts a terminal error event into an error that
// classifies to the event's code.
func ErrorFromEvent(ev *agent.Event) error {
	msg := "engine error"
	code := agent.CodeEngineFailure
	if ev.Error != nil {
		msg = ev.Error.Message
		code = ev.Error.Code
	}
	if code == agent.CodeCancelled {
		return agent.ErrCancelled
	}
	return fmt.Errorf("%w: %s", agent.ErrEngineFailure, msg)
}

// WriteError writes err as a JSON error response with the mapped status.
func WriteError(w http.ResponseWriter, err error) {
	_, status := Classify(err)
	WriteJSON(w, status, map[string]*ErrorBody{"error": NewErrorBody(err)})
}

// WriteJSON writes v as a JSON response.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
