// ABOUTME: Tests for the native REST surface: chat, SSE streaming, sessions, runs, channels, and keys
// ABOUTME: Drives the real handler stack with httptest and an echo engine

package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/clawd-gateway/internal/adapter"
	"github.com/2389/clawd-gateway/internal/channels"
)

func doJSON(t *testing.T, h http.Handler, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), "body: %s", rec.Body.String())
	return v
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeBody[map[string]adapter.ErrorBody](t, rec)
	return body["error"].Code
}

type sseEvent struct {
	Name string
	Data map[string]any
}

// readSSE parses named events until the stream ends or stop returns true.
func readSSE(t *testing.T, r io.Reader, stop func(sseEvent) bool) []sseEvent {
	t.Helper()
	var (
		events []sseEvent
		name   string
	)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev := sseEvent{Name: name}
			_ = json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev.Data)
			events = append(events, ev)
			if stop != nil && stop(ev) {
				return events
			}
		}
	}
	return events
}

func TestChat_ReplyAndHistory(t *testing.T) {
	gw := newTestGateway(t, testConfig(t), WithEngine(helloEngine()))
	h := gw.Handler()

	rec := doJSON(t, h, http.MethodPost, "/agent/chat", map[string]any{"session_id": "s1", "message": "hi"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decodeBody[adapter.ChatResponse](t, rec)
	assert.Equal(t, "s1", resp.SessionID)
	assert.Equal(t, "Hello", resp.Response)
	assert.NotEmpty(t, resp.Metadata["run_id"])

	rec = doJSON(t, h, http.MethodGet, "/agent/sessions/s1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decodeBody[SessionDetail](t, rec)
	assert.Equal(t, 2, detail.MessageCount)
	require.Len(t, detail.History, 2)
	assert.Equal(t, "hi", detail.History[0].Content)
	assert.Equal(t, "Hello", detail.History[1].Content)
	assert.Empty(t, detail.ActiveRunID)
	require.NotNil(t, detail.Usage)
	assert.Equal(t, 1, detail.Usage.Runs)
}

func TestChat_NewSessionWhenIDOmitted(t *testing.T) {
	gw := newTestGateway(t, testConfig(t), WithEngine(helloEngine()))

	rec := doJSON(t, gw.Handler(), http.MethodPost, "/agent/chat", map[string]any{"message": "hi"})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[adapter.ChatResponse](t, rec)
	assert.NotEmpty(t, resp.SessionID)
	assert.Equal(t, 1, gw.sessions.Len())
}

func TestChat_Validation(t *testing.T) {
	gw := newTestGateway(t, testConfig(t), WithEngine(helloEngine()))
	h := gw.Handler()

	tests := []struct {
		name string
		body any
		code string
	}{
		{"empty message", map[string]any{"session_id": "s1", "message": "  "}, adapter.CodeInvalidRequest},
		{"negative max tokens", map[string]any{"message": "hi", "max_tokens": -1}, adapter.CodeInvalidRequest},
		{"unknown deliver channel", map[string]any{"message": "hi", "deliver": map[string]string{"channel": "nope", "to": "x"}}, adapter.CodeChannelNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, h, http.MethodPost, "/agent/chat", tt.body)
			assert.Equal(t, tt.code, errorCode(t, rec))
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/agent/chat", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChat_ConcurrentStartsOneBusy(t *testing.T) {
	gw := newTestGateway(t, testConfig(t), WithEngine(slowEngine("Hello there", 20*time.Millisecond)))
	h := gw.Handler()

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		codes []int
	)
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := doJSON(t, h, http.MethodPost, "/agent/chat", map[string]any{"session_id": "s1", "message": "hi"})
			mu.Lock()
			codes = append(codes, rec.Code)
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.ElementsMatch(t, []int{http.StatusOK, http.StatusConflict}, codes)

	sess, err := gw.sessions.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, sess.Len())
}

func TestChat_SSEStream(t *testing.T) {
	gw := newTestGateway(t, testConfig(t), WithEngine(slowEngine("Hello there", 0)))
	srv := newTestServer(t, gw)

	body := strings.NewReader(`{"session_id":"s1","message":"hi","stream":true}`)
	resp, err := http.Post(srv.URL+"/agent/chat", "application/json", body)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := readSSE(t, resp.Body, nil)
	require.NotEmpty(t, events)
	assert.Equal(t, "started", events[0].Name)
	assert.Equal(t, "s1", events[0].Data["session_id"])

	var text strings.Builder
	for _, ev := range events {
		if ev.Name == "text" {
			text.WriteString(ev.Data["text"].(string))
		}
	}
	assert.Equal(t, "Hello there", text.String())

	last := events[len(events)-1]
	assert.Equal(t, "done", last.Name)
	assert.Equal(t, "Hello there", last.Data["full_response"])
}

func TestChat_SSEClientDisconnectRunCompletes(t *testing.T) {
	gw := newTestGateway(t, testConfig(t), WithEngine(slowEngine("Hello there friend", 15*time.Millisecond)))
	srv := newTestServer(t, gw)

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL+"/agent/chat",
		strings.NewReader(`{"session_id":"s1","message":"hi","stream":true}`))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	events := readSSE(t, resp.Body, func(ev sseEvent) bool { return ev.Name == "text" })
	require.NotEmpty(t, events)
	cancel()
	resp.Body.Close()

	h := gw.Handler()
	assert.Eventually(t, func() bool {
		rec := doJSON(t, h, http.MethodGet, "/agent/sessions/s1", nil)
		if rec.Code != http.StatusOK {
			return false
		}
		detail := decodeBody[SessionDetail](t, rec)
		return detail.MessageCount == 2 && detail.ActiveRunID == ""
	}, 3*time.Second, 20*time.Millisecond)

	sess, err := gw.sessions.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "Hello there friend", sess.History()[1].Content)
}

func TestRuns_CancelStreamingRun(t *testing.T) {
	gw := newTestGateway(t, testConfig(t), WithEngine(slowEngine(strings.Repeat("ab", 200), 20*time.Millisecond)))
	srv := newTestServer(t, gw)

	resp, err := http.Post(srv.URL+"/agent/chat", "application/json",
		strings.NewReader(`{"session_id":"s1","message":"hi","stream":true}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	started := readSSE(t, resp.Body, func(ev sseEvent) bool { return ev.Name == "started" })
	require.Len(t, started, 1)
	runID := started[0].Data["run_id"].(string)

	h := gw.Handler()

	// The session is busy while the run streams.
	rec := doJSON(t, h, http.MethodPost, "/agent/chat", map[string]any{"session_id": "s1", "message": "again"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, adapter.CodeSessionBusy, errorCode(t, rec))

	rec = doJSON(t, h, http.MethodPost, "/agent/runs/"+runID+"/cancel", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rest := readSSE(t, resp.Body, nil)
	require.NotEmpty(t, rest)
	last := rest[len(rest)-1]
	assert.Equal(t, "error", last.Name)
	assert.Equal(t, adapter.CodeCancelled, last.Data["code"])

	rec = doJSON(t, h, http.MethodGet, "/agent/runs/"+runID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decodeBody[RunStatus](t, rec)
	assert.Equal(t, "cancelled", string(status.State))

	// A cancelled run commits nothing.
	sess, err := gw.sessions.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 0, sess.Len())

	rec = doJSON(t, h, http.MethodPost, "/agent/runs/"+runID+"/cancel", nil)
	assert.Equal(t, adapter.CodeAlreadyTerminal, errorCode(t, rec))
}

func TestRuns_NotFound(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))
	h := gw.Handler()

	rec := doJSON(t, h, http.MethodGet, "/agent/runs/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, adapter.CodeRunNotFound, errorCode(t, rec))

	rec = doJSON(t, h, http.MethodPost, "/agent/runs/missing/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessions_ListAndDelete(t *testing.T) {
	gw := newTestGateway(t, testConfig(t), WithEngine(helloEngine()))
	h := gw.Handler()

	for _, id := range []string{"b", "a"} {
		rec := doJSON(t, h, http.MethodPost, "/agent/chat", map[string]any{"session_id": id, "message": "hi"})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := doJSON(t, h, http.MethodGet, "/agent/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[struct {
		IDs []string `json:"ids"`
	}](t, rec)
	assert.Equal(t, []string{"a", "b"}, list.IDs)

	rec = doJSON(t, h, http.MethodDelete, "/agent/sessions/a", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/agent/sessions/a", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, adapter.CodeSessionNotFound, errorCode(t, rec))

	rec = doJSON(t, h, http.MethodDelete, "/agent/sessions/a", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessions_SurviveRestart(t *testing.T) {
	cfg := testConfig(t)
	gw, err := New(cfg, testLogger(), WithEngine(helloEngine()))
	require.NoError(t, err)

	rec := doJSON(t, gw.Handler(), http.MethodPost, "/agent/chat", map[string]any{"session_id": "s1", "message": "hi"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, gw.Shutdown(context.Background()))

	gw2 := newTestGateway(t, cfg, WithEngine(helloEngine()))
	rec = doJSON(t, gw2.Handler(), http.MethodGet, "/agent/sessions/s1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decodeBody[SessionDetail](t, rec)
	assert.Equal(t, 2, detail.MessageCount)
}

func TestChat_DeliversToChannel(t *testing.T) {
	sink := channels.NewLogChannel("sink", 10, testLogger())
	gw := newTestGateway(t, testConfig(t), WithEngine(helloEngine()), WithChannel(sink))

	rec := doJSON(t, gw.Handler(), http.MethodPost, "/agent/chat", map[string]any{
		"session_id": "s1",
		"message":    "hi",
		"deliver":    map[string]string{"channel": "sink", "to": "room-1"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Eventually(t, func() bool {
		sent := sink.Sent()
		return len(sent) == 1 && sent[0].Target == "room-1" && sent[0].Text == "Hello"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestChannels_ListAndSend(t *testing.T) {
	gw := newTestGateway(t, testConfig(t))
	h := gw.Handler()

	rec := doJSON(t, h, http.MethodGet, "/agent/channels", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[map[string][]string](t, rec)
	assert.Equal(t, []string{"log"}, list["channels"])

	rec = doJSON(t, h, http.MethodPost, "/agent/channels/log/send", ChannelSendRequest{To: "ops", Text: "deploy done"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/agent/channels/nope/send", ChannelSendRequest{To: "ops", Text: "x"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, adapter.CodeChannelNotFound, errorCode(t, rec))
}

func TestUsage_Totals(t *testing.T) {
	gw := newTestGateway(t, testConfig(t), WithEngine(helloEngine()))
	h := gw.Handler()

	for i := range 3 {
		rec := doJSON(t, h, http.MethodPost, "/agent/chat", map[string]any{"session_id": fmt.Sprintf("s%d", i), "message": "hi"})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := doJSON(t, h, http.MethodGet, "/agent/usage", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	usage := decodeBody[map[string]any](t, rec)
	assert.EqualValues(t, 3, usage["runs"])
}

func TestKeys_AdminOnly(t *testing.T) {
	cfg := authConfig(t)
	gw := newTestGateway(t, cfg)
	h := gw.Handler()
	admin := []string{"Authorization", "Bearer " + cfg.Auth.BootstrapKey}

	rec := doJSON(t, h, http.MethodPost, "/agent/keys", CreateKeyRequest{Name: "ci", Permissions: []string{"read", "write"}}, admin...)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[KeyResponse](t, rec)
	require.True(t, strings.HasPrefix(created.Key, "clb_"))
	assert.Equal(t, []string{"read", "write"}, created.Permissions)

	scoped := []string{"X-API-Key", created.Key}

	// A non-admin key can chat but not manage keys.
	rec = doJSON(t, h, http.MethodGet, "/agent/sessions", nil, scoped...)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, h, http.MethodGet, "/agent/keys", nil, scoped...)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, adapter.CodeForbidden, errorCode(t, rec))

	rec = doJSON(t, h, http.MethodGet, "/agent/keys", nil, admin...)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[map[string][]KeyResponse](t, rec)
	assert.Len(t, list["keys"], 2)
	for _, k := range list["keys"] {
		assert.Empty(t, k.Key, "listed keys must not carry the raw key")
	}

	rec = doJSON(t, h, http.MethodDelete, "/agent/keys/"+created.ID, nil, admin...)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, h, http.MethodGet, "/agent/sessions", nil, scoped...)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, h, http.MethodDelete, "/agent/keys/does-not-exist?purge=true", nil, admin...)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, adapter.CodeKeyNotFound, errorCode(t, rec))
}

func TestKeys_Validation(t *testing.T) {
	cfg := authConfig(t)
	gw := newTestGateway(t, cfg)
	admin := []string{"Authorization", "Bearer " + cfg.Auth.BootstrapKey}

	tests := []struct {
		name string
		req  CreateKeyRequest
	}{
		{"missing name", CreateKeyRequest{}},
		{"bad permission", CreateKeyRequest{Name: "x", Permissions: []string{"root"}}},
		{"negative rate limit", CreateKeyRequest{Name: "x", RateLimit: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, gw.Handler(), http.MethodPost, "/agent/keys", tt.req, admin...)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestReadOnlyKeyCannotChat(t *testing.T) {
	cfg := authConfig(t)
	gw := newTestGateway(t, cfg, WithEngine(helloEngine()))
	h := gw.Handler()
	admin := []string{"Authorization", "Bearer " + cfg.Auth.BootstrapKey}

	rec := doJSON(t, h, http.MethodPost, "/agent/keys", CreateKeyRequest{Name: "viewer", Permissions: []string{"read"}}, admin...)
	require.Equal(t, http.StatusCreated, rec.Code)
	viewer := decodeBody[KeyResponse](t, rec)

	rec = doJSON(t, h, http.MethodPost, "/agent/chat", map[string]any{"message": "hi"}, "X-API-Key", viewer.Key)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
