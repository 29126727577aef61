package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/convmem/internal/config"
	"github.com/ent0n29/convmem/internal/memory"
	"github.com/ent0n29/convmem/internal/observability"
	"github.com/ent0n29/convmem/internal/session"
)

var isoPattern = regexp.MustCompile(`\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}`)

type testEnv struct {
	srv      *Server
	public   *httptest.Server
	admin    *httptest.Server
	registry *session.Registry
}

func newTestEnv(t *testing.T, db memory.Database, opts ...Option) *testEnv {
	t.Helper()
	if db == nil {
		db = memory.NewInMemoryDatabase()
	}
	registry, err := session.NewRegistry(context.Background(), db, memory.StoreConfig{
		Target:      "conversation_memory",
		MaxMessages: 4,
	}, time.Minute)
	require.NoError(t, err)

	promReg := prometheus.NewRegistry()
	metrics := observability.NewMetrics("test", promReg)
	opts = append([]Option{WithMetricsHandler(observability.HandlerFor(promReg))}, opts...)
	srv := New(config.Config{}, registry, nil, metrics, opts...)

	env := &testEnv{
		srv:      srv,
		public:   httptest.NewServer(srv.Router()),
		admin:    httptest.NewServer(srv.AdminRouter()),
		registry: registry,
	}
	t.Cleanup(env.public.Close)
	t.Cleanup(env.admin.Close)
	return env
}

func doJSON(t *testing.T, method, url string, body any) (int, string) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	raw, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res.StatusCode, string(raw)
}

func TestAppendTurnAndMessagesAreSanitized(t *testing.T) {
	env := newTestEnv(t, nil)
	base := env.public.URL + "/v1/sessions/s1"

	status, body := doJSON(t, http.MethodPost, base+"/turns", map[string]any{"role": "human", "content": "Quanto custa o arroz?"})
	require.Equal(t, http.StatusCreated, status, body)

	var turn TurnResponse
	require.NoError(t, json.Unmarshal([]byte(body), &turn))
	assert.Equal(t, int64(1), turn.Sequence)
	assert.Equal(t, "human", turn.Role)
	assert.Equal(t, "Quanto custa o arroz?", turn.Content)

	status, body = doJSON(t, http.MethodPost, base+"/turns", map[string]any{
		"role": "agent",
		"payload": map[string]any{
			"content":           "O preço do arroz é R$ 25,90",
			"_timestamp":        "2024-01-15T10:30:00",
			"_confidence":       0.85,
			"_session_duration": 3600,
		},
	})
	require.Equal(t, http.StatusCreated, status, body)
	assert.NotRegexp(t, isoPattern, body)
	assert.NotContains(t, body, "_confidence")
	require.NoError(t, json.Unmarshal([]byte(body), &turn))
	assert.Equal(t, `{"content":"O preço do arroz é R$ 25,90"}`, turn.Content)

	status, body = doJSON(t, http.MethodGet, base+"/messages", nil)
	require.Equal(t, http.StatusOK, status)
	assert.NotRegexp(t, isoPattern, body)
	assert.NotContains(t, body, "_timestamp")
	assert.NotContains(t, body, "sequence")

	var msgs MessagesResponse
	require.NoError(t, json.Unmarshal([]byte(body), &msgs))
	require.Len(t, msgs.Messages, 2)
	assert.Equal(t, "human", msgs.Messages[0].Role)
	assert.Equal(t, "agent", msgs.Messages[1].Role)
}

func TestMessagesRespectRetentionBound(t *testing.T) {
	env := newTestEnv(t, nil)
	base := env.public.URL + "/v1/sessions/s1"
	for i := 0; i < 7; i++ {
		status, _ := doJSON(t, http.MethodPost, base+"/turns", map[string]any{"content": "turn"})
		require.Equal(t, http.StatusCreated, status)
	}

	status, body := doJSON(t, http.MethodGet, base+"/messages", nil)
	require.Equal(t, http.StatusOK, status)
	var msgs MessagesResponse
	require.NoError(t, json.Unmarshal([]byte(body), &msgs))
	assert.Len(t, msgs.Messages, 4)
}

func TestAppendTurnRejectsBadInput(t *testing.T) {
	env := newTestEnv(t, nil)
	base := env.public.URL + "/v1/sessions/s1/turns"

	cases := []map[string]any{
		{"role": "system", "content": "hi"},
		{"content": "   "},
		{"content": "hi", "payload": map[string]any{"a": 1}},
	}
	for _, body := range cases {
		status, raw := doJSON(t, http.MethodPost, base, body)
		assert.Equal(t, http.StatusBadRequest, status, raw)
	}

	status, _ := doJSON(t, http.MethodPost, base, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestClearSession(t *testing.T) {
	env := newTestEnv(t, nil)
	base := env.public.URL + "/v1/sessions/s1"

	status, _ := doJSON(t, http.MethodPost, base+"/turns", map[string]any{"content": "oi"})
	require.Equal(t, http.StatusCreated, status)

	status, _ = doJSON(t, http.MethodDelete, base, nil)
	assert.Equal(t, http.StatusNoContent, status)
	status, _ = doJSON(t, http.MethodDelete, base, nil)
	assert.Equal(t, http.StatusNoContent, status)

	_, body := doJSON(t, http.MethodGet, base+"/messages", nil)
	var msgs MessagesResponse
	require.NoError(t, json.Unmarshal([]byte(body), &msgs))
	assert.Empty(t, msgs.Messages)
	assert.NotNil(t, msgs.Messages)
}

func TestRespondSanitizesOutput(t *testing.T) {
	env := newTestEnv(t, nil)

	status, body := doJSON(t, http.MethodPost, env.public.URL+"/v1/respond", map[string]any{
		"output": map[string]any{
			"content":    "Hello",
			"_timestamp": "2024-01-15T10:30:00",
			"metadata":   map[string]any{"source": "agent", "_timestamp": "2024-01-15T10:30:00"},
		},
	})
	require.Equal(t, http.StatusOK, status, body)

	var resp RespondResponse
	require.NoError(t, json.Unmarshal([]byte(body), &resp))
	assert.Equal(t, `{"content":"Hello","metadata":{"source":"agent"}}`, resp.Text)
	assert.False(t, resp.ContextResetSuggested)

	status, body = doJSON(t, http.MethodPost, env.public.URL+"/v1/respond", map[string]any{
		"output": "Pedido confirmado _timestamp=2024-01-15T10:30:00Z",
	})
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal([]byte(body), &resp))
	assert.Equal(t, "Pedido confirmado", resp.Text)

	status, _ = doJSON(t, http.MethodPost, env.public.URL+"/v1/respond", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestRespondRecordsAgentTurnAndSuggestsReset(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, text := range []string{"Desculpe, não entendi.", "Ainda não consegui identificar o produto."} {
		status, body := doJSON(t, http.MethodPost, env.public.URL+"/v1/respond", map[string]any{
			"session_id": "s1",
			"output":     text,
		})
		require.Equal(t, http.StatusOK, status, body)
		var resp RespondResponse
		require.NoError(t, json.Unmarshal([]byte(body), &resp))
		assert.Equal(t, text, resp.Text)
		if strings.HasPrefix(text, "Ainda") {
			assert.True(t, resp.ContextResetSuggested)
		}
	}

	_, body := doJSON(t, http.MethodGet, env.public.URL+"/v1/sessions/s1/messages", nil)
	var msgs MessagesResponse
	require.NoError(t, json.Unmarshal([]byte(body), &msgs))
	require.Len(t, msgs.Messages, 2)
	assert.Equal(t, "agent", msgs.Messages[0].Role)
}

func TestAdminRoutesExposeTimeline(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, role := range []string{"human", "agent"} {
		status, _ := doJSON(t, http.MethodPost, env.public.URL+"/v1/sessions/s1/turns", map[string]any{"role": role, "content": "x"})
		require.Equal(t, http.StatusCreated, status)
	}

	status, body := doJSON(t, http.MethodGet, env.admin.URL+"/internal/sessions/s1/timeline", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Regexp(t, isoPattern, body)

	status, body = doJSON(t, http.MethodGet, env.admin.URL+"/internal/sessions/s1/metrics", nil)
	require.Equal(t, http.StatusOK, status)
	var view conversationMetricsView
	require.NoError(t, json.Unmarshal([]byte(body), &view))
	assert.True(t, view.Available)
	assert.Equal(t, 1, view.Exchanges)
	assert.Len(t, view.ResponseLatenciesMS, 1)

	status, body = doJSON(t, http.MethodGet, env.admin.URL+"/internal/sessions/s1/info", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `"current_count":2`)
	assert.Contains(t, body, `"persistence_target":"conversation_memory"`)

	status, body = doJSON(t, http.MethodGet, env.admin.URL+"/internal/sessions/s1/confusion", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `"should_clear":false`)

	status, body = doJSON(t, http.MethodGet, env.admin.URL+"/internal/perf/latency", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "append")

	status, body = doJSON(t, http.MethodGet, env.admin.URL+"/metrics", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "test_turns_appended_total")

	status, _ = doJSON(t, http.MethodGet, env.admin.URL+"/internal/sessions/s1/archive", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = doJSON(t, http.MethodGet, env.public.URL+"/internal/sessions/s1/timeline", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

type stubArchive struct {
	records []memory.Record
}

func (a stubArchive) List(table, sessionID string) ([]memory.Record, error) {
	return a.records, nil
}

func TestAdminArchive(t *testing.T) {
	env := newTestEnv(t, nil, WithArchive(stubArchive{records: []memory.Record{{SessionID: "s1", Sequence: 1, Content: "old"}}}))

	status, body := doJSON(t, http.MethodGet, env.admin.URL+"/internal/sessions/s1/archive", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `"content":"old"`)
}

type downDB struct {
	*memory.InMemoryDatabase
}

func (downDB) Ping(context.Context) error { return errors.New("connection refused") }

func TestHealthAndReadiness(t *testing.T) {
	env := newTestEnv(t, nil)
	status, _ := doJSON(t, http.MethodGet, env.public.URL+"/healthz", nil)
	assert.Equal(t, http.StatusOK, status)
	status, _ = doJSON(t, http.MethodGet, env.public.URL+"/readyz", nil)
	assert.Equal(t, http.StatusOK, status)

	down := newTestEnv(t, downDB{memory.NewInMemoryDatabase()})
	status, body := doJSON(t, http.MethodGet, down.public.URL+"/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.NotContains(t, body, "connection refused")
}

func TestClassifyStoreError(t *testing.T) {
	status, code, _ := classifyStoreError(&memory.PersistenceError{Op: "append", SessionID: "s1", Err: context.DeadlineExceeded})
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "persistence_unavailable", code)

	status, _, msg := classifyStoreError(&memory.PersistenceError{Op: "append", SessionID: "s1", Err: errors.New("syntax error at or near")})
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.NotContains(t, msg, "syntax")

	status, _, _ = classifyStoreError(session.ErrNotFound)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestWebsocketDeliversSanitizedEvents(t *testing.T) {
	env := newTestEnv(t, nil)
	wsURL := "ws" + strings.TrimPrefix(env.public.URL, "http") + "/v1/sessions/s1/ws"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	readEvent := func() map[string]any {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.NotRegexp(t, isoPattern, string(data))
		var event map[string]any
		require.NoError(t, json.Unmarshal(data, &event))
		return event
	}

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "client_ping", "session_id": "s1"}))
	event := readEvent()
	assert.Equal(t, "system_event", event["type"])
	assert.Equal(t, "pong", event["code"])

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "client_turn", "session_id": "s1", "content": "Oi, tudo bem?"}))
	event = readEvent()
	assert.Equal(t, "turn_appended", event["type"])
	assert.Equal(t, "Oi, tudo bem?", event["content"])
	assert.Equal(t, float64(1), event["sequence"])

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "client_turn", "session_id": "other", "content": "x"}))
	event = readEvent()
	assert.Equal(t, "error_event", event["type"])
	assert.Equal(t, "session_mismatch", event["code"])

	status, _ := doJSON(t, http.MethodPost, env.public.URL+"/v1/respond", map[string]any{
		"session_id": "s1",
		"output":     map[string]any{"reply": "Tudo ótimo!", "_timestamp": "2024-01-15T10:30:00"},
	})
	require.Equal(t, http.StatusOK, status)

	event = readEvent()
	assert.Equal(t, "turn_appended", event["type"])
	assert.Equal(t, "agent", event["role"])
	assert.Equal(t, `{"reply":"Tudo ótimo!"}`, event["content"])

	event = readEvent()
	assert.Equal(t, "agent_response", event["type"])
	assert.Equal(t, `{"reply":"Tudo ótimo!"}`, event["text"])
}

func TestWebsocketRejectsForeignOrigin(t *testing.T) {
	env := newTestEnv(t, nil)
	wsURL := "ws" + strings.TrimPrefix(env.public.URL, "http") + "/v1/sessions/s1/ws"

	header := http.Header{}
	header.Set("Origin", "https://evil.example")
	_, res, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.Error(t, err)
	if res != nil {
		assert.Equal(t, http.StatusForbidden, res.StatusCode)
	}
}

func TestHubDropsWhenSubscriberIsFull(t *testing.T) {
	hub := NewHub(nil)
	sub := hub.Subscribe("s1")
	defer hub.Unsubscribe(sub)

	for i := 0; i < subscriberBuffer; i++ {
		assert.Equal(t, 1, hub.Publish("s1", i))
	}
	assert.Equal(t, 0, hub.Publish("s1", "overflow"))
	assert.Equal(t, 0, hub.Publish("nobody", "x"))
	assert.Equal(t, 1, hub.SubscriberCount("s1"))

	hub.Unsubscribe(sub)
	assert.Equal(t, 0, hub.SubscriberCount("s1"))
}
