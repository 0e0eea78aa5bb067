package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-rod/rod"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhruvsoni1802/portal-gateway/internal/browser"
	"github.com/dhruvsoni1802/portal-gateway/internal/pool"
	"github.com/dhruvsoni1802/portal-gateway/internal/router"
	"github.com/dhruvsoni1802/portal-gateway/internal/session"
	"github.com/dhruvsoni1802/portal-gateway/internal/targets"
	"github.com/dhruvsoni1802/portal-gateway/internal/tokens"
)

var testSecret = []byte("test-secret-test-secret-test-secret")

type stubAutomation struct{}

func (stubAutomation) NewPage(context.Context, ...string) (*rod.Page, error) {
	return nil, errors.New("no pages in tests")
}
func (stubAutomation) AddInitScript(string)  {}
func (stubAutomation) Browser() *rod.Browser { return nil }
func (stubAutomation) Close() error          { return nil }

type stubContexts struct{}

func (stubContexts) NewContext(context.Context) (browser.Context, error) {
	return stubAutomation{}, nil
}

type stubPool struct{}

func (stubPool) GetMetrics() pool.PoolMetrics {
	return pool.PoolMetrics{Running: true, Launches: 1, ContextsIssued: 3}
}

// optionsTarget answers listOptions after delay
type optionsTarget struct {
	id      string
	options []string
	delay   time.Duration
}

func (o *optionsTarget) ID() string { return o.id }
func (o *optionsTarget) IsAvailable(context.Context, targets.Request) (any, error) {
	return nil, targets.ErrNotSupported
}
func (o *optionsTarget) ListOptions(ctx context.Context, _ targets.Request) ([]string, error) {
	select {
	case <-time.After(o.delay):
		return o.options, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
func (o *optionsTarget) GetSimulation(context.Context, targets.Request) (any, error) {
	return nil, targets.ErrNotSupported
}
func (o *optionsTarget) Configure(context.Context, targets.Request) ([]browser.StorageSeed, error) {
	return nil, nil
}

type testEnv struct {
	srv     *httptest.Server
	manager *session.Manager
}

func newTestEnv(t *testing.T, maxSessions int, ping time.Duration) *testEnv {
	t.Helper()

	reg, err := targets.NewRegistry(
		&optionsTarget{id: "a", options: []string{"Fiat Uno"}},
		&optionsTarget{id: "b", delay: time.Second},
	)
	require.NoError(t, err)
	rt := router.New(reg, tokens.NewCache(tokens.NewMemoryStore(), time.Second), router.Config{Timeout: 100 * time.Millisecond})

	creds := targets.StaticCredentials{"store-1": {"a": {Username: "alice"}}}
	manager := session.NewManager(session.Config{MaxSessions: maxSessions, IdleTimeout: time.Minute}, stubContexts{}, rt, creds, nil)

	gw := NewGateway(manager, testSecret, ping)
	srv := httptest.NewServer(NewServer("0", manager, gw, stubPool{}, nil).Handler())
	t.Cleanup(func() {
		srv.Close()
		manager.CloseAll()
	})
	return &testEnv{srv: srv, manager: manager}
}

func (e *testEnv) wsURL() string {
	return "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws"
}

func token(t *testing.T, storeID string) string {
	t.Helper()
	tok, err := SignToken(testSecret, "u1", storeID, time.Hour)
	require.NoError(t, err)
	return tok
}

type envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

func readEnvelope(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func dial(t *testing.T, url string, dialer *websocket.Dialer, header http.Header) *websocket.Conn {
	t.Helper()
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func expectClosed(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestMissingToken(t *testing.T) {
	env := newTestEnv(t, 5, time.Minute)
	conn := dial(t, env.wsURL(), nil, nil)

	e := readEnvelope(t, conn)
	assert.Equal(t, "error", e.Event)
	assert.JSONEq(t, `{"message":"missing_token"}`, string(e.Payload))
	expectClosed(t, conn)
	assert.Equal(t, 0, env.manager.Count())
}

func TestInvalidToken(t *testing.T) {
	env := newTestEnv(t, 5, time.Minute)
	bad, err := SignToken([]byte("another-secret-another-secret"), "u1", "store-1", time.Hour)
	require.NoError(t, err)

	conn := dial(t, env.wsURL()+"?token="+bad, nil, nil)
	e := readEnvelope(t, conn)
	assert.Equal(t, "error", e.Event)
	assert.JSONEq(t, `{"message":"invalid_token"}`, string(e.Payload))
	expectClosed(t, conn)
}

func TestReadyViaSubprotocolAndHeader(t *testing.T) {
	env := newTestEnv(t, 5, time.Minute)
	tok := token(t, "store-1")

	conn := dial(t, env.wsURL(), &websocket.Dialer{Subprotocols: []string{"bearer", tok}}, nil)
	e := readEnvelope(t, conn)
	require.Equal(t, "ready", e.Event)
	var ready session.ReadyPayload
	require.NoError(t, json.Unmarshal(e.Payload, &ready))
	assert.True(t, strings.HasPrefix(ready.ClientID, session.SessionIDPrefix))

	conn2 := dial(t, env.wsURL(), nil, http.Header{"Authorization": {"Bearer " + tok}})
	assert.Equal(t, "ready", readEnvelope(t, conn2).Event)

	require.Eventually(t, func() bool { return env.manager.Count() == 2 }, time.Second, 10*time.Millisecond)
}

func TestServerBusy(t *testing.T) {
	env := newTestEnv(t, 1, time.Minute)
	tok := token(t, "store-1")

	first := dial(t, env.wsURL()+"?token="+tok, nil, nil)
	require.Equal(t, "ready", readEnvelope(t, first).Event)

	second := dial(t, env.wsURL()+"?token="+tok, nil, nil)
	e := readEnvelope(t, second)
	assert.Equal(t, "error", e.Event)
	assert.JSONEq(t, `{"message":"server_busy","load":"1/1"}`, string(e.Payload))
	expectClosed(t, second)
	assert.Equal(t, 1, env.manager.Count())
}

func TestInitFailed(t *testing.T) {
	env := newTestEnv(t, 5, time.Minute)

	conn := dial(t, env.wsURL()+"?token="+token(t, "store-without-credentials"), nil, nil)
	e := readEnvelope(t, conn)
	assert.Equal(t, "error", e.Event)

	var payload session.ErrorPayload
	require.NoError(t, json.Unmarshal(e.Payload, &payload))
	assert.Equal(t, "init_failed", payload.Message)
	assert.Contains(t, payload.Error, "credentials")
	expectClosed(t, conn)
}

func TestGetVehicleOptionsEndToEnd(t *testing.T) {
	env := newTestEnv(t, 5, time.Minute)
	conn := dial(t, env.wsURL()+"?token="+token(t, "store-1"), nil, nil)
	require.Equal(t, "ready", readEnvelope(t, conn).Event)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"op":    "getVehicleOptions",
		"reqId": "1",
		"args":  map[string]any{"key": "X", "targets": []string{"a", "b"}},
	}))

	e := readEnvelope(t, conn)
	require.Equal(t, "reply", e.Event)
	assert.JSONEq(t, `{
		"reqId": "1",
		"ok": true,
		"payload": {"a": ["Fiat Uno"], "b": {"error": "the b service is offline"}}
	}`, string(e.Payload))
}

func TestInvalidJSONKeepsSessionOpen(t *testing.T) {
	env := newTestEnv(t, 5, time.Minute)
	conn := dial(t, env.wsURL()+"?token="+token(t, "store-1"), nil, nil)
	require.Equal(t, "ready", readEnvelope(t, conn).Event)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	e := readEnvelope(t, conn)
	assert.Equal(t, "error", e.Event)
	assert.JSONEq(t, `{"message":"invalid_json"}`, string(e.Payload))

	require.NoError(t, conn.WriteJSON(map[string]any{"op": "close", "reqId": 7}))
	e = readEnvelope(t, conn)
	assert.Equal(t, "reply", e.Event)
	assert.JSONEq(t, `{"reqId":7,"ok":true,"payload":{"closed":true}}`, string(e.Payload))
	expectClosed(t, conn)
}

func TestMissedHeartbeatTerminates(t *testing.T) {
	env := newTestEnv(t, 5, 50*time.Millisecond)
	conn := dial(t, env.wsURL()+"?token="+token(t, "store-1"), nil, nil)
	require.Equal(t, "ready", readEnvelope(t, conn).Event)
	require.Equal(t, 1, env.manager.Count())

	// The client stops reading, so pings go unanswered.
	require.Eventually(t, func() bool { return env.manager.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestOperatorRoutes(t *testing.T) {
	env := newTestEnv(t, 5, time.Minute)
	conn := dial(t, env.wsURL()+"?token="+token(t, "store-1"), nil, nil)
	require.Equal(t, "ready", readEnvelope(t, conn).Event)

	resp, err := http.Get(env.srv.URL + "/healthz")
	require.NoError(t, err)
	var health HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, HealthResponse{Status: "ok", Sessions: 1, MaxSessions: 5, EngineRunning: true}, health)

	resp, err = http.Get(env.srv.URL + "/sessions")
	require.NoError(t, err)
	var list ListSessionsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	resp.Body.Close()
	require.Equal(t, 1, list.Count)
	assert.Equal(t, "1/5", list.Load)
	assert.Equal(t, "store-1", list.Sessions[0].TenantID)

	resp, err = http.Get(env.srv.URL + "/debug/pool")
	require.NoError(t, err)
	var p PoolResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&p))
	resp.Body.Close()
	assert.Equal(t, int64(3), p.ContextsIssued)

	req, err := http.NewRequest(http.MethodDelete, env.srv.URL+"/sessions/"+list.Sessions[0].ID, nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, 0, env.manager.Count())

	resp, err = http.Get(env.srv.URL + "/sessions/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(env.srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?token=q", nil)
	r.Header.Set("Authorization", "Bearer h")
	assert.Equal(t, "q", bearerToken(r))

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Sec-WebSocket-Protocol", "bearer, s")
	r.Header.Set("Authorization", "Bearer h")
	assert.Equal(t, "s", bearerToken(r))

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Authorization", "Bearer h")
	assert.Equal(t, "h", bearerToken(r))

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.Equal(t, "", bearerToken(r))
}

func TestValidateTokenClaims(t *testing.T) {
	tok := token(t, "store-1")
	id, err := ValidateToken(testSecret, tok)
	require.NoError(t, err)
	assert.Equal(t, targets.Identity{UserID: "u1", TenantID: "store-1"}, id)

	noStore, err := SignToken(testSecret, "u1", "", time.Hour)
	require.NoError(t, err)
	_, err = ValidateToken(testSecret, noStore)
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired, err := SignToken(testSecret, "u1", "store-1", -time.Minute)
	require.NoError(t, err)
	_, err = ValidateToken(testSecret, expired)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("connection refused") }

func TestHealthReportsRedisDown(t *testing.T) {
	manager := session.NewManager(session.Config{MaxSessions: 3}, nil, nil, nil, nil)
	h := NewHandlers(manager, stubPool{}, failingPinger{})

	rec := httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var health HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&health))
	assert.Equal(t, "degraded", health.Status)
	assert.Equal(t, "down", health.Redis)
	assert.Equal(t, 3, health.MaxSessions)
}
