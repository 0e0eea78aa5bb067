package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-rod/rod"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhruvsoni1802/portal-gateway/internal/browser"
	"github.com/dhruvsoni1802/portal-gateway/internal/router"
	"github.com/dhruvsoni1802/portal-gateway/internal/storage"
	"github.com/dhruvsoni1802/portal-gateway/internal/targets"
)

type fakeConn struct {
	mu     sync.Mutex
	sent   []Envelope
	closed atomic.Bool
}

func (c *fakeConn) Send(env Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, env)
	return nil
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *fakeConn) replies() []ReplyPayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []ReplyPayload
	for _, env := range c.sent {
		if r, ok := env.Payload.(ReplyPayload); ok {
			out = append(out, r)
		}
	}
	return out
}

type fakeAutomation struct {
	scripts []string
	closed  atomic.Bool
}

func (a *fakeAutomation) NewPage(context.Context, ...string) (*rod.Page, error) {
	return nil, errors.New("no pages in tests")
}
func (a *fakeAutomation) AddInitScript(js string) { a.scripts = append(a.scripts, js) }
func (a *fakeAutomation) Browser() *rod.Browser   { return nil }
func (a *fakeAutomation) Close() error {
	a.closed.Store(true)
	return nil
}

type fakeContexts struct {
	mu      sync.Mutex
	created []*fakeAutomation
	err     error
}

func (f *fakeContexts) NewContext(context.Context) (browser.Context, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	a := &fakeAutomation{}
	f.created = append(f.created, a)
	return a, nil
}

func (f *fakeContexts) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

type fakeDispatcher struct {
	dispatch func(ctx context.Context, call router.Call) (any, error)
	seeds    []browser.StorageSeed
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, call router.Call) (any, error) {
	return d.dispatch(ctx, call)
}

func (d *fakeDispatcher) Configure(context.Context, browser.Context, targets.Identity, map[string]targets.Credentials) []browser.StorageSeed {
	return d.seeds
}

var testCreds = targets.StaticCredentials{
	"store-1": {"a": {Username: "alice", Password: "pw"}},
}

var identity = targets.Identity{UserID: "u1", TenantID: "store-1"}

func newTestManager(cfg Config, d *fakeDispatcher) (*Manager, *fakeContexts) {
	contexts := &fakeContexts{}
	return NewManager(cfg, contexts, d, testCreds, nil), contexts
}

func okDispatcher() *fakeDispatcher {
	return &fakeDispatcher{dispatch: func(_ context.Context, call router.Call) (any, error) {
		return map[string]any{"op": call.Op}, nil
	}}
}

func cmd(reqID string) Command {
	return Command{Op: "getVehicleOptions", ReqID: reqID, Args: map[string]any{"targets": []any{"a"}}}
}

func TestCommandsRunInArrivalOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	delays := map[string]time.Duration{"1": 40 * time.Millisecond, "2": 5 * time.Millisecond, "3": 20 * time.Millisecond, "4": 0}

	var running atomic.Int32
	var overlapped atomic.Bool
	d := &fakeDispatcher{dispatch: func(_ context.Context, call router.Call) (any, error) {
		if running.Add(1) > 1 {
			overlapped.Store(true)
		}
		defer running.Add(-1)

		id := call.Args["id"].(string)
		time.Sleep(delays[id])
		mu.Lock()
		order = append(order, id)
		mu.Unlock()
		return id, nil
	}}
	m, _ := newTestManager(Config{IdleTimeout: time.Minute}, d)
	conn := &fakeConn{}
	s, err := m.Open(context.Background(), identity, conn)
	require.NoError(t, err)
	defer s.Close(ReasonShutdown)

	for _, id := range []string{"1", "2", "3", "4"} {
		require.NoError(t, s.Enqueue(Command{Op: "getVehicleOptions", ReqID: id, Args: map[string]any{"id": id}}))
	}

	require.Eventually(t, func() bool { return len(conn.replies()) == 4 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"1", "2", "3", "4"}, order)
	assert.False(t, overlapped.Load())
	for i, r := range conn.replies() {
		assert.Equal(t, fmt.Sprint(i+1), r.ReqID)
		assert.True(t, r.OK)
	}
}

func TestFailingCommandDoesNotBreakQueue(t *testing.T) {
	d := &fakeDispatcher{dispatch: func(_ context.Context, call router.Call) (any, error) {
		if call.Args["fail"] == true {
			return nil, router.ErrNoTargets
		}
		return "ok", nil
	}}
	m, _ := newTestManager(Config{IdleTimeout: time.Minute}, d)
	conn := &fakeConn{}
	s, err := m.Open(context.Background(), identity, conn)
	require.NoError(t, err)
	defer s.Close(ReasonShutdown)

	require.NoError(t, s.Enqueue(Command{Op: "getVehicleOptions", ReqID: "1", Args: map[string]any{"fail": true}}))
	require.NoError(t, s.Enqueue(cmd("2")))

	require.Eventually(t, func() bool { return len(conn.replies()) == 2 }, time.Second, 5*time.Millisecond)
	replies := conn.replies()
	assert.False(t, replies[0].OK)
	assert.Equal(t, map[string]any{"error": router.ErrNoTargets.Error()}, replies[0].Payload)
	assert.True(t, replies[1].OK)
	assert.Equal(t, "ok", replies[1].Payload)
	assert.Equal(t, Active, s.State())
}

func TestUnknownOperationReply(t *testing.T) {
	m, _ := newTestManager(Config{IdleTimeout: time.Minute}, okDispatcher())
	conn := &fakeConn{}
	s, err := m.Open(context.Background(), identity, conn)
	require.NoError(t, err)
	defer s.Close(ReasonShutdown)

	require.NoError(t, s.Enqueue(Command{Op: "launchRockets", ReqID: "9"}))
	require.Eventually(t, func() bool { return len(conn.replies()) == 1 }, time.Second, 5*time.Millisecond)

	r := conn.replies()[0]
	assert.False(t, r.OK)
	assert.Equal(t, map[string]any{"error": "unknown_op", "op": "launchRockets"}, r.Payload)
}

func TestCloseCommandRepliesThenTearsDown(t *testing.T) {
	m, contexts := newTestManager(Config{IdleTimeout: time.Minute}, okDispatcher())
	conn := &fakeConn{}
	s, err := m.Open(context.Background(), identity, conn)
	require.NoError(t, err)

	require.NoError(t, s.Enqueue(Command{Op: OpClose, ReqID: "x"}))

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("session did not stop after close")
	}

	replies := conn.replies()
	require.Len(t, replies, 1)
	assert.True(t, replies[0].OK)
	assert.Equal(t, map[string]any{"closed": true}, replies[0].Payload)

	assert.Equal(t, Closed, s.State())
	assert.Equal(t, ReasonClient, s.CloseReason())
	assert.True(t, conn.closed.Load())
	assert.True(t, contexts.created[0].closed.Load())
	assert.Equal(t, 0, m.Count())
	assert.ErrorIs(t, s.Enqueue(cmd("late")), ErrSessionClosed)
}

func TestIdleTimeoutClosesSession(t *testing.T) {
	m, contexts := newTestManager(Config{IdleTimeout: 50 * time.Millisecond}, okDispatcher())
	conn := &fakeConn{}
	s, err := m.Open(context.Background(), identity, conn)
	require.NoError(t, err)

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("idle session was not closed")
	}
	assert.Equal(t, ReasonIdle, s.CloseReason())
	assert.True(t, conn.closed.Load())
	assert.True(t, contexts.created[0].closed.Load())
	assert.Equal(t, 0, m.Count())
}

func TestInboundTrafficRearmsIdleTimer(t *testing.T) {
	m, _ := newTestManager(Config{IdleTimeout: 80 * time.Millisecond}, okDispatcher())
	s, err := m.Open(context.Background(), identity, &fakeConn{})
	require.NoError(t, err)
	defer s.Close(ReasonShutdown)

	deadline := time.Now().Add(250 * time.Millisecond)
	for time.Now().Before(deadline) {
		s.Touch()
		time.Sleep(20 * time.Millisecond)
	}
	assert.Equal(t, Active, s.State())
}

func TestCapacityRejectsWithoutConstruction(t *testing.T) {
	m, contexts := newTestManager(Config{MaxSessions: 1, IdleTimeout: time.Minute}, okDispatcher())

	s, err := m.Open(context.Background(), identity, &fakeConn{})
	require.NoError(t, err)
	defer s.Close(ReasonShutdown)

	_, err = m.Open(context.Background(), identity, &fakeConn{})
	var capErr *CapacityError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, "1/1", capErr.Load())
	assert.Equal(t, 1, contexts.count())
	assert.Equal(t, 1, m.Count())
}

func TestInitFailureReleasesSlot(t *testing.T) {
	m, contexts := newTestManager(Config{MaxSessions: 1, IdleTimeout: time.Minute}, okDispatcher())

	_, err := m.Open(context.Background(), targets.Identity{UserID: "u2", TenantID: "unknown"}, &fakeConn{})
	var initErr *InitError
	require.ErrorAs(t, err, &initErr)
	assert.ErrorIs(t, err, targets.ErrNoCredentials)
	assert.Equal(t, 0, contexts.count())

	s, err := m.Open(context.Background(), identity, &fakeConn{})
	require.NoError(t, err)
	s.Close(ReasonShutdown)

	contexts.err = errors.New("engine down")
	_, err = m.Open(context.Background(), identity, &fakeConn{})
	require.ErrorAs(t, err, &initErr)
	assert.Equal(t, 0, m.Count())
}

func TestConfigureSeedsAreInstalled(t *testing.T) {
	d := okDispatcher()
	d.seeds = []browser.StorageSeed{{Key: "token", Value: "abc"}}
	m, contexts := newTestManager(Config{IdleTimeout: time.Minute}, d)

	s, err := m.Open(context.Background(), identity, &fakeConn{})
	require.NoError(t, err)
	defer s.Close(ReasonShutdown)

	require.Len(t, contexts.created[0].scripts, 1)
	assert.True(t, strings.Contains(contexts.created[0].scripts[0], `"abc"`))
}

func TestCrashReinitializesAndRetriesOnce(t *testing.T) {
	var calls atomic.Int32
	d := &fakeDispatcher{dispatch: func(_ context.Context, call router.Call) (any, error) {
		if calls.Add(1) == 1 {
			return nil, &router.ResourceCrashError{Targets: []string{"a"}, Err: browser.ErrCrashed}
		}
		return "recovered", nil
	}}
	m, contexts := newTestManager(Config{IdleTimeout: time.Minute}, d)
	conn := &fakeConn{}
	s, err := m.Open(context.Background(), identity, conn)
	require.NoError(t, err)
	defer s.Close(ReasonShutdown)

	require.NoError(t, s.Enqueue(cmd("1")))
	require.Eventually(t, func() bool { return len(conn.replies()) == 1 }, time.Second, 5*time.Millisecond)

	r := conn.replies()[0]
	assert.True(t, r.OK)
	assert.Equal(t, "recovered", r.Payload)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 2, contexts.count())
	assert.True(t, contexts.created[0].closed.Load())
}

func TestSecondCrashFailsOnlyTheCommand(t *testing.T) {
	var calls atomic.Int32
	d := &fakeDispatcher{dispatch: func(_ context.Context, call router.Call) (any, error) {
		if n := calls.Add(1); n <= 2 {
			return nil, &router.ResourceCrashError{Targets: []string{"a"}, Err: browser.ErrCrashed}
		}
		return "fine", nil
	}}
	m, _ := newTestManager(Config{IdleTimeout: time.Minute}, d)
	conn := &fakeConn{}
	s, err := m.Open(context.Background(), identity, conn)
	require.NoError(t, err)
	defer s.Close(ReasonShutdown)

	require.NoError(t, s.Enqueue(cmd("1")))
	require.NoError(t, s.Enqueue(cmd("2")))
	require.Eventually(t, func() bool { return len(conn.replies()) == 2 }, time.Second, 5*time.Millisecond)

	replies := conn.replies()
	assert.False(t, replies[0].OK)
	assert.Equal(t, "resource_crash", replies[0].Payload.(map[string]any)["error"])
	assert.True(t, replies[1].OK)
	assert.Equal(t, Active, s.State())
}

func TestQueueFullReply(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	d := &fakeDispatcher{dispatch: func(ctx context.Context, call router.Call) (any, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return "done", nil
	}}
	m, _ := newTestManager(Config{IdleTimeout: time.Minute, MaxQueuedCommands: 1}, d)
	conn := &fakeConn{}
	s, err := m.Open(context.Background(), identity, conn)
	require.NoError(t, err)
	defer s.Close(ReasonShutdown)

	require.NoError(t, s.Enqueue(cmd("1")))
	<-started
	require.NoError(t, s.Enqueue(cmd("2")))
	assert.ErrorIs(t, s.Enqueue(cmd("3")), ErrQueueFull)

	replies := conn.replies()
	require.Len(t, replies, 1)
	assert.Equal(t, "3", replies[0].ReqID)
	assert.Equal(t, map[string]any{"error": "queue_full"}, replies[0].Payload)

	close(release)
	require.Eventually(t, func() bool { return len(conn.replies()) == 3 }, time.Second, 5*time.Millisecond)
}

func TestResultsAfterCloseAreDiscarded(t *testing.T) {
	started := make(chan struct{})
	d := &fakeDispatcher{dispatch: func(ctx context.Context, call router.Call) (any, error) {
		close(started)
		<-ctx.Done()
		return "late", nil
	}}
	m, _ := newTestManager(Config{IdleTimeout: time.Minute}, d)
	conn := &fakeConn{}
	s, err := m.Open(context.Background(), identity, conn)
	require.NoError(t, err)

	require.NoError(t, s.Enqueue(cmd("1")))
	<-started
	s.Close(ReasonDisconnect)
	<-s.Done()

	assert.Empty(t, conn.replies())
}

func TestCloseAllAndList(t *testing.T) {
	m, _ := newTestManager(Config{IdleTimeout: time.Minute}, okDispatcher())

	for i := 0; i < 3; i++ {
		_, err := m.Open(context.Background(), identity, &fakeConn{})
		require.NoError(t, err)
	}
	infos := m.List()
	require.Len(t, infos, 3)
	assert.Equal(t, "store-1", infos[0].TenantID)
	assert.Equal(t, "active", infos[0].State)
	assert.True(t, strings.HasPrefix(infos[0].ID, SessionIDPrefix))

	m.CloseAll()
	assert.Equal(t, 0, m.Count())
}

func TestSessionsAreRegisteredInRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := storage.NewRedisClient(context.Background(), mr.Addr(), "", 0)
	require.NoError(t, err)
	defer client.Close()
	repo := storage.NewSessionRepository(client, time.Hour)

	m := NewManager(Config{IdleTimeout: time.Minute}, &fakeContexts{}, okDispatcher(), testCreds, repo)
	s, err := m.Open(context.Background(), identity, &fakeConn{})
	require.NoError(t, err)

	rec, err := repo.GetSession(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, "store-1", rec.TenantID)
	assert.Equal(t, "u1", rec.UserID)

	s.Close(ReasonClient)
	_, err = repo.GetSession(context.Background(), s.ID)
	assert.ErrorIs(t, err, storage.ErrSessionNotFound)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "authenticating", Authenticating.String())
	assert.Equal(t, "active", Active.String())
	assert.Equal(t, "closing", Closing.String())
	assert.Equal(t, "closed", Closed.String())
}

// recordingRegistry keeps the registry calls in order
type recordingRegistry struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingRegistry) record(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recordingRegistry) SaveSession(_ context.Context, rec *storage.SessionRecord) error {
	r.record("save:" + rec.Status)
	return nil
}

func (r *recordingRegistry) UpdateLastActivity(context.Context, string) error { return nil }

func (r *recordingRegistry) UpdateStatus(_ context.Context, _ string, status string) error {
	r.record("status:" + status)
	return nil
}

func (r *recordingRegistry) DeleteSession(context.Context, string) error {
	r.record("delete")
	return nil
}

func (r *recordingRegistry) PurgeStale(context.Context) (int, error) { return 0, nil }

func (r *recordingRegistry) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func TestCloseMarksRegistryRecordClosingBeforeDelete(t *testing.T) {
	repo := &recordingRegistry{}
	m := NewManager(Config{IdleTimeout: time.Minute}, &fakeContexts{}, okDispatcher(), testCreds, repo)

	s, err := m.Open(context.Background(), identity, &fakeConn{})
	require.NoError(t, err)
	s.Close(ReasonClient)

	assert.Equal(t, []string{"save:active", "status:closing", "delete"}, repo.Calls())
}

func TestClosingStatusIsVisibleInRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := storage.NewRedisClient(context.Background(), mr.Addr(), "", 0)
	require.NoError(t, err)
	defer client.Close()
	repo := storage.NewSessionRepository(client, time.Hour)

	m := NewManager(Config{IdleTimeout: time.Minute}, &fakeContexts{}, okDispatcher(), testCreds, repo)
	s, err := m.Open(context.Background(), identity, &fakeConn{})
	require.NoError(t, err)

	m.markClosing(s)
	rec, err := repo.GetSession(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, "closing", rec.Status)

	s.Close(ReasonClient)
}
