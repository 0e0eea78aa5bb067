package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dhruvsoni1802/portal-gateway/internal/session"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20
)

// Gateway upgrades client connections and binds each to a session
type Gateway struct {
	manager      *session.Manager
	secret       []byte
	pingInterval time.Duration
	upgrader     websocket.Upgrader
}

// NewGateway creates the WebSocket gateway
func NewGateway(manager *session.Manager, secret []byte, pingInterval time.Duration) *Gateway {
	if pingInterval <= 0 {
		pingInterval = 20 * time.Second
	}
	return &Gateway{
		manager:      manager,
		secret:       secret,
		pingInterval: pingInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			Subprotocols:    []string{bearerProtocol},
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// wsConn serializes writes to one websocket and implements session.Conn
type wsConn struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (c *wsConn) Send(env session.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(env)
}

func (c *wsConn) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

// reject sends a terminal error event and closes the connection
func (c *wsConn) reject(payload session.ErrorPayload) {
	if err := c.Send(session.ErrorEnvelope(payload)); err != nil {
		slog.Debug("failed to send rejection", "error", err)
	}
	_ = c.Close()
}

// HandleWebSocket handles GET /ws
func (g *Gateway) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("failed to upgrade WebSocket connection", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(maxMessageSize)
	wc := &wsConn{conn: conn}

	slog.Debug("connection accepted", "remote_addr", r.RemoteAddr, "state", session.Authenticating.String())

	if token == "" {
		metricRejected.WithLabelValues("missing_token").Inc()
		wc.reject(session.ErrorPayload{Message: ErrMissingToken.Error()})
		return
	}
	identity, err := ValidateToken(g.secret, token)
	if err != nil {
		slog.Info("rejected connection", "remote_addr", r.RemoteAddr, "error", err)
		metricRejected.WithLabelValues("invalid_token").Inc()
		wc.reject(session.ErrorPayload{Message: ErrInvalidToken.Error()})
		return
	}

	sess, err := g.manager.Open(r.Context(), identity, wc)
	if err != nil {
		var capErr *session.CapacityError
		if errors.As(err, &capErr) {
			slog.Warn("server busy", "tenant_id", identity.TenantID, "load", capErr.Load())
			wc.reject(session.ErrorPayload{Message: "server_busy", Load: capErr.Load()})
			return
		}
		slog.Error("session init failed", "tenant_id", identity.TenantID, "error", err)
		wc.reject(session.ErrorPayload{Message: "init_failed", Error: err.Error()})
		return
	}

	if err := wc.Send(session.ReadyEnvelope(sess.ID)); err != nil {
		sess.Close(session.ReasonDisconnect)
		return
	}

	var alive atomic.Bool
	alive.Store(true)
	conn.SetPongHandler(func(string) error {
		alive.Store(true)
		return nil
	})

	go g.heartbeat(wc, sess, &alive)
	g.readLoop(wc, sess)
}

// heartbeat pings every interval; a connection that has not answered the
// previous ping is terminated
func (g *Gateway) heartbeat(wc *wsConn, sess *session.Session, alive *atomic.Bool) {
	ticker := time.NewTicker(g.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sess.Done():
			return
		case <-ticker.C:
			if !alive.Swap(false) {
				slog.Info("heartbeat missed, terminating", "session_id", sess.ID)
				sess.Close(session.ReasonHeartbeat)
				return
			}
			if err := wc.ping(); err != nil {
				sess.Close(session.ReasonDisconnect)
				return
			}
		}
	}
}

func (g *Gateway) readLoop(wc *wsConn, sess *session.Session) {
	defer sess.Close(session.ReasonDisconnect)

	for {
		_, data, err := wc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				slog.Debug("websocket read error", "session_id", sess.ID, "error", err)
			}
			return
		}

		var cmd session.Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			sess.Touch()
			metricRejected.WithLabelValues("invalid_json").Inc()
			if err := wc.Send(session.ErrorEnvelope(session.ErrorPayload{Message: "invalid_json"})); err != nil {
				return
			}
			continue
		}

		if err := sess.Enqueue(cmd); errors.Is(err, session.ErrSessionClosed) {
			return
		}
	}
}
