package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dhruvsoni1802/portal-gateway/internal/browser"
	"github.com/dhruvsoni1802/portal-gateway/internal/router"
	"github.com/dhruvsoni1802/portal-gateway/internal/targets"
)

// State is a session's position in its lifecycle
type State int

const (
	Connecting State = iota
	Authenticating
	Active
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Authenticating:
		return "authenticating"
	case Active:
		return "active"
	case Closing:
		return "closing"
	default:
		return "closed"
	}
}

// Session is one client connection's exclusive automation context and
// its serialized command queue
type Session struct {
	ID        string
	Identity  targets.Identity
	CreatedAt time.Time

	manager     *Manager
	conn        Conn
	credentials map[string]targets.Credentials
	queue       chan Command

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	idle   *time.Timer

	mu           sync.Mutex
	state        State
	automation   browser.Context
	lastActivity time.Time
	closeReason  string
}

// Info is a point-in-time summary of a session
type Info struct {
	ID           string    `json:"session_id"`
	TenantID     string    `json:"tenant_id"`
	UserID       string    `json:"user_id"`
	State        string    `json:"state"`
	Queued       int       `json:"queued"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:           s.ID,
		TenantID:     s.Identity.TenantID,
		UserID:       s.Identity.UserID,
		State:        s.state.String(),
		Queued:       len(s.queue),
		CreatedAt:    s.CreatedAt,
		LastActivity: s.lastActivity,
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the worker has stopped
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// CloseReason reports why the session was closed, empty while it is open
func (s *Session) CloseReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason
}

// Touch records inbound traffic and re-arms the idle timer
func (s *Session) Touch() {
	s.mu.Lock()
	if s.state != Active {
		s.mu.Unlock()
		return
	}
	s.lastActivity = time.Now()
	s.mu.Unlock()

	s.idle.Reset(s.manager.cfg.IdleTimeout)
}

// Enqueue appends cmd to the session's queue. A full queue is answered
// immediately with a queue_full reply and ErrQueueFull.
func (s *Session) Enqueue(cmd Command) error {
	s.Touch()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Active {
		return ErrSessionClosed
	}

	select {
	case s.queue <- cmd:
		return nil
	default:
		metricCommands.WithLabelValues(cmd.Op, "queue_full").Inc()
		s.send(ReplyEnvelope(cmd.ReqID, false, map[string]any{"error": ErrQueueFull.Error()}))
		return ErrQueueFull
	}
}

// run executes queued commands one at a time in arrival order
func (s *Session) run() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case cmd := <-s.queue:
			s.execute(cmd)
		}
	}
}

func (s *Session) execute(cmd Command) {
	start := time.Now()

	if cmd.Op == OpClose {
		metricCommands.WithLabelValues(cmd.Op, "ok").Inc()
		s.send(ReplyEnvelope(cmd.ReqID, true, map[string]any{"closed": true}))
		s.Close(ReasonClient)
		return
	}

	if _, ok := router.LookupOperation(cmd.Op); !ok {
		metricCommands.WithLabelValues("unknown", "unknown_op").Inc()
		s.send(ReplyEnvelope(cmd.ReqID, false, map[string]any{"error": "unknown_op", "op": cmd.Op}))
		return
	}

	result, err := s.dispatch(cmd)

	var crash *router.ResourceCrashError
	if errors.As(err, &crash) && s.ctx.Err() == nil {
		slog.Warn("automation context crashed, reinitializing",
			"session_id", s.ID,
			"op", cmd.Op,
			"targets", crash.Targets)
		if rerr := s.reinit(); rerr != nil {
			err = rerr
		} else {
			result, err = s.dispatch(cmd)
		}
	}

	metricCommandDuration.WithLabelValues(cmd.Op).Observe(time.Since(start).Seconds())

	// Results of commands that outlive their session are discarded
	if s.ctx.Err() != nil {
		metricCommands.WithLabelValues(cmd.Op, "discarded").Inc()
		return
	}

	s.manager.touchRecord(s.ID)

	if err != nil {
		metricCommands.WithLabelValues(cmd.Op, "error").Inc()
		slog.Warn("command failed", "session_id", s.ID, "op", cmd.Op, "error", err)
		s.send(ReplyEnvelope(cmd.ReqID, false, errorPayload(err)))
		return
	}

	metricCommands.WithLabelValues(cmd.Op, "ok").Inc()
	s.send(ReplyEnvelope(cmd.ReqID, true, result))
}

func (s *Session) dispatch(cmd Command) (any, error) {
	s.mu.Lock()
	automation := s.automation
	s.mu.Unlock()

	if automation == nil {
		if err := s.reinit(); err != nil {
			return nil, err
		}
		s.mu.Lock()
		automation = s.automation
		s.mu.Unlock()
	}

	return s.manager.router.Dispatch(s.ctx, router.Call{
		Op:          cmd.Op,
		Args:        cmd.Args,
		Automation:  automation,
		Identity:    s.Identity,
		Credentials: s.credentials,
	})
}

// reinit replaces the automation context with a fresh one
func (s *Session) reinit() error {
	s.mu.Lock()
	old := s.automation
	s.automation = nil
	s.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			slog.Debug("closing crashed context", "session_id", s.ID, "error", err)
		}
	}

	automation, err := s.manager.newAutomation(s.ctx, s.Identity, s.credentials)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Active {
		_ = automation.Close()
		return ErrSessionClosed
	}
	s.automation = automation
	metricReinits.Inc()
	return nil
}

// Close tears the session down. The automation context is closed before
// Close returns; queued commands are abandoned.
func (s *Session) Close(reason string) {
	s.mu.Lock()
	if s.state >= Closing {
		s.mu.Unlock()
		return
	}
	s.state = Closing
	s.closeReason = reason
	automation := s.automation
	s.automation = nil
	s.mu.Unlock()

	s.cancel()
	s.idle.Stop()
	s.manager.markClosing(s)

	if automation != nil {
		if err := automation.Close(); err != nil {
			slog.Warn("failed to close automation context", "session_id", s.ID, "error", err)
		}
	}
	if err := s.conn.Close(); err != nil {
		slog.Debug("closing connection", "session_id", s.ID, "error", err)
	}

	s.mu.Lock()
	s.state = Closed
	s.mu.Unlock()

	s.manager.remove(s)
	metricSessionsClosed.WithLabelValues(reason).Inc()

	slog.Info("session closed",
		"session_id", s.ID,
		"tenant_id", s.Identity.TenantID,
		"reason", reason)
}

func (s *Session) send(env Envelope) {
	if err := s.conn.Send(env); err != nil {
		slog.Warn("failed to send", "session_id", s.ID, "event", env.Event, "error", err)
	}
}

func errorPayload(err error) map[string]any {
	var crash *router.ResourceCrashError
	switch {
	case errors.As(err, &crash):
		return map[string]any{"error": "resource_crash", "message": err.Error()}
	case errors.Is(err, ErrSessionClosed):
		return map[string]any{"error": "session_closed"}
	default:
		return map[string]any{"error": err.Error()}
	}
}
