package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dhruvsoni1802/portal-gateway/internal/browser"
	"github.com/dhruvsoni1802/portal-gateway/internal/router"
	"github.com/dhruvsoni1802/portal-gateway/internal/storage"
	"github.com/dhruvsoni1802/portal-gateway/internal/targets"
)

// ContextProvider hands out isolated automation contexts
type ContextProvider interface {
	NewContext(ctx context.Context) (browser.Context, error)
}

// Dispatcher runs commands against targets
type Dispatcher interface {
	Dispatch(ctx context.Context, call router.Call) (any, error)
	Configure(ctx context.Context, automation browser.Context, identity targets.Identity, creds map[string]targets.Credentials) []browser.StorageSeed
}

// Registry persists session records for observability across instances
type Registry interface {
	SaveSession(ctx context.Context, rec *storage.SessionRecord) error
	UpdateLastActivity(ctx context.Context, sessionID string) error
	UpdateStatus(ctx context.Context, sessionID, status string) error
	DeleteSession(ctx context.Context, sessionID string) error
	PurgeStale(ctx context.Context) (int, error)
}

// Config holds session limits
type Config struct {
	MaxSessions       int
	IdleTimeout       time.Duration
	MaxQueuedCommands int
}

// Manager owns all active sessions
type Manager struct {
	cfg         Config
	contexts    ContextProvider
	router      Dispatcher
	credentials targets.CredentialStore
	repo        Registry

	mu       sync.RWMutex
	sessions map[string]*Session
	reserved int

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a session manager. repo may be nil.
func NewManager(cfg Config, contexts ContextProvider, dispatcher Dispatcher, credentials targets.CredentialStore, repo Registry) *Manager {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.MaxQueuedCommands <= 0 {
		cfg.MaxQueuedCommands = DefaultMaxQueuedCommands
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:         cfg,
		contexts:    contexts,
		router:      dispatcher,
		credentials: credentials,
		repo:        repo,
		sessions:    make(map[string]*Session),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// generateSessionID creates a unique session identifier
func generateSessionID() string {
	return SessionIDPrefix + uuid.NewString()
}

// MaxSessions returns the configured capacity
func (m *Manager) MaxSessions() int {
	return m.cfg.MaxSessions
}

// Open admits a new session for identity. The capacity slot is reserved
// under the lock; the automation context is built outside it. A
// *CapacityError means nothing was constructed; an *InitError means the
// slot was released again.
func (m *Manager) Open(ctx context.Context, identity targets.Identity, conn Conn) (*Session, error) {
	m.mu.Lock()
	active := len(m.sessions) + m.reserved
	if active >= m.cfg.MaxSessions {
		m.mu.Unlock()
		metricSessionsRejected.WithLabelValues("server_busy").Inc()
		return nil, &CapacityError{Active: active, Max: m.cfg.MaxSessions}
	}
	m.reserved++
	m.mu.Unlock()

	release := func() {
		m.mu.Lock()
		m.reserved--
		m.mu.Unlock()
	}

	creds, err := m.credentials.TargetCredentials(ctx, identity.TenantID)
	if err != nil {
		release()
		metricSessionsRejected.WithLabelValues("init_failed").Inc()
		return nil, &InitError{Err: fmt.Errorf("failed to load target credentials: %w", err)}
	}

	sessCtx, cancel := context.WithCancel(m.ctx)
	automation, err := m.newAutomation(ctx, identity, creds)
	if err != nil {
		cancel()
		release()
		metricSessionsRejected.WithLabelValues("init_failed").Inc()
		return nil, &InitError{Err: err}
	}

	now := time.Now()
	s := &Session{
		ID:           generateSessionID(),
		Identity:     identity,
		CreatedAt:    now,
		manager:      m,
		conn:         conn,
		credentials:  creds,
		queue:        make(chan Command, m.cfg.MaxQueuedCommands),
		ctx:          sessCtx,
		cancel:       cancel,
		done:         make(chan struct{}),
		state:        Active,
		automation:   automation,
		lastActivity: now,
	}

	m.mu.Lock()
	m.reserved--
	m.sessions[s.ID] = s
	m.mu.Unlock()

	s.idle = time.AfterFunc(m.cfg.IdleTimeout, func() { s.Close(ReasonIdle) })
	go s.run()

	metricActiveSessions.Inc()
	m.saveRecord(s)

	slog.Info("session created",
		"session_id", s.ID,
		"tenant_id", identity.TenantID,
		"user_id", identity.UserID,
		"targets", len(creds))

	return s, nil
}

// newAutomation creates a context and installs every target's storage
// seeds before any page is opened in it
func (m *Manager) newAutomation(ctx context.Context, identity targets.Identity, creds map[string]targets.Credentials) (browser.Context, error) {
	automation, err := m.contexts.NewContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create automation context: %w", err)
	}

	if seeds := m.router.Configure(ctx, automation, identity, creds); len(seeds) > 0 {
		automation.AddInitScript(browser.SessionStorageScript(seeds...))
	}
	return automation, nil
}

// Get retrieves a session by ID
func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, exists := m.sessions[sessionID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return s, nil
}

// List returns a summary of every active session, oldest first
func (m *Manager) List() []Info {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// Count returns the number of active sessions
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CloseAll closes every session and stops background workers
func (m *Manager) CloseAll() {
	m.cancel()

	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	for _, s := range sessions {
		s.Close(ReasonShutdown)
	}
}

func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	_, exists := m.sessions[s.ID]
	delete(m.sessions, s.ID)
	m.mu.Unlock()

	if !exists {
		return
	}
	metricActiveSessions.Dec()

	if m.repo != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.repo.DeleteSession(ctx, s.ID); err != nil {
			slog.Warn("failed to delete session from Redis", "session_id", s.ID, "error", err)
		}
	}
}

// markClosing flags the registry record while the session tears down
func (m *Manager) markClosing(s *Session) {
	m.mu.RLock()
	_, registered := m.sessions[s.ID]
	m.mu.RUnlock()
	if m.repo == nil || !registered {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.repo.UpdateStatus(ctx, s.ID, Closing.String()); err != nil {
		slog.Warn("failed to update session status in Redis", "session_id", s.ID, "error", err)
	}
}

func (m *Manager) saveRecord(s *Session) {
	if m.repo == nil {
		return
	}
	info := s.Info()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rec := &storage.SessionRecord{
		SessionID:    info.ID,
		TenantID:     info.TenantID,
		UserID:       info.UserID,
		CreatedAt:    info.CreatedAt,
		LastActivity: info.LastActivity,
		Status:       info.State,
	}
	if err := m.repo.SaveSession(ctx, rec); err != nil {
		slog.Warn("failed to persist session to Redis", "session_id", s.ID, "error", err)
	}
}

func (m *Manager) touchRecord(sessionID string) {
	if m.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.repo.UpdateLastActivity(ctx, sessionID); err != nil {
		slog.Debug("failed to update session activity", "session_id", sessionID, "error", err)
	}
}

// StartCleanupWorker periodically removes registry records whose hashes
// have expired, e.g. sessions of a crashed instance
func (m *Manager) StartCleanupWorker(interval time.Duration) {
	if m.repo == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		slog.Info("cleanup worker started", "check_interval", interval)

		for {
			select {
			case <-m.ctx.Done():
				slog.Info("cleanup worker stopping")
				return

			case <-ticker.C:
				ctx, cancel := context.WithTimeout(m.ctx, 10*time.Second)
				if _, err := m.repo.PurgeStale(ctx); err != nil {
					slog.Warn("failed to purge stale sessions", "error", err)
				}
				cancel()
			}
		}
	}()
}
