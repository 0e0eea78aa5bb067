package session

import (
	"errors"
	"time"
)

const (
	// DefaultMaxSessions is the global limit when none is configured
	DefaultMaxSessions = 200

	// DefaultIdleTimeout closes sessions that receive no message for this long
	DefaultIdleTimeout = 5 * time.Minute

	// DefaultMaxQueuedCommands bounds each session's command queue
	DefaultMaxQueuedCommands = 64

	// SessionIDPrefix for generated session ids
	SessionIDPrefix = "sess_"

	// OpClose is the inbound operation that ends a session gracefully
	OpClose = "close"
)

// Reasons a session was closed, reported in logs and metrics
const (
	ReasonClient     = "client_close"
	ReasonIdle       = "idle_timeout"
	ReasonHeartbeat  = "heartbeat_timeout"
	ReasonDisconnect = "disconnect"
	ReasonShutdown   = "shutdown"
	ReasonAdmin      = "admin_close"
)

// Error definitions
var (
	ErrSessionClosed   = errors.New("session closed")
	ErrSessionNotFound = errors.New("session not found")
	ErrQueueFull       = errors.New("queue_full")
)
