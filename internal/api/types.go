package api

import (
	"github.com/dhruvsoni1802/portal-gateway/internal/pool"
	"github.com/dhruvsoni1802/portal-gateway/internal/session"
)

// Response Types

// HealthResponse returned by GET /healthz
type HealthResponse struct {
	Status        string `json:"status"`
	Sessions      int    `json:"sessions"`
	MaxSessions   int    `json:"max_sessions"`
	EngineRunning bool   `json:"engine_running"`
	Redis         string `json:"redis,omitempty"`
}

// ListSessionsResponse returned with all sessions
type ListSessionsResponse struct {
	Sessions []session.Info `json:"sessions"`
	Count    int            `json:"count"`
	Load     string         `json:"load"`
}

// PoolResponse returned by GET /debug/pool
type PoolResponse struct {
	pool.PoolMetrics
	Sessions int `json:"sessions"`
}

// Error Types

// ErrorResponse for all error cases
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error information
type ErrorDetail struct {
	Code    string `json:"code"`    // Machine-readable error code
	Message string `json:"message"` // Human-readable message
}

// Common error codes
const (
	ErrCodeSessionNotFound = "SESSION_NOT_FOUND"
	ErrCodeInternalError   = "INTERNAL_ERROR"
)
