package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrSessionNotFound is returned when the registry has no record for an id
var ErrSessionNotFound = errors.New("session not found")

// This struct handles the active-session registry in Redis
type SessionRepository struct {
	redis *RedisClient  // The Redis client to use for persistence
	ttl   time.Duration // TTL for session records, refreshed on activity
}

// NewSessionRepository creates a new session repository
func NewSessionRepository(redisClient *RedisClient, ttl time.Duration) *SessionRepository {
	return &SessionRepository{
		redis: redisClient,
		ttl:   ttl,
	}
}

// SaveSession persists a session record to Redis using Hash
func (r *SessionRepository) SaveSession(ctx context.Context, rec *SessionRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	key := sessionKey(rec.SessionID)

	// Build hash fields
	fields := map[string]interface{}{
		"session_id":    rec.SessionID,
		"tenant_id":     rec.TenantID,
		"user_id":       rec.UserID,
		"created_at":    rec.CreatedAt.Format(time.RFC3339),
		"last_activity": rec.LastActivity.Format(time.RFC3339),
		"status":        rec.Status,
	}

	pipe := r.redis.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, r.ttl)
	pipe.SAdd(ctx, activeSessionsKey, rec.SessionID)
	pipe.SAdd(ctx, tenantSessionsKey(rec.TenantID), rec.SessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	slog.Debug("session saved to Redis", "session_id", rec.SessionID)
	return nil
}

// GetSession retrieves a session record from Redis
func (r *SessionRepository) GetSession(ctx context.Context, sessionID string) (*SessionRecord, error) {
	data, err := r.redis.client.HGetAll(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	// Empty map means not found
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	rec := &SessionRecord{
		SessionID: data["session_id"],
		TenantID:  data["tenant_id"],
		UserID:    data["user_id"],
		Status:    data["status"],
	}

	// Parse timestamps
	if createdAt, err := time.Parse(time.RFC3339, data["created_at"]); err == nil {
		rec.CreatedAt = createdAt
	}
	if lastActivity, err := time.Parse(time.RFC3339, data["last_activity"]); err == nil {
		rec.LastActivity = lastActivity
	}

	return rec, nil
}

// ListActiveSessions returns all active session IDs
func (r *SessionRepository) ListActiveSessions(ctx context.Context) ([]string, error) {
	sessions, err := r.redis.client.SMembers(ctx, activeSessionsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list active sessions: %w", err)
	}
	return sessions, nil
}

// DeleteSession removes a session record from Redis
func (r *SessionRepository) DeleteSession(ctx context.Context, sessionID string) error {
	key := sessionKey(sessionID)

	// Look up the tenant so its index can be cleaned too
	tenantID, err := r.redis.client.HGet(ctx, key, "tenant_id").Result()
	if err == nil && tenantID != "" {
		if err := r.redis.client.SRem(ctx, tenantSessionsKey(tenantID), sessionID).Err(); err != nil {
			slog.Warn("failed to remove session from tenant set", "error", err)
		}
	}

	if err := r.redis.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	if err := r.redis.client.SRem(ctx, activeSessionsKey, sessionID).Err(); err != nil {
		slog.Warn("failed to remove from active sessions set", "error", err)
	}

	slog.Debug("session deleted from Redis", "session_id", sessionID)
	return nil
}
