package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// UpdateLastActivity updates just the last activity timestamp
func (r *SessionRepository) UpdateLastActivity(ctx context.Context, sessionID string) error {
	key := sessionKey(sessionID)

	// Update single field
	err := r.redis.client.HSet(ctx, key, "last_activity", time.Now().Format(time.RFC3339)).Err()
	if err != nil {
		return fmt.Errorf("failed to update last activity: %w", err)
	}

	// Refresh TTL
	if err := r.redis.client.Expire(ctx, key, r.ttl).Err(); err != nil {
		slog.Warn("failed to refresh TTL", "error", err)
	}

	return nil
}

// UpdateStatus sets the status field of a session record
func (r *SessionRepository) UpdateStatus(ctx context.Context, sessionID, status string) error {
	if err := r.redis.client.HSet(ctx, sessionKey(sessionID), "status", status).Err(); err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	return nil
}

// CountActiveSessions returns the number of registered sessions
func (r *SessionRepository) CountActiveSessions(ctx context.Context) (int, error) {
	count, err := r.redis.client.SCard(ctx, activeSessionsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count active sessions: %w", err)
	}
	return int(count), nil
}

// CountTenantSessions returns the number of sessions open for a tenant
func (r *SessionRepository) CountTenantSessions(ctx context.Context, tenantID string) (int, error) {
	count, err := r.redis.client.SCard(ctx, tenantSessionsKey(tenantID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count tenant sessions: %w", err)
	}
	return int(count), nil
}

// PurgeStale removes ids from the active set whose record has already expired.
// Returns the number of ids removed.
func (r *SessionRepository) PurgeStale(ctx context.Context) (int, error) {
	ids, err := r.ListActiveSessions(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, id := range ids {
		exists, err := r.redis.client.Exists(ctx, sessionKey(id)).Result()
		if err != nil {
			return removed, fmt.Errorf("failed to check session %s: %w", id, err)
		}
		if exists == 0 {
			r.redis.client.SRem(ctx, activeSessionsKey, id)
			removed++
		}
	}

	if removed > 0 {
		slog.Info("purged stale session records", "count", removed)
	}
	return removed, nil
}
