package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dhruvsoni1802/portal-gateway/internal/tokens"
)

// TokenRepository stores token records as JSON strings with a TTL.
// It implements tokens.Store.
type TokenRepository struct {
	redis *RedisClient
}

// NewTokenRepository creates a new token repository
func NewTokenRepository(redisClient *RedisClient) *TokenRepository {
	return &TokenRepository{redis: redisClient}
}

func tokenKey(key tokens.Key) string {
	return fmt.Sprintf("token:%s:%s", key.TargetID, key.TenantID)
}

// Get loads the record for key, tokens.ErrNotFound when absent or expired
func (r *TokenRepository) Get(ctx context.Context, key tokens.Key) (tokens.Record, error) {
	data, err := r.redis.client.Get(ctx, tokenKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return tokens.Record{}, tokens.ErrNotFound
	}
	if err != nil {
		return tokens.Record{}, fmt.Errorf("failed to get token: %w", err)
	}

	var rec tokens.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return tokens.Record{}, fmt.Errorf("failed to unmarshal token: %w", err)
	}
	return rec, nil
}

// Set stores rec with the given TTL
func (r *TokenRepository) Set(ctx context.Context, rec tokens.Record, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}
	if err := r.redis.client.Set(ctx, tokenKey(rec.Key()), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}
	return nil
}

// Delete removes the record for key
func (r *TokenRepository) Delete(ctx context.Context, key tokens.Key) error {
	if err := r.redis.client.Del(ctx, tokenKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	return nil
}
