package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/dhruvsoni1802/portal-gateway/internal/targets"
)

// CredentialRepository reads tenant target credentials from Redis.
// Each tenant has one JSON document {targetId: {username, password}}.
// It implements targets.CredentialStore.
type CredentialRepository struct {
	redis *RedisClient
}

// NewCredentialRepository creates a new credential repository
func NewCredentialRepository(redisClient *RedisClient) *CredentialRepository {
	return &CredentialRepository{redis: redisClient}
}

func credentialsKey(tenantID string) string {
	return fmt.Sprintf("targetCreds:%s", tenantID)
}

// TargetCredentials returns the per-target credentials of a tenant
func (r *CredentialRepository) TargetCredentials(ctx context.Context, tenantID string) (map[string]targets.Credentials, error) {
	data, err := r.redis.client.Get(ctx, credentialsKey(tenantID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: tenant %s", targets.ErrNoCredentials, tenantID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credentials: %w", err)
	}

	creds := make(map[string]targets.Credentials)
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("failed to unmarshal credentials for tenant %s: %w", tenantID, err)
	}
	return creds, nil
}

// SaveTargetCredentials replaces the credential document of a tenant
func (r *CredentialRepository) SaveTargetCredentials(ctx context.Context, tenantID string, creds map[string]targets.Credentials) error {
	data, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}
	if err := r.redis.client.Set(ctx, credentialsKey(tenantID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}
	return nil
}
