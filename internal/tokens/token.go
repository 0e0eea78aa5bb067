// Package tokens caches per-target, per-tenant access credentials and
// guarantees at most one acquisition per key under concurrent demand.
package tokens

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by a Store when no record exists for a key.
var ErrNotFound = errors.New("tokens: record not found")

// Key identifies a cache entry.
type Key struct {
	TargetID string
	TenantID string
}

func (k Key) String() string {
	return k.TargetID + ":" + k.TenantID
}

// Record is a cached credential set for one (target, tenant) pair.
type Record struct {
	TargetID          string    `json:"targetId"`
	TenantID          string    `json:"tenantId"`
	AccessToken       string    `json:"accessToken"`
	RefreshToken      string    `json:"refreshToken,omitempty"`
	ValidUntil        time.Time `json:"validUntil"`
	RefreshValidUntil time.Time `json:"refreshValidUntil,omitempty"`

	// ServeUntil is set when the record is cached: 90% of the access
	// token's remaining lifetime. Hits stop being served after it.
	ServeUntil time.Time `json:"serveUntil,omitempty"`
}

// Key returns the cache key of the record.
func (r Record) Key() Key {
	return Key{TargetID: r.TargetID, TenantID: r.TenantID}
}

// Valid reports whether the access token may still be served at now.
func (r Record) Valid(now time.Time) bool {
	deadline := r.ServeUntil
	if deadline.IsZero() {
		deadline = r.ValidUntil
	}
	return r.AccessToken != "" && now.Before(deadline)
}

// serveDeadline is 90% of the access token's remaining lifetime.
func (r Record) serveDeadline(now time.Time) time.Time {
	return now.Add(r.ValidUntil.Sub(now) * 9 / 10)
}

// Refreshable reports whether the refresh token can still be exchanged at now.
func (r Record) Refreshable(now time.Time) bool {
	return r.RefreshToken != "" && now.Before(r.RefreshValidUntil)
}

// ttl is how long the store keeps the record. It outlives ServeUntil when a
// refresh token is still usable so the refresh path can find it.
func (r Record) ttl(now time.Time) time.Duration {
	ttl := r.ServeUntil.Sub(now)
	if r.RefreshToken != "" {
		if refresh := r.RefreshValidUntil.Sub(now) * 9 / 10; refresh > ttl {
			ttl = refresh
		}
	}
	return ttl
}

// Store persists token records. Implementations must be safe for concurrent use.
type Store interface {
	Get(ctx context.Context, key Key) (Record, error)
	Set(ctx context.Context, rec Record, ttl time.Duration) error
	Delete(ctx context.Context, key Key) error
}

// State is the observable lifecycle state of a cache entry.
type State int

const (
	StateIdle State = iota
	StateAcquiring
	StateCached
	StateRefreshing
)

func (s State) String() string {
	switch s {
	case StateAcquiring:
		return "acquiring"
	case StateCached:
		return "cached"
	case StateRefreshing:
		return "refreshing"
	default:
		return "idle"
	}
}
