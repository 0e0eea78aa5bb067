package tokens

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// AcquireFunc performs a full credential acquisition (login).
type AcquireFunc func(ctx context.Context) (Record, error)

// RefreshFunc exchanges the refresh token of rec for a new record.
type RefreshFunc func(ctx context.Context, rec Record) (Record, error)

// Source tells the cache how to obtain credentials for a key.
// Refresh is optional.
type Source struct {
	Acquire AcquireFunc
	Refresh RefreshFunc
}

// Cache is a read-through token cache with single-flight acquisition.
type Cache struct {
	store          Store
	acquireTimeout time.Duration
	group          singleflight.Group
	now            func() time.Time

	mu       sync.Mutex
	inflight map[Key]State
}

// NewCache creates a cache over store. Each shared acquisition is bounded
// by acquireTimeout, independent of the callers waiting on it.
func NewCache(store Store, acquireTimeout time.Duration) *Cache {
	if acquireTimeout <= 0 {
		acquireTimeout = 60 * time.Second
	}
	return &Cache{
		store:          store,
		acquireTimeout: acquireTimeout,
		now:            time.Now,
		inflight:       make(map[Key]State),
	}
}

// Get returns a valid record for key, acquiring or refreshing it when needed.
// Concurrent callers for the same key share a single acquisition; each caller
// stops waiting when its own ctx is done.
func (c *Cache) Get(ctx context.Context, key Key, src Source) (Record, error) {
	rec, err := c.store.Get(ctx, key)
	switch {
	case err == nil && rec.Valid(c.now()):
		metricHits.Inc()
		return rec, nil
	case err != nil && !errors.Is(err, ErrNotFound):
		slog.Warn("token store read failed, acquiring", "key", key.String(), "error", err)
	}
	metricMisses.Inc()

	ch := c.group.DoChan(key.String(), func() (any, error) {
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.acquireTimeout)
		defer cancel()
		return c.fill(flightCtx, key, src)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Record{}, res.Err
		}
		return res.Val.(Record), nil
	case <-ctx.Done():
		return Record{}, ctx.Err()
	}
}

// fill runs inside the flight for key.
func (c *Cache) fill(ctx context.Context, key Key, src Source) (Record, error) {
	defer c.setState(key, StateIdle)

	// A previous flight may have filled the entry after our miss.
	prev, err := c.store.Get(ctx, key)
	if err == nil && prev.Valid(c.now()) {
		return prev, nil
	}

	if err == nil && src.Refresh != nil && prev.Refreshable(c.now()) {
		c.setState(key, StateRefreshing)
		rec, rerr := src.Refresh(ctx, prev)
		if rerr == nil {
			metricRefreshes.Inc()
			return c.save(ctx, key, rec)
		}
		slog.Warn("token refresh failed, falling back to login", "key", key.String(), "error", rerr)
	}

	if src.Acquire == nil {
		c.discard(ctx, key)
		return Record{}, fmt.Errorf("tokens: no acquire function for %s", key)
	}

	c.setState(key, StateAcquiring)
	rec, err := src.Acquire(ctx)
	if err != nil {
		metricFailures.Inc()
		c.discard(ctx, key)
		return Record{}, fmt.Errorf("tokens: acquire %s: %w", key, err)
	}
	metricAcquisitions.Inc()
	return c.save(ctx, key, rec)
}

func (c *Cache) save(ctx context.Context, key Key, rec Record) (Record, error) {
	rec.TargetID = key.TargetID
	rec.TenantID = key.TenantID

	now := c.now()
	rec.ServeUntil = rec.serveDeadline(now)
	ttl := rec.ttl(now)
	if ttl <= 0 || !rec.ServeUntil.After(now) {
		// Already expired on arrival: hand it out once, never cache it.
		c.discard(ctx, key)
		return rec, nil
	}
	if err := c.store.Set(ctx, rec, ttl); err != nil {
		slog.Warn("token store write failed", "key", key.String(), "error", err)
	}
	return rec, nil
}

func (c *Cache) discard(ctx context.Context, key Key) {
	if err := c.store.Delete(ctx, key); err != nil {
		slog.Warn("token store delete failed", "key", key.String(), "error", err)
	}
}

// Invalidate drops the cached record for key, forcing the next Get to acquire.
func (c *Cache) Invalidate(ctx context.Context, key Key) error {
	c.group.Forget(key.String())
	if err := c.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("tokens: invalidate %s: %w", key, err)
	}
	metricInvalidations.Inc()
	return nil
}

// State reports the current lifecycle state of key.
func (c *Cache) State(ctx context.Context, key Key) State {
	c.mu.Lock()
	s, ok := c.inflight[key]
	c.mu.Unlock()
	if ok {
		return s
	}

	rec, err := c.store.Get(ctx, key)
	if err == nil && rec.Valid(c.now()) {
		return StateCached
	}
	return StateIdle
}

func (c *Cache) setState(key Key, s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s == StateIdle {
		delete(c.inflight, key)
		return
	}
	c.inflight[key] = s
}
