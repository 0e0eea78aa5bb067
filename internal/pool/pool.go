// Package pool owns the single browser engine shared by every session.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dhruvsoni1802/portal-gateway/internal/browser"
)

// ErrDisposed is returned by Acquire after Dispose.
var ErrDisposed = errors.New("pool: resource pool disposed")

// LaunchFunc starts (or attaches to) a browser engine.
type LaunchFunc func(ctx context.Context) (browser.Engine, error)

// ResourcePool manages the shared browser engine
type ResourcePool struct {
	launch LaunchFunc
	logger *slog.Logger
	group  singleflight.Group

	mu        sync.RWMutex // Protects the fields below
	engine    browser.Engine
	startedAt time.Time
	disposed  bool
	launches  int64
	restarts  int64
	contexts  int64
}

// PoolMetrics contains metrics about the shared engine
type PoolMetrics struct {
	Running        bool    `json:"running"`
	Launches       int64   `json:"launches"`
	Restarts       int64   `json:"restarts"`
	ContextsIssued int64   `json:"contexts_issued"`
	UptimeSeconds  float64 `json:"uptime_seconds"`
}

// New creates a resource pool. The engine is not started until the first Acquire.
func New(launch LaunchFunc, logger *slog.Logger) *ResourcePool {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResourcePool{
		launch: launch,
		logger: logger,
	}
}

// Acquire returns a healthy engine, launching or relaunching it as needed.
// Concurrent callers during a launch share the same launch.
func (p *ResourcePool) Acquire(ctx context.Context) (browser.Engine, error) {
	p.mu.RLock()
	engine, disposed := p.engine, p.disposed
	p.mu.RUnlock()

	if disposed {
		return nil, ErrDisposed
	}

	if engine != nil {
		err := engine.Alive(ctx)
		if err == nil {
			return engine, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		p.retire(engine, err)
	}

	ch := p.group.DoChan("engine", func() (any, error) {
		return p.start(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(browser.Engine), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// NewContext acquires the engine and creates an isolated automation context on it.
func (p *ResourcePool) NewContext(ctx context.Context) (browser.Context, error) {
	engine, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	bctx, err := engine.NewContext(ctx)
	if err != nil {
		if browser.IsCrash(err) {
			p.retire(engine, err)
		}
		return nil, err
	}

	p.mu.Lock()
	p.contexts++
	p.mu.Unlock()
	metricContexts.Inc()

	return bctx, nil
}

// start launches a new engine unless another flight already installed one.
func (p *ResourcePool) start(ctx context.Context) (browser.Engine, error) {
	p.mu.RLock()
	current, disposed := p.engine, p.disposed
	p.mu.RUnlock()

	if disposed {
		return nil, ErrDisposed
	}
	if current != nil {
		return current, nil
	}

	p.logger.Info("pool: launching browser engine")
	engine, err := p.launch(ctx)
	if err != nil {
		metricLaunchFailures.Inc()
		p.logger.Error("pool: engine launch failed", "error", err)
		return nil, fmt.Errorf("pool: launch engine: %w", err)
	}

	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		_ = engine.Close()
		return nil, ErrDisposed
	}
	p.engine = engine
	p.startedAt = time.Now()
	p.launches++
	p.mu.Unlock()

	metricLaunches.Inc()
	metricRunning.Set(1)
	p.logger.Info("pool: browser engine ready")
	return engine, nil
}

// retire drops a dead engine so the next Acquire relaunches it.
func (p *ResourcePool) retire(engine browser.Engine, cause error) {
	p.mu.Lock()
	if p.engine != engine {
		p.mu.Unlock()
		return
	}
	p.engine = nil
	p.restarts++
	p.mu.Unlock()

	metricRestarts.Inc()
	metricRunning.Set(0)
	p.logger.Warn("pool: browser engine unhealthy, will relaunch", "error", cause)

	if err := engine.Close(); err != nil {
		p.logger.Debug("pool: closing dead engine", "error", err)
	}
}

// Dispose closes the engine. Later Acquire calls fail with ErrDisposed.
func (p *ResourcePool) Dispose() error {
	p.mu.Lock()
	engine := p.engine
	p.engine = nil
	p.disposed = true
	p.mu.Unlock()

	metricRunning.Set(0)

	if engine == nil {
		return nil
	}
	if err := engine.Close(); err != nil {
		p.logger.Warn("pool: engine shutdown failed", "error", err)
		return fmt.Errorf("pool: dispose: %w", err)
	}
	p.logger.Info("pool: browser engine shut down")
	return nil
}

// GetMetrics returns metrics for the pool
func (p *ResourcePool) GetMetrics() PoolMetrics {
	p.mu.RLock()
	defer p.mu.RUnlock()

	m := PoolMetrics{
		Running:        p.engine != nil,
		Launches:       p.launches,
		Restarts:       p.restarts,
		ContextsIssued: p.contexts,
	}
	if p.engine != nil {
		m.UptimeSeconds = time.Since(p.startedAt).Seconds()
	}
	return m
}
