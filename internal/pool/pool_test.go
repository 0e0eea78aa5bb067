package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-rod/rod"

	"github.com/dhruvsoni1802/portal-gateway/internal/browser"
)

type fakeContext struct{}

func (fakeContext) NewPage(context.Context, ...string) (*rod.Page, error) { return nil, nil }
func (fakeContext) AddInitScript(string)                                  {}
func (fakeContext) Browser() *rod.Browser                                 { return nil }
func (fakeContext) Close() error                                          { return nil }

type fakeEngine struct {
	dead   atomic.Bool
	closed atomic.Bool
}

func (e *fakeEngine) Alive(context.Context) error {
	if e.dead.Load() {
		return browser.ErrCrashed
	}
	return nil
}

func (e *fakeEngine) NewContext(context.Context) (browser.Context, error) {
	if e.dead.Load() {
		return nil, browser.ErrCrashed
	}
	return fakeContext{}, nil
}

func (e *fakeEngine) Close() error {
	e.closed.Store(true)
	return nil
}

type launchCounter struct {
	mu      sync.Mutex
	engines []*fakeEngine
	delay   time.Duration
}

func (l *launchCounter) launch(context.Context) (browser.Engine, error) {
	time.Sleep(l.delay)
	e := &fakeEngine{}
	l.mu.Lock()
	l.engines = append(l.engines, e)
	l.mu.Unlock()
	return e, nil
}

func (l *launchCounter) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.engines)
}

// TestAcquireLaunchesLazily tests that no engine starts before the first Acquire
func TestAcquireLaunchesLazily(t *testing.T) {
	lc := &launchCounter{}
	p := New(lc.launch, nil)

	if got := lc.count(); got != 0 {
		t.Fatalf("engine launched before Acquire: %d", got)
	}

	if _, err := p.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if _, err := p.Acquire(context.Background()); err != nil {
		t.Fatalf("second Acquire failed: %v", err)
	}

	if got := lc.count(); got != 1 {
		t.Errorf("expected 1 launch, got %d", got)
	}
	if !p.GetMetrics().Running {
		t.Error("expected pool to report running engine")
	}
}

// TestConcurrentAcquireSharesLaunch tests that simultaneous acquirers share one launch
func TestConcurrentAcquireSharesLaunch(t *testing.T) {
	lc := &launchCounter{delay: 50 * time.Millisecond}
	p := New(lc.launch, nil)

	var wg sync.WaitGroup
	engines := make([]browser.Engine, 10)
	for i := range engines {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, err := p.Acquire(context.Background())
			if err != nil {
				t.Errorf("Acquire %d failed: %v", i, err)
				return
			}
			engines[i] = e
		}(i)
	}
	wg.Wait()

	if got := lc.count(); got != 1 {
		t.Fatalf("expected exactly 1 launch, got %d", got)
	}
	for i, e := range engines {
		if e != engines[0] {
			t.Errorf("acquirer %d got a different engine", i)
		}
	}
}

// TestAcquireRelaunchesDeadEngine tests crash recovery on acquire
func TestAcquireRelaunchesDeadEngine(t *testing.T) {
	lc := &launchCounter{}
	p := New(lc.launch, nil)

	first, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	first.(*fakeEngine).dead.Store(true)

	second, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire after crash failed: %v", err)
	}
	if second == first {
		t.Fatal("expected a relaunched engine")
	}
	if !first.(*fakeEngine).closed.Load() {
		t.Error("dead engine was not closed")
	}

	m := p.GetMetrics()
	if m.Launches != 2 || m.Restarts != 1 {
		t.Errorf("unexpected metrics: %+v", m)
	}
}

// TestNewContextCountsContexts tests context creation through the pool
func TestNewContextCountsContexts(t *testing.T) {
	lc := &launchCounter{}
	p := New(lc.launch, nil)

	for i := 0; i < 3; i++ {
		if _, err := p.NewContext(context.Background()); err != nil {
			t.Fatalf("NewContext failed: %v", err)
		}
	}

	if got := p.GetMetrics().ContextsIssued; got != 3 {
		t.Errorf("expected 3 contexts, got %d", got)
	}
}

// TestDispose tests that a disposed pool refuses new work
func TestDispose(t *testing.T) {
	lc := &launchCounter{}
	p := New(lc.launch, nil)

	e, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if err := p.Dispose(); err != nil {
		t.Fatalf("Dispose failed: %v", err)
	}
	if !e.(*fakeEngine).closed.Load() {
		t.Error("engine not closed on Dispose")
	}

	if _, err := p.Acquire(context.Background()); !errors.Is(err, ErrDisposed) {
		t.Errorf("expected ErrDisposed, got %v", err)
	}
}

// TestLaunchFailureSurfaces tests that launch errors reach the caller and a later call retries
func TestLaunchFailureSurfaces(t *testing.T) {
	var calls atomic.Int32
	p := New(func(context.Context) (browser.Engine, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("no chromium")
		}
		return &fakeEngine{}, nil
	}, nil)

	if _, err := p.Acquire(context.Background()); err == nil {
		t.Fatal("expected launch error")
	}
	if _, err := p.Acquire(context.Background()); err != nil {
		t.Fatalf("retry after launch failure: %v", err)
	}
}
