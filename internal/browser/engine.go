// Package browser wraps the shared browser engine and the isolated
// automation contexts sessions run their commands in.
package browser

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// Engine is a running browser engine able to mint isolated contexts.
type Engine interface {
	// Alive reports whether the engine still answers protocol calls.
	Alive(ctx context.Context) error
	// NewContext creates an isolated automation context.
	NewContext(ctx context.Context) (Context, error)
	// Close terminates the engine process (or the remote connection).
	Close() error
}

// EngineOptions configures how an engine is launched or attached.
type EngineOptions struct {
	Bin       string // Path to the chromium binary, empty lets the launcher resolve one
	RemoteURL string // DevTools endpoint of an external browser, empty launches locally
	Headless  bool
	Stealth   bool
	Logger    *slog.Logger
}

// RodEngine is an Engine backed by a go-rod browser connection.
type RodEngine struct {
	browser *rod.Browser
	lnch    *launcher.Launcher
	stealth bool
	logger  *slog.Logger
}

// Launch starts a local browser (or connects to a remote one) and returns
// the connected engine.
func Launch(opts EngineOptions) (*RodEngine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var wsURL string
	var l *launcher.Launcher

	if opts.RemoteURL != "" {
		u, err := launcher.ResolveURL(opts.RemoteURL)
		if err != nil {
			return nil, fmt.Errorf("browser: resolve remote url: %w", err)
		}
		wsURL = u
		logger.Info("browser: connecting to remote", "url", wsURL)
	} else {
		l = launcher.New().
			Headless(opts.Headless).
			NoSandbox(true).
			Set("disable-gpu").
			Set("disable-dev-shm-usage")

		if opts.Bin != "" {
			l = l.Bin(opts.Bin)
		}

		// Anti-detection flags.
		l = l.Set("disable-blink-features", "AutomationControlled")

		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("browser: launch: %w", err)
		}
		wsURL = u
		logger.Info("browser: launched local chrome", "url", wsURL, "pid", l.PID(), "headless", opts.Headless)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		if l != nil {
			l.Kill()
			l.Cleanup()
		}
		return nil, fmt.Errorf("browser: connect: %w", err)
	}

	return &RodEngine{
		browser: b,
		lnch:    l,
		stealth: opts.Stealth,
		logger:  logger,
	}, nil
}

// Alive pings the engine with Browser.getVersion.
func (e *RodEngine) Alive(ctx context.Context) error {
	if _, err := (proto.BrowserGetVersion{}).Call(e.browser.Context(ctx)); err != nil {
		return fmt.Errorf("%w: %v", ErrCrashed, err)
	}
	return nil
}

// NewContext creates an incognito browser context on the shared engine.
func (e *RodEngine) NewContext(ctx context.Context) (Context, error) {
	incognito, err := e.browser.Context(ctx).Incognito()
	if err != nil {
		return nil, Classify(fmt.Errorf("browser: create context: %w", err))
	}

	// Drop the creation context so later calls are not bound to it.
	incognito = incognito.Context(context.Background())

	return &RodContext{
		browser: incognito,
		stealth: e.stealth,
	}, nil
}

// Close shuts the browser down and removes its profile directory.
func (e *RodEngine) Close() error {
	err := e.browser.Close()
	if e.lnch != nil {
		e.lnch.Kill()
		e.lnch.Cleanup()
	}
	if err != nil && !IsCrash(err) {
		return fmt.Errorf("browser: close: %w", err)
	}
	return nil
}
