package browser

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// Context is an isolated automation context owned by exactly one session.
// Pages opened from one Context never share storage or cookies with another.
type Context interface {
	// NewPage opens a page. Context-wide init scripts and the extra
	// scripts given here run in every frame before the frame's own scripts.
	NewPage(ctx context.Context, initScripts ...string) (*rod.Page, error)
	// AddInitScript registers a script for every page opened afterwards.
	AddInitScript(js string)
	// Browser exposes the underlying context-scoped browser handle.
	Browser() *rod.Browser
	// Close disposes the context and every page in it.
	Close() error
}

// RodContext is a Context backed by an incognito browser context.
type RodContext struct {
	browser *rod.Browser
	stealth bool

	mu          sync.Mutex
	initScripts []string
	closed      bool
}

// NewPage opens a page in this context with the registered init scripts applied.
func (c *RodContext) NewPage(ctx context.Context, initScripts ...string) (*rod.Page, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: context already closed", ErrCrashed)
	}
	scripts := make([]string, 0, len(c.initScripts)+len(initScripts))
	scripts = append(scripts, c.initScripts...)
	c.mu.Unlock()
	scripts = append(scripts, initScripts...)

	var page *rod.Page
	var err error

	b := c.browser.Context(ctx)
	if c.stealth {
		page, err = stealth.Page(b)
	} else {
		page, err = b.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		return nil, Classify(fmt.Errorf("browser: create page: %w", err))
	}

	for _, js := range scripts {
		if _, err := page.EvalOnNewDocument(js); err != nil {
			_ = page.Close()
			return nil, Classify(fmt.Errorf("browser: add init script: %w", err))
		}
	}

	return page, nil
}

// AddInitScript registers js for every page opened after this call.
func (c *RodContext) AddInitScript(js string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initScripts = append(c.initScripts, js)
}

// Browser returns the context-scoped browser handle.
func (c *RodContext) Browser() *rod.Browser {
	return c.browser
}

// Close disposes the incognito context. Safe to call more than once.
func (c *RodContext) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if err := c.browser.Close(); err != nil && !IsCrash(err) {
		return fmt.Errorf("browser: dispose context: %w", err)
	}
	return nil
}
