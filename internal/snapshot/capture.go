package snapshot

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/dhruvsoni1802/portal-gateway/internal/browser"
)

type pendingExchange struct {
	method       string
	url          string
	resourceType string
	response     *proto.NetworkResponse
}

// Capture feeds the network traffic of a live page into a Recorder.
type Capture struct {
	rec  *Recorder
	page *rod.Page

	stop   context.CancelFunc
	events sync.WaitGroup
	bodies sync.WaitGroup

	mu      sync.Mutex
	pending map[proto.NetworkRequestID]*pendingExchange
}

// StartCapture enables the Network domain on page and starts recording.
// Call it before navigating.
func StartCapture(ctx context.Context, page *rod.Page, rec *Recorder) (*Capture, error) {
	if err := (proto.NetworkEnable{}).Call(page); err != nil {
		return nil, browser.Classify(fmt.Errorf("snapshot: enable network: %w", err))
	}

	evCtx, cancel := context.WithCancel(ctx)
	c := &Capture{
		rec:     rec,
		page:    page,
		stop:    cancel,
		pending: make(map[proto.NetworkRequestID]*pendingExchange),
	}

	wait := page.Context(evCtx).EachEvent(
		func(e *proto.NetworkRequestWillBeSent) {
			c.mu.Lock()
			c.pending[e.RequestID] = &pendingExchange{
				method:       e.Request.Method,
				url:          e.Request.URL,
				resourceType: string(e.Type),
			}
			c.mu.Unlock()
		},
		func(e *proto.NetworkResponseReceived) {
			c.mu.Lock()
			if p, ok := c.pending[e.RequestID]; ok {
				p.response = e.Response
				if e.Type != "" {
					p.resourceType = string(e.Type)
				}
			}
			c.mu.Unlock()
		},
		func(e *proto.NetworkLoadingFinished) {
			c.mu.Lock()
			p, ok := c.pending[e.RequestID]
			delete(c.pending, e.RequestID)
			c.mu.Unlock()

			if !ok || p.response == nil {
				return
			}
			c.bodies.Add(1)
			go c.fetchBody(e.RequestID, p)
		},
		func(e *proto.NetworkLoadingFailed) {
			c.mu.Lock()
			delete(c.pending, e.RequestID)
			c.mu.Unlock()
		},
	)

	c.events.Add(1)
	go func() {
		defer c.events.Done()
		wait()
	}()

	return c, nil
}

func (c *Capture) fetchBody(id proto.NetworkRequestID, p *pendingExchange) {
	defer c.bodies.Done()

	ex := Exchange{
		Method:       p.method,
		URL:          p.url,
		Status:       p.response.Status,
		StatusText:   p.response.StatusText,
		Headers:      make(map[string]string, len(p.response.Headers)),
		ResourceType: p.resourceType,
	}
	for k, v := range p.response.Headers {
		ex.Headers[k] = v.Str()
	}

	res, err := (proto.NetworkGetResponseBody{RequestID: id}).Call(c.page)
	switch {
	case err != nil:
		ex.BodyErr = err
	case res.Base64Encoded:
		ex.Body, ex.BodyErr = base64.StdEncoding.DecodeString(res.Body)
	default:
		ex.Body = []byte(res.Body)
	}

	if err := c.rec.Record(ex); err != nil {
		c.rec.logger.Warn("snapshot: record exchange failed", "url", ex.URL, "error", err)
	}
}

// Finish waits for late assets, stops listening, dumps page state and
// writes the manifest. rootURL defaults to the page's current URL.
func (c *Capture) Finish(ctx context.Context, rootURL string) (*Summary, error) {
	if settle := c.rec.opts.Settle; settle > 0 {
		select {
		case <-time.After(settle):
		case <-ctx.Done():
		}
	}

	c.stop()
	c.events.Wait()
	c.bodies.Wait()

	page := c.page.Context(ctx)

	if rootURL == "" {
		info, err := page.Info()
		if err != nil {
			return nil, browser.Classify(fmt.Errorf("snapshot: page info: %w", err))
		}
		rootURL = info.URL
	}

	var state StateDump
	res, err := page.Eval(browser.DumpStorageJS)
	if err != nil {
		return nil, browser.Classify(fmt.Errorf("snapshot: dump storage: %w", err))
	}
	if err := res.Value.Unmarshal(&state); err != nil {
		return nil, fmt.Errorf("snapshot: decode storage: %w", err)
	}

	raw, err := page.Cookies(nil)
	if err != nil {
		return nil, browser.Classify(fmt.Errorf("snapshot: read cookies: %w", err))
	}
	cookies := make([]Cookie, 0, len(raw))
	for _, ck := range raw {
		cookies = append(cookies, Cookie{
			Name:     ck.Name,
			Value:    ck.Value,
			Domain:   ck.Domain,
			Path:     ck.Path,
			Expires:  float64(ck.Expires),
			HTTPOnly: ck.HTTPOnly,
			Secure:   ck.Secure,
			SameSite: string(ck.SameSite),
		})
	}

	return c.rec.Finish(rootURL, state, cookies)
}
