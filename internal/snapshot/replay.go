package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/dhruvsoni1802/portal-gateway/internal/browser"
)

// Mode decides what happens to requests missing from the manifest.
type Mode int

const (
	// Strict aborts unmatched requests.
	Strict Mode = iota
	// Permissive lets unmatched requests reach the network.
	Permissive
)

// Action is the outcome of resolving a request against a snapshot.
type Action int

const (
	Fulfill Action = iota
	Abort
	Continue
)

func (a Action) String() string {
	switch a {
	case Fulfill:
		return "fulfill"
	case Abort:
		return "abort"
	default:
		return "continue"
	}
}

// Decision is how the interceptor answers one request.
type Decision struct {
	Action  Action
	Status  int
	Headers map[string]string
	Body    []byte
}

// Snapshot is a loaded capture with all artifact bytes in memory.
type Snapshot struct {
	Key      string
	Dir      string
	Manifest Manifest
	State    StateDump
	Cookies  []Cookie

	bodies map[string][]byte
}

// Open loads the snapshot stored under key and verifies that every entry's
// artifact exists before anything is replayed.
func Open(store *Store, key string) (*Snapshot, error) {
	m, err := store.readManifest(key)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Key:      key,
		Dir:      store.Dir(key),
		Manifest: *m,
		bodies:   make(map[string][]byte, len(m.Entries)),
	}

	for _, e := range m.Entries {
		if _, ok := snap.bodies[e.File]; ok {
			continue
		}
		body, err := store.readArtifact(key, e.File)
		if err != nil {
			return nil, fmt.Errorf("%w (entry %s)", err, e.Key())
		}
		snap.bodies[e.File] = body
	}

	if err := store.readJSON(key, stateFile, &snap.State); err != nil {
		return nil, err
	}
	if err := store.readJSON(key, cookiesFile, &snap.Cookies); err != nil {
		return nil, err
	}
	return snap, nil
}

// Index is the in-memory request lookup built from a snapshot.
type Index struct {
	mode    Mode
	entries map[string]Entry
	bodies  map[string][]byte
}

// Index builds the lookup for mode.
func (s *Snapshot) Index(mode Mode) *Index {
	idx := &Index{
		mode:    mode,
		entries: make(map[string]Entry, len(s.Manifest.Entries)),
		bodies:  s.bodies,
	}
	for _, e := range s.Manifest.Entries {
		idx.entries[e.Key()] = e
	}
	return idx
}

// Len returns the number of indexed requests.
func (i *Index) Len() int {
	return len(i.entries)
}

// Resolve decides how to answer method url.
func (i *Index) Resolve(method, url string) Decision {
	e, ok := i.entries[RequestKey(method, url)]
	if !ok {
		if i.mode == Permissive {
			return Decision{Action: Continue}
		}
		return Decision{Action: Abort}
	}

	headers := make(map[string]string, len(e.Headers)+1)
	hasContentType := false
	for k, v := range e.Headers {
		switch strings.ToLower(k) {
		case "content-length", "transfer-encoding":
			continue
		case "content-type":
			hasContentType = true
		}
		headers[k] = v
	}
	if !hasContentType && e.ContentType != "" {
		headers["Content-Type"] = e.ContentType
	}

	status := e.Status
	if status == 0 {
		status = http.StatusOK
	}

	return Decision{
		Action:  Fulfill,
		Status:  status,
		Headers: headers,
		Body:    i.bodies[e.File],
	}
}

// Replayer serves a snapshot to a page through request interception.
type Replayer struct {
	snap   *Snapshot
	index  *Index
	logger *slog.Logger
}

// NewReplayer creates a replayer for snap in the given mode.
func NewReplayer(snap *Snapshot, mode Mode, logger *slog.Logger) *Replayer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Replayer{snap: snap, index: snap.Index(mode), logger: logger}
}

// Replay is a page being served from a snapshot.
type Replay struct {
	Page   *rod.Page
	router *rod.HijackRouter
}

// Close stops interception and closes the page.
func (r *Replay) Close() error {
	stopErr := r.router.Stop()
	if err := r.Page.Close(); err != nil && !browser.IsCrash(err) {
		return err
	}
	return stopErr
}

// Launch opens a page in bctx with storage seeded and cookies restored,
// installs the interceptor and then navigates to url (the manifest's root
// URL when empty). initScripts run after the storage seed.
func (r *Replayer) Launch(ctx context.Context, bctx browser.Context, url string, initScripts ...string) (*Replay, error) {
	if url == "" {
		url = r.snap.Manifest.RootURL
	}

	scripts := append([]string{browser.StorageStateScript(r.snap.State.LocalStorage, r.snap.State.SessionStorage)}, initScripts...)
	page, err := bctx.NewPage(ctx, scripts...)
	if err != nil {
		return nil, err
	}

	if len(r.snap.Cookies) > 0 {
		if err := page.SetCookies(cookieParams(r.snap.Cookies)); err != nil {
			_ = page.Close()
			return nil, browser.Classify(fmt.Errorf("snapshot: restore cookies: %w", err))
		}
	}

	router, err := r.Attach(page)
	if err != nil {
		_ = page.Close()
		return nil, err
	}

	replay := &Replay{Page: page, router: router}
	if err := page.Context(ctx).Navigate(url); err != nil {
		_ = replay.Close()
		return nil, browser.Classify(fmt.Errorf("snapshot: navigate %s: %w", url, err))
	}
	if err := page.Context(ctx).WaitLoad(); err != nil {
		_ = replay.Close()
		return nil, browser.Classify(fmt.Errorf("snapshot: wait load: %w", err))
	}

	r.logger.Debug("snapshot: replay loaded", "key", r.snap.Key, "url", url, "entries", r.index.Len())
	return replay, nil
}

// Attach installs the universal interceptor on page and starts serving.
func (r *Replayer) Attach(page *rod.Page) (*rod.HijackRouter, error) {
	router := page.HijackRequests()
	err := router.Add("*", "", func(h *rod.Hijack) {
		method := h.Request.Method()
		url := h.Request.URL().String()
		d := r.index.Resolve(method, url)

		switch d.Action {
		case Fulfill:
			h.Response.Payload().ResponseCode = d.Status
			for k, v := range d.Headers {
				h.Response.SetHeader(k, v)
			}
			h.Response.SetBody(d.Body)
		case Continue:
			h.ContinueRequest(&proto.FetchContinueRequest{})
		default:
			r.logger.Debug("snapshot: aborting unrecorded request", "method", method, "url", url)
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
		}
	})
	if err != nil {
		return nil, browser.Classify(fmt.Errorf("snapshot: install interceptor: %w", err))
	}

	go router.Run()
	return router, nil
}

func cookieParams(cookies []Cookie) []*proto.NetworkCookieParam {
	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, c := range cookies {
		p := &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
			SameSite: proto.NetworkCookieSameSite(c.SameSite),
		}
		if c.Expires > 0 {
			p.Expires = proto.TimeSinceEpoch(c.Expires)
		}
		params = append(params, p)
	}
	return params
}
