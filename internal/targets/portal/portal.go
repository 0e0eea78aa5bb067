// Package portal is a configuration-driven target: it opens the portal in
// the session's automation context and evaluates a per-capability script.
package portal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"

	"github.com/dhruvsoni1802/portal-gateway/internal/browser"
	"github.com/dhruvsoni1802/portal-gateway/internal/snapshot"
	"github.com/dhruvsoni1802/portal-gateway/internal/targets"
)

// Config describes one portal.
type Config struct {
	ID              string
	EntryURL        string
	TokenStorageKey string
	Origins         []string
	// Scripts maps a capability name to a JS function evaluated on the
	// loaded page. The function receives the pass-through args.
	Scripts    map[string]string
	TokenURL   string
	ClientID   string
	Snapshot   string
	NavTimeout time.Duration
}

// Handler implements targets.Handler for one configured portal.
type Handler struct {
	cfg       Config
	snapshots *snapshot.Store
	logger    *slog.Logger

	replayOnce sync.Once
	replayer   *snapshot.Replayer
	replayErr  error
}

// New builds the handler for cfg. When cfg.TokenURL is set the returned
// handler also implements targets.Authenticator. snapshots is required
// only for replay-backed portals.
func New(cfg Config, snapshots *snapshot.Store, logger *slog.Logger) (targets.Handler, error) {
	if cfg.ID == "" {
		return nil, errors.New("portal: id is required")
	}
	if cfg.EntryURL == "" && cfg.Snapshot == "" {
		return nil, fmt.Errorf("portal %s: entry url or snapshot is required", cfg.ID)
	}
	if cfg.Snapshot != "" && snapshots == nil {
		return nil, fmt.Errorf("portal %s: snapshot store is required for replay", cfg.ID)
	}
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 45 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{cfg: cfg, snapshots: snapshots, logger: logger.With("target", cfg.ID)}
	if cfg.TokenURL != "" {
		return newAuthHandler(h), nil
	}
	return h, nil
}

func (h *Handler) ID() string {
	return h.cfg.ID
}

func (h *Handler) IsAvailable(ctx context.Context, req targets.Request) (any, error) {
	return h.evaluate(ctx, targets.CapIsAvailable, req)
}

func (h *Handler) ListOptions(ctx context.Context, req targets.Request) ([]string, error) {
	raw, err := h.run(ctx, targets.CapListOptions, req)
	if err != nil {
		return nil, err
	}

	var opts []string
	if err := json.Unmarshal(raw, &opts); err != nil {
		return nil, fmt.Errorf("portal %s: listOptions must return an array of strings: %w", h.cfg.ID, err)
	}
	return opts, nil
}

func (h *Handler) GetSimulation(ctx context.Context, req targets.Request) (any, error) {
	return h.evaluate(ctx, targets.CapGetSimulation, req)
}

// Configure asks for the access token to be present in session storage
// before any page script runs.
func (h *Handler) Configure(_ context.Context, req targets.Request) ([]browser.StorageSeed, error) {
	if h.cfg.TokenStorageKey == "" || req.Token == "" {
		return nil, nil
	}
	return []browser.StorageSeed{{
		Key:     h.cfg.TokenStorageKey,
		Value:   req.Token,
		Origins: h.cfg.Origins,
	}}, nil
}

func (h *Handler) evaluate(ctx context.Context, c targets.Capability, req targets.Request) (any, error) {
	raw, err := h.run(ctx, c, req)
	if err != nil {
		return nil, err
	}

	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("portal %s: decode %s result: %w", h.cfg.ID, c, err)
	}
	return out, nil
}

// run opens a fresh page, evaluates the capability script and closes the page.
func (h *Handler) run(ctx context.Context, c targets.Capability, req targets.Request) (json.RawMessage, error) {
	script, ok := h.cfg.Scripts[string(c)]
	if !ok || strings.TrimSpace(script) == "" {
		return nil, fmt.Errorf("%w: %s", targets.ErrNotSupported, c)
	}
	if req.Automation == nil {
		return nil, fmt.Errorf("portal %s: no automation context", h.cfg.ID)
	}

	seeds, _ := h.Configure(ctx, req)
	var initScripts []string
	if len(seeds) > 0 {
		initScripts = append(initScripts, browser.SessionStorageScript(seeds...))
	}

	page, closePage, err := h.open(ctx, req.Automation, initScripts)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := closePage(); err != nil {
			h.logger.Debug("portal: closing page", "error", err)
		}
	}()

	args := req.Args
	if args == nil {
		args = map[string]any{}
	}
	res, err := page.Context(ctx).Eval(script, args)
	if err != nil {
		return nil, browser.Classify(fmt.Errorf("portal %s: evaluate %s: %w", h.cfg.ID, c, err))
	}

	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("portal %s: encode %s result: %w", h.cfg.ID, c, err)
	}
	if err := resultError(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// open loads the portal, either live or from its snapshot.
func (h *Handler) open(ctx context.Context, bctx browser.Context, initScripts []string) (*rod.Page, func() error, error) {
	navCtx, cancel := context.WithTimeout(ctx, h.cfg.NavTimeout)
	defer cancel()

	if h.cfg.Snapshot != "" {
		replayer, err := h.loadReplayer()
		if err != nil {
			return nil, nil, err
		}
		replay, err := replayer.Launch(navCtx, bctx, h.cfg.EntryURL, initScripts...)
		if err != nil {
			return nil, nil, navigationError(h.cfg.ID, err)
		}
		return replay.Page, replay.Close, nil
	}

	page, err := bctx.NewPage(ctx, initScripts...)
	if err != nil {
		return nil, nil, err
	}
	if err := page.Context(navCtx).Navigate(h.cfg.EntryURL); err != nil {
		_ = page.Close()
		return nil, nil, navigationError(h.cfg.ID, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		_ = page.Close()
		return nil, nil, navigationError(h.cfg.ID, err)
	}
	return page, page.Close, nil
}

func (h *Handler) loadReplayer() (*snapshot.Replayer, error) {
	h.replayOnce.Do(func() {
		snap, err := snapshot.Open(h.snapshots, h.cfg.Snapshot)
		if err != nil {
			h.replayErr = fmt.Errorf("portal %s: %w", h.cfg.ID, err)
			return
		}
		h.replayer = snapshot.NewReplayer(snap, snapshot.Strict, h.logger)
		h.logger.Info("portal: serving from snapshot", "snapshot", h.cfg.Snapshot, "entries", len(snap.Manifest.Entries))
	})
	return h.replayer, h.replayErr
}

// navigationError maps a failed page load to the target error taxonomy.
func navigationError(id string, err error) error {
	if browser.IsCrash(err) {
		return browser.Classify(err)
	}
	return fmt.Errorf("%w: %s: %v", targets.ErrUnavailable, id, err)
}

// resultError interprets {"error": "..."} results. "unauthorized" and
// "unavailable" map to the matching target errors.
func resultError(raw json.RawMessage) error {
	var obj struct {
		Error *string `json:"error"`
	}
	if len(raw) == 0 || raw[0] != '{' {
		return nil
	}
	if err := json.Unmarshal(raw, &obj); err != nil || obj.Error == nil {
		return nil
	}

	switch strings.ToLower(*obj.Error) {
	case "unauthorized", "token_rejected":
		return targets.ErrTokenRejected
	case "unavailable", "offline":
		return targets.ErrUnavailable
	default:
		return errors.New(*obj.Error)
	}
}
