// Package router fans a command out to its target handlers concurrently
// and merges their settled results.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dhruvsoni1802/portal-gateway/internal/browser"
	"github.com/dhruvsoni1802/portal-gateway/internal/targets"
	"github.com/dhruvsoni1802/portal-gateway/internal/telemetry"
	"github.com/dhruvsoni1802/portal-gateway/internal/tokens"
)

// Config holds the router's timing policy.
type Config struct {
	// Timeout is the default per-target budget.
	Timeout time.Duration
	// TargetTimeouts overrides Timeout for individual targets.
	TargetTimeouts map[string]time.Duration
	// MaxRetries bounds retries after a target rejects its access token.
	MaxRetries int
	// RetryBackoff is the first retry delay, doubled on every attempt.
	RetryBackoff time.Duration
}

// Router dispatches operations to target handlers.
type Router struct {
	registry *targets.Registry
	tokens   *tokens.Cache
	cfg      Config
	tracer   trace.Tracer
}

// New creates a router. cache may be nil when no handler authenticates.
func New(registry *targets.Registry, cache *tokens.Cache, cfg Config) *Router {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Router{
		registry: registry,
		tokens:   cache,
		cfg:      cfg,
		tracer:   telemetry.Tracer(),
	}
}

// Call is one command to dispatch.
type Call struct {
	Op          string
	Args        map[string]any
	Automation  browser.Context
	Identity    targets.Identity
	Credentials map[string]targets.Credentials
}

type settled struct {
	target string
	value  any
	err    error
}

// Dispatch runs call.Op on every target named in call.Args["targets"]
// concurrently, waits for all of them to settle and returns the
// post-processed merge. Failed targets appear as {"error": message}.
// A ResourceCrashError is returned when any target failed because the
// automation context died.
func (r *Router) Dispatch(ctx context.Context, call Call) (any, error) {
	op, ok := LookupOperation(call.Op)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, call.Op)
	}

	ids, err := ParseTargets(call.Args)
	if err != nil {
		return nil, err
	}
	args := passThroughArgs(call.Args)

	ctx, span := r.tracer.Start(ctx, "router.dispatch", trace.WithAttributes(
		telemetry.AttrOperation.String(op.Name),
		telemetry.AttrTargets.StringSlice(ids),
		telemetry.AttrTenantID.String(call.Identity.TenantID),
	))
	defer span.End()

	results := make(chan settled, len(ids))
	for _, id := range ids {
		go func(id string) {
			value, err := r.runTarget(ctx, op, id, call, args)
			results <- settled{target: id, value: value, err: err}
		}(id)
	}

	merged := make(map[string]any, len(ids))
	fulfilled := make(map[string]any, len(ids))
	var crashed []string
	var crashErr error

	for range ids {
		res := <-results
		if res.err == nil {
			merged[res.target] = res.value
			fulfilled[res.target] = res.value
			continue
		}

		if browser.IsCrash(res.err) {
			crashed = append(crashed, res.target)
			crashErr = browser.Classify(res.err)
		}
		merged[res.target] = map[string]string{"error": FriendlyMessage(op.Name, res.target, res.err)}
	}

	if len(crashed) > 0 {
		err := &ResourceCrashError{Targets: crashed, Err: crashErr}
		span.RecordError(err)
		span.SetStatus(codes.Error, "automation context crashed")
		return nil, err
	}

	return op.Post(merged, fulfilled), nil
}

// runTarget invokes one handler under its own timeout. A handler that
// outlives its budget is abandoned and reported as a TimeoutError.
func (r *Router) runTarget(ctx context.Context, op Operation, id string, call Call, args map[string]any) (any, error) {
	start := time.Now()

	h, ok := r.registry.Lookup(id)
	if !ok {
		recordTargetOutcome(id, "error", time.Since(start))
		return nil, fmt.Errorf("%w: %s", targets.ErrNotSupported, id)
	}

	ctx, span := r.tracer.Start(ctx, "router.target", trace.WithAttributes(
		telemetry.AttrOperation.String(op.Name),
		telemetry.AttrTarget.String(id),
	))
	defer span.End()

	tctx, cancel := context.WithTimeout(ctx, r.timeoutFor(id))
	defer cancel()

	done := make(chan settled, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				slog.Error("target handler panicked", "target", id, "op", op.Name, "panic", p)
				done <- settled{err: fmt.Errorf("target %s panicked: %v", id, p)}
			}
		}()
		value, err := r.invoke(tctx, h, op, call, args)
		done <- settled{value: value, err: err}
	}()

	var res settled
	select {
	case res = <-done:
	case <-tctx.Done():
		if ctx.Err() != nil {
			res.err = ctx.Err()
		} else {
			res.err = &TimeoutError{Target: id}
		}
	}

	outcome := "ok"
	switch {
	case res.err == nil:
	case isTimeout(res.err):
		outcome = "timeout"
	default:
		outcome = "error"
	}
	recordTargetOutcome(id, outcome, time.Since(start))
	span.SetAttributes(telemetry.AttrOutcome.String(outcome))

	if res.err != nil {
		span.RecordError(res.err)
		span.SetStatus(codes.Error, outcome)
		slog.Warn("target failed", "target", id, "op", op.Name, "tenant_id", call.Identity.TenantID, "error", res.err)
	}
	return res.value, res.err
}

// invoke calls the handler, fetching a token first for authenticating
// handlers and retrying with a fresh token when the handler rejects it.
func (r *Router) invoke(ctx context.Context, h targets.Handler, op Operation, call Call, args map[string]any) (any, error) {
	id := h.ID()
	req := targets.Request{
		Automation: call.Automation,
		Identity:   call.Identity,
		Args:       args,
	}
	if creds, ok := call.Credentials[id]; ok {
		req.Credentials = &creds
	}

	auth, authenticates := h.(targets.Authenticator)
	key := tokens.Key{TargetID: id, TenantID: call.Identity.TenantID}

	for attempt := 0; ; attempt++ {
		if authenticates && r.tokens != nil {
			token, err := r.token(ctx, key, auth, req.Credentials)
			if err != nil {
				return nil, err
			}
			req.Token = token
		}

		value, err := targets.Invoke(ctx, h, op.Capability, req)
		if err == nil {
			return value, nil
		}
		if !errors.Is(err, targets.ErrTokenRejected) || attempt >= r.cfg.MaxRetries {
			return nil, err
		}

		metricTokenRetries.WithLabelValues(id).Inc()
		if authenticates && r.tokens != nil {
			if ierr := r.tokens.Invalidate(ctx, key); ierr != nil {
				slog.Warn("failed to invalidate token", "target", id, "error", ierr)
			}
		}

		backoff := r.cfg.RetryBackoff << attempt
		slog.Debug("token rejected, retrying", "target", id, "attempt", attempt+1, "backoff", backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Configure collects the storage seeds every target with credentials wants
// installed in a new automation context. Targets that fail are logged and
// skipped; their commands will surface the failure later.
func (r *Router) Configure(ctx context.Context, automation browser.Context, identity targets.Identity, creds map[string]targets.Credentials) []browser.StorageSeed {
	var seeds []browser.StorageSeed
	for _, id := range r.registry.IDs() {
		c, ok := creds[id]
		if !ok {
			continue
		}
		h, _ := r.registry.Lookup(id)

		req := targets.Request{Automation: automation, Identity: identity, Credentials: &c}
		if auth, ok := h.(targets.Authenticator); ok && r.tokens != nil {
			tctx, cancel := context.WithTimeout(ctx, r.timeoutFor(id))
			token, err := r.token(tctx, tokens.Key{TargetID: id, TenantID: identity.TenantID}, auth, &c)
			cancel()
			if err != nil {
				slog.Warn("target configure skipped", "target", id, "tenant_id", identity.TenantID, "error", err)
				continue
			}
			req.Token = token
		}

		s, err := h.Configure(ctx, req)
		if err != nil {
			slog.Warn("target configure failed", "target", id, "tenant_id", identity.TenantID, "error", err)
			continue
		}
		seeds = append(seeds, s...)
	}
	return seeds
}

func (r *Router) token(ctx context.Context, key tokens.Key, auth targets.Authenticator, creds *targets.Credentials) (string, error) {
	src := tokens.Source{
		Acquire: func(ctx context.Context) (tokens.Record, error) {
			if creds == nil {
				return tokens.Record{}, fmt.Errorf("%w: %s", targets.ErrNoCredentials, key.TargetID)
			}
			return auth.Login(ctx, *creds)
		},
		Refresh: auth.Refresh,
	}

	rec, err := r.tokens.Get(ctx, key, src)
	if err != nil {
		return "", err
	}
	return rec.AccessToken, nil
}

func (r *Router) timeoutFor(id string) time.Duration {
	if d, ok := r.cfg.TargetTimeouts[id]; ok && d > 0 {
		return d
	}
	return r.cfg.Timeout
}

// FriendlyMessage renders a target failure for the client.
func FriendlyMessage(op, target string, err error) string {
	switch {
	case isTimeout(err), errors.Is(err, targets.ErrUnavailable):
		return fmt.Sprintf("the %s service is offline", target)
	case errors.Is(err, targets.ErrNotSupported):
		return fmt.Sprintf("operation '%s' not available for %s", op, target)
	default:
		return err.Error()
	}
}

func isTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te) || errors.Is(err, context.DeadlineExceeded)
}

// ParseTargets extracts the deduplicated, order-preserving target list.
func ParseTargets(args map[string]any) ([]string, error) {
	raw, ok := args["targets"]
	if !ok {
		return nil, ErrNoTargets
	}

	var list []string
	switch v := raw.(type) {
	case []string:
		list = v
	case []any:
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("targets must be an array of strings")
			}
			list = append(list, s)
		}
	default:
		return nil, fmt.Errorf("targets must be an array of strings")
	}

	seen := make(map[string]struct{}, len(list))
	ids := make([]string, 0, len(list))
	for _, id := range list {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, ErrNoTargets
	}
	return ids, nil
}

func passThroughArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		if k == "targets" {
			continue
		}
		out[k] = v
	}
	return out
}
