// Package targets defines the capability contract every portal
// integration implements and the registry the router looks them up in.
package targets

import (
	"context"
	"errors"
	"fmt"

	"github.com/dhruvsoni1802/portal-gateway/internal/browser"
	"github.com/dhruvsoni1802/portal-gateway/internal/tokens"
)

var (
	// ErrUnavailable means the portal is down or unreachable.
	ErrUnavailable = errors.New("target unavailable")
	// ErrTokenRejected means the portal refused the access token in the request.
	ErrTokenRejected = errors.New("target rejected access token")
	// ErrNotSupported means the handler does not implement the capability.
	ErrNotSupported = errors.New("capability not supported")
	// ErrNoCredentials means the tenant has no credentials for the target.
	ErrNoCredentials = errors.New("no credentials for target")
)

// Capability names a handler operation.
type Capability string

const (
	CapIsAvailable   Capability = "isAvailable"
	CapListOptions   Capability = "listOptions"
	CapGetSimulation Capability = "getSimulation"
	CapConfigure     Capability = "configure"
)

// Identity is the authenticated principal a session acts for.
type Identity struct {
	UserID   string `json:"userId"`
	TenantID string `json:"tenantId"`
}

// Credentials are the tenant's login for one target.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Request is what a handler receives for every invocation.
type Request struct {
	Automation  browser.Context
	Identity    Identity
	Credentials *Credentials
	Token       string
	Args        map[string]any
}

// Handler is implemented by every target integration.
type Handler interface {
	ID() string
	IsAvailable(ctx context.Context, req Request) (any, error)
	ListOptions(ctx context.Context, req Request) ([]string, error)
	GetSimulation(ctx context.Context, req Request) (any, error)
	// Configure returns storage entries to seed into every page of the
	// session before any page script runs.
	Configure(ctx context.Context, req Request) ([]browser.StorageSeed, error)
}

// Authenticator is implemented by handlers whose portal needs an access
// token obtained outside the page.
type Authenticator interface {
	Login(ctx context.Context, creds Credentials) (tokens.Record, error)
	Refresh(ctx context.Context, rec tokens.Record) (tokens.Record, error)
}

// Invoke runs capability c on h.
func Invoke(ctx context.Context, h Handler, c Capability, req Request) (any, error) {
	switch c {
	case CapIsAvailable:
		return h.IsAvailable(ctx, req)
	case CapListOptions:
		opts, err := h.ListOptions(ctx, req)
		if err != nil {
			return nil, err
		}
		return opts, nil
	case CapGetSimulation:
		return h.GetSimulation(ctx, req)
	case CapConfigure:
		return h.Configure(ctx, req)
	default:
		return nil, fmt.Errorf("%w: %s", ErrNotSupported, c)
	}
}
