package targets

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Registry maps target ids to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates a registry holding the given handlers.
func NewRegistry(handlers ...Handler) (*Registry, error) {
	r := &Registry{handlers: make(map[string]Handler)}
	for _, h := range handlers {
		if err := r.Register(h); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds h. Registering the same id twice is an error.
func (r *Registry) Register(h Handler) error {
	id := h.ID()
	if id == "" {
		return fmt.Errorf("targets: handler without id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[id]; exists {
		return fmt.Errorf("targets: duplicate handler %q", id)
	}
	r.handlers[id] = h
	return nil
}

// Lookup returns the handler registered under id.
func (r *Registry) Lookup(id string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[id]
	return h, ok
}

// IDs returns the registered target ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.handlers))
	for id := range r.handlers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CredentialStore resolves a tenant's per-target credentials.
type CredentialStore interface {
	TargetCredentials(ctx context.Context, tenantID string) (map[string]Credentials, error)
}

// StaticCredentials is a CredentialStore backed by a fixed map of
// tenant id to target id to credentials.
type StaticCredentials map[string]map[string]Credentials

func (s StaticCredentials) TargetCredentials(_ context.Context, tenantID string) (map[string]Credentials, error) {
	creds, ok := s[tenantID]
	if !ok {
		return nil, fmt.Errorf("%w: tenant %s", ErrNoCredentials, tenantID)
	}
	return creds, nil
}
