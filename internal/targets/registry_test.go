package targets

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhruvsoni1802/portal-gateway/internal/browser"
)

type stubHandler struct {
	id      string
	options []string
}

func (s stubHandler) ID() string { return s.id }

func (s stubHandler) IsAvailable(context.Context, Request) (any, error) { return true, nil }

func (s stubHandler) ListOptions(context.Context, Request) ([]string, error) {
	return s.options, nil
}

func (s stubHandler) GetSimulation(context.Context, Request) (any, error) {
	return nil, ErrNotSupported
}

func (s stubHandler) Configure(context.Context, Request) ([]browser.StorageSeed, error) {
	return nil, nil
}

func TestRegistry(t *testing.T) {
	r, err := NewRegistry(stubHandler{id: "b"}, stubHandler{id: "a"})
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, r.IDs())

	h, ok := r.Lookup("a")
	require.True(t, ok)
	assert.Equal(t, "a", h.ID())

	_, ok = r.Lookup("missing")
	assert.False(t, ok)

	assert.Error(t, r.Register(stubHandler{id: "a"}))
	assert.Error(t, r.Register(stubHandler{}))
}

func TestInvoke(t *testing.T) {
	h := stubHandler{id: "a", options: []string{"Fiat Uno"}}

	got, err := Invoke(context.Background(), h, CapListOptions, Request{})
	require.NoError(t, err)
	assert.Equal(t, []string{"Fiat Uno"}, got)

	_, err = Invoke(context.Background(), h, CapGetSimulation, Request{})
	assert.True(t, errors.Is(err, ErrNotSupported))

	_, err = Invoke(context.Background(), h, Capability("launchRockets"), Request{})
	assert.ErrorIs(t, err, ErrNotSupported)
}

func TestStaticCredentials(t *testing.T) {
	store := StaticCredentials{"store-1": {"a": {Username: "alice", Password: "pw"}}}

	creds, err := store.TargetCredentials(context.Background(), "store-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", creds["a"].Username)

	_, err = store.TargetCredentials(context.Background(), "store-2")
	assert.ErrorIs(t, err, ErrNoCredentials)
}
