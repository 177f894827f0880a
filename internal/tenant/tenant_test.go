package tenant

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/chat-delivery/internal/chaterr"
	"github.com/capitalize-ai/chat-delivery/internal/model"
	"github.com/capitalize-ai/chat-delivery/internal/store"
	"github.com/capitalize-ai/chat-delivery/pkg/logger"
)

type discardSink struct{}

func (discardSink) Emit(model.Event) error { return nil }

func newTestContext(t *testing.T) *Context {
	t.Helper()
	c := NewContext(BadgerOpener("", true, logger.NewNop()), nil, logger.NewNop())
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestServices_IsMemoized(t *testing.T) {
	req := require.New(t)
	c := newTestContext(t)

	first, err := c.Services("acme")
	req.NoError(err)
	second, err := c.Services("acme")
	req.NoError(err)
	req.Same(first, second)
}

func TestServices_TenantsAreIsolated(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	c := newTestContext(t)

	acme, err := c.Services("acme")
	req.NoError(err)
	globex, err := c.Services("globex")
	req.NoError(err)
	req.NotSame(acme.Registry, globex.Registry)
	req.NotSame(acme.Coordinator, globex.Coordinator)

	req.NoError(acme.Coordinator.Connect(ctx, "c1", "alice", discardSink{}))
	convID, err := acme.Coordinator.CreateConversation(ctx, "c1", []string{"bob"})
	req.NoError(err)

	_, ok := globex.Registry.LookupByUser("alice")
	req.False(ok)
	_, err = globex.Store.GetConversation(ctx, convID)
	req.ErrorIs(err, store.ErrNotFound)

	// The same user id in another tenant is a different person.
	req.NoError(globex.Coordinator.Connect(ctx, "c2", "alice", discardSink{}))
	_, err = globex.Coordinator.SendMessage(ctx, "c2", convID, "hi")
	req.ErrorIs(err, chaterr.ErrInvalidConversation)
}

func TestServices_RejectsUnsafeTenantIDs(t *testing.T) {
	req := require.New(t)
	c := newTestContext(t)

	for _, id := range []string{"", "../etc", "a/b", strings.Repeat("x", 65)} {
		_, err := c.Services(id)
		req.ErrorIs(err, chaterr.ErrValidation, "tenant %q", id)
	}
	req.NoError(ValidateTenantID("tenant_01-eu"))
}

func TestServices_OpenFailureIsNotCached(t *testing.T) {
	req := require.New(t)
	calls := 0
	c := NewContext(func(string) (store.Store, error) {
		calls++
		return nil, errors.New("disk unavailable")
	}, nil, logger.NewNop())

	_, err := c.Services("acme")
	req.ErrorIs(err, chaterr.ErrInternal)
	_, err = c.Services("acme")
	req.Error(err)
	req.Equal(2, calls)
}

func TestEvict_ClosesAndRecreates(t *testing.T) {
	req := require.New(t)
	c := newTestContext(t)

	first, err := c.Services("acme")
	req.NoError(err)
	req.NoError(c.Evict("acme"))
	req.NoError(c.Evict("acme"))

	second, err := c.Services("acme")
	req.NoError(err)
	req.NotSame(first, second)
}

func TestBadgerOpener_OnDiskPerTenant(t *testing.T) {
	req := require.New(t)
	dir := t.TempDir()
	c := NewContext(BadgerOpener(dir, false, logger.NewNop()), nil, logger.NewNop())
	defer c.Close()

	_, err := c.Services("acme")
	req.NoError(err)
	_, err = c.Services("globex")
	req.NoError(err)
	req.DirExists(dir + "/tenant_acme")
	req.DirExists(dir + "/tenant_globex")
}
