// Package tenant owns the per-tenant service bundles. Every tenant gets its
// own store, connection registry and coordinator, created on first use.
package tenant

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"sync"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chat-delivery/internal/chaterr"
	"github.com/capitalize-ai/chat-delivery/internal/registry"
	"github.com/capitalize-ai/chat-delivery/internal/service"
	"github.com/capitalize-ai/chat-delivery/internal/store"
	"github.com/capitalize-ai/chat-delivery/pkg/logger"
	"github.com/capitalize-ai/chat-delivery/pkg/metrics"
)

const maxTenantIDLength = 64

var tenantIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Services is the bundle of components scoped to one tenant.
type Services struct {
	TenantID    string
	Store       store.Store
	Registry    *registry.Registry
	Resolver    *service.ParticipantResolver
	Coordinator *service.Coordinator
}

// Opener opens the store of a tenant.
type Opener func(tenantID string) (store.Store, error)

// BadgerOpener opens one Badger database per tenant under dataDir, or an
// in-memory database per tenant when inMemory is set.
func BadgerOpener(dataDir string, inMemory bool, log *logger.Logger) Opener {
	return func(tenantID string) (store.Store, error) {
		return store.Open(store.Options{
			Dir:      filepath.Join(dataDir, "tenant_"+tenantID),
			InMemory: inMemory,
		}, log.WithTenant(tenantID))
	}
}

// JournalFactory returns the event journal publisher of a tenant.
type JournalFactory func(tenantID string) service.Publisher

// Context hands out the service bundle of each tenant.
type Context struct {
	mu      sync.Mutex
	bundles map[string]*Services
	open    Opener
	journal JournalFactory
	logger  *logger.Logger
}

// NewContext creates a tenant context. journal may be nil.
func NewContext(open Opener, journal JournalFactory, log *logger.Logger) *Context {
	return &Context{
		bundles: make(map[string]*Services),
		open:    open,
		journal: journal,
		logger:  log,
	}
}

// ValidateTenantID checks that id is safe to use as a database name.
func ValidateTenantID(id string) error {
	switch {
	case id == "":
		return chaterr.Validation("tenant id is required", map[string]string{"tenantId": "required"})
	case len(id) > maxTenantIDLength:
		return chaterr.Validation("tenant id is too long", map[string]string{"tenantId": "max"})
	case !tenantIDPattern.MatchString(id):
		return chaterr.Validation("tenant id has invalid characters", map[string]string{"tenantId": "alphanumunderscore"})
	}
	return nil
}

// Services returns the bundle of tenantID, creating it on first access.
func (c *Context) Services(tenantID string) (*Services, error) {
	if err := ValidateTenantID(tenantID); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.bundles[tenantID]; ok {
		return s, nil
	}

	st, err := c.open(tenantID)
	if err != nil {
		return nil, chaterr.Wrap(chaterr.KindInternal, "open tenant store", fmt.Errorf("tenant %s: %w", tenantID, err))
	}

	var journal service.Publisher
	if c.journal != nil {
		journal = c.journal(tenantID)
	}

	reg := registry.New()
	resolver := service.NewParticipantResolver(st)
	s := &Services{
		TenantID:    tenantID,
		Store:       st,
		Registry:    reg,
		Resolver:    resolver,
		Coordinator: service.NewCoordinator(tenantID, st, reg, resolver, journal, c.logger),
	}
	c.bundles[tenantID] = s
	metrics.TenantsActive.Inc()

	c.logger.Info("tenant initialised", zap.String("tenant_id", tenantID))
	return s, nil
}

// Evict drops the bundle of tenantID and closes its store. Sessions still
// registered with it become unreachable.
func (c *Context) Evict(tenantID string) error {
	c.mu.Lock()
	s, ok := c.bundles[tenantID]
	delete(c.bundles, tenantID)
	c.mu.Unlock()

	if !ok {
		return nil
	}
	metrics.TenantsActive.Dec()
	if err := s.Store.Close(); err != nil {
		return fmt.Errorf("close store of tenant %s: %w", tenantID, err)
	}
	return nil
}

// Close evicts every tenant.
func (c *Context) Close() error {
	c.mu.Lock()
	ids := make([]string, 0, len(c.bundles))
	for id := range c.bundles {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := c.Evict(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
