package service

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/chat-delivery/internal/model"
	"github.com/capitalize-ai/chat-delivery/internal/registry"
	"github.com/capitalize-ai/chat-delivery/internal/store"
	"github.com/capitalize-ai/chat-delivery/pkg/logger"
)

type recordingSink struct {
	mu     sync.Mutex
	events []model.Event
}

func (s *recordingSink) Emit(event model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) named(name model.EventName) []model.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Event
	for _, e := range s.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

func (s *recordingSink) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
}

// plainStore hides the transaction support of the wrapped store.
type plainStore struct {
	store.Store
}

type fixture struct {
	ctx   context.Context
	store store.Store
	reg   *registry.Registry
	coord *Coordinator
}

func newFixture(t *testing.T, journal Publisher) *fixture {
	t.Helper()
	st, err := store.Open(store.Options{InMemory: true}, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return newFixtureWithStore(st, journal)
}

func newFixtureWithStore(st store.Store, journal Publisher) *fixture {
	reg := registry.New()
	return &fixture{
		ctx:   context.Background(),
		store: st,
		reg:   reg,
		coord: NewCoordinator("acme", st, reg, NewParticipantResolver(st), journal, logger.NewNop()),
	}
}

func conn(userID string) string {
	return "conn-" + userID
}

func (f *fixture) connect(t *testing.T, userID string) *recordingSink {
	t.Helper()
	sink := &recordingSink{}
	require.NoError(t, f.coord.Connect(f.ctx, conn(userID), userID, sink))
	return sink
}

func (f *fixture) create(t *testing.T, actor string, others ...string) string {
	t.Helper()
	id, err := f.coord.CreateConversation(f.ctx, conn(actor), others)
	require.NoError(t, err)
	return id
}

func (f *fixture) message(t *testing.T, id string) *model.Message {
	t.Helper()
	msg, err := f.store.GetMessage(f.ctx, id)
	require.NoError(t, err)
	return msg
}

func (f *fixture) seenHolders(t *testing.T, conversationID, userID string) []string {
	t.Helper()
	var ids []string
	require.NoError(t, f.store.ScanMessages(f.ctx, conversationID, func(m model.Message) bool {
		if m.SeenByUser(userID) {
			ids = append(ids, m.ID)
		}
		return true
	}))
	return ids
}
