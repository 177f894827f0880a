package service

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/chat-delivery/internal/chaterr"
	"github.com/capitalize-ai/chat-delivery/internal/model"
	"github.com/capitalize-ai/chat-delivery/internal/store"
)

// gatedStore holds the first call of the armed method until release is
// closed. The call has already read the store when it stops.
type gatedStore struct {
	store.Store

	mu      sync.Mutex
	armed   string
	reached chan struct{}
	release chan struct{}
}

func newGatedStore(st store.Store) *gatedStore {
	return &gatedStore{
		Store:   st,
		reached: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (g *gatedStore) arm(method string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.armed = method
}

func (g *gatedStore) pause(method string) {
	g.mu.Lock()
	hold := g.armed == method
	if hold {
		g.armed = ""
	}
	g.mu.Unlock()

	if hold {
		close(g.reached)
		<-g.release
	}
}

func (g *gatedStore) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	conv, err := g.Store.GetConversation(ctx, id)
	g.pause("GetConversation")
	return conv, err
}

func (g *gatedStore) ListParticipants(ctx context.Context, conversationID string) ([]model.Participant, error) {
	participants, err := g.Store.ListParticipants(ctx, conversationID)
	g.pause("ListParticipants")
	return participants, err
}

func (g *gatedStore) WithinTx(ctx context.Context, fn func(tx store.Store) error) error {
	return g.Store.(store.Transactor).WithinTx(ctx, fn)
}

// sendPaused starts a send from actor that stops right after loading the
// conversation and returns a channel with its result.
func sendPaused(f *fixture, gate *gatedStore, actor, convID, content string) <-chan error {
	gate.arm("GetConversation")
	done := make(chan error, 1)
	go func() {
		_, err := f.coord.SendMessage(f.ctx, conn(actor), convID, content)
		done <- err
	}()
	<-gate.reached
	return done
}

func Test_SendMessage_DoesNotUndoConcurrentLeave(t *testing.T) {
	req := require.New(t)
	gate := newGatedStore(newFixture(t, nil).store)
	f := newFixtureWithStore(gate, nil)
	f.connect(t, "alice")
	f.connect(t, "bob")
	f.connect(t, "carol")
	convID := f.create(t, "alice", "bob", "carol")

	done := sendPaused(f, gate, "bob", convID, "anyone here?")
	_, err := f.coord.LeaveConversation(f.ctx, conn("alice"), convID)
	req.NoError(err)
	close(gate.release)
	req.NoError(<-done)

	conv, err := f.store.GetConversation(f.ctx, convID)
	req.NoError(err)
	req.Equal("bob", conv.CreatedBy)
	req.Equal("anyone here?", conv.LastMessage)
	req.Len(conv.ParticipantIDs, 2)

	_, err = f.coord.RemoveParticipant(f.ctx, conn("bob"), convID, "carol")
	req.NoError(err)
}

func Test_SendMessage_DoesNotUndoConcurrentRename(t *testing.T) {
	req := require.New(t)
	gate := newGatedStore(newFixture(t, nil).store)
	f := newFixtureWithStore(gate, nil)
	f.connect(t, "alice")
	f.connect(t, "bob")
	convID := f.create(t, "alice", "bob", "carol")

	done := sendPaused(f, gate, "bob", convID, "hello")
	_, err := f.coord.RenameConversation(f.ctx, conn("alice"), convID, "crew")
	req.NoError(err)
	_, err = f.coord.AddParticipants(f.ctx, conn("alice"), convID, []string{"dave"})
	req.NoError(err)
	close(gate.release)
	req.NoError(<-done)

	conv, err := f.store.GetConversation(f.ctx, convID)
	req.NoError(err)
	req.Equal("crew", conv.Name)
	req.Len(conv.ParticipantIDs, 4)
	req.Equal("hello", conv.LastMessage)
}

func Test_RemoveParticipant_RechecksCreatorInsideTransaction(t *testing.T) {
	req := require.New(t)
	gate := newGatedStore(newFixture(t, nil).store)
	f := newFixtureWithStore(gate, nil)
	f.connect(t, "alice")
	f.connect(t, "bob")
	convID := f.create(t, "alice", "bob", "carol", "dave")

	// Hold the removal once it has checked membership and creator outside
	// the transaction.
	gate.arm("ListParticipants")
	done := make(chan error, 1)
	go func() {
		_, err := f.coord.RemoveParticipant(f.ctx, conn("alice"), convID, "carol")
		done <- err
	}()
	<-gate.reached
	_, err := f.coord.LeaveConversation(f.ctx, conn("alice"), convID)
	req.NoError(err)
	close(gate.release)

	err = <-done
	req.ErrorIs(err, chaterr.ErrForbidden)
	req.Equal(errNotCreator.Message, chaterr.As(err).Message)
	participants, err := f.coord.Participants(f.ctx, "bob", convID)
	req.NoError(err)
	req.ElementsMatch([]string{"bob", "carol", "dave"}, userIDsOf(participants))
}

func groupMembers(n int) []string {
	members := make([]string, n)
	for i := range members {
		members[i] = fmt.Sprintf("user%02d", i)
	}
	return members
}

func Test_MarkSeen_ConcurrentUsers(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, nil)
	members := groupMembers(16)
	for _, m := range members {
		f.connect(t, m)
	}
	convID := f.create(t, members[0], members[1:]...)

	var latest *model.Message
	for i := 0; i < 5; i++ {
		msg, err := f.coord.SendMessage(f.ctx, conn(members[0]), convID, fmt.Sprintf("update %d", i))
		req.NoError(err)
		latest = msg
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(members)-1)
	for _, m := range members[1:] {
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			errs <- f.coord.MarkSeen(f.ctx, conn(userID), convID)
		}(m)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		req.NoError(err)
	}

	stored := f.message(t, latest.ID)
	req.Equal(model.StatusSeen, stored.Status)
	req.ElementsMatch(members, stored.SeenBy)
	for _, m := range members {
		req.Equal([]string{latest.ID}, f.seenHolders(t, convID, m), m)
	}
}

func Test_MarkSeen_ConcurrentSameUserKeepsOneMarker(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, nil)
	f.connect(t, "alice")
	f.connect(t, "bob")
	convID := f.create(t, "alice", "bob")

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, err := f.coord.SendMessage(f.ctx, conn("alice"), convID, fmt.Sprintf("ping %d", i))
			errs <- err
		}(i)
		go func() {
			defer wg.Done()
			errs <- f.coord.MarkSeen(f.ctx, conn("bob"), convID)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		req.NoError(err)
	}

	req.NoError(f.coord.MarkSeen(f.ctx, conn("bob"), convID))
	latest, err := f.store.LatestMessage(f.ctx, convID)
	req.NoError(err)
	req.Equal([]string{latest.ID}, f.seenHolders(t, convID, "bob"))
	// Racing sends may commit out of timestamp order, so only uniqueness is
	// guaranteed for the sender.
	req.Len(f.seenHolders(t, convID, "alice"), 1)
}
