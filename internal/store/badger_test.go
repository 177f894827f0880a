package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/chat-delivery/internal/model"
	"github.com/capitalize-ai/chat-delivery/pkg/logger"
)

func newTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	s, err := Open(Options{InMemory: true}, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newMessage(convID, sender string, at time.Time) *model.Message {
	return &model.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: convID,
		SenderID:       sender,
		Content:        "hello from " + sender,
		Type:           model.MessageText,
		Status:         model.StatusSent,
		SeenBy:         []string{sender},
		CreatedAt:      at,
	}
}

func Test_EnsureUsers_IsIdempotent(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	s := newTestStore(t)

	first, err := s.EnsureUsers(ctx, []string{"alice", "bob"})
	req.NoError(err)
	req.Len(first, 2)
	req.Equal("alice", first[0].ExternalUserID)

	second, err := s.EnsureUsers(ctx, []string{"bob", "alice", "alice"})
	req.NoError(err)
	req.Equal(first[1].ID, second[0].ID)
	req.Equal(first[0].ID, second[1].ID)
	req.Equal(second[1].ID, second[2].ID)

	user, err := s.GetUserByExternalID(ctx, "bob")
	req.NoError(err)
	req.Equal(first[1].ID, user.ID)

	_, err = s.GetUserByExternalID(ctx, "carol")
	req.ErrorIs(err, ErrNotFound)
}

func Test_Conversation_And_Participants(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	s := newTestStore(t)

	users, err := s.EnsureUsers(ctx, []string{"alice", "bob"})
	req.NoError(err)

	now := time.Now().UTC()
	conv := &model.Conversation{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Type:      model.ConversationPrivate,
		CreatedBy: "alice",
		CreatedAt: now,
		UpdatedAt: now,
	}
	var participants []model.Participant
	for _, u := range users {
		p := model.Participant{ID: uuid.Must(uuid.NewV7()).String(), ConversationID: conv.ID, UserID: u.ID, CreatedAt: now}
		participants = append(participants, p)
		conv.ParticipantIDs = append(conv.ParticipantIDs, p.ID)
	}
	req.NoError(s.CreateConversation(ctx, conv, participants))

	got, err := s.GetConversation(ctx, conv.ID)
	req.NoError(err)
	req.Equal(conv.ParticipantIDs, got.ParticipantIDs)

	listed, err := s.ListParticipants(ctx, conv.ID)
	req.NoError(err)
	req.Len(listed, 2)

	ids, err := s.ListConversationIDs(ctx, users[0].ID)
	req.NoError(err)
	req.Equal([]string{conv.ID}, ids)

	req.NoError(s.DeleteParticipant(ctx, participants[1]))
	ids, err = s.ListConversationIDs(ctx, users[1].ID)
	req.NoError(err)
	req.Empty(ids)
	req.ErrorIs(s.DeleteParticipant(ctx, participants[1]), ErrNotFound)

	_, err = s.GetConversation(ctx, "missing")
	req.ErrorIs(err, ErrNotFound)
	req.ErrorIs(s.UpdateConversation(ctx, &model.Conversation{ID: "missing"}), ErrNotFound)
}

func Test_Messages_Latest_And_Paging(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	s := newTestStore(t)
	convID := uuid.Must(uuid.NewV7()).String()

	_, err := s.LatestMessage(ctx, convID)
	req.ErrorIs(err, ErrNotFound)

	at := time.Now().UTC()
	var inserted []*model.Message
	for i, sender := range []string{"alice", "bob", "alice", "bob", "alice"} {
		m := newMessage(convID, sender, at.Add(time.Duration(i)*time.Second))
		req.NoError(s.InsertMessage(ctx, m))
		inserted = append(inserted, m)
	}
	// A message of another conversation must not leak into the scan.
	req.NoError(s.InsertMessage(ctx, newMessage(uuid.Must(uuid.NewV7()).String(), "carol", at.Add(time.Hour))))

	latest, err := s.LatestMessage(ctx, convID)
	req.NoError(err)
	req.Equal(inserted[4].ID, latest.ID)

	page, hasMore, err := s.ListMessages(ctx, convID, "", 2)
	req.NoError(err)
	req.True(hasMore)
	req.Equal([]string{inserted[4].ID, inserted[3].ID}, []string{page[0].ID, page[1].ID})

	page, hasMore, err = s.ListMessages(ctx, convID, page[1].ID, 10)
	req.NoError(err)
	req.False(hasMore)
	req.Len(page, 3)
	req.Equal(inserted[0].ID, page[2].ID)

	var visited int
	req.NoError(s.ScanMessages(ctx, convID, func(model.Message) bool {
		visited++
		return visited < 2
	}))
	req.Equal(2, visited)
}

func Test_AdvanceStatus_IsMonotonic(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	s := newTestStore(t)

	m := newMessage(uuid.Must(uuid.NewV7()).String(), "alice", time.Now().UTC())
	req.NoError(s.InsertMessage(ctx, m))

	got, changed, err := s.AdvanceStatus(ctx, m.ID, model.StatusSeen)
	req.NoError(err)
	req.True(changed)
	req.Equal(model.StatusSeen, got.Status)

	got, changed, err = s.AdvanceStatus(ctx, m.ID, model.StatusDelivered)
	req.NoError(err)
	req.False(changed)
	req.Equal(model.StatusSeen, got.Status)

	_, _, err = s.AdvanceStatus(ctx, "missing", model.StatusSeen)
	req.ErrorIs(err, ErrNotFound)
}

func Test_SeenBy_Pull_And_Add(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	s := newTestStore(t)
	convID := uuid.Must(uuid.NewV7()).String()

	at := time.Now().UTC()
	old := newMessage(convID, "alice", at)
	old.SeenBy = []string{"alice", "bob"}
	recent := newMessage(convID, "carol", at.Add(time.Second))
	req.NoError(s.InsertMessage(ctx, old))
	req.NoError(s.InsertMessage(ctx, recent))

	n, err := s.PullSeenBy(ctx, convID, "bob", recent.ID)
	req.NoError(err)
	req.Equal(1, n)

	got, err := s.AddSeenBy(ctx, recent.ID, "bob")
	req.NoError(err)
	req.ElementsMatch([]string{"carol", "bob"}, got.SeenBy)

	got, err = s.AddSeenBy(ctx, recent.ID, "bob")
	req.NoError(err)
	req.Len(got.SeenBy, 2)

	n, err = s.PullSeenBy(ctx, convID, "bob", recent.ID)
	req.NoError(err)
	req.Zero(n)

	reloaded, err := s.GetMessage(ctx, old.ID)
	req.NoError(err)
	req.Equal([]string{"alice"}, reloaded.SeenBy)

	// A new message from alice carries her marker away from the old one.
	req.NoError(s.InsertMessage(ctx, newMessage(convID, "alice", at.Add(2*time.Second))))
	reloaded, err = s.GetMessage(ctx, old.ID)
	req.NoError(err)
	req.Empty(reloaded.SeenBy)
}

func Test_ListMessages_RejectsCursorOfOtherConversation(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	s := newTestStore(t)
	convID := uuid.Must(uuid.NewV7()).String()
	otherID := uuid.Must(uuid.NewV7()).String()

	at := time.Now().UTC()
	req.NoError(s.InsertMessage(ctx, newMessage(convID, "alice", at)))
	foreign := newMessage(otherID, "bob", at.Add(time.Second))
	req.NoError(s.InsertMessage(ctx, foreign))

	_, _, err := s.ListMessages(ctx, convID, foreign.ID, 10)
	req.ErrorIs(err, ErrNotFound)

	_, _, err = s.ListMessages(ctx, convID, "missing", 10)
	req.ErrorIs(err, ErrNotFound)
}

func Test_ConcurrentSeenUpdates_AllCommit(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	s := newTestStore(t)
	convID := uuid.Must(uuid.NewV7()).String()

	at := time.Now().UTC()
	latest := newMessage(convID, "alice", at)
	req.NoError(s.InsertMessage(ctx, latest))

	const readers = 20
	var wg sync.WaitGroup
	errs := make(chan error, readers)
	for i := range readers {
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			errs <- s.WithinTx(ctx, func(tx Store) error {
				if _, err := tx.PullSeenBy(ctx, convID, userID, latest.ID); err != nil {
					return err
				}
				_, err := tx.AddSeenBy(ctx, latest.ID, userID)
				return err
			})
		}(fmt.Sprintf("user%02d", i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		req.NoError(err)
	}

	got, err := s.GetMessage(ctx, latest.ID)
	req.NoError(err)
	req.Len(got.SeenBy, readers+1)
}

func Test_Update_StopsWhenContextIsDone(t *testing.T) {
	req := require.New(t)
	s := newTestStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.EnsureUsers(ctx, []string{"alice"})
	req.ErrorIs(err, context.Canceled)
}

func Test_WithinTx_RollsBackOnError(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	s := newTestStore(t)
	boom := errors.New("boom")

	m := newMessage(uuid.Must(uuid.NewV7()).String(), "alice", time.Now().UTC())
	err := s.WithinTx(ctx, func(tx Store) error {
		if err := tx.InsertMessage(ctx, m); err != nil {
			return err
		}
		if _, err := tx.GetMessage(ctx, m.ID); err != nil {
			return err
		}
		return boom
	})
	req.ErrorIs(err, boom)

	_, err = s.GetMessage(ctx, m.ID)
	req.ErrorIs(err, ErrNotFound)

	req.NoError(s.WithinTx(ctx, func(tx Store) error {
		return tx.InsertMessage(ctx, m)
	}))
	_, err = s.GetMessage(ctx, m.ID)
	req.NoError(err)
}

func Test_OnDisk_Reopen(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(Options{Dir: dir}, logger.NewNop())
	req.NoError(err)
	_, err = s.EnsureUsers(ctx, []string{"alice"})
	req.NoError(err)
	req.NoError(s.Close())

	s, err = Open(Options{Dir: dir}, logger.NewNop())
	req.NoError(err)
	defer s.Close()
	_, err = s.GetUserByExternalID(ctx, "alice")
	req.NoError(err)
}
