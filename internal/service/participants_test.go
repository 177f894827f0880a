package service

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/chat-delivery/internal/chaterr"
)

func Test_ListParticipants_JoinsUsers(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, nil)
	f.connect(t, "alice")
	convID := f.create(t, "alice", "bob", "carol")
	resolver := f.coord.resolver

	participants, err := resolver.ListParticipants(f.ctx, convID)
	req.NoError(err)
	req.ElementsMatch([]string{"alice", "bob", "carol"}, userIDsOf(participants))
	for _, p := range participants {
		req.NotEmpty(p.ParticipantID)
		req.Equal(p.UserID, p.User.ExternalUserID)
	}

	others, err := resolver.ListParticipantsExcluding(f.ctx, convID, "bob")
	req.NoError(err)
	req.ElementsMatch([]string{"alice", "carol"}, userIDsOf(others))

	_, err = resolver.ListParticipants(f.ctx, "missing")
	req.ErrorIs(err, chaterr.ErrNotFound)
}

func Test_FindConversationBySameParticipants(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, nil)
	f.connect(t, "alice")
	pair := f.create(t, "alice", "bob")
	group := f.create(t, "alice", "bob", "carol")
	resolver := f.coord.resolver

	found, err := resolver.FindConversationBySameParticipants(f.ctx, []string{"bob", "alice"})
	req.NoError(err)
	req.Equal(pair, found.ID)

	found, err = resolver.FindConversationBySameParticipants(f.ctx, []string{"carol", "alice", "bob", "carol"})
	req.NoError(err)
	req.Equal(group, found.ID)

	found, err = resolver.FindConversationBySameParticipants(f.ctx, []string{"alice", "carol"})
	req.NoError(err)
	req.Nil(found)

	found, err = resolver.FindConversationBySameParticipants(f.ctx, []string{"nobody", "alice"})
	req.NoError(err)
	req.Nil(found)
}
