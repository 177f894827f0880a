// Package service implements presence-aware delivery for chat conversations.
package service

import (
	"context"
	"errors"

	"github.com/samber/lo"

	"github.com/capitalize-ai/chat-delivery/internal/chaterr"
	"github.com/capitalize-ai/chat-delivery/internal/model"
	"github.com/capitalize-ai/chat-delivery/internal/store"
)

// ParticipantResolver answers membership questions about conversations.
type ParticipantResolver struct {
	store store.Store
}

// NewParticipantResolver creates a resolver on top of a tenant store.
func NewParticipantResolver(st store.Store) *ParticipantResolver {
	return &ParticipantResolver{store: st}
}

// ListParticipants returns the participants of a conversation joined with
// their user records.
func (r *ParticipantResolver) ListParticipants(ctx context.Context, conversationID string) ([]model.ResolvedParticipant, error) {
	if _, err := r.store.GetConversation(ctx, conversationID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, chaterr.New(chaterr.KindNotFound, "conversation does not exist")
		}
		return nil, chaterr.Wrap(chaterr.KindInternal, "load conversation", err)
	}

	records, err := r.store.ListParticipants(ctx, conversationID)
	if err != nil {
		return nil, chaterr.Wrap(chaterr.KindInternal, "list participants", err)
	}

	resolved := make([]model.ResolvedParticipant, 0, len(records))
	for _, p := range records {
		user, err := r.store.GetUser(ctx, p.UserID)
		if err != nil {
			return nil, chaterr.Wrap(chaterr.KindInternal, "load participant user", err)
		}
		resolved = append(resolved, model.ResolvedParticipant{
			ParticipantID: p.ID,
			UserID:        user.ExternalUserID,
			User:          *user,
		})
	}
	return resolved, nil
}

// ListParticipantsExcluding is ListParticipants without the given user.
func (r *ParticipantResolver) ListParticipantsExcluding(ctx context.Context, conversationID, userID string) ([]model.ResolvedParticipant, error) {
	all, err := r.ListParticipants(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return lo.Filter(all, func(p model.ResolvedParticipant, _ int) bool {
		return p.UserID != userID
	}), nil
}

// FindConversationBySameParticipants returns the oldest conversation whose
// participant set equals userIDs, ignoring order, or nil if there is none.
func (r *ParticipantResolver) FindConversationBySameParticipants(ctx context.Context, userIDs []string) (*model.Conversation, error) {
	want := lo.Uniq(userIDs)
	if len(want) == 0 {
		return nil, nil
	}

	first, err := r.store.GetUserByExternalID(ctx, want[0])
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, chaterr.Wrap(chaterr.KindInternal, "load user", err)
	}

	candidates, err := r.store.ListConversationIDs(ctx, first.ID)
	if err != nil {
		return nil, chaterr.Wrap(chaterr.KindInternal, "list conversations", err)
	}
	for _, id := range candidates {
		participants, err := r.ListParticipants(ctx, id)
		if err != nil {
			return nil, err
		}
		have := lo.Uniq(userIDsOf(participants))
		if len(have) != len(want) || !lo.Every(have, want) {
			continue
		}
		conv, err := r.store.GetConversation(ctx, id)
		if err != nil {
			return nil, chaterr.Wrap(chaterr.KindInternal, "load conversation", err)
		}
		return conv, nil
	}
	return nil, nil
}

func userIDsOf(participants []model.ResolvedParticipant) []string {
	return lo.Map(participants, func(p model.ResolvedParticipant, _ int) string {
		return p.UserID
	})
}
