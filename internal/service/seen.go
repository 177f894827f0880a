package service

import (
	"context"
	"errors"

	"github.com/samber/lo"
	"go.opentelemetry.io/otel/attribute"

	"github.com/capitalize-ai/chat-delivery/internal/chaterr"
	"github.com/capitalize-ai/chat-delivery/internal/model"
	"github.com/capitalize-ai/chat-delivery/internal/store"
)

// MarkSeen moves the connected user's seen marker to the newest message of
// the conversation and tells the other participants. A conversation without
// messages is left untouched.
func (c *Coordinator) MarkSeen(ctx context.Context, connectionID, conversationID string) (err error) {
	ctx, span := c.startSpan(ctx, "MarkSeen", attribute.String("conversation_id", conversationID))
	defer func() { endSpan(span, err) }()

	actor, err := c.actor(connectionID)
	if err != nil {
		return err
	}
	conv, err := c.loadConversation(ctx, conversationID, chaterr.KindInvalidConversation)
	if err != nil {
		return err
	}
	members, err := c.memberIDs(ctx, conversationID)
	if err != nil {
		return err
	}
	if !lo.Contains(members, actor) {
		return chaterr.New(chaterr.KindInvalidConversation, "user is not a participant")
	}

	latest, err := c.store.LatestMessage(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return chaterr.Wrap(chaterr.KindInternal, "load latest message", err)
	}
	return c.markSeen(ctx, conv, members, actor, latest.ID)
}

// markSeen pulls userID out of every other message's seenBy set, adds it to
// messageID and recomputes that message's status. Both steps are idempotent,
// so stores without transactions converge when a step is retried.
func (c *Coordinator) markSeen(ctx context.Context, conv *model.Conversation, members []string, userID, messageID string) error {
	var (
		msg     *model.Message
		changed bool
	)
	err := c.atomically(ctx, func(st store.Store) error {
		if _, err := st.PullSeenBy(ctx, conv.ID, userID, messageID); err != nil {
			return err
		}
		m, err := st.AddSeenBy(ctx, messageID, userID)
		if err != nil {
			return err
		}
		msg, changed = m, false
		if m.SeenByOthers() {
			msg, changed, err = st.AdvanceStatus(ctx, messageID, model.StatusSeen)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return chaterr.Wrap(chaterr.KindInternal, "record seen", err)
	}

	if changed {
		c.statusChanged(ctx, msg, userID)
	}
	c.fanOut(lo.Without(members, userID), model.Event{
		Name:    model.EventStatusUpdate,
		Payload: statusPayload(msg, conv),
	})
	return nil
}
