package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chat-delivery/internal/chaterr"
	"github.com/capitalize-ai/chat-delivery/internal/model"
	"github.com/capitalize-ai/chat-delivery/internal/store"
	"github.com/capitalize-ai/chat-delivery/pkg/metrics"
)

const maxConversationNameLength = 256

var errNotCreator = chaterr.New(chaterr.KindForbidden, "only the creator can remove participants")

// groupContext is what every administrative operation loads before it acts.
type groupContext struct {
	actor        string
	conv         *model.Conversation
	participants []model.ResolvedParticipant
}

func (g *groupContext) memberIDs() []string {
	return userIDsOf(g.participants)
}

func (g *groupContext) find(userID string) (model.ResolvedParticipant, bool) {
	return lo.Find(g.participants, func(p model.ResolvedParticipant) bool {
		return p.UserID == userID
	})
}

// loadGroup resolves the actor and the conversation, and checks that the
// conversation is a group the actor belongs to.
func (c *Coordinator) loadGroup(ctx context.Context, connectionID, conversationID string) (*groupContext, error) {
	actor, err := c.actor(connectionID)
	if err != nil {
		return nil, err
	}
	conv, err := c.loadConversation(ctx, conversationID, chaterr.KindInvalidConversation)
	if err != nil {
		return nil, err
	}
	if !conv.IsGroup() {
		return nil, chaterr.New(chaterr.KindForbidden, "private conversations cannot be modified")
	}
	participants, err := c.resolver.ListParticipants(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	g := &groupContext{actor: actor, conv: conv, participants: participants}
	if _, ok := g.find(actor); !ok {
		return nil, chaterr.New(chaterr.KindForbidden, "not a participant of this conversation")
	}
	return g, nil
}

// AddParticipants adds users to a group conversation. Users that already
// take part are ignored; when nobody is new nothing happens and nil is
// returned.
func (c *Coordinator) AddParticipants(ctx context.Context, connectionID, conversationID string, userIDs []string) (msg *model.Message, err error) {
	ctx, span := c.startSpan(ctx, "AddParticipants", attribute.String("conversation_id", conversationID))
	defer func() { endSpan(span, err) }()

	if len(userIDs) == 0 || lo.Contains(userIDs, "") {
		return nil, chaterr.New(chaterr.KindInvalidParticipants, "participant list is empty")
	}

	g, err := c.loadGroup(ctx, connectionID, conversationID)
	if err != nil {
		return nil, err
	}
	if len(lo.Without(lo.Uniq(userIDs), g.memberIDs()...)) == 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	var (
		added []string
		conv  *model.Conversation
	)
	err = c.atomically(ctx, func(st store.Store) error {
		// Membership is checked again here, another add may have won the race.
		current, err := st.ListParticipants(ctx, conversationID)
		if err != nil {
			return err
		}
		users, err := st.EnsureUsers(ctx, lo.Uniq(userIDs))
		if err != nil {
			return err
		}
		joining := lo.Filter(users, func(u model.User, _ int) bool {
			return !lo.ContainsBy(current, func(p model.Participant) bool { return p.UserID == u.ID })
		})
		added = lo.Map(joining, func(u model.User, _ int) string { return u.ExternalUserID })
		if len(joining) == 0 {
			return nil
		}

		participants := newParticipants(conversationID, joining, now)
		if err := st.AddParticipants(ctx, participants); err != nil {
			return err
		}
		content := fmt.Sprintf("%s added %s to the conversation", g.actor, strings.Join(added, ", "))
		msg = newLogMessage(conversationID, g.actor, content, now)
		conv, err = c.persistLog(ctx, st, msg, func(cv *model.Conversation) {
			cv.ParticipantIDs = append(cv.ParticipantIDs, participantIDsOf(participants)...)
		})
		return err
	})
	if err != nil {
		return nil, classify("add participants", err)
	}
	if len(added) == 0 {
		return nil, nil
	}

	members := lo.Uniq(append(g.memberIDs(), added...))
	c.announce(ctx, conv, msg, members, model.JournalParticipantsChanged, map[string]any{"added": added})
	return msg, nil
}

// LeaveConversation removes the connected user from a group conversation.
// If they created it, the creator role passes to the oldest remaining
// participant.
func (c *Coordinator) LeaveConversation(ctx context.Context, connectionID, conversationID string) (msg *model.Message, err error) {
	ctx, span := c.startSpan(ctx, "LeaveConversation", attribute.String("conversation_id", conversationID))
	defer func() { endSpan(span, err) }()

	g, err := c.loadGroup(ctx, connectionID, conversationID)
	if err != nil {
		return nil, err
	}
	leaving, _ := g.find(g.actor)
	remaining := lo.Without(g.memberIDs(), g.actor)

	now := time.Now().UTC()
	msg = newLogMessage(conversationID, g.actor, g.actor+" left the conversation", now)

	var conv *model.Conversation
	err = c.atomically(ctx, func(st store.Store) error {
		if err := deleteParticipant(ctx, st, conversationID, leaving); err != nil {
			return err
		}
		heir, err := successor(ctx, st, conversationID)
		if err != nil {
			return err
		}
		conv, err = c.persistLog(ctx, st, msg, func(cv *model.Conversation) {
			cv.ParticipantIDs = lo.Without(cv.ParticipantIDs, leaving.ParticipantID)
			if cv.CreatedBy == g.actor && heir != "" {
				cv.CreatedBy = heir
			}
		})
		return err
	})
	if err != nil {
		return nil, classify("leave conversation", err)
	}

	c.announce(ctx, conv, msg, remaining, model.JournalParticipantsChanged, map[string]any{"left": g.actor})
	return msg, nil
}

// RemoveParticipant removes another user from a group conversation. Only the
// conversation's creator may do this.
func (c *Coordinator) RemoveParticipant(ctx context.Context, connectionID, conversationID, userID string) (msg *model.Message, err error) {
	ctx, span := c.startSpan(ctx, "RemoveParticipant", attribute.String("conversation_id", conversationID))
	defer func() { endSpan(span, err) }()

	g, err := c.loadGroup(ctx, connectionID, conversationID)
	if err != nil {
		return nil, err
	}
	if g.conv.CreatedBy != g.actor {
		return nil, errNotCreator
	}
	if userID == g.actor {
		return nil, chaterr.New(chaterr.KindInvalidParticipants, "use leaveConversation to remove yourself")
	}
	target, ok := g.find(userID)
	if !ok {
		return nil, chaterr.New(chaterr.KindNotFound, "user is not a participant of this conversation")
	}

	now := time.Now().UTC()
	content := fmt.Sprintf("%s removed %s from the conversation", g.actor, userID)
	msg = newLogMessage(conversationID, g.actor, content, now)

	var conv *model.Conversation
	err = c.atomically(ctx, func(st store.Store) error {
		fresh, err := st.GetConversation(ctx, conversationID)
		if err != nil {
			return err
		}
		if fresh.CreatedBy != g.actor {
			return errNotCreator
		}
		if err := deleteParticipant(ctx, st, conversationID, target); err != nil {
			return err
		}
		conv, err = c.persistLog(ctx, st, msg, func(cv *model.Conversation) {
			cv.ParticipantIDs = lo.Without(cv.ParticipantIDs, target.ParticipantID)
		})
		return err
	})
	if err != nil {
		return nil, classify("remove participant", err)
	}

	// The removed user hears about it too.
	c.announce(ctx, conv, msg, g.memberIDs(), model.JournalParticipantsChanged, map[string]any{"removed": userID})
	return msg, nil
}

// RenameConversation sets the display name of a group conversation with more
// than two participants.
func (c *Coordinator) RenameConversation(ctx context.Context, connectionID, conversationID, name string) (msg *model.Message, err error) {
	ctx, span := c.startSpan(ctx, "RenameConversation", attribute.String("conversation_id", conversationID))
	defer func() { endSpan(span, err) }()

	name = strings.TrimSpace(name)
	if name == "" {
		return nil, chaterr.Validation("name is required", map[string]string{"name": "required"})
	}
	if len(name) > maxConversationNameLength {
		return nil, chaterr.Validation("name is too long", map[string]string{"name": "max"})
	}

	g, err := c.loadGroup(ctx, connectionID, conversationID)
	if err != nil {
		return nil, err
	}
	if len(g.participants) <= 2 {
		return nil, chaterr.New(chaterr.KindForbidden, "only groups of more than two can be renamed")
	}

	now := time.Now().UTC()
	content := fmt.Sprintf("%s renamed the conversation to %s", g.actor, name)
	msg = newLogMessage(conversationID, g.actor, content, now)

	var conv *model.Conversation
	err = c.atomically(ctx, func(st store.Store) error {
		var err error
		conv, err = c.persistLog(ctx, st, msg, func(cv *model.Conversation) {
			cv.Name = name
		})
		return err
	})
	if err != nil {
		return nil, classify("rename conversation", err)
	}

	c.announce(ctx, conv, msg, g.memberIDs(), model.JournalConversationRenamed, map[string]any{"name": name})
	return msg, nil
}

// successor returns the external id of the oldest participant left in the
// conversation, or "" when it is empty.
func successor(ctx context.Context, st store.Store, conversationID string) (string, error) {
	rest, err := st.ListParticipants(ctx, conversationID)
	if err != nil || len(rest) == 0 {
		return "", err
	}
	user, err := st.GetUser(ctx, rest[0].UserID)
	if err != nil {
		return "", err
	}
	return user.ExternalUserID, nil
}

func deleteParticipant(ctx context.Context, st store.Store, conversationID string, p model.ResolvedParticipant) error {
	return st.DeleteParticipant(ctx, model.Participant{
		ID:             p.ParticipantID,
		ConversationID: conversationID,
		UserID:         p.User.ID,
	})
}

// persistLog stores a log message, applies change to the freshly read
// conversation and makes the log its last message.
func (c *Coordinator) persistLog(ctx context.Context, st store.Store, msg *model.Message, change func(conv *model.Conversation)) (*model.Conversation, error) {
	if err := st.InsertMessage(ctx, msg); err != nil {
		return nil, err
	}
	return updateConversation(ctx, st, msg.ConversationID, func(cv *model.Conversation) {
		change(cv)
		touch(cv, msg)
	})
}

// announce pushes a logMessage to recipients and journals the change.
func (c *Coordinator) announce(
	ctx context.Context,
	conv *model.Conversation,
	msg *model.Message,
	recipients []string,
	kind model.JournalEventType,
	metadata map[string]any,
) {
	metrics.MessagesTotal.WithLabelValues(c.tenantID, string(msg.Type)).Inc()
	c.record(ctx, &model.JournalEvent{
		ConversationID: conv.ID,
		Type:           kind,
		ActorUserID:    msg.SenderID,
		MessageID:      msg.ID,
		Metadata:       metadata,
	})

	reached := c.fanOut(recipients, model.Event{
		Name: model.EventLogMessage,
		Payload: model.LogMessagePayload{
			MessageID:          msg.ID,
			ConversationID:     conv.ID,
			ActorUserID:        msg.SenderID,
			Content:            msg.Content,
			Name:               conv.Name,
			ParticipantUserIDs: recipients,
			CreatedAt:          msg.CreatedAt,
		},
	})

	c.logger.Info("conversation updated",
		zap.String("conversation_id", conv.ID),
		zap.String("change", string(kind)),
		zap.String("actor", msg.SenderID),
		zap.Int("reached", reached),
	)
}

func newLogMessage(conversationID, actor, content string, at time.Time) *model.Message {
	return &model.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conversationID,
		SenderID:       actor,
		Content:        content,
		Type:           model.MessageLog,
		Status:         model.StatusDelivered,
		SeenBy:         []string{},
		CreatedAt:      at,
	}
}
