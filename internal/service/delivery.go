package service

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chat-delivery/internal/chaterr"
	"github.com/capitalize-ai/chat-delivery/internal/model"
	"github.com/capitalize-ai/chat-delivery/internal/registry"
	"github.com/capitalize-ai/chat-delivery/internal/store"
	"github.com/capitalize-ai/chat-delivery/pkg/logger"
	"github.com/capitalize-ai/chat-delivery/pkg/metrics"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 100
)

// Coordinator runs the message status state machine of one tenant and pushes
// events to whichever participants are currently connected.
type Coordinator struct {
	tenantID string
	store    store.Store
	registry *registry.Registry
	resolver *ParticipantResolver
	journal  Publisher
	logger   *logger.Logger
	tracer   trace.Tracer

	// createMu serialises conversation creation so two requests for the same
	// participant set cannot both miss the duplicate check.
	createMu sync.Mutex
}

// NewCoordinator creates a coordinator for one tenant.
func NewCoordinator(
	tenantID string,
	st store.Store,
	reg *registry.Registry,
	resolver *ParticipantResolver,
	journal Publisher,
	log *logger.Logger,
) *Coordinator {
	if journal == nil {
		journal = NopPublisher{}
	}
	return &Coordinator{
		tenantID: tenantID,
		store:    st,
		registry: reg,
		resolver: resolver,
		journal:  journal,
		logger:   log.WithTenant(tenantID),
		tracer:   otel.Tracer("github.com/capitalize-ai/chat-delivery/internal/service"),
	}
}

// Connect binds a connection to userID. Any previous identity of the
// connection is dropped. The newest message of each of the user's
// conversations that is still waiting for them becomes DELIVERED.
func (c *Coordinator) Connect(ctx context.Context, connectionID, userID string, sink registry.Sink) (err error) {
	ctx, span := c.startSpan(ctx, "Connect", attribute.String("user_id", userID))
	defer func() { endSpan(span, err) }()

	if strings.TrimSpace(userID) == "" {
		return chaterr.Validation("userId is required", map[string]string{"userId": "required"})
	}

	users, err := c.store.EnsureUsers(ctx, []string{userID})
	if err != nil {
		return chaterr.Wrap(chaterr.KindInternal, "register user", err)
	}

	c.registry.Remove(connectionID)
	c.registry.Register(userID, connectionID, sink)

	c.logger.Debug("session registered",
		zap.String("user_id", userID),
		zap.String("connection_id", connectionID),
	)

	if err := c.syncDelivered(ctx, users[0]); err != nil {
		c.logger.Warn("failed to advance pending messages on connect",
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}
	return nil
}

// syncDelivered marks the latest waiting message of every conversation of
// user as DELIVERED and tells its sender.
func (c *Coordinator) syncDelivered(ctx context.Context, user model.User) error {
	convIDs, err := c.store.ListConversationIDs(ctx, user.ID)
	if err != nil {
		return err
	}
	for _, convID := range convIDs {
		latest, err := c.store.LatestMessage(ctx, convID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if latest.SenderID == user.ExternalUserID || latest.Status != model.StatusSent {
			continue
		}
		msg, changed, err := c.store.AdvanceStatus(ctx, latest.ID, model.StatusDelivered)
		if err != nil {
			return err
		}
		if !changed {
			continue
		}
		c.statusChanged(ctx, msg, user.ExternalUserID)

		conv, err := c.store.GetConversation(ctx, convID)
		if err != nil {
			return err
		}
		c.fanOut([]string{msg.SenderID}, model.Event{
			Name:    model.EventStatusUpdate,
			Payload: statusPayload(msg, conv),
		})
	}
	return nil
}

// Disconnect forgets a connection. Unknown connections are ignored.
func (c *Coordinator) Disconnect(connectionID string) {
	c.registry.Remove(connectionID)
}

// CreateConversation creates a conversation between the connected user and
// participantUserIDs, or returns the existing one with the same participants.
func (c *Coordinator) CreateConversation(ctx context.Context, connectionID string, participantUserIDs []string) (id string, err error) {
	ctx, span := c.startSpan(ctx, "CreateConversation")
	defer func() { endSpan(span, err) }()

	actor, err := c.actor(connectionID)
	if err != nil {
		return "", err
	}

	if len(participantUserIDs) == 0 {
		return "", chaterr.New(chaterr.KindInvalidParticipants, "participant list is empty")
	}
	if lo.Contains(participantUserIDs, "") {
		return "", chaterr.New(chaterr.KindInvalidParticipants, "participant ids must not be empty")
	}
	if dups := lo.FindDuplicates(participantUserIDs); len(dups) > 0 {
		return "", chaterr.New(chaterr.KindInvalidParticipants, "duplicate participant "+dups[0])
	}

	members := lo.Uniq(append([]string{actor}, participantUserIDs...))
	if len(members) < 2 {
		return "", chaterr.New(chaterr.KindInvalidParticipants, "a conversation needs at least two participants")
	}

	c.createMu.Lock()
	defer c.createMu.Unlock()

	existing, err := c.resolver.FindConversationBySameParticipants(ctx, members)
	if err != nil {
		return "", err
	}
	if existing != nil {
		c.logger.Debug("reusing conversation with same participants",
			zap.String("conversation_id", existing.ID),
		)
		return existing.ID, nil
	}

	now := time.Now().UTC()
	conv := &model.Conversation{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Type:      model.TypeForSize(len(members)),
		CreatedBy: actor,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = c.atomically(ctx, func(st store.Store) error {
		users, err := st.EnsureUsers(ctx, members)
		if err != nil {
			return err
		}
		participants := newParticipants(conv.ID, users, now)
		conv.ParticipantIDs = participantIDsOf(participants)
		return st.CreateConversation(ctx, conv, participants)
	})
	if err != nil {
		return "", chaterr.Wrap(chaterr.KindInternal, "create conversation", err)
	}

	metrics.ConversationsTotal.WithLabelValues(c.tenantID, string(conv.Type)).Inc()
	c.record(ctx, &model.JournalEvent{
		ConversationID: conv.ID,
		Type:           model.JournalConversationCreated,
		ActorUserID:    actor,
		Metadata:       map[string]any{"participants": members, "type": conv.Type},
	})

	c.logger.Info("conversation created",
		zap.String("conversation_id", conv.ID),
		zap.String("type", string(conv.Type)),
		zap.Int("participants", len(members)),
	)
	return conv.ID, nil
}

// SendMessage persists a message from the connected user and pushes it to
// every reachable recipient. The message becomes DELIVERED only when at least
// one recipient was reachable.
func (c *Coordinator) SendMessage(ctx context.Context, connectionID, conversationID, content string) (msg *model.Message, err error) {
	ctx, span := c.startSpan(ctx, "SendMessage", attribute.String("conversation_id", conversationID))
	defer func() { endSpan(span, err) }()

	actor, err := c.actor(connectionID)
	if err != nil {
		return nil, err
	}
	conv, err := c.loadConversation(ctx, conversationID, chaterr.KindInvalidConversation)
	if err != nil {
		return nil, err
	}
	members, err := c.memberIDs(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !lo.Contains(members, actor) {
		return nil, chaterr.New(chaterr.KindInvalidConversation, "sender is not a participant")
	}

	latest, err := c.store.LatestMessage(ctx, conversationID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, chaterr.Wrap(chaterr.KindInternal, "load latest message", err)
	}
	isFirst := latest == nil

	// Replying acknowledges what the sender was answering.
	if latest != nil && latest.SenderID != actor && !latest.SeenByUser(actor) {
		if err := c.markSeen(ctx, conv, members, actor, latest.ID); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	msg = &model.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conversationID,
		SenderID:       actor,
		Content:        content,
		Type:           model.MessageText,
		Status:         model.StatusSent,
		SeenBy:         []string{actor},
		CreatedAt:      now,
	}

	err = c.atomically(ctx, func(st store.Store) error {
		if err := st.InsertMessage(ctx, msg); err != nil {
			return err
		}
		if _, err := st.PullSeenBy(ctx, conversationID, actor, msg.ID); err != nil {
			return err
		}
		updated, err := updateConversation(ctx, st, conversationID, func(cv *model.Conversation) {
			touch(cv, msg)
		})
		if err != nil {
			return err
		}
		conv = updated
		return nil
	})
	if err != nil {
		return nil, chaterr.Wrap(chaterr.KindInternal, "persist message", err)
	}

	metrics.MessagesTotal.WithLabelValues(c.tenantID, string(msg.Type)).Inc()
	c.record(ctx, &model.JournalEvent{
		ConversationID: conversationID,
		Type:           model.JournalMessageSent,
		ActorUserID:    actor,
		MessageID:      msg.ID,
		Status:         msg.Status,
	})

	others, err := c.resolver.ListParticipantsExcluding(ctx, conversationID, actor)
	if err != nil {
		return nil, err
	}
	recipients := userIDsOf(others)
	reached := c.fanOut(recipients, model.Event{
		Name: model.EventMessage,
		Payload: model.MessagePayload{
			MessageID:          msg.ID,
			Content:            msg.Content,
			SenderUserID:       actor,
			ConversationID:     conversationID,
			CreatedAt:          msg.CreatedAt,
			IsFirstMessage:     isFirst,
			IsGroup:            conv.IsGroup(),
			ParticipantUserIDs: members,
		},
	})

	if reached > 0 {
		delivered, changed, err := c.store.AdvanceStatus(ctx, msg.ID, model.StatusDelivered)
		if err != nil {
			return nil, chaterr.Wrap(chaterr.KindInternal, "advance message status", err)
		}
		msg = delivered
		if changed {
			c.statusChanged(ctx, msg, actor)
		}
	}

	c.fanOut(members, model.Event{
		Name:    model.EventStatusUpdate,
		Payload: statusPayload(msg, conv),
	})

	c.logger.Debug("message sent",
		zap.String("conversation_id", conversationID),
		zap.String("message_id", msg.ID),
		zap.Int("recipients", len(recipients)),
		zap.Int("reached", reached),
	)
	return msg, nil
}

// LatestMessages returns one summary per conversation of userID, most
// recently active first.
func (c *Coordinator) LatestMessages(ctx context.Context, userID string) (summaries []model.ConversationSummary, err error) {
	ctx, span := c.startSpan(ctx, "LatestMessages", attribute.String("user_id", userID))
	defer func() { endSpan(span, err) }()

	user, err := c.store.GetUserByExternalID(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return []model.ConversationSummary{}, nil
	}
	if err != nil {
		return nil, chaterr.Wrap(chaterr.KindInternal, "load user", err)
	}

	convIDs, err := c.store.ListConversationIDs(ctx, user.ID)
	if err != nil {
		return nil, chaterr.Wrap(chaterr.KindInternal, "list conversations", err)
	}

	summaries = make([]model.ConversationSummary, 0, len(convIDs))
	for _, id := range convIDs {
		conv, err := c.loadConversation(ctx, id, chaterr.KindInternal)
		if err != nil {
			return nil, err
		}
		members, err := c.memberIDs(ctx, id)
		if err != nil {
			return nil, err
		}
		summary := model.ConversationSummary{
			Conversation:       *conv,
			ParticipantUserIDs: members,
		}

		latest, err := c.store.LatestMessage(ctx, id)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return nil, chaterr.Wrap(chaterr.KindInternal, "load latest message", err)
		default:
			summary.LatestMessage = latest
		}

		unread, err := c.unreadCount(ctx, id, userID)
		if err != nil {
			return nil, err
		}
		summary.UnreadCount = unread
		summaries = append(summaries, summary)
	}

	slices.SortStableFunc(summaries, func(a, b model.ConversationSummary) int {
		return b.Conversation.UpdatedAt.Compare(a.Conversation.UpdatedAt)
	})
	return summaries, nil
}

// unreadCount counts the text messages from others newer than the user's
// seen marker.
func (c *Coordinator) unreadCount(ctx context.Context, conversationID, userID string) (int, error) {
	n := 0
	err := c.store.ScanMessages(ctx, conversationID, func(m model.Message) bool {
		if m.SeenByUser(userID) {
			return false
		}
		if m.SenderID != userID && m.Type == model.MessageText {
			n++
		}
		return true
	})
	if err != nil {
		return 0, chaterr.Wrap(chaterr.KindInternal, "count unread messages", err)
	}
	return n, nil
}

// History pages through a conversation newest first. Only participants may
// read it.
func (c *Coordinator) History(ctx context.Context, userID, conversationID, before string, limit int) (resp *model.ListMessagesResponse, err error) {
	ctx, span := c.startSpan(ctx, "History", attribute.String("conversation_id", conversationID))
	defer func() { endSpan(span, err) }()

	if _, err := c.loadConversation(ctx, conversationID, chaterr.KindNotFound); err != nil {
		return nil, err
	}
	if err := c.requireMember(ctx, conversationID, userID); err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	limit = min(limit, maxHistoryLimit)

	msgs, hasMore, err := c.store.ListMessages(ctx, conversationID, before, limit)
	if errors.Is(err, store.ErrNotFound) {
		return nil, chaterr.New(chaterr.KindNotFound, "cursor message does not exist")
	}
	if err != nil {
		return nil, chaterr.Wrap(chaterr.KindInternal, "list messages", err)
	}

	resp = &model.ListMessagesResponse{Messages: msgs, HasMore: hasMore}
	if hasMore && len(msgs) > 0 {
		resp.NextCursor = msgs[len(msgs)-1].ID
	}
	return resp, nil
}

// Participants lists the participants of a conversation for one of its
// members.
func (c *Coordinator) Participants(ctx context.Context, userID, conversationID string) ([]model.ResolvedParticipant, error) {
	participants, err := c.resolver.ListParticipants(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !lo.Contains(userIDsOf(participants), userID) {
		return nil, chaterr.New(chaterr.KindForbidden, "not a participant of this conversation")
	}
	return participants, nil
}

func (c *Coordinator) actor(connectionID string) (string, error) {
	userID, ok := c.registry.LookupUser(connectionID)
	if !ok {
		return "", chaterr.ErrSessionRequired
	}
	return userID, nil
}

func (c *Coordinator) loadConversation(ctx context.Context, id string, missing chaterr.Kind) (*model.Conversation, error) {
	conv, err := c.store.GetConversation(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, chaterr.New(missing, "conversation does not exist")
	}
	if err != nil {
		return nil, chaterr.Wrap(chaterr.KindInternal, "load conversation", err)
	}
	return conv, nil
}

func (c *Coordinator) memberIDs(ctx context.Context, conversationID string) ([]string, error) {
	participants, err := c.resolver.ListParticipants(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return userIDsOf(participants), nil
}

func (c *Coordinator) requireMember(ctx context.Context, conversationID, userID string) error {
	members, err := c.memberIDs(ctx, conversationID)
	if err != nil {
		return err
	}
	if !lo.Contains(members, userID) {
		return chaterr.New(chaterr.KindForbidden, "not a participant of this conversation")
	}
	return nil
}

// updateConversation re-reads a conversation through st, applies change and
// writes it back. Run inside atomically, a concurrent write to the record
// makes the transaction retry against the newer version.
func updateConversation(ctx context.Context, st store.Store, id string, change func(conv *model.Conversation)) (*model.Conversation, error) {
	conv, err := st.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	change(conv)
	if err := st.UpdateConversation(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// touch makes msg the conversation's last message unless a newer one already
// is.
func touch(conv *model.Conversation, msg *model.Message) {
	if msg.CreatedAt.Before(conv.UpdatedAt) {
		return
	}
	conv.LastMessage = msg.Content
	conv.UpdatedAt = msg.CreatedAt
}

// classify keeps errors that are already classified and reports the rest as
// internal failures.
func classify(message string, err error) error {
	var ce *chaterr.Error
	if errors.As(err, &ce) {
		return ce
	}
	return chaterr.Wrap(chaterr.KindInternal, message, err)
}

// atomically runs fn in one store transaction when the store supports it,
// and directly against the store otherwise.
func (c *Coordinator) atomically(ctx context.Context, fn func(st store.Store) error) error {
	if tx, ok := c.store.(store.Transactor); ok {
		return tx.WithinTx(ctx, fn)
	}
	return fn(c.store)
}

// fanOut emits event to every reachable user in userIDs and returns how many
// accepted it.
func (c *Coordinator) fanOut(userIDs []string, event model.Event) int {
	reached := 0
	for _, userID := range userIDs {
		sink, ok := c.registry.LookupByUser(userID)
		if !ok {
			continue
		}
		if err := sink.Emit(event); err != nil {
			c.logger.Debug("recipient unreachable",
				zap.String("user_id", userID),
				zap.String("event", string(event.Name)),
				zap.Error(err),
			)
			continue
		}
		reached++
	}
	metrics.RecordFanout(c.tenantID, string(event.Name), reached, len(userIDs)-reached)
	return reached
}

func (c *Coordinator) statusChanged(ctx context.Context, msg *model.Message, actor string) {
	metrics.StatusTransitionsTotal.WithLabelValues(c.tenantID, string(msg.Status)).Inc()
	c.record(ctx, &model.JournalEvent{
		ConversationID: msg.ConversationID,
		Type:           model.JournalStatusChanged,
		ActorUserID:    actor,
		MessageID:      msg.ID,
		Status:         msg.Status,
	})
}

// record appends an event to the journal. Failures are logged and counted
// but never fail the operation that produced the event.
func (c *Coordinator) record(ctx context.Context, event *model.JournalEvent) {
	event.ID = uuid.Must(uuid.NewV7()).String()
	event.TenantID = c.tenantID
	event.CreatedAt = time.Now().UTC()

	if err := c.journal.Publish(ctx, event); err != nil {
		metrics.JournalPublishFailures.WithLabelValues(c.tenantID).Inc()
		c.logger.Warn("failed to publish journal event",
			zap.String("conversation_id", event.ConversationID),
			zap.String("type", string(event.Type)),
			zap.Error(err),
		)
	}
}

func (c *Coordinator) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("tenant_id", c.tenantID))
	return c.tracer.Start(ctx, "delivery."+name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func statusPayload(msg *model.Message, conv *model.Conversation) model.StatusUpdatePayload {
	return model.StatusUpdatePayload{
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		Status:         msg.Status,
		SeenBy:         slices.Clone(msg.SeenBy),
		IsGroup:        conv.IsGroup(),
	}
}

func newParticipants(conversationID string, users []model.User, at time.Time) []model.Participant {
	return lo.Map(users, func(u model.User, _ int) model.Participant {
		return model.Participant{
			ID:             uuid.Must(uuid.NewV7()).String(),
			ConversationID: conversationID,
			UserID:         u.ID,
			CreatedAt:      at,
		}
	})
}

func participantIDsOf(participants []model.Participant) []string {
	return lo.Map(participants, func(p model.Participant, _ int) string {
		return p.ID
	})
}
