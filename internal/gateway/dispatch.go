package gateway

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chat-delivery/internal/chaterr"
	"github.com/capitalize-ai/chat-delivery/internal/middleware"
	"github.com/capitalize-ai/chat-delivery/internal/model"
	"github.com/capitalize-ai/chat-delivery/internal/tenant"
	"github.com/capitalize-ai/chat-delivery/pkg/logger"
	"github.com/capitalize-ai/chat-delivery/pkg/metrics"
)

type initRequest struct {
	UserID string `json:"userId" validate:"required,max=256"`
}

type createConversationRequest struct {
	ParticipantUserIDs []string `json:"participantUserIds" validate:"required,min=1,max=256,dive,required,max=256"`
}

type sendMessageRequest struct {
	ConversationID string `json:"conversationId" validate:"required"`
	Content        string `json:"content" validate:"required,max=10000"`
}

type conversationRequest struct {
	ConversationID string `json:"conversationId" validate:"required"`
}

type addParticipantsRequest struct {
	ConversationID     string   `json:"conversationId" validate:"required"`
	ParticipantUserIDs []string `json:"participantUserIds" validate:"required,min=1,max=256,dive,required,max=256"`
}

type removeParticipantRequest struct {
	ConversationID    string `json:"conversationId" validate:"required"`
	ParticipantUserID string `json:"participantUserId" validate:"required"`
}

type renameConversationRequest struct {
	ConversationID string `json:"conversationId" validate:"required"`
	Name           string `json:"name" validate:"required,max=256"`
}

// connection is the inbound side of one WebSocket session.
type connection struct {
	id       string
	peer     *peer
	services *tenant.Services
	logger   *logger.Logger
}

func (c *connection) handle(ctx context.Context, frame inboundFrame) {
	start := time.Now()
	err := c.dispatch(ctx, frame)

	status := "ok"
	if err != nil {
		ce := chaterr.As(err)
		status = string(ce.Kind)
		if ce.Kind == chaterr.KindInternal {
			c.logger.Error("realtime event failed",
				zap.String("event", string(frame.Event)),
				zap.Error(err),
			)
		}
		c.reply(frame.RequestID, model.EventError, model.ErrorPayload{
			Message: ce.Message,
			Code:    string(ce.Kind),
			Fields:  ce.Fields,
		})
	}
	metrics.RecordRealtimeEvent(string(frame.Event), status, time.Since(start).Seconds())
}

func (c *connection) dispatch(ctx context.Context, frame inboundFrame) error {
	coord := c.services.Coordinator

	switch frame.Event {
	case model.EventInit:
		var req initRequest
		if err := middleware.DecodeAndValidate(frame.Data, &req); err != nil {
			return err
		}
		return coord.Connect(ctx, c.id, req.UserID, c.peer)

	case model.EventCreateConversation:
		var req createConversationRequest
		if err := middleware.DecodeAndValidate(frame.Data, &req); err != nil {
			return err
		}
		id, err := coord.CreateConversation(ctx, c.id, req.ParticipantUserIDs)
		if err != nil {
			return err
		}
		c.reply(frame.RequestID, model.EventConversationInfo, model.ConversationInfoPayload{ConversationID: id})
		return nil

	case model.EventSendMessage:
		var req sendMessageRequest
		if err := middleware.DecodeAndValidate(frame.Data, &req); err != nil {
			return err
		}
		_, err := coord.SendMessage(ctx, c.id, req.ConversationID, req.Content)
		return err

	case model.EventSeenMessage:
		var req conversationRequest
		if err := middleware.DecodeAndValidate(frame.Data, &req); err != nil {
			return err
		}
		return coord.MarkSeen(ctx, c.id, req.ConversationID)

	case model.EventAddParticipants:
		var req addParticipantsRequest
		if err := middleware.DecodeAndValidate(frame.Data, &req); err != nil {
			return err
		}
		msg, err := coord.AddParticipants(ctx, c.id, req.ConversationID, req.ParticipantUserIDs)
		if err != nil {
			return err
		}
		if msg == nil {
			c.reply(frame.RequestID, model.EventWarning, model.ErrorPayload{
				Message: "everyone is already a participant",
				Code:    string(chaterr.KindInvalidParticipants),
			})
		}
		return nil

	case model.EventLeaveConversation:
		var req conversationRequest
		if err := middleware.DecodeAndValidate(frame.Data, &req); err != nil {
			return err
		}
		_, err := coord.LeaveConversation(ctx, c.id, req.ConversationID)
		return err

	case model.EventRemoveParticipant:
		var req removeParticipantRequest
		if err := middleware.DecodeAndValidate(frame.Data, &req); err != nil {
			return err
		}
		_, err := coord.RemoveParticipant(ctx, c.id, req.ConversationID, req.ParticipantUserID)
		return err

	case model.EventRenameConversation:
		var req renameConversationRequest
		if err := middleware.DecodeAndValidate(frame.Data, &req); err != nil {
			return err
		}
		_, err := coord.RenameConversation(ctx, c.id, req.ConversationID, req.Name)
		return err
	}

	c.reply(frame.RequestID, model.EventWarning, model.ErrorPayload{
		Message: "unknown event " + string(frame.Event),
		Code:    string(chaterr.KindValidation),
	})
	return nil
}

// reply queues a frame for this connection only.
func (c *connection) reply(requestID string, name model.EventName, payload any) {
	if err := c.peer.Emit(model.Event{Name: name, RequestID: requestID, Payload: payload}); err != nil {
		c.logger.Debug("dropped reply", zap.String("event", string(name)), zap.Error(err))
	}
}
