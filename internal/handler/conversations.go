// Package handler provides the read-only REST API over a tenant's chats.
package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/chat-delivery/internal/middleware"
	"github.com/capitalize-ai/chat-delivery/internal/model"
	"github.com/capitalize-ai/chat-delivery/internal/tenant"
	"github.com/capitalize-ai/chat-delivery/pkg/logger"
)

// ConversationHandler handles conversation endpoints.
type ConversationHandler struct {
	tenants *tenant.Context
	logger  *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(tenants *tenant.Context, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		tenants: tenants,
		logger:  log,
	}
}

// List handles GET /api/v1/conversations
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	services, err := servicesFor(r, h.tenants)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	summaries, err := services.Coordinator.LatestMessages(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if summaries == nil {
		summaries = []model.ConversationSummary{}
	}

	writeJSON(w, http.StatusOK, model.ListConversationsResponse{
		Conversations: summaries,
		Total:         len(summaries),
	})
}

// Participants handles GET /api/v1/conversations/{id}/participants
func (h *ConversationHandler) Participants(w http.ResponseWriter, r *http.Request) {
	services, err := servicesFor(r, h.tenants)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	participants, err := services.Coordinator.Participants(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, model.ListParticipantsResponse{Participants: participants})
}
