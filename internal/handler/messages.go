package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/chat-delivery/internal/middleware"
	"github.com/capitalize-ai/chat-delivery/internal/model"
	"github.com/capitalize-ai/chat-delivery/internal/tenant"
	"github.com/capitalize-ai/chat-delivery/pkg/logger"
)

// MessageHandler handles message history.
type MessageHandler struct {
	tenants *tenant.Context
	logger  *logger.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(tenants *tenant.Context, log *logger.Logger) *MessageHandler {
	return &MessageHandler{
		tenants: tenants,
		logger:  log,
	}
}

// List handles GET /api/v1/conversations/{id}/messages?before=&limit=
// Messages come newest first; pass next_cursor as before for the next page.
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	services, err := servicesFor(r, h.tenants)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	resp, err := services.Coordinator.History(
		r.Context(),
		middleware.GetUserID(r.Context()),
		chi.URLParam(r, "id"),
		r.URL.Query().Get("before"),
		limit,
	)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if resp.Messages == nil {
		resp.Messages = []model.Message{}
	}

	writeJSON(w, http.StatusOK, resp)
}
