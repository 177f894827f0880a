//go:generate go run go.uber.org/mock/mockgen -source=events.go -destination=../mocks/mock_event_reader.go -package=mocks
package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/chat-delivery/internal/chaterr"
	"github.com/capitalize-ai/chat-delivery/internal/middleware"
	"github.com/capitalize-ai/chat-delivery/internal/model"
	"github.com/capitalize-ai/chat-delivery/internal/tenant"
	"github.com/capitalize-ai/chat-delivery/pkg/logger"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 500
)

// EventReader reads a conversation's journal.
type EventReader interface {
	Events(ctx context.Context, tenantID, conversationID string, afterSequence uint64, limit int) ([]model.JournalEvent, uint64, bool, error)
}

// EventHandler serves the event journal of a conversation.
type EventHandler struct {
	tenants *tenant.Context
	reader  EventReader
	logger  *logger.Logger
}

// NewEventHandler creates a new event handler.
func NewEventHandler(tenants *tenant.Context, reader EventReader, log *logger.Logger) *EventHandler {
	return &EventHandler{
		tenants: tenants,
		reader:  reader,
		logger:  log,
	}
}

// List handles GET /api/v1/conversations/{id}/events?after_sequence=&limit=
func (h *EventHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "id")

	var afterSequence uint64
	if seq := r.URL.Query().Get("after_sequence"); seq != "" {
		parsed, err := strconv.ParseUint(seq, 10, 64)
		if err != nil {
			writeError(w, r, h.logger, chaterr.Validation("invalid query parameter", map[string]string{"after_sequence": "number"}))
			return
		}
		afterSequence = parsed
	}

	limit, err := queryInt(r, "limit", defaultEventLimit)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	limit = min(limit, maxEventLimit)

	services, err := servicesFor(r, h.tenants)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	// Only members may read a conversation's journal.
	if _, err := services.Coordinator.Participants(ctx, middleware.GetUserID(ctx), conversationID); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	events, last, hasMore, err := h.reader.Events(ctx, services.TenantID, conversationID, afterSequence, limit)
	if err != nil {
		writeError(w, r, h.logger, chaterr.Wrap(chaterr.KindInternal, "read journal", err))
		return
	}
	if events == nil {
		events = []model.JournalEvent{}
	}

	writeJSON(w, http.StatusOK, model.ListEventsResponse{
		Events:       events,
		LastSequence: last,
		HasMore:      hasMore,
	})
}
