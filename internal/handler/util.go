package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chat-delivery/internal/chaterr"
	"github.com/capitalize-ai/chat-delivery/internal/middleware"
	"github.com/capitalize-ai/chat-delivery/internal/model"
	"github.com/capitalize-ai/chat-delivery/internal/tenant"
	"github.com/capitalize-ai/chat-delivery/pkg/logger"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes err as a JSON error response with the status matching
// its kind. Internal errors are logged and reported without detail.
func writeError(w http.ResponseWriter, r *http.Request, log *logger.Logger, err error) {
	ce := chaterr.As(err)
	status := statusOf(ce.Kind)

	message := ce.Message
	if ce.Kind == chaterr.KindInternal {
		log.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			zap.Error(err),
		)
		message = "internal error"
	}

	writeJSON(w, status, model.ErrorPayload{
		Message: message,
		Code:    string(ce.Kind),
		Fields:  ce.Fields,
	})
}

func statusOf(kind chaterr.Kind) int {
	switch kind {
	case chaterr.KindValidation, chaterr.KindInvalidParticipants, chaterr.KindInvalidConversation:
		return http.StatusBadRequest
	case chaterr.KindSessionRequired:
		return http.StatusUnauthorized
	case chaterr.KindForbidden:
		return http.StatusForbidden
	case chaterr.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// servicesFor returns the bundle of the caller's tenant.
func servicesFor(r *http.Request, tenants *tenant.Context) (*tenant.Services, error) {
	return tenants.Services(middleware.GetTenantID(r.Context()))
}

// queryInt parses a positive integer query parameter, returning def when it
// is absent.
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, chaterr.Validation("invalid query parameter", map[string]string{name: "gt=0"})
	}
	return v, nil
}
