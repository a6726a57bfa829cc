package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"procgate/internal/domain"
)

// errorResponse is the only error shape the API emits. Message always comes
// from SafeMessage; the diagnostic text stays in the logs, findable by
// correlation id.
type errorResponse struct {
	Code          int                 `json:"code"`
	Message       string              `json:"message"`
	CorrelationID string              `json:"correlation_id"`
	Fields        map[string][]string `json:"fields,omitempty"`
}

// httpStatusFromDomainError maps the error taxonomy to HTTP status codes.
func httpStatusFromDomainError(err error) int {
	var validation *domain.ValidationError
	var notFound *domain.NotFoundError
	var security *domain.SecurityError
	var businessRule *domain.BusinessRuleError
	var database *domain.DatabaseError
	var external *domain.ExternalServiceError
	var rateLimit *domain.RateLimitError

	switch {
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &security):
		if security.Kind == domain.SecurityAuthentication {
			return http.StatusUnauthorized
		}
		return http.StatusForbidden
	case errors.As(err, &businessRule):
		return http.StatusUnprocessableEntity
	case errors.As(err, &rateLimit):
		return http.StatusTooManyRequests
	case errors.As(err, &external):
		return http.StatusBadGateway
	case errors.As(err, &database):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err through the boundary: safe message out, diagnostic
// message to the log, correlation id on both so they can be joined later.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := httpStatusFromDomainError(err)
	correlationID := domain.CorrelationIDFromContext(r.Context())

	resp := errorResponse{
		Code:          status,
		Message:       domain.SafeMessageFor(err),
		CorrelationID: correlationID,
	}

	var safe domain.SafeError
	if errors.As(err, &safe) {
		resp.CorrelationID = safe.Correlation()
	}
	var validation *domain.ValidationError
	if errors.As(err, &validation) {
		resp.Fields = validation.Fields
	}
	var rateLimit *domain.RateLimitError
	if errors.As(err, &rateLimit) && rateLimit.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(rateLimit.RetryAfter.Seconds())+1))
	}

	switch {
	case errors.Is(err, context.Canceled):
		// Caller went away; not a server fault.
		h.logger.Info("request cancelled by caller",
			"path", r.URL.Path,
			"correlation_id", resp.CorrelationID,
		)
	case status >= http.StatusInternalServerError:
		h.logger.Error("request failed",
			"path", r.URL.Path,
			"status", status,
			"correlation_id", resp.CorrelationID,
			"error", err,
		)
	default:
		h.logger.Warn("request rejected",
			"path", r.URL.Path,
			"status", status,
			"correlation_id", resp.CorrelationID,
			"error", err,
		)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encErr := json.NewEncoder(w).Encode(resp); encErr != nil {
		h.logger.Error("encode error response", "error", encErr)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("encode response", "error", err)
	}
}
