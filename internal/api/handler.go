// Package api provides the HTTP handlers for the stored-procedure gateway.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"procgate/internal/domain"
	"procgate/internal/service/audit"
	"procgate/internal/service/gateway"
)

// Handler carries the services the routes need.
type Handler struct {
	gateway *gateway.Gateway
	audit   *audit.Service
	logger  *slog.Logger
}

// NewHandler creates the API handler.
func NewHandler(gw *gateway.Gateway, auditSvc *audit.Service, logger *slog.Logger) *Handler {
	return &Handler{gateway: gw, audit: auditSvc, logger: logger}
}

// Routes mounts the handler's endpoints on a chi router.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/v1/invoke", h.Invoke)
	r.Post("/v1/invoke/batch", h.InvokeBatch)
	r.Get("/v1/audit/events", h.ListAuditEvents)
}

// parameterRequest is one parameter in an invoke request body.
type parameterRequest struct {
	Name      string `json:"name"`
	Value     any    `json:"value"`
	Direction string `json:"direction,omitempty"`
}

// invokeRequest is the body of POST /v1/invoke.
type invokeRequest struct {
	Procedure  string             `json:"procedure"`
	Parameters []parameterRequest `json:"parameters,omitempty"`
	TimeoutMs  int64              `json:"timeout_ms,omitempty"`
}

// invokeResponse is the successful result of one invocation.
type invokeResponse struct {
	Columns         []string       `json:"columns,omitempty"`
	Rows            [][]any        `json:"rows,omitempty"`
	RowCount        int            `json:"row_count"`
	OutputParams    map[string]any `json:"output_params,omitempty"`
	ReturnValue     any            `json:"return_value,omitempty"`
	RowsAffected    int64          `json:"rows_affected"`
	ExecutionTimeMs int64          `json:"execution_time_ms"`
	CorrelationID   string         `json:"correlation_id"`
}

func (req invokeRequest) toCall(correlationID string) domain.ProcedureCall {
	call := domain.ProcedureCall{
		Procedure:     req.Procedure,
		CorrelationID: correlationID,
	}
	if req.TimeoutMs > 0 {
		call.Timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	for _, p := range req.Parameters {
		call.Parameters = append(call.Parameters, domain.Parameter{
			Name:      p.Name,
			Value:     p.Value,
			Direction: domain.ParameterDirection(p.Direction),
		})
	}
	return call
}

func toInvokeResponse(result *domain.ProcedureResult, correlationID string) invokeResponse {
	return invokeResponse{
		Columns:         result.Columns,
		Rows:            result.Rows,
		RowCount:        result.RowCount,
		OutputParams:    result.OutputParams,
		ReturnValue:     result.ReturnValue,
		RowsAffected:    result.RowsAffected,
		ExecutionTimeMs: result.ExecutionTimeMs,
		CorrelationID:   correlationID,
	}
}

// Invoke handles POST /v1/invoke.
func (h *Handler) Invoke(w http.ResponseWriter, r *http.Request) {
	correlationID := domain.CorrelationIDFromContext(r.Context())

	var req invokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		vErr := domain.NewValidationError(correlationID, "malformed request body")
		vErr.AddFieldError("body", "must be valid JSON")
		h.writeError(w, r, vErr)
		return
	}

	result, err := h.gateway.Invoke(r.Context(), req.toCall(correlationID))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, toInvokeResponse(result, correlationID))
}

// batchRequest is the body of POST /v1/invoke/batch.
type batchRequest struct {
	Calls []invokeRequest `json:"calls"`
}

type batchResponse struct {
	Results       []invokeResponse `json:"results"`
	CorrelationID string           `json:"correlation_id"`
}

// InvokeBatch handles POST /v1/invoke/batch. All calls share one
// transaction; any failure rolls the whole batch back.
func (h *Handler) InvokeBatch(w http.ResponseWriter, r *http.Request) {
	correlationID := domain.CorrelationIDFromContext(r.Context())

	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		vErr := domain.NewValidationError(correlationID, "malformed request body")
		vErr.AddFieldError("body", "must be valid JSON")
		h.writeError(w, r, vErr)
		return
	}

	calls := make([]domain.ProcedureCall, len(req.Calls))
	for i, c := range req.Calls {
		calls[i] = c.toCall(correlationID)
	}

	results, err := h.gateway.InvokeBatch(r.Context(), calls)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := batchResponse{CorrelationID: correlationID}
	for _, result := range results {
		resp.Results = append(resp.Results, toInvokeResponse(result, correlationID))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

type auditEventResponse struct {
	ID            string         `json:"id"`
	EventType     string         `json:"event_type"`
	EventSubType  string         `json:"event_sub_type"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id"`
	ActorID       string         `json:"actor_id"`
	ActorName     string         `json:"actor_name,omitempty"`
	ResourceType  string         `json:"resource_type,omitempty"`
	ResourceName  string         `json:"resource_name,omitempty"`
	Action        string         `json:"action"`
	Result        string         `json:"result"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	DurationMs    int64          `json:"duration_ms"`
	Data          map[string]any `json:"data,omitempty"`
}

type auditListResponse struct {
	Events []auditEventResponse `json:"events"`
	Total  int64                `json:"total"`
}

// ListAuditEvents handles GET /v1/audit/events. Visibility is enforced by
// the audit service: non-admin callers only ever see their own events.
func (h *Handler) ListAuditEvents(w http.ResponseWriter, r *http.Request) {
	correlationID := domain.CorrelationIDFromContext(r.Context())
	filter, err := auditFilterFromQuery(correlationID, r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	events, total, err := h.audit.List(r.Context(), correlationID, filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := auditListResponse{Total: total, Events: make([]auditEventResponse, 0, len(events))}
	for _, e := range events {
		resp.Events = append(resp.Events, auditEventResponse{
			ID:            e.ID,
			EventType:     e.EventType,
			EventSubType:  e.EventSubType,
			Timestamp:     e.Timestamp,
			CorrelationID: e.CorrelationID,
			ActorID:       e.Actor.ID,
			ActorName:     e.Actor.DisplayName,
			ResourceType:  e.ResourceType,
			ResourceName:  e.ResourceName,
			Action:        e.Action,
			Result:        string(e.Result),
			ErrorMessage:  e.ErrorMessage,
			DurationMs:    e.DurationMs,
			Data:          e.AdditionalData,
		})
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func auditFilterFromQuery(correlationID string, r *http.Request) (domain.AuditFilter, error) {
	q := r.URL.Query()
	var filter domain.AuditFilter

	if v := q.Get("actor_id"); v != "" {
		filter.ActorID = &v
	}
	if v := q.Get("event_type"); v != "" {
		filter.EventType = &v
	}
	if v := q.Get("action"); v != "" {
		filter.Action = &v
	}
	if v := q.Get("correlation_id"); v != "" {
		filter.CorrelationID = &v
	}
	if v := q.Get("result"); v != "" {
		result := domain.AuditResult(v)
		if !domain.ValidResult(result) {
			vErr := domain.NewValidationError(correlationID, "invalid audit filter")
			vErr.AddFieldError("result", "must be Success, Failure, or PartialSuccess")
			return filter, vErr
		}
		filter.Result = &result
	}
	for name, dst := range map[string]**time.Time{"from": &filter.From, "to": &filter.To} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			vErr := domain.NewValidationError(correlationID, "invalid audit filter")
			vErr.AddFieldError(name, "must be an RFC 3339 timestamp")
			return filter, vErr
		}
		*dst = &ts
	}
	if v := q.Get("page_size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			vErr := domain.NewValidationError(correlationID, "invalid audit filter")
			vErr.AddFieldError("page_size", "must be an integer")
			return filter, vErr
		}
		filter.Page.Size = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			vErr := domain.NewValidationError(correlationID, "invalid audit filter")
			vErr.AddFieldError("offset", "must be an integer")
			return filter, vErr
		}
		filter.Page.Offset = n
	}

	return filter, nil
}

// Healthz is the liveness probe. It does not touch the database.
func Healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
