package domain

import (
	"context"
	"time"
)

// AuditResult is the closed set of outcomes an audit event may record.
type AuditResult string

const (
	ResultSuccess        AuditResult = "Success"
	ResultFailure        AuditResult = "Failure"
	ResultPartialSuccess AuditResult = "PartialSuccess"
)

// ValidResult reports whether r is a member of the closed result set.
func ValidResult(r AuditResult) bool {
	switch r {
	case ResultSuccess, ResultFailure, ResultPartialSuccess:
		return true
	}
	return false
}

// Event types. EventSubType refines these (e.g. "Execute", "LoginFailure").
const (
	EventTypeDatabase = "Database"
	EventTypeSecurity = "Security"
)

// Actor identifies who performed the audited operation.
type Actor struct {
	ID          string
	DisplayName string
	Roles       []string
}

// AuditEvent is an immutable record of one attempted operation. It is
// created once at the boundary of an executor invocation and never mutated
// after it is handed to the recorder.
type AuditEvent struct {
	ID             string
	EventType      string
	EventSubType   string
	Timestamp      time.Time // always UTC
	CorrelationID  string
	Actor          Actor
	IPAddress      string
	ResourceType   string
	ResourceID     string
	ResourceName   string
	Action         string
	Result         AuditResult
	ErrorCode      string
	ErrorMessage   string
	DurationMs     int64
	AdditionalData map[string]any
}

// DatabaseOperation classifies the effect of a database audit event.
type DatabaseOperation string

const (
	OpCreate  DatabaseOperation = "Create"
	OpRead    DatabaseOperation = "Read"
	OpUpdate  DatabaseOperation = "Update"
	OpDelete  DatabaseOperation = "Delete"
	OpExecute DatabaseOperation = "Execute"
)

// NewDatabaseAuditEvent builds an audit event for one stored-procedure
// invocation. Parameter names are recorded; parameter values never are.
func NewDatabaseAuditEvent(correlationID string, actor Actor, op DatabaseOperation,
	procedure, action string, paramNames []string, rowsAffected, executionTimeMs int64,
	result AuditResult, errorMessage string) *AuditEvent {

	return &AuditEvent{
		ID:            NewID(),
		EventType:     EventTypeDatabase,
		EventSubType:  string(op),
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
		Actor:         actor,
		ResourceType:  "stored_procedure",
		ResourceName:  procedure,
		Action:        action,
		Result:        result,
		ErrorMessage:  errorMessage,
		DurationMs:    executionTimeMs,
		AdditionalData: map[string]any{
			"stored_procedure":  procedure,
			"parameters":        paramNames,
			"rows_affected":     rowsAffected,
			"execution_time_ms": executionTimeMs,
			"success":           result == ResultSuccess,
		},
	}
}

// SecurityEventType enumerates the recognised security event sub-kinds.
type SecurityEventType string

const (
	SecurityLoginSuccess       SecurityEventType = "LoginSuccess"
	SecurityLoginFailure       SecurityEventType = "LoginFailure"
	SecurityUnauthorizedAccess SecurityEventType = "UnauthorizedAccess"
	SecurityPermissionDenied   SecurityEventType = "PermissionDenied"
	SecuritySuspiciousActivity SecurityEventType = "SuspiciousActivity"
)

// NewSecurityAuditEvent builds an audit event for a security-relevant
// occurrence. RiskScore is clamped to [0, 1].
func NewSecurityAuditEvent(correlationID string, actor Actor, kind SecurityEventType,
	resource, action string, riskScore float64, threatIndicators []string) *AuditEvent {

	if riskScore < 0 {
		riskScore = 0
	}
	if riskScore > 1 {
		riskScore = 1
	}

	result := ResultSuccess
	switch kind {
	case SecurityLoginFailure, SecurityUnauthorizedAccess, SecurityPermissionDenied, SecuritySuspiciousActivity:
		result = ResultFailure
	}

	return &AuditEvent{
		ID:            NewID(),
		EventType:     EventTypeSecurity,
		EventSubType:  string(kind),
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
		Actor:         actor,
		ResourceName:  resource,
		Action:        action,
		Result:        result,
		AdditionalData: map[string]any{
			"risk_score":        riskScore,
			"threat_indicators": threatIndicators,
		},
	}
}

// FieldChange is one entry in a before/after diff.
type FieldChange struct {
	Field    string `json:"field"`
	OldValue any    `json:"old_value"`
	NewValue any    `json:"new_value"`
}

// AuditFilter narrows audit event queries.
type AuditFilter struct {
	ActorID       *string
	EventType     *string
	Action        *string
	Result        *AuditResult
	CorrelationID *string
	From          *time.Time
	To            *time.Time
	Page          PageRequest
}

// AuditRepository is the persistence port for audit events. The store is
// append-only: there is no update operation, and deletion exists solely for
// retention sweeps.
type AuditRepository interface {
	Insert(ctx context.Context, e *AuditEvent) error
	List(ctx context.Context, filter AuditFilter) ([]AuditEvent, int64, error)
	DeleteOlderThan(ctx context.Context, eventType string, cutoff time.Time) (int64, error)
}
