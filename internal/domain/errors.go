// Package domain defines core types, interfaces, and errors for the
// stored-procedure gateway.
package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Fixed caller-facing messages. These never interpolate diagnostic data;
// the full Message and Details are log-only and recoverable via the
// correlation id.
const (
	safeAuthenticationFailed = "authentication failed"
	safeAuthorizationFailed  = "you are not authorized to perform this operation"
	safeSuspiciousActivity   = "request blocked"
	safeDatabaseFailure      = "a database error occurred, please retry later"
	safeConfigurationFailure = "service configuration error"
	safeExternalFailure      = "an upstream dependency is unavailable"
	safeRateLimited          = "rate limit exceeded"
	safeInternalFailure      = "an internal error occurred"
)

// SafeError is implemented by every gateway error kind. SafeMessage returns
// the only text cleared for display to an untrusted caller; Error() carries
// the diagnostic message and is log-only.
type SafeError interface {
	error
	SafeMessage() string
	Correlation() string
}

// fault holds the fields shared by every error kind.
type fault struct {
	Message       string
	CorrelationID string
	Timestamp     time.Time
	Details       map[string]any
}

func newFault(correlationID, message string) fault {
	if correlationID == "" {
		correlationID = NewCorrelationID()
	}
	return fault{
		Message:       message,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC(),
	}
}

func (f *fault) Error() string       { return f.Message }
func (f *fault) Correlation() string { return f.CorrelationID }

// AddDetail attaches a structured diagnostic value. Details are log-only and
// never surface in SafeMessage.
func (f *fault) AddDetail(key string, value any) {
	if f.Details == nil {
		f.Details = make(map[string]any)
	}
	f.Details[key] = value
}

// ValidationError indicates invalid input. Field errors are intentionally
// caller-safe, so SafeMessage mirrors the diagnostic message.
type ValidationError struct {
	fault
	Fields map[string][]string
}

// NewValidationError creates a ValidationError. An empty correlationID is
// replaced with a generated one.
func NewValidationError(correlationID, message string) *ValidationError {
	return &ValidationError{fault: newFault(correlationID, message)}
}

// AddFieldError records a per-field validation failure.
func (e *ValidationError) AddFieldError(field, message string) {
	if e.Fields == nil {
		e.Fields = make(map[string][]string)
	}
	e.Fields[field] = append(e.Fields[field], message)
}

// HasErrors reports whether any field-level errors were recorded.
func (e *ValidationError) HasErrors() bool { return len(e.Fields) > 0 }

// FormattedErrors renders every field error as "field: message" lines,
// sorted by field name for stable output.
func (e *ValidationError) FormattedErrors() string {
	fields := make([]string, 0, len(e.Fields))
	for f := range e.Fields {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	var b strings.Builder
	for _, f := range fields {
		for _, msg := range e.Fields[f] {
			fmt.Fprintf(&b, "%s: %s\n", f, msg)
		}
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func (e *ValidationError) SafeMessage() string { return e.Message }

// NotFoundError indicates a resource was not found. SafeMessage names the
// resource type only, never the identifier.
type NotFoundError struct {
	fault
	ResourceType string
	ResourceID   string
}

// NewNotFoundError creates a NotFoundError for the given resource.
func NewNotFoundError(correlationID, resourceType, resourceID string) *NotFoundError {
	e := &NotFoundError{
		fault:        newFault(correlationID, fmt.Sprintf("%s %q not found", resourceType, resourceID)),
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
	e.AddDetail("resource_id", resourceID)
	return e
}

func (e *NotFoundError) SafeMessage() string {
	return fmt.Sprintf("%s not found", e.ResourceType)
}

// SecurityErrorKind distinguishes the security failure sub-kinds.
type SecurityErrorKind string

const (
	SecurityAuthentication SecurityErrorKind = "authentication_failure"
	SecurityAuthorization  SecurityErrorKind = "authorization_failure"
	SecuritySuspicious     SecurityErrorKind = "suspicious_activity"
)

// SecurityError indicates an authentication or authorization failure, or
// activity flagged as suspicious. Identity, IP, and the triggering input are
// attached to Details only; SafeMessage is a fixed generic per sub-kind.
type SecurityError struct {
	fault
	Kind SecurityErrorKind
}

// NewSecurityError creates a SecurityError of the given kind.
func NewSecurityError(correlationID string, kind SecurityErrorKind, message string) *SecurityError {
	return &SecurityError{fault: newFault(correlationID, message), Kind: kind}
}

func (e *SecurityError) SafeMessage() string {
	switch e.Kind {
	case SecurityAuthentication:
		return safeAuthenticationFailed
	case SecurityAuthorization:
		return safeAuthorizationFailed
	default:
		return safeSuspiciousActivity
	}
}

// DatabaseError wraps a failure from the database layer. SafeMessage is a
// fixed generic regardless of diagnostic content. Transient marks error
// classes that are likely to succeed unchanged on retry.
type DatabaseError struct {
	fault
	Code      string
	Transient bool
	Cause     error
}

// NewDatabaseError creates a DatabaseError with a vendor error code.
func NewDatabaseError(correlationID, code, message string, transient bool) *DatabaseError {
	e := &DatabaseError{
		fault:     newFault(correlationID, message),
		Code:      code,
		Transient: transient,
	}
	if code != "" {
		e.AddDetail("error_code", code)
	}
	return e
}

func (e *DatabaseError) SafeMessage() string { return safeDatabaseFailure }
func (e *DatabaseError) Unwrap() error       { return e.Cause }

// IsTransient reports whether the failure is safe to retry.
func (e *DatabaseError) IsTransient() bool { return e.Transient }

// BusinessRuleError indicates a domain rule violation. Rule violations are
// intentionally user-facing, so SafeMessage mirrors the diagnostic message.
type BusinessRuleError struct {
	fault
	Rule string
}

// NewBusinessRuleError creates a BusinessRuleError for the named rule.
func NewBusinessRuleError(correlationID, rule, message string) *BusinessRuleError {
	e := &BusinessRuleError{fault: newFault(correlationID, message), Rule: rule}
	e.AddDetail("rule", rule)
	return e
}

func (e *BusinessRuleError) SafeMessage() string { return e.Message }

// ConfigurationError indicates the service itself is misconfigured.
type ConfigurationError struct {
	fault
	Setting string
}

// NewConfigurationError creates a ConfigurationError for the given setting.
func NewConfigurationError(correlationID, setting, message string) *ConfigurationError {
	e := &ConfigurationError{fault: newFault(correlationID, message), Setting: setting}
	e.AddDetail("setting", setting)
	return e
}

func (e *ConfigurationError) SafeMessage() string { return safeConfigurationFailure }

// ExternalServiceError indicates a collaborator outside the gateway failed.
type ExternalServiceError struct {
	fault
	Service string
}

// NewExternalServiceError creates an ExternalServiceError for the named service.
func NewExternalServiceError(correlationID, service, message string) *ExternalServiceError {
	e := &ExternalServiceError{fault: newFault(correlationID, message), Service: service}
	e.AddDetail("service", service)
	return e
}

func (e *ExternalServiceError) SafeMessage() string { return safeExternalFailure }

// RateLimitError indicates the caller exceeded its request budget.
type RateLimitError struct {
	fault
	RetryAfter time.Duration
}

// NewRateLimitError creates a RateLimitError advertising a retry-after hint.
func NewRateLimitError(correlationID string, retryAfter time.Duration) *RateLimitError {
	return &RateLimitError{
		fault:      newFault(correlationID, "rate limit exceeded"),
		RetryAfter: retryAfter,
	}
}

func (e *RateLimitError) SafeMessage() string { return safeRateLimited }

// SafeMessageFor returns the caller-facing message for any error. Errors
// outside the taxonomy collapse to a fixed internal-failure message.
func SafeMessageFor(err error) string {
	var safe SafeError
	if errors.As(err, &safe) {
		return safe.SafeMessage()
	}
	return safeInternalFailure
}
