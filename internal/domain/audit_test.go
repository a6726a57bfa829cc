package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewDatabaseAuditEvent(t *testing.T) {
	actor := Actor{ID: "u-1", DisplayName: "Alice", Roles: []string{"analyst"}}

	e := NewDatabaseAuditEvent("corr-1", actor, OpExecute,
		"usp_GetOrders", "ExecuteQuery", []string{"customer_id", "from_date"},
		0, 42, ResultSuccess, "")

	assert.Equal(t, EventTypeDatabase, e.EventType)
	assert.Equal(t, "Execute", e.EventSubType)
	assert.Equal(t, "corr-1", e.CorrelationID)
	assert.True(t, ValidResult(e.Result))
	assert.Equal(t, "usp_GetOrders", e.ResourceName)
	assert.Equal(t, []string{"customer_id", "from_date"}, e.AdditionalData["parameters"])
	assert.Equal(t, true, e.AdditionalData["success"])
	assert.False(t, e.Timestamp.IsZero())
	assert.Equal(t, "UTC", e.Timestamp.Location().String())
}

func TestNewSecurityAuditEvent_RiskScoreClamped(t *testing.T) {
	e := NewSecurityAuditEvent("corr-2", Actor{ID: "u-2"}, SecuritySuspiciousActivity,
		"usp_GetOrders", "Invoke", 3.5, []string{"statement_terminator"})

	assert.Equal(t, EventTypeSecurity, e.EventType)
	assert.Equal(t, ResultFailure, e.Result)
	assert.Equal(t, 1.0, e.AdditionalData["risk_score"])

	low := NewSecurityAuditEvent("corr-3", Actor{}, SecurityLoginSuccess, "", "Login", -0.2, nil)
	assert.Equal(t, ResultSuccess, low.Result)
	assert.Equal(t, 0.0, low.AdditionalData["risk_score"])
}

func TestValidResult(t *testing.T) {
	assert.True(t, ValidResult(ResultPartialSuccess))
	assert.False(t, ValidResult(AuditResult("Maybe")))
}

func TestPageRequestClamping(t *testing.T) {
	assert.Equal(t, DefaultPageSize, PageRequest{}.Limit())
	assert.Equal(t, MaxPageSize, PageRequest{Size: 10_000}.Limit())
	assert.Equal(t, 25, PageRequest{Size: 25}.Limit())
	assert.Equal(t, 0, PageRequest{Offset: -5}.Skip())
}
