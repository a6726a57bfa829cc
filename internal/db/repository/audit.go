// Package repository implements domain repository interfaces on SQLite.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"procgate/internal/domain"
)

// sqliteTimeLayout is how timestamps are stored; it sorts lexicographically.
const sqliteTimeLayout = "2006-01-02 15:04:05.000"

// AuditRepo persists audit events. The table is append-only: there is no
// update path, and deletes exist only for retention sweeps.
type AuditRepo struct {
	pool *sql.DB
}

// NewAuditRepo creates an AuditRepo on the given pool. Insert and
// DeleteOlderThan need the write pool; List works against either.
func NewAuditRepo(pool *sql.DB) *AuditRepo {
	return &AuditRepo{pool: pool}
}

var _ domain.AuditRepository = (*AuditRepo)(nil)

// Insert appends one audit event.
func (r *AuditRepo) Insert(ctx context.Context, e *domain.AuditEvent) error {
	if e.CorrelationID == "" {
		return fmt.Errorf("audit event requires a correlation id")
	}
	if !domain.ValidResult(e.Result) {
		return fmt.Errorf("audit event has invalid result %q", e.Result)
	}

	id := e.ID
	if id == "" {
		id = domain.NewID()
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	additional := "{}"
	if len(e.AdditionalData) > 0 {
		b, err := json.Marshal(e.AdditionalData)
		if err != nil {
			return fmt.Errorf("marshal additional data: %w", err)
		}
		additional = string(b)
	}

	roles, err := json.Marshal(e.Actor.Roles)
	if err != nil {
		return fmt.Errorf("marshal actor roles: %w", err)
	}

	_, err = r.pool.ExecContext(ctx, `
		INSERT INTO audit_events (
			id, event_type, event_sub_type, created_at, correlation_id,
			actor_id, actor_name, actor_roles, ip_address,
			resource_type, resource_id, resource_name, action,
			result, error_code, error_message, duration_ms, additional_data
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, e.EventType, e.EventSubType, ts.UTC().Format(sqliteTimeLayout), e.CorrelationID,
		e.Actor.ID, e.Actor.DisplayName, string(roles), e.IPAddress,
		e.ResourceType, e.ResourceID, e.ResourceName, e.Action,
		string(e.Result), e.ErrorCode, e.ErrorMessage, e.DurationMs, additional,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// List returns a filtered, paginated slice of events plus the total count,
// newest first.
func (r *AuditRepo) List(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEvent, int64, error) {
	where, args := buildAuditWhere(filter)

	var total int64
	countQuery := "SELECT COUNT(*) FROM audit_events" + where
	if err := r.pool.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count audit events: %w", err)
	}

	query := `
		SELECT id, event_type, event_sub_type, created_at, correlation_id,
		       actor_id, actor_name, actor_roles, ip_address,
		       resource_type, resource_id, resource_name, action,
		       result, error_code, error_message, duration_ms, additional_data
		FROM audit_events` + where + `
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?`
	args = append(args, filter.Page.Limit(), filter.Page.Skip())

	rows, err := r.pool.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var events []domain.AuditEvent
	for rows.Next() {
		e, err := scanAuditEvent(rows)
		if err != nil {
			return nil, 0, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	return events, total, nil
}

// DeleteOlderThan removes events of the given type with timestamps before
// cutoff. An empty eventType matches every type except Security, which has
// its own retention window.
func (r *AuditRepo) DeleteOlderThan(ctx context.Context, eventType string, cutoff time.Time) (int64, error) {
	var res sql.Result
	var err error

	cutoffStr := cutoff.UTC().Format(sqliteTimeLayout)
	if eventType == "" {
		res, err = r.pool.ExecContext(ctx,
			`DELETE FROM audit_events WHERE event_type <> ? AND created_at < ?`,
			domain.EventTypeSecurity, cutoffStr)
	} else {
		res, err = r.pool.ExecContext(ctx,
			`DELETE FROM audit_events WHERE event_type = ? AND created_at < ?`,
			eventType, cutoffStr)
	}
	if err != nil {
		return 0, fmt.Errorf("retention sweep: %w", err)
	}
	return res.RowsAffected()
}

func buildAuditWhere(filter domain.AuditFilter) (string, []any) {
	var clauses []string
	var args []any

	if filter.ActorID != nil {
		clauses = append(clauses, "actor_id = ?")
		args = append(args, *filter.ActorID)
	}
	if filter.EventType != nil {
		clauses = append(clauses, "event_type = ?")
		args = append(args, *filter.EventType)
	}
	if filter.Action != nil {
		clauses = append(clauses, "action = ?")
		args = append(args, *filter.Action)
	}
	if filter.Result != nil {
		clauses = append(clauses, "result = ?")
		args = append(args, string(*filter.Result))
	}
	if filter.CorrelationID != nil {
		clauses = append(clauses, "correlation_id = ?")
		args = append(args, *filter.CorrelationID)
	}
	if filter.From != nil {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, filter.From.UTC().Format(sqliteTimeLayout))
	}
	if filter.To != nil {
		clauses = append(clauses, "created_at < ?")
		args = append(args, filter.To.UTC().Format(sqliteTimeLayout))
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func scanAuditEvent(rows *sql.Rows) (domain.AuditEvent, error) {
	var e domain.AuditEvent
	var createdAt, rolesJSON, additionalJSON, result string

	err := rows.Scan(
		&e.ID, &e.EventType, &e.EventSubType, &createdAt, &e.CorrelationID,
		&e.Actor.ID, &e.Actor.DisplayName, &rolesJSON, &e.IPAddress,
		&e.ResourceType, &e.ResourceID, &e.ResourceName, &e.Action,
		&result, &e.ErrorCode, &e.ErrorMessage, &e.DurationMs, &additionalJSON,
	)
	if err != nil {
		return e, fmt.Errorf("scan audit event: %w", err)
	}

	e.Result = domain.AuditResult(result)
	if t, err := time.Parse(sqliteTimeLayout, createdAt); err == nil {
		e.Timestamp = t.UTC()
	}
	if rolesJSON != "" && rolesJSON != "null" {
		_ = json.Unmarshal([]byte(rolesJSON), &e.Actor.Roles)
	}
	if additionalJSON != "" {
		_ = json.Unmarshal([]byte(additionalJSON), &e.AdditionalData)
	}

	return e, nil
}
