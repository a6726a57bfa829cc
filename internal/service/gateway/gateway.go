// Package gateway orchestrates one agent request end to end: resolve the
// procedure, screen string inputs, execute, and hand the outcome to the
// error boundary. The gateway is the only caller of the executor.
package gateway

import (
	"context"
	"fmt"
	"log/slog"

	"procgate/internal/domain"
	"procgate/internal/engine"
	"procgate/internal/registry"
	"procgate/internal/sanitize"
)

// Gateway mediates between untrusted agent callers and the executor.
type Gateway struct {
	registry *registry.Registry
	executor *engine.Executor
	audit    engine.AuditSink
	logger   *slog.Logger
}

// New wires the gateway.
func New(reg *registry.Registry, executor *engine.Executor, audit engine.AuditSink, logger *slog.Logger) *Gateway {
	return &Gateway{registry: reg, executor: executor, audit: audit, logger: logger}
}

// Invoke runs one procedure call. The correlation id and actor are resolved
// from the request context; string parameter values are screened against the
// procedure's policy before anything reaches the database.
func (g *Gateway) Invoke(ctx context.Context, call domain.ProcedureCall) (*domain.ProcedureResult, error) {
	proc, err := g.prepare(ctx, &call)
	if err != nil {
		return nil, err
	}

	if proc.ReadOnly() {
		return g.executor.Execute(ctx, call)
	}
	return g.executor.ExecuteNonQuery(ctx, call)
}

// InvokeBatch runs several calls in one transaction scope. Any failure rolls
// the whole batch back; results for completed calls are discarded.
func (g *Gateway) InvokeBatch(ctx context.Context, calls []domain.ProcedureCall) ([]*domain.ProcedureResult, error) {
	if len(calls) == 0 {
		correlationID := domain.CorrelationIDFromContext(ctx)
		vErr := domain.NewValidationError(correlationID, "batch is empty")
		vErr.AddFieldError("calls", "at least one call is required")
		return nil, vErr
	}

	procs := make([]*registry.Procedure, len(calls))
	for i := range calls {
		proc, err := g.prepare(ctx, &calls[i])
		if err != nil {
			return nil, err
		}
		procs[i] = proc
	}

	results := make([]*domain.ProcedureResult, len(calls))
	err := g.executor.WithinTransaction(ctx, calls[0].CorrelationID, func(scope *engine.TxScope) error {
		for i := range calls {
			var result *domain.ProcedureResult
			var err error
			if procs[i].ReadOnly() {
				result, err = scope.Execute(ctx, calls[i])
			} else {
				result, err = scope.ExecuteNonQuery(ctx, calls[i])
			}
			if err != nil {
				return err
			}
			results[i] = result
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// prepare resolves identity and correlation, looks the procedure up, and
// screens every string parameter value. Screening happens before execution
// so a blocked call never reaches the executor.
func (g *Gateway) prepare(ctx context.Context, call *domain.ProcedureCall) (*registry.Procedure, error) {
	if call.CorrelationID == "" {
		call.CorrelationID = domain.CorrelationIDFromContext(ctx)
	}
	if principal, ok := domain.PrincipalFromContext(ctx); ok {
		call.Actor = principal.ToActor()
	}

	proc, err := g.registry.Lookup(call.CorrelationID, call.Procedure)
	if err != nil {
		return nil, err
	}

	if err := g.screen(ctx, proc, *call); err != nil {
		return nil, err
	}
	return proc, nil
}

// screen classifies string parameter values under the procedure's policy.
// A block yields a validation error with a generic per-field message; the
// concrete findings go to the security audit trail and the log, never to
// the caller.
func (g *Gateway) screen(ctx context.Context, proc *registry.Procedure, call domain.ProcedureCall) error {
	vErr := domain.NewValidationError(call.CorrelationID, "request blocked by input screening")
	var indicators []string

	for _, p := range call.Parameters {
		text, ok := p.Value.(string)
		if !ok {
			continue
		}
		verdict := sanitize.Classify(text, proc.Policy())
		if verdict.Blocked() {
			vErr.AddFieldError(p.Name, "contains disallowed content")
			for _, reason := range verdict.Reasons {
				indicators = append(indicators, fmt.Sprintf("%s: %s", p.Name, reason))
			}
		}
	}

	if !vErr.HasErrors() {
		return nil
	}

	vErr.AddDetail("findings", indicators)

	principal, _ := domain.PrincipalFromContext(ctx)
	event := domain.NewSecurityAuditEvent(call.CorrelationID, call.Actor,
		domain.SecuritySuspiciousActivity, proc.Name, "Invoke", 0.8, indicators)
	event.IPAddress = principal.IPAddress
	g.audit.Record(ctx, event)

	g.logger.Warn("blocked suspicious procedure call",
		"procedure", proc.Name,
		"actor_id", call.Actor.ID,
		"correlation_id", call.CorrelationID,
		"findings", indicators,
	)
	return vErr
}
