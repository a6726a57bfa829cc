// Package engine executes pre-registered stored procedures against the
// production database under timeout, retry, and transaction discipline.
// It is the only component that touches the business database.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"procgate/internal/db"
	"procgate/internal/domain"
	"procgate/internal/registry"
	"procgate/internal/sanitize"
)

// AuditSink receives exactly one event per executor invocation. The sink
// must never fail the business operation.
type AuditSink interface {
	Record(ctx context.Context, e *domain.AuditEvent)
}

// Config tunes executor timeouts and retry behavior.
type Config struct {
	// StatementTimeout is the default per-call timeout (default 30s).
	StatementTimeout time.Duration
	// RetryAttempts is the maximum number of attempts including the first
	// (default 3). Only retry-safe procedures get more than one.
	RetryAttempts int
	// RetryBaseDelay seeds the exponential backoff (default 1s).
	RetryBaseDelay time.Duration
	// Breaker configures the shared circuit breaker.
	Breaker BreakerConfig
}

func (c Config) withDefaults() Config {
	if c.StatementTimeout <= 0 {
		c.StatementTimeout = 30 * time.Second
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = time.Second
	}
	return c
}

// Executor is the single gateway to the database. Procedure names resolve
// against the closed registry; parameters are bound typed and directioned;
// no ad hoc command text is ever executed.
type Executor struct {
	backend  Backend
	registry *registry.Registry
	audit    AuditSink
	breaker  *Breaker
	logger   *slog.Logger
	config   Config
}

// NewExecutor wires an executor. The audit sink is mandatory: every
// invocation emits exactly one event.
func NewExecutor(backend Backend, reg *registry.Registry, audit AuditSink, logger *slog.Logger, config Config) *Executor {
	config = config.withDefaults()
	return &Executor{
		backend:  backend,
		registry: reg,
		audit:    audit,
		breaker:  NewBreaker(config.Breaker),
		logger:   logger,
		config:   config,
	}
}

// Execute invokes a procedure expected to return a row set.
func (e *Executor) Execute(ctx context.Context, call domain.ProcedureCall) (*domain.ProcedureResult, error) {
	return e.run(ctx, nil, call, true)
}

// ExecuteNonQuery invokes a data-modifying procedure and returns the
// affected-row count plus output parameters.
func (e *Executor) ExecuteNonQuery(ctx context.Context, call domain.ProcedureCall) (*domain.ProcedureResult, error) {
	return e.run(ctx, nil, call, false)
}

// run is the shared invocation path. scope is nil for auto-commit calls.
func (e *Executor) run(ctx context.Context, scope *TxScope, call domain.ProcedureCall, wantRows bool) (result *domain.ProcedureResult, err error) {
	start := time.Now()
	attempts := 1

	action := "ExecuteNonQuery"
	if wantRows {
		action = "ExecuteQuery"
	}

	proc, lookupErr := e.registry.Lookup(call.CorrelationID, call.Procedure)

	// One audit event per invocation, success or failure, even when the
	// procedure name never resolved.
	defer func() {
		e.recordAudit(ctx, proc, call, action, result, err, attempts, time.Since(start))
	}()

	if lookupErr != nil {
		return nil, lookupErr
	}

	binding, bindErr := bind(proc, call)
	if bindErr != nil {
		return nil, bindErr
	}

	if !e.breaker.Allow() {
		dbErr := domain.NewDatabaseError(call.CorrelationID, "circuit_open",
			fmt.Sprintf("circuit breaker open for procedure %q", proc.Name), false)
		return nil, dbErr
	}

	maxAttempts := 1
	// Retries are transparent only for read-only or proven-idempotent
	// procedures, and never inside a transaction scope where a replay
	// would desynchronize the session.
	if scope == nil && proc.RetrySafe() {
		maxAttempts = e.config.RetryAttempts
	}

	timeout := e.config.StatementTimeout
	if proc.Timeout > 0 {
		timeout = proc.Timeout
	}
	if call.Timeout > 0 {
		timeout = call.Timeout
	}

	for {
		result, err = e.attempt(ctx, scope, call, binding, wantRows, timeout)
		if err == nil {
			e.breaker.RecordSuccess()
			result.ExecutionTimeMs = time.Since(start).Milliseconds()
			return result, nil
		}

		if ctx.Err() == nil {
			e.breaker.RecordFailure()
		}

		var dbErr *domain.DatabaseError
		retryable := errors.As(err, &dbErr) && dbErr.IsTransient()
		if !retryable || attempts >= maxAttempts || ctx.Err() != nil {
			return nil, err
		}

		// Exponential backoff: base, 2*base, 4*base...
		backoff := e.config.RetryBaseDelay << uint(attempts-1)
		e.logger.Info("retrying transient failure",
			"procedure", proc.Name,
			"attempt", attempts+1,
			"backoff", backoff,
			"correlation_id", call.CorrelationID,
		)
		select {
		case <-ctx.Done():
			return nil, db.ClassifyError(call.CorrelationID, ctx.Err())
		case <-time.After(backoff):
		}
		attempts++
	}
}

// attempt runs the statement once under its own timeout.
func (e *Executor) attempt(ctx context.Context, scope *TxScope, call domain.ProcedureCall,
	b *binding, wantRows bool, timeout time.Duration) (*domain.ProcedureResult, error) {

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result := &domain.ProcedureResult{}
	var err error

	if wantRows {
		var cols []string
		var rows [][]any
		if scope != nil {
			cols, rows, err = scope.query(attemptCtx, b.stmt, b.args)
		} else {
			cols, rows, err = e.backend.Query(attemptCtx, b.stmt, b.args)
		}
		if err == nil {
			result.Columns = cols
			result.Rows = rows
			result.RowCount = len(rows)
		}
	} else {
		var affected int64
		if scope != nil {
			affected, err = scope.exec(attemptCtx, b.stmt, b.args)
		} else {
			affected, err = e.backend.Exec(attemptCtx, b.stmt, b.args)
		}
		result.RowsAffected = affected
	}

	if err != nil {
		return nil, db.ClassifyError(call.CorrelationID, err)
	}

	b.collect(result)
	return result, nil
}

// binding is a call resolved against its registry spec: the synthesized
// statement, the bound arguments, and the holders the driver writes output
// and return values into.
type binding struct {
	stmt       string
	args       []any
	outputs    map[string]*any
	returnName string
}

// bind validates the call against the registry spec and synthesizes the
// statement. Output and return-value parameters get placeholder holders the
// driver writes into.
func bind(proc *registry.Procedure, call domain.ProcedureCall) (*binding, error) {
	vErr := domain.NewValidationError(call.CorrelationID, "invalid procedure parameters")

	supplied := make(map[string]domain.Parameter, len(call.Parameters))
	for _, p := range call.Parameters {
		spec := proc.Spec(p.Name)
		if spec == nil {
			vErr.AddFieldError(p.Name, "is not a declared parameter")
			continue
		}
		if p.Direction != "" && p.Direction != spec.Direction {
			vErr.AddFieldError(p.Name, fmt.Sprintf("direction must be %s", spec.Direction))
		}
		supplied[strings.ToLower(p.Name)] = p
	}

	b := &binding{
		args:    make([]any, 0, len(proc.Parameters)),
		outputs: make(map[string]*any),
	}
	placeholders := make([]string, 0, len(proc.Parameters))

	for i := range proc.Parameters {
		spec := &proc.Parameters[i]
		p, ok := supplied[strings.ToLower(spec.Name)]
		switch spec.Direction {
		case domain.DirectionInput:
			if !ok && spec.Required {
				vErr.AddFieldError(spec.Name, "is required")
				continue
			}
			b.args = append(b.args, sql.Named(spec.Name, p.Value))
		case domain.DirectionInputOutput:
			holder := new(any)
			*holder = p.Value
			b.outputs[spec.Name] = holder
			b.args = append(b.args, sql.Named(spec.Name, sql.Out{Dest: holder, In: true}))
		case domain.DirectionOutput, domain.DirectionReturnValue:
			if ok && p.Value != nil {
				vErr.AddFieldError(spec.Name, "must not carry a value")
			}
			holder := new(any)
			b.outputs[spec.Name] = holder
			b.args = append(b.args, sql.Named(spec.Name, sql.Out{Dest: holder}))
			if spec.Direction == domain.DirectionReturnValue {
				b.returnName = spec.Name
			}
		}
		placeholders = append(placeholders, ":"+spec.Name)
	}

	if vErr.HasErrors() {
		return nil, vErr
	}

	b.stmt = fmt.Sprintf("CALL %s(%s)",
		sanitize.QuoteIdentifier(proc.Name), strings.Join(placeholders, ", "))
	return b, nil
}

// collect copies output holders into the result, splitting the return value
// out of the named output parameters.
func (b *binding) collect(result *domain.ProcedureResult) {
	for name, holder := range b.outputs {
		if name == b.returnName {
			result.ReturnValue = *holder
			continue
		}
		if result.OutputParams == nil {
			result.OutputParams = make(map[string]any, len(b.outputs))
		}
		result.OutputParams[name] = *holder
	}
}

// recordAudit emits the invocation's single audit event.
func (e *Executor) recordAudit(ctx context.Context, proc *registry.Procedure, call domain.ProcedureCall,
	action string, result *domain.ProcedureResult, err error, attempts int, elapsed time.Duration) {

	op := domain.OpExecute
	procName := call.Procedure
	if proc != nil {
		procName = proc.Name
		if proc.ReadOnly() {
			op = domain.OpRead
		}
	}

	outcome := domain.ResultSuccess
	errMsg := ""
	if err != nil {
		outcome = domain.ResultFailure
		errMsg = err.Error()
	}

	var rowsAffected int64
	if result != nil {
		rowsAffected = result.RowsAffected
	}

	event := domain.NewDatabaseAuditEvent(call.CorrelationID, call.Actor, op,
		procName, action, call.ParameterNames(), rowsAffected,
		elapsed.Milliseconds(), outcome, errMsg)
	event.AdditionalData["attempts"] = attempts

	e.audit.Record(ctx, event)
}
