package engine

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"procgate/internal/domain"
	"procgate/internal/registry"
)

// fakeBackend scripts Query/Exec outcomes and records every statement it saw.
type fakeBackend struct {
	mu        sync.Mutex
	stmts     []string
	args      [][]any
	queryErrs []error // consumed per call; nil entry means success
	execErrs  []error
	columns   []string
	rows      [][]any
	affected  int64
	outValues map[string]any // written into sql.Out holders by name
	begun     int
	tx        *fakeTx
	beginErr  error
}

func (f *fakeBackend) record(stmt string, args []any) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stmts = append(f.stmts, stmt)
	f.args = append(f.args, args)
	return len(f.stmts) - 1
}

func (f *fakeBackend) fillOutputs(args []any) {
	for _, a := range args {
		named, ok := a.(sql.NamedArg)
		if !ok {
			continue
		}
		out, ok := named.Value.(sql.Out)
		if !ok {
			continue
		}
		if v, ok := f.outValues[named.Name]; ok {
			*(out.Dest.(*any)) = v
		}
	}
}

func (f *fakeBackend) Query(ctx context.Context, stmt string, args []any) ([]string, [][]any, error) {
	n := f.record(stmt, args)
	if n < len(f.queryErrs) && f.queryErrs[n] != nil {
		return nil, nil, f.queryErrs[n]
	}
	f.fillOutputs(args)
	return f.columns, f.rows, nil
}

func (f *fakeBackend) Exec(ctx context.Context, stmt string, args []any) (int64, error) {
	n := f.record(stmt, args)
	if n < len(f.execErrs) && f.execErrs[n] != nil {
		return 0, f.execErrs[n]
	}
	f.fillOutputs(args)
	return f.affected, nil
}

func (f *fakeBackend) Begin(ctx context.Context) (BackendTx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	f.begun++
	f.tx = &fakeTx{backend: f}
	return f.tx, nil
}

func (f *fakeBackend) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stmts)
}

type fakeTx struct {
	backend   *fakeBackend
	commits   int
	rollbacks int
	commitErr error
	execErr   error
	execCalls int
}

func (t *fakeTx) Query(ctx context.Context, stmt string, args []any) ([]string, [][]any, error) {
	return t.backend.Query(ctx, stmt, args)
}

func (t *fakeTx) Exec(ctx context.Context, stmt string, args []any) (int64, error) {
	t.execCalls++
	t.backend.record(stmt, args)
	if t.execErr != nil {
		return 0, t.execErr
	}
	return t.backend.affected, nil
}

func (t *fakeTx) Commit() error {
	t.commits++
	return t.commitErr
}

func (t *fakeTx) Rollback() error {
	t.rollbacks++
	return nil
}

// captureSink collects every audit event handed to the executor's sink.
type captureSink struct {
	mu     sync.Mutex
	events []*domain.AuditEvent
}

func (s *captureSink) Record(_ context.Context, e *domain.AuditEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *captureSink) all() []*domain.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*domain.AuditEvent(nil), s.events...)
}

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()

	require.NoError(t, reg.Register(&registry.Procedure{
		Name:  "usp_GetOrders",
		Class: registry.ClassReadOnly,
		Parameters: []registry.ParameterSpec{
			{Name: "customer_id", Type: "INTEGER", Direction: domain.DirectionInput, Required: true},
		},
	}))
	require.NoError(t, reg.Register(&registry.Procedure{
		Name:  "usp_UpdateStatus",
		Class: registry.ClassReadWrite,
		Parameters: []registry.ParameterSpec{
			{Name: "order_id", Type: "INTEGER", Direction: domain.DirectionInput, Required: true},
			{Name: "status", Type: "TEXT", Direction: domain.DirectionInput, Required: true},
		},
	}))
	require.NoError(t, reg.Register(&registry.Procedure{
		Name:       "usp_RefreshCache",
		Class:      registry.ClassReadWrite,
		Idempotent: true,
		Parameters: []registry.ParameterSpec{},
	}))
	require.NoError(t, reg.Register(&registry.Procedure{
		Name:  "usp_CreateOrder",
		Class: registry.ClassReadWrite,
		Parameters: []registry.ParameterSpec{
			{Name: "customer_id", Type: "INTEGER", Direction: domain.DirectionInput, Required: true},
			{Name: "order_id", Type: "INTEGER", Direction: domain.DirectionOutput},
			{Name: "rc", Type: "INTEGER", Direction: domain.DirectionReturnValue},
		},
	}))
	reg.Seal()
	return reg
}

func newTestExecutor(t *testing.T, backend *fakeBackend, config Config) (*Executor, *captureSink) {
	t.Helper()
	sink := &captureSink{}
	if config.RetryBaseDelay == 0 {
		config.RetryBaseDelay = time.Millisecond
	}
	exec := NewExecutor(backend, testRegistry(t), sink, slog.Default(), config)
	return exec, sink
}

func actor() domain.Actor {
	return domain.Actor{ID: "agent-1", DisplayName: "order-agent", Roles: []string{"agent"}}
}

func TestExecuteReturnsRowsAndAudits(t *testing.T) {
	backend := &fakeBackend{
		columns: []string{"id", "total"},
		rows:    [][]any{{int64(1), 10.5}, {int64(2), 20.0}},
	}
	exec, sink := newTestExecutor(t, backend, Config{})

	result, err := exec.Execute(context.Background(), domain.ProcedureCall{
		Procedure:     "usp_GetOrders",
		CorrelationID: "corr-1",
		Actor:         actor(),
		Parameters: []domain.Parameter{
			{Name: "customer_id", Value: 42},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, result.RowCount)
	assert.Equal(t, []string{"id", "total"}, result.Columns)
	assert.Equal(t, `CALL "usp_GetOrders"(:customer_id)`, backend.stmts[0])

	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, "ExecuteQuery", events[0].Action)
	assert.Equal(t, domain.ResultSuccess, events[0].Result)
	assert.Equal(t, "corr-1", events[0].CorrelationID)
	assert.Equal(t, "usp_GetOrders", events[0].ResourceName)
	assert.Equal(t, string(domain.OpRead), events[0].EventSubType)
	assert.Equal(t, []string{"customer_id"}, events[0].AdditionalData["parameters"])
}

func TestExecuteUnknownProcedureFailsClosed(t *testing.T) {
	backend := &fakeBackend{}
	exec, sink := newTestExecutor(t, backend, Config{})

	_, err := exec.Execute(context.Background(), domain.ProcedureCall{
		Procedure:     "usp_DoesNotExist",
		CorrelationID: "corr-2",
		Actor:         actor(),
	})

	var notFound *domain.NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, 0, backend.calls())

	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, domain.ResultFailure, events[0].Result)
	assert.NotEmpty(t, events[0].ErrorMessage)
}

func TestExecuteMissingRequiredParameter(t *testing.T) {
	backend := &fakeBackend{}
	exec, sink := newTestExecutor(t, backend, Config{})

	_, err := exec.Execute(context.Background(), domain.ProcedureCall{
		Procedure:     "usp_GetOrders",
		CorrelationID: "corr-3",
		Actor:         actor(),
	})

	var vErr *domain.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Contains(t, vErr.Fields, "customer_id")
	assert.Equal(t, 0, backend.calls())
	assert.Len(t, sink.all(), 1)
}

func TestExecuteRejectsUndeclaredParameter(t *testing.T) {
	backend := &fakeBackend{}
	exec, _ := newTestExecutor(t, backend, Config{})

	_, err := exec.Execute(context.Background(), domain.ProcedureCall{
		Procedure:     "usp_GetOrders",
		CorrelationID: "corr-4",
		Actor:         actor(),
		Parameters: []domain.Parameter{
			{Name: "customer_id", Value: 42},
			{Name: "extra", Value: "x"},
		},
	})

	var vErr *domain.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Contains(t, vErr.Fields, "extra")
	assert.Equal(t, 0, backend.calls())
}

func TestExecuteRetriesTransientFailure(t *testing.T) {
	backend := &fakeBackend{
		columns:   []string{"id"},
		rows:      [][]any{{int64(1)}},
		queryErrs: []error{errors.New("database is locked"), nil},
	}
	exec, sink := newTestExecutor(t, backend, Config{RetryAttempts: 3})

	result, err := exec.Execute(context.Background(), domain.ProcedureCall{
		Procedure:     "usp_GetOrders",
		CorrelationID: "corr-5",
		Actor:         actor(),
		Parameters:    []domain.Parameter{{Name: "customer_id", Value: 1}},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, result.RowCount)
	assert.Equal(t, 2, backend.calls())

	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, domain.ResultSuccess, events[0].Result)
	assert.Equal(t, 2, events[0].AdditionalData["attempts"])
}

func TestExecuteDoesNotRetryNonTransientFailure(t *testing.T) {
	backend := &fakeBackend{
		queryErrs: []error{errors.New("UNIQUE constraint failed: orders.id")},
	}
	exec, sink := newTestExecutor(t, backend, Config{RetryAttempts: 3})

	_, err := exec.Execute(context.Background(), domain.ProcedureCall{
		Procedure:     "usp_GetOrders",
		CorrelationID: "corr-6",
		Actor:         actor(),
		Parameters:    []domain.Parameter{{Name: "customer_id", Value: 1}},
	})

	var dbErr *domain.DatabaseError
	require.ErrorAs(t, err, &dbErr)
	assert.False(t, dbErr.IsTransient())
	assert.Equal(t, 1, backend.calls())
	require.Len(t, sink.all(), 1)
	assert.Equal(t, domain.ResultFailure, sink.all()[0].Result)
}

func TestExecuteNonQueryNeverRetriesNonIdempotentWrite(t *testing.T) {
	backend := &fakeBackend{
		execErrs: []error{errors.New("database is locked")},
	}
	exec, _ := newTestExecutor(t, backend, Config{RetryAttempts: 3})

	_, err := exec.ExecuteNonQuery(context.Background(), domain.ProcedureCall{
		Procedure:     "usp_UpdateStatus",
		CorrelationID: "corr-7",
		Actor:         actor(),
		Parameters: []domain.Parameter{
			{Name: "order_id", Value: 1},
			{Name: "status", Value: "shipped"},
		},
	})

	var dbErr *domain.DatabaseError
	require.ErrorAs(t, err, &dbErr)
	assert.True(t, dbErr.IsTransient())
	assert.Equal(t, 1, backend.calls(), "non-idempotent write must run exactly once")
}

func TestExecuteNonQueryRetriesIdempotentWrite(t *testing.T) {
	backend := &fakeBackend{
		affected: 3,
		execErrs: []error{errors.New("database is locked"), nil},
	}
	exec, _ := newTestExecutor(t, backend, Config{RetryAttempts: 3})

	result, err := exec.ExecuteNonQuery(context.Background(), domain.ProcedureCall{
		Procedure:     "usp_RefreshCache",
		CorrelationID: "corr-8",
		Actor:         actor(),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), result.RowsAffected)
	assert.Equal(t, 2, backend.calls())
}

func TestExecuteRetryBudgetExhausted(t *testing.T) {
	locked := errors.New("database is locked")
	backend := &fakeBackend{
		queryErrs: []error{locked, locked, locked},
	}
	exec, sink := newTestExecutor(t, backend, Config{RetryAttempts: 3})

	_, err := exec.Execute(context.Background(), domain.ProcedureCall{
		Procedure:     "usp_GetOrders",
		CorrelationID: "corr-9",
		Actor:         actor(),
		Parameters:    []domain.Parameter{{Name: "customer_id", Value: 1}},
	})

	var dbErr *domain.DatabaseError
	require.ErrorAs(t, err, &dbErr)
	assert.True(t, dbErr.IsTransient())
	assert.Equal(t, 3, backend.calls())
	assert.Equal(t, 3, sink.all()[0].AdditionalData["attempts"])
}

func TestExecuteOutputAndReturnValueParameters(t *testing.T) {
	backend := &fakeBackend{
		affected:  1,
		outValues: map[string]any{"order_id": int64(99), "rc": int64(0)},
	}
	exec, _ := newTestExecutor(t, backend, Config{})

	result, err := exec.ExecuteNonQuery(context.Background(), domain.ProcedureCall{
		Procedure:     "usp_CreateOrder",
		CorrelationID: "corr-10",
		Actor:         actor(),
		Parameters:    []domain.Parameter{{Name: "customer_id", Value: 7}},
	})
	require.NoError(t, err)

	assert.Equal(t, int64(99), result.OutputParams["order_id"])
	assert.Equal(t, int64(0), result.ReturnValue)
	assert.NotContains(t, result.OutputParams, "rc")
}

func TestExecuteRejectsValueForOutputParameter(t *testing.T) {
	backend := &fakeBackend{}
	exec, _ := newTestExecutor(t, backend, Config{})

	_, err := exec.ExecuteNonQuery(context.Background(), domain.ProcedureCall{
		Procedure:     "usp_CreateOrder",
		CorrelationID: "corr-11",
		Actor:         actor(),
		Parameters: []domain.Parameter{
			{Name: "customer_id", Value: 7},
			{Name: "order_id", Value: 123},
		},
	})

	var vErr *domain.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Contains(t, vErr.Fields, "order_id")
}

func TestCircuitBreakerShortCircuitsAfterThreshold(t *testing.T) {
	boom := errors.New("connection refused")
	backend := &fakeBackend{
		queryErrs: []error{boom, boom, boom},
	}
	exec, sink := newTestExecutor(t, backend, Config{
		RetryAttempts: 1,
		Breaker:       BreakerConfig{FailureThreshold: 3, CoolDown: time.Hour},
	})

	call := domain.ProcedureCall{
		Procedure:     "usp_GetOrders",
		CorrelationID: "corr-12",
		Actor:         actor(),
		Parameters:    []domain.Parameter{{Name: "customer_id", Value: 1}},
	}

	for i := 0; i < 3; i++ {
		_, err := exec.Execute(context.Background(), call)
		require.Error(t, err)
	}
	require.Equal(t, 3, backend.calls())

	_, err := exec.Execute(context.Background(), call)
	var dbErr *domain.DatabaseError
	require.ErrorAs(t, err, &dbErr)
	assert.Equal(t, "circuit_open", dbErr.Code)
	assert.Equal(t, 3, backend.calls(), "open breaker must not touch the backend")

	events := sink.all()
	assert.Len(t, events, 4, "short-circuited invocations are still audited")
}

func TestBreakerLifecycle(t *testing.T) {
	clock := time.Now()
	b := NewBreaker(BreakerConfig{FailureThreshold: 2, CoolDown: 10 * time.Second, HalfOpenProbes: 2})
	b.now = func() time.Time { return clock }

	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State())
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow())

	// Cool-down elapses; the breaker admits probes.
	clock = clock.Add(11 * time.Second)
	assert.True(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())

	b.RecordSuccess()
	assert.True(t, b.Allow())
	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerReopensOnHalfOpenFailure(t *testing.T) {
	clock := time.Now()
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, CoolDown: 10 * time.Second})
	b.now = func() time.Time { return clock }

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())

	clock = clock.Add(11 * time.Second)
	assert.True(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow())
}

func TestTxScopeLifecycle(t *testing.T) {
	backend := &fakeBackend{affected: 1}
	exec, sink := newTestExecutor(t, backend, Config{})

	scope := exec.NewScope("corr-tx-1")
	assert.Equal(t, TxNotStarted, scope.State())

	require.NoError(t, scope.Begin(context.Background()))
	assert.Equal(t, TxActive, scope.State())

	_, err := scope.ExecuteNonQuery(context.Background(), domain.ProcedureCall{
		Procedure:     "usp_UpdateStatus",
		CorrelationID: "corr-tx-1",
		Actor:         actor(),
		Parameters: []domain.Parameter{
			{Name: "order_id", Value: 1},
			{Name: "status", Value: "shipped"},
		},
	})
	require.NoError(t, err)

	require.NoError(t, scope.Commit())
	assert.Equal(t, TxCommitted, scope.State())
	assert.Equal(t, 1, backend.tx.commits)
	assert.Equal(t, 0, backend.tx.rollbacks)
	require.Len(t, sink.all(), 1)
	assert.Equal(t, domain.ResultSuccess, sink.all()[0].Result)
}

func TestTxScopeRejectsNestedBegin(t *testing.T) {
	backend := &fakeBackend{}
	exec, _ := newTestExecutor(t, backend, Config{})

	scope := exec.NewScope("corr-tx-2")
	require.NoError(t, scope.Begin(context.Background()))

	err := scope.Begin(context.Background())
	var ruleErr *domain.BusinessRuleError
	require.ErrorAs(t, err, &ruleErr)
	assert.Equal(t, 1, backend.begun)
}

func TestTxScopeRejectsUseOutsideActive(t *testing.T) {
	backend := &fakeBackend{}
	exec, _ := newTestExecutor(t, backend, Config{})
	call := domain.ProcedureCall{Procedure: "usp_GetOrders", CorrelationID: "corr-tx-3", Actor: actor()}

	scope := exec.NewScope("corr-tx-3")

	_, err := scope.Execute(context.Background(), call)
	var ruleErr *domain.BusinessRuleError
	require.ErrorAs(t, err, &ruleErr)

	require.Error(t, scope.Commit())
	require.Error(t, scope.Rollback())

	require.NoError(t, scope.Begin(context.Background()))
	require.NoError(t, scope.Rollback())
	assert.Equal(t, TxRolledBack, scope.State())

	require.Error(t, scope.Commit(), "commit after rollback must fail")
	require.Error(t, scope.Begin(context.Background()), "a finished scope cannot restart")
}

func TestTxScopeCallsAreNeverRetried(t *testing.T) {
	backend := &fakeBackend{
		queryErrs: []error{errors.New("database is locked")},
	}
	exec, _ := newTestExecutor(t, backend, Config{RetryAttempts: 5})

	scope := exec.NewScope("corr-tx-4")
	require.NoError(t, scope.Begin(context.Background()))
	defer scope.Close()

	_, err := scope.Execute(context.Background(), domain.ProcedureCall{
		Procedure:     "usp_GetOrders",
		CorrelationID: "corr-tx-4",
		Actor:         actor(),
		Parameters:    []domain.Parameter{{Name: "customer_id", Value: 1}},
	})

	var dbErr *domain.DatabaseError
	require.ErrorAs(t, err, &dbErr)
	assert.True(t, dbErr.IsTransient())
	assert.Equal(t, 1, backend.calls(), "read retried inside a transaction would desynchronize the session")
}

func TestWithinTransactionRollsBackOnFailure(t *testing.T) {
	backend := &fakeBackend{affected: 1}
	exec, sink := newTestExecutor(t, backend, Config{})

	err := exec.WithinTransaction(context.Background(), "corr-tx-5", func(scope *TxScope) error {
		if _, err := scope.ExecuteNonQuery(context.Background(), domain.ProcedureCall{
			Procedure:     "usp_UpdateStatus",
			CorrelationID: "corr-tx-5",
			Actor:         actor(),
			Parameters: []domain.Parameter{
				{Name: "order_id", Value: 1},
				{Name: "status", Value: "shipped"},
			},
		}); err != nil {
			return err
		}

		backend.tx.execErr = errors.New("CHECK constraint failed: orders")
		_, err := scope.ExecuteNonQuery(context.Background(), domain.ProcedureCall{
			Procedure:     "usp_UpdateStatus",
			CorrelationID: "corr-tx-5",
			Actor:         actor(),
			Parameters: []domain.Parameter{
				{Name: "order_id", Value: 2},
				{Name: "status", Value: "lost"},
			},
		})
		return err
	})

	var dbErr *domain.DatabaseError
	require.ErrorAs(t, err, &dbErr)
	assert.Equal(t, 0, backend.tx.commits)
	assert.Equal(t, 1, backend.tx.rollbacks)

	events := sink.all()
	require.Len(t, events, 2, "each call in the scope gets its own audit event")
	assert.Equal(t, domain.ResultSuccess, events[0].Result)
	assert.Equal(t, domain.ResultFailure, events[1].Result)
	assert.Contains(t, events[1].ErrorMessage, "CHECK constraint failed")
}

func TestWithinTransactionCommitsOnSuccess(t *testing.T) {
	backend := &fakeBackend{affected: 1}
	exec, _ := newTestExecutor(t, backend, Config{})

	err := exec.WithinTransaction(context.Background(), "corr-tx-6", func(scope *TxScope) error {
		_, err := scope.ExecuteNonQuery(context.Background(), domain.ProcedureCall{
			Procedure:     "usp_UpdateStatus",
			CorrelationID: "corr-tx-6",
			Actor:         actor(),
			Parameters: []domain.Parameter{
				{Name: "order_id", Value: 1},
				{Name: "status", Value: "shipped"},
			},
		})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 1, backend.tx.commits)
	assert.Equal(t, 0, backend.tx.rollbacks)
}
