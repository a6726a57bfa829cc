package engine

import (
	"context"
	"fmt"
	"sync"

	"procgate/internal/db"
	"procgate/internal/domain"
)

// TxState is the transaction scope lifecycle state.
type TxState int

const (
	TxNotStarted TxState = iota
	TxActive
	TxCommitted
	TxRolledBack
)

func (s TxState) String() string {
	switch s {
	case TxNotStarted:
		return "NotStarted"
	case TxActive:
		return "Active"
	case TxCommitted:
		return "Committed"
	case TxRolledBack:
		return "RolledBack"
	}
	return fmt.Sprintf("TxState(%d)", int(s))
}

// TxScope groups several procedure invocations into one database
// transaction. The lifecycle is strictly NotStarted -> Active ->
// Committed or RolledBack; every other transition is rejected. Calls within
// a scope run sequentially and are never retried, since replaying a
// statement mid-transaction would desynchronize the session.
type TxScope struct {
	mu            sync.Mutex
	state         TxState
	tx            BackendTx
	executor      *Executor
	correlationID string
}

// NewScope creates a transaction scope bound to this executor. The scope is
// inert until Begin is called.
func (e *Executor) NewScope(correlationID string) *TxScope {
	return &TxScope{executor: e, correlationID: correlationID}
}

// Begin opens the underlying transaction. Beginning an already-active or
// finished scope is a caller error, not a silent nested transaction.
func (s *TxScope) Begin(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != TxNotStarted {
		return domain.NewBusinessRuleError(s.correlationID, "transaction_state",
			fmt.Sprintf("cannot begin a transaction in state %s", s.state))
	}

	tx, err := s.executor.backend.Begin(ctx)
	if err != nil {
		return db.ClassifyError(s.correlationID, err)
	}
	s.tx = tx
	s.state = TxActive
	return nil
}

// Execute invokes a row-returning procedure inside the scope.
func (s *TxScope) Execute(ctx context.Context, call domain.ProcedureCall) (*domain.ProcedureResult, error) {
	if err := s.requireActive(); err != nil {
		return nil, err
	}
	return s.executor.run(ctx, s, call, true)
}

// ExecuteNonQuery invokes a data-modifying procedure inside the scope.
func (s *TxScope) ExecuteNonQuery(ctx context.Context, call domain.ProcedureCall) (*domain.ProcedureResult, error) {
	if err := s.requireActive(); err != nil {
		return nil, err
	}
	return s.executor.run(ctx, s, call, false)
}

// Commit finishes the scope successfully. It is valid only once, from the
// Active state.
func (s *TxScope) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != TxActive {
		return domain.NewBusinessRuleError(s.correlationID, "transaction_state",
			fmt.Sprintf("cannot commit a transaction in state %s", s.state))
	}
	if err := s.tx.Commit(); err != nil {
		s.state = TxRolledBack
		return db.ClassifyError(s.correlationID, err)
	}
	s.state = TxCommitted
	return nil
}

// Rollback abandons the scope. Rolling back a scope that never started or
// already finished is a caller error.
func (s *TxScope) Rollback() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != TxActive {
		return domain.NewBusinessRuleError(s.correlationID, "transaction_state",
			fmt.Sprintf("cannot roll back a transaction in state %s", s.state))
	}
	s.state = TxRolledBack
	if err := s.tx.Rollback(); err != nil {
		return db.ClassifyError(s.correlationID, err)
	}
	return nil
}

// Close rolls the scope back if it is still active. Safe to defer; a scope
// that committed is left alone.
func (s *TxScope) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != TxActive {
		return
	}
	s.state = TxRolledBack
	_ = s.tx.Rollback()
}

// State returns the current lifecycle state.
func (s *TxScope) State() TxState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *TxScope) requireActive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != TxActive {
		return domain.NewBusinessRuleError(s.correlationID, "transaction_state",
			fmt.Sprintf("cannot execute in state %s", s.state))
	}
	return nil
}

// query and exec route executor attempts through the scope's transaction.
func (s *TxScope) query(ctx context.Context, stmt string, args []any) ([]string, [][]any, error) {
	s.mu.Lock()
	tx := s.tx
	s.mu.Unlock()
	return tx.Query(ctx, stmt, args)
}

func (s *TxScope) exec(ctx context.Context, stmt string, args []any) (int64, error) {
	s.mu.Lock()
	tx := s.tx
	s.mu.Unlock()
	return tx.Exec(ctx, stmt, args)
}

// WithinTransaction runs fn inside a fresh scope: begin, fn, then commit on
// success or rollback on any error. Context cancellation inside fn triggers
// the rollback path like any other failure.
func (e *Executor) WithinTransaction(ctx context.Context, correlationID string, fn func(*TxScope) error) error {
	scope := e.NewScope(correlationID)
	if err := scope.Begin(ctx); err != nil {
		return err
	}
	defer scope.Close()

	if err := fn(scope); err != nil {
		return err
	}
	return scope.Commit()
}
