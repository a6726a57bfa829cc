package db

import (
	"context"
	"errors"
	"fmt"
	"testing"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"procgate/internal/domain"
)

func asDatabaseError(t *testing.T, err error) *domain.DatabaseError {
	t.Helper()
	var dbErr *domain.DatabaseError
	require.True(t, errors.As(err, &dbErr), "expected DatabaseError, got %T", err)
	return dbErr
}

func TestClassifyError_TransientCodes(t *testing.T) {
	busy := sqlite3.Error{Code: sqlite3.ErrBusy}
	dbErr := asDatabaseError(t, ClassifyError("corr-1", busy))
	assert.True(t, dbErr.IsTransient())
	assert.Equal(t, "corr-1", dbErr.Correlation())

	locked := sqlite3.Error{Code: sqlite3.ErrLocked}
	assert.True(t, asDatabaseError(t, ClassifyError("", locked)).IsTransient())
}

func TestClassifyError_ConstraintIsNotTransient(t *testing.T) {
	constraint := sqlite3.Error{Code: sqlite3.ErrConstraint}
	dbErr := asDatabaseError(t, ClassifyError("", fmt.Errorf("insert order: %w", constraint)))
	assert.False(t, dbErr.IsTransient())
	// SafeMessage stays generic even though the diagnostic names the table.
	assert.NotContains(t, dbErr.SafeMessage(), "order")
}

func TestClassifyError_MessageFragments(t *testing.T) {
	dbErr := asDatabaseError(t, ClassifyError("", errors.New("driver: connection reset by peer")))
	assert.True(t, dbErr.IsTransient())

	dbErr = asDatabaseError(t, ClassifyError("", errors.New("deadlock detected")))
	assert.True(t, dbErr.IsTransient())

	dbErr = asDatabaseError(t, ClassifyError("", errors.New("syntax error near FROM")))
	assert.False(t, dbErr.IsTransient())
}

func TestClassifyError_ContextSentinels(t *testing.T) {
	// Caller cancellation passes through so the boundary can classify it.
	assert.Equal(t, context.Canceled, ClassifyError("", context.Canceled))

	// A blown statement deadline is a transient timeout.
	dbErr := asDatabaseError(t, ClassifyError("", context.DeadlineExceeded))
	assert.True(t, dbErr.IsTransient())
	assert.Equal(t, "statement_timeout", dbErr.Code)
}

func TestClassifyError_Nil(t *testing.T) {
	assert.NoError(t, ClassifyError("", nil))
}
