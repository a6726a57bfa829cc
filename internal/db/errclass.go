package db

import (
	"context"
	"errors"
	"net"
	"strings"

	sqlite3 "github.com/mattn/go-sqlite3"

	"procgate/internal/domain"
)

// Transient-failure policy: lock contention, deadlocks, connection loss, and
// statement timeouts are retry-safe; constraint violations (UNIQUE included)
// are not, because replaying them cannot succeed and a blind retry of the
// surrounding write is not idempotent.
var transientSQLiteCodes = map[sqlite3.ErrNo]bool{
	sqlite3.ErrBusy:     true,
	sqlite3.ErrLocked:   true,
	sqlite3.ErrProtocol: true,
}

// transientFragments classifies driver-agnostic failures by message, for
// backends reached over the network.
var transientFragments = []string{
	"database is locked",
	"deadlock",
	"connection reset",
	"connection refused",
	"broken pipe",
	"i/o timeout",
}

// ClassifyError wraps a database failure into a domain.DatabaseError with
// its transient flag set per the policy above. Caller-initiated cancellation
// is passed through unchanged so the boundary can treat it as such; an
// elapsed statement deadline is classified as a transient timeout.
func ClassifyError(correlationID string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var already *domain.DatabaseError
	if errors.As(err, &already) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		dbErr := domain.NewDatabaseError(correlationID, "statement_timeout", err.Error(), true)
		dbErr.Cause = err
		return dbErr
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code.Error()
		transient := transientSQLiteCodes[sqliteErr.Code]
		dbErr := domain.NewDatabaseError(correlationID, code, err.Error(), transient)
		dbErr.Cause = err
		return dbErr
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		dbErr := domain.NewDatabaseError(correlationID, "network", err.Error(), true)
		dbErr.Cause = err
		return dbErr
	}

	transient := false
	lower := strings.ToLower(err.Error())
	for _, fragment := range transientFragments {
		if strings.Contains(lower, fragment) {
			transient = true
			break
		}
	}

	dbErr := domain.NewDatabaseError(correlationID, "", err.Error(), transient)
	dbErr.Cause = err
	return dbErr
}
