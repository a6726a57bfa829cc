package engine

import (
	"context"
	"database/sql"
)

// Backend is the gateway's view of the production database. Results come
// back by value; the adapter owns row scanning and resource cleanup.
type Backend interface {
	// Query runs a statement expected to produce a row set.
	Query(ctx context.Context, stmt string, args []any) (columns []string, rows [][]any, err error)
	// Exec runs a statement expected to produce only an affected-row count.
	Exec(ctx context.Context, stmt string, args []any) (rowsAffected int64, err error)
	// Begin opens a transaction; subsequent calls on the returned BackendTx
	// enlist in it.
	Begin(ctx context.Context) (BackendTx, error)
}

// BackendTx is a transactional slice of a Backend.
type BackendTx interface {
	Query(ctx context.Context, stmt string, args []any) (columns []string, rows [][]any, err error)
	Exec(ctx context.Context, stmt string, args []any) (rowsAffected int64, err error)
	Commit() error
	Rollback() error
}

// sqlBackend adapts *sql.DB to the Backend port.
type sqlBackend struct {
	db *sql.DB
}

// NewSQLBackend wraps a *sql.DB as a Backend.
func NewSQLBackend(db *sql.DB) Backend {
	return &sqlBackend{db: db}
}

func (b *sqlBackend) Query(ctx context.Context, stmt string, args []any) ([]string, [][]any, error) {
	rows, err := b.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, nil, err
	}
	return scanRows(rows)
}

func (b *sqlBackend) Exec(ctx context.Context, stmt string, args []any) (int64, error) {
	res, err := b.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (b *sqlBackend) Begin(ctx context.Context) (BackendTx, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqlBackendTx{tx: tx}, nil
}

type sqlBackendTx struct {
	tx *sql.Tx
}

func (t *sqlBackendTx) Query(ctx context.Context, stmt string, args []any) ([]string, [][]any, error) {
	rows, err := t.tx.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, nil, err
	}
	return scanRows(rows)
}

func (t *sqlBackendTx) Exec(ctx context.Context, stmt string, args []any) (int64, error) {
	res, err := t.tx.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (t *sqlBackendTx) Commit() error   { return t.tx.Commit() }
func (t *sqlBackendTx) Rollback() error { return t.tx.Rollback() }

// scanRows drains a *sql.Rows into value slices, converting byte slices to
// strings for JSON serialization.
func scanRows(rows *sql.Rows) ([]string, [][]any, error) {
	defer rows.Close() //nolint:errcheck

	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}

	var out [][]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, err
		}
		row := make([]any, len(vals))
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				row[i] = string(b)
			} else {
				row[i] = v
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	return cols, out, nil
}
