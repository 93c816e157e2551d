package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const defaultLockTimeout = 5 * time.Second

// Transactor implements ports.DBTransactor. Ledger transactions run at READ
// COMMITTED; the per-order advisory lock serializes writers, and lock_timeout
// bounds how long a writer waits behind another.
type Transactor struct {
	pool        Pool
	lockTimeout time.Duration
}

// NewTransactor creates a Transactor over pool.
func NewTransactor(pool Pool) *Transactor {
	return &Transactor{pool: pool, lockTimeout: defaultLockTimeout}
}

// WithLockTimeout overrides the per-transaction lock wait. Zero disables it.
func (t *Transactor) WithLockTimeout(d time.Duration) *Transactor {
	t.lockTimeout = d
	return t
}

// Begin opens a ledger transaction.
func (t *Transactor) Begin(ctx context.Context) (pgx.Tx, error) {
	tx, err := t.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("begin ledger tx: %w", err)
	}
	if t.lockTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", t.lockTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, stmt); err != nil {
			_ = tx.Rollback(ctx)
			return nil, fmt.Errorf("set lock timeout: %w", err)
		}
	}
	return tx, nil
}
