// Package memory is the single-node storage driver (storage.driver: memory).
package memory

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5"
)

// Transactor implements ports.DBTransactor for the in-memory store.
// Transactions are serialized: Begin blocks until the previous one ends.
type Transactor struct {
	sem chan struct{}
}

// NewTransactor creates a new in-memory Transactor.
func NewTransactor() *Transactor {
	return &Transactor{sem: make(chan struct{}, 1)}
}

// Begin acquires the store-wide write lock or fails when ctx ends first.
func (t *Transactor) Begin(ctx context.Context) (pgx.Tx, error) {
	select {
	case t.sem <- struct{}{}:
		return &tx{release: func() { <-t.sem }}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// tx satisfies pgx.Tx; only Commit and Rollback are meaningful.
type tx struct {
	pgx.Tx
	once    sync.Once
	release func()
}

func (t *tx) Commit(_ context.Context) error {
	t.once.Do(t.release)
	return nil
}

func (t *tx) Rollback(_ context.Context) error {
	t.once.Do(t.release)
	return nil
}
