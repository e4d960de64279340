package storage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
)

// Scope selects the state a query observes. It is either Latest or an open
// *Tx; no other implementations exist.
type Scope interface {
	scope()
}

type latestScope struct{}

func (latestScope) scope() {}

func (latestScope) String() string { return "latest" }

// Latest reads the most recently committed state. Consecutive queries under
// Latest may observe different snapshots.
var Latest Scope = latestScope{}

// IsLatest reports whether scope reads committed state outside a transaction.
func IsLatest(scope Scope) bool {
	_, ok := scope.(latestScope)
	return ok
}

// Tx is an open transaction. Every query issued with a Tx as its scope sees
// the same snapshot.
type Tx struct {
	pg pgx.Tx

	mu    sync.RWMutex
	snap  *memoryData
	owner *JSONSource

	closed atomic.Bool
}

func (*Tx) scope() {}

func (tx *Tx) String() string { return "tx" }

// Commit makes the transaction's writes visible.
func (tx *Tx) Commit(ctx context.Context) error {
	if tx == nil || !tx.closed.CompareAndSwap(false, true) {
		return ErrTxClosed
	}
	if tx.pg != nil {
		if err := tx.pg.Commit(ctx); err != nil {
			return classifyPgError(fmt.Errorf("commit: %w", err))
		}
		return nil
	}
	if tx.owner != nil {
		return tx.owner.commit(tx)
	}
	return nil
}

// Rollback discards the transaction. Rolling back a closed transaction is a
// no-op so it can be deferred unconditionally.
func (tx *Tx) Rollback(ctx context.Context) error {
	if tx == nil || !tx.closed.CompareAndSwap(false, true) {
		return nil
	}
	if tx.pg != nil {
		if err := tx.pg.Rollback(ctx); err != nil {
			return classifyPgError(fmt.Errorf("rollback: %w", err))
		}
	}
	return nil
}

// Closed reports whether Commit or Rollback has been called.
func (tx *Tx) Closed() bool {
	return tx.closed.Load()
}
