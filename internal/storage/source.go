// Package storage provides the relational primitives the hydration and
// pagination engines are built on, with a Postgres implementation for
// production and a JSON file-backed implementation for development and tests.
package storage

import "context"

// Source is the read side of the store. Implementations must be safe for
// concurrent use: the hydrator issues several primitives at once.
type Source interface {
	// FetchByIDs returns the rows with the given ids in id order. Missing
	// ids are skipped.
	FetchByIDs(ctx context.Context, scope Scope, q ByIDs) ([]Row, error)
	// FetchGrouped returns the related rows of every owner, tagged with
	// GroupColumn, grouped by owner in q.OwnerIDs order.
	FetchGrouped(ctx context.Context, scope Scope, q Grouped) ([]Row, error)
	// FetchAggregates returns one row per owner that has at least one
	// matching row, tagged with GroupColumn.
	FetchAggregates(ctx context.Context, scope Scope, q Aggregate) ([]Row, error)
	// Select runs an ordered page query.
	Select(ctx context.Context, scope Scope, q PageQuery) ([]Row, error)
	// SortValue returns the current sort key of one row. found is false when
	// the row does not exist.
	SortValue(ctx context.Context, scope Scope, q SortValueQuery) (value any, found bool, err error)

	Begin(ctx context.Context) (*Tx, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Writer inserts rows. Writes are only used to seed and import data; the API
// itself is read-only.
type Writer interface {
	Insert(ctx context.Context, scope Scope, table string, rows ...Row) error
}

// Store is a Source that can also be written to.
type Store interface {
	Source
	Writer
}
