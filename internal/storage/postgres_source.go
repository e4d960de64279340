package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresSource implements Store on a pgx connection pool. The caller must
// apply migrations before serving traffic; see Migrate.
type PostgresSource struct {
	pool   *pgxpool.Pool
	cfg    PostgresConfig
	logger *slog.Logger
	sql    sq.StatementBuilderType
}

// NewPostgresSource opens a pool and waits until the database answers a
// ping, retrying with exponential backoff up to the startup timeout.
func NewPostgresSource(ctx context.Context, dsn string, opts ...Option) (*PostgresSource, error) {
	cfg := newPostgresConfig(dsn, opts...)
	poolCfg, err := cfg.poolConfig()
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = cfg.StartupTimeout
	attempt := 1
	err = backoff.Retry(func() error {
		if err := pool.Ping(ctx); err != nil {
			cfg.Logger.Info("waiting for database", "attempt", attempt, "error", err)
			attempt++
			return err
		}
		return nil
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: ping postgres: %w", ErrUnavailable, err)
	}

	return &PostgresSource{
		pool:   pool,
		cfg:    cfg,
		logger: cfg.Logger,
		sql:    sq.StatementBuilder.PlaceholderFormat(sq.Question),
	}, nil
}

// Pool exposes the underlying pool for migrations and tests.
func (s *PostgresSource) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *PostgresSource) Close(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		s.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (s *PostgresSource) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

// Begin opens a repeatable read transaction so every query issued through it
// observes one snapshot.
func (s *PostgresSource) Begin(ctx context.Context) (*Tx, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return nil, classifyPgError(fmt.Errorf("begin: %w", err))
	}
	return &Tx{pg: tx}, nil
}

// withQuerier runs fn against the pool or the scope's transaction. A pgx
// transaction owns a single connection, so queries within one are serialised.
func (s *PostgresSource) withQuerier(scope Scope, fn func(querier) error) error {
	switch sc := scope.(type) {
	case latestScope:
		return fn(s.pool)
	case *Tx:
		if sc == nil || sc.pg == nil {
			return InvalidRequest("transaction does not belong to this source")
		}
		if sc.Closed() {
			return ErrTxClosed
		}
		sc.mu.Lock()
		defer sc.mu.Unlock()
		return fn(sc.pg)
	default:
		return InvalidRequest("unsupported scope %T", scope)
	}
}

func (s *PostgresSource) query(ctx context.Context, scope Scope, stmt sq.Sqlizer) ([]Row, error) {
	query, args, err := stmt.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	query, err = sq.Dollar.ReplacePlaceholders(query)
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var out []Row
	err = s.withQuerier(scope, func(q querier) error {
		start := time.Now()
		rows, err := q.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		maps, err := pgx.CollectRows(rows, pgx.RowToMap)
		if err != nil {
			return err
		}
		out = make([]Row, len(maps))
		for i, m := range maps {
			out[i] = Row(m)
		}
		s.logger.Debug("postgres query", "sql", query, "rows", len(out), "duration", time.Since(start))
		return nil
	})
	if err != nil {
		return nil, classifyPgError(err)
	}
	return out, nil
}

// Insert writes rows one statement at a time and advances the id sequence
// past any explicit ids. Under Latest the rows are written in a single
// transaction.
func (s *PostgresSource) Insert(ctx context.Context, scope Scope, table string, rows ...Row) error {
	if len(rows) == 0 {
		return nil
	}
	if IsLatest(scope) {
		tx, err := s.Begin(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback(ctx) }()
		if err := s.Insert(ctx, tx, table, rows...); err != nil {
			return err
		}
		return tx.Commit(ctx)
	}

	return classifyPgError(s.withQuerier(scope, func(q querier) error {
		explicitIDs := false
		for _, row := range rows {
			cols := row.Columns()
			if _, ok := row["id"]; ok {
				explicitIDs = true
			}
			values := make([]any, len(cols))
			quoted := make([]string, len(cols))
			for i, col := range cols {
				quoted[i] = quoteIdent(col)
				values[i] = row[col]
			}
			query, args, err := s.sql.Insert(quoteIdent(table)).Columns(quoted...).Values(values...).ToSql()
			if err != nil {
				return fmt.Errorf("build insert: %w", err)
			}
			if query, err = sq.Dollar.ReplacePlaceholders(query); err != nil {
				return fmt.Errorf("build insert: %w", err)
			}
			if _, err := q.Exec(ctx, query, args...); err != nil {
				return fmt.Errorf("insert %s: %w", table, err)
			}
		}
		if !explicitIDs {
			return nil
		}
		resync := fmt.Sprintf(
			"SELECT setval(pg_get_serial_sequence('%s', 'id'), COALESCE((SELECT MAX(id) FROM %s), 1))",
			table, quoteIdent(table),
		)
		if _, err := q.Exec(ctx, resync); err != nil {
			return fmt.Errorf("resync %s id sequence: %w", table, err)
		}
		return nil
	}))
}

// Truncate empties the given tables and resets their sequences.
func (s *PostgresSource) Truncate(ctx context.Context, tables ...string) error {
	if len(tables) == 0 {
		return nil
	}
	quoted := make([]string, len(tables))
	for i, t := range tables {
		quoted[i] = quoteIdent(t)
	}
	sort.Strings(quoted)
	query := "TRUNCATE TABLE " + strings.Join(quoted, ", ") + " RESTART IDENTITY CASCADE"
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return classifyPgError(fmt.Errorf("truncate: %w", err))
	}
	return nil
}

func quoteIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}
