// Command migrate applies the embedded schema migrations to Postgres and can
// seed the database from a JSON dataset.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"newsroom-api/internal/observability/logging"
	"newsroom-api/internal/storage"
)

func main() {
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	jsonPath := flag.String("json", "", "optional JSON dataset to import after migrating")
	timeout := flag.Duration("timeout", 30*time.Second, "how long to wait for Postgres to accept connections")
	skipVerify := flag.Bool("skip-verify", false, "skip comparing imported row counts")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	flag.Parse()

	logger := logging.New(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("NEWSROOM_LOG_LEVEL"), "info"),
		Format: string(logging.FormatText),
	})

	dsn := firstNonEmpty(*postgresDSN, os.Getenv("NEWSROOM_POSTGRES_DSN"), os.Getenv("DATABASE_URL"))
	if dsn == "" {
		logger.Error("postgres DSN required", "hint", "set --postgres-dsn, NEWSROOM_POSTGRES_DSN, or DATABASE_URL")
		os.Exit(1)
	}

	ctx := context.Background()
	result, err := storage.Migrate(ctx, dsn, *timeout, logger)
	if err != nil {
		logger.Error("migration failed", "error", err)
		os.Exit(1)
	}
	logger.Info("schema up to date", "applied", result.Applied, "version", result.Version)

	if strings.TrimSpace(*jsonPath) == "" {
		return
	}
	tables, err := loadDataset(*jsonPath)
	if err != nil {
		logger.Error("failed to load dataset", "error", err)
		os.Exit(1)
	}

	source, err := storage.NewPostgresSource(ctx, dsn, storage.WithLogger(logger), storage.WithPostgresApplicationName("newsroom-migrate"))
	if err != nil {
		logger.Error("failed to open postgres", "error", err)
		os.Exit(1)
	}
	defer func() { _ = source.Close(context.Background()) }()

	counts, err := storage.ImportTables(ctx, source, tables)
	if err != nil {
		logger.Error("failed to import dataset", "error", err)
		os.Exit(1)
	}
	for _, table := range sortedTables(counts) {
		logger.Info("imported table", "table", table, "rows", counts[table])
	}

	if !*skipVerify {
		if err := verifyCounts(ctx, poolCounter{pool: source.Pool()}, counts); err != nil {
			logger.Error("verification failed", "error", err)
			os.Exit(1)
		}
	}
	logger.Info("import completed", "tables", len(counts))
}

func loadDataset(path string) (map[string][]storage.Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close()
	return storage.LoadTables(f)
}

// rowCounter reports how many rows a table holds.
type rowCounter interface {
	CountRows(ctx context.Context, table string) (int, error)
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type poolCounter struct {
	pool queryRower
}

func (c poolCounter) CountRows(ctx context.Context, table string) (int, error) {
	query, args, err := countQuery(table)
	if err != nil {
		return 0, err
	}
	var n int
	if err := c.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func countQuery(table string) (string, []any, error) {
	return sq.Select("COUNT(*)").
		From(pgx.Identifier{table}.Sanitize()).
		PlaceholderFormat(sq.Dollar).
		ToSql()
}

// verifyCounts checks every imported table holds at least the rows written.
// Tables may already have held rows before the import.
func verifyCounts(ctx context.Context, counter rowCounter, expected map[string]int) error {
	for _, table := range sortedTables(expected) {
		actual, err := counter.CountRows(ctx, table)
		if err != nil {
			return fmt.Errorf("count %s: %w", table, err)
		}
		if actual < expected[table] {
			return fmt.Errorf("mismatch for %s: expected at least %d rows, got %d", table, expected[table], actual)
		}
	}
	return nil
}

func sortedTables(counts map[string]int) []string {
	tables := make([]string, 0, len(counts))
	for table := range counts {
		tables = append(tables, table)
	}
	sort.Strings(tables)
	return tables
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
