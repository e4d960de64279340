package storage

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// MigrationsFS returns the embedded SQL migrations rooted at their directory.
func MigrationsFS() fs.FS {
	sub, err := fs.Sub(embeddedMigrations, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// MigrationResult summarises one Migrate run.
type MigrationResult struct {
	Applied []int64
	Version int64
}

// Migrate applies every pending migration to the database at dsn.
func Migrate(ctx context.Context, dsn string, timeout time.Duration, logger *slog.Logger) (MigrationResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := goose.OpenDBWithDriver("pgx", dsn)
	if err != nil {
		return MigrationResult{}, fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = timeout
	err = backoff.Retry(func() error {
		return db.PingContext(ctx)
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return MigrationResult{}, fmt.Errorf("%w: initialize database connection: %w", ErrUnavailable, err)
	}

	provider, err := goose.NewProvider(goose.DialectPostgres, db, MigrationsFS())
	if err != nil {
		return MigrationResult{}, fmt.Errorf("load migrations: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return MigrationResult{}, fmt.Errorf("apply migrations: %w", err)
	}

	var out MigrationResult
	for _, r := range results {
		logger.Info("applied migration", "version", r.Source.Version, "path", r.Source.Path, "duration", r.Duration)
		out.Applied = append(out.Applied, r.Source.Version)
	}
	out.Version, err = provider.GetDBVersion(ctx)
	if err != nil {
		return out, fmt.Errorf("read schema version: %w", err)
	}
	return out, nil
}
