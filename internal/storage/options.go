package storage

import (
	"log/slog"
	"strings"
	"time"
)

// Option configures either backend. Options that only make sense for one
// backend are ignored by the other.
type Option interface {
	applyJSON(*JSONSource)
	applyPostgres(*PostgresConfig)
}

type optionAdapter struct {
	json func(*JSONSource)
	pg   func(*PostgresConfig)
}

func (o optionAdapter) applyJSON(store *JSONSource) {
	if o.json != nil && store != nil {
		o.json(store)
	}
}

func (o optionAdapter) applyPostgres(cfg *PostgresConfig) {
	if o.pg != nil && cfg != nil {
		o.pg(cfg)
	}
}

func composeOption(json func(*JSONSource), pg func(*PostgresConfig)) Option {
	return optionAdapter{json: json, pg: pg}
}

func postgresOnlyOption(pg func(*PostgresConfig)) Option {
	return optionAdapter{pg: pg}
}

func jsonOnlyOption(json func(*JSONSource)) Option {
	return optionAdapter{json: json}
}

// WithLogger routes backend diagnostics to logger.
func WithLogger(logger *slog.Logger) Option {
	return composeOption(
		func(s *JSONSource) {
			if logger != nil {
				s.logger = logger
			}
		},
		func(cfg *PostgresConfig) {
			if logger != nil {
				cfg.Logger = logger
			}
		},
	)
}

// WithPersistHook intercepts every dataset write before it reaches disk.
// Returning an error aborts the write.
func WithPersistHook(hook func(tables map[string][]Row) error) Option {
	return jsonOnlyOption(func(s *JSONSource) {
		s.persistOverride = hook
	})
}

func WithPostgresPoolLimits(maxConns, minConns int32) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if maxConns > 0 {
			cfg.MaxConnections = maxConns
		}
		if minConns >= 0 {
			cfg.MinConnections = minConns
		}
	})
}

// WithPostgresAcquireTimeout bounds how long a query waits for a pooled
// connection, including the connect handshake for new connections.
func WithPostgresAcquireTimeout(timeout time.Duration) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if timeout > 0 {
			cfg.AcquireTimeout = timeout
		}
	})
}

func WithPostgresPoolDurations(maxLifetime, maxIdle, healthInterval time.Duration) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if maxLifetime > 0 {
			cfg.MaxConnLifetime = maxLifetime
		}
		if maxIdle > 0 {
			cfg.MaxConnIdleTime = maxIdle
		}
		if healthInterval > 0 {
			cfg.HealthCheckInterval = healthInterval
		}
	})
}

func WithPostgresApplicationName(name string) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			cfg.ApplicationName = trimmed
		}
	})
}

// WithPostgresStartupTimeout bounds how long NewPostgresSource keeps retrying
// the initial ping.
func WithPostgresStartupTimeout(timeout time.Duration) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if timeout >= 0 {
			cfg.StartupTimeout = timeout
		}
	})
}

// WithSearchConfig selects the Postgres text search configuration used for
// ranking. Defaults to "simple".
func WithSearchConfig(name string) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			cfg.SearchConfig = trimmed
		}
	})
}
