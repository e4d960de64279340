// Command server starts the newsroom read API HTTP service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"newsroom-api/internal/api"
	"newsroom-api/internal/content"
	"newsroom-api/internal/observability/logging"
	"newsroom-api/internal/observability/metrics"
	"newsroom-api/internal/server"
	"newsroom-api/internal/serverutil"
	"newsroom-api/internal/storage"
)

type config struct {
	Addr          string
	LogLevel      string
	LogFormat     string
	StorageDriver string
	DataPath      string

	PostgresDSN             string
	PostgresMaxConns        int
	PostgresMinConns        int
	PostgresMaxConnLifetime time.Duration
	PostgresMaxConnIdle     time.Duration
	PostgresHealthInterval  time.Duration
	PostgresAcquireTimeout  time.Duration
	PostgresAppName         string
	PostgresSearchConfig    string
	MigrateOnStart          bool

	Redis       storage.RedisConfig
	CacheTTL    time.Duration
	CacheTables []string

	MaxConcurrency int

	TLS        serverutil.TLSConfig
	RateLimit  server.RateLimitConfig
	RateRedis  bool
	CORS       server.CORSConfig
	HSTSMaxAge int
	Shutdown   time.Duration
}

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, nil); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func loadConfig(args []string) (config, error) {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	addr := fs.String("addr", "", "HTTP listen address")
	logLevel := fs.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := fs.String("log-format", "", "log format (json or text)")
	storageDriver := fs.String("storage-driver", "", "datastore driver (json or postgres)")
	dataPath := fs.String("data", "", "path to JSON dataset")
	postgresDSN := fs.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := fs.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := fs.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresMaxConnLifetime := fs.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresMaxConnIdle := fs.Duration("postgres-max-conn-idle", 0, "maximum idle time for a pooled Postgres connection")
	postgresHealthInterval := fs.Duration("postgres-health-interval", 0, "interval between Postgres health checks")
	postgresAcquireTimeout := fs.Duration("postgres-acquire-timeout", 0, "timeout when acquiring a Postgres connection from the pool")
	postgresAppName := fs.String("postgres-app-name", "", "application_name reported to Postgres")
	postgresSearchConfig := fs.String("postgres-search-config", "", "text search configuration used for ranking")
	migrateOnStart := fs.Bool("migrate", false, "apply pending Postgres migrations before serving")
	redisAddr := fs.String("cache-redis-addr", "", "Redis address for the row cache")
	redisAddrs := fs.String("cache-redis-addrs", "", "comma separated Redis cluster addresses for the row cache")
	redisUsername := fs.String("cache-redis-username", "", "Redis username")
	redisPassword := fs.String("cache-redis-password", "", "Redis password")
	redisMasterName := fs.String("cache-redis-master-name", "", "Redis sentinel master name")
	redisPoolSize := fs.Int("cache-redis-pool-size", 0, "maximum Redis connections")
	redisTLSCA := fs.String("cache-redis-tls-ca", "", "path to Redis TLS CA certificate")
	redisTLSCert := fs.String("cache-redis-tls-cert", "", "path to Redis TLS client certificate")
	redisTLSKey := fs.String("cache-redis-tls-key", "", "path to Redis TLS client key")
	redisTLSServerName := fs.String("cache-redis-tls-server-name", "", "override Redis TLS server name")
	redisTLSSkipVerify := fs.Bool("cache-redis-tls-skip-verify", false, "skip Redis TLS verification")
	cacheTTL := fs.Duration("cache-ttl", 0, "lifetime of cached rows")
	cacheTables := fs.String("cache-tables", "", "comma separated tables served from the row cache")
	maxConcurrency := fs.Int("hydrate-max-concurrency", 0, "relation fetches in flight per hydration level")
	tlsCert := fs.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := fs.String("tls-key", "", "path to TLS private key file")
	globalRPS := fs.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := fs.Int("rate-global-burst", 0, "global rate limit burst allowance")
	clientLimit := fs.Int("rate-client-limit", 0, "maximum API requests per window for a single client")
	clientWindow := fs.Duration("rate-client-window", 0, "window for counting client requests")
	trustForwarded := fs.Bool("rate-trust-forwarded-headers", false, "trust proxy-provided client IP headers")
	rateRedis := fs.Bool("rate-redis", false, "share client rate limit counters through the cache Redis")
	corsOrigins := fs.String("cors-origins", "", "comma separated browser origins allowed to call the API")
	hstsMaxAge := fs.Int("hsts-max-age", 0, "Strict-Transport-Security max-age in seconds for TLS requests")
	shutdown := fs.Duration("shutdown-timeout", 0, "graceful shutdown timeout")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	cfg := config{
		Addr:          firstNonEmpty(*addr, os.Getenv("NEWSROOM_ADDR"), ":8080"),
		LogLevel:      firstNonEmpty(*logLevel, os.Getenv("NEWSROOM_LOG_LEVEL"), "info"),
		LogFormat:     firstNonEmpty(*logFormat, os.Getenv("NEWSROOM_LOG_FORMAT"), string(logging.FormatJSON)),
		StorageDriver: strings.ToLower(firstNonEmpty(*storageDriver, os.Getenv("NEWSROOM_STORAGE_DRIVER"))),
		DataPath:      resolveDataPath(*dataPath, os.Getenv("NEWSROOM_DATA")),

		PostgresDSN:             resolvePostgresDSN(*postgresDSN),
		PostgresMaxConns:        resolveInt(*postgresMaxConns, "NEWSROOM_POSTGRES_MAX_CONNS"),
		PostgresMinConns:        resolveInt(*postgresMinConns, "NEWSROOM_POSTGRES_MIN_CONNS"),
		PostgresMaxConnLifetime: resolveDuration(*postgresMaxConnLifetime, "NEWSROOM_POSTGRES_MAX_CONN_LIFETIME", 0),
		PostgresMaxConnIdle:     resolveDuration(*postgresMaxConnIdle, "NEWSROOM_POSTGRES_MAX_CONN_IDLE", 0),
		PostgresHealthInterval:  resolveDuration(*postgresHealthInterval, "NEWSROOM_POSTGRES_HEALTH_INTERVAL", 0),
		PostgresAcquireTimeout:  resolveDuration(*postgresAcquireTimeout, "NEWSROOM_POSTGRES_ACQUIRE_TIMEOUT", 0),
		PostgresAppName:         firstNonEmpty(*postgresAppName, os.Getenv("NEWSROOM_POSTGRES_APP_NAME"), "newsroom-api"),
		PostgresSearchConfig:    firstNonEmpty(*postgresSearchConfig, os.Getenv("NEWSROOM_POSTGRES_SEARCH_CONFIG")),
		MigrateOnStart:          resolveBool(*migrateOnStart, "NEWSROOM_MIGRATE"),

		Redis: storage.RedisConfig{
			Addr:       firstNonEmpty(*redisAddr, os.Getenv("NEWSROOM_CACHE_REDIS_ADDR")),
			Addrs:      splitAndTrim(firstNonEmpty(*redisAddrs, os.Getenv("NEWSROOM_CACHE_REDIS_ADDRS"))),
			Username:   firstNonEmpty(*redisUsername, os.Getenv("NEWSROOM_CACHE_REDIS_USERNAME")),
			Password:   firstNonEmpty(*redisPassword, os.Getenv("NEWSROOM_CACHE_REDIS_PASSWORD")),
			MasterName: firstNonEmpty(*redisMasterName, os.Getenv("NEWSROOM_CACHE_REDIS_MASTER_NAME")),
			PoolSize:   resolveInt(*redisPoolSize, "NEWSROOM_CACHE_REDIS_POOL_SIZE"),
			TLS: storage.RedisTLSConfig{
				CAFile:             firstNonEmpty(*redisTLSCA, os.Getenv("NEWSROOM_CACHE_REDIS_TLS_CA")),
				CertFile:           firstNonEmpty(*redisTLSCert, os.Getenv("NEWSROOM_CACHE_REDIS_TLS_CERT")),
				KeyFile:            firstNonEmpty(*redisTLSKey, os.Getenv("NEWSROOM_CACHE_REDIS_TLS_KEY")),
				ServerName:         firstNonEmpty(*redisTLSServerName, os.Getenv("NEWSROOM_CACHE_REDIS_TLS_SERVER_NAME")),
				InsecureSkipVerify: resolveBool(*redisTLSSkipVerify, "NEWSROOM_CACHE_REDIS_TLS_SKIP_VERIFY"),
			},
		},
		CacheTTL:    resolveDuration(*cacheTTL, "NEWSROOM_CACHE_TTL", 5*time.Minute),
		CacheTables: splitAndTrim(firstNonEmpty(*cacheTables, os.Getenv("NEWSROOM_CACHE_TABLES"), "users")),

		MaxConcurrency: resolveInt(*maxConcurrency, "NEWSROOM_HYDRATE_MAX_CONCURRENCY"),

		TLS: serverutil.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("NEWSROOM_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("NEWSROOM_TLS_KEY")),
		},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:             resolveFloat(*globalRPS, "NEWSROOM_RATE_GLOBAL_RPS"),
			GlobalBurst:           resolveInt(*globalBurst, "NEWSROOM_RATE_GLOBAL_BURST"),
			ClientLimit:           resolveInt(*clientLimit, "NEWSROOM_RATE_CLIENT_LIMIT"),
			ClientWindow:          resolveDuration(*clientWindow, "NEWSROOM_RATE_CLIENT_WINDOW", time.Minute),
			TrustForwardedHeaders: resolveBool(*trustForwarded, "NEWSROOM_RATE_TRUST_FORWARDED_HEADERS"),
		},
		RateRedis:  resolveBool(*rateRedis, "NEWSROOM_RATE_REDIS"),
		CORS:       server.CORSConfig{AllowedOrigins: splitAndTrim(firstNonEmpty(*corsOrigins, os.Getenv("NEWSROOM_CORS_ORIGINS")))},
		HSTSMaxAge: resolveInt(*hstsMaxAge, "NEWSROOM_HSTS_MAX_AGE"),
		Shutdown:   resolveDuration(*shutdown, "NEWSROOM_SHUTDOWN_TIMEOUT", serverutil.DefaultShutdownTimeout),
	}

	driver, err := resolveStorageDriver(cfg.StorageDriver, cfg.PostgresDSN)
	if err != nil {
		return config{}, err
	}
	cfg.StorageDriver = driver
	if cfg.RateRedis && !cfg.redisEnabled() {
		return config{}, fmt.Errorf("rate limit redis sharing requires --cache-redis-addr")
	}
	return cfg, nil
}

func (c config) redisEnabled() bool {
	return c.Redis.Addr != "" || len(c.Redis.Addrs) > 0
}

// run serves until ctx is cancelled. ready, when set, receives the bound
// listener address.
func run(ctx context.Context, cfg config, logger *slog.Logger, ready chan<- net.Addr) error {
	recorder := metrics.Default()

	source, err := openSource(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open datastore: %w", err)
	}

	var (
		redisClient redis.UniversalClient
		checks      = map[string]api.HealthCheck{}
	)
	closeSource := source.Close
	if cfg.redisEnabled() {
		redisClient, err = storage.NewRedisClient(cfg.Redis)
		if err != nil {
			_ = source.Close(ctx)
			return fmt.Errorf("configure redis: %w", err)
		}
		if len(cfg.CacheTables) > 0 {
			cached, err := storage.NewCachedSource(source, storage.CacheConfig{
				Client:  redisClient,
				TTL:     cfg.CacheTTL,
				Tables:  cfg.CacheTables,
				Logger:  logging.WithComponent(logger, "cache"),
				Observe: recorder.ObserveCache,
			})
			if err != nil {
				_ = redisClient.Close()
				_ = source.Close(ctx)
				return fmt.Errorf("configure cache: %w", err)
			}
			source = cached
			closeSource = cached.Close
			logger.Info("row cache enabled", "tables", cfg.CacheTables, "ttl", cfg.CacheTTL)
		} else {
			client, inner := redisClient, source
			checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
			closeSource = func(ctx context.Context) error {
				if err := client.Close(); err != nil {
					logger.Warn("close redis client", "error", err)
				}
				return inner.Close(ctx)
			}
		}
		if cfg.RateRedis {
			cfg.RateLimit.Redis = redisClient
		}
	} else {
		recorder.SetHealth("redis", "disabled")
	}

	catalog, err := content.NewDefaultCatalog()
	if err != nil {
		_ = closeSource(ctx)
		return err
	}
	svc, err := content.NewService(catalog, source, content.Config{
		MaxConcurrency: cfg.MaxConcurrency,
		Logger:         logger,
		Hydrate:        recorder,
		Paginate:       recorder,
	})
	if err != nil {
		_ = closeSource(ctx)
		return err
	}

	handler := api.NewHandler(svc, recorder, logging.WithComponent(logger, "api"))
	handler.Checks = checks

	srv, err := server.New(handler, server.Config{
		Addr:            cfg.Addr,
		TLS:             cfg.TLS,
		RateLimit:       cfg.RateLimit,
		CORS:            cfg.CORS,
		Security:        server.SecurityConfig{HSTSMaxAge: cfg.HSTSMaxAge},
		Logger:          logger,
		Metrics:         recorder,
		ShutdownTimeout: cfg.Shutdown,
	})
	if err != nil {
		_ = closeSource(ctx)
		return fmt.Errorf("initialise server: %w", err)
	}

	logger.Info("newsroom api starting", "addr", cfg.Addr, "storage", cfg.StorageDriver, "metrics_path", "/metrics")
	return srv.Run(ctx, ready, closeSource)
}

func openSource(ctx context.Context, cfg config, logger *slog.Logger) (storage.Source, error) {
	storeLogger := logging.WithComponent(logger, "storage")
	switch cfg.StorageDriver {
	case "json":
		return storage.NewJSONSource(cfg.DataPath, storage.WithLogger(storeLogger))
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, errors.New("postgres storage selected without DSN")
		}
		if cfg.MigrateOnStart {
			result, err := storage.Migrate(ctx, cfg.PostgresDSN, 30*time.Second, storeLogger)
			if err != nil {
				return nil, err
			}
			storeLogger.Info("migrations applied", "applied", len(result.Applied), "version", result.Version)
		}
		return storage.NewPostgresSource(ctx, cfg.PostgresDSN, postgresOptions(cfg, storeLogger)...)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
}

func postgresOptions(cfg config, logger *slog.Logger) []storage.Option {
	opts := []storage.Option{storage.WithLogger(logger)}
	if cfg.PostgresMaxConns > 0 || cfg.PostgresMinConns > 0 {
		opts = append(opts, storage.WithPostgresPoolLimits(int32(cfg.PostgresMaxConns), int32(cfg.PostgresMinConns)))
	}
	if cfg.PostgresMaxConnLifetime > 0 || cfg.PostgresMaxConnIdle > 0 || cfg.PostgresHealthInterval > 0 {
		opts = append(opts, storage.WithPostgresPoolDurations(cfg.PostgresMaxConnLifetime, cfg.PostgresMaxConnIdle, cfg.PostgresHealthInterval))
	}
	if cfg.PostgresAcquireTimeout > 0 {
		opts = append(opts, storage.WithPostgresAcquireTimeout(cfg.PostgresAcquireTimeout))
	}
	if cfg.PostgresAppName != "" {
		opts = append(opts, storage.WithPostgresApplicationName(cfg.PostgresAppName))
	}
	if cfg.PostgresSearchConfig != "" {
		opts = append(opts, storage.WithSearchConfig(cfg.PostgresSearchConfig))
	}
	return opts
}

func resolveStorageDriver(value, postgresDSN string) (string, error) {
	if driver := strings.ToLower(strings.TrimSpace(value)); driver != "" {
		switch driver {
		case "json", "postgres":
			return driver, nil
		default:
			return "", fmt.Errorf("unsupported storage driver %q", driver)
		}
	}
	if strings.TrimSpace(postgresDSN) != "" {
		return "postgres", nil
	}
	return "", fmt.Errorf("no datastore configured: provide --storage-driver json or configure Postgres via NEWSROOM_POSTGRES_DSN, DATABASE_URL, or --postgres-dsn")
}

func resolveDataPath(flagValue, envValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := strings.TrimSpace(envValue); env != "" {
		return env
	}
	return "data/newsroom.json"
}

func resolvePostgresDSN(flagValue string) string {
	return firstNonEmpty(flagValue, os.Getenv("NEWSROOM_POSTGRES_DSN"), os.Getenv("DATABASE_URL"))
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return fallback
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}
