package storage

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"golang.org/x/crypto/blake2b"
)

// RedisTLSConfig controls TLS behaviour for Redis connections.
type RedisTLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// RedisConfig configures the client used by CachedSource.
type RedisConfig struct {
	Addr         string
	Addrs        []string
	Username     string
	Password     string
	MasterName   string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	TLS          RedisTLSConfig
}

// NewRedisClient builds a universal client: a single node, a sentinel
// group when MasterName is set, or a cluster when several addresses are
// given.
func NewRedisClient(cfg RedisConfig) (redis.UniversalClient, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	tlsConfig, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:            addrs,
		MasterName:       strings.TrimSpace(cfg.MasterName),
		Username:         strings.TrimSpace(cfg.Username),
		Password:         cfg.Password,
		TLSConfig:        tlsConfig,
		DialTimeout:      cfg.DialTimeout,
		ReadTimeout:      cfg.ReadTimeout,
		WriteTimeout:     cfg.WriteTimeout,
		PoolSize:         cfg.PoolSize,
		MaxRetries:       2,
		DisableIndentity: true,
	}), nil
}

func buildTLSConfig(cfg RedisTLSConfig) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" && !cfg.InsecureSkipVerify {
		return nil, nil
	}
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.ServerName != "" {
		tlsCfg.ServerName = cfg.ServerName
	}
	if cfg.CAFile != "" {
		pemData, err := os.ReadFile(filepath.Clean(cfg.CAFile))
		if err != nil {
			return nil, fmt.Errorf("read redis tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("redis tls ca is invalid")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(filepath.Clean(cfg.CertFile), filepath.Clean(cfg.KeyFile))
		if err != nil {
			return nil, fmt.Errorf("load redis tls certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

// CacheConfig configures a CachedSource.
type CacheConfig struct {
	Client redis.UniversalClient
	TTL    time.Duration
	// Tables lists the tables whose rows may be cached. Empty caches none.
	Tables []string
	Prefix string
	Logger *slog.Logger
	// Observe, when set, is told the outcome of every cached lookup.
	Observe func(table string, hits, misses int)
}

// CachedSource serves FetchByIDs for selected tables from Redis. Only reads
// under Latest are cached; transactional reads always reach the wrapped
// source so their snapshot is honoured. Entries expire after TTL and are
// never invalidated explicitly, so cached tables should be ones that are
// rarely rewritten.
type CachedSource struct {
	Source
	client  redis.UniversalClient
	ttl     time.Duration
	tables  map[string]struct{}
	prefix  string
	logger  *slog.Logger
	observe func(table string, hits, misses int)
}

// NewCachedSource wraps inner with a Redis read-through cache.
func NewCachedSource(inner Source, cfg CacheConfig) (*CachedSource, error) {
	if inner == nil {
		return nil, fmt.Errorf("cached source requires an inner source")
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("cached source requires a redis client")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Minute
	}
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = "newsroom:rows"
	}
	tables := make(map[string]struct{}, len(cfg.Tables))
	for _, t := range cfg.Tables {
		if trimmed := strings.TrimSpace(t); trimmed != "" {
			tables[trimmed] = struct{}{}
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedSource{
		Source:  inner,
		client:  cfg.Client,
		ttl:     cfg.TTL,
		tables:  tables,
		prefix:  prefix,
		logger:  logger,
		observe: cfg.Observe,
	}, nil
}

// columnsDigest identifies a column set so rows projected differently never
// share a cache entry.
func columnsDigest(cols []string) string {
	sorted := append([]string(nil), cols...)
	sort.Strings(sorted)
	sum := blake2b.Sum256([]byte(strings.Join(sorted, "\x00")))
	return hex.EncodeToString(sum[:8])
}

func (c *CachedSource) key(table, digest string, id int64) string {
	return c.prefix + ":" + table + ":" + digest + ":" + strconv.FormatInt(id, 10)
}

func (c *CachedSource) FetchByIDs(ctx context.Context, scope Scope, q ByIDs) ([]Row, error) {
	if _, ok := c.tables[q.Table]; !ok || !IsLatest(scope) {
		return c.Source.FetchByIDs(ctx, scope, q)
	}
	ids := dedupeIDs(q.IDs)
	if len(ids) == 0 {
		return nil, nil
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	digest := columnsDigest(q.Columns)
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = c.key(q.Table, digest, id)
	}
	cached, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		c.logger.Warn("row cache lookup failed", "table", q.Table, "error", err)
		return c.Source.FetchByIDs(ctx, scope, q)
	}

	rows := make([]Row, 0, len(ids))
	var missing []int64
	for i, value := range cached {
		raw, ok := value.(string)
		if !ok {
			missing = append(missing, ids[i])
			continue
		}
		row, err := decodeCachedRow(raw)
		if err != nil {
			c.logger.Warn("discarding corrupt cache entry", "key", keys[i], "error", err)
			missing = append(missing, ids[i])
			continue
		}
		rows = append(rows, row)
	}
	if c.observe != nil {
		c.observe(q.Table, len(ids)-len(missing), len(missing))
	}
	if len(missing) == 0 {
		return rows, nil
	}

	fetched, err := c.Source.FetchByIDs(ctx, scope, ByIDs{Table: q.Table, Columns: q.Columns, IDs: missing})
	if err != nil {
		return nil, err
	}
	c.store(ctx, q.Table, digest, fetched)

	rows = append(rows, fetched...)
	sort.SliceStable(rows, func(i, j int) bool {
		a, _ := rows[i].ID()
		b, _ := rows[j].ID()
		return a < b
	})
	return rows, nil
}

func (c *CachedSource) store(ctx context.Context, table, digest string, rows []Row) {
	if len(rows) == 0 {
		return
	}
	_, err := c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, row := range rows {
			id, ok := row.ID()
			if !ok {
				continue
			}
			payload, err := json.Marshal(row)
			if err != nil {
				return err
			}
			pipe.Set(ctx, c.key(table, digest, id), payload, c.ttl)
		}
		return nil
	})
	if err != nil {
		c.logger.Warn("row cache store failed", "table", table, "error", err)
	}
}

// Ping checks both the wrapped source and Redis.
func (c *CachedSource) Ping(ctx context.Context) error {
	if err := c.Source.Ping(ctx); err != nil {
		return err
	}
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: redis: %w", ErrUnavailable, err)
	}
	return nil
}

// Close closes the Redis client and then the wrapped source.
func (c *CachedSource) Close(ctx context.Context) error {
	if err := c.client.Close(); err != nil {
		c.logger.Warn("close redis client", "error", err)
	}
	return c.Source.Close(ctx)
}

func decodeCachedRow(raw string) (Row, error) {
	decoder := json.NewDecoder(bytes.NewReader([]byte(raw)))
	decoder.UseNumber()
	var row Row
	if err := decoder.Decode(&row); err != nil {
		return nil, err
	}
	return normalizeRow(row), nil
}
