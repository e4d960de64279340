package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"newsroom-api/internal/api"
	"newsroom-api/internal/observability/logging"
	"newsroom-api/internal/observability/metrics"
	"newsroom-api/internal/serverutil"
)

// Config assembles the HTTP surface around an api.Handler.
type Config struct {
	Addr            string
	TLS             serverutil.TLSConfig
	RateLimit       RateLimitConfig
	CORS            CORSConfig
	Security        SecurityConfig
	Logger          *slog.Logger
	Metrics         *metrics.Recorder
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
	tls        serverutil.TLSConfig
	shutdown   time.Duration
}

func New(handler *api.Handler, cfg Config) (*Server, error) {
	if handler == nil {
		return nil, errors.New("api handler is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	if handler.Metrics == nil {
		handler.Metrics = recorder
	}
	if handler.Logger == nil {
		handler.Logger = logger
	}

	policy, err := newCORSPolicy(cfg.CORS)
	if err != nil {
		return nil, fmt.Errorf("configure cors: %w", err)
	}

	mux := http.NewServeMux()
	handler.Register(mux)
	mux.Handle("GET /metrics", recorder.Handler())

	var chain http.Handler = mux
	chain = metrics.HTTPMiddleware(recorder, chain)
	chain = rateLimitMiddleware(newRateLimiter(cfg.RateLimit), logging.WithComponent(logger, "ratelimit"), chain)
	chain = logging.RequestLogger(logging.RequestLoggerConfig{
		Logger:    logging.WithComponent(logger, "http"),
		SkipPaths: []string{"/healthz", "/metrics"},
	})(chain)
	chain = api.RequesterMiddleware(chain)
	chain = corsMiddleware(policy, logger, chain)
	chain = requestIDMiddleware(logger, chain)
	chain = securityHeadersMiddleware(cfg.Security, chain)

	addr := cfg.Addr
	if addr == "" {
		addr = ":8080"
	}
	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 15 * time.Second
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 30 * time.Second
	}
	idleTimeout := cfg.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = 120 * time.Second
	}

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           chain,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       readTimeout,
			WriteTimeout:      writeTimeout,
			IdleTimeout:       idleTimeout,
			ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
		},
		handler:  chain,
		logger:   logger,
		tls:      cfg.TLS,
		shutdown: cfg.ShutdownTimeout,
	}, nil
}

// Handler exposes the fully wrapped handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves until ctx is cancelled, then drains connections and runs the
// hooks. ready, when non-nil, receives the bound address.
func (s *Server) Run(ctx context.Context, ready chan<- net.Addr, hooks ...func(context.Context) error) error {
	return serverutil.Run(ctx, serverutil.Config{
		Server:          s.httpServer,
		TLS:             s.tls,
		ShutdownTimeout: s.shutdown,
		Logger:          s.logger,
		Ready:           ready,
		OnShutdown:      hooks,
	})
}
