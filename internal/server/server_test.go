package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"newsroom-api/internal/api"
	"newsroom-api/internal/content"
	"newsroom-api/internal/observability/metrics"
	"newsroom-api/internal/storage"
	"newsroom-api/internal/testsupport/redisstub"
)

func newTestHandler(t *testing.T, recorder *metrics.Recorder) *api.Handler {
	t.Helper()
	f, err := os.Open("../content/testdata/newsroom.json")
	if err != nil {
		t.Fatalf("open dataset: %v", err)
	}
	defer f.Close()
	tables, err := storage.LoadTables(f)
	if err != nil {
		t.Fatalf("LoadTables: %v", err)
	}
	src, err := storage.NewMemorySource(tables)
	if err != nil {
		t.Fatalf("NewMemorySource: %v", err)
	}
	catalog, err := content.NewDefaultCatalog()
	if err != nil {
		t.Fatalf("NewDefaultCatalog: %v", err)
	}
	svc, err := content.NewService(catalog, src, content.Config{MaxConcurrency: 2, Hydrate: recorder, Paginate: recorder})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return api.NewHandler(svc, recorder, nil)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, cfg Config) (*Server, *metrics.Recorder) {
	t.Helper()
	recorder := metrics.New()
	cfg.Metrics = recorder
	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}
	srv, err := New(newTestHandler(t, recorder), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return srv, recorder
}

func serve(t *testing.T, srv *Server, method, target, requester string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	req.RemoteAddr = "192.0.2.10:4000"
	if requester != "" {
		req.Header.Set(api.RequesterHeader, requester)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestNewRequiresHandler(t *testing.T) {
	if _, err := New(nil, Config{}); err == nil {
		t.Fatal("expected error without a handler")
	}
	if _, err := New(newTestHandler(t, metrics.New()), Config{CORS: CORSConfig{AllowedOrigins: []string{"::"}}}); err == nil {
		t.Fatal("expected error for malformed cors origin")
	}
}

func TestServerChainServesAPI(t *testing.T) {
	srv, recorder := newTestServer(t, Config{})

	rec := serve(t, srv, http.MethodGet, "/api/galleries/10?show=owner", "1")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("expected a generated request id header")
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("expected security headers on api responses")
	}
	var gallery map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &gallery); err != nil {
		t.Fatalf("decode gallery: %v", err)
	}
	if gallery["id"] != float64(10) {
		t.Fatalf("expected gallery 10, got %v", gallery["id"])
	}

	if rec := serve(t, srv, http.MethodGet, "/api/galleries/10", "nobody"); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected malformed requester to be rejected, got %d", rec.Code)
	}

	metricsRec := serve(t, srv, http.MethodGet, "/metrics", "")
	if metricsRec.Code != http.StatusOK {
		t.Fatalf("expected metrics endpoint, got %d", metricsRec.Code)
	}
	if !strings.Contains(metricsRec.Body.String(), `newsroom_http_requests_total{method="GET",path="/api/{collection}/{id}",status="200"} 1`) {
		t.Fatalf("expected request to be recorded by route, got:\n%s", metricsRec.Body.String())
	}
	if len(recorder.BatchCounts()) == 0 {
		t.Fatal("expected hydration batches to reach the recorder")
	}
}

func TestServerAnswersPreflightBeforeRouting(t *testing.T) {
	srv, _ := newTestServer(t, Config{CORS: CORSConfig{AllowedOrigins: []string{"https://desk.example.com"}}})

	req := httptest.NewRequest(http.MethodOptions, "/api/posts/lookup", nil)
	req.Header.Set("Origin", "https://desk.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
}

func TestServerRateLimitsPerClientThroughRedis(t *testing.T) {
	stub, err := redisstub.Start(redisstub.Options{})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() { _ = stub.Close() })

	client, err := storage.NewRedisClient(storage.RedisConfig{Addr: stub.Addr()})
	if err != nil {
		t.Fatalf("NewRedisClient: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	srv, _ := newTestServer(t, Config{RateLimit: RateLimitConfig{
		ClientLimit:  2,
		ClientWindow: time.Minute,
		Redis:        client,
	}})

	for i := 0; i < 2; i++ {
		if rec := serve(t, srv, http.MethodGet, "/api/galleries/10", ""); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
	rec := serve(t, srv, http.MethodGet, "/api/galleries/10", "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
	if rec := serve(t, srv, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected health check to bypass the limiter, got %d", rec.Code)
	}

	keys := stub.Keys(defaultRateLimitPrefix)
	if len(keys) != 1 || keys[0] != defaultRateLimitPrefix+"192.0.2.10" {
		t.Fatalf("unexpected rate limit keys %v", keys)
	}
	if ttl := stub.TTL(keys[0]); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("expected window expiry on the counter, got %v", ttl)
	}

	stub.Fail("INCR")
	if rec := serve(t, srv, http.MethodGet, "/api/galleries/10", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected requests to pass while redis fails, got %d", rec.Code)
	}
}

func TestServerRunServesUntilCancelled(t *testing.T) {
	srv, _ := newTestServer(t, Config{Addr: "127.0.0.1:0", ShutdownTimeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	closed := make(chan struct{})
	ready := make(chan net.Addr, 1)
	done := make(chan error, 1)
	go func() {
		done <- srv.Run(ctx, ready, func(context.Context) error {
			close(closed)
			return nil
		})
	}()

	var addr net.Addr
	select {
	case addr = <-ready:
	case err := <-done:
		t.Fatalf("server exited early: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not start")
	}

	resp, err := http.Get("http://" + addr.String() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
	select {
	case <-closed:
	default:
		t.Fatal("expected shutdown hook to run")
	}
}
