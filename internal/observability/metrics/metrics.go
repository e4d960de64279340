package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// BatchLabel identifies the relation a hydration batch query loaded.
type BatchLabel struct {
	Entity   string
	Relation string
	Outcome  string
}

// PageLabel identifies a page query by table and paging mode.
type PageLabel struct {
	Table   string
	Mode    string
	Outcome string
}

type batchStats struct {
	count    uint64
	ids      uint64
	rows     uint64
	duration time.Duration
}

type cacheStats struct {
	hits   uint64
	misses uint64
}

// Recorder aggregates in-memory counters for HTTP requests, hydration batch
// queries, page queries, row cache lookups and storage health. Concurrent
// writers are coordinated by a RWMutex.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	batches         map[BatchLabel]batchStats
	pages           map[PageLabel]batchStats
	cache           map[string]cacheStats
	healthValue     map[string]float64
	healthState     map[string]string
}

var (
	defaultMu       sync.RWMutex
	defaultRecorder = New()
)

// New constructs an empty Recorder ready for use.
func New() *Recorder {
	r := &Recorder{}
	r.reset()
	return r
}

// Default returns the process-wide Recorder.
func Default() *Recorder {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultRecorder
}

// SetDefault replaces the process-wide Recorder. A nil recorder is ignored.
func SetDefault(r *Recorder) {
	if r == nil {
		return
	}
	defaultMu.Lock()
	defaultRecorder = r
	defaultMu.Unlock()
}

// ObserveRequest accumulates request count and duration by method,
// normalized path and status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ObserveBatch records one hydration batch query: how many ids it asked for,
// how many rows came back and whether it failed.
func (r *Recorder) ObserveBatch(entity, relation string, ids, rows int, duration time.Duration, err error) {
	label := BatchLabel{Entity: normalizeName(entity), Relation: normalizeName(relation), Outcome: outcome(err)}
	r.mu.Lock()
	stats := r.batches[label]
	stats.count++
	stats.ids += nonNegative(ids)
	stats.rows += nonNegative(rows)
	stats.duration += duration
	r.batches[label] = stats
	r.mu.Unlock()
}

// ObservePage records one page query.
func (r *Recorder) ObservePage(table, mode string, rows int, duration time.Duration, err error) {
	label := PageLabel{Table: normalizeName(table), Mode: normalizeName(mode), Outcome: outcome(err)}
	r.mu.Lock()
	stats := r.pages[label]
	stats.count++
	stats.rows += nonNegative(rows)
	stats.duration += duration
	r.pages[label] = stats
	r.mu.Unlock()
}

// ObserveCache records the hits and misses of one cached row lookup.
func (r *Recorder) ObserveCache(table string, hits, misses int) {
	name := normalizeName(table)
	r.mu.Lock()
	stats := r.cache[name]
	stats.hits += nonNegative(hits)
	stats.misses += nonNegative(misses)
	r.cache[name] = stats
	r.mu.Unlock()
}

// SetHealth maps a component status to a numeric gauge: ok is 1, disabled
// is 0 and anything else is -1.
func (r *Recorder) SetHealth(component, status string) {
	name := normalizeName(component)
	state := strings.ToLower(strings.TrimSpace(status))
	value := -1.0
	switch state {
	case "ok", "healthy":
		value = 1
	case "disabled":
		value = 0
	}
	r.mu.Lock()
	r.healthValue[name] = value
	r.healthState[name] = state
	r.mu.Unlock()
}

// BatchCounts returns the number of batch queries per label.
func (r *Recorder) BatchCounts() map[BatchLabel]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[BatchLabel]uint64, len(r.batches))
	for label, stats := range r.batches {
		counts[label] = stats.count
	}
	return counts
}

// PageCounts returns the number of page queries per label.
func (r *Recorder) PageCounts() map[PageLabel]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[PageLabel]uint64, len(r.pages))
	for label, stats := range r.pages {
		counts[label] = stats.count
	}
	return counts
}

// CacheCounts returns the accumulated hits and misses for table.
func (r *Recorder) CacheCounts(table string) (hits, misses uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := r.cache[normalizeName(table)]
	return stats.hits, stats.misses
}

// Reset clears all counters. It is intended for test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reset()
}

func (r *Recorder) reset() {
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.batches = make(map[BatchLabel]batchStats)
	r.pages = make(map[PageLabel]batchStats)
	r.cache = make(map[string]cacheStats)
	r.healthValue = make(map[string]float64)
	r.healthState = make(map[string]string)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting label
// sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	fmt.Fprintln(w, "# HELP newsroom_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE newsroom_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "newsroom_http_requests_total{method=%q,path=%q,status=%q} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}
	fmt.Fprintln(w, "# HELP newsroom_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE newsroom_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "newsroom_http_request_duration_seconds_sum{method=%q,path=%q,status=%q} %f\n", label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	batchLabels := r.sortedBatchLabels()
	fmt.Fprintln(w, "# HELP newsroom_hydrate_batches_total Batch queries issued while hydrating relations")
	fmt.Fprintln(w, "# TYPE newsroom_hydrate_batches_total counter")
	for _, label := range batchLabels {
		fmt.Fprintf(w, "newsroom_hydrate_batches_total{entity=%q,relation=%q,outcome=%q} %d\n", label.Entity, label.Relation, label.Outcome, r.batches[label].count)
	}
	fmt.Fprintln(w, "# HELP newsroom_hydrate_batch_ids_total Ids requested by hydration batch queries")
	fmt.Fprintln(w, "# TYPE newsroom_hydrate_batch_ids_total counter")
	for _, label := range batchLabels {
		fmt.Fprintf(w, "newsroom_hydrate_batch_ids_total{entity=%q,relation=%q,outcome=%q} %d\n", label.Entity, label.Relation, label.Outcome, r.batches[label].ids)
	}
	fmt.Fprintln(w, "# HELP newsroom_hydrate_batch_rows_total Rows returned by hydration batch queries")
	fmt.Fprintln(w, "# TYPE newsroom_hydrate_batch_rows_total counter")
	for _, label := range batchLabels {
		fmt.Fprintf(w, "newsroom_hydrate_batch_rows_total{entity=%q,relation=%q,outcome=%q} %d\n", label.Entity, label.Relation, label.Outcome, r.batches[label].rows)
	}
	fmt.Fprintln(w, "# HELP newsroom_hydrate_batch_duration_seconds_sum Cumulative duration of hydration batch queries")
	fmt.Fprintln(w, "# TYPE newsroom_hydrate_batch_duration_seconds_sum counter")
	for _, label := range batchLabels {
		fmt.Fprintf(w, "newsroom_hydrate_batch_duration_seconds_sum{entity=%q,relation=%q,outcome=%q} %f\n", label.Entity, label.Relation, label.Outcome, r.batches[label].duration.Seconds())
	}

	pageLabels := r.sortedPageLabels()
	fmt.Fprintln(w, "# HELP newsroom_page_queries_total Page queries by table and paging mode")
	fmt.Fprintln(w, "# TYPE newsroom_page_queries_total counter")
	for _, label := range pageLabels {
		fmt.Fprintf(w, "newsroom_page_queries_total{table=%q,mode=%q,outcome=%q} %d\n", label.Table, label.Mode, label.Outcome, r.pages[label].count)
	}
	fmt.Fprintln(w, "# HELP newsroom_page_rows_total Rows returned by page queries")
	fmt.Fprintln(w, "# TYPE newsroom_page_rows_total counter")
	for _, label := range pageLabels {
		fmt.Fprintf(w, "newsroom_page_rows_total{table=%q,mode=%q,outcome=%q} %d\n", label.Table, label.Mode, label.Outcome, r.pages[label].rows)
	}

	tables := sortedKeys(r.cache)
	fmt.Fprintln(w, "# HELP newsroom_row_cache_hits_total Rows served from the row cache")
	fmt.Fprintln(w, "# TYPE newsroom_row_cache_hits_total counter")
	for _, table := range tables {
		fmt.Fprintf(w, "newsroom_row_cache_hits_total{table=%q} %d\n", table, r.cache[table].hits)
	}
	fmt.Fprintln(w, "# HELP newsroom_row_cache_misses_total Rows the row cache had to load")
	fmt.Fprintln(w, "# TYPE newsroom_row_cache_misses_total counter")
	for _, table := range tables {
		fmt.Fprintf(w, "newsroom_row_cache_misses_total{table=%q} %d\n", table, r.cache[table].misses)
	}

	fmt.Fprintln(w, "# HELP newsroom_component_health Health reported by dependencies (1=ok,0=disabled,-1=degraded)")
	fmt.Fprintln(w, "# TYPE newsroom_component_health gauge")
	for _, component := range sortedKeys(r.healthValue) {
		fmt.Fprintf(w, "newsroom_component_health{component=%q,status=%q} %f\n", component, r.healthState[component], r.healthValue[component])
	}
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedBatchLabels() []BatchLabel {
	labels := make([]BatchLabel, 0, len(r.batches))
	for label := range r.batches {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Entity != labels[j].Entity {
			return labels[i].Entity < labels[j].Entity
		}
		if labels[i].Relation != labels[j].Relation {
			return labels[i].Relation < labels[j].Relation
		}
		return labels[i].Outcome < labels[j].Outcome
	})
	return labels
}

func (r *Recorder) sortedPageLabels() []PageLabel {
	labels := make([]PageLabel, 0, len(r.pages))
	for label := range r.pages {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Table != labels[j].Table {
			return labels[i].Table < labels[j].Table
		}
		if labels[i].Mode != labels[j].Mode {
			return labels[i].Mode < labels[j].Mode
		}
		return labels[i].Outcome < labels[j].Outcome
	})
	return labels
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// normalizePath collapses id-like path segments so label cardinality stays
// bounded.
func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part != "" && looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if strings.HasPrefix(segment, "{") {
		return false
	}
	if len(segment) >= 16 {
		return true
	}
	for _, r := range segment {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func nonNegative(n int) uint64 {
	if n < 0 {
		return 0
	}
	return uint64(n)
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	Default().ObserveRequest(method, path, status, duration)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		Default().Handler().ServeHTTP(w, req)
	})
}
