// Package paginate implements keyset pagination shared by listing and ranked
// full-text search. Rows are ordered by (sort key, id) with the id breaking
// ties in the same direction, and a cursor is rebuilt from the id of the
// last row seen by re-reading that row's sort key in the caller's scope.
package paginate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"newsroom-api/internal/storage"
)

// Direction orders a scan.
type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

// RankSort is the sort key name accepted for search results.
const RankSort = "rank"

// Params are the caller-supplied paging options.
type Params struct {
	SortBy    string
	Direction Direction
	Limit     int
	// Last is the id of the final row of the previous page.
	Last int64
	// Page selects a 1-based offset page. It cannot be combined with Last
	// or Search.
	Page   int
	Search string
	Count  bool
}

// Spec describes what a table allows callers to page over.
type Spec struct {
	Table            string
	SortColumns      []string
	DefaultSort      string
	DefaultDirection Direction
	DefaultLimit     int
	MaxLimit         int
	SearchColumns    []string
}

// Request narrows the scan beyond Params.
type Request struct {
	Columns []string
	Where   storage.Where
	Prefix  *storage.Prefix
}

// Page is one page of rows, stripped of synthetic columns.
type Page struct {
	Rows []storage.Row
	// Count is the number of rows matching the request regardless of paging.
	// It is only set when Counted is true.
	Count   int64
	Counted bool
}

// IDs lists the ids of the page's rows in order.
func (p Page) IDs() []int64 {
	ids := make([]int64, 0, len(p.Rows))
	for _, row := range p.Rows {
		id, _ := row.ID()
		ids = append(ids, id)
	}
	return ids
}

const (
	defaultLimit    = 20
	defaultMaxLimit = 100
)

// Normalize fills defaults and rejects values outside the option space.
func (s Spec) Normalize(p Params) (Params, error) {
	p.SortBy = strings.TrimSpace(p.SortBy)
	p.Search = strings.TrimSpace(p.Search)
	p.Direction = Direction(strings.ToLower(strings.TrimSpace(string(p.Direction))))
	explicitDirection := p.Direction != ""

	switch p.Direction {
	case "":
		p.Direction = s.DefaultDirection
		if p.Direction == "" {
			p.Direction = Desc
		}
	case Asc, Desc:
	default:
		return Params{}, storage.InvalidRequest("unknown direction %q", p.Direction)
	}

	maxLimit := s.MaxLimit
	if maxLimit <= 0 {
		maxLimit = defaultMaxLimit
	}
	switch {
	case p.Limit < 0:
		return Params{}, storage.InvalidRequest("limit must be positive")
	case p.Limit == 0:
		p.Limit = s.DefaultLimit
		if p.Limit <= 0 {
			p.Limit = defaultLimit
		}
	}
	if p.Limit > maxLimit {
		p.Limit = maxLimit
	}
	if p.Last < 0 {
		return Params{}, storage.InvalidRequest("last must be a row id")
	}
	if p.Page < 0 {
		return Params{}, storage.InvalidRequest("page must be positive")
	}
	if p.Page > 0 && p.Last > 0 {
		return Params{}, storage.InvalidRequest("page and last cannot be combined")
	}

	if p.Search != "" {
		if len(s.SearchColumns) == 0 {
			return Params{}, storage.InvalidRequest("%s cannot be searched", s.Table)
		}
		if p.Page > 0 {
			return Params{}, storage.InvalidRequest("page cannot be combined with search")
		}
		if p.SortBy != "" && p.SortBy != RankSort {
			return Params{}, storage.InvalidRequest("search results are sorted by rank")
		}
		if explicitDirection && p.Direction != Desc {
			return Params{}, storage.InvalidRequest("search results are sorted by descending rank")
		}
		p.SortBy = RankSort
		p.Direction = Desc
		return p, nil
	}

	if p.SortBy == "" {
		p.SortBy = s.DefaultSort
		if p.SortBy == "" {
			p.SortBy = "id"
		}
	}
	if p.SortBy != "id" && !contains(s.SortColumns, p.SortBy) {
		return Params{}, storage.InvalidRequest("%s cannot be sorted by %q", s.Table, p.SortBy)
	}
	return p, nil
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

// Observer receives one callback per page query.
type Observer interface {
	ObservePage(table, mode string, rows int, duration time.Duration, err error)
}

// Config tunes a Paginator.
type Config struct {
	Logger   *slog.Logger
	Observer Observer
}

// Paginator runs page queries against one source.
type Paginator struct {
	source   storage.Source
	logger   *slog.Logger
	observer Observer
}

// New returns a paginator over source.
func New(source storage.Source, cfg Config) *Paginator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Paginator{source: source, logger: logger.With("component", "paginate"), observer: cfg.Observer}
}

// Fetch returns one page. Invalid params are rejected before any query.
func (p *Paginator) Fetch(ctx context.Context, scope storage.Scope, spec Spec, params Params, req Request) (Page, error) {
	if scope == nil {
		return Page{}, storage.InvalidRequest("scope required")
	}
	params, err := spec.Normalize(params)
	if err != nil {
		return Page{}, err
	}

	q := storage.PageQuery{
		Table:   spec.Table,
		Columns: req.Columns,
		Where:   req.Where,
		Prefix:  req.Prefix,
		SortBy:  params.SortBy,
		Desc:    params.Direction == Desc,
		Limit:   params.Limit,
		Count:   params.Count,
	}
	mode := "list"
	if params.Search != "" {
		mode = "search"
		q.Search = &storage.Search{Term: params.Search, Columns: spec.SearchColumns}
		q.SortBy = storage.RankColumn
	}
	if params.Page > 0 {
		q.Offset = (params.Page - 1) * params.Limit
	}

	started := time.Now()
	page, err := p.run(ctx, scope, spec, params, q)
	p.logger.Debug("page query",
		"table", spec.Table,
		"mode", mode,
		"sort_by", params.SortBy,
		"direction", string(params.Direction),
		"last", params.Last,
		"rows", len(page.Rows),
		"duration_ms", time.Since(started).Milliseconds(),
	)
	if p.observer != nil {
		p.observer.ObservePage(spec.Table, mode, len(page.Rows), time.Since(started), err)
	}
	return page, err
}

func (p *Paginator) run(ctx context.Context, scope storage.Scope, spec Spec, params Params, q storage.PageQuery) (Page, error) {
	if params.Last > 0 {
		value, found, err := p.source.SortValue(ctx, scope, storage.SortValueQuery{
			Table:  spec.Table,
			SortBy: q.SortBy,
			Search: q.Search,
			ID:     params.Last,
		})
		if err != nil {
			return Page{}, classify(spec, err)
		}
		if !found {
			return Page{}, storage.InvalidRequest("cursor row %d not found in %s", params.Last, spec.Table)
		}
		q.After = &storage.Cursor{Value: value, ID: params.Last}
	}

	rows, err := p.source.Select(ctx, scope, q)
	if err != nil {
		return Page{}, classify(spec, err)
	}

	page := Page{Rows: make([]storage.Row, 0, len(rows)), Counted: params.Count}
	for i, row := range rows {
		if params.Count && i == 0 {
			page.Count, _ = storage.AsInt64(row[storage.TotalColumn])
		}
		page.Rows = append(page.Rows, row.Without(storage.RankColumn, storage.TotalColumn))
	}

	// An empty page past a cursor or offset carries no window count.
	if params.Count && len(rows) == 0 && (q.After != nil || q.Offset > 0) {
		count := q
		count.After = nil
		count.Offset = 0
		count.Limit = 1
		count.Columns = []string{"id"}
		totals, err := p.source.Select(ctx, scope, count)
		if err != nil {
			return Page{}, classify(spec, err)
		}
		if len(totals) > 0 {
			page.Count, _ = storage.AsInt64(totals[0][storage.TotalColumn])
		}
	}
	return page, nil
}

func classify(spec Spec, err error) error {
	if errors.Is(err, storage.ErrInvalidRequest) {
		return err
	}
	return storage.Conflict(fmt.Errorf("page %s: %w", spec.Table, err))
}
