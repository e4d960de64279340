package content

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"newsroom-api/internal/hydrate"
	"newsroom-api/internal/paginate"
	"newsroom-api/internal/storage"
)

// Result is one hydrated page.
type Result struct {
	Items   []*hydrate.Entity
	Count   int64
	Counted bool
}

// Config tunes a Service.
type Config struct {
	MaxConcurrency int
	Logger         *slog.Logger
	Hydrate        hydrate.Observer
	Paginate       paginate.Observer
}

// Service reads hydrated content.
type Service struct {
	catalog *Catalog
	source  storage.Source
	engine  *hydrate.Engine
	pager   *paginate.Paginator
	logger  *slog.Logger
}

// NewService wires the hydration and pagination engines over source.
func NewService(catalog *Catalog, source storage.Source, cfg Config) (*Service, error) {
	if catalog == nil {
		return nil, errors.New("catalog required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	engine, err := hydrate.NewEngine(catalog.Registry(), source, hydrate.Config{
		MaxConcurrency: cfg.MaxConcurrency,
		MaxDepth:       catalog.Registry().MaxDepth(),
		Logger:         logger,
		Observer:       cfg.Hydrate,
	})
	if err != nil {
		return nil, err
	}
	return &Service{
		catalog: catalog,
		source:  source,
		engine:  engine,
		pager:   paginate.New(source, paginate.Config{Logger: logger, Observer: cfg.Paginate}),
		logger:  logger.With("component", "content"),
	}, nil
}

// Catalog returns the service's entity types.
func (s *Service) Catalog() *Catalog {
	return s.catalog
}

func (s *Service) hydrator(typ string) (*Type, *hydrate.Hydrator, error) {
	t, err := s.catalog.Type(typ)
	if err != nil {
		return nil, nil, err
	}
	h, err := s.engine.Hydrator(typ)
	if err != nil {
		return nil, nil, err
	}
	return t, h, nil
}

// Get returns one entity or storage.ErrNotFound.
func (s *Service) Get(ctx context.Context, call hydrate.Call, typ string, id int64, opts hydrate.Options) (*hydrate.Entity, error) {
	t, h, err := s.hydrator(typ)
	if err != nil {
		return nil, err
	}
	if call.Scope == nil {
		return nil, storage.InvalidRequest("call scope required")
	}
	rows, err := s.source.FetchByIDs(ctx, call.Scope, storage.ByIDs{Table: t.Schema.Table, Columns: h.Columns(opts), IDs: []int64{id}})
	if err != nil {
		return nil, storage.Conflict(fmt.Errorf("get %s %d: %w", typ, id, err))
	}
	if len(rows) == 0 {
		return nil, storage.NotFound("%s %d", typ, id)
	}
	return h.BuildOne(ctx, call, hydrate.NewEntity(typ, rows[0]), opts)
}

// GetMany returns the entities with the given ids in the order asked for.
// Missing ids are skipped unless requireAll is set, in which case any
// missing id fails the call with storage.ErrNotFound.
func (s *Service) GetMany(ctx context.Context, call hydrate.Call, typ string, ids []int64, opts hydrate.Options, requireAll bool) ([]*hydrate.Entity, error) {
	t, h, err := s.hydrator(typ)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []*hydrate.Entity{}, nil
	}
	if call.Scope == nil {
		return nil, storage.InvalidRequest("call scope required")
	}
	rows, err := s.source.FetchByIDs(ctx, call.Scope, storage.ByIDs{Table: t.Schema.Table, Columns: h.Columns(opts), IDs: ids})
	if err != nil {
		return nil, storage.Conflict(fmt.Errorf("get %s: %w", typ, err))
	}
	byID := make(map[int64]storage.Row, len(rows))
	for _, row := range rows {
		id, _ := row.ID()
		byID[id] = row
	}
	entities := make([]*hydrate.Entity, 0, len(ids))
	seen := make(map[int64]struct{}, len(ids))
	var missing []int64
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		row, ok := byID[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		entities = append(entities, hydrate.NewEntity(typ, row))
	}
	if requireAll && len(missing) > 0 {
		return nil, storage.NotFound("%s %v", typ, missing)
	}
	return h.Build(ctx, call, entities, opts)
}

// List returns one page of entities matching where.
func (s *Service) List(ctx context.Context, call hydrate.Call, typ string, params paginate.Params, where storage.Where, opts hydrate.Options) (Result, error) {
	t, _, err := s.hydrator(typ)
	if err != nil {
		return Result{}, err
	}
	for col := range where {
		if !t.Schema.Columns.InUniverse(col) {
			return Result{}, storage.InvalidRequest("%s cannot be filtered by %q", typ, col)
		}
	}
	return s.page(ctx, call, t, t.Page, params, paginate.Request{Where: where}, opts, nil)
}

// ListUnder returns one page of typ entities that belong to the parent
// entity with parentID. The parent row is read once, so a missing parent
// fails with storage.ErrNotFound, and it is preloaded on every item instead
// of being fetched again when the relation is shown.
func (s *Service) ListUnder(ctx context.Context, call hydrate.Call, typ, parent string, parentID int64, params paginate.Params, opts hydrate.Options) (Result, error) {
	t, _, err := s.hydrator(typ)
	if err != nil {
		return Result{}, err
	}
	rel, ok := t.ParentRelation(parent)
	if !ok {
		return Result{}, storage.InvalidRequest("%s does not belong to %s", typ, parent)
	}
	pt, err := s.catalog.Type(parent)
	if err != nil {
		return Result{}, err
	}
	if call.Scope == nil {
		return Result{}, storage.InvalidRequest("call scope required")
	}
	rows, err := s.source.FetchByIDs(ctx, call.Scope, storage.ByIDs{Table: pt.Schema.Table, Columns: pt.Schema.Columns.Columns(), IDs: []int64{parentID}})
	if err != nil {
		return Result{}, storage.Conflict(fmt.Errorf("get %s %d: %w", parent, parentID, err))
	}
	if len(rows) == 0 {
		return Result{}, storage.NotFound("%s %d", parent, parentID)
	}
	owner := hydrate.NewEntity(parent, rows[0])
	preload := func(e *hydrate.Entity) {
		e.Preload(rel.Name, owner)
	}
	return s.page(ctx, call, t, t.Page, params, paginate.Request{Where: storage.Where{rel.Key: parentID}}, opts, preload)
}

// Search returns one page of entities ranked against term.
func (s *Service) Search(ctx context.Context, call hydrate.Call, typ, term string, params paginate.Params, opts hydrate.Options) (Result, error) {
	t, _, err := s.hydrator(typ)
	if err != nil {
		return Result{}, err
	}
	if !t.Searchable() {
		return Result{}, storage.InvalidRequest("%s cannot be searched", typ)
	}
	if strings.TrimSpace(term) == "" {
		return Result{}, storage.InvalidRequest("search term required")
	}
	params.Search = term
	return s.page(ctx, call, t, t.Page, params, paginate.Request{}, opts, nil)
}

// Autocomplete returns up to limit entities whose column starts with
// prefix, projected to their id and that column.
func (s *Service) Autocomplete(ctx context.Context, call hydrate.Call, typ, column, prefix string, limit int) ([]*hydrate.Entity, error) {
	t, _, err := s.hydrator(typ)
	if err != nil {
		return nil, err
	}
	column = strings.TrimSpace(column)
	if !contains(t.Autocomplete, column) {
		return nil, storage.InvalidRequest("%s cannot be autocompleted on %q", typ, column)
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return nil, storage.InvalidRequest("autocomplete prefix required")
	}
	spec := t.Page
	spec.SortColumns = []string{column}
	spec.SearchColumns = nil
	params := paginate.Params{SortBy: column, Direction: paginate.Asc, Limit: limit}
	opts := hydrate.Options{}.WithFilter(t.Schema.Columns.Only("id", column))

	res, err := s.page(ctx, call, t, spec, params, paginate.Request{Prefix: &storage.Prefix{Column: column, Value: prefix}}, opts, nil)
	if err != nil {
		return nil, err
	}
	return res.Items, nil
}

func (s *Service) page(ctx context.Context, call hydrate.Call, t *Type, spec paginate.Spec, params paginate.Params, req paginate.Request, opts hydrate.Options, preload func(*hydrate.Entity)) (Result, error) {
	h, err := s.engine.Hydrator(t.Schema.Name)
	if err != nil {
		return Result{}, err
	}
	req.Columns = h.Columns(opts)
	page, err := s.pager.Fetch(ctx, call.Scope, spec, params, req)
	if err != nil {
		return Result{}, err
	}
	entities := hydrate.Entities(t.Schema.Name, page.Rows)
	if preload != nil {
		for _, e := range entities {
			preload(e)
		}
	}
	items, err := h.Build(ctx, call, entities, opts)
	if err != nil {
		return Result{}, err
	}
	return Result{Items: items, Count: page.Count, Counted: page.Counted}, nil
}

// WithTx runs fn inside one storage transaction so every build it performs
// reads the same snapshot. The transaction commits when fn succeeds.
func (s *Service) WithTx(ctx context.Context, requester int64, fn func(ctx context.Context, call hydrate.Call) error) (err error) {
	tx, err := s.source.Begin(ctx)
	if err != nil {
		return storage.Conflict(fmt.Errorf("begin: %w", err))
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				s.logger.Warn("rollback failed", "error", rbErr)
			}
		}
	}()
	if err = fn(ctx, hydrate.InTx(tx, requester)); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return storage.Conflict(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// Ping checks the backing store.
func (s *Service) Ping(ctx context.Context) error {
	return s.source.Ping(ctx)
}
