package hydrate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"newsroom-api/internal/storage"
)

// Observer receives one callback per batch fetch.
type Observer interface {
	ObserveBatch(entity, relation string, ids, rows int, duration time.Duration, err error)
}

// Config tunes an Engine.
type Config struct {
	// MaxConcurrency bounds the relation fetches in flight per build level.
	// Zero or less means unbounded.
	MaxConcurrency int
	// MaxDepth bounds build recursion. Zero selects DefaultMaxDepth.
	MaxDepth int
	Logger   *slog.Logger
	Observer Observer
}

// Engine builds entities of every registered schema against one source.
type Engine struct {
	registry *Registry
	source   storage.Source
	cfg      Config
	logger   *slog.Logger
}

// NewEngine returns an engine reading from source.
func NewEngine(registry *Registry, source storage.Source, cfg Config) (*Engine, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry required")
	}
	if source == nil {
		return nil, fmt.Errorf("source required")
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{registry: registry, source: source, cfg: cfg, logger: logger.With("component", "hydrate")}, nil
}

// Registry returns the engine's schemas.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Source returns the engine's storage source.
func (e *Engine) Source() storage.Source {
	return e.source
}

// Hydrator returns the builder for one schema.
func (e *Engine) Hydrator(name string) (*Hydrator, error) {
	s, ok := e.registry.Schema(name)
	if !ok {
		return nil, storage.InvalidRequest("unknown entity type %q", name)
	}
	return &Hydrator{engine: e, schema: s}, nil
}

// Call carries who is asking and which snapshot every query reads.
type Call struct {
	Requester int64
	Scope     storage.Scope

	depth int
	limit int
	built *buildSet
}

// buildSet records the entities a call tree has already queued for building.
// Preloaded entities may be shared between levels that resolve concurrently.
type buildSet struct {
	mu      sync.Mutex
	entries map[*Entity]struct{}
}

func newBuildSet(entities []*Entity) *buildSet {
	set := &buildSet{entries: make(map[*Entity]struct{}, len(entities))}
	for _, e := range entities {
		set.entries[e] = struct{}{}
	}
	return set
}

// claim reports whether e was not yet claimed and marks it.
func (s *buildSet) claim(e *Entity) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, done := s.entries[e]; done {
		return false
	}
	s.entries[e] = struct{}{}
	return true
}

// Latest reads committed state, each query independently.
func Latest(requester int64) Call {
	return Call{Requester: requester, Scope: storage.Latest}
}

// InTx reads every query of the call tree from tx.
func InTx(tx *storage.Tx, requester int64) Call {
	return Call{Requester: requester, Scope: tx}
}

// Anonymous reports whether the call has no requester.
func (c Call) Anonymous() bool {
	return c.Requester <= 0
}

func (c Call) deeper() Call {
	c.depth++
	return c
}

// Hydrator builds entities of one schema.
type Hydrator struct {
	engine *Engine
	schema *Schema
}

// Schema returns the schema the hydrator builds.
func (h *Hydrator) Schema() *Schema {
	return h.schema
}

// Columns lists the columns a query must select so that Build can project
// the rows with opts and resolve the requested belongs-to relations.
func (h *Hydrator) Columns(opts Options) []string {
	cols := opts.filter(h.schema).Only(h.schema.Columns.Columns()...)
	cols = cols.With("id")
	cols = cols.With(h.schema.Needs...)
	for _, rel := range h.schema.Relations {
		if rel.Kind == BelongsTo && opts.shows(rel.Name) {
			cols = cols.With(rel.Key)
		}
	}
	return cols.Columns()
}

// BuildOne builds a single entity.
func (h *Hydrator) BuildOne(ctx context.Context, call Call, entity *Entity, opts Options) (*Entity, error) {
	if entity == nil {
		return nil, nil
	}
	out, err := h.Build(ctx, call, []*Entity{entity}, opts)
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// Build projects entities onto opts and resolves every shown relation with
// one query per relation. Entities are updated in place and returned in
// input order. The call fails as a whole when any fetch fails.
func (h *Hydrator) Build(ctx context.Context, call Call, entities []*Entity, opts Options) ([]*Entity, error) {
	if len(entities) == 0 {
		return entities, nil
	}
	if call.Scope == nil {
		return nil, storage.InvalidRequest("call scope required")
	}
	if call.limit == 0 {
		call.limit = h.engine.cfg.MaxDepth
		if opts.MaxDepth > 0 && opts.MaxDepth < call.limit {
			call.limit = opts.MaxDepth
		}
	}
	if call.depth > call.limit {
		return nil, fmt.Errorf("%w: %s at depth %d", ErrRecursionLimit, h.schema.Name, call.depth)
	}
	if err := h.validate(entities, opts); err != nil {
		return nil, err
	}
	if call.built == nil {
		call.built = newBuildSet(entities)
	}

	pendings := h.prepare(call, entities, opts)

	g, gctx := errgroup.WithContext(ctx)
	if h.engine.cfg.MaxConcurrency > 0 {
		g.SetLimit(h.engine.cfg.MaxConcurrency)
	}
	results := make([][]assignment, len(pendings))
	for i, p := range pendings {
		g.Go(func() error {
			assigned, err := h.resolve(gctx, call, p, opts.nested(p.rel))
			if err != nil {
				return wrapFetch(h.schema, p.rel, err)
			}
			results[i] = assigned
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for _, assigned := range results {
		for _, a := range assigned {
			a.owner.slots[a.name] = a.value
		}
	}
	return entities, nil
}

func (h *Hydrator) validate(entities []*Entity, opts Options) error {
	for i, entity := range entities {
		if entity == nil {
			return storage.InvalidRequest("%s build: entity %d is nil", h.schema.Name, i)
		}
		if entity.Type != h.schema.Name {
			return storage.InvalidRequest("%s build: entity %d has type %q", h.schema.Name, i, entity.Type)
		}
	}
	for name, shown := range opts.Show {
		if _, ok := h.schema.relation(name); !ok && shown {
			return storage.InvalidRequest("%s has no relation %q", h.schema.Name, name)
		}
	}
	for name := range opts.Nested {
		if _, ok := h.schema.relation(name); !ok {
			return storage.InvalidRequest("%s has no relation %q", h.schema.Name, name)
		}
	}
	return nil
}

// prepare projects every entity, installs placeholders and fills one
// reference map per shown relation. It runs before any fetch starts, so
// entity slots are only written from this goroutine.
func (h *Hydrator) prepare(call Call, entities []*Entity, opts Options) []*pending {
	columns := opts.filter(h.schema).Columns()

	var pendings []*pending
	for i := range h.schema.Relations {
		rel := &h.schema.Relations[i]
		if opts.shows(rel.Name) {
			pendings = append(pendings, &pending{rel: rel, refs: newRefMap()})
		}
	}

	for _, entity := range entities {
		attrs := NewAttributes(entity.row, columns)
		if h.schema.Normalize != nil {
			attrs = h.schema.Normalize(entity.row, attrs)
		}
		entity.attrs = attrs
		entity.schema = h.schema
		entity.slots = make(map[string]any, len(pendings))

		for _, p := range pendings {
			rel := p.rel
			if value, ok := entity.eager[rel.Name]; ok {
				entity.slots[rel.Name] = placeholder(rel)
				switch v := value.(type) {
				case *Entity:
					if v != nil {
						entity.slots[rel.Name] = v
						p.claim(call.built, v)
					}
				case []*Entity:
					entity.slots[rel.Name] = v
					for _, child := range v {
						p.claim(call.built, child)
					}
				case Attributes:
					entity.slots[rel.Name] = v
				}
				continue
			}
			entity.slots[rel.Name] = placeholder(rel)
			switch rel.Kind {
			case BelongsTo:
				if id, ok := entity.foreignKey(rel.Key); ok {
					p.refs.add(id, entity)
				}
			default:
				p.refs.add(entity.ID(), entity)
			}
		}
	}
	return pendings
}

// claim queues a preloaded entity for the relation's child build. An entity
// preloaded under several relations, at any depth of the call tree, is built
// once, by the first relation that claims it.
func (p *pending) claim(built *buildSet, child *Entity) {
	if child == nil || !built.claim(child) {
		return
	}
	p.eager = append(p.eager, child)
}

func placeholder(rel *Relation) any {
	switch rel.Kind {
	case BelongsTo:
		return (*Entity)(nil)
	case HasMany:
		return []*Entity{}
	default:
		return zeroStats(rel)
	}
}

// resolve fetches one relation, builds the related entities with the
// relation's options and returns the slot values to assign.
func (h *Hydrator) resolve(ctx context.Context, call Call, p *pending, child Options) ([]assignment, error) {
	var (
		assigned []assignment
		children []*Entity
		err      error
	)
	switch p.rel.Kind {
	case Aggregate:
		return h.fetchAggregate(ctx, call, p)
	case BelongsTo:
		assigned, children, err = h.fetchBelongsTo(ctx, call, p, child)
	case HasMany:
		assigned, children, err = h.fetchHasMany(ctx, call, p, child)
	}
	if err != nil {
		return nil, err
	}
	children = append(children, p.eager...)
	if len(children) == 0 {
		return assigned, nil
	}
	target, err := h.engine.Hydrator(p.rel.Target)
	if err != nil {
		return nil, err
	}
	if _, err := target.Build(ctx, call.deeper(), children, child); err != nil {
		return nil, err
	}
	return assigned, nil
}
