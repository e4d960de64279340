// Package hydrate turns bare rows into API entities with their relations
// resolved, issuing one storage query per relation per build call no matter
// how many entities are being built.
package hydrate

import (
	"fmt"
	"sort"
	"strings"

	"newsroom-api/internal/projection"
	"newsroom-api/internal/storage"
)

// Kind is the shape of a relation.
type Kind int

const (
	// BelongsTo resolves a foreign key stored on the owner row to one entity.
	BelongsTo Kind = iota + 1
	// HasMany resolves the entities that reference the owner, directly or
	// through a link table.
	HasMany
	// Aggregate computes counts and flags over a table grouped by owner.
	Aggregate
)

func (k Kind) String() string {
	switch k {
	case BelongsTo:
		return "belongs_to"
	case HasMany:
		return "has_many"
	case Aggregate:
		return "aggregate"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Measure is one aggregate field.
type Measure struct {
	Name  string
	Kind  storage.MeasureKind
	Match storage.Where
	// RequesterColumn restricts the measure to rows whose column holds the
	// requester's id. Anonymous requesters match no row.
	RequesterColumn string
}

func (m Measure) zero() any {
	if m.Kind == storage.Exists {
		return false
	}
	return int64(0)
}

// Relation describes one relation slot of a schema.
type Relation struct {
	Name string
	Kind Kind

	// Target names the related schema for BelongsTo and HasMany.
	Target string
	// Key is the foreign key column. For BelongsTo it lives on the owner
	// row; for a direct HasMany it lives on the target row.
	Key     string
	Through *storage.Link
	Where   storage.Where
	Order   []storage.Order
	// Limit caps a HasMany collection per owner.
	Limit int

	// Table and Owner locate the rows an Aggregate is computed over.
	Table    string
	Owner    string
	Measures []Measure

	// Defaults are the options the related entities are built with unless
	// the caller overrides them.
	Defaults Options
}

// Schema describes one entity type.
type Schema struct {
	Name  string
	Table string
	// Columns is the full column universe of the type.
	Columns projection.Filter
	// Default is the projection used when the caller supplies none.
	Default projection.Filter
	// Needs lists columns Normalize reads that may fall outside the
	// projection.
	Needs     []string
	Relations []Relation
	// Normalize runs after projection. It may only replace values of fields
	// already present; see Attributes.Replace.
	Normalize func(row storage.Row, attrs Attributes) Attributes
}

func (s *Schema) relation(name string) (*Relation, bool) {
	for i := range s.Relations {
		if s.Relations[i].Name == name {
			return &s.Relations[i], true
		}
	}
	return nil, false
}

// RelationNames lists the schema's relations in declaration order.
func (s *Schema) RelationNames() []string {
	names := make([]string, len(s.Relations))
	for i, rel := range s.Relations {
		names[i] = rel.Name
	}
	return names
}

// Registry holds the schemas of every entity type.
type Registry struct {
	schemas  map[string]*Schema
	order    []string
	maxDepth int
}

// DefaultMaxDepth bounds both registry validation and build recursion.
const DefaultMaxDepth = 6

// NewRegistry validates the schemas and returns a registry over them. It
// rejects unknown relation targets, malformed relations and default
// configurations that nest deeper than maxDepth, which is how a cycle in
// the defaults shows up.
func NewRegistry(maxDepth int, schemas ...Schema) (*Registry, error) {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	reg := &Registry{schemas: make(map[string]*Schema, len(schemas)), maxDepth: maxDepth}
	for i := range schemas {
		s := schemas[i]
		if strings.TrimSpace(s.Name) == "" || strings.TrimSpace(s.Table) == "" {
			return nil, fmt.Errorf("schema %d: name and table required", i)
		}
		if _, dup := reg.schemas[s.Name]; dup {
			return nil, fmt.Errorf("schema %s registered twice", s.Name)
		}
		if s.Default.IsZero() {
			s.Default = s.Columns
		}
		reg.schemas[s.Name] = &s
		reg.order = append(reg.order, s.Name)
	}
	if err := reg.Validate(); err != nil {
		return nil, err
	}
	return reg, nil
}

// Validate checks every relation and walks the default configuration graph
// from each schema with all of its relations shown.
func (r *Registry) Validate() error {
	for _, name := range r.order {
		if err := r.checkRelations(r.schemas[name]); err != nil {
			return err
		}
	}
	for _, name := range r.order {
		if err := r.checkDefaults(name, Options{Show: allShown(r.schemas[name])}, 0, r.maxDepth, name); err != nil {
			return err
		}
	}
	return nil
}

// MaxDepth is the depth the default configuration graph was validated to.
func (r *Registry) MaxDepth() int {
	return r.maxDepth
}

func allShown(s *Schema) map[string]bool {
	show := make(map[string]bool, len(s.Relations))
	for _, rel := range s.Relations {
		show[rel.Name] = true
	}
	return show
}

func (r *Registry) checkRelations(s *Schema) error {
	seen := make(map[string]struct{}, len(s.Relations))
	for _, rel := range s.Relations {
		if _, dup := seen[rel.Name]; dup {
			return fmt.Errorf("%s.%s declared twice", s.Name, rel.Name)
		}
		seen[rel.Name] = struct{}{}
		if s.Columns.InUniverse(rel.Name) {
			return fmt.Errorf("%s.%s shadows a column", s.Name, rel.Name)
		}
		switch rel.Kind {
		case BelongsTo, HasMany:
			if _, ok := r.schemas[rel.Target]; !ok {
				return fmt.Errorf("%s.%s targets unknown schema %q", s.Name, rel.Name, rel.Target)
			}
			if rel.Kind == BelongsTo && rel.Key == "" {
				return fmt.Errorf("%s.%s needs a foreign key column", s.Name, rel.Name)
			}
			if rel.Kind == HasMany && rel.Key == "" && rel.Through == nil {
				return fmt.Errorf("%s.%s needs a foreign key column or a link table", s.Name, rel.Name)
			}
		case Aggregate:
			if rel.Table == "" || rel.Owner == "" || len(rel.Measures) == 0 {
				return fmt.Errorf("%s.%s needs a table, an owner column and measures", s.Name, rel.Name)
			}
		default:
			return fmt.Errorf("%s.%s has unknown kind %v", s.Name, rel.Name, rel.Kind)
		}
	}
	return nil
}

// checkDefaults walks the configuration graph reachable from opts using each
// relation's default nested options.
func (r *Registry) checkDefaults(name string, opts Options, depth, maxDepth int, path string) error {
	if depth > maxDepth {
		return fmt.Errorf("%w: default configuration recurses past depth %d along %s", ErrRecursionLimit, maxDepth, path)
	}
	s := r.schemas[name]
	for shown := range opts.Show {
		if _, ok := s.relation(shown); !ok {
			return fmt.Errorf("%s: default options show unknown relation %q", path, shown)
		}
	}
	for _, rel := range s.Relations {
		if !opts.shows(rel.Name) || rel.Kind == Aggregate {
			continue
		}
		child := opts.nested(&rel)
		if err := r.checkDefaults(rel.Target, child, depth+1, maxDepth, path+"."+rel.Name); err != nil {
			return err
		}
	}
	return nil
}

// Schema returns the named schema.
func (r *Registry) Schema(name string) (*Schema, bool) {
	s, ok := r.schemas[name]
	return s, ok
}

// Names lists the registered schemas in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Tables lists the tables behind the schemas, sorted.
func (r *Registry) Tables() []string {
	tables := make([]string, 0, len(r.order))
	for _, name := range r.order {
		tables = append(tables, r.schemas[name].Table)
	}
	sort.Strings(tables)
	return tables
}
