package hydrate

import (
	"strings"

	"newsroom-api/internal/projection"
)

// Options configure one build call.
type Options struct {
	// Filter projects every entity. Nil selects the schema's default filter.
	Filter *projection.Filter
	// Keep lists fields kept on top of Filter.
	Keep []string
	// Show turns relations on by name. Relations not shown are absent from
	// the entity's output.
	Show map[string]bool
	// Nested overrides the options a relation's entities are built with.
	Nested map[string]*Options
	// MaxDepth lowers the engine's recursion limit for this call when
	// positive.
	MaxDepth int
}

// WithFilter returns a copy of o projecting onto f.
func (o Options) WithFilter(f projection.Filter) Options {
	o.Filter = &f
	return o
}

// ShowOnly returns a copy of o showing exactly the named relations.
func (o Options) ShowOnly(names ...string) Options {
	o.Show = make(map[string]bool, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name != "" {
			o.Show[name] = true
		}
	}
	return o
}

// Nest returns a copy of o building relation name with child.
func (o Options) Nest(name string, child Options) Options {
	nested := make(map[string]*Options, len(o.Nested)+1)
	for k, v := range o.Nested {
		nested[k] = v
	}
	nested[name] = &child
	o.Nested = nested
	return o
}

func (o Options) shows(name string) bool {
	return o.Show[name]
}

func (o Options) nested(rel *Relation) Options {
	if child, ok := o.Nested[rel.Name]; ok && child != nil {
		return *child
	}
	return rel.Defaults
}

func (o Options) filter(s *Schema) projection.Filter {
	base := s.Default
	if o.Filter != nil {
		base = o.Filter.Within(s.Columns)
	}
	if len(o.Keep) > 0 {
		base = base.Union(s.Columns.Only(o.Keep...))
	}
	return base
}
