// Package projection implements the named column sets that control which
// attributes of an entity are visible to API callers.
package projection

import "strings"

// Filter is an ordered, deduplicated set of column names drawn from the
// universe of columns of one entity type. Filters are values: every operation
// returns a new Filter and leaves the receiver untouched.
type Filter struct {
	universe []string
	cols     []string
}

// New returns a Filter selecting every column of the provided universe.
func New(universe ...string) Filter {
	cols := dedupe(universe)
	return Filter{universe: cols, cols: cols}
}

// Columns returns the selected columns in order.
func (f Filter) Columns() []string {
	return append([]string(nil), f.cols...)
}

// Universe returns the full column set the Filter was derived from.
func (f Filter) Universe() []string {
	return append([]string(nil), f.universe...)
}

// Len reports how many columns are selected.
func (f Filter) Len() int {
	return len(f.cols)
}

// IsZero reports whether the Filter was never initialised.
func (f Filter) IsZero() bool {
	return f.universe == nil && f.cols == nil
}

// Has reports whether col is selected.
func (f Filter) Has(col string) bool {
	return indexOf(f.cols, col) >= 0
}

// InUniverse reports whether col belongs to the Filter's universe.
func (f Filter) InUniverse(col string) bool {
	return indexOf(f.universe, col) >= 0
}

// Only returns a Filter selecting the given columns that exist in the
// universe, in universe order.
func (f Filter) Only(cols ...string) Filter {
	return Filter{universe: f.universe, cols: nil}.With(cols...)
}

// With adds the given columns that belong to the universe. Unknown columns are
// dropped so callers may ask for a superset of what the entity type carries.
// Selected columns keep universe order.
func (f Filter) With(cols ...string) Filter {
	want := make(map[string]struct{}, len(f.cols)+len(cols))
	for _, col := range f.cols {
		want[col] = struct{}{}
	}
	for _, col := range cols {
		want[strings.TrimSpace(col)] = struct{}{}
	}
	next := make([]string, 0, len(want))
	for _, col := range f.universe {
		if _, ok := want[col]; ok {
			next = append(next, col)
			delete(want, col)
		}
	}
	// synthetic columns added through Including survive With
	for _, col := range f.cols {
		if _, ok := want[col]; ok {
			next = append(next, col)
			delete(want, col)
		}
	}
	return Filter{universe: f.universe, cols: next}
}

// Without removes the given columns.
func (f Filter) Without(cols ...string) Filter {
	drop := make(map[string]struct{}, len(cols))
	for _, col := range cols {
		drop[strings.TrimSpace(col)] = struct{}{}
	}
	next := make([]string, 0, len(f.cols))
	for _, col := range f.cols {
		if _, ok := drop[col]; ok {
			continue
		}
		next = append(next, col)
	}
	return Filter{universe: f.universe, cols: next}
}

// Including appends columns whether or not they are part of the universe.
// It is meant for computed fields that have no backing column.
func (f Filter) Including(cols ...string) Filter {
	next := append([]string(nil), f.cols...)
	for _, col := range cols {
		col = strings.TrimSpace(col)
		if col == "" || indexOf(next, col) >= 0 {
			continue
		}
		next = append(next, col)
	}
	return Filter{universe: f.universe, cols: next}
}

// Union returns the columns selected by either Filter. The receiver's
// universe is kept, so columns of other outside that universe are dropped
// unless they were synthetic in other.
func (f Filter) Union(other Filter) Filter {
	merged := f.With(other.cols...)
	for _, col := range other.cols {
		if !other.InUniverse(col) {
			merged = merged.Including(col)
		}
	}
	return merged
}

// Within re-expresses f in the universe of other. A Filter built for another
// entity type keeps only the columns other's universe also carries, and its
// synthetic columns are dropped.
func (f Filter) Within(other Filter) Filter {
	if sameColumns(f.universe, other.universe) {
		return f
	}
	return other.Only(f.cols...)
}

// Equal reports whether both filters select the same columns in the same order.
func (f Filter) Equal(other Filter) bool {
	if len(f.cols) != len(other.cols) {
		return false
	}
	for i := range f.cols {
		if f.cols[i] != other.cols[i] {
			return false
		}
	}
	return true
}

func (f Filter) String() string {
	return "[" + strings.Join(f.cols, ",") + "]"
}

func sameColumns(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func dedupe(cols []string) []string {
	out := make([]string, 0, len(cols))
	for _, col := range cols {
		col = strings.TrimSpace(col)
		if col == "" || indexOf(out, col) >= 0 {
			continue
		}
		out = append(out, col)
	}
	return out
}

func indexOf(cols []string, col string) int {
	for i, candidate := range cols {
		if candidate == col {
			return i
		}
	}
	return -1
}
