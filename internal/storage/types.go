package storage

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"time"
)

// Synthetic columns attached to rows by the query primitives. None of them
// belong to an entity's public shape.
const (
	// GroupColumn carries the owner id a grouped or aggregate row belongs to.
	GroupColumn = "__group"
	// RankColumn carries the full-text relevance of a search row.
	RankColumn = "__rank"
	// TotalColumn carries the window count of all rows matching a page query.
	TotalColumn = "__total"

	positionColumn = "__position"
)

// Row is one record read from the store keyed by column name. Integer columns
// are int64 (or narrower integer types straight from the driver), timestamps
// are time.Time.
type Row map[string]any

// ID returns the row's primary key.
func (r Row) ID() (int64, bool) {
	return AsInt64(r["id"])
}

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	clone := make(Row, len(r))
	for k, v := range r {
		clone[k] = v
	}
	return clone
}

// Without returns a copy of the row minus the given columns.
func (r Row) Without(cols ...string) Row {
	clone := r.Clone()
	for _, col := range cols {
		delete(clone, col)
	}
	return clone
}

// Columns returns the row's column names sorted.
func (r Row) Columns() []string {
	cols := make([]string, 0, len(r))
	for col := range r {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols
}

// Where is a conjunction of equality predicates. A slice value matches any of
// its elements and a nil value matches NULL.
type Where map[string]any

// Order is one ORDER BY term.
type Order struct {
	Column string
	Desc   bool
}

// ByIDs selects rows of one table by primary key.
type ByIDs struct {
	Table   string
	Columns []string
	IDs     []int64
}

// Link describes a join table connecting owner rows to target rows.
type Link struct {
	Table  string
	Owner  string
	Target string
	// Position, when set, orders targets within one owner ascending.
	Position string
}

// Grouped selects the related rows of a set of owners. Each returned row
// carries GroupColumn. Without Through, Owner names the column of Table that
// references the owner; with Through the link table supplies both sides.
type Grouped struct {
	Table    string
	Columns  []string
	Owner    string
	Through  *Link
	OwnerIDs []int64
	Where    Where
	Order    []Order
	// Limit caps the rows returned per owner. Zero means no cap.
	Limit int
}

// MeasureKind selects how an aggregate measure is computed.
type MeasureKind int

const (
	// Count counts matching rows.
	Count MeasureKind = iota + 1
	// Exists reports whether at least one row matches.
	Exists
)

// Measure is one aggregate field computed per owner.
type Measure struct {
	Name  string
	Kind  MeasureKind
	Match Where
}

// Aggregate computes measures over Table grouped by the Owner column. Owners
// without any row are absent from the result.
type Aggregate struct {
	Table    string
	Owner    string
	OwnerIDs []int64
	Measures []Measure
}

// Search ranks rows against a free-text term over the given columns.
type Search struct {
	Term    string
	Columns []string
}

// Prefix restricts a column to values starting with Value, ignoring case.
type Prefix struct {
	Column string
	Value  string
}

// Cursor is the position of the last row of a previous page.
type Cursor struct {
	Value any
	ID    int64
}

// PageQuery is an ordered scan of one table with an id tie-break.
type PageQuery struct {
	Table   string
	Columns []string
	Where   Where
	Search  *Search
	Prefix  *Prefix
	// SortBy is a column of Table, or RankColumn when Search is set.
	SortBy string
	Desc   bool
	After  *Cursor
	Limit  int
	Offset int
	// Count attaches TotalColumn, the number of rows matching Where, Search
	// and Prefix regardless of After, Limit and Offset.
	Count bool
}

// SortValueQuery reads the current sort key of one row so a cursor can be
// rebuilt from nothing but its id.
type SortValueQuery struct {
	Table  string
	SortBy string
	Search *Search
	ID     int64
}

// AsInt64 converts the integer representations produced by the drivers and
// the JSON decoder.
func AsInt64(value any) (int64, bool) {
	switch v := value.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int16:
		return int64(v), true
	case int8:
		return int64(v), true
	case uint32:
		return int64(v), true
	case uint64:
		if v > math.MaxInt64 {
			return 0, false
		}
		return int64(v), true
	case float64:
		if v != math.Trunc(v) {
			return 0, false
		}
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

func dedupeIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func isTimestampColumn(col string) bool {
	return len(col) > 3 && col[len(col)-3:] == "_at"
}

// normalizeValue converts JSON-decoded values into the representation the
// Postgres driver would have produced for the same column.
func normalizeValue(col string, value any) any {
	switch v := value.(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
		if f, err := v.Float64(); err == nil {
			return f
		}
		return v.String()
	case float64:
		if v == math.Trunc(v) && math.Abs(v) < 1<<53 {
			return int64(v)
		}
		return v
	case string:
		if isTimestampColumn(col) {
			if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
				return ts.UTC()
			}
		}
		return v
	default:
		return v
	}
}

func normalizeRow(row Row) Row {
	out := make(Row, len(row))
	for col, value := range row {
		out[col] = normalizeValue(col, value)
	}
	return out
}
