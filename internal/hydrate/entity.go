package hydrate

import (
	"bytes"
	"encoding/json"
	"fmt"

	"newsroom-api/internal/storage"
)

// Attributes is an immutable ordered record of projected fields. Every
// change returns a new record.
type Attributes struct {
	keys   []string
	values map[string]any
}

// NewAttributes builds a record holding the given columns of row, in order.
// Columns missing from the row are present with a nil value.
func NewAttributes(row storage.Row, columns []string) Attributes {
	attrs := Attributes{keys: make([]string, 0, len(columns)), values: make(map[string]any, len(columns))}
	for _, col := range columns {
		if _, dup := attrs.values[col]; dup {
			continue
		}
		attrs.keys = append(attrs.keys, col)
		attrs.values[col] = row[col]
	}
	return attrs
}

// Get returns a field value.
func (a Attributes) Get(key string) (any, bool) {
	v, ok := a.values[key]
	return v, ok
}

// Has reports whether key is part of the record.
func (a Attributes) Has(key string) bool {
	_, ok := a.values[key]
	return ok
}

// Keys returns the field names in order.
func (a Attributes) Keys() []string {
	return append([]string(nil), a.keys...)
}

// Len reports the number of fields.
func (a Attributes) Len() int {
	return len(a.keys)
}

// Replace returns a record with key set to value. Keys outside the record
// are ignored so normalization can never widen the projected field set.
func (a Attributes) Replace(key string, value any) Attributes {
	if !a.Has(key) {
		return a
	}
	values := make(map[string]any, len(a.values))
	for k, v := range a.values {
		values[k] = v
	}
	values[key] = value
	return Attributes{keys: a.keys, values: values}
}

// Map returns a copy of the fields as a map.
func (a Attributes) Map() map[string]any {
	out := make(map[string]any, len(a.values))
	for k, v := range a.values {
		out[k] = v
	}
	return out
}

func (a Attributes) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	if err := a.writeFields(&buf, false); err != nil {
		return nil, err
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (a Attributes) writeFields(buf *bytes.Buffer, leadingComma bool) error {
	for i, key := range a.keys {
		if i > 0 || leadingComma {
			buf.WriteByte(',')
		}
		if err := writeField(buf, key, a.values[key]); err != nil {
			return err
		}
	}
	return nil
}

func writeField(buf *bytes.Buffer, key string, value any) error {
	k, err := json.Marshal(key)
	if err != nil {
		return err
	}
	v, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	buf.Write(k)
	buf.WriteByte(':')
	buf.Write(v)
	return nil
}

func zeroStats(rel *Relation) Attributes {
	attrs := Attributes{keys: make([]string, 0, len(rel.Measures)), values: make(map[string]any, len(rel.Measures))}
	for _, m := range rel.Measures {
		attrs.keys = append(attrs.keys, m.Name)
		attrs.values[m.Name] = m.zero()
	}
	return attrs
}

func statsFromRow(rel *Relation, row storage.Row) Attributes {
	attrs := zeroStats(rel)
	for _, m := range rel.Measures {
		v, ok := row[m.Name]
		if !ok || v == nil {
			continue
		}
		switch m.Kind {
		case storage.Exists:
			if b, ok := v.(bool); ok {
				attrs.values[m.Name] = b
			}
		default:
			if n, ok := storage.AsInt64(v); ok {
				attrs.values[m.Name] = n
			}
		}
	}
	return attrs
}

// Entity is one row-derived domain object. Relation slots hold either a
// resolved value or the placeholder installed by Build: nil for a
// belongs-to, an empty slice for a has-many and zeroed stats for an
// aggregate.
type Entity struct {
	Type string

	row    storage.Row
	attrs  Attributes
	slots  map[string]any
	eager  map[string]any
	schema *Schema
}

// NewEntity wraps a freshly queried row.
func NewEntity(typ string, row storage.Row) *Entity {
	return &Entity{Type: typ, row: row}
}

// Entities wraps rows of one type.
func Entities(typ string, rows []storage.Row) []*Entity {
	out := make([]*Entity, len(rows))
	for i, row := range rows {
		out[i] = NewEntity(typ, row)
	}
	return out
}

// ID returns the entity's primary key.
func (e *Entity) ID() int64 {
	id, _ := e.row.ID()
	return id
}

// Row returns the raw row the entity was created from.
func (e *Entity) Row() storage.Row {
	return e.row
}

// Preload marks a relation as already loaded by the original query. A nil
// value is an eagerly loaded "nothing". Build hydrates preloaded entities
// recursively instead of fetching them.
func (e *Entity) Preload(relation string, value any) *Entity {
	if e.eager == nil {
		e.eager = make(map[string]any)
	}
	e.eager[relation] = value
	return e
}

// Attributes returns the projected fields. Before Build it is empty.
func (e *Entity) Attributes() Attributes {
	return e.attrs
}

// Attr returns one projected field.
func (e *Entity) Attr(key string) (any, bool) {
	return e.attrs.Get(key)
}

// Has reports whether relation is part of the entity's shape.
func (e *Entity) Has(relation string) bool {
	_, ok := e.slots[relation]
	return ok
}

// One returns a belongs-to relation. It is nil both when the relation is
// not shown and when nothing matched; Has tells the two apart.
func (e *Entity) One(relation string) *Entity {
	v, _ := e.slots[relation].(*Entity)
	return v
}

// Many returns a has-many relation.
func (e *Entity) Many(relation string) []*Entity {
	v, _ := e.slots[relation].([]*Entity)
	return v
}

// Stats returns an aggregate relation.
func (e *Entity) Stats(relation string) Attributes {
	v, _ := e.slots[relation].(Attributes)
	return v
}

// Fields lists the externally visible field names: projected attributes,
// then shown relations in schema order, with aggregate measures flattened
// into the entity.
func (e *Entity) Fields() []string {
	fields := e.attrs.Keys()
	if e.schema == nil {
		return fields
	}
	for _, rel := range e.schema.Relations {
		v, ok := e.slots[rel.Name]
		if !ok {
			continue
		}
		if stats, isStats := v.(Attributes); isStats && rel.Kind == Aggregate {
			fields = append(fields, stats.Keys()...)
			continue
		}
		fields = append(fields, rel.Name)
	}
	return fields
}

func (e *Entity) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	if err := e.attrs.writeFields(&buf, false); err != nil {
		return nil, err
	}
	wrote := e.attrs.Len() > 0
	if e.schema != nil {
		for _, rel := range e.schema.Relations {
			v, ok := e.slots[rel.Name]
			if !ok {
				continue
			}
			var err error
			switch slot := v.(type) {
			case Attributes:
				err = slot.writeFields(&buf, wrote)
				wrote = wrote || slot.Len() > 0
				if err != nil {
					return nil, err
				}
				continue
			case []*Entity:
				if slot == nil {
					v = []*Entity{}
				}
			case *Entity:
				if slot == nil {
					v = nil
				}
			}
			if wrote {
				buf.WriteByte(',')
			}
			if err = writeField(&buf, rel.Name, v); err != nil {
				return nil, err
			}
			wrote = true
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (e *Entity) foreignKey(col string) (int64, bool) {
	v, ok := e.row[col]
	if !ok || v == nil {
		return 0, false
	}
	return storage.AsInt64(v)
}
