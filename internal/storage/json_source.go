package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// memoryData is an immutable-by-convention dataset: tables are replaced
// wholesale on write so snapshots can share row storage.
type memoryData struct {
	tables map[string][]Row
	dirty  map[string]struct{}
}

func newMemoryData() *memoryData {
	return &memoryData{tables: make(map[string][]Row), dirty: make(map[string]struct{})}
}

func (d *memoryData) snapshot() *memoryData {
	clone := &memoryData{
		tables: make(map[string][]Row, len(d.tables)),
		dirty:  make(map[string]struct{}),
	}
	for name, rows := range d.tables {
		clone.tables[name] = rows
	}
	return clone
}

func (d *memoryData) find(table string, id int64) (Row, bool) {
	rows := d.tables[table]
	idx := sort.Search(len(rows), func(i int) bool {
		rowID, _ := rows[i].ID()
		return rowID >= id
	})
	if idx < len(rows) {
		if rowID, _ := rows[idx].ID(); rowID == id {
			return rows[idx], true
		}
	}
	return nil, false
}

func (d *memoryData) insert(table string, rows []Row) error {
	existing := d.tables[table]
	next := make([]Row, len(existing), len(existing)+len(rows))
	copy(next, existing)
	var maxID int64
	if len(existing) > 0 {
		maxID, _ = existing[len(existing)-1].ID()
	}
	seen := make(map[int64]struct{}, len(rows))
	for _, row := range rows {
		stored := normalizeRow(row)
		id, ok := stored.ID()
		if !ok {
			maxID++
			id = maxID
			stored["id"] = id
		} else {
			stored["id"] = id
			if id > maxID {
				maxID = id
			}
		}
		if _, dup := seen[id]; dup {
			return Conflict(fmt.Errorf("duplicate key %s.id=%d", table, id))
		}
		if _, dup := d.find(table, id); dup {
			return Conflict(fmt.Errorf("duplicate key %s.id=%d", table, id))
		}
		seen[id] = struct{}{}
		next = append(next, stored)
	}
	sortRowsByID(next)
	d.tables[table] = next
	d.dirty[table] = struct{}{}
	return nil
}

func sortRowsByID(rows []Row) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, _ := rows[i].ID()
		b, _ := rows[j].ID()
		return a < b
	})
}

// JSONSource keeps every table in memory and persists the dataset to a
// single JSON document. Transactions read a snapshot taken at Begin; commits
// replace the tables they wrote, last writer wins.
type JSONSource struct {
	filePath        string
	logger          *slog.Logger
	persistOverride func(map[string][]Row) error

	mu   sync.RWMutex
	data *memoryData
}

// NewJSONSource opens the dataset stored at path, creating an empty one when
// the file does not exist.
func NewJSONSource(path string, opts ...Option) (*JSONSource, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("json data path required")
	}
	store := &JSONSource{filePath: path, logger: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt.applyJSON(store)
		}
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

// NewMemorySource returns a source that never touches disk, seeded with
// tables.
func NewMemorySource(tables map[string][]Row, opts ...Option) (*JSONSource, error) {
	store := &JSONSource{logger: slog.Default(), data: newMemoryData()}
	for _, opt := range opts {
		if opt != nil {
			opt.applyJSON(store)
		}
	}
	names := make([]string, 0, len(tables))
	for name := range tables {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := store.data.insert(name, tables[name]); err != nil {
			return nil, err
		}
	}
	store.data.dirty = make(map[string]struct{})
	return store, nil
}

// LoadTables decodes a dataset document without opening a source.
func LoadTables(r io.Reader) (map[string][]Row, error) {
	decoder := json.NewDecoder(r)
	decoder.UseNumber()
	var raw map[string][]Row
	if err := decoder.Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return map[string][]Row{}, nil
		}
		return nil, fmt.Errorf("decode dataset: %w", err)
	}
	for name, rows := range raw {
		for i, row := range rows {
			rows[i] = normalizeRow(row)
		}
		raw[name] = rows
	}
	return raw, nil
}

func (s *JSONSource) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		s.data = newMemoryData()
		return nil
	} else if err != nil {
		return fmt.Errorf("open data file: %w", err)
	}
	defer file.Close()

	tables, err := LoadTables(file)
	if err != nil {
		return err
	}
	data := newMemoryData()
	for name, rows := range tables {
		if err := data.insert(name, rows); err != nil {
			return fmt.Errorf("load table %s: %w", name, err)
		}
	}
	data.dirty = make(map[string]struct{})
	s.data = data
	return nil
}

func (s *JSONSource) persist(data *memoryData) error {
	if s.persistOverride != nil {
		if err := s.persistOverride(data.tables); err != nil {
			return err
		}
	}
	if s.filePath == "" {
		return nil
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "dataset-*.json")
	if err != nil {
		return fmt.Errorf("create temp data file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data.tables); err != nil {
		return fmt.Errorf("encode data file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush data file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp data file: %w", err)
	}

	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace data file: %w", err)
	}
	success = true
	return nil
}

// view resolves scope to a dataset and returns the matching unlock.
func (s *JSONSource) view(scope Scope) (*memoryData, func(), error) {
	switch sc := scope.(type) {
	case latestScope:
		s.mu.RLock()
		return s.data, s.mu.RUnlock, nil
	case *Tx:
		if sc == nil || sc.owner != s {
			return nil, nil, InvalidRequest("transaction does not belong to this source")
		}
		if sc.Closed() {
			return nil, nil, ErrTxClosed
		}
		sc.mu.RLock()
		return sc.snap, sc.mu.RUnlock, nil
	default:
		return nil, nil, InvalidRequest("unsupported scope %T", scope)
	}
}

func (s *JSONSource) Begin(ctx context.Context) (*Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &Tx{snap: s.data.snapshot(), owner: s}, nil
}

func (s *JSONSource) commit(tx *Tx) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if len(tx.snap.dirty) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.data.snapshot()
	for table := range tx.snap.dirty {
		next.tables[table] = tx.snap.tables[table]
	}
	if err := s.persist(next); err != nil {
		return Conflict(err)
	}
	s.data = next
	return nil
}

// Insert adds rows to table. Rows without an id receive the next free one.
func (s *JSONSource) Insert(ctx context.Context, scope Scope, table string, rows ...Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	switch sc := scope.(type) {
	case latestScope:
		s.mu.Lock()
		defer s.mu.Unlock()
		next := s.data.snapshot()
		if err := next.insert(table, rows); err != nil {
			return err
		}
		if err := s.persist(next); err != nil {
			return Conflict(err)
		}
		s.data = next
		return nil
	case *Tx:
		if sc == nil || sc.owner != s {
			return InvalidRequest("transaction does not belong to this source")
		}
		if sc.Closed() {
			return ErrTxClosed
		}
		sc.mu.Lock()
		defer sc.mu.Unlock()
		return sc.snap.insert(table, rows)
	default:
		return InvalidRequest("unsupported scope %T", scope)
	}
}

// Tables returns a copy of every committed table.
func (s *JSONSource) Tables() map[string][]Row {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]Row, len(s.data.tables))
	for name, rows := range s.data.tables {
		cloned := make([]Row, len(rows))
		for i, row := range rows {
			cloned[i] = row.Clone()
		}
		out[name] = cloned
	}
	return out
}

func (s *JSONSource) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *JSONSource) Close(context.Context) error {
	return nil
}
