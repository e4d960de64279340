package storage

import (
	"context"
	"fmt"
	"sort"
)

// TableOrder lists the content tables so that every table follows the
// tables its foreign keys point at.
var TableOrder = []string{
	"users",
	"galleries",
	"posts",
	"stories",
	"articles",
	"comments",
	"reports",
	"gallery_posts",
	"story_galleries",
	"story_posts",
	"gallery_articles",
	"gallery_reactions",
	"follows",
}

// ImportTables writes tables into store inside one transaction. Tables not
// named in TableOrder follow in name order. It returns the number of rows
// written per table.
func ImportTables(ctx context.Context, store Store, tables map[string][]Row) (map[string]int, error) {
	tx, err := store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	counts := make(map[string]int, len(tables))
	for _, table := range importOrder(tables) {
		rows := tables[table]
		if len(rows) == 0 {
			continue
		}
		if err := store.Insert(ctx, tx, table, rows...); err != nil {
			return nil, fmt.Errorf("import %s: %w", table, err)
		}
		counts[table] = len(rows)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return counts, nil
}

func importOrder(tables map[string][]Row) []string {
	known := make(map[string]struct{}, len(TableOrder))
	order := make([]string, 0, len(tables))
	for _, name := range TableOrder {
		known[name] = struct{}{}
		if _, ok := tables[name]; ok {
			order = append(order, name)
		}
	}
	var rest []string
	for name := range tables {
		if _, ok := known[name]; !ok {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	return append(order, rest...)
}
