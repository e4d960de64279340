package storage

import (
	"context"
	"sort"
)

func project(row Row, columns []string) Row {
	if len(columns) == 0 {
		return row.Clone()
	}
	out := make(Row, len(columns)+1)
	for _, col := range columns {
		out[col] = row[col]
	}
	return out
}

func (s *JSONSource) FetchByIDs(ctx context.Context, scope Scope, q ByIDs) ([]Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, unlock, err := s.view(scope)
	if err != nil {
		return nil, err
	}
	defer unlock()

	ids := dedupeIDs(q.IDs)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]Row, 0, len(ids))
	for _, id := range ids {
		if row, ok := data.find(q.Table, id); ok {
			out = append(out, project(row, q.Columns))
		}
	}
	return out, nil
}

type groupedMember struct {
	row      Row
	position any
}

func (s *JSONSource) FetchGrouped(ctx context.Context, scope Scope, q Grouped) ([]Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, unlock, err := s.view(scope)
	if err != nil {
		return nil, err
	}
	defer unlock()

	owners := dedupeIDs(q.OwnerIDs)
	wanted := make(map[int64]struct{}, len(owners))
	for _, id := range owners {
		wanted[id] = struct{}{}
	}
	groups := make(map[int64][]groupedMember, len(owners))

	if q.Through == nil {
		for _, row := range data.tables[q.Table] {
			owner, ok := AsInt64(row[q.Owner])
			if !ok {
				continue
			}
			if _, ok := wanted[owner]; !ok || !q.Where.matches(row) {
				continue
			}
			groups[owner] = append(groups[owner], groupedMember{row: row})
		}
	} else {
		link := q.Through
		for _, linkRow := range data.tables[link.Table] {
			owner, ok := AsInt64(linkRow[link.Owner])
			if !ok {
				continue
			}
			if _, ok := wanted[owner]; !ok {
				continue
			}
			targetID, ok := AsInt64(linkRow[link.Target])
			if !ok {
				continue
			}
			target, ok := data.find(q.Table, targetID)
			if !ok || !q.Where.matches(target) {
				continue
			}
			member := groupedMember{row: target}
			if link.Position != "" {
				member.position = linkRow[link.Position]
			}
			groups[owner] = append(groups[owner], member)
		}
	}

	var out []Row
	for _, owner := range owners {
		members := groups[owner]
		sortMembers(members, q)
		if q.Limit > 0 && len(members) > q.Limit {
			members = members[:q.Limit]
		}
		for _, m := range members {
			row := project(m.row, q.Columns)
			row[GroupColumn] = owner
			out = append(out, row)
		}
	}
	return out, nil
}

func sortMembers(members []groupedMember, q Grouped) {
	usePosition := len(q.Order) == 0 && q.Through != nil && q.Through.Position != ""
	sort.SliceStable(members, func(i, j int) bool {
		if usePosition {
			if c := compareValues(members[i].position, members[j].position); c != 0 {
				return c < 0
			}
		}
		for _, term := range q.Order {
			c := compareValues(members[i].row[term.Column], members[j].row[term.Column])
			if c == 0 {
				continue
			}
			if term.Desc {
				return c > 0
			}
			return c < 0
		}
		a, _ := members[i].row.ID()
		b, _ := members[j].row.ID()
		return a < b
	})
}

func (s *JSONSource) FetchAggregates(ctx context.Context, scope Scope, q Aggregate) ([]Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, unlock, err := s.view(scope)
	if err != nil {
		return nil, err
	}
	defer unlock()

	owners := dedupeIDs(q.OwnerIDs)
	wanted := make(map[int64]struct{}, len(owners))
	for _, id := range owners {
		wanted[id] = struct{}{}
	}
	groups := make(map[int64][]Row, len(owners))
	for _, row := range data.tables[q.Table] {
		owner, ok := AsInt64(row[q.Owner])
		if !ok {
			continue
		}
		if _, ok := wanted[owner]; ok {
			groups[owner] = append(groups[owner], row)
		}
	}

	var out []Row
	for _, owner := range owners {
		rows, ok := groups[owner]
		if !ok {
			continue
		}
		result := Row{GroupColumn: owner}
		for _, m := range q.Measures {
			var hits int64
			for _, row := range rows {
				if m.Match.matches(row) {
					hits++
				}
			}
			switch m.Kind {
			case Exists:
				result[m.Name] = hits > 0
			default:
				result[m.Name] = hits
			}
		}
		out = append(out, result)
	}
	return out, nil
}

func (s *JSONSource) Select(ctx context.Context, scope Scope, q PageQuery) ([]Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, unlock, err := s.view(scope)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var terms []string
	if q.Search != nil {
		terms = searchTerms(q.Search.Term)
		if len(terms) == 0 {
			return nil, nil
		}
	}

	matched := make([]Row, 0)
	for _, row := range data.tables[q.Table] {
		if !q.Where.matches(row) {
			continue
		}
		if q.Prefix != nil && !hasPrefixFold(row[q.Prefix.Column], q.Prefix.Value) {
			continue
		}
		candidate := row
		if q.Search != nil {
			rank, ok := rankRow(row, q.Search.Columns, terms)
			if !ok {
				continue
			}
			candidate = row.Clone()
			candidate[RankColumn] = rank
		}
		matched = append(matched, candidate)
	}
	total := int64(len(matched))

	sortBy := q.SortBy
	if sortBy == "" {
		sortBy = "id"
	}
	sort.SliceStable(matched, func(i, j int) bool {
		c := compareValues(matched[i][sortBy], matched[j][sortBy])
		if c == 0 {
			a, _ := matched[i].ID()
			b, _ := matched[j].ID()
			c = compareOrdered(a, b)
		}
		if q.Desc {
			return c > 0
		}
		return c < 0
	})

	if q.After != nil {
		kept := matched[:0]
		for _, row := range matched {
			if afterCursor(row, sortBy, q.Desc, q.After) {
				kept = append(kept, row)
			}
		}
		matched = kept
	}
	if q.Offset > 0 {
		if q.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[q.Offset:]
		}
	}
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}

	out := make([]Row, 0, len(matched))
	for _, row := range matched {
		projected := project(row, q.Columns)
		if q.Search != nil {
			projected[RankColumn] = row[RankColumn]
		}
		if q.Count {
			projected[TotalColumn] = total
		}
		out = append(out, projected)
	}
	return out, nil
}

// afterCursor reports whether row sorts strictly after the cursor in the
// scan direction, comparing (sort value, id) lexicographically.
func afterCursor(row Row, sortBy string, desc bool, cursor *Cursor) bool {
	c := compareValues(row[sortBy], cursor.Value)
	if c == 0 {
		id, _ := row.ID()
		c = compareOrdered(id, cursor.ID)
	}
	if desc {
		return c < 0
	}
	return c > 0
}

func (s *JSONSource) SortValue(ctx context.Context, scope Scope, q SortValueQuery) (any, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	data, unlock, err := s.view(scope)
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	row, ok := data.find(q.Table, q.ID)
	if !ok {
		return nil, false, nil
	}
	if q.SortBy == RankColumn {
		if q.Search == nil {
			return nil, false, InvalidRequest("rank ordering requires a search term")
		}
		rank, _ := rankRow(row, q.Search.Columns, searchTerms(q.Search.Term))
		return rank, true, nil
	}
	sortBy := q.SortBy
	if sortBy == "" {
		sortBy = "id"
	}
	return row[sortBy], true, nil
}
