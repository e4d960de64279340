package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

func qualify(alias, col string) string {
	return alias + "." + quoteIdent(col)
}

func selectColumns(alias string, cols []string) []string {
	if len(cols) == 0 {
		return []string{alias + ".*"}
	}
	out := make([]string, len(cols))
	for i, col := range cols {
		out[i] = qualify(alias, col)
	}
	return out
}

// whereEq renders w as a squirrel predicate over alias. It returns nil for an
// empty conjunction.
func whereEq(alias string, w Where) sq.Sqlizer {
	if len(w) == 0 {
		return nil
	}
	eq := sq.Eq{}
	for col, value := range w {
		eq[qualify(alias, col)] = value
	}
	return eq
}

func orderTerms(alias string, order []Order) []string {
	out := make([]string, 0, len(order)+1)
	for _, term := range order {
		dir := "ASC"
		if term.Desc {
			dir = "DESC"
		}
		out = append(out, qualify(alias, term.Column)+" "+dir)
	}
	return out
}

func (s *PostgresSource) FetchByIDs(ctx context.Context, scope Scope, q ByIDs) ([]Row, error) {
	ids := dedupeIDs(q.IDs)
	if len(ids) == 0 {
		return nil, nil
	}
	stmt := s.sql.Select(selectColumns("t", q.Columns)...).
		From(quoteIdent(q.Table) + " AS t").
		Where(sq.Eq{qualify("t", "id"): ids}).
		OrderBy(qualify("t", "id"))
	return s.query(ctx, scope, stmt)
}

// FetchGrouped numbers each owner's rows with ROW_NUMBER so the per-owner
// limit is applied in one statement.
func (s *PostgresSource) FetchGrouped(ctx context.Context, scope Scope, q Grouped) ([]Row, error) {
	owners := dedupeIDs(q.OwnerIDs)
	if len(owners) == 0 {
		return nil, nil
	}

	var (
		from      string
		groupExpr string
		order     []string
	)
	if q.Through == nil {
		from = quoteIdent(q.Table) + " AS t"
		groupExpr = qualify("t", q.Owner)
		order = orderTerms("t", q.Order)
	} else {
		link := q.Through
		from = fmt.Sprintf("%s AS l JOIN %s AS t ON t.%s = l.%s",
			quoteIdent(link.Table), quoteIdent(q.Table), quoteIdent("id"), quoteIdent(link.Target))
		groupExpr = qualify("l", link.Owner)
		if len(q.Order) == 0 && link.Position != "" {
			order = []string{qualify("l", link.Position) + " ASC"}
		} else {
			order = orderTerms("t", q.Order)
		}
	}
	order = append(order, qualify("t", "id")+" ASC")

	cols := selectColumns("t", q.Columns)
	cols = append(cols,
		groupExpr+" AS "+quoteIdent(GroupColumn),
		fmt.Sprintf("ROW_NUMBER() OVER (PARTITION BY %s ORDER BY %s) AS %s",
			groupExpr, strings.Join(order, ", "), quoteIdent(positionColumn)),
	)
	inner := s.sql.Select(cols...).From(from).Where(sq.Eq{groupExpr: owners})
	if pred := whereEq("t", q.Where); pred != nil {
		inner = inner.Where(pred)
	}

	outer := s.sql.Select("g.*").FromSelect(inner, "g")
	if q.Limit > 0 {
		outer = outer.Where(sq.LtOrEq{"g." + quoteIdent(positionColumn): q.Limit})
	}
	outer = outer.OrderBy("g."+quoteIdent(GroupColumn), "g."+quoteIdent(positionColumn))

	rows, err := s.query(ctx, scope, outer)
	if err != nil {
		return nil, err
	}

	rank := make(map[int64]int, len(owners))
	for i, id := range owners {
		rank[id] = i
	}
	sort.SliceStable(rows, func(i, j int) bool {
		a, _ := AsInt64(rows[i][GroupColumn])
		b, _ := AsInt64(rows[j][GroupColumn])
		return rank[a] < rank[b]
	})
	for _, row := range rows {
		delete(row, positionColumn)
		if owner, ok := AsInt64(row[GroupColumn]); ok {
			row[GroupColumn] = owner
		}
	}
	return rows, nil
}

func (s *PostgresSource) FetchAggregates(ctx context.Context, scope Scope, q Aggregate) ([]Row, error) {
	owners := dedupeIDs(q.OwnerIDs)
	if len(owners) == 0 || len(q.Measures) == 0 {
		return nil, nil
	}
	owner := qualify("t", q.Owner)
	stmt := s.sql.Select(owner + " AS " + quoteIdent(GroupColumn)).
		From(quoteIdent(q.Table) + " AS t").
		Where(sq.Eq{owner: owners}).
		GroupBy(owner)
	for _, m := range q.Measures {
		cond, args, err := measureCondition(m)
		if err != nil {
			return nil, err
		}
		var expr string
		switch m.Kind {
		case Exists:
			expr = fmt.Sprintf("COALESCE(BOOL_OR(%s), false) AS %s", cond, quoteIdent(m.Name))
		default:
			expr = fmt.Sprintf("COUNT(*) FILTER (WHERE %s) AS %s", cond, quoteIdent(m.Name))
		}
		stmt = stmt.Column(sq.Expr(expr, args...))
	}

	rows, err := s.query(ctx, scope, stmt)
	if err != nil {
		return nil, err
	}
	rank := make(map[int64]int, len(owners))
	for i, id := range owners {
		rank[id] = i
	}
	for _, row := range rows {
		if id, ok := AsInt64(row[GroupColumn]); ok {
			row[GroupColumn] = id
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		a, _ := AsInt64(rows[i][GroupColumn])
		b, _ := AsInt64(rows[j][GroupColumn])
		return rank[a] < rank[b]
	})
	return rows, nil
}

func measureCondition(m Measure) (string, []any, error) {
	pred := whereEq("t", m.Match)
	if pred == nil {
		return "true", nil, nil
	}
	cond, args, err := pred.ToSql()
	if err != nil {
		return "", nil, fmt.Errorf("build measure %s: %w", m.Name, err)
	}
	return cond, args, nil
}

// searchDocument concatenates the searchable columns into one text value.
func searchDocument(alias string, cols []string) string {
	parts := make([]string, len(cols))
	for i, col := range cols {
		parts[i] = fmt.Sprintf("coalesce(%s::text, '')", qualify(alias, col))
	}
	return strings.Join(parts, " || ' ' || ")
}

func (s *PostgresSource) rankExpr(search *Search) (string, []any) {
	doc := searchDocument("t", search.Columns)
	expr := fmt.Sprintf("ts_rank(to_tsvector(?::regconfig, %s), plainto_tsquery(?::regconfig, ?))", doc)
	return expr, []any{s.cfg.SearchConfig, s.cfg.SearchConfig, search.Term}
}

func (s *PostgresSource) matchExpr(search *Search) sq.Sqlizer {
	doc := searchDocument("t", search.Columns)
	return sq.Expr(
		fmt.Sprintf("to_tsvector(?::regconfig, %s) @@ plainto_tsquery(?::regconfig, ?)", doc),
		s.cfg.SearchConfig, s.cfg.SearchConfig, search.Term,
	)
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}

// Select computes the window count in the inner query so it covers every
// match, then applies the cursor, ordering and limits outside.
func (s *PostgresSource) Select(ctx context.Context, scope Scope, q PageQuery) ([]Row, error) {
	sortBy := q.SortBy
	if sortBy == "" {
		sortBy = "id"
	}

	cols := append([]string(nil), q.Columns...)
	var extra []string
	if len(cols) > 0 {
		for _, need := range []string{"id", sortBy} {
			if need == RankColumn {
				continue
			}
			if indexOfString(cols, need) < 0 {
				cols = append(cols, need)
				extra = append(extra, need)
			}
		}
	}

	inner := s.sql.Select(selectColumns("t", cols)...).From(quoteIdent(q.Table) + " AS t")
	if pred := whereEq("t", q.Where); pred != nil {
		inner = inner.Where(pred)
	}
	if q.Search != nil {
		expr, args := s.rankExpr(q.Search)
		inner = inner.Column(sq.Expr(expr+" AS "+quoteIdent(RankColumn), args...))
		inner = inner.Where(s.matchExpr(q.Search))
	}
	if q.Prefix != nil {
		inner = inner.Where(sq.ILike{qualify("t", q.Prefix.Column): escapeLike(q.Prefix.Value) + "%"})
	}
	if q.Count {
		inner = inner.Column("COUNT(*) OVER () AS " + quoteIdent(TotalColumn))
	}

	sortCol := "page." + quoteIdent(sortBy)
	idCol := "page." + quoteIdent("id")
	dir := "ASC"
	if q.Desc {
		dir = "DESC"
	}
	outer := s.sql.Select("page.*").FromSelect(inner, "page")
	if q.After != nil {
		if q.Desc {
			outer = outer.Where(sq.Or{
				sq.Lt{sortCol: q.After.Value},
				sq.And{sq.Eq{sortCol: q.After.Value}, sq.Lt{idCol: q.After.ID}},
			})
		} else {
			outer = outer.Where(sq.Or{
				sq.Gt{sortCol: q.After.Value},
				sq.And{sq.Eq{sortCol: q.After.Value}, sq.Gt{idCol: q.After.ID}},
			})
		}
	}
	outer = outer.OrderBy(sortCol+" "+dir, idCol+" "+dir)
	if q.Limit > 0 {
		outer = outer.Limit(uint64(q.Limit))
	}
	if q.Offset > 0 {
		outer = outer.Offset(uint64(q.Offset))
	}

	rows, err := s.query(ctx, scope, outer)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		for _, col := range extra {
			delete(row, col)
		}
	}
	return rows, nil
}

func (s *PostgresSource) SortValue(ctx context.Context, scope Scope, q SortValueQuery) (any, bool, error) {
	stmt := s.sql.Select().From(quoteIdent(q.Table) + " AS t").Where(sq.Eq{qualify("t", "id"): q.ID})
	switch {
	case q.SortBy == RankColumn:
		if q.Search == nil {
			return nil, false, InvalidRequest("rank ordering requires a search term")
		}
		expr, args := s.rankExpr(q.Search)
		stmt = stmt.Column(sq.Expr(expr+" AS "+quoteIdent(RankColumn), args...))
	case q.SortBy == "":
		stmt = stmt.Column(qualify("t", "id") + " AS " + quoteIdent(RankColumn))
	default:
		stmt = stmt.Column(qualify("t", q.SortBy) + " AS " + quoteIdent(RankColumn))
	}
	rows, err := s.query(ctx, scope, stmt)
	if err != nil {
		return nil, false, err
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	return rows[0][RankColumn], true, nil
}

func indexOfString(values []string, want string) int {
	for i, v := range values {
		if v == want {
			return i
		}
	}
	return -1
}
