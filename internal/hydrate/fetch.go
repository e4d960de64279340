package hydrate

import (
	"context"
	"time"

	"newsroom-api/internal/storage"
)

// fetchBelongsTo loads the distinct foreign ids with one by-id query. Every
// owner referencing the same id receives the same entity.
func (h *Hydrator) fetchBelongsTo(ctx context.Context, call Call, p *pending, child Options) ([]assignment, []*Entity, error) {
	if p.refs.empty() {
		return nil, nil, nil
	}
	target, err := h.engine.Hydrator(p.rel.Target)
	if err != nil {
		return nil, nil, err
	}
	started := time.Now()
	rows, err := h.engine.source.FetchByIDs(ctx, call.Scope, storage.ByIDs{
		Table:   target.schema.Table,
		Columns: target.Columns(child),
		IDs:     p.refs.ids,
	})
	h.observe(p, len(rows), time.Since(started), err)
	if err != nil {
		return nil, nil, err
	}

	children := Entities(target.schema.Name, rows)
	var assigned []assignment
	for _, entity := range children {
		for _, owner := range p.refs.owners[entity.ID()] {
			assigned = append(assigned, assignment{owner: owner, name: p.rel.Name, value: entity})
		}
	}
	return assigned, children, nil
}

// fetchHasMany loads every owner's collection with one grouped query. A row
// related to several owners becomes one shared entity.
func (h *Hydrator) fetchHasMany(ctx context.Context, call Call, p *pending, child Options) ([]assignment, []*Entity, error) {
	if p.refs.empty() {
		return nil, nil, nil
	}
	target, err := h.engine.Hydrator(p.rel.Target)
	if err != nil {
		return nil, nil, err
	}
	started := time.Now()
	rows, err := h.engine.source.FetchGrouped(ctx, call.Scope, storage.Grouped{
		Table:    target.schema.Table,
		Columns:  target.Columns(child),
		Owner:    p.rel.Key,
		Through:  p.rel.Through,
		OwnerIDs: p.refs.ids,
		Where:    p.rel.Where,
		Order:    p.rel.Order,
		Limit:    p.rel.Limit,
	})
	h.observe(p, len(rows), time.Since(started), err)
	if err != nil {
		return nil, nil, err
	}

	shared := make(map[int64]*Entity, len(rows))
	collections := make(map[int64][]*Entity, len(p.refs.ids))
	var children []*Entity
	for _, row := range rows {
		owner, ok := storage.AsInt64(row[storage.GroupColumn])
		if !ok {
			continue
		}
		id, _ := row.ID()
		entity, seen := shared[id]
		if !seen {
			entity = NewEntity(target.schema.Name, row.Without(storage.GroupColumn))
			shared[id] = entity
			children = append(children, entity)
		}
		collections[owner] = append(collections[owner], entity)
	}

	var assigned []assignment
	for _, ownerID := range p.refs.ids {
		collection := collections[ownerID]
		if collection == nil {
			collection = []*Entity{}
		}
		for _, owner := range p.refs.owners[ownerID] {
			assigned = append(assigned, assignment{owner: owner, name: p.rel.Name, value: collection})
		}
	}
	return assigned, children, nil
}

// fetchAggregate computes every measure of the relation with one query.
// Owners without rows keep their zeroed stats.
func (h *Hydrator) fetchAggregate(ctx context.Context, call Call, p *pending) ([]assignment, error) {
	if p.refs.empty() {
		return nil, nil
	}
	measures := make([]storage.Measure, 0, len(p.rel.Measures))
	for _, m := range p.rel.Measures {
		if m.RequesterColumn != "" {
			if call.Anonymous() {
				continue
			}
			match := make(storage.Where, len(m.Match)+1)
			for k, v := range m.Match {
				match[k] = v
			}
			match[m.RequesterColumn] = call.Requester
			measures = append(measures, storage.Measure{Name: m.Name, Kind: m.Kind, Match: match})
			continue
		}
		measures = append(measures, storage.Measure{Name: m.Name, Kind: m.Kind, Match: m.Match})
	}
	if len(measures) == 0 {
		return nil, nil
	}

	started := time.Now()
	rows, err := h.engine.source.FetchAggregates(ctx, call.Scope, storage.Aggregate{
		Table:    p.rel.Table,
		Owner:    p.rel.Owner,
		OwnerIDs: p.refs.ids,
		Measures: measures,
	})
	h.observe(p, len(rows), time.Since(started), err)
	if err != nil {
		return nil, err
	}

	var assigned []assignment
	for _, row := range rows {
		ownerID, ok := storage.AsInt64(row[storage.GroupColumn])
		if !ok {
			continue
		}
		stats := statsFromRow(p.rel, row)
		for _, owner := range p.refs.owners[ownerID] {
			assigned = append(assigned, assignment{owner: owner, name: p.rel.Name, value: stats})
		}
	}
	return assigned, nil
}

func (h *Hydrator) observe(p *pending, rows int, d time.Duration, err error) {
	h.engine.logger.Debug("batch fetch",
		"entity", h.schema.Name,
		"relation", p.rel.Name,
		"kind", p.rel.Kind.String(),
		"ids", len(p.refs.ids),
		"rows", rows,
		"duration_ms", d.Milliseconds(),
		"error", err,
	)
	if h.engine.cfg.Observer != nil {
		h.engine.cfg.Observer.ObserveBatch(h.schema.Name, p.rel.Name, len(p.refs.ids), rows, d, err)
	}
}
