package hydrate

// refMap collects, for one relation within one build call, the distinct ids
// still to be fetched and the entities waiting on each of them.
type refMap struct {
	ids    []int64
	owners map[int64][]*Entity
}

func newRefMap() *refMap {
	return &refMap{owners: make(map[int64][]*Entity)}
}

// add registers owner under id. Ids keep first-seen order.
func (m *refMap) add(id int64, owner *Entity) {
	if _, seen := m.owners[id]; !seen {
		m.ids = append(m.ids, id)
	}
	m.owners[id] = append(m.owners[id], owner)
}

func (m *refMap) empty() bool {
	return len(m.ids) == 0
}

// pending pairs a relation with the entities whose slot it fills.
type pending struct {
	rel   *Relation
	refs  *refMap
	eager []*Entity
}

// assignment is a slot value computed by a fetch, applied after every fetch
// of the build level has finished.
type assignment struct {
	owner *Entity
	name  string
	value any
}
