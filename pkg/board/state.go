package board

import "sort"

// ObjectState is an object together with the conflict-resolution metadata needed to keep merging after a
// snapshot is reloaded.
type ObjectState struct {
	Object
	Keys map[Field]Key `json:"keys"`
	Z    ZStamp        `json:"z"`
}

// State is the full serializable content of a Document. Objects are in paint order, pending registers and
// tombstones are sorted by id, so two documents holding the same content produce equal states.
type State struct {
	Objects    []ObjectState `json:"objects"`
	Pending    []ObjectState `json:"pending,omitempty"`
	Tombstones []string      `json:"tombstones,omitempty"`
	Clock      uint64        `json:"clock"`
}

func (e *entry) state() ObjectState {
	keys := make(map[Field]Key, len(e.keys))
	for f, k := range e.keys {
		keys[f] = k
	}
	return ObjectState{Object: e.obj, Keys: keys, Z: e.z}
}

func (d *Document) State() State {
	s := State{
		Objects: make([]ObjectState, 0, len(d.zorder)),
		Clock:   d.clock,
	}
	for _, id := range d.zorder {
		s.Objects = append(s.Objects, d.objects[id].state())
	}
	if len(d.pending) > 0 {
		ids := make([]string, 0, len(d.pending))
		for id := range d.pending {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		s.Pending = make([]ObjectState, 0, len(ids))
		for _, id := range ids {
			s.Pending = append(s.Pending, d.pending[id].state())
		}
	}
	if len(d.tombstones) > 0 {
		s.Tombstones = make([]string, 0, len(d.tombstones))
		for id := range d.tombstones {
			s.Tombstones = append(s.Tombstones, id)
		}
		sort.Strings(s.Tombstones)
	}
	return s
}

// FromState rebuilds a document from a snapshot. Paint order is recomputed from the stamps rather than
// trusted from the slice order.
func FromState(s State) *Document {
	d := NewDocument()
	d.Merge(s)
	return d
}

// Merge folds another replica's state into d, register by register. Merging is commutative and idempotent,
// so snapshots taken by different replicas can be combined in any order. It reports whether d changed.
func (d *Document) Merge(s State) bool {
	d.observe(Key{Counter: s.Clock})
	changed := false
	for _, id := range s.Tombstones {
		if id != "" && d.kill(id) {
			changed = true
		}
	}
	for _, st := range s.Objects {
		if st.ID == "" {
			continue
		}
		e := &entry{obj: st.Object, keys: make(map[Field]Key, len(Fields)), z: st.Z}
		for _, f := range Fields {
			e.keys[f] = st.Keys[f]
			d.observe(st.Keys[f])
		}
		d.observe(st.Z.Key)
		if d.place(st.ID, e, true) {
			changed = true
		}
	}
	for _, st := range s.Pending {
		if st.ID == "" {
			continue
		}
		e := newEntry(st.ID)
		for f, k := range st.Keys {
			if !f.Valid() || k.Counter == 0 {
				continue
			}
			e.obj.set(st.Object.get(f))
			e.keys[f] = k
			d.observe(k)
		}
		e.z = st.Z
		d.observe(st.Z.Key)
		if d.place(st.ID, e, false) {
			changed = true
		}
	}
	return changed
}
