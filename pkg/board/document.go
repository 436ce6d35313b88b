// Package board holds the replicated whiteboard document: objects with per-field last-writer-wins registers,
// a z-order derived from per-object stamps, and permanent tombstones. Applying the same set of operations in
// any causally valid order yields equal State values.
package board

import (
	"sort"
)

// ZStamp is the last-writer-wins register deciding where an object sits in the paint order.
type ZStamp struct {
	Back bool `json:"back,omitempty"`
	Key  Key  `json:"key"`
}

// paintsBefore orders stamps bottom to top: back-stamped objects first with the latest back move
// bottommost, then front-stamped objects with the latest move or create topmost.
func paintsBefore(a, b ZStamp) bool {
	if a.Back != b.Back {
		return a.Back
	}
	if a.Back {
		return b.Key.Less(a.Key)
	}
	return a.Key.Less(b.Key)
}

type entry struct {
	obj  Object
	keys map[Field]Key
	z    ZStamp
}

func newEntry(id string) *entry {
	return &entry{obj: Object{ID: id}, keys: make(map[Field]Key)}
}

// mergeFields copies every register of src that is later than the one held by e.
func (e *entry) mergeFields(src *entry) bool {
	changed := false
	for f, k := range src.keys {
		if e.keys[f].Less(k) {
			e.obj.set(src.obj.get(f))
			e.keys[f] = k
			changed = true
		}
	}
	return changed
}

// Document is not safe for concurrent use; the owning room serializes access.
type Document struct {
	objects map[string]*entry
	// pending holds registers written for ids whose create has not arrived yet. They are folded into the
	// object when it is created and dropped when the id is deleted.
	pending    map[string]*entry
	zorder     []string
	tombstones map[string]struct{}
	clock      uint64
}

func NewDocument() *Document {
	return &Document{
		objects:    make(map[string]*entry),
		pending:    make(map[string]*entry),
		tombstones: make(map[string]struct{}),
	}
}

// Apply mutates the document and reports whether anything changed. Writes for ids that have not been created
// yet are held until the create arrives, so the result does not depend on arrival order. Only structurally
// invalid operations return an error.
func (d *Document) Apply(op Op) (bool, error) {
	if err := op.Validate(); err != nil {
		return false, err
	}
	d.observe(op.Key)
	switch op.Kind {
	case KindCreate:
		return d.create(op), nil
	case KindSet:
		return d.set(op), nil
	case KindDelete:
		return d.kill(op.ID), nil
	case KindMove:
		return d.move(op), nil
	}
	return false, nil
}

func (d *Document) observe(k Key) {
	if k.Counter > d.clock {
		d.clock = k.Counter
	}
}

func (d *Document) create(op Op) bool {
	obj := *op.Object
	obj.ID = op.ID
	e := &entry{obj: obj, keys: make(map[Field]Key, len(Fields)), z: ZStamp{Key: op.Key}}
	for _, f := range Fields {
		e.keys[f] = op.Key
	}
	return d.place(op.ID, e, true)
}

func (d *Document) set(op Op) bool {
	src := newEntry(op.ID)
	for _, w := range op.Writes {
		src.obj.set(w)
		src.keys[w.Field] = op.Key
	}
	return d.place(op.ID, src, false)
}

func (d *Document) move(op Op) bool {
	src := newEntry(op.ID)
	src.z = ZStamp{Back: op.Target == TargetBack, Key: op.Key}
	return d.place(op.ID, src, false)
}

func (d *Document) kill(id string) bool {
	if _, dead := d.tombstones[id]; dead {
		return false
	}
	d.tombstones[id] = struct{}{}
	delete(d.pending, id)
	if _, ok := d.objects[id]; ok {
		d.removeZ(id)
		delete(d.objects, id)
	}
	return true
}

// place folds the registers of src into id. A live object merges field by field, which also keeps replayed
// creates idempotent. A born entry becomes the object, absorbing anything pending. Anything else waits in
// pending.
func (d *Document) place(id string, src *entry, born bool) bool {
	if _, dead := d.tombstones[id]; dead {
		return false
	}
	if e, ok := d.objects[id]; ok {
		changed := e.mergeFields(src)
		if e.z.Key.Less(src.z.Key) {
			d.restamp(id, src.z)
			changed = true
		}
		return changed
	}
	if born {
		if p, ok := d.pending[id]; ok {
			delete(d.pending, id)
			src.mergeFields(p)
			if src.z.Key.Less(p.z.Key) {
				src.z = p.z
			}
		}
		d.objects[id] = src
		d.insertZ(id)
		return true
	}
	p, ok := d.pending[id]
	if !ok {
		p = newEntry(id)
		d.pending[id] = p
	}
	changed := p.mergeFields(src)
	if p.z.Key.Less(src.z.Key) {
		p.z = src.z
		changed = true
	}
	return changed
}

func (d *Document) restamp(id string, z ZStamp) {
	d.removeZ(id)
	d.objects[id].z = z
	d.insertZ(id)
}

func (d *Document) before(a, b string) bool {
	za, zb := d.objects[a].z, d.objects[b].z
	if za == zb {
		return a < b
	}
	return paintsBefore(za, zb)
}

func (d *Document) insertZ(id string) {
	i := sort.Search(len(d.zorder), func(i int) bool {
		return d.before(id, d.zorder[i])
	})
	d.zorder = append(d.zorder, "")
	copy(d.zorder[i+1:], d.zorder[i:])
	d.zorder[i] = id
}

func (d *Document) removeZ(id string) {
	for i, other := range d.zorder {
		if other == id {
			d.zorder = append(d.zorder[:i], d.zorder[i+1:]...)
			return
		}
	}
}

// Clock returns the highest counter observed by this document.
func (d *Document) Clock() uint64 {
	return d.clock
}

// NextKey returns the key a local writer should stamp its next operation with. Once the counter space is
// exhausted it keeps returning MaxCounter, which Validate rejects, rather than wrapping to zero.
func (d *Document) NextKey(session string) Key {
	if d.clock >= MaxCounter {
		return Key{Counter: MaxCounter, Session: session}
	}
	return Key{Counter: d.clock + 1, Session: session}
}

func (d *Document) Len() int {
	return len(d.objects)
}

// Pending returns the number of ids holding writes that wait for their create.
func (d *Document) Pending() int {
	return len(d.pending)
}

func (d *Document) Object(id string) (Object, bool) {
	e, ok := d.objects[id]
	if !ok {
		return Object{}, false
	}
	return e.obj, true
}

// Objects returns every live object in paint order, topmost last.
func (d *Document) Objects() []Object {
	out := make([]Object, 0, len(d.zorder))
	for _, id := range d.zorder {
		out = append(out, d.objects[id].obj)
	}
	return out
}

func (d *Document) ZOrder() []string {
	return append([]string(nil), d.zorder...)
}

// Deleted reports whether id has been tombstoned.
func (d *Document) Deleted(id string) bool {
	_, dead := d.tombstones[id]
	return dead
}
