package crdtedit

import (
	"opdoc/common"
	"opdoc/crdt"
)

// MapHandle is a read/write proxy onto a single map object. It holds
// only the transaction and the object's id; every method resolves the
// live object through the transaction before acting, so a handle
// obtained before a rollback is still safe to use afterward.
type MapHandle struct {
	tx *Transaction
	id common.OpID
}

func (h *MapHandle) resolve() (*crdt.MapObject, error) {
	n, ok := h.tx.doc.Object(h.id)
	if !ok {
		return nil, common.ErrNotFound{Message: "map object " + h.id.String() + " not found"}
	}
	m, ok := n.(*crdt.MapObject)
	if !ok {
		return nil, common.ErrInvalidArgument{Message: "object is not a map"}
	}
	return m, nil
}

// Get returns the current winning value for a key and whether it is set.
func (h *MapHandle) Get(key string) (interface{}, bool) {
	m, err := h.resolve()
	if err != nil {
		return nil, false
	}
	entry := m.Get(key)
	if entry == nil {
		return nil, false
	}
	w := entry.Winner()
	if w == nil {
		return nil, false
	}
	return w.Value(), true
}

// Conflicts returns every concurrently-retained value for a key,
// Lamport-max winner first.
func (h *MapHandle) Conflicts(key string) []interface{} {
	m, err := h.resolve()
	if err != nil {
		return nil
	}
	entry := m.Get(key)
	if entry == nil {
		return nil
	}
	out := make([]interface{}, 0, len(entry.Conflicts()))
	for _, n := range entry.Conflicts() {
		out = append(out, n.Value())
	}
	return out
}

// Keys returns the set of keys currently holding a value.
func (h *MapHandle) Keys() []string {
	m, err := h.resolve()
	if err != nil {
		return nil
	}
	return m.Keys()
}

// winnerID returns the creation id of the winning node at key.
func (h *MapHandle) winnerID(key string) (common.OpID, error) {
	m, err := h.resolve()
	if err != nil {
		return common.OpID{}, err
	}
	entry := m.Get(key)
	if entry == nil || entry.Winner() == nil {
		return common.OpID{}, common.ErrNotFound{Message: "key " + key + " is unset"}
	}
	return entry.Winner().ID(), nil
}

// Map returns a handle onto the existing nested map at key.
func (h *MapHandle) Map(key string) (*MapHandle, error) {
	id, err := h.winnerID(key)
	if err != nil {
		return nil, err
	}
	child := &MapHandle{tx: h.tx, id: id}
	if _, err := child.resolve(); err != nil {
		return nil, err
	}
	return child, nil
}

// List returns a handle onto the existing nested list at key.
func (h *MapHandle) List(key string) (*ListHandle, error) {
	id, err := h.winnerID(key)
	if err != nil {
		return nil, err
	}
	child := &ListHandle{tx: h.tx, id: id}
	if _, err := child.resolve(); err != nil {
		return nil, err
	}
	return child, nil
}

// Text returns a handle onto the existing nested text object at key.
func (h *MapHandle) Text(key string) (*TextHandle, error) {
	id, err := h.winnerID(key)
	if err != nil {
		return nil, err
	}
	child := &TextHandle{tx: h.tx, id: id}
	if _, err := child.resolve(); err != nil {
		return nil, err
	}
	return child, nil
}

// pred returns the op-ids of every value currently visible at key, the
// set a local write observes and therefore overwrites or deletes (§4.3
// step 1: "compute pred from the current conflict set at the target
// slot").
func (h *MapHandle) pred(key string) []common.OpID {
	m, err := h.resolve()
	if err != nil {
		return nil
	}
	entry := m.Get(key)
	if entry == nil {
		return nil
	}
	conflicts := entry.Conflicts()
	ids := make([]common.OpID, len(conflicts))
	for i, n := range conflicts {
		ids[i] = n.ID()
	}
	return ids
}

// Set assigns a scalar value to a key, replacing whatever conflict set
// this handle currently observes there.
func (h *MapHandle) Set(key string, value interface{}) error {
	_, err := h.tx.apply(crdt.Op{Action: common.ActionSet, Obj: h.id, Key: key, Value: value, Pred: h.pred(key)})
	return err
}

// SetCounter creates a new counter scalar at a key, returning a handle
// to increment it later.
func (h *MapHandle) SetCounter(key string, initial int64) (*CounterHandle, error) {
	id, err := h.tx.apply(crdt.Op{Action: common.ActionSet, Obj: h.id, Key: key, Value: initial, ScalarType: common.ScalarCounter, Pred: h.pred(key)})
	if err != nil {
		return nil, err
	}
	return &CounterHandle{tx: h.tx, id: id}, nil
}

// SetMap creates a new nested map at a key and returns a handle to it.
func (h *MapHandle) SetMap(key string) (*MapHandle, error) {
	id, err := h.tx.apply(crdt.Op{Action: common.ActionMakeMap, Obj: h.id, Key: key, Pred: h.pred(key)})
	if err != nil {
		return nil, err
	}
	return &MapHandle{tx: h.tx, id: id}, nil
}

// SetList creates a new nested list at a key and returns a handle to it.
func (h *MapHandle) SetList(key string) (*ListHandle, error) {
	id, err := h.tx.apply(crdt.Op{Action: common.ActionMakeList, Obj: h.id, Key: key, Pred: h.pred(key)})
	if err != nil {
		return nil, err
	}
	return &ListHandle{tx: h.tx, id: id}, nil
}

// SetText creates a new nested text object at a key and returns a
// handle to it.
func (h *MapHandle) SetText(key string) (*TextHandle, error) {
	id, err := h.tx.apply(crdt.Op{Action: common.ActionMakeText, Obj: h.id, Key: key, Pred: h.pred(key)})
	if err != nil {
		return nil, err
	}
	return &TextHandle{tx: h.tx, id: id}, nil
}

// Delete removes every value currently visible at key from its
// conflict set. A concurrent Set to the same key that this delete
// never observed is unaffected and survives.
func (h *MapHandle) Delete(key string) error {
	pred := h.pred(key)
	if len(pred) == 0 {
		return nil
	}
	_, err := h.tx.apply(crdt.Op{Action: common.ActionDel, Obj: h.id, Key: key, Pred: pred})
	return err
}

// CounterHandle is a proxy onto a counter scalar.
type CounterHandle struct {
	tx *Transaction
	id common.OpID
}

// Value returns the counter's current materialised total.
func (h *CounterHandle) Value() (int64, error) {
	n, ok := h.tx.doc.Object(h.id)
	if !ok {
		return 0, common.ErrNotFound{Message: "counter not found"}
	}
	v, ok := n.Value().(int64)
	if !ok {
		return 0, common.ErrInvalidArgument{Message: "object is not a counter"}
	}
	return v, nil
}

// Increment adds amount (which may be negative) to the counter.
func (h *CounterHandle) Increment(amount int64) error {
	_, err := h.tx.apply(crdt.Op{Action: common.ActionInc, Elem: h.id, Value: amount})
	return err
}

// ListHandle is a read/write proxy onto a list object.
type ListHandle struct {
	tx *Transaction
	id common.OpID
}

func (h *ListHandle) resolve() (*crdt.ListObject, error) {
	n, ok := h.tx.doc.Object(h.id)
	if !ok {
		return nil, common.ErrNotFound{Message: "list object " + h.id.String() + " not found"}
	}
	l, ok := n.(*crdt.ListObject)
	if !ok {
		return nil, common.ErrInvalidArgument{Message: "object is not a list"}
	}
	return l, nil
}

// Len returns the number of live elements.
func (h *ListHandle) Len() int {
	l, err := h.resolve()
	if err != nil {
		return 0
	}
	return l.Len()
}

// Get returns the value at a live index.
func (h *ListHandle) Get(index int) (interface{}, bool) {
	l, err := h.resolve()
	if err != nil {
		return nil, false
	}
	id, ok := l.IDAt(index)
	if !ok {
		return nil, false
	}
	n := l.Element(id)
	if n == nil {
		return nil, false
	}
	return n.Value(), true
}

// Append inserts a scalar value at the end of the list.
func (h *ListHandle) Append(value interface{}) error {
	return h.Insert(h.Len(), value)
}

// Insert places a scalar value at the given live index.
func (h *ListHandle) Insert(index int, value interface{}) error {
	l, err := h.resolve()
	if err != nil {
		return err
	}
	after := l.AnchorBefore(index)
	_, err = h.tx.apply(crdt.Op{Action: common.ActionIns, Obj: h.id, After: after, Value: value})
	return err
}

// AppendMap inserts a new nested map at the end of the list.
func (h *ListHandle) AppendMap() (*MapHandle, error) {
	return h.InsertMap(h.Len())
}

// InsertMap inserts a new nested map at the given live index.
func (h *ListHandle) InsertMap(index int) (*MapHandle, error) {
	l, err := h.resolve()
	if err != nil {
		return nil, err
	}
	after := l.AnchorBefore(index)
	id, err := h.tx.apply(crdt.Op{Action: common.ActionMakeMap, Obj: h.id, After: after})
	if err != nil {
		return nil, err
	}
	return &MapHandle{tx: h.tx, id: id}, nil
}

// Delete tombstones the element at the given live index.
func (h *ListHandle) Delete(index int) error {
	l, err := h.resolve()
	if err != nil {
		return err
	}
	id, ok := l.IDAt(index)
	if !ok {
		return common.ErrInvalidArgument{Message: "list index out of range"}
	}
	_, err = h.tx.apply(crdt.Op{Action: common.ActionDel, Obj: h.id, Elem: id})
	return err
}

// TextHandle is a read/write proxy onto a text object.
type TextHandle struct {
	tx *Transaction
	id common.OpID
}

func (h *TextHandle) resolve() (*crdt.TextObject, error) {
	n, ok := h.tx.doc.Object(h.id)
	if !ok {
		return nil, common.ErrNotFound{Message: "text object " + h.id.String() + " not found"}
	}
	t, ok := n.(*crdt.TextObject)
	if !ok {
		return nil, common.ErrInvalidArgument{Message: "object is not text"}
	}
	return t, nil
}

// String returns the current materialised text.
func (h *TextHandle) String() string {
	t, err := h.resolve()
	if err != nil {
		return ""
	}
	return t.Value().(string)
}

// Len returns the number of live runes.
func (h *TextHandle) Len() int {
	t, err := h.resolve()
	if err != nil {
		return 0
	}
	return t.Len()
}

// InsertAt inserts text at the given live rune offset, one character
// op at a time (each character is independently addressable, as the
// RGA discipline requires).
func (h *TextHandle) InsertAt(index int, text string) error {
	for _, r := range text {
		t, err := h.resolve()
		if err != nil {
			return err
		}
		after := t.AnchorBefore(index)
		id, err := h.tx.apply(crdt.Op{Action: common.ActionIns, Obj: h.id, After: after, Value: string(r)})
		if err != nil {
			return err
		}
		_ = id
		index++
	}
	return nil
}

// DeleteRange tombstones every character in [start, end).
func (h *TextHandle) DeleteRange(start, end int) error {
	for i := start; i < end; i++ {
		t, err := h.resolve()
		if err != nil {
			return err
		}
		id, ok := t.IDAt(start) // characters shift left as we delete
		if !ok {
			return common.ErrInvalidArgument{Message: "text range out of bounds"}
		}
		if _, err := h.tx.apply(crdt.Op{Action: common.ActionDel, Obj: h.id, Elem: id}); err != nil {
			return err
		}
	}
	return nil
}

// Splice replaces delCount characters at the given live rune offset
// with text. The insertions are emitted before the deletions: the
// characters being replaced are captured by id up front, the new text
// goes in at the splice point, and only then are the captured
// characters tombstoned, so a concurrent edit anchored on a replaced
// character still resolves against it.
func (h *TextHandle) Splice(index, delCount int, text string) error {
	t, err := h.resolve()
	if err != nil {
		return err
	}
	if index < 0 || delCount < 0 || index+delCount > t.Len() {
		return common.ErrInvalidArgument{Message: "splice range out of bounds"}
	}
	doomed := make([]common.OpID, 0, delCount)
	for i := 0; i < delCount; i++ {
		id, ok := t.IDAt(index + i)
		if !ok {
			return common.ErrInvalidArgument{Message: "splice range out of bounds"}
		}
		doomed = append(doomed, id)
	}

	if err := h.InsertAt(index, text); err != nil {
		return err
	}
	for _, id := range doomed {
		if _, err := h.tx.apply(crdt.Op{Action: common.ActionDel, Obj: h.id, Elem: id}); err != nil {
			return err
		}
	}
	return nil
}

// Mark applies a formatting attribute over [start, end] (live rune
// offsets, inclusive) with the given boundary-expansion policy.
func (h *TextHandle) Mark(start, end int, attr string, value interface{}, expand common.ExpandPolicy) error {
	t, err := h.resolve()
	if err != nil {
		return err
	}
	startID, ok := t.IDAt(start)
	if !ok {
		return common.ErrInvalidArgument{Message: "mark start out of range"}
	}
	endID, ok := t.IDAt(end)
	if !ok {
		return common.ErrInvalidArgument{Message: "mark end out of range"}
	}
	_, err = h.tx.apply(crdt.Op{Action: common.ActionMark, Obj: h.id, Elem: startID, MarkEnd: endID, MarkAttr: attr, Value: value, MarkExpand: expand})
	return err
}
