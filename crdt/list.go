package crdt

import "opdoc/common"

// listElem is one position in an RGA sequence: the op that inserted it,
// its tombstone state, and the conflict set of values concurrently
// written to it (a list element can itself be Set to a new scalar,
// which is why it carries a conflict set rather than a single value).
type listElem struct {
	id      common.OpID
	values  []Node // Lamport-max first, like MapEntry
	deleted bool
}

func (e *listElem) winner() Node {
	if len(e.values) == 0 {
		return nil
	}
	return e.values[0]
}

func (e *listElem) insertValue(n Node) {
	e.values = append(e.values, n)
	for i := len(e.values) - 1; i > 0; i-- {
		if e.values[i].ID().Compare(e.values[i-1].ID()) > 0 {
			e.values[i], e.values[i-1] = e.values[i-1], e.values[i]
		} else {
			break
		}
	}
}

// ListObject is an ordered sequence using the RGA (Replicated Growable
// Array) discipline: every element remembers the id of the element it
// was inserted after, and concurrent insertions at the same anchor are
// ordered by descending OpID so every replica converges on the same
// order without coordination. This generalizes the teacher's
// RGAStringNode (a flat array of runes) to a sequence of arbitrary
// element nodes, and adds per-position conflict sets.
type ListObject struct {
	op   common.OpID
	head *listElem
	// elems indexes every live or tombstoned element by id for O(1)
	// lookup from Del/Set/Ins "after" references.
	elems map[common.OpID]*listElem
	// next chains elements in list order starting from head.
	next map[common.OpID]*listElem
}

// NewListObject creates an empty ordered list with the given creation id.
func NewListObject(id common.OpID) *ListObject {
	return &ListObject{
		op:    id,
		elems: make(map[common.OpID]*listElem),
		next:  make(map[common.OpID]*listElem),
	}
}

func (l *ListObject) ID() common.OpID { return l.op }

// Value materialises the list by walking live elements in order,
// taking each position's Lamport-max winner.
func (l *ListObject) Value() interface{} {
	out := make([]interface{}, 0, len(l.elems))
	for e := l.head; e != nil; e = l.next[e.id] {
		if e.deleted {
			continue
		}
		if w := e.winner(); w != nil {
			out = append(out, w.Value())
		}
	}
	return out
}

// Insert places a new element after the element identified by after
// (the zero OpID means "at the head"). RGA tie-break: when multiple
// elements share the same `after` anchor, the one with the greater
// OpID is ordered first, so every replica that applies the same set of
// insertions converges on an identical sequence regardless of arrival
// order.
func (l *ListObject) Insert(id common.OpID, after common.OpID, value Node) {
	e := &listElem{id: id}
	e.insertValue(value)
	l.elems[id] = e

	if after.IsRoot() {
		l.insertAtHead(e)
		return
	}
	anchor, ok := l.elems[after]
	if !ok {
		// Anchor not seen yet (shouldn't happen if deps are enforced,
		// but degrade gracefully by appending at head).
		log.Warnw("insert anchor not found, placing at head", "list", l.op.String(), "elem", id.String(), "after", after.String())
		l.insertAtHead(e)
		return
	}
	l.insertAfterRGA(anchor, e)
}

func (l *ListObject) insertAtHead(e *listElem) {
	// Among elements anchored at the head, descending-OpID order wins.
	if l.head == nil || e.id.Compare(l.head.id) > 0 {
		l.next[e.id] = l.head
		l.head = e
		return
	}
	l.insertAfterRGA(l.head, e)
}

// insertAfterRGA walks forward from anchor past any sibling already
// inserted at the same anchor point with a greater id, then splices e
// in. This is the standard RGA insert-after algorithm.
func (l *ListObject) insertAfterRGA(anchor *listElem, e *listElem) {
	cur := anchor
	for {
		nxt := l.next[cur.id]
		if nxt == nil || nxt.id.Compare(e.id) < 0 {
			l.next[cur.id] = e
			l.next[e.id] = nxt
			return
		}
		cur = nxt
	}
}

// Delete tombstones the element with the given id. The element stays
// in the index (so later ops can still reference it as an anchor or
// conflict-set target) but is skipped by Value().
func (l *ListObject) Delete(id common.OpID) {
	if e, ok := l.elems[id]; ok {
		e.deleted = true
	}
}

// SetAt installs a new conflicting value on an existing element
// (overwriting within its conflict set, same semantics as MapObject.Set).
func (l *ListObject) SetAt(target common.OpID, n Node) {
	if e, ok := l.elems[target]; ok {
		e.insertValue(n)
	}
}

// Element returns the live element node at the given id, or nil.
func (l *ListObject) Element(id common.OpID) Node {
	if e, ok := l.elems[id]; ok && !e.deleted {
		return e.winner()
	}
	return nil
}

// liveIDs returns the ids of every live (non-tombstoned) element in
// list order. User-facing APIs address elements by integer index; this
// is the bridge from that index space to the element ids the RGA
// structure actually uses internally.
func (l *ListObject) liveIDs() []common.OpID {
	out := make([]common.OpID, 0, len(l.elems))
	for e := l.head; e != nil; e = l.next[e.id] {
		if !e.deleted {
			out = append(out, e.id)
		}
	}
	return out
}

// Len returns the number of live elements.
func (l *ListObject) Len() int {
	return len(l.liveIDs())
}

// IDAt returns the element id currently at the given live index.
func (l *ListObject) IDAt(index int) (common.OpID, bool) {
	ids := l.liveIDs()
	if index < 0 || index >= len(ids) {
		return common.OpID{}, false
	}
	return ids[index], true
}

// AnchorBefore returns the element id a new insertion at the given live
// index should be placed after (the zero OpID, i.e. the head, when
// index is 0).
func (l *ListObject) AnchorBefore(index int) common.OpID {
	ids := l.liveIDs()
	if index <= 0 || len(ids) == 0 {
		return common.RootID
	}
	if index > len(ids) {
		index = len(ids)
	}
	return ids[index-1]
}
