package crdt

import "opdoc/common"

// MapEntry is one key's conflict set: every concurrently-written value
// still retained for that key, ordered so entries[0] is the Lamport-max
// winner. Concurrent writers that lose the Lamport race are not
// discarded — they stay reachable through Conflicts() so applications
// can surface or resolve the conflict explicitly, a deliberate departure
// from the teacher's LWWObjectField (which kept only the current
// winner and overwrote it in place).
type MapEntry struct {
	entries []Node // entries[0] is the winner; rest are retained losers
}

// Winner returns the Lamport-max node for this key.
func (e *MapEntry) Winner() Node {
	if len(e.entries) == 0 {
		return nil
	}
	return e.entries[0]
}

// Conflicts returns every retained node for this key, winner first.
func (e *MapEntry) Conflicts() []Node {
	return append([]Node(nil), e.entries...)
}

// insert adds a node to the conflict set, re-sorting so the Lamport-max
// entry stays at index 0. Two values from the same op id never occur
// (op ids are unique), so strict ordering is always well defined.
func (e *MapEntry) insert(n Node) {
	e.entries = append(e.entries, n)
	// Insertion sort descending by OpID; conflict sets are small in
	// practice (bounded by concurrent-writer count), so this is cheap.
	for i := len(e.entries) - 1; i > 0; i-- {
		if e.entries[i].ID().Compare(e.entries[i-1].ID()) > 0 {
			e.entries[i], e.entries[i-1] = e.entries[i-1], e.entries[i]
		} else {
			break
		}
	}
}

// remove drops the retained entry written by id, if present; used when
// a Del or overwriting Set removes a specific observed write from a
// key's conflict set rather than the whole key.
func (e *MapEntry) remove(id common.OpID) {
	out := e.entries[:0]
	for _, n := range e.entries {
		if n.ID() != id {
			out = append(out, n)
		}
	}
	e.entries = out
}

// MapObject is a JSON-like map object: a Lamport-ordered conflict set
// per key, generalizing the teacher's LWWObjectNode (single winner per
// key, last writer silently discarding prior value) to retain every
// concurrent write.
type MapObject struct {
	op     common.OpID
	fields map[string]*MapEntry
}

// NewMapObject creates an empty map object with the given creation id.
func NewMapObject(id common.OpID) *MapObject {
	return &MapObject{op: id, fields: make(map[string]*MapEntry)}
}

func (m *MapObject) ID() common.OpID { return m.op }

// Value materialises the map by taking each key's Lamport-max winner.
func (m *MapObject) Value() interface{} {
	out := make(map[string]interface{}, len(m.fields))
	for k, entry := range m.fields {
		if w := entry.Winner(); w != nil {
			out[k] = w.Value()
		}
	}
	return out
}

// Keys returns the set of keys currently holding at least one value.
func (m *MapObject) Keys() []string {
	out := make([]string, 0, len(m.fields))
	for k, entry := range m.fields {
		if len(entry.entries) > 0 {
			out = append(out, k)
		}
	}
	return out
}

// Get returns the conflict set for a key, or nil if the key is unset.
func (m *MapObject) Get(key string) *MapEntry {
	return m.fields[key]
}

// Set installs a new value into a key's conflict set.
func (m *MapObject) Set(key string, n Node) {
	entry, ok := m.fields[key]
	if !ok {
		entry = &MapEntry{}
		m.fields[key] = entry
	}
	entry.insert(n)
}

// Delete removes every op-id in pred from a key's conflict set (a
// concurrent-safe delete: it only removes what the deleting op actually
// observed, so a concurrent Set to the same key survives).
func (m *MapObject) Delete(key string, pred []common.OpID) {
	entry, ok := m.fields[key]
	if !ok {
		return
	}
	for _, id := range pred {
		entry.remove(id)
	}
}
