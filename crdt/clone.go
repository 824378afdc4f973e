package crdt

import "opdoc/common"

// Clone performs a full, identity-preserving deep copy of the document:
// every container object is duplicated, and every reference one
// container holds to another is rewritten to point at its clone's
// counterpart rather than the original. This is what crdtedit uses for
// copy-on-first-write transaction snapshots: Clone is only ever called
// once a transaction is about to make its first mutation, so read-only
// transactions (the common case) never pay for it.
func (d *Document) Clone() *Document {
	shells := make(map[common.OpID]Node, len(d.objects))
	for id, n := range d.objects {
		switch o := n.(type) {
		case *MapObject:
			shells[id] = &MapObject{op: o.op, fields: make(map[string]*MapEntry, len(o.fields))}
		case *ListObject:
			shells[id] = &ListObject{op: o.op, elems: make(map[common.OpID]*listElem), next: make(map[common.OpID]*listElem)}
		case *TextObject:
			shells[id] = &TextObject{op: o.op, chars: make(map[common.OpID]*textChar), next: make(map[common.OpID]*textChar)}
		case *Value:
			shells[id] = &Value{Op: o.Op, Raw: o.Raw}
		case *Counter:
			shells[id] = &Counter{op: o.op, base: o.base, delta: o.delta}
		}
	}

	translate := func(n Node) Node {
		if n == nil {
			return nil
		}
		if repl, ok := shells[n.ID()]; ok {
			return repl
		}
		return n
	}

	for id, n := range d.objects {
		switch o := n.(type) {
		case *MapObject:
			nm := shells[id].(*MapObject)
			for key, entry := range o.fields {
				ne := &MapEntry{entries: make([]Node, len(entry.entries))}
				for i, v := range entry.entries {
					ne.entries[i] = translate(v)
				}
				nm.fields[key] = ne
			}

		case *ListObject:
			nl := shells[id].(*ListObject)
			var prev *listElem
			for e := o.head; e != nil; e = o.next[e.id] {
				ne := &listElem{id: e.id, deleted: e.deleted, values: make([]Node, len(e.values))}
				for i, v := range e.values {
					ne.values[i] = translate(v)
				}
				nl.elems[ne.id] = ne
				if prev == nil {
					nl.head = ne
				} else {
					nl.next[prev.id] = ne
				}
				prev = ne
			}

		case *TextObject:
			nt := shells[id].(*TextObject)
			var prev *textChar
			for c := o.head; c != nil; c = o.next[c.id] {
				nc := &textChar{id: c.id, value: c.value, deleted: c.deleted}
				nt.chars[nc.id] = nc
				if prev == nil {
					nt.head = nc
				} else {
					nt.next[prev.id] = nc
				}
				prev = nc
			}
			for _, m := range o.marks {
				nt.marks = append(nt.marks, &mark{id: m.id, start: m.start, end: m.end, attr: m.attr, value: m.value, expand: m.expand})
			}
		}
	}

	inbound := make(map[common.OpID]common.OpID, len(d.inbound))
	for k, v := range d.inbound {
		inbound[k] = v
	}

	return &Document{
		root:    shells[common.RootID].(*MapObject),
		objects: shells,
		inbound: inbound,
	}
}
