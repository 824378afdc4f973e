package crdt

import (
	"opdoc/common"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("opdoc/crdt")

// Document is the materialiser: the authoritative in-memory tree built
// by replaying every Op from the op log in Lamport order. It owns the
// root map and an index from OpID to every object (map, list, text, or
// counter) that has been created, mirroring the teacher's Document
// facade (root Node + index map + clock) but generalized to the
// conflict-set-retaining object model described above.
type Document struct {
	root    *MapObject
	objects map[common.OpID]Node
	// inbound maps a child object's id to the parent it is currently
	// attached under. It is rebuilt on load rather than persisted, and
	// is what lets attach() reject a patch that would give an object a
	// second parent.
	inbound map[common.OpID]common.OpID
}

// NewDocument creates an empty document. The root object always has the
// well-known zero OpID, matching automerge's convention.
func NewDocument() *Document {
	root := NewMapObject(common.RootID)
	d := &Document{
		root:    root,
		objects: make(map[common.OpID]Node),
		inbound: make(map[common.OpID]common.OpID),
	}
	d.objects[common.RootID] = root
	return d
}

// Root returns the document's root map object.
func (d *Document) Root() *MapObject { return d.root }

// Object looks up any object (map, list, text, or counter) by the OpID
// of the operation that created it.
func (d *Document) Object(id common.OpID) (Node, bool) {
	n, ok := d.objects[id]
	return n, ok
}

// View materialises the whole document into plain Go values
// (map[string]interface{}, []interface{}, string, or scalars),
// suitable for json.Marshal or direct application use.
func (d *Document) View() interface{} {
	return d.root.Value()
}

// ApplyOp applies a single operation to the materialised tree. Callers
// (crdtpatch.OpLog) are responsible for Lamport/causal ordering; ApplyOp
// itself assumes op.ID is fresh and every object it references already
// exists, which holds for any op log that enforces dependency order.
func (d *Document) ApplyOp(op Op) error {
	switch op.Action {
	case common.ActionMakeMap:
		return d.attachObject(op, NewMapObject(op.ID))

	case common.ActionMakeList:
		return d.attachObject(op, NewListObject(op.ID))

	case common.ActionMakeText:
		return d.attachObject(op, NewTextObject(op.ID))

	case common.ActionSet:
		if op.ScalarType == common.ScalarCounter {
			base, _ := op.Value.(int64)
			return d.attachObject(op, &Counter{op: op.ID, base: base})
		}
		return d.attach(op, &Value{Op: op.ID, Raw: op.Value})

	case common.ActionIns:
		return d.applyIns(op)

	case common.ActionDel:
		return d.applyDel(op)

	case common.ActionInc:
		return d.applyInc(op)

	case common.ActionMark:
		return d.applyMark(op)

	default:
		log.Errorw("rejecting op with unknown action", "op", op.ID.String(), "action", string(op.Action))
		return common.ErrCorruptPatch{Message: "unknown action " + string(op.Action)}
	}
}

// attachObject attaches a newly created addressable node and indexes it
// only once attach has accepted it, so a rejected op leaves the index
// pointing at whatever object was already there.
func (d *Document) attachObject(op Op, n Node) error {
	if err := d.attach(op, n); err != nil {
		return err
	}
	d.objects[op.ID] = n
	return nil
}

// attach installs a newly created node at its target location: a map
// key when the parent is a Map, or an RGA insertion when the parent is
// a List (after op.After). Text objects never hold child nodes.
func (d *Document) attach(op Op, n Node) error {
	parent, ok := d.objects[op.Obj]
	if !ok {
		return common.ErrNotFound{Message: "object " + op.Obj.String() + " not found"}
	}
	if existing, seen := d.inbound[n.ID()]; seen && existing != op.Obj {
		log.Errorw("object already has a parent", "child", n.ID().String(), "parent", existing.String(), "claimed", op.Obj.String())
		return common.ErrMultipleParents{Child: n.ID()}
	}
	switch p := parent.(type) {
	case *MapObject:
		if op.Key == "" {
			return common.ErrInvalidArgument{Message: "map target requires a key"}
		}
		if len(op.Pred) > 0 {
			p.Delete(op.Key, op.Pred)
		}
		p.Set(op.Key, n)
	case *ListObject:
		p.Insert(op.ID, op.After, n)
	default:
		return common.ErrInvalidArgument{Message: "target object cannot hold children"}
	}
	d.inbound[n.ID()] = op.Obj
	return nil
}

func (d *Document) applyIns(op Op) error {
	parent, ok := d.objects[op.Obj]
	if !ok {
		return common.ErrNotFound{Message: "object " + op.Obj.String() + " not found"}
	}
	switch p := parent.(type) {
	case *ListObject:
		p.Insert(op.ID, op.After, &Value{Op: op.ID, Raw: op.Value})
		return nil
	case *TextObject:
		r, ok := op.Value.(string)
		if !ok || len([]rune(r)) != 1 {
			return common.ErrInvalidArgument{Message: "text insert requires a single rune value"}
		}
		p.Insert(op.ID, op.After, []rune(r)[0])
		return nil
	default:
		return common.ErrInvalidArgument{Message: "ins target must be a list or text"}
	}
}

func (d *Document) applyDel(op Op) error {
	parent, ok := d.objects[op.Obj]
	if !ok {
		return common.ErrNotFound{Message: "object " + op.Obj.String() + " not found"}
	}
	switch p := parent.(type) {
	case *MapObject:
		pred := op.Pred
		if len(pred) == 0 && !op.Elem.IsRoot() {
			pred = []common.OpID{op.Elem}
		}
		p.Delete(op.Key, pred)
		return nil
	case *ListObject:
		p.Delete(op.Elem)
		return nil
	case *TextObject:
		p.Delete(op.Elem)
		return nil
	default:
		return common.ErrInvalidArgument{Message: "del target cannot be deleted from"}
	}
}

func (d *Document) applyInc(op Op) error {
	target, ok := d.objects[op.Elem]
	if !ok {
		return common.ErrNotFound{Message: "counter " + op.Elem.String() + " not found"}
	}
	c, ok := target.(*Counter)
	if !ok {
		return common.ErrInvalidArgument{Message: "inc target is not a counter"}
	}
	amount, _ := op.Value.(int64)
	c.applyInc(amount)
	return nil
}

func (d *Document) applyMark(op Op) error {
	parent, ok := d.objects[op.Obj]
	if !ok {
		return common.ErrNotFound{Message: "object " + op.Obj.String() + " not found"}
	}
	t, ok := parent.(*TextObject)
	if !ok {
		return common.ErrInvalidArgument{Message: "mark target must be text"}
	}
	t.AddMark(op.ID, op.Elem, op.MarkEnd, op.MarkAttr, op.Value, op.MarkExpand)
	return nil
}
