package crdt

import "opdoc/common"

// Node is the materialised value of a single object in the document
// tree: a Map, a List, a Text, or a scalar wrapped in a Value.
//
// This mirrors the teacher's Node interface (one small method set,
// exhaustive type switch in callers) but generalizes the node set from
// the teacher's con/val/obj/str hierarchy to the spec's Map/List/Text
// objects, each of which retains a full conflict set rather than a
// single LWW winner.
type Node interface {
	// ID returns the OpID of the operation that created this node.
	ID() common.OpID

	// Value returns the node's materialised value: a map[string]interface{}
	// for Map, a []interface{} for List, a string for Text, or the plain
	// Go scalar for a leaf value.
	Value() interface{}
}

// Value wraps a materialised scalar (string, bool, float64, int64, nil,
// or []byte) together with the OpID that wrote it; counters are held by
// the separate Counter node instead. It is
// the losing-or-winning entry inside a conflict set.
type Value struct {
	Op  common.OpID
	Raw interface{}
}

func (v *Value) ID() common.OpID    { return v.Op }
func (v *Value) Value() interface{} { return v.Raw }

// Counter is the commutative increment-only (and decrement-capable)
// scalar datatype: its materialised value is the sum of every inc op
// that has targeted it, independent of application order.
type Counter struct {
	op   common.OpID
	base int64
	delta int64
}

func (c *Counter) ID() common.OpID    { return c.op }
func (c *Counter) Value() interface{} { return c.base + c.delta }

// applyInc folds one increment into the counter's running total.
func (c *Counter) applyInc(amount int64) {
	c.delta += amount
}
