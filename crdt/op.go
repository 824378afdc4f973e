package crdt

import (
	"encoding/json"

	"opdoc/common"
)

// Op is a single atomic mutation, the unit the materialiser applies one
// at a time. Ops never travel alone on the wire: they are always bundled
// into a Change (see package crdtpatch) which gives them their ID and
// causal context. The materialiser only needs the fields below to apply
// one.
type Op struct {
	// ID is the OpID this operation was assigned when its enclosing
	// Change was appended to the log.
	ID common.OpID `json:"id"`

	// Action names what this operation does.
	Action common.Action `json:"action"`

	// Obj is the id of the object this operation targets: the map or
	// list/text being mutated. Zero value means the root map.
	Obj common.OpID `json:"obj"`

	// Key addresses a map entry. Only meaningful when Obj is a map.
	Key string `json:"key,omitempty"`

	// Elem addresses a list/text element by the OpID that inserted it
	// (del and the start of a mark), or, for inc, the counter to
	// increment by the OpID that created it.
	Elem common.OpID `json:"elem,omitempty"`

	// After is the element OpID this insertion is placed after within
	// its sequence (zero value means "at the head"). Only meaningful
	// for Action == ActionIns.
	After common.OpID `json:"after,omitempty"`

	// Pred names the op-ids this operation overwrites or deletes: the
	// entries a Set/MakeXxx op removes from the target slot's conflict
	// set before installing its own value, or the entries a Del op
	// removes outright. Empty on an op that observed an empty slot
	// (e.g. the first write to a fresh key).
	Pred []common.OpID `json:"pred,omitempty"`

	// Value carries the scalar payload for Set/Ins/Inc.
	Value interface{} `json:"value,omitempty"`

	// ScalarType disambiguates the dynamic type of Value (needed because
	// JSON collapses int/float, and because counters are a distinct
	// scalar kind from plain numbers).
	ScalarType common.ScalarType `json:"scalarType,omitempty"`

	// MarkEnd is the closing element OpID of a mark range. Only
	// meaningful for Action == ActionMark.
	MarkEnd common.OpID `json:"markEnd,omitempty"`
	// MarkExpand controls which boundary the mark grows to include.
	MarkExpand common.ExpandPolicy `json:"markExpand,omitempty"`
	// MarkAttr names the formatting attribute a mark applies.
	MarkAttr string `json:"markAttr,omitempty"`
}

// MarshalJSON encodes the operation by its struct tags. omitempty drops
// empty strings, slices and nil values, but the OpID-valued Elem, After
// and MarkEnd fields are always written, zero or not, because
// encoding/json never treats a struct value as empty.
func (o Op) MarshalJSON() ([]byte, error) {
	type alias Op
	return json.Marshal(alias(o))
}
