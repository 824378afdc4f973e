package crdtpatch

import (
	"encoding/json"

	"opdoc/common"
	"opdoc/crdt"
)

// Change is the atomic, hashed bundle of operations that travels
// between replicas: one actor's seq-numbered contribution to the
// document, naming the changes it causally depends on. This is the
// spec's Change type; it generalizes the teacher's verbose Patch{id,
// metadata, operations} (crdtpatch/patch.go) by adding actor/seq
// numbering, a causal Deps list, and a content hash, none of which the
// teacher's session-clock model needed.
type Change struct {
	// Actor is the writer that authored this change.
	Actor common.ActorID `json:"actor"`
	// Seq is this change's 1-based position in Actor's own change
	// sequence; Actor's changes must be applied in Seq order.
	Seq uint64 `json:"seq"`
	// StartOp is the Counter assigned to Ops[0]; subsequent ops within
	// the change take consecutive counters, so a single Seq/StartOp
	// pair addresses the whole batch without repeating every op's id.
	StartOp uint64 `json:"startOp"`
	// Time is a client-supplied wall-clock timestamp, milliseconds
	// since the Unix epoch. Resolves the spec's open question in favor
	// of a plain epoch-millis integer: simplest wire representation,
	// and what every timestamp elsewhere in the pack (e.g. the
	// teacher's transaction markers) already uses.
	Time int64 `json:"time"`
	// Message is an optional human-readable commit message.
	Message string `json:"message,omitempty"`
	// Deps names the changes this one was built on top of, forming the
	// causal DAG. A change with no deps is a root change (normally only
	// the very first change to a fresh document).
	Deps []common.ChangeHash `json:"deps,omitempty"`
	// Ops is the ordered list of operations this change applies. Each
	// op's ID.Actor must equal Actor, and ID.Counter must fall within
	// [StartOp, StartOp+len(Ops)).
	Ops []crdt.Op `json:"ops"`
}

// assignOpIDs numbers every op in this change from StartOp, filling in
// Op.ID before the change is hashed.
func (c *Change) assignOpIDs() {
	for i := range c.Ops {
		c.Ops[i].ID = common.OpID{Counter: c.StartOp + uint64(i), Actor: c.Actor}
	}
}

// Hash computes the content hash of this change's canonical encoding.
// Changes are content-addressed: two changes with identical actor,
// seq, startOp, time, message, deps and ops always hash identically,
// which is what lets Deps reference a change by hash instead of by a
// coordinated sequence number.
func (c *Change) Hash() (common.ChangeHash, error) {
	raw, err := c.canonicalBytes()
	if err != nil {
		return common.ChangeHash{}, err
	}
	return common.HashBytes(raw), nil
}

// canonicalBytes renders the change as the deterministic byte sequence
// that is hashed and stored. Plain json.Marshal over a fixed-order
// struct already yields deterministic output, since Go emits object
// fields in declaration order and Change has no map-typed fields.
func (c *Change) canonicalBytes() ([]byte, error) {
	return json.Marshal(c)
}

// LastOp returns the OpID of the final operation in this change, used
// as the change's own identity when another change's Ops reference one
// of its operations directly (e.g. a Del targeting an Elem it created).
func (c *Change) LastOp() common.OpID {
	if len(c.Ops) == 0 {
		return common.OpID{Counter: c.StartOp, Actor: c.Actor}
	}
	return c.Ops[len(c.Ops)-1].ID
}
