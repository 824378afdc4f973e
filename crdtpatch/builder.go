package crdtpatch

import (
	"opdoc/common"
	"opdoc/crdt"
)

// PatchBuilder accumulates operations for a single actor and flushes
// them into a Change. It mirrors the teacher's PatchBuilder (a running
// counter plus a pending-operations slice, flushed into a Patch) but
// targets the spec's Change/Op model: Add gives each op its final id,
// StartOp plus the op's position in the batch, so the ops of one Change
// carry contiguous counters and Flush hands them over unchanged.
type PatchBuilder struct {
	actor   common.ActorID
	startOp uint64
	ops     []crdt.Op
}

// NewPatchBuilder creates a builder for the given actor, with the next
// op counter this actor should use (typically OpLog.NextSeq's
// companion counter value, tracked by the caller).
func NewPatchBuilder(actor common.ActorID, startOp uint64) *PatchBuilder {
	return &PatchBuilder{actor: actor, startOp: startOp}
}

// NextID returns the OpID the next Add will assign, without reserving it.
func (b *PatchBuilder) NextID() common.OpID {
	return common.OpID{Counter: b.startOp + uint64(len(b.ops)), Actor: b.actor}
}

// Add appends an operation, assigning it the next OpID in this
// builder's sequence and returning that id for the caller to reference
// from subsequent ops (e.g. the new object id a MakeMap. produces).
func (b *PatchBuilder) Add(op crdt.Op) common.OpID {
	op.ID = b.NextID()
	b.ops = append(b.ops, op)
	return op.ID
}

// MakeMap queues creation of a new map object under obj/key (or
// obj/after for a list parent) and returns its new id.
func (b *PatchBuilder) MakeMap(obj common.OpID, key string, after common.OpID) common.OpID {
	return b.Add(crdt.Op{Action: common.ActionMakeMap, Obj: obj, Key: key, After: after})
}

// MakeList queues creation of a new list object.
func (b *PatchBuilder) MakeList(obj common.OpID, key string, after common.OpID) common.OpID {
	return b.Add(crdt.Op{Action: common.ActionMakeList, Obj: obj, Key: key, After: after})
}

// MakeText queues creation of a new text object.
func (b *PatchBuilder) MakeText(obj common.OpID, key string, after common.OpID) common.OpID {
	return b.Add(crdt.Op{Action: common.ActionMakeText, Obj: obj, Key: key, After: after})
}

// Set queues a scalar assignment to a map key, replacing pred (the
// op-ids this write observed and overwrites) in the key's conflict set.
func (b *PatchBuilder) Set(obj common.OpID, key string, value interface{}, pred []common.OpID) common.OpID {
	return b.Add(crdt.Op{Action: common.ActionSet, Obj: obj, Key: key, Value: value, Pred: pred})
}

// SetCounter queues creation of a new counter scalar at a map key.
func (b *PatchBuilder) SetCounter(obj common.OpID, key string, initial int64, pred []common.OpID) common.OpID {
	return b.Add(crdt.Op{Action: common.ActionSet, Obj: obj, Key: key, Value: initial, ScalarType: common.ScalarCounter, Pred: pred})
}

// Inc queues an increment of an existing counter.
func (b *PatchBuilder) Inc(counter common.OpID, amount int64) common.OpID {
	return b.Add(crdt.Op{Action: common.ActionInc, Elem: counter, Value: amount})
}

// InsertListValue queues insertion of a scalar into a list after the
// given element (zero OpID for the head).
func (b *PatchBuilder) InsertListValue(list common.OpID, after common.OpID, value interface{}) common.OpID {
	return b.Add(crdt.Op{Action: common.ActionIns, Obj: list, After: after, Value: value})
}

// InsertChar queues insertion of a single character into a text object.
func (b *PatchBuilder) InsertChar(text common.OpID, after common.OpID, r rune) common.OpID {
	return b.Add(crdt.Op{Action: common.ActionIns, Obj: text, After: after, Value: string(r)})
}

// DeleteMapKey queues removal of every op-id in pred from a map key's
// conflict set.
func (b *PatchBuilder) DeleteMapKey(obj common.OpID, key string, pred []common.OpID) common.OpID {
	return b.Add(crdt.Op{Action: common.ActionDel, Obj: obj, Key: key, Pred: pred})
}

// DeleteElem queues tombstoning a list or text element.
func (b *PatchBuilder) DeleteElem(obj common.OpID, target common.OpID) common.OpID {
	return b.Add(crdt.Op{Action: common.ActionDel, Obj: obj, Elem: target})
}

// Mark queues a formatting range over [start, end] in a text object.
func (b *PatchBuilder) Mark(text common.OpID, start, end common.OpID, attr string, value interface{}, expand common.ExpandPolicy) common.OpID {
	return b.Add(crdt.Op{Action: common.ActionMark, Obj: text, Elem: start, MarkEnd: end, MarkAttr: attr, Value: value, MarkExpand: expand})
}

// Ops returns the accumulated operations without clearing them.
func (b *PatchBuilder) Ops() []crdt.Op {
	return append([]crdt.Op(nil), b.ops...)
}

// Empty reports whether any operations have been queued.
func (b *PatchBuilder) Empty() bool {
	return len(b.ops) == 0
}

// Flush builds a Change from every queued operation and clears the
// builder, ready for the next batch. Returns nil if nothing was queued.
func (b *PatchBuilder) Flush(seq uint64, timeMillis int64, message string, deps []common.ChangeHash) *Change {
	if len(b.ops) == 0 {
		return nil
	}
	c := &Change{
		Actor:   b.actor,
		Seq:     seq,
		StartOp: b.startOp,
		Time:    timeMillis,
		Message: message,
		Deps:    deps,
		Ops:     b.ops,
	}
	b.startOp += uint64(len(b.ops))
	b.ops = nil
	return c
}
