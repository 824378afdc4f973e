// Package crdtedit implements the local edit context (§4.3): a
// transactional façade over a crdt.Document that lets application code
// read and write the document with ordinary Go method calls, while
// every mutation is also recorded as an Op so it can be shipped to
// peers as a Change once the transaction commits.
//
// The proxy design is grounded directly in automerge-py's
// ReadProxy/WriteProxy (original_source/src/automerge/document.py):
// a handle is just a (transaction, object id) pair that resolves the
// live object fresh on every call, rather than caching a pointer into
// the document tree. That is what lets a rolled-back transaction swap
// the underlying document state out from under a handle without
// leaving the handle pointing at stale or freed memory — the next call
// just resolves against whatever state is current.
package crdtedit

import (
	logging "github.com/ipfs/go-log/v2"

	"opdoc/common"
	"opdoc/crdt"
	"opdoc/crdtpatch"
)

var log = logging.Logger("opdoc/crdtedit")

// Transaction is a single local edit: a sequence of operations applied
// immediately to the live document (so later reads in the same
// transaction see earlier writes) but only turned into a durable
// Change when Commit succeeds.
type Transaction struct {
	doc     *crdt.Document
	builder *crdtpatch.PatchBuilder
	actor   common.ActorID
	seq     uint64

	// snapshot holds a pre-mutation clone of doc, created lazily on
	// the first write (copy-on-first-write) so that Rollback can
	// restore it. A read-only transaction never allocates one.
	snapshot *crdt.Document
	done     bool
}

// Begin opens a new transaction against doc. It returns
// common.ErrNestedTransaction if a transaction is already open, since
// this package only supports one in-flight transaction per document at
// a time (matching the teacher's single activeTransaction field on its
// Document wrapper).
func Begin(doc *crdt.Document, actor common.ActorID, startOp, seq uint64, active *bool) (*Transaction, error) {
	if active != nil && *active {
		return nil, common.ErrNestedTransaction{}
	}
	if active != nil {
		*active = true
	}
	return &Transaction{
		doc:     doc,
		builder: crdtpatch.NewPatchBuilder(actor, startOp),
		actor:   actor,
		seq:     seq,
	}, nil
}

// Root returns a handle onto the document's root map.
func (tx *Transaction) Root() *MapHandle {
	return &MapHandle{tx: tx, id: common.RootID}
}

// snapshotOnce clones the live document the first time any handle is
// about to mutate it.
func (tx *Transaction) snapshotOnce() {
	if tx.snapshot == nil {
		tx.snapshot = tx.doc.Clone()
	}
}

// apply immediately materialises an op against the live document (so
// the transaction observes its own writes) and queues it for the
// eventual Change.
func (tx *Transaction) apply(op crdt.Op) (common.OpID, error) {
	tx.snapshotOnce()
	id := tx.builder.Add(op)
	op.ID = id
	if err := tx.doc.ApplyOp(op); err != nil {
		return common.OpID{}, err
	}
	return id, nil
}

// Rollback discards every operation queued so far and restores the
// document to the state it had when the transaction began. Handles
// obtained from this transaction remain valid afterward: they resolve
// by id against whatever document state tx currently points at, and
// Rollback just swaps that state back.
func (tx *Transaction) Rollback() {
	if tx.done {
		return
	}
	if tx.snapshot != nil {
		*tx.doc = *tx.snapshot
	}
	tx.done = true
	log.Debugw("transaction rolled back", "actor", tx.actor.String(), "seq", tx.seq)
}

// Commit finalizes the transaction, returning the Change to append to
// an OpLog (or nil if nothing was written). message and timeMillis are
// stamped onto the Change as provided; deps should normally be the
// OpLog's current heads at the time the transaction began.
func (tx *Transaction) Commit(timeMillis int64, message string, deps []common.ChangeHash) *crdtpatch.Change {
	tx.done = true
	change := tx.builder.Flush(tx.seq, timeMillis, message, deps)
	if change != nil {
		log.Debugw("transaction committed", "actor", tx.actor.String(), "seq", change.Seq, "ops", len(change.Ops))
	}
	return change
}
