package crdtpatch

import (
	"sort"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pkg/errors"

	"opdoc/common"
	"opdoc/crdt"
)

var log = logging.Logger("opdoc/crdtpatch")

// OpLog is the append-only, content-addressed change log and causal
// index (§4.1): it decides when a change is safe to apply to the
// materialiser, buffers changes that arrive before their dependencies,
// and tracks the current frontier ("heads") of the causal DAG. This
// replaces the teacher's state-clock model (no hashing, no DAG) with
// the spec's hash-chained one, while keeping the teacher's general
// shape of "a log object wraps a crdt.Document and mediates every
// mutation through it."
type OpLog struct {
	doc *crdt.Document

	// changes indexes every applied change by its hash.
	changes map[common.ChangeHash]*Change
	// pending holds changes that arrived before one or more Deps were
	// present; ApplyChange retries them (and whatever they unblock)
	// each time a new change is successfully applied.
	pending map[common.ChangeHash]*Change
	// heads is the current frontier: hashes of applied changes that no
	// other applied change names as a dependency.
	heads map[common.ChangeHash]struct{}
	// seqByActor tracks the highest Seq applied for each actor, so
	// ApplyChange can reject a change that arrives out of its own
	// actor's sequence.
	seqByActor map[common.ActorID]uint64
	// opCounterByActor tracks, per actor, one past the highest Op
	// counter consumed across every applied change, so a new local
	// transaction knows what counter to start its own ops from.
	opCounterByActor map[common.ActorID]uint64
}

// NewOpLog creates an OpLog backed by a fresh document.
func NewOpLog() *OpLog {
	return &OpLog{
		doc:              crdt.NewDocument(),
		changes:          make(map[common.ChangeHash]*Change),
		pending:          make(map[common.ChangeHash]*Change),
		heads:            make(map[common.ChangeHash]struct{}),
		seqByActor:       make(map[common.ActorID]uint64),
		opCounterByActor: make(map[common.ActorID]uint64),
	}
}

// Document returns the materialised document this log feeds.
func (l *OpLog) Document() *crdt.Document { return l.doc }

// ApplyChange applies a change if its dependencies are already present
// and its Seq is the next one for its actor, buffering it otherwise.
// Applying a change is idempotent: reapplying an already-applied hash
// is a no-op, which lets callers retry freely after a transient sync
// failure.
func (l *OpLog) ApplyChange(c *Change) error {
	hash, err := c.Hash()
	if err != nil {
		return errors.Wrap(err, "hashing change")
	}
	if _, ok := l.changes[hash]; ok {
		return nil // already applied
	}
	if !l.depsSatisfied(c) || !l.seqContiguous(c) {
		l.pending[hash] = c
		log.Debugw("buffering change", "hash", hash.String(), "actor", c.Actor.String(), "seq", c.Seq)
		return nil
	}
	if err := l.applyNow(hash, c); err != nil {
		return err
	}
	l.drainPending()
	return nil
}

// ApplyChangeStrict is ApplyChange for callers that would rather fail
// than buffer: a change whose dependencies are absent returns
// common.ErrMissingDeps naming them, and a change that skips ahead in
// its actor's own sequence returns common.ErrOutOfOrder. Nothing is
// buffered on either failure.
func (l *OpLog) ApplyChangeStrict(c *Change) error {
	hash, err := c.Hash()
	if err != nil {
		return errors.Wrap(err, "hashing change")
	}
	if _, ok := l.changes[hash]; ok {
		return nil
	}
	if missing := l.missingDeps(c); len(missing) > 0 {
		return common.ErrMissingDeps{Hash: hash, Missing: missing}
	}
	if !l.seqContiguous(c) {
		return common.ErrOutOfOrder{Hash: hash}
	}
	if err := l.applyNow(hash, c); err != nil {
		return err
	}
	l.drainPending()
	return nil
}

func (l *OpLog) depsSatisfied(c *Change) bool {
	for _, dep := range c.Deps {
		if _, ok := l.changes[dep]; !ok {
			return false
		}
	}
	return true
}

func (l *OpLog) missingDeps(c *Change) []common.ChangeHash {
	var out []common.ChangeHash
	for _, dep := range c.Deps {
		if _, ok := l.changes[dep]; !ok {
			out = append(out, dep)
		}
	}
	return out
}

// seqContiguous reports whether c is the next change in its actor's own
// sequence. Seq numbers start at 1 and never skip, so a gap means an
// earlier change from the same actor hasn't arrived yet.
func (l *OpLog) seqContiguous(c *Change) bool {
	return c.Seq == l.seqByActor[c.Actor]+1
}

// applyNow replays a change's ops against the document and updates the
// causal index. It assumes deps are already satisfied.
func (l *OpLog) applyNow(hash common.ChangeHash, c *Change) error {
	for _, op := range c.Ops {
		if err := l.doc.ApplyOp(op); err != nil {
			return errors.Wrapf(err, "applying op %s", op.ID)
		}
	}
	l.changes[hash] = c
	for _, dep := range c.Deps {
		delete(l.heads, dep)
	}
	l.heads[hash] = struct{}{}
	l.advanceCounters(c)
	return nil
}

// advanceCounters updates the per-actor Seq and Op-counter high-water
// marks after a change lands, regardless of which path applied it.
func (l *OpLog) advanceCounters(c *Change) {
	if c.Seq > l.seqByActor[c.Actor] {
		l.seqByActor[c.Actor] = c.Seq
	}
	next := c.StartOp + uint64(len(c.Ops))
	if next > l.opCounterByActor[c.Actor] {
		l.opCounterByActor[c.Actor] = next
	}
}

// drainPending repeatedly scans the pending set for changes whose
// dependencies are now satisfied, applying a fixpoint so a chain of
// several buffered changes resolves in one call once the root
// dependency finally arrives.
func (l *OpLog) drainPending() {
	for {
		progressed := false
		for hash, c := range l.pending {
			if l.depsSatisfied(c) && l.seqContiguous(c) {
				delete(l.pending, hash)
				if err := l.applyNow(hash, c); err != nil {
					log.Warnw("dropping unresolvable pending change", "hash", hash.String(), "err", err)
					continue
				}
				progressed = true
			}
		}
		if !progressed {
			return
		}
	}
}

// RecordLocalChange indexes a change whose ops have already been applied
// directly to this log's document (the pattern crdtedit transactions use:
// mutate the live document, then hand back the Change describing what
// happened). It updates the causal index exactly like applyNow without
// replaying the ops a second time. The caller is responsible for only
// passing changes built from this log's own current heads.
func (l *OpLog) RecordLocalChange(c *Change) (common.ChangeHash, error) {
	hash, err := c.Hash()
	if err != nil {
		return common.ChangeHash{}, errors.Wrap(err, "hashing change")
	}
	if _, ok := l.changes[hash]; ok {
		return hash, nil
	}
	l.changes[hash] = c
	for _, dep := range c.Deps {
		delete(l.heads, dep)
	}
	l.heads[hash] = struct{}{}
	l.advanceCounters(c)
	return hash, nil
}

// GetHeads returns the current causal frontier: the hashes of every
// applied change that nothing else applied depends on.
func (l *OpLog) GetHeads() []common.ChangeHash {
	out := make([]common.ChangeHash, 0, len(l.heads))
	for h := range l.heads {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// GetChanges returns every applied change, in an order consistent with
// causal dependency (a change never appears before one of its deps).
func (l *OpLog) GetChanges() []*Change {
	seen := make(map[common.ChangeHash]bool, len(l.changes))
	var out []*Change
	var visit func(h common.ChangeHash)
	visit = func(h common.ChangeHash) {
		if seen[h] {
			return
		}
		c, ok := l.changes[h]
		if !ok {
			return
		}
		seen[h] = true
		for _, dep := range c.Deps {
			visit(dep)
		}
		out = append(out, c)
	}
	hashes := make([]common.ChangeHash, 0, len(l.changes))
	for h := range l.changes {
		hashes = append(hashes, h)
	}
	sort.Slice(hashes, func(i, j int) bool { return hashes[i].String() < hashes[j].String() })
	for _, h := range hashes {
		visit(h)
	}
	return out
}

// GetChangesSince returns the changes a peer whose heads are `have`
// still needs: everything applied here that is not an ancestor of any
// hash in have, in an order consistent with causal dependency. Hashes
// in have that this log has never seen are ignored, so a peer ahead of
// us on some other branch doesn't suppress the changes it does need.
func (l *OpLog) GetChangesSince(have []common.ChangeHash) []*Change {
	known := l.ancestors(have)
	var out []*Change
	for _, c := range l.GetChanges() {
		hash, err := c.Hash()
		if err != nil {
			continue
		}
		if !known[hash] {
			out = append(out, c)
		}
	}
	return out
}

// Has reports whether a change with the given hash has already been
// applied.
func (l *OpLog) Has(hash common.ChangeHash) bool {
	_, ok := l.changes[hash]
	return ok
}

// GetChange returns the applied change with the given hash, if present.
func (l *OpLog) GetChange(hash common.ChangeHash) (*Change, bool) {
	c, ok := l.changes[hash]
	return c, ok
}

// PendingCount returns the number of changes buffered on unmet
// dependencies, mostly useful for tests and diagnostics.
func (l *OpLog) PendingCount() int {
	return len(l.pending)
}

// MissingDeps returns the dependency hashes the buffered pending
// changes are stuck waiting on: referenced by a pending change, not
// applied, and not themselves in the pending buffer. A syncing peer
// includes these in its "need" list so a Bloom false positive on an
// interior change can never stall convergence.
func (l *OpLog) MissingDeps() []common.ChangeHash {
	pendingHashes := make(map[common.ChangeHash]bool, len(l.pending))
	for h := range l.pending {
		pendingHashes[h] = true
	}
	seen := make(map[common.ChangeHash]bool)
	var out []common.ChangeHash
	for _, c := range l.pending {
		for _, dep := range c.Deps {
			if seen[dep] || pendingHashes[dep] {
				continue
			}
			seen[dep] = true
			if !l.Has(dep) {
				out = append(out, dep)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// NextSeq returns the next Seq number this actor should use for its
// next change.
func (l *OpLog) NextSeq(actor common.ActorID) uint64 {
	return l.seqByActor[actor] + 1
}

// NextOpCounter returns the next Op counter this actor should start a
// new transaction's ops from.
func (l *OpLog) NextOpCounter(actor common.ActorID) uint64 {
	return l.opCounterByActor[actor]
}

// Fork creates a new OpLog with a fresh ActorID-independent copy of
// every applied change, replayed from scratch into a new document. The
// fork shares no mutable state with the original, so edits to either
// never affect the other until changes are explicitly merged back.
func (l *OpLog) Fork() *OpLog {
	fresh := NewOpLog()
	for _, c := range l.GetChanges() {
		// Errors are impossible here: these changes already applied
		// successfully once, against an identical empty starting
		// document, in an order that already satisfies their deps.
		_ = fresh.ApplyChange(c)
	}
	return fresh
}

// Diff returns the net patch between two head-sets (§4.2): every op
// introduced by a change reachable from headsTo but not from headsFrom,
// in dependency order. Applying the result to the materialised value at
// headsFrom reproduces the value at headsTo. Both head-sets must name
// changes already present in this log.
func (l *OpLog) Diff(headsFrom, headsTo []common.ChangeHash) (crdt.Patch, error) {
	exclude := l.ancestors(headsFrom)

	var ops []crdt.Op
	seen := make(map[common.ChangeHash]bool)
	var visit func(h common.ChangeHash) error
	visit = func(h common.ChangeHash) error {
		if seen[h] || exclude[h] {
			return nil
		}
		c, ok := l.changes[h]
		if !ok {
			return errors.Errorf("diff: unknown change %s", h.String())
		}
		seen[h] = true
		for _, dep := range c.Deps {
			if err := visit(dep); err != nil {
				return err
			}
		}
		ops = append(ops, c.Ops...)
		return nil
	}

	sortedTo := append([]common.ChangeHash(nil), headsTo...)
	sort.Slice(sortedTo, func(i, j int) bool { return sortedTo[i].String() < sortedTo[j].String() })
	for _, h := range sortedTo {
		if err := visit(h); err != nil {
			return crdt.Patch{}, err
		}
	}
	return crdt.Patch{Ops: ops}, nil
}

// ancestors returns the hashes of every change reachable (by Deps) from
// the given head-set, including the heads themselves.
func (l *OpLog) ancestors(heads []common.ChangeHash) map[common.ChangeHash]bool {
	seen := make(map[common.ChangeHash]bool)
	var visit func(h common.ChangeHash)
	visit = func(h common.ChangeHash) {
		if seen[h] {
			return
		}
		c, ok := l.changes[h]
		if !ok {
			return
		}
		seen[h] = true
		for _, dep := range c.Deps {
			visit(dep)
		}
	}
	for _, h := range heads {
		visit(h)
	}
	return seen
}

// Merge applies every change from other that this log hasn't seen yet.
// Because changes are idempotent and content-addressed, Merge can be
// called repeatedly or concurrently from either side without risk of
// duplicating state.
func (l *OpLog) Merge(other *OpLog) error {
	for _, c := range other.GetChanges() {
		if err := l.ApplyChange(c); err != nil {
			return err
		}
	}
	return nil
}
