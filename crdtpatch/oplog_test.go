package crdtpatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opdoc/common"
	"opdoc/crdt"
)

func change(actor common.ActorID, seq, startOp uint64, deps []common.ChangeHash, ops ...crdt.Op) *Change {
	c := &Change{Actor: actor, Seq: seq, StartOp: startOp, Time: 1000 + int64(seq), Deps: deps, Ops: ops}
	c.assignOpIDs()
	return c
}

func hashOf(t *testing.T, c *Change) common.ChangeHash {
	h, err := c.Hash()
	require.NoError(t, err)
	return h
}

func TestApplyChangeInOrder(t *testing.T) {
	actor := common.NewActorID()
	log := NewOpLog()

	c1 := change(actor, 1, 1, nil, crdt.Op{Action: common.ActionSet, Obj: common.RootID, Key: "k", Value: "v1"})
	require.NoError(t, log.ApplyChange(c1))

	view := log.Document().View().(map[string]interface{})
	assert.Equal(t, "v1", view["k"])
	assert.Equal(t, 0, log.PendingCount())
}

func TestApplyChangeBuffersOutOfOrder(t *testing.T) {
	actor := common.NewActorID()
	log := NewOpLog()

	c1 := change(actor, 1, 1, nil, crdt.Op{Action: common.ActionSet, Obj: common.RootID, Key: "k", Value: "v1"})
	h1 := hashOf(t, c1)
	c2 := change(actor, 2, 2, []common.ChangeHash{h1}, crdt.Op{Action: common.ActionSet, Obj: common.RootID, Key: "k2", Value: "v2"})

	// c2 arrives before c1: it should buffer, not error or apply early.
	require.NoError(t, log.ApplyChange(c2))
	assert.Equal(t, 1, log.PendingCount())
	view := log.Document().View().(map[string]interface{})
	assert.NotContains(t, view, "k2")

	require.NoError(t, log.ApplyChange(c1))
	assert.Equal(t, 0, log.PendingCount(), "c2 should drain once c1 lands")
	view = log.Document().View().(map[string]interface{})
	assert.Equal(t, "v1", view["k"])
	assert.Equal(t, "v2", view["k2"])
}

func TestApplyChangeIsIdempotent(t *testing.T) {
	actor := common.NewActorID()
	log := NewOpLog()
	c1 := change(actor, 1, 1, nil, crdt.Op{Action: common.ActionSet, Obj: common.RootID, Key: "k", Value: "v1"})

	require.NoError(t, log.ApplyChange(c1))
	require.NoError(t, log.ApplyChange(c1))
	assert.Len(t, log.GetChanges(), 1)
}

func TestGetHeadsAdvancesPastDeps(t *testing.T) {
	actor := common.NewActorID()
	log := NewOpLog()
	c1 := change(actor, 1, 1, nil, crdt.Op{Action: common.ActionSet, Obj: common.RootID, Key: "a", Value: 1})
	h1 := hashOf(t, c1)
	require.NoError(t, log.ApplyChange(c1))
	assert.Equal(t, []common.ChangeHash{h1}, log.GetHeads())

	c2 := change(actor, 2, 2, []common.ChangeHash{h1}, crdt.Op{Action: common.ActionSet, Obj: common.RootID, Key: "b", Value: 2})
	h2 := hashOf(t, c2)
	require.NoError(t, log.ApplyChange(c2))
	assert.Equal(t, []common.ChangeHash{h2}, log.GetHeads())
}

func TestForkAndMergeConverge(t *testing.T) {
	a1 := common.NewActorID()
	a2 := common.NewActorID()
	base := NewOpLog()
	c1 := change(a1, 1, 1, nil, crdt.Op{Action: common.ActionSet, Obj: common.RootID, Key: "k", Value: "base"})
	require.NoError(t, base.ApplyChange(c1))

	replica1 := base.Fork()
	replica2 := base.Fork()

	h1 := hashOf(t, c1)
	cA := change(a1, 2, 2, []common.ChangeHash{h1}, crdt.Op{Action: common.ActionSet, Obj: common.RootID, Key: "from1", Value: true})
	require.NoError(t, replica1.ApplyChange(cA))

	cB := change(a2, 1, 2, []common.ChangeHash{h1}, crdt.Op{Action: common.ActionSet, Obj: common.RootID, Key: "from2", Value: true})
	require.NoError(t, replica2.ApplyChange(cB))

	require.NoError(t, replica1.Merge(replica2))
	require.NoError(t, replica2.Merge(replica1))

	v1 := replica1.Document().View().(map[string]interface{})
	v2 := replica2.Document().View().(map[string]interface{})
	assert.Equal(t, v1, v2, "both replicas must converge to the same state")
	assert.Equal(t, true, v1["from1"])
	assert.Equal(t, true, v1["from2"])
}

func TestDiffReproducesTargetValue(t *testing.T) {
	actor := common.NewActorID()
	log := NewOpLog()

	c1 := change(actor, 1, 1, nil, crdt.Op{Action: common.ActionSet, Obj: common.RootID, Key: "a", Value: "1"})
	require.NoError(t, log.ApplyChange(c1))
	h1 := hashOf(t, c1)
	headsFrom := log.GetHeads()

	c2 := change(actor, 2, 2, []common.ChangeHash{h1}, crdt.Op{Action: common.ActionSet, Obj: common.RootID, Key: "b", Value: "2"})
	require.NoError(t, log.ApplyChange(c2))
	c3 := change(actor, 3, 3, []common.ChangeHash{hashOf(t, c2)}, crdt.Op{Action: common.ActionSet, Obj: common.RootID, Key: "c", Value: "3"})
	require.NoError(t, log.ApplyChange(c3))
	headsTo := log.GetHeads()

	patch, err := log.Diff(headsFrom, headsTo)
	require.NoError(t, err)
	assert.Len(t, patch.Ops, 2, "diff should only carry the ops from c2 and c3")

	// Replaying the patch against a document holding only the value at
	// headsFrom must reproduce the value at headsTo, byte-identically.
	fromDoc := crdt.NewDocument()
	require.NoError(t, fromDoc.ApplyOp(c1.Ops[0]))
	require.NoError(t, fromDoc.ApplyPatch(patch))

	assert.Equal(t, log.Document().View(), fromDoc.View())
}

func TestDiffWithSameHeadsIsEmpty(t *testing.T) {
	actor := common.NewActorID()
	log := NewOpLog()
	c1 := change(actor, 1, 1, nil, crdt.Op{Action: common.ActionSet, Obj: common.RootID, Key: "a", Value: "1"})
	require.NoError(t, log.ApplyChange(c1))
	heads := log.GetHeads()

	patch, err := log.Diff(heads, heads)
	require.NoError(t, err)
	assert.Empty(t, patch.Ops)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	actor := common.NewActorID()
	log := NewOpLog()
	c1 := change(actor, 1, 1, nil, crdt.Op{Action: common.ActionSet, Obj: common.RootID, Key: "k", Value: "v1"})
	require.NoError(t, log.ApplyChange(c1))
	h1 := hashOf(t, c1)
	c2 := change(actor, 2, 2, []common.ChangeHash{h1}, crdt.Op{Action: common.ActionSet, Obj: common.RootID, Key: "k2", Value: "v2"})
	require.NoError(t, log.ApplyChange(c2))

	data, err := log.Save()
	require.NoError(t, err)

	loaded := NewOpLog()
	require.NoError(t, loaded.Load(data))

	assert.Equal(t, log.Document().View(), loaded.Document().View())
	assert.Equal(t, log.GetHeads(), loaded.GetHeads())
}
