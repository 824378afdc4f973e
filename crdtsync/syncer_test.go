package crdtsync

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opdoc/common"
	"opdoc/crdt"
	"opdoc/crdtpatch"
)

// runSync drives the symmetric exchange between two logs until neither
// side produces a message, returning the number of messages exchanged.
// The round bound exists only to fail fast if termination regresses.
func runSync(t *testing.T, a, b *crdtpatch.OpLog) int {
	t.Helper()
	stateA := NewSyncState()
	stateB := NewSyncState()

	exchanged := 0
	for round := 0; round < 20; round++ {
		msgA, err := GenerateSyncMessage(a, stateA)
		require.NoError(t, err)
		if msgA != nil {
			exchanged++
			// Messages cross the wire in binary form.
			raw, err := EncodeSyncMessage(msgA)
			require.NoError(t, err)
			decoded, err := DecodeSyncMessage(raw)
			require.NoError(t, err)
			require.NoError(t, ReceiveSyncMessage(b, stateB, decoded))
		}

		msgB, err := GenerateSyncMessage(b, stateB)
		require.NoError(t, err)
		if msgB != nil {
			exchanged++
			raw, err := EncodeSyncMessage(msgB)
			require.NoError(t, err)
			decoded, err := DecodeSyncMessage(raw)
			require.NoError(t, err)
			require.NoError(t, ReceiveSyncMessage(a, stateA, decoded))
		}

		if msgA == nil && msgB == nil {
			return exchanged
		}
	}
	t.Fatal("sync did not terminate within the round bound")
	return exchanged
}

func TestSyncToEmptyPeer(t *testing.T) {
	actor := common.NewActorID()
	a := crdtpatch.NewOpLog()

	var prev []common.ChangeHash
	for i := 0; i < 10; i++ {
		c := change(actor, uint64(i+1), uint64(i+1), prev,
			crdt.Op{Action: common.ActionSet, Obj: common.RootID, Key: fmt.Sprintf("key%d", i), Value: int64(i)})
		require.NoError(t, a.ApplyChange(c))
		h, err := c.Hash()
		require.NoError(t, err)
		prev = []common.ChangeHash{h}
	}

	b := crdtpatch.NewOpLog()
	runSync(t, a, b)

	assert.Equal(t, a.GetHeads(), b.GetHeads())

	saveA, err := a.Save()
	require.NoError(t, err)
	saveB, err := b.Save()
	require.NoError(t, err)
	assert.Equal(t, saveA, saveB, "converged replicas must serialize identically")
}

func TestSyncBothSidesDiverged(t *testing.T) {
	actorA := common.NewActorID()
	actorB := common.NewActorID()

	base := crdtpatch.NewOpLog()
	c0 := change(actorA, 1, 1, nil, crdt.Op{Action: common.ActionSet, Obj: common.RootID, Key: "base", Value: true})
	require.NoError(t, base.ApplyChange(c0))
	h0, err := c0.Hash()
	require.NoError(t, err)

	a := base.Fork()
	b := base.Fork()

	cA := change(actorA, 2, 2, []common.ChangeHash{h0}, crdt.Op{Action: common.ActionSet, Obj: common.RootID, Key: "fromA", Value: "a"})
	require.NoError(t, a.ApplyChange(cA))

	cB := change(actorB, 1, 2, []common.ChangeHash{h0}, crdt.Op{Action: common.ActionSet, Obj: common.RootID, Key: "fromB", Value: "b"})
	require.NoError(t, b.ApplyChange(cB))

	runSync(t, a, b)

	assert.Equal(t, a.GetHeads(), b.GetHeads())
	viewA := a.Document().View().(map[string]interface{})
	viewB := b.Document().View().(map[string]interface{})
	assert.Equal(t, viewA, viewB)
	assert.Equal(t, "a", viewA["fromA"])
	assert.Equal(t, "b", viewA["fromB"])
}

func TestSyncIdenticalReplicasExchangeNoChanges(t *testing.T) {
	actor := common.NewActorID()
	a := crdtpatch.NewOpLog()
	c := change(actor, 1, 1, nil, crdt.Op{Action: common.ActionSet, Obj: common.RootID, Key: "k", Value: "v"})
	require.NoError(t, a.ApplyChange(c))

	b := crdtpatch.NewOpLog()
	require.NoError(t, b.ApplyChange(c))

	stateA := NewSyncState()
	stateB := NewSyncState()

	msgA, err := GenerateSyncMessage(a, stateA)
	require.NoError(t, err)
	require.NotNil(t, msgA, "first round always advertises heads")
	require.NoError(t, ReceiveSyncMessage(b, stateB, msgA))

	msgB, err := GenerateSyncMessage(b, stateB)
	require.NoError(t, err)
	require.NotNil(t, msgB)
	assert.Empty(t, msgB.Changes, "identical replicas never ship changes")
	assert.Empty(t, msgB.Need)
	require.NoError(t, ReceiveSyncMessage(a, stateA, msgB))

	msgA, err = GenerateSyncMessage(a, stateA)
	require.NoError(t, err)
	assert.Nil(t, msgA, "nothing left to say once heads are confirmed equal")
}

func TestSyncMessageLosableWithoutDivergence(t *testing.T) {
	actor := common.NewActorID()
	a := crdtpatch.NewOpLog()
	c := change(actor, 1, 1, nil, crdt.Op{Action: common.ActionSet, Obj: common.RootID, Key: "k", Value: "v"})
	require.NoError(t, a.ApplyChange(c))
	b := crdtpatch.NewOpLog()

	// A's first message is lost in transit: generate it, drop it, and
	// restart the conversation with fresh per-peer state. The peers
	// must still converge.
	lost := NewSyncState()
	_, err := GenerateSyncMessage(a, lost)
	require.NoError(t, err)

	runSync(t, a, b)
	assert.Equal(t, a.GetHeads(), b.GetHeads())
}

func TestEncodeDecodeSyncMessageRoundTrip(t *testing.T) {
	actor := common.NewActorID()
	l := crdtpatch.NewOpLog()
	c := change(actor, 1, 1, nil, crdt.Op{Action: common.ActionSet, Obj: common.RootID, Key: "k", Value: "v"})
	require.NoError(t, l.ApplyChange(c))

	state := NewSyncState()
	msg, err := GenerateSyncMessage(l, state)
	require.NoError(t, err)
	require.NotNil(t, msg)

	raw, err := EncodeSyncMessage(msg)
	require.NoError(t, err)
	decoded, err := DecodeSyncMessage(raw)
	require.NoError(t, err)

	assert.Equal(t, msg.Heads, decoded.Heads)
	assert.Equal(t, msg.Need, decoded.Need)
	require.Len(t, decoded.Have, 1)
	assert.Equal(t, msg.Have[0].Bloom, decoded.Have[0].Bloom)
	assert.Len(t, decoded.Changes, len(msg.Changes))
}

func TestDecodeSyncMessageRejectsBadMagic(t *testing.T) {
	_, err := DecodeSyncMessage([]byte("XXXX\x01rest"))
	require.Error(t, err)
	assert.IsType(t, common.ErrDecodeError{}, err)
}

func TestDecodeSyncMessageRejectsTruncated(t *testing.T) {
	msg := &SyncMessage{Heads: []common.ChangeHash{common.HashBytes([]byte("x"))}}
	raw, err := EncodeSyncMessage(msg)
	require.NoError(t, err)

	_, err = DecodeSyncMessage(raw[:len(raw)-8])
	require.Error(t, err)
	assert.IsType(t, common.ErrDecodeError{}, err)
}
