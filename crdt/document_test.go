package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opdoc/common"
)

func newOpID(actor common.ActorID, counter uint64) common.OpID {
	return common.OpID{Counter: counter, Actor: actor}
}

func TestDocumentSetAndGetScalar(t *testing.T) {
	actor := common.NewActorID()
	d := NewDocument()

	op := Op{ID: newOpID(actor, 1), Action: common.ActionSet, Obj: common.RootID, Key: "name", Value: "alice"}
	require.NoError(t, d.ApplyOp(op))

	view := d.View().(map[string]interface{})
	assert.Equal(t, "alice", view["name"])
}

func TestDocumentConflictSetRetainsLosers(t *testing.T) {
	a1 := common.NewActorID()
	a2 := common.NewActorID()
	if a1.Compare(a2) > 0 {
		a1, a2 = a2, a1
	}
	d := NewDocument()

	// Two concurrent writers set the same key; a2 (the Lamport-max
	// actor at equal counters) should win, but a1's write must still
	// be reachable through the conflict set.
	require.NoError(t, d.ApplyOp(Op{ID: newOpID(a1, 1), Action: common.ActionSet, Obj: common.RootID, Key: "k", Value: "from-a1"}))
	require.NoError(t, d.ApplyOp(Op{ID: newOpID(a2, 1), Action: common.ActionSet, Obj: common.RootID, Key: "k", Value: "from-a2"}))

	entry := d.Root().Get("k")
	require.NotNil(t, entry)
	assert.Equal(t, "from-a2", entry.Winner().Value())
	assert.Len(t, entry.Conflicts(), 2)
}

func TestDocumentNestedMapAndList(t *testing.T) {
	actor := common.NewActorID()
	d := NewDocument()

	listID := newOpID(actor, 1)
	require.NoError(t, d.ApplyOp(Op{ID: listID, Action: common.ActionMakeList, Obj: common.RootID, Key: "items"}))

	item1 := newOpID(actor, 2)
	require.NoError(t, d.ApplyOp(Op{ID: item1, Action: common.ActionIns, Obj: listID, After: common.RootID, Value: "first"}))

	item2 := newOpID(actor, 3)
	require.NoError(t, d.ApplyOp(Op{ID: item2, Action: common.ActionIns, Obj: listID, After: item1, Value: "second"}))

	view := d.View().(map[string]interface{})
	items := view["items"].([]interface{})
	assert.Equal(t, []interface{}{"first", "second"}, items)
}

func TestDocumentDeleteListElement(t *testing.T) {
	actor := common.NewActorID()
	d := NewDocument()

	listID := newOpID(actor, 1)
	require.NoError(t, d.ApplyOp(Op{ID: listID, Action: common.ActionMakeList, Obj: common.RootID, Key: "items"}))
	item1 := newOpID(actor, 2)
	require.NoError(t, d.ApplyOp(Op{ID: item1, Action: common.ActionIns, Obj: listID, After: common.RootID, Value: "x"}))
	require.NoError(t, d.ApplyOp(Op{ID: newOpID(actor, 3), Action: common.ActionDel, Obj: listID, Elem: item1}))

	view := d.View().(map[string]interface{})
	items := view["items"].([]interface{})
	assert.Empty(t, items)
}

func TestDocumentCounter(t *testing.T) {
	actor := common.NewActorID()
	d := NewDocument()

	counterID := newOpID(actor, 1)
	require.NoError(t, d.ApplyOp(Op{ID: counterID, Action: common.ActionSet, Obj: common.RootID, Key: "score", ScalarType: common.ScalarCounter, Value: int64(0)}))
	require.NoError(t, d.ApplyOp(Op{ID: newOpID(actor, 2), Action: common.ActionInc, Elem: counterID, Value: int64(5)}))
	require.NoError(t, d.ApplyOp(Op{ID: newOpID(actor, 3), Action: common.ActionInc, Elem: counterID, Value: int64(-2)}))

	view := d.View().(map[string]interface{})
	assert.Equal(t, int64(3), view["score"])
}

func TestDocumentMultipleParentsRejected(t *testing.T) {
	actor := common.NewActorID()
	d := NewDocument()

	listID := newOpID(actor, 1)
	require.NoError(t, d.ApplyOp(Op{ID: listID, Action: common.ActionMakeList, Obj: common.RootID, Key: "a"}))

	childMap := newOpID(actor, 2)
	require.NoError(t, d.ApplyOp(Op{ID: childMap, Action: common.ActionMakeMap, Obj: common.RootID, Key: "b"}))

	// Re-attaching the already-attached child under a different parent
	// via a raw ApplyPatch must fail with ErrMultipleParents.
	bad := Patch{Ops: []Op{{ID: childMap, Action: common.ActionMakeMap, Obj: listID, After: common.RootID}}}
	err := d.ApplyPatch(bad)
	require.Error(t, err)
	assert.IsType(t, common.ErrMultipleParents{}, err)
}

func TestTextInsertAndMark(t *testing.T) {
	actor := common.NewActorID()
	d := NewDocument()

	textID := newOpID(actor, 1)
	require.NoError(t, d.ApplyOp(Op{ID: textID, Action: common.ActionMakeText, Obj: common.RootID, Key: "body"}))

	h := newOpID(actor, 2)
	require.NoError(t, d.ApplyOp(Op{ID: h, Action: common.ActionIns, Obj: textID, After: common.RootID, Value: "h"}))
	i := newOpID(actor, 3)
	require.NoError(t, d.ApplyOp(Op{ID: i, Action: common.ActionIns, Obj: textID, After: h, Value: "i"}))

	view := d.View().(map[string]interface{})
	assert.Equal(t, "hi", view["body"])

	require.NoError(t, d.ApplyOp(Op{ID: newOpID(actor, 4), Action: common.ActionMark, Obj: textID, Elem: h, MarkEnd: i, MarkAttr: "bold", Value: true, MarkExpand: common.ExpandNone}))
	textObj, ok := d.Object(textID)
	require.True(t, ok)
	marks := textObj.(*TextObject).MarksAt(h)
	assert.Equal(t, true, marks["bold"])
}

func TestMarkExpandPolicies(t *testing.T) {
	actor := common.NewActorID()
	d := NewDocument()

	textID := newOpID(actor, 1)
	require.NoError(t, d.ApplyOp(Op{ID: textID, Action: common.ActionMakeText, Obj: common.RootID, Key: "body"}))
	a := newOpID(actor, 2)
	require.NoError(t, d.ApplyOp(Op{ID: a, Action: common.ActionIns, Obj: textID, After: common.RootID, Value: "a"}))
	b := newOpID(actor, 3)
	require.NoError(t, d.ApplyOp(Op{ID: b, Action: common.ActionIns, Obj: textID, After: a, Value: "b"}))

	// Two marks over [a, b]: one that absorbs insertions at its end
	// boundary, one that doesn't.
	require.NoError(t, d.ApplyOp(Op{ID: newOpID(actor, 4), Action: common.ActionMark, Obj: textID, Elem: a, MarkEnd: b, MarkAttr: "bold", Value: true, MarkExpand: common.ExpandAfter}))
	require.NoError(t, d.ApplyOp(Op{ID: newOpID(actor, 5), Action: common.ActionMark, Obj: textID, Elem: a, MarkEnd: b, MarkAttr: "link", Value: "x", MarkExpand: common.ExpandNone}))

	// A character typed at the end boundary after the marks exist.
	c := newOpID(actor, 6)
	require.NoError(t, d.ApplyOp(Op{ID: c, Action: common.ActionIns, Obj: textID, After: b, Value: "c"}))

	text, _ := d.Object(textID)
	marks := text.(*TextObject).MarksAt(c)
	assert.Equal(t, true, marks["bold"], "expand=after absorbs the boundary insert")
	assert.NotContains(t, marks, "link", "expand=none does not")

	// Characters inside the original range carry both marks.
	inner := text.(*TextObject).MarksAt(b)
	assert.Equal(t, true, inner["bold"])
	assert.Equal(t, "x", inner["link"])
}
