package crdtedit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opdoc/common"
	"opdoc/crdt"
)

func TestTransactionSetAndCommit(t *testing.T) {
	actor := common.NewActorID()
	doc := crdt.NewDocument()
	active := false

	tx, err := Begin(doc, actor, 1, 1, &active)
	require.NoError(t, err)
	require.NoError(t, tx.Root().Set("name", "alice"))

	v, ok := tx.Root().Get("name")
	require.True(t, ok, "transaction reads its own writes")
	assert.Equal(t, "alice", v)

	change := tx.Commit(1000, "set name", nil)
	require.NotNil(t, change)
	assert.Len(t, change.Ops, 1)

	view := doc.View().(map[string]interface{})
	assert.Equal(t, "alice", view["name"])
}

func TestFirstChangeShape(t *testing.T) {
	actor := common.NewActorID()
	doc := crdt.NewDocument()
	active := false

	tx, err := Begin(doc, actor, 1, 1, &active)
	require.NoError(t, err)
	require.NoError(t, tx.Root().Set("bird", "magpie"))

	change := tx.Commit(1000, "", nil)
	require.NotNil(t, change)
	assert.Equal(t, uint64(1), change.Seq)
	assert.Equal(t, uint64(1), change.StartOp)
	require.Len(t, change.Ops, 1)

	op := change.Ops[0]
	assert.Equal(t, common.ActionSet, op.Action)
	assert.Equal(t, "bird", op.Key)
	assert.Equal(t, "magpie", op.Value)
	assert.Empty(t, op.Pred, "first write to a fresh key observes nothing")

	v, _ := doc.Root().Get("bird").Winner().Value().(string)
	assert.Equal(t, "magpie", v)
}

func TestTextSpliceAcrossTransactions(t *testing.T) {
	actor := common.NewActorID()
	doc := crdt.NewDocument()
	active := false

	tx, err := Begin(doc, actor, 1, 1, &active)
	require.NoError(t, err)
	body, err := tx.Root().SetText("t")
	require.NoError(t, err)
	require.NoError(t, body.InsertAt(0, "Hello"))
	first := tx.Commit(1000, "", nil)
	require.NotNil(t, first)

	active = false
	tx2, err := Begin(doc, actor, 7, 2, &active)
	require.NoError(t, err)
	body2 := tx2.Root()
	textNode, ok := body2.Get("t")
	require.True(t, ok)
	assert.Equal(t, "Hello", textNode)

	handle, err := tx2.Root().Text("t")
	require.NoError(t, err)
	require.NoError(t, handle.Splice(5, 0, ", world"))
	_ = tx2.Commit(1001, "", nil)

	view := doc.View().(map[string]interface{})
	assert.Equal(t, "Hello, world", view["t"])
	assert.Equal(t, 12, handle.Len())
}

func TestTextSpliceReplacesRange(t *testing.T) {
	actor := common.NewActorID()
	doc := crdt.NewDocument()
	active := false

	tx, err := Begin(doc, actor, 1, 1, &active)
	require.NoError(t, err)
	body, err := tx.Root().SetText("t")
	require.NoError(t, err)
	require.NoError(t, body.InsertAt(0, "Hello world"))
	require.NoError(t, body.Splice(6, 5, "there"))
	assert.Equal(t, "Hello there", body.String())

	require.Error(t, body.Splice(0, 100, "x"), "out-of-bounds splice must fail")
	_ = tx.Commit(1000, "", nil)
}

func TestNestedTransactionRejected(t *testing.T) {
	actor := common.NewActorID()
	doc := crdt.NewDocument()
	active := false

	_, err := Begin(doc, actor, 1, 1, &active)
	require.NoError(t, err)

	_, err = Begin(doc, actor, 1, 2, &active)
	assert.IsType(t, common.ErrNestedTransaction{}, err)
}

func TestTransactionRollbackRestoresState(t *testing.T) {
	actor := common.NewActorID()
	doc := crdt.NewDocument()
	active := false

	tx, err := Begin(doc, actor, 1, 1, &active)
	require.NoError(t, err)
	require.NoError(t, tx.Root().Set("before", "kept"))
	_ = tx.Commit(1000, "", nil)

	active = false
	tx2, err := Begin(doc, actor, 2, 2, &active)
	require.NoError(t, err)
	require.NoError(t, tx2.Root().Set("during", "should vanish"))

	_, ok := tx2.Root().Get("during")
	require.True(t, ok)

	tx2.Rollback()

	view := doc.View().(map[string]interface{})
	assert.Equal(t, "kept", view["before"])
	assert.NotContains(t, view, "during")
}

func TestNestedMapAndListHandles(t *testing.T) {
	actor := common.NewActorID()
	doc := crdt.NewDocument()
	active := false

	tx, err := Begin(doc, actor, 1, 1, &active)
	require.NoError(t, err)

	profile, err := tx.Root().SetMap("profile")
	require.NoError(t, err)
	require.NoError(t, profile.Set("age", int64(30)))

	tags, err := tx.Root().SetList("tags")
	require.NoError(t, err)
	require.NoError(t, tags.Append("go"))
	require.NoError(t, tags.Append("crdt"))

	_ = tx.Commit(1000, "", nil)

	view := doc.View().(map[string]interface{})
	assert.Equal(t, int64(30), view["profile"].(map[string]interface{})["age"])
	assert.Equal(t, []interface{}{"go", "crdt"}, view["tags"])
}

func TestTextHandleInsertAndDelete(t *testing.T) {
	actor := common.NewActorID()
	doc := crdt.NewDocument()
	active := false

	tx, err := Begin(doc, actor, 1, 1, &active)
	require.NoError(t, err)

	body, err := tx.Root().SetText("body")
	require.NoError(t, err)
	require.NoError(t, body.InsertAt(0, "hello"))
	assert.Equal(t, "hello", body.String())

	require.NoError(t, body.DeleteRange(0, 1))
	assert.Equal(t, "ello", body.String())

	_ = tx.Commit(1000, "", nil)
	view := doc.View().(map[string]interface{})
	assert.Equal(t, "ello", view["body"])
}

func TestCounterHandle(t *testing.T) {
	actor := common.NewActorID()
	doc := crdt.NewDocument()
	active := false

	tx, err := Begin(doc, actor, 1, 1, &active)
	require.NoError(t, err)

	counter, err := tx.Root().SetCounter("score", 10)
	require.NoError(t, err)
	require.NoError(t, counter.Increment(5))
	v, err := counter.Value()
	require.NoError(t, err)
	assert.Equal(t, int64(15), v)

	_ = tx.Commit(1000, "", nil)
}
