package common

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpIDCompare(t *testing.T) {
	a1 := NewActorID()
	a2 := NewActorID()
	for a1.Compare(a2) == 0 {
		a2 = NewActorID()
	}
	lo, hi := a1, a2
	if lo.Compare(hi) > 0 {
		lo, hi = hi, lo
	}

	low := OpID{Counter: 2, Actor: hi}
	high := OpID{Counter: 3, Actor: lo}
	assert.Equal(t, -1, low.Compare(high), "counter dominates actor")
	assert.Equal(t, 1, high.Compare(low))

	tieLo := OpID{Counter: 5, Actor: lo}
	tieHi := OpID{Counter: 5, Actor: hi}
	assert.Equal(t, -1, tieLo.Compare(tieHi), "actor breaks ties")
	assert.Equal(t, 0, tieLo.Compare(tieLo))
	assert.True(t, tieLo.Less(tieHi))
}

func TestRootIDIsRoot(t *testing.T) {
	assert.True(t, RootID.IsRoot())
	other := OpID{Counter: 1, Actor: NewActorID()}
	assert.False(t, other.IsRoot())
}

func TestActorIDJSON(t *testing.T) {
	actor := NewActorID()
	data, err := json.Marshal(actor)
	require.NoError(t, err)

	var decoded ActorID
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, actor, decoded)

	var bad ActorID
	err = json.Unmarshal([]byte(`"not-a-uuid"`), &bad)
	assert.Error(t, err)
}

func TestChangeHash(t *testing.T) {
	h1 := HashBytes([]byte("hello"))
	h2 := HashBytes([]byte("hello"))
	h3 := HashBytes([]byte("world"))
	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
	assert.False(t, h1.IsZero())

	var zero ChangeHash
	assert.True(t, zero.IsZero())

	data, err := json.Marshal(h1)
	require.NoError(t, err)
	var decoded ChangeHash
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, h1, decoded)
}

func TestActionConstants(t *testing.T) {
	assert.Equal(t, Action("makeMap"), ActionMakeMap)
	assert.Equal(t, Action("makeList"), ActionMakeList)
	assert.Equal(t, Action("makeText"), ActionMakeText)
	assert.Equal(t, Action("set"), ActionSet)
	assert.Equal(t, Action("del"), ActionDel)
	assert.Equal(t, Action("ins"), ActionIns)
	assert.Equal(t, Action("inc"), ActionInc)
	assert.Equal(t, Action("mark"), ActionMark)
}

func TestErrors(t *testing.T) {
	hash := HashBytes([]byte("x"))

	err := ErrOutOfOrder{Hash: hash}
	assert.Contains(t, err.Error(), "out of causal order")

	err2 := ErrMissingDeps{Hash: hash, Missing: []ChangeHash{hash}}
	assert.Contains(t, err2.Error(), "missing 1 dependencies")

	err3 := ErrNestedTransaction{}
	assert.Contains(t, err3.Error(), "already open")

	err4 := ErrCorruptPatch{Message: "bad action"}
	assert.Equal(t, "corrupt patch: bad action", err4.Error())

	err5 := ErrMultipleParents{Child: OpID{Counter: 1, Actor: NewActorID()}}
	assert.Contains(t, err5.Error(), "multiple parents")

	err6 := ErrInvalidArgument{Message: "bad path"}
	assert.Equal(t, "invalid argument: bad path", err6.Error())

	err7 := ErrNotFound{Message: "key missing"}
	assert.Equal(t, "not found: key missing", err7.Error())
}
