package crdtpatch

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opdoc/common"
	"opdoc/crdt"
)

func TestSaveCompressesLargeColumns(t *testing.T) {
	actor := common.NewActorID()
	l := NewOpLog()

	big := strings.Repeat("the quick brown fox jumps over the lazy dog. ", 2000)
	c := change(actor, 1, 1, nil,
		crdt.Op{Action: common.ActionSet, Obj: common.RootID, Key: "essay", Value: big})
	require.NoError(t, l.ApplyChange(c))

	data, err := l.Save()
	require.NoError(t, err)
	assert.Less(t, len(data), len(big)/5, "a large repetitive payload must compress below 20%% of raw size")

	loaded := NewOpLog()
	require.NoError(t, loaded.Load(data))
	view := loaded.Document().View().(map[string]interface{})
	assert.Equal(t, big, view["essay"])
}

func TestLoadRejectsBadMagic(t *testing.T) {
	l := NewOpLog()
	err := l.Load([]byte("NOTAMAGICHEADER...."))
	require.Error(t, err)
	assert.IsType(t, common.ErrDecodeError{}, err)
}

func TestLoadRejectsTruncatedContainer(t *testing.T) {
	actor := common.NewActorID()
	l := NewOpLog()
	c := change(actor, 1, 1, nil,
		crdt.Op{Action: common.ActionSet, Obj: common.RootID, Key: "k", Value: "v"})
	require.NoError(t, l.ApplyChange(c))

	data, err := l.Save()
	require.NoError(t, err)

	fresh := NewOpLog()
	err = fresh.Load(data[:len(data)-3])
	require.Error(t, err)
	assert.IsType(t, common.ErrDecodeError{}, err)
}

func TestLoadRejectsEmptyInput(t *testing.T) {
	l := NewOpLog()
	err := l.Load(nil)
	require.Error(t, err)
	assert.IsType(t, common.ErrDecodeError{}, err)
}

func TestSaveEmptyLogRoundTrips(t *testing.T) {
	l := NewOpLog()
	data, err := l.Save()
	require.NoError(t, err)

	loaded := NewOpLog()
	require.NoError(t, loaded.Load(data))
	assert.Empty(t, loaded.GetHeads())
	assert.Empty(t, loaded.GetChanges())
}
