package crdtstorage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeySplayAndParse(t *testing.T) {
	k := Key{"abcd1234ef"}
	splayed := k.Splay()
	assert.Equal(t, Key{"ab", "cd", "abcd1234ef"}, splayed)

	parsed := ParseKey(splayed.String())
	assert.Equal(t, splayed, parsed)
}

func TestKeySplayShortSegmentUnchanged(t *testing.T) {
	k := Key{"ab"}
	assert.Equal(t, k, k.Splay())
}

// storageSuite exercises any Storage implementation identically.
func storageSuite(t *testing.T, s Storage) {
	ctx := context.Background()

	_, ok, err := s.Load(ctx, Key{"missing"})
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(ctx, Key{"docs", "a", "snapshot"}, []byte("snap-a")))
	require.NoError(t, s.Put(ctx, Key{"docs", "a", "incremental", "h1"}, []byte("inc-1")))
	require.NoError(t, s.Put(ctx, Key{"docs", "a", "incremental", "h2"}, []byte("inc-2")))
	require.NoError(t, s.Put(ctx, Key{"docs", "b", "snapshot"}, []byte("snap-b")))

	data, ok, err := s.Load(ctx, Key{"docs", "a", "snapshot"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("snap-a"), data)

	entries, err := s.LoadRange(ctx, Key{"docs", "a", "incremental"})
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	all, err := s.LoadRange(ctx, Key{"docs", "a"})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	require.NoError(t, s.Delete(ctx, Key{"docs", "a", "incremental", "h1"}))
	entries, err = s.LoadRange(ctx, Key{"docs", "a", "incremental"})
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	require.NoError(t, s.Delete(ctx, Key{"does", "not", "exist"}))
}

func TestMemoryAdapter(t *testing.T) {
	storageSuite(t, NewMemoryAdapter())
}

func TestMemoryAdapterClosed(t *testing.T) {
	a := NewMemoryAdapter()
	require.NoError(t, a.Close())
	_, _, err := a.Load(context.Background(), Key{"x"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestFileAdapter(t *testing.T) {
	dir := t.TempDir()
	a, err := NewFileAdapter(filepath.Join(dir, "store"))
	require.NoError(t, err)
	storageSuite(t, a)
}
