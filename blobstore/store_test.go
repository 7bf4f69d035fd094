package blobstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Get(ctx, "nodes/1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put(ctx, "nodes/1", []byte("one")))
	require.NoError(t, s.Put(ctx, "nodes/2", []byte("two")))
	require.NoError(t, s.Put(ctx, "objects/7", []byte("seven")))

	data, err := s.Get(ctx, "nodes/2")
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), data)

	// Overwrite.
	require.NoError(t, s.Put(ctx, "nodes/2", []byte("TWO")))
	data, err = s.Get(ctx, "nodes/2")
	require.NoError(t, err)
	assert.Equal(t, []byte("TWO"), data)

	names, err := s.List(ctx, "nodes/")
	require.NoError(t, err)
	assert.Equal(t, []string{"nodes/1", "nodes/2"}, names)

	require.NoError(t, s.Delete(ctx, "nodes/1"))
	require.NoError(t, s.Delete(ctx, "nodes/1"))
	_, err = s.Get(ctx, "nodes/1")
	assert.ErrorIs(t, err, ErrNotFound)

	names, err = s.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"nodes/2", "objects/7"}, names)
}

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemoryStore())
}

func TestMemoryStore_CopiesData(t *testing.T) {
	s := NewMemoryStore()
	data := []byte("abc")
	require.NoError(t, s.Put(context.Background(), "x", data))
	data[0] = 'z'
	got, err := s.Get(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got)
	assert.Equal(t, 1, s.Len())
}

func TestMemoryStore_Size(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Put(ctx, "a", make([]byte, 10)))
	require.NoError(t, s.Put(ctx, "b", make([]byte, 5)))
	require.NoError(t, s.Put(ctx, "a", make([]byte, 4)))
	assert.Equal(t, int64(9), s.Size())
	require.NoError(t, s.Delete(ctx, "b"))
	require.NoError(t, s.Delete(ctx, "missing"))
	assert.Equal(t, int64(4), s.Size())
}

func TestLocalStore(t *testing.T) {
	testStore(t, NewLocalStore(t.TempDir()))
}

func TestLocalStore_MissingRoot(t *testing.T) {
	s := NewLocalStore(t.TempDir() + "/absent")
	names, err := s.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, names)
}
