package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/bnc/message"
	"github.com/hupe1980/bnc/problem"
)

func col(b string) problem.Object { return problem.Object{Kind: problem.KindColumn, Data: []byte(b)} }

func TestRegistry_GrantDefine(t *testing.T) {
	r := New()
	first := r.Grant(4)
	assert.Equal(t, int32(0), first)
	assert.Equal(t, int32(4), r.Grant(2))
	assert.Equal(t, 6, r.Len())

	require.NoError(t, r.Define(1, col("abc")))
	assert.ErrorIs(t, r.Define(1, col("x")), ErrRedefined)
	assert.ErrorIs(t, r.Define(9, col("x")), ErrNotGranted)

	obj, ok := r.Get(1)
	require.True(t, ok)
	assert.Equal(t, []byte("abc"), obj.Data)
	_, ok = r.Get(0)
	assert.False(t, ok)
	assert.Equal(t, int64(3), r.LocalBytes())
}

func TestRegistry_RefcountedOffload(t *testing.T) {
	r := New()
	r.Grant(3)
	for i := int32(0); i < 3; i++ {
		require.NoError(t, r.Define(i, col("obj")))
	}
	r.Retain([]int32{0, 1})
	r.Retain([]int32{1})

	assert.Equal(t, []int32{2}, r.Offloadable([]int32{0, 1, 2}))

	r.Release([]int32{0, 1})
	assert.Equal(t, 1, r.Refs(1))
	assert.Equal(t, []int32{0, 2}, r.Offloadable([]int32{0, 1, 2}))

	require.NoError(t, r.SetRemote(0, 5))
	assert.Equal(t, message.ProcessID(5), r.Location(0))
	assert.Equal(t, int64(6), r.LocalBytes())
	assert.Equal(t, map[message.ProcessID][]int32{5: {0}}, r.Remote([]int32{0, 1, 2}))

	require.NoError(t, r.SetLocal(0, col("obj")))
	obj, ok := r.Get(0)
	require.True(t, ok)
	assert.Equal(t, []byte("obj"), obj.Data)
	assert.Zero(t, r.Location(0))
	assert.Equal(t, int64(9), r.LocalBytes())
}
