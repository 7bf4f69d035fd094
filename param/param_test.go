package param

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/bnc/wire"
)

func TestDefault(t *testing.T) {
	p := Default()
	require.NoError(t, p.Validate())
	assert.Equal(t, 2, p.RelaxationWorkers)
	assert.Equal(t, "best", p.SearchStrategy)
	assert.Equal(t, int64(256<<20), p.StorageCapacityBytes)
	assert.Equal(t, 100*time.Millisecond, p.ReceiveTimeout)
	assert.Zero(t, p.TimeLimit)
	assert.Len(t, Keys(), 22)
}

func TestSet(t *testing.T) {
	p := Default()
	require.NoError(t, p.Set("time_limit", "1m30s"))
	require.NoError(t, p.Set("relative_gap", "0.01"))
	require.NoError(t, p.Set("search_strategy", "depth"))
	assert.Equal(t, 90*time.Second, p.TimeLimit)
	assert.Equal(t, 0.01, p.RelativeGap)

	v, ok := p.Get("search_strategy")
	require.True(t, ok)
	assert.Equal(t, "depth", v)

	assert.ErrorIs(t, p.Set("nope", "1"), ErrUnknownKey)
	assert.Error(t, p.Set("index_block", "many"))
}

func TestLoad(t *testing.T) {
	doc := `
relaxation_workers: 4
compression: lz4
time_limit: 10s
unconditional_dive_prob: 0.25
`
	p, err := Load(strings.NewReader(doc))
	require.NoError(t, err)
	assert.Equal(t, 4, p.RelaxationWorkers)
	assert.Equal(t, "lz4", p.Compression)
	assert.Equal(t, 10*time.Second, p.TimeLimit)
	assert.Equal(t, 0.25, p.UnconditionalDiveProb)
	// Untouched keys keep their defaults.
	assert.Equal(t, 256, p.IndexBlock)

	p, err = Load(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, Default(), p)
}

func TestLoad_Invalid(t *testing.T) {
	_, err := Load(strings.NewReader("search_strategy: random\n"))
	assert.Error(t, err)

	_, err = Load(strings.NewReader("seed: [1, 2]\n"))
	assert.Error(t, err)

	_, err = Load(strings.NewReader("bogus: 1\n"))
	assert.ErrorIs(t, err, ErrUnknownKey)
}

func TestEncodeDecode(t *testing.T) {
	p := Default()
	p.CutWorkers = 3
	p.TimeLimit = 5 * time.Second
	p.Compression = "none"

	buf := wire.NewBuffer(0)
	p.Encode(buf)

	var got Params
	require.NoError(t, got.Decode(wire.FromBytes(buf.Bytes())))
	assert.Equal(t, p, got)
}
