package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/bnc/blobstore"
)

func writeInstance(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "inst.yaml")
	data := "values: [10, 13, 7, 8]\nweights: [3, 4, 2, 3]\ncapacity: 7\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	return path
}

func TestLoadInstance(t *testing.T) {
	inst, err := loadInstance(writeInstance(t))
	require.NoError(t, err)
	assert.Equal(t, []float64{10, 13, 7, 8}, inst.Values)
	assert.InDelta(t, 7, inst.Capacity, 0)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("values: [1]\nweights: []\n"), 0o600))
	_, err = loadInstance(bad)
	require.Error(t, err)
}

func TestSolveCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{
		"solve", "-i", writeInstance(t),
		"--run-id", "cli",
		"-p", "relaxation_workers=3",
		"-p", "search_strategy = depth",
		"--log-level", "error",
	})
	require.NoError(t, cmd.ExecuteContext(context.Background()))
	assert.Contains(t, out.String(), "run cli: optimal")
	assert.Contains(t, out.String(), "objective -23")
}

func TestSolveCommand_BadFlags(t *testing.T) {
	for name, args := range map[string][]string{
		"no instance": {"solve"},
		"bad param":   {"solve", "-i", "x.yaml", "-p", "novalue"},
		"bad level":   {"solve", "-i", writeInstance(t), "--log-level", "loud"},
		"no endpoint": {"manager", "-i", writeInstance(t)},
		"both":        {"worker", "-i", writeInstance(t), "--connect", "a:1", "--redis", "b:2"},
	} {
		t.Run(name, func(t *testing.T) {
			cmd := newRootCmd()
			cmd.SetOut(&bytes.Buffer{})
			cmd.SetArgs(args)
			require.Error(t, cmd.ExecuteContext(context.Background()))
		})
	}
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()
	s, err := openStore(ctx, "")
	require.NoError(t, err)
	assert.IsType(t, &blobstore.MemoryStore{}, s)

	dir := filepath.Join(t.TempDir(), "blobs")
	s, err = openStore(ctx, "file://"+dir)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "a", []byte("x")))
	assert.FileExists(t, filepath.Join(dir, "a"))

	for _, raw := range []string{"ftp://host/x", "s3://", "minio://host", "file://"} {
		_, err := openStore(ctx, raw)
		assert.Error(t, err, raw)
	}
}
