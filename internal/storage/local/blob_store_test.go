package local_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/condor-spider/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("CreatesMissingDir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "archive")
		_, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		assert.DirExists(t, dir)
	})
	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})
	t.Run("BaseDirIsAFile", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		assert.Error(t, err)
	})
}

func TestPutObject(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)
	ctx := context.Background()

	uri, err := store.PutObject(ctx, "spider/2024/05/01/b1.ndjson", "application/x-ndjson", strings.NewReader("{}\n"))
	require.NoError(t, err)
	want := filepath.Join(dir, "spider", "2024", "05", "01", "b1.ndjson")
	assert.Equal(t, "file://"+want, uri)
	data, err := os.ReadFile(want) // #nosec G304 -- test temp dir.
	require.NoError(t, err)
	assert.Equal(t, "{}\n", string(data))

	_, err = store.PutObject(ctx, "", "", strings.NewReader("x"))
	assert.Error(t, err)
	_, err = store.PutObject(ctx, "../escape.ndjson", "", strings.NewReader("x"))
	assert.ErrorContains(t, err, "path traversal")
}
