package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "spider/b1.ndjson", "application/x-ndjson", bytes.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, "memory://spider/b1.ndjson", uri)

	payload[0] = 'C'
	got, ok := store.Object("spider/b1.ndjson")
	require.True(t, ok)
	assert.Equal(t, "content", string(got))
	assert.Equal(t, []string{"spider/b1.ndjson"}, store.Paths())

	_, ok = store.Object("missing")
	assert.False(t, ok)
}
