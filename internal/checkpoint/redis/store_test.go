package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	s, err := New(client, "")
	require.NoError(t, err)
	return s, mr
}

func TestStoreRoundTrip(t *testing.T) {
	t.Parallel()

	s, mr := newStore(t)
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "vocms0001")
	require.NoError(t, err)
	assert.False(t, ok)

	ts := time.Unix(1_700_000_020, 0).UTC()
	require.NoError(t, s.Set(ctx, "vocms0001", ts))

	got, ok, err := s.Get(ctx, "vocms0001")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ts, got)

	raw, err := mr.Get("spider:checkpoint:vocms0001")
	require.NoError(t, err)
	assert.Equal(t, "1700000020", raw)
}

func TestStoreKeepsNewerWatermark(t *testing.T) {
	t.Parallel()

	s, _ := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "vocms0001", time.Unix(200, 0)))
	require.NoError(t, s.Set(ctx, "vocms0001", time.Unix(100, 0)))

	got, _, err := s.Get(ctx, "vocms0001")
	require.NoError(t, err)
	assert.Equal(t, time.Unix(200, 0).UTC(), got)
}

func TestStoreAllListsIndependentKeys(t *testing.T) {
	t.Parallel()

	s, mr := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "schedd-a", time.Unix(10, 0)))
	require.NoError(t, s.Set(ctx, "schedd-b", time.Unix(20, 0)))
	require.NoError(t, mr.Set("unrelated", "x"))

	all, err := s.All(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]time.Time{
		"schedd-a": time.Unix(10, 0).UTC(),
		"schedd-b": time.Unix(20, 0).UTC(),
	}, all)
}

func TestStoreRejectsGarbage(t *testing.T) {
	t.Parallel()

	s, mr := newStore(t)
	require.NoError(t, mr.Set("spider:checkpoint:bad", "yesterday"))
	_, _, err := s.Get(context.Background(), "bad")
	require.Error(t, err)
}
