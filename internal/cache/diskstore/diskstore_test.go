package diskstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohammed-shakir/warmcache/internal/cache"
	"github.com/mohammed-shakir/warmcache/internal/cache/backends"
)

func TestStore_RoundTripAndExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	s, err := OpenMem("sector:", func() time.Time { return now })
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	payload := []byte("{\"id\": 7,\n\"tags\":[ ]}")
	require.NoError(t, s.Set(ctx, "sector:7", payload, time.Minute))

	e, err := s.Get(ctx, "sector:7")
	require.NoError(t, err)
	assert.Equal(t, payload, e.Payload)
	assert.Equal(t, now.Add(time.Minute).UnixNano(), e.ExpiresAt.UnixNano())

	now = now.Add(61 * time.Second)
	_, err = s.Get(ctx, "sector:7")
	assert.True(t, cache.IsNotFound(err))
}

func TestStore_HasAnyScopedAndPrunes(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	s, err := OpenMem("sector:", func() time.Time { return now })
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	ok, err := s.HasAny(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "sectors:1", []byte("x"), time.Hour))
	ok, _ = s.HasAny(ctx)
	assert.False(t, ok, "a longer namespace sharing the prefix letters must not count")

	require.NoError(t, s.Set(ctx, "sector:1", []byte("x"), time.Second))
	ok, _ = s.HasAny(ctx)
	assert.True(t, ok)

	now = now.Add(2 * time.Second)
	ok, _ = s.HasAny(ctx)
	assert.False(t, ok)

	has, err := s.db.Has(dbKey("sector:1"), nil)
	require.NoError(t, err)
	assert.False(t, has, "expired entry should have been pruned")
}

func TestStore_Del(t *testing.T) {
	ctx := context.Background()
	s, err := OpenMem("", nil)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	require.NoError(t, s.Set(ctx, "a", []byte("1"), time.Hour))
	require.NoError(t, s.Set(ctx, "b", []byte("2"), time.Hour))
	require.NoError(t, s.Del(ctx, "a", "b", "c"))

	_, err = s.Get(ctx, "a")
	assert.True(t, cache.IsNotFound(err))
	ok, _ := s.HasAny(ctx)
	assert.False(t, ok)
}

func TestRegistered_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	opts := backends.Options{Namespace: "list", LevelDBPath: t.TempDir()}

	s, err := backends.Open(ctx, Kind, opts)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "list:companies", []byte(`[1,2]`), time.Hour))
	require.NoError(t, s.Close())

	s, err = backends.Open(ctx, Kind, opts)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	e, err := s.Get(ctx, "list:companies")
	require.NoError(t, err)
	assert.Equal(t, `[1,2]`, string(e.Payload))
}

func TestRegistered_RequiresPath(t *testing.T) {
	_, err := backends.Open(context.Background(), Kind, backends.Options{Namespace: "x"})
	require.Error(t, err)
}
