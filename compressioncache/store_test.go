package compressioncache

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/dgraph-io/badger/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEntry(key string, createdAt time.Time, data string) *Entry {
	return &Entry{
		Meta: Meta{
			Key:              key,
			Fingerprint:      "fp-" + key,
			FileName:         key + ".jpg",
			OriginalSize:     100,
			CompressedSize:   int64(len(data)),
			Width:            640,
			Height:           480,
			CompressionRatio: 12.5,
			CreatedAt:        createdAt,
			ExpiresAt:        createdAt.Add(time.Hour),
		},
		Data: []byte(data),
	}
}

func keys(metas []Meta) []string {
	var out []string
	for _, m := range metas {
		out = append(out, m.Key)
	}
	sort.Strings(out)
	return out
}

// testStore runs the behaviour every Store must share.
func testStore(t *testing.T, store Store) {
	ctx := context.Background()
	created := time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC)

	_, err := store.Get(ctx, "a")
	require.ErrorIs(t, err, ErrNotFound)

	metas, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, metas)

	require.NoError(t, store.Write(ctx, Batch{Put: testEntry("a", created, "payload-a")}))
	require.NoError(t, store.Write(ctx, Batch{Put: testEntry("b", created.Add(time.Minute), "payload-b")}))

	got, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "a", got.Key)
	assert.Equal(t, "fp-a", got.Fingerprint)
	assert.Equal(t, "a.jpg", got.FileName)
	assert.Equal(t, int64(9), got.CompressedSize)
	assert.Equal(t, 640, got.Width)
	assert.Equal(t, 12.5, got.CompressionRatio)
	assert.True(t, got.CreatedAt.Equal(created))
	assert.True(t, got.ExpiresAt.Equal(created.Add(time.Hour)))
	assert.Equal(t, []byte("payload-a"), got.Data)

	metas, err = store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys(metas))

	// deletes and put in one batch
	require.NoError(t, store.Write(ctx, Batch{
		Deletes: []string{"a", "missing"},
		Put:     testEntry("c", created.Add(2*time.Minute), "payload-c"),
	}))

	_, err = store.Get(ctx, "a")
	require.ErrorIs(t, err, ErrNotFound)

	metas, err = store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, keys(metas))

	// overwrite
	require.NoError(t, store.Write(ctx, Batch{Put: testEntry("c", created, "new")}))
	got, err = store.Get(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), got.Data)

	require.NoError(t, store.Clear(ctx))
	metas, err = store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, metas)

	_, err = store.Get(ctx, "b")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close() //nolint:errcheck

	testStore(t, store)
}

func TestBadgerStore(t *testing.T) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)

	store := NewBadgerStore(db)
	defer store.Close() //nolint:errcheck

	testStore(t, store)
}

func TestBadgerStore_Persists(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := OpenBadgerStore(dir, log.NewLogger())
	require.NoError(t, err)
	require.NoError(t, store.Write(ctx, Batch{Put: testEntry("a", time.Now(), "kept")}))
	require.NoError(t, store.Close())

	store, err = OpenBadgerStore(dir, log.NewLogger())
	require.NoError(t, err)
	defer store.Close() //nolint:errcheck

	got, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("kept"), got.Data)
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close() //nolint:errcheck

	store := NewRedisStore(client, "ingest:test:")
	testStore(t, store)

	// Close leaves a borrowed client open
	require.NoError(t, store.Close())
	require.NoError(t, client.Ping(context.Background()).Err())
}

func TestRedisStore_SkipsDanglingIndex(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	store, err := OpenRedisStore(ctx, mr.Addr(), "p:")
	require.NoError(t, err)
	defer store.Close() //nolint:errcheck

	require.NoError(t, store.Write(ctx, Batch{Put: testEntry("a", time.Now(), "x")}))
	require.NoError(t, store.Write(ctx, Batch{Put: testEntry("b", time.Now(), "y")}))

	mr.Del("p:entry:a")

	metas, err := store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, keys(metas))
}

func TestOpenRedisStore_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := OpenRedisStore(context.Background(), addr, "p:")
	require.Error(t, err)
}
