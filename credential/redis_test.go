package credential

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *RedisStore {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return NewRedisStore(rdb, "")
}

func hashOf(b byte) [32]byte {
	var h [32]byte
	for i := range h {
		h[i] = b
	}
	return h
}

func codeSetRecord(t *testing.T, userID string, hashes ...[32]byte) *Record {
	t.Helper()
	entries := make([]CodeEntry, len(hashes))
	for i, h := range hashes {
		entries[i] = CodeEntry{Hash: h}
	}
	secret, err := EncodeCodeEntries(entries)
	require.NoError(t, err)
	return &Record{UserID: userID, MethodType: "recovery-codes", Secret: secret, CreatedAt: 100}
}

func TestRedisStoreRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Get(ctx, "u1", "totp")
	require.ErrorIs(t, err, ErrNotFound)

	rec := &Record{UserID: "u1", MethodType: "totp", Secret: []byte("12345678901234567890"), CreatedAt: 42}
	require.NoError(t, store.Save(ctx, rec))

	got, err := store.Get(ctx, "u1", "totp")
	require.NoError(t, err)
	require.Equal(t, rec.Secret, got.Secret)
	require.Equal(t, int64(42), got.CreatedAt)
	require.Zero(t, got.LastUsedAt)
}

func TestRedisStoreSaveNewRefusesOverwrite(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := &Record{UserID: "u1", MethodType: "totp", Secret: []byte("first-seed-material."), CreatedAt: 1}
	require.NoError(t, store.SaveNew(ctx, rec))

	second := &Record{UserID: "u1", MethodType: "totp", Secret: []byte("second-seed-material"), CreatedAt: 2}
	require.ErrorIs(t, store.SaveNew(ctx, second), ErrExists)

	got, err := store.Get(ctx, "u1", "totp")
	require.NoError(t, err)
	require.Equal(t, []byte("first-seed-material."), got.Secret)
}

func TestRedisStoreDeleteIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Delete(ctx, "u1", "totp"))
	require.NoError(t, store.Save(ctx, &Record{UserID: "u1", MethodType: "totp", Secret: []byte("s")}))
	require.NoError(t, store.Delete(ctx, "u1", "totp"))
	require.NoError(t, store.Delete(ctx, "u1", "totp"))

	_, err := store.Get(ctx, "u1", "totp")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStoreConsumeCodeSingleUse(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	h1, h2 := hashOf(1), hashOf(2)
	require.NoError(t, store.Save(ctx, codeSetRecord(t, "u1", h1, h2)))

	ok, err := store.ConsumeCode(ctx, "u1", "recovery-codes", h1, 200)
	require.NoError(t, err)
	require.True(t, ok)

	// Same code again must fail; the other entry stays consumable.
	ok, err = store.ConsumeCode(ctx, "u1", "recovery-codes", h1, 201)
	require.NoError(t, err)
	require.False(t, ok)

	got, err := store.Get(ctx, "u1", "recovery-codes")
	require.NoError(t, err)
	entries, err := DecodeCodeEntries(got.Secret)
	require.NoError(t, err)
	require.Equal(t, 1, Remaining(entries))
	require.Equal(t, int64(200), got.LastUsedAt)

	ok, err = store.ConsumeCode(ctx, "u1", "recovery-codes", h2, 202)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRedisStoreConsumeCodeConcurrentOnlyOneWins(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	h := hashOf(7)
	require.NoError(t, store.Save(ctx, codeSetRecord(t, "u1", h)))

	const callers = 8
	results := make(chan bool, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.ConsumeCode(ctx, "u1", "recovery-codes", h, 300)
			if err != nil {
				results <- false
				return
			}
			results <- ok
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for ok := range results {
		if ok {
			wins++
		}
	}
	require.Equal(t, 1, wins)
}

func TestRedisStoreSaveReplacesWholeCodeSet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old1, old2 := hashOf(1), hashOf(2)
	require.NoError(t, store.Save(ctx, codeSetRecord(t, "u1", old1, old2)))

	// Regeneration: every code from the previous set dies, used or not.
	fresh := hashOf(9)
	require.NoError(t, store.Save(ctx, codeSetRecord(t, "u1", fresh)))

	for _, h := range [][32]byte{old1, old2} {
		ok, err := store.ConsumeCode(ctx, "u1", "recovery-codes", h, 400)
		require.NoError(t, err)
		require.False(t, ok)
	}

	ok, err := store.ConsumeCode(ctx, "u1", "recovery-codes", fresh, 401)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRedisStoreAdvanceCounterMonotonic(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, &Record{UserID: "u1", MethodType: "totp", Secret: []byte("s"), Counter: 10}))

	ok, err := store.AdvanceCounter(ctx, "u1", "totp", 11, 500)
	require.NoError(t, err)
	require.True(t, ok)

	// Replays at or below the stored counter do not advance.
	for _, c := range []int64{11, 10, 5} {
		ok, err = store.AdvanceCounter(ctx, "u1", "totp", c, 501)
		require.NoError(t, err)
		require.False(t, ok)
	}

	got, err := store.Get(ctx, "u1", "totp")
	require.NoError(t, err)
	require.Equal(t, int64(11), got.Counter)
	require.Equal(t, int64(500), got.LastUsedAt)
}

func TestCodeEntriesCodec(t *testing.T) {
	entries := []CodeEntry{
		{Hash: hashOf(1)},
		{Hash: hashOf(2), Used: true},
		{Hash: hashOf(3)},
	}
	data, err := EncodeCodeEntries(entries)
	require.NoError(t, err)

	decoded, err := DecodeCodeEntries(data)
	require.NoError(t, err)
	require.Equal(t, entries, decoded)
	require.Equal(t, 2, Remaining(decoded))

	_, err = DecodeCodeEntries([]byte{0xFF})
	require.Error(t, err)
}
