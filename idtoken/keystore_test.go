package idtoken

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avidtoken/idtoken/idtokentest"
)

// countingFetch wraps a FetchFunc with an atomic call counter.
type countingFetch struct {
	calls atomic.Int64
	fn    FetchFunc
}

func (c *countingFetch) fetch(ctx context.Context, url string) (*FetchResult, error) {
	c.calls.Add(1)
	return c.fn(ctx, url)
}

func staticFetch(t *testing.T, signers ...*idtokentest.Signer) *countingFetch {
	t.Helper()
	body, err := idtokentest.KeySetJSON(signers...)
	require.NoError(t, err)
	return &countingFetch{
		fn: func(context.Context, string) (*FetchResult, error) {
			return &FetchResult{Body: body}, nil
		},
	}
}

func TestNewKeyStore(t *testing.T) {
	t.Parallel()

	t.Run("empty URL returns error", func(t *testing.T) {
		t.Parallel()

		store, err := NewKeyStore("")
		assert.Error(t, err)
		assert.Nil(t, store)
	})

	t.Run("construction performs no fetch", func(t *testing.T) {
		t.Parallel()

		signer, err := idtokentest.NewSigner("k1")
		require.NoError(t, err)
		fetch := staticFetch(t, signer)

		store, err := NewKeyStore("https://example.com/certs", WithFetchFunc(fetch.fetch))
		require.NoError(t, err)
		assert.NotNil(t, store)
		assert.Equal(t, int64(0), fetch.calls.Load())
	})
}

func TestKeyStoreGet(t *testing.T) {
	t.Parallel()

	signer, err := idtokentest.NewSigner("key-a")
	require.NoError(t, err)

	t.Run("empty state triggers one fetch", func(t *testing.T) {
		t.Parallel()

		fetch := staticFetch(t, signer)
		store, err := NewKeyStore("https://example.com/certs",
			WithFetchFunc(fetch.fetch),
			WithCacheTTL(time.Hour),
		)
		require.NoError(t, err)

		key, err := store.Get(context.Background(), "key-a")
		require.NoError(t, err)
		assert.Equal(t, "key-a", key.KeyID)
		assert.Equal(t, int64(1), fetch.calls.Load())
	})

	t.Run("fresh hit does not fetch again", func(t *testing.T) {
		t.Parallel()

		fetch := staticFetch(t, signer)
		store, err := NewKeyStore("https://example.com/certs",
			WithFetchFunc(fetch.fetch),
			WithCacheTTL(time.Hour),
		)
		require.NoError(t, err)

		_, err = store.Get(context.Background(), "key-a")
		require.NoError(t, err)
		_, err = store.Get(context.Background(), "key-a")
		require.NoError(t, err)
		assert.Equal(t, int64(1), fetch.calls.Load())
	})

	t.Run("fresh set is trusted complete: miss does not fetch", func(t *testing.T) {
		t.Parallel()

		fetch := staticFetch(t, signer)
		store, err := NewKeyStore("https://example.com/certs",
			WithFetchFunc(fetch.fetch),
			WithCacheTTL(time.Hour),
		)
		require.NoError(t, err)

		_, err = store.Get(context.Background(), "key-a")
		require.NoError(t, err)

		_, err = store.Get(context.Background(), "bogus")
		assert.ErrorIs(t, err, ErrKeyNotFound)
		assert.Equal(t, int64(1), fetch.calls.Load())
	})

	t.Run("empty state fetch failure", func(t *testing.T) {
		t.Parallel()

		fetch := &countingFetch{fn: func(context.Context, string) (*FetchResult, error) {
			return nil, errors.New("connection refused")
		}}
		store, err := NewKeyStore("https://example.com/certs", WithFetchFunc(fetch.fetch))
		require.NoError(t, err)

		_, err = store.Get(context.Background(), "key-a")
		assert.ErrorIs(t, err, ErrKeyFetchFailed)
	})

	t.Run("undecodable response while empty", func(t *testing.T) {
		t.Parallel()

		fetch := &countingFetch{fn: func(context.Context, string) (*FetchResult, error) {
			return &FetchResult{Body: []byte("not json")}, nil
		}}
		store, err := NewKeyStore("https://example.com/certs", WithFetchFunc(fetch.fetch))
		require.NoError(t, err)

		_, err = store.Get(context.Background(), "key-a")
		assert.ErrorIs(t, err, ErrKeyFetchFailed)
	})
}

func TestKeyStoreStaleFallback(t *testing.T) {
	t.Parallel()

	signer, err := idtokentest.NewSigner("key-a")
	require.NoError(t, err)
	body, err := idtokentest.KeySetJSON(signer)
	require.NoError(t, err)

	// First fetch succeeds, everything after fails. The nanosecond TTL
	// makes the snapshot stale immediately.
	fetch := &countingFetch{}
	fetch.fn = func(context.Context, string) (*FetchResult, error) {
		if fetch.calls.Load() == 1 {
			return &FetchResult{Body: body}, nil
		}
		return nil, errors.New("provider down")
	}

	store, err := NewKeyStore("https://example.com/certs",
		WithFetchFunc(fetch.fetch),
		WithCacheTTL(time.Nanosecond),
	)
	require.NoError(t, err)

	// Populate, then let the refresh fail: the stale set still serves.
	key, err := store.Get(context.Background(), "key-a")
	require.NoError(t, err)
	assert.Equal(t, "key-a", key.KeyID)

	key, err = store.Get(context.Background(), "key-a")
	require.NoError(t, err)
	assert.Equal(t, "key-a", key.KeyID)
	assert.Equal(t, int64(2), fetch.calls.Load())

	// A key absent from the stale set is unknown, not a fetch failure.
	_, err = store.Get(context.Background(), "key-c")
	assert.ErrorIs(t, err, ErrKeyNotFound)
	assert.NotErrorIs(t, err, ErrKeyFetchFailed)
}

func TestKeyStoreRotation(t *testing.T) {
	t.Parallel()

	keyA, err := idtokentest.NewSigner("key-a")
	require.NoError(t, err)
	keyB, err := idtokentest.NewSigner("key-b")
	require.NoError(t, err)

	bodyA, err := idtokentest.KeySetJSON(keyA)
	require.NoError(t, err)
	bodyAB, err := idtokentest.KeySetJSON(keyA, keyB)
	require.NoError(t, err)

	release := make(chan struct{})
	fetch := &countingFetch{}
	fetch.fn = func(context.Context, string) (*FetchResult, error) {
		if fetch.calls.Load() == 1 {
			return &FetchResult{Body: bodyA}, nil
		}
		// Hold the rotation fetch open until both waiters have queued.
		// The max-age hint keeps the rotated set fresh so a straggler
		// cannot start a third fetch.
		<-release
		return &FetchResult{Body: bodyAB, MaxAge: time.Hour}, nil
	}

	store, err := NewKeyStore("https://example.com/certs",
		WithFetchFunc(fetch.fetch),
		WithCacheTTL(time.Nanosecond),
	)
	require.NoError(t, err)

	_, err = store.Get(context.Background(), "key-a")
	require.NoError(t, err)
	require.Equal(t, int64(1), fetch.calls.Load())

	// Two concurrent lookups for the rotated-in key must share one fetch.
	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = store.Get(context.Background(), "key-b")
		}(i)
	}

	// Give both goroutines time to reach the in-flight refresh.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range results {
		assert.NoError(t, err)
	}
	assert.Equal(t, int64(2), fetch.calls.Load())
}

func TestKeyStoreSingleFlight(t *testing.T) {
	t.Parallel()

	signer, err := idtokentest.NewSigner("key-a")
	require.NoError(t, err)
	body, err := idtokentest.KeySetJSON(signer)
	require.NoError(t, err)

	const callers = 20

	start := make(chan struct{})
	fetch := &countingFetch{fn: func(context.Context, string) (*FetchResult, error) {
		<-start
		return &FetchResult{Body: body}, nil
	}}

	store, err := NewKeyStore("https://example.com/certs",
		WithFetchFunc(fetch.fetch),
		WithCacheTTL(time.Hour),
	)
	require.NoError(t, err)

	var wg sync.WaitGroup
	keys := make([]*SigningKey, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			keys[i], errs[i] = store.Get(context.Background(), "key-a")
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(start)
	wg.Wait()

	assert.Equal(t, int64(1), fetch.calls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, keys[0], keys[i])
	}
}

func TestKeyStoreSingleFlightUnknownKey(t *testing.T) {
	t.Parallel()

	signer, err := idtokentest.NewSigner("key-a")
	require.NoError(t, err)
	fetch := staticFetch(t, signer)

	store, err := NewKeyStore("https://example.com/certs",
		WithFetchFunc(fetch.fetch),
		WithCacheTTL(time.Hour),
	)
	require.NoError(t, err)

	const callers = 10
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = store.Get(context.Background(), "unknown")
		}(i)
	}
	wg.Wait()

	// All callers observe the same outcome from at most one fetch; the
	// refreshed set simply does not contain the key.
	assert.Equal(t, int64(1), fetch.calls.Load())
	for i := 0; i < callers; i++ {
		assert.ErrorIs(t, errs[i], ErrKeyNotFound)
	}
}

func TestKeyStoreMaxAge(t *testing.T) {
	t.Parallel()

	signer, err := idtokentest.NewSigner("key-a")
	require.NoError(t, err)
	body, err := idtokentest.KeySetJSON(signer)
	require.NoError(t, err)

	fetch := &countingFetch{fn: func(context.Context, string) (*FetchResult, error) {
		return &FetchResult{Body: body, MaxAge: 2 * time.Hour}, nil
	}}

	store, err := NewKeyStore("https://example.com/certs",
		WithFetchFunc(fetch.fetch),
		WithCacheTTL(time.Minute),
	)
	require.NoError(t, err)

	_, err = store.Get(context.Background(), "key-a")
	require.NoError(t, err)

	stats := store.Stats()
	assert.Equal(t, 2*time.Hour, stats.ExpiresAt.Sub(stats.FetchedAt))
}

func TestKeyStoreRefreshThrottle(t *testing.T) {
	t.Parallel()

	signer, err := idtokentest.NewSigner("key-a")
	require.NoError(t, err)
	fetch := staticFetch(t, signer)

	store, err := NewKeyStore("https://example.com/certs",
		WithFetchFunc(fetch.fetch),
		WithCacheTTL(time.Nanosecond),
		WithMinRefreshInterval(time.Hour),
	)
	require.NoError(t, err)

	// First refresh consumes the throttle's burst; the stale snapshot
	// answers every following lookup without another fetch.
	for i := 0; i < 5; i++ {
		key, err := store.Get(context.Background(), "key-a")
		require.NoError(t, err)
		assert.Equal(t, "key-a", key.KeyID)
	}
	assert.Equal(t, int64(1), fetch.calls.Load())
}

func TestKeyStoreCircuitBreaker(t *testing.T) {
	t.Parallel()

	fetch := &countingFetch{fn: func(context.Context, string) (*FetchResult, error) {
		return nil, errors.New("provider down")
	}}

	store, err := NewKeyStore("https://example.com/certs",
		WithFetchFunc(fetch.fetch),
		WithCircuitBreaker(gobreaker.Settings{}),
	)
	require.NoError(t, err)

	// The default breaker opens after five consecutive failures; open
	// state short-circuits without invoking the fetch.
	for i := 0; i < 10; i++ {
		_, err := store.Get(context.Background(), "key-a")
		assert.ErrorIs(t, err, ErrKeyFetchFailed)
	}
	assert.Less(t, fetch.calls.Load(), int64(10))
}

func TestKeyStoreStats(t *testing.T) {
	t.Parallel()

	signer, err := idtokentest.NewSigner("key-a")
	require.NoError(t, err)
	fetch := staticFetch(t, signer)

	store, err := NewKeyStore("https://example.com/certs",
		WithFetchFunc(fetch.fetch),
		WithCacheTTL(time.Hour),
	)
	require.NoError(t, err)

	stats := store.Stats()
	assert.Equal(t, "https://example.com/certs", stats.URL)
	assert.Equal(t, 0, stats.KeyCount)
	assert.Equal(t, int64(0), stats.Refreshes)

	require.NoError(t, store.Refresh(context.Background()))

	stats = store.Stats()
	assert.Equal(t, 1, stats.KeyCount)
	assert.Equal(t, int64(1), stats.Refreshes)
	assert.Equal(t, int64(0), stats.Failures)
}
