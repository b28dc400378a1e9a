package idtoken

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// FetchResult is the outcome of one key-set fetch: the raw wire bytes and
// an optional freshness hint from the transport (Cache-Control max-age).
// A zero MaxAge means the transport surfaced no hint.
type FetchResult struct {
	Body   []byte
	MaxAge time.Duration
}

// FetchFunc retrieves the provider's published key set. Implementations are
// responsible for their own timeouts; the key store treats a timeout like
// any other fetch failure.
type FetchFunc func(ctx context.Context, url string) (*FetchResult, error)

// errRefreshThrottled is returned by refresh when the minimum refresh
// interval has not elapsed. It takes the same path as a fetch failure, so a
// stale key set keeps being served.
var errRefreshThrottled = errors.New("key set refresh throttled")

// keySet is one immutable snapshot of the trusted keys. Replacement is
// atomic under the store mutex; a snapshot handed to a reader is never
// mutated afterwards.
type keySet struct {
	keys      map[string]*SigningKey
	fetchedAt time.Time
	expiresAt time.Time
}

// fresh reports whether the snapshot is within its freshness deadline.
func (s *keySet) fresh(now time.Time) bool {
	return now.Before(s.expiresAt)
}

// lookup returns the key with the given ID, or nil.
func (s *keySet) lookup(kid string) *SigningKey {
	return s.keys[kid]
}

// KeyStore caches the provider's current public keys and refreshes them on
// demand. Concurrent refresh attempts collapse into a single underlying
// fetch whose outcome is shared by every waiting caller. A snapshot past
// its freshness deadline is still served when a refresh fails, since key
// rotation overlaps and the old keys may remain valid.
type KeyStore struct {
	url        string
	defaultTTL time.Duration
	fetch      FetchFunc
	logger     *zap.Logger
	metrics    *Metrics
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker

	group singleflight.Group

	mu      sync.RWMutex
	current *keySet

	refreshes atomic.Int64
	failures  atomic.Int64
}

// KeyStoreOption is a functional option for the key store.
type KeyStoreOption func(*KeyStore)

// WithFetchFunc overrides how the key set is retrieved.
func WithFetchFunc(fetch FetchFunc) KeyStoreOption {
	return func(s *KeyStore) {
		if fetch != nil {
			s.fetch = fetch
		}
	}
}

// WithCacheTTL sets the freshness duration applied when the provider sends
// no cache hint.
func WithCacheTTL(ttl time.Duration) KeyStoreOption {
	return func(s *KeyStore) {
		if ttl > 0 {
			s.defaultTTL = ttl
		}
	}
}

// WithKeyStoreLogger sets the logger for the key store.
func WithKeyStoreLogger(logger *zap.Logger) KeyStoreOption {
	return func(s *KeyStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithKeyStoreMetrics sets the metrics for the key store.
func WithKeyStoreMetrics(metrics *Metrics) KeyStoreOption {
	return func(s *KeyStore) {
		if metrics != nil {
			s.metrics = metrics
		}
	}
}

// WithMinRefreshInterval caps how often the store contacts the provider.
// A refresh requested before the interval elapses is treated as a fetch
// failure, which serves the previous snapshot when one exists. Zero
// disables the throttle.
func WithMinRefreshInterval(interval time.Duration) KeyStoreOption {
	return func(s *KeyStore) {
		if interval > 0 {
			s.limiter = rate.NewLimiter(rate.Every(interval), 1)
		} else {
			s.limiter = nil
		}
	}
}

// WithCircuitBreaker wraps the fetch in a circuit breaker so that a
// misbehaving provider endpoint is not hammered while it recovers.
func WithCircuitBreaker(settings gobreaker.Settings) KeyStoreOption {
	return func(s *KeyStore) {
		if settings.Name == "" {
			settings.Name = "idtoken-keystore"
		}
		s.breaker = gobreaker.NewCircuitBreaker(settings)
	}
}

// NewKeyStore creates a key store for the given key-set URL. Construction
// performs no network activity; the first fetch happens on the first Get
// that needs it.
func NewKeyStore(url string, opts ...KeyStoreOption) (*KeyStore, error) {
	if url == "" {
		return nil, fmt.Errorf("key set URL is required")
	}

	s := &KeyStore{
		url:        url,
		defaultTTL: defaultCacheTTL,
		fetch:      newHTTPFetcher(nil),
		logger:     zap.NewNop(),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.metrics == nil {
		s.metrics = NewMetrics("idtoken")
	}

	return s, nil
}

// KeyStoreStats is a point-in-time view of the store's counters.
type KeyStoreStats struct {
	URL       string
	KeyCount  int
	FetchedAt time.Time
	ExpiresAt time.Time
	Refreshes int64
	Failures  int64
}

// Stats returns the store's counters and current snapshot metadata.
func (s *KeyStore) Stats() KeyStoreStats {
	s.mu.RLock()
	cur := s.current
	s.mu.RUnlock()

	stats := KeyStoreStats{
		URL:       s.url,
		Refreshes: s.refreshes.Load(),
		Failures:  s.failures.Load(),
	}
	if cur != nil {
		stats.KeyCount = len(cur.keys)
		stats.FetchedAt = cur.fetchedAt
		stats.ExpiresAt = cur.expiresAt
	}
	return stats
}

// Get returns the signing key for the given key ID, refreshing the key set
// from the provider when it is absent or past its freshness deadline.
//
// A fresh key set is trusted as complete: a miss returns ErrKeyNotFound
// without contacting the provider, so unknown key IDs in hostile tokens
// cannot force refresh traffic. When a refresh is needed, all callers that
// arrive before it completes share its outcome.
func (s *KeyStore) Get(ctx context.Context, kid string) (*SigningKey, error) {
	s.mu.RLock()
	cur := s.current
	s.mu.RUnlock()

	if cur != nil && cur.fresh(time.Now()) {
		if key := cur.lookup(kid); key != nil {
			s.metrics.RecordCacheHit()
			return key, nil
		}
		s.metrics.RecordCacheHit()
		return nil, NewKeyError(kid, "key not in trusted set", ErrKeyNotFound)
	}

	s.metrics.RecordCacheMiss()

	_, refreshErr, _ := s.group.Do("refresh", func() (interface{}, error) {
		return nil, s.refresh(ctx)
	})

	s.mu.RLock()
	cur = s.current
	s.mu.RUnlock()

	if cur == nil {
		if refreshErr == nil {
			// refresh reported success without installing a snapshot;
			// treat as a fetch failure rather than panic on lookup.
			refreshErr = errors.New("no key set installed")
		}
		return nil, NewKeyError(kid, "no key set available", fmt.Errorf("%w: %v", ErrKeyFetchFailed, refreshErr))
	}

	if refreshErr != nil && !errors.Is(refreshErr, errRefreshThrottled) {
		s.logger.Warn("key set refresh failed, serving previous snapshot",
			zap.Error(refreshErr),
			zap.Time("fetchedAt", cur.fetchedAt),
		)
	}

	if key := cur.lookup(kid); key != nil {
		return key, nil
	}
	return nil, NewKeyError(kid, "key not in trusted set", ErrKeyNotFound)
}

// Refresh forces a fetch of the key set. It shares in-flight refreshes the
// same way Get does.
func (s *KeyStore) Refresh(ctx context.Context) error {
	_, err, _ := s.group.Do("refresh", func() (interface{}, error) {
		return nil, s.refresh(ctx)
	})
	return err
}

// refresh fetches, decodes, and atomically installs a new key set. Callers
// must go through the singleflight group.
func (s *KeyStore) refresh(ctx context.Context) error {
	// A caller that queued behind a completed refresh must not trigger
	// another fetch against a now-fresh snapshot.
	s.mu.RLock()
	cur := s.current
	s.mu.RUnlock()
	if cur != nil && cur.fresh(time.Now()) {
		return nil
	}

	if s.limiter != nil && !s.limiter.Allow() {
		return errRefreshThrottled
	}

	s.logger.Debug("refreshing key set", zap.String("url", s.url))
	start := time.Now()

	result, err := s.doFetch(ctx)
	if err != nil {
		s.failures.Add(1)
		s.metrics.RecordRefresh("error", time.Since(start))
		return fmt.Errorf("fetch key set: %w", err)
	}

	keys, err := parseKeySet(result.Body)
	if err != nil {
		s.failures.Add(1)
		s.metrics.RecordRefresh("error", time.Since(start))
		return fmt.Errorf("decode key set: %w", err)
	}

	ttl := s.defaultTTL
	if result.MaxAge > 0 {
		ttl = result.MaxAge
	}
	now := time.Now()
	next := &keySet{
		keys:      keys,
		fetchedAt: now,
		expiresAt: now.Add(ttl),
	}

	s.mu.Lock()
	s.current = next
	s.mu.Unlock()

	s.refreshes.Add(1)
	s.metrics.RecordRefresh("success", time.Since(start))
	s.logger.Info("key set refreshed",
		zap.String("url", s.url),
		zap.Int("keyCount", len(keys)),
		zap.Duration("ttl", ttl),
	)

	return nil
}

// doFetch invokes the fetch function, through the circuit breaker when one
// is configured.
func (s *KeyStore) doFetch(ctx context.Context) (*FetchResult, error) {
	if s.breaker == nil {
		return s.fetch(ctx, s.url)
	}

	result, err := s.breaker.Execute(func() (interface{}, error) {
		return s.fetch(ctx, s.url)
	})
	if err != nil {
		return nil, err
	}
	return result.(*FetchResult), nil
}
