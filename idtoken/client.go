package idtoken

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/vyrodovalexey/avidtoken/idtoken"

// Client validates ID tokens issued by the configured provider. It exposes
// a blocking call path (Validate) and a context-aware one (ValidateContext)
// that run the identical pipeline over one shared key store, so a key-set
// refresh triggered through either path benefits both.
//
// A Client is safe for concurrent use. Construction performs no network
// activity; the first key-set fetch happens lazily on the first validation
// that needs it.
type Client struct {
	mu        sync.RWMutex
	audiences []string

	issuers     []string
	clockSkew   time.Duration
	userinfoURL string

	store      *KeyStore
	httpClient *http.Client
	logger     *zap.Logger
	metrics    *Metrics
	tracer     trace.Tracer
}

// ClientOption is a functional option for the client.
type ClientOption func(*Client)

// WithLogger sets the logger for the client and, unless a shared key store
// is supplied, its key store.
func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics sets the metrics for the client and its key store.
func WithMetrics(metrics *Metrics) ClientOption {
	return func(c *Client) {
		if metrics != nil {
			c.metrics = metrics
		}
	}
}

// WithKeyStore shares an existing key store instead of creating one from
// the configuration. Use this to share one key-set cache across clients.
func WithKeyStore(store *KeyStore) ClientOption {
	return func(c *Client) {
		if store != nil {
			c.store = store
		}
	}
}

// WithHTTPClient sets the HTTP client used for provider requests.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithTracerProvider sets the tracer provider for validation spans. The
// global provider is used by default.
func WithTracerProvider(tp trace.TracerProvider) ClientOption {
	return func(c *Client) {
		if tp != nil {
			c.tracer = tp.Tracer(tracerName)
		}
	}
}

// NewClient creates a client from the given configuration.
func NewClient(cfg Config, opts ...ClientOption) (*Client, error) {
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	c := &Client{
		audiences:   append([]string(nil), cfg.Audiences...),
		issuers:     append([]string(nil), cfg.Issuers...),
		clockSkew:   cfg.ClockSkew,
		userinfoURL: cfg.UserinfoURL,
		logger:      zap.NewNop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.metrics == nil {
		c.metrics = NewMetrics("idtoken")
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: cfg.HTTPTimeout}
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer(tracerName)
	}

	if c.store == nil {
		storeOpts := []KeyStoreOption{
			WithCacheTTL(cfg.CacheTTL),
			WithKeyStoreLogger(c.logger),
			WithKeyStoreMetrics(c.metrics),
			WithFetchFunc(newHTTPFetcher(c.httpClient)),
		}
		if cfg.MinRefreshInterval > 0 {
			storeOpts = append(storeOpts, WithMinRefreshInterval(cfg.MinRefreshInterval))
		}
		store, err := NewKeyStore(cfg.CertsURL, storeOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create key store: %w", err)
		}
		c.store = store
	}

	return c, nil
}

// KeyStore returns the client's key store, for sharing with other clients.
func (c *Client) KeyStore() *KeyStore {
	return c.store
}

// AddAudience adds an acceptable audience value at runtime. Duplicates and
// empty values are ignored.
func (c *Client) AddAudience(audience string) {
	if audience == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, aud := range c.audiences {
		if aud == audience {
			return
		}
	}
	c.audiences = append(c.audiences, audience)
}

// RemoveAudience removes an audience value, if present.
func (c *Client) RemoveAudience(audience string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.audiences[:0]
	for _, aud := range c.audiences {
		if aud != audience {
			kept = append(kept, aud)
		}
	}
	c.audiences = kept
}

// Validate verifies the raw ID token and returns its claims. It blocks for
// the duration of any key-set fetch the validation needs.
func (c *Client) Validate(token string) (*Claims, error) {
	return c.ValidateContext(context.Background(), token)
}

// ValidateContext verifies the raw ID token and returns its claims. The
// context bounds the key-set fetch when one is needed; decode, signature
// and claim checks are pure computations.
func (c *Client) ValidateContext(ctx context.Context, token string) (*Claims, error) {
	ctx, span := c.tracer.Start(ctx, "idtoken.Validate")
	defer span.End()

	start := time.Now()
	claims, err := c.validate(ctx, token)
	if err != nil {
		reason := failureReason(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, reason)
		c.metrics.RecordValidation("error", reason, time.Since(start))
		return nil, err
	}

	span.SetAttributes(
		attribute.String("idtoken.subject", claims.Subject),
		attribute.String("idtoken.issuer", claims.Issuer),
	)
	c.metrics.RecordValidation("success", "", time.Since(start))
	c.logger.Debug("id token validated",
		zap.String("subject", claims.Subject),
		zap.String("issuer", claims.Issuer),
	)

	return claims, nil
}

// validate runs the decode, key lookup, signature and claims pipeline.
// Every failure terminates the pipeline immediately; no partial claims are
// ever returned alongside an error.
func (c *Client) validate(ctx context.Context, token string) (*Claims, error) {
	parsed, err := parseToken(token)
	if err != nil {
		return nil, err
	}

	key, err := c.store.Get(ctx, parsed.header.KeyID)
	if err != nil {
		return nil, err
	}

	if err := verifySignature(key, parsed.header.Algorithm, parsed.signingInput, parsed.signature); err != nil {
		return nil, err
	}

	if err := checkClaims(parsed.claims, c.snapshotAudiences(), c.issuers, time.Now(), c.clockSkew); err != nil {
		return nil, err
	}

	return parsed.claims, nil
}

// snapshotAudiences returns a stable copy of the acceptable audiences.
func (c *Client) snapshotAudiences() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.audiences...)
}

// failureReason maps a pipeline error to a stable metrics label.
func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrTokenMalformed):
		return "malformed"
	case errors.Is(err, ErrKeyNotFound):
		return "unknown_key"
	case errors.Is(err, ErrKeyFetchFailed):
		return "key_fetch_failed"
	case errors.Is(err, ErrInvalidSignature):
		return "bad_signature"
	case errors.Is(err, ErrInvalidIssuer):
		return "invalid_issuer"
	case errors.Is(err, ErrInvalidAudience):
		return "invalid_audience"
	case errors.Is(err, ErrTokenExpired):
		return "expired"
	default:
		return "internal"
	}
}

// AccessTokenPayload is the profile returned by the provider's userinfo
// endpoint for a valid access token. Its shape differs from ID-token
// claims even though both carry a sub field.
type AccessTokenPayload struct {
	Subject       string `json:"sub"`
	Name          string `json:"name,omitempty"`
	GivenName     string `json:"given_name,omitempty"`
	FamilyName    string `json:"family_name,omitempty"`
	Picture       string `json:"picture,omitempty"`
	Email         string `json:"email,omitempty"`
	EmailVerified bool   `json:"email_verified,omitempty"`
	Locale        string `json:"locale,omitempty"`
	HostedDomain  string `json:"hd,omitempty"`
}

// ValidateAccessToken verifies an access token against the provider's
// userinfo endpoint and returns the profile payload.
func (c *Client) ValidateAccessToken(token string) (*AccessTokenPayload, error) {
	return c.ValidateAccessTokenContext(context.Background(), token)
}

// ValidateAccessTokenContext verifies an access token against the
// provider's userinfo endpoint. Audience does not apply to access tokens;
// the provider accepts or rejects the token itself.
func (c *Client) ValidateAccessTokenContext(ctx context.Context, token string) (*AccessTokenPayload, error) {
	if token == "" {
		return nil, NewValidationError("access token is empty", ErrTokenMalformed)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.userinfoURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create userinfo request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("userinfo request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, NewValidationError(
			fmt.Sprintf("userinfo endpoint rejected the token with status %d", resp.StatusCode),
			ErrInvalidSignature,
		)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxKeySetBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read userinfo response: %w", err)
	}

	var payload AccessTokenPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, NewValidationError("failed to parse userinfo response", ErrTokenMalformed)
	}

	return &payload, nil
}
