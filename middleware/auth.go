// Package middleware provides gin middleware that authenticates requests
// with ID tokens.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vyrodovalexey/avidtoken/idtoken"
)

// Common errors for token extraction.
var (
	ErrMissingHeader = errors.New("missing authorization header")
	ErrInvalidPrefix = errors.New("invalid authorization prefix")
)

// TokenExtractor defines the interface for extracting tokens from HTTP
// requests.
type TokenExtractor interface {
	// Extract extracts a token from the request.
	Extract(r *http.Request) (string, error)
}

// HeaderExtractor extracts tokens from HTTP headers.
type HeaderExtractor struct {
	header string
	prefix string
}

// NewHeaderExtractor creates a new header extractor.
// If header is empty, it defaults to "Authorization".
// If prefix is empty, it defaults to "Bearer ".
func NewHeaderExtractor(header, prefix string) *HeaderExtractor {
	if header == "" {
		header = "Authorization"
	}
	if prefix == "" {
		prefix = "Bearer "
	}
	return &HeaderExtractor{
		header: header,
		prefix: prefix,
	}
}

// Extract extracts the token from the header. The prefix comparison is
// case-insensitive.
func (e *HeaderExtractor) Extract(r *http.Request) (string, error) {
	authHeader := r.Header.Get(e.header)
	if authHeader == "" {
		return "", ErrMissingHeader
	}

	if len(authHeader) < len(e.prefix) {
		return "", ErrInvalidPrefix
	}
	if !strings.EqualFold(authHeader[:len(e.prefix)], e.prefix) {
		return "", ErrInvalidPrefix
	}
	return strings.TrimSpace(authHeader[len(e.prefix):]), nil
}

// ClaimsContextKey is the request-context key under which verified claims
// are stored.
type ClaimsContextKey struct{}

// ClaimsFromContext retrieves verified claims from a request context.
func ClaimsFromContext(ctx context.Context) (*idtoken.Claims, bool) {
	claims, ok := ctx.Value(ClaimsContextKey{}).(*idtoken.Claims)
	return claims, ok
}

// AuthConfig holds configuration for the auth middleware.
type AuthConfig struct {
	// Client verifies the extracted tokens. Required.
	Client *idtoken.Client

	// Extractor pulls the token out of the request. Defaults to the
	// Authorization header with a Bearer prefix.
	Extractor TokenExtractor

	// ClaimsKey is the gin context key under which verified claims are
	// stored.
	ClaimsKey string

	// SkipPaths are request paths that bypass authentication.
	SkipPaths []string

	Logger *zap.Logger
}

// DefaultAuthConfig returns an AuthConfig with default values.
func DefaultAuthConfig() *AuthConfig {
	return &AuthConfig{
		Extractor: NewHeaderExtractor("", ""),
		ClaimsKey: "idtoken_claims",
	}
}

// buildSkipPathsMap creates a map from a slice of paths for O(1) lookup.
func buildSkipPathsMap(paths []string) map[string]bool {
	skipPaths := make(map[string]bool, len(paths))
	for _, path := range paths {
		skipPaths[path] = true
	}
	return skipPaths
}

// abortUnauthenticated writes the error response for a failed validation.
// Provider outages surface as 503 so callers can distinguish a bad token
// from an inability to check one.
func abortUnauthenticated(c *gin.Context, err error, logger *zap.Logger) {
	path := c.Request.URL.Path

	if errors.Is(err, idtoken.ErrKeyFetchFailed) {
		logger.Error("token validation unavailable",
			zap.Error(err),
			zap.String("path", path),
		)
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
			"error":   "unavailable",
			"message": "token validation temporarily unavailable",
		})
		return
	}

	logger.Debug("token rejected",
		zap.Error(err),
		zap.String("path", path),
		zap.String("method", c.Request.Method),
	)
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":   "unauthorized",
		"message": "invalid or missing token",
	})
}

// Auth returns a middleware that authenticates requests with ID tokens.
// Verified claims are stored under ClaimsKey in the gin context and under
// ClaimsContextKey in the request context.
func Auth(config *AuthConfig) gin.HandlerFunc {
	if config == nil {
		config = DefaultAuthConfig()
	}
	if config.Extractor == nil {
		config.Extractor = NewHeaderExtractor("", "")
	}
	if config.ClaimsKey == "" {
		config.ClaimsKey = "idtoken_claims"
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	skipPaths := buildSkipPathsMap(config.SkipPaths)

	return func(c *gin.Context) {
		if skipPaths[c.Request.URL.Path] {
			c.Next()
			return
		}

		token, err := config.Extractor.Extract(c.Request)
		if err != nil {
			config.Logger.Debug("no token in request",
				zap.Error(err),
				zap.String("path", c.Request.URL.Path),
			)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "authentication required",
			})
			return
		}

		claims, err := config.Client.ValidateContext(c.Request.Context(), token)
		if err != nil {
			abortUnauthenticated(c, err, config.Logger)
			return
		}

		c.Set(config.ClaimsKey, claims)
		ctx := context.WithValue(c.Request.Context(), ClaimsContextKey{}, claims)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
