// Package idtoken verifies OAuth2 ID tokens issued by an external identity
// provider without contacting the provider at request time.
//
// The package retrieves and caches the provider's rotating public signing
// keys, verifies RS256 signatures over the original encoded token bytes,
// and validates issuer, audience, and time-window claims against
// caller-supplied expectations.
//
// # Validation
//
// A Client composes the pipeline behind two entry points that share one
// key-set cache:
//
//	client, err := idtoken.NewClient(idtoken.Config{
//	    Audiences: []string{"my-client-id.apps.googleusercontent.com"},
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	claims, err := client.Validate(rawToken)                 // blocking
//	claims, err = client.ValidateContext(ctx, rawToken)      // context-aware
//
// Failures are classified through sentinel errors (ErrTokenMalformed,
// ErrKeyNotFound, ErrKeyFetchFailed, ErrInvalidSignature, ErrInvalidIssuer,
// ErrInvalidAudience, ErrTokenExpired) usable with errors.Is.
//
// # Key caching
//
// The KeyStore refreshes the provider's key set on demand, honoring the
// endpoint's Cache-Control max-age when present. Concurrent refresh
// attempts collapse into a single fetch, and a set past its freshness
// deadline is still served when a refresh fails, since provider key
// rotation overlaps. A fresh set is trusted as complete: unknown key IDs
// do not trigger fetch traffic.
//
// Multiple clients can share one cache:
//
//	other, err := idtoken.NewClient(cfg, idtoken.WithKeyStore(client.KeyStore()))
package idtoken
