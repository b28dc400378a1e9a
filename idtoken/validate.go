package idtoken

import (
	"fmt"
	"time"
)

// checkClaims validates the decoded claims against the expected issuers and
// audiences and the validity window. On success the claims pass through
// unchanged; the check performs no transformation.
func checkClaims(claims *Claims, audiences, issuers []string, now time.Time, skew time.Duration) error {
	if err := checkRequiredClaims(claims); err != nil {
		return err
	}

	issuerOK := false
	for _, iss := range issuers {
		if claims.Issuer == iss {
			issuerOK = true
			break
		}
	}
	if !issuerOK {
		return NewValidationError(
			fmt.Sprintf("issuer %s is not allowed", claims.Issuer),
			ErrInvalidIssuer,
		)
	}

	if !claims.Audience.ContainsAny(audiences...) {
		return NewValidationError("token audience does not match", ErrInvalidAudience)
	}

	// Not-yet-valid collapses into the expired kind: both mean the token
	// is outside its validity window. Skew applies only on the issue side;
	// an expiry in the past is final.
	if now.Before(claims.IssuedAt.Add(-skew)) {
		return NewValidationError("token is not yet valid", ErrTokenExpired)
	}
	if claims.NotBefore != nil && now.Before(claims.NotBefore.Add(-skew)) {
		return NewValidationError("token is not yet valid", ErrTokenExpired)
	}
	if !now.Before(claims.ExpiresAt.Time) {
		return NewValidationError("token has expired", ErrTokenExpired)
	}

	return nil
}

// checkRequiredClaims verifies the fields every ID token must carry.
func checkRequiredClaims(claims *Claims) error {
	switch {
	case claims.Issuer == "":
		return NewValidationError("missing iss claim", ErrTokenMalformed)
	case claims.Subject == "":
		return NewValidationError("missing sub claim", ErrTokenMalformed)
	case len(claims.Audience) == 0:
		return NewValidationError("missing aud claim", ErrTokenMalformed)
	case claims.ExpiresAt == nil:
		return NewValidationError("missing exp claim", ErrTokenMalformed)
	case claims.IssuedAt == nil:
		return NewValidationError("missing iat claim", ErrTokenMalformed)
	}
	return nil
}
