package idtoken

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
)

// Signing algorithm identifiers understood by the verifier. The provider's
// published family is RSA-SHA256; everything else fails verification.
const (
	AlgRS256 = "RS256"
)

// verifySignature checks the token signature over the original signing
// input. Any mismatch, malformed signature, or unsupported algorithm is
// reported as ErrInvalidSignature: callers should not distinguish "wrong
// algorithm" from "won't verify" for a token they did not produce.
func verifySignature(key *SigningKey, alg string, signingInput, signature []byte) error {
	switch alg {
	case AlgRS256:
		if key.Algorithm != "" && key.Algorithm != AlgRS256 {
			return NewValidationError(
				fmt.Sprintf("key algorithm %s does not match token algorithm %s", key.Algorithm, alg),
				ErrInvalidSignature,
			)
		}
		return verifyRS256(key.Key, signingInput, signature)
	default:
		return NewValidationError(
			fmt.Sprintf("unsupported algorithm: %s", alg),
			ErrInvalidSignature,
		)
	}
}

// verifyRS256 verifies an RSASSA-PKCS1-v1_5 SHA-256 signature.
func verifyRS256(pub *rsa.PublicKey, signingInput, signature []byte) error {
	if pub == nil {
		return NewValidationError("no RSA public key", ErrInvalidSignature)
	}

	h := sha256.Sum256(signingInput)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, h[:], signature); err != nil {
		return NewValidationError("RSA signature verification failed", ErrInvalidSignature)
	}

	return nil
}
