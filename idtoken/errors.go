package idtoken

import (
	"errors"
	"fmt"
)

// Sentinel errors for token validation. Every failure returned by this
// package wraps exactly one of these, so callers can classify outcomes
// with errors.Is without inspecting messages.
var (
	// ErrTokenMalformed indicates a structural decode failure of the
	// token, its header, its payload, or the key-set wire format.
	ErrTokenMalformed = errors.New("token is malformed")

	// ErrKeyNotFound indicates the token's key ID is not present in the
	// currently trusted key set.
	ErrKeyNotFound = errors.New("signing key not found")

	// ErrKeyFetchFailed indicates no usable key set is available and the
	// fetch from the provider failed.
	ErrKeyFetchFailed = errors.New("failed to fetch key set")

	// ErrInvalidSignature indicates the signature did not verify, was not
	// decodable, or used an unsupported algorithm.
	ErrInvalidSignature = errors.New("token signature is invalid")

	// ErrInvalidIssuer indicates the issuer claim matched none of the
	// expected issuers.
	ErrInvalidIssuer = errors.New("token issuer is invalid")

	// ErrInvalidAudience indicates the audience claim matched none of the
	// expected audiences.
	ErrInvalidAudience = errors.New("token audience is invalid")

	// ErrTokenExpired indicates the token is outside its validity window,
	// either past expiry or not yet valid beyond clock-skew tolerance.
	ErrTokenExpired = errors.New("token is outside its validity window")
)

// ValidationError wraps a validation failure with context about where in
// the pipeline it occurred.
type ValidationError struct {
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("id token validation error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("id token validation error: %s", e.Message)
}

// Unwrap returns the underlying error.
func (e *ValidationError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *ValidationError) Is(target error) bool {
	_, ok := target.(*ValidationError)
	return ok || errors.Is(e.Cause, target)
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string, cause error) *ValidationError {
	return &ValidationError{
		Message: message,
		Cause:   cause,
	}
}

// KeyError represents a key lookup or key fetch failure.
type KeyError struct {
	KeyID   string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *KeyError) Error() string {
	if e.KeyID != "" {
		if e.Cause != nil {
			return fmt.Sprintf("key error (kid=%s): %s: %v", e.KeyID, e.Message, e.Cause)
		}
		return fmt.Sprintf("key error (kid=%s): %s", e.KeyID, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("key error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("key error: %s", e.Message)
}

// Unwrap returns the underlying error.
func (e *KeyError) Unwrap() error {
	return e.Cause
}

// NewKeyError creates a new KeyError.
func NewKeyError(keyID, message string, cause error) *KeyError {
	return &KeyError{
		KeyID:   keyID,
		Message: message,
		Cause:   cause,
	}
}

// IsMalformedError checks if an error indicates a structural decode failure.
func IsMalformedError(err error) bool {
	return errors.Is(err, ErrTokenMalformed)
}

// IsExpiredError checks if an error indicates the token is outside its
// validity window.
func IsExpiredError(err error) bool {
	return errors.Is(err, ErrTokenExpired)
}

// IsSignatureError checks if an error indicates a signature problem.
func IsSignatureError(err error) bool {
	return errors.Is(err, ErrInvalidSignature)
}

// IsKeyNotFoundError checks if an error indicates an unknown signing key.
func IsKeyNotFoundError(err error) bool {
	return errors.Is(err, ErrKeyNotFound)
}
