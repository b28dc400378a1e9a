package idtoken

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
)

// tokenHeader represents the decoded token header. It is used only for key
// lookup and algorithm selection and is never part of the returned result.
type tokenHeader struct {
	Algorithm string `json:"alg"`
	Type      string `json:"typ"`
	KeyID     string `json:"kid"`
}

// parsedToken holds the decoded parts of a raw token. signingInput is the
// exact byte sequence of the first two encoded segments joined by a dot;
// signature verification must operate on these original bytes, never on a
// re-serialization of the parsed JSON.
type parsedToken struct {
	header       tokenHeader
	claims       *Claims
	signingInput []byte
	signature    []byte
}

// parseToken splits and decodes the three-segment token format. Any
// structural failure is reported as ErrTokenMalformed.
func parseToken(raw string) (*parsedToken, error) {
	if raw == "" {
		return nil, NewValidationError("token is empty", ErrTokenMalformed)
	}

	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return nil, NewValidationError(
			fmt.Sprintf("token must have 3 segments, got %d", len(parts)),
			ErrTokenMalformed,
		)
	}

	headerBytes, err := decodeSegment(parts[0])
	if err != nil {
		return nil, NewValidationError("failed to decode header segment", ErrTokenMalformed)
	}
	var header tokenHeader
	if err := unmarshalObject(headerBytes, &header); err != nil {
		return nil, NewValidationError("header is not a JSON object", ErrTokenMalformed)
	}

	payloadBytes, err := decodeSegment(parts[1])
	if err != nil {
		return nil, NewValidationError("failed to decode payload segment", ErrTokenMalformed)
	}
	if !isJSONObject(payloadBytes) {
		return nil, NewValidationError("payload is not a JSON object", ErrTokenMalformed)
	}
	claims, err := decodeClaims(payloadBytes)
	if err != nil {
		return nil, NewValidationError("failed to parse payload", ErrTokenMalformed)
	}

	signature, err := decodeSegment(parts[2])
	if err != nil {
		return nil, NewValidationError("failed to decode signature segment", ErrTokenMalformed)
	}

	return &parsedToken{
		header:       header,
		claims:       claims,
		signingInput: []byte(parts[0] + "." + parts[1]),
		signature:    signature,
	}, nil
}

// decodeSegment decodes one base64url segment without padding.
func decodeSegment(segment string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(segment)
}

// unmarshalObject unmarshals data into v, requiring a JSON object.
func unmarshalObject(data []byte, v interface{}) error {
	if !isJSONObject(data) {
		return fmt.Errorf("not a JSON object")
	}
	return json.Unmarshal(data, v)
}

// isJSONObject reports whether data starts a JSON object value.
func isJSONObject(data []byte) bool {
	for _, b := range data {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		case '{':
			return true
		default:
			return false
		}
	}
	return false
}

// jsonWebKey is one entry of the provider's published key collection.
type jsonWebKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid,omitempty"`
	Alg string `json:"alg,omitempty"`
	Use string `json:"use,omitempty"`

	// RSA public key components, base64url-encoded big-endian integers.
	N string `json:"n,omitempty"`
	E string `json:"e,omitempty"`
}

// jsonWebKeySet is the key-set wire document.
type jsonWebKeySet struct {
	Keys []jsonWebKey `json:"keys"`
}

// SigningKey is one trusted provider public key. Immutable after
// construction.
type SigningKey struct {
	KeyID     string
	Algorithm string
	Key       *rsa.PublicKey
}

// parseKeySet decodes the key-set wire format into a kid-indexed map.
// Unknown or unsupported entries are skipped; an empty result is malformed.
func parseKeySet(data []byte) (map[string]*SigningKey, error) {
	var wire jsonWebKeySet
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, NewValidationError("failed to parse key set", ErrTokenMalformed)
	}

	keys := make(map[string]*SigningKey, len(wire.Keys))
	for i := range wire.Keys {
		key, err := wire.Keys[i].toSigningKey()
		if err != nil {
			continue
		}
		keys[key.KeyID] = key
	}

	if len(keys) == 0 {
		return nil, NewValidationError("key set contains no usable keys", ErrTokenMalformed)
	}

	return keys, nil
}

// toSigningKey converts a wire key entry to a SigningKey.
func (k *jsonWebKey) toSigningKey() (*SigningKey, error) {
	if k.Kty != "RSA" {
		return nil, fmt.Errorf("unsupported key type: %s", k.Kty)
	}
	if k.Kid == "" {
		return nil, fmt.Errorf("key entry has no kid")
	}
	if k.Use != "" && k.Use != "sig" {
		return nil, fmt.Errorf("key use is not sig: %s", k.Use)
	}

	pub, err := k.toRSAPublicKey()
	if err != nil {
		return nil, err
	}

	return &SigningKey{
		KeyID:     k.Kid,
		Algorithm: k.Alg,
		Key:       pub,
	}, nil
}

// toRSAPublicKey assembles an RSA public key from the modulus and exponent.
func (k *jsonWebKey) toRSAPublicKey() (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}
	n := new(big.Int).SetBytes(nBytes)
	if n.Sign() == 0 {
		return nil, fmt.Errorf("modulus is zero")
	}

	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}
	e := 0
	for _, b := range eBytes {
		e = e<<8 + int(b)
	}
	if e == 0 {
		return nil, fmt.Errorf("exponent is zero")
	}

	return &rsa.PublicKey{
		N: n,
		E: e,
	}, nil
}
