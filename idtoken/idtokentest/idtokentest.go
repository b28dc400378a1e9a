// Package idtokentest provides helpers for minting RS256-signed ID tokens
// and matching key-set documents in tests.
package idtokentest

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

// Signer holds a generated RSA key pair and mints tokens signed with it.
type Signer struct {
	KeyID string
	Key   *rsa.PrivateKey
}

// NewSigner generates a fresh 2048-bit RSA signer with the given key ID.
func NewSigner(keyID string) (*Signer, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}
	return &Signer{KeyID: keyID, Key: key}, nil
}

// Sign mints an RS256 token carrying the given claims.
func (s *Signer) Sign(claims map[string]interface{}) (string, error) {
	return s.SignWithHeader(map[string]interface{}{
		"alg": "RS256",
		"typ": "JWT",
		"kid": s.KeyID,
	}, claims)
}

// SignWithHeader mints a token with full control over the header, for
// tests that need wrong algorithms or missing key IDs.
func (s *Signer) SignWithHeader(header, claims map[string]interface{}) (string, error) {
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return "", err
	}
	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}

	signingInput := base64.RawURLEncoding.EncodeToString(headerJSON) +
		"." + base64.RawURLEncoding.EncodeToString(claimsJSON)

	h := sha256.Sum256([]byte(signingInput))
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.Key, crypto.SHA256, h[:])
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return signingInput + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// KeySetJSON serializes the public halves of the given signers as a JWKS
// document.
func KeySetJSON(signers ...*Signer) ([]byte, error) {
	set := jwk.NewSet()
	for _, s := range signers {
		key, err := jwk.FromRaw(s.Key.Public())
		if err != nil {
			return nil, err
		}
		if err := key.Set(jwk.KeyIDKey, s.KeyID); err != nil {
			return nil, err
		}
		if err := key.Set(jwk.AlgorithmKey, "RS256"); err != nil {
			return nil, err
		}
		if err := set.AddKey(key); err != nil {
			return nil, err
		}
	}
	return json.Marshal(set)
}

// KeyServer is an httptest server publishing a key-set document and
// counting how many times it was fetched.
type KeyServer struct {
	*httptest.Server

	fetches atomic.Int64
	body    atomic.Value
	maxAge  atomic.Value
}

// NewKeyServer starts a server publishing the public keys of the given
// signers. Close it when done.
func NewKeyServer(signers ...*Signer) (*KeyServer, error) {
	body, err := KeySetJSON(signers...)
	if err != nil {
		return nil, err
	}

	ks := &KeyServer{}
	ks.body.Store(body)
	ks.maxAge.Store("")

	ks.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ks.fetches.Add(1)
		if cc := ks.maxAge.Load().(string); cc != "" {
			w.Header().Set("Cache-Control", cc)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(ks.body.Load().([]byte))
	}))

	return ks, nil
}

// Fetches returns how many times the key set was requested.
func (ks *KeyServer) Fetches() int64 {
	return ks.fetches.Load()
}

// Rotate replaces the published key set with the given signers' keys.
func (ks *KeyServer) Rotate(signers ...*Signer) error {
	body, err := KeySetJSON(signers...)
	if err != nil {
		return err
	}
	ks.body.Store(body)
	return nil
}

// SetCacheControl sets the Cache-Control header sent with responses, e.g.
// "public, max-age=3600". Empty disables the header.
func (ks *KeyServer) SetCacheControl(value string) {
	ks.maxAge.Store(value)
}
