package idtoken

import (
	"encoding/json"
	"time"
)

// Claims is the decoded payload of a validated ID token. Once returned to
// the caller it is a read-only snapshot; the package never retains or
// mutates it after a validation call completes.
type Claims struct {
	// Standard claims
	Issuer    string       `json:"iss,omitempty"`
	Subject   string       `json:"sub,omitempty"`
	Audience  Audience     `json:"aud,omitempty"`
	ExpiresAt *NumericDate `json:"exp,omitempty"`
	NotBefore *NumericDate `json:"nbf,omitempty"`
	IssuedAt  *NumericDate `json:"iat,omitempty"`
	JWTID     string       `json:"jti,omitempty"`

	// OpenID Connect profile claims
	AuthorizedParty string `json:"azp,omitempty"`
	Email           string `json:"email,omitempty"`
	EmailVerified   bool   `json:"email_verified,omitempty"`
	Name            string `json:"name,omitempty"`
	Picture         string `json:"picture,omitempty"`
	GivenName       string `json:"given_name,omitempty"`
	FamilyName      string `json:"family_name,omitempty"`

	// Extra holds claims not covered by the fields above.
	Extra map[string]interface{} `json:"-"`
}

// standardClaimKeys are the payload keys decoded into named fields.
var standardClaimKeys = []string{
	"iss", "sub", "aud", "exp", "nbf", "iat", "jti",
	"azp", "email", "email_verified", "name", "picture",
	"given_name", "family_name",
}

// NumericDate is a wrapper around time.Time for the JWT seconds-since-epoch
// encoding.
type NumericDate struct {
	time.Time
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *NumericDate) UnmarshalJSON(data []byte) error {
	var timestamp float64
	if err := json.Unmarshal(data, &timestamp); err != nil {
		return err
	}
	d.Time = time.Unix(int64(timestamp), 0)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d NumericDate) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Unix())
}

// Audience represents the aud claim, which may be encoded as a single
// string or as an array of strings.
type Audience []string

// UnmarshalJSON implements json.Unmarshaler.
func (a *Audience) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*a = Audience{single}
		return nil
	}

	var multiple []string
	if err := json.Unmarshal(data, &multiple); err != nil {
		return err
	}
	*a = Audience(multiple)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (a Audience) MarshalJSON() ([]byte, error) {
	if len(a) == 1 {
		return json.Marshal(a[0])
	}
	return json.Marshal([]string(a))
}

// Contains checks if the audience contains a specific value.
func (a Audience) Contains(aud string) bool {
	for _, v := range a {
		if v == aud {
			return true
		}
	}
	return false
}

// ContainsAny checks if the audience contains any of the specified values.
func (a Audience) ContainsAny(auds ...string) bool {
	for _, aud := range auds {
		if a.Contains(aud) {
			return true
		}
	}
	return false
}

// GetClaim returns a claim value by its payload key, falling back to the
// extra claims for keys without a named field.
func (c *Claims) GetClaim(name string) (interface{}, bool) {
	switch name {
	case "iss":
		return c.Issuer, c.Issuer != ""
	case "sub":
		return c.Subject, c.Subject != ""
	case "aud":
		return []string(c.Audience), len(c.Audience) > 0
	case "exp":
		if c.ExpiresAt != nil {
			return c.ExpiresAt.Unix(), true
		}
		return nil, false
	case "nbf":
		if c.NotBefore != nil {
			return c.NotBefore.Unix(), true
		}
		return nil, false
	case "iat":
		if c.IssuedAt != nil {
			return c.IssuedAt.Unix(), true
		}
		return nil, false
	case "jti":
		return c.JWTID, c.JWTID != ""
	case "azp":
		return c.AuthorizedParty, c.AuthorizedParty != ""
	case "email":
		return c.Email, c.Email != ""
	case "email_verified":
		return c.EmailVerified, true
	case "name":
		return c.Name, c.Name != ""
	case "picture":
		return c.Picture, c.Picture != ""
	case "given_name":
		return c.GivenName, c.GivenName != ""
	case "family_name":
		return c.FamilyName, c.FamilyName != ""
	}

	if c.Extra != nil {
		v, ok := c.Extra[name]
		return v, ok
	}

	return nil, false
}

// decodeClaims decodes a JSON payload object into Claims, preserving
// non-standard claims in Extra.
func decodeClaims(data []byte) (*Claims, error) {
	var claims Claims
	if err := json.Unmarshal(data, &claims); err != nil {
		return nil, err
	}

	var all map[string]interface{}
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	for _, key := range standardClaimKeys {
		delete(all, key)
	}
	if len(all) > 0 {
		claims.Extra = all
	}

	return &claims, nil
}
