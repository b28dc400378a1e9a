package idtoken

import (
	"errors"
	"time"
)

// Default endpoints and acceptance values for the reference provider.
const (
	// DefaultCertsURL is the provider's published key-set endpoint.
	DefaultCertsURL = "https://www.googleapis.com/oauth2/v3/certs"

	// DefaultUserinfoURL is the provider's userinfo endpoint used for
	// access-token validation.
	DefaultUserinfoURL = "https://www.googleapis.com/oauth2/v3/userinfo"
)

// defaultIssuers are the issuer values the provider puts in ID tokens.
var defaultIssuers = []string{
	"https://accounts.google.com",
	"accounts.google.com",
}

const (
	defaultCacheTTL    = time.Hour
	defaultClockSkew   = 30 * time.Second
	defaultHTTPTimeout = 5 * time.Second
)

// Config describes what a Client accepts and where it fetches keys from.
// The zero value of every optional field is replaced by a default; only
// Audiences is required.
type Config struct {
	// Audiences are the acceptable values of the aud claim. At least one
	// is required.
	Audiences []string `yaml:"audiences" json:"audiences"`

	// Issuers overrides the acceptable values of the iss claim. Empty
	// means the provider's published issuers.
	Issuers []string `yaml:"issuers,omitempty" json:"issuers,omitempty"`

	// CertsURL overrides the key-set endpoint.
	CertsURL string `yaml:"certsUrl,omitempty" json:"certsUrl,omitempty"`

	// UserinfoURL overrides the userinfo endpoint.
	UserinfoURL string `yaml:"userinfoUrl,omitempty" json:"userinfoUrl,omitempty"`

	// CacheTTL is the key-set freshness duration applied when the
	// provider sends no cache hint.
	CacheTTL time.Duration `yaml:"cacheTTL,omitempty" json:"cacheTTL,omitempty"`

	// MinRefreshInterval caps how often the key store contacts the
	// provider. Zero disables the throttle.
	MinRefreshInterval time.Duration `yaml:"minRefreshInterval,omitempty" json:"minRefreshInterval,omitempty"`

	// ClockSkew is the tolerance applied to issue-side time checks.
	ClockSkew time.Duration `yaml:"clockSkew,omitempty" json:"clockSkew,omitempty"`

	// HTTPTimeout bounds provider requests made by the default transport.
	HTTPTimeout time.Duration `yaml:"httpTimeout,omitempty" json:"httpTimeout,omitempty"`
}

// DefaultConfig returns a configuration with provider defaults and no
// audiences; callers must add at least one before use.
func DefaultConfig() Config {
	return Config{
		Issuers:     append([]string(nil), defaultIssuers...),
		CertsURL:    DefaultCertsURL,
		UserinfoURL: DefaultUserinfoURL,
		CacheTTL:    defaultCacheTTL,
		ClockSkew:   defaultClockSkew,
		HTTPTimeout: defaultHTTPTimeout,
	}
}

// normalize fills defaults for unset optional fields.
func (c *Config) normalize() {
	if len(c.Issuers) == 0 {
		c.Issuers = append([]string(nil), defaultIssuers...)
	}
	if c.CertsURL == "" {
		c.CertsURL = DefaultCertsURL
	}
	if c.UserinfoURL == "" {
		c.UserinfoURL = DefaultUserinfoURL
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = defaultCacheTTL
	}
	if c.ClockSkew <= 0 {
		c.ClockSkew = defaultClockSkew
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = defaultHTTPTimeout
	}
}

// Validate checks the configuration is usable.
func (c Config) Validate() error {
	if len(c.Audiences) == 0 {
		return errors.New("at least one audience is required")
	}
	for _, aud := range c.Audiences {
		if aud == "" {
			return errors.New("audience must not be empty")
		}
	}
	if c.CacheTTL < 0 {
		return errors.New("cacheTTL must be non-negative")
	}
	if c.MinRefreshInterval < 0 {
		return errors.New("minRefreshInterval must be non-negative")
	}
	if c.ClockSkew < 0 {
		return errors.New("clockSkew must be non-negative")
	}
	return nil
}
