// Package config loads the YAML configuration used by the command-line
// tooling.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/vyrodovalexey/avidtoken/idtoken"
	"github.com/vyrodovalexey/avidtoken/internal/observability"
)

// envVarPattern matches ${VAR} and ${VAR:-default} patterns.
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// ValidatorConfig is the YAML shape of the token validator settings.
// Durations are human-readable strings ("30s", "1h").
type ValidatorConfig struct {
	Audiences          []string `yaml:"audiences"`
	Issuers            []string `yaml:"issuers,omitempty"`
	CertsURL           string   `yaml:"certsUrl,omitempty"`
	UserinfoURL        string   `yaml:"userinfoUrl,omitempty"`
	CacheTTL           Duration `yaml:"cacheTTL,omitempty"`
	MinRefreshInterval Duration `yaml:"minRefreshInterval,omitempty"`
	ClockSkew          Duration `yaml:"clockSkew,omitempty"`
	HTTPTimeout        Duration `yaml:"httpTimeout,omitempty"`
}

// Config is the root of the YAML configuration file.
type Config struct {
	Validator ValidatorConfig         `yaml:"validator"`
	Logging   observability.LogConfig `yaml:"logging"`
}

// Load loads configuration from a file path.
func Load(path string) (*Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", path, err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	return parse(data)
}

// LoadFromReader loads configuration from an io.Reader.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return parse(data)
}

func parse(data []byte) (*Config, error) {
	content := substituteEnvVars(string(data))

	cfg := &Config{
		Logging: observability.DefaultLogConfig(),
	}
	if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration is usable.
func (c *Config) Validate() error {
	if len(c.Validator.Audiences) == 0 {
		return errors.New("validator.audiences must list at least one audience")
	}
	return nil
}

// ValidatorSettings converts the YAML shape into the validator's own
// configuration type.
func (c *Config) ValidatorSettings() idtoken.Config {
	return idtoken.Config{
		Audiences:          c.Validator.Audiences,
		Issuers:            c.Validator.Issuers,
		CertsURL:           c.Validator.CertsURL,
		UserinfoURL:        c.Validator.UserinfoURL,
		CacheTTL:           c.Validator.CacheTTL.Duration(),
		MinRefreshInterval: c.Validator.MinRefreshInterval.Duration(),
		ClockSkew:          c.Validator.ClockSkew.Duration(),
		HTTPTimeout:        c.Validator.HTTPTimeout.Duration(),
	}
}

// substituteEnvVars replaces ${VAR} and ${VAR:-default} patterns with
// environment variable values. "$$" escapes a literal dollar sign.
func substituteEnvVars(content string) string {
	content = strings.ReplaceAll(content, "$$", "\x00ESCAPED_DOLLAR\x00")

	result := envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		submatches := envVarPattern.FindStringSubmatch(match)
		if len(submatches) < 2 {
			return match
		}

		varName := submatches[1]
		defaultValue := ""
		if len(submatches) >= 3 {
			defaultValue = submatches[2]
		}

		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return defaultValue
	})

	return strings.ReplaceAll(result, "\x00ESCAPED_DOLLAR\x00", "$")
}
