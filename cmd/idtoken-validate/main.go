// Package main is the entry point for the idtoken-validate tool. It reads
// an ID token from the command line or stdin, verifies it against the
// configured provider, and prints the claims as JSON.
package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/vyrodovalexey/avidtoken/idtoken"
	"github.com/vyrodovalexey/avidtoken/internal/config"
	"github.com/vyrodovalexey/avidtoken/internal/observability"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// Exit codes by failure kind, so scripts can branch on the outcome.
const (
	exitOK          = 0
	exitRejected    = 1
	exitUnavailable = 2
	exitUsage       = 3
)

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	audiences   string
	logLevel    string
	logFormat   string
	accessToken bool
	showVersion bool
}

func main() {
	os.Exit(run())
}

func run() int {
	flags := parseFlags()

	if flags.showVersion {
		printVersion()
		return exitOK
	}

	logger := initLogger(flags)
	defer func() { _ = logger.Sync() }()

	cfg, err := buildValidatorConfig(flags)
	if err != nil {
		logger.Error("invalid configuration", zap.Error(err))
		return exitUsage
	}

	token, err := readToken(flag.Args())
	if err != nil {
		logger.Error("no token to validate", zap.Error(err))
		return exitUsage
	}

	client, err := idtoken.NewClient(cfg, idtoken.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create validator", zap.Error(err))
		return exitUsage
	}

	var result interface{}
	if flags.accessToken {
		result, err = client.ValidateAccessToken(token)
	} else {
		result, err = client.Validate(token)
	}
	if err != nil {
		logger.Error("token rejected", zap.Error(err))
		if errors.Is(err, idtoken.ErrKeyFetchFailed) {
			return exitUnavailable
		}
		return exitRejected
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		logger.Error("failed to encode claims", zap.Error(err))
		return exitUsage
	}
	fmt.Println(string(out))
	return exitOK
}

// parseFlags parses command line flags.
func parseFlags() cliFlags {
	configPath := flag.String("config", getEnvOrDefault("IDTOKEN_CONFIG_PATH", ""),
		"Path to configuration file")
	audiences := flag.String("audience", getEnvOrDefault("IDTOKEN_AUDIENCE", ""),
		"Comma-separated acceptable audience values (overrides config)")
	logLevel := flag.String("log-level", getEnvOrDefault("IDTOKEN_LOG_LEVEL", "info"),
		"Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", getEnvOrDefault("IDTOKEN_LOG_FORMAT", "console"),
		"Log format (json, console)")
	accessToken := flag.Bool("access-token", false,
		"Validate an access token against the userinfo endpoint instead of an ID token")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	return cliFlags{
		configPath:  *configPath,
		audiences:   *audiences,
		logLevel:    *logLevel,
		logFormat:   *logFormat,
		accessToken: *accessToken,
		showVersion: *showVersion,
	}
}

// printVersion prints version information.
func printVersion() {
	fmt.Printf("idtoken-validate version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

// initLogger initializes the logger.
func initLogger(flags cliFlags) *zap.Logger {
	logger, err := observability.NewLogger(observability.LogConfig{
		Level:  flags.logLevel,
		Format: flags.logFormat,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(exitUsage)
	}
	return logger
}

// buildValidatorConfig assembles the validator configuration from the
// config file and flag overrides.
func buildValidatorConfig(flags cliFlags) (idtoken.Config, error) {
	cfg := idtoken.Config{}
	if flags.configPath != "" {
		fileCfg, err := config.Load(flags.configPath)
		if err != nil {
			return idtoken.Config{}, err
		}
		cfg = fileCfg.ValidatorSettings()
	}

	if flags.audiences != "" {
		cfg.Audiences = splitAudiences(flags.audiences)
	}
	return cfg, nil
}

// splitAudiences splits a comma-separated audience list, dropping empties.
func splitAudiences(s string) []string {
	var audiences []string
	for _, aud := range strings.Split(s, ",") {
		if aud = strings.TrimSpace(aud); aud != "" {
			audiences = append(audiences, aud)
		}
	}
	return audiences
}

// readToken returns the token from the first positional argument, or from
// stdin when no argument is given.
func readToken(args []string) (string, error) {
	if len(args) > 0 && args[0] != "" && args[0] != "-" {
		return args[0], nil
	}

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", err
		}
		return "", errors.New("no token on stdin")
	}
	token := strings.TrimSpace(scanner.Text())
	if token == "" {
		return "", errors.New("empty token")
	}
	return token, nil
}

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, def string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return def
}
