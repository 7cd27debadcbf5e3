package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

var (
	// ErrNoAPIKey is returned when no API key is configured.
	ErrNoAPIKey = errors.New("no Anthropic API key configured")
	// ErrInvalidAPIKey is returned for keys that cannot be Anthropic keys.
	ErrInvalidAPIKey = errors.New("invalid API key")
)

const (
	apiKeyPrefix = "sk-ant-"
	minAPIKeyLen = 20
)

// apiKeyEnv lists the environment variables checked for a key, in order.
var apiKeyEnv = []string{EnvPrefix + "_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY"}

// KeySource represents where an API key was loaded from.
type KeySource string

const (
	// KeySourceBedrock means no key is needed: AWS credentials are used.
	KeySourceBedrock KeySource = "bedrock"
	KeySourceEnv     KeySource = "environment"
	KeySourceConfig  KeySource = "config_file"
	KeySourceNone    KeySource = "none"
)

// ResolveAPIKey returns the Anthropic API key and where it came from.
// Bedrock needs no key. Otherwise the environment wins over the config
// file, and unexpanded ${VAR} references count as unset.
func ResolveAPIKey(cfg *Config) (string, KeySource, error) {
	if cfg != nil && cfg.Anthropic.UseBedrock {
		return "", KeySourceBedrock, nil
	}
	for _, name := range apiKeyEnv {
		if key := strings.TrimSpace(os.Getenv(name)); key != "" {
			return key, KeySourceEnv, nil
		}
	}
	if cfg != nil {
		key := strings.TrimSpace(os.ExpandEnv(cfg.Anthropic.APIKey))
		if key != "" && !strings.HasPrefix(key, "${") {
			return key, KeySourceConfig, nil
		}
	}
	return "", KeySourceNone, ErrNoAPIKey
}

// ValidateAPIKey checks the key's shape. It does not call the API.
func ValidateAPIKey(key string) error {
	switch {
	case key == "":
		return ErrNoAPIKey
	case !strings.HasPrefix(key, apiKeyPrefix):
		return fmt.Errorf("%w: expected %q prefix", ErrInvalidAPIKey, apiKeyPrefix)
	case len(key) < minAPIKeyLen:
		return fmt.Errorf("%w: %d characters, want at least %d", ErrInvalidAPIKey, len(key), minAPIKeyLen)
	case strings.ContainsAny(key, " \t\r\n"):
		return fmt.Errorf("%w: contains whitespace", ErrInvalidAPIKey)
	}
	return nil
}

// MaskAPIKey keeps the key's prefix and last four characters.
func MaskAPIKey(key string) string {
	switch {
	case key == "":
		return "(not set)"
	case len(key) < minAPIKeyLen:
		return "***"
	}
	prefix := apiKeyPrefix
	if !strings.HasPrefix(key, prefix) {
		prefix = key[:3]
	}
	return prefix + "..." + key[len(key)-4:]
}
