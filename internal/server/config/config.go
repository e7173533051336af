// Package config loads the telemetry server's configuration from the
// environment, following the same flat envOr/envInt idiom as the edge
// agent's config loader.
package config

import (
	"errors"
	"os"
	"strconv"
	"time"
)

// Config is the server's immutable runtime configuration.
type Config struct {
	ListenAddr           string
	DatabaseURL          string
	CacheURL             string
	DeviceTokens         map[string]string // token -> device_id
	CacheTTL             time.Duration
	MaxSamplesPerRequest int
	MaxRequestBytes      int64
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// parseTokens parses "tok1:dev1,tok2:dev2" into a token->device_id map.
func parseTokens(s string) (map[string]string, error) {
	out := make(map[string]string)
	if s == "" {
		return out, nil
	}
	pairs := splitNonEmpty(s, ',')
	for _, p := range pairs {
		kv := splitNonEmpty(p, ':')
		if len(kv) != 2 || kv[0] == "" || kv[1] == "" {
			return nil, errors.New("config: DEVICE_TOKENS entries must be token:device_id")
		}
		out[kv[0]] = kv[1]
	}
	return out, nil
}

func splitNonEmpty(s string, sep byte) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

// Load builds a Config from the environment, failing fast on the first
// set of violations rather than silently substituting defaults for
// required fields.
func Load() (Config, error) {
	var errs []error

	dbURL := envOr("DATABASE_URL", "")
	if dbURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}

	tokens, err := parseTokens(envOr("DEVICE_TOKENS", ""))
	if err != nil {
		errs = append(errs, err)
	} else if len(tokens) == 0 {
		errs = append(errs, errors.New("DEVICE_TOKENS must contain at least one token:device_id pair"))
	}

	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}

	return Config{
		ListenAddr:           envOr("LISTEN_ADDR", ":8080"),
		DatabaseURL:          dbURL,
		CacheURL:             envOr("CACHE_URL", "redis://localhost:6379/0"),
		DeviceTokens:         tokens,
		CacheTTL:             time.Duration(envInt("CACHE_TTL_S", 5)) * time.Second,
		MaxSamplesPerRequest: envInt("MAX_SAMPLES_PER_REQUEST", 1000),
		MaxRequestBytes:      int64(envInt("MAX_REQUEST_BYTES", 1048576)),
	}, nil
}
