package authapi

import (
	"os"
	"strconv"
	"strings"
)

const defaultMaxBodyBytes = 1 << 20

// Config controls the auth endpoints.
type Config struct {
	// TrustProxy honours X-Forwarded-For when recording the session IP.
	TrustProxy bool

	// MaxBodyBytes caps JSON request bodies.
	MaxBodyBytes int64
}

// LoadConfigFromEnv reads COURIER_TRUST_PROXY and COURIER_AUTH_MAX_BODY_BYTES.
func LoadConfigFromEnv() Config {
	return Config{
		TrustProxy:   envBool("COURIER_TRUST_PROXY", false),
		MaxBodyBytes: envInt64("COURIER_AUTH_MAX_BODY_BYTES", defaultMaxBodyBytes),
	}
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
