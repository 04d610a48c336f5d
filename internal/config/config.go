// Package config loads process configuration from the environment, the
// same os.Getenv style the teacher used directly in webrtc/videoconference.go
// rather than a config framework.
package config

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every environment-derived setting the server needs.
type Config struct {
	// HTTPAddr is the listen address for the combined HTTP/WS server.
	HTTPAddr string

	// PortBase is the first port the Port Allocator hands out.
	PortBase int
	// PortUpper bounds the allocator range; 0 disables the bound.
	PortUpper int

	// DatabaseDSN selects and configures the gorm backend. A dsn beginning
	// with "postgres://" selects the postgres driver; anything else is
	// treated as a sqlite file path.
	DatabaseDSN string

	// FieldEncryptionSecret seeds internal/crypto's scrypt key derivation.
	FieldEncryptionSecret string

	// TURNSecret keys coturn-style time-limited credentials; TURNURL is
	// advertised to clients alongside them. Empty TURNSecret disables TURN
	// and the router falls back to STUN-only. TURNRealm is read from the
	// environment but TURNCredentials does not use it.
	TURNSecret string
	TURNURL    string
	TURNRealm  string

	// IdentityProviderURL is passed to internal/auth's verifier. Verification
	// itself is out of scope per the spec; the URL is only plumbed through.
	IdentityProviderURL string
}

// FromEnv reads Config from the process environment, applying the same
// defaults the teacher's demo server used (port 8080, base port 20000).
func FromEnv() Config {
	return Config{
		HTTPAddr:               getEnv("HTTP_ADDR", ":8080"),
		PortBase:               getEnvInt("PORT_BASE", 20000),
		PortUpper:              getEnvInt("PORT_UPPER", 0),
		DatabaseDSN:            getEnv("DATABASE_DSN", "overlaymeet.db"),
		FieldEncryptionSecret:  os.Getenv("FIELD_ENCRYPTION_SECRET"),
		TURNSecret:             os.Getenv("TURN_SECRET"),
		TURNURL:                os.Getenv("TURN_URL"),
		TURNRealm:              getEnv("TURN_REALM", "overlaymeet"),
		IdentityProviderURL:    os.Getenv("IDENTITY_PROVIDER_URL"),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// TURNCredentials produces a coturn-style time-limited username/credential
// pair: username is "<expiry-unix>:overlaymeet", credential is the
// base64-encoded HMAC-SHA1 of username keyed by secret. ttl controls how far
// in the future the embedded expiry is set.
func TURNCredentials(secret string, ttl time.Duration) (username, credential string) {
	expiry := time.Now().Add(ttl).Unix()
	username = fmt.Sprintf("%d:overlaymeet", expiry)

	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(username))
	credential = base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return username, credential
}
