package license

import (
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// TokenClaims is the signed entitlement payload embedded in every
// issued license token. The token is self-contained: a client holding
// the public-key snapshot can verify it with no store and no network.
type TokenClaims struct {
	LicenseKey        string   `json:"license_key"`
	LicenseType       string   `json:"license_type"`
	DeviceFingerprint string   `json:"device_fingerprint,omitempty"`
	HardwareSignature string   `json:"hardware_signature,omitempty"`
	Features          []string `json:"features"`
	CreditLimit       int      `json:"credit_limit"`

	jwt.RegisteredClaims
}

// Expired reports whether the encoded expiry is in the past. A token
// without an expiry is perpetual.
func (c *TokenClaims) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && c.ExpiresAt.Before(now)
}
