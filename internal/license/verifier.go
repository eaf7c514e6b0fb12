package license

import (
	"context"
	"log/slog"
	"time"

	apperrors "keymint/internal/errors"
	"keymint/internal/infrastructure"
	"keymint/internal/keystore"
)

// VerifyResult is the outcome of an offline token verification.
type VerifyResult struct {
	Valid   bool         `json:"valid"`
	Payload *TokenClaims `json:"payload,omitempty"`
	Reason  string       `json:"reason,omitempty"`
}

// Verifier validates signed entitlement tokens. It is side-effect-free
// beyond metrics and safe under unbounded concurrency; the token is
// self-contained, so verification works even when the underlying
// license record no longer exists.
type Verifier struct {
	custodian keystore.Custodian
	metrics   *infrastructure.Metrics
	logger    *slog.Logger
}

// NewVerifier creates a verifier.
func NewVerifier(custodian keystore.Custodian, metrics *infrastructure.Metrics, logger *slog.Logger) *Verifier {
	return &Verifier{
		custodian: custodian,
		metrics:   metrics,
		logger:    logger.With(slog.String("component", "license_verifier")),
	}
}

// Verify checks signature, device binding, and expiry, in that order,
// and returns the decoded entitlement payload on success.
func (v *Verifier) Verify(ctx context.Context, token, installationFingerprint string) (*VerifyResult, error) {
	claims := &TokenClaims{}
	if err := v.custodian.Verify(token, claims); err != nil {
		v.metrics.RecordVerification(ctx, "invalid_token")
		return &VerifyResult{Valid: false, Reason: apperrors.ReasonInvalidToken}, apperrors.ErrInvalidToken
	}

	if claims.DeviceFingerprint != "" && claims.DeviceFingerprint != installationFingerprint {
		v.metrics.RecordVerification(ctx, "device_mismatch")
		v.logger.WarnContext(ctx, "token presented from unbound device",
			slog.String("license_key", claims.LicenseKey),
		)
		return &VerifyResult{Valid: false, Reason: apperrors.ReasonDeviceMismatch}, apperrors.ErrDeviceMismatch
	}

	if claims.Expired(time.Now().UTC()) {
		v.metrics.RecordVerification(ctx, "expired")
		return &VerifyResult{Valid: false, Reason: apperrors.ReasonExpired}, apperrors.ErrExpired
	}

	v.metrics.RecordVerification(ctx, "valid")
	return &VerifyResult{Valid: true, Payload: claims}, nil
}
