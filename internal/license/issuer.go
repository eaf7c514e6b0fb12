// Package license implements the paid side of the core: issuing
// license keys with signed entitlement tokens, activating them against
// a device, verifying tokens offline, and revoking them.
package license

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"gorm.io/gorm"

	"keymint/internal/infrastructure"
	"keymint/internal/keystore"
	"keymint/internal/store"
)

// keyGenAttempts bounds the retry loop on a unique-index collision.
// With 32^32 possible keys a single retry is already unlikely.
const keyGenAttempts = 5

// GenerateRequest describes a license to issue.
type GenerateRequest struct {
	CustomerName   string
	CustomerEmail  string
	LicenseType    string
	MaxActivations int
	ExpiresInDays  int // 0 = perpetual
	Features       []string
	CreditLimit    int

	// Optional pre-binding: the license ships already fixed to a known
	// device and can only ever activate there.
	DeviceFingerprint string
	HardwareSignature string
}

// IssueResult is what the purchaser receives.
type IssueResult struct {
	LicenseKey  string     `json:"license_key"`
	SignedToken string     `json:"signed_token"`
	PublicKey   string     `json:"public_key"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// Issuer mints license records and their signed entitlement tokens.
type Issuer struct {
	store     *store.Store
	custodian keystore.Custodian
	metrics   *infrastructure.Metrics
	logger    *slog.Logger
}

// NewIssuer creates an issuer backed by the given store and custodian.
func NewIssuer(s *store.Store, custodian keystore.Custodian, metrics *infrastructure.Metrics, logger *slog.Logger) *Issuer {
	return &Issuer{
		store:     s,
		custodian: custodian,
		metrics:   metrics,
		logger:    logger.With(slog.String("component", "license_issuer")),
	}
}

// Generate creates a license record in PENDING state and returns the
// key together with the signed token and the public-key snapshot, so
// later verification never needs a live connection back to the issuer.
func (i *Issuer) Generate(ctx context.Context, req GenerateRequest) (*IssueResult, error) {
	if req.MaxActivations < 1 {
		req.MaxActivations = 1
	}

	var expiresAt *time.Time
	if req.ExpiresInDays > 0 {
		t := time.Now().UTC().AddDate(0, 0, req.ExpiresInDays)
		expiresAt = &t
	}

	featuresJSON, err := json.Marshal(req.Features)
	if err != nil {
		return nil, fmt.Errorf("failed to encode features: %w", err)
	}

	now := time.Now().UTC()
	claims := &TokenClaims{
		LicenseType:       req.LicenseType,
		DeviceFingerprint: req.DeviceFingerprint,
		HardwareSignature: req.HardwareSignature,
		Features:          req.Features,
		CreditLimit:       req.CreditLimit,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   "keymint",
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if expiresAt != nil {
		claims.ExpiresAt = jwt.NewNumericDate(*expiresAt)
	}

	for attempt := 0; attempt < keyGenAttempts; attempt++ {
		key, err := GenerateKey()
		if err != nil {
			return nil, err
		}
		claims.LicenseKey = key

		token, err := i.custodian.Sign(claims)
		if err != nil {
			return nil, fmt.Errorf("failed to sign entitlement token: %w", err)
		}

		record := &store.LicenseKey{
			LicenseKey:        key,
			LicenseType:       req.LicenseType,
			Status:            store.LicenseStatusPending,
			CustomerName:      req.CustomerName,
			CustomerEmail:     req.CustomerEmail,
			DeviceFingerprint: req.DeviceFingerprint,
			HardwareSignature: req.HardwareSignature,
			MaxActivations:    req.MaxActivations,
			ActivationCount:   0,
			ExpiresAt:         expiresAt,
			Features:          string(featuresJSON),
			CreditLimit:       req.CreditLimit,
			SignedToken:       token,
			PublicKey:         i.custodian.PublicKeyPEM(),
		}

		if err := i.store.CreateLicense(ctx, record); err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				i.logger.WarnContext(ctx, "license key collision, regenerating",
					slog.Int("attempt", attempt+1),
				)
				continue
			}
			return nil, err
		}

		i.logger.InfoContext(ctx, "license issued",
			slog.String("license_id", record.ID),
			slog.String("license_type", req.LicenseType),
			slog.Int("max_activations", req.MaxActivations),
			slog.Bool("perpetual", expiresAt == nil),
		)
		i.metrics.RecordLicenseIssued(ctx, req.LicenseType)

		return &IssueResult{
			LicenseKey:  key,
			SignedToken: token,
			PublicKey:   record.PublicKey,
			ExpiresAt:   expiresAt,
		}, nil
	}

	return nil, fmt.Errorf("failed to generate a unique license key after %d attempts", keyGenAttempts)
}

// Revoke marks a license revoked. Irreversible: issuing a new license
// is the supported remedy, not unrevoking.
func (i *Issuer) Revoke(ctx context.Context, key, reason string) error {
	if err := i.store.RevokeLicense(ctx, key, reason); err != nil {
		return err
	}
	i.logger.WarnContext(ctx, "license revoked",
		slog.String("license_key", key),
		slog.String("reason", reason),
	)
	return nil
}
