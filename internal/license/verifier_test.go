package license

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "keymint/internal/errors"
	"keymint/internal/keystore"
)

func TestVerify_ValidToken(t *testing.T) {
	deps := newTestDeps(t)
	ctx := context.Background()

	issued, err := deps.issuer.Generate(ctx, GenerateRequest{
		LicenseType: "professional",
		Features:    []string{"reports"},
		CreditLimit: 500,
	})
	require.NoError(t, err)

	result, err := deps.verifier.Verify(ctx, issued.SignedToken, "any-fingerprint")
	require.NoError(t, err)
	assert.True(t, result.Valid)
	require.NotNil(t, result.Payload)
	assert.Equal(t, issued.LicenseKey, result.Payload.LicenseKey)
	assert.Equal(t, "professional", result.Payload.LicenseType)
	assert.Equal(t, []string{"reports"}, result.Payload.Features)
	assert.Equal(t, 500, result.Payload.CreditLimit)
	assert.Empty(t, result.Reason)
}

func TestVerify_BoundTokenRequiresMatchingDevice(t *testing.T) {
	deps := newTestDeps(t)
	ctx := context.Background()

	issued, err := deps.issuer.Generate(ctx, GenerateRequest{
		LicenseType:       "standard",
		DeviceFingerprint: "fp-bound",
	})
	require.NoError(t, err)

	result, err := deps.verifier.Verify(ctx, issued.SignedToken, "fp-bound")
	require.NoError(t, err)
	assert.True(t, result.Valid)

	result, err = deps.verifier.Verify(ctx, issued.SignedToken, "fp-other")
	require.ErrorIs(t, err, apperrors.ErrDeviceMismatch)
	assert.False(t, result.Valid)
	assert.Equal(t, apperrors.ReasonDeviceMismatch, result.Reason)
}

func TestVerify_ExpiredToken(t *testing.T) {
	deps := newTestDeps(t)
	ctx := context.Background()

	// Sign an already-expired token directly; the verifier must report
	// expiry as its own outcome, not a signature failure.
	claims := &TokenClaims{
		LicenseKey:  "ABCD2345-ABCD2345-ABCD2345-ABCD2345",
		LicenseType: "standard",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "keymint",
			IssuedAt:  jwt.NewNumericDate(time.Now().UTC().Add(-48 * time.Hour)),
			ExpiresAt: jwt.NewNumericDate(time.Now().UTC().Add(-time.Hour)),
		},
	}
	token, err := deps.custodian.Sign(claims)
	require.NoError(t, err)

	result, err := deps.verifier.Verify(ctx, token, "any")
	require.ErrorIs(t, err, apperrors.ErrExpired)
	assert.False(t, result.Valid)
	assert.Equal(t, apperrors.ReasonExpired, result.Reason)
}

func TestVerify_GarbageToken(t *testing.T) {
	deps := newTestDeps(t)

	result, err := deps.verifier.Verify(context.Background(), "not-a-token", "any")
	require.ErrorIs(t, err, apperrors.ErrInvalidToken)
	assert.False(t, result.Valid)
	assert.Equal(t, apperrors.ReasonInvalidToken, result.Reason)
	assert.Nil(t, result.Payload)
}

func TestVerify_WorksWithoutLicenseRecord(t *testing.T) {
	deps := newTestDeps(t)
	ctx := context.Background()

	issued, err := deps.issuer.Generate(ctx, GenerateRequest{LicenseType: "standard"})
	require.NoError(t, err)

	// A verifier built from only the public key snapshot accepts the
	// token: no store, no private key, no issuer.
	claims := &TokenClaims{}
	require.NoError(t, keystore.VerifyWithPublicKey(issued.PublicKey, issued.SignedToken, claims))
	assert.Equal(t, issued.LicenseKey, claims.LicenseKey)
}

func TestTokenClaims_Expired(t *testing.T) {
	now := time.Now().UTC()

	perpetual := &TokenClaims{}
	assert.False(t, perpetual.Expired(now))

	future := &TokenClaims{RegisteredClaims: jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}}
	assert.False(t, future.Expired(now))

	past := &TokenClaims{RegisteredClaims: jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(now.Add(-time.Hour)),
	}}
	assert.True(t, past.Expired(now))
}
