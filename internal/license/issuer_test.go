package license

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keymint/internal/abuse"
	apperrors "keymint/internal/errors"
	"keymint/internal/keystore"
	"keymint/internal/store"
)

// testRSAKey is generated once; RSA generation dominates test time
// otherwise.
var testRSAKey *rsa.PrivateKey

func testCustodian(t *testing.T) keystore.Custodian {
	t.Helper()
	if testRSAKey == nil {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)
		testRSAKey = key
	}
	c, err := keystore.NewMemoryCustodian(testRSAKey)
	require.NoError(t, err)
	return c
}

type testDeps struct {
	store     *store.Store
	custodian keystore.Custodian
	issuer    *Issuer
	activator *Activator
	verifier  *Verifier
}

func newTestDeps(t *testing.T) *testDeps {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := store.Open(":memory:", logger)
	require.NoError(t, err)
	custodian := testCustodian(t)
	detector := abuse.NewDetector(s, logger, 24*time.Hour)
	return &testDeps{
		store:     s,
		custodian: custodian,
		issuer:    NewIssuer(s, custodian, nil, logger),
		activator: NewActivator(s, detector, nil, logger),
		verifier:  NewVerifier(custodian, nil, logger),
	}
}

func TestGenerate_IssuesVerifiableLicense(t *testing.T) {
	deps := newTestDeps(t)
	ctx := context.Background()

	result, err := deps.issuer.Generate(ctx, GenerateRequest{
		CustomerName:   "Acme Corp",
		CustomerEmail:  "ops@acme.example",
		LicenseType:    "professional",
		MaxActivations: 3,
		ExpiresInDays:  365,
		Features:       []string{"reports", "export"},
		CreditLimit:    1000,
	})
	require.NoError(t, err)

	assert.True(t, ValidKeyFormat(result.LicenseKey))
	assert.NotEmpty(t, result.SignedToken)
	assert.Contains(t, result.PublicKey, "BEGIN PUBLIC KEY")
	require.NotNil(t, result.ExpiresAt)
	assert.WithinDuration(t, time.Now().UTC().AddDate(0, 0, 365), *result.ExpiresAt, time.Minute)

	// The persisted record mirrors the request.
	record, err := deps.store.FindLicenseByKey(ctx, result.LicenseKey)
	require.NoError(t, err)
	assert.Equal(t, store.LicenseStatusPending, record.Status)
	assert.Equal(t, "Acme Corp", record.CustomerName)
	assert.Equal(t, 3, record.MaxActivations)
	assert.Zero(t, record.ActivationCount)
	assert.Equal(t, result.SignedToken, record.SignedToken)

	var features []string
	require.NoError(t, json.Unmarshal([]byte(record.Features), &features))
	assert.Equal(t, []string{"reports", "export"}, features)

	// The token is self-contained and carries the entitlement.
	claims := &TokenClaims{}
	require.NoError(t, deps.custodian.Verify(result.SignedToken, claims))
	assert.Equal(t, result.LicenseKey, claims.LicenseKey)
	assert.Equal(t, "professional", claims.LicenseType)
	assert.Equal(t, []string{"reports", "export"}, claims.Features)
	assert.Equal(t, 1000, claims.CreditLimit)
	assert.Equal(t, "keymint", claims.Issuer)
}

func TestGenerate_PerpetualWhenNoExpiry(t *testing.T) {
	deps := newTestDeps(t)

	result, err := deps.issuer.Generate(context.Background(), GenerateRequest{
		LicenseType: "standard",
	})
	require.NoError(t, err)
	assert.Nil(t, result.ExpiresAt)

	claims := &TokenClaims{}
	require.NoError(t, deps.custodian.Verify(result.SignedToken, claims))
	assert.Nil(t, claims.ExpiresAt)
	assert.False(t, claims.Expired(time.Now().UTC()))
}

func TestGenerate_DefaultsMaxActivationsToOne(t *testing.T) {
	deps := newTestDeps(t)
	ctx := context.Background()

	result, err := deps.issuer.Generate(ctx, GenerateRequest{
		LicenseType:    "standard",
		MaxActivations: 0,
	})
	require.NoError(t, err)

	record, err := deps.store.FindLicenseByKey(ctx, result.LicenseKey)
	require.NoError(t, err)
	assert.Equal(t, 1, record.MaxActivations)
}

func TestGenerate_PreBoundLicense(t *testing.T) {
	deps := newTestDeps(t)
	ctx := context.Background()

	result, err := deps.issuer.Generate(ctx, GenerateRequest{
		LicenseType:       "standard",
		DeviceFingerprint: "fp-known",
		HardwareSignature: "sig-known",
	})
	require.NoError(t, err)

	record, err := deps.store.FindLicenseByKey(ctx, result.LicenseKey)
	require.NoError(t, err)
	assert.Equal(t, "fp-known", record.DeviceFingerprint)
	assert.Equal(t, "sig-known", record.HardwareSignature)

	claims := &TokenClaims{}
	require.NoError(t, deps.custodian.Verify(result.SignedToken, claims))
	assert.Equal(t, "fp-known", claims.DeviceFingerprint)
}

func TestGenerate_KeysAreUnique(t *testing.T) {
	deps := newTestDeps(t)
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 10; i++ {
		result, err := deps.issuer.Generate(ctx, GenerateRequest{LicenseType: "standard"})
		require.NoError(t, err)
		require.False(t, seen[result.LicenseKey])
		seen[result.LicenseKey] = true
	}
}

func TestRevoke(t *testing.T) {
	deps := newTestDeps(t)
	ctx := context.Background()

	result, err := deps.issuer.Generate(ctx, GenerateRequest{LicenseType: "standard"})
	require.NoError(t, err)

	require.NoError(t, deps.issuer.Revoke(ctx, result.LicenseKey, "refund issued"))

	record, err := deps.store.FindLicenseByKey(ctx, result.LicenseKey)
	require.NoError(t, err)
	assert.True(t, record.IsRevoked)
	assert.Equal(t, "refund issued", record.RevocationReason)

	err = deps.issuer.Revoke(ctx, "AAAA2345-AAAA2345-AAAA2345-AAAA2345", "unknown")
	require.ErrorIs(t, err, apperrors.ErrInvalidKey)
}
