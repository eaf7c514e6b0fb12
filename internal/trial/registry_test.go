package trial

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keymint/internal/abuse"
	apperrors "keymint/internal/errors"
	"keymint/internal/fingerprint"
	"keymint/internal/store"
)

func testRegistry(t *testing.T) (*Registry, *store.Store) {
	return testRegistryWithCredits(t, 50)
}

func testRegistryWithCredits(t *testing.T, startingCredits int) (*Registry, *store.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := store.Open(":memory:", logger)
	require.NoError(t, err)
	detector := abuse.NewDetector(s, logger, 24*time.Hour)
	return NewRegistry(s, detector, nil, logger, startingCredits), s
}

func deviceIdentity(n int) fingerprint.Identity {
	return fingerprint.Resolve(fingerprint.Components{
		MACAddress: fmt.Sprintf("00:1a:2b:3c:4d:%02x", n),
		CPUID:      fmt.Sprintf("cpu-%d", n),
		Hostname:   fmt.Sprintf("host-%d", n),
		Platform:   "linux",
	})
}

func TestCheckEligibility_FirstContactGrantsStartingCredits(t *testing.T) {
	r, _ := testRegistry(t)

	result, err := r.CheckEligibility(context.Background(), deviceIdentity(1))
	require.NoError(t, err)
	assert.True(t, result.Eligible)
	assert.Equal(t, 50, result.CreditsRemaining)
	assert.Empty(t, result.Reason)
}

func TestCheckEligibility_RepeatCheckDoesNotResetCredits(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()
	identity := deviceIdentity(1)

	first, err := r.CheckEligibility(ctx, identity)
	require.NoError(t, err)

	_, err = r.ConsumeCredit(ctx, identity.InstallationFingerprint, "run", "")
	require.NoError(t, err)

	second, err := r.CheckEligibility(ctx, identity)
	require.NoError(t, err)
	assert.True(t, second.Eligible)
	assert.Equal(t, first.CreditsRemaining-1, second.CreditsRemaining)
}

func TestConsumeCredit_FiftyCreditsThenDenied(t *testing.T) {
	r, _ := testRegistry(t)
	ctx := context.Background()
	identity := deviceIdentity(1)

	_, err := r.CheckEligibility(ctx, identity)
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		result, err := r.ConsumeCredit(ctx, identity.InstallationFingerprint, "run", "")
		require.NoErrorf(t, err, "consumption %d should succeed", i+1)
		assert.Equal(t, 49-i, result.CreditsRemaining)
	}

	_, err = r.ConsumeCredit(ctx, identity.InstallationFingerprint, "run", "")
	require.ErrorIs(t, err, apperrors.ErrInsufficientCredits)

	check, err := r.CheckEligibility(ctx, identity)
	require.NoError(t, err)
	assert.False(t, check.Eligible)
	assert.Equal(t, apperrors.ReasonTrialExhausted, check.Reason)
}

func TestConsumeCredit_UnknownDevice(t *testing.T) {
	r, _ := testRegistry(t)

	_, err := r.ConsumeCredit(context.Background(), "never-checked-fingerprint", "run", "")
	require.ErrorIs(t, err, apperrors.ErrInsufficientCredits)
}

func TestConsumeCredit_ActivatedTrialCannotSpend(t *testing.T) {
	r, s := testRegistry(t)
	ctx := context.Background()
	identity := deviceIdentity(1)

	_, err := r.CheckEligibility(ctx, identity)
	require.NoError(t, err)

	record, err := s.FindTrialByFingerprint(ctx, identity.InstallationFingerprint)
	require.NoError(t, err)
	require.NoError(t, s.MarkTrialActivated(ctx, record.ID, "license-1"))

	_, err = r.ConsumeCredit(ctx, identity.InstallationFingerprint, "run", "")
	require.ErrorIs(t, err, apperrors.ErrInsufficientCredits)
}

func TestCheckEligibility_ConvertedTrialIsDenied(t *testing.T) {
	r, s := testRegistry(t)
	ctx := context.Background()
	identity := deviceIdentity(1)

	_, err := r.CheckEligibility(ctx, identity)
	require.NoError(t, err)

	record, err := s.FindTrialByFingerprint(ctx, identity.InstallationFingerprint)
	require.NoError(t, err)
	require.NoError(t, s.MarkTrialActivated(ctx, record.ID, "license-1"))

	result, err := r.CheckEligibility(ctx, identity)
	require.NoError(t, err)
	assert.False(t, result.Eligible)
	assert.Equal(t, apperrors.ReasonTrialConverted, result.Reason)
}

func TestCheckEligibility_ResetAttemptDenied(t *testing.T) {
	r, s := testRegistryWithCredits(t, 1)
	ctx := context.Background()

	// Exhaust the trial under the original installation.
	machine := fingerprint.Components{
		MACAddress: "00:1a:2b:3c:4d:5e",
		CPUID:      "cpu-shared",
		DiskSerial: "disk-shared",
		Hostname:   "workstation",
		Platform:   "windows",
		OSVersion:  "10.0.19045",
	}
	original := fingerprint.Resolve(machine)
	_, err := r.CheckEligibility(ctx, original)
	require.NoError(t, err)
	_, err = r.ConsumeCredit(ctx, original.InstallationFingerprint, "drain", "")
	require.NoError(t, err)

	// Same physical machine after an OS reinstall: new fingerprint,
	// same hardware signature.
	wiped := machine
	wiped.Hostname = "fresh-install"
	wiped.OSVersion = "10.0.22631"
	reinstalled := fingerprint.Resolve(wiped)
	require.Equal(t, original.HardwareSignature, reinstalled.HardwareSignature)
	require.NotEqual(t, original.InstallationFingerprint, reinstalled.InstallationFingerprint)

	result, err := r.CheckEligibility(ctx, reinstalled)
	require.NoError(t, err)
	assert.False(t, result.Eligible)
	assert.Equal(t, apperrors.ReasonResetAttempt, result.Reason)

	count, err := s.CountSuspicious(ctx, reinstalled.HardwareSignature, store.SuspiciousKindResetAttempt)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	// Retries stay denied and do not multiply the audit trail.
	again, err := r.CheckEligibility(ctx, reinstalled)
	require.NoError(t, err)
	assert.False(t, again.Eligible)

	count, err = s.CountSuspicious(ctx, reinstalled.HardwareSignature, store.SuspiciousKindResetAttempt)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestExpireStaleTrials(t *testing.T) {
	r, s := testRegistry(t)
	ctx := context.Background()
	identity := deviceIdentity(1)

	_, err := r.CheckEligibility(ctx, identity)
	require.NoError(t, err)

	// A negative staleness pushes the cutoff into the future, so even a
	// just-created record counts as idle.
	expired, err := r.ExpireStaleTrials(ctx, -time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), expired)

	record, err := s.FindTrialByFingerprint(ctx, identity.InstallationFingerprint)
	require.NoError(t, err)
	assert.Equal(t, store.TrialStatusExhausted, record.Status)
}
