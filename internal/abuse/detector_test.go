package abuse

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keymint/internal/store"
)

func testDetector(t *testing.T) (*Detector, *store.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := store.Open(":memory:", logger)
	require.NoError(t, err)
	return NewDetector(s, logger, 24*time.Hour), s
}

func exhaustTrial(t *testing.T, s *store.Store, fingerprint, signature string) {
	t.Helper()
	record, err := s.CreateTrial(context.Background(), fingerprint, signature, 1)
	require.NoError(t, err)
	_, err = s.ConsumeCredit(context.Background(), record.ID, "drain", "")
	require.NoError(t, err)
}

func TestCheckTrialReset_FlagsExhaustedSibling(t *testing.T) {
	d, s := testDetector(t)
	ctx := context.Background()

	exhaustTrial(t, s, "fp-old", "sig-shared")

	flagged, err := d.CheckTrialReset(ctx, "fp-new", "sig-shared")
	require.NoError(t, err)
	assert.True(t, flagged)

	count, err := s.CountSuspicious(ctx, "sig-shared", store.SuspiciousKindResetAttempt)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestCheckTrialReset_FlagsActivatedSibling(t *testing.T) {
	d, s := testDetector(t)
	ctx := context.Background()

	record, err := s.CreateTrial(ctx, "fp-old", "sig-shared", 50)
	require.NoError(t, err)
	require.NoError(t, s.MarkTrialActivated(ctx, record.ID, "license-1"))

	flagged, err := d.CheckTrialReset(ctx, "fp-new", "sig-shared")
	require.NoError(t, err)
	assert.True(t, flagged)
}

func TestCheckTrialReset_IgnoresActiveSibling(t *testing.T) {
	d, s := testDetector(t)
	ctx := context.Background()

	_, err := s.CreateTrial(ctx, "fp-old", "sig-shared", 50)
	require.NoError(t, err)

	flagged, err := d.CheckTrialReset(ctx, "fp-new", "sig-shared")
	require.NoError(t, err)
	assert.False(t, flagged)

	count, err := s.CountSuspicious(ctx, "sig-shared", store.SuspiciousKindResetAttempt)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestCheckTrialReset_NoSiblings(t *testing.T) {
	d, _ := testDetector(t)

	flagged, err := d.CheckTrialReset(context.Background(), "fp-new", "sig-unseen")
	require.NoError(t, err)
	assert.False(t, flagged)
}

func TestCheckTrialReset_DebouncesRepeatFindings(t *testing.T) {
	d, s := testDetector(t)
	ctx := context.Background()

	exhaustTrial(t, s, "fp-old", "sig-shared")

	for i := 0; i < 5; i++ {
		flagged, err := d.CheckTrialReset(ctx, "fp-new", "sig-shared")
		require.NoError(t, err)
		assert.True(t, flagged)
	}

	count, err := s.CountSuspicious(ctx, "sig-shared", store.SuspiciousKindResetAttempt)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestCheckLicenseSharing(t *testing.T) {
	d, s := testDetector(t)
	ctx := context.Background()

	tests := []struct {
		name      string
		license   *store.LicenseKey
		signature string
		want      bool
	}{
		{
			name:      "unbound license",
			license:   &store.LicenseKey{LicenseKey: "K1", HardwareSignature: ""},
			signature: "sig-any",
			want:      false,
		},
		{
			name:      "bound device re-activating",
			license:   &store.LicenseKey{LicenseKey: "K2", HardwareSignature: "sig-bound"},
			signature: "sig-bound",
			want:      false,
		},
		{
			name:      "different device",
			license:   &store.LicenseKey{LicenseKey: "K3", HardwareSignature: "sig-bound"},
			signature: "sig-intruder",
			want:      true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flagged, err := d.CheckLicenseSharing(ctx, tt.license, "fp-x", tt.signature)
			require.NoError(t, err)
			assert.Equal(t, tt.want, flagged)
		})
	}

	count, err := s.CountSuspicious(ctx, "sig-intruder", store.SuspiciousKindLicenseSharing)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}
