// Package abuse correlates fingerprints and signatures across trial and
// license records to catch the two cheap attacks this core exists to
// stop: reinstalling to reset a trial, and sharing one license key
// across machines.
package abuse

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"keymint/internal/store"
)

// Detector flags trial resets and license sharing. Positive findings
// are persisted as SuspiciousActivity records, debounced per
// (signature, kind) so caller retries do not multiply the audit trail.
type Detector struct {
	store          *store.Store
	logger         *slog.Logger
	debounceWindow time.Duration
}

// NewDetector creates a detector. debounceWindow bounds how often the
// same finding is re-recorded for the same hardware signature.
func NewDetector(s *store.Store, logger *slog.Logger, debounceWindow time.Duration) *Detector {
	return &Detector{
		store:          s,
		logger:         logger.With(slog.String("component", "abuse_detector")),
		debounceWindow: debounceWindow,
	}
}

// CheckTrialReset reports whether a fresh eligibility check looks like
// a reinstall-to-reset: a different installation fingerprint sharing
// the same hardware signature whose prior trial already ended in
// EXHAUSTED or ACTIVATED. A positive finding blocks new eligibility.
func (d *Detector) CheckTrialReset(ctx context.Context, fingerprint, signature string) (bool, error) {
	siblings, err := d.store.FindSiblingTrials(ctx, signature, fingerprint)
	if err != nil {
		return false, err
	}

	for _, sibling := range siblings {
		if sibling.Status != store.TrialStatusExhausted && sibling.Status != store.TrialStatusActivated {
			continue
		}

		d.logger.WarnContext(ctx, "trial reset attempt detected",
			slog.String("hardware_signature", signature),
			slog.String("new_fingerprint", fingerprint),
			slog.String("prior_fingerprint", sibling.InstallationFingerprint),
			slog.String("prior_status", sibling.Status),
		)

		if err := d.recordOnce(ctx, &store.SuspiciousActivity{
			Kind:              store.SuspiciousKindResetAttempt,
			Severity:          store.SeverityHigh,
			ActionTaken:       store.ActionBlocked,
			HardwareSignature: signature,
			Description: fmt.Sprintf(
				"device re-registered under a new fingerprint after prior trial ended %s", sibling.Status),
		}); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// CheckLicenseSharing reports whether an activation call targets a
// license already bound to a different device. Binding exclusivity is
// independent of whether max_activations would permit another slot.
func (d *Detector) CheckLicenseSharing(ctx context.Context, license *store.LicenseKey, fingerprint, signature string) (bool, error) {
	if license.HardwareSignature == "" {
		return false, nil // not yet bound
	}
	if license.HardwareSignature == signature {
		return false, nil // re-activation of the bound device
	}

	d.logger.WarnContext(ctx, "license sharing attempt detected",
		slog.String("license_key", license.LicenseKey),
		slog.String("bound_signature", license.HardwareSignature),
		slog.String("activating_signature", signature),
	)

	if err := d.recordOnce(ctx, &store.SuspiciousActivity{
		Kind:              store.SuspiciousKindLicenseSharing,
		Severity:          store.SeverityHigh,
		ActionTaken:       store.ActionBlocked,
		HardwareSignature: signature,
		LicenseKey:        license.LicenseKey,
		Description: fmt.Sprintf(
			"activation of license %s from a device other than its bound machine", license.LicenseKey),
	}); err != nil {
		return false, err
	}
	return true, nil
}

// recordOnce persists a finding unless an identical (signature, kind)
// finding already exists inside the debounce window.
func (d *Detector) recordOnce(ctx context.Context, activity *store.SuspiciousActivity) error {
	since := time.Now().UTC().Add(-d.debounceWindow)
	seen, err := d.store.HasRecentSuspicious(ctx, activity.HardwareSignature, activity.Kind, since)
	if err != nil {
		return err
	}
	if seen {
		return nil
	}
	return d.store.RecordSuspicious(ctx, activity)
}
