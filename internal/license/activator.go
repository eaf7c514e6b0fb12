package license

import (
	"context"
	"log/slog"
	"time"

	"keymint/internal/abuse"
	apperrors "keymint/internal/errors"
	"keymint/internal/fingerprint"
	"keymint/internal/infrastructure"
	"keymint/internal/store"
)

// ActivateResult reports a successful activation.
type ActivateResult struct {
	Success bool              `json:"success"`
	Message string            `json:"message"`
	License *store.LicenseKey `json:"license,omitempty"`
}

// Activator binds licenses to devices and enforces the activation
// ceiling. Every call, successful or not, leaves an ActivationAttempt
// audit row behind.
type Activator struct {
	store    *store.Store
	detector *abuse.Detector
	metrics  *infrastructure.Metrics
	logger   *slog.Logger
}

// NewActivator creates an activator.
func NewActivator(s *store.Store, detector *abuse.Detector, metrics *infrastructure.Metrics, logger *slog.Logger) *Activator {
	return &Activator{
		store:    s,
		detector: detector,
		metrics:  metrics,
		logger:   logger.With(slog.String("component", "license_activator")),
	}
}

// Activate runs the ordered activation checks; the first failure wins.
// Re-activation from a device that already holds a slot succeeds
// without consuming another one, which tolerates reinstalls of a
// legitimate machine.
func (a *Activator) Activate(ctx context.Context, key string, identity fingerprint.Identity, method, origin string) (*ActivateResult, error) {
	result, err := a.activate(ctx, key, identity)

	attempt := &store.ActivationAttempt{
		LicenseKey:        key,
		DeviceFingerprint: identity.InstallationFingerprint,
		HardwareSignature: identity.HardwareSignature,
		Method:            method,
		Origin:            origin,
		Success:           err == nil,
	}
	outcome := "success"
	if err != nil {
		attempt.FailureReason = apperrors.Reason(err)
		outcome = attempt.FailureReason
	}
	a.store.RecordActivationAttempt(ctx, attempt)
	a.metrics.RecordActivation(ctx, outcome)

	if err != nil {
		a.logger.WarnContext(ctx, "activation denied",
			slog.String("license_key", key),
			slog.String("reason", attempt.FailureReason),
			slog.String("method", method),
			slog.String("origin", origin),
		)
		return nil, err
	}

	// Converting a trial device permanently ends its trial.
	a.convertTrial(ctx, identity, result.License)

	a.logger.InfoContext(ctx, "license activated",
		slog.String("license_key", key),
		slog.String("message", result.Message),
		slog.Int("activation_count", result.License.ActivationCount),
		slog.Int("max_activations", result.License.MaxActivations),
	)
	return result, nil
}

func (a *Activator) activate(ctx context.Context, key string, identity fingerprint.Identity) (*ActivateResult, error) {
	license, err := a.store.FindLicenseByKey(ctx, key)
	if err != nil {
		return nil, err
	}

	if license.IsRevoked {
		return nil, apperrors.ErrRevoked
	}

	if license.ExpiresAt != nil && license.ExpiresAt.Before(time.Now().UTC()) {
		return nil, apperrors.ErrExpired
	}

	// Re-activation of a device that already holds a slot: succeed
	// without touching the counter. A pre-bound license with no
	// activations yet still goes through the counting path below.
	rebinding := license.HardwareSignature == identity.HardwareSignature && license.ActivationCount > 0
	if !rebinding {
		rebinding, err = a.store.HasSuccessfulActivation(ctx, key, identity.HardwareSignature)
		if err != nil {
			return nil, err
		}
	}
	if rebinding {
		return &ActivateResult{
			Success: true,
			Message: "license re-activated on this device",
			License: license,
		}, nil
	}

	// Exclusive (single-seat) licenses never accept a second device,
	// regardless of remaining slots; this is the license-sharing shape.
	if license.MaxActivations <= 1 && license.HardwareSignature != "" {
		flagged, err := a.detector.CheckLicenseSharing(ctx, license, identity.InstallationFingerprint, identity.HardwareSignature)
		if err != nil {
			return nil, err
		}
		if flagged {
			a.metrics.RecordSuspicious(ctx, store.SuspiciousKindLicenseSharing)
			return nil, apperrors.ErrDeviceMismatch
		}
	}

	if license.ActivationCount >= license.MaxActivations {
		return nil, apperrors.ErrActivationLimitReached
	}

	var updated *store.LicenseKey
	if license.HardwareSignature == "" {
		// First activation binds the device identifiers.
		updated, err = a.store.BindLicense(ctx, key, identity.InstallationFingerprint, identity.HardwareSignature)
	} else {
		// Additional seat on a multi-activation license.
		updated, err = a.store.IncrementActivation(ctx, key)
	}
	if err != nil {
		return nil, err
	}

	return &ActivateResult{
		Success: true,
		Message: "license activated",
		License: updated,
	}, nil
}

// convertTrial transitions any trial record for this device to its
// terminal ACTIVATED state. Failures are logged, not surfaced: the
// activation itself already succeeded.
func (a *Activator) convertTrial(ctx context.Context, identity fingerprint.Identity, license *store.LicenseKey) {
	record, err := a.store.FindTrialByIdentity(ctx, identity.HardwareSignature, identity.InstallationFingerprint)
	if err != nil {
		a.logger.ErrorContext(ctx, "failed to look up trial for conversion",
			slog.String("error", err.Error()),
		)
		return
	}
	if record == nil {
		return
	}
	if err := a.store.MarkTrialActivated(ctx, record.ID, license.ID); err != nil {
		a.logger.ErrorContext(ctx, "failed to convert trial",
			slog.String("trial_id", record.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	a.logger.InfoContext(ctx, "trial converted to paid license",
		slog.String("trial_id", record.ID),
		slog.String("license_id", license.ID),
	)
}
