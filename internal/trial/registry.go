// Package trial implements the trial registry and credit ledger: it
// decides whether an unlicensed installation may keep using the
// product and meters its remaining usage.
package trial

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

// EligibilityResult is the outcome of a trial check.
type EligibilityResult struct {
	Eligible         bool   `json:"eligible"`
	CreditsRemaining int    `json:"credits_remaining"`
	Reason           string `json:"reason,omitempty"`
}

// ConsumeResult is the outcome of a credit consumption.
type ConsumeResult struct {
	Success          bool `json:"success"`
	CreditsRemaining int  `json:"credits_remaining"`
}

// Registry tracks trial eligibility per device and owns the credit
// ledger. ConsumeCredit is the sole path that mutates a trial's
// remaining credits.
type Registry struct {
	store           *store.Store
	detector        *abuse.Detector
	metrics         *infrastructure.Metrics
	logger          *slog.Logger
	startingCredits int
}

// NewRegistry creates a trial registry.
func NewRegistry(s *store.Store, detector *abuse.Detector, metrics *infrastructure.Metrics, logger *slog.Logger, startingCredits int) *Registry {
	return &Registry{
		store:           s,
		detector:        detector,
		metrics:         metrics,
		logger:          logger.With(slog.String("component", "trial_registry")),
		startingCredits: startingCredits,
	}
}

// CheckEligibility decides whether the device identified by the
// resolved identity may use (or keep using) the trial. First-ever
// contact creates the record with the default starting allotment.
// ACTIVATED and EXHAUSTED are terminal denials, and a positive
// reset-attempt finding overrides any grant.
func (r *Registry) CheckEligibility(ctx context.Context, identity fingerprint.Identity) (*EligibilityResult, error) {
	record, err := r.store.FindTrialByIdentity(ctx, identity.HardwareSignature, identity.InstallationFingerprint)
	if err != nil {
		return nil, err
	}

	if record == nil {
		// First contact from this hardware. Still run reset detection:
		// a sibling record under another fingerprint may share the
		// signature through the fingerprint-fallback path.
		flagged, err := r.detector.CheckTrialReset(ctx, identity.InstallationFingerprint, identity.HardwareSignature)
		if err != nil {
			return nil, err
		}
		if flagged {
			r.metrics.RecordTrialCheck(ctx, "reset_attempt")
			r.metrics.RecordSuspicious(ctx, store.SuspiciousKindResetAttempt)
			return &EligibilityResult{Eligible: false, Reason: apperrors.ReasonResetAttempt}, nil
		}

		record, err = r.store.CreateTrial(ctx, identity.InstallationFingerprint, identity.HardwareSignature, r.startingCredits)
		if err != nil {
			return nil, err
		}
		r.logger.InfoContext(ctx, "trial registered",
			slog.String("trial_id", record.ID),
			slog.Int("starting_credits", r.startingCredits),
		)
		r.metrics.RecordTrialCheck(ctx, "granted_new")
		return &EligibilityResult{Eligible: true, CreditsRemaining: record.CreditsRemaining}, nil
	}

	r.store.TouchTrial(ctx, record.ID)

	// A record found through the signature while carrying a different
	// fingerprint is the reinstall-to-reset shape; detection decides
	// whether it crosses into abuse before any other outcome.
	if record.InstallationFingerprint != identity.InstallationFingerprint {
		flagged, err := r.detector.CheckTrialReset(ctx, identity.InstallationFingerprint, identity.HardwareSignature)
		if err != nil {
			return nil, err
		}
		if flagged {
			r.metrics.RecordTrialCheck(ctx, "reset_attempt")
			r.metrics.RecordSuspicious(ctx, store.SuspiciousKindResetAttempt)
			return &EligibilityResult{Eligible: false, Reason: apperrors.ReasonResetAttempt}, nil
		}
	}

	switch {
	case record.Status == store.TrialStatusActivated:
		// Already converted to a paid license; no second trial.
		r.metrics.RecordTrialCheck(ctx, "converted")
		return &EligibilityResult{Eligible: false, Reason: apperrors.ReasonTrialConverted}, nil

	case record.CreditsRemaining > 0 && record.Status == store.TrialStatusActive:
		r.metrics.RecordTrialCheck(ctx, "granted")
		return &EligibilityResult{Eligible: true, CreditsRemaining: record.CreditsRemaining}, nil

	default:
		r.metrics.RecordTrialCheck(ctx, "exhausted")
		return &EligibilityResult{Eligible: false, Reason: apperrors.ReasonTrialExhausted}, nil
	}
}

// ConsumeCredit spends one unit of trial use for the device identified
// by its installation fingerprint. Atomic per record; fails with
// ErrInsufficientCredits once the trial is spent. referenceID is
// optional caller correlation.
func (r *Registry) ConsumeCredit(ctx context.Context, installationFingerprint, action, referenceID string) (*ConsumeResult, error) {
	record, err := r.store.FindTrialByFingerprint(ctx, installationFingerprint)
	if err != nil {
		return nil, err
	}
	if record == nil {
		// Unknown device: no trial, no credits. Clients must pass a
		// trial check before consuming.
		return nil, apperrors.ErrInsufficientCredits
	}
	if record.Status != store.TrialStatusActive {
		return nil, apperrors.ErrInsufficientCredits
	}

	remaining, err := r.store.ConsumeCredit(ctx, record.ID, action, referenceID)
	if err != nil {
		return nil, err
	}

	r.logger.InfoContext(ctx, "trial credit consumed",
		slog.String("trial_id", record.ID),
		slog.String("action", action),
		slog.String("reference_id", referenceID),
		slog.Int("credits_remaining", remaining),
	)
	r.metrics.RecordCreditConsumed(ctx)

	return &ConsumeResult{Success: true, CreditsRemaining: remaining}, nil
}

// ExpireStaleTrials exhausts trials idle for longer than staleAfter.
// Idempotent; run periodically by the server.
func (r *Registry) ExpireStaleTrials(ctx context.Context, staleAfter time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-staleAfter)
	expired, err := r.store.ExpireStaleTrials(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if expired > 0 {
		r.logger.InfoContext(ctx, "stale trials expired",
			slog.Int64("count", expired),
			slog.Time("cutoff", cutoff),
		)
	}
	return expired, nil
}
