// Package store persists the licensing core's four record kinds in
// SQLite via GORM. The transactional helpers here are the only paths
// that mutate credits_remaining and activation counters, so racing
// callers cannot both take the last credit or the last activation slot.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	apperrors "keymint/internal/errors"
)

// Store wraps the GORM handle and exposes the record operations the
// trial registry, abuse detector, and license services need.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open connects to the SQLite database at path (":memory:" in tests)
// and migrates the schema.
func Open(path string, log *slog.Logger) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}

	// SQLite serializes writers anyway, and a single pooled connection
	// keeps ":memory:" databases from splitting per connection.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access connection pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&TrialRecord{},
		&CreditConsumption{},
		&LicenseKey{},
		&ActivationAttempt{},
		&SuspiciousActivity{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	log.Info("store opened",
		slog.String("path", path),
	)

	return &Store{
		db:     db,
		logger: log.With(slog.String("component", "store")),
	}, nil
}

// FindTrialByIdentity resolves a trial record signature-first, falling
// back to the installation fingerprint. The explicit two-stage lookup
// keeps reset-detection auditable.
func (s *Store) FindTrialByIdentity(ctx context.Context, signature, fingerprint string) (*TrialRecord, error) {
	var record TrialRecord

	err := s.db.WithContext(ctx).
		Where("hardware_signature = ?", signature).
		First(&record).Error
	if err == nil {
		return &record, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("trial lookup by signature: %w", err)
	}

	err = s.db.WithContext(ctx).
		Where("installation_fingerprint = ?", fingerprint).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("trial lookup by fingerprint: %w", err)
	}
	return &record, nil
}

// FindTrialByFingerprint resolves a trial record by installation
// fingerprint alone, for callers that only carry the weak identifier.
func (s *Store) FindTrialByFingerprint(ctx context.Context, fingerprint string) (*TrialRecord, error) {
	var record TrialRecord
	err := s.db.WithContext(ctx).
		Where("installation_fingerprint = ?", fingerprint).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("trial lookup by fingerprint: %w", err)
	}
	return &record, nil
}

// FindSiblingTrials returns trials sharing the hardware signature but
// registered under a different installation fingerprint. Input to
// reset-attempt detection.
func (s *Store) FindSiblingTrials(ctx context.Context, signature, fingerprint string) ([]TrialRecord, error) {
	var records []TrialRecord
	err := s.db.WithContext(ctx).
		Where("hardware_signature = ? AND installation_fingerprint <> ?", signature, fingerprint).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("sibling trial lookup: %w", err)
	}
	return records, nil
}

// CreateTrial registers a first-contact device with its starting
// credit allotment.
func (s *Store) CreateTrial(ctx context.Context, fingerprint, signature string, startingCredits int) (*TrialRecord, error) {
	now := time.Now().UTC()
	record := &TrialRecord{
		InstallationFingerprint: fingerprint,
		HardwareSignature:       signature,
		Status:                  TrialStatusActive,
		CreditsRemaining:        startingCredits,
		FirstSeenAt:             now,
		LastSeenAt:              now,
	}
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return nil, fmt.Errorf("create trial: %w", err)
	}
	return record, nil
}

// TouchTrial updates last_seen_at. Best effort; failures are logged,
// not surfaced.
func (s *Store) TouchTrial(ctx context.Context, id string) {
	err := s.db.WithContext(ctx).
		Model(&TrialRecord{}).
		Where("id = ?", id).
		Update("last_seen_at", time.Now().UTC()).Error
	if err != nil {
		s.logger.WarnContext(ctx, "failed to touch trial record",
			slog.String("trial_id", id),
			slog.String("error", err.Error()),
		)
	}
}

// ConsumeCredit atomically decrements a trial's credits and appends the
// ledger entry, returning the new remaining count. The guarded UPDATE
// is the concurrency barrier: two racing callers cannot both take the
// last credit. Returns ErrInsufficientCredits when nothing remains.
func (s *Store) ConsumeCredit(ctx context.Context, trialID, action, referenceID string) (int, error) {
	var remaining int

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&TrialRecord{}).
			Where("id = ? AND credits_remaining > 0", trialID).
			Update("credits_remaining", gorm.Expr("credits_remaining - 1"))
		if res.Error != nil {
			return fmt.Errorf("decrement credits: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return apperrors.ErrInsufficientCredits
		}

		entry := &CreditConsumption{
			TrialRecordID: trialID,
			Action:        action,
			ReferenceID:   referenceID,
			ConsumedAt:    time.Now().UTC(),
		}
		if err := tx.Create(entry).Error; err != nil {
			return fmt.Errorf("append consumption: %w", err)
		}

		var record TrialRecord
		if err := tx.First(&record, "id = ?", trialID).Error; err != nil {
			return fmt.Errorf("reload trial: %w", err)
		}
		remaining = record.CreditsRemaining

		if remaining == 0 && record.Status == TrialStatusActive {
			if err := tx.Model(&TrialRecord{}).
				Where("id = ? AND status = ?", trialID, TrialStatusActive).
				Update("status", TrialStatusExhausted).Error; err != nil {
				return fmt.Errorf("mark exhausted: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return remaining, nil
}

// MarkTrialActivated transitions a trial to its terminal ACTIVATED
// state and links the license. Never reverts an already terminal state
// back to eligible.
func (s *Store) MarkTrialActivated(ctx context.Context, trialID, licenseID string) error {
	now := time.Now().UTC()
	err := s.db.WithContext(ctx).
		Model(&TrialRecord{}).
		Where("id = ? AND status <> ?", trialID, TrialStatusActivated).
		Updates(map[string]interface{}{
			"status":       TrialStatusActivated,
			"activated_at": now,
			"license_id":   licenseID,
		}).Error
	if err != nil {
		return fmt.Errorf("mark trial activated: %w", err)
	}
	return nil
}

// ExpireStaleTrials marks ACTIVE trials idle since before cutoff as
// EXHAUSTED. Idempotent; safe to run concurrently with everything else.
func (s *Store) ExpireStaleTrials(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Model(&TrialRecord{}).
		Where("status = ? AND last_seen_at < ?", TrialStatusActive, cutoff).
		Update("status", TrialStatusExhausted)
	if res.Error != nil {
		return 0, fmt.Errorf("expire stale trials: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// CreateLicense persists a new license record. The unique index on
// license_key is the uniqueness backstop for generated keys.
func (s *Store) CreateLicense(ctx context.Context, license *LicenseKey) error {
	if err := s.db.WithContext(ctx).Create(license).Error; err != nil {
		// The SQLite driver reports unique-index violations as a raw
		// constraint error rather than gorm.ErrDuplicatedKey.
		if errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return gorm.ErrDuplicatedKey
		}
		return fmt.Errorf("create license: %w", err)
	}
	return nil
}

// SaveLicense writes back a modified license record. Counters and
// binding fields must go through the guarded helpers instead.
func (s *Store) SaveLicense(ctx context.Context, license *LicenseKey) error {
	if err := s.db.WithContext(ctx).Save(license).Error; err != nil {
		return fmt.Errorf("save license: %w", err)
	}
	return nil
}

// FindLicenseByKey looks up a license by its opaque key. Returns
// ErrInvalidKey when no such license exists.
func (s *Store) FindLicenseByKey(ctx context.Context, key string) (*LicenseKey, error) {
	var license LicenseKey
	err := s.db.WithContext(ctx).Where("license_key = ?", key).First(&license).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrInvalidKey
	}
	if err != nil {
		return nil, fmt.Errorf("license lookup: %w", err)
	}
	return &license, nil
}

// BindLicense performs the first activation: fixes the device
// identifiers, sets status ACTIVE, and takes one activation slot. The
// guarded UPDATE only matches while the license is unbound and a slot
// remains, so concurrent first activations cannot oversubscribe.
func (s *Store) BindLicense(ctx context.Context, key, fingerprint, signature string) (*LicenseKey, error) {
	now := time.Now().UTC()
	var bound *LicenseKey

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&LicenseKey{}).
			Where("license_key = ? AND is_revoked = ? AND hardware_signature = '' AND activation_count < max_activations",
				key, false).
			Updates(map[string]interface{}{
				"device_fingerprint": fingerprint,
				"hardware_signature": signature,
				"status":             LicenseStatusActive,
				"activation_count":   gorm.Expr("activation_count + 1"),
				"activated_at":       now,
			})
		if res.Error != nil {
			return fmt.Errorf("bind license: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return apperrors.ErrActivationLimitReached
		}

		var license LicenseKey
		if err := tx.Where("license_key = ?", key).First(&license).Error; err != nil {
			return fmt.Errorf("reload license: %w", err)
		}
		bound = &license
		return nil
	})
	if err != nil {
		return nil, err
	}
	return bound, nil
}

// IncrementActivation consumes one activation slot: an additional
// device on a multi-seat license, or the first activation of a
// pre-bound one. Guarded against the ceiling; activated_at keeps the
// first activation's timestamp.
func (s *Store) IncrementActivation(ctx context.Context, key string) (*LicenseKey, error) {
	var updated *LicenseKey

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&LicenseKey{}).
			Where("license_key = ? AND is_revoked = ? AND activation_count < max_activations", key, false).
			Updates(map[string]interface{}{
				"activation_count": gorm.Expr("activation_count + 1"),
				"status":           LicenseStatusActive,
				"activated_at":     gorm.Expr("COALESCE(activated_at, ?)", time.Now().UTC()),
			})
		if res.Error != nil {
			return fmt.Errorf("increment activation: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return apperrors.ErrActivationLimitReached
		}

		var license LicenseKey
		if err := tx.Where("license_key = ?", key).First(&license).Error; err != nil {
			return fmt.Errorf("reload license: %w", err)
		}
		updated = &license
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// RevokeLicense marks a license revoked. Irreversible.
func (s *Store) RevokeLicense(ctx context.Context, key, reason string) error {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).
		Model(&LicenseKey{}).
		Where("license_key = ?", key).
		Updates(map[string]interface{}{
			"is_revoked":        true,
			"revoked_at":        now,
			"revocation_reason": reason,
			"status":            LicenseStatusRevoked,
		})
	if res.Error != nil {
		return fmt.Errorf("revoke license: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperrors.ErrInvalidKey
	}
	return nil
}

// RecordActivationAttempt appends an activation audit entry.
func (s *Store) RecordActivationAttempt(ctx context.Context, attempt *ActivationAttempt) {
	attempt.AttemptedAt = time.Now().UTC()
	if err := s.db.WithContext(ctx).Create(attempt).Error; err != nil {
		// The audit trail must not turn a decided activation outcome
		// into a failure; log and move on.
		s.logger.ErrorContext(ctx, "failed to record activation attempt",
			slog.String("license_key", attempt.LicenseKey),
			slog.String("error", err.Error()),
		)
	}
}

// HasSuccessfulActivation reports whether the device with this
// hardware signature has already activated the license. Drives the
// reinstall-tolerant re-activation path.
func (s *Store) HasSuccessfulActivation(ctx context.Context, key, signature string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&ActivationAttempt{}).
		Where("license_key = ? AND hardware_signature = ? AND success = ?", key, signature, true).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("activation history lookup: %w", err)
	}
	return count > 0, nil
}

// RecordSuspicious appends a detector finding.
func (s *Store) RecordSuspicious(ctx context.Context, activity *SuspiciousActivity) error {
	activity.DetectedAt = time.Now().UTC()
	if err := s.db.WithContext(ctx).Create(activity).Error; err != nil {
		return fmt.Errorf("record suspicious activity: %w", err)
	}
	return nil
}

// HasRecentSuspicious reports whether a finding of the given kind for
// the signature exists since the cutoff. Used to debounce repeated
// findings across caller retries.
func (s *Store) HasRecentSuspicious(ctx context.Context, signature, kind string, since time.Time) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&SuspiciousActivity{}).
		Where("hardware_signature = ? AND kind = ? AND detected_at >= ?", signature, kind, since).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("suspicious activity lookup: %w", err)
	}
	return count > 0, nil
}

// CountSuspicious returns the number of findings for a signature and
// kind. Exposed for tests and health reporting.
func (s *Store) CountSuspicious(ctx context.Context, signature, kind string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&SuspiciousActivity{}).
		Where("hardware_signature = ? AND kind = ?", signature, kind).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("suspicious activity count: %w", err)
	}
	return count, nil
}

// Consumptions returns the ledger entries for a trial, oldest first.
func (s *Store) Consumptions(ctx context.Context, trialID string) ([]CreditConsumption, error) {
	var entries []CreditConsumption
	err := s.db.WithContext(ctx).
		Where("trial_record_id = ?", trialID).
		Order("consumed_at asc").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("consumption lookup: %w", err)
	}
	return entries, nil
}

// ActivationAttempts returns the audit entries for a license key,
// oldest first.
func (s *Store) ActivationAttempts(ctx context.Context, key string) ([]ActivationAttempt, error) {
	var attempts []ActivationAttempt
	err := s.db.WithContext(ctx).
		Where("license_key = ?", key).
		Order("attempted_at asc").
		Find(&attempts).Error
	if err != nil {
		return nil, fmt.Errorf("activation attempt lookup: %w", err)
	}
	return attempts, nil
}

// Ping verifies the underlying connection. Used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.PingContext(ctx)
}
