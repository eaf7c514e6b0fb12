package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Trial statuses. ACTIVATED and EXHAUSTED are terminal: an ACTIVATED
// trial must never revert to eligible.
const (
	TrialStatusActive    = "ACTIVE"
	TrialStatusExhausted = "EXHAUSTED"
	TrialStatusActivated = "ACTIVATED"
)

// License statuses.
const (
	LicenseStatusPending = "PENDING"
	LicenseStatusActive  = "ACTIVE"
	LicenseStatusRevoked = "REVOKED"
	LicenseStatusExpired = "EXPIRED"
)

// Suspicious activity classification.
const (
	SuspiciousKindResetAttempt   = "TRIAL_RESET_ATTEMPT"
	SuspiciousKindLicenseSharing = "LICENSE_SHARING"

	SeverityHigh = "HIGH"

	ActionBlocked = "BLOCKED"
)

// TrialRecord tracks trial eligibility and remaining credits for one
// device. One record per device; mutated on every consumption.
type TrialRecord struct {
	ID                      string     `gorm:"primaryKey"`
	InstallationFingerprint string     `gorm:"index;not null"`
	HardwareSignature       string     `gorm:"index;not null"`
	Status                  string     `gorm:"not null"`
	CreditsRemaining        int        `gorm:"not null"`
	FirstSeenAt             time.Time  `gorm:"not null"`
	LastSeenAt              time.Time  `gorm:"not null"`
	ActivatedAt             *time.Time
	LicenseID               *string
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// CreditConsumption is an append-only ledger entry. Never updated or
// deleted; it is the audit trail abuse detection reads.
type CreditConsumption struct {
	ID            string    `gorm:"primaryKey"`
	TrialRecordID string    `gorm:"index;not null"`
	Action        string    `gorm:"not null"`
	ReferenceID   string
	ConsumedAt    time.Time `gorm:"not null"`
}

// LicenseKey is the sellable unit. Binding fields stay empty until the
// first activation fixes them; only the activator and explicit
// revocation mutate the record, and it is never deleted.
type LicenseKey struct {
	ID                string     `gorm:"primaryKey"`
	LicenseKey        string     `gorm:"uniqueIndex;not null"`
	LicenseType       string     `gorm:"not null"`
	Status            string     `gorm:"not null"`
	CustomerName      string
	CustomerEmail     string
	DeviceFingerprint string     `gorm:"index"`
	HardwareSignature string     `gorm:"index"`
	MaxActivations    int        `gorm:"not null"`
	ActivationCount   int        `gorm:"not null"`
	ExpiresAt         *time.Time
	ActivatedAt       *time.Time
	IsRevoked         bool       `gorm:"not null;default:false"`
	RevokedAt         *time.Time
	RevocationReason  string
	Features          string // JSON array of feature names
	CreditLimit       int
	SignedToken       string `gorm:"type:text"`
	PublicKey         string `gorm:"type:text"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ActivationAttempt logs every activation call, success or failure.
// Append-only.
type ActivationAttempt struct {
	ID                string    `gorm:"primaryKey"`
	LicenseKey        string    `gorm:"index;not null"`
	DeviceFingerprint string
	HardwareSignature string
	Method            string
	Origin            string
	Success           bool      `gorm:"not null"`
	FailureReason     string
	AttemptedAt       time.Time `gorm:"not null"`
}

// SuspiciousActivity records a detector finding.
type SuspiciousActivity struct {
	ID                string    `gorm:"primaryKey"`
	Kind              string    `gorm:"index;not null"`
	Severity          string    `gorm:"not null"`
	Description       string    `gorm:"not null"`
	ActionTaken       string    `gorm:"not null"`
	HardwareSignature string    `gorm:"index"`
	LicenseKey        string
	DetectedAt        time.Time `gorm:"not null"`
}

// BeforeCreate hooks assign UUID primary keys when the caller did not.

func (t *TrialRecord) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return nil
}

func (c *CreditConsumption) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}

func (l *LicenseKey) BeforeCreate(tx *gorm.DB) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	return nil
}

func (a *ActivationAttempt) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return nil
}

func (s *SuspiciousActivity) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}
