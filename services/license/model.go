package license

import (
	"time"

	"gorm.io/datatypes"
)

type LicenseStatus string

const (
	Active   LicenseStatus = "active"
	Inactive LicenseStatus = "inactive"
	Revoked  LicenseStatus = "revoked"
)

func (s LicenseStatus) String() string {
	switch s {
	case Active, Inactive, Revoked:
		return string(s)
	default:
		return ""
	}
}

// Valid reports whether s is one of the known status values.
func (s LicenseStatus) Valid() bool {
	return s.String() != ""
}

// LicenseKey is the central entity. Rows are never deleted; revocation is a
// status value. At most one row per machine may be active at any instant,
// enforced by the issuance path rather than a schema constraint. The unique
// index on license_key is the backstop for concurrent issuance.
type LicenseKey struct {
	ID         string        `gorm:"column:id;primaryKey"`
	LicenseKey string        `gorm:"column:license_key;uniqueIndex"`
	MachineID  string        `gorm:"column:machine_id;index"`
	Status     LicenseStatus `gorm:"column:status;default:active"`
	ExpiresAt  *time.Time    `gorm:"column:expires_at"`
	CreatedAt  time.Time     `gorm:"column:created_at"`
	UpdatedAt  time.Time     `gorm:"column:updated_at"`
}

// LicenseStatusLog is the append-only audit trail of status transitions.
// One row per transition, written in the same transaction as the status
// mutation it documents.
type LicenseStatusLog struct {
	ID           string        `gorm:"column:id;primaryKey"`
	LicenseKeyID string        `gorm:"column:license_key_id;index"`
	OldStatus    LicenseStatus `gorm:"column:old_status"`
	NewStatus    LicenseStatus `gorm:"column:new_status"`
	AdminID      string        `gorm:"column:admin_id"`
	Reason       string        `gorm:"column:reason"`
	CreatedAt    time.Time     `gorm:"column:created_at"`
}

type VerificationStatus string

const (
	VerificationSuccess VerificationStatus = "success"
	VerificationFailed  VerificationStatus = "failed"
)

// VerificationLog records every verification attempt, including failures.
// Writes are best-effort: a logging failure never alters the verification
// result.
type VerificationLog struct {
	ID           string             `gorm:"column:id;primaryKey"`
	LicenseKeyID *string            `gorm:"column:license_key_id;index"`
	MachineID    string             `gorm:"column:machine_id;index"`
	Status       VerificationStatus `gorm:"column:status"`
	Message      string             `gorm:"column:message"`
	IPAddress    string             `gorm:"column:ip_address"`
	Metadata     datatypes.JSON     `gorm:"column:metadata"`
	CreatedAt    time.Time          `gorm:"column:created_at"`
}
