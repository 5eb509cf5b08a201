package submission

import (
	"time"
)

// UserSubmission is the business context behind a license request. Rows are
// created once per request and never mutated except for the license back-link,
// which is set exactly once when the license is minted.
type UserSubmission struct {
	ID               string    `gorm:"column:id;primaryKey"`
	Name             string    `gorm:"column:name"`
	MachineID        string    `gorm:"column:machine_id;index"`
	Phone            string    `gorm:"column:phone"`
	ShopName         string    `gorm:"column:shop_name"`
	Email            string    `gorm:"column:email"`
	NumberOfCashiers int       `gorm:"column:number_of_cashiers"`
	SubmissionDate   time.Time `gorm:"column:submission_date"`
	IPAddress        string    `gorm:"column:ip_address"`
	LicenseKeyID     *string   `gorm:"column:license_key_id;index"`
	CreatedAt        time.Time `gorm:"column:created_at"`
	UpdatedAt        time.Time `gorm:"column:updated_at"`
}
