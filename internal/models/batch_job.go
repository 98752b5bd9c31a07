package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// BatchJob is a durable queue row carrying one batch to submit.
type BatchJob struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	BatchID       uuid.UUID `gorm:"type:uuid;uniqueIndex"`
	CondominiumID string    `gorm:"index"`
	Payload       datatypes.JSON
	Status        JobStatus `gorm:"index:idx_job_claim,priority:1"`
	Attempts      int
	NextAttemptAt *time.Time `gorm:"index:idx_job_claim,priority:2"`
	LockedAt      *time.Time
	LockedBy      *string
	// ClaimToken identifies the delivery holding the lock. A redelivery after
	// the lock expired gets a new token.
	ClaimToken *string
	LastError  *string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// JobPayload is the wire schema of a queued batch job.
type JobPayload struct {
	TenantID      string       `json:"tenantId" validate:"required"`
	CondominiumID string       `json:"condominiumId" validate:"required"`
	BatchID       string       `json:"batchId" validate:"required,uuid"`
	Payments      []JobPayment `json:"payments" validate:"required,min=1,dive"`
}

type JobPayment struct {
	OwnerID   string `json:"ownerId" validate:"required"`
	Amount    int64  `json:"amount" validate:"gt=0"`
	Reference string `json:"reference" validate:"required"`
	MandateID string `json:"mandateId" validate:"required"`
}

// Total sums payment amounts in minor units.
func (p JobPayload) Total() int64 {
	var total int64
	for _, pm := range p.Payments {
		total += pm.Amount
	}
	return total
}
