package models

import (
	"time"

	"github.com/google/uuid"
)

// SepaBatch is an immutable snapshot of instructions collected together.
// Only SubmissionState and the PSP bookkeeping fields change after creation.
type SepaBatch struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	TenantID        string    `gorm:"index"`
	CondominiumID   string    `gorm:"index:idx_batch_condo_state,priority:1"`
	Total           int64
	ItemCount       int
	SubmissionState BatchState `gorm:"index:idx_batch_condo_state,priority:2"`
	PSPReference    string
	RejectReason    string
	LastError       string
	Attempts        int
	Items           []SepaBatchItem `gorm:"foreignKey:BatchID" json:",omitempty"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type SepaBatchItem struct {
	BatchID       uuid.UUID `gorm:"type:uuid;primaryKey"`
	Position      int       `gorm:"primaryKey"`
	InstructionID uuid.UUID `gorm:"type:uuid;index"`
	OwnerID       string
	Amount        int64
	Reference     string
	MandateID     string
}
