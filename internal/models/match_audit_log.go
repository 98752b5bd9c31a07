package models

import (
	"time"

	"github.com/google/uuid"
)

type MatchAuditLog struct {
	ID                  uuid.UUID `gorm:"type:uuid;primaryKey"`
	TransactionID       uuid.UUID `gorm:"index"`
	Action              string
	PreviousInstruction *uuid.UUID
	NewInstruction      *uuid.UUID
	PerformedBy         string
	Reason              string
	CreatedAt           time.Time
}
