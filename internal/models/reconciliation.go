package models

import (
	"time"

	"github.com/google/uuid"
)

// ReconciliationRun records one reconcileAccount execution.
type ReconciliationRun struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	CondominiumID string    `gorm:"index"`
	AccountID     string
	Source        string
	Filename      string
	Imported      int
	Matched       int
	Disputed      int
	Unmatched     int
	Status        string
	StartedAt     time.Time
	CompletedAt   *time.Time
	CreatedAt     time.Time
}

// ReconciliationMatch links a bank transaction to the instruction it settles.
type ReconciliationMatch struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	TransactionID uuid.UUID `gorm:"type:uuid;uniqueIndex"`
	InstructionID uuid.UUID `gorm:"type:uuid;uniqueIndex"`
	Confidence    MatchConfidence
	MatchedBy     string
	MatchedAt     time.Time
}
