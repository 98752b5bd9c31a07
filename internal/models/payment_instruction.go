package models

import (
	"time"

	"github.com/google/uuid"
)

// PaymentInstruction is one charge due from one owner for one condominium.
// Amount is in minor units.
type PaymentInstruction struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	TenantID      string    `gorm:"index"`
	OwnerID       string    `gorm:"index"`
	CondominiumID string    `gorm:"index:idx_instr_condo_state,priority:1"`
	Amount        int64
	Reference     string `gorm:"uniqueIndex"`
	MandateID     string
	DueDate       time.Time
	State         InstructionState `gorm:"index:idx_instr_condo_state,priority:2"`
	BatchID       *uuid.UUID       `gorm:"type:uuid;index"`
	ReturnOf      *uuid.UUID       `gorm:"type:uuid"`
	ReturnReason  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// InstructionTransition is the audit trail of applied state changes.
type InstructionTransition struct {
	ID            uuid.UUID        `gorm:"type:uuid;primaryKey"`
	InstructionID uuid.UUID        `gorm:"type:uuid;index"`
	From          InstructionState `gorm:"column:from_state"`
	To            InstructionState `gorm:"column:to_state"`
	Cause         string
	BatchID       *uuid.UUID `gorm:"type:uuid"`
	Actor         string
	CreatedAt     time.Time
}
