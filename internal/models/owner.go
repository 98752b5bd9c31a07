package models

import "time"

// Owner is reference data supplied by the condominium records side.
type Owner struct {
	ID            string `gorm:"primaryKey"`
	CondominiumID string `gorm:"index"`
	FirstName     string
	LastName      string
	CreatedAt     time.Time
}

// Mandate is an owner's SEPA direct-debit authorization.
type Mandate struct {
	MandateID  string `gorm:"primaryKey"`
	OwnerID    string `gorm:"index"`
	IBAN       string
	BIC        string
	DebtorName string
	SignedAt   time.Time
	Status     MandateStatus `gorm:"index"`
	RevokedAt  *time.Time
	CreatedAt  time.Time
}

// CondominiumAccount links a condominium to its connected bank account.
type CondominiumAccount struct {
	CondominiumID string `gorm:"primaryKey"`
	TenantID      string `gorm:"index"`
	AccountID     string `gorm:"uniqueIndex"`
	IBAN          string
	LastSyncedAt  *time.Time
	CreatedAt     time.Time
}
