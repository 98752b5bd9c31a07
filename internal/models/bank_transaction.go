package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// BankTransaction is an imported ledger line. Amount is signed, in minor units.
type BankTransaction struct {
	ID                   uuid.UUID  `gorm:"type:uuid;primaryKey"`
	AccountID            string     `gorm:"uniqueIndex:idx_tx_account_external,priority:1;index:idx_tx_account_status,priority:1"`
	ExternalID           string     `gorm:"uniqueIndex:idx_tx_account_external,priority:2"`
	ImportRunID          *uuid.UUID `gorm:"type:uuid;index"`
	TransactionDate      time.Time  `gorm:"column:transaction_date"`
	Description          string
	CounterpartyName     string
	Amount               int64                `gorm:"index"`
	ReconciliationStatus ReconciliationStatus `gorm:"index:idx_tx_account_status,priority:2"`
	MatchedPaymentID     *uuid.UUID           `gorm:"type:uuid"`
	MatchDetails         datatypes.JSON
	CreatedAt            time.Time
}
