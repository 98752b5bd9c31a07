package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// ActionItem is an operator-facing follow-up: failed batches, disputed
// reconciliations, instructions excluded for an invalid mandate.
type ActionItem struct {
	ID            uuid.UUID      `gorm:"type:uuid;primaryKey"`
	Kind          ActionItemKind `gorm:"index"`
	TenantID      string
	CondominiumID string `gorm:"index"`
	SubjectID     string `gorm:"index"`
	Detail        datatypes.JSON
	Status        ActionItemStatus `gorm:"index"`
	ResolvedBy    string
	CreatedAt     time.Time
	ResolvedAt    *time.Time
}
