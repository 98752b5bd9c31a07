package repository

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"sepa-collections-backend/internal/models"
)

type MatchRepository struct {
	db *gorm.DB
}

func NewMatchRepository(db *gorm.DB) *MatchRepository {
	return &MatchRepository{db: db}
}

func (r *MatchRepository) WithTx(tx *gorm.DB) *MatchRepository {
	return &MatchRepository{db: tx}
}

func (r *MatchRepository) Create(ctx context.Context, m *models.ReconciliationMatch) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(m).Error
}

func (r *MatchRepository) GetByTransaction(ctx context.Context, transactionID uuid.UUID) (*models.ReconciliationMatch, error) {
	var m models.ReconciliationMatch
	if err := r.db.WithContext(ctx).First(&m, "transaction_id = ?", transactionID).Error; err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

func (r *MatchRepository) GetByInstruction(ctx context.Context, instructionID uuid.UUID) (*models.ReconciliationMatch, error) {
	var m models.ReconciliationMatch
	if err := r.db.WithContext(ctx).First(&m, "instruction_id = ?", instructionID).Error; err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

func (r *MatchRepository) CountByTransaction(ctx context.Context, transactionID uuid.UUID) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.ReconciliationMatch{}).
		Where("transaction_id = ?", transactionID).Count(&n).Error
	return n, err
}

func (r *MatchRepository) Audit(ctx context.Context, entry *models.MatchAuditLog) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *MatchRepository) ListAudit(ctx context.Context, transactionID uuid.UUID) ([]models.MatchAuditLog, error) {
	var rows []models.MatchAuditLog
	err := r.db.WithContext(ctx).
		Where("transaction_id = ?", transactionID).
		Order("created_at ASC").
		Find(&rows).Error
	return rows, err
}

func (r *MatchRepository) ListByTransactions(ctx context.Context, transactionIDs []uuid.UUID) ([]models.ReconciliationMatch, error) {
	var rows []models.ReconciliationMatch
	if len(transactionIDs) == 0 {
		return rows, nil
	}
	err := r.db.WithContext(ctx).Where("transaction_id IN ?", transactionIDs).Find(&rows).Error
	return rows, err
}
