package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"sepa-collections-backend/internal/models"
)

type MandateRepository struct {
	db *gorm.DB
}

func NewMandateRepository(db *gorm.DB) *MandateRepository {
	return &MandateRepository{db: db}
}

func (r *MandateRepository) WithTx(tx *gorm.DB) *MandateRepository {
	return &MandateRepository{db: tx}
}

func (r *MandateRepository) Create(ctx context.Context, m *models.Mandate) error {
	if m.Status == "" {
		m.Status = models.MandateActive
	}
	return r.db.WithContext(ctx).Create(m).Error
}

func (r *MandateRepository) GetByID(ctx context.Context, mandateID string) (*models.Mandate, error) {
	var m models.Mandate
	if err := r.db.WithContext(ctx).First(&m, "mandate_id = ?", mandateID).Error; err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

// GetMany loads mandates keyed by id; unknown ids are absent from the map.
func (r *MandateRepository) GetMany(ctx context.Context, ids []string) (map[string]models.Mandate, error) {
	out := make(map[string]models.Mandate, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var rows []models.Mandate
	if err := r.db.WithContext(ctx).Where("mandate_id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, m := range rows {
		out[m.MandateID] = m
	}
	return out, nil
}

// Revoke is the only mutation allowed on an active mandate.
func (r *MandateRepository) Revoke(ctx context.Context, mandateID string, at time.Time) (*models.Mandate, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Mandate{}).
		Where("mandate_id = ? AND status = ?", mandateID, models.MandateActive).
		Updates(map[string]interface{}{"status": models.MandateRevoked, "revoked_at": at})
	if res.Error != nil {
		return nil, res.Error
	}
	return r.GetByID(ctx, mandateID)
}
