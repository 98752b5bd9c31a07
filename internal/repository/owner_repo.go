package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"sepa-collections-backend/internal/models"
)

// OwnerRepository reads the reference data supplied by the condominium
// records side: owners and connected bank accounts.
type OwnerRepository struct {
	db *gorm.DB
}

func NewOwnerRepository(db *gorm.DB) *OwnerRepository {
	return &OwnerRepository{db: db}
}

func (r *OwnerRepository) Upsert(ctx context.Context, o *models.Owner) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(o).Error
}

func (r *OwnerRepository) GetMany(ctx context.Context, ids []string) (map[string]models.Owner, error) {
	out := make(map[string]models.Owner, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var rows []models.Owner
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, o := range rows {
		out[o.ID] = o
	}
	return out, nil
}

func (r *OwnerRepository) GetAccount(ctx context.Context, condominiumID string) (*models.CondominiumAccount, error) {
	var a models.CondominiumAccount
	if err := r.db.WithContext(ctx).First(&a, "condominium_id = ?", condominiumID).Error; err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

func (r *OwnerRepository) GetAccountByAccountID(ctx context.Context, accountID string) (*models.CondominiumAccount, error) {
	var a models.CondominiumAccount
	if err := r.db.WithContext(ctx).First(&a, "account_id = ?", accountID).Error; err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

func (r *OwnerRepository) MarkAccountSynced(ctx context.Context, condominiumID string, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.CondominiumAccount{}).
		Where("condominium_id = ?", condominiumID).
		Update("last_synced_at", at).Error
}
