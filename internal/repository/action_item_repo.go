package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"sepa-collections-backend/internal/models"
)

type ActionItemRepository struct {
	db *gorm.DB
}

func NewActionItemRepository(db *gorm.DB) *ActionItemRepository {
	return &ActionItemRepository{db: db}
}

func (r *ActionItemRepository) Create(ctx context.Context, item *models.ActionItem) error {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	if item.Status == "" {
		item.Status = models.ActionOpen
	}
	return r.db.WithContext(ctx).Create(item).Error
}

// FindOpen returns the open item for a subject, if any.
func (r *ActionItemRepository) FindOpen(ctx context.Context, kind models.ActionItemKind, subjectID string) (*models.ActionItem, error) {
	var item models.ActionItem
	err := r.db.WithContext(ctx).
		Where("kind = ? AND subject_id = ? AND status = ?", kind, subjectID, models.ActionOpen).
		First(&item).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &item, nil
}

func (r *ActionItemRepository) List(ctx context.Context, status models.ActionItemStatus, kind models.ActionItemKind, condominiumID string) ([]models.ActionItem, error) {
	var rows []models.ActionItem
	q := r.db.WithContext(ctx)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if kind != "" {
		q = q.Where("kind = ?", kind)
	}
	if condominiumID != "" {
		q = q.Where("condominium_id = ?", condominiumID)
	}
	err := q.Order("created_at DESC").Find(&rows).Error
	return rows, err
}

func (r *ActionItemRepository) Resolve(ctx context.Context, id uuid.UUID, resolvedBy string) (*models.ActionItem, error) {
	now := time.Now().UTC()
	err := r.db.WithContext(ctx).
		Model(&models.ActionItem{}).
		Where("id = ? AND status = ?", id, models.ActionOpen).
		Updates(map[string]interface{}{
			"status":      models.ActionResolved,
			"resolved_by": resolvedBy,
			"resolved_at": now,
		}).Error
	if err != nil {
		return nil, err
	}
	var item models.ActionItem
	if err := r.db.WithContext(ctx).First(&item, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &item, nil
}
