package repository

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"sepa-collections-backend/internal/models"
)

type BatchRepository struct {
	db *gorm.DB
}

func NewBatchRepository(db *gorm.DB) *BatchRepository {
	return &BatchRepository{db: db}
}

func (r *BatchRepository) DB() *gorm.DB {
	return r.db
}

func (r *BatchRepository) WithTx(tx *gorm.DB) *BatchRepository {
	return &BatchRepository{db: tx}
}

// Create inserts the batch together with its item snapshot.
func (r *BatchRepository) Create(ctx context.Context, b *models.SepaBatch) error {
	return r.db.WithContext(ctx).Create(b).Error
}

func (r *BatchRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.SepaBatch, error) {
	var b models.SepaBatch
	err := r.db.WithContext(ctx).
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		First(&b, "id = ?", id).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &b, nil
}

func (r *BatchRepository) ListByCondominium(ctx context.Context, condominiumID string, state models.BatchState) ([]models.SepaBatch, error) {
	var rows []models.SepaBatch
	q := r.db.WithContext(ctx).Where("condominium_id = ?", condominiumID)
	if state != "" {
		q = q.Where("submission_state = ?", state)
	}
	err := q.Order("created_at DESC").Find(&rows).Error
	return rows, err
}

// HasOpenBatch reports whether a batch of the condominium still holds
// instructions in Batched.
func (r *BatchRepository) HasOpenBatch(ctx context.Context, condominiumID string) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&models.SepaBatch{}).
		Where("condominium_id = ? AND submission_state IN ?", condominiumID,
			[]models.BatchState{models.BatchPending, models.BatchProcessing}).
		Count(&n).Error
	return n > 0, err
}

// CompareAndSetState applies the transition only from one of the listed states.
// extra carries PSP bookkeeping columns written alongside the state.
func (r *BatchRepository) CompareAndSetState(ctx context.Context, id uuid.UUID, from []models.BatchState, to models.BatchState, extra map[string]interface{}) (bool, error) {
	updates := map[string]interface{}{
		"submission_state": to,
		"updated_at":       r.db.NowFunc(),
	}
	for k, v := range extra {
		updates[k] = v
	}
	res := r.db.WithContext(ctx).
		Model(&models.SepaBatch{}).
		Where("id = ? AND submission_state IN ?", id, from).
		Updates(updates)
	return res.RowsAffected == 1, res.Error
}

func (r *BatchRepository) RecordAttempt(ctx context.Context, id uuid.UUID, attempts int, lastError string) error {
	return r.db.WithContext(ctx).
		Model(&models.SepaBatch{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"attempts": attempts, "last_error": lastError}).Error
}
