package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"sepa-collections-backend/internal/models"
)

type RunRepository struct {
	db *gorm.DB
}

func NewRunRepository(db *gorm.DB) *RunRepository {
	return &RunRepository{db: db}
}

// Start creates a run in processing state.
func (r *RunRepository) Start(ctx context.Context, condominiumID, accountID, source, filename string) (*models.ReconciliationRun, error) {
	run := &models.ReconciliationRun{
		ID:            uuid.New(),
		CondominiumID: condominiumID,
		AccountID:     accountID,
		Source:        source,
		Filename:      filename,
		Status:        "processing",
		StartedAt:     r.db.NowFunc(),
	}
	if err := r.db.WithContext(ctx).Create(run).Error; err != nil {
		return nil, err
	}
	return run, nil
}

// Finish stores the counters and final status.
func (r *RunRepository) Finish(ctx context.Context, run *models.ReconciliationRun, status string) error {
	now := time.Now().UTC()
	run.Status = status
	run.CompletedAt = &now
	return r.db.WithContext(ctx).
		Model(&models.ReconciliationRun{}).
		Where("id = ?", run.ID).
		Updates(map[string]interface{}{
			"imported":     run.Imported,
			"matched":      run.Matched,
			"disputed":     run.Disputed,
			"unmatched":    run.Unmatched,
			"status":       status,
			"completed_at": now,
		}).Error
}

func (r *RunRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.ReconciliationRun, error) {
	var run models.ReconciliationRun
	if err := r.db.WithContext(ctx).First(&run, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &run, nil
}
