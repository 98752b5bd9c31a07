// Package queue is the durable batch job queue: one row per SEPA batch in
// batch_jobs, claimed with row locks and redelivered after a lock expires.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"sepa-collections-backend/internal/config"
	"sepa-collections-backend/internal/models"
	"sepa-collections-backend/internal/repository"
)

// Delivery is one claimed job with its decoded payload.
type Delivery struct {
	Job     models.BatchJob
	Payload models.JobPayload
}

// PoisonHandler is told about jobs dead-lettered on claim because their
// payload does not decode or validate.
type PoisonHandler func(ctx context.Context, job models.BatchJob, err error)

type Queue struct {
	db       *gorm.DB
	cfg      config.QueueConfig
	validate *validator.Validate
	log      logrus.FieldLogger
	onPoison PoisonHandler
	now      func() time.Time
}

func New(db *gorm.DB, cfg config.QueueConfig, log logrus.FieldLogger) *Queue {
	return &Queue{
		db:       db,
		cfg:      cfg,
		validate: validator.New(),
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (q *Queue) OnPoison(h PoisonHandler) { q.onPoison = h }

// EnqueueTx inserts a pending job inside the caller's transaction. The batch
// id is unique, so enqueueing the same batch twice is a no-op.
func (q *Queue) EnqueueTx(ctx context.Context, tx *gorm.DB, payload models.JobPayload) (*models.BatchJob, error) {
	if err := q.validate.Struct(payload); err != nil {
		return nil, fmt.Errorf("invalid job payload: %w", err)
	}
	batchID, err := uuid.Parse(payload.BatchID)
	if err != nil {
		return nil, fmt.Errorf("invalid batch id %q: %w", payload.BatchID, err)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	now := q.now()
	job := &models.BatchJob{
		ID:            uuid.New(),
		BatchID:       batchID,
		CondominiumID: payload.CondominiumID,
		Payload:       datatypes.JSON(raw),
		Status:        models.JobPending,
		NextAttemptAt: &now,
	}
	err = tx.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "batch_id"}}, DoNothing: true}).
		Create(job).Error
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Claim locks up to limit due jobs for workerID: pending jobs whose next
// attempt is due, and processing jobs whose lock outlived LockTTL (the worker
// holding them died). Each claim counts as one attempt.
func (q *Queue) Claim(ctx context.Context, workerID string, limit int) ([]Delivery, error) {
	if limit <= 0 {
		limit = q.cfg.ClaimBatchSize
	}
	now := q.now()
	staleBefore := now.Add(-q.cfg.LockTTL)

	var (
		claimed  []Delivery
		poisoned []models.BatchJob
		reasons  []error
	)
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []models.BatchJob
		err := tx.
			Where("(status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)) OR (status = ? AND locked_at <= ?)",
				models.JobPending, now, models.JobProcessing, staleBefore).
			Order("created_at ASC").
			Limit(limit).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Find(&rows).Error
		if err != nil {
			return err
		}

		for i := range rows {
			job := rows[i]
			payload, perr := q.decode(job)
			if perr != nil {
				msg := perr.Error()
				if err := tx.Model(&models.BatchJob{}).
					Where("id = ?", job.ID).
					Updates(map[string]interface{}{
						"status":          models.JobDead,
						"last_error":      &msg,
						"locked_at":       nil,
						"locked_by":       nil,
						"next_attempt_at": nil,
					}).Error; err != nil {
					return err
				}
				job.Status = models.JobDead
				job.LastError = &msg
				poisoned = append(poisoned, job)
				reasons = append(reasons, perr)
				continue
			}

			token := uuid.NewString()
			job.Status = models.JobProcessing
			job.Attempts++
			job.LockedAt = &now
			job.LockedBy = &workerID
			job.ClaimToken = &token
			if err := tx.Model(&models.BatchJob{}).
				Where("id = ?", job.ID).
				Updates(map[string]interface{}{
					"status":      job.Status,
					"attempts":    job.Attempts,
					"locked_at":   job.LockedAt,
					"locked_by":   job.LockedBy,
					"claim_token": job.ClaimToken,
				}).Error; err != nil {
				return err
			}
			claimed = append(claimed, Delivery{Job: job, Payload: payload})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i, job := range poisoned {
		q.log.WithFields(logrus.Fields{
			"field":          "BatchQueue",
			"job_id":         job.ID,
			"batch_id":       job.BatchID,
			"condominium_id": job.CondominiumID,
		}).WithError(reasons[i]).Error("job payload rejected, dead-lettered")
		if q.onPoison != nil {
			q.onPoison(ctx, job, reasons[i])
		}
	}
	return claimed, nil
}

func (q *Queue) decode(job models.BatchJob) (models.JobPayload, error) {
	var p models.JobPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return p, fmt.Errorf("decode payload: %w", err)
	}
	if err := q.validate.Struct(p); err != nil {
		return p, fmt.Errorf("validate payload: %w", err)
	}
	if p.BatchID != job.BatchID.String() {
		return p, fmt.Errorf("payload batch %s does not match job batch %s", p.BatchID, job.BatchID)
	}
	return p, nil
}

// Ack marks a job done. Dead and cancelled jobs are left alone.
func (q *Queue) Ack(ctx context.Context, id uuid.UUID) error {
	return q.db.WithContext(ctx).Model(&models.BatchJob{}).
		Where("id = ? AND status NOT IN ?", id, []models.JobStatus{models.JobDead, models.JobCancelled}).
		Updates(map[string]interface{}{
			"status":          models.JobDone,
			"next_attempt_at": nil,
			"last_error":      nil,
			"locked_at":       nil,
			"locked_by":       nil,
			"claim_token":     nil,
		}).Error
}

// Touch restarts the lock clock of a delivery a worker is about to run. It
// reports false when the delivery no longer holds the job: the lock expired
// while it waited and the job was claimed again, or it was settled.
func (q *Queue) Touch(ctx context.Context, job models.BatchJob) (bool, error) {
	if job.ClaimToken == nil {
		return false, nil
	}
	now := q.now()
	res := q.db.WithContext(ctx).Model(&models.BatchJob{}).
		Where("id = ? AND status = ? AND claim_token = ?", job.ID, models.JobProcessing, *job.ClaimToken).
		Update("locked_at", &now)
	return res.RowsAffected == 1, res.Error
}

// Retry releases the job for another attempt after delay. Only the delivery
// holding the claim may release it; false means a newer delivery owns the job
// or it was already settled.
func (q *Queue) Retry(ctx context.Context, job models.BatchJob, delay time.Duration, cause error) (bool, error) {
	if job.ClaimToken == nil {
		return false, nil
	}
	next := q.now().Add(delay)
	msg := errString(cause)
	res := q.db.WithContext(ctx).Model(&models.BatchJob{}).
		Where("id = ? AND status = ? AND claim_token = ?", job.ID, models.JobProcessing, *job.ClaimToken).
		Updates(map[string]interface{}{
			"status":          models.JobPending,
			"next_attempt_at": &next,
			"last_error":      &msg,
			"locked_at":       nil,
			"locked_by":       nil,
			"claim_token":     nil,
		})
	return res.RowsAffected == 1, res.Error
}

// Dead parks the job; it is never claimed again.
func (q *Queue) Dead(ctx context.Context, id uuid.UUID, cause error) error {
	msg := errString(cause)
	return q.db.WithContext(ctx).Model(&models.BatchJob{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":          models.JobDead,
			"next_attempt_at": nil,
			"last_error":      &msg,
			"locked_at":       nil,
			"locked_by":       nil,
			"claim_token":     nil,
		}).Error
}

// CancelTx cancels the job of a batch that no worker has claimed yet.
func (q *Queue) CancelTx(ctx context.Context, tx *gorm.DB, batchID uuid.UUID) (bool, error) {
	res := tx.WithContext(ctx).Model(&models.BatchJob{}).
		Where("batch_id = ? AND status = ? AND attempts = 0", batchID, models.JobPending).
		Updates(map[string]interface{}{
			"status":          models.JobCancelled,
			"next_attempt_at": nil,
		})
	return res.RowsAffected == 1, res.Error
}

func (q *Queue) GetByBatch(ctx context.Context, batchID uuid.UUID) (*models.BatchJob, error) {
	var job models.BatchJob
	if err := q.db.WithContext(ctx).First(&job, "batch_id = ?", batchID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

// Backoff is RetryBackoff * 2^(attempt-1), capped at MaxRetryBackoff.
func (q *Queue) Backoff(attempt int) time.Duration {
	return Backoff(attempt, q.cfg.RetryBackoff, q.cfg.MaxRetryBackoff)
}

func (q *Queue) MaxRetries() int { return q.cfg.MaxRetries }

func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	delay := float64(base) * math.Pow(2, float64(attempt-1))
	if max > 0 && delay > float64(max) {
		return max
	}
	return time.Duration(delay)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
