// Package batch turns a condominium's due instructions into SEPA batches.
package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"sepa-collections-backend/internal/alerts"
	"sepa-collections-backend/internal/config"
	"sepa-collections-backend/internal/lock"
	"sepa-collections-backend/internal/models"
	"sepa-collections-backend/internal/repository"
	"sepa-collections-backend/internal/services/payment"
)

const builderActor = "batch-builder"

var (
	// ErrCondominiumBusy means another build holds the condominium lock or a
	// previous batch still holds instructions in Batched.
	ErrCondominiumBusy     = errors.New("condominium has a batch in progress")
	ErrBatchNotFound       = errors.New("batch not found")
	ErrBatchNotCancellable = errors.New("batch can no longer be cancelled")
)

// MandateInvalidError excludes one instruction from a build.
type MandateInvalidError struct {
	InstructionID uuid.UUID `json:"instruction_id"`
	Reference     string    `json:"reference"`
	MandateID     string    `json:"mandate_id"`
	Reason        string    `json:"reason"`
}

func (e *MandateInvalidError) Error() string {
	return fmt.Sprintf("instruction %s: mandate %s %s", e.Reference, e.MandateID, e.Reason)
}

// EmptyBatchError means nothing was eligible; no batch was created.
type EmptyBatchError struct {
	CondominiumID string
	AsOf          time.Time
	Excluded      int
}

func (e *EmptyBatchError) Error() string {
	return fmt.Sprintf("no eligible instructions for condominium %s as of %s (%d excluded)",
		e.CondominiumID, e.AsOf.Format("2006-01-02"), e.Excluded)
}

// Enqueuer is the batch queue as seen by the builder.
type Enqueuer interface {
	EnqueueTx(ctx context.Context, tx *gorm.DB, payload models.JobPayload) (*models.BatchJob, error)
	CancelTx(ctx context.Context, tx *gorm.DB, batchID uuid.UUID) (bool, error)
}

type Alerter interface {
	Raise(ctx context.Context, a alerts.Alert) (*models.ActionItem, error)
}

type BuildResult struct {
	Batch    *models.SepaBatch     `json:"batch"`
	Job      *models.BatchJob      `json:"job"`
	Excluded []MandateInvalidError `json:"excluded"`
}

type Builder struct {
	db           *gorm.DB
	instructions *repository.InstructionRepository
	mandates     *repository.MandateRepository
	batches      *repository.BatchRepository
	tracker      *payment.Tracker
	queue        Enqueuer
	locker       lock.Locker
	lockTTL      time.Duration
	alerts       Alerter
	log          logrus.FieldLogger
}

type Deps struct {
	DB      *gorm.DB
	Tracker *payment.Tracker
	Queue   Enqueuer
	Locker  lock.Locker
	Alerts  Alerter
	Log     logrus.FieldLogger
	Config  config.QueueConfig
}

func NewBuilder(d Deps) *Builder {
	return &Builder{
		db:           d.DB,
		instructions: repository.NewInstructionRepository(d.DB),
		mandates:     repository.NewMandateRepository(d.DB),
		batches:      repository.NewBatchRepository(d.DB),
		tracker:      d.Tracker,
		queue:        d.Queue,
		locker:       d.Locker,
		lockTTL:      d.Config.LockTTL,
		alerts:       d.Alerts,
		log:          d.Log,
	}
}

// BuildBatch collects the condominium's Due instructions with a due date on
// or before asOf into one pending batch and enqueues it for submission.
// Instructions with a missing, revoked or foreign mandate are left Due and
// reported in Excluded. Batch, item snapshot, transitions and queue row commit
// together.
func (b *Builder) BuildBatch(ctx context.Context, condominiumID, tenantID string, asOf time.Time) (*BuildResult, error) {
	lease, err := b.locker.Obtain(ctx, condominiumID, b.lockTTL)
	if errors.Is(err, lock.ErrNotObtained) {
		return nil, fmt.Errorf("%w: %s", ErrCondominiumBusy, condominiumID)
	}
	if err != nil {
		return nil, fmt.Errorf("obtain lock for %s: %w", condominiumID, err)
	}
	defer func() {
		if err := lease.Release(context.Background()); err != nil {
			config.LogError(b.log, "batch", "BuildBatch", "release lock", condominiumID, err)
		}
	}()

	result := &BuildResult{}
	err = b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		open, err := b.batches.WithTx(tx).HasOpenBatch(ctx, condominiumID)
		if err != nil {
			return err
		}
		if open {
			return fmt.Errorf("%w: %s", ErrCondominiumBusy, condominiumID)
		}

		due, err := b.instructions.WithTx(tx).LockDueForCondominium(ctx, condominiumID, asOf)
		if err != nil {
			return err
		}
		included, excluded, err := b.checkMandates(ctx, tx, due)
		if err != nil {
			return err
		}
		result.Excluded = excluded
		if len(included) == 0 {
			return &EmptyBatchError{CondominiumID: condominiumID, AsOf: asOf, Excluded: len(excluded)}
		}

		batch := snapshot(tenantID, condominiumID, included)
		if err := b.batches.WithTx(tx).Create(ctx, batch); err != nil {
			return err
		}
		for _, in := range included {
			res, err := b.tracker.ApplyTx(ctx, tx, payment.Change{
				Event:         payment.EventBatch,
				InstructionID: in.ID,
				BatchID:       &batch.ID,
				Actor:         builderActor,
			})
			if err != nil {
				return err
			}
			if !res.Applied {
				return fmt.Errorf("%w: instruction %s changed during build", ErrCondominiumBusy, in.Reference)
			}
		}

		job, err := b.queue.EnqueueTx(ctx, tx, payloadOf(batch))
		if err != nil {
			return err
		}
		result.Batch, result.Job = batch, job
		return nil
	})

	b.reportExcluded(ctx, tenantID, condominiumID, result.Excluded)
	if err != nil {
		return result, err
	}

	b.log.WithFields(logrus.Fields{
		"batch_id":       result.Batch.ID,
		"condominium_id": condominiumID,
		"items":          result.Batch.ItemCount,
		"total":          result.Batch.Total,
		"excluded":       len(result.Excluded),
	}).Info("batch built")
	return result, nil
}

func (b *Builder) checkMandates(ctx context.Context, tx *gorm.DB, due []models.PaymentInstruction) ([]models.PaymentInstruction, []MandateInvalidError, error) {
	ids := make([]string, 0, len(due))
	for _, in := range due {
		ids = append(ids, in.MandateID)
	}
	mandates, err := b.mandates.WithTx(tx).GetMany(ctx, ids)
	if err != nil {
		return nil, nil, err
	}

	var (
		included []models.PaymentInstruction
		excluded []MandateInvalidError
	)
	for _, in := range due {
		reason := ""
		m, ok := mandates[in.MandateID]
		switch {
		case !ok:
			reason = "is unknown"
		case m.Status != models.MandateActive:
			reason = "is " + string(m.Status)
		case m.OwnerID != in.OwnerID:
			reason = "belongs to another owner"
		}
		if reason != "" {
			excluded = append(excluded, MandateInvalidError{
				InstructionID: in.ID,
				Reference:     in.Reference,
				MandateID:     in.MandateID,
				Reason:        reason,
			})
			continue
		}
		included = append(included, in)
	}
	return included, excluded, nil
}

func snapshot(tenantID, condominiumID string, included []models.PaymentInstruction) *models.SepaBatch {
	batch := &models.SepaBatch{
		ID:              uuid.New(),
		TenantID:        tenantID,
		CondominiumID:   condominiumID,
		SubmissionState: models.BatchPending,
		ItemCount:       len(included),
	}
	for i, in := range included {
		batch.Total += in.Amount
		batch.Items = append(batch.Items, models.SepaBatchItem{
			BatchID:       batch.ID,
			Position:      i,
			InstructionID: in.ID,
			OwnerID:       in.OwnerID,
			Amount:        in.Amount,
			Reference:     in.Reference,
			MandateID:     in.MandateID,
		})
	}
	return batch
}

func payloadOf(batch *models.SepaBatch) models.JobPayload {
	p := models.JobPayload{
		TenantID:      batch.TenantID,
		CondominiumID: batch.CondominiumID,
		BatchID:       batch.ID.String(),
	}
	for _, it := range batch.Items {
		p.Payments = append(p.Payments, models.JobPayment{
			OwnerID:   it.OwnerID,
			Amount:    it.Amount,
			Reference: it.Reference,
			MandateID: it.MandateID,
		})
	}
	return p
}

func (b *Builder) reportExcluded(ctx context.Context, tenantID, condominiumID string, excluded []MandateInvalidError) {
	for i := range excluded {
		e := excluded[i]
		b.log.WithFields(logrus.Fields{
			"condominium_id": condominiumID,
			"instruction_id": e.InstructionID,
			"mandate_id":     e.MandateID,
		}).Warn(e.Error())
		if b.alerts == nil {
			continue
		}
		if _, err := b.alerts.Raise(ctx, alerts.Alert{
			Kind:          models.ActionMandateInvalid,
			TenantID:      tenantID,
			CondominiumID: condominiumID,
			SubjectID:     e.InstructionID.String(),
			Detail:        e,
		}); err != nil {
			config.LogError(b.log, "batch", "reportExcluded", "raise action item", e.InstructionID, err)
		}
	}
}

// CancelBatch withdraws a pending batch no worker has picked up yet and
// returns its instructions to Due.
func (b *Builder) CancelBatch(ctx context.Context, batchID uuid.UUID, actor string) (*models.SepaBatch, error) {
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		batch, err := b.batches.WithTx(tx).GetByID(ctx, batchID)
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrBatchNotFound, batchID)
		}
		if err != nil {
			return err
		}
		if batch.SubmissionState != models.BatchPending {
			return fmt.Errorf("%w: batch %s is %s", ErrBatchNotCancellable, batchID, batch.SubmissionState)
		}

		ok, err := b.queue.CancelTx(ctx, tx, batchID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: batch %s was already picked up", ErrBatchNotCancellable, batchID)
		}
		ok, err = b.batches.WithTx(tx).CompareAndSetState(ctx, batchID,
			[]models.BatchState{models.BatchPending}, models.BatchCancelled, nil)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: batch %s changed state", ErrBatchNotCancellable, batchID)
		}

		for _, it := range batch.Items {
			if _, err := b.tracker.ApplyTx(ctx, tx, payment.Change{
				Event:         payment.EventCancel,
				InstructionID: it.InstructionID,
				BatchID:       &batchID,
				Actor:         actor,
				Reason:        "batch cancelled",
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	b.log.WithFields(logrus.Fields{"batch_id": batchID, "actor": actor}).Info("batch cancelled")
	return b.GetBatch(ctx, batchID)
}

func (b *Builder) GetBatch(ctx context.Context, batchID uuid.UUID) (*models.SepaBatch, error) {
	batch, err := b.batches.GetByID(ctx, batchID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrBatchNotFound, batchID)
	}
	return batch, err
}

func (b *Builder) ListBatches(ctx context.Context, condominiumID string, state models.BatchState) ([]models.SepaBatch, error) {
	return b.batches.ListByCondominium(ctx, condominiumID, state)
}
