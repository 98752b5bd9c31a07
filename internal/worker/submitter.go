package worker

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
	"sepa-collections-backend/internal/models"
	"sepa-collections-backend/internal/psp"
	"sepa-collections-backend/internal/queue"
	"sepa-collections-backend/internal/repository"
	"sepa-collections-backend/internal/services/payment"
)

const workerActor = "batch-worker"

var errBatchMoved = errors.New("batch changed state during submission")

// JobQueue is the part of the batch queue a worker settles jobs with.
type JobQueue interface {
	Ack(ctx context.Context, id uuid.UUID) error
	Touch(ctx context.Context, job models.BatchJob) (bool, error)
	Retry(ctx context.Context, job models.BatchJob, delay time.Duration, cause error) (bool, error)
	Dead(ctx context.Context, id uuid.UUID, cause error) error
	Backoff(attempt int) time.Duration
	MaxRetries() int
}

type Alerter interface {
	Raise(ctx context.Context, a alerts.Alert) (*models.ActionItem, error)
}

// ConservationError means the queued payload, the batch header and the item
// snapshot disagree. Nothing is sent to the PSP.
type ConservationError struct {
	BatchID      uuid.UUID
	PayloadTotal int64
	BatchTotal   int64
	ItemTotal    int64
}

func (e *ConservationError) Error() string {
	return fmt.Sprintf("batch %s amounts disagree: payload %d, batch %d, items %d",
		e.BatchID, e.PayloadTotal, e.BatchTotal, e.ItemTotal)
}

type SubmitterDeps struct {
	DB         *gorm.DB
	Tracker    *payment.Tracker
	PSP        psp.Submitter
	Queue      JobQueue
	Alerts     Alerter
	Log        logrus.FieldLogger
	PSPTimeout time.Duration
}

// BatchSubmitter sends one queued batch to the PSP and applies the outcome.
// The batch id is the idempotency key on both sides: a redelivered job for a
// batch that already left processing is acknowledged without a PSP call.
type BatchSubmitter struct {
	db         *gorm.DB
	batches    *repository.BatchRepository
	tracker    *payment.Tracker
	psp        psp.Submitter
	queue      JobQueue
	alerts     Alerter
	pspTimeout time.Duration
	log        logrus.FieldLogger
}

func NewBatchSubmitter(d SubmitterDeps) *BatchSubmitter {
	timeout := d.PSPTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &BatchSubmitter{
		db:         d.DB,
		batches:    repository.NewBatchRepository(d.DB),
		tracker:    d.Tracker,
		psp:        d.PSP,
		queue:      d.Queue,
		alerts:     d.Alerts,
		pspTimeout: timeout,
		log:        d.Log,
	}
}

func (s *BatchSubmitter) Process(ctx context.Context, d queue.Delivery) error {
	job := d.Job
	log := s.log.WithFields(logrus.Fields{
		"job_id":         job.ID,
		"batch_id":       job.BatchID,
		"condominium_id": job.CondominiumID,
		"attempt":        job.Attempts,
	})

	// The lock clock starts when a worker picks the delivery up, not when it
	// was claimed into the pool buffer.
	owned, err := s.queue.Touch(ctx, job)
	if err != nil {
		return err
	}
	if !owned {
		log.Info("delivery superseded before it ran, skipping")
		return nil
	}

	batch, err := s.batches.GetByID(ctx, job.BatchID)
	if errors.Is(err, repository.ErrNotFound) {
		cause := fmt.Errorf("batch %s not found", job.BatchID)
		if err := s.queue.Dead(ctx, job.ID, cause); err != nil {
			return err
		}
		return cause
	}
	if err != nil {
		return err
	}

	switch batch.SubmissionState {
	case models.BatchPending:
		ok, err := s.batches.CompareAndSetState(ctx, batch.ID,
			[]models.BatchState{models.BatchPending}, models.BatchProcessing, nil)
		if err != nil {
			return err
		}
		if !ok {
			return s.lostRace(ctx, job, log)
		}
	case models.BatchProcessing:
		// An earlier attempt died between claim and outcome. The PSP
		// deduplicates on the batch id, so resubmitting is safe.
		log.Info("resuming batch left in processing")
	default:
		log.WithField("state", batch.SubmissionState).Info("batch already handled, acknowledging duplicate delivery")
		return s.queue.Ack(ctx, job.ID)
	}

	sub := submissionOf(d.Payload, batch)
	if err := checkConservation(d.Payload, batch); err != nil {
		return s.abandon(ctx, job, batch, err, log)
	}

	pctx, cancel := context.WithTimeout(ctx, s.pspTimeout)
	res, err := s.psp.Submit(pctx, sub)
	cancel()

	if err != nil {
		var te *psp.TransportError
		if !errors.As(err, &te) {
			te = &psp.TransportError{Err: err}
		}
		return s.transportFailure(ctx, job, batch, te, log)
	}
	if !res.Accepted {
		return s.rejected(ctx, job, batch, res, log)
	}
	return s.accepted(ctx, job, batch, res, log)
}

// openStates are the batch states a PSP outcome may still be applied from. A
// concurrent delivery's retry can move the batch back to pending while this
// one waits on the PSP.
var openStates = []models.BatchState{models.BatchPending, models.BatchProcessing}

// acceptableStates adds failed: a final transport failure does not mean the
// PSP never took the file.
var acceptableStates = []models.BatchState{models.BatchPending, models.BatchProcessing, models.BatchFailed}

func (s *BatchSubmitter) accepted(ctx context.Context, job models.BatchJob, batch *models.SepaBatch, res psp.Result, log *logrus.Entry) error {
	err := s.finish(ctx, batch, acceptableStates, models.BatchSubmitted,
		map[string]interface{}{"psp_reference": res.PSPReference, "last_error": ""},
		payment.EventSubmit, "")
	switch {
	case errors.Is(err, errBatchMoved):
		log.Info("batch already settled by another delivery")
	case err != nil:
		return err
	}
	if err := s.queue.Ack(ctx, job.ID); err != nil {
		return err
	}
	log.WithField("psp_reference", res.PSPReference).Info("batch submitted")
	return nil
}

func (s *BatchSubmitter) rejected(ctx context.Context, job models.BatchJob, batch *models.SepaBatch, res psp.Result, log *logrus.Entry) error {
	rejection := &psp.RejectedBatchError{BatchID: batch.ID, ReasonCode: res.ReasonCode}
	err := s.finish(ctx, batch, openStates, models.BatchRejected,
		map[string]interface{}{"reject_reason": res.ReasonCode},
		payment.EventReject, res.ReasonCode)
	switch {
	case errors.Is(err, errBatchMoved):
		log.Info("batch already settled by another delivery")
	case err != nil:
		return err
	}
	if err := s.queue.Ack(ctx, job.ID); err != nil {
		return err
	}
	log.WithField("reason_code", res.ReasonCode).Warn(rejection.Error())
	return rejection
}

// transportFailure requeues with backoff until MaxRetries attempts were made,
// then fails the batch. The PSP may hold the file, so its instructions move
// to submitted and wait for a settlement, a return or a manual reversal.
// A delivery that lost its claim leaves the batch to the newer one.
func (s *BatchSubmitter) transportFailure(ctx context.Context, job models.BatchJob, batch *models.SepaBatch, cause *psp.TransportError, log *logrus.Entry) error {
	if job.Attempts < s.queue.MaxRetries() {
		delay := s.queue.Backoff(job.Attempts)
		owned, err := s.queue.Retry(ctx, job, delay, cause)
		if err != nil {
			return err
		}
		if !owned {
			log.WithError(cause).Info("psp submission failed on a superseded delivery")
			return cause
		}
		if err := s.batches.RecordAttempt(ctx, batch.ID, job.Attempts, cause.Error()); err != nil {
			return err
		}
		if _, err := s.batches.CompareAndSetState(ctx, batch.ID,
			[]models.BatchState{models.BatchProcessing}, models.BatchPending, nil); err != nil {
			return err
		}
		log.WithError(cause).WithField("retry_in", delay.String()).Warn("psp submission failed, retrying")
		return cause
	}

	owned, err := s.queue.Touch(ctx, job)
	if err != nil {
		return err
	}
	if !owned {
		log.WithError(cause).Info("psp submission failed on a superseded delivery")
		return cause
	}
	err = s.finish(ctx, batch, []models.BatchState{models.BatchProcessing}, models.BatchFailed,
		map[string]interface{}{"last_error": cause.Error(), "attempts": job.Attempts},
		payment.EventSubmit, "submission outcome unknown")
	if errors.Is(err, errBatchMoved) {
		log.WithError(cause).Info("batch settled by another delivery during the last attempt")
		return s.queue.Ack(ctx, job.ID)
	}
	if err != nil {
		return err
	}
	if err := s.queue.Dead(ctx, job.ID, cause); err != nil {
		return err
	}
	s.raiseFailed(ctx, batch, job.Attempts, cause)
	config.LogError(log, "worker", "BatchSubmitter.Process", "batch failed after retries", batch.ID, cause)
	return cause
}

// abandon fails a batch that was never sent. Its instructions return to due.
func (s *BatchSubmitter) abandon(ctx context.Context, job models.BatchJob, batch *models.SepaBatch, cause error, log *logrus.Entry) error {
	err := s.finish(ctx, batch, []models.BatchState{models.BatchProcessing}, models.BatchFailed,
		map[string]interface{}{"last_error": cause.Error()},
		payment.EventCancel, "batch abandoned before submission")
	if err != nil && !errors.Is(err, errBatchMoved) {
		return err
	}
	if err := s.queue.Dead(ctx, job.ID, cause); err != nil {
		return err
	}
	s.raiseFailed(ctx, batch, job.Attempts, cause)
	config.LogError(log, "worker", "BatchSubmitter.Process", "batch abandoned", batch.ID, cause)
	return cause
}

// finish moves the batch from one of the from states to to and applies event
// to every item in one transaction.
func (s *BatchSubmitter) finish(ctx context.Context, batch *models.SepaBatch, from []models.BatchState, to models.BatchState, extra map[string]interface{}, event payment.Event, reason string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := s.batches.WithTx(tx).CompareAndSetState(ctx, batch.ID, from, to, extra)
		if err != nil {
			return err
		}
		if !ok {
			return errBatchMoved
		}
		batchID := batch.ID
		for _, it := range batch.Items {
			if _, err := s.tracker.ApplyTx(ctx, tx, payment.Change{
				Event:         event,
				InstructionID: it.InstructionID,
				BatchID:       &batchID,
				Actor:         workerActor,
				Reason:        reason,
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// lostRace handles a pending batch that changed under us: cancelled by an
// operator or taken by a concurrent delivery.
func (s *BatchSubmitter) lostRace(ctx context.Context, job models.BatchJob, log *logrus.Entry) error {
	batch, err := s.batches.GetByID(ctx, job.BatchID)
	if err != nil {
		return err
	}
	if batch.SubmissionState == models.BatchProcessing {
		log.Info("batch taken by another delivery")
		return nil
	}
	log.WithField("state", batch.SubmissionState).Info("batch left pending before submission, acknowledging")
	return s.queue.Ack(ctx, job.ID)
}

func (s *BatchSubmitter) raiseFailed(ctx context.Context, batch *models.SepaBatch, attempts int, cause error) {
	if s.alerts == nil {
		return
	}
	_, err := s.alerts.Raise(ctx, alerts.Alert{
		Kind:          models.ActionBatchFailed,
		TenantID:      batch.TenantID,
		CondominiumID: batch.CondominiumID,
		SubjectID:     batch.ID.String(),
		Detail: map[string]interface{}{
			"attempts": attempts,
			"error":    cause.Error(),
			"items":    batch.ItemCount,
			"total":    batch.Total,
		},
	})
	if err != nil {
		config.LogError(s.log, "worker", "raiseFailed", "raise action item", batch.ID, err)
	}
}

func submissionOf(p models.JobPayload, batch *models.SepaBatch) psp.Submission {
	sub := psp.Submission{
		BatchID:       batch.ID,
		TenantID:      p.TenantID,
		CondominiumID: p.CondominiumID,
		ControlSum:    batch.Total,
	}
	for _, pm := range p.Payments {
		sub.Items = append(sub.Items, psp.Item{
			OwnerID:   pm.OwnerID,
			Reference: pm.Reference,
			MandateID: pm.MandateID,
			Amount:    pm.Amount,
		})
	}
	return sub
}

func checkConservation(p models.JobPayload, batch *models.SepaBatch) error {
	var items int64
	for _, it := range batch.Items {
		items += it.Amount
	}
	payload := p.Total()
	if payload != batch.Total || items != batch.Total ||
		len(p.Payments) != len(batch.Items) || len(batch.Items) != batch.ItemCount {
		return &ConservationError{BatchID: batch.ID, PayloadTotal: payload, BatchTotal: batch.Total, ItemTotal: items}
	}
	return nil
}
