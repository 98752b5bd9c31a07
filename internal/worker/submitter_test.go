package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"sepa-collections-backend/internal/alerts"
	"sepa-collections-backend/internal/config"
	"sepa-collections-backend/internal/lock"
	"sepa-collections-backend/internal/models"
	"sepa-collections-backend/internal/psp"
	"sepa-collections-backend/internal/queue"
	"sepa-collections-backend/internal/repository"
	"sepa-collections-backend/internal/services/batch"
	"sepa-collections-backend/internal/services/payment"
	"sepa-collections-backend/internal/testutil"
)

type MockPSP struct {
	mu         sync.Mutex
	calls      []psp.Submission
	SubmitFunc func(ctx context.Context, s psp.Submission) (psp.Result, error)
}

func (m *MockPSP) Submit(ctx context.Context, s psp.Submission) (psp.Result, error) {
	m.mu.Lock()
	m.calls = append(m.calls, s)
	m.mu.Unlock()
	return m.SubmitFunc(ctx, s)
}

type retryCall struct {
	id    uuid.UUID
	delay time.Duration
}

// MockQueue records how jobs were settled.
type MockQueue struct {
	acked   []uuid.UUID
	retried []retryCall
	dead    []uuid.UUID
	max     int
	// superseded makes every delivery look reclaimed by a newer one.
	superseded bool
}

func (m *MockQueue) Touch(context.Context, models.BatchJob) (bool, error) {
	return !m.superseded, nil
}

func (m *MockQueue) Ack(_ context.Context, id uuid.UUID) error {
	m.acked = append(m.acked, id)
	return nil
}

func (m *MockQueue) Retry(_ context.Context, job models.BatchJob, delay time.Duration, _ error) (bool, error) {
	if m.superseded {
		return false, nil
	}
	m.retried = append(m.retried, retryCall{id: job.ID, delay: delay})
	return true, nil
}

func (m *MockQueue) Dead(_ context.Context, id uuid.UUID, _ error) error {
	m.dead = append(m.dead, id)
	return nil
}

func (m *MockQueue) Backoff(attempt int) time.Duration {
	return queue.Backoff(attempt, time.Second, time.Minute)
}

func (m *MockQueue) MaxRetries() int { return m.max }

type MockAlerter struct {
	raised []alerts.Alert
}

func (m *MockAlerter) Raise(_ context.Context, a alerts.Alert) (*models.ActionItem, error) {
	m.raised = append(m.raised, a)
	return &models.ActionItem{ID: uuid.New()}, nil
}

var queueConfig = config.QueueConfig{
	Endpoint:        "postgres",
	MaxRetries:      3,
	RetryBackoff:    time.Second,
	MaxRetryBackoff: time.Minute,
	LockTTL:         time.Minute,
	ClaimBatchSize:  10,
}

type fixture struct {
	db        *gorm.DB
	builder   *batch.Builder
	queue     *queue.Queue
	jobs      *MockQueue
	psp       *MockPSP
	alerter   *MockAlerter
	submitter *BatchSubmitter
	first     *models.PaymentInstruction
	second    *models.PaymentInstruction
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db := testutil.OpenDB(t)
	log := testutil.Logger()
	tracker := payment.NewTracker(repository.NewInstructionRepository(db), repository.NewBatchRepository(db), log)
	q := queue.New(db, queueConfig, log)

	f := &fixture{
		db:      db,
		queue:   q,
		jobs:    &MockQueue{max: queueConfig.MaxRetries},
		psp:     &MockPSP{},
		alerter: &MockAlerter{},
	}
	f.builder = batch.NewBuilder(batch.Deps{
		DB:      db,
		Tracker: tracker,
		Queue:   q,
		Locker:  lock.NewLocalLocker(),
		Log:     log,
		Config:  queueConfig,
	})
	f.submitter = NewBatchSubmitter(SubmitterDeps{
		DB:         db,
		Tracker:    tracker,
		PSP:        f.psp,
		Queue:      f.jobs,
		Alerts:     f.alerter,
		Log:        log,
		PSPTimeout: time.Second,
	})

	m1 := testutil.SeedOwner(t, db, "condo-1", "owner-1", "Dupont")
	m2 := testutil.SeedOwner(t, db, "condo-1", "owner-2", "Martin")
	f.first = testutil.SeedInstruction(t, db, "condo-1", "owner-1", m1, 4500, "CHG-2024-001", testutil.Date(2024, time.March, 1), models.InstructionDue)
	f.second = testutil.SeedInstruction(t, db, "condo-1", "owner-2", m2, 12050, "CHG-2024-002", testutil.Date(2024, time.March, 1), models.InstructionDue)
	return f
}

// buildAndClaim builds the condominium's batch and claims its job once.
func (f *fixture) buildAndClaim(t *testing.T) (*models.SepaBatch, queue.Delivery) {
	t.Helper()
	ctx := context.Background()
	res, err := f.builder.BuildBatch(ctx, "condo-1", "tenant-1", testutil.Date(2024, time.March, 31))
	if err != nil {
		t.Fatalf("BuildBatch() error = %v", err)
	}
	deliveries, err := f.queue.Claim(ctx, "test", 1)
	if err != nil || len(deliveries) != 1 {
		t.Fatalf("Claim() = %d deliveries, %v", len(deliveries), err)
	}
	return res.Batch, deliveries[0]
}

func (f *fixture) batchState(t *testing.T, id uuid.UUID) *models.SepaBatch {
	t.Helper()
	b, err := repository.NewBatchRepository(f.db).GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("load batch: %v", err)
	}
	return b
}

func TestProcessAccepted(t *testing.T) {
	f := setup(t)
	f.psp.SubmitFunc = func(_ context.Context, s psp.Submission) (psp.Result, error) {
		return psp.Result{Accepted: true, PSPReference: "PSP-" + s.BatchID.String()[:8]}, nil
	}
	b, d := f.buildAndClaim(t)

	if err := f.submitter.Process(context.Background(), d); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	got := f.batchState(t, b.ID)
	if got.SubmissionState != models.BatchSubmitted || got.PSPReference == "" {
		t.Errorf("batch = %s ref %q, want submitted with reference", got.SubmissionState, got.PSPReference)
	}
	for _, in := range []*models.PaymentInstruction{f.first, f.second} {
		if r := testutil.Reload(t, f.db, in.ID); r.State != models.InstructionSubmitted {
			t.Errorf("instruction %s = %s, want submitted", r.Reference, r.State)
		}
	}
	sub := f.psp.calls[0]
	if sub.ControlSum != 16550 || sub.Sum() != 16550 || len(sub.Items) != 2 {
		t.Errorf("submission = %+v", sub)
	}
	if len(f.jobs.acked) != 1 {
		t.Errorf("acked = %d, want 1", len(f.jobs.acked))
	}
}

func TestProcessDuplicateDeliveryIsNoOp(t *testing.T) {
	f := setup(t)
	f.psp.SubmitFunc = func(context.Context, psp.Submission) (psp.Result, error) {
		return psp.Result{Accepted: true, PSPReference: "PSP-1"}, nil
	}
	b, d := f.buildAndClaim(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := f.submitter.Process(ctx, d); err != nil {
			t.Fatalf("Process() #%d error = %v", i+1, err)
		}
	}

	if len(f.psp.calls) != 1 {
		t.Errorf("psp called %d times, want 1", len(f.psp.calls))
	}
	if len(f.jobs.acked) != 3 {
		t.Errorf("acked = %d, want every delivery acknowledged", len(f.jobs.acked))
	}
	var n int64
	f.db.Model(&models.InstructionTransition{}).Where("to_state = ?", models.InstructionSubmitted).Count(&n)
	if n != 2 {
		t.Errorf("submitted transitions = %d, want 2", n)
	}
	if got := f.batchState(t, b.ID); got.SubmissionState != models.BatchSubmitted {
		t.Errorf("batch = %s", got.SubmissionState)
	}
}

func TestProcessRejected(t *testing.T) {
	f := setup(t)
	f.psp.SubmitFunc = func(context.Context, psp.Submission) (psp.Result, error) {
		return psp.Result{Accepted: false, ReasonCode: "AM05"}, nil
	}
	b, d := f.buildAndClaim(t)

	err := f.submitter.Process(context.Background(), d)
	var rejected *psp.RejectedBatchError
	if !errors.As(err, &rejected) || rejected.ReasonCode != "AM05" {
		t.Fatalf("Process() error = %v, want RejectedBatchError AM05", err)
	}

	got := f.batchState(t, b.ID)
	if got.SubmissionState != models.BatchRejected || got.RejectReason != "AM05" {
		t.Errorf("batch = %s reason %q", got.SubmissionState, got.RejectReason)
	}
	for _, in := range []*models.PaymentInstruction{f.first, f.second} {
		if r := testutil.Reload(t, f.db, in.ID); r.State != models.InstructionDue || r.BatchID != nil {
			t.Errorf("instruction %s = %s batch %v, want Due", r.Reference, r.State, r.BatchID)
		}
	}
	if len(f.jobs.acked) != 1 || len(f.jobs.retried) != 0 {
		t.Errorf("acked %d retried %d, want acked once and never retried", len(f.jobs.acked), len(f.jobs.retried))
	}

	// The instructions can go into a new batch.
	if _, err := f.builder.BuildBatch(context.Background(), "condo-1", "tenant-1", testutil.Date(2024, time.March, 31)); err != nil {
		t.Errorf("rebuild after rejection: %v", err)
	}
}

func TestProcessTransportFailureRetriesThenFails(t *testing.T) {
	f := setup(t)
	f.psp.SubmitFunc = func(context.Context, psp.Submission) (psp.Result, error) {
		return psp.Result{}, &psp.TransportError{StatusCode: 503, Err: errors.New("unavailable")}
	}
	b, d := f.buildAndClaim(t)
	ctx := context.Background()

	for attempt := 1; attempt <= 3; attempt++ {
		d.Job.Attempts = attempt
		err := f.submitter.Process(ctx, d)
		var te *psp.TransportError
		if !errors.As(err, &te) {
			t.Fatalf("attempt %d: error = %v, want TransportError", attempt, err)
		}
		if attempt < 3 {
			if got := f.batchState(t, b.ID); got.SubmissionState != models.BatchPending || got.Attempts != attempt {
				t.Errorf("attempt %d: batch = %s attempts %d, want pending", attempt, got.SubmissionState, got.Attempts)
			}
		}
	}

	if len(f.psp.calls) != 3 {
		t.Errorf("psp called %d times, want 3", len(f.psp.calls))
	}
	if len(f.jobs.retried) != 2 || f.jobs.retried[0].delay != time.Second || f.jobs.retried[1].delay != 2*time.Second {
		t.Errorf("retries = %+v, want 1s then 2s", f.jobs.retried)
	}
	if len(f.jobs.dead) != 1 || len(f.jobs.acked) != 0 {
		t.Errorf("dead %d acked %d, want dead-lettered once", len(f.jobs.dead), len(f.jobs.acked))
	}

	got := f.batchState(t, b.ID)
	if got.SubmissionState != models.BatchFailed || got.LastError == "" {
		t.Errorf("batch = %s last error %q, want failed", got.SubmissionState, got.LastError)
	}
	for _, in := range []*models.PaymentInstruction{f.first, f.second} {
		if r := testutil.Reload(t, f.db, in.ID); r.State != models.InstructionSubmitted {
			t.Errorf("instruction %s = %s, want submitted pending reversal", r.Reference, r.State)
		}
	}
	if len(f.alerter.raised) != 1 || f.alerter.raised[0].Kind != models.ActionBatchFailed {
		t.Errorf("alerts = %+v, want one batch_failed", f.alerter.raised)
	}

	// A late redelivery changes nothing.
	d.Job.Attempts = 4
	if err := f.submitter.Process(ctx, d); err != nil {
		t.Errorf("redelivery of failed batch: %v", err)
	}
	if len(f.psp.calls) != 3 {
		t.Errorf("failed batch resubmitted")
	}
}

func TestProcessTimeoutIsTransportFailure(t *testing.T) {
	f := setup(t)
	f.submitter.pspTimeout = 10 * time.Millisecond
	f.psp.SubmitFunc = func(ctx context.Context, _ psp.Submission) (psp.Result, error) {
		<-ctx.Done()
		return psp.Result{}, ctx.Err()
	}
	_, d := f.buildAndClaim(t)

	err := f.submitter.Process(context.Background(), d)
	var te *psp.TransportError
	if !errors.As(err, &te) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Process() error = %v, want TransportError wrapping deadline", err)
	}
	if len(f.jobs.retried) != 1 {
		t.Errorf("retried = %d, want 1", len(f.jobs.retried))
	}
}

func TestProcessCancelledBatch(t *testing.T) {
	f := setup(t)
	f.psp.SubmitFunc = func(context.Context, psp.Submission) (psp.Result, error) {
		t.Fatal("cancelled batch sent to psp")
		return psp.Result{}, nil
	}
	ctx := context.Background()
	res, err := f.builder.BuildBatch(ctx, "condo-1", "tenant-1", testutil.Date(2024, time.March, 31))
	if err != nil {
		t.Fatalf("BuildBatch() error = %v", err)
	}
	job, err := f.queue.GetByBatch(ctx, res.Batch.ID)
	if err != nil {
		t.Fatalf("GetByBatch() error = %v", err)
	}
	if _, err := f.builder.CancelBatch(ctx, res.Batch.ID, "operator"); err != nil {
		t.Fatalf("CancelBatch() error = %v", err)
	}

	d := queue.Delivery{Job: *job, Payload: models.JobPayload{
		TenantID: "tenant-1", CondominiumID: "condo-1", BatchID: res.Batch.ID.String(),
	}}
	if err := f.submitter.Process(ctx, d); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if len(f.jobs.acked) != 1 {
		t.Errorf("cancelled batch delivery not acknowledged")
	}
}

func TestProcessConservationMismatch(t *testing.T) {
	f := setup(t)
	f.psp.SubmitFunc = func(context.Context, psp.Submission) (psp.Result, error) {
		t.Fatal("inconsistent batch sent to psp")
		return psp.Result{}, nil
	}
	b, d := f.buildAndClaim(t)
	d.Payload.Payments[0].Amount++

	err := f.submitter.Process(context.Background(), d)
	var ce *ConservationError
	if !errors.As(err, &ce) {
		t.Fatalf("Process() error = %v, want ConservationError", err)
	}
	if got := f.batchState(t, b.ID); got.SubmissionState != models.BatchFailed {
		t.Errorf("batch = %s, want failed", got.SubmissionState)
	}
	if r := testutil.Reload(t, f.db, f.first.ID); r.State != models.InstructionDue {
		t.Errorf("instruction = %s, want Due", r.State)
	}
	if len(f.jobs.dead) != 1 || len(f.alerter.raised) != 1 {
		t.Errorf("dead %d alerts %d, want 1 and 1", len(f.jobs.dead), len(f.alerter.raised))
	}
}

func TestProcessMissingBatch(t *testing.T) {
	f := setup(t)
	d := queue.Delivery{Job: models.BatchJob{ID: uuid.New(), BatchID: uuid.New()}}

	if err := f.submitter.Process(context.Background(), d); err == nil {
		t.Fatal("Process() error = nil, want missing batch")
	}
	if len(f.jobs.dead) != 1 {
		t.Errorf("job for a missing batch not dead-lettered")
	}
}

func TestProcessSupersededDeliveryIsSkipped(t *testing.T) {
	f := setup(t)
	f.psp.SubmitFunc = func(context.Context, psp.Submission) (psp.Result, error) {
		t.Fatal("superseded delivery reached the psp")
		return psp.Result{}, nil
	}
	b, d := f.buildAndClaim(t)
	f.jobs.superseded = true

	if err := f.submitter.Process(context.Background(), d); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if got := f.batchState(t, b.ID); got.SubmissionState != models.BatchPending {
		t.Errorf("batch = %s, want untouched pending", got.SubmissionState)
	}
	if len(f.jobs.acked)+len(f.jobs.retried)+len(f.jobs.dead) != 0 {
		t.Error("superseded delivery settled the job")
	}
}

// overlap runs a second delivery of the same job while the first one waits on
// the PSP. The first call's lock goes stale, the job is claimed again and the
// redelivery runs to completion before the first PSP answer arrives.
func overlap(t *testing.T, first, second func() (psp.Result, error)) (f *fixture, b *models.SepaBatch, errFirst, errSecond error) {
	t.Helper()
	f = setup(t)
	cfg := queueConfig
	cfg.LockTTL = time.Millisecond
	q := queue.New(f.db, cfg, testutil.Logger())
	f.submitter.queue = q

	calls := 0
	f.psp.SubmitFunc = func(ctx context.Context, _ psp.Submission) (psp.Result, error) {
		calls++
		if calls > 1 {
			return second()
		}
		time.Sleep(10 * time.Millisecond)
		redelivered, err := q.Claim(ctx, "other-worker", 1)
		if err != nil || len(redelivered) != 1 {
			t.Fatalf("redelivery Claim() = %d deliveries, %v", len(redelivered), err)
		}
		errSecond = f.submitter.Process(context.Background(), redelivered[0])
		return first()
	}

	b, d := f.buildAndClaim(t)
	errFirst = f.submitter.Process(context.Background(), d)
	if calls != 2 {
		t.Fatalf("psp called %d times, want 2", calls)
	}
	return f, b, errFirst, errSecond
}

func (f *fixture) assertSubmitted(t *testing.T, b *models.SepaBatch, ref string) {
	t.Helper()
	ctx := context.Background()
	got := f.batchState(t, b.ID)
	if got.SubmissionState != models.BatchSubmitted || got.PSPReference != ref {
		t.Errorf("batch = %s ref %q, want submitted with %q", got.SubmissionState, got.PSPReference, ref)
	}
	job, err := f.queue.GetByBatch(ctx, b.ID)
	if err != nil {
		t.Fatalf("GetByBatch() error = %v", err)
	}
	if job.Status != models.JobDone {
		t.Errorf("job = %s, want done", job.Status)
	}
	for _, in := range []*models.PaymentInstruction{f.first, f.second} {
		if r := testutil.Reload(t, f.db, in.ID); r.State != models.InstructionSubmitted {
			t.Errorf("instruction %s = %s, want submitted", r.Reference, r.State)
		}
	}
	// Nothing is left open, so the condominium can build again.
	var empty *batch.EmptyBatchError
	if _, err := f.builder.BuildBatch(ctx, "condo-1", "tenant-1", testutil.Date(2024, time.March, 31)); !errors.As(err, &empty) {
		t.Errorf("BuildBatch() after submission error = %v, want nothing to batch", err)
	}
}

func TestProcessAcceptedAfterOverlappingRetry(t *testing.T) {
	f, b, errFirst, errSecond := overlap(t,
		func() (psp.Result, error) { return psp.Result{Accepted: true, PSPReference: "PSP-A"}, nil },
		func() (psp.Result, error) {
			return psp.Result{}, &psp.TransportError{StatusCode: 502, Err: errors.New("bad gateway")}
		},
	)

	var te *psp.TransportError
	if !errors.As(errSecond, &te) {
		t.Errorf("redelivery error = %v, want TransportError", errSecond)
	}
	if errFirst != nil {
		t.Errorf("first delivery error = %v", errFirst)
	}
	f.assertSubmitted(t, b, "PSP-A")
}

func TestProcessLateTransportFailureAfterOverlappingAccept(t *testing.T) {
	f, b, errFirst, errSecond := overlap(t,
		func() (psp.Result, error) {
			return psp.Result{}, &psp.TransportError{Err: context.DeadlineExceeded}
		},
		func() (psp.Result, error) { return psp.Result{Accepted: true, PSPReference: "PSP-B"}, nil },
	)

	if errSecond != nil {
		t.Errorf("redelivery error = %v", errSecond)
	}
	var te *psp.TransportError
	if !errors.As(errFirst, &te) {
		t.Errorf("first delivery error = %v, want TransportError", errFirst)
	}
	f.assertSubmitted(t, b, "PSP-B")
	if len(f.alerter.raised) != 0 {
		t.Errorf("alerts = %+v, want none", f.alerter.raised)
	}
}
