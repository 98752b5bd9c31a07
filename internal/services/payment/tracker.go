// Package payment owns the payment instruction state machine.
//
//	due → batched → submitted → settled | returned
//	batched → due    (PSP rejection, batch cancellation)
//	submitted → due  (operator reversal only)
//
// Every transition is a guarded update inside the caller's transaction and is
// exactly-once effective: replaying an event that already took effect is a
// no-op reported as Applied == false.
package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"sepa-collections-backend/internal/models"
	"sepa-collections-backend/internal/repository"
)

type Event string

const (
	EventBatch          Event = "batch"
	EventSubmit         Event = "submit"
	EventReject         Event = "reject"
	EventCancel         Event = "cancel"
	EventSettle         Event = "settle"
	EventReturn         Event = "return"
	EventManualReversal Event = "manual_reversal"
)

var (
	ErrInvalidTransition   = errors.New("invalid instruction transition")
	ErrInstructionNotFound = errors.New("payment instruction not found")
)

type edge struct {
	from, to models.InstructionState
}

var graph = map[Event]edge{
	EventBatch:          {models.InstructionDue, models.InstructionBatched},
	EventSubmit:         {models.InstructionBatched, models.InstructionSubmitted},
	EventReject:         {models.InstructionBatched, models.InstructionDue},
	EventCancel:         {models.InstructionBatched, models.InstructionDue},
	EventSettle:         {models.InstructionSubmitted, models.InstructionSettled},
	EventReturn:         {models.InstructionSubmitted, models.InstructionReturned},
	EventManualReversal: {models.InstructionSubmitted, models.InstructionDue},
}

var rank = map[models.InstructionState]int{
	models.InstructionDue:       0,
	models.InstructionBatched:   1,
	models.InstructionSubmitted: 2,
	models.InstructionSettled:   3,
	models.InstructionReturned:  3,
}

// Change is one requested transition.
type Change struct {
	Event         Event
	InstructionID uuid.UUID
	// BatchID scopes batch events (batch, submit, reject, cancel).
	BatchID *uuid.UUID
	Actor   string
	Reason  string
}

type Result struct {
	Instruction *models.PaymentInstruction
	Applied     bool
	// Representment is the new Due instruction created by a return.
	Representment *models.PaymentInstruction
}

type Tracker struct {
	db           *gorm.DB
	instructions *repository.InstructionRepository
	batches      *repository.BatchRepository
	log          logrus.FieldLogger
}

func NewTracker(instructions *repository.InstructionRepository, batches *repository.BatchRepository, log logrus.FieldLogger) *Tracker {
	return &Tracker{
		db:           instructions.DB(),
		instructions: instructions,
		batches:      batches,
		log:          log,
	}
}

// Apply runs a single transition in its own transaction.
func (t *Tracker) Apply(ctx context.Context, c Change) (Result, error) {
	var res Result
	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		res, err = t.ApplyTx(ctx, tx, c)
		return err
	})
	return res, err
}

// ApplyTx runs a transition inside the caller's transaction.
func (t *Tracker) ApplyTx(ctx context.Context, tx *gorm.DB, c Change) (Result, error) {
	e, ok := graph[c.Event]
	if !ok {
		return Result{}, fmt.Errorf("%w: unknown event %q", ErrInvalidTransition, c.Event)
	}
	repo := t.instructions.WithTx(tx)

	in, err := repo.GetByID(ctx, c.InstructionID)
	if errors.Is(err, repository.ErrNotFound) {
		return Result{}, fmt.Errorf("%w: %s", ErrInstructionNotFound, c.InstructionID)
	}
	if err != nil {
		return Result{}, err
	}

	if in.State == e.from && batchMatches(c, in) {
		change := repository.StateChange{
			ID:       in.ID,
			From:     e.from,
			To:       e.to,
			NewBatch: nextBatch(c, in),
		}
		if c.Event != EventBatch {
			change.ExpectBatch = in.BatchID
		}
		ok, err := repo.CompareAndSetState(ctx, change)
		if err != nil {
			return Result{}, err
		}
		if ok {
			return t.afterTransition(ctx, tx, c, in, e)
		}
		// Lost a race: judge the event against the state that won.
		if in, err = repo.GetByID(ctx, c.InstructionID); err != nil {
			return Result{}, err
		}
	}

	if alreadyApplied(c, in, e) {
		return Result{Instruction: in}, nil
	}
	return Result{Instruction: in}, fmt.Errorf("%w: %s %s from %s", ErrInvalidTransition, in.ID, c.Event, in.State)
}

func (t *Tracker) afterTransition(ctx context.Context, tx *gorm.DB, c Change, prev *models.PaymentInstruction, e edge) (Result, error) {
	repo := t.instructions.WithTx(tx)

	auditBatch := prev.BatchID
	if c.Event == EventBatch {
		auditBatch = c.BatchID
	}
	if err := repo.RecordTransition(ctx, &models.InstructionTransition{
		InstructionID: prev.ID,
		From:          e.from,
		To:            e.to,
		Cause:         causeOf(c),
		BatchID:       auditBatch,
		Actor:         c.Actor,
	}); err != nil {
		return Result{}, err
	}

	in, err := repo.GetByID(ctx, prev.ID)
	if err != nil {
		return Result{}, err
	}
	res := Result{Instruction: in, Applied: true}

	if c.Event == EventReturn {
		if res.Representment, err = t.represent(ctx, tx, in, c); err != nil {
			return Result{}, err
		}
	}
	if (c.Event == EventSettle || c.Event == EventReturn) && in.BatchID != nil {
		if err := t.settleBatchIfComplete(ctx, tx, *in.BatchID); err != nil {
			return Result{}, err
		}
	}

	t.log.WithFields(logrus.Fields{
		"instruction_id": in.ID,
		"reference":      in.Reference,
		"event":          c.Event,
		"from":           e.from,
		"to":             e.to,
	}).Debug("instruction transitioned")
	return res, nil
}

// represent creates the new Due charge that replaces a returned debit.
func (t *Tracker) represent(ctx context.Context, tx *gorm.DB, returned *models.PaymentInstruction, c Change) (*models.PaymentInstruction, error) {
	repo := t.instructions.WithTx(tx)
	n, err := repo.CountReturnsOf(ctx, returned.ID)
	if err != nil {
		return nil, err
	}
	returnOf := returned.ID
	next := &models.PaymentInstruction{
		ID:            uuid.New(),
		TenantID:      returned.TenantID,
		OwnerID:       returned.OwnerID,
		CondominiumID: returned.CondominiumID,
		Amount:        returned.Amount,
		Reference:     fmt.Sprintf("%s-R%d", returned.Reference, n+1),
		MandateID:     returned.MandateID,
		DueDate:       returned.DueDate,
		State:         models.InstructionDue,
		ReturnOf:      &returnOf,
		ReturnReason:  c.Reason,
	}
	if err := repo.Create(ctx, next); err != nil {
		return nil, err
	}
	return next, nil
}

func (t *Tracker) settleBatchIfComplete(ctx context.Context, tx *gorm.DB, batchID uuid.UUID) error {
	batches := t.batches.WithTx(tx)
	batch, err := batches.GetByID(ctx, batchID)
	if err != nil {
		return err
	}
	if batch.SubmissionState != models.BatchSubmitted {
		return nil
	}
	ids := make([]uuid.UUID, 0, len(batch.Items))
	for _, it := range batch.Items {
		ids = append(ids, it.InstructionID)
	}
	rows, err := t.instructions.WithTx(tx).ListByIDs(ctx, ids)
	if err != nil {
		return err
	}
	for _, in := range rows {
		if !in.State.IsTerminal() {
			return nil
		}
	}
	_, err = batches.CompareAndSetState(ctx, batchID, []models.BatchState{models.BatchSubmitted}, models.BatchSettled, nil)
	return err
}

func batchMatches(c Change, in *models.PaymentInstruction) bool {
	switch c.Event {
	case EventSubmit, EventReject, EventCancel:
		return c.BatchID == nil || (in.BatchID != nil && *in.BatchID == *c.BatchID)
	}
	return true
}

func nextBatch(c Change, in *models.PaymentInstruction) *uuid.UUID {
	switch c.Event {
	case EventBatch:
		return c.BatchID
	case EventReject, EventCancel, EventManualReversal:
		return nil
	}
	return in.BatchID
}

func alreadyApplied(c Change, in *models.PaymentInstruction, e edge) bool {
	sameBatch := c.BatchID != nil && in.BatchID != nil && *in.BatchID == *c.BatchID

	switch c.Event {
	case EventBatch:
		// Batched into another batch is a double inclusion, never a replay.
		return in.State == models.InstructionBatched && sameBatch
	case EventSubmit:
		return rank[in.State] >= rank[e.to] && (c.BatchID == nil || sameBatch)
	case EventReject, EventCancel:
		// The batch no longer holds the instruction.
		return in.State == models.InstructionDue || !sameBatch
	case EventSettle:
		return in.State == models.InstructionSettled
	case EventReturn:
		return in.State == models.InstructionReturned
	case EventManualReversal:
		return in.State == models.InstructionDue
	}
	return false
}

func causeOf(c Change) string {
	if c.Reason == "" {
		return string(c.Event)
	}
	return string(c.Event) + ": " + c.Reason
}
