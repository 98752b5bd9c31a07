package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"sepa-collections-backend/internal/models"
	"sepa-collections-backend/internal/repository"
)

// PSPEventKind is the settlement feedback reported by the PSP.
type PSPEventKind string

const (
	PSPSettled  PSPEventKind = "settled"
	PSPReturned PSPEventKind = "returned"
)

type PSPEvent struct {
	Reference  string       `json:"reference" binding:"required"`
	Kind       PSPEventKind `json:"kind" binding:"required,oneof=settled returned"`
	ReasonCode string       `json:"reason_code"`
}

// HandlePSPEvent applies a PSP settlement or return notification. Duplicate
// callbacks are no-ops.
func (t *Tracker) HandlePSPEvent(ctx context.Context, ev PSPEvent) (Result, error) {
	in, err := t.instructions.GetByReference(ctx, ev.Reference)
	if errors.Is(err, repository.ErrNotFound) {
		return Result{}, fmt.Errorf("%w: reference %s", ErrInstructionNotFound, ev.Reference)
	}
	if err != nil {
		return Result{}, err
	}

	c := Change{InstructionID: in.ID, Actor: "psp", Reason: ev.ReasonCode}
	switch ev.Kind {
	case PSPSettled:
		c.Event = EventSettle
	case PSPReturned:
		c.Event = EventReturn
	default:
		return Result{}, fmt.Errorf("%w: unknown psp event %q", ErrInvalidTransition, ev.Kind)
	}
	return t.Apply(ctx, c)
}

// ManualReversal sends a Submitted instruction back to Due. Operators use it
// once the PSP confirms a failed batch never reached collection.
func (t *Tracker) ManualReversal(ctx context.Context, instructionID uuid.UUID, actor, reason string) (Result, error) {
	return t.Apply(ctx, Change{
		Event:         EventManualReversal,
		InstructionID: instructionID,
		Actor:         actor,
		Reason:        reason,
	})
}

func (t *Tracker) Get(ctx context.Context, instructionID uuid.UUID) (*models.PaymentInstruction, error) {
	in, err := t.instructions.GetByID(ctx, instructionID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrInstructionNotFound, instructionID)
	}
	return in, err
}

func (t *Tracker) History(ctx context.Context, instructionID uuid.UUID) ([]models.InstructionTransition, error) {
	return t.instructions.ListTransitions(ctx, instructionID)
}

type ScheduleParams struct {
	TenantID      string
	OwnerID       string
	CondominiumID string
	Amount        int64
	Reference     string
	MandateID     string
	DueDate       time.Time
}

var (
	ErrInvalidCharge      = errors.New("invalid charge")
	ErrDuplicateReference = errors.New("charge reference already scheduled")
)

// Schedule records a new charge as a Due instruction.
func (t *Tracker) Schedule(ctx context.Context, p ScheduleParams) (*models.PaymentInstruction, error) {
	switch {
	case p.Amount <= 0:
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidCharge)
	case p.Reference == "":
		return nil, fmt.Errorf("%w: reference is required", ErrInvalidCharge)
	case p.OwnerID == "" || p.CondominiumID == "" || p.MandateID == "":
		return nil, fmt.Errorf("%w: owner, condominium and mandate are required", ErrInvalidCharge)
	}

	_, err := t.instructions.GetByReference(ctx, p.Reference)
	switch {
	case err == nil:
		return nil, fmt.Errorf("%w: %s", ErrDuplicateReference, p.Reference)
	case !errors.Is(err, repository.ErrNotFound):
		return nil, err
	}

	in := &models.PaymentInstruction{
		ID:            uuid.New(),
		TenantID:      p.TenantID,
		OwnerID:       p.OwnerID,
		CondominiumID: p.CondominiumID,
		Amount:        p.Amount,
		Reference:     p.Reference,
		MandateID:     p.MandateID,
		DueDate:       p.DueDate.UTC(),
		State:         models.InstructionDue,
	}
	if err := t.instructions.Create(ctx, in); err != nil {
		return nil, err
	}
	return in, nil
}
