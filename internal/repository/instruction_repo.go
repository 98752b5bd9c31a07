package repository

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"sepa-collections-backend/internal/models"
)

type InstructionRepository struct {
	db *gorm.DB
}

func NewInstructionRepository(db *gorm.DB) *InstructionRepository {
	return &InstructionRepository{db: db}
}

// DB exposes the connection for transaction boundaries.
func (r *InstructionRepository) DB() *gorm.DB {
	return r.db
}

// WithTx binds the repository to an open transaction.
func (r *InstructionRepository) WithTx(tx *gorm.DB) *InstructionRepository {
	return &InstructionRepository{db: tx}
}

func (r *InstructionRepository) Create(ctx context.Context, in *models.PaymentInstruction) error {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(in).Error
}

func (r *InstructionRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.PaymentInstruction, error) {
	var in models.PaymentInstruction
	if err := r.db.WithContext(ctx).First(&in, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &in, nil
}

func (r *InstructionRepository) GetByReference(ctx context.Context, reference string) (*models.PaymentInstruction, error) {
	var in models.PaymentInstruction
	if err := r.db.WithContext(ctx).First(&in, "reference = ?", reference).Error; err != nil {
		return nil, notFound(err)
	}
	return &in, nil
}

// LockDueForCondominium row-locks the condominium's Due instructions with a
// due date on or before asOf, ordered by creation time then id.
func (r *InstructionRepository) LockDueForCondominium(ctx context.Context, condominiumID string, asOf time.Time) ([]models.PaymentInstruction, error) {
	var rows []models.PaymentInstruction
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("condominium_id = ? AND state = ?", condominiumID, models.InstructionDue).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	due := rows[:0]
	for _, in := range rows {
		if !in.DueDate.After(asOf) {
			due = append(due, in)
		}
	}
	sortByCreation(due)
	return due, nil
}

// ListSubmittedForCondominium returns outstanding collections awaiting settlement.
func (r *InstructionRepository) ListSubmittedForCondominium(ctx context.Context, condominiumID string) ([]models.PaymentInstruction, error) {
	var rows []models.PaymentInstruction
	err := r.db.WithContext(ctx).
		Where("condominium_id = ? AND state = ?", condominiumID, models.InstructionSubmitted).
		Find(&rows).Error
	sortByCreation(rows)
	return rows, err
}

func (r *InstructionRepository) ListByBatch(ctx context.Context, batchID uuid.UUID) ([]models.PaymentInstruction, error) {
	var rows []models.PaymentInstruction
	err := r.db.WithContext(ctx).Where("batch_id = ?", batchID).Find(&rows).Error
	return rows, err
}

func (r *InstructionRepository) ListByIDs(ctx context.Context, ids []uuid.UUID) ([]models.PaymentInstruction, error) {
	var rows []models.PaymentInstruction
	if len(ids) == 0 {
		return rows, nil
	}
	err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error
	return rows, err
}

// StateChange describes a guarded instruction transition.
type StateChange struct {
	ID   uuid.UUID
	From models.InstructionState
	To   models.InstructionState
	// ExpectBatch, when set, requires the row to still carry this batch id.
	ExpectBatch *uuid.UUID
	NewBatch    *uuid.UUID
}

// CompareAndSetState applies the change only if the row is still in the
// expected state. Reports whether the row was updated.
func (r *InstructionRepository) CompareAndSetState(ctx context.Context, c StateChange) (bool, error) {
	q := r.db.WithContext(ctx).
		Model(&models.PaymentInstruction{}).
		Where("id = ? AND state = ?", c.ID, c.From)
	if c.ExpectBatch != nil {
		q = q.Where("batch_id = ?", *c.ExpectBatch)
	}
	res := q.Updates(map[string]interface{}{
		"state":      c.To,
		"batch_id":   c.NewBatch,
		"updated_at": r.db.NowFunc(),
	})
	return res.RowsAffected == 1, res.Error
}

func (r *InstructionRepository) RecordTransition(ctx context.Context, t *models.InstructionTransition) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(t).Error
}

func (r *InstructionRepository) ListTransitions(ctx context.Context, instructionID uuid.UUID) ([]models.InstructionTransition, error) {
	var rows []models.InstructionTransition
	err := r.db.WithContext(ctx).
		Where("instruction_id = ?", instructionID).
		Order("created_at ASC").
		Find(&rows).Error
	return rows, err
}

func (r *InstructionRepository) CountReturnsOf(ctx context.Context, id uuid.UUID) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.PaymentInstruction{}).Where("return_of = ?", id).Count(&n).Error
	return n, err
}

func sortByCreation(rows []models.PaymentInstruction) {
	sort.SliceStable(rows, func(i, j int) bool {
		if !rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].CreatedAt.Before(rows[j].CreatedAt)
		}
		return rows[i].ID.String() < rows[j].ID.String()
	})
}
