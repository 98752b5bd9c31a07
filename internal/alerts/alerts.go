// Package alerts surfaces operator action items: failed batches, disputed
// reconciliations, instructions excluded for an invalid mandate.
package alerts

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"sepa-collections-backend/internal/models"
	"sepa-collections-backend/internal/repository"
)

// Publisher fans an action item out to an external channel.
type Publisher interface {
	Publish(ctx context.Context, item models.ActionItem) error
}

type Service struct {
	repo      *repository.ActionItemRepository
	publisher Publisher
	log       logrus.FieldLogger
}

// NewService stores items in the database; publisher may be nil.
func NewService(repo *repository.ActionItemRepository, publisher Publisher, log logrus.FieldLogger) *Service {
	return &Service{repo: repo, publisher: publisher, log: log}
}

type Alert struct {
	Kind          models.ActionItemKind
	TenantID      string
	CondominiumID string
	SubjectID     string
	Detail        any
}

// Raise records the alert unless an open item already exists for the same
// subject, then publishes it. Publishing failures are logged, not returned:
// the stored item is the source of truth.
func (s *Service) Raise(ctx context.Context, a Alert) (*models.ActionItem, error) {
	existing, err := s.repo.FindOpen(ctx, a.Kind, a.SubjectID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	detail, err := json.Marshal(a.Detail)
	if err != nil {
		return nil, err
	}
	item := &models.ActionItem{
		ID:            uuid.New(),
		Kind:          a.Kind,
		TenantID:      a.TenantID,
		CondominiumID: a.CondominiumID,
		SubjectID:     a.SubjectID,
		Detail:        datatypes.JSON(detail),
		Status:        models.ActionOpen,
	}
	if err := s.repo.Create(ctx, item); err != nil {
		return nil, err
	}

	fields := logrus.Fields{
		"action_item_id": item.ID,
		"kind":           item.Kind,
		"condominium_id": item.CondominiumID,
		"subject_id":     item.SubjectID,
	}
	s.log.WithFields(fields).Warn("action item raised")

	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, *item); err != nil {
			s.log.WithFields(fields).WithError(err).Error("publish action item")
		}
	}
	return item, nil
}

func (s *Service) List(ctx context.Context, status models.ActionItemStatus, kind models.ActionItemKind, condominiumID string) ([]models.ActionItem, error) {
	return s.repo.List(ctx, status, kind, condominiumID)
}

func (s *Service) Resolve(ctx context.Context, id uuid.UUID, resolvedBy string) (*models.ActionItem, error) {
	return s.repo.Resolve(ctx, id, resolvedBy)
}
