// Package mandate registers owners' SEPA mandates and revokes them.
package mandate

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"sepa-collections-backend/internal/models"
	"sepa-collections-backend/internal/repository"
)

var (
	ErrMandateNotFound = errors.New("mandate not found")
	ErrMandateConflict = errors.New("mandate id already registered with different terms")
	ErrInvalidMandate  = errors.New("invalid mandate")
)

type RegisterParams struct {
	MandateID     string
	OwnerID       string
	CondominiumID string
	FirstName     string
	LastName      string
	IBAN          string
	BIC           string
	DebtorName    string
	SignedAt      time.Time
}

type Service struct {
	db       *gorm.DB
	mandates *repository.MandateRepository
	owners   *repository.OwnerRepository
	log      logrus.FieldLogger
	now      func() time.Time
}

func NewService(db *gorm.DB, log logrus.FieldLogger) *Service {
	return &Service{
		db:       db,
		mandates: repository.NewMandateRepository(db),
		owners:   repository.NewOwnerRepository(db),
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Register stores an active mandate, and the owner when a condominium is
// given. Registering the same mandate twice returns the stored one.
func (s *Service) Register(ctx context.Context, p RegisterParams) (*models.Mandate, error) {
	p.IBAN = NormalizeIBAN(p.IBAN)
	switch {
	case p.MandateID == "" || p.OwnerID == "":
		return nil, fmt.Errorf("%w: mandate and owner ids are required", ErrInvalidMandate)
	case !ValidIBAN(p.IBAN):
		return nil, fmt.Errorf("%w: IBAN %q fails its checksum", ErrInvalidMandate, p.IBAN)
	}

	existing, err := s.mandates.GetByID(ctx, p.MandateID)
	switch {
	case err == nil:
		if existing.OwnerID != p.OwnerID || existing.IBAN != p.IBAN {
			return nil, fmt.Errorf("%w: %s", ErrMandateConflict, p.MandateID)
		}
		return existing, nil
	case !errors.Is(err, repository.ErrNotFound):
		return nil, err
	}

	signed := p.SignedAt
	if signed.IsZero() {
		signed = s.now()
	}
	m := &models.Mandate{
		MandateID:  p.MandateID,
		OwnerID:    p.OwnerID,
		IBAN:       p.IBAN,
		BIC:        strings.ToUpper(strings.TrimSpace(p.BIC)),
		DebtorName: p.DebtorName,
		SignedAt:   signed.UTC(),
		Status:     models.MandateActive,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if p.CondominiumID != "" {
			if err := repository.NewOwnerRepository(tx).Upsert(ctx, &models.Owner{
				ID:            p.OwnerID,
				CondominiumID: p.CondominiumID,
				FirstName:     p.FirstName,
				LastName:      p.LastName,
			}); err != nil {
				return err
			}
		}
		return s.mandates.WithTx(tx).Create(ctx, m)
	})
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{"mandate_id": m.MandateID, "owner_id": m.OwnerID}).Info("mandate registered")
	return m, nil
}

// Revoke marks the mandate revoked. Revoking twice keeps the first date.
func (s *Service) Revoke(ctx context.Context, mandateID string) (*models.Mandate, error) {
	m, err := s.mandates.Revoke(ctx, mandateID, s.now())
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrMandateNotFound, mandateID)
	}
	if err != nil {
		return nil, err
	}
	s.log.WithField("mandate_id", mandateID).Info("mandate revoked")
	return m, nil
}

func (s *Service) Get(ctx context.Context, mandateID string) (*models.Mandate, error) {
	m, err := s.mandates.GetByID(ctx, mandateID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrMandateNotFound, mandateID)
	}
	return m, err
}

func NormalizeIBAN(iban string) string {
	return strings.ToUpper(strings.Join(strings.Fields(iban), ""))
}

// ValidIBAN checks the ISO 13616 mod-97 checksum of a normalized IBAN.
func ValidIBAN(iban string) bool {
	if len(iban) < 15 || len(iban) > 34 {
		return false
	}
	rearranged := iban[4:] + iban[:4]
	var digits strings.Builder
	for _, r := range rearranged {
		switch {
		case r >= '0' && r <= '9':
			digits.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			fmt.Fprintf(&digits, "%d", r-'A'+10)
		default:
			return false
		}
	}
	n, ok := new(big.Int).SetString(digits.String(), 10)
	if !ok {
		return false
	}
	return new(big.Int).Mod(n, big.NewInt(97)).Int64() == 1
}
