// Package reconciliation matches imported bank transactions to submitted
// payment instructions and settles them.
package reconciliation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"sepa-collections-backend/internal/alerts"
	"sepa-collections-backend/internal/bankfeed"
	"sepa-collections-backend/internal/config"
	"sepa-collections-backend/internal/models"
	"sepa-collections-backend/internal/repository"
	"sepa-collections-backend/internal/services/matching"
	"sepa-collections-backend/internal/services/payment"
)

const systemActor = "reconciliation"

var (
	ErrNoAccount           = errors.New("condominium has no connected bank account")
	ErrNoImporter          = errors.New("bank feed is not configured")
	ErrTransactionNotFound = errors.New("bank transaction not found")
	ErrAlreadyMatched      = errors.New("bank transaction already matched")
	ErrWrongCondominium    = errors.New("instruction belongs to another condominium")
	ErrAmountMismatch      = errors.New("transaction amount differs from the instruction amount")
	errInstructionTaken    = errors.New("instruction settled concurrently")
)

// Alerter raises operator action items.
type Alerter interface {
	Raise(ctx context.Context, a alerts.Alert) (*models.ActionItem, error)
}

type Service struct {
	db           *gorm.DB
	instructions *repository.InstructionRepository
	owners       *repository.OwnerRepository
	transactions *repository.BankTransactionRepository
	matches      *repository.MatchRepository
	runs         *repository.RunRepository
	tracker      *payment.Tracker
	engine       *matching.Engine
	importer     bankfeed.Importer
	alerts       Alerter
	log          logrus.FieldLogger
	now          func() time.Time
}

type Deps struct {
	DB       *gorm.DB
	Tracker  *payment.Tracker
	Importer bankfeed.Importer
	Alerts   Alerter
	Log      logrus.FieldLogger
	Config   config.ReconciliationConfig
}

func NewService(d Deps) *Service {
	return &Service{
		db:           d.DB,
		instructions: repository.NewInstructionRepository(d.DB),
		owners:       repository.NewOwnerRepository(d.DB),
		transactions: repository.NewBankTransactionRepository(d.DB),
		matches:      repository.NewMatchRepository(d.DB),
		runs:         repository.NewRunRepository(d.DB),
		tracker:      d.Tracker,
		engine:       matching.NewEngine(d.Config.FuzzyWindowDays),
		importer:     d.Importer,
		alerts:       d.Alerts,
		log:          d.Log,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Outcome is the state of one transaction after reconciliation.
type Outcome struct {
	Transaction *models.BankTransaction     `json:"transaction"`
	Status      models.ReconciliationStatus `json:"status"`
	Match       *models.ReconciliationMatch `json:"match,omitempty"`
	// Dispute lists the competing candidates when Status is disputed.
	Dispute *matching.AmbiguousMatchError `json:"-"`
	// Confirmed is set when the transaction was already matched.
	Confirmed bool `json:"confirmed"`
}

type Summary struct {
	RunID     uuid.UUID `json:"run_id"`
	Imported  int       `json:"imported"`
	Matched   int       `json:"matched"`
	Disputed  int       `json:"disputed"`
	Unmatched int       `json:"unmatched"`
	Skipped   []string  `json:"skipped,omitempty"`
}

// Reconcile runs the matcher over one transaction. A matched transaction is
// re-confirmed; a disputed one waits for an operator.
func (s *Service) Reconcile(ctx context.Context, transactionID uuid.UUID) (Outcome, error) {
	tx, err := s.transactions.GetByID(ctx, transactionID)
	if errors.Is(err, repository.ErrNotFound) {
		return Outcome{}, fmt.Errorf("%w: %s", ErrTransactionNotFound, transactionID)
	}
	if err != nil {
		return Outcome{}, err
	}
	account, err := s.owners.GetAccountByAccountID(ctx, tx.AccountID)
	if err != nil {
		return Outcome{}, fmt.Errorf("account %s: %w", tx.AccountID, err)
	}
	return s.reconcile(ctx, account, tx)
}

func (s *Service) reconcile(ctx context.Context, account *models.CondominiumAccount, tx *models.BankTransaction) (Outcome, error) {
	switch tx.ReconciliationStatus {
	case models.TxMatched:
		m, err := s.matches.GetByTransaction(ctx, tx.ID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return Outcome{}, err
		}
		return Outcome{Transaction: tx, Status: models.TxMatched, Match: m, Confirmed: true}, nil
	case models.TxDisputed:
		return Outcome{Transaction: tx, Status: models.TxDisputed}, nil
	}

	candidates, err := s.candidates(ctx, account.CondominiumID)
	if err != nil {
		return Outcome{}, err
	}

	fields := logrus.Fields{
		"transaction_id": tx.ID,
		"account_id":     tx.AccountID,
		"condominium_id": account.CondominiumID,
		"amount":         tx.Amount,
	}

	decision, err := s.engine.Match(*tx, candidates)
	var ambiguous *matching.AmbiguousMatchError
	switch {
	case errors.As(err, &ambiguous):
		return s.dispute(ctx, account, tx, decision, ambiguous, fields)
	case err != nil:
		return Outcome{}, err
	case !decision.Matched():
		details, _ := json.Marshal(decision.Details)
		if _, err := s.transactions.SetReconciliation(ctx, tx.ID,
			[]models.ReconciliationStatus{models.TxUnmatched}, models.TxUnmatched, nil, datatypes.JSON(details)); err != nil {
			return Outcome{}, err
		}
		tx.MatchDetails = details
		s.log.WithFields(fields).WithField("amount_matches", decision.Details.AmountMatches).Debug("no match")
		return Outcome{Transaction: tx, Status: models.TxUnmatched}, nil
	}

	action := "auto_exact"
	if decision.Confidence == models.ConfidenceFuzzy {
		action = "auto_fuzzy"
	}
	out, err := s.settle(ctx, tx, decision.Instruction, decision.Confidence, decision.Details, systemActor, action, "")
	if errors.Is(err, errInstructionTaken) {
		s.log.WithFields(fields).Warn("candidate settled by another transaction, left unmatched")
		return Outcome{Transaction: tx, Status: models.TxUnmatched}, nil
	}
	if errors.Is(err, ErrAlreadyMatched) {
		// Another run got here first.
		fresh, gerr := s.transactions.GetByID(ctx, tx.ID)
		if gerr != nil {
			return Outcome{}, gerr
		}
		return s.reconcile(ctx, account, fresh)
	}
	if err != nil {
		return Outcome{}, err
	}
	s.log.WithFields(fields).WithFields(logrus.Fields{
		"instruction_id": decision.Instruction.ID,
		"reference":      decision.Instruction.Reference,
		"confidence":     decision.Confidence,
	}).Info("transaction matched")
	return out, nil
}

func (s *Service) candidates(ctx context.Context, condominiumID string) ([]matching.Candidate, error) {
	rows, err := s.instructions.ListSubmittedForCondominium(ctx, condominiumID)
	if err != nil {
		return nil, err
	}
	ownerIDs := make([]string, 0, len(rows))
	for _, in := range rows {
		ownerIDs = append(ownerIDs, in.OwnerID)
	}
	owners, err := s.owners.GetMany(ctx, ownerIDs)
	if err != nil {
		return nil, err
	}
	out := make([]matching.Candidate, 0, len(rows))
	for _, in := range rows {
		out = append(out, matching.Candidate{Instruction: in, Surname: owners[in.OwnerID].LastName})
	}
	return out, nil
}

func (s *Service) dispute(ctx context.Context, account *models.CondominiumAccount, tx *models.BankTransaction, decision matching.Decision, amb *matching.AmbiguousMatchError, fields logrus.Fields) (Outcome, error) {
	details, _ := json.Marshal(decision.Details)
	err := s.db.WithContext(ctx).Transaction(func(dbtx *gorm.DB) error {
		ok, err := s.transactions.WithTx(dbtx).SetReconciliation(ctx, tx.ID,
			[]models.ReconciliationStatus{models.TxUnmatched}, models.TxDisputed, nil, datatypes.JSON(details))
		if err != nil || !ok {
			return err
		}
		return s.matches.WithTx(dbtx).Audit(ctx, &models.MatchAuditLog{
			TransactionID: tx.ID,
			Action:        "disputed",
			PerformedBy:   systemActor,
			Reason:        amb.Error(),
		})
	})
	if err != nil {
		return Outcome{}, err
	}

	tx.ReconciliationStatus = models.TxDisputed
	tx.MatchDetails = details
	s.log.WithFields(fields).WithField("candidates", len(amb.Candidates)).Warn("ambiguous match, transaction disputed")

	if s.alerts != nil {
		if _, err := s.alerts.Raise(ctx, alerts.Alert{
			Kind:          models.ActionReconciliationDisputed,
			TenantID:      account.TenantID,
			CondominiumID: account.CondominiumID,
			SubjectID:     tx.ID.String(),
			Detail:        decision.Details,
		}); err != nil {
			config.LogError(s.log, "reconciliation", "dispute", "raise action item", tx.ID, err)
		}
	}
	return Outcome{Transaction: tx, Status: models.TxDisputed, Dispute: amb}, nil
}

// settle links the transaction to the instruction and settles the
// instruction in one database transaction.
func (s *Service) settle(ctx context.Context, tx *models.BankTransaction, inst *models.PaymentInstruction, confidence models.MatchConfidence, details matching.Details, actor, action, reason string) (Outcome, error) {
	raw, _ := json.Marshal(details)
	instID := inst.ID
	var match *models.ReconciliationMatch

	err := s.db.WithContext(ctx).Transaction(func(dbtx *gorm.DB) error {
		ok, err := s.transactions.WithTx(dbtx).SetReconciliation(ctx, tx.ID,
			[]models.ReconciliationStatus{models.TxUnmatched, models.TxDisputed}, models.TxMatched, &instID, datatypes.JSON(raw))
		if err != nil {
			return err
		}
		if !ok {
			return ErrAlreadyMatched
		}

		res, err := s.tracker.ApplyTx(ctx, dbtx, payment.Change{
			Event:         payment.EventSettle,
			InstructionID: inst.ID,
			Actor:         actor,
			Reason:        "bank transaction " + tx.ID.String(),
		})
		if err != nil {
			return err
		}
		if !res.Applied {
			return errInstructionTaken
		}

		match = &models.ReconciliationMatch{
			TransactionID: tx.ID,
			InstructionID: inst.ID,
			Confidence:    confidence,
			MatchedBy:     actor,
			MatchedAt:     s.now(),
		}
		if err := s.matches.WithTx(dbtx).Create(ctx, match); err != nil {
			return err
		}
		return s.matches.WithTx(dbtx).Audit(ctx, &models.MatchAuditLog{
			TransactionID:       tx.ID,
			Action:              action,
			PreviousInstruction: tx.MatchedPaymentID,
			NewInstruction:      &instID,
			PerformedBy:         actor,
			Reason:              reason,
		})
	})
	if err != nil {
		return Outcome{}, err
	}

	tx.ReconciliationStatus = models.TxMatched
	tx.MatchedPaymentID = &instID
	tx.MatchDetails = raw
	return Outcome{Transaction: tx, Status: models.TxMatched, Match: match}, nil
}

// ManualMatch lets an operator settle an unmatched or disputed transaction
// against a submitted instruction of the same condominium and amount.
func (s *Service) ManualMatch(ctx context.Context, transactionID, instructionID uuid.UUID, actor, reason string) (Outcome, error) {
	tx, err := s.transactions.GetByID(ctx, transactionID)
	if errors.Is(err, repository.ErrNotFound) {
		return Outcome{}, fmt.Errorf("%w: %s", ErrTransactionNotFound, transactionID)
	}
	if err != nil {
		return Outcome{}, err
	}
	if tx.ReconciliationStatus == models.TxMatched {
		if tx.MatchedPaymentID != nil && *tx.MatchedPaymentID == instructionID {
			m, _ := s.matches.GetByTransaction(ctx, tx.ID)
			return Outcome{Transaction: tx, Status: models.TxMatched, Match: m, Confirmed: true}, nil
		}
		return Outcome{}, fmt.Errorf("%w: %s", ErrAlreadyMatched, transactionID)
	}

	account, err := s.owners.GetAccountByAccountID(ctx, tx.AccountID)
	if err != nil {
		return Outcome{}, fmt.Errorf("account %s: %w", tx.AccountID, err)
	}
	inst, err := s.instructions.GetByID(ctx, instructionID)
	if errors.Is(err, repository.ErrNotFound) {
		return Outcome{}, fmt.Errorf("%w: %s", payment.ErrInstructionNotFound, instructionID)
	}
	if err != nil {
		return Outcome{}, err
	}
	if inst.CondominiumID != account.CondominiumID {
		return Outcome{}, fmt.Errorf("%w: %s", ErrWrongCondominium, instructionID)
	}
	amount := tx.Amount
	if amount < 0 {
		amount = -amount
	}
	if amount != inst.Amount {
		return Outcome{}, fmt.Errorf("%w: transaction %d, instruction %d", ErrAmountMismatch, tx.Amount, inst.Amount)
	}

	days := int(math.Abs(tx.TransactionDate.Sub(inst.DueDate).Hours() / 24))
	details := matching.Details{
		Rule:              "manual",
		Decision:          string(models.TxMatched),
		TransactionAmount: tx.Amount,
		CandidateCount:    1,
		InstructionID:     inst.ID.String(),
		Reference:         inst.Reference,
		DayDistance:       &days,
	}
	out, err := s.settle(ctx, tx, inst, models.ConfidenceManual, details, actor, "manual_match", reason)
	if errors.Is(err, errInstructionTaken) {
		return Outcome{}, fmt.Errorf("%w: instruction %s is already settled", payment.ErrInvalidTransition, instructionID)
	}
	if err != nil {
		return Outcome{}, err
	}
	s.log.WithFields(logrus.Fields{
		"transaction_id": tx.ID,
		"instruction_id": inst.ID,
		"actor":          actor,
	}).Info("transaction matched manually")
	return out, nil
}

// ReconcileAccount pulls new transactions for the condominium's account and
// reconciles every unmatched one.
func (s *Service) ReconcileAccount(ctx context.Context, condominiumID string) (Summary, error) {
	if s.importer == nil {
		return Summary{}, ErrNoImporter
	}
	account, err := s.account(ctx, condominiumID)
	if err != nil {
		return Summary{}, err
	}

	var since time.Time
	if account.LastSyncedAt != nil {
		since = *account.LastSyncedAt
	}
	syncedAt := s.now()
	fetched, err := s.importer.Fetch(ctx, account.AccountID, since)
	if err != nil {
		return Summary{}, fmt.Errorf("fetch transactions for %s: %w", account.AccountID, err)
	}

	summary, err := s.ingest(ctx, account, "feed", "", fetched)
	if err != nil {
		return summary, err
	}
	if err := s.owners.MarkAccountSynced(ctx, condominiumID, syncedAt); err != nil {
		return summary, err
	}
	return summary, nil
}

// ImportCSV feeds an uploaded bank statement through the same pipeline.
func (s *Service) ImportCSV(ctx context.Context, condominiumID, filename string, r io.Reader) (Summary, error) {
	account, err := s.account(ctx, condominiumID)
	if err != nil {
		return Summary{}, err
	}
	parsed, skipped, err := bankfeed.ParseCSV(r)
	if err != nil {
		return Summary{}, err
	}
	summary, err := s.ingest(ctx, account, "csv", filename, parsed)
	for _, rowErr := range skipped {
		summary.Skipped = append(summary.Skipped, rowErr.Error())
	}
	return summary, err
}

func (s *Service) account(ctx context.Context, condominiumID string) (*models.CondominiumAccount, error) {
	account, err := s.owners.GetAccount(ctx, condominiumID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNoAccount, condominiumID)
	}
	return account, err
}

func (s *Service) ingest(ctx context.Context, account *models.CondominiumAccount, source, filename string, lines []bankfeed.Transaction) (Summary, error) {
	run, err := s.runs.Start(ctx, account.CondominiumID, account.AccountID, source, filename)
	if err != nil {
		return Summary{}, err
	}
	summary := Summary{RunID: run.ID}
	fail := func(err error) (Summary, error) {
		if ferr := s.runs.Finish(ctx, run, "failed"); ferr != nil {
			config.LogError(s.log, "reconciliation", "ingest", "finish run", run.ID, ferr)
		}
		return summary, err
	}

	runID := run.ID
	for _, line := range lines {
		inserted, err := s.transactions.InsertIfNew(ctx, &models.BankTransaction{
			AccountID:        account.AccountID,
			ExternalID:       line.ExternalID,
			ImportRunID:      &runID,
			TransactionDate:  line.TransactionDate,
			Description:      line.Description,
			CounterpartyName: line.CounterpartyName,
			Amount:           line.Amount,
		})
		if err != nil {
			return fail(fmt.Errorf("store transaction %s: %w", line.ExternalID, err))
		}
		if inserted {
			summary.Imported++
		}
	}

	pending, err := s.transactions.ListUnmatched(ctx, account.AccountID)
	if err != nil {
		return fail(err)
	}
	for i := range pending {
		out, err := s.reconcile(ctx, account, &pending[i])
		if err != nil {
			return fail(fmt.Errorf("reconcile %s: %w", pending[i].ID, err))
		}
		switch out.Status {
		case models.TxMatched:
			summary.Matched++
		case models.TxDisputed:
			summary.Disputed++
		default:
			summary.Unmatched++
		}
	}

	run.Imported, run.Matched, run.Disputed, run.Unmatched = summary.Imported, summary.Matched, summary.Disputed, summary.Unmatched
	if err := s.runs.Finish(ctx, run, "completed"); err != nil {
		return summary, err
	}

	s.log.WithFields(logrus.Fields{
		"run_id":         run.ID,
		"condominium_id": account.CondominiumID,
		"source":         source,
		"imported":       summary.Imported,
		"matched":        summary.Matched,
		"disputed":       summary.Disputed,
		"unmatched":      summary.Unmatched,
	}).Info("reconciliation run completed")
	return summary, nil
}

func (s *Service) ListTransactions(ctx context.Context, accountID, status, cursor string, limit int, search string) ([]models.BankTransaction, string, bool, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return s.transactions.ListTransactions(ctx, accountID, status, cursor, limit, search)
}

func (s *Service) GetAccountStats(ctx context.Context, accountID string) (repository.AccountStats, error) {
	return s.transactions.GetAccountStats(ctx, accountID)
}

func (s *Service) GetRun(ctx context.Context, id uuid.UUID) (*models.ReconciliationRun, error) {
	return s.runs.GetByID(ctx, id)
}

func (s *Service) AuditTrail(ctx context.Context, transactionID uuid.UUID) ([]models.MatchAuditLog, error) {
	return s.matches.ListAudit(ctx, transactionID)
}
