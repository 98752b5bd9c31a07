package reconciliation

import (
	"context"
	"io"

	"github.com/google/uuid"

	"sepa-collections-backend/internal/report"
)

// Export writes the condominium's reconciliation workbook to w.
func (s *Service) Export(ctx context.Context, condominiumID string, w io.Writer) error {
	data, err := s.exportData(ctx, condominiumID)
	if err != nil {
		return err
	}
	return report.WriteReconciliation(w, data)
}

func (s *Service) exportData(ctx context.Context, condominiumID string) (report.Reconciliation, error) {
	account, err := s.account(ctx, condominiumID)
	if err != nil {
		return report.Reconciliation{}, err
	}
	txs, err := s.transactions.ListByAccount(ctx, account.AccountID)
	if err != nil {
		return report.Reconciliation{}, err
	}
	stats, err := s.transactions.GetAccountStats(ctx, account.AccountID)
	if err != nil {
		return report.Reconciliation{}, err
	}

	ids := make([]uuid.UUID, 0, len(txs))
	for _, tx := range txs {
		ids = append(ids, tx.ID)
	}
	matches, err := s.matches.ListByTransactions(ctx, ids)
	if err != nil {
		return report.Reconciliation{}, err
	}
	instrIDs := make([]uuid.UUID, 0, len(matches))
	for _, m := range matches {
		instrIDs = append(instrIDs, m.InstructionID)
	}
	instrs, err := s.instructions.ListByIDs(ctx, instrIDs)
	if err != nil {
		return report.Reconciliation{}, err
	}
	refs := make(map[uuid.UUID]string, len(instrs))
	for _, in := range instrs {
		refs[in.ID] = in.Reference
	}

	byTx := make(map[uuid.UUID]report.Line, len(matches))
	for _, m := range matches {
		byTx[m.TransactionID] = report.Line{Reference: refs[m.InstructionID], Confidence: m.Confidence}
	}
	lines := make([]report.Line, 0, len(txs))
	for _, tx := range txs {
		l := byTx[tx.ID]
		l.Transaction = tx
		lines = append(lines, l)
	}

	return report.Reconciliation{
		CondominiumID: condominiumID,
		AccountID:     account.AccountID,
		GeneratedAt:   s.now(),
		Stats:         stats,
		Lines:         lines,
	}, nil
}
