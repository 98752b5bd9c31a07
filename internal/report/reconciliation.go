// Package report renders reconciliation results as spreadsheets.
package report

import (
	"fmt"
	"io"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"sepa-collections-backend/internal/models"
	"sepa-collections-backend/internal/repository"
)

const (
	transactionsSheet = "Transactions"
	summarySheet      = "Summary"
	ContentType       = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// Line is one bank transaction with the charge it settled, if any.
type Line struct {
	Transaction models.BankTransaction
	Reference   string
	Confidence  models.MatchConfidence
}

type Reconciliation struct {
	CondominiumID string
	AccountID     string
	GeneratedAt   time.Time
	Stats         repository.AccountStats
	Lines         []Line
}

var transactionHeadings = []string{
	"Date", "Description", "Counterparty", "Amount", "Status", "Matched reference", "Confidence", "Transaction id",
}

// WriteReconciliation writes a two-sheet workbook: every transaction of the
// account and a per-status summary.
func WriteReconciliation(w io.Writer, r Reconciliation) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", transactionsSheet); err != nil {
		return err
	}
	if _, err := f.NewSheet(summarySheet); err != nil {
		return err
	}

	if err := writeRow(f, transactionsSheet, 1, toValues(transactionHeadings)); err != nil {
		return err
	}
	for i, l := range r.Lines {
		tx := l.Transaction
		row := []interface{}{
			tx.TransactionDate.Format("2006-01-02"),
			tx.Description,
			tx.CounterpartyName,
			FormatAmount(tx.Amount),
			string(tx.ReconciliationStatus),
			l.Reference,
			string(l.Confidence),
			tx.ID.String(),
		}
		if err := writeRow(f, transactionsSheet, i+2, row); err != nil {
			return err
		}
	}
	if err := f.SetPanes(transactionsSheet, &excelize.Panes{
		Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft",
	}); err != nil {
		return err
	}

	s := r.Stats
	summary := [][]interface{}{
		{"Condominium", r.CondominiumID},
		{"Account", r.AccountID},
		{"Generated at", r.GeneratedAt.UTC().Format(time.RFC3339)},
		{},
		{"Status", "Count", "Amount"},
		{"matched", s.MatchedCount, FormatAmount(s.MatchedSum)},
		{"disputed", s.DisputedCount, FormatAmount(s.DisputedSum)},
		{"unmatched", s.UnmatchedCount, FormatAmount(s.UnmatchedSum)},
		{"total", s.Total, FormatAmount(s.TotalAmount)},
	}
	for i, row := range summary {
		if err := writeRow(f, summarySheet, i+1, row); err != nil {
			return err
		}
	}

	return f.Write(w)
}

// FormatAmount renders minor units as a two-decimal string.
func FormatAmount(minor int64) string {
	return decimal.New(minor, -2).StringFixed(2)
}

func writeRow(f *excelize.File, sheet string, row int, values []interface{}) error {
	if len(values) == 0 {
		return nil
	}
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	if err := f.SetSheetRow(sheet, cell, &values); err != nil {
		return fmt.Errorf("write %s row %d: %w", sheet, row, err)
	}
	return nil
}

func toValues(s []string) []interface{} {
	out := make([]interface{}, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}
