package report

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"sepa-collections-backend/internal/models"
	"sepa-collections-backend/internal/repository"
)

func TestWriteReconciliation(t *testing.T) {
	matched := models.BankTransaction{
		ID:                   uuid.New(),
		TransactionDate:      time.Date(2024, time.March, 4, 0, 0, 0, 0, time.UTC),
		Description:          "SEPA CHG-2024-001",
		CounterpartyName:     "DUPONT JEAN",
		Amount:               4500,
		ReconciliationStatus: models.TxMatched,
	}
	unmatched := models.BankTransaction{
		ID:                   uuid.New(),
		TransactionDate:      time.Date(2024, time.March, 5, 0, 0, 0, 0, time.UTC),
		Description:          "bank fee",
		Amount:               -1250,
		ReconciliationStatus: models.TxUnmatched,
	}

	var buf bytes.Buffer
	err := WriteReconciliation(&buf, Reconciliation{
		CondominiumID: "condo-1",
		AccountID:     "acc-1",
		GeneratedAt:   time.Date(2024, time.March, 6, 9, 0, 0, 0, time.UTC),
		Stats: repository.AccountStats{
			Total: 2, TotalAmount: 3250,
			MatchedCount: 1, MatchedSum: 4500,
			UnmatchedCount: 1, UnmatchedSum: -1250,
		},
		Lines: []Line{
			{Transaction: matched, Reference: "CHG-2024-001", Confidence: models.ConfidenceExact},
			{Transaction: unmatched},
		},
	})
	if err != nil {
		t.Fatalf("WriteReconciliation() error = %v", err)
	}

	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer f.Close()

	rows, err := f.GetRows(transactionsSheet)
	if err != nil {
		t.Fatalf("GetRows() error = %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want header + 2", len(rows))
	}
	if rows[0][0] != "Date" || rows[1][3] != "45.00" || rows[1][5] != "CHG-2024-001" || rows[2][3] != "-12.50" {
		t.Errorf("transactions sheet = %v", rows)
	}

	total, err := f.GetCellValue(summarySheet, "C9")
	if err != nil || total != "32.50" {
		t.Errorf("summary total = %q, %v; want 32.50", total, err)
	}
}

func TestFormatAmount(t *testing.T) {
	tests := map[int64]string{0: "0.00", 5: "0.05", 4500: "45.00", -1250: "-12.50", 123456789: "1234567.89"}
	for in, want := range tests {
		if got := FormatAmount(in); got != want {
			t.Errorf("FormatAmount(%d) = %q, want %q", in, got, want)
		}
	}
}
