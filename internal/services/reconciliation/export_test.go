package reconciliation

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"sepa-collections-backend/internal/models"
	"sepa-collections-backend/internal/testutil"
)

func TestExport(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()
	mandate := testutil.SeedOwner(t, f.db, "condo-1", "owner-1", "Dupont")
	testutil.SeedInstruction(t, f.db, "condo-1", "owner-1", mandate, 4500, "CHG-2024-001",
		testutil.Date(2024, time.March, 1), models.InstructionSubmitted)

	statement := "date;description;amount\n2024-03-05;SEPA DD CHG-2024-001;45,00\n2024-03-06;Bank fee;-2,50\n"
	if _, err := f.svc.ImportCSV(ctx, "condo-1", "march.csv", strings.NewReader(statement)); err != nil {
		t.Fatalf("ImportCSV() error = %v", err)
	}

	var buf bytes.Buffer
	if err := f.svc.Export(ctx, "condo-1", &buf); err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	wb, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer wb.Close()

	rows, err := wb.GetRows("Transactions")
	if err != nil {
		t.Fatalf("GetRows() error = %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(rows))
	}
	var found bool
	for _, r := range rows[1:] {
		if len(r) > 6 && r[5] == "CHG-2024-001" {
			found = true
			if r[3] != "45.00" || r[4] != string(models.TxMatched) || r[6] != string(models.ConfidenceExact) {
				t.Errorf("matched row = %v", r)
			}
		}
	}
	if !found {
		t.Errorf("matched reference missing from export: %v", rows)
	}

	if err := f.svc.Export(ctx, "condo-unknown", &buf); !errors.Is(err, ErrNoAccount) {
		t.Errorf("Export(unknown) error = %v, want ErrNoAccount", err)
	}
}
