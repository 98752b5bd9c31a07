package payment

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"

	"sepa-collections-backend/internal/bankfeed"
)

var chargeColumns = []string{"reference", "owner_id", "mandate_id", "amount", "due_date"}

// ImportResult summarises a charge file upload.
type ImportResult struct {
	Scheduled  int                 `json:"scheduled"`
	Duplicates []string            `json:"duplicates,omitempty"`
	Skipped    []bankfeed.RowError `json:"-"`
	Errors     []string            `json:"errors,omitempty"`
}

// ImportCharges schedules one Due instruction per CSV line. Columns are
// reference, owner_id, mandate_id, amount and due_date, plus optional
// tenant_id and condominium_id that override the upload defaults. Lines whose
// reference already exists are reported as duplicates, so a file can be
// uploaded again safely.
func (t *Tracker) ImportCharges(ctx context.Context, r io.Reader, tenantID, condominiumID string) (ImportResult, error) {
	var res ImportResult

	br := bufio.NewReader(r)
	head, err := br.Peek(512)
	if err != nil && !errors.Is(err, io.EOF) {
		return res, fmt.Errorf("cannot read charges file: %w", err)
	}
	reader := csv.NewReader(br)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	if first, _, _ := strings.Cut(string(head), "\n"); strings.Contains(first, ";") {
		reader.Comma = ';'
	}

	header, err := reader.Read()
	if err != nil {
		return res, fmt.Errorf("cannot read CSV header: %w", err)
	}
	cols := map[string]int{}
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	for _, c := range chargeColumns {
		if _, ok := cols[c]; !ok {
			return res, fmt.Errorf("%w: CSV header has no %s column", ErrInvalidCharge, c)
		}
	}

	row := 1
	for {
		record, err := reader.Read()
		row++
		if errors.Is(err, io.EOF) {
			break
		}
		skip := func(err error) {
			res.Skipped = append(res.Skipped, bankfeed.RowError{Row: row, Err: err})
			res.Errors = append(res.Errors, bankfeed.RowError{Row: row, Err: err}.Error())
		}
		if err != nil {
			skip(err)
			continue
		}
		field := func(name string) string {
			i, ok := cols[name]
			if !ok || i >= len(record) {
				return ""
			}
			return strings.TrimSpace(record[i])
		}
		if strings.TrimSpace(strings.Join(record, "")) == "" {
			continue
		}

		amount, err := bankfeed.ParseAmount(field("amount"))
		if err != nil {
			skip(err)
			continue
		}
		due, err := bankfeed.ParseDate(field("due_date"))
		if err != nil {
			skip(err)
			continue
		}
		p := ScheduleParams{
			TenantID:      firstNonEmpty(field("tenant_id"), tenantID),
			CondominiumID: firstNonEmpty(field("condominium_id"), condominiumID),
			OwnerID:       field("owner_id"),
			MandateID:     field("mandate_id"),
			Reference:     field("reference"),
			Amount:        amount,
			DueDate:       due,
		}
		_, err = t.Schedule(ctx, p)
		switch {
		case errors.Is(err, ErrDuplicateReference):
			res.Duplicates = append(res.Duplicates, p.Reference)
		case errors.Is(err, ErrInvalidCharge):
			skip(err)
		case err != nil:
			return res, err
		default:
			res.Scheduled++
		}
	}

	t.log.WithFields(logrus.Fields{
		"condominium_id": condominiumID,
		"scheduled":      res.Scheduled,
		"duplicates":     len(res.Duplicates),
		"skipped":        len(res.Skipped),
	}).Info("charges imported")
	return res, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
