// Package bankfeed pulls condominium bank account transactions from the
// aggregator API or from uploaded CSV statements.
package bankfeed

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Transaction is an imported bank line. Amount is signed minor units:
// incoming direct-debit proceeds are positive.
type Transaction struct {
	ExternalID       string
	TransactionDate  time.Time
	Description      string
	CounterpartyName string
	Amount           int64
}

// Importer lists an account's transactions booked on or after since. A zero
// since means the full history the source holds.
type Importer interface {
	Fetch(ctx context.Context, accountID string, since time.Time) ([]Transaction, error)
}

var dateLayouts = []string{"2006-01-02", "02-01-2006", "02/01/2006", "2006-01-02T15:04:05Z07:00"}

// ParseDate accepts ISO dates and the day-first forms banks export. The time
// of day is dropped.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q", s)
}

// ParseAmount converts a decimal amount to minor units. With both ',' and '.'
// present the last one is the decimal separator. A lone comma is a decimal
// comma unless it repeats or is followed by exactly three digits ("1,234").
// Sub-cent precision is refused.
func ParseAmount(s string) (int64, error) {
	raw := strings.TrimSpace(s)
	raw = strings.TrimPrefix(raw, "€")
	raw = strings.TrimSuffix(raw, "€")
	raw = strings.ReplaceAll(raw, " ", "")
	comma, dot := strings.LastIndex(raw, ","), strings.LastIndex(raw, ".")
	switch {
	case comma >= 0 && dot >= 0 && comma > dot:
		raw = strings.ReplaceAll(raw, ".", "")
		raw = strings.ReplaceAll(raw, ",", ".")
	case comma >= 0 && dot >= 0:
		raw = strings.ReplaceAll(raw, ",", "")
	case comma >= 0 && (strings.Count(raw, ",") > 1 || isThousandsGroup(raw[comma+1:])):
		raw = strings.ReplaceAll(raw, ",", "")
	case comma >= 0:
		raw = strings.ReplaceAll(raw, ",", ".")
	case strings.Count(raw, ".") > 1:
		raw = strings.ReplaceAll(raw, ".", "")
	}

	d, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	cents := d.Shift(2)
	if !cents.Equal(cents.Truncate(0)) {
		return 0, fmt.Errorf("amount %q has sub-cent precision", s)
	}
	return cents.IntPart(), nil
}

func isThousandsGroup(s string) bool {
	if len(s) != 3 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
