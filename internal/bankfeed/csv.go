package bankfeed

import (
	"bufio"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// RowError reports a statement line that was skipped.
type RowError struct {
	Row int
	Err error
}

func (e RowError) Error() string { return fmt.Sprintf("row %d: %v", e.Row, e.Err) }

// ErrInvalidStatement means the file as a whole cannot be read as a statement.
var ErrInvalidStatement = errors.New("invalid bank statement")

var headerAliases = map[string][]string{
	"id":           {"id", "transaction_id", "external_id", "reference_number"},
	"date":         {"date", "transaction_date", "booking_date", "value_date"},
	"description":  {"description", "remittance_information", "details", "narrative"},
	"counterparty": {"counterparty", "counterparty_name", "debtor_name", "name", "payer"},
	"amount":       {"amount", "credit", "value"},
}

// ParseCSV reads a bank statement with a header row. The delimiter is sniffed
// from the header (comma, semicolon or tab). Lines without an id column get a
// stable id derived from their content, so re-uploading the same statement
// does not duplicate transactions. Bad lines are skipped and reported.
func ParseCSV(r io.Reader) ([]Transaction, []RowError, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(1024)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, nil, fmt.Errorf("cannot read statement: %w", err)
	}

	reader := csv.NewReader(br)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	reader.Comma = sniffDelimiter(string(head))

	header, err := reader.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: cannot read CSV header: %w", ErrInvalidStatement, err)
	}
	cols := mapColumns(header)
	for _, required := range []string{"date", "amount"} {
		if _, ok := cols[required]; !ok {
			return nil, nil, fmt.Errorf("%w: CSV header has no %s column", ErrInvalidStatement, required)
		}
	}

	var (
		txs     []Transaction
		skipped []RowError
		seen    = map[string]int{}
	)
	row := 1
	for {
		record, err := reader.Read()
		row++
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			skipped = append(skipped, RowError{Row: row, Err: err})
			continue
		}
		if strings.TrimSpace(strings.Join(record, "")) == "" {
			continue
		}

		field := func(name string) string {
			i, ok := cols[name]
			if !ok || i >= len(record) {
				return ""
			}
			return strings.TrimSpace(record[i])
		}

		date, err := ParseDate(field("date"))
		if err != nil {
			skipped = append(skipped, RowError{Row: row, Err: err})
			continue
		}
		amount, err := ParseAmount(field("amount"))
		if err != nil {
			skipped = append(skipped, RowError{Row: row, Err: err})
			continue
		}

		tx := Transaction{
			ExternalID:       field("id"),
			TransactionDate:  date,
			Description:      field("description"),
			CounterpartyName: field("counterparty"),
			Amount:           amount,
		}
		if tx.ExternalID == "" {
			key := contentKey(tx)
			seen[key]++
			tx.ExternalID = fmt.Sprintf("csv-%s-%d", key, seen[key])
		}
		txs = append(txs, tx)
	}
	return txs, skipped, nil
}

func sniffDelimiter(sample string) rune {
	line := sample
	if i := strings.IndexAny(sample, "\r\n"); i >= 0 {
		line = sample[:i]
	}
	switch {
	case strings.Contains(line, ";"):
		return ';'
	case strings.Contains(line, "\t"):
		return '\t'
	default:
		return ','
	}
}

func mapColumns(header []string) map[string]int {
	cols := map[string]int{}
	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		name = strings.ReplaceAll(name, " ", "_")
		for key, aliases := range headerAliases {
			if _, taken := cols[key]; taken {
				continue
			}
			for _, a := range aliases {
				if name == a {
					cols[key] = i
				}
			}
		}
	}
	return cols
}

func contentKey(tx Transaction) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s|%s",
		tx.TransactionDate.Format("2006-01-02"), tx.Amount, tx.Description, tx.CounterpartyName)))
	return hex.EncodeToString(sum[:8])
}
