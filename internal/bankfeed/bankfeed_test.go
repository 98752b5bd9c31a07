package bankfeed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"sepa-collections-backend/internal/config"
)

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{in: "45.00", want: 4500},
		{in: "45", want: 4500},
		{in: "-12.5", want: -1250},
		{in: "45,00", want: 4500},
		{in: "1,234.56", want: 123456},
		{in: "1.234,56", want: 123456},
		{in: "1,234", want: 123400},
		{in: "-1,234", want: -123400},
		{in: "1,234,567", want: 123456700},
		{in: "1.234.567", want: 123456700},
		{in: "1,5", want: 150},
		{in: "12,34", want: 1234},
		{in: " 120.50 €", want: 12050},
		{in: "0.001", wantErr: true},
		{in: "12.345", wantErr: true},
		{in: "abc", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseAmount(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseAmount(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseAmount(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestParseDate(t *testing.T) {
	want := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	for _, in := range []string{"2024-03-04", "04-03-2024", "04/03/2024", "2024-03-04T15:30:00Z"} {
		got, err := ParseDate(in)
		if err != nil {
			t.Errorf("ParseDate(%q) error = %v", in, err)
			continue
		}
		if !got.Equal(want) {
			t.Errorf("ParseDate(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := ParseDate("March 4"); err == nil {
		t.Error("ParseDate() accepted free text")
	}
}

func TestClientFetch(t *testing.T) {
	var gotPath, gotSince, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotSince = r.URL.Query().Get("since")
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"data":[
			{"id":"bt-1","transactionDate":"2024-03-05","description":"SEPA DD CHG-2024-001","counterpartyName":"MARIE DUPONT","amount":"45.00"},
			{"id":"bt-2","transactionDate":"2024-03-06","description":"Bank fee","counterpartyName":"","amount":"-2.50"}
		]}`))
	}))
	defer srv.Close()

	c := NewClient(config.BankFeedConfig{BaseURL: srv.URL + "/", APIKey: "k"})
	txs, err := c.Fetch(context.Background(), "acc-1", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if gotPath != "/accounts/acc-1/transactions" || gotSince != "2024-03-01" || gotAuth != "Bearer k" {
		t.Errorf("request path=%q since=%q auth=%q", gotPath, gotSince, gotAuth)
	}
	if len(txs) != 2 {
		t.Fatalf("Fetch() = %d transactions, want 2", len(txs))
	}
	if txs[0].Amount != 4500 || txs[0].ExternalID != "bt-1" || txs[0].CounterpartyName != "MARIE DUPONT" {
		t.Errorf("first transaction = %+v", txs[0])
	}
	if txs[1].Amount != -250 {
		t.Errorf("fee amount = %d, want -250", txs[1].Amount)
	}
}

func TestClientFetchErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{name: "server error", status: http.StatusInternalServerError, body: `{"error":"internal","message":"boom"}`},
		{name: "unauthorized", status: http.StatusUnauthorized, body: "nope"},
		{name: "sub-cent amount", status: http.StatusOK, body: `{"data":[{"id":"x","transactionDate":"2024-03-05","amount":"1.005"}]}`},
		{name: "missing id", status: http.StatusOK, body: `{"data":[{"transactionDate":"2024-03-05","amount":"1.00"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			if _, err := NewClient(config.BankFeedConfig{BaseURL: srv.URL}).Fetch(context.Background(), "acc-1", time.Time{}); err == nil {
				t.Error("Fetch() error = nil")
			}
		})
	}
}

func TestParseCSV(t *testing.T) {
	statement := strings.Join([]string{
		"Transaction ID;Booking Date;Description;Counterparty Name;Amount",
		"bt-1;05-03-2024;SEPA DD CHG-2024-001;Marie Dupont;45,00",
		";06-03-2024;Virement loyer;Jean Martin;120,50",
		";06-03-2024;Virement loyer;Jean Martin;120,50",
		"bt-4;not-a-date;broken;X;1,00",
		"bt-5;07-03-2024;fraction;X;1,0055",
		";;;;",
	}, "\n")

	txs, skipped, err := ParseCSV(strings.NewReader(statement))
	if err != nil {
		t.Fatalf("ParseCSV() error = %v", err)
	}
	if len(txs) != 3 {
		t.Fatalf("ParseCSV() = %d transactions, want 3", len(txs))
	}
	if len(skipped) != 2 {
		t.Errorf("skipped = %v, want 2 rows", skipped)
	}
	if txs[0].ExternalID != "bt-1" || txs[0].Amount != 4500 {
		t.Errorf("first = %+v", txs[0])
	}
	if txs[1].ExternalID == "" || txs[1].ExternalID == txs[2].ExternalID {
		t.Errorf("derived ids = %q, %q; want distinct non-empty", txs[1].ExternalID, txs[2].ExternalID)
	}

	again, _, _ := ParseCSV(strings.NewReader(statement))
	if again[1].ExternalID != txs[1].ExternalID {
		t.Errorf("derived id not stable across uploads")
	}
}

func TestParseCSVRequiresColumns(t *testing.T) {
	if _, _, err := ParseCSV(strings.NewReader("description,counterparty\nfoo,bar\n")); !errors.Is(err, ErrInvalidStatement) {
		t.Errorf("ParseCSV() without date and amount error = %v, want ErrInvalidStatement", err)
	}
	if _, _, err := ParseCSV(strings.NewReader("")); !errors.Is(err, ErrInvalidStatement) {
		t.Errorf("ParseCSV() of empty statement error = %v, want ErrInvalidStatement", err)
	}
}
