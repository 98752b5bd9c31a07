package psp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"sepa-collections-backend/internal/config"
)

const (
	defaultTimeout = 30 * time.Second
	batchesPath    = "/sepa/direct-debit/batches"
)

// Client is the HTTP Submitter.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

var _ Submitter = (*Client)(nil)

func NewClient(cfg config.PSPConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
	}
}

type submitRequest struct {
	BatchID       string        `json:"batchId"`
	TenantID      string        `json:"tenantId"`
	CondominiumID string        `json:"condominiumId"`
	Currency      string        `json:"currency"`
	ControlSum    string        `json:"controlSum"`
	NumberOfTxs   int           `json:"numberOfTransactions"`
	Transactions  []requestItem `json:"transactions"`
}

type requestItem struct {
	EndToEndID string `json:"endToEndId"`
	MandateID  string `json:"mandateId"`
	DebtorID   string `json:"debtorId"`
	Amount     string `json:"amount"`
}

type submitResponse struct {
	PSPReference string `json:"pspReference"`
	Status       string `json:"status"`
	ReasonCode   string `json:"reasonCode"`
	Message      string `json:"message"`
}

// FormatAmount renders minor units as a two-decimal string.
func FormatAmount(minor int64) string {
	return decimal.New(minor, -2).StringFixed(2)
}

func (c *Client) Submit(ctx context.Context, s Submission) (Result, error) {
	if s.Sum() != s.ControlSum {
		return Result{}, fmt.Errorf("control sum %d does not match items %d", s.ControlSum, s.Sum())
	}

	body := submitRequest{
		BatchID:       s.BatchID.String(),
		TenantID:      s.TenantID,
		CondominiumID: s.CondominiumID,
		Currency:      "EUR",
		ControlSum:    FormatAmount(s.ControlSum),
		NumberOfTxs:   len(s.Items),
	}
	for _, it := range s.Items {
		body.Transactions = append(body.Transactions, requestItem{
			EndToEndID: it.Reference,
			MandateID:  it.MandateID,
			DebtorID:   it.OwnerID,
			Amount:     FormatAmount(it.Amount),
		})
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return Result{}, fmt.Errorf("failed to marshal submission: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+batchesPath, bytes.NewReader(payload))
	if err != nil {
		return Result{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", s.BatchID.String())
	if c.apiKey != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, &TransportError{StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	var out submitResponse
	if len(raw) > 0 {
		// An unparseable body on a 2xx/4xx still carries a usable status code.
		_ = json.Unmarshal(raw, &out)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return Result{Accepted: true, PSPReference: out.PSPReference}, nil
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		reason := out.ReasonCode
		if reason == "" {
			reason = fmt.Sprintf("HTTP_%d", resp.StatusCode)
		}
		return Result{Accepted: false, ReasonCode: reason}, nil
	default:
		return Result{}, &TransportError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected response: %s", strings.TrimSpace(string(raw))),
		}
	}
}
