package bankfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"sepa-collections-backend/internal/config"
)

const defaultTimeout = 60 * time.Second

// Client reads transactions from the bank aggregator API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

var _ Importer = (*Client)(nil)

func NewClient(cfg config.BankFeedConfig) *Client {
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

type transactionResponse struct {
	Data []feedTransaction `json:"data"`
}

type feedTransaction struct {
	ID               string `json:"id"`
	Date             string `json:"transactionDate"`
	Description      string `json:"description"`
	CounterpartyName string `json:"counterpartyName"`
	Amount           string `json:"amount"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *Client) Fetch(ctx context.Context, accountID string, since time.Time) ([]Transaction, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/transactions", c.baseURL, url.PathEscape(accountID))
	if !since.IsZero() {
		endpoint += "?since=" + since.UTC().Format("2006-01-02")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var errResp errorResponse
		if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
			return nil, fmt.Errorf("bank feed request failed with status %d: %s", resp.StatusCode, string(body))
		}
		return nil, fmt.Errorf("bank feed error (status %d): %s - %s", resp.StatusCode, errResp.Error, errResp.Message)
	}

	var out transactionResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	txs := make([]Transaction, 0, len(out.Data))
	for _, ft := range out.Data {
		if ft.ID == "" {
			return nil, fmt.Errorf("transaction without id in feed for account %s", accountID)
		}
		date, err := ParseDate(ft.Date)
		if err != nil {
			return nil, fmt.Errorf("transaction %s: %w", ft.ID, err)
		}
		amount, err := ParseAmount(ft.Amount)
		if err != nil {
			return nil, fmt.Errorf("transaction %s: %w", ft.ID, err)
		}
		txs = append(txs, Transaction{
			ExternalID:       ft.ID,
			TransactionDate:  date,
			Description:      ft.Description,
			CounterpartyName: ft.CounterpartyName,
			Amount:           amount,
		})
	}
	return txs, nil
}
