// Package payments talks to the card-payment aggregator and drives the
// checkout lifecycle: create a provider transaction, poll it, and extend the
// subscription exactly once when it settles.
package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const requestTimeout = 20 * time.Second

// ProviderConfig is the aggregator endpoint material from env.
type ProviderConfig struct {
	BaseURL    string
	MerchantID string
	Secret     string
	// ReturnURL and FailedURL are where the aggregator redirects the payer
	// after a successful or failed checkout.
	ReturnURL string
	FailedURL string
}

// Transaction is the provider's view of one checkout, held loosely: the
// aggregator adds fields without notice, so everything lands in Fields and
// only the keys the broker acts on are lifted out.
type Transaction struct {
	ID     string
	Status string
	PayURL string
	Fields map[string]any
}

// Client is the HTTP adapter for the aggregator.
type Client struct {
	cfg  ProviderConfig
	http *http.Client
}

func NewClient(cfg ProviderConfig) *Client {
	return &Client{cfg: cfg, http: &http.Client{Timeout: requestTimeout}}
}

// CreateTransaction opens a provider transaction and returns its id and the
// redirect URL the user pays at.
func (c *Client) CreateTransaction(ctx context.Context, amount int64, currency, description, payload string) (Transaction, error) {
	body := map[string]any{
		"paymentMethod": "card",
		"paymentDetails": map[string]any{
			"amount":   amount,
			"currency": currency,
		},
		"description": description,
		"return":      c.cfg.ReturnURL,
		"failedUrl":   c.cfg.FailedURL,
		"payload":     payload,
	}
	return c.call(ctx, http.MethodPost, "/transaction/process", body)
}

// GetTransaction polls the provider state of a transaction.
func (c *Client) GetTransaction(ctx context.Context, id string) (Transaction, error) {
	return c.call(ctx, http.MethodGet, "/transaction/"+id, nil)
}

func (c *Client) call(ctx context.Context, method, path string, body map[string]any) (Transaction, error) {
	var tx Transaction
	op := func() error {
		var reader io.Reader
		if body != nil {
			raw, err := json.Marshal(body)
			if err != nil {
				return backoff.Permanent(fmt.Errorf("payments: encode request: %w", err))
			}
			reader = bytes.NewReader(raw)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-MerchantId", c.cfg.MerchantID)
		req.Header.Set("X-Secret", c.cfg.Secret)

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("payments: %s %s: %w", method, path, err)
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("payments: read response: %w", err)
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("payments: %s %s: status %d", method, path, resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("payments: %s %s: status %d: %s",
				method, path, resp.StatusCode, decodeError(raw)))
		}
		tx = decodeTransaction(raw)
		return nil
	}
	exp := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	if err := backoff.Retry(op, exp); err != nil {
		return Transaction{}, err
	}
	return tx, nil
}

func decodeTransaction(raw []byte) Transaction {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		// Non-JSON success bodies are kept verbatim for the logs.
		fields = map[string]any{"_raw": string(raw)}
	}
	tx := Transaction{Fields: fields}
	// The aggregator names these transactionId and redirect; older responses
	// used id and url, tolerated as fallbacks.
	tx.ID = stringField(fields, "transactionId", "id")
	tx.Status, _ = fields["status"].(string)
	tx.PayURL = stringField(fields, "redirect", "url")
	return tx
}

func stringField(fields map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := fields[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func decodeError(raw []byte) string {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return string(raw)
	}
	if msg, ok := fields["message"].(string); ok && msg != "" {
		return msg
	}
	return string(raw)
}
