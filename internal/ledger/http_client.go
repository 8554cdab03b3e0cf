package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Fantasim/hdcustody/internal/config"
	"github.com/Fantasim/hdcustody/internal/httputil"
	"github.com/Fantasim/hdcustody/internal/models"
)

// HTTPClient credits an external ledger service. Every request carries the
// intent's key in the Idempotency-Key header, so retries are safe.
type HTTPClient struct {
	client      *http.Client
	baseURL     string
	token       string
	retries     int
	backoffBase time.Duration
}

// NewHTTPClient creates a ledger client for baseURL. token, when set, is sent
// as a bearer token.
func NewHTTPClient(baseURL, token string) *HTTPClient {
	slog.Info("ledger client created", "baseURL", baseURL, "authenticated", token != "")
	return &HTTPClient{
		client:      &http.Client{Timeout: config.LedgerRequestTimeout},
		baseURL:     strings.TrimRight(baseURL, "/"),
		token:       token,
		retries:     config.LedgerRetries,
		backoffBase: config.ExponentialBackoffBase,
	}
}

type creditRequest struct {
	UserID string `json:"userId"`
	Units  string `json:"units"`
	Amount string `json:"amount"`
	Chain  string `json:"chain"`
	Token  string `json:"token"`
	TxHash string `json:"txHash"`
}

// Credit posts intent. HTTP 409 means the key was already applied and is
// reported as a duplicate, not an error.
func (c *HTTPClient) Credit(ctx context.Context, intent models.LedgerCreditIntent) (models.CreditOutcome, error) {
	body, err := json.Marshal(creditRequest{
		UserID: intent.UserID,
		Units:  intent.Units.String(),
		Amount: intent.Amount.String(),
		Chain:  string(intent.Chain),
		Token:  string(intent.Token),
		TxHash: intent.TxHash,
	})
	if err != nil {
		return models.CreditOutcome{}, fmt.Errorf("marshal credit: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			delay := c.backoffBase * time.Duration(1<<uint(attempt-1))
			if ra := config.GetRetryAfter(lastErr); ra > 0 {
				delay = ra
			}
			slog.Debug("retrying ledger credit",
				"idempotencyKey", intent.IdempotencyKey,
				"attempt", attempt+1,
				"delay", delay,
				"error", lastErr,
			)
			select {
			case <-ctx.Done():
				return models.CreditOutcome{}, fmt.Errorf("%w: %v", config.ErrLedgerUnavailable, ctx.Err())
			case <-time.After(delay):
			}
		}

		outcome, err := c.post(ctx, intent, body)
		if err == nil {
			return outcome, nil
		}
		if !config.IsTransient(err) {
			return models.CreditOutcome{}, err
		}
		lastErr = err
	}
	return models.CreditOutcome{}, lastErr
}

func (c *HTTPClient) post(ctx context.Context, intent models.LedgerCreditIntent, body []byte) (models.CreditOutcome, error) {
	outcome := models.CreditOutcome{IdempotencyKey: intent.IdempotencyKey, Units: intent.Units}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+config.LedgerCreditsPath, bytes.NewReader(body))
	if err != nil {
		return outcome, fmt.Errorf("create ledger request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", intent.IdempotencyKey)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		slog.Warn("ledger request failed", "error", err, "elapsed", time.Since(start).Round(time.Millisecond))
		return outcome, config.NewTransientError(fmt.Errorf("%w: %v", config.ErrLedgerUnavailable, err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		outcome.Credited = true
	case resp.StatusCode == http.StatusConflict:
		slog.Info("ledger reports credit already applied", "idempotencyKey", intent.IdempotencyKey)
		outcome.Duplicate = true
	case resp.StatusCode == http.StatusTooManyRequests:
		return outcome, config.NewTransientErrorWithRetry(
			fmt.Errorf("%w: HTTP 429", config.ErrLedgerUnavailable), httputil.RetryAfter(resp.Header))
	case resp.StatusCode >= 500:
		return outcome, config.NewTransientError(fmt.Errorf("%w: HTTP %d", config.ErrLedgerUnavailable, resp.StatusCode))
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return outcome, fmt.Errorf("%w: HTTP %d: %s", config.ErrLedgerUnavailable, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	slog.Debug("ledger credit response",
		"idempotencyKey", intent.IdempotencyKey,
		"status", resp.StatusCode,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return outcome, nil
}
