package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/liangchen812/walletsync/internal/model"
	"go.uber.org/zap"
)

// HTTPClient implements Client against the remote ledger's REST API.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	log     *zap.SugaredLogger
}

// NewHTTPClient constructs an HTTPClient with a per-request timeout.
func NewHTTPClient(baseURL string, timeout time.Duration, logger *zap.SugaredLogger) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		log:     logger,
	}
}

type commitRequest struct {
	TransactionHash string `json:"transaction_hash"`
	SenderID        string `json:"sender_id"`
	ReceiverID      string `json:"receiver_id"`
	Amount          string `json:"amount"`
	Description     string `json:"description,omitempty"`
	DeviceID        string `json:"device_id"`
	IsOffline       bool   `json:"is_offline"`
	CreatedAt       string `json:"created_at"`
}

type commitResponse struct {
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
	Reference string `json:"reference,omitempty"`
}

// Commit posts the transaction. 2xx means committed, 409 means the remote
// already holds the hash (idempotent success), 4xx carries a permanent
// rejection reason, anything else is transient.
func (c *HTTPClient) Commit(ctx context.Context, t model.Transaction) (CommitResult, error) {
	body, err := json.Marshal(commitRequest{
		TransactionHash: t.TransactionHash,
		SenderID:        t.SenderID,
		ReceiverID:      t.ReceiverID,
		Amount:          t.Amount.String(),
		Description:     t.Description,
		DeviceID:        t.DeviceID,
		IsOffline:       t.IsOffline,
		CreatedAt:       t.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return CommitResult{}, fmt.Errorf("encode commit: %w", err)
	}

	url := c.baseURL + "/v1/transactions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return CommitResult{}, fmt.Errorf("build commit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", t.TransactionHash)

	resp, err := c.client.Do(req)
	if err != nil {
		return CommitResult{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	var out commitResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	_ = json.Unmarshal(raw, &out)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return CommitResult{Reference: out.Reference}, nil
	case resp.StatusCode == http.StatusConflict:
		// hash already committed remotely
		return CommitResult{Duplicate: true, Reference: out.Reference}, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		reason := out.Reason
		if reason == "" {
			reason = fmt.Sprintf("rejected with status %d", resp.StatusCode)
		}
		return CommitResult{}, &RejectedError{Reason: reason}
	default:
		c.log.Warnf("ledger commit %s: status %d", t.TransactionHash, resp.StatusCode)
		return CommitResult{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
}

// Health probes the remote health endpoint.
func (c *HTTPClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<10))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}
