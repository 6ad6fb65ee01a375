package issuance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Client talks to the provisioning service over HTTP. Every call carries its
// own timeout; a slow provisioner degrades to a logged failure and the
// reconciliation sweeps pick up whatever was missed.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) Issue(ctx context.Context, paymentID int64) (bool, error) {
	payload := map[string]any{
		"payment_id": paymentID,
		// Fresh key per attempt; the provisioner dedupes on payment_id, the
		// key is only for request-level tracing.
		"request_id": uuid.NewString(),
	}

	var res struct {
		Issued bool `json:"issued"`
	}
	if err := c.post(ctx, "/v1/keys/issue", payload, &res); err != nil {
		return false, fmt.Errorf("bridge issue: %w", err)
	}
	return res.Issued, nil
}

func (c *Client) Refund(ctx context.Context, paymentID int64, amountCents int64, reason string) (bool, error) {
	payload := map[string]any{
		"payment_id":   paymentID,
		"amount_cents": amountCents,
		"reason":       reason,
		"request_id":   uuid.NewString(),
	}

	var res struct {
		Refunded bool `json:"refunded"`
	}
	if err := c.post(ctx, "/v1/refunds", payload, &res); err != nil {
		return false, fmt.Errorf("bridge refund: %w", err)
	}
	return res.Refunded, nil
}

func (c *Client) ProviderStatus(ctx context.Context, paymentID int64) (Status, error) {
	url := fmt.Sprintf("%s/v1/payments/%d/status", c.baseURL, paymentID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return StatusUnknown, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return StatusUnknown, fmt.Errorf("bridge status request: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return StatusUnknown, fmt.Errorf("bridge status failed: http=%d body=%s", resp.StatusCode, string(raw))
	}

	var res struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return StatusUnknown, fmt.Errorf("bridge status decode: %w body=%s", err, string(raw))
	}

	switch strings.ToLower(strings.TrimSpace(res.Status)) {
	case "pending", "waiting_for_capture":
		return StatusPending, nil
	case "succeeded", "paid", "completed":
		return StatusSucceeded, nil
	case "canceled", "cancelled":
		return StatusCanceled, nil
	case "expired":
		return StatusExpired, nil
	case "failed":
		return StatusFailed, nil
	default:
		return StatusUnknown, nil
	}
}

func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	body, _ := json.Marshal(payload)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.token)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("http=%d body=%s", resp.StatusCode, string(raw))
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode: %w body=%s", err, string(raw))
		}
	}
	return nil
}
