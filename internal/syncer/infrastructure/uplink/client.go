package uplink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"edgefleet/internal/auth"
	syncerapp "edgefleet/internal/syncer/application"
	syncer "edgefleet/internal/syncer/domain"

	"github.com/go-resty/resty/v2"
)

// Client talks to the engine API on behalf of one agent, signing every body
// with the shared ingest secret.
type Client struct {
	http   *resty.Client
	secret []byte
	now    func() time.Time
}

// Option configures the client.
type Option func(*Client)

// WithRestyClient overrides the underlying HTTP client.
func WithRestyClient(client *resty.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.http = client
		}
	}
}

// WithNow overrides the signing clock.
func WithNow(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// NewClient constructs an uplink client for baseURL.
func NewClient(baseURL string, secret []byte, timeout time.Duration, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("uplink: empty base url")
	}
	if len(secret) == 0 {
		return nil, errors.New("uplink: empty ingest secret")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &Client{
		http:   resty.New().SetTimeout(timeout),
		secret: secret,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.http.SetBaseURL(baseURL)
	return c, nil
}

type batchRequest struct {
	DeviceID string              `json:"device_id"`
	BatchID  string              `json:"batch_id"`
	Attempts int                 `json:"attempts"`
	Samples  []syncer.Submission `json:"samples"`
}

type batchResponse struct {
	Log syncer.SyncLog `json:"sync_log"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

// Deliver posts a batch to the telemetry endpoint.
func (c *Client) Deliver(ctx context.Context, batch syncer.Batch) (syncer.SyncLog, error) {
	body, err := json.Marshal(batchRequest{
		DeviceID: batch.DeviceID,
		BatchID:  batch.ID,
		Attempts: batch.Attempts,
		Samples:  batch.Submissions,
	})
	if err != nil {
		return syncer.SyncLog{}, err
	}
	var out batchResponse
	resp, err := c.signed(ctx, body).SetResult(&out).Post("/api/v1/telemetry")
	if err != nil {
		return syncer.SyncLog{}, fmt.Errorf("uplink: deliver %s: %w", batch.ID, err)
	}
	if err := statusError(resp); err != nil {
		return syncer.SyncLog{}, fmt.Errorf("uplink: deliver %s: %w", batch.ID, err)
	}
	return out.Log, nil
}

// ReportFailure posts a terminal batch failure for deviceID.
func (c *Client) ReportFailure(ctx context.Context, deviceID string, failure syncer.TerminalFailure) error {
	body, err := json.Marshal(failure)
	if err != nil {
		return err
	}
	resp, err := c.signed(ctx, body).
		SetPathParam("id", deviceID).
		Post("/api/v1/devices/{id}/sync-failures")
	if err != nil {
		return fmt.Errorf("uplink: report %s: %w", failure.BatchID, err)
	}
	if err := statusError(resp); err != nil {
		return fmt.Errorf("uplink: report %s: %w", failure.BatchID, err)
	}
	return nil
}

// Register posts the registration payload and decodes the reply into out.
func (c *Client) Register(ctx context.Context, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	resp, err := c.signed(ctx, body).SetResult(out).Post("/api/v1/devices/register")
	if err != nil {
		return fmt.Errorf("uplink: register: %w", err)
	}
	return statusError(resp)
}

func (c *Client) signed(ctx context.Context, body []byte) *resty.Request {
	header := http.Header{}
	auth.SignRequest(header, c.secret, body, c.now())
	return c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader(auth.HeaderIngestTimestamp, header.Get(auth.HeaderIngestTimestamp)).
		SetHeader(auth.HeaderIngestSignature, header.Get(auth.HeaderIngestSignature)).
		SetBody(body)
}

// statusError maps a non-2xx reply. 4xx replies other than 408, 409 and 429
// wrap syncerapp.ErrRejected so the batch is not retried.
func statusError(resp *resty.Response) error {
	if !resp.IsError() && resp.StatusCode() < 300 {
		return nil
	}
	var body errorResponse
	_ = json.Unmarshal(resp.Body(), &body)
	msg := body.Error
	if msg == "" {
		msg = resp.Status()
	}
	code := resp.StatusCode()
	if code >= 400 && code < 500 && code != http.StatusRequestTimeout && code != http.StatusConflict && code != http.StatusTooManyRequests {
		return fmt.Errorf("%w: status %d: %s", syncerapp.ErrRejected, code, msg)
	}
	return fmt.Errorf("status %d: %s", code, msg)
}
