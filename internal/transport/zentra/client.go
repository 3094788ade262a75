// Package zentra implements the transport.Sender interface against the
// Zentra messaging API.
package zentra

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/outflow/pacer/internal/domain"
	"github.com/outflow/pacer/internal/pkg/httpretry"
	"github.com/outflow/pacer/internal/transport"
)

const defaultBaseURL = "https://api.zentra.io/v1"

// Client sends messages through the Zentra API. Credentials are
// per-profile, so a single Client serves every profile.
type Client struct {
	baseURL string
	http    httpretry.HTTPDoer
	timeout time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API base URL (used by tests).
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(h httpretry.HTTPDoer) Option {
	return func(c *Client) { c.http = h }
}

// New creates a Zentra client with a 30s per-call timeout. Queued
// sends should not add HTTP-level retries (the processor reschedules
// failures with backoff); the synchronous reply path may pass an
// httpretry.RetryClient via WithHTTPClient.
func New(opts ...Option) *Client {
	c := &Client{
		baseURL: defaultBaseURL,
		timeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: c.timeout}
	}
	return c
}

type textPayload struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

type mediaPayload struct {
	To       string `json:"to"`
	MediaURL string `json:"media_url"`
	Caption  string `json:"caption,omitempty"`
}

type apiResponse struct {
	MessageID string `json:"message_id"`
	Error     string `json:"error"`
}

// Send delivers one message using the profile's device credentials.
// A transport-level timeout or connection error comes back as a failed
// Result so the processor can count it toward the item's attempts.
func (c *Client) Send(ctx context.Context, profile *domain.Profile, req transport.Request) (*transport.Result, error) {
	var (
		endpoint string
		payload  any
	)
	switch req.ContentType {
	case "media", "image":
		endpoint = fmt.Sprintf("/devices/%s/messages/image", profile.ProviderUUID)
		payload = mediaPayload{To: req.Recipient, MediaURL: req.MediaURL, Caption: req.Caption}
	case "voice":
		endpoint = fmt.Sprintf("/devices/%s/messages/voice", profile.ProviderUUID)
		payload = mediaPayload{To: req.Recipient, MediaURL: req.MediaURL}
	default:
		endpoint = fmt.Sprintf("/devices/%s/messages/text", profile.ProviderUUID)
		payload = textPayload{To: req.Recipient, Text: req.Content}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+profile.ProviderToken)
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	elapsed := int(time.Since(start).Milliseconds())
	if err != nil {
		// Timeouts and connection errors are retryable failures, not
		// hard errors.
		return &transport.Result{Success: false, Error: err.Error(), ResponseTimeMs: elapsed}, nil
	}
	defer resp.Body.Close()

	var api apiResponse
	if decErr := json.NewDecoder(resp.Body).Decode(&api); decErr != nil && resp.StatusCode < 300 {
		return &transport.Result{Success: false, Error: "malformed provider response", ResponseTimeMs: elapsed}, nil
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		errMsg := api.Error
		if errMsg == "" {
			errMsg = fmt.Sprintf("provider returned status %d", resp.StatusCode)
		}
		return &transport.Result{Success: false, Error: errMsg, ResponseTimeMs: elapsed}, nil
	}

	return &transport.Result{
		Success:           true,
		ProviderMessageID: api.MessageID,
		ResponseTimeMs:    elapsed,
	}, nil
}
