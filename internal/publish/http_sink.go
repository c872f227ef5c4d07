package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sqlpulse/sqlpulse/internal/model"
)

// HTTPSink posts batches as JSON to a collection endpoint. Stable batch IDs
// ride along as Idempotency-Key so the endpoint can drop duplicates from
// retried-but-actually-succeeded sends.
type HTTPSink struct {
	url    string
	token  string
	client *http.Client
}

// NewHTTPSink creates a sink posting to url. token, when non-empty, is sent
// as a bearer token.
func NewHTTPSink(url, token string) *HTTPSink {
	return &HTTPSink{
		url:   url,
		token: token,
		// The per-attempt context owns the deadline; this is a safety net.
		client: &http.Client{Timeout: 2 * time.Minute},
	}
}

// Publish sends the batch. 2xx acknowledges; 408, 425, 429, 5xx and transport
// errors are transient; every other status is permanent.
func (s *HTTPSink) Publish(ctx context.Context, batch model.Batch) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return Permanent(fmt.Errorf("publish: encode batch %s: %w", batch.ID, err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return Permanent(fmt.Errorf("publish: build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", batch.ID.String())
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return Transient(fmt.Errorf("publish: post batch %s: %w", batch.ID, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err = fmt.Errorf("publish: sink returned %s: %s", resp.Status, strings.TrimSpace(string(detail)))

	switch {
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooEarly,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return Transient(err)
	default:
		return Permanent(err)
	}
}
