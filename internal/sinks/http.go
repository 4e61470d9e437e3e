package sinks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// HTTPConfig configures the webhook Sink.
type HTTPConfig struct {
	URL            string
	MaxElapsedTime time.Duration // 0 disables the elapsed-time cutoff
}

// HTTP is a Sink that POSTs each record as JSON to a webhook URL, retrying
// transient failures with exponential backoff.
type HTTP struct {
	url    string
	client *http.Client
	newBO  func() backoff.BackOff
}

// NewHTTP constructs a webhook Sink. client defaults to http.DefaultClient
// when nil.
func NewHTTP(cfg HTTPConfig, client *http.Client) *HTTP {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTP{
		url:    cfg.URL,
		client: client,
		newBO: func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.MaxElapsedTime = cfg.MaxElapsedTime
			return bo
		},
	}
}

// Append posts record to the webhook, retrying on delivery failure until ctx
// is done or the backoff's elapsed-time budget is exhausted.
func (h *HTTP) Append(ctx context.Context, record any) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("sinks: marshal record: %w", err)
	}

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := h.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("sinks: webhook returned %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("sinks: webhook returned %d", resp.StatusCode))
		}
		return nil
	}

	return backoff.Retry(op, backoff.WithContext(h.newBO(), ctx))
}
