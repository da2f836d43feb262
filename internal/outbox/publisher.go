package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"ordergate/internal/domain"
)

// Publisher posts outbox events to a webhook. Each event is retried with
// capped exponential backoff; receivers dedupe on X-Idempotency-Key.
type Publisher struct {
	webhookURL string
	httpClient *http.Client
	maxRetries int
	retryBase  time.Duration
	retryMax   time.Duration
}

func NewPublisher(webhookURL string, timeout time.Duration, maxRetries int, retryBase, retryMax time.Duration) *Publisher {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if retryBase <= 0 {
		retryBase = 200 * time.Millisecond
	}
	if retryMax < retryBase {
		retryMax = retryBase
	}
	return &Publisher{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: timeout},
		maxRetries: maxRetries,
		retryBase:  retryBase,
		retryMax:   retryMax,
	}
}

func (p *Publisher) Enabled() bool {
	return p != nil && p.webhookURL != ""
}

func (p *Publisher) Publish(ctx context.Context, event domain.OutboxEvent) error {
	if !p.Enabled() {
		return nil
	}
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.backoff(attempt)):
			}
		}
		lastErr = p.post(ctx, event, body)
		if lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("publish %s after %d attempts: %w", event.ID, p.maxRetries+1, lastErr)
}

func (p *Publisher) post(ctx context.Context, event domain.OutboxEvent, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Idempotency-Key", event.ID)
	req.Header.Set("X-Event-Type", string(event.Type))

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("webhook status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
}

func (p *Publisher) backoff(attempt int) time.Duration {
	d := p.retryBase << (attempt - 1)
	if d <= 0 || d > p.retryMax {
		return p.retryMax
	}
	return d
}
