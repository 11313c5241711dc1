package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/xela07ax/smartmail-orchestrator/internal/domain"
)

const (
	defaultWebhookTimeout  = 10 * time.Second
	defaultWebhookAttempts = 3
	defaultWebhookDelay    = 500 * time.Millisecond
)

// statusError — ответ вебхука не 2xx
type statusError struct {
	Code       int
	RetryAfter time.Duration
}

func (e *statusError) Error() string {
	return fmt.Sprintf("webhook responded with status %d", e.Code)
}

func (e *statusError) retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

type WebhookConfig struct {
	Timeout  time.Duration
	Attempts int
	Delay    time.Duration
}

// WebhookNotifier отправляет POST с JSON уведомления на ch.Target.
// 5xx, 429 и сетевые ошибки повторяются, прочие 4xx — нет.
type WebhookNotifier struct {
	client   *http.Client
	attempts int
	delay    time.Duration
}

func NewWebhookNotifier(cfg WebhookConfig) *WebhookNotifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultWebhookTimeout
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = defaultWebhookAttempts
	}
	if cfg.Delay <= 0 {
		cfg.Delay = defaultWebhookDelay
	}
	return &WebhookNotifier{
		client:   &http.Client{Timeout: cfg.Timeout},
		attempts: cfg.Attempts,
		delay:    cfg.Delay,
	}
}

func (w *WebhookNotifier) Notify(ctx context.Context, ch domain.ChannelConfig, n domain.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	var lastErr error
	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(uint(w.attempts)),
		retry.RetryIf(func(err error) bool {
			var sErr *statusError
			if errors.As(err, &sErr) {
				return sErr.retryable()
			}
			return true
		}),
		retry.DelayType(func(n uint, err error, _ retry.DelayContext) time.Duration {
			var sErr *statusError
			if errors.As(err, &sErr) && sErr.RetryAfter > 0 {
				return sErr.RetryAfter
			}
			return w.delay << min(n, 6)
		}),
	)

	doErr := r.Do(func() error {
		lastErr = w.post(ctx, ch.Target, body)
		return lastErr
	})
	if doErr == nil {
		return nil
	}
	if lastErr == nil {
		lastErr = doErr
	}
	return fmt.Errorf("webhook %s: %w", ch.Target, lastErr)
}

func (w *WebhookNotifier) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	sErr := &statusError{Code: resp.StatusCode}
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		sErr.RetryAfter = time.Duration(secs) * time.Second
	}
	return sErr
}
