// Package notify posts a best-effort webhook when a session resolves to a
// user record.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/davidwalker2235/fulgencio-project/internal/observability"
	"github.com/davidwalker2235/fulgencio-project/internal/policy"
	"github.com/davidwalker2235/fulgencio-project/internal/reliability"
)

// Resolution is the webhook payload.
type Resolution struct {
	OrderNumber string    `json:"orderNumber"`
	Name        string    `json:"name"`
	SessionID   string    `json:"sessionId"`
	ResolvedAt  time.Time `json:"resolvedAt"`
}

// Notifier delivers resolution notifications.
type Notifier interface {
	Notify(ctx context.Context, r Resolution) error
}

// Nop discards notifications; used when no sink is configured.
type Nop struct{}

func (Nop) Notify(context.Context, Resolution) error { return nil }

// HTTPNotifier POSTs resolutions to a fixed URL, retrying transport errors
// and retryable statuses a fixed number of times.
type HTTPNotifier struct {
	url     string
	client  *http.Client
	retries int
	backoff time.Duration
	logger  *zap.Logger
	metrics *observability.Metrics
}

func NewHTTPNotifier(url string, timeout time.Duration, retries int, logger *zap.Logger, metrics *observability.Metrics) *HTTPNotifier {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if retries < 0 {
		retries = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPNotifier{
		url:     strings.TrimSpace(url),
		client:  &http.Client{Timeout: timeout},
		retries: retries,
		backoff: 100 * time.Millisecond,
		logger:  logger,
		metrics: metrics,
	}
}

// New returns an HTTPNotifier for url, or Nop when url is empty.
func New(url string, timeout time.Duration, retries int, logger *zap.Logger, metrics *observability.Metrics) Notifier {
	if strings.TrimSpace(url) == "" {
		return Nop{}
	}
	return NewHTTPNotifier(url, timeout, retries, logger, metrics)
}

func (n *HTTPNotifier) Notify(ctx context.Context, r Resolution) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal resolution: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= n.retries; attempt++ {
		if attempt > 0 {
			if err := reliability.Sleep(ctx, reliability.ExponentialBackoff(attempt-1, n.backoff, 2*time.Second)); err != nil {
				return err
			}
		}
		retryable, err := n.post(ctx, payload)
		if err == nil {
			n.metrics.NotifyAttempt("ok")
			return nil
		}
		lastErr = err
		n.logger.Warn("resolution notification failed",
			zap.Int("attempt", attempt+1),
			zap.String("order_ref", policy.MaskIdentifier(r.OrderNumber)),
			zap.Error(err),
		)
		if !retryable {
			n.metrics.NotifyAttempt("rejected")
			return err
		}
		n.metrics.NotifyAttempt("retryable")
	}
	return fmt.Errorf("notify after %d attempts: %w", n.retries+1, lastErr)
}

func (n *HTTPNotifier) post(ctx context.Context, payload []byte) (retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := n.client.Do(req)
	if err != nil {
		return ctx.Err() == nil, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return reliability.IsRetryableHTTPStatus(res.StatusCode), fmt.Errorf("notify status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, res.Body)
	return false, nil
}
