package escalation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/miradorstack/mirador-triage/internal/errs"
	"github.com/miradorstack/mirador-triage/internal/utils"
)

// IdempotencyHeader lets the provider drop duplicate submissions of one ticket.
const IdempotencyHeader = "Idempotency-Key"

// Submission is one sealed envelope ready for transmission.
type Submission struct {
	TicketID  string
	Body      []byte
	Signature string
}

// Receipt is the provider's synchronous answer.
type Receipt struct {
	ProviderTicketID string `json:"ticketId"`
	Acknowledged     bool   `json:"acknowledged"`
	// Attempts is the number of requests the transport made, set by the transport.
	Attempts int `json:"-"`
}

// Transport delivers submissions to the support provider.
type Transport interface {
	Submit(ctx context.Context, sub Submission) (Receipt, error)
}

// HTTPConfig configures HTTPTransport.
type HTTPConfig struct {
	URL           string
	Timeout       time.Duration
	MaxAttempts   int
	BaseBackoff   time.Duration
	RatePerSecond float64
	Burst         int
}

// HTTPTransport POSTs envelopes with bounded retries on transport errors, 429 and 5xx.
type HTTPTransport struct {
	url         string
	httpClient  *http.Client
	limiter     *rate.Limiter
	maxAttempts int
	baseBackoff time.Duration
	logger      *slog.Logger
}

// NewHTTPTransport builds a transport. Zero values fall back to 10s timeout, 3 attempts,
// 500ms base backoff and 2 submissions per second.
func NewHTTPTransport(cfg HTTPConfig, logger *slog.Logger) (*HTTPTransport, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("provider url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 500 * time.Millisecond
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 2
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &HTTPTransport{
		url:         strings.TrimRight(cfg.URL, "/"),
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		limiter:     rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		maxAttempts: cfg.MaxAttempts,
		baseBackoff: cfg.BaseBackoff,
		logger:      utils.Component(logger, "provider_transport"),
	}, nil
}

type statusError struct {
	code       int
	body       string
	retryAfter string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("provider returned HTTP %d: %s", e.code, e.body)
}

// Submit sends the envelope. A permanent failure or exhausted retries yield *errs.TransportError.
func (t *HTTPTransport) Submit(ctx context.Context, sub Submission) (Receipt, error) {
	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= t.maxAttempts; attempt++ {
		if attempt > 1 {
			timer := time.NewTimer(t.backoff(attempt, lastErr))
			select {
			case <-ctx.Done():
				timer.Stop()
				return Receipt{}, ctx.Err()
			case <-timer.C:
			}
		}
		if err := t.limiter.Wait(ctx); err != nil {
			return Receipt{}, err
		}
		attempts = attempt

		receipt, err := t.post(ctx, sub)
		if err == nil {
			receipt.Attempts = attempts
			return receipt, nil
		}
		if ctx.Err() != nil {
			return Receipt{}, ctx.Err()
		}
		lastErr = err

		var se *statusError
		if errors.As(err, &se) && se.code < 500 && se.code != http.StatusTooManyRequests {
			return Receipt{}, &errs.TransportError{Endpoint: t.url, StatusCode: se.code, Attempts: attempts, Err: err}
		}
		t.logger.Warn("provider submission failed, retrying",
			slog.String("ticket_id", sub.TicketID),
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)
	}

	te := &errs.TransportError{Endpoint: t.url, Attempts: attempts, Err: lastErr}
	var se *statusError
	if errors.As(lastErr, &se) {
		te.StatusCode = se.code
	}
	return Receipt{}, te
}

func (t *HTTPTransport) post(ctx context.Context, sub Submission) (Receipt, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(sub.Body))
	if err != nil {
		return Receipt{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(IdempotencyHeader, sub.TicketID)
	req.Header.Set(SignatureHeader, sub.Signature)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return Receipt{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Receipt{}, fmt.Errorf("read provider response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := string(body)
		if len(snippet) > 512 {
			snippet = snippet[:512]
		}
		return Receipt{}, &statusError{code: resp.StatusCode, body: snippet, retryAfter: resp.Header.Get("Retry-After")}
	}

	var receipt Receipt
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &receipt); err != nil {
			return Receipt{}, fmt.Errorf("decode provider response: %w", err)
		}
	}
	if receipt.ProviderTicketID == "" {
		return Receipt{}, errors.New("provider response missing ticket id")
	}
	return receipt, nil
}

func (t *HTTPTransport) backoff(attempt int, lastErr error) time.Duration {
	var se *statusError
	if errors.As(lastErr, &se) && se.code == http.StatusTooManyRequests && se.retryAfter != "" {
		if secs, err := strconv.Atoi(se.retryAfter); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return t.baseBackoff * time.Duration(1<<(attempt-2))
}
