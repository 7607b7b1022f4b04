package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"bridge-core/internal/monitor"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

const maxResponseBytes = 4 << 20

// HeaderIdempotencyKey carries the lockId, nonce or bet id of a mutating call.
const HeaderIdempotencyKey = "Idempotency-Key"

// Config tunes one ledger transport.
type Config struct {
	Name            string
	BaseURL         string
	Timeout         time.Duration // per attempt
	MaxRetries      uint64
	RetryInitial    time.Duration
	RetryMax        time.Duration
	RateLimit       float64 // requests per second, 0 = unlimited
	RateBurst       int
	BreakerFailures uint32
	BreakerCooldown time.Duration
	HTTPClient      *http.Client
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = 200 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 3 * time.Second
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 10
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
}

// Request describes one logical ledger call. Body is encoded once and the
// identical bytes are resent on every retry.
type Request struct {
	Method         string
	Path           string
	Endpoint       string // metrics label, e.g. "POST /locks"
	Body           any
	Header         http.Header
	IdempotencyKey string
}

// Transport sends classified, retried, rate-limited requests to one ledger.
type Transport struct {
	cfg     Config
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	metrics *monitor.Metrics
	clock   *ledgerClock
}

// NewTransport builds a transport. metrics may be nil.
func NewTransport(cfg Config, metrics *monitor.Metrics) *Transport {
	cfg.applyDefaults()
	t := &Transport{cfg: cfg, metrics: metrics}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	t.limiter = rate.NewLimiter(limit, cfg.RateBurst)

	t.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    cfg.Name,
		Timeout: cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		// Only transport-level failures say anything about ledger health.
		IsSuccessful: func(err error) bool {
			return err == nil || !IsRetryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("service", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
			metrics.SetBreakerOpen(name, to == gobreaker.StateOpen)
		},
	})
	return t
}

// Name is the service label ("l1", "l2").
func (t *Transport) Name() string { return t.cfg.Name }

// BaseURL returns the ledger root URL.
func (t *Transport) BaseURL() string { return t.cfg.BaseURL }

// HTTPClient exposes the configured client for non-JSON traffic.
func (t *Transport) HTTPClient() *http.Client { return t.cfg.HTTPClient }

// Degraded reports whether the breaker is currently refusing calls.
func (t *Transport) Degraded() bool {
	return t.breaker.State() == gobreaker.StateOpen
}

// Do executes req, retrying transient failures with bounded exponential
// back-off, and decodes a 2xx JSON body into out.
func (t *Transport) Do(ctx context.Context, req Request, out any) error {
	payload, err := encodeBody(req.Body)
	if err != nil {
		return err
	}
	endpoint := req.Endpoint
	if endpoint == "" {
		endpoint = req.Method
	}

	start := time.Now()
	op := func() error {
		if err := t.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		_, err := t.breaker.Execute(func() (any, error) {
			return nil, t.roundTrip(ctx, req, payload, out)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(fmt.Errorf("%s: %w", t.cfg.Name, ErrServiceUnavailable))
		}
		if err != nil && !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = t.cfg.RetryInitial
	exp.MaxInterval = t.cfg.RetryMax
	exp.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, t.cfg.MaxRetries), ctx)

	err = backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		t.metrics.IncRetry(t.cfg.Name)
		log.Debug().Str("service", t.cfg.Name).Str("endpoint", endpoint).Dur("wait", wait).Err(err).Msg("retrying ledger request")
	})
	t.metrics.ObserveLedger(t.cfg.Name, endpoint, outcome(err), time.Since(start))
	if err != nil {
		return fmt.Errorf("%s %s: %w", t.cfg.Name, endpoint, err)
	}
	return nil
}

func (t *Transport) roundTrip(ctx context.Context, req Request, payload []byte, out any) error {
	attemptCtx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, t.cfg.BaseURL+req.Path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.IdempotencyKey != "" {
		httpReq.Header.Set(HeaderIdempotencyKey, req.IdempotencyKey)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := t.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrNetworkTransient, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrNetworkTransient, err)
	}
	if err := Classify(resp.StatusCode, data); err != nil {
		return err
	}
	if out != nil && len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// Health calls GET /health once, bypassing retries but not the breaker.
func (t *Transport) Health(ctx context.Context) error {
	_, err := t.breaker.Execute(func() (any, error) {
		return nil, t.roundTrip(ctx, Request{Method: http.MethodGet, Path: "/health"}, nil, nil)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s: %w", t.cfg.Name, ErrServiceUnavailable)
	}
	if err != nil {
		return fmt.Errorf("%s health: %w", t.cfg.Name, err)
	}
	return nil
}

// ServerTime reads GET /time in unix millis.
func (t *Transport) ServerTime(ctx context.Context) (int64, error) {
	var resp struct {
		Timestamp int64 `json:"timestamp"`
	}
	if err := t.Do(ctx, Request{Method: http.MethodGet, Path: "/time", Endpoint: "GET /time"}, &resp); err != nil {
		return 0, err
	}
	return resp.Timestamp, nil
}

// StartTimeSync keeps signed timestamps aligned with the ledger clock.
func (t *Transport) StartTimeSync(ctx context.Context) {
	t.clock = newLedgerClock(t.ServerTime)
	t.clock.run(ctx, t.cfg.Name)
}

// Now returns the ledger-aligned timestamp in unix millis.
func (t *Transport) Now() int64 {
	return t.clock.now()
}

// ClockSkew is how far the ledger's clock runs ahead of ours.
func (t *Transport) ClockSkew() time.Duration {
	return t.clock.skew()
}

func encodeBody(body any) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	if raw, ok := body.([]byte); ok {
		return raw, nil
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return data, nil
}

func outcome(err error) string {
	var terminal *TerminalError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrServiceUnavailable):
		return "unavailable"
	case IsRetryable(err):
		return "exhausted"
	case errors.As(err, &terminal):
		return "terminal"
	default:
		return "rejected"
	}
}
