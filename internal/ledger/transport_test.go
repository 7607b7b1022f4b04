package ledger

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bridge-core/internal/monitor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTransport(url string) *Transport {
	return NewTransport(Config{
		Name:         "l1",
		BaseURL:      url,
		RetryInitial: time.Millisecond,
		RetryMax:     5 * time.Millisecond,
		MaxRetries:   3,
	}, monitor.NewMetrics())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"ok", 200, `{}`, nil},
		{"created", 201, ``, nil},
		{"timeout", 408, ``, ErrNetworkTransient},
		{"too early", 425, ``, ErrNetworkTransient},
		{"rate limited", 429, ``, ErrNetworkTransient},
		{"bad gateway", 502, ``, ErrNetworkTransient},
		{"unavailable", 503, ``, ErrNetworkTransient},
		{"gateway timeout", 504, ``, ErrNetworkTransient},
		{"unauthorized", 401, `{"message":"token expired"}`, ErrAuthenticationExpired},
		{"consumed", 409, `{"code":"LOCK_ALREADY_CONSUMED"}`, ErrLockAlreadyConsumed},
		{"lock missing", 404, `{"code":"LOCK_NOT_FOUND"}`, ErrLockNotFound},
		{"insufficient 402", 402, `{"code":"INSUFFICIENT_BALANCE","message":"short"}`, ErrInsufficientBalance},
		{"insufficient 422", 422, `{"code":"INSUFFICIENT_BALANCE"}`, ErrInsufficientBalance},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Classify(tt.status, []byte(tt.body))
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestClassifyTerminal(t *testing.T) {
	tests := []struct {
		status int
		body   string
		code   string
		msg    string
	}{
		{400, `{"code":"MARKET_NOT_ACTIVE","message":"market frozen"}`, "MARKET_NOT_ACTIVE", "market frozen"},
		{409, `{"code":"OTHER"}`, "OTHER", ""},
		{404, `{"error":"no such market"}`, "", "no such market"},
		{500, `boom`, "", "boom"},
	}
	for _, tt := range tests {
		err := Classify(tt.status, []byte(tt.body))
		var terminal *TerminalError
		require.True(t, errors.As(err, &terminal), "status %d", tt.status)
		assert.Equal(t, tt.status, terminal.Status)
		assert.Equal(t, tt.code, terminal.Code)
		assert.Equal(t, tt.msg, terminal.Message)
		assert.False(t, IsRetryable(err))
	}
}

func TestDoRetriesTransientWithIdenticalBody(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies []string
		keys   []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(b))
		keys = append(keys, r.Header.Get(HeaderIdempotencyKey))
		n := len(bodies)
		mu.Unlock()
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"lock_id":"lock-1"}`))
	}))
	defer srv.Close()

	var out struct {
		LockID string `json:"lock_id"`
	}
	err := testTransport(srv.URL).Do(context.Background(), Request{
		Method:         http.MethodPost,
		Path:           "/locks",
		Body:           map[string]any{"lock_id": "lock-1", "amount": 100},
		IdempotencyKey: "lock-1",
	}, &out)
	require.NoError(t, err)
	assert.Equal(t, "lock-1", out.LockID)

	require.Len(t, bodies, 3)
	assert.Equal(t, bodies[0], bodies[1])
	assert.Equal(t, bodies[0], bodies[2])
	assert.Equal(t, []string{"lock-1", "lock-1", "lock-1"}, keys)
}

func TestDoGivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := testTransport(srv.URL).Do(context.Background(), Request{Method: http.MethodGet, Path: "/balance/x"}, nil)
	assert.ErrorIs(t, err, ErrNetworkTransient)
	assert.Equal(t, int32(4), calls.Load())
}

func TestDoNeverRetriesTerminal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":"SIGNATURE_INVALID","message":"bad signature"}`))
	}))
	defer srv.Close()

	err := testTransport(srv.URL).Do(context.Background(), Request{Method: http.MethodPost, Path: "/transfer", Body: map[string]int{"a": 1}}, nil)
	var terminal *TerminalError
	require.ErrorAs(t, err, &terminal)
	assert.Equal(t, "SIGNATURE_INVALID", terminal.Code)
	assert.Equal(t, int32(1), calls.Load())
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	tr := NewTransport(Config{
		Name:            "l2",
		BaseURL:         srv.URL,
		RetryInitial:    time.Millisecond,
		RetryMax:        time.Millisecond,
		MaxRetries:      1,
		BreakerFailures: 2,
		BreakerCooldown: time.Minute,
	}, nil)

	err := tr.Do(context.Background(), Request{Method: http.MethodGet, Path: "/health"}, nil)
	assert.ErrorIs(t, err, ErrNetworkTransient)
	assert.True(t, tr.Degraded())

	before := calls.Load()
	err = tr.Do(context.Background(), Request{Method: http.MethodGet, Path: "/health"}, nil)
	assert.ErrorIs(t, err, ErrServiceUnavailable)
	assert.Equal(t, before, calls.Load(), "open breaker must not reach the server")
	assert.ErrorIs(t, tr.Health(context.Background()), ErrServiceUnavailable)
}

func TestTerminalErrorsDoNotTripBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	tr := NewTransport(Config{Name: "l1", BaseURL: srv.URL, BreakerFailures: 1}, nil)
	for i := 0; i < 3; i++ {
		_ = tr.Do(context.Background(), Request{Method: http.MethodGet, Path: "/x"}, nil)
	}
	assert.False(t, tr.Degraded())
}

func TestLedgerClockSkew(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts := time.Now().Add(5 * time.Second).UnixMilli()
		_, _ = w.Write([]byte(`{"timestamp":` + strconv.FormatInt(ts, 10) + `}`))
	}))
	defer srv.Close()

	tr := testTransport(srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr.StartTimeSync(ctx)

	assert.InDelta(t, 5000, tr.ClockSkew().Milliseconds(), 500)
	assert.InDelta(t, time.Now().UnixMilli()+5000, tr.Now(), 1000)
}
