package monitor

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus collector exported by the bridge core.
// Each instance owns its registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	// Ledger transport
	LedgerRequests *prometheus.CounterVec
	LedgerLatency  *prometheus.HistogramVec
	LedgerRetries  *prometheus.CounterVec
	BreakerOpen    *prometheus.GaugeVec

	// Domain operations
	BridgeOps    *prometheus.CounterVec
	CreditOps    *prometheus.CounterVec
	TradeOps     *prometheus.CounterVec
	Outstanding  *prometheus.GaugeVec
	BalanceDrift *prometheus.CounterVec

	// Quote cache
	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec

	// Custody and events
	CustodyState    prometheus.Gauge
	EventsPublished *prometheus.CounterVec

	// Local API
	APIRequests *prometheus.CounterVec
	APILatency  *prometheus.HistogramVec
}

// NewMetrics creates and registers all collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		LedgerRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_ledger_requests_total",
				Help: "Ledger requests by service, endpoint and outcome",
			},
			[]string{"service", "endpoint", "outcome"},
		),
		LedgerLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bridge_ledger_request_duration_seconds",
				Help:    "Ledger request latency including retries",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"service", "endpoint"},
		),
		LedgerRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_ledger_retries_total",
				Help: "Transient failures that were retried",
			},
			[]string{"service"},
		),
		BreakerOpen: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bridge_ledger_breaker_open",
				Help: "1 while the circuit breaker for a service is open",
			},
			[]string{"service"},
		),
		BridgeOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_operations_total",
				Help: "Bridge operations (deposit, resume, release, withdraw) by result",
			},
			[]string{"op", "result"},
		),
		CreditOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_credit_operations_total",
				Help: "Credit session operations by result",
			},
			[]string{"op", "result"},
		),
		TradeOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_trade_operations_total",
				Help: "Quote, buy and sell requests by result",
			},
			[]string{"op", "result"},
		),
		Outstanding: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bridge_outstanding",
				Help: "Outstanding locks and pending withdrawals",
			},
			[]string{"kind"},
		),
		BalanceDrift: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_balance_drift_total",
				Help: "Reconciliations where the confirmed snapshot differed from the local view",
			},
			[]string{"ledger"},
		),
		CacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_cache_hits_total",
				Help: "Quote cache hits by backend",
			},
			[]string{"backend"},
		),
		CacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_cache_misses_total",
				Help: "Quote cache misses by backend",
			},
			[]string{"backend"},
		),
		CustodyState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "bridge_custody_unlocked",
				Help: "1 while signing material is available",
			},
		),
		EventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_events_total",
				Help: "Events observed on the bus by kind",
			},
			[]string{"kind"},
		),
		APIRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_api_requests_total",
				Help: "Local API requests by method, route and status class",
			},
			[]string{"method", "route", "status"},
		),
		APILatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bridge_api_request_duration_seconds",
				Help:    "Local API latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.LedgerRequests, m.LedgerLatency, m.LedgerRetries, m.BreakerOpen,
		m.BridgeOps, m.CreditOps, m.TradeOps, m.Outstanding, m.BalanceDrift,
		m.CacheHits, m.CacheMisses, m.CustodyState, m.EventsPublished,
		m.APIRequests, m.APILatency,
	)
	return m
}

// TradeLogStats is read on every scrape of the trade log gauges.
type TradeLogStats func() (pending int, written, failed uint64)

// WatchTradeLog exports the batched trade log's backlog and totals.
func (m *Metrics) WatchTradeLog(stats TradeLogStats) {
	if m == nil || stats == nil {
		return
	}
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "bridge_trade_log_pending",
			Help: "Trades queued for the next batch write",
		}, func() float64 {
			pending, _, _ := stats()
			return float64(pending)
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "bridge_trade_log_written_total",
			Help: "Trades handed to a batch transaction",
		}, func() float64 {
			_, written, _ := stats()
			return float64(written)
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "bridge_trade_log_failed_batches_total",
			Help: "Trade log batches rolled back",
		}, func() float64 {
			_, _, failed := stats()
			return float64(failed)
		}),
	)
}

// Handler exposes the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveLedger records one logical ledger call. Safe on a nil receiver.
func (m *Metrics) ObserveLedger(service, endpoint, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.LedgerRequests.WithLabelValues(service, endpoint, outcome).Inc()
	m.LedgerLatency.WithLabelValues(service, endpoint).Observe(elapsed.Seconds())
}

// IncRetry counts a retried transient failure.
func (m *Metrics) IncRetry(service string) {
	if m == nil {
		return
	}
	m.LedgerRetries.WithLabelValues(service).Inc()
}

// SetBreakerOpen flips the breaker gauge.
func (m *Metrics) SetBreakerOpen(service string, open bool) {
	if m == nil {
		return
	}
	v := 0.0
	if open {
		v = 1
	}
	m.BreakerOpen.WithLabelValues(service).Set(v)
}

// CountBridge records a bridge operation outcome.
func (m *Metrics) CountBridge(op string, err error) {
	if m == nil {
		return
	}
	m.BridgeOps.WithLabelValues(op, result(err)).Inc()
}

// CountCredit records a credit operation outcome.
func (m *Metrics) CountCredit(op string, err error) {
	if m == nil {
		return
	}
	m.CreditOps.WithLabelValues(op, result(err)).Inc()
}

// CountTrade records a trading operation outcome.
func (m *Metrics) CountTrade(op string, err error) {
	if m == nil {
		return
	}
	m.TradeOps.WithLabelValues(op, result(err)).Inc()
}

// SetOutstanding sets the outstanding gauge for kind (locks, withdrawals).
func (m *Metrics) SetOutstanding(kind string, n int) {
	if m == nil {
		return
	}
	m.Outstanding.WithLabelValues(kind).Set(float64(n))
}

// IncDrift counts a reconciliation drift for ledger.
func (m *Metrics) IncDrift(ledger string) {
	if m == nil {
		return
	}
	m.BalanceDrift.WithLabelValues(ledger).Inc()
}

// CacheResult counts a cache lookup.
func (m *Metrics) CacheResult(backend string, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHits.WithLabelValues(backend).Inc()
		return
	}
	m.CacheMisses.WithLabelValues(backend).Inc()
}

// ObserveAPI records one local API request.
func (m *Metrics) ObserveAPI(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.APIRequests.WithLabelValues(method, route, strconv.Itoa(status/100)+"xx").Inc()
	m.APILatency.WithLabelValues(route).Observe(elapsed.Seconds())
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
