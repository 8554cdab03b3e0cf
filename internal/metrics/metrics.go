package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "custody"

// Metrics holds the Prometheus collectors of the custody service.
// All record methods are safe on a nil receiver so components can run
// without metrics in tests.
type Metrics struct {
	registry *prometheus.Registry

	RPCRequests         *prometheus.CounterVec
	RPCLatency          *prometheus.HistogramVec
	CircuitBreakerTrips *prometheus.CounterVec
	SweepOutcomes       *prometheus.CounterVec
	SweepDuration       prometheus.Histogram
	LedgerCredits       *prometheus.CounterVec
	DepositCursor       *prometheus.GaugeVec
	GasTopUps           *prometheus.CounterVec
}

// New creates and registers all collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RPCRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_requests_total",
			Help:      "JSON-RPC calls by chain, method and outcome.",
		}, []string{"chain", "method", "outcome"}),
		RPCLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rpc_latency_seconds",
			Help:      "JSON-RPC call latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"chain", "method"}),
		CircuitBreakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_circuit_breaker_trips_total",
			Help:      "Times a chain's circuit breaker opened.",
		}, []string{"chain"}),
		SweepOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_transfers_total",
			Help:      "Sweep jobs by chain, token and final state.",
		}, []string{"chain", "token", "state"}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_batch_duration_seconds",
			Help:      "Wall time of a batch sweep.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		LedgerCredits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_credits_total",
			Help:      "Ledger credit attempts by outcome.",
		}, []string{"outcome"}),
		DepositCursor: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "deposit_cursor_block",
			Help:      "Last fully reconciled block per chain and token.",
		}, []string{"chain", "token"}),
		GasTopUps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gas_topups_total",
			Help:      "Gas tank funding transfers by chain and outcome.",
		}, []string{"chain", "outcome"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.RPCRequests,
		m.RPCLatency,
		m.CircuitBreakerTrips,
		m.SweepOutcomes,
		m.SweepDuration,
		m.LedgerCredits,
		m.DepositCursor,
		m.GasTopUps,
	)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveRPC records one RPC call.
func (m *Metrics) ObserveRPC(chain, method string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.RPCRequests.WithLabelValues(chain, method, outcome).Inc()
	m.RPCLatency.WithLabelValues(chain, method).Observe(elapsed.Seconds())
}

// BreakerTripped counts a circuit opening.
func (m *Metrics) BreakerTripped(chain string) {
	if m == nil {
		return
	}
	m.CircuitBreakerTrips.WithLabelValues(chain).Inc()
}

// SweepJob records the final state of one sweep job.
func (m *Metrics) SweepJob(chain, token, state string) {
	if m == nil {
		return
	}
	m.SweepOutcomes.WithLabelValues(chain, token, state).Inc()
}

// SweepBatch records the duration of a batch.
func (m *Metrics) SweepBatch(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.SweepDuration.Observe(elapsed.Seconds())
}

// LedgerCredit records a credit outcome: credited, duplicate or error.
func (m *Metrics) LedgerCredit(outcome string) {
	if m == nil {
		return
	}
	m.LedgerCredits.WithLabelValues(outcome).Inc()
}

// SetDepositCursor publishes the reconciled block height.
func (m *Metrics) SetDepositCursor(chain, token string, block uint64) {
	if m == nil {
		return
	}
	m.DepositCursor.WithLabelValues(chain, token).Set(float64(block))
}

// GasTopUp records a top-up outcome.
func (m *Metrics) GasTopUp(chain string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.GasTopUps.WithLabelValues(chain, outcome).Inc()
}
