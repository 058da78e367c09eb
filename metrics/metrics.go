// Package metrics holds the Prometheus collectors for the drawdown engine.
//
// Collectors are registered on an injected Registerer rather than the global
// default, so tests can use a fresh registry. A nil *Metrics is valid and
// records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "drawdown"

type Metrics struct {
	TransactionsPosted  prometheus.Counter
	TransactionsVoided  prometheus.Counter
	PostedAmount        prometheus.Counter
	ValidationFailures  *prometheus.CounterVec
	ContractTransitions *prometheus.CounterVec
	BillingRuns         *prometheus.CounterVec
	BillingItems        *prometheus.CounterVec
	HTTPRequests        *prometheus.CounterVec
	HTTPDuration        *prometheus.HistogramVec
}

// New registers every collector on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TransactionsPosted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "transactions_posted_total",
			Help:      "Transactions moved from draft to posted.",
		}),
		TransactionsVoided: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "transactions_voided_total",
			Help:      "Posted transactions voided.",
		}),
		PostedAmount: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "posted_amount_dollars_total",
			Help:      "Sum of amounts posted against funding contracts.",
		}),
		ValidationFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "validation_failures_total",
			Help:      "Drawdown validation failures by rule.",
		}, []string{"rule"}),
		ContractTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "contracts",
			Name:      "transitions_total",
			Help:      "Contract status transitions.",
		}, []string{"from", "to"}),
		BillingRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "runs_total",
			Help:      "Automation runs by outcome.",
		}, []string{"status"}),
		BillingItems: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "items_total",
			Help:      "Automation run items by result.",
		}, []string{"result"}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"method", "route", "status"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

func (m *Metrics) Posted(amount float64) {
	if m == nil {
		return
	}
	m.TransactionsPosted.Inc()
	m.PostedAmount.Add(amount)
}

func (m *Metrics) Voided() {
	if m == nil {
		return
	}
	m.TransactionsVoided.Inc()
}

func (m *Metrics) ValidationFailed(rule string) {
	if m == nil {
		return
	}
	m.ValidationFailures.WithLabelValues(rule).Inc()
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.ContractTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) BillingRun(status string, succeeded, failed int) {
	if m == nil {
		return
	}
	m.BillingRuns.WithLabelValues(status).Inc()
	m.BillingItems.WithLabelValues("succeeded").Add(float64(succeeded))
	m.BillingItems.WithLabelValues("failed").Add(float64(failed))
}

func (m *Metrics) ObserveHTTP(method, route, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, status).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
