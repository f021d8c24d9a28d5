// Package metric exposes saga and command metrics in the Prometheus format.
package metric

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "saga"

// Command results.
const (
	ResultOK        = "ok"
	ResultFailure   = "failure"
	ResultDuplicate = "duplicate"
	ResultError     = "error"
)

// Metrics holds the collectors of one node. A nil *Metrics records nothing.
type Metrics struct {
	registry        *prometheus.Registry
	sagasStarted    *prometheus.CounterVec
	sagasCompleted  *prometheus.CounterVec
	commands        *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sagasStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_started_total",
			Help:      "Transactions started, by transaction type.",
		}, []string{"type"}),
		sagasCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_completed_total",
			Help:      "Transactions completed, by transaction type and outcome.",
		}, []string{"type", "outcome"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_handled_total",
			Help:      "Commands handled, by topic and result.",
		}, []string{"topic", "result"}),
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Time spent handling a command, from lock to publish.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"topic"}),
	}
	m.registry.MustRegister(m.sagasStarted, m.sagasCompleted, m.commands, m.commandDuration)
	return m
}

// TransactionStarted counts a started transaction.
func (m *Metrics) TransactionStarted(transactionType string) {
	if m == nil {
		return
	}
	m.sagasStarted.WithLabelValues(transactionType).Inc()
}

// TransactionCompleted counts a completed transaction.
func (m *Metrics) TransactionCompleted(transactionType string, committed bool) {
	if m == nil {
		return
	}
	outcome := "committed"
	if !committed {
		outcome = "rolled_back"
	}
	m.sagasCompleted.WithLabelValues(transactionType, outcome).Inc()
}

// CommandHandled counts a command and observes its duration.
func (m *Metrics) CommandHandled(topic, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(topic, result).Inc()
	m.commandDuration.WithLabelValues(topic).Observe(d.Seconds())
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
