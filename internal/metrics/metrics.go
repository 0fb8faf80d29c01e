// Package metrics exposes Prometheus counters for action runs.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bumpmate"

var (
	runsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "runs_started_total",
		Help:      "Actions that connected and registered with the worker.",
	}, []string{"kind"})
	runsStopped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "runs_stopped_total",
		Help:      "Actions that ended, by stop reason.",
	}, []string{"kind", "reason"})
	startsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "starts_rejected_total",
		Help:      "Start requests refused by a precondition.",
	}, []string{"reason"})
	connectFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connect_failures_total",
		Help:      "Starts that failed to open the worker channel or launch the task.",
	})
	stepsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "steps_completed_total",
		Help:      "Progress events applied to the active action.",
	}, []string{"kind"})
	messagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_dropped_total",
		Help:      "Worker messages discarded, by cause.",
	}, []string{"cause"})
	stopNotifyFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stop_notify_failures_total",
		Help:      "Out-of-band stop notifications that failed after all retries.",
	})
	persistFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "balance_persist_failures_total",
		Help:      "Token balance write-backs that failed.",
	})
	activeRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "runs_active",
		Help:      "1 while an action is running, else 0.",
	})
	tokenBalance = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "token_balance",
		Help:      "Mirrored token balance; -1 means unlimited.",
	})
)

// RunStarted records a run entering the running state.
func RunStarted(kind string) {
	runsStarted.WithLabelValues(kind).Inc()
	activeRuns.Set(1)
}

// RunStopped records a run leaving the running state.
func RunStopped(kind, reason string) {
	runsStopped.WithLabelValues(kind, reason).Inc()
	activeRuns.Set(0)
}

// StartRejected records a refused start.
func StartRejected(reason string) { startsRejected.WithLabelValues(reason).Inc() }

// ConnectFailed records a start that never became active.
func ConnectFailed() { connectFailures.Inc() }

// StepCompleted records an applied progress event.
func StepCompleted(kind string) { stepsCompleted.WithLabelValues(kind).Inc() }

// MessageDropped records a discarded worker message ("stale", "malformed").
func MessageDropped(cause string) { messagesDropped.WithLabelValues(cause).Inc() }

// StopNotifyFailed records a stop notification that gave up.
func StopNotifyFailed() { stopNotifyFailures.Inc() }

// PersistFailed records a failed balance write-back.
func PersistFailed() { persistFailures.Inc() }

// SetBalance publishes the mirrored balance.
func SetBalance(b int64) { tokenBalance.Set(float64(b)) }

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler { return promhttp.Handler() }
