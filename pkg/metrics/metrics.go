// Package metrics holds the prometheus collectors of the handoff.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HandoffMetrics defines metrics operations needed by the handoff components.
type HandoffMetrics interface {
	// Session metrics
	IncPhaseTransition(phase string)
	IncFailure(reason string)
	TrackRun(f func() error) error

	// Artifact metrics
	ObserveDownload(bytes int64, duration time.Duration)

	// Install metrics
	IncInstallSignal(status string)
	IncStaleSignal()

	// Capability, activation and transfer metrics
	IncGrant(agent string, granted bool)
	ObserveActivation(checks int, active bool)
	IncTransferResult(status string)
}

// Handoff implements HandoffMetrics
type Handoff struct {
	// Session metrics
	PhaseTransitions *prometheus.CounterVec
	Failures         *prometheus.CounterVec
	ActiveRuns       prometheus.Gauge
	RunDuration      prometheus.Histogram

	// Artifact metrics
	DownloadBytes    prometheus.Counter
	DownloadDuration prometheus.Histogram

	// Install metrics
	InstallSignals *prometheus.CounterVec
	StaleSignals   prometheus.Counter

	// Capability, activation and transfer metrics
	Grants             *prometheus.CounterVec
	ActivationChecks   prometheus.Histogram
	ActivationTimeouts prometheus.Counter
	TransferResults    *prometheus.CounterVec
}

const namespace = "handoff"

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Handoff {
	factory := promauto.With(reg)

	return &Handoff{
		// Session metrics
		PhaseTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phase_transitions_total",
			Help:      "Total number of session phase transitions by target phase",
		}, []string{"phase"}),
		Failures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_total",
			Help:      "Total number of halting failures by reason",
		}, []string{"reason"}),
		ActiveRuns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "Number of handoff runs in progress",
		}),
		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Time taken by one start or retry run",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),

		// Artifact metrics
		DownloadBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "download_bytes_total",
			Help:      "Total number of artifact bytes downloaded",
		}),
		DownloadDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "download_duration_seconds",
			Help:      "Time taken to download the artifact",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}),

		// Install metrics
		InstallSignals: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "install_signals_total",
			Help:      "Total number of install signals consumed by status",
		}, []string{"status"}),
		StaleSignals: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_install_signals_total",
			Help:      "Total number of install signals discarded for a non-current attempt",
		}),

		// Capability, activation and transfer metrics
		Grants: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capability_grants_total",
			Help:      "Total number of capability grants by agent and outcome",
		}, []string{"agent", "outcome"}),
		ActivationChecks: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "activation_checks",
			Help:      "Number of admin checks made while awaiting activation",
			Buckets:   prometheus.LinearBuckets(1, 2, 12),
		}),
		ActivationTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activation_timeouts_total",
			Help:      "Total number of activation polls that ran out of attempts",
		}),
		TransferResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_results_total",
			Help:      "Total number of ownership transfer results by status",
		}, []string{"status"}),
	}
}

// Session metrics implementations
func (m *Handoff) IncPhaseTransition(phase string) { m.PhaseTransitions.WithLabelValues(phase).Inc() }

func (m *Handoff) IncFailure(reason string) { m.Failures.WithLabelValues(reason).Inc() }

func (m *Handoff) TrackRun(f func() error) error {
	start := time.Now()
	m.ActiveRuns.Inc()
	defer m.ActiveRuns.Dec()

	err := f()
	m.RunDuration.Observe(time.Since(start).Seconds())
	return err
}

// Artifact metrics implementations
func (m *Handoff) ObserveDownload(bytes int64, duration time.Duration) {
	m.DownloadBytes.Add(float64(bytes))
	m.DownloadDuration.Observe(duration.Seconds())
}

// Install metrics implementations
func (m *Handoff) IncInstallSignal(status string) { m.InstallSignals.WithLabelValues(status).Inc() }

func (m *Handoff) IncStaleSignal() { m.StaleSignals.Inc() }

// Capability, activation and transfer metrics implementations
func (m *Handoff) IncGrant(agent string, granted bool) {
	outcome := "granted"
	if !granted {
		outcome = "failed"
	}
	m.Grants.WithLabelValues(agent, outcome).Inc()
}

func (m *Handoff) ObserveActivation(checks int, active bool) {
	m.ActivationChecks.Observe(float64(checks))
	if !active {
		m.ActivationTimeouts.Inc()
	}
}

func (m *Handoff) IncTransferResult(status string) { m.TransferResults.WithLabelValues(status).Inc() }
