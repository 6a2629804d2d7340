// Package metrics exposes the bot's Prometheus instruments. All methods
// are safe on a nil *Metrics so components can run without a registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "whatsboot"

// Message outcomes.
const (
	OutcomeReplied     = "replied"
	OutcomeMedia       = "media"
	OutcomeFiltered    = "filtered"
	OutcomeDuplicate   = "duplicate"
	OutcomePaused      = "paused"
	OutcomeCommand     = "command"
	OutcomeQuotaDenied = "quota_denied"
	OutcomeAudioFailed = "audio_failed"
	OutcomeSendFailed  = "send_failed"
	OutcomePanic       = "panic"
)

// Metrics holds the bot's instruments.
type Metrics struct {
	messages            *prometheus.CounterVec
	completionDuration  *prometheus.HistogramVec
	transcriptionErrors *prometheus.CounterVec
	sessions            *prometheus.GaugeVec
	reconnects          *prometheus.CounterVec
	broadcastDropped    prometheus.Counter
	persistenceErrors   prometheus.Counter
}

// New registers the instruments on reg. A nil reg uses the default
// registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		// Labels: channel, outcome
		messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "messages_total",
			Help:      "Inbound messages by final outcome",
		}, []string{"channel", "outcome"}),

		// Labels: status (ok, fallback)
		completionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "completion_duration_seconds",
			Help:      "Completion provider latency in seconds",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 15, 30},
		}, []string{"status"}),

		// Labels: kind
		transcriptionErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "media",
			Name:      "transcription_errors_total",
			Help:      "Failed voice note transcriptions by kind",
		}, []string{"kind"}),

		// Labels: state
		sessions: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "channels",
			Help:      "Channels by session lifecycle state",
		}, []string{"state"}),

		// Labels: channel
		reconnects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "reconnects_total",
			Help:      "Recoverable disconnects followed by a restart",
		}, []string{"channel"}),

		broadcastDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "dropped_total",
			Help:      "Status notifications dropped for slow subscribers",
		}),

		persistenceErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "persistence_errors_total",
			Help:      "Audit or usage writes that failed",
		}),
	}
}

// Message counts one inbound message outcome.
func (m *Metrics) Message(channel, outcome string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(channel, outcome).Inc()
}

// Completion observes one completion call.
func (m *Metrics) Completion(d time.Duration, ok bool) {
	if m == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "fallback"
	}
	m.completionDuration.WithLabelValues(status).Observe(d.Seconds())
}

// TranscriptionError counts one failed transcription.
func (m *Metrics) TranscriptionError(kind string) {
	if m == nil {
		return
	}
	m.transcriptionErrors.WithLabelValues(kind).Inc()
}

// SessionTransition moves one channel from one state gauge to another.
// Either state may be empty.
func (m *Metrics) SessionTransition(from, to string) {
	if m == nil {
		return
	}
	if from != "" {
		m.sessions.WithLabelValues(from).Dec()
	}
	if to != "" {
		m.sessions.WithLabelValues(to).Inc()
	}
}

// Reconnect counts one scheduled restart.
func (m *Metrics) Reconnect(channel string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(channel).Inc()
}

// BroadcastDropped counts one dropped notification.
func (m *Metrics) BroadcastDropped() {
	if m == nil {
		return
	}
	m.broadcastDropped.Inc()
}

// PersistenceError counts one failed audit or usage write.
func (m *Metrics) PersistenceError() {
	if m == nil {
		return
	}
	m.persistenceErrors.Inc()
}
