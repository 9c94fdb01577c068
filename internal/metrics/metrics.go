// Package metrics exposes Prometheus instruments for the harvester.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "captchaharvester"

// Frame directions
const (
	Inbound  = "in"
	Outbound = "out"
)

var (
	registerOnce sync.Once

	sessionsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "created_total",
			Help:      "Sessions admitted to the registry.",
		},
	)
	sessionsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "rejected_total",
			Help:      "Captcha requests rejected before a session was created.",
		},
		[]string{"reason"},
	)
	outcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "outcomes_total",
			Help:      "Terminal outcomes delivered to requesters.",
		},
		[]string{"result", "reason"},
	)
	suppressed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "suppressed_completions_total",
			Help:      "Completion signals that arrived after the session already completed.",
		},
	)
	sessionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "duration_seconds",
			Help:      "Time from admission to outcome.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"result"},
	)
	frames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "frames_total",
			Help:      "Frames exchanged with requesters.",
		},
		[]string{"direction", "type"},
	)
	droppedFrames = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "dropped_frames_total",
			Help:      "Outbound frames dropped because the connection was gone or its buffer was full.",
		},
	)
	connections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "connections",
			Help:      "Open requester connections.",
		},
	)

	active = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Sessions waiting for an outcome.",
		},
		func() float64 {
			activeMu.Lock()
			defer activeMu.Unlock()
			if activeSource == nil {
				return 0
			}
			return float64(activeSource())
		},
	)
	mailbox = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "presenter",
			Name:      "mailbox_pending",
			Help:      "Surface signals queued for the presenter loop.",
		},
		func() float64 {
			activeMu.Lock()
			defer activeMu.Unlock()
			if mailboxSource == nil {
				return 0
			}
			return float64(mailboxSource())
		},
	)
)

var (
	activeMu      sync.Mutex
	activeSource  func() int
	mailboxSource func() int
)

// RegisterMetrics registers all instruments with the default registry. It is safe to call repeatedly.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			sessionsCreated, sessionsRejected, outcomes, suppressed, sessionDuration,
			frames, droppedFrames, connections, active, mailbox,
		)
	})
}

// Handler serves the default registry
func Handler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}

// TrackActiveSessions makes the active gauge report fn()
func TrackActiveSessions(fn func() int) {
	RegisterMetrics()
	activeMu.Lock()
	activeSource = fn
	activeMu.Unlock()
}

// TrackMailbox makes the mailbox gauge report fn()
func TrackMailbox(fn func() int) {
	RegisterMetrics()
	activeMu.Lock()
	mailboxSource = fn
	activeMu.Unlock()
}

func RecordSessionCreated() {
	RegisterMetrics()
	sessionsCreated.Inc()
}

func RecordRejected(reason string) {
	RegisterMetrics()
	sessionsRejected.WithLabelValues(reason).Inc()
}

// RecordOutcome counts an outcome. reason is empty for solved sessions.
func RecordOutcome(solved bool, reason string, seconds float64) {
	RegisterMetrics()
	result := "failed"
	if solved {
		result = "solved"
	}
	outcomes.WithLabelValues(result, reason).Inc()
	sessionDuration.WithLabelValues(result).Observe(seconds)
}

func RecordSuppressed() {
	RegisterMetrics()
	suppressed.Inc()
}

func RecordFrame(direction, frameType string) {
	RegisterMetrics()
	frames.WithLabelValues(direction, frameType).Inc()
}

func RecordDroppedFrame() {
	RegisterMetrics()
	droppedFrames.Inc()
}

func ConnectionOpened() {
	RegisterMetrics()
	connections.Inc()
}

func ConnectionClosed() {
	RegisterMetrics()
	connections.Dec()
}
