package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Response outcomes recorded by the dispatcher.
const (
	ResponseAccepted  = "accepted"
	ResponseMalformed = "malformed"
	ResponseOrphan    = "orphan"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "measctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "measctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	schedulerTicks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "measctl",
			Subsystem: "trigger",
			Name:      "ticks_total",
			Help:      "Scheduler passes over registered triggers.",
		},
	)
	tickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "measctl",
			Subsystem: "trigger",
			Name:      "tick_duration_seconds",
			Help:      "Duration of one scheduler pass.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	activeTriggers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "measctl",
			Subsystem: "trigger",
			Name:      "active",
			Help:      "Registered trigger instances.",
		},
	)
	requestsWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "measctl",
			Subsystem: "trigger",
			Name:      "requests_written_total",
			Help:      "Measurement request frames handed to agent connections.",
		},
		[]string{"success"},
	)
	responses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "measctl",
			Subsystem: "trigger",
			Name:      "responses_total",
			Help:      "Inbound measurement reports by outcome.",
		},
		[]string{"outcome"},
	)
	terminations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "measctl",
			Subsystem: "trigger",
			Name:      "terminations_total",
			Help:      "Trigger instances that self-terminated, by reason.",
		},
		[]string{"reason"},
	)
	connectedAgents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "measctl",
			Subsystem: "agent",
			Name:      "connected",
			Help:      "Base-station agents bound to a connection.",
		},
	)
	agentFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "measctl",
			Subsystem: "agent",
			Name:      "frames_total",
			Help:      "Frames read from agents by action and handling result.",
		},
		[]string{"action", "handled"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			schedulerTicks,
			tickDuration,
			activeTriggers,
			requestsWritten,
			responses,
			terminations,
			connectedAgents,
			agentFrames,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordTick(active int, duration time.Duration) {
	RegisterMetrics()
	schedulerTicks.Inc()
	tickDuration.Observe(duration.Seconds())
	activeTriggers.Set(float64(active))
}

func SetActiveTriggers(n int) {
	RegisterMetrics()
	activeTriggers.Set(float64(n))
}

func RecordRequestWritten(success bool) {
	RegisterMetrics()
	requestsWritten.WithLabelValues(strconv.FormatBool(success)).Inc()
}

func RecordResponse(outcome string) {
	RegisterMetrics()
	responses.WithLabelValues(outcome).Inc()
}

func RecordTermination(reason string) {
	RegisterMetrics()
	terminations.WithLabelValues(reason).Inc()
}

func SetConnectedAgents(n int) {
	RegisterMetrics()
	connectedAgents.Set(float64(n))
}

func RecordAgentFrame(action uint8, handled bool) {
	RegisterMetrics()
	agentFrames.WithLabelValues(strconv.Itoa(int(action)), strconv.FormatBool(handled)).Inc()
}
