package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "excport",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "excport",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	listens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "excport",
			Subsystem: "listener",
			Name:      "listens_total",
			Help:      "Completed listens by outcome.",
		},
		[]string{"node", "outcome"},
	)
	listenDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "excport",
			Subsystem: "listener",
			Name:      "listen_duration_seconds",
			Help:      "Time spent blocked in one listen.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "outcome"},
	)
	exceptions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "excport",
			Subsystem: "listener",
			Name:      "exceptions_total",
			Help:      "Delivered exceptions by type.",
		},
		[]string{"node", "type"},
	)
	serverEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "excport",
			Subsystem: "msgserver",
			Name:      "events_total",
			Help:      "Message server events: buffer growth and recovered reply sends.",
		},
		[]string{"node", "event"},
	)
	restoreFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "excport",
			Subsystem: "registrar",
			Name:      "restore_failures_total",
			Help:      "Exception port restores that reported an error.",
		},
		[]string{"node"},
	)
)

const (
	ServerEventGrow    = "grow"
	ServerEventRecover = "recovered_send"
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			listens, listenDuration, exceptions,
			serverEvents, restoreFailures,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordListen(node, outcome string, duration time.Duration) {
	RegisterMetrics()
	listens.WithLabelValues(node, outcome).Inc()
	listenDuration.WithLabelValues(node, outcome).Observe(duration.Seconds())
}

func RecordException(node, excType string) {
	RegisterMetrics()
	exceptions.WithLabelValues(node, excType).Inc()
}

func RecordServerEvent(node, event string) {
	RegisterMetrics()
	serverEvents.WithLabelValues(node, event).Inc()
}

func RecordRestoreFailure(node string) {
	RegisterMetrics()
	restoreFailures.WithLabelValues(node).Inc()
}
