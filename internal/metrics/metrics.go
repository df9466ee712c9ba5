package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "duet"

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint.",
		},
		[]string{"endpoint"},
	)

	queueOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "operations_total",
			Help:      "Pending operations by outcome (enqueued, completed, retried, discarded).",
		},
		[]string{"outcome", "type"},
	)

	queuePending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "pending",
			Help:      "Operations currently waiting in the queue.",
		},
	)

	syncPasses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "calendar",
			Name:      "sync_passes_total",
			Help:      "Calendar sync passes by trigger and result.",
		},
		[]string{"trigger", "result"},
	)

	syncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "calendar",
			Name:      "sync_duration_seconds",
			Help:      "Duration of calendar sync passes.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		},
	)

	networkOnline = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "network",
			Name:      "online",
			Help:      "1 when the network monitor reports connectivity.",
		},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(httpRequests, queueOperations, queuePending, syncPasses, syncDuration, networkOnline)
	})
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}

// IncQueue counts one queue outcome for an operation type.
func IncQueue(outcome, opType string) {
	queueOperations.WithLabelValues(outcome, opType).Inc()
}

// SetPending records the queue length.
func SetPending(n int) {
	queuePending.Set(float64(n))
}

// ObserveSync records one finished sync pass.
func ObserveSync(trigger, result string, took time.Duration) {
	syncPasses.WithLabelValues(trigger, result).Inc()
	syncDuration.Observe(took.Seconds())
}

// SetOnline records the network state.
func SetOnline(online bool) {
	if online {
		networkOnline.Set(1)
		return
	}
	networkOnline.Set(0)
}
