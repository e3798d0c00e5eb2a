package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "browser_router"

var (
	sessionRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_requests_total",
			Help:      "Count of session requests by region and result kind.",
		},
		[]string{"region", "result"},
	)
	containers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "containers",
			Help:      "Live containers per region.",
		},
		[]string{"region"},
	)
	regionCapacity = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "capacity",
			Help:      "Sum of the last reported free session slots per region.",
		},
		[]string{"region"},
	)
	channelReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_reconnects_total",
			Help:      "Count of capacity channel reconnections by region.",
		},
		[]string{"region"},
	)
	containerInit = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "container_init_seconds",
			Help:      "Time from launch to first capacity report.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"region", "result"},
	)
)

var registerMetrics sync.Once

// Register all metrics.
func Register(reg prometheus.Registerer) {
	registerMetrics.Do(func() {
		reg.MustRegister(sessionRequests)
		reg.MustRegister(containers)
		reg.MustRegister(regionCapacity)
		reg.MustRegister(channelReconnects)
		reg.MustRegister(containerInit)
	})
}

// RecordSessionRequest counts one request outcome, "ok" or an error kind.
func RecordSessionRequest(region, result string) {
	sessionRequests.WithLabelValues(region, result).Inc()
}

func SetContainers(region string, n int) {
	containers.WithLabelValues(region).Set(float64(n))
}

func SetCapacity(region string, n int) {
	regionCapacity.WithLabelValues(region).Set(float64(n))
}

func RecordReconnect(region string) {
	channelReconnects.WithLabelValues(region).Inc()
}

func RecordContainerInit(region, result string, d time.Duration) {
	containerInit.WithLabelValues(region, result).Observe(d.Seconds())
}
