package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for sync activity. The dashboard
// exposes them at /metrics.
type Metrics struct {
	SessionsTotal            *prometheus.CounterVec
	SessionsActive           prometheus.Gauge
	BytesTransferredTotal    *prometheus.CounterVec
	ChunksSentTotal          prometheus.Counter
	ChunksReceivedTotal      prometheus.Counter
	MerkleVerificationsTotal *prometheus.CounterVec
	TransferDuration         prometheus.Histogram
}

var (
	metricsOnce sync.Once
	metrics     *Metrics
)

// GetMetrics returns the process-wide metrics, registering them on first
// use.
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metrics = &Metrics{
			SessionsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "leafsync_sessions_total",
					Help: "Sync sessions by outcome",
				},
				[]string{"outcome"},
			),
			SessionsActive: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "leafsync_sessions_active",
					Help: "Currently active sync sessions",
				},
			),
			BytesTransferredTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "leafsync_bytes_transferred_total",
					Help: "Chunk payload bytes transferred",
				},
				[]string{"direction"},
			),
			ChunksSentTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "leafsync_chunks_sent_total",
					Help: "Chunks served to peers",
				},
			),
			ChunksReceivedTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "leafsync_chunks_received_total",
					Help: "Chunks received from peers",
				},
			),
			MerkleVerificationsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "leafsync_merkle_verifications_total",
					Help: "Post-staging root verifications by result",
				},
				[]string{"result"},
			),
			TransferDuration: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "leafsync_file_transfer_duration_seconds",
					Help:    "Per-file transfer duration",
					Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 1200},
				},
			),
		}
	})
	return metrics
}
