package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the ledger service.
type Metrics struct {
	// --- Chain mutation ---
	AppendsTotal   prometheus.Counter
	AppendErrors   *prometheus.CounterVec
	AppendDuration prometheus.Histogram
	HashDuration   prometheus.Histogram
	ChainLength    prometheus.Gauge
	ChainSequence  prometheus.Gauge

	// --- Checkpoint ---
	CheckpointsTaken prometheus.Counter
	CheckpointErrors prometheus.Counter
	CheckpointSeq    prometheus.Gauge
	PrunedSnapshots  prometheus.Counter

	// --- Verification & restore ---
	VerifyRuns     *prometheus.CounterVec
	VerifyDuration prometheus.Histogram
	RestoresTotal  *prometheus.CounterVec

	// --- Outbound stream ---
	NoticesPublished prometheus.Counter
	NoticeDrops      prometheus.Counter
	PublishErrors    prometheus.Counter

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000005, 0.00001, 0.000025, 0.00005, 0.0001,
		0.00025, 0.0005, 0.001, 0.005, 0.01, 0.05,
	}

	return &Metrics{
		AppendsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ledger_appends_total",
			Help: "Snapshots appended to the chain",
		}),

		AppendErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_append_errors_total",
			Help: "Failed append attempts (serialization, chain_link, store)",
		}, []string{"reason"}),

		AppendDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "ledger_append_duration_seconds",
			Help:    "Full apply-mutation critical section duration",
			Buckets: latencyBuckets,
		}),

		HashDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "ledger_hash_duration_seconds",
			Help:    "Canonical serialization plus digest time",
			Buckets: latencyBuckets,
		}),

		ChainLength: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_chain_length",
			Help: "Snapshots currently retained",
		}),

		ChainSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_chain_sequence",
			Help: "Sequence number of the chain tail",
		}),

		CheckpointsTaken: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ledger_checkpoints_taken_total",
			Help: "Checkpoint artifacts written",
		}),

		CheckpointErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ledger_checkpoint_errors_total",
			Help: "Checkpoint sink failures (non-fatal to the append)",
		}),

		CheckpointSeq: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_checkpoint_sequence",
			Help: "Sequence of the newest acknowledged checkpoint",
		}),

		PrunedSnapshots: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ledger_pruned_snapshots_total",
			Help: "Snapshots removed by retention pruning",
		}),

		VerifyRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_verify_runs_total",
			Help: "Integrity scans by outcome",
		}, []string{"result"}),

		VerifyDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "ledger_verify_duration_seconds",
			Help:    "Integrity scan duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		}),

		RestoresTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_restores_total",
			Help: "Restore attempts by outcome",
		}, []string{"outcome"}),

		NoticesPublished: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ledger_notices_published_total",
			Help: "Append notices published to the stream",
		}),

		NoticeDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ledger_notice_drops_total",
			Help: "Append notices dropped due to a full channel",
		}),

		PublishErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ledger_publish_errors_total",
			Help: "Failed stream publishes",
		}),

		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_query_requests_total",
			Help: "HTTP query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledger_query_duration_seconds",
			Help:    "HTTP query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
	}
}
