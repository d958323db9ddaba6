package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Ingestion
	MessagesReceived prometheus.Counter
	MessagesDropped  *prometheus.CounterVec // reason=decode|queue_timeout|closed
	MessagesLost     prometheus.Counter
	RowsInserted     prometheus.Counter
	BatchesFlushed   prometheus.Counter
	FlushFailures    prometheus.Counter
	QueueDepthGauge  prometheus.Gauge

	// Fleet
	FleetJoins        *prometheus.CounterVec // result=ok|error
	FleetParts        *prometheus.CounterVec
	JoinedChannels    prometheus.Gauge
	SessionsConnected prometheus.Gauge
	ReconcileSkipped  prometheus.Counter

	// Discovery
	DiscoveryPages    prometheus.Counter
	DiscoveryErrors   prometheus.Counter
	DiscoveryChannels prometheus.Gauge

	// Histograms (seconds)
	FlushDuration     prometheus.Observer
	ReconcileDuration prometheus.Observer
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{Name: "chatfleet_messages_received_total", Help: "Chat messages decoded and queued for storage"})
		MessagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatfleet_messages_dropped_total", Help: "Chat messages dropped before reaching the writer"}, []string{"reason"})
		MessagesLost = promauto.NewCounter(prometheus.CounterOpts{Name: "chatfleet_messages_lost_total", Help: "Messages discarded together with a failed batch"})
		RowsInserted = promauto.NewCounter(prometheus.CounterOpts{Name: "chatfleet_rows_inserted_total", Help: "Rows inserted by the batched writer (duplicates excluded)"})
		BatchesFlushed = promauto.NewCounter(prometheus.CounterOpts{Name: "chatfleet_batches_flushed_total", Help: "Batches committed to storage"})
		FlushFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "chatfleet_batch_flush_failures_total", Help: "Batches that failed to commit"})
		QueueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "chatfleet_queue_depth", Help: "Messages waiting in the ingestion queue"})

		FleetJoins = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatfleet_fleet_joins_total", Help: "JOIN commands issued by reconciliation"}, []string{"result"})
		FleetParts = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatfleet_fleet_parts_total", Help: "PART commands issued by reconciliation"}, []string{"result"})
		JoinedChannels = promauto.NewGauge(prometheus.GaugeOpts{Name: "chatfleet_joined_channels", Help: "Channels joined across the fleet after the last reconciliation"})
		SessionsConnected = promauto.NewGauge(prometheus.GaugeOpts{Name: "chatfleet_sessions_connected", Help: "Chat sessions with a live connection"})
		ReconcileSkipped = promauto.NewCounter(prometheus.CounterOpts{Name: "chatfleet_reconcile_skipped_total", Help: "Reconciliation passes skipped because a session was not ready"})

		DiscoveryPages = promauto.NewCounter(prometheus.CounterOpts{Name: "chatfleet_discovery_pages_total", Help: "Helix stream pages fetched"})
		DiscoveryErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "chatfleet_discovery_errors_total", Help: "Helix requests that ended pagination early"})
		DiscoveryChannels = promauto.NewGauge(prometheus.GaugeOpts{Name: "chatfleet_discovery_channels", Help: "Channels returned by the last discovery call"})

		FlushDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "chatfleet_flush_duration_seconds", Help: "Batch insert duration seconds", Buckets: prometheus.DefBuckets})
		ReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "chatfleet_reconcile_duration_seconds", Help: "Reconciliation pass duration seconds", Buckets: prometheus.ExponentialBuckets(0.1, 2, 10)})
	})
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// CountDropped increments the dropped counter for reason.
func CountDropped(reason string) {
	if MessagesDropped != nil {
		MessagesDropped.WithLabelValues(reason).Inc()
	}
}

// CountReceived records one message handed to the ingestion queue.
func CountReceived() {
	if MessagesReceived != nil {
		MessagesReceived.Inc()
	}
}

// CountJoin records the outcome of a reconciliation JOIN.
func CountJoin(err error) {
	if FleetJoins != nil {
		FleetJoins.WithLabelValues(resultLabel(err)).Inc()
	}
}

// CountPart records the outcome of a reconciliation PART.
func CountPart(err error) {
	if FleetParts != nil {
		FleetParts.WithLabelValues(resultLabel(err)).Inc()
	}
}

// RecordFlush records a batch outcome: rows inserted on success, lost messages on failure.
func RecordFlush(size int, inserted int64, err error) {
	if BatchesFlushed == nil {
		return
	}
	if err != nil {
		FlushFailures.Inc()
		MessagesLost.Add(float64(size))
		return
	}
	BatchesFlushed.Inc()
	RowsInserted.Add(float64(inserted))
}

// CountReconcileSkipped records a pass skipped because a session's membership was unknown.
func CountReconcileSkipped() {
	if ReconcileSkipped != nil {
		ReconcileSkipped.Inc()
	}
}

// CountDiscoveryPage records one Helix streams page fetched.
func CountDiscoveryPage() {
	if DiscoveryPages != nil {
		DiscoveryPages.Inc()
	}
}

// RecordDiscovery records the size of a discovery result and whether it was truncated by an error.
func RecordDiscovery(returned int, err error) {
	if DiscoveryChannels == nil {
		return
	}
	DiscoveryChannels.Set(float64(returned))
	if err != nil {
		DiscoveryErrors.Inc()
	}
}

// SetQueueDepth records the current ingestion queue length.
func SetQueueDepth(n int) {
	if QueueDepthGauge != nil {
		QueueDepthGauge.Set(float64(n))
	}
}

// SetJoinedChannels records the fleet-wide membership size.
func SetJoinedChannels(n int) {
	if JoinedChannels != nil {
		JoinedChannels.Set(float64(n))
	}
}

// SessionConnected adjusts the connected-sessions gauge by +1 or -1.
func SessionConnected(up bool) {
	if SessionsConnected == nil {
		return
	}
	if up {
		SessionsConnected.Inc()
	} else {
		SessionsConnected.Dec()
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
