package metrics

import "github.com/prometheus/client_golang/prometheus"

// Keys for spoilers metrics.
const (
	Fail = "fail"
	Ok   = "ok"

	// Outcomes of a flush tick.
	Committed = "committed"
	Empty     = "empty"
	Failed    = "failed"
)

// Collectors of resource writes, reads and flushes.
var (
	BufferDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "spoilers_buffer_depth",
		Help: "Number of records buffered and not yet loaded into the durable store, by resource.",
	}, []string{"resource"})
	CreateTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spoilers_create_total",
		Help: "Cumulative number of resource creates, by resource and status.",
	}, []string{"resource", "status"})
	ListTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spoilers_list_total",
		Help: "Cumulative number of resource lists, by resource and status (ok, partial, fail).",
	}, []string{"resource", "status"})
	FlushTicksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spoilers_flush_ticks_total",
		Help: "Cumulative number of flush ticks, by resource and outcome.",
	}, []string{"resource", "outcome"})
	FlushRowsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spoilers_flush_rows_total",
		Help: "Cumulative number of rows loaded into the durable store, by resource.",
	}, []string{"resource"})
	FlushSkippedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spoilers_flush_skipped_entries_total",
		Help: "Cumulative number of buffered entries discarded because they could not be decoded, by resource.",
	}, []string{"resource"})
	FlushDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "spoilers_flush_duration_seconds",
		Help:    "Duration of flush ticks which loaded rows, by resource.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
	}, []string{"resource"})
	FlushConsecutiveFailures = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "spoilers_flush_consecutive_failures",
		Help: "Number of consecutive failed flush ticks, by resource.",
	}, []string{"resource"})
	StagedBytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spoilers_staged_bytes_total",
		Help: "Cumulative number of compressed bytes of staged objects, by resource.",
	}, []string{"resource"})
)

// SpoilersCollectors returns the collectors of resource writes, reads and flushes.
func SpoilersCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		BufferDepth,
		CreateTotal,
		ListTotal,
		FlushTicksTotal,
		FlushRowsTotal,
		FlushSkippedTotal,
		FlushDurationSeconds,
		FlushConsecutiveFailures,
		StagedBytesTotal,
	}
}
