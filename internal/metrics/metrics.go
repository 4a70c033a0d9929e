// Registers the bookflow Prometheus collectors:
//
//	#bookflow_deltas_applied_total
//	#bookflow_deltas_duplicate_total
//	#bookflow_deltas_malformed_total
//	#bookflow_sequence_gaps_total
//	#bookflow_resyncs_total
//	#bookflow_snapshots_requested_total
//	#bookflow_snapshot_fetch_errors_total
//	#bookflow_quotes_published_total
//	#bookflow_quotes_dropped_total
//	#bookflow_book_lifecycle
//	#bookflow_binance_used_weight
//	#go_* and process_* system metrics
//
// The registry is served by the API server on /metrics.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "bookflow"

var instrumentLabels = []string{"exchange", "symbol"}

var (
	once     sync.Once
	registry = prometheus.NewRegistry()

	deltasApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deltas_applied_total",
		Help:      "Deltas applied to a book",
	}, instrumentLabels)
	deltasDuplicate = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deltas_duplicate_total",
		Help:      "Already applied deltas ignored while valid",
	}, instrumentLabels)
	deltasMalformed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deltas_malformed_total",
		Help:      "Deltas rejected before touching any state",
	}, []string{"exchange"})
	sequenceGaps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sequence_gaps_total",
		Help:      "Sequence gaps detected",
	}, instrumentLabels)
	resyncs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "resyncs_total",
		Help:      "Successful transitions into the valid state",
	}, instrumentLabels)
	snapshotsRequested = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "snapshots_requested_total",
		Help:      "Snapshot requests issued by the engine",
	}, instrumentLabels)
	snapshotErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "snapshot_fetch_errors_total",
		Help:      "Failed snapshot fetch attempts",
	}, instrumentLabels)
	quotesPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "quotes_published_total",
		Help:      "Quotes handed to a sink",
	}, []string{"sink"})
	quotesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "quotes_dropped_total",
		Help:      "Quotes dropped because a sink queue was full",
	}, []string{"sink"})
	lifecycle = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "book_lifecycle",
		Help:      "Current lifecycle state (0 unsynced, 1 syncing, 2 valid, 3 invalid)",
	}, instrumentLabels)
	usedWeight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "binance_used_weight",
		Help:      "Binance request weight used in the current minute",
	}, []string{"ip"})
)

// Init registers all collectors once.
func Init() {
	once.Do(func() {
		registry.MustRegister(
			deltasApplied, deltasDuplicate, deltasMalformed, sequenceGaps, resyncs,
			snapshotsRequested, snapshotErrors, quotesPublished, quotesDropped,
			lifecycle, usedWeight,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
}

// Handler exposes the registry in the Prometheus text format.
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func IncDeltaApplied(exchange, symbol string) { deltasApplied.WithLabelValues(exchange, symbol).Inc() }

// DeltasApplied reads the applied counter of one instrument.
func DeltasApplied(exchange, symbol string) float64 {
	var m dto.Metric
	if err := deltasApplied.WithLabelValues(exchange, symbol).Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func IncDeltaDuplicate(exchange, symbol string) {
	deltasDuplicate.WithLabelValues(exchange, symbol).Inc()
}

func IncDeltaMalformed(exchange string) { deltasMalformed.WithLabelValues(exchange).Inc() }

func IncGap(exchange, symbol string) { sequenceGaps.WithLabelValues(exchange, symbol).Inc() }

func IncResync(exchange, symbol string) { resyncs.WithLabelValues(exchange, symbol).Inc() }

func IncSnapshotRequested(exchange, symbol string) {
	snapshotsRequested.WithLabelValues(exchange, symbol).Inc()
}

func IncSnapshotError(exchange, symbol string) {
	snapshotErrors.WithLabelValues(exchange, symbol).Inc()
}

func IncQuotePublished(sink string) { quotesPublished.WithLabelValues(sink).Inc() }

func IncQuoteDropped(sink string) { quotesDropped.WithLabelValues(sink).Inc() }

// SetLifecycle records the numeric lifecycle state of an instrument.
func SetLifecycle(exchange, symbol string, state int) {
	lifecycle.WithLabelValues(exchange, symbol).Set(float64(state))
}

// SetUsedWeight records the Binance used weight reported for a source IP.
func SetUsedWeight(ip string, weight int64) {
	usedWeight.WithLabelValues(ip).Set(float64(weight))
}
