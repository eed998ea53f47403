package obs

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mdstream"

// Metrics collects lightweight counters and latency stats and mirrors them into Prometheus.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	updatesReceived uint64
	updatesBatched  uint64
	updatesSent     uint64
	batchesSent     uint64
	queueOverflows  uint64
	sendErrors      uint64
	malformedLevels uint64
	liqEvents       uint64
	liqDuplicates   uint64
	liqMalformed    uint64
	bytesOut        uint64

	flushLatency     LatencyStats
	aggregateLatency LatencyStats
	serializeLatency LatencyStats
	drainLatency     LatencyStats

	prom promCollectors
}

type promCollectors struct {
	updates         *prometheus.CounterVec
	overflows       prometheus.Counter
	sendErrors      prometheus.Counter
	malformedLevels prometheus.Counter
	batchSize       prometheus.Histogram
	flushLatency    prometheus.Histogram
	aggregate       prometheus.Histogram
	serializeBytes  *prometheus.CounterVec
	serializeRatio  *prometheus.GaugeVec
	liqEvents       *prometheus.CounterVec
	liqDuplicates   *prometheus.CounterVec
	activeSymbols   prometheus.Gauge
	symbolErrored   *prometheus.GaugeVec
	connections     prometheus.Gauge
}

// LatencyStats aggregates duration samples in nanoseconds.
type LatencyStats struct {
	count uint64
	sum   uint64
	min   uint64
	max   uint64
}

// LatencySnapshot is a point-in-time view of latency stats.
type LatencySnapshot struct {
	Count uint64
	Min   time.Duration
	Max   time.Duration
	Avg   time.Duration
}

// Snapshot captures the current metrics values.
type Snapshot struct {
	UpdatesReceived       uint64
	UpdatesBatched        uint64
	UpdatesSent           uint64
	BatchesSent           uint64
	QueueOverflows        uint64
	SendErrors            uint64
	MalformedLevels       uint64
	LiquidationEvents     uint64
	LiquidationDuplicates uint64
	LiquidationMalformed  uint64
	BytesOut              uint64
	FlushLatency          LatencySnapshot
	AggregateLatency      LatencySnapshot
	SerializeLatency      LatencySnapshot
	DrainLatency          LatencySnapshot
}

// NewMetrics allocates a metrics container. Collectors are registered on reg when it is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		prom: promCollectors{
			updates: f.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "orderbook_updates_total",
				Help:      "Order book updates by pipeline stage.",
			}, []string{"stage"}),
			overflows: f.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batch_queue_overflows_total",
				Help:      "Updates dropped because a connection queue was full.",
			}),
			sendErrors: f.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "send_errors_total",
				Help:      "Failed sends to subscriber connections.",
			}),
			malformedLevels: f.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "orderbook_malformed_levels_total",
				Help:      "Raw order book levels filtered out as malformed.",
			}),
			batchSize: f.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_size",
				Help:      "Number of updates per flushed batch.",
				Buckets:   []float64{1, 2, 5, 10, 20, 50, 100},
			}),
			flushLatency: f.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_flush_latency_seconds",
				Help:      "Time from oldest enqueue to flush.",
				Buckets:   prometheus.DefBuckets,
			}),
			aggregate: f.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "orderbook_aggregate_seconds",
				Help:      "Order book aggregation latency.",
				Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01},
			}),
			serializeBytes: f.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "serialized_bytes_total",
				Help:      "Bytes produced by the serializer.",
			}, []string{"format", "compression"}),
			serializeRatio: f.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "serialize_compression_ratio",
				Help:      "Last observed encoded/raw size ratio.",
			}, []string{"format", "compression"}),
			liqEvents: f.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "liquidation_events_total",
				Help:      "Liquidation events accepted.",
			}, []string{"symbol"}),
			liqDuplicates: f.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "liquidation_duplicates_total",
				Help:      "Liquidation events dropped as duplicates.",
			}, []string{"symbol"}),
			activeSymbols: f.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "liquidation_active_symbols",
				Help:      "Symbols with at least one liquidation subscriber.",
			}),
			symbolErrored: f.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "upstream_errored",
				Help:      "1 when the upstream stream for a symbol exhausted its retries.",
			}, []string{"symbol"}),
			connections: f.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ws_connections",
				Help:      "Open subscriber connections.",
			}),
		},
	}
}

// AddUpdatesReceived records updates offered to the batch scheduler.
func (m *Metrics) AddUpdatesReceived(n int) {
	if m == nil || n <= 0 {
		return
	}
	atomic.AddUint64(&m.updatesReceived, uint64(n))
	m.prom.updates.WithLabelValues("received").Add(float64(n))
}

// AddUpdatesBatched records updates accepted into a queue.
func (m *Metrics) AddUpdatesBatched(n int) {
	if m == nil || n <= 0 {
		return
	}
	atomic.AddUint64(&m.updatesBatched, uint64(n))
	m.prom.updates.WithLabelValues("batched").Add(float64(n))
}

// ObserveBatchSent records a flushed batch of n updates whose oldest item waited for wait.
func (m *Metrics) ObserveBatchSent(n int, wait time.Duration) {
	if m == nil || n <= 0 {
		return
	}
	atomic.AddUint64(&m.updatesSent, uint64(n))
	atomic.AddUint64(&m.batchesSent, 1)
	m.flushLatency.Observe(wait)
	m.prom.updates.WithLabelValues("sent").Add(float64(n))
	m.prom.batchSize.Observe(float64(n))
	m.prom.flushLatency.Observe(wait.Seconds())
}

// IncQueueOverflow records a queue drop.
func (m *Metrics) IncQueueOverflow() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.queueOverflows, 1)
	m.prom.overflows.Inc()
}

// IncSendError records a failed send or callback.
func (m *Metrics) IncSendError() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.sendErrors, 1)
	m.prom.sendErrors.Inc()
}

// ObserveAggregate records one aggregation and the number of malformed levels it filtered.
func (m *Metrics) ObserveAggregate(d time.Duration, malformed int) {
	if m == nil {
		return
	}
	m.aggregateLatency.Observe(d)
	m.prom.aggregate.Observe(d.Seconds())
	if malformed > 0 {
		atomic.AddUint64(&m.malformedLevels, uint64(malformed))
		m.prom.malformedLevels.Add(float64(malformed))
	}
}

// ObserveSerialize records one serializer call.
func (m *Metrics) ObserveSerialize(format, compression string, rawSize, encodedSize int, d time.Duration) {
	if m == nil {
		return
	}
	m.serializeLatency.Observe(d)
	atomic.AddUint64(&m.bytesOut, uint64(encodedSize))
	m.prom.serializeBytes.WithLabelValues(format, compression).Add(float64(encodedSize))
	if rawSize > 0 {
		m.prom.serializeRatio.WithLabelValues(format, compression).Set(float64(encodedSize) / float64(rawSize))
	}
}

// IncLiquidationEvent records an accepted liquidation event.
func (m *Metrics) IncLiquidationEvent(symbol string) {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.liqEvents, 1)
	m.prom.liqEvents.WithLabelValues(symbol).Inc()
}

// IncLiquidationDuplicate records a liquidation event dropped by dedup.
func (m *Metrics) IncLiquidationDuplicate(symbol string) {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.liqDuplicates, 1)
	m.prom.liqDuplicates.WithLabelValues(symbol).Inc()
}

// IncLiquidationMalformed records a liquidation event rejected as malformed.
func (m *Metrics) IncLiquidationMalformed() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.liqMalformed, 1)
}

// ObserveDrain measures one bucket drain.
func (m *Metrics) ObserveDrain(d time.Duration) {
	if m == nil {
		return
	}
	m.drainLatency.Observe(d)
}

// SetActiveSymbols sets the number of symbols with live upstream streams.
func (m *Metrics) SetActiveSymbols(n int) {
	if m == nil {
		return
	}
	m.prom.activeSymbols.Set(float64(n))
}

// SetSymbolErrored flags or clears a symbol's errored state.
func (m *Metrics) SetSymbolErrored(symbol string, errored bool) {
	if m == nil {
		return
	}
	if errored {
		m.prom.symbolErrored.WithLabelValues(symbol).Set(1)
		return
	}
	m.prom.symbolErrored.DeleteLabelValues(symbol)
}

// SetConnections sets the number of open subscriber connections.
func (m *Metrics) SetConnections(n int) {
	if m == nil {
		return
	}
	m.prom.connections.Set(float64(n))
}

// Snapshot returns a copy of the current metrics values.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	return Snapshot{
		UpdatesReceived:       atomic.LoadUint64(&m.updatesReceived),
		UpdatesBatched:        atomic.LoadUint64(&m.updatesBatched),
		UpdatesSent:           atomic.LoadUint64(&m.updatesSent),
		BatchesSent:           atomic.LoadUint64(&m.batchesSent),
		QueueOverflows:        atomic.LoadUint64(&m.queueOverflows),
		SendErrors:            atomic.LoadUint64(&m.sendErrors),
		MalformedLevels:       atomic.LoadUint64(&m.malformedLevels),
		LiquidationEvents:     atomic.LoadUint64(&m.liqEvents),
		LiquidationDuplicates: atomic.LoadUint64(&m.liqDuplicates),
		LiquidationMalformed:  atomic.LoadUint64(&m.liqMalformed),
		BytesOut:              atomic.LoadUint64(&m.bytesOut),
		FlushLatency:          m.flushLatency.Snapshot(),
		AggregateLatency:      m.aggregateLatency.Snapshot(),
		SerializeLatency:      m.serializeLatency.Snapshot(),
		DrainLatency:          m.drainLatency.Snapshot(),
	}
}

// Observe records a duration sample.
func (l *LatencyStats) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	nanos := uint64(d)
	atomic.AddUint64(&l.count, 1)
	atomic.AddUint64(&l.sum, nanos)

	for {
		min := atomic.LoadUint64(&l.min)
		if min != 0 && nanos >= min {
			break
		}
		if atomic.CompareAndSwapUint64(&l.min, min, nanos) {
			break
		}
	}

	for {
		max := atomic.LoadUint64(&l.max)
		if nanos <= max {
			break
		}
		if atomic.CompareAndSwapUint64(&l.max, max, nanos) {
			break
		}
	}
}

// Snapshot returns the aggregated latency stats.
func (l *LatencyStats) Snapshot() LatencySnapshot {
	count := atomic.LoadUint64(&l.count)
	if count == 0 {
		return LatencySnapshot{}
	}
	sum := atomic.LoadUint64(&l.sum)
	min := atomic.LoadUint64(&l.min)
	max := atomic.LoadUint64(&l.max)
	return LatencySnapshot{
		Count: count,
		Min:   time.Duration(min),
		Max:   time.Duration(max),
		Avg:   time.Duration(sum / count),
	}
}
