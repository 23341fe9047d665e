package sacn

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// listenerMetrics is the prometheus.Collector exposed by Listener.Collector().
// It is never registered against the global registry by this package; the
// embedding application decides whether and where to register it, the way
// runZeroInc-sockstats/pkg/exporter hands back a bare Collector.
type listenerMetrics struct {
	sourcesByState  *prometheus.GaugeVec
	mergesTotal     prometheus.Counter
	mergeDuration   prometheus.Histogram
	packetsDropped  *prometheus.CounterVec
}

func newListenerMetrics(universe uint16) *listenerMetrics {
	constLabels := prometheus.Labels{"universe": formatUniverse(universe)}
	return &listenerMetrics{
		sourcesByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "sacn_listener_sources",
			Help:        "Number of observed sources, by lifecycle state.",
			ConstLabels: constLabels,
		}, []string{"state"}),
		mergesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "sacn_listener_merges_total",
			Help:        "Number of completed per-universe merges.",
			ConstLabels: constLabels,
		}),
		mergeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "sacn_listener_merge_duration_seconds",
			Help:        "Wall-clock duration of a single merge pass.",
			ConstLabels: constLabels,
			Buckets:     prometheus.ExponentialBuckets(1e-6, 4, 8),
		}),
		packetsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "sacn_listener_packets_dropped_total",
			Help:        "Datagrams dropped at parse/validate time, by reason.",
			ConstLabels: constLabels,
		}, []string{"reason"}),
	}
}

func (m *listenerMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.sourcesByState.Describe(ch)
	ch <- m.mergesTotal.Desc()
	ch <- m.mergeDuration.Desc()
	m.packetsDropped.Describe(ch)
}

func (m *listenerMetrics) Collect(ch chan<- prometheus.Metric) {
	m.sourcesByState.Collect(ch)
	ch <- m.mergesTotal
	ch <- m.mergeDuration
	m.packetsDropped.Collect(ch)
}

func (m *listenerMetrics) dropped(kind ErrorKind) {
	m.packetsDropped.WithLabelValues(string(kind)).Inc()
}

// schedulerMetrics is the prometheus.Collector exposed by Scheduler.Collector().
type schedulerMetrics struct {
	tickDuration    prometheus.Histogram
	universesActive prometheus.Gauge
	sendErrors      prometheus.Counter
}

func newSchedulerMetrics() *schedulerMetrics {
	return &schedulerMetrics{
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sacn_scheduler_tick_duration_seconds",
			Help:    "Wall-clock duration of a single 10ms scheduler tick.",
			Buckets: prometheus.ExponentialBuckets(1e-6, 4, 10),
		}),
		universesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sacn_scheduler_universes_active",
			Help: "Number of sending universes currently allocated.",
		}),
		sendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sacn_scheduler_send_errors_total",
			Help: "Transmit errors observed during a tick (universe is not retired).",
		}),
	}
}

func (m *schedulerMetrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.tickDuration.Desc()
	ch <- m.universesActive.Desc()
	ch <- m.sendErrors.Desc()
}

func (m *schedulerMetrics) Collect(ch chan<- prometheus.Metric) {
	ch <- m.tickDuration
	ch <- m.universesActive
	ch <- m.sendErrors
}

func formatUniverse(universe uint16) string {
	return strconv.Itoa(int(universe))
}
