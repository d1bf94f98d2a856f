package monitoring

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// 延迟直方图默认分桶（秒）
var defaultBuckets = []float64{
	.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5,
}

// PrometheusMetrics 基于 Prometheus 的 IMetrics 实现
type PrometheusMetrics struct {
	appendDuration  *prometheus.HistogramVec
	eventsAppended  *prometheus.CounterVec
	loadDuration    *prometheus.HistogramVec
	streamsLoaded   *prometheus.CounterVec
	commands        *prometheus.CounterVec
	commandAttempts *prometheus.HistogramVec
	snapshotSaves   *prometheus.CounterVec
	snapshotLatency *prometheus.HistogramVec
	laneQueue       *prometheus.GaugeVec
	published       *prometheus.CounterVec
}

// NewPrometheusMetrics 创建并注册指标，namespace 为空时使用 evtcore
func NewPrometheusMetrics(reg prometheus.Registerer, namespace string) *PrometheusMetrics {
	if namespace == "" {
		namespace = "evtcore"
	}
	m := &PrometheusMetrics{
		appendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_store_append_duration_seconds",
			Help:      "Event stream append latency in seconds",
			Buckets:   defaultBuckets,
		}, []string{"aggregate", "outcome"}),

		eventsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_store_events_appended_total",
			Help:      "Total number of events persisted",
		}, []string{"aggregate"}),

		loadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_store_load_duration_seconds",
			Help:      "Event stream load latency in seconds",
			Buckets:   defaultBuckets,
		}, []string{"aggregate"}),

		streamsLoaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_store_streams_loaded_total",
			Help:      "Total number of event streams loaded",
		}, []string{"aggregate"}),

		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_processed_total",
			Help:      "Commands processed by outcome",
		}, []string{"aggregate", "outcome"}),

		commandAttempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_attempts",
			Help:      "Attempts needed per command",
			Buckets:   []float64{1, 2, 3, 4, 5, 8},
		}, []string{"aggregate"}),

		snapshotSaves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_saves_total",
			Help:      "Snapshot save attempts by result",
		}, []string{"aggregate", "success"}),

		snapshotLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "snapshot_save_duration_seconds",
			Help:      "Snapshot save latency in seconds",
			Buckets:   defaultBuckets,
		}, []string{"aggregate"}),

		laneQueue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_lane_queue_depth",
			Help:      "Tasks queued or running on aggregate lanes",
		}, []string{"aggregate"}),

		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_streams_published_total",
			Help:      "Event streams handed to the event bus by result",
		}, []string{"aggregate", "transport", "success"}),
	}

	reg.MustRegister(
		m.appendDuration,
		m.eventsAppended,
		m.loadDuration,
		m.streamsLoaded,
		m.commands,
		m.commandAttempts,
		m.snapshotSaves,
		m.snapshotLatency,
		m.laneQueue,
		m.published,
	)
	return m
}

func (m *PrometheusMetrics) ObserveAppend(aggregate string, d time.Duration, events int, outcome string) {
	m.appendDuration.WithLabelValues(aggregate, outcome).Observe(d.Seconds())
	if outcome == OutcomeOK {
		m.eventsAppended.WithLabelValues(aggregate).Add(float64(events))
	}
}

func (m *PrometheusMetrics) ObserveLoad(aggregate string, d time.Duration, streams int) {
	m.loadDuration.WithLabelValues(aggregate).Observe(d.Seconds())
	m.streamsLoaded.WithLabelValues(aggregate).Add(float64(streams))
}

func (m *PrometheusMetrics) CommandProcessed(aggregate string, outcome string, attempts int) {
	m.commands.WithLabelValues(aggregate, outcome).Inc()
	m.commandAttempts.WithLabelValues(aggregate).Observe(float64(attempts))
}

func (m *PrometheusMetrics) SnapshotSaved(aggregate string, d time.Duration, success bool) {
	m.snapshotSaves.WithLabelValues(aggregate, strconv.FormatBool(success)).Inc()
	if success {
		m.snapshotLatency.WithLabelValues(aggregate).Observe(d.Seconds())
	}
}

func (m *PrometheusMetrics) LaneQueueDepth(aggregate string, delta int) {
	m.laneQueue.WithLabelValues(aggregate).Add(float64(delta))
}

func (m *PrometheusMetrics) StreamPublished(aggregate string, transport string, success bool) {
	m.published.WithLabelValues(aggregate, transport, strconv.FormatBool(success)).Inc()
}

var _ IMetrics = (*PrometheusMetrics)(nil)
