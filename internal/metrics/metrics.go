package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "iot"

// Metrics 管道各阶段指标
type Metrics struct {
	registry *prometheus.Registry

	MessagesReceived     *prometheus.CounterVec
	MessagesDropped      *prometheus.CounterVec
	MessagesProcessed    *prometheus.CounterVec
	StoreWriteFailures   prometheus.Counter
	AlertsEmitted        *prometheus.CounterVec
	TrackedDevices       prometheus.Gauge
	NotificationAttempts *prometheus.CounterVec
	LiveConnections      prometheus.Gauge
	ReportQueries        *prometheus.CounterVec
	CommandsSent         *prometheus.CounterVec
	MQTTState            prometheus.Gauge
}

// New 创建独立 registry 下的指标集合
func New(service string) *Metrics {
	reg := prometheus.NewRegistry()
	constLabels := prometheus.Labels{"service": service}

	m := &Metrics{
		registry: reg,
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "bridge",
			Name:        "messages_received_total",
			Help:        "MQTT messages received, by message kind",
			ConstLabels: constLabels,
		}, []string{"kind"}),
		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "bridge",
			Name:        "messages_dropped_total",
			Help:        "MQTT messages dropped, by reason",
			ConstLabels: constLabels,
		}, []string{"reason"}),
		MessagesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "bus",
			Name:        "messages_processed_total",
			Help:        "Internal bus messages processed, by stream and status",
			ConstLabels: constLabels,
		}, []string{"stream", "status"}),
		StoreWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "store",
			Name:        "write_failures_total",
			Help:        "Time-series point writes that failed",
			ConstLabels: constLabels,
		}),
		AlertsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "detector",
			Name:        "alerts_emitted_total",
			Help:        "Alerts emitted, by evaluator and severity",
			ConstLabels: constLabels,
		}, []string{"evaluator", "severity"}),
		TrackedDevices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "detector",
			Name:        "tracked_devices",
			Help:        "Devices with a history window in the detector",
			ConstLabels: constLabels,
		}),
		NotificationAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "notify",
			Name:        "attempts_total",
			Help:        "Notification delivery attempts, by channel and status",
			ConstLabels: constLabels,
		}, []string{"channel", "status"}),
		LiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "hub",
			Name:        "connections",
			Help:        "Open live client connections",
			ConstLabels: constLabels,
		}),
		ReportQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "report",
			Name:        "queries_total",
			Help:        "Report queries, by report type and status",
			ConstLabels: constLabels,
		}, []string{"type", "status"}),
		CommandsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "bridge",
			Name:        "commands_total",
			Help:        "Outbound control commands, by target mode and status",
			ConstLabels: constLabels,
		}, []string{"target", "status"}),
		MQTTState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "bridge",
			Name:        "mqtt_state",
			Help:        "MQTT connection state (0=disconnected, 1=connecting, 2=connected)",
			ConstLabels: constLabels,
		}),
	}

	reg.MustRegister(
		m.MessagesReceived,
		m.MessagesDropped,
		m.MessagesProcessed,
		m.StoreWriteFailures,
		m.AlertsEmitted,
		m.TrackedDevices,
		m.NotificationAttempts,
		m.LiveConnections,
		m.ReportQueries,
		m.CommandsSent,
		m.MQTTState,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler /metrics 处理器
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveStream 消费者观察回调
func (m *Metrics) ObserveStream(stream string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.MessagesProcessed.WithLabelValues(stream, status).Inc()
}

// Status 将错误映射为指标标签
func Status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
