package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the relay and coordinator.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry             *prometheus.Registry
	requestsTotal        prometheus.Counter
	errorsTotal          prometheus.Counter
	connectionsTotal     *prometheus.CounterVec
	live                 prometheus.Gauge
	chunksDroppedTotal   prometheus.Counter
	bytesRelayedTotal    prometheus.Counter
	encoderCrashesTotal  prometheus.Counter
	segmentsDeletedTotal *prometheus.CounterVec
	deleteFailuresTotal  prometheus.Counter
	operationsTotal      *prometheus.CounterVec
	segmentsOnDisk       prometheus.Gauge
	sessionsRecorded     *prometheus.GaugeVec
}

// New creates and registers Prometheus metrics.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_http_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_http_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		connectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_connections_total",
			Help: "Producer connection attempts by result",
		}, []string{"result"}),
		live: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_live",
			Help: "1 while a producer connection with a running encoder is active",
		}),
		chunksDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_chunks_dropped_total",
			Help: "Media chunks dropped because the encoder sink was not writable",
		}),
		bytesRelayedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_bytes_relayed_total",
			Help: "Media bytes written to the encoder",
		}),
		encoderCrashesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_encoder_crashes_total",
			Help: "Abnormal encoder exits while live",
		}),
		segmentsDeletedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_segments_deleted_total",
			Help: "Files removed from the segment directory by sweep kind",
		}, []string{"sweep"}),
		deleteFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_segment_delete_failures_total",
			Help: "Files left behind after every deletion strategy",
		}),
		operationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coordinator_operations_total",
			Help: "Coordinator operations by kind and result",
		}, []string{"kind", "result"}),
		segmentsOnDisk: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_segments_on_disk",
			Help: "Segment files currently in the output directory",
		}),
		sessionsRecorded: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "coordinator_sessions_recorded",
			Help: "Sessions held in the history journal by status",
		}, []string{"status"}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.connectionsTotal,
		m.live,
		m.chunksDroppedTotal,
		m.bytesRelayedTotal,
		m.encoderCrashesTotal,
		m.segmentsDeletedTotal,
		m.deleteFailuresTotal,
		m.operationsTotal,
		m.segmentsOnDisk,
		m.sessionsRecorded,
	)

	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	if m == nil {
		return
	}
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	if m == nil {
		return
	}
	m.errorsTotal.Inc()
}

// IncConnections counts a producer connection attempt; result is "accepted",
// "rejected" or "replaced".
func (m *Metrics) IncConnections(result string) {
	if m == nil {
		return
	}
	m.connectionsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) SetLive(live bool) {
	if m == nil {
		return
	}
	v := 0.0
	if live {
		v = 1
	}
	m.live.Set(v)
}

func (m *Metrics) IncChunksDropped() {
	if m == nil {
		return
	}
	m.chunksDroppedTotal.Inc()
}

func (m *Metrics) AddBytesRelayed(n int) {
	if m == nil {
		return
	}
	m.bytesRelayedTotal.Add(float64(n))
}

func (m *Metrics) IncEncoderCrashes() {
	if m == nil {
		return
	}
	m.encoderCrashesTotal.Inc()
}

// AddSegmentsDeleted counts removed files; sweep is "live" or "all".
func (m *Metrics) AddSegmentsDeleted(sweep string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.segmentsDeletedTotal.WithLabelValues(sweep).Add(float64(n))
}

func (m *Metrics) AddDeleteFailures(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.deleteFailuresTotal.Add(float64(n))
}

// IncOperations counts a finished coordinator operation.
func (m *Metrics) IncOperations(kind, result string) {
	if m == nil {
		return
	}
	m.operationsTotal.WithLabelValues(kind, result).Inc()
}

// SetSegmentsOnDisk sets the on-disk segment gauge.
func (m *Metrics) SetSegmentsOnDisk(n int) {
	if m == nil {
		return
	}
	m.segmentsOnDisk.Set(float64(n))
}

// SetSessionsRecorded sets the journal gauges for open and ended sessions.
func (m *Metrics) SetSessionsRecorded(open, ended int) {
	if m == nil {
		return
	}
	m.sessionsRecorded.WithLabelValues("open").Set(float64(open))
	m.sessionsRecorded.WithLabelValues("ended").Set(float64(ended))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
