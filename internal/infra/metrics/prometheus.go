package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"voice-client/internal/domain"
)

var statuses = []domain.ConnectionStatus{
	domain.StatusInitializing,
	domain.StatusReady,
	domain.StatusConnected,
	domain.StatusError,
}

// Metrics is the Prometheus implementation of application.Recorder. Every
// instance owns its registry so tests and multiple clients do not collide.
type Metrics struct {
	registry *prometheus.Registry

	// Capture metrics
	FramesSent  prometheus.Counter
	FramesMuted prometheus.Counter

	// Playback metrics
	FramesEnqueued  prometheus.Counter
	FramesScheduled prometheus.Counter
	DecodeFailures  prometheus.Counter
	QueueDepthGauge prometheus.Gauge
	ScheduleLead    prometheus.Histogram

	// Protocol metrics
	UnknownMessages prometheus.Counter
	TurnsCommitted  prometheus.Counter
	ProtocolErrors  prometheus.Counter

	// Session metrics
	ConnectionStatus *prometheus.GaugeVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	m := &Metrics{
		registry: registry,

		FramesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_capture_frames_sent_total",
			Help: "Total number of microphone frames sent to the agent",
		}),
		FramesMuted: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_capture_frames_muted_total",
			Help: "Total number of microphone frames suppressed while the agent was speaking",
		}),

		FramesEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_playback_frames_enqueued_total",
			Help: "Total number of agent audio frames received for playback",
		}),
		FramesScheduled: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_playback_frames_scheduled_total",
			Help: "Total number of agent audio frames scheduled on the output device",
		}),
		DecodeFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_playback_decode_failures_total",
			Help: "Total number of agent audio frames skipped because they could not be decoded",
		}),
		QueueDepthGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voice_playback_queue_depth",
			Help: "Current number of frames waiting to be scheduled",
		}),
		ScheduleLead: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voice_playback_schedule_lead_seconds",
			Help:    "Time between the device clock and a frame's scheduled start",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~5s
		}),

		UnknownMessages: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_protocol_unknown_messages_total",
			Help: "Total number of inbound messages with an unrecognized type",
		}),
		TurnsCommitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_turns_committed_total",
			Help: "Total number of conversation turns committed to history",
		}),
		ProtocolErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_protocol_errors_total",
			Help: "Total number of error events reported by the agent",
		}),

		ConnectionStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "voice_connection_status",
			Help: "1 for the current connection status, 0 otherwise",
		}, []string{"status"}),
	}
	m.Status(domain.StatusInitializing)
	return m
}

func (m *Metrics) FrameSent()      { m.FramesSent.Inc() }
func (m *Metrics) FrameMuted()     { m.FramesMuted.Inc() }
func (m *Metrics) FrameEnqueued()  { m.FramesEnqueued.Inc() }
func (m *Metrics) DecodeFailed()   { m.DecodeFailures.Inc() }
func (m *Metrics) UnknownMessage() { m.UnknownMessages.Inc() }
func (m *Metrics) TurnCommitted()  { m.TurnsCommitted.Inc() }
func (m *Metrics) ProtocolError()  { m.ProtocolErrors.Inc() }

func (m *Metrics) FrameScheduled(leadSeconds float64) {
	m.FramesScheduled.Inc()
	m.ScheduleLead.Observe(leadSeconds)
}

func (m *Metrics) QueueDepth(n int) {
	m.QueueDepthGauge.Set(float64(n))
}

func (m *Metrics) Status(status domain.ConnectionStatus) {
	for _, s := range statuses {
		v := 0.0
		if s == status {
			v = 1
		}
		m.ConnectionStatus.WithLabelValues(string(s)).Set(v)
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
