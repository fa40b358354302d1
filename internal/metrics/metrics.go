package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains the Prometheus collectors for the dictation pipeline.
type Metrics struct {
	registry *prometheus.Registry

	// Capture / VAD
	ChunksProcessed prometheus.Counter
	SpeechSegments  prometheus.Counter
	SegmentDuration prometheus.Histogram
	ScorerErrors    prometheus.Counter

	// Recognition
	PartialsEmitted     prometheus.Counter
	RecognitionPasses   *prometheus.CounterVec
	RecognitionDuration *prometheus.HistogramVec

	// Refinement
	RefineRequests *prometheus.CounterVec
	RefineFailures *prometheus.CounterVec
	RefineDuration prometheus.Histogram

	// Output and persistence
	Emitted          *prometheus.CounterVec
	OutputFailures   prometheus.Counter
	PersistFailures  prometheus.Counter
	QueueDepth       prometheus.Gauge
	EventsDropped    *prometheus.CounterVec
	IdleTimeouts     prometheus.Counter
	SessionsStarted  prometheus.Counter
	ActiveWebsockets prometheus.Gauge
}

// New registers every collector on reg.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,

		ChunksProcessed: f.NewCounter(prometheus.CounterOpts{
			Name: "vocistant_audio_chunks_total",
			Help: "Audio chunks run through voice activity detection",
		}),
		SpeechSegments: f.NewCounter(prometheus.CounterOpts{
			Name: "vocistant_speech_segments_total",
			Help: "Completed speech segments handed to processing",
		}),
		SegmentDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "vocistant_segment_duration_seconds",
			Help:    "Audio length of completed speech segments",
			Buckets: []float64{0.5, 1, 2, 3, 5, 8, 13, 21, 34},
		}),
		ScorerErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "vocistant_vad_scorer_errors_total",
			Help: "Frames whose speech probability could not be computed",
		}),

		PartialsEmitted: f.NewCounter(prometheus.CounterOpts{
			Name: "vocistant_partials_emitted_total",
			Help: "Partial transcripts delivered to listeners",
		}),
		RecognitionPasses: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vocistant_recognition_passes_total",
			Help: "Full-buffer recognition passes by kind and outcome",
		}, []string{"kind", "outcome"}),
		RecognitionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vocistant_recognition_duration_seconds",
			Help:    "Wall time of a single recognition pass",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),

		RefineRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vocistant_refine_requests_total",
			Help: "Correction and translation requests",
		}, []string{"operation"}),
		RefineFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vocistant_refine_failures_total",
			Help: "Failed refinement requests by failure kind",
		}, []string{"operation", "kind"}),
		RefineDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "vocistant_refine_duration_seconds",
			Help:    "Wall time of language model refinement calls",
			Buckets: prometheus.DefBuckets,
		}),

		Emitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vocistant_results_emitted_total",
			Help: "Final results emitted by output mode",
		}, []string{"mode"}),
		OutputFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "vocistant_output_failures_total",
			Help: "Output dispatch failures",
		}),
		PersistFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "vocistant_history_persist_failures_total",
			Help: "History writes that failed to reach durable storage",
		}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "vocistant_processing_queue_depth",
			Help: "Segments waiting for finalisation",
		}),
		EventsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vocistant_events_dropped_total",
			Help: "Events dropped because a subscriber was not keeping up",
		}, []string{"type"}),
		IdleTimeouts: f.NewCounter(prometheus.CounterOpts{
			Name: "vocistant_idle_timeouts_total",
			Help: "Idle timeout notifications",
		}),
		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "vocistant_sessions_started_total",
			Help: "Recording sessions started",
		}),
		ActiveWebsockets: f.NewGauge(prometheus.GaugeOpts{
			Name: "vocistant_websocket_clients",
			Help: "Connected websocket clients",
		}),
	}
}

// NewDiscard returns collectors on a private registry nobody scrapes.
func NewDiscard() *Metrics {
	return New(prometheus.NewRegistry())
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
