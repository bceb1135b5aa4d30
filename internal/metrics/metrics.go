package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pipeline_sessions_active",
		Help: "Currently open WebSocket sessions",
	})

	SessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_sessions_total",
		Help: "Total sessions admitted",
	})

	SessionsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_sessions_rejected_total",
		Help: "Connections refused because the session limit was reached",
	})

	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_runs_total",
		Help: "Pipeline runs by kind and outcome",
	}, []string{"kind", "outcome"})

	BusyRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_busy_rejections_total",
		Help: "Requests rejected because the session already had a run in progress",
	})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipeline_stage_duration_seconds",
		Help:    "Per-stage latency",
		Buckets: []float64{0.05, 0.1, 0.2, 0.3, 0.5, 0.8, 1.0, 2.0, 5.0},
	}, []string{"stage"})

	FirstAudioDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pipeline_first_audio_duration_seconds",
		Help:    "Latency from run start to the first synthesized chunk",
		Buckets: []float64{0.1, 0.2, 0.5, 0.8, 1.0, 1.5, 2.0, 3.0, 5.0},
	})

	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_errors_total",
		Help: "Error counts by stage",
	}, []string{"stage", "error_type"})

	TTSChunks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_tts_chunks_total",
		Help: "Synthesized audio chunks sent to clients",
	})

	AudioBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_audio_bytes_received_total",
		Help: "Decoded audio bytes received in audio messages",
	})
)
