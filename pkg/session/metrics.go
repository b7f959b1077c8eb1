package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains the Prometheus metrics for voice sessions.
type Metrics struct {
	// Lifecycle
	SessionStarts   prometheus.Counter
	SessionFailures *prometheus.CounterVec
	ActiveSessions  prometheus.Gauge

	// Microphone -> remote
	FramesSent    prometheus.Counter
	FramesDropped prometheus.Counter
	SendErrors    prometheus.Counter
	InputLevel    prometheus.Gauge

	// Remote -> speaker
	ChunksScheduled   prometheus.Counter
	AudioSeconds      prometheus.Counter
	DecodeErrors      prometheus.Counter
	Interruptions     prometheus.Counter
	Turns             prometheus.Counter
	FirstAudioLatency prometheus.Histogram
}

// NewMetrics creates the session metrics and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SessionStarts: f.NewCounter(prometheus.CounterOpts{
			Name: "livevoice_session_starts_total",
			Help: "Total number of session start attempts",
		}),
		SessionFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "livevoice_session_failures_total",
			Help: "Total number of sessions that ended in an error, by phase",
		}, []string{"phase"}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "livevoice_active_sessions",
			Help: "1 while a session is connecting or active",
		}),

		FramesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "livevoice_mic_frames_sent_total",
			Help: "Total number of microphone frames sent to the remote service",
		}),
		FramesDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "livevoice_mic_frames_dropped_total",
			Help: "Total number of microphone frames dropped because the send queue was full",
		}),
		SendErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "livevoice_send_errors_total",
			Help: "Total number of failed frame sends",
		}),
		InputLevel: f.NewGauge(prometheus.GaugeOpts{
			Name: "livevoice_mic_level_rms",
			Help: "RMS level of the most recent microphone frame",
		}),

		ChunksScheduled: f.NewCounter(prometheus.CounterOpts{
			Name: "livevoice_playback_chunks_total",
			Help: "Total number of response audio chunks scheduled for playback",
		}),
		AudioSeconds: f.NewCounter(prometheus.CounterOpts{
			Name: "livevoice_playback_seconds_total",
			Help: "Total seconds of response audio scheduled",
		}),
		DecodeErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "livevoice_decode_errors_total",
			Help: "Total number of response audio payloads that could not be decoded",
		}),
		Interruptions: f.NewCounter(prometheus.CounterOpts{
			Name: "livevoice_interruptions_total",
			Help: "Total number of barge-in interruptions",
		}),
		Turns: f.NewCounter(prometheus.CounterOpts{
			Name: "livevoice_turns_total",
			Help: "Total number of completed turns",
		}),
		FirstAudioLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "livevoice_first_audio_seconds",
			Help:    "Time from session open to the first response audio chunk",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),
	}
}
