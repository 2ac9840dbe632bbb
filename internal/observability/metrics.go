package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_session_active_sessions",
		Help: "Number of active voice sessions",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_session_sessions_total",
		Help: "Total number of sessions accepted",
	})

	rejectedSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_session_sessions_rejected_total",
		Help: "Connections rejected at admission because the session cap was reached",
	})

	evictedSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_session_sessions_evicted_total",
		Help: "Sessions evicted by the heartbeat after the idle timeout",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_session_duration_seconds",
		Help:    "Duration of voice sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
	})

	// Audio ingest metrics
	framesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_session_frames_received_total",
		Help: "Total audio frames received",
	})

	framesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_session_frames_dropped_total",
		Help: "Frames dropped by the bounded ingest queue on overflow",
	})

	packetLossGaps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_session_packet_loss_gaps_total",
		Help: "Sequence-number gaps detected in the inbound frame stream",
	})

	audioBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_session_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // direction: "in" or "out"

	// VAD metrics
	vadEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_session_vad_events_total",
		Help: "VAD events emitted",
	}, []string{"type", "provider"})

	vadFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_session_vad_fallbacks_total",
		Help: "Switches from the primary VAD provider to the fallback provider",
	})

	// Turn metrics
	transcriptionRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_session_transcription_requests_total",
		Help: "Total transcription requests",
	}, []string{"status"})

	transcriptionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_session_transcription_latency_seconds",
		Help:    "Transcription latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	})

	synthesisRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_session_synthesis_requests_total",
		Help: "Total speech synthesis requests",
	}, []string{"status"})

	chunksPlayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_session_chunks_played_total",
		Help: "Response audio chunks by terminal playback status",
	}, []string{"status"}) // status: "played", "error", "discarded"

	interruptions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_session_interruptions_total",
		Help: "Playback interruptions caused by user speech",
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_session_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})
)

// RecordSessionRejected records a connection refused at admission
func RecordSessionRejected() { rejectedSessions.Inc() }

// RecordSessionEvicted records a heartbeat eviction
func RecordSessionEvicted() { evictedSessions.Inc() }

// RecordFrameDropped records a frame dropped on queue overflow
func RecordFrameDropped() { framesDropped.Inc() }

// RecordPacketLossGap records one detected sequence gap
func RecordPacketLossGap() { packetLossGaps.Inc() }

// RecordVADEvent records an emitted VAD event
func RecordVADEvent(eventType, provider string) {
	vadEvents.WithLabelValues(eventType, provider).Inc()
}

// RecordVADFallback records a primary-to-fallback provider switch
func RecordVADFallback() { vadFallbacks.Inc() }

// RecordChunkPlayed records a chunk reaching a terminal playback status
func RecordChunkPlayed(status string) { chunksPlayed.WithLabelValues(status).Inc() }

// RecordInterruption records a playback interruption
func RecordInterruption() { interruptions.Inc() }

// RecordError records an error by type and component
func RecordError(errType, component string) {
	errorsTotal.WithLabelValues(errType, component).Inc()
}

// SessionMetrics tracks metrics for a single session
type SessionMetrics struct {
	sessionID            string
	startTime            time.Time
	transcriptionStarted time.Time
	mu                   sync.Mutex
}

// NewSessionMetrics creates a tracker for one session and bumps the session gauges
func NewSessionMetrics(sessionID string) *SessionMetrics {
	activeSessions.Inc()
	totalSessions.Inc()
	return &SessionMetrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// RecordSessionEnd records the end of a session
func (m *SessionMetrics) RecordSessionEnd() {
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordFrame records one inbound audio frame
func (m *SessionMetrics) RecordFrame(bytes int) {
	framesReceived.Inc()
	audioBytes.WithLabelValues("in").Add(float64(bytes))
}

// RecordAudioOut records outbound audio bytes
func (m *SessionMetrics) RecordAudioOut(bytes int) {
	audioBytes.WithLabelValues("out").Add(float64(bytes))
}

// RecordTranscriptionStart marks the beginning of a transcription request
func (m *SessionMetrics) RecordTranscriptionStart() {
	m.mu.Lock()
	m.transcriptionStarted = time.Now()
	m.mu.Unlock()
}

// RecordTranscriptionEnd records the result of a transcription request
func (m *SessionMetrics) RecordTranscriptionEnd(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.transcriptionStarted.IsZero() {
		transcriptionLatency.Observe(time.Since(m.transcriptionStarted).Seconds())
	}

	status := "success"
	if !success {
		status = "error"
	}
	transcriptionRequests.WithLabelValues(status).Inc()
}

// RecordSynthesis records the result of a synthesis request
func (m *SessionMetrics) RecordSynthesis(success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	synthesisRequests.WithLabelValues(status).Inc()
}
