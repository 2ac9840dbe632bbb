// Package stats aggregates per-session and global processing counters and
// derives a queue/processing health verdict. Observability only: the
// monitor never mutates session state.
package stats

import (
	"sync"
	"time"
)

// Verdict is the aggregate health classification
type Verdict string

const (
	VerdictHealthy Verdict = "healthy"
	VerdictWarning Verdict = "warning"
	VerdictError   Verdict = "error"
)

// Thresholds derive the verdict from observed load
type Thresholds struct {
	QueueWarnOccupancy    float64       // Queue fraction above which the verdict degrades to warning
	QueueErrorOccupancy   float64       // Queue fraction above which the verdict degrades to error
	LatencyWarn           time.Duration // Average turn latency above which the verdict degrades to warning
	LatencyError          time.Duration // Average turn latency above which the verdict degrades to error
	TranscriptionWarnRate float64       // Transcription success rate below which the verdict degrades
}

// DefaultThresholds returns the standard verdict thresholds
func DefaultThresholds() Thresholds {
	return Thresholds{
		QueueWarnOccupancy:    0.5,
		QueueErrorOccupancy:   0.8,
		LatencyWarn:           2 * time.Second,
		LatencyError:          5 * time.Second,
		TranscriptionWarnRate: 0.9,
	}
}

// GlobalStats is the aggregate snapshot exposed to stats requests
type GlobalStats struct {
	ActiveSessions       int     `json:"activeSessions"`
	FramesReceived       uint64  `json:"framesReceived"`
	BytesProcessed       uint64  `json:"bytesProcessed"`
	FramesDropped        uint64  `json:"framesDropped"`
	PacketLossGaps       uint64  `json:"packetLossGaps"`
	Errors               uint64  `json:"errors"`
	TranscriptionsOK     uint64  `json:"transcriptionsOk"`
	TranscriptionsFailed uint64  `json:"transcriptionsFailed"`
	AvgLatencyMs         int64   `json:"avgLatencyMs"`
	MaxQueueOccupancy    float64 `json:"maxQueueOccupancy"`
	Verdict              Verdict `json:"verdict"`
}

// Monitor accumulates counters reported by the session pipelines
type Monitor struct {
	mu sync.Mutex

	thresholds Thresholds

	activeSessions       int
	framesReceived       uint64
	bytesProcessed       uint64
	framesDropped        uint64
	packetLossGaps       uint64
	errors               uint64
	transcriptionsOK     uint64
	transcriptionsFailed uint64

	latencyTotal time.Duration
	latencyCount uint64

	queueOccupancy map[string]float64
}

// NewMonitor creates a monitor with the given verdict thresholds
func NewMonitor(thresholds Thresholds) *Monitor {
	return &Monitor{
		thresholds:     thresholds,
		queueOccupancy: make(map[string]float64),
	}
}

// SessionOpened records a new live session
func (m *Monitor) SessionOpened() {
	m.mu.Lock()
	m.activeSessions++
	m.mu.Unlock()
}

// SessionClosed records a session teardown
func (m *Monitor) SessionClosed(sessionID string) {
	m.mu.Lock()
	m.activeSessions--
	delete(m.queueOccupancy, sessionID)
	m.mu.Unlock()
}

// RecordFrame records one processed inbound frame
func (m *Monitor) RecordFrame(bytes int) {
	m.mu.Lock()
	m.framesReceived++
	m.bytesProcessed += uint64(bytes)
	m.mu.Unlock()
}

// RecordFrameDropped records a frame dropped on queue overflow
func (m *Monitor) RecordFrameDropped() {
	m.mu.Lock()
	m.framesDropped++
	m.mu.Unlock()
}

// RecordPacketLossGap records one detected sequence gap
func (m *Monitor) RecordPacketLossGap() {
	m.mu.Lock()
	m.packetLossGaps++
	m.mu.Unlock()
}

// RecordError records a recovered error
func (m *Monitor) RecordError() {
	m.mu.Lock()
	m.errors++
	m.mu.Unlock()
}

// RecordTranscription records the outcome of one transcription request
func (m *Monitor) RecordTranscription(ok bool) {
	m.mu.Lock()
	if ok {
		m.transcriptionsOK++
	} else {
		m.transcriptionsFailed++
	}
	m.mu.Unlock()
}

// RecordLatency records one turn's processing latency
func (m *Monitor) RecordLatency(d time.Duration) {
	m.mu.Lock()
	m.latencyTotal += d
	m.latencyCount++
	m.mu.Unlock()
}

// SetQueueOccupancy records the latest queue occupancy for a session
func (m *Monitor) SetQueueOccupancy(sessionID string, frac float64) {
	m.mu.Lock()
	m.queueOccupancy[sessionID] = frac
	m.mu.Unlock()
}

// Snapshot returns the aggregate counters and the derived verdict
func (m *Monitor) Snapshot() GlobalStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	var avg time.Duration
	if m.latencyCount > 0 {
		avg = m.latencyTotal / time.Duration(m.latencyCount)
	}

	maxOcc := 0.0
	for _, occ := range m.queueOccupancy {
		if occ > maxOcc {
			maxOcc = occ
		}
	}

	return GlobalStats{
		ActiveSessions:       m.activeSessions,
		FramesReceived:       m.framesReceived,
		BytesProcessed:       m.bytesProcessed,
		FramesDropped:        m.framesDropped,
		PacketLossGaps:       m.packetLossGaps,
		Errors:               m.errors,
		TranscriptionsOK:     m.transcriptionsOK,
		TranscriptionsFailed: m.transcriptionsFailed,
		AvgLatencyMs:         avg.Milliseconds(),
		MaxQueueOccupancy:    maxOcc,
		Verdict:              m.verdict(avg, maxOcc),
	}
}

// verdict must be called with the lock held
func (m *Monitor) verdict(avgLatency time.Duration, maxOcc float64) Verdict {
	t := m.thresholds

	if maxOcc >= t.QueueErrorOccupancy {
		return VerdictError
	}
	if t.LatencyError > 0 && avgLatency >= t.LatencyError {
		return VerdictError
	}

	warning := false
	if maxOcc >= t.QueueWarnOccupancy {
		warning = true
	}
	if t.LatencyWarn > 0 && avgLatency >= t.LatencyWarn {
		warning = true
	}
	if total := m.transcriptionsOK + m.transcriptionsFailed; total > 0 {
		rate := float64(m.transcriptionsOK) / float64(total)
		if rate < t.TranscriptionWarnRate {
			warning = true
		}
	}

	if warning {
		return VerdictWarning
	}
	return VerdictHealthy
}
