// Package session owns the live connections: the registry of session
// records, the transport manager that multiplexes inbound messages, the
// per-session processing pipeline, and the heartbeat that evicts stale
// sessions.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/edustream/voice-session/internal/audio"
	"github.com/edustream/voice-session/internal/conversation"
	"github.com/edustream/voice-session/internal/observability"
	"github.com/edustream/voice-session/internal/playback"
	"github.com/edustream/voice-session/internal/segment"
	"github.com/edustream/voice-session/internal/vad"
	"github.com/rs/zerolog"
)

var (
	// ErrCapacity is returned when the concurrent-session cap is reached
	ErrCapacity = errors.New("session capacity reached")

	// ErrSessionNotFound is returned for messages addressed to an
	// unknown session
	ErrSessionNotFound = errors.New("session not found")
)

// Counters are the per-session processing counters, flushed to the log
// at teardown
type Counters struct {
	FramesReceived uint64 `json:"framesReceived"`
	BytesProcessed uint64 `json:"bytesProcessed"`
	Errors         uint64 `json:"errors"`
	Turns          uint64 `json:"turns"`
	DurationSec    int64  `json:"durationSec"`
}

// Session is one live connection's record. The manager owns the session
// and its connection; other components reference it by id only.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu           sync.Mutex
	lastActivity time.Time
	counters     Counters
	turnCancel   context.CancelFunc

	ingest    *audio.Ingest
	engine    *vad.Engine
	assembler *segment.Assembler
	machine   *conversation.Machine
	queue     *playback.Queue

	sender  *wsSender
	logger  zerolog.Logger
	metrics *observability.SessionMetrics

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// Touch records message activity, deferring idle eviction
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the time of the last inbound message
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) recordFrame(bytes int) {
	s.mu.Lock()
	s.counters.FramesReceived++
	s.counters.BytesProcessed += uint64(bytes)
	s.mu.Unlock()
}

func (s *Session) recordError() {
	s.mu.Lock()
	s.counters.Errors++
	s.mu.Unlock()
}

func (s *Session) recordTurn() {
	s.mu.Lock()
	s.counters.Turns++
	s.mu.Unlock()
}

func (s *Session) addDuration(d time.Duration) {
	s.mu.Lock()
	s.counters.DurationSec += int64(d.Seconds())
	s.mu.Unlock()
}

// CountersSnapshot returns a copy of the session counters
func (s *Session) CountersSnapshot() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters
}

func (s *Session) setTurnCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	s.turnCancel = cancel
	s.mu.Unlock()
}

// cancelTurn aborts any in-flight transcription/generation/synthesis
func (s *Session) cancelTurn() {
	s.mu.Lock()
	cancel := s.turnCancel
	s.turnCancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Snapshot is the per-session view answered to stats requests
type Snapshot struct {
	ID             string         `json:"id"`
	CreatedAt      time.Time      `json:"createdAt"`
	State          string         `json:"state"`
	VADProvider    string         `json:"vadProvider"`
	Counters       Counters       `json:"counters"`
	QueuedChunks   int            `json:"queuedChunks"`
	QueueOccupancy float64        `json:"queueOccupancy"`
	VADStats       map[string]any `json:"vadStats"`
}

// Snapshot builds the stats view of this session
func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		ID:             s.ID,
		CreatedAt:      s.CreatedAt,
		State:          string(s.machine.State()),
		VADProvider:    s.engine.ActiveProvider(),
		Counters:       s.CountersSnapshot(),
		QueuedChunks:   s.queue.Len(),
		QueueOccupancy: s.queue.Occupancy(),
		VADStats:       s.engine.Stats(),
	}
}

// Registry is the process-wide map of live sessions. All mutation goes
// through the manager's entry points; the registry itself only guards the
// map.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	max      int
}

// NewRegistry creates a registry with the given concurrent-session cap
func NewRegistry(max int) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		max:      max,
	}
}

// Add admits a session, enforcing the cap
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sessions) >= r.max {
		return ErrCapacity
	}
	r.sessions[s.ID] = s
	return nil
}

// Get looks up a session by id
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove deletes a session record
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// Len returns the number of live sessions
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ForEach visits a snapshot of the live sessions
func (r *Registry) ForEach(fn func(*Session)) {
	r.mu.RLock()
	snapshot := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		snapshot = append(snapshot, s)
	}
	r.mu.RUnlock()

	for _, s := range snapshot {
		fn(s)
	}
}
