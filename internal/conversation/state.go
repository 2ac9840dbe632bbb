// Package conversation implements the per-session turn-taking state
// machine: idle, listening, processing, speaking.
package conversation

import (
	"sync"

	"github.com/rs/zerolog"
)

// State is the turn-taking state of one session. Exactly one value per
// session at any time.
type State string

const (
	StateIdle       State = "idle"
	StateListening  State = "listening"
	StateProcessing State = "processing"
	StateSpeaking   State = "speaking"
)

// Machine drives the per-turn state transitions. Transitions are guarded:
// an event arriving in the wrong state is logged and ignored rather than
// corrupting the turn.
type Machine struct {
	mu       sync.Mutex
	state    State
	logger   zerolog.Logger
	onChange func(State)
}

// NewMachine creates a state machine starting in idle
func NewMachine(logger zerolog.Logger, onChange func(State)) *Machine {
	return &Machine{
		state:    StateIdle,
		logger:   logger,
		onChange: onChange,
	}
}

// State returns the current state
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SpeechStarted handles a speech_start event. From idle it begins
// listening; from speaking it is an interruption and the caller must
// clear in-flight playback. Returns (transitioned, interrupted).
func (m *Machine) SpeechStarted() (bool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateIdle:
		m.set(StateListening)
		return true, false
	case StateSpeaking:
		m.set(StateListening)
		return true, true
	case StateListening:
		return false, false
	default:
		m.logger.Debug().
			Str("state", string(m.state)).
			Msg("speech_start ignored in current state")
		return false, false
	}
}

// SpeechEnded handles a speech_end whose segment was accepted for
// transcription: listening moves to processing.
func (m *Machine) SpeechEnded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateListening {
		m.logger.Debug().
			Str("state", string(m.state)).
			Msg("speech_end ignored in current state")
		return false
	}
	m.set(StateProcessing)
	return true
}

// ResponseStarted handles the arrival of the first response audio chunk
// for the turn: processing moves to speaking.
func (m *Machine) ResponseStarted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateProcessing {
		return false
	}
	m.set(StateSpeaking)
	return true
}

// ResponseDone handles playback completion after the settle delay:
// speaking returns to idle.
func (m *Machine) ResponseDone() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateSpeaking {
		return false
	}
	m.set(StateIdle)
	return true
}

// ToIdle forces the machine back to idle. Used when a segment is too
// short to transcribe and when a collaborator error abandons the turn.
func (m *Machine) ToIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateIdle {
		m.set(StateIdle)
	}
}

func (m *Machine) set(s State) {
	m.logger.Debug().
		Str("from", string(m.state)).
		Str("to", string(s)).
		Msg("Conversation state transition")
	m.state = s
	if m.onChange != nil {
		m.onChange(s)
	}
}
