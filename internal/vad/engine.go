package vad

import (
	"fmt"
	"sync"

	"github.com/edustream/voice-session/internal/audio"
	"github.com/rs/zerolog"
)

// EventType identifies a speech boundary event
type EventType string

const (
	EventSpeechStart EventType = "speech_start"
	EventSpeechChunk EventType = "speech_chunk"
	EventSpeechEnd   EventType = "speech_end"
)

// Event is emitted by the engine when a frame is classified inside a
// speech run or at its boundaries
type Event struct {
	Type        EventType
	Probability float64
	Provider    string
	Frame       *audio.Frame
	Padding     []*audio.Frame // Pre-speech frames, set only on speech_start
	Debug       map[string]any
}

// Config governs the hysteresis state machine and fallback policy.
// Thresholds are asymmetric so brief sub-threshold dips do not terminate
// speech prematurely.
type Config struct {
	PositiveThreshold  float64 // Enter speech above this probability
	NegativeThreshold  float64 // Leave speech only below this probability
	MinSpeechFrames    int     // Consecutive frames above positive threshold to confirm speech
	RedemptionFrames   int     // Consecutive frames below negative threshold to end speech
	PrespeechPadFrames int     // Already-seen frames replayed into the segment on speech_start
	FallbackFailures   int     // Consecutive primary failures before switching provider
}

// DefaultConfig returns the tuned defaults
func DefaultConfig() Config {
	return Config{
		PositiveThreshold:  0.60,
		NegativeThreshold:  0.35,
		MinSpeechFrames:    3,
		RedemptionFrames:   12,
		PrespeechPadFrames: 8,
		FallbackFailures:   3,
	}
}

// Engine classifies frames with the active provider and drives the
// speech/not-speech hysteresis state machine. After repeated primary
// failures it silently switches to the secondary provider; the switch is
// one-way unless requested manually.
type Engine struct {
	mu        sync.Mutex
	cfg       Config
	primary   Provider
	secondary Provider

	usingFallback bool
	failures      int

	inSpeech   bool
	speechRun  int
	redemption int
	pad        []*audio.Frame

	framesTotal  uint64
	speechFrames uint64

	logger     zerolog.Logger
	onFallback func()
}

// NewEngine creates a VAD engine for one session
func NewEngine(cfg Config, primary, secondary Provider, logger zerolog.Logger) *Engine {
	if cfg.MinSpeechFrames <= 0 {
		cfg.MinSpeechFrames = 1
	}
	if cfg.RedemptionFrames <= 0 {
		cfg.RedemptionFrames = 1
	}
	if cfg.FallbackFailures <= 0 {
		cfg.FallbackFailures = 3
	}
	return &Engine{
		cfg:       cfg,
		primary:   primary,
		secondary: secondary,
		logger:    logger,
	}
}

// OnFallback registers a callback fired once when the engine switches to
// the secondary provider
func (e *Engine) OnFallback(fn func()) { e.onFallback = fn }

// ActiveProvider returns the name of the provider classifying frames
func (e *Engine) ActiveProvider() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active().Name()
}

// FallbackUsed reports whether the engine has switched to the secondary
func (e *Engine) FallbackUsed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.usingFallback
}

// InSpeech reports whether a speech run is currently open
func (e *Engine) InSpeech() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inSpeech
}

func (e *Engine) active() Provider {
	if e.usingFallback {
		return e.secondary
	}
	return e.primary
}

// Process classifies one frame. It returns a nil event for non-speech
// frames. A decode failure is a transport-level error: the caller logs it,
// drops the frame, and the session continues.
func (e *Engine) Process(f *audio.Frame) (*Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	samples, err := audio.DecodeSamples(f.Samples)
	if err != nil {
		return nil, fmt.Errorf("undecodable frame %d: %w", f.Seq, err)
	}
	e.framesTotal++

	prob, cerr := e.active().Classify(samples)
	if cerr != nil {
		prob, cerr = e.handleClassifyFailure(samples, cerr)
		if cerr != nil {
			// Frame skipped; classification resumes on the next frame.
			return nil, nil
		}
	} else if !e.usingFallback {
		e.failures = 0
	}

	return e.advance(f, prob), nil
}

// handleClassifyFailure counts consecutive primary failures and switches
// to the secondary provider once the threshold is reached. The switch is
// idempotent: secondary failures never loop back to the primary.
func (e *Engine) handleClassifyFailure(samples []int16, cerr error) (float64, error) {
	if e.usingFallback {
		e.logger.Warn().Err(cerr).Msg("Fallback VAD provider failed, skipping frame")
		return 0, cerr
	}

	e.failures++
	e.logger.Warn().
		Err(cerr).
		Int("consecutive_failures", e.failures).
		Msg("Primary VAD provider failed")

	if e.failures < e.cfg.FallbackFailures {
		return 0, cerr
	}

	e.usingFallback = true
	e.secondary.Reset()
	e.logger.Warn().
		Str("from", e.primary.Name()).
		Str("to", e.secondary.Name()).
		Msg("Switching to fallback VAD provider")
	if e.onFallback != nil {
		e.onFallback()
	}

	// Reclassify the failed frame with the fallback so it is not lost.
	return e.secondary.Classify(samples)
}

// advance runs the hysteresis state machine for one classified frame
func (e *Engine) advance(f *audio.Frame, prob float64) *Event {
	if !e.inSpeech {
		if prob >= e.cfg.PositiveThreshold {
			e.speechRun++
		} else {
			e.speechRun = 0
		}

		if e.speechRun < e.cfg.MinSpeechFrames {
			e.pushPad(f)
			return nil
		}

		// Confirmed speech: the run survived the misfire guard.
		e.inSpeech = true
		e.speechRun = 0
		e.redemption = 0
		e.speechFrames++

		padding := make([]*audio.Frame, len(e.pad))
		copy(padding, e.pad)
		e.pad = e.pad[:0]

		return e.event(EventSpeechStart, f, prob, padding)
	}

	e.speechFrames++
	if prob < e.cfg.NegativeThreshold {
		e.redemption++
	} else {
		e.redemption = 0
	}

	if e.redemption >= e.cfg.RedemptionFrames {
		e.inSpeech = false
		e.redemption = 0
		return e.event(EventSpeechEnd, f, prob, nil)
	}

	return e.event(EventSpeechChunk, f, prob, nil)
}

func (e *Engine) event(t EventType, f *audio.Frame, prob float64, padding []*audio.Frame) *Event {
	return &Event{
		Type:        t,
		Probability: prob,
		Provider:    e.active().Name(),
		Frame:       f,
		Padding:     padding,
		Debug: map[string]any{
			"rawScore":     prob,
			"fallbackUsed": e.usingFallback,
		},
	}
}

func (e *Engine) pushPad(f *audio.Frame) {
	if e.cfg.PrespeechPadFrames <= 0 {
		return
	}
	e.pad = append(e.pad, f)
	if len(e.pad) > e.cfg.PrespeechPadFrames {
		e.pad = e.pad[len(e.pad)-e.cfg.PrespeechPadFrames:]
	}
}

// SwitchTo honors an explicit provider-switch request. The switch takes
// effect on the next frame and never closes an open speech run.
func (e *Engine) SwitchTo(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch name {
	case e.primary.Name():
		e.usingFallback = false
	case e.secondary.Name():
		e.usingFallback = true
	default:
		return fmt.Errorf("unknown VAD provider %q", name)
	}
	e.failures = 0
	e.logger.Info().Str("provider", name).Msg("VAD provider switched by request")
	return nil
}

// Stats reports classification counters for the connected message and
// stats requests
func (e *Engine) Stats() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return map[string]any{
		"framesTotal":  e.framesTotal,
		"speechFrames": e.speechFrames,
		"provider":     e.active().Name(),
		"fallbackUsed": e.usingFallback,
	}
}

// ConfigSnapshot reports the active hysteresis tuning
func (e *Engine) ConfigSnapshot() map[string]any {
	return map[string]any{
		"positiveThreshold":  e.cfg.PositiveThreshold,
		"negativeThreshold":  e.cfg.NegativeThreshold,
		"minSpeechFrames":    e.cfg.MinSpeechFrames,
		"redemptionFrames":   e.cfg.RedemptionFrames,
		"prespeechPadFrames": e.cfg.PrespeechPadFrames,
	}
}

// Reset clears hysteresis state and both providers
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inSpeech = false
	e.speechRun = 0
	e.redemption = 0
	e.pad = e.pad[:0]
	e.primary.Reset()
	e.secondary.Reset()
}
