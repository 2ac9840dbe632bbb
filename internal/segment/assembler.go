// Package segment buffers the frames of one speech run into a segment
// handed to transcription when it closes.
package segment

import (
	"time"

	"github.com/edustream/voice-session/internal/audio"
	"github.com/rs/zerolog"
)

// Segment is the ordered frame run between a speech_start and its paired
// speech_end. Destroyed once handed to transcription.
type Segment struct {
	StartedAt time.Time
	Frames    []*audio.Frame
}

// FrameCount returns the number of buffered frames
func (s *Segment) FrameCount() int { return len(s.Frames) }

// Bytes concatenates the frame samples into one PCM16 byte stream
func (s *Segment) Bytes() []byte {
	size := 0
	for _, f := range s.Frames {
		size += len(f.Samples)
	}
	out := make([]byte, 0, size)
	for _, f := range s.Frames {
		out = append(out, f.Samples...)
	}
	return out
}

// Config bounds segment acceptance
type Config struct {
	MinFrames int // Segments shorter than this are discarded without transcription
}

// Assembler holds at most one open segment per session
type Assembler struct {
	cfg    Config
	open   *Segment
	logger zerolog.Logger
}

// NewAssembler creates an assembler for one session
func NewAssembler(cfg Config, logger zerolog.Logger) *Assembler {
	return &Assembler{cfg: cfg, logger: logger}
}

// Open starts a new segment. Pre-speech padding frames are replayed ahead
// of the start frame. A stale open segment is discarded defensively.
func (a *Assembler) Open(padding []*audio.Frame, start *audio.Frame) {
	if a.open != nil {
		a.logger.Warn().
			Int("stale_frames", len(a.open.Frames)).
			Msg("Discarding stale open segment")
	}
	frames := make([]*audio.Frame, 0, len(padding)+1)
	frames = append(frames, padding...)
	frames = append(frames, start)
	a.open = &Segment{
		StartedAt: start.Timestamp,
		Frames:    frames,
	}
}

// Append adds a frame to the open segment. Frames arriving with no open
// segment are ignored.
func (a *Assembler) Append(f *audio.Frame) {
	if a.open == nil {
		return
	}
	a.open.Frames = append(a.open.Frames, f)
}

// Finalize closes the open segment and removes it from session state.
// The boolean reports acceptance: segments below the minimum duration are
// discarded without triggering transcription (a guard against spurious
// blips, not an error).
func (a *Assembler) Finalize(end *audio.Frame) (*Segment, bool) {
	if a.open == nil {
		return nil, false
	}
	seg := a.open
	a.open = nil
	if end != nil {
		seg.Frames = append(seg.Frames, end)
	}

	if len(seg.Frames) < a.cfg.MinFrames {
		a.logger.Debug().
			Int("frames", len(seg.Frames)).
			Int("min_frames", a.cfg.MinFrames).
			Msg("Segment below minimum duration, discarding")
		return nil, false
	}
	return seg, true
}

// HasOpen reports whether a segment is currently open
func (a *Assembler) HasOpen() bool { return a.open != nil }

// Discard drops any open segment, used at session teardown
func (a *Assembler) Discard() { a.open = nil }
