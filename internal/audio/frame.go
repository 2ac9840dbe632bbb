package audio

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Format tags the encoding of frame samples
type Format string

// FormatPCM16 is 16-bit little-endian linear PCM, the only format
// currently accepted.
const FormatPCM16 Format = "pcm16"

// Frame is one inbound audio frame. Frames are transient: consumed by VAD
// classification and discarded, never persisted.
type Frame struct {
	Samples   []byte    // Raw PCM16 sample bytes
	Timestamp time.Time // Capture time reported by the client
	Seq       uint64    // Per-session sequence number, strictly increasing
	Format    Format
}

// IngestConfig bounds and validates the ingest path
type IngestConfig struct {
	QueueSize     int // Bounded frame queue; oldest frame dropped on overflow
	MaxFrameBytes int
}

// Ingest decodes inbound audio messages into typed frames, stamps sequence
// numbers, detects gaps, and feeds a bounded queue in arrival order.
// It belongs to exactly one session and is not safe for concurrent Push.
type Ingest struct {
	cfg     IngestConfig
	queue   chan *Frame
	lastSeq uint64
	gotAny  bool
	dropped uint64
	gaps    uint64
	logger  zerolog.Logger
	onDrop  func()
	onGap   func()
}

// NewIngest creates an ingest front for one session
func NewIngest(cfg IngestConfig, logger zerolog.Logger) *Ingest {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = 64 * 1024
	}
	return &Ingest{
		cfg:    cfg,
		queue:  make(chan *Frame, cfg.QueueSize),
		logger: logger,
	}
}

// OnDrop registers a callback fired when a frame is dropped on overflow
func (in *Ingest) OnDrop(fn func()) { in.onDrop = fn }

// OnGap registers a callback fired once per detected sequence gap
func (in *Ingest) OnGap(fn func()) { in.onGap = fn }

// Decode validates an inbound audio payload and builds a typed frame.
// The client's sequence number is checked for gaps; a gap is reported as
// suspected packet loss but does not halt processing.
func (in *Ingest) Decode(audioData string, timestampMs int64, seq uint64, format string) (*Frame, error) {
	if audioData == "" {
		return nil, fmt.Errorf("empty audio payload")
	}
	if format != "" && Format(format) != FormatPCM16 {
		return nil, fmt.Errorf("unsupported audio format %q", format)
	}

	samples, err := base64.StdEncoding.DecodeString(audioData)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 audio: %w", err)
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("empty audio payload")
	}
	if len(samples) > in.cfg.MaxFrameBytes {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit %d", len(samples), in.cfg.MaxFrameBytes)
	}
	if len(samples)%2 != 0 {
		return nil, fmt.Errorf("PCM16 frame length must be even, got %d", len(samples))
	}

	if in.gotAny && seq > in.lastSeq+1 {
		missing := seq - in.lastSeq - 1
		in.gaps++
		in.logger.Warn().
			Uint64("expected", in.lastSeq+1).
			Uint64("received", seq).
			Uint64("missing", missing).
			Msg("Suspected packet loss in inbound frame stream")
		if in.onGap != nil {
			in.onGap()
		}
	}
	in.lastSeq = seq
	in.gotAny = true

	return &Frame{
		Samples:   samples,
		Timestamp: time.UnixMilli(timestampMs),
		Seq:       seq,
		Format:    FormatPCM16,
	}, nil
}

// Push enqueues a frame. On overflow the oldest queued frame is dropped
// with a warning; a deliberate backpressure valve, not a fatal error.
func (in *Ingest) Push(f *Frame) {
	for {
		select {
		case in.queue <- f:
			return
		default:
		}
		select {
		case old := <-in.queue:
			in.dropped++
			in.logger.Warn().
				Uint64("seq", old.Seq).
				Msg("Frame queue full, dropping oldest unclassified frame")
			if in.onDrop != nil {
				in.onDrop()
			}
		default:
			// Queue drained concurrently; retry the send.
		}
	}
}

// Frames exposes the queue to the session pipeline
func (in *Ingest) Frames() <-chan *Frame { return in.queue }

// QueueOccupancy returns the queued fraction of the bounded queue
func (in *Ingest) QueueOccupancy() float64 {
	return float64(len(in.queue)) / float64(cap(in.queue))
}

// Dropped returns the number of frames dropped on overflow
func (in *Ingest) Dropped() uint64 { return in.dropped }

// Gaps returns the number of detected sequence gaps
func (in *Ingest) Gaps() uint64 { return in.gaps }
