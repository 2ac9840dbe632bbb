// Package playback replays asynchronously produced response audio chunks
// in strict chunk-id order.
package playback

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// Status is the lifecycle state of one response chunk
type Status string

const (
	StatusPending Status = "pending"
	StatusPlaying Status = "playing"
	StatusPlayed  Status = "played"
	StatusError   Status = "error"
)

// ErrQueueFull is returned when the holding set is at capacity
var ErrQueueFull = errors.New("playback queue full")

// Chunk is one unit of synthesized response audio. IDs are assigned by
// the upstream generation pipeline and ascend within a turn; arrival
// order is not guaranteed.
type Chunk struct {
	ID     int
	Text   string
	Audio  []byte
	Status Status
}

// Player performs the actual playback of one chunk. The context is
// cancelled on interruption; implementations should stop promptly.
type Player interface {
	Play(ctx context.Context, chunk *Chunk) error
}

// Queue holds out-of-order chunks and plays them in ascending id order.
// A single driver goroutine waits for the next expected id to become
// present; it is re-triggered whenever a chunk is added or playback
// completes, never busy-looping. Chunk ids restart at 1 each turn.
type Queue struct {
	mu         sync.Mutex
	chunks     map[int]*Chunk
	nextID     int
	epoch      uint64
	complete   bool
	idleFired  bool
	firstFired bool
	playCancel context.CancelFunc

	capacity int
	wake     chan struct{}
	done     chan struct{}
	closed   bool

	player Player
	logger zerolog.Logger

	onFirstChunk func()
	onDrained    func()
	onStatus     func(status string)
}

// NewQueue creates a queue for one session. Start must be called before
// chunks are added.
func NewQueue(player Player, capacity int, logger zerolog.Logger) *Queue {
	if capacity <= 0 {
		capacity = 100
	}
	return &Queue{
		chunks:   make(map[int]*Chunk),
		nextID:   1,
		capacity: capacity,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		player:   player,
		logger:   logger,
	}
}

// OnFirstChunk registers a callback fired when the first chunk of a turn
// is accepted
func (q *Queue) OnFirstChunk(fn func()) { q.onFirstChunk = fn }

// OnDrained registers a callback fired once per turn when the queue is
// empty and the completion signal has been received
func (q *Queue) OnDrained(fn func()) { q.onDrained = fn }

// OnStatus registers a callback fired when a chunk reaches a terminal
// status ("played", "error", "discarded")
func (q *Queue) OnStatus(fn func(status string)) { q.onStatus = fn }

// Start launches the playback driver
func (q *Queue) Start() { go q.run() }

// Epoch identifies the current turn. Producers capture it before
// synthesis so chunks finished after an interruption are dropped.
func (q *Queue) Epoch() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.epoch
}

// Add inserts a chunk produced for the given turn. Late chunks from an
// interrupted turn and duplicates are discarded silently.
func (q *Queue) Add(turn uint64, id int, text string, audio []byte) error {
	q.mu.Lock()
	if turn != q.epoch || id < q.nextID {
		q.mu.Unlock()
		q.logger.Debug().Int("chunk_id", id).Msg("Dropping stale response chunk")
		if q.onStatus != nil {
			q.onStatus("discarded")
		}
		return nil
	}
	if _, dup := q.chunks[id]; dup {
		q.mu.Unlock()
		return nil
	}
	if len(q.chunks) >= q.capacity {
		q.mu.Unlock()
		return ErrQueueFull
	}

	q.chunks[id] = &Chunk{ID: id, Text: text, Audio: audio, Status: StatusPending}
	first := !q.firstFired
	q.firstFired = true
	q.mu.Unlock()

	if first && q.onFirstChunk != nil {
		q.onFirstChunk()
	}
	q.signal()
	return nil
}

// Complete signals that no further chunks are expected for this turn
func (q *Queue) Complete() {
	q.mu.Lock()
	q.complete = true
	q.mu.Unlock()
	q.signal()
}

// Interrupt stops any in-flight playback immediately, discards all held
// chunks, and resets the expected id for the next turn.
func (q *Queue) Interrupt() {
	q.mu.Lock()
	cancel := q.playCancel
	q.playCancel = nil
	discarded := len(q.chunks)
	q.reset()
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if discarded > 0 {
		q.logger.Info().Int("discarded", discarded).Msg("Playback interrupted, queue cleared")
	}
	q.signal()
}

// Clear is the non-interrupt variant used between turns; it assumes no
// playback is in flight.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.reset()
	q.mu.Unlock()
	q.signal()
}

// reset must be called with the lock held
func (q *Queue) reset() {
	q.epoch++
	q.chunks = make(map[int]*Chunk)
	q.nextID = 1
	q.complete = false
	q.idleFired = false
	q.firstFired = false
}

// Len returns the number of held chunks
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.chunks)
}

// Occupancy returns the held fraction of the queue capacity
func (q *Queue) Occupancy() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return float64(len(q.chunks)) / float64(q.capacity)
}

// Close stops the driver and abandons any in-flight playback
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	cancel := q.playCancel
	q.playCancel = nil
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	close(q.done)
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// run is the playback driver. It plays the next expected id whenever it
// is present and pending, advancing past chunks that fail (skip-forward:
// one bad chunk does not stall the turn).
func (q *Queue) run() {
	for {
		q.mu.Lock()
		for {
			c := q.chunks[q.nextID]
			if c == nil || c.Status != StatusPending {
				break
			}
			c.Status = StatusPlaying
			epoch := q.epoch
			ctx, cancel := context.WithCancel(context.Background())
			q.playCancel = cancel
			q.mu.Unlock()

			err := q.player.Play(ctx, c)
			cancel()

			q.mu.Lock()
			if q.epoch != epoch {
				// Interrupted mid-playback; state was already reset.
				break
			}
			q.playCancel = nil
			status := "played"
			if err != nil {
				c.Status = StatusError
				status = "error"
				q.logger.Warn().
					Err(err).
					Int("chunk_id", c.ID).
					Msg("Chunk playback failed, skipping forward")
			} else {
				c.Status = StatusPlayed
			}
			delete(q.chunks, c.ID)
			q.nextID++
			if q.onStatus != nil {
				// The callback may call back into the queue; fire it
				// outside the lock.
				q.mu.Unlock()
				q.onStatus(status)
				q.mu.Lock()
			}
		}
		drained := q.complete && len(q.chunks) == 0 && !q.idleFired
		if drained {
			q.idleFired = true
		}
		q.mu.Unlock()

		if drained && q.onDrained != nil {
			q.onDrained()
		}

		select {
		case <-q.wake:
		case <-q.done:
			return
		}
	}
}
