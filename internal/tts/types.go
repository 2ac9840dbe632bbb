package tts

import "context"

// Chunk is one synthesized response audio chunk. The id is assigned by
// the generation pipeline; synthesis itself is asynchronous, so chunks
// may complete out of id order.
type Chunk struct {
	ID         int
	Text       string
	Audio      []byte // Raw PCM16 samples
	SampleRate int
}

// Synthesizer is the interface consumed by the turn pipeline: one text
// chunk in, its audio out.
type Synthesizer interface {
	Synthesize(ctx context.Context, chunkID int, text string) (*Chunk, error)
}
