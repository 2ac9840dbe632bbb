package stt

import "context"

// Transcriber is the interface consumed by the session pipeline: one
// finalized speech segment in, its transcript out.
type Transcriber interface {
	// Transcribe converts a PCM16 speech segment to text
	Transcribe(ctx context.Context, audio []byte) (string, error)
}
