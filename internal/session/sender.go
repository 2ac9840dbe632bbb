package session

import (
	"context"
	"encoding/base64"
	"sync"
	"time"

	"github.com/edustream/voice-session/internal/playback"
	"github.com/edustream/voice-session/internal/protocol"
)

// wsConn is the slice of the websocket connection the session layer
// needs. Narrowing it keeps tests off the network.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

const textMessage = 1 // websocket.TextMessage

// wsSender serializes outbound writes on one connection. The manager is
// the only owner of the connection handle; every other component sends
// through this.
type wsSender struct {
	mu   sync.Mutex
	conn wsConn
}

func newSender(conn wsConn) *wsSender {
	return &wsSender{conn: conn}
}

// Send encodes and writes one outbound message
func (w *wsSender) Send(t protocol.MessageType, data any) error {
	raw, err := protocol.Encode(t, data)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteMessage(textMessage, raw)
}

// Close closes the underlying connection
func (w *wsSender) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.Close()
}

// chunkPlayer delivers response chunks to the client and paces delivery
// by the chunk's real audio duration so an interruption can preempt a
// chunk mid-flight.
type chunkPlayer struct {
	sender     *wsSender
	sampleRate int
}

// Play sends one chunk and waits out its playback duration unless the
// context is cancelled
func (p *chunkPlayer) Play(ctx context.Context, c *playback.Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := p.sender.Send(protocol.TypeResponseAudio, protocol.ResponseAudioPayload{
		ChunkID: c.ID,
		Text:    c.Text,
		Audio:   base64.StdEncoding.EncodeToString(c.Audio),
	})
	if err != nil {
		return err
	}

	rate := p.sampleRate
	if rate <= 0 {
		rate = 16000
	}
	duration := time.Duration(len(c.Audio)/2) * time.Second / time.Duration(rate)
	if duration <= 0 {
		return nil
	}

	select {
	case <-time.After(duration):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
