// Package protocol defines the JSON message set carried over the
// client WebSocket connection.
package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType identifies a message kind in the envelope
type MessageType string

// Client -> server messages
const (
	TypeAudioChunk        MessageType = "audio_chunk"
	TypePing              MessageType = "ping"
	TypeGetStats          MessageType = "get_stats"
	TypeSwitchVADProvider MessageType = "switch_vad_provider"
)

// Server -> client messages
const (
	TypeConnected         MessageType = "connected"
	TypeVADEvent          MessageType = "vad_event"
	TypeConversationState MessageType = "conversation_state"
	TypeTranscription     MessageType = "transcription"
	TypeFrameAck          MessageType = "frame_ack"
	TypePong              MessageType = "pong"
	TypeStats             MessageType = "stats"
	TypeError             MessageType = "error"
	TypeResponseAudio     MessageType = "response_audio"
)

// Envelope wraps every message on the wire
type Envelope struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// AudioChunkPayload carries one inbound audio frame
type AudioChunkPayload struct {
	AudioData string `json:"audioData"` // Base64-encoded PCM16 samples
	Timestamp int64  `json:"timestamp"` // Capture time, unix milliseconds
	Seq       uint64 `json:"seq"`       // Client-side monotonic frame counter
	Size      int    `json:"size"`
	Format    string `json:"format"`
}

// SwitchProviderPayload requests a manual VAD provider switch
type SwitchProviderPayload struct {
	Provider string `json:"provider"`
}

// ConnectedPayload is sent once per session on establishment
type ConnectedPayload struct {
	SessionID   string         `json:"sessionId"`
	VADProvider string         `json:"vadProvider"`
	VADStats    map[string]any `json:"vadStats,omitempty"`
	VADConfig   map[string]any `json:"vadConfig,omitempty"`
}

// VADEventPayload reports a speech boundary or in-speech frame
type VADEventPayload struct {
	Type string       `json:"type"` // speech_start, speech_chunk, speech_end
	Data VADEventData `json:"data"`
}

// VADEventData carries the detail of a VAD event
type VADEventData struct {
	Timestamp   int64          `json:"timestamp"`
	Probability float64        `json:"probability"`
	Provider    string         `json:"provider"`
	Debug       map[string]any `json:"debug,omitempty"`
}

// ConversationStatePayload reports a turn-taking state transition
type ConversationStatePayload struct {
	State string `json:"state"`
}

// TranscriptionPayload carries the transcript of a finalized segment
type TranscriptionPayload struct {
	Text string `json:"text"`
}

// FrameAckPayload acknowledges an accepted audio frame
type FrameAckPayload struct {
	Timestamp int64  `json:"timestamp"`
	FrameID   uint64 `json:"frameId"`
}

// PongPayload answers a ping
type PongPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// StatsPayload answers a get_stats request
type StatsPayload struct {
	Session any `json:"session"`
	Global  any `json:"global"`
}

// ErrorPayload surfaces a per-turn error to the client
type ErrorPayload struct {
	Message string `json:"message"`
}

// ResponseAudioPayload delivers one synthesized response chunk, in
// ascending chunk-id order
type ResponseAudioPayload struct {
	ChunkID int    `json:"chunkId"`
	Text    string `json:"text,omitempty"`
	Audio   string `json:"audio"` // Base64-encoded PCM16 samples
}

// Decode parses a raw inbound message into an envelope
func Decode(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("message missing type")
	}
	return &env, nil
}

// DecodeData parses the envelope payload into the given struct
func DecodeData(env *Envelope, v any) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("%s message missing data", env.Type)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("failed to decode %s data: %w", env.Type, err)
	}
	return nil
}

// Encode builds the wire form of an outbound message
func Encode(t MessageType, data any) ([]byte, error) {
	env := Envelope{Type: t}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s data: %w", t, err)
		}
		env.Data = raw
	}
	return json.Marshal(env)
}
