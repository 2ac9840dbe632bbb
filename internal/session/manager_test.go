package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/edustream/voice-session/internal/audio"
	"github.com/edustream/voice-session/internal/config"
	"github.com/edustream/voice-session/internal/conversation"
	"github.com/edustream/voice-session/internal/generation"
	"github.com/edustream/voice-session/internal/playback"
	"github.com/edustream/voice-session/internal/protocol"
	"github.com/edustream/voice-session/internal/segment"
	"github.com/edustream/voice-session/internal/stats"
	"github.com/edustream/voice-session/internal/tts"
)

// fakeConn is an in-memory wsConn for tests
type fakeConn struct {
	mu      sync.Mutex
	written [][]byte
	reads   chan []byte
	closed  bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{reads: make(chan []byte, 16)}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	msg, ok := <-c.reads
	if !ok {
		return 0, nil, errors.New("connection closed")
	}
	return 1, msg, nil
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.written = append(c.written, cp)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// messagesOfType decodes all written envelopes of one type
func (c *fakeConn) messagesOfType(t protocol.MessageType) []json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []json.RawMessage
	for _, raw := range c.written {
		var env protocol.Envelope
		if json.Unmarshal(raw, &env) == nil && env.Type == t {
			out = append(out, env.Data)
		}
	}
	return out
}

type stubTranscriber struct {
	text string
	err  error
}

func (s *stubTranscriber) Transcribe(ctx context.Context, audio []byte) (string, error) {
	return s.text, s.err
}

type stubGenerator struct {
	chunks []string
	err    error
}

func (s *stubGenerator) Generate(ctx context.Context, conversationID, transcript string) (<-chan generation.TextChunk, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make(chan generation.TextChunk, len(s.chunks))
	for i, text := range s.chunks {
		out <- generation.TextChunk{Index: i + 1, Text: text}
	}
	close(out)
	return out, nil
}

type stubSynthesizer struct {
	err error
}

func (s *stubSynthesizer) Synthesize(ctx context.Context, chunkID int, text string) (*tts.Chunk, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &tts.Chunk{ID: chunkID, Text: text, Audio: []byte{0, 0}, SampleRate: 16000}, nil
}

func testManagerConfig() *config.Config {
	return &config.Config{
		MaxSessions:           10,
		SessionIdleTimeout:    30 * time.Minute,
		HeartbeatInterval:     30 * time.Second,
		FrameQueueSize:        100,
		MaxFrameBytes:         65536,
		ChunkQueueSize:        100,
		VADPositiveThreshold:  0.60,
		VADNegativeThreshold:  0.35,
		VADMinSpeechFrames:    3,
		VADRedemptionFrames:   12,
		VADPrespeechPadFrames: 8,
		VADFallbackFailures:   3,
		VADEnergyThreshold:    500,
		MinSegmentFrames:      3,
		SpeakingSettleDelay:   5 * time.Millisecond,
	}
}

func newTestManager(cfg *config.Config, tr *stubTranscriber, gen *stubGenerator, syn *stubSynthesizer) *Manager {
	return NewManager(cfg, tr, gen, syn, stats.NewMonitor(stats.DefaultThresholds()), zerolog.Nop())
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestRegistry_Capacity(t *testing.T) {
	r := NewRegistry(2)

	s1 := &Session{ID: "a"}
	s2 := &Session{ID: "b"}
	if err := r.Add(s1); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := r.Add(s2); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := r.Add(&Session{ID: "c"}); !errors.Is(err, ErrCapacity) {
		t.Errorf("Expected ErrCapacity, got %v", err)
	}

	if _, ok := r.Get("a"); !ok {
		t.Error("Expected session a to be present")
	}
	r.Remove("a")
	if _, ok := r.Get("a"); ok {
		t.Error("Expected session a to be gone")
	}
	if r.Len() != 1 {
		t.Errorf("Expected 1 session, got %d", r.Len())
	}

	// Room again after removal.
	if err := r.Add(&Session{ID: "c"}); err != nil {
		t.Errorf("Expected Add after Remove to succeed, got %v", err)
	}
}

func TestManager_ConnectSendsConnected(t *testing.T) {
	m := newTestManager(testManagerConfig(), &stubTranscriber{}, &stubGenerator{}, &stubSynthesizer{})

	conn := newFakeConn()
	s, err := m.connect(conn)
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer m.disconnect(s, "test done")

	msgs := conn.messagesOfType(protocol.TypeConnected)
	if len(msgs) != 1 {
		t.Fatalf("Expected 1 connected message, got %d", len(msgs))
	}
	var payload protocol.ConnectedPayload
	if err := json.Unmarshal(msgs[0], &payload); err != nil {
		t.Fatalf("Failed to decode connected payload: %v", err)
	}
	if payload.SessionID != s.ID {
		t.Errorf("Expected session id %s, got %s", s.ID, payload.SessionID)
	}
	if payload.VADProvider != "adaptive" {
		t.Errorf("Expected initial provider adaptive, got %s", payload.VADProvider)
	}
	if m.Registry().Len() != 1 {
		t.Errorf("Expected 1 registered session, got %d", m.Registry().Len())
	}
}

func TestManager_ConnectRejectsAtCapacity(t *testing.T) {
	cfg := testManagerConfig()
	cfg.MaxSessions = 1
	m := newTestManager(cfg, &stubTranscriber{}, &stubGenerator{}, &stubSynthesizer{})

	s, err := m.connect(newFakeConn())
	if err != nil {
		t.Fatalf("First connect failed: %v", err)
	}
	defer m.disconnect(s, "test done")

	if _, err := m.connect(newFakeConn()); !errors.Is(err, ErrCapacity) {
		t.Errorf("Expected ErrCapacity, got %v", err)
	}
	if m.Registry().Len() != 1 {
		t.Errorf("Expected 1 session, got %d", m.Registry().Len())
	}
}

func TestManager_PingPong(t *testing.T) {
	m := newTestManager(testManagerConfig(), &stubTranscriber{}, &stubGenerator{}, &stubSynthesizer{})

	conn := newFakeConn()
	s, err := m.connect(conn)
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer m.disconnect(s, "test done")

	m.handleMessage(s, &protocol.Envelope{Type: protocol.TypePing})

	if len(conn.messagesOfType(protocol.TypePong)) != 1 {
		t.Error("Expected a pong response")
	}
}

func TestManager_GetStats(t *testing.T) {
	m := newTestManager(testManagerConfig(), &stubTranscriber{}, &stubGenerator{}, &stubSynthesizer{})

	conn := newFakeConn()
	s, err := m.connect(conn)
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer m.disconnect(s, "test done")

	m.handleMessage(s, &protocol.Envelope{Type: protocol.TypeGetStats})

	msgs := conn.messagesOfType(protocol.TypeStats)
	if len(msgs) != 1 {
		t.Fatalf("Expected 1 stats message, got %d", len(msgs))
	}
	var payload struct {
		Session Snapshot          `json:"session"`
		Global  stats.GlobalStats `json:"global"`
	}
	if err := json.Unmarshal(msgs[0], &payload); err != nil {
		t.Fatalf("Failed to decode stats payload: %v", err)
	}
	if payload.Session.ID != s.ID {
		t.Errorf("Expected session id %s, got %s", s.ID, payload.Session.ID)
	}
	if payload.Global.ActiveSessions != 1 {
		t.Errorf("Expected 1 active session in global stats, got %d", payload.Global.ActiveSessions)
	}
}

func TestManager_SwitchProvider(t *testing.T) {
	m := newTestManager(testManagerConfig(), &stubTranscriber{}, &stubGenerator{}, &stubSynthesizer{})

	conn := newFakeConn()
	s, err := m.connect(conn)
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer m.disconnect(s, "test done")

	data, _ := json.Marshal(protocol.SwitchProviderPayload{Provider: "energy"})
	m.handleMessage(s, &protocol.Envelope{Type: protocol.TypeSwitchVADProvider, Data: data})
	if s.engine.ActiveProvider() != "energy" {
		t.Errorf("Expected provider energy, got %s", s.engine.ActiveProvider())
	}

	// Unknown provider: error message, engine unchanged.
	data, _ = json.Marshal(protocol.SwitchProviderPayload{Provider: "neural"})
	m.handleMessage(s, &protocol.Envelope{Type: protocol.TypeSwitchVADProvider, Data: data})
	if s.engine.ActiveProvider() != "energy" {
		t.Errorf("Expected provider still energy, got %s", s.engine.ActiveProvider())
	}
	if len(conn.messagesOfType(protocol.TypeError)) != 1 {
		t.Error("Expected an error message for unknown provider")
	}
}

func TestManager_AudioChunkAcked(t *testing.T) {
	m := newTestManager(testManagerConfig(), &stubTranscriber{}, &stubGenerator{}, &stubSynthesizer{})

	conn := newFakeConn()
	s, err := m.connect(conn)
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer m.disconnect(s, "test done")

	data, _ := json.Marshal(protocol.AudioChunkPayload{
		AudioData: "AAAAAA==", // 4 zero bytes
		Timestamp: time.Now().UnixMilli(),
		Seq:       1,
		Format:    "pcm16",
	})
	m.handleMessage(s, &protocol.Envelope{Type: protocol.TypeAudioChunk, Data: data})

	acks := conn.messagesOfType(protocol.TypeFrameAck)
	if len(acks) != 1 {
		t.Fatalf("Expected 1 frame ack, got %d", len(acks))
	}
	var ack protocol.FrameAckPayload
	if err := json.Unmarshal(acks[0], &ack); err != nil {
		t.Fatalf("Failed to decode ack: %v", err)
	}
	if ack.FrameID != 1 {
		t.Errorf("Expected acked frame 1, got %d", ack.FrameID)
	}
	if len(s.ingest.Frames()) != 1 {
		t.Errorf("Expected 1 queued frame, got %d", len(s.ingest.Frames()))
	}
}

func TestManager_InvalidAudioDropped(t *testing.T) {
	m := newTestManager(testManagerConfig(), &stubTranscriber{}, &stubGenerator{}, &stubSynthesizer{})

	conn := newFakeConn()
	s, err := m.connect(conn)
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer m.disconnect(s, "test done")

	data, _ := json.Marshal(protocol.AudioChunkPayload{AudioData: "", Seq: 1})
	m.handleMessage(s, &protocol.Envelope{Type: protocol.TypeAudioChunk, Data: data})

	if len(conn.messagesOfType(protocol.TypeFrameAck)) != 0 {
		t.Error("Expected no ack for invalid frame")
	}
	if s.CountersSnapshot().Errors != 1 {
		t.Errorf("Expected 1 recorded error, got %d", s.CountersSnapshot().Errors)
	}
}

func TestManager_RunTurnDeliversOrderedAudio(t *testing.T) {
	m := newTestManager(testManagerConfig(),
		&stubTranscriber{text: "what is photosynthesis"},
		&stubGenerator{chunks: []string{"Photosynthesis is", "how plants", "make food."}},
		&stubSynthesizer{})

	conn := newFakeConn()
	s, err := m.connect(conn)
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer m.disconnect(s, "test done")

	// Put the machine in processing as the pipeline would.
	s.machine.SpeechStarted()
	s.machine.SpeechEnded()

	seg := &segment.Segment{}
	m.runTurn(s, seg)

	waitFor(t, func() bool {
		return len(conn.messagesOfType(protocol.TypeResponseAudio)) == 3
	}, "Expected 3 response audio chunks")

	// Transcript is echoed to the client.
	trs := conn.messagesOfType(protocol.TypeTranscription)
	if len(trs) != 1 {
		t.Fatalf("Expected 1 transcription message, got %d", len(trs))
	}
	var tr protocol.TranscriptionPayload
	if err := json.Unmarshal(trs[0], &tr); err != nil {
		t.Fatalf("Failed to decode transcription: %v", err)
	}
	if tr.Text != "what is photosynthesis" {
		t.Errorf("Unexpected transcript: %q", tr.Text)
	}

	// Chunks arrive strictly in id order even though synthesis is
	// concurrent.
	var ids []int
	for _, raw := range conn.messagesOfType(protocol.TypeResponseAudio) {
		var p protocol.ResponseAudioPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			t.Fatalf("Failed to decode response audio: %v", err)
		}
		ids = append(ids, p.ChunkID)
	}
	for i, id := range ids {
		if id != i+1 {
			t.Errorf("Play %d: expected chunk %d, got %d", i, i+1, id)
		}
	}

	// After the settle delay the turn returns to idle.
	waitFor(t, func() bool {
		return s.machine.State() == conversation.StateIdle
	}, "Expected machine to settle back to idle")
	if s.CountersSnapshot().Turns != 0 {
		// recordTurn is the pipeline's job, not runTurn's.
		t.Errorf("Expected runTurn not to bump turn counter, got %d", s.CountersSnapshot().Turns)
	}
}

func TestManager_RunTurnTranscriptionFailure(t *testing.T) {
	m := newTestManager(testManagerConfig(),
		&stubTranscriber{err: errors.New("deepgram unavailable")},
		&stubGenerator{chunks: []string{"never"}},
		&stubSynthesizer{})

	conn := newFakeConn()
	s, err := m.connect(conn)
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer m.disconnect(s, "test done")

	s.machine.SpeechStarted()
	s.machine.SpeechEnded()

	m.runTurn(s, &segment.Segment{})

	if len(conn.messagesOfType(protocol.TypeError)) != 1 {
		t.Error("Expected an error message for the failed turn")
	}
	if s.machine.State() != conversation.StateIdle {
		t.Errorf("Expected idle after failed turn, got %s", s.machine.State())
	}
	if len(conn.messagesOfType(protocol.TypeResponseAudio)) != 0 {
		t.Error("Expected no response audio after transcription failure")
	}
}

func TestManager_RunTurnEmptyTranscript(t *testing.T) {
	m := newTestManager(testManagerConfig(),
		&stubTranscriber{text: ""},
		&stubGenerator{chunks: []string{"never"}},
		&stubSynthesizer{})

	conn := newFakeConn()
	s, err := m.connect(conn)
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer m.disconnect(s, "test done")

	s.machine.SpeechStarted()
	s.machine.SpeechEnded()

	m.runTurn(s, &segment.Segment{})

	if s.machine.State() != conversation.StateIdle {
		t.Errorf("Expected idle after empty transcript, got %s", s.machine.State())
	}
	// Not an error: silence is abandoned quietly.
	if len(conn.messagesOfType(protocol.TypeError)) != 0 {
		t.Error("Expected no error message for empty transcript")
	}
}

func TestManager_RunTurnEmptyGeneration(t *testing.T) {
	m := newTestManager(testManagerConfig(),
		&stubTranscriber{text: "hello"},
		&stubGenerator{},
		&stubSynthesizer{})

	conn := newFakeConn()
	s, err := m.connect(conn)
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer m.disconnect(s, "test done")

	s.machine.SpeechStarted()
	s.machine.SpeechEnded()

	m.runTurn(s, &segment.Segment{})

	if s.machine.State() != conversation.StateIdle {
		t.Errorf("Expected idle after empty generation, got %s", s.machine.State())
	}
}

func TestManager_HeartbeatEvictsIdleSessions(t *testing.T) {
	cfg := testManagerConfig()
	cfg.SessionIdleTimeout = 10 * time.Millisecond
	m := newTestManager(cfg, &stubTranscriber{}, &stubGenerator{}, &stubSynthesizer{})

	conn := newFakeConn()
	s, err := m.connect(conn)
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	fresh, err := m.connect(newFakeConn())
	if err != nil {
		t.Fatalf("second connect failed: %v", err)
	}
	defer m.disconnect(fresh, "test done")

	// One session goes idle past the timeout, the other stays active.
	time.Sleep(20 * time.Millisecond)
	fresh.Touch()

	m.heartbeat()

	if _, ok := m.Registry().Get(s.ID); ok {
		t.Error("Expected idle session to be evicted")
	}
	if _, ok := m.Registry().Get(fresh.ID); !ok {
		t.Error("Expected active session to survive the heartbeat")
	}
}

func TestManager_PipelineDiscardsOpenSegmentOnDisconnect(t *testing.T) {
	m := newTestManager(testManagerConfig(), &stubTranscriber{}, &stubGenerator{}, &stubSynthesizer{})

	s, err := m.connect(newFakeConn())
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	// An utterance is mid-flight when the client drops. The pipeline
	// goroutine owns the assembler, so the discard happens on its exit,
	// never from the teardown path.
	s.assembler.Open(nil, &audio.Frame{Samples: []byte{0, 0}, Seq: 1})

	done := make(chan struct{})
	go func() {
		m.pipeline(s)
		close(done)
	}()

	m.disconnect(s, "client dropped")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected pipeline to exit after disconnect")
	}
	if s.assembler.HasOpen() {
		t.Error("Expected open segment discarded when the pipeline exited")
	}
}

func TestManager_DisconnectIsIdempotent(t *testing.T) {
	m := newTestManager(testManagerConfig(), &stubTranscriber{}, &stubGenerator{}, &stubSynthesizer{})

	s, err := m.connect(newFakeConn())
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	m.disconnect(s, "first")
	m.disconnect(s, "second")

	if m.Registry().Len() != 0 {
		t.Errorf("Expected empty registry, got %d", m.Registry().Len())
	}
	if m.monitor.Snapshot().ActiveSessions != 0 {
		t.Errorf("Expected 0 active sessions, got %d", m.monitor.Snapshot().ActiveSessions)
	}
}

func TestChunkPlayer_CancelledBeforePlay(t *testing.T) {
	conn := newFakeConn()
	p := &chunkPlayer{sender: newSender(conn), sampleRate: 16000}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Play(ctx, &playback.Chunk{ID: 1, Audio: []byte{0, 0}})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if len(conn.messagesOfType(protocol.TypeResponseAudio)) != 0 {
		t.Error("Expected no audio sent for cancelled context")
	}
}
