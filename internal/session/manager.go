package session

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/edustream/voice-session/internal/audio"
	"github.com/edustream/voice-session/internal/config"
	"github.com/edustream/voice-session/internal/conversation"
	"github.com/edustream/voice-session/internal/generation"
	"github.com/edustream/voice-session/internal/observability"
	"github.com/edustream/voice-session/internal/playback"
	"github.com/edustream/voice-session/internal/protocol"
	"github.com/edustream/voice-session/internal/segment"
	"github.com/edustream/voice-session/internal/stats"
	"github.com/edustream/voice-session/internal/stt"
	"github.com/edustream/voice-session/internal/tts"
	"github.com/edustream/voice-session/internal/vad"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// The gateway sits behind the app's own origin checks; allow all
		// origins here.
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Manager accepts connections, creates and destroys session records,
// multiplexes inbound control and audio messages to the owning session's
// pipeline, and runs the heartbeat that evicts stale sessions.
type Manager struct {
	cfg      *config.Config
	registry *Registry
	monitor  *stats.Monitor

	transcriber stt.Transcriber
	generator   generation.Generator
	synthesizer tts.Synthesizer

	logger zerolog.Logger
}

// NewManager wires the manager with its collaborators
func NewManager(
	cfg *config.Config,
	transcriber stt.Transcriber,
	generator generation.Generator,
	synthesizer tts.Synthesizer,
	monitor *stats.Monitor,
	logger zerolog.Logger,
) *Manager {
	return &Manager{
		cfg:         cfg,
		registry:    NewRegistry(cfg.MaxSessions),
		monitor:     monitor,
		transcriber: transcriber,
		generator:   generator,
		synthesizer: synthesizer,
		logger:      logger,
	}
}

// Registry exposes the session registry for stats and tests
func (m *Manager) Registry() *Registry { return m.registry }

// HandleWS is the entry point for client WebSocket connections
func (m *Manager) HandleWS() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			m.logger.Error().Err(err).Msg("Failed to upgrade connection to WebSocket")
			return
		}

		s, err := m.connect(conn)
		if err != nil {
			// Admission-time capacity rejection is fatal to the
			// connection attempt, never enters the pipeline.
			observability.RecordSessionRejected()
			m.logger.Warn().Err(err).Msg("Connection rejected at admission")
			sender := newSender(conn)
			_ = sender.Send(protocol.TypeError, protocol.ErrorPayload{Message: "session capacity reached"})
			_ = sender.Close()
			return
		}

		go m.pipeline(s)
		m.readLoop(s)
		m.disconnect(s, "client disconnected")
	}
}

// connect admits a new session if the cap allows, builds its pipeline
// components, and sends the connected message.
func (m *Manager) connect(conn wsConn) (*Session, error) {
	id := uuid.New().String()
	logger := observability.WithSession(id, observability.NewCorrelationID())

	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()

	s := &Session{
		ID:           id,
		CreatedAt:    now,
		lastActivity: now,
		sender:       newSender(conn),
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
	}

	s.ingest = audio.NewIngest(audio.IngestConfig{
		QueueSize:     m.cfg.FrameQueueSize,
		MaxFrameBytes: m.cfg.MaxFrameBytes,
	}, logger)
	s.ingest.OnDrop(func() {
		observability.RecordFrameDropped()
		m.monitor.RecordFrameDropped()
	})
	s.ingest.OnGap(func() {
		observability.RecordPacketLossGap()
		m.monitor.RecordPacketLossGap()
	})

	s.engine = vad.NewEngine(vad.Config{
		PositiveThreshold:  m.cfg.VADPositiveThreshold,
		NegativeThreshold:  m.cfg.VADNegativeThreshold,
		MinSpeechFrames:    m.cfg.VADMinSpeechFrames,
		RedemptionFrames:   m.cfg.VADRedemptionFrames,
		PrespeechPadFrames: m.cfg.VADPrespeechPadFrames,
		FallbackFailures:   m.cfg.VADFallbackFailures,
	}, vad.NewAdaptiveProvider(), vad.NewEnergyProvider(m.cfg.VADEnergyThreshold), logger)
	s.engine.OnFallback(observability.RecordVADFallback)

	s.assembler = segment.NewAssembler(segment.Config{
		MinFrames: m.cfg.MinSegmentFrames,
	}, logger)

	s.machine = conversation.NewMachine(logger, func(state conversation.State) {
		if err := s.sender.Send(protocol.TypeConversationState, protocol.ConversationStatePayload{
			State: string(state),
		}); err != nil {
			logger.Debug().Err(err).Msg("Failed to send conversation state")
		}
	})

	s.queue = playback.NewQueue(&chunkPlayer{sender: s.sender, sampleRate: 16000}, m.cfg.ChunkQueueSize, logger)
	s.queue.OnFirstChunk(func() {
		s.machine.ResponseStarted()
	})
	s.queue.OnDrained(func() {
		// Settle delay absorbs trailing audio; ResponseDone is a no-op
		// if an interruption moved the state away in the meantime.
		time.AfterFunc(m.cfg.SpeakingSettleDelay, func() {
			s.machine.ResponseDone()
		})
	})
	s.queue.OnStatus(func(status string) {
		observability.RecordChunkPlayed(status)
		m.monitor.SetQueueOccupancy(s.ID, s.queue.Occupancy())
	})

	if err := m.registry.Add(s); err != nil {
		cancel()
		return nil, err
	}

	s.metrics = observability.NewSessionMetrics(id)
	m.monitor.SessionOpened()
	s.queue.Start()

	logger.Info().Int("active_sessions", m.registry.Len()).Msg("Session established")

	if err := s.sender.Send(protocol.TypeConnected, protocol.ConnectedPayload{
		SessionID:   id,
		VADProvider: s.engine.ActiveProvider(),
		VADStats:    s.engine.Stats(),
		VADConfig:   s.engine.ConfigSnapshot(),
	}); err != nil {
		logger.Warn().Err(err).Msg("Failed to send connected message")
	}

	return s, nil
}

// readLoop drains inbound messages until the connection drops. It never
// blocks on collaborator awaits: audio frames only enter the bounded
// ingest queue here.
func (m *Manager) readLoop(s *Session) {
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		_, raw, err := s.sender.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}
		s.Touch()

		env, err := protocol.Decode(raw)
		if err != nil {
			// Malformed message: logged, dropped, session continues.
			s.logger.Warn().Err(err).Msg("Dropping malformed message")
			s.recordError()
			m.monitor.RecordError()
			continue
		}

		m.handleMessage(s, env)
	}
}

// handleMessage routes one inbound message to the owning session
func (m *Manager) handleMessage(s *Session, env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeAudioChunk:
		var payload protocol.AudioChunkPayload
		if err := protocol.DecodeData(env, &payload); err != nil {
			s.logger.Warn().Err(err).Msg("Dropping undecodable audio message")
			s.recordError()
			m.monitor.RecordError()
			return
		}
		frame, err := s.ingest.Decode(payload.AudioData, payload.Timestamp, payload.Seq, payload.Format)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Dropping invalid audio frame")
			s.recordError()
			m.monitor.RecordError()
			observability.RecordError("invalid_frame", "ingest")
			return
		}
		s.ingest.Push(frame)
		if err := s.sender.Send(protocol.TypeFrameAck, protocol.FrameAckPayload{
			Timestamp: time.Now().UnixMilli(),
			FrameID:   frame.Seq,
		}); err != nil {
			s.logger.Debug().Err(err).Msg("Failed to send frame ack")
		}

	case protocol.TypePing:
		if err := s.sender.Send(protocol.TypePong, protocol.PongPayload{
			Timestamp: time.Now().UnixMilli(),
		}); err != nil {
			s.logger.Debug().Err(err).Msg("Failed to send pong")
		}

	case protocol.TypeGetStats:
		m.sendStats(s)

	case protocol.TypeSwitchVADProvider:
		var payload protocol.SwitchProviderPayload
		if err := protocol.DecodeData(env, &payload); err != nil {
			s.logger.Warn().Err(err).Msg("Dropping invalid provider-switch request")
			return
		}
		// Takes effect on the next classified frame.
		if err := s.engine.SwitchTo(payload.Provider); err != nil {
			_ = s.sender.Send(protocol.TypeError, protocol.ErrorPayload{Message: err.Error()})
		}

	default:
		s.logger.Warn().Str("type", string(env.Type)).Msg("Unknown message type")
	}
}

// pipeline is the session's single processing loop: frames are classified
// strictly in arrival order, and turns are dispatched without blocking
// further ingest. The assembler is owned by this goroutine alone, so the
// open segment is discarded here on exit rather than during teardown.
func (m *Manager) pipeline(s *Session) {
	defer s.assembler.Discard()
	for {
		select {
		case <-s.ctx.Done():
			return
		case f := <-s.ingest.Frames():
			m.processFrame(s, f)
		}
	}
}

func (m *Manager) processFrame(s *Session, f *audio.Frame) {
	s.recordFrame(len(f.Samples))
	s.metrics.RecordFrame(len(f.Samples))
	m.monitor.RecordFrame(len(f.Samples))

	ev, err := s.engine.Process(f)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Frame classification failed")
		s.recordError()
		m.monitor.RecordError()
		observability.RecordError("classification", "vad")
		return
	}
	if ev == nil {
		return
	}

	observability.RecordVADEvent(string(ev.Type), ev.Provider)
	if err := s.sender.Send(protocol.TypeVADEvent, protocol.VADEventPayload{
		Type: string(ev.Type),
		Data: protocol.VADEventData{
			Timestamp:   ev.Frame.Timestamp.UnixMilli(),
			Probability: ev.Probability,
			Provider:    ev.Provider,
			Debug:       ev.Debug,
		},
	}); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to send VAD event")
	}

	switch ev.Type {
	case vad.EventSpeechStart:
		transitioned, interrupted := s.machine.SpeechStarted()
		if interrupted {
			// Stop-and-clear is synchronous with respect to this frame;
			// in-flight playback and the abandoned turn are cancelled
			// before the next frame is processed.
			observability.RecordInterruption()
			s.queue.Interrupt()
			s.cancelTurn()
			s.logger.Info().Msg("User speech interrupted playback")
		}
		if transitioned {
			s.assembler.Open(ev.Padding, ev.Frame)
		}

	case vad.EventSpeechChunk:
		s.assembler.Append(ev.Frame)

	case vad.EventSpeechEnd:
		if !s.assembler.HasOpen() {
			return
		}
		seg, ok := s.assembler.Finalize(ev.Frame)
		if !ok {
			// Too short to transcribe; not an error.
			if s.machine.State() == conversation.StateListening {
				s.machine.ToIdle()
			}
			return
		}
		if s.machine.SpeechEnded() {
			s.recordTurn()
			go m.runTurn(s, seg)
		}
	}
}

// runTurn drives one turn: transcribe the segment, stream generated text,
// synthesize each chunk concurrently, and hand results to the ordered
// playback queue.
func (m *Manager) runTurn(s *Session, seg *segment.Segment) {
	ctx, cancel := context.WithCancel(s.ctx)
	s.setTurnCancel(cancel)
	defer cancel()

	turnStart := time.Now()

	s.metrics.RecordTranscriptionStart()
	transcript, err := m.transcriber.Transcribe(ctx, seg.Bytes())
	s.metrics.RecordTranscriptionEnd(err == nil)
	m.monitor.RecordTranscription(err == nil)
	if err != nil {
		if ctx.Err() == nil {
			m.failTurn(s, "transcription failed", err)
		}
		return
	}
	if transcript == "" {
		s.logger.Debug().Msg("Empty transcript, abandoning turn")
		s.machine.ToIdle()
		return
	}

	if err := s.sender.Send(protocol.TypeTranscription, protocol.TranscriptionPayload{Text: transcript}); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to send transcription")
	}

	stream, err := m.generator.Generate(ctx, s.ID, transcript)
	if err != nil {
		if ctx.Err() == nil {
			m.failTurn(s, "response generation failed", err)
		}
		return
	}

	// Chunk ids are assigned by the generation stream; synthesis runs
	// concurrently, so chunks may reach the queue out of id order. The
	// queue restores ordering.
	turn := s.queue.Epoch()
	var wg sync.WaitGroup
	var mu sync.Mutex
	chunkCount := 0
	synthFailed := false

	for chunk := range stream {
		if ctx.Err() != nil {
			break
		}
		chunkCount++
		wg.Add(1)
		go func(tc generation.TextChunk) {
			defer wg.Done()
			res, err := m.synthesizer.Synthesize(ctx, tc.Index, tc.Text)
			s.metrics.RecordSynthesis(err == nil)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Error().Err(err).Int("chunk_id", tc.Index).Msg("Synthesis failed")
					mu.Lock()
					synthFailed = true
					mu.Unlock()
				}
				return
			}
			s.metrics.RecordAudioOut(len(res.Audio))
			if err := s.queue.Add(turn, res.ID, res.Text, res.Audio); err != nil {
				s.logger.Warn().Err(err).Int("chunk_id", res.ID).Msg("Playback queue rejected chunk")
				observability.RecordError("queue_full", "playback")
			}
			m.monitor.SetQueueOccupancy(s.ID, s.queue.Occupancy())
		}(chunk)
	}
	wg.Wait()

	if ctx.Err() != nil {
		// Interrupted; the queue was already cleared.
		return
	}

	mu.Lock()
	failed := synthFailed
	mu.Unlock()
	if failed {
		s.queue.Clear()
		m.failTurn(s, "speech synthesis failed", nil)
		return
	}

	if chunkCount == 0 {
		s.logger.Debug().Msg("Generation produced no chunks, abandoning turn")
		s.machine.ToIdle()
		return
	}

	s.queue.Complete()
	m.monitor.RecordLatency(time.Since(turnStart))
}

// failTurn surfaces a per-turn collaborator error once and resets
// conversation state
func (m *Manager) failTurn(s *Session, message string, err error) {
	s.logger.Error().Err(err).Msg(message)
	s.recordError()
	m.monitor.RecordError()
	observability.RecordError("turn_failed", "session")
	if err := s.sender.Send(protocol.TypeError, protocol.ErrorPayload{Message: message}); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to send error message")
	}
	s.machine.ToIdle()
}

// sendStats answers a get_stats request
func (m *Manager) sendStats(s *Session) {
	if err := s.sender.Send(protocol.TypeStats, protocol.StatsPayload{
		Session: s.Snapshot(),
		Global:  m.monitor.Snapshot(),
	}); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to send stats")
	}
}

// disconnect tears a session down exactly once, flushing its counters to
// the log and discarding all transient state.
func (m *Manager) disconnect(s *Session, reason string) {
	s.closeOnce.Do(func() {
		s.cancel()
		s.cancelTurn()
		s.queue.Close()

		m.registry.Remove(s.ID)
		m.monitor.SessionClosed(s.ID)
		s.metrics.RecordSessionEnd()
		_ = s.sender.Close()

		counters := s.CountersSnapshot()
		s.logger.Info().
			Str("reason", reason).
			Uint64("frames", counters.FramesReceived).
			Uint64("bytes", counters.BytesProcessed).
			Uint64("errors", counters.Errors).
			Uint64("turns", counters.Turns).
			Dur("lifetime", time.Since(s.CreatedAt)).
			Msg("Session destroyed")
	})
}

// Run drives the heartbeat until the context is cancelled. Independent of
// message traffic, it accrues session duration, evicts idle sessions, and
// logs aggregate health.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	m.logger.Info().
		Dur("interval", m.cfg.HeartbeatInterval).
		Dur("idle_timeout", m.cfg.SessionIdleTimeout).
		Msg("Heartbeat started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.heartbeat()
		}
	}
}

func (m *Manager) heartbeat() {
	now := time.Now()
	var stale []*Session

	m.registry.ForEach(func(s *Session) {
		s.addDuration(m.cfg.HeartbeatInterval)
		if now.Sub(s.LastActivity()) > m.cfg.SessionIdleTimeout {
			stale = append(stale, s)
		}
	})

	for _, s := range stale {
		// Graceful eviction, not an error.
		observability.RecordSessionEvicted()
		s.logger.Info().
			Time("last_activity", s.LastActivity()).
			Msg("Evicting idle session")
		m.disconnect(s, "idle timeout")
	}

	snapshot := m.monitor.Snapshot()
	m.logger.Info().
		Int("active_sessions", m.registry.Len()).
		Uint64("frames", snapshot.FramesReceived).
		Uint64("errors", snapshot.Errors).
		Str("verdict", string(snapshot.Verdict)).
		Msg("Heartbeat")
}
