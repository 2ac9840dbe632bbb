package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the voice session gateway
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Session lifecycle
	MaxSessions        int           `envconfig:"MAX_SESSIONS" default:"100"`         // Concurrent session cap; connections beyond it are rejected
	SessionIdleTimeout time.Duration `envconfig:"SESSION_IDLE_TIMEOUT" default:"30m"` // Inactivity before the heartbeat evicts a session
	HeartbeatInterval  time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"30s"`   // Heartbeat/eviction tick

	// Audio ingest configuration
	FrameQueueSize int `envconfig:"FRAME_QUEUE_SIZE" default:"100"` // Bounded per-session frame queue; oldest frame dropped on overflow
	MaxFrameBytes  int `envconfig:"MAX_FRAME_BYTES" default:"65536"`
	ChunkQueueSize int `envconfig:"CHUNK_QUEUE_SIZE" default:"100"` // Bounded per-turn response chunk holding set

	// VAD hysteresis. Empirically tuned, not a protocol contract.
	VADPositiveThreshold  float64 `envconfig:"VAD_POSITIVE_THRESHOLD" default:"0.60"`  // Probability to enter speech
	VADNegativeThreshold  float64 `envconfig:"VAD_NEGATIVE_THRESHOLD" default:"0.35"`  // Probability to stay in speech
	VADMinSpeechFrames    int     `envconfig:"VAD_MIN_SPEECH_FRAMES" default:"3"`      // Consecutive frames above positive threshold to confirm speech
	VADRedemptionFrames   int     `envconfig:"VAD_REDEMPTION_FRAMES" default:"12"`     // Consecutive frames below negative threshold to end speech
	VADPrespeechPadFrames int     `envconfig:"VAD_PRESPEECH_PAD_FRAMES" default:"8"`   // Already-seen frames prepended to a finalized segment

	// VAD fallback
	VADFallbackFailures int     `envconfig:"VAD_FALLBACK_FAILURES" default:"3"`    // Consecutive primary failures before switching provider
	VADEnergyThreshold  float64 `envconfig:"VAD_ENERGY_THRESHOLD" default:"500.0"` // RMS threshold for the energy fallback provider

	// Segment assembly
	MinSegmentFrames int `envconfig:"MIN_SEGMENT_FRAMES" default:"12"` // Shorter segments are discarded without transcription

	// Conversation
	SpeakingSettleDelay time.Duration `envconfig:"SPEAKING_SETTLE_DELAY" default:"300ms"` // Absorbs trailing audio before speaking -> idle

	// Deepgram STT API configuration
	DeepgramAPIKey   string `envconfig:"DEEPGRAM_API_KEY" required:"true"`
	DeepgramModel    string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`
	DeepgramLanguage string `envconfig:"DEEPGRAM_LANGUAGE" default:"en"`

	// Cartesia TTS API configuration
	CartesiaAPIKey  string `envconfig:"CARTESIA_API_KEY" required:"true"`
	CartesiaVoiceID string `envconfig:"CARTESIA_VOICE_ID" default:"sonic-english"`
	CartesiaModelID string `envconfig:"CARTESIA_MODEL_ID" default:"sonic"`

	// Text-generation service (streaming NDJSON over HTTP)
	GenerationURL     string        `envconfig:"GENERATION_URL" default:"http://localhost:9090/v1/generate"`
	GenerationTimeout time.Duration `envconfig:"GENERATION_TIMEOUT" default:"30s"`

	// Resilience configuration
	CircuitBreakerMaxFailures  int           `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`
	CircuitBreakerResetTimeout time.Duration `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30s"`
	RetryMaxAttempts           int           `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`
	RetryInitialBackoff        time.Duration `envconfig:"RETRY_INITIAL_BACKOFF" default:"100ms"`

	// Health verdict thresholds
	QueueWarnOccupancy    float64       `envconfig:"QUEUE_WARN_OCCUPANCY" default:"0.5"`
	QueueErrorOccupancy   float64       `envconfig:"QUEUE_ERROR_OCCUPANCY" default:"0.8"`
	LatencyWarn           time.Duration `envconfig:"LATENCY_WARN" default:"2s"`
	LatencyError          time.Duration `envconfig:"LATENCY_ERROR" default:"5s"`
	TranscriptionWarnRate float64       `envconfig:"TRANSCRIPTION_WARN_RATE" default:"0.9"` // Success rate below this degrades the verdict

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
}

// Load reads configuration from environment variables.
// It first attempts to load from a .env file if one exists.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without consulting a .env file (useful for containerized deployments).
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.DeepgramAPIKey == "" {
		return fmt.Errorf("DEEPGRAM_API_KEY is required")
	}
	if c.CartesiaAPIKey == "" {
		return fmt.Errorf("CARTESIA_API_KEY is required")
	}
	if c.MaxSessions <= 0 {
		return fmt.Errorf("MAX_SESSIONS must be positive, got %d", c.MaxSessions)
	}
	if c.FrameQueueSize <= 0 {
		return fmt.Errorf("FRAME_QUEUE_SIZE must be positive, got %d", c.FrameQueueSize)
	}
	if c.ChunkQueueSize <= 0 {
		return fmt.Errorf("CHUNK_QUEUE_SIZE must be positive, got %d", c.ChunkQueueSize)
	}
	if c.VADNegativeThreshold >= c.VADPositiveThreshold {
		return fmt.Errorf("VAD_NEGATIVE_THRESHOLD (%v) must be below VAD_POSITIVE_THRESHOLD (%v)",
			c.VADNegativeThreshold, c.VADPositiveThreshold)
	}
	if c.VADMinSpeechFrames <= 0 {
		return fmt.Errorf("VAD_MIN_SPEECH_FRAMES must be positive, got %d", c.VADMinSpeechFrames)
	}
	return nil
}
