package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/edustream/voice-session/internal/config"
	"github.com/edustream/voice-session/internal/resilience"
)

// CartesiaClient implements Synthesizer using Cartesia's TTS API
type CartesiaClient struct {
	cfg        *config.Config
	apiURL     string
	httpClient *http.Client
	breaker    *resilience.CircuitBreaker
	retry      resilience.RetryConfig
}

// CartesiaRequest represents the request payload for the Cartesia TTS API
type CartesiaRequest struct {
	Text         string `json:"text"`
	VoiceID      string `json:"voice_id"`
	ModelID      string `json:"model_id,omitempty"`
	OutputFormat string `json:"output_format,omitempty"`
	SampleRate   int    `json:"sample_rate,omitempty"`
}

// NewCartesiaClient creates a new Cartesia TTS client
func NewCartesiaClient(cfg *config.Config) *CartesiaClient {
	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = cfg.RetryMaxAttempts
	retry.InitialBackoff = cfg.RetryInitialBackoff

	return &CartesiaClient{
		cfg:        cfg,
		apiURL:     "https://api.cartesia.ai/v1/tts",
		httpClient: &http.Client{},
		breaker:    resilience.NewCircuitBreaker("cartesia", cfg.CircuitBreakerMaxFailures, cfg.CircuitBreakerResetTimeout),
		retry:      retry,
	}
}

// Synthesize converts one text chunk to PCM16 audio
func (c *CartesiaClient) Synthesize(ctx context.Context, chunkID int, text string) (*Chunk, error) {
	if text == "" {
		return nil, fmt.Errorf("empty text chunk")
	}

	reqBody := CartesiaRequest{
		Text:         text,
		VoiceID:      c.cfg.CartesiaVoiceID,
		ModelID:      c.cfg.CartesiaModelID,
		OutputFormat: "pcm",
		SampleRate:   16000,
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var audio []byte
	err = c.breaker.Call(func() error {
		return resilience.Retry(ctx, c.retry, func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(jsonData))
			if err != nil {
				return fmt.Errorf("failed to create request: %w", err)
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("x-api-key", c.cfg.CartesiaAPIKey)

			resp, err := c.httpClient.Do(req)
			if err != nil {
				return fmt.Errorf("cartesia request failed: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("cartesia API returned status %d", resp.StatusCode)
			}

			audio, err = io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("failed to read cartesia response: %w", err)
			}
			if len(audio) == 0 {
				return fmt.Errorf("cartesia returned empty audio")
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return &Chunk{
		ID:         chunkID,
		Text:       text,
		Audio:      audio,
		SampleRate: 16000,
	}, nil
}
