// Package generation is the text-generation collaborator boundary: a
// transcript in, a stream of text chunks out. Only the chunk-ready signal
// drives conversation state; rendering of the text happens client-side.
package generation

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/edustream/voice-session/internal/config"
	"github.com/rs/zerolog"
)

// TextChunk is one streamed piece of the generated response. Index
// ascends from 1 within a turn and doubles as the response audio chunk id.
type TextChunk struct {
	Index int
	Text  string
}

// Generator streams generated text chunks for a transcript
type Generator interface {
	Generate(ctx context.Context, conversationID, transcript string) (<-chan TextChunk, error)
}

type generateRequest struct {
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
}

type generateLine struct {
	Text  string `json:"text"`
	Done  bool   `json:"done"`
	Error string `json:"error,omitempty"`
}

// HTTPClient implements Generator against a streaming NDJSON endpoint:
// one JSON object per line, terminated by a line with done=true.
type HTTPClient struct {
	cfg        *config.Config
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewHTTPClient creates a generation client
func NewHTTPClient(cfg *config.Config, logger zerolog.Logger) *HTTPClient {
	return &HTTPClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.GenerationTimeout},
		logger:     logger,
	}
}

// Generate posts the transcript and streams back text chunks. The channel
// closes when the stream completes, errors, or the context is cancelled.
func (c *HTTPClient) Generate(ctx context.Context, conversationID, transcript string) (<-chan TextChunk, error) {
	body, err := json.Marshal(generateRequest{
		ConversationID: conversationID,
		Text:           transcript,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.GenerationURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("generation request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("generation service returned status %d", resp.StatusCode)
	}

	out := make(chan TextChunk, 16)
	go func() {
		defer resp.Body.Close()
		defer close(out)

		index := 0
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			if ctx.Err() != nil {
				return
			}
			line := scanner.Bytes()
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}

			var msg generateLine
			if err := json.Unmarshal(line, &msg); err != nil {
				c.logger.Warn().Err(err).Msg("Skipping malformed generation line")
				continue
			}
			if msg.Error != "" {
				c.logger.Error().Str("error", msg.Error).Msg("Generation stream reported error")
				return
			}
			if msg.Text != "" {
				index++
				select {
				case out <- TextChunk{Index: index, Text: msg.Text}:
				case <-ctx.Done():
					return
				}
			}
			if msg.Done {
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			c.logger.Error().Err(err).Msg("Generation stream read failed")
		}
	}()

	return out, nil
}
