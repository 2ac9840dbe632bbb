package stt

import (
	"bytes"
	"context"
	"fmt"

	prerecorded "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/rest"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"

	"github.com/edustream/voice-session/internal/config"
	"github.com/edustream/voice-session/internal/resilience"
)

// DeepgramClient implements Transcriber against Deepgram's prerecorded
// REST API. Segments are short, so the prerecorded endpoint is a better
// fit than a streaming connection per segment.
type DeepgramClient struct {
	cfg     *config.Config
	client  *prerecorded.Client
	breaker *resilience.CircuitBreaker
	retry   resilience.RetryConfig
}

// NewDeepgramClient creates a Deepgram transcription client
func NewDeepgramClient(cfg *config.Config) *DeepgramClient {
	rest := listenClient.NewREST(cfg.DeepgramAPIKey, &interfaces.ClientOptions{})
	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = cfg.RetryMaxAttempts
	retry.InitialBackoff = cfg.RetryInitialBackoff

	return &DeepgramClient{
		cfg:     cfg,
		client:  prerecorded.New(rest),
		breaker: resilience.NewCircuitBreaker("deepgram", cfg.CircuitBreakerMaxFailures, cfg.CircuitBreakerResetTimeout),
		retry:   retry,
	}
}

// Transcribe posts the segment audio and returns the top transcript
func (d *DeepgramClient) Transcribe(ctx context.Context, audio []byte) (string, error) {
	if len(audio) == 0 {
		return "", fmt.Errorf("empty audio segment")
	}

	options := &interfaces.PreRecordedTranscriptionOptions{
		Model:       d.cfg.DeepgramModel,
		Language:    d.cfg.DeepgramLanguage,
		Punctuate:   true,
		SmartFormat: true,
	}

	var transcript string
	err := d.breaker.Call(func() error {
		return resilience.Retry(ctx, d.retry, func() error {
			res, err := d.client.FromStream(ctx, bytes.NewReader(audio), options)
			if err != nil {
				return fmt.Errorf("deepgram request failed: %w", err)
			}
			if res == nil || len(res.Results.Channels) == 0 ||
				len(res.Results.Channels[0].Alternatives) == 0 {
				return fmt.Errorf("deepgram returned no transcription alternatives")
			}
			transcript = res.Results.Channels[0].Alternatives[0].Transcript
			return nil
		})
	})
	if err != nil {
		return "", err
	}
	return transcript, nil
}
