package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/edustream/voice-session/internal/config"
	"github.com/edustream/voice-session/internal/generation"
	"github.com/edustream/voice-session/internal/observability"
	"github.com/edustream/voice-session/internal/session"
	"github.com/edustream/voice-session/internal/stats"
	"github.com/edustream/voice-session/internal/stt"
	"github.com/edustream/voice-session/internal/tts"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("generation_url", cfg.GenerationURL).
		Int("max_sessions", cfg.MaxSessions).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Voice Session Service starting")

	transcriber := stt.NewDeepgramClient(cfg)
	synthesizer := tts.NewCartesiaClient(cfg)
	generator := generation.NewHTTPClient(cfg, logger)
	monitor := stats.NewMonitor(stats.Thresholds{
		QueueWarnOccupancy:    cfg.QueueWarnOccupancy,
		QueueErrorOccupancy:   cfg.QueueErrorOccupancy,
		LatencyWarn:           cfg.LatencyWarn,
		LatencyError:          cfg.LatencyError,
		TranscriptionWarnRate: cfg.TranscriptionWarnRate,
	})

	manager := session.NewManager(cfg, transcriber, generator, synthesizer, monitor, logger)

	mux := http.NewServeMux()

	// Client WebSocket endpoint
	mux.HandleFunc("/ws", manager.HandleWS())

	// Health check endpoint
	mux.HandleFunc("/health", observability.HealthCheckHandler())

	// Readiness checks validate collaborator configuration without
	// spending API calls.
	mux.HandleFunc("/ready", observability.ReadinessHandler(map[string]observability.HealthCheckFunc{
		"deepgram": func(ctx context.Context) (bool, error) {
			if cfg.DeepgramAPIKey == "" {
				return false, fmt.Errorf("deepgram API key not configured")
			}
			return true, nil
		},
		"cartesia": func(ctx context.Context) (bool, error) {
			if cfg.CartesiaAPIKey == "" {
				return false, fmt.Errorf("cartesia API key not configured")
			}
			return true, nil
		},
		"generation": func(ctx context.Context) (bool, error) {
			if cfg.GenerationURL == "" {
				return false, fmt.Errorf("generation URL not configured")
			}
			return true, nil
		},
	}))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s/ws", cfg.Port)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return manager.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Fatal().Err(err).Msg("Server terminated with error")
	}

	logger.Info().Msg("Server exited gracefully")
}
