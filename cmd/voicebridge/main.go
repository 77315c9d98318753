package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/voicebridge/voicebridge/internal/api"
	"github.com/voicebridge/voicebridge/internal/call"
	"github.com/voicebridge/voicebridge/internal/config"
	"github.com/voicebridge/voicebridge/internal/provider"
	"github.com/voicebridge/voicebridge/internal/relay"
	"github.com/voicebridge/voicebridge/internal/respond"
	"github.com/voicebridge/voicebridge/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting voicebridge",
		"http_port", cfg.HTTPPort,
		"data_dir", cfg.DataDir,
		"allow_inbound", cfg.AllowInbound,
	)

	// Open the call database and run migrations.
	st, err := store.Open(cfg.DataDir, logger)
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	streams := provider.NewMediaStreams(logger)
	twilio, err := provider.NewTwilio(provider.TwilioConfig{
		AccountSID: cfg.TwilioAccountSID,
		AuthToken:  cfg.TwilioAuthToken,
		PublicURL:  cfg.PublicURL,
	}, streams, logger)
	if err != nil {
		slog.Error("failed to create telephony provider", "error", err)
		os.Exit(1)
	}

	// Reply generation is optional; without a key the converse endpoint
	// reports it unconfigured.
	var gen call.Generator
	if cfg.OpenAIKey != "" {
		g, err := respond.New(respond.Config{
			APIKey: cfg.OpenAIKey,
			Model:  cfg.OpenAIModel,
		}, logger)
		if err != nil {
			slog.Error("failed to create response generator", "error", err)
			os.Exit(1)
		}
		gen = g
	} else {
		slog.Warn("no openai key configured, converse endpoint disabled")
	}

	// Each speaking turn opens a fresh synthesis websocket streaming G.711
	// mu-law to the call's media channel.
	newRelay := func(ctx context.Context, providerCallID string) (call.TurnRelay, error) {
		transport := relay.NewWSTransport(relay.WSConfig{
			URL:    cfg.SynthURL,
			APIKey: cfg.SynthAPIKey,
		})
		sink := &mediaSink{provider: twilio, providerCallID: providerCallID}
		return relay.New(ctx, transport, sink, relay.StartParams{
			Voice:      cfg.SynthVoice,
			Encoding:   "pcm_mulaw",
			SampleRate: 8000,
		}, logger), nil
	}

	manager, err := call.NewManager(context.Background(), call.Config{
		DefaultFrom:           cfg.TwilioFrom,
		MaxCallDuration:       cfg.MaxCallDuration,
		TranscriptWaitTimeout: cfg.TranscriptWaitTimeout,
		AllowInbound:          cfg.AllowInbound,
	}, call.Deps{
		Store:     st,
		Provider:  twilio,
		Generator: gen,
		NewRelay:  newRelay,
		Logger:    logger,
	})
	if err != nil {
		slog.Error("failed to initialize call manager", "error", err)
		os.Exit(1)
	}
	manager.Subscribe(call.NewGreetingSubscriber(manager, logger))

	handler := api.NewServer(manager, twilio, streams, cfg, logger)
	defer handler.Close()

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: handler,
		// No WriteTimeout: the continue endpoint legitimately blocks for the
		// transcript wait window, and media websockets live for the call.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Start server in goroutine.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}
	manager.Close()

	slog.Info("voicebridge stopped")
}

// mediaSink bridges the relay's frame output to the provider's per-call
// media channel.
type mediaSink struct {
	provider       call.Provider
	providerCallID string
}

func (s *mediaSink) WriteFrame(frame []byte) error {
	return s.provider.SendMedia(s.providerCallID, frame)
}

func (s *mediaSink) Discard() error {
	return s.provider.DiscardMedia(s.providerCallID)
}
