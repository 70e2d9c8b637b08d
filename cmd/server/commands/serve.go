package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ingenio-legal/amelia-bridge/internal/capture"
	"github.com/ingenio-legal/amelia-bridge/internal/chat"
	"github.com/ingenio-legal/amelia-bridge/internal/config"
	"github.com/ingenio-legal/amelia-bridge/internal/live"
	"github.com/ingenio-legal/amelia-bridge/internal/metrics"
	"github.com/ingenio-legal/amelia-bridge/internal/server"
	"github.com/ingenio-legal/amelia-bridge/internal/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bridge server",
	Long: `Start the HTTP API, the text chat endpoint and the voice WebSocket.

The server runs until SIGINT or SIGTERM, then drains HTTP requests, ends every
open call and waits for in-flight chat requests.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.HTTP.Enabled {
		return errors.New("http server is disabled, nothing to serve")
	}

	// Initialize logger based on configuration
	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", cfgFile),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.Int("http_port", cfg.HTTP.Port),
		slog.String("http_address", cfg.HTTP.Address),
		slog.Int("max_sessions", cfg.Sessions.MaxSessions),
		slog.Int("input_sample_rate", cfg.Audio.InputSampleRate),
		slog.Int("output_sample_rate", cfg.Audio.OutputSampleRate),
		slog.Int("block_size", cfg.Audio.BlockSize),
		slog.String("live_model", cfg.Live.Model),
		slog.String("chat_model", cfg.Chat.Model),
		slog.String("log_level", cfg.Logging.Level),
	)

	if !cfg.HasCredential() {
		logger.Warn("No Gemini credential configured, calls and chat will fail until one is set",
			slog.String("env", config.EnvAPIKey),
		)
	}

	appMetrics := metrics.NewMetrics(nil)
	logger.Info("Prometheus metrics initialized")

	dialer := live.NewDialer(nil, live.Config{
		APIKey:            cfg.APIKey,
		Model:             cfg.Live.Model,
		Voice:             cfg.Live.Voice,
		LanguageCode:      cfg.Live.LanguageCode,
		SystemInstruction: cfg.Live.SystemInstruction,
	}, logger)

	sessionConfig := session.DefaultConfig()
	sessionConfig.APIKey = cfg.APIKey
	sessionConfig.Capture = capture.Config{
		BlockSize:  cfg.Audio.BlockSize,
		SampleRate: cfg.Audio.InputSampleRate,
	}
	sessionConfig.OutputSampleRate = cfg.Audio.OutputSampleRate
	sessionConfig.OutputChannels = cfg.Audio.Channels
	sessionConfig.Greeting = cfg.Sessions.Greeting
	sessionConfig.Fallback = cfg.Sessions.Fallback
	sessionConfig.FallbackDelay = cfg.Sessions.GetFallbackDelayDuration()
	sessionConfig.DialTimeout = cfg.Live.GetDialTimeoutDuration()

	sessionMgr, err := session.NewManager(logger, session.ManagerConfig{
		Session:         sessionConfig,
		MaxSessions:     cfg.Sessions.MaxSessions,
		IdleTimeout:     cfg.Sessions.GetIdleTimeoutDuration(),
		CleanupInterval: cfg.Sessions.GetCleanupIntervalDuration(),
	}, dialer, appMetrics)
	if err != nil {
		return fmt.Errorf("failed to create session manager: %w", err)
	}
	logger.Info("Session manager initialized",
		slog.Duration("idle_timeout", cfg.Sessions.GetIdleTimeoutDuration()),
		slog.Int("max_sessions", cfg.Sessions.MaxSessions),
	)

	opener := chat.NewGeminiOpener(nil, chat.GeminiConfig{
		APIKey:            cfg.APIKey,
		Model:             cfg.Chat.Model,
		SystemInstruction: cfg.Chat.SystemInstruction,
		Temperature:       cfg.Chat.Temperature,
	})
	chatClient, err := chat.NewClient(chat.Config{
		Timeout:          cfg.Chat.GetTimeoutDuration(),
		MaxRetries:       cfg.Chat.MaxRetries,
		MaxConcurrent:    cfg.Chat.MaxConcurrent,
		MaxConversations: cfg.Chat.MaxConversations,
		ConversationTTL:  cfg.Chat.GetConversationTTLDuration(),
	}, opener, logger, appMetrics)
	if err != nil {
		sessionMgr.Stop()
		return fmt.Errorf("failed to create chat client: %w", err)
	}

	bridge := server.DefaultBridgeConfig()
	bridge.AllowedOrigins = cfg.HTTP.AllowedOrigins

	httpServer := server.NewHTTPServer(server.HTTPServerConfig{
		Port:         cfg.HTTP.Port,
		Address:      cfg.HTTP.Address,
		ReadTimeout:  cfg.HTTP.GetReadTimeoutDuration(),
		WriteTimeout: cfg.HTTP.GetWriteTimeoutDuration(),
		Bridge:       bridge,
	}, logger, cfg, sessionMgr, chatClient, appMetrics, nil)

	if err := httpServer.Start(); err != nil {
		sessionMgr.Stop()
		chatClient.Close()
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	// Setup signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("http_address", fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port)),
	)

	<-ctx.Done()
	logger.Info("Starting graceful shutdown...")

	// Stop HTTP server first (stop accepting new requests)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
	}

	// End every call and stop the cleanup routine
	sessionMgr.Stop()

	if err := chatClient.Close(); err != nil {
		logger.Error("Error closing chat client", slog.String("error", err.Error()))
	}

	sessionStats := sessionMgr.Stats()
	chatStats := chatClient.Stats()
	logger.Info("Final service statistics",
		slog.Uint64("sessions_created", sessionStats.Created),
		slog.Uint64("sessions_expired", sessionStats.Expired),
		slog.Uint64("sessions_rejected", sessionStats.Rejected),
		slog.Uint64("chat_requests", chatStats.TotalRequests),
		slog.Uint64("chat_failures", chatStats.FailedRequests),
	)

	logger.Info("Service stopped")
	return nil
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	// Determine output destination
	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
