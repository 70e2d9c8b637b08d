package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ingenio-legal/amelia-bridge/internal/chat"
	"github.com/ingenio-legal/amelia-bridge/internal/config"
	"github.com/ingenio-legal/amelia-bridge/internal/metrics"
	"github.com/ingenio-legal/amelia-bridge/internal/session"
)

const (
	serviceName    = "amelia-bridge"
	serviceVersion = "1.0.0"

	maxChatBodySize = 16 * 1024
)

// HTTPServer provides the widget endpoints plus monitoring and management
type HTTPServer struct {
	server   *http.Server
	handler  http.Handler
	logger   *slog.Logger
	config   *config.Config
	sessions *session.Manager
	chat     *chat.Client
	bridge   *VoiceBridge
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer

	// Server state
	startTime time.Time
}

// HTTPServerConfig contains HTTP server configuration
type HTTPServerConfig struct {
	Port         int
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Bridge       BridgeConfig
}

// ChatRequest is the body of POST /chat
type ChatRequest struct {
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
}

// ChatResponse is the reply to POST /chat. On failure Text carries the
// apology shown to the visitor and Error is set.
type ChatResponse struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Role           string `json:"role"`
	Text           string `json:"text"`
	Error          string `json:"error,omitempty"`
}

// NewHTTPServer creates a new HTTP server. A nil gatherer serves the default
// Prometheus registry.
func NewHTTPServer(cfg HTTPServerConfig, logger *slog.Logger, appConfig *config.Config,
	sessions *session.Manager, chatClient *chat.Client, m *metrics.Metrics, gatherer prometheus.Gatherer) *HTTPServer {

	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	h := &HTTPServer{
		logger:    logger,
		config:    appConfig,
		sessions:  sessions,
		chat:      chatClient,
		bridge:    NewVoiceBridge(sessions, cfg.Bridge, logger, m),
		metrics:   m,
		gatherer:  gatherer,
		startTime: time.Now(),
	}

	// Create HTTP server with routes
	mux := http.NewServeMux()
	h.setupRoutes(mux)
	h.handler = mux

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// Handler returns the routed handler
func (h *HTTPServer) Handler() http.Handler {
	return h.handler
}

// setupRoutes configures HTTP routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	// Health check endpoint
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))

	// Voice session monitoring and management
	mux.HandleFunc("/sessions", h.withMetrics("/sessions", h.handleSessions))
	mux.HandleFunc("/sessions/", h.withMetrics("/sessions/{id}", h.handleSessionDetail))

	// Configuration endpoint
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))

	// Statistics endpoint
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))

	// Text chat widget
	mux.HandleFunc("/chat", h.withMetrics("/chat", h.handleChat))

	// Voice widget
	mux.HandleFunc("/ws/voice", h.withMetrics("/ws/voice", h.bridge.ServeHTTP))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	mux.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	// Root endpoint with API documentation
	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		// Create a response writer wrapper to capture status code
		ww := &responseWriter{ResponseWriter: w, statusCode: 200}

		// Call the original handler
		handler(ww, r)

		// Record metrics
		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		// Record error if status code indicates an error
		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrade take over the connection
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP server...")

	return h.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	uptime := time.Since(h.startTime)
	sessionStats := h.sessions.Stats()
	chatStats := h.chat.Stats()

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    uptime.String(),
		"service": map[string]interface{}{
			"name":    serviceName,
			"version": serviceVersion,
		},
		"components": map[string]interface{}{
			"credential": map[string]interface{}{
				"configured": h.config.HasCredential(),
			},
			"session_manager": map[string]interface{}{
				"status":          "running",
				"active_sessions": sessionStats.Active,
				"rejected":        sessionStats.Rejected,
			},
			"chat": map[string]interface{}{
				"status":          "running",
				"total_requests":  chatStats.TotalRequests,
				"success_rate":    chatStats.SuccessRate,
				"active_requests": chatStats.ActiveRequests,
			},
		},
	}

	writeJSON(w, http.StatusOK, health)
}

// handleSessions implements the /sessions endpoint
func (h *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	infos := h.sessions.List()

	response := map[string]interface{}{
		"total_sessions": len(infos),
		"timestamp":      time.Now().UTC(),
		"sessions":       infos,
	}

	writeJSON(w, http.StatusOK, response)
}

// handleSessionDetail implements GET and DELETE /sessions/{id}
func (h *HTTPServer) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/sessions/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "Session ID required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		entry, exists := h.sessions.Get(id)
		if !exists {
			http.Error(w, "Session not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"session":    entry.Info(),
			"transcript": entry.Controller.Transcript(),
		})

	case http.MethodDelete:
		if !h.sessions.Remove(id) {
			http.Error(w, "Session not found", http.StatusNotFound)
			return
		}
		h.logger.Info("Session removed via API", slog.String("session_id", id))
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Return sanitized configuration (the API key is never exposed)
	sanitizedConfig := map[string]interface{}{
		"http": map[string]interface{}{
			"port":            h.config.HTTP.Port,
			"address":         h.config.HTTP.Address,
			"allowed_origins": h.config.HTTP.AllowedOrigins,
		},
		"audio": map[string]interface{}{
			"input_sample_rate":  h.config.Audio.InputSampleRate,
			"output_sample_rate": h.config.Audio.OutputSampleRate,
			"channels":           h.config.Audio.Channels,
			"block_size":         h.config.Audio.BlockSize,
		},
		"live": map[string]interface{}{
			"model":         h.config.Live.Model,
			"voice":         h.config.Live.Voice,
			"language_code": h.config.Live.LanguageCode,
			"dial_timeout":  h.config.Live.DialTimeout,
		},
		"chat": map[string]interface{}{
			"model":             h.config.Chat.Model,
			"timeout":           h.config.Chat.Timeout,
			"max_retries":       h.config.Chat.MaxRetries,
			"max_concurrent":    h.config.Chat.MaxConcurrent,
			"max_conversations": h.config.Chat.MaxConversations,
		},
		"sessions": map[string]interface{}{
			"max_sessions":     h.config.Sessions.MaxSessions,
			"idle_timeout":     h.config.Sessions.IdleTimeout,
			"cleanup_interval": h.config.Sessions.CleanupInterval,
			"fallback_delay":   h.config.Sessions.FallbackDelay,
		},
		"logging": map[string]interface{}{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
		"credential_configured": h.config.HasCredential(),
	}

	writeJSON(w, http.StatusOK, sanitizedConfig)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := map[string]interface{}{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"sessions":  h.sessions.Stats(),
		"chat":      h.chat.Stats(),
	}

	writeJSON(w, http.StatusOK, stats)
}

// handleChat implements the text chat widget: GET returns the greeting,
// POST sends one message
func (h *HTTPServer) handleChat(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, ChatResponse{Role: "assistant", Text: h.config.Chat.Greeting})
		return
	case http.MethodPost:
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ChatRequest
	body := http.MaxBytesReader(w, r.Body, maxChatBodySize)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		http.Error(w, "Message text required", http.StatusBadRequest)
		return
	}

	reply, err := h.chat.Send(r.Context(), req.ConversationID, req.Text)
	if err != nil {
		logLevel := slog.LevelError
		if errors.Is(err, chat.ErrMissingCredential) {
			logLevel = slog.LevelWarn
		}
		h.logger.Log(r.Context(), logLevel, "Chat request failed",
			slog.String("conversation_id", req.ConversationID),
			slog.String("error", err.Error()),
		)

		writeJSON(w, http.StatusOK, ChatResponse{
			ConversationID: req.ConversationID,
			Role:           "assistant",
			Text:           h.config.Chat.Apology,
			Error:          err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, ChatResponse{
		ConversationID: reply.ConversationID,
		Role:           "assistant",
		Text:           reply.Text,
	})
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	apiDoc := map[string]interface{}{
		"service": "Amelia voice and chat bridge",
		"version": serviceVersion,
		"endpoints": map[string]interface{}{
			"GET /":                 "API documentation",
			"GET /health":           "Service health check",
			"GET /sessions":         "List voice sessions",
			"GET /sessions/{id}":    "Get voice session details and transcript",
			"DELETE /sessions/{id}": "End a voice session",
			"GET /config":           "Get service configuration",
			"GET /stats":            "Get service statistics",
			"GET /chat":             "Get the chat greeting",
			"POST /chat":            "Send a chat message",
			"GET /ws/voice":         "Voice widget WebSocket",
			"GET /metrics":          "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	writeJSON(w, http.StatusOK, apiDoc)
}
