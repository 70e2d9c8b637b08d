package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables holding the Gemini credential, in lookup order
const (
	EnvAPIKey         = "GEMINI_API_KEY"
	EnvAPIKeyFallback = "API_KEY"
)

// Config represents the complete service configuration
type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	Audio    AudioConfig    `yaml:"audio"`
	Live     LiveConfig     `yaml:"live"`
	Chat     ChatConfig     `yaml:"chat"`
	Sessions SessionsConfig `yaml:"sessions"`
	Logging  LoggingConfig  `yaml:"logging"`

	// APIKey is read from the environment, never from the file
	APIKey string `yaml:"-"`
}

// HTTPConfig contains HTTP server configuration
type HTTPConfig struct {
	Port           int      `yaml:"port"`
	Address        string   `yaml:"address"`
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"` // empty allows same-origin only
	ReadTimeout    int      `yaml:"read_timeout"`    // seconds
	WriteTimeout   int      `yaml:"write_timeout"`   // seconds
}

// AudioConfig contains audio processing parameters
type AudioConfig struct {
	InputSampleRate  int `yaml:"input_sample_rate"`
	OutputSampleRate int `yaml:"output_sample_rate"`
	Channels         int `yaml:"channels"`
	BlockSize        int `yaml:"block_size"` // samples per capture block
}

// LiveConfig contains Gemini Live voice session configuration
type LiveConfig struct {
	Model             string `yaml:"model"`
	Voice             string `yaml:"voice"`
	LanguageCode      string `yaml:"language_code"`
	SystemInstruction string `yaml:"system_instruction"`
	DialTimeout       int    `yaml:"dial_timeout"` // seconds
}

// ChatConfig contains text chat configuration
type ChatConfig struct {
	Model             string  `yaml:"model"`
	SystemInstruction string  `yaml:"system_instruction"`
	Temperature       float32 `yaml:"temperature"`
	Timeout           int     `yaml:"timeout"` // seconds
	MaxRetries        int     `yaml:"max_retries"`
	MaxConcurrent     int     `yaml:"max_concurrent"`
	MaxConversations  int     `yaml:"max_conversations"`
	ConversationTTL   int     `yaml:"conversation_ttl"` // seconds
	Greeting          string  `yaml:"greeting"`
	Apology           string  `yaml:"apology"`
}

// SessionsConfig contains voice session management configuration
type SessionsConfig struct {
	MaxSessions     int     `yaml:"max_sessions"`
	IdleTimeout     int     `yaml:"idle_timeout"`     // seconds
	CleanupInterval int     `yaml:"cleanup_interval"` // seconds
	Greeting        string  `yaml:"greeting"`
	Fallback        string  `yaml:"fallback"`
	FallbackDelay   float64 `yaml:"fallback_delay"` // seconds
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Greeting spoken and shown by Amelia when a conversation opens
const defaultGreeting = "Hola, soy Amelia, asistente virtual de Ingenio Servicios Legales. ¿En qué puedo ayudarte hoy?"

const defaultLiveInstruction = `Eres Amelia, asistente virtual de Ingenio Servicios Legales.
Hablas en español neutro, tono profesional y cercano.
Tu función es orientar sobre insolvencia, urbanismo y trámites notariales en Colombia.
Pide permiso antes de solicitar datos sensibles.
Ofrece pasos claros y propone agendar una cita cuando sea necesario.
Identidad: Mujer de 28 años, clara, profesional y empática.`

const defaultChatInstruction = `Eres Amelia, asistente virtual de texto de Ingenio Servicios Legales.
Tu tono es profesional, empático, claro y cercano.
ALCANCE TEMÁTICO:
1) Insolvencia de persona natural no comerciante y pequeños comerciantes.
2) Licencias urbanísticas y procesos sancionatorios.
3) Trámites notariales.
4) Datos de contacto y agendamiento de citas.
Si el usuario consulta algo ajeno, limítate con cortesía a los servicios de la firma.
Pide permiso antes de solicitar datos personales sensibles.
Siempre respondes en español por defecto.`

// Default returns the configuration used for any field the file omits
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Port:         8080,
			Address:      "0.0.0.0",
			Enabled:      true,
			ReadTimeout:  15,
			WriteTimeout: 15,
		},
		Audio: AudioConfig{
			InputSampleRate:  16000,
			OutputSampleRate: 24000,
			Channels:         1,
			BlockSize:        4096,
		},
		Live: LiveConfig{
			Model:             "gemini-2.5-flash-native-audio-preview-12-2025",
			Voice:             "Kore",
			SystemInstruction: defaultLiveInstruction,
			DialTimeout:       15,
		},
		Chat: ChatConfig{
			Model:             "gemini-3-flash-preview",
			SystemInstruction: defaultChatInstruction,
			Timeout:           30,
			MaxRetries:        2,
			MaxConcurrent:     10,
			MaxConversations:  1000,
			ConversationTTL:   1800,
			Greeting:          defaultGreeting,
			Apology:           "Lo siento, hubo un problema al procesar tu solicitud. Por favor intenta de nuevo o contáctanos por WhatsApp.",
		},
		Sessions: SessionsConfig{
			MaxSessions:     100,
			IdleTimeout:     600,
			CleanupInterval: 30,
			Greeting:        defaultGreeting,
			Fallback:        "Entiendo. Para brindarte una respuesta más detallada te sugiero iniciar una llamada o agendar una cita con nuestros expertos.",
			FallbackDelay:   1.0,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load reads and parses the configuration file, then resolves the
// credential from the environment
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	config.APIKey = APIKeyFromEnv()

	return config, nil
}

// LoadEnv loads variables from the given .env files into the process
// environment. Missing files are ignored and existing variables win.
func LoadEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load env file %s: %w", path, err)
		}
	}
	return nil
}

// APIKeyFromEnv returns the Gemini credential, or "" when none is set.
// A missing key is not a configuration error: it only prevents calls.
func APIKeyFromEnv() string {
	for _, name := range []string{EnvAPIKey, EnvAPIKeyFallback} {
		if key := strings.TrimSpace(os.Getenv(name)); key != "" {
			return key
		}
	}
	return ""
}

// HasCredential reports whether an API key is configured
func (c *Config) HasCredential() bool {
	return c.APIKey != ""
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.Live.Validate(); err != nil {
		return fmt.Errorf("live config: %w", err)
	}

	if err := c.Chat.Validate(); err != nil {
		return fmt.Errorf("chat config: %w", err)
	}

	if err := c.Sessions.Validate(); err != nil {
		return fmt.Errorf("sessions config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	if h.ReadTimeout < 0 || h.WriteTimeout < 0 {
		return fmt.Errorf("timeouts cannot be negative")
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.InputSampleRate != 16000 {
		return fmt.Errorf("input_sample_rate must be 16000 Hz, got %d", a.InputSampleRate)
	}

	if a.OutputSampleRate != 24000 {
		return fmt.Errorf("output_sample_rate must be 24000 Hz, got %d", a.OutputSampleRate)
	}

	if a.Channels != 1 {
		return fmt.Errorf("channels must be 1 (mono), got %d", a.Channels)
	}

	if a.BlockSize < 256 || a.BlockSize > 16384 || a.BlockSize&(a.BlockSize-1) != 0 {
		return fmt.Errorf("block_size must be a power of two between 256 and 16384, got %d", a.BlockSize)
	}

	return nil
}

// Validate validates Live configuration
func (l *LiveConfig) Validate() error {
	if l.Model == "" {
		return fmt.Errorf("model cannot be empty")
	}

	if l.DialTimeout < 1 {
		return fmt.Errorf("dial_timeout must be at least 1 second, got %d", l.DialTimeout)
	}

	return nil
}

// Validate validates chat configuration
func (c *ChatConfig) Validate() error {
	if c.Model == "" {
		return fmt.Errorf("model cannot be empty")
	}

	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %f", c.Temperature)
	}

	if c.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", c.Timeout)
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", c.MaxRetries)
	}

	if c.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", c.MaxConcurrent)
	}

	if c.MaxConversations < 0 || c.ConversationTTL < 0 {
		return fmt.Errorf("conversation limits cannot be negative")
	}

	if c.Apology == "" {
		return fmt.Errorf("apology cannot be empty")
	}

	return nil
}

// Validate validates session management configuration
func (s *SessionsConfig) Validate() error {
	if s.MaxSessions < 1 {
		return fmt.Errorf("max_sessions must be at least 1, got %d", s.MaxSessions)
	}

	if s.IdleTimeout < 0 {
		return fmt.Errorf("idle_timeout cannot be negative, got %d", s.IdleTimeout)
	}

	if s.CleanupInterval < 1 {
		return fmt.Errorf("cleanup_interval must be at least 1 second, got %d", s.CleanupInterval)
	}

	if s.FallbackDelay < 0 {
		return fmt.Errorf("fallback_delay cannot be negative, got %f", s.FallbackDelay)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Output may be stdout, stderr or a file path
	return nil
}

// GetReadTimeoutDuration returns the HTTP read timeout as a time.Duration
func (h *HTTPConfig) GetReadTimeoutDuration() time.Duration {
	return time.Duration(h.ReadTimeout) * time.Second
}

// GetWriteTimeoutDuration returns the HTTP write timeout as a time.Duration
func (h *HTTPConfig) GetWriteTimeoutDuration() time.Duration {
	return time.Duration(h.WriteTimeout) * time.Second
}

// GetDialTimeoutDuration returns the Live dial timeout as a time.Duration
func (l *LiveConfig) GetDialTimeoutDuration() time.Duration {
	return time.Duration(l.DialTimeout) * time.Second
}

// GetTimeoutDuration returns the chat timeout as a time.Duration
func (c *ChatConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// GetConversationTTLDuration returns the chat conversation lifetime
func (c *ChatConfig) GetConversationTTLDuration() time.Duration {
	return time.Duration(c.ConversationTTL) * time.Second
}

// GetIdleTimeoutDuration returns the session idle timeout as a time.Duration
func (s *SessionsConfig) GetIdleTimeoutDuration() time.Duration {
	return time.Duration(s.IdleTimeout) * time.Second
}

// GetCleanupIntervalDuration returns the cleanup interval as a time.Duration
func (s *SessionsConfig) GetCleanupIntervalDuration() time.Duration {
	return time.Duration(s.CleanupInterval) * time.Second
}

// GetFallbackDelayDuration returns the fallback reply delay as a time.Duration
func (s *SessionsConfig) GetFallbackDelayDuration() time.Duration {
	return time.Duration(s.FallbackDelay * float64(time.Second))
}
