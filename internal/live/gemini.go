package live

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/ingenio-legal/amelia-bridge/internal/pcm"
	"github.com/ingenio-legal/amelia-bridge/internal/session"
)

// DefaultModel is the native-audio Live model used by the voice widget
const DefaultModel = "gemini-2.5-flash-native-audio-preview-12-2025"

// Config holds Live session parameters
type Config struct {
	APIKey            string
	Model             string
	Voice             string
	LanguageCode      string
	SystemInstruction string
}

// NewClient creates a genai client for the Gemini API backend
func NewClient(ctx context.Context, apiKey string) (*genai.Client, error) {
	if apiKey == "" {
		return nil, session.ErrMissingCredential
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return client, nil
}

// Dialer opens Gemini Live sessions. The genai client is created on the
// first dial so a missing credential never fails startup.
type Dialer struct {
	config Config
	logger *slog.Logger

	client *genai.Client
	mu     sync.Mutex
}

// NewDialer creates a dialer. client may be nil, in which case one is created
// from config.APIKey on first use.
func NewDialer(client *genai.Client, config Config, logger *slog.Logger) *Dialer {
	if config.Model == "" {
		config.Model = DefaultModel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dialer{config: config, logger: logger, client: client}
}

func (d *Dialer) genaiClient(ctx context.Context) (*genai.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.client != nil {
		return d.client, nil
	}
	client, err := NewClient(ctx, d.config.APIKey)
	if err != nil {
		return nil, err
	}
	d.client = client
	return client, nil
}

// Dial connects a new Live session
func (d *Dialer) Dial(ctx context.Context) (session.Remote, error) {
	client, err := d.genaiClient(ctx)
	if err != nil {
		return nil, err
	}

	s, err := client.Live.Connect(ctx, d.config.Model, ConnectConfig(d.config))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", d.config.Model, err)
	}

	d.logger.Info("Connected to Gemini Live",
		slog.String("model", d.config.Model),
		slog.String("voice", d.config.Voice),
	)
	return &Remote{session: s, logger: d.logger}, nil
}

// ConnectConfig builds the Live setup: audio responses in the configured
// voice, the persona instruction, and transcription in both directions
func ConnectConfig(config Config) *genai.LiveConnectConfig {
	cfg := &genai.LiveConnectConfig{
		ResponseModalities:       []genai.Modality{genai.ModalityAudio},
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}
	if config.SystemInstruction != "" {
		cfg.SystemInstruction = genai.NewContentFromText(config.SystemInstruction, genai.RoleUser)
	}
	if config.Voice != "" || config.LanguageCode != "" {
		cfg.SpeechConfig = &genai.SpeechConfig{LanguageCode: config.LanguageCode}
		if config.Voice != "" {
			cfg.SpeechConfig.VoiceConfig = &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: config.Voice},
			}
		}
	}
	return cfg
}

// Remote adapts a genai Live session to session.Remote
type Remote struct {
	session *genai.Session
	logger  *slog.Logger
}

// SendRealtimeInput streams one microphone chunk
func (r *Remote) SendRealtimeInput(ctx context.Context, chunk pcm.Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := pcm.Decode(chunk.Data)
	if err != nil {
		return err
	}
	return r.session.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{Data: data, MIMEType: chunk.MIMEType},
	})
}

// SendText sends typed text as realtime input
func (r *Remote) SendText(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.session.SendRealtimeInput(genai.LiveRealtimeInput{Text: text})
}

// Receive blocks for the next message carrying content. A normal close of the
// underlying connection is reported as io.EOF.
func (r *Remote) Receive() (*session.Inbound, error) {
	for {
		msg, err := r.session.Receive()
		if err != nil {
			if isNormalClose(err) {
				return nil, io.EOF
			}
			return nil, err
		}
		if msg.GoAway != nil {
			r.logger.Warn("Live server is going away")
		}
		if in := ToInbound(msg); in != nil {
			return in, nil
		}
	}
}

// Close ends the Live session
func (r *Remote) Close() error {
	return r.session.Close()
}

// ToInbound converts a server message, returning nil when it carries no
// audio, transcript or turn signal
func ToInbound(msg *genai.LiveServerMessage) *session.Inbound {
	if msg == nil || msg.ServerContent == nil {
		return nil
	}
	content := msg.ServerContent
	in := &session.Inbound{
		TurnComplete: content.TurnComplete,
		Interrupted:  content.Interrupted,
	}

	if content.ModelTurn != nil {
		for _, part := range content.ModelTurn.Parts {
			if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
				continue
			}
			if !strings.HasPrefix(strings.ToLower(part.InlineData.MIMEType), "audio/") {
				continue
			}
			in.Audio = append(in.Audio, pcm.Chunk{
				Data:     pcm.Encode(part.InlineData.Data),
				MIMEType: part.InlineData.MIMEType,
			})
		}
	}
	if content.InputTranscription != nil {
		in.InputTranscript = content.InputTranscription.Text
	}
	if content.OutputTranscription != nil {
		in.OutputTranscript = content.OutputTranscription.Text
	}

	if len(in.Audio) == 0 && in.InputTranscript == "" && in.OutputTranscript == "" &&
		!in.TurnComplete && !in.Interrupted {
		return nil
	}
	return in
}

func isNormalClose(err error) bool {
	if errors.Is(err, io.EOF) {
		return true
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code == websocket.CloseNormalClosure || closeErr.Code == websocket.CloseGoingAway
	}
	return false
}
