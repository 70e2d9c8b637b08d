package chat

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/genai"
)

// DefaultModel is the text model used by the chat widget
const DefaultModel = "gemini-3-flash-preview"

// GeminiConfig configures Gemini-backed conversations
type GeminiConfig struct {
	APIKey            string
	Model             string
	SystemInstruction string
	Temperature       float32
}

// GeminiOpener opens conversations through genai Chats. The client is
// created on first use so that a missing key only fails chat requests.
type GeminiOpener struct {
	config GeminiConfig

	client *genai.Client
	mu     sync.Mutex
}

// NewGeminiOpener creates an opener. client may be nil.
func NewGeminiOpener(client *genai.Client, config GeminiConfig) *GeminiOpener {
	if config.Model == "" {
		config.Model = DefaultModel
	}
	return &GeminiOpener{config: config, client: client}
}

func (g *GeminiOpener) genaiClient(ctx context.Context) (*genai.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.client != nil {
		return g.client, nil
	}
	if g.config.APIKey == "" {
		return nil, ErrMissingCredential
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  g.config.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	g.client = client
	return client, nil
}

// Open starts a chat with the persona instruction
func (g *GeminiOpener) Open(ctx context.Context) (Conversation, error) {
	client, err := g.genaiClient(ctx)
	if err != nil {
		return nil, err
	}

	chat, err := client.Chats.Create(ctx, g.config.Model, g.generateConfig(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat: %w", err)
	}
	return &geminiConversation{chat: chat}, nil
}

func (g *GeminiOpener) generateConfig() *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if g.config.SystemInstruction != "" {
		cfg.SystemInstruction = genai.NewContentFromText(g.config.SystemInstruction, genai.RoleUser)
	}
	if g.config.Temperature > 0 {
		cfg.Temperature = genai.Ptr(g.config.Temperature)
	}
	return cfg
}

type geminiConversation struct {
	chat *genai.Chat
}

func (c *geminiConversation) SendMessage(ctx context.Context, text string) (string, error) {
	resp, err := c.chat.SendMessage(ctx, genai.Part{Text: text})
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}
