package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/ingenio-legal/amelia-bridge/internal/metrics"
)

var (
	// ErrMissingCredential is returned when no API key is configured
	ErrMissingCredential = errors.New("missing API key")

	// ErrClosed is returned by Send after Close
	ErrClosed = errors.New("chat client closed")
)

// Conversation is one multi-turn chat with the model
type Conversation interface {
	SendMessage(ctx context.Context, text string) (string, error)
}

// Opener starts new conversations
type Opener interface {
	Open(ctx context.Context) (Conversation, error)
}

// Config contains chat client configuration
type Config struct {
	Timeout          time.Duration
	MaxRetries       int
	MaxConcurrent    int
	RetryBackoff     time.Duration
	MaxConversations int
	ConversationTTL  time.Duration
}

// Reply is the assistant's answer to one message
type Reply struct {
	ConversationID string        `json:"conversation_id"`
	Text           string        `json:"text"`
	Duration       time.Duration `json:"duration"`
}

// ClientStats represents client statistics
type ClientStats struct {
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	TotalRetries    uint64        `json:"total_retries"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ActiveRequests  int           `json:"active_requests"`
	Conversations   int           `json:"conversations"`
}

type conversation struct {
	conv     Conversation
	lastUsed time.Time // guarded by Client.convMu
	mu       sync.Mutex
}

// Client sends chat messages, keeping one conversation per id
type Client struct {
	config    Config
	opener    Opener
	logger    *slog.Logger
	metrics   *metrics.Metrics
	semaphore chan struct{} // Rate limiting semaphore
	closed    atomic.Bool
	closeOnce sync.Once

	conversations map[string]*conversation
	convMu        sync.Mutex

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	totalRetries    uint64
	avgResponseTime time.Duration

	mu sync.RWMutex
}

// NewClient creates a chat client
func NewClient(config Config, opener Opener, logger *slog.Logger, m *metrics.Metrics) (*Client, error) {
	if opener == nil {
		return nil, fmt.Errorf("opener cannot be nil")
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 10
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		config:        config,
		opener:        opener,
		logger:        logger,
		metrics:       m,
		semaphore:     make(chan struct{}, config.MaxConcurrent),
		conversations: make(map[string]*conversation),
	}, nil
}

// Send delivers text to the conversation with the given id, creating it when
// the id is empty or unknown
func (c *Client) Send(ctx context.Context, conversationID, text string) (*Reply, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("message text is empty")
	}

	if c.closed.Load() {
		return nil, ErrClosed
	}

	// Acquire semaphore for rate limiting
	select {
	case c.semaphore <- struct{}{}:
		defer func() { <-c.semaphore }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if c.closed.Load() {
		return nil, ErrClosed
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	startTime := time.Now()
	c.incrementTotalRequests()
	c.metrics.RecordChatRequest()

	conversationID, conv, err := c.conversation(ctx, conversationID)
	if err != nil {
		c.recordFailure(startTime)
		return nil, fmt.Errorf("failed to open conversation: %w", err)
	}

	// Messages within one conversation are strictly sequential
	conv.mu.Lock()
	defer conv.mu.Unlock()

	var lastErr error

	// Retry loop with exponential backoff
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.incrementTotalRetries()
			c.metrics.RecordChatRetry()

			backoffTime := time.Duration(math.Pow(2, float64(attempt-1))) * c.config.RetryBackoff
			if backoffTime > 30*time.Second {
				backoffTime = 30 * time.Second
			}

			select {
			case <-time.After(backoffTime):
			case <-ctx.Done():
				c.recordFailure(startTime)
				return nil, ctx.Err()
			}
		}

		answer, err := conv.conv.SendMessage(ctx, text)
		if err == nil {
			duration := time.Since(startTime)
			c.incrementSuccessRequests()
			c.updateAvgResponseTime(duration)
			c.metrics.RecordChatSuccess(duration.Seconds())
			return &Reply{ConversationID: conversationID, Text: answer, Duration: duration}, nil
		}

		lastErr = err
		c.logger.Warn("Chat request failed",
			slog.String("conversation_id", conversationID),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)

		if !isRetryableError(err) {
			break
		}
	}

	c.recordFailure(startTime)
	return nil, fmt.Errorf("chat failed after %d attempts: %w", c.config.MaxRetries+1, lastErr)
}

// conversation returns the conversation for id, opening a new one if needed
func (c *Client) conversation(ctx context.Context, id string) (string, *conversation, error) {
	c.convMu.Lock()
	defer c.convMu.Unlock()

	c.pruneLocked(time.Now())

	if id != "" {
		if conv, ok := c.conversations[id]; ok {
			conv.lastUsed = time.Now()
			return id, conv, nil
		}
	} else {
		id = uuid.NewString()
	}

	opened, err := c.opener.Open(ctx)
	if err != nil {
		return "", nil, err
	}
	conv := &conversation{conv: opened, lastUsed: time.Now()}
	c.conversations[id] = conv

	c.logger.Debug("Opened chat conversation", slog.String("conversation_id", id))
	return id, conv, nil
}

// pruneLocked drops expired conversations and, over the limit, the least
// recently used ones
func (c *Client) pruneLocked(now time.Time) {
	if c.config.ConversationTTL > 0 {
		for id, conv := range c.conversations {
			if now.Sub(conv.lastUsed) > c.config.ConversationTTL {
				delete(c.conversations, id)
			}
		}
	}
	if c.config.MaxConversations <= 0 {
		return
	}
	for len(c.conversations) >= c.config.MaxConversations {
		var oldestID string
		var oldest time.Time
		for id, conv := range c.conversations {
			if oldestID == "" || conv.lastUsed.Before(oldest) {
				oldestID, oldest = id, conv.lastUsed
			}
		}
		delete(c.conversations, oldestID)
	}
}

// Forget drops a conversation
func (c *Client) Forget(conversationID string) bool {
	c.convMu.Lock()
	defer c.convMu.Unlock()

	_, ok := c.conversations[conversationID]
	delete(c.conversations, conversationID)
	return ok
}

// isRetryableError reports whether err is worth another attempt
func isRetryableError(err error) bool {
	if errors.Is(err, ErrMissingCredential) || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Rate limiting and server errors are retryable
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == 429 || apiErr.Code >= 500
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := err.Error()
	return strings.Contains(msg, "connection") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "refused")
}

func (c *Client) recordFailure(startTime time.Time) {
	c.incrementFailedRequests()
	c.metrics.RecordChatFailure(time.Since(startTime).Seconds())
}

// Statistics methods
func (c *Client) incrementTotalRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
}

func (c *Client) incrementSuccessRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successRequests++
}

func (c *Client) incrementFailedRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedRequests++
}

func (c *Client) incrementTotalRetries() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRetries++
}

func (c *Client) updateAvgResponseTime(responseTime time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Simple moving average
	if c.avgResponseTime == 0 {
		c.avgResponseTime = responseTime
	} else {
		c.avgResponseTime = (c.avgResponseTime + responseTime) / 2
	}
}

// Stats returns current client statistics
func (c *Client) Stats() ClientStats {
	c.convMu.Lock()
	conversations := len(c.conversations)
	c.convMu.Unlock()

	c.mu.RLock()
	defer c.mu.RUnlock()

	successRate := float64(0)
	if c.totalRequests > 0 {
		successRate = float64(c.successRequests) / float64(c.totalRequests) * 100
	}

	return ClientStats{
		TotalRequests:   c.totalRequests,
		SuccessRequests: c.successRequests,
		FailedRequests:  c.failedRequests,
		SuccessRate:     successRate,
		TotalRetries:    c.totalRetries,
		AvgResponseTime: c.avgResponseTime,
		ActiveRequests:  len(c.semaphore),
		Conversations:   conversations,
	}
}

// Close rejects new messages and waits for all active requests to complete.
// It is safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		for i := 0; i < c.config.MaxConcurrent; i++ {
			c.semaphore <- struct{}{}
		}
		for i := 0; i < c.config.MaxConcurrent; i++ {
			<-c.semaphore
		}
	})
	return nil
}
