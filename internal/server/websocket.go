package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ingenio-legal/amelia-bridge/internal/metrics"
	"github.com/ingenio-legal/amelia-bridge/internal/pcm"
	"github.com/ingenio-legal/amelia-bridge/internal/playback"
	"github.com/ingenio-legal/amelia-bridge/internal/protocol"
	"github.com/ingenio-legal/amelia-bridge/internal/session"
	"github.com/ingenio-legal/amelia-bridge/internal/transcript"
)

// errMicrophoneDenied is returned when the visitor refused microphone access
var errMicrophoneDenied = errors.New("microphone permission denied")

// BridgeConfig contains voice bridge configuration
type BridgeConfig struct {
	AllowedOrigins    []string
	PermissionTimeout time.Duration // how long a call waits for the microphone decision
	WriteTimeout      time.Duration
	PingInterval      time.Duration
	MaxQueuedFrames   int // outgoing frames buffered before a slow client is dropped
}

// DefaultBridgeConfig returns the bridge defaults
func DefaultBridgeConfig() BridgeConfig {
	return BridgeConfig{
		PermissionTimeout: 30 * time.Second,
		WriteTimeout:      10 * time.Second,
		PingInterval:      30 * time.Second,
		MaxQueuedFrames:   2048,
	}
}

// VoiceBridge serves the voice widget WebSocket. Each connection gets its own
// session controller through the manager.
type VoiceBridge struct {
	manager  *session.Manager
	config   BridgeConfig
	logger   *slog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
}

// NewVoiceBridge creates a voice bridge
func NewVoiceBridge(manager *session.Manager, config BridgeConfig, logger *slog.Logger, m *metrics.Metrics) *VoiceBridge {
	defaults := DefaultBridgeConfig()
	if config.PermissionTimeout <= 0 {
		config.PermissionTimeout = defaults.PermissionTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.PingInterval <= 0 {
		config.PingInterval = defaults.PingInterval
	}
	if config.MaxQueuedFrames <= 0 {
		config.MaxQueuedFrames = defaults.MaxQueuedFrames
	}
	if logger == nil {
		logger = slog.Default()
	}

	b := &VoiceBridge{
		manager: manager,
		config:  config,
		logger:  logger,
		metrics: m,
	}
	b.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 16384,
		CheckOrigin:     b.checkOrigin,
	}
	return b
}

// checkOrigin accepts same-origin requests and the configured origins
func (b *VoiceBridge) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range b.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// ServeHTTP upgrades the request and runs the connection until it closes
func (b *VoiceBridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("Failed to upgrade voice connection",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		b.metrics.RecordHTTPError(r.Method, "/ws/voice", "upgrade_error")
		return
	}

	conn := newVoiceConn(ws, b.config, b.logger.With(slog.String("remote_addr", r.RemoteAddr)))

	entry, err := b.manager.Create(conn, conn)
	if err != nil {
		conn.send(protocol.NewError(err.Error()))
		conn.close()
		<-conn.writerDone
		return
	}
	conn.entry = entry
	conn.logger = conn.logger.With(slog.String("session_id", entry.ID))
	conn.logger.Info("Voice widget connected")

	conn.send(protocol.NewStatus(entry.Controller.State().String(), entry.Controller.Status()))

	go func() {
		select {
		case <-entry.Controller.Done():
			// Removed by the manager, e.g. after the idle timeout
			conn.close()
		case <-conn.closed:
		}
	}()

	conn.readLoop()

	b.manager.Remove(entry.ID)
	conn.close()
	<-conn.writerDone
	conn.logger.Info("Voice widget disconnected")
}

// voiceConn is one widget connection. It is the controller's Devices and
// Observer, and the Sink of the call's virtual output.
type voiceConn struct {
	ws     *websocket.Conn
	config BridgeConfig
	logger *slog.Logger
	entry  *session.Entry
	ctx    context.Context
	cancel context.CancelFunc

	// Outgoing frames, drained by the writer goroutine
	queue      []*protocol.ServerMessage
	queueMu    sync.Mutex
	wake       chan struct{}
	closed     chan struct{}
	closeOnce  sync.Once
	writerDone chan struct{}

	// Microphone permission as reported by the widget
	granted *bool
	changed chan struct{}
	mic     *browserMicrophone
	micMu   sync.Mutex
}

func newVoiceConn(ws *websocket.Conn, config BridgeConfig, logger *slog.Logger) *voiceConn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &voiceConn{
		ws:         ws,
		config:     config,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		wake:       make(chan struct{}, 1),
		closed:     make(chan struct{}),
		writerDone: make(chan struct{}),
		changed:    make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// send queues a frame for the writer. It never blocks.
func (c *voiceConn) send(msg *protocol.ServerMessage) {
	select {
	case <-c.closed:
		return
	default:
	}

	c.queueMu.Lock()
	if len(c.queue) >= c.config.MaxQueuedFrames {
		c.queueMu.Unlock()
		c.logger.Warn("Voice client too slow, closing connection", slog.Int("queued", c.config.MaxQueuedFrames))
		go c.close()
		return
	}
	c.queue = append(c.queue, msg)
	c.queueMu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *voiceConn) writeLoop() {
	defer close(c.writerDone)
	defer c.ws.Close()

	ping := time.NewTicker(c.config.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-c.wake:
			c.queueMu.Lock()
			batch := c.queue
			c.queue = nil
			c.queueMu.Unlock()

			for _, msg := range batch {
				if err := c.write(msg); err != nil {
					c.logger.Debug("Voice write failed", slog.String("error", err.Error()))
					c.close()
					return
				}
			}
		case <-ping.C:
			deadline := time.Now().Add(c.config.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.close()
				return
			}
		case <-c.closed:
			c.flush()
			return
		}
	}
}

// flush writes whatever is still queued, then a close frame
func (c *voiceConn) flush() {
	c.queueMu.Lock()
	batch := c.queue
	c.queue = nil
	c.queueMu.Unlock()

	for _, msg := range batch {
		if err := c.write(msg); err != nil {
			return
		}
	}
	deadline := time.Now().Add(c.config.WriteTimeout)
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
}

func (c *voiceConn) write(msg *protocol.ServerMessage) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	c.ws.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *voiceConn) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		close(c.closed)
	})
}

func (c *voiceConn) readLoop() {
	c.ws.SetReadLimit(protocol.MaxControlSize * 16)
	c.ws.SetPongHandler(func(string) error {
		c.entry.Touch()
		return nil
	})

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("Voice widget disconnected unexpectedly", slog.String("error", err.Error()))
			}
			return
		}
		c.entry.Touch()

		switch messageType {
		case websocket.BinaryMessage:
			samples, err := protocol.ParseAudioFrame(data)
			if err != nil {
				c.send(protocol.NewError(err.Error()))
				continue
			}
			c.pushSamples(samples)

		case websocket.TextMessage:
			msg, err := protocol.ParseClientMessage(data)
			if err != nil {
				c.logger.Debug("Rejected widget message", slog.String("error", err.Error()))
				c.send(protocol.NewError(err.Error()))
				continue
			}
			c.handle(msg)
		}

		select {
		case <-c.closed:
			return
		default:
		}
	}
}

func (c *voiceConn) handle(msg *protocol.ClientMessage) {
	ctrl := c.entry.Controller

	var err error
	switch msg.Type {
	case protocol.TypeStart:
		// Start blocks until the call is open; microphone frames must keep
		// flowing meanwhile
		go func() {
			if err := ctrl.Start(c.ctx); err != nil {
				c.logger.Info("Call did not start", slog.String("error", err.Error()))
				if errors.Is(err, session.ErrBusy) {
					c.send(protocol.NewError(err.Error()))
				}
			}
		}()
	case protocol.TypeMicrophone:
		c.setPermission(*msg.Granted)
	case protocol.TypeMute:
		err = ctrl.SetMuted(*msg.Muted)
	case protocol.TypeText:
		err = ctrl.SendText(msg.Text)
	case protocol.TypeStop:
		err = ctrl.Stop()
	}

	if err != nil {
		c.logger.Warn("Widget command failed",
			slog.String("type", msg.Type),
			slog.String("error", err.Error()),
		)
		c.send(protocol.NewError(err.Error()))
	}
}

// setPermission records the microphone decision. Revoking it loses the
// microphone of a call in progress.
func (c *voiceConn) setPermission(granted bool) {
	c.micMu.Lock()
	defer c.micMu.Unlock()

	c.granted = &granted
	close(c.changed)
	c.changed = make(chan struct{})

	if !granted && c.mic != nil {
		c.mic.lose()
		c.mic = nil
	}
}

func (c *voiceConn) pushSamples(samples []float32) {
	c.micMu.Lock()
	mic := c.mic
	c.micMu.Unlock()

	if mic != nil {
		mic.push(samples)
	}
}

// AcquireInput waits for the widget's microphone decision
func (c *voiceConn) AcquireInput(ctx context.Context) (session.InputDevice, error) {
	timeout := time.NewTimer(c.config.PermissionTimeout)
	defer timeout.Stop()

	for {
		c.micMu.Lock()
		if c.granted != nil {
			defer c.micMu.Unlock()
			if !*c.granted {
				return nil, errMicrophoneDenied
			}
			if c.mic != nil {
				c.mic.lose()
			}
			c.mic = newBrowserMicrophone()
			return c.mic, nil
		}
		changed := c.changed
		c.micMu.Unlock()

		select {
		case <-changed:
		case <-timeout.C:
			return nil, fmt.Errorf("no microphone decision within %s", c.config.PermissionTimeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.closed:
			return nil, fmt.Errorf("connection closed")
		}
	}
}

// AcquireOutput opens a virtual output forwarding buffers to the widget
func (c *voiceConn) AcquireOutput(ctx context.Context) (playback.Output, error) {
	select {
	case <-c.closed:
		return nil, fmt.Errorf("connection closed")
	default:
	}
	return playback.NewVirtualOutput(c), nil
}

// Play forwards a scheduled buffer
func (c *voiceConn) Play(id uint64, buf *pcm.Buffer, at float64) {
	c.send(protocol.NewAudio(id, buf, at))
}

// Cancel tells the widget to drop a scheduled buffer
func (c *voiceConn) Cancel(id uint64) {
	c.send(protocol.NewStopAudio(id))
}

// StatusChanged forwards the status line
func (c *voiceConn) StatusChanged(state session.State, status string) {
	c.send(protocol.NewStatus(state.String(), status))
}

// MessageAdded forwards a transcript message
func (c *voiceConn) MessageAdded(msg transcript.Message) {
	c.send(protocol.NewTranscriptMessage(string(msg.Role), msg.Text))
}

// browserMicrophone is the input device fed by binary widget frames
type browserMicrophone struct {
	frames    chan []float32
	done      chan struct{}
	closeOnce sync.Once
	lost      bool
	lostMu    sync.Mutex
}

func newBrowserMicrophone() *browserMicrophone {
	return &browserMicrophone{
		frames: make(chan []float32, 64),
		done:   make(chan struct{}),
	}
}

// push hands samples to the controller, waiting while it catches up
func (m *browserMicrophone) push(samples []float32) {
	m.lostMu.Lock()
	defer m.lostMu.Unlock()
	if m.lost {
		return
	}
	select {
	case m.frames <- samples:
	case <-m.done:
	}
}

// lose ends the frame stream, which the controller treats as a lost device
func (m *browserMicrophone) lose() {
	m.lostMu.Lock()
	defer m.lostMu.Unlock()
	if !m.lost {
		m.lost = true
		close(m.frames)
	}
}

func (m *browserMicrophone) Frames() <-chan []float32 {
	return m.frames
}

func (m *browserMicrophone) Close() error {
	m.closeOnce.Do(func() { close(m.done) })
	return nil
}
