package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/ingenio-legal/amelia-bridge/internal/capture"
	"github.com/ingenio-legal/amelia-bridge/internal/metrics"
	"github.com/ingenio-legal/amelia-bridge/internal/pcm"
	"github.com/ingenio-legal/amelia-bridge/internal/playback"
	"github.com/ingenio-legal/amelia-bridge/internal/transcript"
)

// Config holds per-controller settings
type Config struct {
	// APIKey gates whether a call can start at all
	APIKey string

	Capture          capture.Config
	OutputSampleRate int
	OutputChannels   int

	// Greeting is appended as an assistant message when a call opens
	Greeting string

	// Fallback is the assistant reply to typed text when no call is open
	Fallback      string
	FallbackDelay time.Duration

	DialTimeout time.Duration
}

// DefaultConfig returns the default controller settings (16 kHz capture, 24 kHz mono output)
func DefaultConfig() Config {
	return Config{
		Capture:          capture.DefaultConfig(),
		OutputSampleRate: pcm.OutputSampleRate,
		OutputChannels:   1,
		FallbackDelay:    time.Second,
		DialTimeout:      15 * time.Second,
	}
}

// Observer is notified of status changes and new transcript messages.
// Callbacks run on the controller's loop and must not call back into it.
type Observer interface {
	StatusChanged(state State, status string)
	MessageAdded(msg transcript.Message)
}

type nopObserver struct{}

func (nopObserver) StatusChanged(State, string)     {}
func (nopObserver) MessageAdded(transcript.Message) {}

// Info is a snapshot of controller state for monitoring
type Info struct {
	State         string         `json:"state"`
	Status        string         `json:"status"`
	Muted         bool           `json:"muted"`
	Calls         uint64         `json:"calls"`
	CallStarted   *time.Time     `json:"call_started,omitempty"`
	Messages      int            `json:"messages"`
	OutboxPending int            `json:"outbox_pending"`
	OutboxSent    uint64         `json:"outbox_sent"`
	OutboxDropped uint64         `json:"outbox_dropped"`
	Capture       capture.Stats  `json:"capture"`
	Playback      playback.Stats `json:"playback"`
}

// Controller runs one voice call at a time. Every field below the loop
// marker is owned by the loop goroutine; public methods post closures to it.
type Controller struct {
	cfg        Config
	dialer     Dialer
	devices    Devices
	observer   Observer
	logger     *slog.Logger
	metrics    *metrics.Metrics
	transcript *transcript.Assembler

	events chan func()
	done   chan struct{}

	// loop-owned
	state          State
	status         string
	muted          bool
	gen            uint64
	call           *call
	pending        chan<- error
	cancelConnect  context.CancelFunc
	connectStarted time.Time
	calls          uint64
	lastCapture    capture.Stats
	lastPlayback   playback.Stats
	lastSent       uint64
	lastDropped    uint64
	quit           bool
}

// call groups everything acquired for one open session
type call struct {
	gen       uint64
	input     InputDevice
	output    playback.Output
	remote    Remote
	scheduler *playback.Scheduler
	capture   *capture.Pipeline
	outbox    *outbox
	inbound   chan inboundResult
	stop      chan struct{}
	cancel    context.CancelFunc
	started   time.Time
}

type inboundResult struct {
	msg *Inbound
	err error
}

type connectResult struct {
	gen    uint64
	input  InputDevice
	output playback.Output
	remote Remote
	err    error
}

// NewController creates a controller in the idle state and starts its loop
func NewController(cfg Config, dialer Dialer, devices Devices, observer Observer, logger *slog.Logger, m *metrics.Metrics) (*Controller, error) {
	if dialer == nil {
		return nil, fmt.Errorf("dialer is required")
	}
	if devices == nil {
		return nil, fmt.Errorf("devices are required")
	}
	if cfg.OutputSampleRate <= 0 {
		return nil, fmt.Errorf("output sample rate must be positive, got %d", cfg.OutputSampleRate)
	}
	if observer == nil {
		observer = nopObserver{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Controller{
		cfg:        cfg,
		dialer:     dialer,
		devices:    devices,
		observer:   observer,
		logger:     logger,
		metrics:    m,
		transcript: transcript.NewAssembler(),
		events:     make(chan func(), 16),
		done:       make(chan struct{}),
		state:      StateIdle,
		status:     StatusIdle,
	}
	go c.run()
	return c, nil
}

func (c *Controller) run() {
	defer close(c.done)

	for !c.quit {
		var frames <-chan []float32
		var inbound <-chan inboundResult
		if c.call != nil {
			frames = c.call.input.Frames()
			inbound = c.call.inbound
		}

		select {
		case fn := <-c.events:
			c.drainFrames()
			fn()
		case samples, ok := <-frames:
			c.captureFrame(samples, ok)
		case r := <-inbound:
			c.handleInbound(r)
		}
	}
}

// drainFrames captures the frames already queued on the input device, so a
// command sees every frame the device delivered before it was posted.
func (c *Controller) drainFrames() {
	if c.call == nil {
		return
	}
	frames := c.call.input.Frames()
	for n := len(frames); n > 0 && c.call != nil; n-- {
		select {
		case samples, ok := <-frames:
			c.captureFrame(samples, ok)
		default:
			return
		}
	}
}

func (c *Controller) captureFrame(samples []float32, ok bool) {
	if !ok {
		c.fail(fmt.Errorf("%w: microphone stream ended", ErrDeviceAccess))
		return
	}
	c.call.capture.Process(samples)
}

// post queues fn on the loop without waiting for it to run
func (c *Controller) post(fn func()) error {
	select {
	case c.events <- fn:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// do runs fn on the loop and waits for it to finish
func (c *Controller) do(fn func()) error {
	ran := make(chan struct{})
	if err := c.post(func() { fn(); close(ran) }); err != nil {
		return err
	}
	select {
	case <-ran:
		return nil
	case <-c.done:
		select {
		case <-ran:
			return nil
		default:
			return ErrClosed
		}
	}
}

// Start opens a call: it checks the credential, acquires the input and
// output devices and dials the remote endpoint. A call that is already open
// is closed first. On failure the controller is left in the errored state
// with nothing acquired, and the error is returned.
func (c *Controller) Start(ctx context.Context) error {
	result := make(chan error, 1)
	if err := c.post(func() { c.handleStart(ctx, result) }); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-c.done:
		select {
		case err := <-result:
			return err
		default:
			return ErrClosed
		}
	}
}

// Stop tears down the current call. When it returns, every playback source
// is stopped and the microphone is released. Stopping an idle or closed
// controller is a no-op. A connection attempt in flight is abandoned and its
// resources are released as soon as it resolves.
func (c *Controller) Stop() error {
	if err := c.do(c.handleStop); err != nil && !errors.Is(err, ErrClosed) {
		return err
	}
	return nil
}

// Close stops the current call and ends the loop. It is safe to call more
// than once.
func (c *Controller) Close() error {
	if err := c.post(func() {
		c.handleStop()
		c.quit = true
	}); err != nil {
		return nil
	}
	<-c.done
	return nil
}

// Done is closed once the controller's loop has exited
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// SetMuted toggles the microphone mute flag. Blocks captured while muted are
// dropped. Frames queued on the input device before the call are captured
// under the previous setting.
func (c *Controller) SetMuted(muted bool) error {
	return c.do(func() {
		if c.muted != muted {
			c.logger.Debug("Mute toggled", slog.Bool("muted", muted))
		}
		c.muted = muted
	})
}

// Muted reports the mute flag
func (c *Controller) Muted() bool {
	var muted bool
	if err := c.do(func() { muted = c.muted }); err != nil {
		return c.muted
	}
	return muted
}

// SendText appends a typed user message. During an open call it is sent to
// the remote endpoint, otherwise the configured fallback reply is appended.
func (c *Controller) SendText(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("message text is empty")
	}
	return c.do(func() {
		c.addMessage(transcript.RoleUser, text)
		if c.call != nil {
			c.call.outbox.push(outboundItem{text: text})
			return
		}
		c.scheduleFallback()
	})
}

// State returns the lifecycle state
func (c *Controller) State() State {
	var s State
	if err := c.do(func() { s = c.state }); err != nil {
		return c.state
	}
	return s
}

// Status returns the user-visible status string
func (c *Controller) Status() string {
	var s string
	if err := c.do(func() { s = c.status }); err != nil {
		return c.status
	}
	return s
}

// Transcript returns the conversation log, oldest first
func (c *Controller) Transcript() []transcript.Message {
	return c.transcript.Messages()
}

// Info returns a monitoring snapshot
func (c *Controller) Info() Info {
	var info Info
	if err := c.do(func() { info = c.snapshot() }); err != nil {
		return c.snapshot()
	}
	return info
}

func (c *Controller) snapshot() Info {
	info := Info{
		State:         c.state.String(),
		Status:        c.status,
		Muted:         c.muted,
		Calls:         c.calls,
		Messages:      c.transcript.Len(),
		Capture:       c.lastCapture,
		Playback:      c.lastPlayback,
		OutboxSent:    c.lastSent,
		OutboxDropped: c.lastDropped,
	}
	if c.call != nil {
		started := c.call.started
		info.CallStarted = &started
		info.Capture = c.call.capture.Stats()
		info.Playback = c.call.scheduler.Stats()
		info.OutboxPending = c.call.outbox.pending()
		info.OutboxSent, info.OutboxDropped = c.call.outbox.stats()
	}
	return info
}

func (c *Controller) handleStart(ctx context.Context, result chan<- error) {
	switch c.state {
	case StateConnecting:
		result <- ErrBusy
		return
	case StateOpen:
		c.logger.Info("Closing open session before starting a new one")
		c.teardown(StateClosed, StatusEnded)
	}

	if c.cfg.APIKey == "" {
		c.metrics.RecordSessionFailed(Kind(ErrMissingCredential))
		c.logger.Warn("Cannot start session without an API key")
		c.setState(StateErrored, errorStatus(reason(ErrMissingCredential)))
		result <- ErrMissingCredential
		return
	}

	c.gen++
	c.calls++
	attemptCtx, cancel := context.WithCancel(ctx)
	c.cancelConnect = cancel
	c.pending = result
	c.connectStarted = time.Now()
	c.setState(StateConnecting, StatusConnecting)

	go c.connect(attemptCtx, c.gen)
}

// connect acquires devices and dials off the loop, then reports back
func (c *Controller) connect(ctx context.Context, gen uint64) {
	res := c.acquire(ctx)
	res.gen = gen
	if err := c.post(func() { c.handleConnected(res) }); err != nil {
		res.release(c.logger)
	}
}

func (c *Controller) acquire(ctx context.Context) connectResult {
	var res connectResult

	input, err := c.devices.AcquireInput(ctx)
	if err != nil {
		res.err = fmt.Errorf("%w: %w", ErrDeviceAccess, err)
		return res
	}
	res.input = input

	output, err := c.devices.AcquireOutput(ctx)
	if err != nil {
		res.release(c.logger)
		return connectResult{err: fmt.Errorf("%w: %w", ErrDeviceAccess, err)}
	}
	res.output = output

	dialCtx := ctx
	if c.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.cfg.DialTimeout)
		defer cancel()
	}
	remote, err := c.dialer.Dial(dialCtx)
	if err != nil {
		res.release(c.logger)
		return connectResult{err: fmt.Errorf("%w: %w", ErrConnection, err)}
	}
	res.remote = remote
	return res
}

func (c *Controller) handleConnected(res connectResult) {
	if res.gen != c.gen || c.state != StateConnecting {
		res.release(c.logger)
		c.logger.Info("Released resources of an abandoned connection attempt")
		return
	}

	result := c.pending
	c.pending = nil
	cancel := c.cancelConnect
	c.cancelConnect = nil

	if res.err != nil {
		cancel()
		c.metrics.RecordSessionFailed(Kind(res.err))
		c.logger.Error("Failed to start session",
			slog.String("kind", Kind(res.err)),
			slog.String("error", res.err.Error()),
		)
		c.setState(StateErrored, errorStatus(reason(res.err)))
		result <- res.err
		return
	}

	cl, err := c.open(res, cancel)
	if err != nil {
		cancel()
		res.release(c.logger)
		c.metrics.RecordSessionFailed(Kind(err))
		c.logger.Error("Failed to wire session", slog.String("error", err.Error()))
		c.setState(StateErrored, errorStatus(reason(err)))
		result <- err
		return
	}
	c.call = cl

	connectTime := time.Since(c.connectStarted)
	c.metrics.RecordSessionStarted(connectTime.Seconds())
	c.logger.Info("Session opened", slog.Duration("connect_time", connectTime))
	c.setState(StateOpen, StatusLive)

	if c.cfg.Greeting != "" {
		c.addMessage(transcript.RoleAssistant, c.cfg.Greeting)
	}
	result <- nil
}

// open wires capture to the remote and the remote to playback
func (c *Controller) open(res connectResult, cancel context.CancelFunc) (*call, error) {
	scheduler, err := playback.NewScheduler(res.output, c.cfg.OutputSampleRate, c.cfg.OutputChannels)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	cl := &call{
		gen:       res.gen,
		input:     res.input,
		output:    res.output,
		remote:    res.remote,
		scheduler: scheduler,
		inbound:   make(chan inboundResult),
		stop:      make(chan struct{}),
		cancel:    cancel,
		started:   time.Now(),
	}

	pipeline, err := capture.NewPipeline(c.cfg.Capture,
		func(chunk pcm.Chunk) {
			if cl.outbox.push(outboundItem{chunk: chunk, audio: true}) {
				c.metrics.RecordChunkSent()
			}
		},
		func() bool {
			if c.muted {
				c.metrics.RecordBlocksSkipped(1)
			}
			return c.muted
		},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create capture pipeline: %w", err)
	}
	cl.capture = pipeline

	gen := res.gen
	cl.outbox = newOutbox(res.remote, func(err error) {
		c.post(func() { c.handleSendError(gen, err) })
	})
	go c.receive(cl)

	return cl, nil
}

// receive forwards remote messages to the loop until the call stops
func (c *Controller) receive(cl *call) {
	for {
		msg, err := cl.remote.Receive()
		select {
		case cl.inbound <- inboundResult{msg: msg, err: err}:
		case <-cl.stop:
			return
		}
		if err != nil {
			return
		}
	}
}

func (c *Controller) handleInbound(r inboundResult) {
	if r.err != nil {
		if errors.Is(r.err, io.EOF) {
			c.logger.Info("Remote closed the session")
			c.teardown(StateClosed, StatusEnded)
			return
		}
		c.fail(fmt.Errorf("%w: %w", ErrConnection, r.err))
		return
	}
	if r.msg != nil {
		c.dispatch(r.msg)
	}
}

// dispatch routes one inbound message to playback and the transcript
func (c *Controller) dispatch(msg *Inbound) {
	for _, chunk := range msg.Audio {
		scheduled, err := c.call.scheduler.Enqueue(chunk)
		if err != nil {
			c.metrics.RecordDecodeError()
			c.logger.Warn("Dropped malformed audio chunk",
				slog.String("kind", Kind(ErrDecode)),
				slog.String("mime_type", chunk.MIMEType),
				slog.String("error", err.Error()),
			)
			continue
		}
		c.metrics.RecordChunkScheduled(scheduled.Duration)
	}

	if msg.OutputTranscript != "" {
		c.transcript.AppendOutput(msg.OutputTranscript)
	}
	if msg.InputTranscript != "" {
		c.transcript.AppendInput(msg.InputTranscript)
	}

	if msg.TurnComplete {
		for _, m := range c.transcript.TurnComplete() {
			c.announce(m)
		}
	}

	if msg.Interrupted {
		stopped := c.call.scheduler.Interrupt()
		c.metrics.RecordInterruption(stopped)
		c.logger.Debug("Playback interrupted", slog.Int("sources_stopped", stopped))
	}
}

func (c *Controller) handleSendError(gen uint64, err error) {
	if c.call == nil || c.call.gen != gen {
		return
	}
	c.fail(fmt.Errorf("%w: send failed: %w", ErrConnection, err))
}

// fail tears down the open call and records the failure
func (c *Controller) fail(err error) {
	c.metrics.RecordSessionFailed(Kind(err))
	c.logger.Error("Session failed",
		slog.String("kind", Kind(err)),
		slog.String("error", err.Error()),
	)
	c.teardown(StateErrored, errorStatus(reason(err)))
}

func (c *Controller) handleStop() {
	switch c.state {
	case StateConnecting:
		// Invalidate the attempt; its result is released when it arrives
		c.gen++
		if c.cancelConnect != nil {
			c.cancelConnect()
			c.cancelConnect = nil
		}
		if c.pending != nil {
			c.pending <- ErrCanceled
			c.pending = nil
		}
		c.logger.Info("Session stopped while connecting")
		c.setState(StateClosed, StatusEnded)
	case StateOpen:
		c.teardown(StateClosed, StatusEnded)
	}
}

// teardown releases every resource of the open call, if any, and moves to
// the given state
func (c *Controller) teardown(state State, status string) {
	if cl := c.call; cl != nil {
		c.call = nil

		dropped := cl.outbox.close()
		close(cl.stop)
		stopped := cl.scheduler.StopAll()
		cl.capture.Reset()

		if err := cl.remote.Close(); err != nil {
			c.logger.Debug("Error closing remote session", slog.String("error", err.Error()))
		}
		if err := cl.input.Close(); err != nil {
			c.logger.Debug("Error closing input device", slog.String("error", err.Error()))
		}
		closeOutput(cl.output, c.logger)
		cl.cancel()
		c.transcript.DiscardPending()

		c.lastCapture = cl.capture.Stats()
		c.lastPlayback = cl.scheduler.Stats()
		c.lastSent, c.lastDropped = cl.outbox.stats()

		duration := time.Since(cl.started)
		c.metrics.RecordSessionEnded(duration.Seconds())
		c.logger.Info("Session closed",
			slog.String("state", state.String()),
			slog.Duration("duration", duration),
			slog.Int("sources_stopped", stopped),
			slog.Int("outbound_dropped", dropped),
			slog.Uint64("chunks_sent", c.lastCapture.ChunksSent),
			slog.Uint64("chunks_scheduled", c.lastPlayback.ChunksScheduled),
		)
	}
	c.setState(state, status)
}

func (c *Controller) scheduleFallback() {
	if c.cfg.Fallback == "" {
		return
	}
	if c.cfg.FallbackDelay <= 0 {
		c.addMessage(transcript.RoleAssistant, c.cfg.Fallback)
		return
	}
	time.AfterFunc(c.cfg.FallbackDelay, func() {
		c.post(func() { c.addMessage(transcript.RoleAssistant, c.cfg.Fallback) })
	})
}

func (c *Controller) addMessage(role transcript.Role, text string) {
	c.announce(c.transcript.Add(role, text))
}

func (c *Controller) announce(msg transcript.Message) {
	c.metrics.RecordTranscriptMessage(string(msg.Role))
	c.observer.MessageAdded(msg)
}

func (c *Controller) setState(state State, status string) {
	if c.state != state || c.status != status {
		c.logger.Debug("Session state changed",
			slog.String("from", c.state.String()),
			slog.String("to", state.String()),
			slog.String("status", status),
		)
	}
	c.state = state
	c.status = status
	c.observer.StatusChanged(state, status)
}

// release closes whatever an unsuccessful or abandoned attempt acquired
func (r connectResult) release(logger *slog.Logger) {
	if r.remote != nil {
		if err := r.remote.Close(); err != nil {
			logger.Debug("Error closing remote session", slog.String("error", err.Error()))
		}
	}
	if r.input != nil {
		if err := r.input.Close(); err != nil {
			logger.Debug("Error closing input device", slog.String("error", err.Error()))
		}
	}
	closeOutput(r.output, logger)
}

func closeOutput(out playback.Output, logger *slog.Logger) {
	if closer, ok := out.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			logger.Debug("Error closing output device", slog.String("error", err.Error()))
		}
	}
}
