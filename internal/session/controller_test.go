package session

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/ingenio-legal/amelia-bridge/internal/pcm"
	"github.com/ingenio-legal/amelia-bridge/internal/transcript"
)

const testGreeting = "Hola, soy Amelia. ¿En qué puedo ayudarte hoy?"

type harness struct {
	ctrl     *Controller
	devices  *fakeDevices
	dialer   *fakeDialer
	observer *recordingObserver
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()

	cfg := DefaultConfig()
	cfg.APIKey = "test-key"
	cfg.Greeting = testGreeting
	cfg.Fallback = "Te sugiero iniciar una llamada."
	cfg.FallbackDelay = 0
	if mutate != nil {
		mutate(&cfg)
	}

	h := &harness{
		devices:  &fakeDevices{},
		dialer:   &fakeDialer{},
		observer: &recordingObserver{},
	}
	ctrl, err := NewController(cfg, h.dialer, h.devices, h.observer, testLogger(), nil)
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}
	h.ctrl = ctrl
	t.Cleanup(func() { ctrl.Close() })
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
}

func TestNewControllerValidation(t *testing.T) {
	if _, err := NewController(DefaultConfig(), nil, &fakeDevices{}, nil, nil, nil); err == nil {
		t.Error("Expected error for nil dialer")
	}
	if _, err := NewController(DefaultConfig(), &fakeDialer{}, nil, nil, nil, nil); err == nil {
		t.Error("Expected error for nil devices")
	}
}

func TestStartWithoutCredential(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.APIKey = "" })

	err := h.ctrl.Start(context.Background())
	if !errors.Is(err, ErrMissingCredential) {
		t.Fatalf("Expected ErrMissingCredential, got %v", err)
	}
	if h.devices.inputCount() != 0 {
		t.Error("Device acquisition was attempted without a credential")
	}
	if h.dialer.dialCount() != 0 {
		t.Error("Dial was attempted without a credential")
	}
	if h.ctrl.State() != StateErrored {
		t.Errorf("Expected errored state, got %s", h.ctrl.State())
	}
	if h.ctrl.Status() != "error: missing API key" {
		t.Errorf("Unexpected status %q", h.ctrl.Status())
	}
}

func TestStartOpensAndGreets(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	if h.ctrl.State() != StateOpen {
		t.Errorf("Expected open state, got %s", h.ctrl.State())
	}
	if h.ctrl.Status() != StatusLive {
		t.Errorf("Expected status %q, got %q", StatusLive, h.ctrl.Status())
	}

	msgs := h.ctrl.Transcript()
	if len(msgs) != 1 || msgs[0].Role != transcript.RoleAssistant || msgs[0].Text != testGreeting {
		t.Errorf("Expected greeting as the first assistant message, got %+v", msgs)
	}

	statuses := h.observer.statusLog()
	if len(statuses) < 2 || statuses[0] != StatusConnecting || statuses[len(statuses)-1] != StatusLive {
		t.Errorf("Expected connecting then live, got %v", statuses)
	}
}

func TestStartFailures(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(h *harness)
		kind       string
		status     string
		dials      int
		inputsLeft bool
	}{
		{
			name:   "microphone denied",
			setup:  func(h *harness) { h.devices.inputErr = errors.New("permission denied") },
			kind:   "device",
			status: "error: microphone unavailable",
		},
		{
			name:       "output unavailable",
			setup:      func(h *harness) { h.devices.outputErr = errors.New("no output") },
			kind:       "device",
			status:     "error: microphone unavailable",
			inputsLeft: true,
		},
		{
			name:       "dial fails",
			setup:      func(h *harness) { h.dialer.err = errors.New("handshake failed") },
			kind:       "connection",
			status:     "error: connection failed",
			dials:      1,
			inputsLeft: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			tt.setup(h)

			err := h.ctrl.Start(context.Background())
			if Kind(err) != tt.kind {
				t.Fatalf("Expected %s error, got %v", tt.kind, err)
			}
			if h.ctrl.State() != StateErrored {
				t.Errorf("Expected errored state, got %s", h.ctrl.State())
			}
			if h.ctrl.Status() != tt.status {
				t.Errorf("Expected status %q, got %q", tt.status, h.ctrl.Status())
			}
			if h.dialer.dialCount() != tt.dials {
				t.Errorf("Expected %d dials, got %d", tt.dials, h.dialer.dialCount())
			}
			// Whatever was acquired has been released
			if tt.inputsLeft {
				if h.devices.input(0).closed.Load() != 1 {
					t.Error("Input device was not released")
				}
			}
			if len(h.ctrl.Transcript()) != 0 {
				t.Error("Failed start must not append a greeting")
			}
		})
	}
}

func TestDialFailureReleasesOutput(t *testing.T) {
	h := newHarness(t, nil)
	h.dialer.err = errors.New("unreachable")

	h.ctrl.Start(context.Background())
	if h.devices.output(0).closeCount() != 1 {
		t.Error("Output device was not released after dial failure")
	}
}

func TestCaptureMuteScenario(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	in := h.devices.input(0)
	remote := h.dialer.remote(0)

	tone := make([]float32, pcm.DefaultBlockSize)
	for i := range tone {
		tone[i] = float32(0.5 * math.Sin(2*math.Pi*440*float64(i)/pcm.InputSampleRate))
	}

	in.frames <- make([]float32, pcm.DefaultBlockSize)
	h.ctrl.SetMuted(true)
	in.frames <- tone
	h.ctrl.SetMuted(false)
	in.frames <- make([]float32, pcm.DefaultBlockSize)

	waitFor(t, "two chunks sent", func() bool { return remote.sentChunks() == 2 })

	info := h.ctrl.Info()
	if info.Capture.BlocksSeen != 3 {
		t.Errorf("Expected 3 blocks seen, got %d", info.Capture.BlocksSeen)
	}
	if info.Capture.BlocksSkipped != 1 {
		t.Errorf("Expected 1 block skipped, got %d", info.Capture.BlocksSkipped)
	}

	remote.mu.Lock()
	second := remote.chunks[1]
	remote.mu.Unlock()
	if second.MIMEType != "audio/pcm;rate=16000" {
		t.Errorf("Unexpected chunk MIME type %q", second.MIMEType)
	}
}

func TestMuteOrderedWithQueuedFrames(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	in := h.devices.input(0)
	remote := h.dialer.remote(0)

	tone := make([]float32, pcm.DefaultBlockSize)
	for i := range tone {
		tone[i] = 0.25
	}
	silence := make([]float32, pcm.DefaultBlockSize)

	const cycles = 50
	const mutedPerCycle = 8

	for i := 0; i < cycles; i++ {
		if err := h.ctrl.SetMuted(true); err != nil {
			t.Fatalf("SetMuted failed: %v", err)
		}
		for j := 0; j < mutedPerCycle; j++ {
			in.frames <- tone
		}
		if err := h.ctrl.SetMuted(false); err != nil {
			t.Fatalf("SetMuted failed: %v", err)
		}
		in.frames <- silence
	}

	// Info runs on the loop after the last queued frame is captured
	info := h.ctrl.Info()
	if info.Capture.BlocksSeen != cycles*(mutedPerCycle+1) {
		t.Errorf("Expected %d blocks seen, got %d", cycles*(mutedPerCycle+1), info.Capture.BlocksSeen)
	}
	if info.Capture.BlocksSkipped != cycles*mutedPerCycle {
		t.Errorf("Expected %d blocks skipped, got %d", cycles*mutedPerCycle, info.Capture.BlocksSkipped)
	}
	if info.Capture.ChunksSent != cycles {
		t.Errorf("Expected %d chunks sent, got %d", cycles, info.Capture.ChunksSent)
	}

	waitFor(t, "unmuted chunks sent", func() bool { return remote.sentChunks() == cycles })

	silent := pcm.EncodeChunk(silence, pcm.InputSampleRate).Data
	remote.mu.Lock()
	defer remote.mu.Unlock()
	for i, chunk := range remote.chunks {
		if chunk.Data != silent {
			t.Fatalf("Chunk %d carries audio captured while muted", i)
		}
	}
}

func TestMutedFlag(t *testing.T) {
	h := newHarness(t, nil)

	if h.ctrl.Muted() {
		t.Error("Expected unmuted by default")
	}
	h.ctrl.SetMuted(true)
	if !h.ctrl.Muted() {
		t.Error("Expected muted after SetMuted(true)")
	}
}

func TestInboundAudioIsGapless(t *testing.T) {
	h := newHarness(t, nil)
	h.devices.now = 1.0
	h.start(t)

	remote := h.dialer.remote(0)
	out := h.devices.output(0)

	remote.push(&Inbound{Audio: []pcm.Chunk{chunkOf(0.5)}})
	remote.push(&Inbound{Audio: []pcm.Chunk{chunkOf(0.3)}})
	waitFor(t, "two scheduled sources", func() bool { return len(out.started()) == 2 })

	started := out.started()
	if started[0].at != 1.0 {
		t.Errorf("Expected A at 1.0, got %f", started[0].at)
	}
	if started[1].at != started[0].at+0.5 {
		t.Errorf("Expected B at %f, got %f", started[0].at+0.5, started[1].at)
	}
}

func TestInterruptionThenChunk(t *testing.T) {
	h := newHarness(t, nil)
	h.devices.now = 2.0
	h.start(t)

	remote := h.dialer.remote(0)
	out := h.devices.output(0)

	remote.push(&Inbound{Audio: []pcm.Chunk{chunkOf(0.5)}})
	waitFor(t, "A scheduled", func() bool { return len(out.started()) == 1 })

	remote.push(&Inbound{Interrupted: true})
	waitFor(t, "A stopped", func() bool { return out.started()[0].stopped.Load() })

	info := h.ctrl.Info()
	if info.Playback.ActiveSources != 0 || info.Playback.NextStartTime != 0 {
		t.Errorf("Expected reset schedule, got %d active at %f", info.Playback.ActiveSources, info.Playback.NextStartTime)
	}

	out.setNow(2.1)
	remote.push(&Inbound{Audio: []pcm.Chunk{chunkOf(0.3)}})
	waitFor(t, "B scheduled", func() bool { return len(out.started()) == 2 })

	if got := out.started()[1].at; got != 2.1 {
		t.Errorf("Expected B at the current clock 2.1, got %f", got)
	}
}

func TestMalformedChunkIsNotFatal(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	remote := h.dialer.remote(0)
	out := h.devices.output(0)

	remote.push(&Inbound{Audio: []pcm.Chunk{{Data: "not base64!", MIMEType: "audio/pcm;rate=24000"}}})
	remote.push(&Inbound{Audio: []pcm.Chunk{chunkOf(0.1)}})
	waitFor(t, "valid chunk scheduled", func() bool { return len(out.started()) == 1 })

	if h.ctrl.State() != StateOpen {
		t.Errorf("Decode error closed the session: %s", h.ctrl.State())
	}
	if h.ctrl.Info().Playback.DecodeErrors != 1 {
		t.Errorf("Expected 1 decode error, got %d", h.ctrl.Info().Playback.DecodeErrors)
	}
}

func TestTranscriptAssembly(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	remote := h.dialer.remote(0)

	remote.push(&Inbound{InputTranscript: "Necesito "})
	remote.push(&Inbound{InputTranscript: "una cita"})
	remote.push(&Inbound{OutputTranscript: "Con gusto"})
	remote.push(&Inbound{TurnComplete: true})
	waitFor(t, "turn flushed", func() bool { return len(h.ctrl.Transcript()) == 3 })

	msgs := h.ctrl.Transcript()
	if msgs[1].Role != transcript.RoleUser || msgs[1].Text != "Necesito una cita" {
		t.Errorf("Unexpected user message %+v", msgs[1])
	}
	if msgs[2].Role != transcript.RoleAssistant || msgs[2].Text != "Con gusto" {
		t.Errorf("Unexpected assistant message %+v", msgs[2])
	}
	if h.observer.messageCount() != 3 {
		t.Errorf("Expected observer to see 3 messages, got %d", h.observer.messageCount())
	}

	// An empty turn emits nothing
	remote.push(&Inbound{TurnComplete: true})
	remote.push(&Inbound{OutputTranscript: "Listo"})
	remote.push(&Inbound{TurnComplete: true})
	waitFor(t, "second turn flushed", func() bool { return len(h.ctrl.Transcript()) == 4 })
}

func TestRemoteErrorTearsDown(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	remote := h.dialer.remote(0)
	out := h.devices.output(0)
	remote.push(&Inbound{Audio: []pcm.Chunk{chunkOf(0.5)}})
	waitFor(t, "chunk scheduled", func() bool { return len(out.started()) == 1 })

	remote.failures <- errors.New("socket reset")
	waitFor(t, "errored state", func() bool { return h.ctrl.State() == StateErrored })

	if h.ctrl.Status() != "error: connection failed" {
		t.Errorf("Unexpected status %q", h.ctrl.Status())
	}
	if !out.started()[0].stopped.Load() {
		t.Error("Playback source was not stopped")
	}
	if h.devices.input(0).closed.Load() != 1 {
		t.Error("Input device was not released")
	}
	if out.closeCount() != 1 {
		t.Error("Output device was not released")
	}
	if remote.closeCount() == 0 {
		t.Error("Remote was not closed")
	}
}

func TestRemoteCloseEndsSession(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	h.dialer.remote(0).Close()
	waitFor(t, "closed state", func() bool { return h.ctrl.State() == StateClosed })

	if h.ctrl.Status() != StatusEnded {
		t.Errorf("Expected status %q, got %q", StatusEnded, h.ctrl.Status())
	}
}

func TestMicrophoneLost(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	close(h.devices.input(0).frames)
	waitFor(t, "errored state", func() bool { return h.ctrl.State() == StateErrored })

	if h.ctrl.Status() != "error: microphone unavailable" {
		t.Errorf("Unexpected status %q", h.ctrl.Status())
	}
}

func TestStopIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)

	if err := h.ctrl.Stop(); err != nil {
		t.Errorf("Stop on idle controller failed: %v", err)
	}
	if h.ctrl.State() != StateIdle {
		t.Errorf("Stop on idle changed state to %s", h.ctrl.State())
	}

	h.start(t)
	remote := h.dialer.remote(0)
	out := h.devices.output(0)
	remote.push(&Inbound{Audio: []pcm.Chunk{chunkOf(0.2), chunkOf(0.2)}})
	waitFor(t, "chunks scheduled", func() bool { return len(out.started()) == 2 })

	if err := h.ctrl.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	// Teardown is complete when Stop returns
	for i, src := range out.started() {
		if !src.stopped.Load() {
			t.Errorf("Source %d still playing after Stop", i)
		}
	}
	if h.devices.input(0).closed.Load() != 1 {
		t.Error("Input device was not released by Stop")
	}

	if err := h.ctrl.Stop(); err != nil {
		t.Errorf("Second Stop failed: %v", err)
	}
	if h.devices.input(0).closed.Load() != 1 {
		t.Error("Second Stop released the input again")
	}
	if h.ctrl.State() != StateClosed || h.ctrl.Status() != StatusEnded {
		t.Errorf("Expected closed/ended, got %s/%s", h.ctrl.State(), h.ctrl.Status())
	}
}

func TestStopWhileConnecting(t *testing.T) {
	h := newHarness(t, nil)
	gate := make(chan struct{})
	h.devices.gate = gate

	result := make(chan error, 1)
	go func() { result <- h.ctrl.Start(context.Background()) }()
	waitFor(t, "connecting state", func() bool { return h.ctrl.State() == StateConnecting })

	if err := h.ctrl.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := <-result; !errors.Is(err, ErrCanceled) {
		t.Errorf("Expected ErrCanceled from Start, got %v", err)
	}

	// The attempt resolves later and everything it acquired is released
	close(gate)
	waitFor(t, "input released", func() bool {
		return h.devices.inputCount() == 1 && h.devices.input(0).closed.Load() == 1
	})
	waitFor(t, "remote closed", func() bool {
		return h.dialer.dialCount() == 1 && h.dialer.remote(0).closeCount() > 0
	})

	if h.ctrl.State() != StateClosed {
		t.Errorf("Abandoned attempt reopened the session: %s", h.ctrl.State())
	}
}

func TestStartWhileConnectingIsRejected(t *testing.T) {
	h := newHarness(t, nil)
	gate := make(chan struct{})
	h.devices.gate = gate

	go h.ctrl.Start(context.Background())
	waitFor(t, "connecting state", func() bool { return h.ctrl.State() == StateConnecting })

	if err := h.ctrl.Start(context.Background()); !errors.Is(err, ErrBusy) {
		t.Errorf("Expected ErrBusy, got %v", err)
	}
	close(gate)
	waitFor(t, "open state", func() bool { return h.ctrl.State() == StateOpen })
}

func TestSecondStartClosesExisting(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.start(t)

	if h.dialer.dialCount() != 2 {
		t.Fatalf("Expected 2 dials, got %d", h.dialer.dialCount())
	}
	if h.dialer.remote(0).closeCount() == 0 {
		t.Error("First remote was not closed")
	}
	if h.devices.input(0).closed.Load() != 1 {
		t.Error("First input device was not released")
	}
	if h.devices.input(1).closed.Load() != 0 {
		t.Error("Second input device was released")
	}
	if h.ctrl.State() != StateOpen {
		t.Errorf("Expected open state, got %s", h.ctrl.State())
	}
}

func TestSendText(t *testing.T) {
	t.Run("without call uses fallback", func(t *testing.T) {
		h := newHarness(t, nil)

		if err := h.ctrl.SendText("  ¿Horario?  "); err != nil {
			t.Fatalf("SendText failed: %v", err)
		}
		msgs := h.ctrl.Transcript()
		if len(msgs) != 2 {
			t.Fatalf("Expected user message and fallback, got %d", len(msgs))
		}
		if msgs[0].Role != transcript.RoleUser || msgs[0].Text != "¿Horario?" {
			t.Errorf("Unexpected user message %+v", msgs[0])
		}
		if msgs[1].Role != transcript.RoleAssistant {
			t.Errorf("Expected fallback from assistant, got %s", msgs[1].Role)
		}
	})

	t.Run("during call is sent", func(t *testing.T) {
		h := newHarness(t, nil)
		h.start(t)
		remote := h.dialer.remote(0)

		if err := h.ctrl.SendText("Hola"); err != nil {
			t.Fatalf("SendText failed: %v", err)
		}
		waitFor(t, "text sent", func() bool { return len(remote.sentTexts()) == 1 })

		// Greeting plus the typed message, no fallback
		if n := len(h.ctrl.Transcript()); n != 2 {
			t.Errorf("Expected 2 messages, got %d", n)
		}
	})

	t.Run("empty text is rejected", func(t *testing.T) {
		h := newHarness(t, nil)
		if err := h.ctrl.SendText("   "); err == nil {
			t.Error("Expected error for empty text")
		}
	})
}

func TestSendFailureTearsDown(t *testing.T) {
	h := newHarness(t, nil)
	h.dialer.sendErr = errors.New("broken pipe")
	h.start(t)

	h.devices.input(0).frames <- make([]float32, pcm.DefaultBlockSize)
	waitFor(t, "errored state", func() bool { return h.ctrl.State() == StateErrored })

	if h.ctrl.Status() != "error: connection failed" {
		t.Errorf("Unexpected status %q", h.ctrl.Status())
	}
}

func TestCloseEndsLoop(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	if err := h.ctrl.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	select {
	case <-h.ctrl.Done():
	default:
		t.Fatal("Loop still running after Close")
	}

	if h.devices.input(0).closed.Load() != 1 {
		t.Error("Close did not release the input device")
	}
	if err := h.ctrl.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed after Close, got %v", err)
	}
	if err := h.ctrl.Close(); err != nil {
		t.Errorf("Second Close failed: %v", err)
	}
	if h.ctrl.State() != StateClosed {
		t.Errorf("Expected closed state, got %s", h.ctrl.State())
	}
}
