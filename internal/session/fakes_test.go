package session

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ingenio-legal/amelia-bridge/internal/pcm"
	"github.com/ingenio-legal/amelia-bridge/internal/playback"
	"github.com/ingenio-legal/amelia-bridge/internal/transcript"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// waitFor polls cond until it holds or the deadline passes
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

// fakeRemote records outbound traffic and replays scripted inbound messages
type fakeRemote struct {
	inbound  chan *Inbound
	failures chan error
	closedCh chan struct{}
	once     sync.Once

	mu      sync.Mutex
	chunks  []pcm.Chunk
	texts   []string
	sendErr error
	closed  int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		inbound:  make(chan *Inbound, 16),
		failures: make(chan error, 1),
		closedCh: make(chan struct{}),
	}
}

func (r *fakeRemote) SendRealtimeInput(ctx context.Context, chunk pcm.Chunk) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sendErr != nil {
		return r.sendErr
	}
	r.chunks = append(r.chunks, chunk)
	return nil
}

func (r *fakeRemote) SendText(ctx context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sendErr != nil {
		return r.sendErr
	}
	r.texts = append(r.texts, text)
	return nil
}

func (r *fakeRemote) Receive() (*Inbound, error) {
	select {
	case msg := <-r.inbound:
		return msg, nil
	case err := <-r.failures:
		return nil, err
	case <-r.closedCh:
		return nil, io.EOF
	}
}

func (r *fakeRemote) Close() error {
	r.once.Do(func() { close(r.closedCh) })
	r.mu.Lock()
	r.closed++
	r.mu.Unlock()
	return nil
}

func (r *fakeRemote) push(msg *Inbound) {
	r.inbound <- msg
}

func (r *fakeRemote) sentChunks() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.chunks)
}

func (r *fakeRemote) sentTexts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.texts...)
}

func (r *fakeRemote) closeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

type fakeDialer struct {
	mu      sync.Mutex
	err     error
	sendErr error
	dials   int
	remotes []*fakeRemote
}

func (d *fakeDialer) Dial(ctx context.Context) (Remote, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	r := newFakeRemote()
	r.sendErr = d.sendErr
	d.remotes = append(d.remotes, r)
	return r, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) remote(i int) *fakeRemote {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.remotes[i]
}

// fakeInputBuffer matches the frame buffer of the browser microphone
const fakeInputBuffer = 64

type fakeInput struct {
	frames chan []float32
	closed atomic.Int32
}

func (in *fakeInput) Frames() <-chan []float32 { return in.frames }

func (in *fakeInput) Close() error {
	in.closed.Add(1)
	return nil
}

type fakeSource struct {
	at      float64
	stopped atomic.Bool
}

func (s *fakeSource) Stop() { s.stopped.Store(true) }

// fakeOutput is a manually clocked playback output
type fakeOutput struct {
	mu      sync.Mutex
	now     float64
	sources []*fakeSource
	closed  int
}

func (o *fakeOutput) CurrentTime() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

func (o *fakeOutput) Start(buf *pcm.Buffer, at float64, ended func()) playback.Source {
	o.mu.Lock()
	defer o.mu.Unlock()
	src := &fakeSource{at: at}
	o.sources = append(o.sources, src)
	return src
}

func (o *fakeOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed++
	return nil
}

func (o *fakeOutput) setNow(now float64) {
	o.mu.Lock()
	o.now = now
	o.mu.Unlock()
}

func (o *fakeOutput) started() []*fakeSource {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*fakeSource(nil), o.sources...)
}

func (o *fakeOutput) closeCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

type fakeDevices struct {
	mu        sync.Mutex
	inputErr  error
	outputErr error
	gate      chan struct{}
	inputs    []*fakeInput
	outputs   []*fakeOutput
	now       float64
}

func (d *fakeDevices) AcquireInput(ctx context.Context) (InputDevice, error) {
	d.mu.Lock()
	gate := d.gate
	d.mu.Unlock()
	if gate != nil {
		// Simulates a slow permission prompt that ignores cancellation
		<-gate
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inputErr != nil {
		return nil, d.inputErr
	}
	in := &fakeInput{frames: make(chan []float32, fakeInputBuffer)}
	d.inputs = append(d.inputs, in)
	return in, nil
}

func (d *fakeDevices) AcquireOutput(ctx context.Context) (playback.Output, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.outputErr != nil {
		return nil, d.outputErr
	}
	out := &fakeOutput{now: d.now}
	d.outputs = append(d.outputs, out)
	return out, nil
}

func (d *fakeDevices) inputCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inputs)
}

func (d *fakeDevices) input(i int) *fakeInput {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inputs[i]
}

func (d *fakeDevices) output(i int) *fakeOutput {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.outputs[i]
}

type recordingObserver struct {
	mu       sync.Mutex
	statuses []string
	messages []transcript.Message
}

func (o *recordingObserver) StatusChanged(state State, status string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statuses = append(o.statuses, status)
}

func (o *recordingObserver) MessageAdded(msg transcript.Message) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.messages = append(o.messages, msg)
}

func (o *recordingObserver) statusLog() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.statuses...)
}

func (o *recordingObserver) messageCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.messages)
}

// chunkOf builds an output chunk lasting the given number of seconds at 24 kHz
func chunkOf(seconds float64) pcm.Chunk {
	frames := int(seconds*pcm.OutputSampleRate + 0.5)
	return pcm.EncodeChunk(make([]float32, frames), pcm.OutputSampleRate)
}
