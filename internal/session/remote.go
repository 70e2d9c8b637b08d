package session

import (
	"context"

	"github.com/ingenio-legal/amelia-bridge/internal/pcm"
	"github.com/ingenio-legal/amelia-bridge/internal/playback"
)

// Inbound is one message received from the remote streaming endpoint
type Inbound struct {
	Audio            []pcm.Chunk
	InputTranscript  string
	OutputTranscript string
	TurnComplete     bool
	Interrupted      bool
}

// Remote is an open duplex session with the streaming endpoint.
// Receive blocks until the next message; it returns io.EOF when the remote
// closed the session normally and any other error on failure.
type Remote interface {
	SendRealtimeInput(ctx context.Context, chunk pcm.Chunk) error
	SendText(ctx context.Context, text string) error
	Receive() (*Inbound, error)
	Close() error
}

// Dialer opens remote sessions
type Dialer interface {
	Dial(ctx context.Context) (Remote, error)
}

// DialerFunc adapts a function to the Dialer interface
type DialerFunc func(ctx context.Context) (Remote, error)

// Dial calls f(ctx)
func (f DialerFunc) Dial(ctx context.Context) (Remote, error) {
	return f(ctx)
}

// InputDevice is an acquired microphone. Frames is closed when the device
// is lost. Frames queued before a controller command is posted are captured
// before that command runs.
type InputDevice interface {
	Frames() <-chan []float32
	Close() error
}

// Devices acquires the audio devices for one call. AcquireInput may block
// on a permission prompt and must honour ctx.
type Devices interface {
	AcquireInput(ctx context.Context) (InputDevice, error)
	AcquireOutput(ctx context.Context) (playback.Output, error)
}
