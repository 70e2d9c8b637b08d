package capture

import (
	"fmt"
	"sync"

	"github.com/ingenio-legal/amelia-bridge/internal/pcm"
)

// Sender hands an encoded chunk to the session. It must not wait for the
// transport to complete the send.
type Sender func(chunk pcm.Chunk)

// Muter reports whether capture is currently muted
type Muter func() bool

// Config holds capture pipeline parameters
type Config struct {
	BlockSize  int
	SampleRate int
}

// DefaultConfig returns the default capture settings (4096 samples at 16 kHz)
func DefaultConfig() Config {
	return Config{
		BlockSize:  pcm.DefaultBlockSize,
		SampleRate: pcm.InputSampleRate,
	}
}

// Pipeline bridges microphone samples into encoded chunks
type Pipeline struct {
	blocker *pcm.Blocker
	send    Sender
	muted   Muter
	rate    int

	// Statistics
	blocksSeen uint64
	chunksSent uint64
	skipped    uint64

	mu sync.Mutex
}

// Stats represents capture statistics for monitoring
type Stats struct {
	BlocksSeen     uint64 `json:"blocks_seen"`
	ChunksSent     uint64 `json:"chunks_sent"`
	BlocksSkipped  uint64 `json:"blocks_skipped"`
	PendingSamples int    `json:"pending_samples"`
}

// NewPipeline creates a capture pipeline. A nil muter means never muted.
func NewPipeline(cfg Config, send Sender, muted Muter) (*Pipeline, error) {
	if send == nil {
		return nil, fmt.Errorf("sender is required")
	}
	blocker, err := pcm.NewBlocker(cfg.BlockSize, cfg.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("failed to create blocker: %w", err)
	}
	if muted == nil {
		muted = func() bool { return false }
	}
	return &Pipeline{
		blocker: blocker,
		send:    send,
		muted:   muted,
		rate:    cfg.SampleRate,
	}, nil
}

// Process feeds captured samples through the pipeline. Every completed block
// is either dropped (muted) or encoded and handed to the sender, in order.
// It returns the number of chunks sent.
func (p *Pipeline) Process(samples []float32) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	sent := 0
	for _, block := range p.blocker.Write(samples) {
		p.blocksSeen++

		// The mute flag is read per block; silence is not transmitted
		if p.muted() {
			p.skipped++
			continue
		}

		p.send(pcm.EncodeChunk(block.Samples, p.rate))
		p.chunksSent++
		sent++
	}
	return sent
}

// Reset drops the partial block held from the previous call
func (p *Pipeline) Reset() {
	p.blocker.Reset()
}

// Stats returns current capture statistics
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Stats{
		BlocksSeen:     p.blocksSeen,
		ChunksSent:     p.chunksSent,
		BlocksSkipped:  p.skipped,
		PendingSamples: p.blocker.Pending(),
	}
}
