package pcm

import (
	"fmt"
	"sync"
	"time"
)

// DefaultBlockSize is the number of samples per capture callback
const DefaultBlockSize = 4096

// Blocker accumulates a continuous sample stream and cuts it into fixed-size
// blocks, in arrival order
type Blocker struct {
	blockSize  int
	sampleRate int

	pending []float32

	// Statistics
	samplesIn     uint64
	blocksEmitted uint64
	lastWrite     time.Time

	mu sync.Mutex
}

// BlockerStats represents blocker statistics for monitoring
type BlockerStats struct {
	BlockSize      int       `json:"block_size"`
	SampleRate     int       `json:"sample_rate"`
	SamplesIn      uint64    `json:"samples_in"`
	BlocksEmitted  uint64    `json:"blocks_emitted"`
	PendingSamples int       `json:"pending_samples"`
	LastWrite      time.Time `json:"last_write"`
}

// NewBlocker creates a blocker emitting blocks of blockSize samples
func NewBlocker(blockSize, sampleRate int) (*Blocker, error) {
	if blockSize <= 0 {
		return nil, fmt.Errorf("block size must be positive, got %d", blockSize)
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}
	return &Blocker{
		blockSize:  blockSize,
		sampleRate: sampleRate,
		pending:    make([]float32, 0, blockSize*2),
	}, nil
}

// Write appends samples and returns every block completed by them. The
// returned blocks are owned by the caller.
func (b *Blocker) Write(samples []float32) []Frame {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.samplesIn += uint64(len(samples))
	b.lastWrite = time.Now()
	b.pending = append(b.pending, samples...)

	var blocks []Frame
	consumed := 0
	for len(b.pending)-consumed >= b.blockSize {
		block := make([]float32, b.blockSize)
		copy(block, b.pending[consumed:consumed+b.blockSize])
		blocks = append(blocks, Frame{Samples: block, SampleRate: b.sampleRate})
		consumed += b.blockSize
		b.blocksEmitted++
	}

	// Shift the remainder to the front so the backing array is reused
	if consumed > 0 {
		n := copy(b.pending, b.pending[consumed:])
		b.pending = b.pending[:n]
	}

	return blocks
}

// Pending returns the number of samples waiting for a full block
func (b *Blocker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Reset drops any partial block
func (b *Blocker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = b.pending[:0]
}

// BlockSize returns the configured block size in samples
func (b *Blocker) BlockSize() int {
	return b.blockSize
}

// Stats returns current blocker statistics
func (b *Blocker) Stats() BlockerStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return BlockerStats{
		BlockSize:      b.blockSize,
		SampleRate:     b.sampleRate,
		SamplesIn:      b.samplesIn,
		BlocksEmitted:  b.blocksEmitted,
		PendingSamples: len(b.pending),
		LastWrite:      b.lastWrite,
	}
}
