package playback

import (
	"sync"
	"time"

	"github.com/ingenio-legal/amelia-bridge/internal/pcm"
)

// Sink receives buffers scheduled on a VirtualOutput, typically to forward
// them to a remote player that honours the start times
type Sink interface {
	Play(id uint64, buf *pcm.Buffer, at float64)
	Cancel(id uint64)
}

// VirtualOutput is an Output whose clock is the monotonic time elapsed since
// the output was opened. Buffers are handed to a Sink and their completion is
// tracked with timers.
type VirtualOutput struct {
	sink  Sink
	epoch time.Time
	now   func() time.Time

	sources map[uint64]*virtualSource
	nextID  uint64
	closed  bool

	mu sync.Mutex
}

type virtualSource struct {
	id    uint64
	out   *VirtualOutput
	timer *time.Timer
	once  sync.Once
}

// NewVirtualOutput opens a virtual output whose clock starts at zero
func NewVirtualOutput(sink Sink) *VirtualOutput {
	return newVirtualOutput(sink, time.Now)
}

func newVirtualOutput(sink Sink, now func() time.Time) *VirtualOutput {
	return &VirtualOutput{
		sink:    sink,
		epoch:   now(),
		now:     now,
		sources: make(map[uint64]*virtualSource),
	}
}

// CurrentTime returns seconds elapsed since the output was opened
func (o *VirtualOutput) CurrentTime() float64 {
	return o.now().Sub(o.epoch).Seconds()
}

// Start forwards buf to the sink and arranges for ended to fire once the
// buffer would have finished playing
func (o *VirtualOutput) Start(buf *pcm.Buffer, at float64, ended func()) Source {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.nextID++
	src := &virtualSource{id: o.nextID, out: o}
	if o.closed {
		return src
	}

	delay := time.Duration((at + buf.Duration() - o.CurrentTime()) * float64(time.Second))
	if delay < 0 {
		delay = 0
	}

	o.sources[src.id] = src
	src.timer = time.AfterFunc(delay, func() {
		if o.release(src.id) && ended != nil {
			ended()
		}
	})

	if o.sink != nil {
		o.sink.Play(src.id, buf, at)
	}
	return src
}

// release forgets a source, reporting whether it was still tracked
func (o *VirtualOutput) release(id uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.sources[id]; !ok {
		return false
	}
	delete(o.sources, id)
	return true
}

// Pending returns the number of buffers not yet finished
func (o *VirtualOutput) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.sources)
}

// Close stops every pending buffer. Later Start calls are no-ops.
func (o *VirtualOutput) Close() error {
	o.mu.Lock()
	sources := make([]*virtualSource, 0, len(o.sources))
	for _, src := range o.sources {
		sources = append(sources, src)
	}
	o.closed = true
	o.mu.Unlock()

	for _, src := range sources {
		src.Stop()
	}
	return nil
}

// Stop cancels the buffer and tells the sink to drop it
func (s *virtualSource) Stop() {
	s.once.Do(func() {
		if s.timer != nil {
			s.timer.Stop()
		}
		if s.out.release(s.id) && s.out.sink != nil {
			s.out.sink.Cancel(s.id)
		}
	})
}
