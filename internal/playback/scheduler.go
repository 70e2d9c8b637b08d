package playback

import (
	"fmt"
	"math"
	"sync"

	"github.com/ingenio-legal/amelia-bridge/internal/pcm"
)

// Output is a clock-bearing playback context. Start schedules buf to begin at
// the given clock position; ended is called once when the buffer finishes
// playing naturally, never synchronously from Start and never after Stop.
type Output interface {
	CurrentTime() float64
	Start(buf *pcm.Buffer, at float64, ended func()) Source
}

// Source is a scheduled, playable handle
type Source interface {
	Stop()
}

// Scheduled describes where a chunk landed on the output clock
type Scheduled struct {
	ID       uint64  `json:"id"`
	StartAt  float64 `json:"start_at"`
	Duration float64 `json:"duration"`
}

// End returns the clock position at which the chunk finishes
func (s Scheduled) End() float64 {
	return s.StartAt + s.Duration
}

// Scheduler turns a stream of decoded chunks into gapless, ordered output
type Scheduler struct {
	out        Output
	sampleRate int
	channels   int

	nextStartTime float64
	active        map[uint64]Source
	nextID        uint64

	// Statistics
	chunksScheduled  uint64
	decodeErrors     uint64
	interruptions    uint64
	sourcesStopped   uint64
	sourcesCompleted uint64
	scheduledSeconds float64

	mu sync.Mutex
}

// Stats represents scheduler statistics for monitoring
type Stats struct {
	ChunksScheduled  uint64  `json:"chunks_scheduled"`
	DecodeErrors     uint64  `json:"decode_errors"`
	Interruptions    uint64  `json:"interruptions"`
	SourcesStopped   uint64  `json:"sources_stopped"`
	SourcesCompleted uint64  `json:"sources_completed"`
	ActiveSources    int     `json:"active_sources"`
	NextStartTime    float64 `json:"next_start_time"`
	ScheduledSeconds float64 `json:"scheduled_seconds"`
}

// NewScheduler creates a scheduler decoding chunks at the given output rate
func NewScheduler(out Output, sampleRate, channels int) (*Scheduler, error) {
	if out == nil {
		return nil, fmt.Errorf("output is required")
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}
	if channels < 1 {
		channels = 1
	}
	return &Scheduler{
		out:        out,
		sampleRate: sampleRate,
		channels:   channels,
		active:     make(map[uint64]Source),
	}, nil
}

// Enqueue decodes a chunk and schedules it right after the previously
// scheduled one, or at the current clock time if playback has underrun.
// A malformed chunk is dropped and leaves the schedule untouched.
func (s *Scheduler) Enqueue(chunk pcm.Chunk) (Scheduled, error) {
	buf, err := pcm.DecodeChunk(chunk, s.sampleRate, s.channels)
	if err != nil {
		s.mu.Lock()
		s.decodeErrors++
		s.mu.Unlock()
		return Scheduled{}, fmt.Errorf("failed to decode chunk: %w", err)
	}
	return s.Schedule(buf), nil
}

// Schedule places an already decoded buffer on the output clock
func (s *Scheduler) Schedule(buf *pcm.Buffer) Scheduled {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Never schedule in the past
	s.nextStartTime = math.Max(s.nextStartTime, s.out.CurrentTime())

	s.nextID++
	id := s.nextID
	startAt := s.nextStartTime
	duration := buf.Duration()

	src := s.out.Start(buf, startAt, func() { s.complete(id) })
	s.active[id] = src

	s.nextStartTime += duration
	s.chunksScheduled++
	s.scheduledSeconds += duration

	return Scheduled{ID: id, StartAt: startAt, Duration: duration}
}

// complete removes a source that finished playing on its own
func (s *Scheduler) complete(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.active[id]; ok {
		delete(s.active, id)
		s.sourcesCompleted++
	}
}

// Interrupt stops and discards every active source and resets the schedule,
// so the next chunk starts at the current clock time. It returns the number
// of sources stopped.
func (s *Scheduler) Interrupt() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.interruptions++
	return s.stopAllLocked()
}

// StopAll releases every active source without counting an interruption
func (s *Scheduler) StopAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.stopAllLocked()
}

func (s *Scheduler) stopAllLocked() int {
	n := len(s.active)
	for id, src := range s.active {
		src.Stop()
		delete(s.active, id)
	}
	s.sourcesStopped += uint64(n)
	s.nextStartTime = 0
	return n
}

// NextStartTime returns the clock position of the next chunk's start
func (s *Scheduler) NextStartTime() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextStartTime
}

// Active returns the number of sources currently scheduled or playing
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Stats returns current scheduler statistics
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		ChunksScheduled:  s.chunksScheduled,
		DecodeErrors:     s.decodeErrors,
		Interruptions:    s.interruptions,
		SourcesStopped:   s.sourcesStopped,
		SourcesCompleted: s.sourcesCompleted,
		ActiveSources:    len(s.active),
		NextStartTime:    s.nextStartTime,
		ScheduledSeconds: s.scheduledSeconds,
	}
}
