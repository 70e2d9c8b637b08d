package session

import (
	"context"
	"sync"

	"github.com/ingenio-legal/amelia-bridge/internal/pcm"
)

// outboundItem is either an audio chunk or a typed text message
type outboundItem struct {
	chunk pcm.Chunk
	text  string
	audio bool
}

// outbox is an unbounded, ordered send queue drained by a single goroutine.
// Producers never wait on the transport. Items still queued when the outbox
// is closed are dropped.
type outbox struct {
	remote  Remote
	onError func(error)

	queue  []outboundItem
	closed bool
	notify chan struct{}
	done   chan struct{}
	cancel context.CancelFunc

	sent    uint64
	dropped uint64

	mu sync.Mutex
}

func newOutbox(remote Remote, onError func(error)) *outbox {
	ctx, cancel := context.WithCancel(context.Background())
	o := &outbox{
		remote:  remote,
		onError: onError,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		cancel:  cancel,
	}
	go o.drain(ctx)
	return o
}

// push queues an item, reporting false if the outbox is closed
func (o *outbox) push(item outboundItem) bool {
	o.mu.Lock()
	if o.closed {
		o.dropped++
		o.mu.Unlock()
		return false
	}
	o.queue = append(o.queue, item)
	o.mu.Unlock()

	select {
	case o.notify <- struct{}{}:
	default:
	}
	return true
}

func (o *outbox) drain(ctx context.Context) {
	defer close(o.done)

	for {
		o.mu.Lock()
		for len(o.queue) == 0 && !o.closed {
			o.mu.Unlock()
			select {
			case <-o.notify:
			case <-ctx.Done():
			}
			o.mu.Lock()
		}
		if o.closed {
			o.mu.Unlock()
			return
		}
		item := o.queue[0]
		o.queue[0] = outboundItem{}
		o.queue = o.queue[1:]
		o.mu.Unlock()

		var err error
		if item.audio {
			err = o.remote.SendRealtimeInput(ctx, item.chunk)
		} else {
			err = o.remote.SendText(ctx, item.text)
		}

		o.mu.Lock()
		closed := o.closed
		if err == nil {
			o.sent++
		}
		o.mu.Unlock()

		if err != nil {
			if !closed && o.onError != nil {
				o.onError(err)
			}
			return
		}
	}
}

// close stops the drain goroutine and drops anything still queued. It
// returns the number of dropped items and does not wait for an in-flight
// send to finish.
func (o *outbox) close() int {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return 0
	}
	o.closed = true
	n := len(o.queue)
	o.dropped += uint64(n)
	o.queue = nil
	o.mu.Unlock()

	o.cancel()
	return n
}

// pending returns the number of queued items
func (o *outbox) pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

func (o *outbox) stats() (sent, dropped uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sent, o.dropped
}
