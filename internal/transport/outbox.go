package transport

import (
	"errors"
	"fmt"
	"sync"

	"github.com/1ureka/chanmux/internal/protocol"
)

// MaxQueuedBytes bounds what a connection holds for a peer that stopped
// reading. Past it the connection is dropped.
const MaxQueuedBytes = 64 << 20

// ErrOutboxFull is returned by Outbox.Push once the byte limit is reached.
var ErrOutboxFull = errors.New("outbox full")

// Outbox is the queue between the event loop and a connection's writer
// goroutine. Push never blocks, so a slow peer cannot stall the loop; the
// writer applies its own backpressure while draining.
type Outbox struct {
	mu    sync.Mutex
	queue []protocol.Message
	bytes int
	limit int
	wake  chan struct{}
}

// NewOutbox returns an Outbox holding at most limit bytes. A single
// message larger than limit is still accepted into an empty queue.
func NewOutbox(limit int) *Outbox {
	return &Outbox{limit: limit, wake: make(chan struct{}, 1)}
}

// Push appends msg and wakes the writer.
func (o *Outbox) Push(msg protocol.Message) error {
	o.mu.Lock()
	if o.bytes > 0 && o.bytes+len(msg.Data) > o.limit {
		queued := o.bytes
		o.mu.Unlock()
		return fmt.Errorf("%w: %d bytes waiting for the peer", ErrOutboxFull, queued)
	}
	o.queue = append(o.queue, msg)
	o.bytes += len(msg.Data)
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
	return nil
}

// Pop removes the oldest message. ok is false when the queue is empty.
func (o *Outbox) Pop() (msg protocol.Message, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.queue) == 0 {
		return protocol.Message{}, false
	}
	msg = o.queue[0]
	o.queue[0] = protocol.Message{}
	o.queue = o.queue[1:]
	o.bytes -= len(msg.Data)
	return msg, true
}

// Ready receives after a Push. Writers Pop until empty, then wait here.
func (o *Outbox) Ready() <-chan struct{} { return o.wake }

// Len returns the number of queued bytes.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.bytes
}
