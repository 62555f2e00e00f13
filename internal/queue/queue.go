// Package queue implements the bounded multi-producer/multi-consumer
// packet queue (C2) that feeds the dissector worker pool.
package queue

import (
	"sync"

	"github.com/firestige/otuscore/internal/otuserr"
	"github.com/firestige/otuscore/internal/packet"
)

// Queue is a bounded FIFO of owned packets. Push blocks producers when
// full; Pop blocks consumers until an item is available or the queue
// is closed. Ordering is FIFO per producer only — dissectors assign
// the final sequence numbers downstream, so no total order across
// producers is required here.
type Queue struct {
	items chan packet.Packet

	closeOnce sync.Once
	closed    chan struct{}
}

// New creates a queue with the given capacity. A capacity of zero
// makes Push and Pop rendezvous directly, which is legal but defeats
// the back-pressure role the bound plays in the pipeline.
func New(capacity int) *Queue {
	return &Queue{
		items:  make(chan packet.Packet, capacity),
		closed: make(chan struct{}),
	}
}

// Push enqueues pkt, blocking while the queue is full. It returns
// otuserr.ErrClosed if the queue has been closed.
func (q *Queue) Push(pkt packet.Packet) error {
	select {
	case <-q.closed:
		return otuserr.ErrClosed
	default:
	}
	select {
	case q.items <- pkt:
		return nil
	case <-q.closed:
		return otuserr.ErrClosed
	}
}

// Pop blocks until a packet is available or the queue closes and
// drains, at which point it returns otuserr.ErrClosed. Buffered items
// are always drained before Closed is surfaced, even if Close already
// ran, since items is never closed itself — only producers stop being
// admitted once q.closed fires.
func (q *Queue) Pop() (packet.Packet, error) {
	select {
	case pkt := <-q.items:
		return pkt, nil
	default:
	}
	select {
	case pkt := <-q.items:
		return pkt, nil
	case <-q.closed:
		select {
		case pkt := <-q.items:
			return pkt, nil
		default:
			return packet.Packet{}, otuserr.ErrClosed
		}
	}
}

// Close wakes all blocked producers and consumers. Close is idempotent.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.closed)
	})
}

// Len reports the number of packets currently buffered, for status
// reporting; it is inherently racy against concurrent Push/Pop.
func (q *Queue) Len() int {
	return len(q.items)
}
