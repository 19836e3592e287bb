package engine

import (
	"sync"

	"github.com/roach88/protocore/internal/protocol"
)

// messageQueue is a thread-safe FIFO queue of inbound protocol messages.
//
// The queue is unbounded so that a step whose outbound messages loop back
// into the same engine never blocks the loop that is processing it. This is
// what turns self-feeding message flow into iteration instead of recursion.
//
// The queue uses a channel for signaling to enable context-aware waiting
// in the Run loop.
type messageQueue struct {
	mu     sync.Mutex
	items  []*protocol.Message
	closed bool
	signal chan struct{} // Signals availability (buffered, size 1)
}

func newMessageQueue() *messageQueue {
	return &messageQueue{
		items:  make([]*protocol.Message, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds a message to the back of the queue.
// Returns false if the queue is closed.
func (q *messageQueue) Enqueue(m *protocol.Message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.items = append(q.items, m)

	// Non-blocking: the buffer of 1 coalesces multiple signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue removes the front message without blocking.
// Returns (nil, false) if the queue is empty.
func (q *messageQueue) TryDequeue() (*protocol.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false
	}

	m := q.items[0]
	// Nil out the slot so the backing array does not retain the message.
	q.items[0] = nil

	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}

	return m, true
}

// Wait returns a channel that signals when messages may be available.
func (q *messageQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *messageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close signals that no more messages will be enqueued and wakes waiters.
func (q *messageQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}
