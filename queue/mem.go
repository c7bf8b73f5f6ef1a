package queue

import (
	"context"
	"sync"
)

// MemQueue is an in-process Queue. Nacked messages go to the back of the
// queue.
type MemQueue struct {
	mu        sync.Mutex
	pending   []Message
	inflight  map[*memDelivery]struct{}
	published []Message
	notify    chan struct{}
	closed    bool
}

// NewMemQueue creates an empty queue.
func NewMemQueue() *MemQueue {
	return &MemQueue{
		inflight: make(map[*memDelivery]struct{}),
		notify:   make(chan struct{}),
	}
}

// Publish appends m.
func (q *MemQueue) Publish(_ context.Context, m Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.pending = append(q.pending, m)
	q.published = append(q.published, m)
	q.wakeLocked()
	return nil
}

func (q *MemQueue) wakeLocked() {
	close(q.notify)
	q.notify = make(chan struct{})
}

// Consume takes the oldest pending message.
func (q *MemQueue) Consume(ctx context.Context) (Delivery, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		if len(q.pending) > 0 {
			m := q.pending[0]
			q.pending = q.pending[1:]
			d := &memDelivery{q: q, msg: m}
			q.inflight[d] = struct{}{}
			q.mu.Unlock()
			return d, nil
		}
		ch := q.notify
		q.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close wakes blocked consumers with ErrClosed.
func (q *MemQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		q.wakeLocked()
	}
	return nil
}

// Len returns the number of pending messages.
func (q *MemQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// InFlight returns the number of delivered messages not yet acked or nacked.
func (q *MemQueue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

// Published returns every message ever published, in order.
func (q *MemQueue) Published() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Message(nil), q.published...)
}

type memDelivery struct {
	q   *MemQueue
	msg Message
}

func (d *memDelivery) Message() Message { return d.msg }

func (d *memDelivery) Ack(context.Context) error {
	d.q.mu.Lock()
	defer d.q.mu.Unlock()
	delete(d.q.inflight, d)
	return nil
}

func (d *memDelivery) Nack(context.Context) error {
	d.q.mu.Lock()
	defer d.q.mu.Unlock()
	if _, ok := d.q.inflight[d]; !ok {
		return nil
	}
	delete(d.q.inflight, d)
	if !d.q.closed {
		d.q.pending = append(d.q.pending, d.msg)
		d.q.wakeLocked()
	}
	return nil
}
