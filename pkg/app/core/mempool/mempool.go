// Package mempool queues work for an order-processing shard.
package mempool

import "sync"

// Kind classifies queued work into ordering buckets.
type Kind int

const (
	KindControl Kind = iota // housekeeping such as expiry sweeps
	KindCancel
	KindOrder
)

func (k Kind) String() string {
	switch k {
	case KindControl:
		return "control"
	case KindCancel:
		return "cancel"
	default:
		return "order"
	}
}

// Mempool maintains three queues drained in a fixed order:
// (1) control, (2) cancels, (3) orders.
// Within each bucket, FIFO by admission order.
type Mempool[T any] struct {
	mu      sync.Mutex
	control []T
	cancel  []T
	orders  []T
	ready   chan struct{}
}

func New[T any]() *Mempool[T] {
	return &Mempool[T]{ready: make(chan struct{}, 1)}
}

// Push enqueues item in the bucket for k and wakes the consumer.
func (m *Mempool[T]) Push(k Kind, item T) {
	m.mu.Lock()
	switch k {
	case KindControl:
		m.control = append(m.control, item)
	case KindCancel:
		m.cancel = append(m.cancel, item)
	default:
		m.orders = append(m.orders, item)
	}
	m.mu.Unlock()

	select {
	case m.ready <- struct{}{}:
	default:
	}
}

// Ready is signalled after a push. One signal may cover many items.
func (m *Mempool[T]) Ready() <-chan struct{} { return m.ready }

// Select removes and returns up to max items in bucket order. max <= 0 takes everything.
func (m *Mempool[T]) Select(max int) []T {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []T
	pull := func(q *[]T) {
		for len(*q) > 0 {
			if max > 0 && len(out) >= max {
				return
			}
			out = append(out, (*q)[0])
			var zero T
			(*q)[0] = zero
			*q = (*q)[1:]
		}
	}

	pull(&m.control)
	pull(&m.cancel)
	pull(&m.orders)

	return out
}

// Len returns total queued items.
func (m *Mempool[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.control) + len(m.cancel) + len(m.orders)
}
