// Package queue provides the mailbox between a producer that must never
// block and a single consumer goroutine.
package queue

import "sync"

// Mailbox is an unbounded FIFO with a wake-up channel. The consumer waits on
// Ready and takes everything with Drain.
type Mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	spare  []T
	wake   chan struct{}
	closed bool
}

func New[T any]() *Mailbox[T] {
	return &Mailbox[T]{wake: make(chan struct{}, 1)}
}

func (m *Mailbox[T]) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Push appends items. Pushing to a closed mailbox is a no-op.
func (m *Mailbox[T]) Push(items ...T) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.items = append(m.items, items...)
	m.mu.Unlock()
	m.signal()
}

// Ready fires after a Push and on Close. Several pushes may share one signal.
func (m *Mailbox[T]) Ready() <-chan struct{} {
	return m.wake
}

// Drain returns the pending items in push order. The returned slice is
// reused by the next Drain, so the consumer must be done with it by then.
func (m *Mailbox[T]) Drain() []T {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.items
	clear(m.spare)
	m.items, m.spare = m.spare[:0], out
	return out
}

// Len returns the number of pending items.
func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Close drops pending items, rejects further pushes and wakes the consumer.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.items, m.spare = nil, nil
	m.mu.Unlock()
	m.signal()
}

// Closed reports whether Close was called.
func (m *Mailbox[T]) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
