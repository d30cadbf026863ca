package live

import "sync/atomic"

// DefaultMailboxSize is the queue depth used when none is given.
const DefaultMailboxSize = 16

// Mailbox hands values from a producer goroutine to a renderer that polls on
// its own schedule. When full, the oldest value is dropped so the producer
// never blocks.
type Mailbox[T any] struct {
	ch      chan T
	dropped atomic.Uint64
}

// NewMailbox returns a mailbox holding at most size values.
func NewMailbox[T any](size int) *Mailbox[T] {
	if size < 1 {
		size = DefaultMailboxSize
	}
	return &Mailbox[T]{ch: make(chan T, size)}
}

// Offer enqueues v, discarding the oldest queued value if needed.
func (m *Mailbox[T]) Offer(v T) {
	for {
		select {
		case m.ch <- v:
			return
		default:
		}
		select {
		case <-m.ch:
			m.dropped.Add(1)
		default:
		}
	}
}

// Drain returns everything queued, oldest first, without blocking.
func (m *Mailbox[T]) Drain() []T {
	var out []T
	for {
		select {
		case v := <-m.ch:
			out = append(out, v)
		default:
			return out
		}
	}
}

// Latest drains the queue and returns only the newest value.
func (m *Mailbox[T]) Latest() (T, bool) {
	var zero T
	all := m.Drain()
	if len(all) == 0 {
		return zero, false
	}
	return all[len(all)-1], true
}

// Len is the number of queued values.
func (m *Mailbox[T]) Len() int { return len(m.ch) }

// Dropped counts values discarded because the queue was full.
func (m *Mailbox[T]) Dropped() uint64 { return m.dropped.Load() }

// Subscriber adapts the mailbox to a Controller subscription.
func (m *Mailbox[T]) Subscriber(convert func(*Update) T) Subscriber {
	return func(u *Update) error {
		m.Offer(convert(u))
		return nil
	}
}
