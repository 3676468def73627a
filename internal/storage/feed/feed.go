// Package feed fans snapshots out to subscribers. Every subscriber owns a
// mailbox and a goroutine draining it, so a slow consumer never blocks the
// writer and never sees snapshots out of order.
package feed

import (
	"sync"
	"sync/atomic"

	"github.com/localizer/presence/internal/queue"
	"github.com/localizer/presence/pkg/core"
)

type delivery struct {
	snap core.Snapshot
	err  error
}

// Feed is safe for concurrent use.
type Feed struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscriber
	nextID uint64
	closed bool
}

func New() *Feed {
	return &Feed{
		subs: make(map[uint64]*Subscriber),
	}
}

// Add registers a subscriber whose first delivery is initial. Callers hold
// their own write lock around Add so no change slips in between.
func (f *Feed) Add(initial core.Snapshot, onSnapshot func(core.Snapshot), onError func(error)) *Subscriber {
	s := &Subscriber{
		feed:       f,
		mailbox:    queue.New[delivery](),
		onSnapshot: onSnapshot,
		onError:    onError,
		done:       make(chan struct{}),
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		s.canceled.Store(true)
		close(s.done)
		return s
	}
	f.nextID++
	s.id = f.nextID
	f.subs[s.id] = s
	f.mu.Unlock()

	s.mailbox.Push(delivery{snap: initial.Clone()})
	go s.run()
	return s
}

// Publish queues snap for every subscriber.
func (f *Feed) Publish(snap core.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.subs {
		s.mailbox.Push(delivery{snap: snap.Clone()})
	}
}

// Fail queues err for every subscriber. Subscribers stay registered.
func (f *Feed) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.subs {
		s.mailbox.Push(delivery{err: err})
	}
}

// Len returns the number of live subscribers.
func (f *Feed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Close cancels every subscriber. Later Adds return canceled subscribers.
func (f *Feed) Close() {
	f.mu.Lock()
	f.closed = true
	subs := f.subs
	f.subs = make(map[uint64]*Subscriber)
	f.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
}

func (f *Feed) remove(id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, id)
}

// Subscriber is one registered consumer of a Feed.
type Subscriber struct {
	id         uint64
	feed       *Feed
	mailbox    *queue.Mailbox[delivery]
	onSnapshot func(core.Snapshot)
	onError    func(error)
	canceled   atomic.Bool
	once       sync.Once
	done       chan struct{}
}

// Cancel stops further deliveries. A callback already running completes.
func (s *Subscriber) Cancel() {
	s.feed.remove(s.id)
	s.stop()
}

// Done is closed once the delivery goroutine has exited.
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

// Pending returns the number of queued deliveries.
func (s *Subscriber) Pending() int {
	return s.mailbox.Len()
}

func (s *Subscriber) stop() {
	s.once.Do(func() {
		s.canceled.Store(true)
		s.mailbox.Close()
	})
}

func (s *Subscriber) run() {
	defer close(s.done)
	for range s.mailbox.Ready() {
		if s.mailbox.Closed() {
			return
		}
		for _, d := range s.mailbox.Drain() {
			if s.canceled.Load() {
				return
			}
			if d.err != nil {
				if s.onError != nil {
					s.onError(d.err)
				}
				continue
			}
			if s.onSnapshot != nil {
				s.onSnapshot(d.snap)
			}
		}
	}
}
