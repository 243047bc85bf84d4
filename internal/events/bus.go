// Package events delivers model.Event notifications from the registry,
// tracker and controller to any number of subscribers (the UI layer, the
// CLI, tests).
//
// Publish never blocks on a slow subscriber: each subscription owns an
// unbounded FIFO queue drained by its own goroutine. All queues are fed
// under a single bus lock, so every subscriber observes events in exactly
// the order they were published. Components that publish while holding an
// entity's lock therefore get per-entity ordering for free.
package events

import (
	"sync"
	"time"

	"github.com/shinji-kodama/worktree-session/internal/model"
)

// Publisher is the narrow interface components publish through.
type Publisher interface {
	Publish(ev model.Event) model.Event
}

// Bus is an in-process fan-out of model.Event values.
type Bus struct {
	mu     sync.Mutex
	seq    uint64
	subs   map[*Subscription]struct{}
	closed bool
	now    func() time.Time
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[*Subscription]struct{}),
		now:  time.Now,
	}
}

// Publish stamps ev with the next sequence number and the current time (if
// unset) and queues it for every subscriber. It returns the stamped event.
// Publishing on a closed bus is a no-op apart from the stamping.
func (b *Bus) Publish(ev model.Event) model.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	ev.Seq = b.seq
	if ev.Time.IsZero() {
		ev.Time = b.now().UTC()
	}
	if b.closed {
		return ev
	}
	for s := range b.subs {
		s.enqueue(ev)
	}
	return ev
}

// Subscribe registers a new subscriber. Events published after Subscribe
// returns are delivered on the subscription's channel.
func (b *Bus) Subscribe() *Subscription {
	s := newSubscription(b)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.shutdown()
		return s
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	return s
}

// Close detaches every subscription and closes their channels.
// Later Publish calls are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[*Subscription]struct{})
	b.mu.Unlock()

	for s := range subs {
		s.shutdown()
	}
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

// Subscription is one consumer's view of the bus.
type Subscription struct {
	bus *Bus

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []model.Event
	closed bool

	out  chan model.Event
	done chan struct{}
	once sync.Once
}

func newSubscription(b *Bus) *Subscription {
	s := &Subscription{
		bus:  b,
		out:  make(chan model.Event),
		done: make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.pump()
	return s
}

// Events returns the delivery channel. It is closed after Close.
func (s *Subscription) Events() <-chan model.Event {
	return s.out
}

// Close unsubscribes. Undelivered events are discarded.
func (s *Subscription) Close() {
	s.bus.remove(s)
	s.shutdown()
}

func (s *Subscription) shutdown() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.queue = nil
		s.mu.Unlock()
		s.cond.Broadcast()
		close(s.done)
	})
}

func (s *Subscription) enqueue(ev model.Event) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, ev)
	}
	s.mu.Unlock()
	s.cond.Signal()
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		ev := s.queue[0]
		s.queue[0] = model.Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}

// Discard is a Publisher that drops everything. Components use it when no
// bus is configured.
type Discard struct{}

// Publish stamps nothing and drops ev.
func (Discard) Publish(ev model.Event) model.Event { return ev }
