// Package eventbus decouples the strategy core from notification and UI
// consumers. The core only publishes named events; external collaborators
// subscribe. Delivery preserves publish order per subscriber, and a slow or
// panicking subscriber never blocks the publisher or its peers.
package eventbus

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Type names an event on the bus.
type Type string

const (
	CycleStarted      Type = "cycle_started"
	CycleEnded        Type = "cycle_ended"
	OrderSubmitted    Type = "order_submitted"
	OrderFilled       Type = "order_filled"
	OrderExpired      Type = "order_expired"
	OrderCancelled    Type = "order_cancelled"
	ApprovalRequested Type = "approval_requested"
	ApprovalResolved  Type = "approval_resolved"
	PriceUpdated      Type = "price_updated"
	UrgentAlert       Type = "urgent_alert"
)

// Event is one published occurrence. Payload is event-type specific.
type Event struct {
	Type    Type
	Symbol  string
	At      time.Time
	Payload any
}

// Handler consumes events on the subscriber's own goroutine.
type Handler func(Event)

// Bus is an in-process publish/subscribe fan-out.
type Bus struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	l      *zap.Logger
	closed bool
}

func New(l *zap.Logger) *Bus {
	return &Bus{
		subs: make(map[*Subscription]struct{}),
		l:    l,
	}
}

// Subscription drains its own queue on a dedicated goroutine so publish
// order is preserved per subscriber while publishers never wait.
type Subscription struct {
	bus     *Bus
	name    string
	types   map[Type]struct{}
	handler Handler

	mu     sync.Mutex
	queue  []Event
	wake   chan struct{}
	done   chan struct{}
	closed bool
}

// Subscribe registers a handler for the given event types; with no types it
// receives everything. The returned subscription must be closed when done.
func (b *Bus) Subscribe(name string, h Handler, types ...Type) *Subscription {
	s := &Subscription{
		bus:     b,
		name:    name,
		handler: h,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	if len(types) > 0 {
		s.types = make(map[Type]struct{}, len(types))
		for _, t := range types {
			s.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.done)
		return s
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go s.run()
	return s
}

// Publish delivers the event to every matching subscriber's queue. It never
// blocks on consumers.
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	targets := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		if s.wants(e.Type) {
			targets = append(targets, s)
		}
	}
	b.mu.Unlock()

	for _, s := range targets {
		s.enqueue(e)
	}
}

// Close shuts down every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[*Subscription]struct{})
	b.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
}

func (s *Subscription) wants(t Type) bool {
	if s.types == nil {
		return true
	}
	_, ok := s.types[t]
	return ok
}

func (s *Subscription) enqueue(e Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, e)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Close unregisters the subscription; queued events are dropped.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	s.stop()
}

func (s *Subscription) stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
}

func (s *Subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			e := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			s.deliver(e)
		}
	}
}

// deliver invokes the handler with panic isolation: a failing subscriber is
// logged, never propagated.
func (s *Subscription) deliver(e Event) {
	defer func() {
		if r := recover(); r != nil {
			s.bus.l.Error("event subscriber panicked",
				zap.String("subscriber", s.name),
				zap.String("event", string(e.Type)),
				zap.Any("panic", r))
		}
	}()
	s.handler(e)
}
