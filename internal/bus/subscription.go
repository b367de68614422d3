package bus

import (
	"context"
	"sync"
)

// barrier is queued by Drain and closed when the mailbox reaches it.
type barrier chan struct{}

// Subscription is a live registration of a handler on one message type. Each
// subscription drains its own mailbox on a dedicated goroutine, so handlers see
// messages in publish order and never block publishers.
type Subscription struct {
	bus     *Bus
	typ     Type
	handler Handler

	mu      sync.Mutex
	queue   []Message
	notify  chan struct{}
	done    chan struct{}
	stopped bool
	once    sync.Once
}

func newSubscription(b *Bus, t Type, h Handler) *Subscription {
	return &Subscription{
		bus:     b,
		typ:     t,
		handler: h,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Type returns the message type this subscription receives.
func (s *Subscription) Type() Type { return s.typ }

// Unsubscribe stops delivery. Messages still queued are dropped.
func (s *Subscription) Unsubscribe() {
	s.bus.remove(s)
	s.stop()
}

func (s *Subscription) stop() {
	s.once.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.queue = nil
		s.mu.Unlock()
		close(s.done)
	})
}

// Drain waits until every message queued before the call has been handled.
// It returns at once for a stopped subscription.
func (s *Subscription) Drain(ctx context.Context) error {
	b := make(barrier)
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.queue = append(s.queue, Message{Payload: b})
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}

	select {
	case <-b:
		return nil
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Subscription) enqueue(msg Message) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, msg)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}
		for {
			s.mu.Lock()
			if s.stopped || len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			msg := s.queue[0]
			s.queue[0] = Message{}
			s.queue = s.queue[1:]
			s.mu.Unlock()

			s.deliver(msg)
		}
	}
}

func (s *Subscription) deliver(msg Message) {
	if b, ok := msg.Payload.(barrier); ok && msg.Type == "" {
		close(b)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.bus.logger.Warn("Bus subscriber panicked", "type", s.typ, "panic", r)
		}
	}()
	s.handler.HandleMessage(msg)
}
