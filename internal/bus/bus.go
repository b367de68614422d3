// Package bus provides the message bus shared by schedulers, the approval UI and
// the hook runner.
package bus

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
)

// Type tags a message. The set is closed; see Valid.
type Type string

const (
	TypeToolConfirmationRequest  Type = "tool-confirmation-request"
	TypeToolConfirmationResponse Type = "tool-confirmation-response"
	TypeToolCallsUpdate          Type = "tool-calls-update"
	TypeHookExecutionRequest     Type = "hook-execution-request"
	TypeHookExecutionResponse    Type = "hook-execution-response"
)

// Valid reports whether t belongs to the closed set of message types.
func (t Type) Valid() bool {
	switch t {
	case TypeToolConfirmationRequest, TypeToolConfirmationResponse,
		TypeToolCallsUpdate, TypeHookExecutionRequest, TypeHookExecutionResponse:
		return true
	}
	return false
}

var (
	ErrUnknownType      = errors.New("bus: unknown message type")
	ErrClosed           = errors.New("bus: closed")
	ErrRequestCancelled = errors.New("bus: request cancelled")
	ErrRequestTimeout   = errors.New("bus: request timed out")
	ErrNoResponder      = errors.New("bus: no responder subscribed")
)

// Message is the envelope carried by the bus. Request-shaped messages carry a
// CorrelationID that the matching response echoes back.
type Message struct {
	Type          Type   `json:"type"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Payload       any    `json:"payload,omitempty"`
}

// Handler receives messages for the types it subscribed to.
type Handler interface {
	HandleMessage(Message)
}

// HandlerFunc adapts a plain function to Handler. Function values are not
// comparable, so every Subscribe with a HandlerFunc creates a new subscription.
type HandlerFunc func(Message)

// HandleMessage calls f(msg).
func (f HandlerFunc) HandleMessage(msg Message) { f(msg) }

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger used for subscriber panics.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// Bus is a typed publish/subscribe bus with correlated request/response on top.
// It is safe for concurrent use by any number of publishers and subscribers.
type Bus struct {
	mu      sync.Mutex
	subs    map[Type][]*Subscription
	waiters map[string]*waiter
	closed  bool
	logger  *slog.Logger
}

// New creates an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:    make(map[Type][]*Subscription),
		waiters: make(map[string]*waiter),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish delivers msg to every subscriber of msg.Type and resolves a pending
// Request waiting on msg.CorrelationID. It never blocks on subscribers.
func (b *Bus) Publish(msg Message) error {
	if !msg.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	// Enqueueing under the bus lock gives every subscriber the same global order.
	for _, sub := range b.subs[msg.Type] {
		sub.enqueue(msg)
	}

	if msg.CorrelationID != "" {
		if w, ok := b.waiters[msg.CorrelationID]; ok && w.responseType == msg.Type {
			delete(b.waiters, msg.CorrelationID)
			w.ch <- msg
		}
	}
	return nil
}

// Subscribe registers h for messages of type t. Registering the same comparable
// handler twice for one type returns the existing subscription.
func (b *Bus) Subscribe(t Type, h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	if existing := b.findLocked(t, h); existing != nil {
		return existing
	}

	sub := newSubscription(b, t, h)
	if b.closed {
		sub.stop()
		return sub
	}
	b.subs[t] = append(b.subs[t], sub)
	go sub.run()
	return sub
}

// Unsubscribe removes a comparable handler previously registered for t.
// It is a no-op for unknown handlers.
func (b *Bus) Unsubscribe(t Type, h Handler) {
	b.mu.Lock()
	sub := b.findLocked(t, h)
	b.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
}

// SubscriberCount returns the number of live subscriptions for t.
func (b *Bus) SubscriberCount(t Type) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[t])
}

// Close stops all subscriptions and fails pending requests with ErrClosed.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	all := b.subs
	b.subs = make(map[Type][]*Subscription)
	waiters := b.waiters
	b.waiters = make(map[string]*waiter)
	b.mu.Unlock()

	for _, subs := range all {
		for _, sub := range subs {
			sub.stop()
		}
	}
	for _, w := range waiters {
		close(w.closed)
	}
}

func (b *Bus) findLocked(t Type, h Handler) *Subscription {
	if !comparableHandler(h) {
		return nil
	}
	for _, sub := range b.subs[t] {
		if comparableHandler(sub.handler) && sub.handler == h {
			return sub
		}
	}
	return nil
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[sub.typ]
	for i, s := range subs {
		if s == sub {
			b.subs[sub.typ] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[sub.typ]) == 0 {
		delete(b.subs, sub.typ)
	}
}

func comparableHandler(h Handler) bool {
	if h == nil {
		return false
	}
	return reflect.TypeOf(h).Comparable()
}
