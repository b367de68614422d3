package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type waiter struct {
	responseType Type
	ch           chan Message
	closed       chan struct{}
}

type requestConfig struct {
	timeout    time.Duration
	correlated func(id string)
}

// RequestOption configures a single Request call.
type RequestOption func(*requestConfig)

// WithTimeout fails the request with ErrRequestTimeout after d. Zero disables it.
func WithTimeout(d time.Duration) RequestOption {
	return func(c *requestConfig) { c.timeout = d }
}

// WithCorrelated calls fn with the generated correlation id after the waiter is
// registered and before the request is published. Cancelling the request
// context from fn stops the publish.
func WithCorrelated(fn func(id string)) RequestOption {
	return func(c *requestConfig) { c.correlated = fn }
}

// Request publishes msg under a fresh correlation id and waits for the first
// message of responseType carrying the same id. Later responses with that id
// are ignored.
func (b *Bus) Request(ctx context.Context, msg Message, responseType Type, opts ...RequestOption) (Message, error) {
	if !responseType.Valid() {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownType, responseType)
	}
	if !msg.Type.Valid() {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}

	var cfg requestConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	id := uuid.NewString()
	msg.CorrelationID = id
	w := &waiter{
		responseType: responseType,
		ch:           make(chan Message, 1),
		closed:       make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return Message{}, ErrClosed
	}
	if len(b.subs[msg.Type]) == 0 {
		b.mu.Unlock()
		return Message{}, fmt.Errorf("%w: %s", ErrNoResponder, msg.Type)
	}
	b.waiters[id] = w
	b.mu.Unlock()
	defer b.dropWaiter(id)

	if cfg.correlated != nil {
		cfg.correlated(id)
	}
	if err := ctx.Err(); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrRequestCancelled, err)
	}

	if err := b.Publish(msg); err != nil {
		return Message{}, err
	}

	var timeout <-chan time.Time
	if cfg.timeout > 0 {
		timer := time.NewTimer(cfg.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case resp := <-w.ch:
		return resp, nil
	case <-w.closed:
		return Message{}, ErrClosed
	case <-ctx.Done():
		return Message{}, fmt.Errorf("%w: %w", ErrRequestCancelled, ctx.Err())
	case <-timeout:
		return Message{}, fmt.Errorf("%w after %s", ErrRequestTimeout, cfg.timeout)
	}
}

// Respond publishes a response of type t correlated to req.
func (b *Bus) Respond(req Message, t Type, payload any) error {
	return b.Publish(Message{Type: t, CorrelationID: req.CorrelationID, Payload: payload})
}

// Pending returns the number of requests still waiting for a response.
func (b *Bus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.waiters)
}

func (b *Bus) dropWaiter(id string) {
	b.mu.Lock()
	delete(b.waiters, id)
	b.mu.Unlock()
}
