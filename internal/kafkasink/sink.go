// Package kafkasink exports finished tool calls from the bus to a Kafka topic.
package kafkasink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/KafClaw/codeclaw/internal/bus"
	"github.com/KafClaw/codeclaw/internal/scheduler"
)

// Writer is the subset of *kafka.Writer the sink needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config describes the target topic.
type Config struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

// NewWriter builds a synchronous writer that partitions by message key, so
// every record of one scheduler lands on the same partition.
func NewWriter(cfg Config) *kafka.Writer {
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           50 * time.Millisecond,
		WriteTimeout:           timeout,
		AllowAutoTopicCreation: true,
	}
}

// Sink writes each terminal tool call once.
type Sink struct {
	w          Writer
	logger     *slog.Logger
	timeout    time.Duration
	maxRetries int
	backoff    time.Duration

	mu   sync.Mutex
	sent map[string]bool
	sub  *bus.Subscription
}

// New creates a sink on w.
func New(w Writer, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		w:          w,
		logger:     logger,
		timeout:    10 * time.Second,
		maxRetries: 3,
		backoff:    500 * time.Millisecond,
		sent:       make(map[string]bool),
	}
}

// Attach subscribes the sink to tool-call updates on b.
func (s *Sink) Attach(b *bus.Bus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub == nil {
		s.sub = b.Subscribe(bus.TypeToolCallsUpdate, s)
	}
}

// HandleMessage implements bus.Handler.
func (s *Sink) HandleMessage(msg bus.Message) {
	u, ok := msg.Payload.(scheduler.Update)
	if !ok {
		return
	}
	var (
		msgs []kafka.Message
		keys []string
	)
	s.mu.Lock()
	for _, c := range u.Calls {
		key := c.SchedulerID + "/" + c.Request.CallID
		if !c.Terminal() || s.sent[key] {
			continue
		}
		m, err := encode(c)
		if err != nil {
			s.logger.Warn("Kafka export skipped", "call_id", c.Request.CallID, "error", err)
			s.sent[key] = true
			continue
		}
		msgs = append(msgs, m)
		keys = append(keys, key)
	}
	s.mu.Unlock()
	if len(msgs) == 0 {
		return
	}

	if err := s.write(msgs); err != nil {
		s.logger.Warn("Kafka export failed", "scheduler_id", u.SchedulerID, "records", len(msgs), "error", err)
		return
	}
	s.mu.Lock()
	for _, k := range keys {
		s.sent[k] = true
	}
	s.mu.Unlock()
}

func (s *Sink) write(msgs []kafka.Message) error {
	var err error
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * s.backoff)
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		err = s.w.WriteMessages(ctx, msgs...)
		cancel()
		if err == nil {
			return nil
		}
		s.logger.Debug("Kafka write retry", "attempt", attempt+1, "error", err)
	}
	return err
}

// Close exports updates already queued, unsubscribes and closes the writer.
func (s *Sink) Close() error {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()
	if sub != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		if err := sub.Drain(ctx); err != nil {
			s.logger.Warn("Kafka export drain incomplete", "error", err)
		}
		cancel()
		sub.Unsubscribe()
	}
	return s.w.Close()
}

func encode(c scheduler.ToolCall) (kafka.Message, error) {
	value, err := json.Marshal(c)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode tool call: %w", err)
	}
	ts := c.EndedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	return kafka.Message{
		Key:   []byte(c.SchedulerID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "scheduler_id", Value: []byte(c.SchedulerID)},
			{Key: "status", Value: []byte(c.Status())},
		},
		Time: ts,
	}, nil
}
