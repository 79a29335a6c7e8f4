package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Guizzs26/go-change-pipeline/internal/models"
	"github.com/Guizzs26/go-change-pipeline/pkg/infra"
	"github.com/Guizzs26/go-change-pipeline/pkg/metrics"
	"github.com/sony/gobreaker"
)

const (
	superviseInterval = time.Second
	dlqSuffix         = "_dlq"
)

var ErrNotConnected = errors.New("broker not connected")

// JobStore mirrors every message attempt in the database
type JobStore interface {
	Create(ctx context.Context, queue string, msg models.QueueMessage, maxRetries int) error
	Claim(ctx context.Context, queue string, msg models.QueueMessage, maxRetries int) (bool, error)
	Reclaim(ctx context.Context, queue string, msg models.QueueMessage, maxRetries int) (bool, error)
	MarkCompleted(ctx context.Context, queue string, msg models.QueueMessage) error
}

// FailureHandler decides what happens after a handler fails. The delivery is
// acknowledged whatever it returns
type FailureHandler interface {
	HandleFailure(ctx context.Context, queue string, msg models.QueueMessage, cause error) error
}

type Handler func(ctx context.Context, msg models.QueueMessage) error

type Options struct {
	TaskQueue          string
	EventQueue         string
	RetryQueue         string
	DeadLetterExchange string
	MaxRetries         int
	Prefetch           int
	Concurrency        int
	PublishTimeout     time.Duration
}

func (o Options) managedQueues() []string {
	return []string{o.TaskQueue, o.EventQueue, o.RetryQueue}
}

// DLQName returns the dead-letter queue of queue
func DLQName(queue string) string {
	return queue + dlqSuffix
}

type registration struct {
	queue   string
	handler Handler
}

// QueueBroker publishes and consumes QueueMessages on top of a Transport and
// keeps the job records in step. A missing or broken transport never surfaces
// to Publish and Consume callers
type QueueBroker struct {
	dial    Dialer
	jobs    JobStore
	opts    Options
	logger  *slog.Logger
	breaker *gobreaker.CircuitBreaker

	mu        sync.RWMutex
	transport Transport
	declared  map[string]bool
	failures  FailureHandler
	consumers []registration

	ctx       context.Context
	cancel    context.CancelFunc
	workers   sync.WaitGroup
	closeOnce sync.Once
}

func New(dial Dialer, jobs JobStore, opts Options, l *slog.Logger) *QueueBroker {
	if opts.Prefetch < 1 {
		opts.Prefetch = 1
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &QueueBroker{
		dial:     dial,
		jobs:     jobs,
		opts:     opts,
		logger:   l,
		declared: make(map[string]bool),
		ctx:      ctx,
		cancel:   cancel,
	}

	b.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "broker-publish",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			l.Warn("Publish circuit breaker changed state", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return b
}

func (b *QueueBroker) SetFailureHandler(h FailureHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = h
}

// Connect dials the transport, declares the topology and starts every
// registered consumer. A previous transport is closed first
func (b *QueueBroker) Connect(ctx context.Context) error {
	if b.ctx.Err() != nil {
		return ErrNotConnected
	}

	t, err := b.dial(ctx)
	if err != nil {
		metrics.BrokerHealthy.Set(0)
		return fmt.Errorf("failed to dial broker: %w", err)
	}

	b.mu.Lock()
	if old := b.transport; old != nil {
		_ = old.Close()
	}
	b.transport = t
	b.declared = make(map[string]bool)
	consumers := append([]registration(nil), b.consumers...)
	b.mu.Unlock()

	if err := b.declareTopology(t); err != nil {
		b.mu.Lock()
		b.transport = nil
		b.mu.Unlock()
		_ = t.Close()
		metrics.BrokerHealthy.Set(0)
		return err
	}

	metrics.BrokerHealthy.Set(1)
	b.logger.Info("Broker connected", "queues", b.opts.managedQueues(), "consumers", len(consumers))

	for _, c := range consumers {
		b.startConsumer(t, c)
	}
	return nil
}

// declareTopology creates the managed queues, the dead-letter exchange and one
// dead-letter queue per managed queue. Dead letters rejected by an operator flow
// into the retry queue
func (b *QueueBroker) declareTopology(t Transport) error {
	if err := t.DeclareExchange(b.opts.DeadLetterExchange, "direct"); err != nil {
		return err
	}
	for _, q := range b.opts.managedQueues() {
		if err := b.declareQueue(t, q); err != nil {
			return err
		}
	}
	return nil
}

func (b *QueueBroker) declareQueue(t Transport, queue string) error {
	b.mu.RLock()
	done := b.declared[queue]
	b.mu.RUnlock()
	if done {
		return nil
	}

	if err := t.DeclareQueue(queue, nil); err != nil {
		return err
	}

	dlq := DLQName(queue)
	err := t.DeclareQueue(dlq, map[string]any{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": b.opts.RetryQueue,
	})
	if err != nil {
		return err
	}
	if err := t.BindQueue(dlq, b.opts.DeadLetterExchange, dlq); err != nil {
		return err
	}

	b.mu.Lock()
	b.declared[queue] = true
	b.mu.Unlock()
	return nil
}

func (b *QueueBroker) current() (Transport, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.transport == nil || !b.transport.IsHealthy() {
		return nil, ErrNotConnected
	}
	return b.transport, nil
}

func (b *QueueBroker) IsConnected() bool {
	_, err := b.current()
	return err == nil
}

// Publish is TryPublish for callers that must not fail because the broker is down
func (b *QueueBroker) Publish(ctx context.Context, queue string, msg models.QueueMessage) {
	err := b.TryPublish(ctx, queue, msg)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotConnected):
		b.logger.Debug("Broker not connected, message not published", "message_id", msg.ID, "queue", queue)
	default:
		b.logger.Error("Failed to publish message", "message_id", msg.ID, "queue", queue, "error", err)
	}
}

// TryPublish records a pending job for the attempt and sends msg as a
// persistent message to queue
func (b *QueueBroker) TryPublish(ctx context.Context, queue string, msg models.QueueMessage) error {
	t, err := b.current()
	if err != nil {
		metrics.MessagesPublished.WithLabelValues(queue, "skipped").Inc()
		return err
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to serialize message %s: %w", msg.ID, err)
	}

	if err := b.declareQueue(t, queue); err != nil {
		metrics.MessagesPublished.WithLabelValues(queue, "error").Inc()
		return err
	}

	if err := b.jobs.Create(ctx, queue, msg, b.opts.MaxRetries); err != nil {
		metrics.MessagesPublished.WithLabelValues(queue, "error").Inc()
		return err
	}

	pubCtx, cancel := context.WithTimeout(ctx, b.opts.PublishTimeout)
	defer cancel()

	_, err = b.breaker.Execute(func() (interface{}, error) {
		return nil, t.SendToQueue(pubCtx, queue, body)
	})
	if err != nil {
		metrics.MessagesPublished.WithLabelValues(queue, "error").Inc()
		return fmt.Errorf("failed to send message %s to %s: %w", msg.ID, queue, err)
	}

	metrics.MessagesPublished.WithLabelValues(queue, "sent").Inc()
	b.logger.Debug("Message published", "message_id", msg.ID, "queue", queue, "retry_count", msg.RetryCount)
	return nil
}

// DeadLetter routes msg to the dead-letter queue of queue through the dead-letter exchange
func (b *QueueBroker) DeadLetter(ctx context.Context, queue string, msg models.QueueMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to serialize message %s: %w", msg.ID, err)
	}
	return b.deadLetterRaw(ctx, queue, body)
}

func (b *QueueBroker) deadLetterRaw(ctx context.Context, queue string, body []byte) error {
	t, err := b.current()
	if err != nil {
		return err
	}

	if err := b.declareQueue(t, queue); err != nil {
		return err
	}

	pubCtx, cancel := context.WithTimeout(ctx, b.opts.PublishTimeout)
	defer cancel()

	_, err = b.breaker.Execute(func() (interface{}, error) {
		return nil, t.PublishToExchange(pubCtx, b.opts.DeadLetterExchange, DLQName(queue), body)
	})
	if err != nil {
		return fmt.Errorf("failed to dead-letter to %s: %w", DLQName(queue), err)
	}
	return nil
}

// Consume registers handler for queue. Consumption starts right away when the
// broker is connected and again after every reconnect
func (b *QueueBroker) Consume(queue string, handler Handler) {
	reg := registration{queue: queue, handler: handler}

	b.mu.Lock()
	b.consumers = append(b.consumers, reg)
	b.mu.Unlock()

	t, err := b.current()
	if err != nil {
		b.logger.Debug("Broker not connected, consumer registered for later", "queue", queue)
		return
	}
	b.startConsumer(t, reg)
}

func (b *QueueBroker) startConsumer(t Transport, reg registration) {
	l := b.logger.With("queue", reg.queue)

	if err := b.declareQueue(t, reg.queue); err != nil {
		l.Error("Failed to declare consumer queue", "error", err)
		return
	}

	deliveries, err := t.Consume(b.ctx, reg.queue, b.opts.Prefetch)
	if err != nil {
		l.Error("Failed to start consumer", "error", err)
		return
	}

	for range b.opts.Concurrency {
		b.workers.Add(1)
		go func() {
			defer b.workers.Done()
			for d := range deliveries {
				b.handleDelivery(reg.queue, reg.handler, d)
			}
		}()
	}

	l.Info("Consumer is online and waiting for messages", "workers", b.opts.Concurrency, "prefetch", b.opts.Prefetch)
}

func (b *QueueBroker) handleDelivery(queue string, h Handler, d Delivery) {
	// in-flight work finishes even when Close cancels consumption
	ctx := context.WithoutCancel(b.ctx)
	start := time.Now()
	defer b.ack(queue, d)

	var msg models.QueueMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil || msg.ID == "" {
		b.logger.Error("Malformed delivery, routing to dead-letter queue", "queue", queue, "error", err, "bytes", len(d.Body))
		if err := b.deadLetterRaw(ctx, queue, d.Body); err != nil {
			b.logger.Error("CRITICAL: Failed to dead-letter malformed delivery, message dropped", "queue", queue, "error", err)
		}
		metrics.MessagesConsumed.WithLabelValues(queue, "malformed").Inc()
		return
	}

	l := b.logger.With("message_id", msg.ID, "queue", queue, "retry_count", msg.RetryCount)

	claim := b.jobs.Claim
	if d.Redelivered {
		// the previous holder never acked, its processing row is abandoned
		claim = b.jobs.Reclaim
	}

	claimed, err := claim(ctx, queue, msg, b.opts.MaxRetries)
	if err != nil {
		l.Warn("Job store unavailable, processing without claim", "error", err)
	} else if !claimed {
		l.Info("Attempt already claimed by another delivery, skipping")
		metrics.MessagesConsumed.WithLabelValues(queue, "duplicate").Inc()
		return
	}

	if err := invoke(ctx, h, msg); err != nil {
		metrics.HandlerDuration.WithLabelValues(queue, "failed").Observe(time.Since(start).Seconds())
		metrics.MessagesConsumed.WithLabelValues(queue, "failed").Inc()

		b.mu.RLock()
		fh := b.failures
		b.mu.RUnlock()

		if fh == nil {
			l.Error("Handler failed and no failure handler is set, message dropped", "error", err)
			return
		}
		if err := fh.HandleFailure(ctx, queue, msg, err); err != nil {
			l.Error("Failure handling did not complete", "error", err)
		}
		return
	}

	if err := b.jobs.MarkCompleted(ctx, queue, msg); err != nil {
		l.Error("Message processed but failed to update job record", "error", err)
	}

	metrics.HandlerDuration.WithLabelValues(queue, "completed").Observe(time.Since(start).Seconds())
	metrics.MessagesConsumed.WithLabelValues(queue, "completed").Inc()
}

func (b *QueueBroker) ack(queue string, d Delivery) {
	if err := d.Ack(); err != nil {
		b.logger.Error("Failed to Ack message", "queue", queue, "error", err)
	}
}

func invoke(ctx context.Context, h Handler, msg models.QueueMessage) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return h(ctx, msg)
}

// Supervise restores the transport whenever it becomes unhealthy, backing off
// between attempts, until ctx is cancelled
func (b *QueueBroker) Supervise(ctx context.Context) error {
	backoff := infra.NewBackoff(time.Second, 30*time.Second, 2)
	ticker := time.NewTicker(superviseInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.ctx.Done():
			return nil
		case <-ticker.C:
		}

		if b.IsConnected() {
			backoff.Reset()
			continue
		}

		wait := backoff.Next()
		b.logger.Warn("Broker unavailable, reconnecting", "attempt", backoff.Attempts(), "wait", wait)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}

		metrics.BrokerReconnections.Inc()
		if err := b.Connect(ctx); err != nil {
			b.logger.Error("Reconnect failed", "error", err)
			continue
		}
		backoff.Reset()
	}
}

// Close stops consumers, waits for in-flight handlers and closes the transport
func (b *QueueBroker) Close() error {
	b.closeOnce.Do(func() {
		b.cancel()
		b.workers.Wait()

		b.mu.Lock()
		t := b.transport
		b.transport = nil
		b.mu.Unlock()

		if t != nil {
			_ = t.Close()
		}
		metrics.BrokerHealthy.Set(0)
		b.logger.Info("Broker closed")
	})
	return nil
}
