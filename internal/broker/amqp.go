package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Guizzs26/go-change-pipeline/pkg/metrics"
	amqp "github.com/rabbitmq/amqp091-go"
)

var errConnectionClosed = errors.New("broker connection is closed")

// AMQPTransport handles the low-level communication with RabbitMQ. Publishes go
// through a single confirm-mode channel; every consumer gets a channel of its own
type AMQPTransport struct {
	conn           *amqp.Connection
	channel        *amqp.Channel
	pubMu          sync.Mutex
	confirmTimeout time.Duration
	logger         *slog.Logger

	connClosed chan *amqp.Error
	chanClosed chan *amqp.Error
	closeOnce  sync.Once
	healthy    atomic.Bool
	ctx        context.Context
	cancel     context.CancelFunc
}

// AMQPDialer returns a Dialer that connects to url with Publisher Confirms enabled
func AMQPDialer(url string, confirmTimeout time.Duration, l *slog.Logger) Dialer {
	return func(ctx context.Context) (Transport, error) {
		return DialAMQP(url, confirmTimeout, l)
	}
}

func DialAMQP(url string, confirmTimeout time.Duration, l *slog.Logger) (*AMQPTransport, error) {
	c, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := c.Channel()
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to open RabbitMQ channel: %w", err)
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()
		c.Close()
		return nil, fmt.Errorf("failed to activate Publisher Confirms: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &AMQPTransport{
		conn:           c,
		channel:        ch,
		confirmTimeout: confirmTimeout,
		logger:         l,
		connClosed:     make(chan *amqp.Error, 1),
		chanClosed:     make(chan *amqp.Error, 1),
		ctx:            ctx,
		cancel:         cancel,
	}

	t.healthy.Store(true)
	t.conn.NotifyClose(t.connClosed)
	t.channel.NotifyClose(t.chanClosed)

	go t.monitor()

	l.Info("Successfully connected to RabbitMQ and monitors established")
	return t, nil
}

func (t *AMQPTransport) monitor() {
	select {
	case err := <-t.connClosed:
		t.healthy.Store(false)
		metrics.BrokerHealthy.Set(0)
		t.logger.Warn("RabbitMQ connection closed", "error", err)
	case err := <-t.chanClosed:
		t.healthy.Store(false)
		metrics.BrokerHealthy.Set(0)
		t.logger.Warn("RabbitMQ channel closed", "error", err)
	case <-t.ctx.Done():
	}
}

func (t *AMQPTransport) DeclareQueue(name string, args map[string]any) error {
	t.pubMu.Lock()
	defer t.pubMu.Unlock()

	if _, err := t.channel.QueueDeclare(name, true, false, false, false, amqp.Table(args)); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", name, err)
	}
	return nil
}

func (t *AMQPTransport) DeclareExchange(name, kind string) error {
	t.pubMu.Lock()
	defer t.pubMu.Unlock()

	if err := t.channel.ExchangeDeclare(name, kind, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", name, err)
	}
	return nil
}

func (t *AMQPTransport) BindQueue(queue, exchange, key string) error {
	t.pubMu.Lock()
	defer t.pubMu.Unlock()

	if err := t.channel.QueueBind(queue, key, exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind %s to %s: %w", queue, exchange, err)
	}
	return nil
}

func (t *AMQPTransport) SendToQueue(ctx context.Context, queue string, body []byte) error {
	return t.publish(ctx, "", queue, body)
}

func (t *AMQPTransport) PublishToExchange(ctx context.Context, exchange, key string, body []byte) error {
	return t.publish(ctx, exchange, key, body)
}

// publish blocks until RabbitMQ confirms (ACK/NACK) the message
func (t *AMQPTransport) publish(ctx context.Context, exchange, key string, body []byte) error {
	if !t.IsHealthy() {
		return errConnectionClosed
	}

	t.pubMu.Lock()
	deferred, err := t.channel.PublishWithDeferredConfirmWithContext(
		ctx,
		exchange,
		key,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	t.pubMu.Unlock()
	if err != nil {
		return fmt.Errorf("publish call failed: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-deferred.Done():
		if !deferred.Acked() {
			return fmt.Errorf("RabbitMQ NACK received: message not persisted")
		}
		return nil
	case <-time.After(t.confirmTimeout):
		return fmt.Errorf("publisher confirm timeout")
	}
}

func (t *AMQPTransport) Consume(ctx context.Context, queue string, prefetch int) (<-chan Delivery, error) {
	ch, err := t.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open consumer channel: %w", err)
	}

	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	msgs, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to register consumer: %w", err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		defer ch.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case <-t.ctx.Done():
				return
			case d, ok := <-msgs:
				if !ok {
					return
				}
				delivery := NewDelivery(d.Body, d.Redelivered, func() error { return d.Ack(false) })
				select {
				case out <- delivery:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// IsHealthy returns true if the connection and publish channel are active
func (t *AMQPTransport) IsHealthy() bool {
	return t.healthy.Load()
}

// Close gracefully shuts down the RabbitMQ resources
func (t *AMQPTransport) Close() error {
	t.closeOnce.Do(func() {
		t.logger.Info("Terminating RabbitMQ transport")
		t.healthy.Store(false)
		t.cancel()
		if t.channel != nil {
			t.channel.Close()
		}
		if t.conn != nil {
			t.conn.Close()
		}
	})
	return nil
}
