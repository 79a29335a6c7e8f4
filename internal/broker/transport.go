package broker

import "context"

// Delivery is a message handed to a consumer. It must be acknowledged exactly once.
// Redelivered is set when the broker hands out a message that a previous
// consumer received but never acknowledged
type Delivery struct {
	Body        []byte
	Redelivered bool
	ack         func() error
}

func NewDelivery(body []byte, redelivered bool, ack func() error) Delivery {
	return Delivery{Body: body, Redelivered: redelivered, ack: ack}
}

func (d Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack()
}

// Transport is the wire level view of the message broker
type Transport interface {
	DeclareQueue(name string, args map[string]any) error
	DeclareExchange(name, kind string) error
	BindQueue(queue, exchange, key string) error

	// SendToQueue publishes a persistent message through the default exchange
	SendToQueue(ctx context.Context, queue string, body []byte) error
	PublishToExchange(ctx context.Context, exchange, key string, body []byte) error

	// Consume starts a manual-ack consumer. The channel is closed when ctx is
	// cancelled or the underlying connection goes away
	Consume(ctx context.Context, queue string, prefetch int) (<-chan Delivery, error)

	IsHealthy() bool
	Close() error
}

// Dialer opens a new Transport. The broker calls it on Connect and on every reconnect
type Dialer func(ctx context.Context) (Transport, error)
