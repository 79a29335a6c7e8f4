package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Guizzs26/go-change-pipeline/internal/models"
)

var ErrUnsupportedType = errors.New("unsupported message type")

// KnownTypes are the change notifications published by the write services
var KnownTypes = []string{
	"task.created", "task.updated", "task.deleted",
	"event.created", "event.updated", "event.deleted",
}

// EventLogger is the consumer of the task and event queues. It accepts the known
// change notifications and fails anything else so it travels the retry path
type EventLogger struct {
	known  map[string]bool
	logger *slog.Logger
}

func NewEventLogger(l *slog.Logger) *EventLogger {
	known := make(map[string]bool, len(KnownTypes))
	for _, t := range KnownTypes {
		known[t] = true
	}
	return &EventLogger{known: known, logger: l}
}

func (h *EventLogger) Handle(ctx context.Context, msg models.QueueMessage) error {
	if !h.known[msg.Type] {
		return fmt.Errorf("%w: %q", ErrUnsupportedType, msg.Type)
	}

	h.logger.Info("Processing change notification",
		"message_id", msg.ID,
		"type", msg.Type,
		"retry_count", msg.RetryCount,
		"payload_bytes", len(msg.Payload),
	)
	return nil
}

// Publisher is satisfied by the broker
type Publisher interface {
	TryPublish(ctx context.Context, queue string, msg models.QueueMessage) error
}

// RetryRouter consumes the retry queue and sends every message back to the
// queue it originally failed on
type RetryRouter struct {
	pub          Publisher
	defaultQueue string
	logger       *slog.Logger
}

func NewRetryRouter(pub Publisher, defaultQueue string, l *slog.Logger) *RetryRouter {
	return &RetryRouter{pub: pub, defaultQueue: defaultQueue, logger: l}
}

func (r *RetryRouter) Handle(ctx context.Context, msg models.QueueMessage) error {
	target := msg.OriginalQueue()
	if target == "" {
		target = r.defaultQueue
	}

	if err := r.pub.TryPublish(ctx, target, msg); err != nil {
		return fmt.Errorf("failed to route retry to %s: %w", target, err)
	}

	r.logger.Info("Retry routed", "message_id", msg.ID, "target", target, "retry_count", msg.RetryCount)
	return nil
}
