package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Guizzs26/go-change-pipeline/internal/models"
	"github.com/Guizzs26/go-change-pipeline/pkg/infra"
	"github.com/Guizzs26/go-change-pipeline/pkg/metrics"
)

// Publisher sends a message to a queue and reports failures
type Publisher interface {
	TryPublish(ctx context.Context, queue string, msg models.QueueMessage) error
}

// DeadLetterRouter moves a message to the dead-letter queue of queue
type DeadLetterRouter interface {
	DeadLetter(ctx context.Context, queue string, msg models.QueueMessage) error
}

// JobRecorder closes the job record of a failed attempt
type JobRecorder interface {
	MarkFailed(ctx context.Context, queue string, msg models.QueueMessage, errMsg string) error
}

// Scheduler publishes msg to queue once delay has elapsed
type Scheduler interface {
	Schedule(ctx context.Context, queue string, msg models.QueueMessage, delay time.Duration) error
}

type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	RetryQueue string
}

// Coordinator decides what happens to a message whose handler failed:
// another attempt after an exponential delay, or the dead-letter queue
type Coordinator struct {
	policy    Policy
	backoff   *infra.Backoff
	scheduler Scheduler
	dlq       DeadLetterRouter
	jobs      JobRecorder
	logger    *slog.Logger
}

func NewCoordinator(p Policy, s Scheduler, dlq DeadLetterRouter, jobs JobRecorder, l *slog.Logger) *Coordinator {
	return &Coordinator{
		policy:    p,
		backoff:   infra.NewExponential(p.BaseDelay, 2),
		scheduler: s,
		dlq:       dlq,
		jobs:      jobs,
		logger:    l,
	}
}

// DelayFor returns base * 2^retryCount
func (c *Coordinator) DelayFor(retryCount int) time.Duration {
	return c.backoff.Delay(retryCount)
}

// HandleFailure is called once per failed attempt. The failed attempt's job
// record is always closed as failed; the returned error only reports that the
// next step (schedule or dead-letter) could not be taken
func (c *Coordinator) HandleFailure(ctx context.Context, queue string, msg models.QueueMessage, cause error) error {
	l := c.logger.With("message_id", msg.ID, "queue", queue, "retry_count", msg.RetryCount)

	if msg.RetryCount >= c.policy.MaxRetries {
		return c.exhaust(ctx, l, queue, msg, cause)
	}

	if err := c.jobs.MarkFailed(ctx, queue, msg, cause.Error()); err != nil {
		l.Error("Failed to close job record of failed attempt", "error", err)
	}

	delay := c.DelayFor(msg.RetryCount)

	next := msg
	next.RetryCount++
	if queue != c.policy.RetryQueue {
		next = next.WithOriginalQueue(queue)
	}

	if err := c.scheduler.Schedule(ctx, c.policy.RetryQueue, next, delay); err != nil {
		l.Error("Failed to schedule retry, routing to dead-letter queue", "error", err)
		return c.deadLetterUnscheduled(ctx, l, queue, msg, err)
	}

	metrics.RetriesScheduled.WithLabelValues(queue).Inc()
	l.Warn("Handler failed, retry scheduled",
		"error", cause,
		"next_attempt", next.RetryCount,
		"delay_ms", delay.Milliseconds(),
	)
	return nil
}

func (c *Coordinator) exhaust(ctx context.Context, l *slog.Logger, queue string, msg models.QueueMessage, cause error) error {
	reason := fmt.Sprintf("max retries exceeded: %s", cause)
	if err := c.jobs.MarkFailed(ctx, queue, msg, reason); err != nil {
		l.Error("Failed to mark job as terminally failed", "error", err)
	}

	if err := c.dlq.DeadLetter(ctx, queue, msg); err != nil {
		l.Error("CRITICAL: Failed to route message to dead-letter queue", "error", err)
		return fmt.Errorf("failed to dead-letter %s: %w", msg.ID, err)
	}

	metrics.DeadLettered.WithLabelValues(queue).Inc()
	l.Error("Max retries exceeded, message dead-lettered", "error", cause, "max_retries", c.policy.MaxRetries)
	return nil
}

// deadLetterUnscheduled parks a message whose retry could not be scheduled.
// The delivery is acked either way, so the dead-letter queue is its last stop
func (c *Coordinator) deadLetterUnscheduled(ctx context.Context, l *slog.Logger, queue string, msg models.QueueMessage, scheduleErr error) error {
	if err := c.dlq.DeadLetter(ctx, queue, msg); err != nil {
		l.Error("CRITICAL: Retry not scheduled and dead-letter failed, message dropped", "error", err)
		return fmt.Errorf("failed to schedule retry of %s: %w", msg.ID, errors.Join(scheduleErr, err))
	}

	metrics.DeadLettered.WithLabelValues(queue).Inc()
	return nil
}
