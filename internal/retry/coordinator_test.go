package retry

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/Guizzs26/go-change-pipeline/internal/models"
	"github.com/go-test/deep"
)

type scheduled struct {
	queue string
	msg   models.QueueMessage
	delay time.Duration
}

type fakeScheduler struct {
	calls []scheduled
	err   error
}

func (f *fakeScheduler) Schedule(ctx context.Context, queue string, msg models.QueueMessage, delay time.Duration) error {
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, scheduled{queue: queue, msg: msg, delay: delay})
	return nil
}

type deadLetter struct {
	queue string
	msg   models.QueueMessage
}

type fakeDLQ struct {
	calls []deadLetter
	err   error
}

func (f *fakeDLQ) DeadLetter(ctx context.Context, queue string, msg models.QueueMessage) error {
	f.calls = append(f.calls, deadLetter{queue: queue, msg: msg})
	return f.err
}

type failedJob struct {
	queue      string
	retryCount int
	errMsg     string
}

type fakeJobs struct {
	failed []failedJob
}

func (f *fakeJobs) MarkFailed(ctx context.Context, queue string, msg models.QueueMessage, errMsg string) error {
	f.failed = append(f.failed, failedJob{queue: queue, retryCount: msg.RetryCount, errMsg: errMsg})
	return nil
}

func newTestCoordinator(maxRetries int) (*Coordinator, *fakeScheduler, *fakeDLQ, *fakeJobs) {
	s, d, j := &fakeScheduler{}, &fakeDLQ{}, &fakeJobs{}
	c := NewCoordinator(Policy{
		MaxRetries: maxRetries,
		BaseDelay:  time.Second,
		RetryQueue: "retry_queue",
	}, s, d, j, slog.New(slog.DiscardHandler))
	return c, s, d, j
}

func testMessage() models.QueueMessage {
	return models.QueueMessage{
		ID:      "msg-1",
		Type:    "task.created",
		Payload: json.RawMessage(`{"id":7}`),
	}
}

func TestCoordinator_BackoffThenDeadLetter(t *testing.T) {
	c, sched, dlq, jobs := newTestCoordinator(3)
	cause := errors.New("boom")

	// Each retry comes back to the task queue through the retry router with the
	// incremented count, and fails again
	msg := testMessage()
	for range 4 {
		if err := c.HandleFailure(context.Background(), "task_queue", msg, cause); err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		if n := len(sched.calls); n > 0 {
			msg = sched.calls[n-1].msg
		}
	}

	var delays []time.Duration
	for _, call := range sched.calls {
		delays = append(delays, call.delay)
		if call.queue != "retry_queue" {
			t.Errorf("retry scheduled on %s", call.queue)
		}
		if call.msg.OriginalQueue() != "task_queue" {
			t.Errorf("retry lost its original queue: %s", call.msg.Payload)
		}
	}
	if diff := deep.Equal(delays, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}); diff != nil {
		t.Error(diff)
	}

	if len(dlq.calls) != 1 {
		t.Fatalf("received %d dead letters but expected 1", len(dlq.calls))
	}
	if dlq.calls[0].queue != "task_queue" || dlq.calls[0].msg.RetryCount != 3 {
		t.Errorf("unexpected dead letter %+v", dlq.calls[0])
	}

	expJobs := []failedJob{
		{queue: "task_queue", retryCount: 0, errMsg: "boom"},
		{queue: "task_queue", retryCount: 1, errMsg: "boom"},
		{queue: "task_queue", retryCount: 2, errMsg: "boom"},
		{queue: "task_queue", retryCount: 3, errMsg: "max retries exceeded: boom"},
	}
	if diff := deep.Equal(jobs.failed, expJobs); diff != nil {
		t.Error(diff)
	}
}

func TestCoordinator_IncrementsRetryCount(t *testing.T) {
	c, sched, _, _ := newTestCoordinator(3)

	msg := testMessage()
	msg.RetryCount = 1
	if err := c.HandleFailure(context.Background(), "event_queue", msg, errors.New("boom")); err != nil {
		t.Fatal(err)
	}

	if len(sched.calls) != 1 {
		t.Fatalf("received %d schedules", len(sched.calls))
	}
	got := sched.calls[0].msg
	if got.RetryCount != 2 || got.ID != msg.ID {
		t.Errorf("unexpected retried message %+v", got)
	}
	if got.OriginalQueue() != "event_queue" {
		t.Errorf("received original queue %q", got.OriginalQueue())
	}
	if msg.RetryCount != 1 {
		t.Error("the failed message was mutated")
	}
}

func TestCoordinator_FailureOnRetryQueueKeepsOrigin(t *testing.T) {
	c, sched, _, _ := newTestCoordinator(3)

	msg := testMessage().WithOriginalQueue("event_queue")
	if err := c.HandleFailure(context.Background(), "retry_queue", msg, errors.New("broker down")); err != nil {
		t.Fatal(err)
	}

	if got := sched.calls[0].msg.OriginalQueue(); got != "event_queue" {
		t.Errorf("received original queue %q but expected event_queue", got)
	}
}

func TestCoordinator_ZeroRetriesGoesStraightToDLQ(t *testing.T) {
	c, sched, dlq, _ := newTestCoordinator(0)

	if err := c.HandleFailure(context.Background(), "task_queue", testMessage(), errors.New("boom")); err != nil {
		t.Fatal(err)
	}
	if len(sched.calls) != 0 || len(dlq.calls) != 1 {
		t.Errorf("received %d schedules and %d dead letters", len(sched.calls), len(dlq.calls))
	}
}

func TestCoordinator_ReportsSchedulingAndRoutingErrors(t *testing.T) {
	c, sched, dlq, _ := newTestCoordinator(1)
	sched.err = errors.New("redis down")
	dlq.err = errors.New("broker down")

	if err := c.HandleFailure(context.Background(), "task_queue", testMessage(), errors.New("boom")); err == nil {
		t.Error("expected a scheduling error")
	}

	msg := testMessage()
	msg.RetryCount = 1
	if err := c.HandleFailure(context.Background(), "task_queue", msg, errors.New("boom")); err == nil {
		t.Error("expected a dead-letter error")
	}
}

func TestCoordinator_UnscheduledRetryIsDeadLettered(t *testing.T) {
	c, sched, dlq, jobs := newTestCoordinator(3)
	sched.err = ErrSchedulerStopped

	msg := testMessage()
	if err := c.HandleFailure(context.Background(), "task_queue", msg, errors.New("boom")); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	if len(dlq.calls) != 1 {
		t.Fatalf("received %d dead letters but expected 1", len(dlq.calls))
	}
	if dlq.calls[0].queue != "task_queue" || dlq.calls[0].msg.ID != msg.ID || dlq.calls[0].msg.RetryCount != 0 {
		t.Errorf("unexpected dead letter %+v", dlq.calls[0])
	}
	if len(jobs.failed) != 1 {
		t.Errorf("received %d failed job updates", len(jobs.failed))
	}
}

func TestCoordinator_DelayFor(t *testing.T) {
	c, _, _, _ := newTestCoordinator(3)

	tests := []struct {
		retryCount int
		exp        time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{5, 32 * time.Second},
	}
	for _, tt := range tests {
		if got := c.DelayFor(tt.retryCount); got != tt.exp {
			t.Errorf("retry %d: received %s but expected %s", tt.retryCount, got, tt.exp)
		}
	}
}
