package retry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Guizzs26/go-change-pipeline/internal/models"
)

const publishTimeout = 10 * time.Second

var ErrSchedulerStopped = errors.New("retry scheduler stopped")

// TimerScheduler keeps pending retries in process timers.
// A crash between Schedule and the timer firing loses the retry; use RedisScheduler
// when that matters
type TimerScheduler struct {
	pub    Publisher
	logger *slog.Logger

	mu      sync.Mutex
	pending map[*time.Timer]struct{}
	stopped bool
}

func NewTimerScheduler(pub Publisher, l *slog.Logger) *TimerScheduler {
	return &TimerScheduler{
		pub:     pub,
		logger:  l,
		pending: make(map[*time.Timer]struct{}),
	}
}

func (s *TimerScheduler) Schedule(ctx context.Context, queue string, msg models.QueueMessage, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrSchedulerStopped
	}

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.pending, t)
		s.mu.Unlock()

		pubCtx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()

		if err := s.pub.TryPublish(pubCtx, queue, msg); err != nil {
			s.logger.Error("Scheduled retry could not be published, retry lost",
				"message_id", msg.ID,
				"queue", queue,
				"retry_count", msg.RetryCount,
				"error", err,
			)
		}
	})
	s.pending[t] = struct{}{}
	return nil
}

// Pending returns the number of timers that have not fired yet
func (s *TimerScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Stop cancels every timer that has not fired. Those retries are dropped
func (s *TimerScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	s.stopped = true

	for t := range s.pending {
		t.Stop()
	}
	if n := len(s.pending); n > 0 {
		s.logger.Warn("Scheduler stopped with pending retries", "dropped", n)
	}
	clear(s.pending)
}
