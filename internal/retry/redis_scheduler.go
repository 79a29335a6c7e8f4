package retry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/Guizzs26/go-change-pipeline/internal/models"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultScheduleKey = "pipeline:retry:schedule"
	defaultPollBatch   = 100
)

type envelope struct {
	Queue   string              `json:"queue"`
	Message models.QueueMessage `json:"message"`
}

// RedisScheduler keeps pending retries in a sorted set scored by their due time
// (unix ms), so they survive restarts. Run must be running for anything to be published
type RedisScheduler struct {
	rdb      redis.Cmdable
	key      string
	pub      Publisher
	interval time.Duration
	batch    int64
	logger   *slog.Logger
}

func NewRedisScheduler(rdb redis.Cmdable, pub Publisher, interval time.Duration, l *slog.Logger) *RedisScheduler {
	return &RedisScheduler{
		rdb:      rdb,
		key:      DefaultScheduleKey,
		pub:      pub,
		interval: interval,
		batch:    defaultPollBatch,
		logger:   l,
	}
}

func (s *RedisScheduler) Schedule(ctx context.Context, queue string, msg models.QueueMessage, delay time.Duration) error {
	member, err := json.Marshal(envelope{Queue: queue, Message: msg})
	if err != nil {
		return fmt.Errorf("failed to encode scheduled retry: %w", err)
	}

	runAt := time.Now().Add(delay).UnixMilli()
	if err := s.rdb.ZAdd(ctx, s.key, redis.Z{Score: float64(runAt), Member: member}).Err(); err != nil {
		return fmt.Errorf("failed to schedule retry of %s: %w", msg.ID, err)
	}
	return nil
}

// Run polls for due retries until ctx is cancelled
func (s *RedisScheduler) Run(ctx context.Context) error {
	s.logger.Info("Retry scheduler started", "key", s.key, "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Retry scheduler stopped")
			return nil
		case <-ticker.C:
			if _, err := s.Poll(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("Retry poll failed", "error", err)
			}
		}
	}
}

// Poll publishes every retry that is due and returns how many were published.
// A member is only published by the poller whose ZREM removed it. Failed
// publishes go back into the set one interval later
func (s *RedisScheduler) Poll(ctx context.Context) (int, error) {
	now := time.Now().UnixMilli()

	members, err := s.rdb.ZRangeByScore(ctx, s.key, &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(now, 10), Offset: 0, Count: s.batch,
	}).Result()
	if err != nil || len(members) == 0 {
		return 0, err
	}

	published := 0
	for _, member := range members {
		removed, err := s.rdb.ZRem(ctx, s.key, member).Result()
		if err != nil {
			return published, fmt.Errorf("failed to claim scheduled retry: %w", err)
		}
		if removed == 0 {
			continue
		}

		var env envelope
		if err := json.Unmarshal([]byte(member), &env); err != nil {
			s.logger.Error("Dropping undecodable scheduled retry", "error", err, "member", member)
			continue
		}

		if err := s.pub.TryPublish(ctx, env.Queue, env.Message); err != nil {
			s.logger.Warn("Scheduled retry could not be published, rescheduling",
				"message_id", env.Message.ID,
				"queue", env.Queue,
				"error", err,
			)
			retryAt := time.Now().Add(s.interval).UnixMilli()
			if err := s.rdb.ZAdd(ctx, s.key, redis.Z{Score: float64(retryAt), Member: member}).Err(); err != nil {
				s.logger.Error("CRITICAL: Failed to reschedule retry, retry lost", "message_id", env.Message.ID, "error", err)
			}
			continue
		}
		published++
	}

	return published, nil
}

// Len returns the number of retries waiting in the set
func (s *RedisScheduler) Len(ctx context.Context) (int64, error) {
	return s.rdb.ZCard(ctx, s.key).Result()
}
