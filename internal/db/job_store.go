package db

import (
	"context"
	"fmt"
	"time"

	"github.com/Guizzs26/go-change-pipeline/internal/models"
)

// JobStore mirrors the processing lifecycle of queue messages in mq_jobs.
// Every update is guarded by the expected prior status so rows only move forward
type JobStore struct {
	db Querier
}

func NewJobStore(db Querier) *JobStore {
	return &JobStore{db: db}
}

// Create records a pending attempt. Publishing the same attempt twice is a no-op
func (s *JobStore) Create(ctx context.Context, queue string, msg models.QueueMessage, maxRetries int) error {
	query := `
		INSERT INTO mq_jobs (queue_name, message_id, payload, status, retry_count, max_retries)
		VALUES ($1, $2, $3, 'pending', $4, $5)
		ON CONFLICT (queue_name, message_id, retry_count) DO NOTHING
	`
	if _, err := s.db.Exec(ctx, query, queue, msg.ID, jsonOrNil(msg.Payload), msg.RetryCount, maxRetries); err != nil {
		return fmt.Errorf("failed to create job record for %s: %w", msg.ID, err)
	}
	return nil
}

// Claim moves the attempt from pending to processing and reports whether this
// caller won it. Attempts published by foreign producers are adopted first.
// A false result means another delivery of the same attempt already claimed it
func (s *JobStore) Claim(ctx context.Context, queue string, msg models.QueueMessage, maxRetries int) (bool, error) {
	if err := s.Create(ctx, queue, msg, maxRetries); err != nil {
		return false, err
	}

	query := `
		UPDATE mq_jobs
		SET status = 'processing', updated_at = CURRENT_TIMESTAMP
		WHERE queue_name = $1 AND message_id = $2 AND retry_count = $3 AND status = 'pending'
	`
	tag, err := s.db.Exec(ctx, query, queue, msg.ID, msg.RetryCount)
	if err != nil {
		return false, fmt.Errorf("failed to claim job %s: %w", msg.ID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Reclaim is Claim for broker redeliveries. It also takes over an attempt left
// in processing by a consumer that died before acknowledging it
func (s *JobStore) Reclaim(ctx context.Context, queue string, msg models.QueueMessage, maxRetries int) (bool, error) {
	if err := s.Create(ctx, queue, msg, maxRetries); err != nil {
		return false, err
	}

	query := `
		UPDATE mq_jobs
		SET status = 'processing', updated_at = CURRENT_TIMESTAMP
		WHERE queue_name = $1 AND message_id = $2 AND retry_count = $3 AND status IN ('pending', 'processing')
	`
	tag, err := s.db.Exec(ctx, query, queue, msg.ID, msg.RetryCount)
	if err != nil {
		return false, fmt.Errorf("failed to reclaim job %s: %w", msg.ID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ResetStale moves attempts stuck in processing for longer than olderThan back
// to pending, so the next delivery of the message can claim them
func (s *JobStore) ResetStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `
		UPDATE mq_jobs
		SET status = 'pending', updated_at = CURRENT_TIMESTAMP
		WHERE status = 'processing' AND updated_at < CURRENT_TIMESTAMP - make_interval(secs => $1)
	`
	tag, err := s.db.Exec(ctx, query, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("failed to reset stale jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *JobStore) MarkCompleted(ctx context.Context, queue string, msg models.QueueMessage) error {
	query := `
		UPDATE mq_jobs
		SET status = 'completed', processed_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE queue_name = $1 AND message_id = $2 AND retry_count = $3 AND status = 'processing'
	`
	if _, err := s.db.Exec(ctx, query, queue, msg.ID, msg.RetryCount); err != nil {
		return fmt.Errorf("failed to mark job %s as completed: %w", msg.ID, err)
	}
	return nil
}

// MarkFailed closes the attempt as failed. The next attempt lives in its own row
func (s *JobStore) MarkFailed(ctx context.Context, queue string, msg models.QueueMessage, errMsg string) error {
	query := `
		UPDATE mq_jobs
		SET status = 'failed', error_message = $4, updated_at = CURRENT_TIMESTAMP
		WHERE queue_name = $1 AND message_id = $2 AND retry_count = $3 AND status IN ('pending', 'processing')
	`
	if _, err := s.db.Exec(ctx, query, queue, msg.ID, msg.RetryCount, errMsg); err != nil {
		return fmt.Errorf("failed to mark job %s as failed: %w", msg.ID, err)
	}
	return nil
}

// FindByMessage returns every attempt of a message across queues, oldest first
func (s *JobStore) FindByMessage(ctx context.Context, messageID string) ([]models.JobRecord, error) {
	query := `
		SELECT id, queue_name, message_id, payload, status, retry_count, max_retries,
		       error_message, created_at, updated_at, processed_at
		FROM mq_jobs
		WHERE message_id = $1
		ORDER BY id ASC
	`
	rows, err := s.db.Query(ctx, query, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch jobs of %s: %w", messageID, err)
	}
	defer rows.Close()

	var jobs []models.JobRecord
	for rows.Next() {
		var (
			j      models.JobRecord
			status string
		)
		err := rows.Scan(
			&j.ID,
			&j.QueueName,
			&j.MessageID,
			&j.Payload,
			&status,
			&j.RetryCount,
			&j.MaxRetries,
			&j.ErrorMessage,
			&j.CreatedAt,
			&j.UpdatedAt,
			&j.ProcessedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job record: %w", err)
		}
		j.Status = models.JobStatus(status)
		jobs = append(jobs, j)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate job records: %w", err)
	}
	return jobs, nil
}

// CountByStatus feeds the backlog gauges
func (s *JobStore) CountByStatus(ctx context.Context) (map[models.JobStatus]int64, error) {
	rows, err := s.db.Query(ctx, `SELECT status, COUNT(*) FROM mq_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count job records: %w", err)
	}
	defer rows.Close()

	counts := map[models.JobStatus]int64{
		models.JobPending:    0,
		models.JobProcessing: 0,
		models.JobCompleted:  0,
		models.JobFailed:     0,
	}
	for rows.Next() {
		var (
			status string
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan job count: %w", err)
		}
		counts[models.JobStatus(status)] = count
	}

	return counts, rows.Err()
}

func jsonOrNil(raw []byte) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
