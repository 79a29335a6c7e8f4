package models

import (
	"encoding/json"
	"time"
)

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// JobRecord represents a row in the mq_jobs table.
// One row exists per (queue, message, attempt); rows only move forward through
// pending -> processing -> completed | failed
type JobRecord struct {
	ID           int64           `db:"id"`
	QueueName    string          `db:"queue_name"`
	MessageID    string          `db:"message_id"`
	Payload      json.RawMessage `db:"payload"`
	Status       JobStatus       `db:"status"`
	RetryCount   int             `db:"retry_count"`
	MaxRetries   int             `db:"max_retries"`
	ErrorMessage *string         `db:"error_message"`
	CreatedAt    time.Time       `db:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at"`
	ProcessedAt  *time.Time      `db:"processed_at"`
}
