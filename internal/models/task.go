package models

import "time"

const TasksTable = "tasks"

// Task represents a row in the tasks table
type Task struct {
	ID          int64      `json:"id"`
	UserID      int64      `json:"user_id"`
	Title       string     `json:"title"`
	Description *string    `json:"description"`
	Completed   bool       `json:"completed"`
	DueDate     *string    `json:"due_date"`
	StartTime   *string    `json:"start_time"`
	EndTime     *string    `json:"end_time"`
	Priority    int        `json:"priority"`
	CreatedBy   *string    `json:"created_by"`
	UpdatedBy   *string    `json:"updated_by"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   *time.Time `json:"updated_at"`
}

type NewTask struct {
	UserID      int64   `json:"user_id"`
	Title       string  `json:"title"`
	Description *string `json:"description"`
	Completed   bool    `json:"completed"`
	DueDate     *string `json:"due_date"`
	StartTime   *string `json:"start_time"`
	EndTime     *string `json:"end_time"`
	Priority    int     `json:"priority"`
	CreatedBy   *string `json:"created_by"`
}

// TaskUpdate lists the mutable task fields. A nil field is left unchanged
type TaskUpdate struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Completed   *bool   `json:"completed"`
	DueDate     *string `json:"due_date"`
	StartTime   *string `json:"start_time"`
	EndTime     *string `json:"end_time"`
	Priority    *int    `json:"priority"`
	UpdatedBy   *string `json:"updated_by"`
}
