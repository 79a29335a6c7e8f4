package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/Guizzs26/go-change-pipeline/internal/mapper"
	"github.com/Guizzs26/go-change-pipeline/internal/models"
	"github.com/jackc/pgx/v5"
)

var ErrTaskNotFound = errors.New("task not found")

const taskColumns = `id, user_id, title, description, completed, due_date, start_time, end_time,
	priority, created_by, updated_by, created_at, updated_at`

// TaskRepository runs task statements on whatever Querier it is handed, usually
// the transaction of a scope
type TaskRepository struct{}

func NewTaskRepository() *TaskRepository {
	return &TaskRepository{}
}

func (r *TaskRepository) Insert(ctx context.Context, q Querier, t models.NewTask) (models.Task, error) {
	query := `
		INSERT INTO tasks (user_id, title, description, completed, due_date, start_time, end_time, priority, created_by, updated_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		RETURNING ` + taskColumns

	task, err := scanTask(q.QueryRow(ctx, query,
		t.UserID,
		t.Title,
		t.Description,
		t.Completed,
		t.DueDate,
		t.StartTime,
		t.EndTime,
		t.Priority,
		t.CreatedBy,
	))
	if err != nil {
		return models.Task{}, fmt.Errorf("failed to insert task: %w", err)
	}
	return task, nil
}

// FindForUpdate locks the row for the rest of the transaction
func (r *TaskRepository) FindForUpdate(ctx context.Context, q Querier, id, userID int64) (models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1 AND user_id = $2 FOR UPDATE`

	task, err := scanTask(q.QueryRow(ctx, query, id, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Task{}, ErrTaskNotFound
	}
	if err != nil {
		return models.Task{}, fmt.Errorf("failed to load task %d: %w", id, err)
	}
	return task, nil
}

func (r *TaskRepository) Update(ctx context.Context, q Querier, id, userID int64, u models.TaskUpdate) (models.Task, error) {
	query, args, err := mapper.TaskUpdateBuilder(u).Build([]string{"id", "user_id"}, []any{id, userID}, taskColumns)
	if err != nil {
		return models.Task{}, err
	}

	task, err := scanTask(q.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Task{}, ErrTaskNotFound
	}
	if err != nil {
		return models.Task{}, fmt.Errorf("failed to update task %d: %w", id, err)
	}
	return task, nil
}

func (r *TaskRepository) Delete(ctx context.Context, q Querier, id, userID int64) error {
	tag, err := q.Exec(ctx, `DELETE FROM tasks WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete task %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func scanTask(row pgx.Row) (models.Task, error) {
	var t models.Task
	err := row.Scan(
		&t.ID,
		&t.UserID,
		&t.Title,
		&t.Description,
		&t.Completed,
		&t.DueDate,
		&t.StartTime,
		&t.EndTime,
		&t.Priority,
		&t.CreatedBy,
		&t.UpdatedBy,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	return t, err
}
