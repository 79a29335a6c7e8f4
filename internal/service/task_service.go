package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/Guizzs26/go-change-pipeline/internal/db"
	"github.com/Guizzs26/go-change-pipeline/internal/mapper"
	"github.com/Guizzs26/go-change-pipeline/internal/models"
	"github.com/Guizzs26/go-change-pipeline/internal/txscope"
)

var ErrEmptyUpdate = errors.New("update has no fields")

// TaskStore defines the contract for task persistence inside a transaction
type TaskStore interface {
	Insert(ctx context.Context, q db.Querier, t models.NewTask) (models.Task, error)
	FindForUpdate(ctx context.Context, q db.Querier, id, userID int64) (models.Task, error)
	Update(ctx context.Context, q db.Querier, id, userID int64, u models.TaskUpdate) (models.Task, error)
	Delete(ctx context.Context, q db.Querier, id, userID int64) error
}

// Publisher defines the contract for change notifications. Publishing never fails the caller
type Publisher interface {
	Publish(ctx context.Context, queue string, msg models.QueueMessage)
}

// TaskService runs every task write in its own transaction scope, so each change
// lands in the audit trail, and announces committed changes on the task queue
type TaskService struct {
	notifier
	newScope func() *txscope.Scope
	repo     TaskStore
}

func NewTaskService(newScope func() *txscope.Scope, repo TaskStore, pub Publisher, queue string, l *slog.Logger) *TaskService {
	return &TaskService{
		notifier: notifier{pub: pub, queue: queue, logger: l},
		newScope: newScope,
		repo:     repo,
	}
}

func (s *TaskService) Create(ctx context.Context, t models.NewTask) (models.Task, error) {
	scope := s.newScope()

	var created models.Task
	err := txscope.Run(ctx, scope, func(tx db.Tx) error {
		task, err := s.repo.Insert(ctx, tx, t)
		if err != nil {
			return err
		}

		scope.LogOperation(models.Operation{
			Type:     models.OpInsert,
			Table:    models.TasksTable,
			RecordID: task.ID,
			After:    task,
		})
		created = task
		return nil
	})
	if err != nil {
		return models.Task{}, err
	}

	s.notify(ctx, "task.created", created)
	return created, nil
}

func (s *TaskService) Update(ctx context.Context, id, userID int64, u models.TaskUpdate) (models.Task, error) {
	if mapper.TaskUpdateBuilder(u).Empty() {
		return models.Task{}, ErrEmptyUpdate
	}

	scope := s.newScope()

	var updated models.Task
	err := txscope.Run(ctx, scope, func(tx db.Tx) error {
		before, err := s.repo.FindForUpdate(ctx, tx, id, userID)
		if err != nil {
			return err
		}

		after, err := s.repo.Update(ctx, tx, id, userID, u)
		if err != nil {
			return err
		}

		scope.LogOperation(models.Operation{
			Type:     models.OpUpdate,
			Table:    models.TasksTable,
			RecordID: id,
			Before:   before,
			After:    after,
		})
		updated = after
		return nil
	})
	if err != nil {
		return models.Task{}, err
	}

	s.notify(ctx, "task.updated", updated)
	return updated, nil
}

func (s *TaskService) Delete(ctx context.Context, id, userID int64) error {
	scope := s.newScope()

	err := txscope.Run(ctx, scope, func(tx db.Tx) error {
		before, err := s.repo.FindForUpdate(ctx, tx, id, userID)
		if err != nil {
			return err
		}

		if err := s.repo.Delete(ctx, tx, id, userID); err != nil {
			return err
		}

		scope.LogOperation(models.Operation{
			Type:     models.OpDelete,
			Table:    models.TasksTable,
			RecordID: id,
			Before:   before,
		})
		return nil
	})
	if err != nil {
		return err
	}

	s.notify(ctx, "task.deleted", map[string]int64{"id": id, "user_id": userID})
	return nil
}

type notifier struct {
	pub    Publisher
	queue  string
	logger *slog.Logger
}

// notify runs after commit, so consumers never see a change that was rolled back
func (n notifier) notify(ctx context.Context, msgType string, payload any) {
	msg, err := models.NewQueueMessage(msgType, payload)
	if err != nil {
		n.logger.Error("Failed to build change notification", "type", msgType, "error", err)
		return
	}
	n.pub.Publish(ctx, n.queue, msg)
}
