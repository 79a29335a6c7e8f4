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

var ErrInvalidEventRange = errors.New("event ends before it starts")

type EventStore interface {
	Insert(ctx context.Context, q db.Querier, e models.NewEvent) (models.Event, error)
	FindForUpdate(ctx context.Context, q db.Querier, id, userID int64) (models.Event, error)
	Update(ctx context.Context, q db.Querier, id, userID int64, u models.EventUpdate) (models.Event, error)
	Delete(ctx context.Context, q db.Querier, id, userID int64) error
	List(ctx context.Context, q db.Querier, f models.EventFilter) ([]models.Event, error)
}

// EventService mirrors TaskService for calendar events and announces changes on the event queue
type EventService struct {
	notifier
	newScope func() *txscope.Scope
	repo     EventStore
	reader   db.Querier
}

func NewEventService(newScope func() *txscope.Scope, repo EventStore, reader db.Querier, pub Publisher, queue string, l *slog.Logger) *EventService {
	return &EventService{
		notifier: notifier{pub: pub, queue: queue, logger: l},
		newScope: newScope,
		repo:     repo,
		reader:   reader,
	}
}

// List reads outside any scope; reads are not audited
func (s *EventService) List(ctx context.Context, f models.EventFilter) ([]models.Event, error) {
	return s.repo.List(ctx, s.reader, f)
}

func (s *EventService) Create(ctx context.Context, e models.NewEvent) (models.Event, error) {
	if e.EndDate.Before(e.StartDate) {
		return models.Event{}, ErrInvalidEventRange
	}

	scope := s.newScope()

	var created models.Event
	err := txscope.Run(ctx, scope, func(tx db.Tx) error {
		event, err := s.repo.Insert(ctx, tx, e)
		if err != nil {
			return err
		}

		scope.LogOperation(models.Operation{
			Type:     models.OpInsert,
			Table:    models.EventsTable,
			RecordID: event.ID,
			After:    event,
		})
		created = event
		return nil
	})
	if err != nil {
		return models.Event{}, err
	}

	s.notify(ctx, "event.created", created)
	return created, nil
}

func (s *EventService) Update(ctx context.Context, id, userID int64, u models.EventUpdate) (models.Event, error) {
	if mapper.EventUpdateBuilder(u).Empty() {
		return models.Event{}, ErrEmptyUpdate
	}

	scope := s.newScope()

	var updated models.Event
	err := txscope.Run(ctx, scope, func(tx db.Tx) error {
		before, err := s.repo.FindForUpdate(ctx, tx, id, userID)
		if err != nil {
			return err
		}

		start, end := before.StartDate, before.EndDate
		if u.StartDate != nil {
			start = *u.StartDate
		}
		if u.EndDate != nil {
			end = *u.EndDate
		}
		if end.Before(start) {
			return ErrInvalidEventRange
		}

		after, err := s.repo.Update(ctx, tx, id, userID, u)
		if err != nil {
			return err
		}

		scope.LogOperation(models.Operation{
			Type:     models.OpUpdate,
			Table:    models.EventsTable,
			RecordID: id,
			Before:   before,
			After:    after,
		})
		updated = after
		return nil
	})
	if err != nil {
		return models.Event{}, err
	}

	s.notify(ctx, "event.updated", updated)
	return updated, nil
}

func (s *EventService) Delete(ctx context.Context, id, userID int64) error {
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
			Table:    models.EventsTable,
			RecordID: id,
			Before:   before,
		})
		return nil
	})
	if err != nil {
		return err
	}

	s.notify(ctx, "event.deleted", map[string]int64{"id": id, "user_id": userID})
	return nil
}
