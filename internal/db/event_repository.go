package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Guizzs26/go-change-pipeline/internal/mapper"
	"github.com/Guizzs26/go-change-pipeline/internal/models"
	"github.com/jackc/pgx/v5"
)

var ErrEventNotFound = errors.New("event not found")

const eventColumns = `id, user_id, title, description, start_date, end_date, all_day, location,
	color, created_by, updated_by, created_at, updated_at`

type EventRepository struct{}

func NewEventRepository() *EventRepository {
	return &EventRepository{}
}

func (r *EventRepository) Insert(ctx context.Context, q Querier, e models.NewEvent) (models.Event, error) {
	query := `
		INSERT INTO events (user_id, title, description, start_date, end_date, all_day, location, color, created_by, updated_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		RETURNING ` + eventColumns

	color := e.Color
	if color == "" {
		color = models.DefaultEventColor
	}

	event, err := scanEvent(q.QueryRow(ctx, query,
		e.UserID,
		e.Title,
		e.Description,
		e.StartDate,
		e.EndDate,
		e.AllDay,
		e.Location,
		color,
		e.CreatedBy,
	))
	if err != nil {
		return models.Event{}, fmt.Errorf("failed to insert event: %w", err)
	}
	return event, nil
}

// FindForUpdate locks the row for the rest of the transaction
func (r *EventRepository) FindForUpdate(ctx context.Context, q Querier, id, userID int64) (models.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE id = $1 AND user_id = $2 FOR UPDATE`

	event, err := scanEvent(q.QueryRow(ctx, query, id, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Event{}, ErrEventNotFound
	}
	if err != nil {
		return models.Event{}, fmt.Errorf("failed to load event %d: %w", id, err)
	}
	return event, nil
}

func (r *EventRepository) Update(ctx context.Context, q Querier, id, userID int64, u models.EventUpdate) (models.Event, error) {
	query, args, err := mapper.EventUpdateBuilder(u).Build([]string{"id", "user_id"}, []any{id, userID}, eventColumns)
	if err != nil {
		return models.Event{}, err
	}

	event, err := scanEvent(q.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Event{}, ErrEventNotFound
	}
	if err != nil {
		return models.Event{}, fmt.Errorf("failed to update event %d: %w", id, err)
	}
	return event, nil
}

func (r *EventRepository) Delete(ctx context.Context, q Querier, id, userID int64) error {
	tag, err := q.Exec(ctx, `DELETE FROM events WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete event %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEventNotFound
	}
	return nil
}

// List returns the user's events ordered by start date
func (r *EventRepository) List(ctx context.Context, q Querier, f models.EventFilter) ([]models.Event, error) {
	var sb strings.Builder
	args := []any{f.UserID}

	sb.WriteString(`SELECT ` + eventColumns + ` FROM events WHERE user_id = $1`)

	switch {
	case f.From != nil && f.To != nil:
		args = append(args, *f.From, *f.To)
		sb.WriteString(" AND start_date <= $3 AND end_date >= $2")
	case f.Month > 0 && f.Year > 0:
		args = append(args, f.Month, f.Year)
		sb.WriteString(" AND EXTRACT(MONTH FROM start_date) = $2 AND EXTRACT(YEAR FROM start_date) = $3")
	}

	sb.WriteString(" ORDER BY start_date ASC, id ASC")

	rows, err := q.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events of user %d: %w", f.UserID, err)
	}
	defer rows.Close()

	events := []models.Event{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}
	return events, nil
}

func scanEvent(row pgx.Row) (models.Event, error) {
	var e models.Event
	err := row.Scan(
		&e.ID,
		&e.UserID,
		&e.Title,
		&e.Description,
		&e.StartDate,
		&e.EndDate,
		&e.AllDay,
		&e.Location,
		&e.Color,
		&e.CreatedBy,
		&e.UpdatedBy,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	return e, err
}
