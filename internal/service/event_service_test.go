package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"regexp"
	"testing"
	"time"

	"github.com/Guizzs26/go-change-pipeline/internal/db"
	"github.com/Guizzs26/go-change-pipeline/internal/models"
	"github.com/Guizzs26/go-change-pipeline/internal/txscope"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
)

var eventRowColumns = []string{
	"id", "user_id", "title", "description", "start_date", "end_date", "all_day", "location",
	"color", "created_by", "updated_by", "created_at", "updated_at",
}

var eventStart = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func eventRow(id int64, title string, end time.Time) *pgxmock.Rows {
	return pgxmock.NewRows(eventRowColumns).AddRow(
		id, int64(1), title, (*string)(nil), eventStart, end, false, (*string)(nil),
		models.DefaultEventColor, (*string)(nil), (*string)(nil), time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC), (*time.Time)(nil),
	)
}

func newTestEventService(t *testing.T) (*EventService, pgxmock.PgxPoolIface, *fakePublisher) {
	t.Helper()

	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mock.Close)

	logger := slog.New(slog.DiscardHandler)
	audit := db.NewAuditStore(mock)
	pub := &fakePublisher{}

	svc := NewEventService(
		func() *txscope.Scope { return txscope.New(mockProvider{mock: mock}, audit, logger) },
		db.NewEventRepository(),
		mock,
		pub,
		"event_queue",
		logger,
	)
	return svc, mock, pub
}

func TestEventService_Create(t *testing.T) {
	svc, mock, pub := newTestEventService(t)
	end := eventStart.Add(time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO events")).WillReturnRows(eventRow(3, "Standup", end))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO transaction_logs")).
		WithArgs(pgxmock.AnyArg(), "insert", "events", int64(3), []byte(nil), pgxmock.AnyArg(), "committed").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	event, err := svc.Create(context.Background(), models.NewEvent{UserID: 1, Title: "Standup", StartDate: eventStart, EndDate: end})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if event.ID != 3 {
		t.Errorf("received event %d", event.ID)
	}

	if len(pub.calls) != 1 {
		t.Fatalf("received %d notifications", len(pub.calls))
	}
	if pub.calls[0].queue != "event_queue" || pub.calls[0].msg.Type != "event.created" {
		t.Errorf("unexpected notification %+v", pub.calls[0])
	}

	var payload models.Event
	if err := json.Unmarshal(pub.calls[0].msg.Payload, &payload); err != nil || payload.Color != models.DefaultEventColor {
		t.Errorf("notification payload does not carry the event: %s", pub.calls[0].msg.Payload)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestEventService_CreateRejectsInvertedRange(t *testing.T) {
	svc, mock, pub := newTestEventService(t)

	_, err := svc.Create(context.Background(), models.NewEvent{UserID: 1, Title: "Standup", StartDate: eventStart, EndDate: eventStart.Add(-time.Hour)})
	if !errors.Is(err, ErrInvalidEventRange) {
		t.Errorf("received %v but expected %v", err, ErrInvalidEventRange)
	}
	if len(pub.calls) != 0 {
		t.Error("an invalid event was announced")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestEventService_Update(t *testing.T) {
	svc, mock, pub := newTestEventService(t)
	end := eventStart.Add(2 * time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).WithArgs(int64(3), int64(1)).WillReturnRows(eventRow(3, "Standup", eventStart.Add(time.Hour)))
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE events SET end_date = $1")).WithArgs(end, int64(3), int64(1)).WillReturnRows(eventRow(3, "Standup", end))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO transaction_logs")).
		WithArgs(pgxmock.AnyArg(), "update", "events", int64(3), pgxmock.AnyArg(), pgxmock.AnyArg(), "committed").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	event, err := svc.Update(context.Background(), 3, 1, models.EventUpdate{EndDate: &end})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if !event.EndDate.Equal(end) {
		t.Errorf("received end %s but expected %s", event.EndDate, end)
	}
	if len(pub.calls) != 1 || pub.calls[0].msg.Type != "event.updated" {
		t.Errorf("unexpected notifications %+v", pub.calls)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestEventService_UpdateInvertingRangeRollsBack(t *testing.T) {
	svc, mock, pub := newTestEventService(t)
	end := eventStart.Add(-time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).WithArgs(int64(3), int64(1)).WillReturnRows(eventRow(3, "Standup", eventStart.Add(time.Hour)))
	mock.ExpectRollback()

	_, err := svc.Update(context.Background(), 3, 1, models.EventUpdate{EndDate: &end})
	if !errors.Is(err, ErrInvalidEventRange) {
		t.Errorf("received %v but expected %v", err, ErrInvalidEventRange)
	}
	if len(pub.calls) != 0 {
		t.Error("a failed update was announced")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestEventService_DeleteMissingEvent(t *testing.T) {
	svc, mock, pub := newTestEventService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).WithArgs(int64(3), int64(1)).WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	if err := svc.Delete(context.Background(), 3, 1); !errors.Is(err, db.ErrEventNotFound) {
		t.Errorf("received %v but expected %v", err, db.ErrEventNotFound)
	}
	if len(pub.calls) != 0 {
		t.Error("a failed delete was announced")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestEventService_Delete(t *testing.T) {
	svc, mock, pub := newTestEventService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).WithArgs(int64(3), int64(1)).WillReturnRows(eventRow(3, "Standup", eventStart.Add(time.Hour)))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM events")).WithArgs(int64(3), int64(1)).WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO transaction_logs")).
		WithArgs(pgxmock.AnyArg(), "delete", "events", int64(3), pgxmock.AnyArg(), []byte(nil), "committed").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	if err := svc.Delete(context.Background(), 3, 1); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	if len(pub.calls) != 1 || pub.calls[0].msg.Type != "event.deleted" {
		t.Fatalf("unexpected notifications %+v", pub.calls)
	}
	if got := string(pub.calls[0].msg.Payload); got != `{"id":3,"user_id":1}` {
		t.Errorf("received payload %s", got)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestEventService_ListIsNotAudited(t *testing.T) {
	svc, mock, _ := newTestEventService(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM events WHERE user_id = $1")).
		WithArgs(int64(1)).
		WillReturnRows(eventRow(3, "Standup", eventStart.Add(time.Hour)))

	events, err := svc.List(context.Background(), models.EventFilter{UserID: 1})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if len(events) != 1 {
		t.Errorf("received %d events", len(events))
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
