package history

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Guizzs26/go-change-pipeline/internal/models"
	"github.com/go-test/deep"
)

// fakeReader filters an in-memory trail the way the SQL does
type fakeReader struct {
	entries []models.AuditEntry
	last    models.HistoryFilter
}

func (f *fakeReader) Query(ctx context.Context, filter models.HistoryFilter) ([]models.AuditEntry, error) {
	f.last = filter

	out := []models.AuditEntry{}
	for i := len(f.entries) - 1; i >= 0; i-- {
		e := f.entries[i]
		if filter.TableName != "" && e.TableName != filter.TableName {
			continue
		}
		if filter.RecordID != nil && e.RecordID != *filter.RecordID {
			continue
		}
		if filter.OperationType != "" && e.OperationType != filter.OperationType {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		out = append(out, e)
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func trail() []models.AuditEntry {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return []models.AuditEntry{
		{ID: 1, TableName: "tasks", RecordID: 1, OperationType: models.OpInsert, Status: models.StatusCommitted, CreatedAt: base},
		{ID: 2, TableName: "events", RecordID: 1, OperationType: models.OpInsert, Status: models.StatusCommitted, CreatedAt: base.Add(time.Second)},
		{ID: 3, TableName: "tasks", RecordID: 2, OperationType: models.OpInsert, Status: models.StatusRolledBack, CreatedAt: base.Add(2 * time.Second)},
		{ID: 4, TableName: "tasks", RecordID: 1, OperationType: models.OpUpdate, Status: models.StatusCommitted, CreatedAt: base.Add(3 * time.Second)},
	}
}

func ids(entries []models.AuditEntry) []int64 {
	out := make([]int64, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ID)
	}
	return out
}

func TestService_GetHistoryFiltersAndOrders(t *testing.T) {
	s := NewService(&fakeReader{entries: trail()})

	got, err := s.GetHistory(context.Background(), models.HistoryFilter{
		TableName: "tasks",
		Status:    models.StatusCommitted,
	})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	if diff := deep.Equal(ids(got), []int64{4, 1}); diff != nil {
		t.Error(diff)
	}
}

func TestService_GetHistoryValidation(t *testing.T) {
	s := NewService(&fakeReader{})

	tests := []struct {
		name   string
		filter models.HistoryFilter
	}{
		{name: "operation", filter: models.HistoryFilter{OperationType: "truncate"}},
		{name: "status", filter: models.HistoryFilter{Status: "pending"}},
		{name: "negative limit", filter: models.HistoryFilter{Limit: -1}},
		{name: "negative offset", filter: models.HistoryFilter{Offset: -5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.GetHistory(context.Background(), tt.filter)
			if !errors.Is(err, ErrInvalidFilter) {
				t.Errorf("received %v but expected %v", err, ErrInvalidFilter)
			}
		})
	}
}

func TestService_LimitIsClamped(t *testing.T) {
	r := &fakeReader{}
	s := NewService(r)

	if _, err := s.GetHistory(context.Background(), models.HistoryFilter{Limit: 50000}); err != nil {
		t.Fatal(err)
	}
	if r.last.Limit != MaxLimit {
		t.Errorf("received limit %d but expected %d", r.last.Limit, MaxLimit)
	}
}

func TestService_GetRecordHistory(t *testing.T) {
	r := &fakeReader{entries: trail()}
	s := NewService(r)

	got, err := s.GetRecordHistory(context.Background(), "tasks", 1)
	if err != nil {
		t.Fatal(err)
	}

	if diff := deep.Equal(ids(got), []int64{4, 1}); diff != nil {
		t.Error(diff)
	}
	if r.last.Limit != RecordHistoryLimit {
		t.Errorf("received limit %d", r.last.Limit)
	}
}

func TestService_GetTableHistory(t *testing.T) {
	tests := []struct {
		limit int
		exp   int
	}{
		{limit: 0, exp: TableHistoryLimit},
		{limit: -3, exp: TableHistoryLimit},
		{limit: 2, exp: 2},
		{limit: 5000, exp: MaxLimit},
	}

	for _, tt := range tests {
		r := &fakeReader{entries: trail()}
		if _, err := NewService(r).GetTableHistory(context.Background(), "tasks", tt.limit); err != nil {
			t.Fatal(err)
		}
		if r.last.Limit != tt.exp || r.last.TableName != "tasks" {
			t.Errorf("limit %d: received filter %+v", tt.limit, r.last)
		}
	}
}
