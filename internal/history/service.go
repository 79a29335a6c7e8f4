package history

import (
	"context"
	"errors"
	"fmt"

	"github.com/Guizzs26/go-change-pipeline/internal/models"
)

const (
	MaxLimit           = 1000
	RecordHistoryLimit = 50
	TableHistoryLimit  = 100
)

var ErrInvalidFilter = errors.New("invalid history filter")

// AuditReader is the read side of the audit store
type AuditReader interface {
	Query(ctx context.Context, f models.HistoryFilter) ([]models.AuditEntry, error)
}

// Service answers questions about what happened to which record, newest first
type Service struct {
	reader AuditReader
}

func NewService(r AuditReader) *Service {
	return &Service{reader: r}
}

func (s *Service) GetHistory(ctx context.Context, f models.HistoryFilter) ([]models.AuditEntry, error) {
	if err := validate(f); err != nil {
		return nil, err
	}
	if f.Limit > MaxLimit {
		f.Limit = MaxLimit
	}
	return s.reader.Query(ctx, f)
}

// GetRecordHistory returns the latest changes of a single record
func (s *Service) GetRecordHistory(ctx context.Context, table string, recordID int64) ([]models.AuditEntry, error) {
	return s.GetHistory(ctx, models.HistoryFilter{
		TableName: table,
		RecordID:  &recordID,
		Limit:     RecordHistoryLimit,
	})
}

// GetTableHistory returns the latest changes of a table. limit <= 0 means the default
func (s *Service) GetTableHistory(ctx context.Context, table string, limit int) ([]models.AuditEntry, error) {
	if limit <= 0 {
		limit = TableHistoryLimit
	}
	return s.GetHistory(ctx, models.HistoryFilter{TableName: table, Limit: limit})
}

func validate(f models.HistoryFilter) error {
	if f.OperationType != "" && !f.OperationType.Valid() {
		return fmt.Errorf("%w: unknown operation_type %q", ErrInvalidFilter, f.OperationType)
	}
	if f.Status != "" && !f.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidFilter, f.Status)
	}
	if f.Limit < 0 || f.Offset < 0 {
		return fmt.Errorf("%w: limit and offset must not be negative", ErrInvalidFilter)
	}
	return nil
}
