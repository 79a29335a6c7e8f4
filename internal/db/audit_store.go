package db

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Guizzs26/go-change-pipeline/internal/models"
)

const insertAuditEntrySQL = `
	INSERT INTO transaction_logs (transaction_id, operation_type, table_name, record_id, old_data, new_data, status)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
`

// AuditStore persists the append-only audit trail in transaction_logs
type AuditStore struct {
	db Querier
}

func NewAuditStore(db Querier) *AuditStore {
	return &AuditStore{db: db}
}

// Append writes one row per operation, in order, through exec. Callers pass the
// transaction the rows must share fate with
func (s *AuditStore) Append(ctx context.Context, exec Executor, txID string, status models.AuditStatus, ops []models.Operation) error {
	for i, op := range ops {
		before, err := encodeSnapshot(op.Before)
		if err != nil {
			return fmt.Errorf("failed to encode before snapshot of %s/%d: %w", op.Table, op.RecordID, err)
		}
		after, err := encodeSnapshot(op.After)
		if err != nil {
			return fmt.Errorf("failed to encode after snapshot of %s/%d: %w", op.Table, op.RecordID, err)
		}

		_, err = exec.Exec(ctx, insertAuditEntrySQL,
			txID,
			string(op.Type),
			op.Table,
			op.RecordID,
			before,
			after,
			string(status),
		)
		if err != nil {
			return fmt.Errorf("failed to write audit entry %d of %d: %w", i+1, len(ops), err)
		}
	}
	return nil
}

// Query reads the audit trail newest first. It never writes
func (s *AuditStore) Query(ctx context.Context, f models.HistoryFilter) ([]models.AuditEntry, error) {
	query, args := buildHistoryQuery(f)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit trail: %w", err)
	}
	defer rows.Close()

	entries := []models.AuditEntry{}
	for rows.Next() {
		var (
			e                models.AuditEntry
			opType, status   string
			oldData, newData []byte
		)
		err := rows.Scan(
			&e.ID,
			&e.TransactionID,
			&opType,
			&e.TableName,
			&e.RecordID,
			&oldData,
			&newData,
			&status,
			&e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}

		e.OperationType = models.OperationType(opType)
		e.Status = models.AuditStatus(status)
		if e.Before, err = decodeSnapshot(oldData); err != nil {
			return nil, fmt.Errorf("failed to decode old_data of entry %d: %w", e.ID, err)
		}
		if e.After, err = decodeSnapshot(newData); err != nil {
			return nil, fmt.Errorf("failed to decode new_data of entry %d: %w", e.ID, err)
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit entries: %w", err)
	}
	return entries, nil
}

// buildHistoryQuery only ever appends fixed column names; user input travels as arguments
func buildHistoryQuery(f models.HistoryFilter) (string, []any) {
	var (
		sb   strings.Builder
		args []any
	)

	sb.WriteString(`SELECT id, transaction_id, operation_type, table_name, record_id, old_data, new_data, status, created_at FROM transaction_logs WHERE 1=1`)

	where := func(column string, value any) {
		args = append(args, value)
		fmt.Fprintf(&sb, " AND %s = $%d", column, len(args))
	}

	if f.TableName != "" {
		where("table_name", f.TableName)
	}
	if f.RecordID != nil {
		where("record_id", *f.RecordID)
	}
	if f.OperationType != "" {
		where("operation_type", string(f.OperationType))
	}
	if f.Status != "" {
		where("status", string(f.Status))
	}

	sb.WriteString(" ORDER BY created_at DESC, id DESC")

	if f.Limit > 0 {
		args = append(args, f.Limit)
		fmt.Fprintf(&sb, " LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		fmt.Fprintf(&sb, " OFFSET $%d", len(args))
	}

	return sb.String(), args
}

func encodeSnapshot(v any) ([]byte, error) {
	switch s := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(s) == 0 {
			return nil, nil
		}
		return s, nil
	case []byte:
		if len(s) == 0 {
			return nil, nil
		}
		return s, nil
	}

	encoded, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(encoded) == "null" {
		return nil, nil
	}
	return encoded, nil
}

func decodeSnapshot(raw []byte) (map[string]any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var snapshot map[string]any
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return nil, err
	}
	return snapshot, nil
}
