package models

import "time"

type OperationType string

const (
	OpInsert OperationType = "insert"
	OpUpdate OperationType = "update"
	OpDelete OperationType = "delete"
)

func (o OperationType) Valid() bool {
	return o == OpInsert || o == OpUpdate || o == OpDelete
}

type AuditStatus string

const (
	StatusCommitted  AuditStatus = "committed"
	StatusRolledBack AuditStatus = "rolled_back"
)

func (s AuditStatus) Valid() bool {
	return s == StatusCommitted || s == StatusRolledBack
}

// Operation is a change buffered by a transaction scope until it finalizes.
// Before and After hold full record snapshots and are encoded as JSON when written
type Operation struct {
	Type     OperationType
	Table    string
	RecordID int64
	Before   any
	After    any
}

// AuditEntry represents a row in the transaction_logs table
type AuditEntry struct {
	ID            int64          `json:"id"`
	TransactionID string         `json:"transaction_id"`
	OperationType OperationType  `json:"operation_type"`
	TableName     string         `json:"table_name"`
	RecordID      int64          `json:"record_id"`
	Before        map[string]any `json:"old_data"`
	After         map[string]any `json:"new_data"`
	Status        AuditStatus    `json:"status"`
	CreatedAt     time.Time      `json:"created_at"`
}

// HistoryFilter is an AND-conjunction over the audit trail. Zero values disable a filter
type HistoryFilter struct {
	TableName     string
	RecordID      *int64
	OperationType OperationType
	Status        AuditStatus
	Limit         int
	Offset        int
}
