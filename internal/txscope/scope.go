package txscope

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Guizzs26/go-change-pipeline/internal/db"
	"github.com/Guizzs26/go-change-pipeline/internal/models"
	"github.com/Guizzs26/go-change-pipeline/pkg/metrics"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const rollbackTimeout = 5 * time.Second

var (
	ErrNoActiveTransaction = errors.New("no active transaction")
	ErrScopeFinalized      = errors.New("transaction scope already finalized")
)

// AuditWriter persists buffered operations through the given executor
type AuditWriter interface {
	Append(ctx context.Context, exec db.Executor, txID string, status models.AuditStatus, ops []models.Operation) error
}

// Scope is a single unit of work. It owns one connection from Start until Commit
// or Rollback and buffers the operations it must audit on the way out.
// A Scope is not safe for concurrent use
type Scope struct {
	id       string
	provider db.ConnProvider
	audit    AuditWriter
	logger   *slog.Logger

	conn      db.Conn
	tx        db.Tx
	ops       []models.Operation
	finalized bool
}

func New(provider db.ConnProvider, audit AuditWriter, logger *slog.Logger) *Scope {
	id := uuid.NewString()
	return &Scope{
		id:       id,
		provider: provider,
		audit:    audit,
		logger:   logger.With("transaction_id", id),
	}
}

// ID is the transaction id shared by every audit entry of this scope
func (s *Scope) ID() string {
	return s.id
}

// Tx returns the open transaction, or nil before Start and after finalization
func (s *Scope) Tx() db.Tx {
	return s.tx
}

// Start acquires a connection and begins the transaction. Calling it again
// returns the transaction already in progress
func (s *Scope) Start(ctx context.Context) (db.Tx, error) {
	if s.finalized {
		return nil, ErrScopeFinalized
	}
	if s.tx != nil {
		return s.tx, nil
	}

	conn, err := s.provider.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	tx, err := conn.Begin(ctx)
	if err != nil {
		conn.Release()
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	s.conn = conn
	s.tx = tx
	return tx, nil
}

// LogOperation buffers a change for the audit trail. Nothing is written until the scope finalizes
func (s *Scope) LogOperation(op models.Operation) {
	if s.finalized {
		s.logger.Warn("Operation logged on a finalized scope, it will not be audited",
			"operation", op.Type,
			"table", op.Table,
			"record_id", op.RecordID,
		)
	}
	s.ops = append(s.ops, op)
}

// Commit writes the committed audit entries inside the transaction and commits.
// If either step fails the scope is rolled back and the error returned
func (s *Scope) Commit(ctx context.Context) error {
	if s.tx == nil {
		return ErrNoActiveTransaction
	}

	if err := s.audit.Append(ctx, s.tx, s.id, models.StatusCommitted, s.ops); err != nil {
		metrics.AuditWriteFailures.WithLabelValues("commit").Inc()
		s.logger.Error("Audit write failed, rolling back", "error", err, "operations", len(s.ops))
		s.rollbackAfterFailure(ctx)
		return fmt.Errorf("failed to write audit trail: %w", err)
	}

	if err := s.tx.Commit(ctx); err != nil {
		s.logger.Error("Commit failed, rolling back", "error", err)
		s.rollbackAfterFailure(ctx)
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	metrics.AuditEntriesWritten.WithLabelValues(string(models.StatusCommitted)).Add(float64(len(s.ops)))
	metrics.ScopesFinalized.WithLabelValues("committed").Inc()
	s.logger.Debug("Transaction committed", "operations", len(s.ops))

	s.finish()
	return nil
}

// Rollback discards the transaction and records the buffered operations as
// rolled_back. The audit write is best effort: its failure is logged, never returned.
// Both steps are detached from the caller's cancellation, a cancelled rollback
// would close the connection the audit needs.
// Without an open transaction Rollback does nothing
func (s *Scope) Rollback(ctx context.Context) error {
	if s.tx == nil {
		return nil
	}
	defer s.finish()

	rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()

	var rollbackErr error
	if err := s.tx.Rollback(rbCtx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		s.logger.Error("Rollback failed", "error", err)
		rollbackErr = fmt.Errorf("failed to roll back transaction: %w", err)
	}

	metrics.ScopesFinalized.WithLabelValues("rolled_back").Inc()
	s.writeRolledBack(rbCtx)

	return rollbackErr
}

func (s *Scope) rollbackAfterFailure(ctx context.Context) {
	if err := s.Rollback(ctx); err != nil {
		s.logger.Warn("Rollback after failed commit also failed", "error", err)
	}
}

// writeRolledBack runs on the same connection in a fresh transaction
func (s *Scope) writeRolledBack(auditCtx context.Context) {
	if len(s.ops) == 0 {
		return
	}

	tx, err := s.conn.Begin(auditCtx)
	if err != nil {
		metrics.AuditWriteFailures.WithLabelValues("rollback").Inc()
		s.logger.Error("Could not open transaction for rollback audit", "error", err)
		return
	}

	if err := s.audit.Append(auditCtx, tx, s.id, models.StatusRolledBack, s.ops); err != nil {
		_ = tx.Rollback(auditCtx)
		metrics.AuditWriteFailures.WithLabelValues("rollback").Inc()
		s.logger.Error("Failed to record rolled back operations", "error", err, "operations", len(s.ops))
		return
	}

	if err := tx.Commit(auditCtx); err != nil {
		metrics.AuditWriteFailures.WithLabelValues("rollback").Inc()
		s.logger.Error("Failed to commit rollback audit", "error", err)
		return
	}

	metrics.AuditEntriesWritten.WithLabelValues(string(models.StatusRolledBack)).Add(float64(len(s.ops)))
}

func (s *Scope) finish() {
	if s.conn != nil {
		s.conn.Release()
	}
	s.conn = nil
	s.tx = nil
	s.ops = nil
	s.finalized = true
}

// Run starts the scope, calls fn with the transaction and commits. Any error or
// panic from fn rolls the scope back; panics are re-raised afterwards
func Run(ctx context.Context, s *Scope, fn func(tx db.Tx) error) error {
	tx, err := s.Start(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = s.Rollback(ctx)
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := s.Rollback(ctx); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}

	return s.Commit(ctx)
}
