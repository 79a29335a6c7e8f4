package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Guizzs26/go-change-pipeline/internal/db"
	"github.com/Guizzs26/go-change-pipeline/internal/history"
	"github.com/Guizzs26/go-change-pipeline/internal/models"
	"github.com/alexflint/go-arg"
)

type args struct {
	DatabaseURL string `arg:"--database-url,env:DATABASE_URL,required" help:"postgres connection string"`
	Table       string `arg:"--table" help:"only entries of this table"`
	RecordID    *int64 `arg:"--record-id" help:"only entries of this record"`
	Operation   string `arg:"--operation" help:"insert, update or delete"`
	Status      string `arg:"--status" help:"committed or rolled_back"`
	Limit       int    `arg:"--limit" default:"100" help:"maximum number of entries"`
	Offset      int    `arg:"--offset" help:"entries to skip"`
}

func (args) Description() string {
	return "Prints the audit trail, newest first, as one JSON object per line"
}

func main() {
	var a args
	arg.MustParse(&a)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, a, logger); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, a args, logger *slog.Logger) error {
	pool, err := db.NewPostgresPool(ctx, a.DatabaseURL, logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	entries, err := history.NewService(db.NewAuditStore(pool)).GetHistory(ctx, models.HistoryFilter{
		TableName:     a.Table,
		RecordID:      a.RecordID,
		OperationType: models.OperationType(a.Operation),
		Status:        models.AuditStatus(a.Status),
		Limit:         a.Limit,
		Offset:        a.Offset,
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return nil
}
