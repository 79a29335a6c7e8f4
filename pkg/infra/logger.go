package infra

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/Guizzs26/go-change-pipeline/internal/config"
)

var logFile *os.File

// SetupLogger builds the process logger. When LOG_FILE is set, records are
// written to stdout and appended to that file
func SetupLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch strings.ToUpper(cfg.LogLevel) {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var out io.Writer = os.Stdout
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err == nil {
			logFile = f
			out = io.MultiWriter(os.Stdout, f)
		}
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if strings.ToUpper(cfg.LogFormat) == "JSON" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	return slog.New(handler)
}

// CloseLogger releases the log file opened by SetupLogger, if any
func CloseLogger() {
	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}
}
