// Package app wires configuration, the audit chain and the governance gate
// for the CLI and the HTTP server.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"aimdrag/internal/audit"
	"aimdrag/internal/config"
	"aimdrag/internal/engine"
	"aimdrag/internal/events"
)

// App owns the process-wide audit chain. Close it on shutdown.
type App struct {
	Workspace string
	Config    *config.Config
	Logger    *slog.Logger
	Chain     *audit.Chain
	Events    *events.Writer
	Gate      *engine.Gate
}

// NewLogger builds the slog logger described by level and format.
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	var lv slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lv = slog.LevelDebug
	case "warn":
		lv = slog.LevelWarn
	case "error":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lv}
	if format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// Open resumes the audit chain of workspace and builds the gate around it.
// A corrupted chain fails with an error matching audit.ErrChainCorrupted.
func Open(ctx context.Context, workspace string, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	sink, err := audit.OpenFileSink(cfg.AuditPath(workspace), cfg.Audit.Fsync)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	chain, err := audit.Open(ctx, sink, audit.Options{
		Checkpoints:     audit.FileCheckpoint{Path: cfg.CheckpointPath(workspace)},
		TrustCheckpoint: cfg.Audit.TrustCheckpoint,
	})
	if err != nil {
		sink.Close()
		logger.ErrorContext(ctx, "audit chain unavailable", "path", sink.Path(), "error", err)
		return nil, err
	}
	w, err := events.NewWriter(logger, nil)
	if err != nil {
		chain.Close()
		return nil, err
	}
	classifier, err := cfg.Classifier()
	if err != nil {
		chain.Close()
		return nil, err
	}
	gate := engine.New(chain, w)
	gate.Filter = cfg.Filter()
	gate.Classifier = classifier

	tail := chain.Tail()
	logger.InfoContext(ctx, "audit chain opened", "path", sink.Path(), "records", tail.Records, "tail", tail.Hash)
	return &App{
		Workspace: workspace,
		Config:    cfg,
		Logger:    logger,
		Chain:     chain,
		Events:    w,
		Gate:      gate,
	}, nil
}

// Close flushes the checkpoint and closes the audit log.
func (a *App) Close() error {
	return a.Chain.Close()
}
