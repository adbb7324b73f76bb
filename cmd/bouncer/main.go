package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/mailkite/mailkite/internal/bounce"
	"github.com/mailkite/mailkite/internal/bounce/mailbox"
	"github.com/mailkite/mailkite/internal/config"
	"github.com/mailkite/mailkite/internal/store"
)

func main() {
	_ = godotenv.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	os.Exit(run(logger))
}

func run(logger *slog.Logger) int {
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return 1
	}
	if cfg.BounceMailbox == "" {
		logger.Error("BOUNCE_MAILBOX is required")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgStore, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		return 1
	}
	defer pgStore.Close()
	logger.Info("connected to PostgreSQL")

	if err := pgStore.RunMigrations(ctx, "migrations"); err != nil {
		logger.Error("failed to run migrations", "error", err)
		return 1
	}

	// An unreachable mailbox aborts the run: processing half a mailbox and
	// purging on a broken connection loses bounces.
	reader, err := mailbox.Open(cfg.BounceMailbox, cfg.BounceMailboxUser, cfg.BounceMailboxPassword)
	if err != nil {
		logger.Error("failed to open bounce mailbox", "error", err)
		return 1
	}

	classifier := bounce.NewClassifier(pgStore, logger)
	processor := bounce.NewProcessor(pgStore, pgStore, classifier, cfg.BouncePurgeUnidentified, logger)

	report, err := processor.Process(ctx, reader)
	if err != nil {
		logger.Error("bounce processing failed", "error", err)
		return 1
	}
	if report.Fetched == 0 {
		return 0
	}

	evaluator := bounce.NewEvaluator(pgStore, cfg.UnsubscribeThreshold, cfg.BlacklistThreshold, logger)
	if _, err := evaluator.Run(ctx); err != nil {
		logger.Error("consecutive bounce sweep failed", "error", err)
		return 1
	}
	return 0
}
