package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mailkite/mailkite/internal/config"
	"github.com/mailkite/mailkite/internal/content"
	"github.com/mailkite/mailkite/internal/dispatch"
	"github.com/mailkite/mailkite/internal/domain"
	"github.com/mailkite/mailkite/internal/engine"
	"github.com/mailkite/mailkite/internal/store"
	"github.com/mailkite/mailkite/internal/tracker"
)

// campaignPageSize bounds how many queued campaigns one run picks up.
const campaignPageSize = 10

func main() {
	_ = godotenv.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	os.Exit(run(logger))
}

// run carries the whole send pass. Split from main so deferred cleanup
// (lease release, pool shutdown) survives the exit path.
func run(logger *slog.Logger) int {
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// A run that outlives its budget is stopped cleanly; unsent recipients
	// are picked up by the next scheduled run.
	if cfg.MaxProcessTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.MaxProcessTime)
		defer cancel()
	}

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

	redisStore, err := store.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		return 1
	}
	defer redisStore.Close()
	logger.Info("connected to Redis")

	providers, err := engine.ParseProviderLimits(cfg.ProviderLimits)
	if err != nil {
		logger.Error("invalid provider limits", "error", err)
		return 1
	}

	// A forced takeover also forgets the evicted holder's batch window.
	if cfg.LockForce {
		if err := redisStore.ResetSendWindow(ctx, cfg.QueueName); err != nil {
			logger.Error("failed to reset send window", "error", err)
			return 1
		}
	}

	lock := engine.NewProcessLock(pgStore, logger)
	leaseID, err := lock.Acquire(ctx, cfg.QueueName, engine.LockOptions{
		Force:         cfg.LockForce,
		MaxConcurrent: cfg.MaxSenders,
		StaleAfter:    cfg.LockStaleAfter,
		RetryInterval: cfg.LockRetryInterval,
		MaxRetries:    cfg.LockMaxRetries,
	})
	if err != nil {
		if errors.Is(err, engine.ErrLockUnavailable) {
			logger.Info("send queue fully held, exiting", "queue", cfg.QueueName)
			return 0
		}
		logger.Error("failed to acquire send lock", "error", err)
		return 1
	}
	defer func() {
		if err := lock.Release(context.Background(), leaseID); err != nil {
			logger.Error("failed to release send lock", "error", err)
		}
	}()

	// Keep the lease fresh so a long run is never mistaken for a crash.
	keepAliveDone := make(chan struct{})
	go func() {
		defer close(keepAliveDone)
		ticker := time.NewTicker(cfg.LockStaleAfter / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := lock.KeepAlive(ctx, leaseID); err != nil {
					logger.Error("lease keepalive failed", "error", err)
				}
			}
		}
	}()
	defer func() {
		stop()
		<-keepAliveDone
	}()

	envelope := cfg.SMTPFrom
	if envelope == "" {
		envelope = "bounce@" + cfg.Domain
	}

	rewriter := tracker.NewRewriter(pgStore, cfg.Secret, cfg.TrackingURL, cfg.Website, logger)
	dispatcher := dispatch.NewDispatcher(
		pgStore,
		content.NewCache(),
		content.NewBuilder(cfg.Domain, logger),
		dispatch.NewPersonalizer(cfg.PublicURL),
		rewriter,
		engine.NewSizeGuard(cfg.MaxMailSize, logger),
		engine.NewSendRateLimiter(redisStore.Client(), cfg.QueueName, engine.Limits{
			BatchSize:   cfg.BatchSize,
			BatchPeriod: cfg.BatchPeriod,
			Throttle:    cfg.Throttle,
		}, providers, logger),
		dispatch.NewSMTPTransport(cfg.SMTPAddr, nil, envelope),
		dispatch.Options{
			ClickTrack:   cfg.ClickTrack,
			AnalyticsTag: cfg.AnalyticsTag,
		},
		logger,
	)

	return sendQueued(ctx, pgStore, dispatcher, logger)
}

// campaignSource lists campaigns ready to go out.
type campaignSource interface {
	NextCampaigns(ctx context.Context, limit int) ([]domain.Campaign, error)
}

// campaignSender delivers one campaign to its recipients.
type campaignSender interface {
	SendCampaign(ctx context.Context, c *domain.Campaign) (dispatch.Stats, error)
}

// sendQueued walks the queued campaigns. A failure is scoped to its
// campaign: the already-suspended campaign is logged and the run moves on
// to the next one, exiting nonzero at the end.
func sendQueued(ctx context.Context, source campaignSource, sender campaignSender, logger *slog.Logger) int {
	campaigns, err := source.NextCampaigns(ctx, campaignPageSize)
	if err != nil {
		logger.Error("failed to list queued campaigns", "error", err)
		return 1
	}
	if len(campaigns) == 0 {
		logger.Info("no campaigns queued")
		return 0
	}

	exit := 0
	for i := range campaigns {
		c := &campaigns[i]
		logger.Info("sending campaign", "campaign_id", c.ID, "subject", c.Subject)

		stats, err := sender.SendCampaign(ctx, c)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				logger.Info("run stopped, campaign resumes next run",
					"campaign_id", c.ID,
					"sent", stats.Sent,
				)
				return exit
			}
			logger.Error("campaign send failed, continuing with next",
				"campaign_id", c.ID,
				"sent", stats.Sent,
				"error", err,
			)
			exit = 1
			continue
		}
	}
	return exit
}
