package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"github.com/rs/zerolog"

	"github.com/Togather-Foundation/signoff/internal/auth"
	"github.com/Togather-Foundation/signoff/internal/config"
	"github.com/Togather-Foundation/signoff/internal/domain/events"
	"github.com/Togather-Foundation/signoff/internal/email"
	"github.com/Togather-Foundation/signoff/internal/jobs"
	"github.com/Togather-Foundation/signoff/internal/lifecycle"
	"github.com/Togather-Foundation/signoff/internal/metrics"
	"github.com/Togather-Foundation/signoff/internal/notifications"
	"github.com/Togather-Foundation/signoff/internal/storage"
	"github.com/Togather-Foundation/signoff/internal/storage/memory"
	"github.com/Togather-Foundation/signoff/internal/storage/postgres"
)

// app holds the wired collaborators shared by serve, reconcile and the
// operator subcommands.
type app struct {
	cfg    config.Config
	logger zerolog.Logger

	store  storage.Repository
	pool   *pgxpool.Pool
	engine *events.Engine
	queue  *jobs.Queue
	river  *river.Client[pgx.Tx]
	tokens *auth.JWTManager

	publisher *lifecycle.Publisher
	redis     *redis.Client
}

type appOptions struct {
	// periodic schedules the reconciliation sweep on the River client.
	periodic bool
}

func buildApp(ctx context.Context, cfg config.Config, logger zerolog.Logger, opts appOptions) (*app, error) {
	a := &app{cfg: cfg, logger: logger, queue: jobs.NewQueue()}
	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	ledger, err := a.newLedger(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	mail, err := email.NewService(cfg.Email, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("email service: %w", err)
	}
	dispatcher := notifications.NewDispatcher(mail, ledger,
		notifications.WithLogger(logger),
		notifications.WithRateLimit(cfg.Notifications.RatePerSecond, cfg.Notifications.Burst),
		notifications.WithLedgerTTL(cfg.Notifications.DedupTTL),
		notifications.WithReminderTTL(cfg.Notifications.ReminderTTL),
	)

	engineOpts := []events.Option{
		events.WithLogger(logger),
		events.WithFanoutLimit(cfg.Workflow.FanoutLimit),
	}
	// A nil *Publisher must not reach the engine as a non-nil interface.
	if a.publisher = lifecycle.NewPublisher(cfg.Kafka, logger); a.publisher != nil {
		engineOpts = append(engineOpts, events.WithStatusListener(a.publisher))
		logger.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("lifecycle stream enabled")
	}
	jobsEnabled := a.pool != nil && cfg.Jobs.Enabled
	if jobsEnabled {
		engineOpts = append(engineOpts, events.WithRepairQueue(a.queue))
	}
	a.engine = events.NewEngine(a.store.Events(), a.store.Identities(), dispatcher, engineOpts...)

	if jobsEnabled {
		slogger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel(cfg.Logging.Level)}))
		workers := jobs.NewWorkers(a.engine, a.store.Events(), cfg.Jobs.ReconcileConcurrency, slogger)
		var periodic []*river.PeriodicJob
		if opts.periodic {
			periodic = jobs.NewPeriodicJobs(cfg.Jobs.ReconcileInterval)
		}
		client, err := jobs.NewClient(a.pool, cfg.Jobs, workers, slogger, []rivertype.Hook{metrics.NewRiverMetricsHook()}, periodic)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("river client: %w", err)
		}
		a.river = client
		a.queue.Attach(client)
	} else {
		logger.Warn().Msg("job queue disabled; failed fan-out targets are reported but not retried")
	}

	if cfg.Auth.JWTSecret != "" {
		a.tokens = auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.JWTExpiry, cfg.Auth.Issuer)
	}
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	if !a.cfg.UsesPostgres() {
		a.store = memory.New()
		a.logger.Warn().Msg("using in-memory store; data is lost on restart")
		return nil
	}
	repo, err := postgres.Open(ctx, a.cfg.Database.URL, int32(a.cfg.Database.MaxConnections))
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	a.store = repo
	a.pool = repo.Pool()
	return nil
}

// newLedger uses Redis for notification de-duplication when configured so
// that every replica shares one ledger.
func (a *app) newLedger(ctx context.Context) (notifications.Ledger, error) {
	if a.cfg.Redis.Addr == "" {
		return notifications.NewMemoryLedger(), nil
	}
	a.redis = redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	if err := a.redis.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return notifications.NewRedisLedger(a.redis), nil
}

func (a *app) Close() {
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Error().Err(err).Msg("lifecycle publisher close failed")
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Error().Err(err).Msg("redis close failed")
		}
	}
	if a.store != nil {
		a.store.Close()
	}
}

func slogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "trace":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
