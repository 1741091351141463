package jobs

import (
	"log/slog"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivertype"

	"github.com/Togather-Foundation/signoff/internal/config"
	"github.com/Togather-Foundation/signoff/internal/metrics"
)

const (
	JobKindPropagateStatus = "propagate_status"
	JobKindNotifyApprover  = "notify_approver"
	JobKindReconcile       = "reconcile_summaries"
)

const QueueNotifications = "notifications"

const (
	PropagateStatusMaxAttempts = 10
	NotifyApproverMaxAttempts  = 8
	ReconcileMaxAttempts       = 3
)

// RetryConfig controls per-kind retry behavior.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// RetryPolicy implements River's ClientRetryPolicy with per-kind exponential backoff.
type RetryPolicy struct {
	Default RetryConfig
	ByKind  map[string]RetryConfig
}

// NewRetryPolicy returns the default retry policy configuration.
func NewRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		Default: RetryConfig{
			MaxAttempts: PropagateStatusMaxAttempts,
			BaseDelay:   30 * time.Second,
			MaxDelay:    30 * time.Minute,
		},
		ByKind: map[string]RetryConfig{
			JobKindPropagateStatus: {
				MaxAttempts: PropagateStatusMaxAttempts,
				BaseDelay:   10 * time.Second,
				MaxDelay:    15 * time.Minute,
			},
			JobKindNotifyApprover: {
				MaxAttempts: NotifyApproverMaxAttempts,
				BaseDelay:   1 * time.Minute,
				MaxDelay:    2 * time.Hour,
			},
			JobKindReconcile: {
				MaxAttempts: ReconcileMaxAttempts,
				BaseDelay:   5 * time.Minute,
				MaxDelay:    30 * time.Minute,
			},
		},
	}
}

// WithOverrides applies configured attempt limits.
func (p *RetryPolicy) WithOverrides(cfg config.JobsConfig) *RetryPolicy {
	if cfg.RetryPropagation > 0 {
		c := p.ByKind[JobKindPropagateStatus]
		c.MaxAttempts = cfg.RetryPropagation
		p.ByKind[JobKindPropagateStatus] = c
	}
	if cfg.RetryNotification > 0 {
		c := p.ByKind[JobKindNotifyApprover]
		c.MaxAttempts = cfg.RetryNotification
		p.ByKind[JobKindNotifyApprover] = c
	}
	return p
}

// NextRetry determines the next retry time for a failed job.
func (p *RetryPolicy) NextRetry(job *rivertype.JobRow) time.Time {
	config := p.configFor(job.Kind)
	if config.BaseDelay == 0 {
		return time.Now()
	}

	attempt := job.Attempt
	if attempt < 1 {
		attempt = 1
	}

	delay := time.Duration(float64(config.BaseDelay) * math.Pow(2, float64(attempt-1)))
	if config.MaxDelay > 0 && delay > config.MaxDelay {
		delay = config.MaxDelay
	}

	if job.AttemptedAt != nil {
		return job.AttemptedAt.Add(delay)
	}
	return time.Now().Add(delay)
}

func (p *RetryPolicy) configFor(kind string) RetryConfig {
	if p == nil {
		return RetryConfig{MaxAttempts: PropagateStatusMaxAttempts, BaseDelay: 30 * time.Second, MaxDelay: 30 * time.Minute}
	}
	if config, ok := p.ByKind[kind]; ok {
		return config
	}
	return p.Default
}

// NewClientConfig builds a River client configuration with retry policy.
func NewClientConfig(cfg config.JobsConfig, workers *river.Workers, logger *slog.Logger, hooks []rivertype.Hook, periodicJobs []*river.PeriodicJob) *river.Config {
	policy := NewRetryPolicy().WithOverrides(cfg)
	maxWorkers := cfg.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = 10
	}
	riverCfg := &river.Config{
		Workers:      workers,
		RetryPolicy:  policy,
		MaxAttempts:  policy.Default.MaxAttempts,
		PeriodicJobs: periodicJobs,
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: maxWorkers},
			QueueNotifications: {MaxWorkers: max(1, maxWorkers/2)},
		},
		Hooks: hooks,
	}
	if logger != nil {
		riverCfg.Logger = logger
		riverCfg.ErrorHandler = NewAlertingErrorHandler(logger, metrics.RecordJobExhausted)
	}
	return riverCfg
}

// NewClient creates a River client using pgx v5.
func NewClient(pool *pgxpool.Pool, cfg config.JobsConfig, workers *river.Workers, logger *slog.Logger, hooks []rivertype.Hook, periodicJobs []*river.PeriodicJob) (*river.Client[pgx.Tx], error) {
	return river.NewClient(riverpgxv5.New(pool), NewClientConfig(cfg, workers, logger, hooks, periodicJobs))
}

// NewPeriodicJobs schedules the summary reconciliation sweep.
func NewPeriodicJobs(interval time.Duration) []*river.PeriodicJob {
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	return []*river.PeriodicJob{
		river.NewPeriodicJob(
			river.PeriodicInterval(interval),
			func() (river.JobArgs, *river.InsertOpts) {
				return ReconcileArgs{}, nil
			},
			&river.PeriodicJobOpts{RunOnStart: false},
		),
	}
}
