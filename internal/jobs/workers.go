package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/riverqueue/river"

	"github.com/Togather-Foundation/signoff/internal/domain/events"
)

// Engine is the part of the approval engine the repair workers drive.
type Engine interface {
	Propagate(ctx context.Context, eventID string) (*events.Result, error)
	RetryNotification(ctx context.Context, eventID string, approverID string) error
}

// PropagateStatusArgs re-derives the status and every summary of one event.
type PropagateStatusArgs struct {
	EventID string `json:"event_id"`
}

func (PropagateStatusArgs) Kind() string { return JobKindPropagateStatus }

func (PropagateStatusArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		MaxAttempts: PropagateStatusMaxAttempts,
		UniqueOpts:  river.UniqueOpts{ByArgs: true},
	}
}

// NotifyApproverArgs re-sends the approval request to one approver.
type NotifyApproverArgs struct {
	EventID    string `json:"event_id"`
	ApproverID string `json:"approver_id"`
}

func (NotifyApproverArgs) Kind() string { return JobKindNotifyApprover }

func (NotifyApproverArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		MaxAttempts: NotifyApproverMaxAttempts,
		Queue:       QueueNotifications,
		UniqueOpts:  river.UniqueOpts{ByArgs: true},
	}
}

// ReconcileArgs sweeps every event through Propagate.
type ReconcileArgs struct{}

func (ReconcileArgs) Kind() string { return JobKindReconcile }

func (ReconcileArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		MaxAttempts: ReconcileMaxAttempts,
		UniqueOpts:  river.UniqueOpts{ByArgs: true},
	}
}

type PropagateStatusWorker struct {
	river.WorkerDefaults[PropagateStatusArgs]
	Engine Engine
	Logger *slog.Logger
}

func (PropagateStatusWorker) Kind() string { return JobKindPropagateStatus }

func (w PropagateStatusWorker) Work(ctx context.Context, job *river.Job[PropagateStatusArgs]) error {
	if w.Engine == nil {
		return fmt.Errorf("approval engine not configured")
	}
	if job == nil {
		return fmt.Errorf("propagate status job missing")
	}

	result, err := w.Engine.Propagate(ctx, job.Args.EventID)
	if err != nil {
		return permanent(err)
	}

	// Lifecycle publication is not retried here: a repeat run sees no
	// transition and would not publish again anyway.
	if failed := result.Report.FailedTargets(events.FanoutSummarySync); len(failed) > 0 {
		return fmt.Errorf("summary sync failed for %d target(s): %w", len(failed), result.Report.Err())
	}

	logger(w.Logger).Info("event propagated",
		"event_id", job.Args.EventID,
		"status", string(result.Event.Status),
		"status_changed", result.Changed,
		"attempt", job.Attempt,
	)
	return nil
}

type NotifyApproverWorker struct {
	river.WorkerDefaults[NotifyApproverArgs]
	Engine Engine
	Logger *slog.Logger
}

func (NotifyApproverWorker) Kind() string { return JobKindNotifyApprover }

func (w NotifyApproverWorker) Work(ctx context.Context, job *river.Job[NotifyApproverArgs]) error {
	if w.Engine == nil {
		return fmt.Errorf("approval engine not configured")
	}
	if job == nil {
		return fmt.Errorf("notify approver job missing")
	}

	if err := w.Engine.RetryNotification(ctx, job.Args.EventID, job.Args.ApproverID); err != nil {
		return permanent(err)
	}
	logger(w.Logger).Info("approval notification re-sent",
		"event_id", job.Args.EventID,
		"approver_id", job.Args.ApproverID,
		"attempt", job.Attempt,
	)
	return nil
}

type ReconcileWorker struct {
	river.WorkerDefaults[ReconcileArgs]
	Events      EventLister
	Engine      Engine
	Concurrency int
	Logger      *slog.Logger
}

func (ReconcileWorker) Kind() string { return JobKindReconcile }

func (w ReconcileWorker) Work(ctx context.Context, job *river.Job[ReconcileArgs]) error {
	if w.Engine == nil || w.Events == nil {
		return fmt.Errorf("reconcile worker not configured")
	}

	stats, err := Sweep(ctx, w.Events, w.Engine, w.Concurrency)
	if err != nil {
		return err
	}
	logger(w.Logger).Info("summary reconciliation finished",
		"scanned", stats.Scanned,
		"changed", stats.Changed,
		"failed", stats.Failed,
		"attempt", job.Attempt,
	)
	return nil
}

// NewWorkers registers the repair and reconciliation workers.
func NewWorkers(engine Engine, lister EventLister, concurrency int, log *slog.Logger) *river.Workers {
	workers := river.NewWorkers()
	river.AddWorker[PropagateStatusArgs](workers, PropagateStatusWorker{Engine: engine, Logger: log})
	river.AddWorker[NotifyApproverArgs](workers, NotifyApproverWorker{Engine: engine, Logger: log})
	river.AddWorker[ReconcileArgs](workers, ReconcileWorker{Events: lister, Engine: engine, Concurrency: concurrency, Logger: log})
	return workers
}

// permanent cancels jobs that can never succeed by retrying.
func permanent(err error) error {
	if errors.Is(err, events.ErrNotFound) || errors.Is(err, events.ErrValidation) || errors.Is(err, events.ErrConflict) {
		return river.JobCancel(err)
	}
	return err
}

func logger(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
