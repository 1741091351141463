package events

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// FanoutKind names a class of secondary write.
type FanoutKind string

const (
	FanoutEventsCreated     FanoutKind = "events_created"
	FanoutApprovalRequested FanoutKind = "approval_requested"
	FanoutSummarySync       FanoutKind = "summary_sync"
	FanoutNotification      FanoutKind = "notification"
	FanoutLifecycle         FanoutKind = "lifecycle"
)

// TargetFailure is one failed secondary write.
type TargetFailure struct {
	Kind   FanoutKind
	Target string
	Err    error
}

func (f TargetFailure) Error() string {
	return fmt.Sprintf("%s %s: %v", f.Kind, f.Target, f.Err)
}

func (f TargetFailure) Unwrap() error {
	return f.Err
}

// FanoutReport collects the outcome of secondary writes. The primary operation
// has already succeeded when a report is returned.
type FanoutReport struct {
	Attempted int
	Failures  []TargetFailure
}

func (r FanoutReport) OK() bool {
	return len(r.Failures) == 0
}

// Err joins every failure, or returns nil.
func (r FanoutReport) Err() error {
	if r.OK() {
		return nil
	}
	errs := make([]error, 0, len(r.Failures))
	for _, f := range r.Failures {
		errs = append(errs, f)
	}
	return errors.Join(errs...)
}

// FailedTargets lists targets that failed for kind.
func (r FanoutReport) FailedTargets(kind FanoutKind) []string {
	var out []string
	for _, f := range r.Failures {
		if f.Kind == kind {
			out = append(out, f.Target)
		}
	}
	return out
}

func (r *FanoutReport) merge(other FanoutReport) {
	r.Attempted += other.Attempted
	r.Failures = append(r.Failures, other.Failures...)
}

type fanoutTask struct {
	kind   FanoutKind
	target string
	run    func(ctx context.Context) error
}

// runFanout runs every task to completion regardless of sibling failures. Each
// task owns its result slot; failures come back in task order.
func runFanout(ctx context.Context, limit int, tasks []fanoutTask) FanoutReport {
	results := make([]error, len(tasks))

	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, task := range tasks {
		g.Go(func() error {
			results[i] = task.run(ctx)
			return nil
		})
	}
	_ = g.Wait()

	report := FanoutReport{Attempted: len(tasks)}
	for i, err := range results {
		if err != nil {
			report.Failures = append(report.Failures, TargetFailure{
				Kind:   tasks[i].kind,
				Target: tasks[i].target,
				Err:    err,
			})
		}
	}
	return report
}
