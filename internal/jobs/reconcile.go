package jobs

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/Togather-Foundation/signoff/internal/domain/events"
)

// EventLister is satisfied by events.Repository.
type EventLister interface {
	Find(ctx context.Context, filter events.Filter) ([]events.Event, error)
}

type SweepStats struct {
	Scanned int
	Changed int
	Failed  int
}

// Sweep runs Propagate over every stored event. Per-event failures are
// counted, not returned; only a failure to list events aborts the sweep.
func Sweep(ctx context.Context, lister EventLister, engine Engine, concurrency int) (SweepStats, error) {
	all, err := lister.Find(ctx, events.Filter{})
	if err != nil {
		return SweepStats{}, fmt.Errorf("list events: %w", err)
	}
	if concurrency < 1 {
		concurrency = 1
	}

	var changed, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(concurrency)
	for _, event := range all {
		g.Go(func() error {
			if ctx.Err() != nil {
				failed.Add(1)
				return nil
			}
			result, err := engine.Propagate(ctx, event.ID)
			switch {
			case err != nil:
				failed.Add(1)
			case !result.Report.OK():
				failed.Add(1)
			case result.Changed:
				changed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	return SweepStats{
		Scanned: len(all),
		Changed: int(changed.Load()),
		Failed:  int(failed.Load()),
	}, ctx.Err()
}
