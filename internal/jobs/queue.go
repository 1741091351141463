package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"

	"github.com/Togather-Foundation/signoff/internal/domain/events"
)

// ErrQueueDetached is returned when a repair is scheduled before a job
// client has been attached.
var ErrQueueDetached = errors.New("job queue not attached")

// Inserter is satisfied by *river.Client.
type Inserter interface {
	Insert(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error)
}

// Queue schedules repair jobs on River. The engine is built before the River
// client (the workers need the engine), so the client is attached later.
type Queue struct {
	mu     sync.RWMutex
	client Inserter
}

var _ events.RepairQueue = (*Queue)(nil)

func NewQueue() *Queue {
	return &Queue{}
}

func (q *Queue) Attach(client Inserter) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.client = client
}

func (q *Queue) EnqueuePropagation(ctx context.Context, eventID string) error {
	return q.insert(ctx, PropagateStatusArgs{EventID: eventID})
}

func (q *Queue) EnqueueNotification(ctx context.Context, eventID string, approverID string) error {
	return q.insert(ctx, NotifyApproverArgs{EventID: eventID, ApproverID: approverID})
}

// EnqueueReconcile schedules a one-off reconciliation sweep.
func (q *Queue) EnqueueReconcile(ctx context.Context) error {
	return q.insert(ctx, ReconcileArgs{})
}

func (q *Queue) insert(ctx context.Context, args river.JobArgs) error {
	q.mu.RLock()
	client := q.client
	q.mu.RUnlock()
	if client == nil {
		return ErrQueueDetached
	}
	// The request that triggered the repair may be finishing; the job must
	// still be written.
	if _, err := client.Insert(context.WithoutCancel(ctx), args, nil); err != nil {
		return fmt.Errorf("enqueue %s: %w", args.Kind(), err)
	}
	return nil
}
