package postgres

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/require"

	"github.com/Togather-Foundation/signoff/internal/domain/events"
	"github.com/Togather-Foundation/signoff/internal/storage"
)

var errRollback = errors.New("rollback")

func newPendingEvent(owner string, approvers ...string) *events.Event {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	event := &events.Event{
		ID:          ulid.Make().String(),
		Owner:       events.Owner{ID: owner, Name: "Robotics Club", Thumbnail: owner + ".png"},
		Name:        "Spring Hackathon",
		Description: "24 hours of building",
		Thumbnail:   "hack.png",
		Date:        now.Add(30 * 24 * time.Hour),
		Payment:     events.Payment{IsPayment: true, Amount: 12.5},
		Status:      events.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for _, id := range approvers {
		event.Approvers = append(event.Approvers, events.Approver{ID: id, Name: id, Decision: events.DecisionPending})
	}
	return event
}

func TestEventRepositoryCreateAndGet(t *testing.T) {
	repo, _ := setupPostgres(t)
	ctx := context.Background()
	seedIdentity(t, ctx, repo, "club", "Robotics Club")
	seedIdentity(t, ctx, repo, "dean", "Dean")
	seedIdentity(t, ctx, repo, "provost", "Provost")

	event := newPendingEvent("club", "provost", "dean")
	created, err := repo.Events().Create(ctx, event)
	require.NoError(t, err)
	require.Equal(t, event.ID, created.ID)
	require.Equal(t, events.StatusPending, created.Status)
	require.EqualValues(t, 1, created.Revision)
	require.Len(t, created.Approvers, 2)
	require.Equal(t, "provost", created.Approvers[0].ID, "approver order is preserved")
	require.Nil(t, created.Approvers[0].DecidedAt)
	require.Equal(t, 12.5, created.Payment.Amount)

	_, err = repo.Events().Create(ctx, event)
	require.ErrorIs(t, err, events.ErrConflict)

	_, err = repo.Events().Get(ctx, "missing")
	require.ErrorIs(t, err, events.ErrNotFound)
}

func TestEventRepositoryRecordApproverDecisionIsConditional(t *testing.T) {
	repo, _ := setupPostgres(t)
	ctx := context.Background()
	seedIdentity(t, ctx, repo, "club", "Robotics Club")
	seedIdentity(t, ctx, repo, "dean", "Dean")

	event, err := repo.Events().Create(ctx, newPendingEvent("club", "dean"))
	require.NoError(t, err)

	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	updated, err := repo.Events().RecordApproverDecision(ctx, event.ID, "dean", events.DecisionApproved, at)
	require.NoError(t, err)
	dean, ok := updated.Approver("dean")
	require.True(t, ok)
	require.Equal(t, events.DecisionApproved, dean.Decision)
	require.NotNil(t, dean.DecidedAt)
	require.True(t, at.Equal(*dean.DecidedAt))
	require.Equal(t, events.StatusPending, updated.Status, "decisions never move the status on their own")
	require.Equal(t, event.Revision+1, updated.Revision)

	_, err = repo.Events().RecordApproverDecision(ctx, event.ID, "dean", events.DecisionRejected, at)
	require.ErrorIs(t, err, events.ErrConflict)

	_, err = repo.Events().RecordApproverDecision(ctx, event.ID, "stranger", events.DecisionApproved, at)
	require.ErrorIs(t, err, events.ErrConflict)

	_, err = repo.Events().RecordApproverDecision(ctx, "missing", "dean", events.DecisionApproved, at)
	require.ErrorIs(t, err, events.ErrNotFound)
}

func TestEventRepositoryConcurrentDecisionsAllLand(t *testing.T) {
	repo, _ := setupPostgres(t)
	ctx := context.Background()
	seedIdentity(t, ctx, repo, "club", "Robotics Club")
	approvers := []string{"a1", "a2", "a3", "a4", "a5"}
	for _, id := range approvers {
		seedIdentity(t, ctx, repo, id, id)
	}

	event, err := repo.Events().Create(ctx, newPendingEvent("club", approvers...))
	require.NoError(t, err)

	errs := make(chan error, len(approvers))
	var wg sync.WaitGroup
	for _, id := range approvers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.Events().RecordApproverDecision(ctx, event.ID, id, events.DecisionApproved, time.Now())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := repo.Events().Get(ctx, event.ID)
	require.NoError(t, err)
	for _, a := range got.Approvers {
		require.Equal(t, events.DecisionApproved, a.Decision, a.ID)
	}
}

func TestEventRepositoryTransitionStatus(t *testing.T) {
	repo, _ := setupPostgres(t)
	ctx := context.Background()
	seedIdentity(t, ctx, repo, "club", "Robotics Club")
	seedIdentity(t, ctx, repo, "dean", "Dean")

	event, err := repo.Events().Create(ctx, newPendingEvent("club", "dean"))
	require.NoError(t, err)
	at := time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)

	_, err = repo.Events().TransitionStatus(ctx, event.ID, events.StatusApproved, events.StatusPublished, at)
	require.ErrorIs(t, err, events.ErrConflict, "stale from status")

	_, err = repo.Events().TransitionStatus(ctx, event.ID, events.StatusPending, events.StatusPublished, at)
	require.ErrorIs(t, err, events.ErrConflict, "illegal transition")

	approved, err := repo.Events().TransitionStatus(ctx, event.ID, events.StatusPending, events.StatusApproved, at)
	require.NoError(t, err)
	require.Equal(t, events.StatusApproved, approved.Status)
	require.True(t, at.Equal(approved.UpdatedAt))

	_, err = repo.Events().TransitionStatus(ctx, event.ID, events.StatusPending, events.StatusApproved, at)
	require.ErrorIs(t, err, events.ErrConflict, "second transition loses")

	_, err = repo.Events().TransitionStatus(ctx, "missing", events.StatusPending, events.StatusApproved, at)
	require.ErrorIs(t, err, events.ErrNotFound)
}

func TestEventRepositoryUpdateFields(t *testing.T) {
	repo, _ := setupPostgres(t)
	ctx := context.Background()
	seedIdentity(t, ctx, repo, "club", "Robotics Club")
	seedIdentity(t, ctx, repo, "dean", "Dean")

	event, err := repo.Events().Create(ctx, newPendingEvent("club", "dean"))
	require.NoError(t, err)

	patch := events.Patch{
		Name:        "Spring Hackathon 2026",
		Description: "Now 36 hours",
		Date:        event.Date.Add(24 * time.Hour),
		IsSelection: true,
		Payment:     events.Payment{},
		UpdatedAt:   event.UpdatedAt.Add(time.Hour),
	}
	updated, err := repo.Events().UpdateFields(ctx, event.ID, patch)
	require.NoError(t, err)
	require.Equal(t, "Spring Hackathon 2026", updated.Name)
	require.Equal(t, "hack.png", updated.Thumbnail, "nil thumbnail keeps the stored value")
	require.False(t, updated.Payment.IsPayment)
	require.Zero(t, updated.Payment.Amount)

	thumb := "hack-v2.png"
	patch.Thumbnail = &thumb
	updated, err = repo.Events().UpdateFields(ctx, event.ID, patch)
	require.NoError(t, err)
	require.Equal(t, "hack-v2.png", updated.Thumbnail)

	_, err = repo.Events().TransitionStatus(ctx, event.ID, events.StatusPending, events.StatusRejected, time.Now())
	require.NoError(t, err)
	_, err = repo.Events().UpdateFields(ctx, event.ID, patch)
	require.ErrorIs(t, err, events.ErrConflict)
}

func TestEventRepositoryFind(t *testing.T) {
	repo, _ := setupPostgres(t)
	ctx := context.Background()
	for _, id := range []string{"club", "band", "dean", "provost"} {
		seedIdentity(t, ctx, repo, id, id)
	}

	first := newPendingEvent("club", "dean")
	second := newPendingEvent("club", "provost")
	second.CreatedAt = first.CreatedAt.Add(time.Minute)
	third := newPendingEvent("band", "dean", "provost")
	third.CreatedAt = first.CreatedAt.Add(2 * time.Minute)
	for _, e := range []*events.Event{third, second, first} {
		_, err := repo.Events().Create(ctx, e)
		require.NoError(t, err)
	}
	_, err := repo.Events().TransitionStatus(ctx, second.ID, events.StatusPending, events.StatusApproved, time.Now())
	require.NoError(t, err)

	owned, err := repo.Events().Find(ctx, events.Filter{OwnerID: "club"})
	require.NoError(t, err)
	require.Len(t, owned, 2)
	require.Equal(t, first.ID, owned[0].ID, "ordered by creation time")
	require.Equal(t, second.ID, owned[1].ID)

	assigned, err := repo.Events().Find(ctx, events.Filter{ApproverID: "provost"})
	require.NoError(t, err)
	require.Len(t, assigned, 2)
	require.Len(t, assigned[1].Approvers, 2)

	pending, err := repo.Events().Find(ctx, events.Filter{ApproverID: "provost", Statuses: []events.Status{events.StatusPending}})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, third.ID, pending[0].ID)

	none, err := repo.Events().Find(ctx, events.Filter{OwnerID: "nobody"})
	require.NoError(t, err)
	require.NotNil(t, none)
	require.Empty(t, none)
}

func TestRepositoryWithTxRollsBack(t *testing.T) {
	repo, _ := setupPostgres(t)
	ctx := context.Background()
	seedIdentity(t, ctx, repo, "club", "Robotics Club")
	seedIdentity(t, ctx, repo, "dean", "Dean")

	event := newPendingEvent("club", "dean")
	err := repo.WithTx(ctx, func(ctx context.Context, tx storage.Repository) error {
		if _, err := tx.Events().Create(ctx, event); err != nil {
			return err
		}
		return errRollback
	})
	require.ErrorIs(t, err, errRollback)

	_, err = repo.Events().Get(ctx, event.ID)
	require.ErrorIs(t, err, events.ErrNotFound)
}
