package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Togather-Foundation/signoff/internal/domain/events"
	"github.com/Togather-Foundation/signoff/internal/domain/identities"
)

func newEvent(id string, approvers ...string) *events.Event {
	list := make([]events.Approver, len(approvers))
	for i, a := range approvers {
		list[i] = events.Approver{ID: a, Decision: events.DecisionPending}
	}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return &events.Event{
		ID:        id,
		Owner:     events.Owner{ID: "owner"},
		Name:      "Event " + id,
		Status:    events.StatusPending,
		Approvers: list,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestEventReadsAreCopies(t *testing.T) {
	store := New()
	ctx := context.Background()
	_, err := store.Events().Create(ctx, newEvent("e1", "a"))
	require.NoError(t, err)

	got, err := store.Events().Get(ctx, "e1")
	require.NoError(t, err)
	got.Approvers[0].Decision = events.DecisionApproved
	got.Name = "mutated"

	again, err := store.Events().Get(ctx, "e1")
	require.NoError(t, err)
	require.Equal(t, events.DecisionPending, again.Approvers[0].Decision)
	require.Equal(t, "Event e1", again.Name)
}

func TestCreateDuplicateIDConflicts(t *testing.T) {
	store := New()
	ctx := context.Background()
	_, err := store.Events().Create(ctx, newEvent("e1", "a"))
	require.NoError(t, err)

	_, err = store.Events().Create(ctx, newEvent("e1", "a"))

	require.ErrorIs(t, err, events.ErrConflict)
}

func TestRecordApproverDecisionIsConditional(t *testing.T) {
	store := New()
	ctx := context.Background()
	_, err := store.Events().Create(ctx, newEvent("e1", "a", "b"))
	require.NoError(t, err)

	updated, err := store.Events().RecordApproverDecision(ctx, "e1", "a", events.DecisionApproved, time.Now())
	require.NoError(t, err)
	require.Equal(t, events.DecisionApproved, updated.Approvers[0].Decision)
	require.NotNil(t, updated.Approvers[0].DecidedAt)

	_, err = store.Events().RecordApproverDecision(ctx, "e1", "a", events.DecisionRejected, time.Now())
	require.ErrorIs(t, err, events.ErrConflict)

	_, err = store.Events().RecordApproverDecision(ctx, "e1", "zed", events.DecisionApproved, time.Now())
	require.ErrorIs(t, err, events.ErrConflict)

	_, err = store.Events().RecordApproverDecision(ctx, "missing", "a", events.DecisionApproved, time.Now())
	require.ErrorIs(t, err, events.ErrNotFound)
}

func TestConcurrentDecisionsForDifferentApproversAreNotLost(t *testing.T) {
	store := New()
	ctx := context.Background()
	approvers := make([]string, 20)
	for i := range approvers {
		approvers[i] = fmt.Sprintf("a%d", i)
	}
	_, err := store.Events().Create(ctx, newEvent("e1", approvers...))
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, len(approvers))
	for _, a := range approvers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Events().RecordApproverDecision(ctx, "e1", a, events.DecisionApproved, time.Now())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := store.Events().Get(ctx, "e1")
	require.NoError(t, err)
	require.Equal(t, events.StatusApproved, events.Aggregate(got.Approvers))
}

func TestTransitionStatusIsConditional(t *testing.T) {
	store := New()
	ctx := context.Background()
	_, err := store.Events().Create(ctx, newEvent("e1", "a"))
	require.NoError(t, err)

	_, err = store.Events().TransitionStatus(ctx, "e1", events.StatusApproved, events.StatusPublished, time.Now())
	require.ErrorIs(t, err, events.ErrConflict)

	_, err = store.Events().TransitionStatus(ctx, "e1", events.StatusPending, events.StatusPublished, time.Now())
	require.ErrorIs(t, err, events.ErrConflict)

	moved, err := store.Events().TransitionStatus(ctx, "e1", events.StatusPending, events.StatusApproved, time.Now())
	require.NoError(t, err)
	require.Equal(t, events.StatusApproved, moved.Status)
}

func TestUpdateFieldsOnlyWhilePending(t *testing.T) {
	store := New()
	ctx := context.Background()
	created := newEvent("e1", "a")
	created.Thumbnail = "old.png"
	_, err := store.Events().Create(ctx, created)
	require.NoError(t, err)

	updated, err := store.Events().UpdateFields(ctx, "e1", events.Patch{Name: "renamed", Description: "d"})
	require.NoError(t, err)
	require.Equal(t, "renamed", updated.Name)
	require.Equal(t, "old.png", updated.Thumbnail)

	_, err = store.Events().TransitionStatus(ctx, "e1", events.StatusPending, events.StatusRejected, time.Now())
	require.NoError(t, err)

	_, err = store.Events().UpdateFields(ctx, "e1", events.Patch{Name: "again"})
	require.ErrorIs(t, err, events.ErrConflict)
}

func TestFindFilters(t *testing.T) {
	store := New()
	ctx := context.Background()
	_, err := store.Events().Create(ctx, newEvent("e1", "a"))
	require.NoError(t, err)
	other := newEvent("e2", "b")
	other.Owner.ID = "someone-else"
	_, err = store.Events().Create(ctx, other)
	require.NoError(t, err)

	byOwner, err := store.Events().Find(ctx, events.Filter{OwnerID: "owner"})
	require.NoError(t, err)
	require.Len(t, byOwner, 1)
	require.Equal(t, "e1", byOwner[0].ID)

	byApprover, err := store.Events().Find(ctx, events.Filter{ApproverID: "b"})
	require.NoError(t, err)
	require.Len(t, byApprover, 1)
	require.Equal(t, "e2", byApprover[0].ID)

	none, err := store.Events().Find(ctx, events.Filter{Statuses: []events.Status{events.StatusPublished}})
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestSummaryAppendsAreIdempotent(t *testing.T) {
	store := New()
	ctx := context.Background()
	store.PutIdentity(identities.Identity{ID: "club", Name: "Club"})
	summary := identities.Summary{ID: "e1", Name: "Event", Status: "PENDING"}

	for i := 0; i < 3; i++ {
		require.NoError(t, store.Identities().AppendEventCreated(ctx, "club", summary))
		require.NoError(t, store.Identities().AppendApprovalRequested(ctx, "club", summary))
	}

	club, err := store.Identities().Get(ctx, "club")
	require.NoError(t, err)
	require.Len(t, club.EventsCreated, 1)
	require.Len(t, club.ApprovalsRequested, 1)
}

func TestUpdateSummaryRewritesMatchingEntries(t *testing.T) {
	store := New()
	ctx := context.Background()
	store.PutIdentity(identities.Identity{
		ID:                 "club",
		EventsCreated:      []identities.Summary{{ID: "e1", Status: "PENDING"}, {ID: "e2", Status: "PENDING"}},
		ApprovalsRequested: []identities.Summary{{ID: "e1", Status: "PENDING"}},
	})

	err := store.Identities().UpdateSummary(ctx, "club", identities.Summary{ID: "e1", Name: "renamed", Status: "APPROVED", IsApproved: true})
	require.NoError(t, err)
	require.NoError(t, store.Identities().UpdateSummary(ctx, "club", identities.Summary{ID: "e9", Status: "APPROVED"}))

	club, err := store.Identities().Get(ctx, "club")
	require.NoError(t, err)
	require.Equal(t, "APPROVED", club.EventsCreated[0].Status)
	require.Equal(t, "PENDING", club.EventsCreated[1].Status)
	require.Equal(t, "renamed", club.ApprovalsRequested[0].Name)
	require.True(t, club.ApprovalsRequested[0].IsApproved)
	require.Len(t, club.EventsCreated, 2)

	require.ErrorIs(t, store.Identities().UpdateSummary(ctx, "ghost", identities.Summary{ID: "e1"}), identities.ErrNotFound)
}

func TestUpdateSummaryKeepsNewerRevision(t *testing.T) {
	store := New()
	ctx := context.Background()
	store.PutIdentity(identities.Identity{
		ID:            "club",
		EventsCreated: []identities.Summary{{ID: "e1", Status: "APPROVED", IsApproved: true, Revision: 3}},
	})

	require.NoError(t, store.Identities().UpdateSummary(ctx, "club", identities.Summary{ID: "e1", Status: "PENDING", Revision: 2}))

	club, err := store.Identities().Get(ctx, "club")
	require.NoError(t, err)
	require.Equal(t, "APPROVED", club.EventsCreated[0].Status)
	require.EqualValues(t, 3, club.EventsCreated[0].Revision)
}

func TestUpsertProfileKeepsSummaries(t *testing.T) {
	store := New()
	ctx := context.Background()
	store.PutIdentity(identities.Identity{ID: "club", Name: "Old", EventsCreated: []identities.Summary{{ID: "e1"}}})

	require.NoError(t, store.Identities().UpsertProfile(ctx, identities.Identity{ID: "club", Name: "New", Email: "club@example.org"}))
	require.NoError(t, store.Identities().UpsertProfile(ctx, identities.Identity{ID: "fresh", Name: "Fresh"}))

	club, err := store.Identities().Get(ctx, "club")
	require.NoError(t, err)
	require.Equal(t, "New", club.Name)
	require.Equal(t, "club@example.org", club.Email)
	require.Len(t, club.EventsCreated, 1)

	fresh, err := store.Identities().Get(ctx, "fresh")
	require.NoError(t, err)
	require.Empty(t, fresh.EventsCreated)
}
