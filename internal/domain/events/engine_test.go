package events_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Togather-Foundation/signoff/internal/domain/events"
	"github.com/Togather-Foundation/signoff/internal/domain/identities"
	"github.com/Togather-Foundation/signoff/internal/notifications"
	"github.com/Togather-Foundation/signoff/internal/storage/memory"
)

type recordingNotifier struct {
	mu      sync.Mutex
	fail    map[string]error
	notices []events.ApprovalNotice
}

func (n *recordingNotifier) NotifyApprover(_ context.Context, notice events.ApprovalNotice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.fail[notice.ApproverID]; err != nil {
		return err
	}
	n.notices = append(n.notices, notice)
	return nil
}

func (n *recordingNotifier) sentTo() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.notices))
	for _, notice := range n.notices {
		out = append(out, notice.ApproverID)
	}
	return out
}

type recordingRepairs struct {
	mu            sync.Mutex
	propagations  []string
	notifications []string
}

func (r *recordingRepairs) EnqueuePropagation(_ context.Context, eventID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.propagations = append(r.propagations, eventID)
	return nil
}

func (r *recordingRepairs) EnqueueNotification(_ context.Context, eventID string, approverID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifications = append(r.notifications, eventID+"/"+approverID)
	return nil
}

type recordingListener struct {
	mu      sync.Mutex
	changes []events.StatusChange
}

func (l *recordingListener) StatusChanged(_ context.Context, change events.StatusChange) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.changes = append(l.changes, change)
	return nil
}

// flakyIdentities fails summary writes for selected identities until healed.
type flakyIdentities struct {
	identities.Repository
	mu     sync.Mutex
	broken map[string]bool
}

func (f *flakyIdentities) isBroken(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.broken[id]
}

func (f *flakyIdentities) heal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broken = map[string]bool{}
}

func (f *flakyIdentities) AppendEventCreated(ctx context.Context, id string, s identities.Summary) error {
	if f.isBroken(id) {
		return fmt.Errorf("identity store unavailable for %s", id)
	}
	return f.Repository.AppendEventCreated(ctx, id, s)
}

func (f *flakyIdentities) AppendApprovalRequested(ctx context.Context, id string, s identities.Summary) error {
	if f.isBroken(id) {
		return fmt.Errorf("identity store unavailable for %s", id)
	}
	return f.Repository.AppendApprovalRequested(ctx, id, s)
}

func (f *flakyIdentities) UpdateSummary(ctx context.Context, id string, s identities.Summary) error {
	if f.isBroken(id) {
		return fmt.Errorf("identity store unavailable for %s", id)
	}
	return f.Repository.UpdateSummary(ctx, id, s)
}

// stallingIdentities parks one PENDING summary update for target once armed,
// until release is closed.
type stallingIdentities struct {
	identities.Repository
	target  string
	mu      sync.Mutex
	armed   bool
	reached chan struct{}
	release chan struct{}
}

func (s *stallingIdentities) arm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armed = true
}

func (s *stallingIdentities) UpdateSummary(ctx context.Context, id string, summary identities.Summary) error {
	s.mu.Lock()
	stall := s.armed && id == s.target && summary.Status == string(events.StatusPending)
	if stall {
		s.armed = false
	}
	s.mu.Unlock()
	if stall {
		close(s.reached)
		<-s.release
	}
	return s.Repository.UpdateSummary(ctx, id, summary)
}

type harness struct {
	store    *memory.Store
	engine   *events.Engine
	notifier *recordingNotifier
	repairs  *recordingRepairs
	listener *recordingListener
}

func newHarness(t *testing.T, opts ...events.Option) *harness {
	t.Helper()
	store := memory.New()
	seedIdentities(store, "club", "alice", "bob", "carol")
	return newHarnessWith(t, store, store.Identities(), opts...)
}

func newHarnessWith(t *testing.T, store *memory.Store, idRepo identities.Repository, opts ...events.Option) *harness {
	t.Helper()
	h := &harness{
		store:    store,
		notifier: &recordingNotifier{fail: map[string]error{}},
		repairs:  &recordingRepairs{},
		listener: &recordingListener{},
	}
	base := []events.Option{
		events.WithRepairQueue(h.repairs),
		events.WithStatusListener(h.listener),
		events.WithClock(func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }),
	}
	h.engine = events.NewEngine(store.Events(), idRepo, h.notifier, append(base, opts...)...)
	return h
}

func seedIdentities(store *memory.Store, names ...string) {
	for _, name := range names {
		store.PutIdentity(identities.Identity{
			ID:    name,
			Name:  "Name of " + name,
			Email: name + "@example.org",
		})
	}
}

func createInput(approvers ...string) events.CreateInput {
	return events.CreateInput{
		OwnerID:     "club",
		Name:        "Spring Hackathon",
		Description: "48 hours of building",
		Thumbnail:   "https://cdn.example.org/hack.png",
		Date:        time.Date(2026, 4, 10, 9, 0, 0, 0, time.UTC),
		ApproverIDs: approvers,
	}
}

func (h *harness) identity(t *testing.T, id string) *identities.Identity {
	t.Helper()
	ident, err := h.store.Identities().Get(context.Background(), id)
	require.NoError(t, err)
	return ident
}

func (h *harness) requireSummaries(t *testing.T, event *events.Event) {
	t.Helper()
	owner := h.identity(t, event.Owner.ID)
	require.Equal(t, 1, identities.CountEntries(owner.EventsCreated, event.ID))
	entry, ok := owner.EventCreated(event.ID)
	require.True(t, ok)
	require.Equal(t, string(event.Status), entry.Status)
	require.Equal(t, event.IsApproved(), entry.IsApproved)

	for _, a := range event.Approvers {
		approver := h.identity(t, a.ID)
		require.Equal(t, 1, identities.CountEntries(approver.ApprovalsRequested, event.ID), "approver %s", a.ID)
		entry, ok := approver.ApprovalRequested(event.ID)
		require.True(t, ok)
		require.Equal(t, string(event.Status), entry.Status, "approver %s", a.ID)
		require.Equal(t, event.IsApproved(), entry.IsApproved)
	}
}

func TestCreateFansOutToOwnerAndApprovers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	result, err := h.engine.Create(ctx, createInput("alice", "bob"))

	require.NoError(t, err)
	require.True(t, result.Report.OK())
	require.Equal(t, 5, result.Report.Attempted)

	event := result.Event
	require.NotEmpty(t, event.ID)
	require.Equal(t, events.StatusPending, event.Status)
	require.Equal(t, events.Owner{ID: "club", Name: "Name of club"}, event.Owner)
	require.Len(t, event.Approvers, 2)
	for _, a := range event.Approvers {
		require.Equal(t, events.DecisionPending, a.Decision)
		require.Nil(t, a.DecidedAt)
	}
	require.Equal(t, "alice", event.Approvers[0].ID)
	require.Equal(t, "Name of alice", event.Approvers[0].Name)

	h.requireSummaries(t, event)
	require.ElementsMatch(t, []string{"alice", "bob"}, h.notifier.sentTo())
	require.Empty(t, h.repairs.propagations)
	require.Empty(t, h.repairs.notifications)
}

func TestCreateNoticeCarriesEventAndOrganizer(t *testing.T) {
	h := newHarness(t)

	result, err := h.engine.Create(context.Background(), createInput("alice"))
	require.NoError(t, err)

	require.Len(t, h.notifier.notices, 1)
	notice := h.notifier.notices[0]
	require.Equal(t, result.Event.ID, notice.EventID)
	require.Equal(t, "Spring Hackathon", notice.EventName)
	require.Equal(t, "Name of club", notice.OwnerName)
	require.Equal(t, "alice@example.org", notice.Recipient)
}

func TestCreateForcesAmountToZeroWithoutPayment(t *testing.T) {
	h := newHarness(t)
	in := createInput("alice")
	in.Payment = events.Payment{IsPayment: false, Amount: 250}

	result, err := h.engine.Create(context.Background(), in)

	require.NoError(t, err)
	require.Equal(t, events.Payment{}, result.Event.Payment)
}

func TestCreateValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*events.CreateInput)
		field  string
	}{
		{"empty approvers", func(in *events.CreateInput) { in.ApproverIDs = nil }, "approvers"},
		{"blank approver", func(in *events.CreateInput) { in.ApproverIDs = []string{"alice", " "} }, "approvers"},
		{"duplicate approver", func(in *events.CreateInput) { in.ApproverIDs = []string{"alice", "alice"} }, "approvers"},
		{"unknown approver", func(in *events.CreateInput) { in.ApproverIDs = []string{"alice", "mallory"} }, "approvers"},
		{"missing name", func(in *events.CreateInput) { in.Name = "  " }, "name"},
		{"missing description", func(in *events.CreateInput) { in.Description = "" }, "description"},
		{"markup-only name", func(in *events.CreateInput) { in.Name = "<script>alert(1)</script>" }, "name"},
		{"relative thumbnail", func(in *events.CreateInput) { in.Thumbnail = "poster.png" }, "thumbnail"},
		{"non-http thumbnail", func(in *events.CreateInput) { in.Thumbnail = "ftp://files.example.org/p.png" }, "thumbnail"},
		{"missing date", func(in *events.CreateInput) { in.Date = time.Time{} }, "date"},
		{"negative amount", func(in *events.CreateInput) { in.Payment = events.Payment{IsPayment: true, Amount: -1} }, "amount"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			in := createInput("alice", "bob")
			tt.mutate(&in)

			_, err := h.engine.Create(context.Background(), in)

			require.ErrorIs(t, err, events.ErrValidation)
			var verr events.ValidationError
			require.True(t, errors.As(err, &verr))
			require.Equal(t, tt.field, verr.Field)

			found, err := h.store.Events().Find(context.Background(), events.Filter{})
			require.NoError(t, err)
			require.Empty(t, found)
			require.Empty(t, h.identity(t, "club").EventsCreated)
			require.Empty(t, h.notifier.sentTo())
		})
	}
}

func TestCreateUnknownOwnerIsNotFound(t *testing.T) {
	h := newHarness(t)
	in := createInput("alice")
	in.OwnerID = "ghost"

	_, err := h.engine.Create(context.Background(), in)

	require.ErrorIs(t, err, events.ErrNotFound)
}

func TestCreateReportsNotificationFailureAndStillCreates(t *testing.T) {
	h := newHarness(t)
	h.notifier.fail["bob"] = errors.New("smtp 451")

	result, err := h.engine.Create(context.Background(), createInput("alice", "bob"))

	require.NoError(t, err)
	require.NotNil(t, result.Event)
	require.False(t, result.Report.OK())
	require.Len(t, result.Report.Failures, 1)
	require.Equal(t, events.FanoutNotification, result.Report.Failures[0].Kind)
	require.Equal(t, "bob", result.Report.Failures[0].Target)

	h.requireSummaries(t, result.Event)
	require.Equal(t, []string{"alice"}, h.notifier.sentTo())
	require.Equal(t, []string{result.Event.ID + "/bob"}, h.repairs.notifications)
	require.Empty(t, h.repairs.propagations)
}

func TestCreateSummaryFailureIsReportedAndRepairedByPropagate(t *testing.T) {
	store := memory.New()
	seedIdentities(store, "club", "alice", "bob")
	flaky := &flakyIdentities{Repository: store.Identities(), broken: map[string]bool{"bob": true}}
	h := newHarnessWith(t, store, flaky)
	ctx := context.Background()

	result, err := h.engine.Create(ctx, createInput("alice", "bob"))

	require.NoError(t, err)
	require.Equal(t, []string{"bob"}, result.Report.FailedTargets(events.FanoutApprovalRequested))
	require.Equal(t, []string{result.Event.ID}, h.repairs.propagations)
	require.ElementsMatch(t, []string{"alice", "bob"}, h.notifier.sentTo())
	require.Empty(t, h.identity(t, "bob").ApprovalsRequested)

	flaky.heal()
	repaired, err := h.engine.Propagate(ctx, result.Event.ID)

	require.NoError(t, err)
	require.True(t, repaired.Report.OK())
	h.requireSummaries(t, repaired.Event)
}

func TestDecideUnanimousApproval(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created, err := h.engine.Create(ctx, createInput("alice", "bob"))
	require.NoError(t, err)
	id := created.Event.ID

	first, err := h.engine.Decide(ctx, id, "alice", events.DecisionApproved)

	require.NoError(t, err)
	require.False(t, first.Changed)
	require.Equal(t, events.StatusPending, first.Event.Status)
	require.False(t, first.Event.IsApproved())
	alice, _ := first.Event.Approver("alice")
	require.Equal(t, events.DecisionApproved, alice.Decision)
	require.NotNil(t, alice.DecidedAt)
	h.requireSummaries(t, first.Event)

	second, err := h.engine.Decide(ctx, id, "bob", events.DecisionApproved)

	require.NoError(t, err)
	require.True(t, second.Changed)
	require.True(t, second.Report.OK())
	require.Equal(t, events.StatusApproved, second.Event.Status)
	require.True(t, second.Event.IsApproved())
	h.requireSummaries(t, second.Event)

	require.Len(t, h.listener.changes, 1)
	require.Equal(t, events.StatusPending, h.listener.changes[0].From)
	require.Equal(t, events.StatusApproved, h.listener.changes[0].To)
	require.Equal(t, id, h.listener.changes[0].EventID)
}

func TestDecideFirstRejectionWins(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created, err := h.engine.Create(ctx, createInput("alice", "bob"))
	require.NoError(t, err)
	id := created.Event.ID

	rejected, err := h.engine.Decide(ctx, id, "alice", events.DecisionRejected)

	require.NoError(t, err)
	require.True(t, rejected.Changed)
	require.Equal(t, events.StatusRejected, rejected.Event.Status)
	h.requireSummaries(t, rejected.Event)

	late, err := h.engine.Decide(ctx, id, "bob", events.DecisionApproved)

	require.NoError(t, err)
	require.False(t, late.Changed)
	require.Equal(t, events.StatusRejected, late.Event.Status)
	bob, _ := late.Event.Approver("bob")
	require.Equal(t, events.DecisionApproved, bob.Decision)
	h.requireSummaries(t, late.Event)
	require.Len(t, h.listener.changes, 1)
}

func TestDecideTwiceIsConflict(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created, err := h.engine.Create(ctx, createInput("alice", "bob"))
	require.NoError(t, err)

	_, err = h.engine.Decide(ctx, created.Event.ID, "alice", events.DecisionApproved)
	require.NoError(t, err)

	_, err = h.engine.Decide(ctx, created.Event.ID, "alice", events.DecisionRejected)

	require.ErrorIs(t, err, events.ErrConflict)
	stored, err := h.engine.Get(ctx, created.Event.ID)
	require.NoError(t, err)
	alice, _ := stored.Approver("alice")
	require.Equal(t, events.DecisionApproved, alice.Decision)
}

func TestDecideErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created, err := h.engine.Create(ctx, createInput("alice"))
	require.NoError(t, err)

	_, err = h.engine.Decide(ctx, "missing", "alice", events.DecisionApproved)
	require.ErrorIs(t, err, events.ErrNotFound)

	_, err = h.engine.Decide(ctx, created.Event.ID, "carol", events.DecisionApproved)
	require.ErrorIs(t, err, events.ErrConflict)

	_, err = h.engine.Decide(ctx, created.Event.ID, "alice", events.DecisionPending)
	require.ErrorIs(t, err, events.ErrValidation)
}

func TestConcurrentDecisionsOnSameEventAreAllRecorded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	approvers := []string{"alice", "bob", "carol"}
	created, err := h.engine.Create(ctx, createInput(approvers...))
	require.NoError(t, err)

	var wg sync.WaitGroup
	changed := make(chan bool, len(approvers))
	for _, a := range approvers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := h.engine.Decide(ctx, created.Event.ID, a, events.DecisionApproved)
			if err == nil {
				changed <- result.Changed
			}
		}()
	}
	wg.Wait()
	close(changed)

	transitions := 0
	for c := range changed {
		if c {
			transitions++
		}
	}
	require.Equal(t, 1, transitions)

	stored, err := h.engine.Get(ctx, created.Event.ID)
	require.NoError(t, err)
	require.Equal(t, events.StatusApproved, stored.Status)
	for _, a := range stored.Approvers {
		require.Equal(t, events.DecisionApproved, a.Decision)
	}
	h.requireSummaries(t, stored)
}

func TestPropagateSettlesStatusLeftBehind(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created, err := h.engine.Create(ctx, createInput("alice"))
	require.NoError(t, err)

	// Decision committed without the follow-up transition.
	_, err = h.store.Events().RecordApproverDecision(ctx, created.Event.ID, "alice", events.DecisionApproved, time.Now())
	require.NoError(t, err)

	result, err := h.engine.Propagate(ctx, created.Event.ID)

	require.NoError(t, err)
	require.True(t, result.Changed)
	require.Equal(t, events.StatusApproved, result.Event.Status)
	h.requireSummaries(t, result.Event)

	again, err := h.engine.Propagate(ctx, created.Event.ID)

	require.NoError(t, err)
	require.False(t, again.Changed)
	h.requireSummaries(t, again.Event)
}

func TestEditPendingEvent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created, err := h.engine.Create(ctx, createInput("alice"))
	require.NoError(t, err)

	result, err := h.engine.Edit(ctx, created.Event.ID, events.EditInput{
		Name:        "Autumn Hackathon",
		Description: "Now in autumn",
		Date:        time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC),
		Payment:     events.Payment{IsPayment: true, Amount: 15},
	})

	require.NoError(t, err)
	require.True(t, result.Report.OK())
	require.Equal(t, "Autumn Hackathon", result.Event.Name)
	require.Equal(t, "https://cdn.example.org/hack.png", result.Event.Thumbnail)
	require.Equal(t, 15.0, result.Event.Payment.Amount)
	require.Len(t, result.Event.Approvers, 1)
	require.Equal(t, events.DecisionPending, result.Event.Approvers[0].Decision)

	entry, ok := h.identity(t, "alice").ApprovalRequested(created.Event.ID)
	require.True(t, ok)
	require.Equal(t, "Autumn Hackathon", entry.Name)
}

func TestLateEditSummaryDoesNotOverwriteNewerStatus(t *testing.T) {
	store := memory.New()
	seedIdentities(store, "club", "alice")
	stalling := &stallingIdentities{
		Repository: store.Identities(),
		target:     "club",
		reached:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	h := newHarnessWith(t, store, stalling)
	ctx := context.Background()

	created, err := h.engine.Create(ctx, createInput("alice"))
	require.NoError(t, err)
	stalling.arm()

	edited := make(chan *events.Result, 1)
	go func() {
		result, err := h.engine.Edit(ctx, created.Event.ID, events.EditInput{
			Name:        "Renamed Hackathon",
			Description: "Still 48 hours",
			Date:        time.Date(2026, 4, 11, 9, 0, 0, 0, time.UTC),
		})
		if err != nil {
			t.Errorf("edit: %v", err)
		}
		edited <- result
	}()
	<-stalling.reached

	decided, err := h.engine.Decide(ctx, created.Event.ID, "alice", events.DecisionApproved)
	require.NoError(t, err)
	require.Equal(t, events.StatusApproved, decided.Event.Status)
	require.True(t, decided.Report.OK())

	close(stalling.release)
	result := <-edited
	require.NotNil(t, result)
	require.True(t, result.Report.OK())

	latest, err := h.engine.Get(ctx, created.Event.ID)
	require.NoError(t, err)
	require.Equal(t, events.StatusApproved, latest.Status)
	h.requireSummaries(t, latest)

	entry, ok := h.identity(t, "club").EventCreated(created.Event.ID)
	require.True(t, ok)
	require.Equal(t, latest.Revision, entry.Revision)
	require.Equal(t, "Renamed Hackathon", entry.Name)
}

func TestRevisionAdvancesOnEveryWrite(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	created, err := h.engine.Create(ctx, createInput("alice"))
	require.NoError(t, err)
	require.EqualValues(t, 1, created.Event.Revision)

	edited, err := h.engine.Edit(ctx, created.Event.ID, events.EditInput{
		Name:        "Renamed",
		Description: "desc",
		Date:        time.Date(2026, 4, 11, 9, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Greater(t, edited.Event.Revision, created.Event.Revision)

	decided, err := h.engine.Decide(ctx, created.Event.ID, "alice", events.DecisionApproved)
	require.NoError(t, err)
	require.Greater(t, decided.Event.Revision, edited.Event.Revision)
}

func TestEditReplacesThumbnailWhenProvided(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created, err := h.engine.Create(ctx, createInput("alice"))
	require.NoError(t, err)

	thumb := "https://cdn.example.org/new.png"
	result, err := h.engine.Edit(ctx, created.Event.ID, events.EditInput{
		Name:        "Spring Hackathon",
		Description: "48 hours of building",
		Date:        created.Event.Date,
		Thumbnail:   &thumb,
	})

	require.NoError(t, err)
	require.Equal(t, thumb, result.Event.Thumbnail)
	entry, _ := h.identity(t, "club").EventCreated(created.Event.ID)
	require.Equal(t, thumb, entry.Thumbnail)
}

func TestCreateStripsMarkup(t *testing.T) {
	h := newHarness(t)
	in := createInput("alice")
	in.Name = "<b>Spring</b> Hackathon"
	in.Description = `<p onclick="x()">Bring a <em>laptop</em></p><script>steal()</script>`

	result, err := h.engine.Create(context.Background(), in)

	require.NoError(t, err)
	require.Equal(t, "Spring Hackathon", result.Event.Name)
	require.Equal(t, "<p>Bring a <em>laptop</em></p>", result.Event.Description)
	entry, _ := h.identity(t, "club").EventCreated(result.Event.ID)
	require.Equal(t, "Spring Hackathon", entry.Name)
}

func TestEditNonPendingIsConflict(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created, err := h.engine.Create(ctx, createInput("alice"))
	require.NoError(t, err)
	_, err = h.engine.Decide(ctx, created.Event.ID, "alice", events.DecisionApproved)
	require.NoError(t, err)

	_, err = h.engine.Edit(ctx, created.Event.ID, events.EditInput{
		Name:        "Changed",
		Description: "Changed",
		Date:        created.Event.Date,
	})

	require.ErrorIs(t, err, events.ErrConflict)
	stored, err := h.engine.Get(ctx, created.Event.ID)
	require.NoError(t, err)
	require.Equal(t, "Spring Hackathon", stored.Name)
}

func TestEditRejectsBlankThumbnail(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created, err := h.engine.Create(ctx, createInput("alice"))
	require.NoError(t, err)

	blank := " "
	_, err = h.engine.Edit(ctx, created.Event.ID, events.EditInput{
		Name:        "Spring Hackathon",
		Description: "48 hours of building",
		Date:        created.Event.Date,
		Thumbnail:   &blank,
	})

	require.ErrorIs(t, err, events.ErrValidation)
	stored, err := h.engine.Get(ctx, created.Event.ID)
	require.NoError(t, err)
	require.Equal(t, "https://cdn.example.org/hack.png", stored.Thumbnail)
}

func TestPublishRequiresApproval(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created, err := h.engine.Create(ctx, createInput("alice"))
	require.NoError(t, err)

	_, err = h.engine.Publish(ctx, created.Event.ID)
	require.ErrorIs(t, err, events.ErrConflict)

	_, err = h.engine.Decide(ctx, created.Event.ID, "alice", events.DecisionApproved)
	require.NoError(t, err)

	published, err := h.engine.Publish(ctx, created.Event.ID)

	require.NoError(t, err)
	require.True(t, published.Changed)
	require.Equal(t, events.StatusPublished, published.Event.Status)
	require.True(t, published.Event.IsApproved())
	require.True(t, published.Event.IsPublished())
	h.requireSummaries(t, published.Event)

	_, err = h.engine.Publish(ctx, created.Event.ID)
	require.ErrorIs(t, err, events.ErrConflict)
}

func TestPublishRejectedIsConflict(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created, err := h.engine.Create(ctx, createInput("alice"))
	require.NoError(t, err)
	_, err = h.engine.Decide(ctx, created.Event.ID, "alice", events.DecisionRejected)
	require.NoError(t, err)

	_, err = h.engine.Publish(ctx, created.Event.ID)

	require.ErrorIs(t, err, events.ErrConflict)
}

func TestListByOwnerPartitions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	pending, err := h.engine.Create(ctx, createInput("alice"))
	require.NoError(t, err)
	approved, err := h.engine.Create(ctx, createInput("alice"))
	require.NoError(t, err)
	published, err := h.engine.Create(ctx, createInput("alice"))
	require.NoError(t, err)
	rejected, err := h.engine.Create(ctx, createInput("alice"))
	require.NoError(t, err)

	_, err = h.engine.Decide(ctx, approved.Event.ID, "alice", events.DecisionApproved)
	require.NoError(t, err)
	_, err = h.engine.Decide(ctx, published.Event.ID, "alice", events.DecisionApproved)
	require.NoError(t, err)
	_, err = h.engine.Publish(ctx, published.Event.ID)
	require.NoError(t, err)
	_, err = h.engine.Decide(ctx, rejected.Event.ID, "alice", events.DecisionRejected)
	require.NoError(t, err)

	listing, err := h.engine.ListByOwner(ctx, "club")

	require.NoError(t, err)
	require.Equal(t, 4, listing.Len())
	require.Equal(t, []string{published.Event.ID}, eventIDs(listing.Published))
	require.Equal(t, []string{approved.Event.ID}, eventIDs(listing.Approved))
	require.ElementsMatch(t, []string{pending.Event.ID, rejected.Event.ID}, eventIDs(listing.ApprovalPending))

	other, err := h.engine.ListByOwner(ctx, "alice")
	require.NoError(t, err)
	require.Zero(t, other.Len())
}

func TestListForApprover(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first, err := h.engine.Create(ctx, createInput("alice", "bob"))
	require.NoError(t, err)
	_, err = h.engine.Create(ctx, createInput("bob"))
	require.NoError(t, err)

	assigned, err := h.engine.ListForApprover(ctx, "alice")

	require.NoError(t, err)
	require.Equal(t, []string{first.Event.ID}, eventIDs(assigned))

	bobs, err := h.engine.ListForApprover(ctx, "bob", events.StatusPending)
	require.NoError(t, err)
	require.Len(t, bobs, 2)

	none, err := h.engine.ListForApprover(ctx, "bob", events.StatusApproved)
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestGetMissingEvent(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.Get(context.Background(), "nope")

	require.ErrorIs(t, err, events.ErrNotFound)
}

func TestResendNotification(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.notifier.fail["bob"] = errors.New("mailbox full")
	created, err := h.engine.Create(ctx, createInput("alice", "bob"))
	require.NoError(t, err)

	err = h.engine.ResendNotification(ctx, created.Event.ID, "bob")
	require.ErrorIs(t, err, events.ErrDependency)

	delete(h.notifier.fail, "bob")
	require.NoError(t, h.engine.ResendNotification(ctx, created.Event.ID, "bob"))
	require.ElementsMatch(t, []string{"alice", "bob"}, h.notifier.sentTo())
	require.True(t, h.notifier.notices[len(h.notifier.notices)-1].Reminder)

	_, err = h.engine.Decide(ctx, created.Event.ID, "alice", events.DecisionApproved)
	require.NoError(t, err)
	err = h.engine.ResendNotification(ctx, created.Event.ID, "alice")
	require.ErrorIs(t, err, events.ErrConflict, "approver already decided")
	require.Len(t, h.notifier.sentTo(), 2)

	err = h.engine.ResendNotification(ctx, created.Event.ID, "carol")
	require.ErrorIs(t, err, events.ErrConflict, "not an approver")
}

func TestResendNotificationAfterOutcomeIsConflict(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created, err := h.engine.Create(ctx, createInput("alice", "bob"))
	require.NoError(t, err)
	_, err = h.engine.Decide(ctx, created.Event.ID, "alice", events.DecisionRejected)
	require.NoError(t, err)

	err = h.engine.ResendNotification(ctx, created.Event.ID, "bob")

	require.ErrorIs(t, err, events.ErrConflict, "bob never decided but the event is REJECTED")
	require.Len(t, h.notifier.sentTo(), 2)
}

func TestRetryNotificationResendsOriginalRequest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.notifier.fail["bob"] = errors.New("mailbox full")
	created, err := h.engine.Create(ctx, createInput("alice", "bob"))
	require.NoError(t, err)
	delete(h.notifier.fail, "bob")

	require.NoError(t, h.engine.RetryNotification(ctx, created.Event.ID, "bob"))

	require.ElementsMatch(t, []string{"alice", "bob"}, h.notifier.sentTo())
	require.False(t, h.notifier.notices[len(h.notifier.notices)-1].Reminder)
}

func TestReminderIsDeliveredThroughDispatcher(t *testing.T) {
	store := memory.New()
	seedIdentities(store, "club", "alice")
	gateway := &countingGateway{}
	engine := events.NewEngine(store.Events(), store.Identities(),
		notifications.NewDispatcher(gateway, notifications.NewMemoryLedger()))
	ctx := context.Background()

	created, err := engine.Create(ctx, createInput("alice"))
	require.NoError(t, err)
	require.True(t, created.Report.OK())
	require.Equal(t, 1, gateway.count())

	require.NoError(t, engine.RetryNotification(ctx, created.Event.ID, "alice"))
	require.Equal(t, 1, gateway.count(), "retry of a delivered request is suppressed")

	require.NoError(t, engine.ResendNotification(ctx, created.Event.ID, "alice"))
	require.Equal(t, 2, gateway.count(), "reminder reaches the gateway")
}

type countingGateway struct {
	mu   sync.Mutex
	sent int
}

func (g *countingGateway) Notify(context.Context, string, string, string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent++
	return nil
}

func (g *countingGateway) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sent
}

func eventIDs(list []events.Event) []string {
	out := make([]string, 0, len(list))
	for _, e := range list {
		out = append(out, e.ID)
	}
	return out
}
