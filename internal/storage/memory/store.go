// Package memory is an in-process store used by tests and STORE=memory runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Togather-Foundation/signoff/internal/domain/events"
	"github.com/Togather-Foundation/signoff/internal/domain/identities"
	"github.com/Togather-Foundation/signoff/internal/storage"
)

// Store keeps events and identities behind one lock. Every read returns a
// copy so callers never share state with the store.
type Store struct {
	mu         sync.RWMutex
	events     map[string]*events.Event
	identities map[string]*identities.Identity
}

var _ storage.Repository = (*Store)(nil)

func New() *Store {
	return &Store{
		events:     make(map[string]*events.Event),
		identities: make(map[string]*identities.Identity),
	}
}

func (s *Store) Events() events.Repository {
	return eventStore{s}
}

func (s *Store) Identities() identities.Store {
	return identityStore{s}
}

// WithTx runs fn against the same store. Individual operations are atomic;
// a multi-operation transaction is not.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context, storage.Repository) error) error {
	return fn(ctx, s)
}

func (s *Store) Ping(context.Context) error {
	return nil
}

func (s *Store) Close() {}

// PutIdentity stores a complete identity record, summaries included.
func (s *Store) PutIdentity(identity identities.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identities[identity.ID] = identity.Clone()
}

type eventStore struct {
	s *Store
}

func (r eventStore) Create(_ context.Context, event *events.Event) (*events.Event, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, exists := r.s.events[event.ID]; exists {
		return nil, events.ErrConflict
	}
	stored := event.Clone()
	stored.Revision = 1
	r.s.events[event.ID] = stored
	return stored.Clone(), nil
}

func (r eventStore) Get(_ context.Context, id string) (*events.Event, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	stored, ok := r.s.events[id]
	if !ok {
		return nil, events.ErrNotFound
	}
	return stored.Clone(), nil
}

func (r eventStore) UpdateFields(_ context.Context, id string, patch events.Patch) (*events.Event, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stored, ok := r.s.events[id]
	if !ok {
		return nil, events.ErrNotFound
	}
	if stored.Status != events.StatusPending {
		return nil, events.ErrConflict
	}
	stored.Name = patch.Name
	stored.Description = patch.Description
	stored.Date = patch.Date
	stored.IsSelection = patch.IsSelection
	stored.Payment = patch.Payment
	if patch.Thumbnail != nil {
		stored.Thumbnail = *patch.Thumbnail
	}
	stored.UpdatedAt = patch.UpdatedAt
	stored.Revision++
	return stored.Clone(), nil
}

func (r eventStore) RecordApproverDecision(_ context.Context, id string, approverID string, decision events.Decision, at time.Time) (*events.Event, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stored, ok := r.s.events[id]
	if !ok {
		return nil, events.ErrNotFound
	}
	for i := range stored.Approvers {
		if stored.Approvers[i].ID != approverID {
			continue
		}
		if stored.Approvers[i].Decision != events.DecisionPending {
			return nil, events.ErrConflict
		}
		decidedAt := at
		stored.Approvers[i].Decision = decision
		stored.Approvers[i].DecidedAt = &decidedAt
		stored.UpdatedAt = at
		stored.Revision++
		return stored.Clone(), nil
	}
	return nil, events.ErrConflict
}

func (r eventStore) TransitionStatus(_ context.Context, id string, from events.Status, to events.Status, at time.Time) (*events.Event, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stored, ok := r.s.events[id]
	if !ok {
		return nil, events.ErrNotFound
	}
	if stored.Status != from || !from.CanTransition(to) {
		return nil, events.ErrConflict
	}
	stored.Status = to
	stored.UpdatedAt = at
	stored.Revision++
	return stored.Clone(), nil
}

func (r eventStore) Find(_ context.Context, filter events.Filter) ([]events.Event, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := make([]events.Event, 0)
	for _, stored := range r.s.events {
		if filter.Matches(stored) {
			out = append(out, *stored.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

type identityStore struct {
	s *Store
}

func (r identityStore) Get(_ context.Context, id string) (*identities.Identity, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	stored, ok := r.s.identities[id]
	if !ok {
		return nil, identities.ErrNotFound
	}
	return stored.Clone(), nil
}

func (r identityStore) AppendEventCreated(_ context.Context, id string, summary identities.Summary) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stored, ok := r.s.identities[id]
	if !ok {
		return identities.ErrNotFound
	}
	stored.EventsCreated, _ = identities.AppendIfAbsent(stored.EventsCreated, summary)
	return nil
}

func (r identityStore) AppendApprovalRequested(_ context.Context, id string, summary identities.Summary) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stored, ok := r.s.identities[id]
	if !ok {
		return identities.ErrNotFound
	}
	stored.ApprovalsRequested, _ = identities.AppendIfAbsent(stored.ApprovalsRequested, summary)
	return nil
}

func (r identityStore) UpdateSummary(_ context.Context, id string, summary identities.Summary) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stored, ok := r.s.identities[id]
	if !ok {
		return identities.ErrNotFound
	}
	stored.EventsCreated = identities.ReplaceMatching(stored.EventsCreated, summary)
	stored.ApprovalsRequested = identities.ReplaceMatching(stored.ApprovalsRequested, summary)
	return nil
}

func (r identityStore) UpsertProfile(_ context.Context, identity identities.Identity) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stored, ok := r.s.identities[identity.ID]
	if !ok {
		r.s.identities[identity.ID] = &identities.Identity{
			ID:        identity.ID,
			Name:      identity.Name,
			Thumbnail: identity.Thumbnail,
			Email:     identity.Email,
		}
		return nil
	}
	stored.Name = identity.Name
	stored.Thumbnail = identity.Thumbnail
	stored.Email = identity.Email
	return nil
}
