package events

import (
	"context"
	"errors"
	"time"

	"github.com/Togather-Foundation/signoff/internal/domain/identities"
)

var ErrNotFound = errors.New("event not found")

var ErrConflict = errors.New("event conflict")

type Event struct {
	ID          string
	Owner       Owner
	Name        string
	Description string
	Thumbnail   string
	Date        time.Time
	IsSelection bool
	Payment     Payment
	Approvers   []Approver
	Status      Status
	CreatedAt   time.Time
	UpdatedAt   time.Time
	// Revision starts at 1 and is bumped by every stored write.
	Revision int64
}

// Owner is the creator snapshot taken at creation time.
type Owner struct {
	ID        string
	Name      string
	Thumbnail string
}

type Payment struct {
	IsPayment bool
	Amount    float64
}

type Approver struct {
	ID        string
	Name      string
	Decision  Decision
	DecidedAt *time.Time
}

// Patch replaces the mutable descriptive fields of a pending event.
// A nil Thumbnail keeps the stored reference.
type Patch struct {
	Name        string
	Description string
	Date        time.Time
	IsSelection bool
	Payment     Payment
	Thumbnail   *string
	UpdatedAt   time.Time
}

type Filter struct {
	OwnerID    string
	ApproverID string
	Statuses   []Status
}

// Repository is the event store contract.
//
// RecordApproverDecision must update only the (event, approver) entry and only
// while its decision is still PENDING, returning ErrConflict otherwise. It
// returns the event as re-read after the write. UpdateFields and
// TransitionStatus are conditional on the current status and return
// ErrConflict when it does not match.
type Repository interface {
	Create(ctx context.Context, event *Event) (*Event, error)
	Get(ctx context.Context, id string) (*Event, error)
	UpdateFields(ctx context.Context, id string, patch Patch) (*Event, error)
	RecordApproverDecision(ctx context.Context, id string, approverID string, decision Decision, at time.Time) (*Event, error)
	TransitionStatus(ctx context.Context, id string, from Status, to Status, at time.Time) (*Event, error)
	Find(ctx context.Context, filter Filter) ([]Event, error)
}

func (e *Event) IsApproved() bool {
	return e.Status.IsApproved()
}

func (e *Event) IsPublished() bool {
	return e.Status.IsPublished()
}

// Approver returns the assigned approver entry for id.
func (e *Event) Approver(id string) (Approver, bool) {
	for _, a := range e.Approvers {
		if a.ID == id {
			return a, true
		}
	}
	return Approver{}, false
}

// Summary is the denormalized copy of the event kept on identity records.
func (e *Event) Summary() identities.Summary {
	return identities.Summary{
		ID:         e.ID,
		Name:       e.Name,
		Thumbnail:  e.Thumbnail,
		Status:     string(e.Status),
		IsApproved: e.Status.IsApproved(),
		Revision:   e.Revision,
	}
}

// Clone returns a deep copy.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	out := *e
	out.Approvers = make([]Approver, len(e.Approvers))
	for i, a := range e.Approvers {
		out.Approvers[i] = a
		if a.DecidedAt != nil {
			at := *a.DecidedAt
			out.Approvers[i].DecidedAt = &at
		}
	}
	return &out
}

// Matches reports whether e satisfies f.
func (f Filter) Matches(e *Event) bool {
	if f.OwnerID != "" && e.Owner.ID != f.OwnerID {
		return false
	}
	if f.ApproverID != "" {
		if _, ok := e.Approver(f.ApproverID); !ok {
			return false
		}
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if s == e.Status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
