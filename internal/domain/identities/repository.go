package identities

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("identity not found")

// Identity is a user or organization record. EventsCreated and
// ApprovalsRequested are read-optimized copies of event state; the event
// record stays authoritative and only the approval engine writes them.
type Identity struct {
	ID                 string
	Name               string
	Thumbnail          string
	Email              string
	EventsCreated      []Summary
	ApprovalsRequested []Summary
}

// Summary is the lightweight event entry cached on an identity record.
type Summary struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Thumbnail  string `json:"thumbnail"`
	Status     string `json:"status"`
	IsApproved bool   `json:"isApproved"`
	// Revision is the event revision the entry was derived from.
	Revision int64 `json:"revision,omitempty"`
}

// Repository is the identity store contract consumed by the approval engine.
//
// Append operations are append-if-absent keyed by Summary.ID so a retried
// fan-out never produces a second entry for the same event. UpdateSummary
// rewrites every entry matching Summary.ID in both lists unless the stored
// entry carries a newer Revision, and is a no-op when no entry matches.
type Repository interface {
	Get(ctx context.Context, id string) (*Identity, error)
	AppendEventCreated(ctx context.Context, id string, summary Summary) error
	AppendApprovalRequested(ctx context.Context, id string, summary Summary) error
	UpdateSummary(ctx context.Context, id string, summary Summary) error
}

// EventCreated returns the eventsCreated entry for eventID.
func (i *Identity) EventCreated(eventID string) (Summary, bool) {
	return findSummary(i.EventsCreated, eventID)
}

// ApprovalRequested returns the approvalsRequested entry for eventID.
func (i *Identity) ApprovalRequested(eventID string) (Summary, bool) {
	return findSummary(i.ApprovalsRequested, eventID)
}

func findSummary(list []Summary, eventID string) (Summary, bool) {
	for _, s := range list {
		if s.ID == eventID {
			return s, true
		}
	}
	return Summary{}, false
}

// CountEntries reports how many entries in list refer to eventID.
func CountEntries(list []Summary, eventID string) int {
	n := 0
	for _, s := range list {
		if s.ID == eventID {
			n++
		}
	}
	return n
}

// AppendIfAbsent returns list with summary appended unless an entry with the
// same ID already exists. The second result reports whether it appended.
func AppendIfAbsent(list []Summary, summary Summary) ([]Summary, bool) {
	if CountEntries(list, summary.ID) > 0 {
		return list, false
	}
	return append(list, summary), true
}

// ReplaceMatching overwrites every entry whose ID equals summary.ID and whose
// Revision is not newer than summary's.
func ReplaceMatching(list []Summary, summary Summary) []Summary {
	for i := range list {
		if list[i].ID == summary.ID && list[i].Revision <= summary.Revision {
			list[i] = summary
		}
	}
	return list
}

// ProfileWriter maintains the profile fields of identity records. It never
// touches the summary lists.
type ProfileWriter interface {
	UpsertProfile(ctx context.Context, identity Identity) error
}

// Store is the full identity persistence surface.
type Store interface {
	Repository
	ProfileWriter
}

// Clone returns a deep copy.
func (i *Identity) Clone() *Identity {
	if i == nil {
		return nil
	}
	out := *i
	out.EventsCreated = append([]Summary(nil), i.EventsCreated...)
	out.ApprovalsRequested = append([]Summary(nil), i.ApprovalsRequested...)
	return &out
}
