package events

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Listing is an owner's events partitioned by lifecycle status. Every event
// lands in exactly one bucket.
type Listing struct {
	Published       []Event
	Approved        []Event
	ApprovalPending []Event
}

func (l Listing) Len() int {
	return len(l.Published) + len(l.Approved) + len(l.ApprovalPending)
}

// Partition splits events into listing buckets. PENDING and REJECTED events
// are both reported as awaiting approval.
func Partition(events []Event) Listing {
	listing := Listing{
		Published:       []Event{},
		Approved:        []Event{},
		ApprovalPending: []Event{},
	}
	for _, e := range events {
		switch e.Status {
		case StatusPublished:
			listing.Published = append(listing.Published, e)
		case StatusApproved:
			listing.Approved = append(listing.Approved, e)
		default:
			listing.ApprovalPending = append(listing.ApprovalPending, e)
		}
	}
	return listing
}

func (e *Engine) Get(ctx context.Context, id string) (*Event, error) {
	ctx, span := e.tracer.Start(ctx, "events.Get", trace.WithAttributes(attribute.String("event.id", id)))
	defer span.End()

	id = strings.TrimSpace(id)
	if id == "" {
		return nil, spanError(span, ValidationError{Field: "id", Message: "is required"})
	}
	event, err := e.load(ctx, id)
	if err != nil {
		return nil, spanError(span, err)
	}
	return event, nil
}

func (e *Engine) ListByOwner(ctx context.Context, ownerID string) (Listing, error) {
	ctx, span := e.tracer.Start(ctx, "events.ListByOwner", trace.WithAttributes(attribute.String("owner.id", ownerID)))
	defer span.End()

	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return Listing{}, spanError(span, ValidationError{Field: "owner", Message: "is required"})
	}
	found, err := e.events.Find(ctx, Filter{OwnerID: ownerID})
	if err != nil {
		return Listing{}, spanError(span, dependencyError("find events", ownerID, err))
	}
	return Partition(found), nil
}

// ListForApprover returns events the approver is assigned to, optionally
// narrowed to the given statuses.
func (e *Engine) ListForApprover(ctx context.Context, approverID string, statuses ...Status) ([]Event, error) {
	ctx, span := e.tracer.Start(ctx, "events.ListForApprover", trace.WithAttributes(attribute.String("approver.id", approverID)))
	defer span.End()

	approverID = strings.TrimSpace(approverID)
	if approverID == "" {
		return nil, spanError(span, ValidationError{Field: "approver", Message: "is required"})
	}
	found, err := e.events.Find(ctx, Filter{ApproverID: approverID, Statuses: statuses})
	if err != nil {
		return nil, spanError(span, dependencyError("find events", approverID, err))
	}
	if found == nil {
		found = []Event{}
	}
	return found, nil
}
