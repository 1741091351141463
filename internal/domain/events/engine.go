package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Togather-Foundation/signoff/internal/domain/identities"
	"github.com/Togather-Foundation/signoff/internal/domain/ids"
	"github.com/Togather-Foundation/signoff/internal/metrics"
	"github.com/Togather-Foundation/signoff/internal/sanitize"
	"github.com/Togather-Foundation/signoff/internal/validation"
)

const tracerName = "github.com/Togather-Foundation/signoff/internal/domain/events"

const defaultFanoutLimit = 8

// Notifier delivers an approval request to one approver.
type Notifier interface {
	NotifyApprover(ctx context.Context, notice ApprovalNotice) error
}

type ApprovalNotice struct {
	EventID      string
	EventName    string
	OwnerName    string
	ApproverID   string
	ApproverName string
	Recipient    string
	// Reminder marks an owner-requested repeat of the request.
	Reminder bool
}

// RepairQueue schedules background retries for failed fan-out targets.
type RepairQueue interface {
	EnqueuePropagation(ctx context.Context, eventID string) error
	EnqueueNotification(ctx context.Context, eventID string, approverID string) error
}

// StatusListener observes committed status transitions.
type StatusListener interface {
	StatusChanged(ctx context.Context, change StatusChange) error
}

type StatusChange struct {
	EventID   string
	EventName string
	OwnerID   string
	From      Status
	To        Status
	At        time.Time
}

// Engine runs the approval workflow. The event record is authoritative; the
// summaries on identity records are derived from it and only written here.
type Engine struct {
	events     Repository
	identities identities.Repository
	notifier   Notifier
	repairs    RepairQueue
	listener   StatusListener
	logger     zerolog.Logger
	limit      int
	now        func() time.Time
	newID      func() (string, error)
	tracer     trace.Tracer
}

type Option func(*Engine)

func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger.With().Str("component", "approval_engine").Logger()
	}
}

func WithRepairQueue(queue RepairQueue) Option {
	return func(e *Engine) {
		e.repairs = queue
	}
}

func WithStatusListener(listener StatusListener) Option {
	return func(e *Engine) {
		e.listener = listener
	}
}

// WithFanoutLimit bounds concurrent secondary writes per operation.
func WithFanoutLimit(limit int) Option {
	return func(e *Engine) {
		if limit > 0 {
			e.limit = limit
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func WithIDGenerator(newID func() (string, error)) Option {
	return func(e *Engine) {
		if newID != nil {
			e.newID = newID
		}
	}
}

func NewEngine(eventsRepo Repository, identityRepo identities.Repository, notifier Notifier, opts ...Option) *Engine {
	e := &Engine{
		events:     eventsRepo,
		identities: identityRepo,
		notifier:   notifier,
		logger:     zerolog.Nop(),
		limit:      defaultFanoutLimit,
		now:        func() time.Time { return time.Now().UTC() },
		newID:      ids.NewULID,
		tracer:     otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type CreateInput struct {
	OwnerID     string
	Name        string
	Description string
	Thumbnail   string
	Date        time.Time
	IsSelection bool
	Payment     Payment
	ApproverIDs []string
}

type EditInput struct {
	Name        string
	Description string
	Date        time.Time
	IsSelection bool
	Payment     Payment
	Thumbnail   *string
}

// Result is the outcome of a workflow operation. Report holds secondary
// failures; the event is returned even when Report is not OK.
type Result struct {
	Event   *Event
	Changed bool
	Report  FanoutReport
}

// Create persists a PENDING event and fans out the owner summary, one
// approval request summary per approver, and one notification per approver.
func (e *Engine) Create(ctx context.Context, in CreateInput) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "events.Create")
	defer span.End()

	approverIDs, err := normalizeCreate(&in)
	if err != nil {
		return nil, spanError(span, err)
	}

	owner, err := e.identities.Get(ctx, in.OwnerID)
	if err != nil {
		if errors.Is(err, identities.ErrNotFound) {
			return nil, spanError(span, NotFoundError{Resource: "identity", ID: in.OwnerID})
		}
		return nil, spanError(span, dependencyError("load owner", in.OwnerID, err))
	}

	recipients := make(map[string]*identities.Identity, len(approverIDs))
	approvers := make([]Approver, 0, len(approverIDs))
	for _, id := range approverIDs {
		ident, err := e.identities.Get(ctx, id)
		if err != nil {
			if errors.Is(err, identities.ErrNotFound) {
				return nil, spanError(span, ValidationError{Field: "approvers", Message: fmt.Sprintf("approver %q does not exist", id)})
			}
			return nil, spanError(span, dependencyError("load approver", id, err))
		}
		recipients[ident.ID] = ident
		approvers = append(approvers, Approver{ID: ident.ID, Name: ident.Name, Decision: DecisionPending})
	}

	eventID, err := e.newID()
	if err != nil {
		return nil, spanError(span, fmt.Errorf("generate event id: %w", err))
	}
	now := e.now()
	created, err := e.events.Create(ctx, &Event{
		ID:          eventID,
		Owner:       Owner{ID: owner.ID, Name: owner.Name, Thumbnail: owner.Thumbnail},
		Name:        in.Name,
		Description: in.Description,
		Thumbnail:   in.Thumbnail,
		Date:        in.Date,
		IsSelection: in.IsSelection,
		Payment:     in.Payment,
		Approvers:   approvers,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return nil, spanError(span, dependencyError("create event", eventID, err))
	}
	span.SetAttributes(attribute.String("event.id", created.ID), attribute.Int("event.approvers", len(approvers)))

	summary := created.Summary()
	tasks := []fanoutTask{{
		kind:   FanoutEventsCreated,
		target: owner.ID,
		run: func(ctx context.Context) error {
			return e.identities.AppendEventCreated(ctx, owner.ID, summary)
		},
	}}
	for _, a := range created.Approvers {
		ident := recipients[a.ID]
		tasks = append(tasks, fanoutTask{
			kind:   FanoutApprovalRequested,
			target: a.ID,
			run: func(ctx context.Context) error {
				return e.identities.AppendApprovalRequested(ctx, a.ID, summary)
			},
		})
		notice := e.notice(created, ident)
		tasks = append(tasks, fanoutTask{
			kind:   FanoutNotification,
			target: a.ID,
			run: func(ctx context.Context) error {
				return e.notifier.NotifyApprover(ctx, notice)
			},
		})
	}

	report := runFanout(ctx, e.limit, tasks)
	e.afterFanout(ctx, created.ID, report)

	e.logger.Info().
		Str("event_id", created.ID).
		Str("owner_id", owner.ID).
		Int("approvers", len(approvers)).
		Int("fanout_failures", len(report.Failures)).
		Msg("event created")

	return &Result{Event: created, Report: report}, nil
}

// Decide records one approver's verdict and, when the aggregate status moves,
// propagates the new status to the owner and every approver.
func (e *Engine) Decide(ctx context.Context, eventID string, approverID string, decision Decision) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "events.Decide", trace.WithAttributes(
		attribute.String("event.id", eventID),
		attribute.String("approver.id", approverID),
		attribute.String("decision", string(decision)),
	))
	defer span.End()

	if !decision.Final() {
		return nil, spanError(span, ValidationError{Field: "decision", Message: "must be APPROVED or REJECTED"})
	}

	current, err := e.load(ctx, eventID)
	if err != nil {
		return nil, spanError(span, err)
	}
	entry, ok := current.Approver(approverID)
	if !ok {
		return nil, spanError(span, ConflictError{Reason: "approver is not assigned to this event"})
	}
	if entry.Decision != DecisionPending {
		return nil, spanError(span, ConflictError{Reason: "approver has already decided"})
	}

	now := e.now()
	updated, err := e.events.RecordApproverDecision(ctx, eventID, approverID, decision, now)
	if err != nil {
		switch {
		case errors.Is(err, ErrConflict):
			return nil, spanError(span, ConflictError{Reason: "approver has already decided"})
		case errors.Is(err, ErrNotFound):
			return nil, spanError(span, NotFoundError{Resource: "event", ID: eventID})
		}
		return nil, spanError(span, dependencyError("record decision", eventID, err))
	}
	metrics.ApprovalDecisionsTotal.WithLabelValues(string(decision)).Inc()

	updated, changed, from, err := e.settleStatus(ctx, updated)
	if err != nil {
		return nil, spanError(span, err)
	}

	result := &Result{Event: updated, Changed: changed}
	if changed {
		result.Report = e.syncStatus(ctx, updated, from)
		e.afterFanout(ctx, updated.ID, result.Report)
	}

	e.logger.Info().
		Str("event_id", eventID).
		Str("approver_id", approverID).
		Str("decision", string(decision)).
		Str("status", string(updated.Status)).
		Bool("status_changed", changed).
		Msg("approver decision recorded")

	return result, nil
}

// Edit replaces the descriptive fields of a PENDING event. The approver list
// and decisions are untouched.
func (e *Engine) Edit(ctx context.Context, eventID string, in EditInput) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "events.Edit", trace.WithAttributes(attribute.String("event.id", eventID)))
	defer span.End()

	if err := normalizeEdit(&in); err != nil {
		return nil, spanError(span, err)
	}

	current, err := e.load(ctx, eventID)
	if err != nil {
		return nil, spanError(span, err)
	}
	if current.Status != StatusPending {
		return nil, spanError(span, ConflictError{Reason: fmt.Sprintf("event is %s; only PENDING events can be edited", current.Status)})
	}

	updated, err := e.events.UpdateFields(ctx, eventID, Patch{
		Name:        in.Name,
		Description: in.Description,
		Date:        in.Date,
		IsSelection: in.IsSelection,
		Payment:     in.Payment,
		Thumbnail:   in.Thumbnail,
		UpdatedAt:   e.now(),
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrConflict):
			return nil, spanError(span, ConflictError{Reason: "event is no longer PENDING"})
		case errors.Is(err, ErrNotFound):
			return nil, spanError(span, NotFoundError{Resource: "event", ID: eventID})
		}
		return nil, spanError(span, dependencyError("update event", eventID, err))
	}

	report := e.syncSummaries(ctx, updated)
	e.afterFanout(ctx, updated.ID, report)

	return &Result{Event: updated, Report: report}, nil
}

// Publish moves an APPROVED event to PUBLISHED.
func (e *Engine) Publish(ctx context.Context, eventID string) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "events.Publish", trace.WithAttributes(attribute.String("event.id", eventID)))
	defer span.End()

	current, err := e.load(ctx, eventID)
	if err != nil {
		return nil, spanError(span, err)
	}
	if !current.Status.CanTransition(StatusPublished) {
		return nil, spanError(span, ConflictError{Reason: fmt.Sprintf("event is %s; only APPROVED events can be published", current.Status)})
	}

	published, err := e.events.TransitionStatus(ctx, eventID, StatusApproved, StatusPublished, e.now())
	if err != nil {
		switch {
		case errors.Is(err, ErrConflict):
			return nil, spanError(span, ConflictError{Reason: "event is no longer APPROVED"})
		case errors.Is(err, ErrNotFound):
			return nil, spanError(span, NotFoundError{Resource: "event", ID: eventID})
		}
		return nil, spanError(span, dependencyError("publish event", eventID, err))
	}
	metrics.StatusTransitionsTotal.WithLabelValues(string(StatusApproved), string(StatusPublished)).Inc()

	report := e.syncStatus(ctx, published, StatusApproved)
	e.afterFanout(ctx, published.ID, report)

	e.logger.Info().Str("event_id", eventID).Msg("event published")

	return &Result{Event: published, Changed: true, Report: report}, nil
}

// Propagate re-derives every denormalized copy from the event record. It
// first settles the status from the approver list, so it also repairs a
// decision whose status transition was never written. Safe to run any
// number of times.
func (e *Engine) Propagate(ctx context.Context, eventID string) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "events.Propagate", trace.WithAttributes(attribute.String("event.id", eventID)))
	defer span.End()

	current, err := e.load(ctx, eventID)
	if err != nil {
		return nil, spanError(span, err)
	}

	settled, changed, from, err := e.settleStatus(ctx, current)
	if err != nil {
		return nil, spanError(span, err)
	}

	var report FanoutReport
	if changed {
		report = e.syncStatus(ctx, settled, from)
	} else {
		report = e.syncSummaries(ctx, settled)
	}

	return &Result{Event: settled, Changed: changed, Report: report}, nil
}

// ResendNotification sends an owner-requested reminder to an approver who
// has not decided yet. Reminders are de-duplicated apart from the original
// request, so one goes out even while the request is still remembered.
func (e *Engine) ResendNotification(ctx context.Context, eventID string, approverID string) error {
	return e.resend(ctx, "events.ResendNotification", eventID, approverID, true)
}

// RetryNotification re-delivers the original approval request after a failed
// send.
func (e *Engine) RetryNotification(ctx context.Context, eventID string, approverID string) error {
	return e.resend(ctx, "events.RetryNotification", eventID, approverID, false)
}

func (e *Engine) resend(ctx context.Context, spanName string, eventID string, approverID string, reminder bool) error {
	ctx, span := e.tracer.Start(ctx, spanName, trace.WithAttributes(
		attribute.String("event.id", eventID),
		attribute.String("approver.id", approverID),
	))
	defer span.End()

	event, err := e.load(ctx, eventID)
	if err != nil {
		return spanError(span, err)
	}
	entry, ok := event.Approver(approverID)
	if !ok {
		return spanError(span, ConflictError{Reason: "approver is not assigned to this event"})
	}
	if event.Status != StatusPending {
		return spanError(span, ConflictError{Reason: fmt.Sprintf("event is %s; only PENDING events await approval", event.Status)})
	}
	if entry.Decision != DecisionPending {
		return spanError(span, ConflictError{Reason: "approver has already decided"})
	}

	ident, err := e.identities.Get(ctx, approverID)
	if err != nil {
		if errors.Is(err, identities.ErrNotFound) {
			return spanError(span, NotFoundError{Resource: "identity", ID: approverID})
		}
		return spanError(span, dependencyError("load approver", approverID, err))
	}
	notice := e.notice(event, ident)
	notice.Reminder = reminder
	if err := e.notifier.NotifyApprover(ctx, notice); err != nil {
		return spanError(span, DependencyError{Op: "notify approver", Target: approverID, Err: err})
	}
	return nil
}

// settleStatus moves a PENDING event to the status its approver list implies.
// A concurrent writer may already have moved it, in which case the stored
// event is returned with changed=false.
func (e *Engine) settleStatus(ctx context.Context, event *Event) (*Event, bool, Status, error) {
	from := event.Status
	target := nextStatus(event.Status, event.Approvers)
	if target == event.Status {
		return event, false, from, nil
	}

	moved, err := e.events.TransitionStatus(ctx, event.ID, from, target, e.now())
	if err != nil {
		if errors.Is(err, ErrConflict) {
			latest, getErr := e.load(ctx, event.ID)
			if getErr != nil {
				return nil, false, from, getErr
			}
			return latest, false, from, nil
		}
		return nil, false, from, dependencyError("transition status", event.ID, err)
	}

	metrics.StatusTransitionsTotal.WithLabelValues(string(from), string(target)).Inc()
	e.logger.Info().
		Str("event_id", event.ID).
		Str("from", string(from)).
		Str("to", string(target)).
		Msg("event status changed")
	return moved, true, from, nil
}

// syncSummaries writes the current summary to the owner and every approver.
// Each target is append-if-absent followed by an in-place update, so a target
// whose earlier append failed converges too.
func (e *Engine) syncSummaries(ctx context.Context, event *Event) FanoutReport {
	summary := event.Summary()
	ownerID := event.Owner.ID

	tasks := []fanoutTask{{
		kind:   FanoutSummarySync,
		target: ownerID,
		run: func(ctx context.Context) error {
			if err := e.identities.AppendEventCreated(ctx, ownerID, summary); err != nil {
				return err
			}
			return e.identities.UpdateSummary(ctx, ownerID, summary)
		},
	}}
	for _, a := range event.Approvers {
		tasks = append(tasks, fanoutTask{
			kind:   FanoutSummarySync,
			target: a.ID,
			run: func(ctx context.Context) error {
				if err := e.identities.AppendApprovalRequested(ctx, a.ID, summary); err != nil {
					return err
				}
				return e.identities.UpdateSummary(ctx, a.ID, summary)
			},
		})
	}
	return runFanout(ctx, e.limit, tasks)
}

// syncStatus propagates a committed transition to the summaries and the
// status listener.
func (e *Engine) syncStatus(ctx context.Context, event *Event, from Status) FanoutReport {
	report := e.syncSummaries(ctx, event)
	if e.listener == nil {
		return report
	}
	change := StatusChange{
		EventID:   event.ID,
		EventName: event.Name,
		OwnerID:   event.Owner.ID,
		From:      from,
		To:        event.Status,
		At:        event.UpdatedAt,
	}
	report.merge(runFanout(ctx, 1, []fanoutTask{{
		kind:   FanoutLifecycle,
		target: event.ID,
		run: func(ctx context.Context) error {
			return e.listener.StatusChanged(ctx, change)
		},
	}}))
	return report
}

// afterFanout logs and counts failures and schedules repairs for them.
func (e *Engine) afterFanout(ctx context.Context, eventID string, report FanoutReport) {
	if report.OK() {
		return
	}

	needsPropagation := false
	for _, f := range report.Failures {
		metrics.FanoutFailuresTotal.WithLabelValues(string(f.Kind)).Inc()
		e.logger.Warn().
			Err(f.Err).
			Str("event_id", eventID).
			Str("kind", string(f.Kind)).
			Str("target", f.Target).
			Msg("fan-out target failed")
		switch f.Kind {
		case FanoutEventsCreated, FanoutApprovalRequested, FanoutSummarySync:
			needsPropagation = true
		}
	}

	if e.repairs == nil {
		return
	}
	if needsPropagation {
		if err := e.repairs.EnqueuePropagation(ctx, eventID); err != nil {
			e.logger.Error().Err(err).Str("event_id", eventID).Msg("failed to schedule summary propagation")
		}
	}
	for _, target := range report.FailedTargets(FanoutNotification) {
		if err := e.repairs.EnqueueNotification(ctx, eventID, target); err != nil {
			e.logger.Error().Err(err).Str("event_id", eventID).Str("approver_id", target).Msg("failed to schedule notification retry")
		}
	}
}

func (e *Engine) load(ctx context.Context, eventID string) (*Event, error) {
	event, err := e.events.Get(ctx, eventID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, NotFoundError{Resource: "event", ID: eventID}
		}
		return nil, dependencyError("load event", eventID, err)
	}
	return event, nil
}

func (e *Engine) notice(event *Event, approver *identities.Identity) ApprovalNotice {
	return ApprovalNotice{
		EventID:      event.ID,
		EventName:    event.Name,
		OwnerName:    event.Owner.Name,
		ApproverID:   approver.ID,
		ApproverName: approver.Name,
		Recipient:    approver.Email,
	}
}

func normalizeCreate(in *CreateInput) ([]string, error) {
	ownerID, err := ids.NormalizeIdentityID(in.OwnerID)
	if err != nil {
		return nil, ValidationError{Field: "owner", Message: "is required"}
	}
	in.OwnerID = ownerID
	in.Thumbnail = strings.TrimSpace(in.Thumbnail)
	if err := checkThumbnail(in.Thumbnail); err != nil {
		return nil, err
	}

	if err := normalizeFields(&in.Name, &in.Description, in.Date, &in.Payment); err != nil {
		return nil, err
	}

	if len(in.ApproverIDs) == 0 {
		return nil, ValidationError{Field: "approvers", Message: "at least one approver is required"}
	}
	seen := make(map[string]struct{}, len(in.ApproverIDs))
	out := make([]string, 0, len(in.ApproverIDs))
	for _, raw := range in.ApproverIDs {
		id, err := ids.NormalizeIdentityID(raw)
		if err != nil {
			return nil, ValidationError{Field: "approvers", Message: "approver id must not be empty"}
		}
		if _, dup := seen[id]; dup {
			return nil, ValidationError{Field: "approvers", Message: fmt.Sprintf("approver %q is listed more than once", id)}
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}

func normalizeEdit(in *EditInput) error {
	if in.Thumbnail != nil {
		thumb := strings.TrimSpace(*in.Thumbnail)
		if thumb == "" {
			return ValidationError{Field: "thumbnail", Message: "must not be empty when provided"}
		}
		if err := checkThumbnail(thumb); err != nil {
			return err
		}
		in.Thumbnail = &thumb
	}
	return normalizeFields(&in.Name, &in.Description, in.Date, &in.Payment)
}

// normalizeFields strips markup from the name and unsafe markup from the
// description before the required checks, so markup-only input is rejected.
func normalizeFields(name, description *string, date time.Time, payment *Payment) error {
	*name = sanitize.Text(*name)
	if *name == "" {
		return ValidationError{Field: "name", Message: "is required"}
	}
	*description = sanitize.HTML(*description)
	if *description == "" {
		return ValidationError{Field: "description", Message: "is required"}
	}
	if date.IsZero() {
		return ValidationError{Field: "date", Message: "is required"}
	}
	if !payment.IsPayment {
		payment.Amount = 0
	} else if payment.Amount < 0 {
		return ValidationError{Field: "amount", Message: "must not be negative"}
	}
	return nil
}

func checkThumbnail(value string) error {
	var urlErr validation.URLError
	if err := validation.ValidateURL(value, "thumbnail", false); errors.As(err, &urlErr) {
		return ValidationError{Field: urlErr.Field, Message: urlErr.Message}
	}
	return nil
}

func spanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
