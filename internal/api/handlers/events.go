package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Togather-Foundation/signoff/internal/api/problem"
	"github.com/Togather-Foundation/signoff/internal/audit"
	"github.com/Togather-Foundation/signoff/internal/domain/events"
)

type EventsHandler struct {
	Engine *events.Engine
	Audit  *audit.Logger
	Env    string
}

func NewEventsHandler(engine *events.Engine, auditLog *audit.Logger, env string) *EventsHandler {
	return &EventsHandler{Engine: engine, Audit: auditLog, Env: env}
}

type paymentBody struct {
	IsPayment bool    `json:"isPayment"`
	Amount    float64 `json:"amount"`
}

type createEventRequest struct {
	Name        string      `json:"name" validate:"required,max=200"`
	Description string      `json:"description" validate:"max=5000"`
	Thumbnail   string      `json:"thumbnail" validate:"omitempty,url"`
	Date        time.Time   `json:"date" validate:"required"`
	IsSelection bool        `json:"isSelection"`
	Payment     paymentBody `json:"payment"`
	Approvers   []string    `json:"approvers" validate:"required,min=1,dive,required"`
}

type editEventRequest struct {
	Name        string      `json:"name" validate:"required,max=200"`
	Description string      `json:"description" validate:"max=5000"`
	Thumbnail   *string     `json:"thumbnail" validate:"omitempty,url"`
	Date        time.Time   `json:"date" validate:"required"`
	IsSelection bool        `json:"isSelection"`
	Payment     paymentBody `json:"payment"`
}

type decisionRequest struct {
	Decision string `json:"decision" validate:"required"`
}

type ownerBody struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Thumbnail string `json:"thumbnail"`
}

type approverBody struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Decision  string     `json:"decision"`
	DecidedAt *time.Time `json:"decidedAt,omitempty"`
}

type eventBody struct {
	ID          string         `json:"id"`
	Owner       ownerBody      `json:"owner"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Thumbnail   string         `json:"thumbnail"`
	Date        time.Time      `json:"date"`
	IsSelection bool           `json:"isSelection"`
	Payment     paymentBody    `json:"payment"`
	Approvers   []approverBody `json:"approvers"`
	Status      string         `json:"status"`
	IsApproved  bool           `json:"isApproved"`
	IsPublished bool           `json:"isPublished"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// warningBody describes one fan-out target that failed after the primary
// write committed.
type warningBody struct {
	Kind   string `json:"kind"`
	Target string `json:"target"`
	Detail string `json:"detail,omitempty"`
}

type mutationResponse struct {
	Event    eventBody     `json:"event"`
	Changed  bool          `json:"changed"`
	Warnings []warningBody `json:"warnings"`
}

type listingResponse struct {
	Published       []eventBody `json:"published"`
	Approved        []eventBody `json:"approved"`
	ApprovalPending []eventBody `json:"approvalPending"`
}

type eventsResponse struct {
	Items []eventBody `json:"items"`
}

// Create handles POST /api/v1/events. The caller becomes the owner.
func (h *EventsHandler) Create(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r, h.Env)
	if !ok {
		return
	}

	var req createEventRequest
	if err := decodeBody(r, &req); err != nil {
		problem.FromError(w, r, err, h.Env)
		return
	}

	result, err := h.Engine.Create(r.Context(), events.CreateInput{
		OwnerID:     caller,
		Name:        req.Name,
		Description: req.Description,
		Thumbnail:   req.Thumbnail,
		Date:        req.Date,
		IsSelection: req.IsSelection,
		Payment:     events.Payment{IsPayment: req.Payment.IsPayment, Amount: req.Payment.Amount},
		ApproverIDs: req.Approvers,
	})
	if err != nil {
		problem.FromError(w, r, err, h.Env)
		return
	}

	h.record(r, "event.create", result, nil)
	w.Header().Set("Location", "/api/v1/events/"+result.Event.ID)
	writeJSON(w, http.StatusCreated, h.mutation(result))
}

// Get handles GET /api/v1/events/{id}.
func (h *EventsHandler) Get(w http.ResponseWriter, r *http.Request) {
	if _, ok := callerFrom(w, r, h.Env); !ok {
		return
	}
	event, err := h.Engine.Get(r.Context(), pathParam(r, "id"))
	if err != nil {
		problem.FromError(w, r, err, h.Env)
		return
	}
	writeJSON(w, http.StatusOK, toEventBody(event))
}

// ListMine handles GET /api/v1/events and returns the caller's events split
// into published, approved and approvalPending.
func (h *EventsHandler) ListMine(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r, h.Env)
	if !ok {
		return
	}
	listing, err := h.Engine.ListByOwner(r.Context(), caller)
	if err != nil {
		problem.FromError(w, r, err, h.Env)
		return
	}
	writeJSON(w, http.StatusOK, listingResponse{
		Published:       toEventBodies(listing.Published),
		Approved:        toEventBodies(listing.Approved),
		ApprovalPending: toEventBodies(listing.ApprovalPending),
	})
}

// ListApprovals handles GET /api/v1/approvals. Optional repeated or
// comma-separated status parameters narrow the result.
func (h *EventsHandler) ListApprovals(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r, h.Env)
	if !ok {
		return
	}

	var statuses []events.Status
	for _, raw := range r.URL.Query()["status"] {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			status, ok := events.ParseStatus(part)
			if !ok {
				problem.FromError(w, r, events.ValidationError{Field: "status", Message: "unknown status " + part}, h.Env)
				return
			}
			statuses = append(statuses, status)
		}
	}

	list, err := h.Engine.ListForApprover(r.Context(), caller, statuses...)
	if err != nil {
		problem.FromError(w, r, err, h.Env)
		return
	}
	writeJSON(w, http.StatusOK, eventsResponse{Items: toEventBodies(list)})
}

// Edit handles PUT /api/v1/events/{id}. Only the owner may edit.
func (h *EventsHandler) Edit(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireOwner(w, r)
	if !ok {
		return
	}

	var req editEventRequest
	if err := decodeBody(r, &req); err != nil {
		problem.FromError(w, r, err, h.Env)
		return
	}

	result, err := h.Engine.Edit(r.Context(), id, events.EditInput{
		Name:        req.Name,
		Description: req.Description,
		Date:        req.Date,
		IsSelection: req.IsSelection,
		Payment:     events.Payment{IsPayment: req.Payment.IsPayment, Amount: req.Payment.Amount},
		Thumbnail:   req.Thumbnail,
	})
	if err != nil {
		problem.FromError(w, r, err, h.Env)
		return
	}
	h.record(r, "event.edit", result, nil)
	writeJSON(w, http.StatusOK, h.mutation(result))
}

// Decide handles POST /api/v1/events/{id}/decisions. The caller records
// their own decision.
func (h *EventsHandler) Decide(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r, h.Env)
	if !ok {
		return
	}

	var req decisionRequest
	if err := decodeBody(r, &req); err != nil {
		problem.FromError(w, r, err, h.Env)
		return
	}
	decision, err := events.ParseDecision(req.Decision)
	if err != nil {
		problem.FromError(w, r, err, h.Env)
		return
	}

	result, err := h.Engine.Decide(r.Context(), pathParam(r, "id"), caller, decision)
	if err != nil {
		problem.FromError(w, r, err, h.Env)
		return
	}
	h.record(r, "event.decide", result, map[string]string{"decision": string(decision)})
	writeJSON(w, http.StatusOK, h.mutation(result))
}

// Publish handles POST /api/v1/events/{id}/publish. Only the owner may
// publish.
func (h *EventsHandler) Publish(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireOwner(w, r)
	if !ok {
		return
	}
	result, err := h.Engine.Publish(r.Context(), id)
	if err != nil {
		problem.FromError(w, r, err, h.Env)
		return
	}
	h.record(r, "event.publish", result, nil)
	writeJSON(w, http.StatusOK, h.mutation(result))
}

// Remind handles POST /api/v1/events/{id}/approvers/{approverId}/reminders.
func (h *EventsHandler) Remind(w http.ResponseWriter, r *http.Request) {
	id, ok := h.requireOwner(w, r)
	if !ok {
		return
	}
	approverID := pathParam(r, "approverId")
	if err := h.Engine.ResendNotification(r.Context(), id, approverID); err != nil {
		problem.FromError(w, r, err, h.Env)
		return
	}
	h.Audit.FromRequest(r, "event.remind", id, audit.StatusSuccess, map[string]string{"approver": approverID})
	w.WriteHeader(http.StatusAccepted)
}

// requireOwner loads the event named by the path and checks the caller owns
// it. Ownership never changes, so the check does not race the write.
func (h *EventsHandler) requireOwner(w http.ResponseWriter, r *http.Request) (string, bool) {
	caller, ok := callerFrom(w, r, h.Env)
	if !ok {
		return "", false
	}
	id := pathParam(r, "id")
	event, err := h.Engine.Get(r.Context(), id)
	if err != nil {
		problem.FromError(w, r, err, h.Env)
		return "", false
	}
	if event.Owner.ID != caller {
		h.Audit.FromRequest(r, "event.owner_check", event.ID, audit.StatusFailure, nil)
		forbidden(w, r, "only the event owner may perform this action", h.Env)
		return "", false
	}
	return event.ID, true
}

// record audits a committed mutation. Fan-out failures do not undo the
// write, so they are noted on a success entry.
func (h *EventsHandler) record(r *http.Request, action string, result *events.Result, details map[string]string) {
	if details == nil {
		details = map[string]string{}
	}
	details["status"] = string(result.Event.Status)
	if n := len(result.Report.Failures); n > 0 {
		details["fanout_failures"] = strconv.Itoa(n)
	}
	h.Audit.FromRequest(r, action, result.Event.ID, audit.StatusSuccess, details)
}

func (h *EventsHandler) mutation(result *events.Result) mutationResponse {
	warnings := make([]warningBody, 0, len(result.Report.Failures))
	for _, f := range result.Report.Failures {
		warning := warningBody{Kind: string(f.Kind), Target: f.Target}
		if h.Env == "development" || h.Env == "test" {
			warning.Detail = f.Err.Error()
		}
		warnings = append(warnings, warning)
	}
	return mutationResponse{
		Event:    toEventBody(result.Event),
		Changed:  result.Changed,
		Warnings: warnings,
	}
}

func toEventBody(e *events.Event) eventBody {
	approvers := make([]approverBody, 0, len(e.Approvers))
	for _, a := range e.Approvers {
		approvers = append(approvers, approverBody{
			ID:        a.ID,
			Name:      a.Name,
			Decision:  string(a.Decision),
			DecidedAt: a.DecidedAt,
		})
	}
	return eventBody{
		ID:          e.ID,
		Owner:       ownerBody{ID: e.Owner.ID, Name: e.Owner.Name, Thumbnail: e.Owner.Thumbnail},
		Name:        e.Name,
		Description: e.Description,
		Thumbnail:   e.Thumbnail,
		Date:        e.Date,
		IsSelection: e.IsSelection,
		Payment:     paymentBody{IsPayment: e.Payment.IsPayment, Amount: e.Payment.Amount},
		Approvers:   approvers,
		Status:      string(e.Status),
		IsApproved:  e.IsApproved(),
		IsPublished: e.IsPublished(),
		CreatedAt:   e.CreatedAt,
		UpdatedAt:   e.UpdatedAt,
	}
}

func toEventBodies(list []events.Event) []eventBody {
	out := make([]eventBody, 0, len(list))
	for i := range list {
		out = append(out, toEventBody(&list[i]))
	}
	return out
}
