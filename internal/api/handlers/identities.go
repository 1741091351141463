package handlers

import (
	"errors"
	"net/http"

	"github.com/Togather-Foundation/signoff/internal/api/problem"
	"github.com/Togather-Foundation/signoff/internal/domain/events"
	"github.com/Togather-Foundation/signoff/internal/domain/identities"
)

type IdentitiesHandler struct {
	Identities identities.Repository
	Env        string
}

func NewIdentitiesHandler(repo identities.Repository, env string) *IdentitiesHandler {
	return &IdentitiesHandler{Identities: repo, Env: env}
}

type summaryBody struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Thumbnail  string `json:"thumbnail"`
	Status     string `json:"status"`
	IsApproved bool   `json:"isApproved"`
}

type identityBody struct {
	ID                 string        `json:"id"`
	Name               string        `json:"name"`
	Thumbnail          string        `json:"thumbnail"`
	EventsCreated      []summaryBody `json:"eventsCreated"`
	ApprovalsRequested []summaryBody `json:"approvalsRequested"`
}

// Me handles GET /api/v1/me: the caller's profile with its cached event
// summaries.
func (h *IdentitiesHandler) Me(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r, h.Env)
	if !ok {
		return
	}
	ident, err := h.Identities.Get(r.Context(), caller)
	if err != nil {
		if errors.Is(err, identities.ErrNotFound) {
			err = events.NotFoundError{Resource: "identity", ID: caller}
		}
		problem.FromError(w, r, err, h.Env)
		return
	}
	writeJSON(w, http.StatusOK, identityBody{
		ID:                 ident.ID,
		Name:               ident.Name,
		Thumbnail:          ident.Thumbnail,
		EventsCreated:      toSummaryBodies(ident.EventsCreated),
		ApprovalsRequested: toSummaryBodies(ident.ApprovalsRequested),
	})
}

func toSummaryBodies(list []identities.Summary) []summaryBody {
	out := make([]summaryBody, 0, len(list))
	for _, s := range list {
		out = append(out, summaryBody{
			ID:         s.ID,
			Name:       s.Name,
			Thumbnail:  s.Thumbnail,
			Status:     s.Status,
			IsApproved: s.IsApproved,
		})
	}
	return out
}
