package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Togather-Foundation/signoff/internal/domain/identities"
)

// IdentityRepository keeps summary lists as JSONB arrays on the identity row.
// Appends and rewrites are single UPDATE statements so concurrent fan-out
// tasks against the same identity serialize on the row lock instead of
// losing each other's writes.
type IdentityRepository struct {
	pool *pgxpool.Pool
	tx   pgx.Tx
}

var _ identities.Store = (*IdentityRepository)(nil)

const (
	columnEventsCreated      = "events_created"
	columnApprovalsRequested = "approvals_requested"
)

func (r *IdentityRepository) queryer() queryer {
	return pick(r.pool, r.tx)
}

func (r *IdentityRepository) Get(ctx context.Context, id string) (_ *identities.Identity, err error) {
	defer observe("get_identity", time.Now(), &err)
	var (
		identity           identities.Identity
		eventsCreated      []byte
		approvalsRequested []byte
	)
	err = r.queryer().QueryRow(ctx, `
SELECT id, name, thumbnail, email, events_created, approvals_requested
  FROM identities
 WHERE id = $1`, id).Scan(
		&identity.ID,
		&identity.Name,
		&identity.Thumbnail,
		&identity.Email,
		&eventsCreated,
		&approvalsRequested,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, identities.ErrNotFound
		}
		return nil, fmt.Errorf("get identity: %w", err)
	}

	if identity.EventsCreated, err = decodeSummaries(eventsCreated); err != nil {
		return nil, fmt.Errorf("decode events_created for %s: %w", id, err)
	}
	if identity.ApprovalsRequested, err = decodeSummaries(approvalsRequested); err != nil {
		return nil, fmt.Errorf("decode approvals_requested for %s: %w", id, err)
	}
	return &identity, nil
}

func (r *IdentityRepository) AppendEventCreated(ctx context.Context, id string, summary identities.Summary) error {
	return r.appendSummary(ctx, columnEventsCreated, id, summary)
}

func (r *IdentityRepository) AppendApprovalRequested(ctx context.Context, id string, summary identities.Summary) error {
	return r.appendSummary(ctx, columnApprovalsRequested, id, summary)
}

// appendSummary appends unless an element with the same id is already
// present. column is one of the package constants, never caller input.
func (r *IdentityRepository) appendSummary(ctx context.Context, column string, id string, summary identities.Summary) (err error) {
	defer observe("append_"+column, time.Now(), &err)
	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}

	tag, err := r.queryer().Exec(ctx, fmt.Sprintf(`
UPDATE identities
   SET %[1]s = %[1]s || jsonb_build_array($2::jsonb),
       updated_at = now()
 WHERE id = $1
   AND NOT %[1]s @> jsonb_build_array(jsonb_build_object('id', $3::text))`, column),
		id, payload, summary.ID,
	)
	if err != nil {
		return fmt.Errorf("append %s: %w", column, err)
	}
	if tag.RowsAffected() == 0 {
		return r.ensureExists(ctx, id)
	}
	return nil
}

// UpdateSummary rewrites matching elements in both lists in place, keeping
// element order. Elements stamped with a newer revision are left alone.
func (r *IdentityRepository) UpdateSummary(ctx context.Context, id string, summary identities.Summary) (err error) {
	defer observe("update_summary", time.Now(), &err)
	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}

	tag, err := r.queryer().Exec(ctx, `
UPDATE identities
   SET events_created = (
         SELECT COALESCE(jsonb_agg(CASE WHEN t.elem->>'id' = $2::text AND COALESCE((t.elem->>'revision')::bigint, 0) <= $4::bigint THEN $3::jsonb ELSE t.elem END ORDER BY t.ord), '[]'::jsonb)
           FROM jsonb_array_elements(events_created) WITH ORDINALITY AS t(elem, ord)),
       approvals_requested = (
         SELECT COALESCE(jsonb_agg(CASE WHEN t.elem->>'id' = $2::text AND COALESCE((t.elem->>'revision')::bigint, 0) <= $4::bigint THEN $3::jsonb ELSE t.elem END ORDER BY t.ord), '[]'::jsonb)
           FROM jsonb_array_elements(approvals_requested) WITH ORDINALITY AS t(elem, ord)),
       updated_at = now()
 WHERE id = $1
   AND (events_created @> jsonb_build_array(jsonb_build_object('id', $2::text))
        OR approvals_requested @> jsonb_build_array(jsonb_build_object('id', $2::text)))`,
		id, summary.ID, payload, summary.Revision,
	)
	if err != nil {
		return fmt.Errorf("update summary: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.ensureExists(ctx, id)
	}
	return nil
}

func (r *IdentityRepository) UpsertProfile(ctx context.Context, identity identities.Identity) (err error) {
	defer observe("upsert_identity", time.Now(), &err)
	_, err = r.queryer().Exec(ctx, `
INSERT INTO identities (id, name, thumbnail, email)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE
   SET name = EXCLUDED.name,
       thumbnail = EXCLUDED.thumbnail,
       email = EXCLUDED.email,
       updated_at = now()`,
		identity.ID, identity.Name, identity.Thumbnail, identity.Email,
	)
	if err != nil {
		return fmt.Errorf("upsert identity: %w", err)
	}
	return nil
}

func (r *IdentityRepository) ensureExists(ctx context.Context, id string) error {
	var exists bool
	if err := r.queryer().QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM identities WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check identity: %w", err)
	}
	if !exists {
		return identities.ErrNotFound
	}
	return nil
}

func decodeSummaries(raw []byte) ([]identities.Summary, error) {
	out := []identities.Summary{}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
