package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Togather-Foundation/signoff/internal/domain/events"
)

// EventRepository stores events with one row per approver in
// event_approvers. Approver decisions are written per row so concurrent
// decisions on the same event never overwrite each other.
type EventRepository struct {
	pool *pgxpool.Pool
	tx   pgx.Tx
}

var _ events.Repository = (*EventRepository)(nil)

const eventColumns = `e.id, e.owner_id, e.owner_name, e.owner_thumbnail, e.name, e.description,
       e.thumbnail, e.event_date, e.is_selection, e.is_payment, e.amount, e.status,
       e.created_at, e.updated_at, e.revision`

func (r *EventRepository) queryer() queryer {
	return pick(r.pool, r.tx)
}

func (r *EventRepository) beginner() interface {
	Begin(ctx context.Context) (pgx.Tx, error)
} {
	if r.tx != nil {
		return r.tx
	}
	return r.pool
}

func (r *EventRepository) Create(ctx context.Context, event *events.Event) (_ *events.Event, err error) {
	defer observe("create_event", time.Now(), &err)
	err = pgx.BeginFunc(ctx, r.beginner(), func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
INSERT INTO events (id, owner_id, owner_name, owner_thumbnail, name, description, thumbnail,
                    event_date, is_selection, is_payment, amount, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			event.ID,
			event.Owner.ID,
			event.Owner.Name,
			event.Owner.Thumbnail,
			event.Name,
			event.Description,
			event.Thumbnail,
			event.Date.UTC(),
			event.IsSelection,
			event.Payment.IsPayment,
			event.Payment.Amount,
			string(event.Status),
			event.CreatedAt.UTC(),
			event.UpdatedAt.UTC(),
		)
		if err != nil {
			return err
		}

		batch := &pgx.Batch{}
		for i, approver := range event.Approvers {
			decision := approver.Decision
			if decision == "" {
				decision = events.DecisionPending
			}
			batch.Queue(`
INSERT INTO event_approvers (event_id, approver_id, position, approver_name, decision, decided_at)
VALUES ($1, $2, $3, $4, $5, $6)`,
				event.ID, approver.ID, i, approver.Name, string(decision), approver.DecidedAt,
			)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		if pgErrorCode(err) == codeUniqueViolation {
			return nil, events.ErrConflict
		}
		return nil, fmt.Errorf("create event: %w", err)
	}
	return r.Get(ctx, event.ID)
}

func (r *EventRepository) Get(ctx context.Context, id string) (_ *events.Event, err error) {
	defer observe("get_event", time.Now(), &err)
	q := r.queryer()
	event, err := scanEvent(q.QueryRow(ctx, `SELECT `+eventColumns+` FROM events e WHERE e.id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, events.ErrNotFound
		}
		return nil, fmt.Errorf("get event: %w", err)
	}

	approvers, err := loadApprovers(ctx, q, []string{id})
	if err != nil {
		return nil, err
	}
	event.Approvers = approvers[id]
	return event, nil
}

func (r *EventRepository) UpdateFields(ctx context.Context, id string, patch events.Patch) (_ *events.Event, err error) {
	defer observe("update_event", time.Now(), &err)
	tag, err := r.queryer().Exec(ctx, `
UPDATE events
   SET name = $2,
       description = $3,
       event_date = $4,
       is_selection = $5,
       is_payment = $6,
       amount = $7,
       thumbnail = COALESCE($8, thumbnail),
       updated_at = $9,
       revision = revision + 1
 WHERE id = $1
   AND status = 'PENDING'`,
		id,
		patch.Name,
		patch.Description,
		patch.Date.UTC(),
		patch.IsSelection,
		patch.Payment.IsPayment,
		patch.Payment.Amount,
		patch.Thumbnail,
		patch.UpdatedAt.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("update event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, r.missOrConflict(ctx, id)
	}
	return r.Get(ctx, id)
}

func (r *EventRepository) RecordApproverDecision(ctx context.Context, id string, approverID string, decision events.Decision, at time.Time) (_ *events.Event, err error) {
	defer observe("record_decision", time.Now(), &err)
	var touched string
	err = r.queryer().QueryRow(ctx, `
WITH decided AS (
  UPDATE event_approvers
     SET decision = $3, decided_at = $4
   WHERE event_id = $1
     AND approver_id = $2
     AND decision = 'PENDING'
  RETURNING event_id
)
UPDATE events e
   SET updated_at = $4, revision = e.revision + 1
  FROM decided d
 WHERE e.id = d.event_id
RETURNING e.id`,
		id, approverID, string(decision), at.UTC(),
	).Scan(&touched)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, r.missOrConflict(ctx, id)
		}
		return nil, fmt.Errorf("record approver decision: %w", err)
	}
	return r.Get(ctx, id)
}

func (r *EventRepository) TransitionStatus(ctx context.Context, id string, from events.Status, to events.Status, at time.Time) (_ *events.Event, err error) {
	defer observe("transition_status", time.Now(), &err)
	if !from.CanTransition(to) {
		return nil, events.ErrConflict
	}
	tag, err := r.queryer().Exec(ctx, `
UPDATE events
   SET status = $3, updated_at = $4, revision = revision + 1
 WHERE id = $1
   AND status = $2`,
		id, string(from), string(to), at.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("transition event status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, r.missOrConflict(ctx, id)
	}
	return r.Get(ctx, id)
}

func (r *EventRepository) Find(ctx context.Context, filter events.Filter) (_ []events.Event, err error) {
	defer observe("find_events", time.Now(), &err)
	statuses := make([]string, 0, len(filter.Statuses))
	for _, s := range filter.Statuses {
		statuses = append(statuses, string(s))
	}

	q := r.queryer()
	rows, err := q.Query(ctx, `
SELECT `+eventColumns+`
  FROM events e
 WHERE ($1 = '' OR e.owner_id = $1)
   AND ($2 = '' OR EXISTS (
         SELECT 1 FROM event_approvers a WHERE a.event_id = e.id AND a.approver_id = $2))
   AND (cardinality($3::text[]) = 0 OR e.status = ANY($3::text[]))
 ORDER BY e.created_at ASC, e.id ASC`,
		filter.OwnerID, filter.ApproverID, statuses,
	)
	if err != nil {
		return nil, fmt.Errorf("find events: %w", err)
	}
	defer rows.Close()

	out := make([]events.Event, 0)
	ids := make([]string, 0)
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, *event)
		ids = append(ids, event.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	if len(ids) == 0 {
		return out, nil
	}

	approvers, err := loadApprovers(ctx, q, ids)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Approvers = approvers[out[i].ID]
	}
	return out, nil
}

// missOrConflict distinguishes a missing event from a failed precondition
// after a conditional write matched no rows.
func (r *EventRepository) missOrConflict(ctx context.Context, id string) error {
	var exists bool
	if err := r.queryer().QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM events WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check event: %w", err)
	}
	if !exists {
		return events.ErrNotFound
	}
	return events.ErrConflict
}

func scanEvent(row pgx.Row) (*events.Event, error) {
	var (
		event  events.Event
		status string
	)
	if err := row.Scan(
		&event.ID,
		&event.Owner.ID,
		&event.Owner.Name,
		&event.Owner.Thumbnail,
		&event.Name,
		&event.Description,
		&event.Thumbnail,
		&event.Date,
		&event.IsSelection,
		&event.Payment.IsPayment,
		&event.Payment.Amount,
		&status,
		&event.CreatedAt,
		&event.UpdatedAt,
		&event.Revision,
	); err != nil {
		return nil, err
	}
	event.Status = events.Status(status)
	event.Date = event.Date.UTC()
	event.CreatedAt = event.CreatedAt.UTC()
	event.UpdatedAt = event.UpdatedAt.UTC()
	event.Approvers = []events.Approver{}
	return &event, nil
}

func loadApprovers(ctx context.Context, q queryer, eventIDs []string) (map[string][]events.Approver, error) {
	rows, err := q.Query(ctx, `
SELECT event_id, approver_id, approver_name, decision, decided_at
  FROM event_approvers
 WHERE event_id = ANY($1::text[])
 ORDER BY event_id, position`, eventIDs)
	if err != nil {
		return nil, fmt.Errorf("load approvers: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]events.Approver, len(eventIDs))
	for rows.Next() {
		var (
			eventID   string
			approver  events.Approver
			decision  string
			decidedAt *time.Time
		)
		if err := rows.Scan(&eventID, &approver.ID, &approver.Name, &decision, &decidedAt); err != nil {
			return nil, fmt.Errorf("scan approver: %w", err)
		}
		approver.Decision = events.Decision(decision)
		if decidedAt != nil {
			at := decidedAt.UTC()
			approver.DecidedAt = &at
		}
		out[eventID] = append(out[eventID], approver)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate approvers: %w", err)
	}
	return out, nil
}
