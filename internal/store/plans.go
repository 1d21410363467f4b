package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/dispatchd/dispatchd/internal/clock"
	"github.com/dispatchd/dispatchd/internal/elements"
)

func (s *Store) GetPlan(ctx context.Context, id string) (*elements.Plan, error) {
	return getPlan(ctx, s.db, id)
}

func getPlan(ctx context.Context, q querier, id string) (*elements.Plan, error) {
	row := q.QueryRowContext(ctx, `SELECT id, status, child_task_ids, completed_at FROM plans WHERE id = ?`, id)
	return scanPlan(row)
}

func scanPlan(row interface{ Scan(...any) error }) (*elements.Plan, error) {
	var p elements.Plan
	var childTaskIDs string
	var completedAt sql.NullString
	if err := row.Scan(&p.ID, &p.Status, &childTaskIDs, &completedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, elements.ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(childTaskIDs), &p.ChildTaskIDs); err != nil {
		return nil, fmt.Errorf("store: parse childTaskIds for plan %s: %w", p.ID, err)
	}
	if completedAt.Valid && completedAt.String != "" {
		t, err := clock.ParseISO8601(completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("store: parse completedAt for plan %s: %w", p.ID, err)
		}
		p.CompletedAt = &t
	}
	return &p, nil
}

func (s *Store) ListPlans(ctx context.Context, filter elements.ListFilter) ([]*elements.Plan, error) {
	query := `SELECT id, status, child_task_ids, completed_at FROM plans`
	var args []any
	if filter.Status != nil && len(filter.Status) == 1 {
		// Plan.Status is not an elements.TaskStatus; ListFilter is shared
		// with ListTasks, so a single status value maps through as-is.
		query += " WHERE status = ?"
		args = append(args, string(filter.Status[0]))
	}
	query += " ORDER BY id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*elements.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdatePlan applies a sparse update inside one transaction, for the
// same reason UpdateTask does: a bare read-then-write issued from two
// goroutines against a single-connection *sql.DB is not itself atomic.
func (s *Store) UpdatePlan(ctx context.Context, id string, partial elements.PlanPartial) (*elements.Plan, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin update plan %s: %w", id, err)
	}
	defer tx.Rollback()

	current, err := getPlan(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if partial.Status != nil {
		current.Status = *partial.Status
	}
	if partial.CompletedAt != nil {
		current.CompletedAt = partial.CompletedAt
	}

	var completedAt sql.NullString
	if current.CompletedAt != nil {
		completedAt = sql.NullString{String: clock.ISO8601(*current.CompletedAt), Valid: true}
	}

	res, err := tx.ExecContext(ctx, `UPDATE plans SET status = ?, completed_at = ? WHERE id = ?`,
		current.Status, completedAt, id)
	if err != nil {
		return nil, fmt.Errorf("store: update plan %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, elements.ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit update plan %s: %w", id, err)
	}
	return current, nil
}

// PutPlan upserts a plan row, mirroring PutAgent's role for seeding.
func (s *Store) PutPlan(ctx context.Context, p *elements.Plan) error {
	childTaskIDs, err := json.Marshal(p.ChildTaskIDs)
	if err != nil {
		return err
	}
	var completedAt sql.NullString
	if p.CompletedAt != nil {
		completedAt = sql.NullString{String: clock.ISO8601(*p.CompletedAt), Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO plans (id, status, child_task_ids, completed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			child_task_ids = excluded.child_task_ids,
			completed_at = excluded.completed_at`,
		p.ID, p.Status, string(childTaskIDs), completedAt)
	return err
}

func (s *Store) ListEvents(ctx context.Context, filter elements.EventFilter) ([]*elements.Event, error) {
	query := `SELECT id, element_id, type, at FROM element_events WHERE 1=1`
	var args []any
	if filter.ElementID != "" {
		query += " AND element_id = ?"
		args = append(args, filter.ElementID)
	}
	if !filter.Since.IsZero() {
		query += " AND at >= ?"
		args = append(args, clock.ISO8601(filter.Since))
	}
	query += " ORDER BY at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*elements.Event
	for rows.Next() {
		var e elements.Event
		var at string
		if err := rows.Scan(&e.ID, &e.ElementID, &e.Type, &at); err != nil {
			return nil, err
		}
		t, err := clock.ParseISO8601(at)
		if err != nil {
			return nil, err
		}
		e.At = t
		out = append(out, &e)
	}
	return out, rows.Err()
}

// RecordEvent appends an audit-trail row, consumed by ListEvents. The
// daemon's own logic never calls this directly; it exists for an
// external sync engine to record against (spec's ElementAPI.ListEvents
// doc comment).
func (s *Store) RecordEvent(ctx context.Context, e *elements.Event) error {
	if e.ID == "" {
		e.ID = clock.NewID()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO element_events (id, element_id, type, at) VALUES (?, ?, ?, ?)`,
		e.ID, e.ElementID, e.Type, clock.ISO8601(e.At))
	return err
}
