package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dispatchd/dispatchd/internal/clock"
	"github.com/dispatchd/dispatchd/internal/elements"
)

type taskRow struct {
	ID           string
	Type         string
	Title        string
	Status       string
	Priority     int
	Assignee     string
	CreatedAt    string
	UpdatedAt    string
	ClosedAt     sql.NullString
	CloseReason  string
	ScheduledFor sql.NullString
	DependsOn    string
	PlanID       string
	Metadata     string
}

func scanTask(row interface{ Scan(...any) error }) (*elements.Task, error) {
	var r taskRow
	if err := row.Scan(&r.ID, &r.Type, &r.Title, &r.Status, &r.Priority, &r.Assignee,
		&r.CreatedAt, &r.UpdatedAt, &r.ClosedAt, &r.CloseReason, &r.ScheduledFor,
		&r.DependsOn, &r.PlanID, &r.Metadata); err != nil {
		return nil, err
	}
	return taskFromRow(r)
}

func taskFromRow(r taskRow) (*elements.Task, error) {
	t := &elements.Task{
		ID:          r.ID,
		Type:        r.Type,
		Title:       r.Title,
		Status:      elements.TaskStatus(r.Status),
		Priority:    r.Priority,
		Assignee:    r.Assignee,
		CloseReason: r.CloseReason,
		PlanID:      r.PlanID,
	}

	createdAt, err := clock.ParseISO8601(r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("store: parse createdAt for task %s: %w", r.ID, err)
	}
	t.CreatedAt = createdAt

	updatedAt, err := clock.ParseISO8601(r.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("store: parse updatedAt for task %s: %w", r.ID, err)
	}
	t.UpdatedAt = updatedAt

	if r.ClosedAt.Valid && r.ClosedAt.String != "" {
		closedAt, err := clock.ParseISO8601(r.ClosedAt.String)
		if err != nil {
			return nil, fmt.Errorf("store: parse closedAt for task %s: %w", r.ID, err)
		}
		t.ClosedAt = &closedAt
	}
	if r.ScheduledFor.Valid && r.ScheduledFor.String != "" {
		scheduledFor, err := clock.ParseISO8601(r.ScheduledFor.String)
		if err != nil {
			return nil, fmt.Errorf("store: parse scheduledFor for task %s: %w", r.ID, err)
		}
		t.ScheduledFor = &scheduledFor
	}

	if err := json.Unmarshal([]byte(r.DependsOn), &t.DependsOn); err != nil {
		return nil, fmt.Errorf("store: parse dependsOn for task %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.Metadata), &t.Metadata); err != nil {
		return nil, fmt.Errorf("store: parse metadata for task %s: %w", r.ID, err)
	}
	return t, nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*elements.Task, error) {
	return getTask(ctx, s.db, id)
}

func getTask(ctx context.Context, q querier, id string) (*elements.Task, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, type, title, status, priority, assignee, created_at, updated_at,
		       closed_at, close_reason, scheduled_for, depends_on, plan_id, metadata
		FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, elements.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return task, nil
}

func (s *Store) ListTasks(ctx context.Context, filter elements.ListFilter) ([]*elements.Task, error) {
	var where []string
	var args []any

	if filter.Type != "" {
		where = append(where, "type = ?")
		args = append(args, filter.Type)
	}
	if len(filter.Status) > 0 {
		placeholders := make([]string, len(filter.Status))
		for i, st := range filter.Status {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if filter.Assignee != nil {
		where = append(where, "assignee = ?")
		args = append(args, *filter.Assignee)
	}
	if filter.PlanID != "" {
		where = append(where, "plan_id = ?")
		args = append(args, filter.PlanID)
	}

	query := `SELECT id, type, title, status, priority, assignee, created_at, updated_at,
		       closed_at, close_reason, scheduled_for, depends_on, plan_id, metadata FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*elements.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) CreateTask(ctx context.Context, input *elements.Task) (*elements.Task, error) {
	if input.ID == "" {
		input.ID = clock.NewID()
	}
	now := s.clock.Now()
	input.CreatedAt = now
	input.UpdatedAt = now

	dependsOn, err := json.Marshal(input.DependsOn)
	if err != nil {
		return nil, err
	}
	metadata, err := json.Marshal(input.Metadata)
	if err != nil {
		return nil, err
	}

	var closedAt, scheduledFor sql.NullString
	if input.ClosedAt != nil {
		closedAt = sql.NullString{String: clock.ISO8601(*input.ClosedAt), Valid: true}
	}
	if input.ScheduledFor != nil {
		scheduledFor = sql.NullString{String: clock.ISO8601(*input.ScheduledFor), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, type, title, status, priority, assignee, created_at,
		                    updated_at, closed_at, close_reason, scheduled_for, depends_on, plan_id, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		input.ID, input.Type, input.Title, string(input.Status), input.Priority, input.Assignee,
		clock.ISO8601(now), clock.ISO8601(now), closedAt, input.CloseReason, scheduledFor,
		string(dependsOn), input.PlanID, string(metadata))
	if err != nil {
		return nil, fmt.Errorf("store: create task: %w", err)
	}
	return input, nil
}

// UpdateTask applies a sparse update. The read and write run inside one
// transaction: SetMaxOpenConns(1) only serializes individual statements
// on the wire, not a read-then-write sequence issued from two different
// goroutines, so without a transaction two concurrent UpdateTask calls
// could both read the same row before either writes and the second
// write would silently clobber the first's changes.
func (s *Store) UpdateTask(ctx context.Context, id string, partial elements.TaskPartial) (*elements.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin update task %s: %w", id, err)
	}
	defer tx.Rollback()

	current, err := getTask(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	if partial.Status != nil {
		current.Status = *partial.Status
	}
	if partial.Assignee != nil {
		current.Assignee = *partial.Assignee
	}
	if partial.ClearClosed {
		current.ClosedAt = nil
	}
	if partial.ClosedAt != nil {
		current.ClosedAt = partial.ClosedAt
	}
	if partial.CloseReason != nil {
		current.CloseReason = *partial.CloseReason
	}
	if partial.ScheduledFor != nil {
		current.ScheduledFor = partial.ScheduledFor
	}
	if partial.Metadata != nil {
		current.Metadata = *partial.Metadata
	}
	current.UpdatedAt = s.clock.Now()

	dependsOn, err := json.Marshal(current.DependsOn)
	if err != nil {
		return nil, err
	}
	metadata, err := json.Marshal(current.Metadata)
	if err != nil {
		return nil, err
	}
	var closedAt, scheduledFor sql.NullString
	if current.ClosedAt != nil {
		closedAt = sql.NullString{String: clock.ISO8601(*current.ClosedAt), Valid: true}
	}
	if current.ScheduledFor != nil {
		scheduledFor = sql.NullString{String: clock.ISO8601(*current.ScheduledFor), Valid: true}
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = ?, assignee = ?, updated_at = ?, closed_at = ?,
		                 close_reason = ?, scheduled_for = ?, depends_on = ?, metadata = ?
		WHERE id = ?`,
		string(current.Status), current.Assignee, clock.ISO8601(current.UpdatedAt), closedAt,
		current.CloseReason, scheduledFor, string(dependsOn), string(metadata), id)
	if err != nil {
		return nil, fmt.Errorf("store: update task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, elements.ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit update task %s: %w", id, err)
	}
	return current, nil
}
