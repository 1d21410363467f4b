package store

import (
	"context"
	"database/sql"

	"github.com/dispatchd/dispatchd/internal/elements"
)

func (s *Store) GetAgent(ctx context.Context, id string) (*elements.Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, entity_type, status, worker_mode, max_concurrent_tasks, steward_focus
		FROM agents WHERE id = ?`, id)

	var a elements.Agent
	var entityType, workerMode, stewardFocus string
	if err := row.Scan(&a.ID, &a.Name, &entityType, &a.Status, &workerMode, &a.MaxConcurrentTasks, &stewardFocus); err != nil {
		if err == sql.ErrNoRows {
			return nil, elements.ErrNotFound
		}
		return nil, err
	}
	a.EntityType = elements.EntityType(entityType)
	a.WorkerMode = elements.WorkerMode(workerMode)
	a.StewardFocus = elements.StewardFocus(stewardFocus)
	return &a, nil
}

func (s *Store) ListAgents(ctx context.Context, filter elements.ListFilter) ([]*elements.Agent, error) {
	query := `SELECT id, name, entity_type, status, worker_mode, max_concurrent_tasks, steward_focus FROM agents`
	var args []any
	if filter.Type != "" {
		query += " WHERE entity_type = ?"
		args = append(args, filter.Type)
	}
	query += " ORDER BY id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*elements.Agent
	for rows.Next() {
		var a elements.Agent
		var entityType, workerMode, stewardFocus string
		if err := rows.Scan(&a.ID, &a.Name, &entityType, &a.Status, &workerMode, &a.MaxConcurrentTasks, &stewardFocus); err != nil {
			return nil, err
		}
		a.EntityType = elements.EntityType(entityType)
		a.WorkerMode = elements.WorkerMode(workerMode)
		a.StewardFocus = elements.StewardFocus(stewardFocus)
		out = append(out, &a)
	}
	return out, rows.Err()
}

// PutAgent upserts an agent row. Agent registration is out of the
// daemon's own scope (spec's ElementAPI has no agent-mutation method) —
// this is a store-local convenience for seeding/importing agents from
// whatever admin surface owns agent lifecycle.
func (s *Store) PutAgent(ctx context.Context, a *elements.Agent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, entity_type, status, worker_mode, max_concurrent_tasks, steward_focus)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			entity_type = excluded.entity_type,
			status = excluded.status,
			worker_mode = excluded.worker_mode,
			max_concurrent_tasks = excluded.max_concurrent_tasks,
			steward_focus = excluded.steward_focus`,
		a.ID, a.Name, string(a.EntityType), a.Status, string(a.WorkerMode), a.MaxConcurrentTasks, string(a.StewardFocus))
	return err
}
