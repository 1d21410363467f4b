package cronjobs

import (
	"context"

	"github.com/dispatchd/dispatchd/internal/elements"
)

// CleanupOldTasks tombstones CLOSED tasks whose ClosedAt is older than
// cfg.CleanupRetention. ElementAPI has no delete operation (spec keeps
// persistence format out of the daemon's scope), so "cleanup" here means
// the same terminal transition the state machine already defines:
// CLOSED -> TOMBSTONE, grounded on the teacher's CleanupOldTasks which
// hard-deletes the equivalent bookkeeping rows.
func (s *Scheduler) CleanupOldTasks(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.cfg.CleanupRetention)

	tasks, err := s.elements.ListTasks(ctx, elements.ListFilter{
		Status: []elements.TaskStatus{elements.TaskClosed},
	})
	if err != nil {
		return 0, err
	}

	tombstoned := elements.TaskTombstone
	count := 0
	for _, task := range tasks {
		if task.ClosedAt == nil || task.ClosedAt.After(cutoff) {
			continue
		}
		if _, err := s.elements.UpdateTask(ctx, task.ID, elements.TaskPartial{Status: &tombstoned}); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}
