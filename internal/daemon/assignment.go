package daemon

import (
	"context"
	"sort"

	"github.com/dispatchd/dispatchd/internal/elements"
	"github.com/dispatchd/dispatchd/internal/executable"
	"github.com/dispatchd/dispatchd/internal/logging"
	"github.com/dispatchd/dispatchd/internal/ports"
)

// PollWorkerAvailability is the manual entry point and cycle step for the
// assignment engine (spec §4.4).
func (d *Daemon) PollWorkerAvailability(ctx context.Context) PollResult {
	result := PollResult{}

	workers, err := d.elements.ListAgents(ctx, elements.ListFilter{Type: "worker", Status: nil})
	if err != nil {
		result.Errors++
		result.ErrorMessages = append(result.ErrorMessages, err.Error())
		return result
	}

	var idle []*elements.Agent
	for _, w := range workers {
		if w.Status != "active" {
			continue
		}
		active, err := d.sessions.GetActiveSession(ctx, w.ID)
		if err != nil {
			result.Errors++
			result.ErrorMessages = append(result.ErrorMessages, err.Error())
			continue
		}
		if active != nil {
			continue
		}
		idle = append(idle, w)
	}

	tasks, err := d.readyTasks(ctx)
	if err != nil {
		result.Errors++
		result.ErrorMessages = append(result.ErrorMessages, err.Error())
		return result
	}

	taken := make(map[string]bool) // task ids claimed so far this poll
	for _, worker := range idle {
		exec, err := d.resolver.Resolve(ctx, worker.ID)
		if err != nil {
			result.Errors++
			result.ErrorMessages = append(result.ErrorMessages, err.Error())
			continue
		}
		if exec == executable.AllLimited {
			// Step 2: do nothing else for this worker this cycle, so
			// resumeCount is never inflated during an outage (§4.6).
			continue
		}

		var chosen *elements.Task
		for _, t := range tasks {
			if taken[t.ID] {
				continue
			}
			if !d.agentHasCapacity(ctx, worker) {
				break
			}
			chosen = t
			break
		}
		if chosen == nil {
			continue
		}
		taken[chosen.ID] = true

		if d.assignWorkerToTask(ctx, worker, chosen, exec) {
			result.Processed++
		} else {
			result.Errors++
		}
	}

	return result
}

// readyTasks returns OPEN tasks with no assignee, not scheduled in the
// future, and with no open dependency, ordered priority desc, createdAt
// asc, id asc (spec §4.4 step 3).
func (d *Daemon) readyTasks(ctx context.Context) ([]*elements.Task, error) {
	empty := ""
	all, err := d.elements.ListTasks(ctx, elements.ListFilter{
		Type:     "task",
		Status:   []elements.TaskStatus{elements.TaskOpen},
		Assignee: &empty,
	})
	if err != nil {
		return nil, err
	}

	now := d.now()
	var ready []*elements.Task
	for _, t := range all {
		if t.ScheduledFor != nil && t.ScheduledFor.After(now) {
			continue
		}
		blocked, err := d.hasOpenDependency(ctx, t)
		if err != nil {
			return nil, err
		}
		if blocked {
			continue
		}
		ready = append(ready, t)
	}

	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		if !ready[i].CreatedAt.Equal(ready[j].CreatedAt) {
			return ready[i].CreatedAt.Before(ready[j].CreatedAt)
		}
		return ready[i].ID < ready[j].ID
	})
	return ready, nil
}

func (d *Daemon) hasOpenDependency(ctx context.Context, t *elements.Task) (bool, error) {
	for _, depID := range t.DependsOn {
		dep, err := d.elements.GetTask(ctx, depID)
		if err != nil {
			if err == elements.ErrNotFound {
				continue
			}
			return false, err
		}
		if dep.Status != elements.TaskClosed && dep.Status != elements.TaskTombstone {
			return true, nil
		}
	}
	return false, nil
}

// agentHasCapacity reports whether worker can take on another task given
// its maxConcurrentTasks (spec Agent invariant). Ephemeral workers with
// no configured limit are treated as single-task.
func (d *Daemon) agentHasCapacity(ctx context.Context, worker *elements.Agent) bool {
	limit := worker.MaxConcurrentTasks
	if limit <= 0 {
		limit = 1
	}
	assignee := worker.ID
	current, err := d.elements.ListTasks(ctx, elements.ListFilter{
		Type:     "task",
		Status:   []elements.TaskStatus{elements.TaskOpen, elements.TaskInProgress},
		Assignee: &assignee,
	})
	if err != nil {
		logging.Errorf("daemon: agentHasCapacity: %v", err)
		return false
	}
	return len(current) < limit
}

// assignWorkerToTask implements spec §4.4 steps 5-9: handoff reuse or
// fresh worktree, atomic metadata write, session start, synchronous
// listener attachment, dispatch, and the no-orphan-session guarantee.
func (d *Daemon) assignWorkerToTask(ctx context.Context, worker *elements.Agent, task *elements.Task, exec string) bool {
	path, branch, err := d.resolveWorktree(ctx, worker, task)
	if err != nil {
		logging.Errorf("daemon: createWorktree for task %s: %v", task.ID, err)
		return false
	}

	assigneeID := worker.ID
	status := elements.TaskInProgress
	meta := task.Metadata
	meta.AssignedAgent = worker.ID
	meta.Branch = branch
	meta.Worktree = path

	if _, err := d.elements.UpdateTask(ctx, task.ID, elements.TaskPartial{
		Status:   &status,
		Assignee: &assigneeID,
		Metadata: &meta,
	}); err != nil {
		logging.Errorf("daemon: assign task %s: %v", task.ID, err)
		return false
	}

	session, evts, err := d.sessions.StartSession(ctx, worker.ID, ports.StartOptions{
		WorkingDirectory: path,
		Prompt:           task.Title,
		Executable:       exec,
	})
	if err != nil {
		logging.Errorf("daemon: startSession for task %s: %v", task.ID, err)
		return false
	}

	// Step 8: attach listeners synchronously, before any other await.
	d.attachSessionListeners(task.ID, worker, exec, session, evts)
	if hook := d.GetConfig().OnSessionStarted; hook != nil {
		hook(SessionStartedInfo{SessionID: session.ID, AgentID: worker.ID, TaskID: task.ID, Prompt: task.Title})
	}

	// Step 9: dispatch the initial prompt.
	if err := d.sessions.MessageSession(ctx, worker.ID, task.Title); err != nil {
		logging.Errorf("daemon: dispatch prompt for task %s: %v", task.ID, err)
		_ = d.sessions.StopSession(ctx, worker.ID)
		return false
	}

	meta.SessionID = session.ID
	meta.SessionHistory = append(meta.SessionHistory, elements.SessionRecord{
		SessionID: session.ID,
		AgentID:   worker.ID,
		AgentName: worker.Name,
		AgentRole: elements.EntityWorker,
		StartedAt: session.StartedAt,
	})
	if _, err := d.elements.UpdateTask(ctx, task.ID, elements.TaskPartial{Metadata: &meta}); err != nil {
		logging.Errorf("daemon: post-dispatch metadata write for task %s: %v", task.ID, err)
		_ = d.sessions.StopSession(ctx, worker.ID)
		return false
	}

	return true
}

// resolveWorktree implements spec §4.4 step 5 (handoff reuse).
func (d *Daemon) resolveWorktree(ctx context.Context, worker *elements.Agent, task *elements.Task) (path, branch string, err error) {
	if task.Metadata.HandoffWorktree != "" {
		exists, err := d.worktree.WorktreeExists(ctx, task.Metadata.HandoffWorktree)
		if err != nil {
			return "", "", err
		}
		if exists {
			return task.Metadata.HandoffWorktree, task.Metadata.HandoffBranch, nil
		}
	}

	info, err := d.worktree.CreateWorktree(ctx, ports.CreateWorktreeOptions{AgentID: worker.ID, TaskID: task.ID})
	if err != nil {
		return "", "", err
	}
	return info.Path, info.Branch, nil
}
