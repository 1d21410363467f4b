package daemon

import (
	"context"
	"sort"

	"github.com/dispatchd/dispatchd/internal/elements"
	"github.com/dispatchd/dispatchd/internal/executable"
	"github.com/dispatchd/dispatchd/internal/ports"
)

// PollWorkflowTasks dispatches REVIEW tasks to merge stewards (spec §4.8).
func (d *Daemon) PollWorkflowTasks(ctx context.Context) PollResult {
	result := PollResult{}

	empty := ""
	tasks, err := d.elements.ListTasks(ctx, elements.ListFilter{
		Type:     "task",
		Status:   []elements.TaskStatus{elements.TaskReview},
		Assignee: &empty,
	})
	if err != nil {
		result.Errors++
		result.ErrorMessages = append(result.ErrorMessages, err.Error())
		return result
	}

	var eligible []*elements.Task
	for _, t := range tasks {
		if t.Metadata.Worktree == "" {
			continue
		}
		if t.Metadata.MergeStatus != "" && t.Metadata.MergeStatus != elements.MergePending {
			// A task already in testing, merged, etc. is never
			// re-dispatched here.
			continue
		}
		eligible = append(eligible, t)
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority > eligible[j].Priority
		}
		return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
	})

	for _, t := range eligible {
		steward := d.findFreeAgent(ctx, elements.EntitySteward, elements.StewardMerge)
		if steward == nil {
			continue
		}

		exec, err := d.resolver.Resolve(ctx, steward.ID)
		if err != nil {
			result.Errors++
			result.ErrorMessages = append(result.ErrorMessages, err.Error())
			continue
		}
		if exec == executable.AllLimited {
			continue
		}

		session, evts, err := d.sessions.StartSession(ctx, steward.ID, ports.StartOptions{
			WorkingDirectory: t.Metadata.Worktree,
			Interactive:      false,
			Executable:       exec,
		})
		if err != nil {
			result.Errors++
			result.ErrorMessages = append(result.ErrorMessages, err.Error())
			continue
		}
		d.attachSessionListeners(t.ID, steward, exec, session, evts)

		meta := t.Metadata
		meta.AssignedAgent = steward.ID
		meta.SessionID = session.ID
		meta.MergeStatus = elements.MergeTesting
		meta.SessionHistory = append(meta.SessionHistory, elements.SessionRecord{
			SessionID: session.ID, AgentID: steward.ID, AgentName: steward.Name,
			AgentRole: elements.EntitySteward, StartedAt: session.StartedAt,
		})

		stewardID := steward.ID
		if _, err := d.elements.UpdateTask(ctx, t.ID, elements.TaskPartial{
			Assignee: &stewardID,
			Metadata: &meta,
		}); err != nil {
			_ = d.sessions.StopSession(ctx, steward.ID)
			result.Errors++
			result.ErrorMessages = append(result.ErrorMessages, err.Error())
			continue
		}
		result.Processed++
	}

	return result
}
