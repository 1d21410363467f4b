package daemon

import (
	"context"

	"github.com/dispatchd/dispatchd/internal/elements"
)

// PollPlanAutoComplete marks plans completed once every child task is
// CLOSED (spec §4.10). Draft, childless, or mixed-status plans are
// skipped.
func (d *Daemon) PollPlanAutoComplete(ctx context.Context) PollResult {
	result := PollResult{}

	plans, err := d.elements.ListPlans(ctx, elements.ListFilter{Status: nil})
	if err != nil {
		result.Errors++
		result.ErrorMessages = append(result.ErrorMessages, err.Error())
		return result
	}

	for _, p := range plans {
		if p.Status != "active" {
			continue
		}
		if len(p.ChildTaskIDs) == 0 {
			continue
		}

		allClosed := true
		for _, taskID := range p.ChildTaskIDs {
			t, err := d.elements.GetTask(ctx, taskID)
			if err != nil {
				result.Errors++
				result.ErrorMessages = append(result.ErrorMessages, err.Error())
				allClosed = false
				break
			}
			if t.Status != elements.TaskClosed {
				allClosed = false
				break
			}
		}
		if !allClosed {
			continue
		}

		completed := "completed"
		now := d.now()
		if _, err := d.elements.UpdatePlan(ctx, p.ID, elements.PlanPartial{
			Status:      &completed,
			CompletedAt: &now,
		}); err != nil {
			result.Errors++
			result.ErrorMessages = append(result.ErrorMessages, err.Error())
			continue
		}
		result.Processed++
	}

	return result
}
