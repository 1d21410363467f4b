package daemon

import (
	"context"
	"time"

	"github.com/dispatchd/dispatchd/internal/elements"
)

// ReconcileClosedUnmergedTasks reverts tasks that were closed but never
// merged back into REVIEW, unless the safety valve has tripped (spec
// §4.9).
func (d *Daemon) ReconcileClosedUnmergedTasks(ctx context.Context) PollResult {
	result := PollResult{}

	tasks, err := d.elements.ListTasks(ctx, elements.ListFilter{
		Type:   "task",
		Status: []elements.TaskStatus{elements.TaskClosed},
	})
	if err != nil {
		result.Errors++
		result.ErrorMessages = append(result.ErrorMessages, err.Error())
		return result
	}

	cfg := d.GetConfig()
	grace := time.Duration(cfg.ClosedUnmergedGracePeriodMs) * time.Millisecond
	now := d.now()

	for _, t := range tasks {
		if t.Metadata.MergeStatus == elements.MergeMerged {
			continue
		}
		if t.Metadata.ReconciliationCount >= MaxReconciliations {
			// Safety valve: leave as CLOSED permanently.
			continue
		}
		if t.ClosedAt == nil || now.Sub(*t.ClosedAt) < grace {
			continue
		}

		status := elements.TaskReview
		meta := t.Metadata
		meta.ReconciliationCount++
		closeReason := ""

		if _, err := d.elements.UpdateTask(ctx, t.ID, elements.TaskPartial{
			Status:      &status,
			ClearClosed: true,
			CloseReason: &closeReason,
			Metadata:    &meta,
		}); err != nil {
			result.Errors++
			result.ErrorMessages = append(result.ErrorMessages, err.Error())
			continue
		}
		result.Processed++
	}

	return result
}
