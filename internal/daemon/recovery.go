package daemon

import (
	"context"
	"fmt"

	"github.com/dispatchd/dispatchd/internal/elements"
	"github.com/dispatchd/dispatchd/internal/executable"
	"github.com/dispatchd/dispatchd/internal/logging"
	"github.com/dispatchd/dispatchd/internal/ports"
)

// RecoverOrphanedAssignments runs the three-phase orphan recovery pass
// (spec §4.6). Callers must already hold the daemon's recovery
// exclusivity lock (recoveryMu); use RecoverOrphanedAssignmentsSerialized
// instead unless you are one of the cycle/startup call sites that
// already hold it.
func (d *Daemon) RecoverOrphanedAssignments(ctx context.Context) PollResult {
	result := PollResult{}

	d.recoverStuckWorkers(ctx, &result)
	d.recoverOrphanedMergeStewards(ctx, &result)
	d.recoverOrphanedRecoverySteward(ctx, &result)

	return result
}

// --- Phase 1: stuck worker recovery ---------------------------------------

func (d *Daemon) recoverStuckWorkers(ctx context.Context, result *PollResult) {
	tasks, err := d.elements.ListTasks(ctx, elements.ListFilter{
		Type:   "task",
		Status: []elements.TaskStatus{elements.TaskOpen, elements.TaskInProgress},
	})
	if err != nil {
		result.Errors++
		result.ErrorMessages = append(result.ErrorMessages, err.Error())
		return
	}

	for _, t := range tasks {
		if t.Metadata.AssignedAgent == "" {
			continue
		}
		agent, err := d.elements.GetAgent(ctx, t.Metadata.AssignedAgent)
		if err != nil || agent.EntityType != elements.EntityWorker {
			continue
		}
		active, err := d.sessions.GetActiveSession(ctx, agent.ID)
		if err != nil {
			result.Errors++
			result.ErrorMessages = append(result.ErrorMessages, err.Error())
			continue
		}
		if active != nil {
			continue
		}

		exec, err := d.resolver.Resolve(ctx, agent.ID)
		if err != nil {
			result.Errors++
			result.ErrorMessages = append(result.ErrorMessages, err.Error())
			continue
		}
		if exec == executable.AllLimited {
			// This is the cause of the orphan, not a reason to escalate.
			continue
		}

		if d.recoverStuckWorkerTask(ctx, t, agent, exec, result) {
			result.Processed++
		}
	}
}

func (d *Daemon) recoverStuckWorkerTask(ctx context.Context, t *elements.Task, agent *elements.Agent, exec string, result *PollResult) bool {
	d.mu.RLock()
	maxResumeAttempts := d.cfg.MaxResumeAttemptsBeforeRecovery
	d.mu.RUnlock()

	if d.hasRateLimitSessionPattern(t) {
		// Upstream outage, not genuine stuckness; safe to retry next
		// cycle without spawning anything.
		return false
	}

	if t.Metadata.ResumeCount >= maxResumeAttempts {
		d.spawnRecoverySteward(ctx, t, agent, result)
		return false
	}

	var session *ports.Session
	var evts *ports.Events
	var err error
	clearStaleSession := false

	if t.Metadata.SessionID != "" {
		session, evts, err = d.sessions.ResumeSession(ctx, agent.ID, ports.ResumeOptions{
			ProviderSessionID: t.Metadata.SessionID,
			CheckReadyQueue:   false,
			Executable:        exec,
		})
		if err != nil {
			clearStaleSession = true
		}
	}

	if session == nil {
		path, branch := t.Metadata.Worktree, t.Metadata.Branch
		if path != "" {
			exists, werr := d.worktree.WorktreeExists(ctx, path)
			if werr != nil {
				result.Errors++
				result.ErrorMessages = append(result.ErrorMessages, werr.Error())
				return false
			}
			if !exists {
				path, branch = "", ""
			}
		}
		if path == "" {
			info, werr := d.worktree.CreateWorktree(ctx, ports.CreateWorktreeOptions{AgentID: agent.ID, TaskID: t.ID})
			if werr != nil {
				result.Errors++
				result.ErrorMessages = append(result.ErrorMessages, werr.Error())
				return false
			}
			path, branch = info.Path, info.Branch
		}

		session, evts, err = d.sessions.StartSession(ctx, agent.ID, ports.StartOptions{
			WorkingDirectory: path,
			Executable:       exec,
		})
		if err != nil {
			result.Errors++
			result.ErrorMessages = append(result.ErrorMessages, err.Error())
			return false
		}
		t.Metadata.Worktree, t.Metadata.Branch = path, branch
	}

	d.attachSessionListeners(t.ID, agent, exec, session, evts)

	meta := t.Metadata
	meta.ResumeCount++
	meta.SessionID = session.ID
	if clearStaleSession {
		meta.SessionHistory = append(meta.SessionHistory, elements.SessionRecord{
			SessionID: session.ID, AgentID: agent.ID, AgentName: agent.Name,
			AgentRole: elements.EntityWorker, StartedAt: session.StartedAt,
		})
	}

	if _, uerr := d.elements.UpdateTask(ctx, t.ID, elements.TaskPartial{Metadata: &meta}); uerr != nil {
		logging.Errorf("daemon: recoverStuckWorkerTask: metadata write for %s: %v", t.ID, uerr)
		_ = d.sessions.StopSession(ctx, agent.ID)
		result.Errors++
		result.ErrorMessages = append(result.ErrorMessages, uerr.Error())
		return false
	}
	return true
}

// hasRateLimitSessionPattern implements the single-recovery-steward
// pattern-detection guard (spec §4.6): if the last
// RateLimitSessionPatternCount session-history entries are clustered
// within RateLimitSessionGap of each other and none have ended, this
// looks like an upstream outage rather than genuine stuckness.
func (d *Daemon) hasRateLimitSessionPattern(t *elements.Task) bool {
	hist := t.Metadata.SessionHistory
	if len(hist) < RateLimitSessionPatternCount {
		return false
	}
	recent := hist[len(hist)-RateLimitSessionPatternCount:]
	for _, r := range recent {
		if r.EndedAt != nil {
			return false
		}
	}
	first, last := recent[0].StartedAt, recent[len(recent)-1].StartedAt
	gap := last.Sub(first)
	if gap < 0 {
		gap = -gap
	}
	return gap <= RateLimitSessionGap
}

// --- Phase 2: orphaned merge steward ---------------------------------------

func (d *Daemon) recoverOrphanedMergeStewards(ctx context.Context, result *PollResult) {
	tasks, err := d.elements.ListTasks(ctx, elements.ListFilter{
		Type:   "task",
		Status: []elements.TaskStatus{elements.TaskReview},
	})
	if err != nil {
		result.Errors++
		result.ErrorMessages = append(result.ErrorMessages, err.Error())
		return
	}

	for _, t := range tasks {
		if t.Assignee == "" {
			continue
		}
		switch t.Metadata.MergeStatus {
		case elements.MergeMerged, elements.MergeFailed, elements.MergeConflict, elements.MergeTestFailed:
			continue
		}

		agent, err := d.elements.GetAgent(ctx, t.Assignee)
		if err != nil || agent.EntityType != elements.EntitySteward {
			continue
		}
		active, err := d.sessions.GetActiveSession(ctx, agent.ID)
		if err != nil {
			result.Errors++
			result.ErrorMessages = append(result.ErrorMessages, err.Error())
			continue
		}
		if active != nil {
			continue
		}

		meta := t.Metadata
		meta.StewardRecoveryCount++

		if meta.StewardRecoveryCount >= MaxStewardRecoveries {
			meta.MergeStatus = elements.MergeFailed
			meta.MergeFailureReason = fmt.Sprintf("Steward recovery limit reached (%d)", MaxStewardRecoveries)
			empty := ""
			if _, err := d.elements.UpdateTask(ctx, t.ID, elements.TaskPartial{
				Assignee: &empty,
				Metadata: &meta,
			}); err != nil {
				result.Errors++
				result.ErrorMessages = append(result.ErrorMessages, err.Error())
				continue
			}
			result.Processed++
			continue
		}

		exec, err := d.resolver.Resolve(ctx, agent.ID)
		if err != nil || exec == executable.AllLimited {
			// Record the attempt but don't spawn into an outage.
			if _, err := d.elements.UpdateTask(ctx, t.ID, elements.TaskPartial{Metadata: &meta}); err != nil {
				result.Errors++
				result.ErrorMessages = append(result.ErrorMessages, err.Error())
			}
			continue
		}

		session, evts, err := d.sessions.StartSession(ctx, agent.ID, ports.StartOptions{
			WorkingDirectory: t.Metadata.Worktree,
			Interactive:      false,
			Executable:       exec,
		})
		if err != nil {
			if _, uerr := d.elements.UpdateTask(ctx, t.ID, elements.TaskPartial{Metadata: &meta}); uerr != nil {
				result.Errors++
				result.ErrorMessages = append(result.ErrorMessages, uerr.Error())
			}
			result.Errors++
			result.ErrorMessages = append(result.ErrorMessages, err.Error())
			continue
		}
		d.attachSessionListeners(t.ID, agent, exec, session, evts)
		meta.SessionID = session.ID

		if _, err := d.elements.UpdateTask(ctx, t.ID, elements.TaskPartial{Metadata: &meta}); err != nil {
			_ = d.sessions.StopSession(ctx, agent.ID)
			result.Errors++
			result.ErrorMessages = append(result.ErrorMessages, err.Error())
			continue
		}
		result.Processed++
	}
}

// --- Phase 3: orphaned recovery steward -------------------------------------

func (d *Daemon) recoverOrphanedRecoverySteward(ctx context.Context, result *PollResult) {
	tasks, err := d.elements.ListTasks(ctx, elements.ListFilter{Type: "task"})
	if err != nil {
		result.Errors++
		result.ErrorMessages = append(result.ErrorMessages, err.Error())
		return
	}

	for _, t := range tasks {
		if t.Metadata.AssignedAgent == "" {
			continue
		}
		agent, err := d.elements.GetAgent(ctx, t.Metadata.AssignedAgent)
		if err != nil || agent.EntityType != elements.EntitySteward || agent.StewardFocus != elements.StewardRecovery {
			continue
		}
		active, err := d.sessions.GetActiveSession(ctx, agent.ID)
		if err != nil {
			result.Errors++
			result.ErrorMessages = append(result.ErrorMessages, err.Error())
			continue
		}
		if active != nil {
			continue
		}

		meta := t.Metadata
		meta.AssignedAgent = ""
		empty := ""

		escalate := d.countStewardHistory(meta) >= EscalationStewardThreshold
		if !escalate {
			meta.ResumeCount = 0
		}

		if _, err := d.elements.UpdateTask(ctx, t.ID, elements.TaskPartial{
			Assignee: &empty,
			Metadata: &meta,
		}); err != nil {
			result.Errors++
			result.ErrorMessages = append(result.ErrorMessages, err.Error())
			continue
		}

		if escalate {
			d.emitNotification(ctx, Notification{
				Type:   "escalation",
				TaskID: t.ID,
				Message: fmt.Sprintf("task %s has cycled through %d steward sessions without resolution", t.ID, d.countStewardHistory(meta)),
			})
		}
		result.Processed++
	}
}

func (d *Daemon) countStewardHistory(meta elements.OrchestratorMeta) int {
	n := 0
	for _, r := range meta.SessionHistory {
		if r.AgentRole == elements.EntitySteward {
			n++
		}
	}
	return n
}

// --- Recovery-steward spawn (spec §4.7) -------------------------------------

func (d *Daemon) spawnRecoverySteward(ctx context.Context, t *elements.Task, worker *elements.Agent, result *PollResult) {
	steward := d.findFreeAgent(ctx, elements.EntitySteward, elements.StewardRecovery)
	if steward == nil {
		// No recovery steward is free; safe to retry next cycle.
		return
	}

	exec, err := d.resolver.Resolve(ctx, steward.ID)
	if err != nil || exec == executable.AllLimited {
		return
	}

	session, evts, err := d.sessions.StartSession(ctx, steward.ID, ports.StartOptions{
		WorkingDirectory: t.Metadata.Worktree,
		Interactive:      false,
		Executable:       exec,
	})
	if err != nil {
		result.Errors++
		result.ErrorMessages = append(result.ErrorMessages, err.Error())
		return
	}
	d.attachSessionListeners(t.ID, steward, exec, session, evts)

	meta := t.Metadata
	meta.AssignedAgent = steward.ID
	meta.SessionID = session.ID
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
		return
	}
	result.Processed++
}

// findFreeAgent returns the first agent of entityType/focus with zero
// tasks currently assigned to it (spec §4.7 eligibility), or nil.
func (d *Daemon) findFreeAgent(ctx context.Context, entityType elements.EntityType, focus elements.StewardFocus) *elements.Agent {
	agents, err := d.elements.ListAgents(ctx, elements.ListFilter{Type: string(entityType)})
	if err != nil {
		return nil
	}
	for _, a := range agents {
		if a.EntityType != entityType || a.Status != "active" {
			continue
		}
		if focus != "" && a.StewardFocus != focus {
			continue
		}
		assignee := a.ID
		tasks, err := d.elements.ListTasks(ctx, elements.ListFilter{
			Type:     "task",
			Status:   []elements.TaskStatus{elements.TaskOpen, elements.TaskInProgress, elements.TaskReview},
			Assignee: &assignee,
		})
		if err != nil || len(tasks) > 0 {
			continue
		}
		return a
	}
	return nil
}
