package daemon

import (
	"context"
	"regexp"
	"time"

	"github.com/dispatchd/dispatchd/internal/elements"
	"github.com/dispatchd/dispatchd/internal/logging"
	"github.com/dispatchd/dispatchd/internal/ports"
)

// rateLimitPattern matches assistant messages that indicate the upstream
// executable itself reported a rate limit (spec §4.5). The exact grammar
// beyond these two example phrasings is an open question the spec leaves
// for the implementation; kept as a fixed, non-configurable set here
// (see DESIGN.md).
var rateLimitPattern = regexp.MustCompile(`(?i)you've hit your limit|weekly limit reached|resets [0-9apm:]+`)

// attachSessionListeners wires the rapid-exit detector onto a freshly
// started session (spec §4.4 step 8, §4.5). It must be called
// synchronously with StartSession/ResumeSession returning, before any
// other awaited call, so that events emitted during the gap are never
// lost.
func (d *Daemon) attachSessionListeners(taskID string, agent *elements.Agent, exec string, session *ports.Session, evts *ports.Events) {
	go d.runRapidExitDetector(taskID, agent, exec, session, evts)
}

func (d *Daemon) runRapidExitDetector(taskID string, agent *elements.Agent, exec string, session *ports.Session, evts *ports.Events) {
	startedAt := session.StartedAt
	sawAssistant := false
	var lastMessage string

	for {
		select {
		case ev, ok := <-evts.Assistant:
			if !ok {
				evts.Assistant = nil
				continue
			}
			sawAssistant = true
			lastMessage = ev.Message
		case rl, ok := <-evts.RateLimited:
			if !ok {
				evts.RateLimited = nil
				continue
			}
			d.tracker.MarkLimited(rl.ExecutablePath, rl.ResetsAt)
		case exit, ok := <-evts.Exit:
			if !ok {
				return
			}
			d.handleSessionExit(taskID, agent, exec, startedAt, sawAssistant, lastMessage, exit)
			return
		}
	}
}

// handleSessionExit classifies the exit per spec §4.5 and applies the
// resulting resumeCount rollback / rate-limit mark.
func (d *Daemon) handleSessionExit(taskID string, agent *elements.Agent, exec string, startedAt time.Time, sawAssistant bool, lastMessage string, exit ports.ExitEvent) {
	ctx := context.Background()
	rapid := d.now().Sub(startedAt) < RapidExitThreshold

	switch {
	case rapid && !sawAssistant:
		d.rollbackResumeCount(ctx, taskID)
		d.tracker.MarkLimited(exec, d.now().Add(RapidExitFallbackReset))
	case rapid && rateLimitPattern.MatchString(lastMessage):
		d.rollbackResumeCount(ctx, taskID)
		resetsAt, ok := parseResetTime(lastMessage, d.now())
		if !ok {
			resetsAt = d.now().Add(RapidExitFallbackReset)
		}
		d.tracker.MarkLimited(exec, resetsAt)
	default:
		// Normal exit: leave resumeCount as-is.
	}
}

// rollbackResumeCount decrements metadata.orchestrator.resumeCount by
// exactly one, never below zero (spec §8 "Monotone counters").
func (d *Daemon) rollbackResumeCount(ctx context.Context, taskID string) {
	task, err := d.elements.GetTask(ctx, taskID)
	if err != nil {
		logging.Errorf("daemon: rollbackResumeCount: load task %s: %v", taskID, err)
		return
	}
	meta := task.Metadata
	if meta.ResumeCount > 0 {
		meta.ResumeCount--
	}
	if _, err := d.elements.UpdateTask(ctx, taskID, elements.TaskPartial{Metadata: &meta}); err != nil {
		logging.Errorf("daemon: rollbackResumeCount: update task %s: %v", taskID, err)
	}
}

// parseResetTime attempts to extract a wall-clock reset time from a
// "resets HH:MMam/pm"-shaped rate-limit message. Returns ok=false if no
// time could be parsed, in which case callers fall back to the default
// rapid-exit reset window.
func parseResetTime(message string, now time.Time) (time.Time, bool) {
	m := resetTimeExpr.FindStringSubmatch(message)
	if m == nil {
		return time.Time{}, false
	}
	layouts := []string{"3:04pm", "3pm", "15:04"}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, m[1]); err == nil {
			candidate := time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, now.Location())
			if candidate.Before(now) {
				candidate = candidate.Add(24 * time.Hour)
			}
			return candidate, true
		}
	}
	return time.Time{}, false
}

var resetTimeExpr = regexp.MustCompile(`(?i)resets\s+([0-9apm:]+)`)
