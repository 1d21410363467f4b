// Package daemon implements the dispatch daemon's core: the poll-cycle
// scheduler and its four supporting subsystems (assignment engine,
// orphan/recovery state machine, workflow poller, rate-limit-aware
// dispatch gating). Everything here depends only on narrow interfaces
// (elements.ElementAPI, ports.SessionManager, ports.WorktreeManager,
// ports.SettingsService, elements.InboxService) — never on a concrete
// backend package.
package daemon

import "time"

// PollType names one of the fixed-order polls run each cycle (spec §4.12).
type PollType string

const (
	PollOrphanRecovery            PollType = "orphan-recovery"
	PollClosedUnmergedReconcile   PollType = "closed-unmerged-reconciliation"
	PollInbox                     PollType = "inbox"
	PollWorkerAvailability        PollType = "worker-availability"
	PollWorkflowTask              PollType = "workflow-task"
	PollStewardTrigger            PollType = "steward-trigger"
	PollPlanAutoComplete          PollType = "plan-auto-complete"
)

// cycleOrder is the fixed order polls run within a cycle (spec §4.12).
var cycleOrder = []PollType{
	PollOrphanRecovery,
	PollClosedUnmergedReconcile,
	PollInbox,
	PollWorkerAvailability,
	PollWorkflowTask,
	PollStewardTrigger,
	PollPlanAutoComplete,
}

// dispatchPolls may start new sessions and are skipped while the
// rate-limit tracker reports isPaused (spec §4.12, Glossary "Dispatch
// poll").
var dispatchPolls = map[PollType]bool{
	PollWorkerAvailability: true,
	PollWorkflowTask:       true,
}

// PollResult is the outcome of running a single poll.
type PollResult struct {
	PollType     PollType      `json:"pollType"`
	StartedAt    time.Time     `json:"startedAt"`
	Processed    int           `json:"processed"`
	Errors       int           `json:"errors"`
	ErrorMessages []string     `json:"errorMessages,omitempty"`
	DurationMs   int64         `json:"durationMs"`
}

// Success reports whether the poll completed without any per-task
// failures (spec §7 "User-visible surface").
func (r PollResult) Success() bool { return r.Errors == 0 }

// Notification is the payload of a daemon:notification event.
type Notification struct {
	Type    string `json:"type"`
	TaskID  string `json:"taskId,omitempty"`
	AgentID string `json:"agentId,omitempty"`
	Message string `json:"message"`
}

// Config is the daemon's configuration surface (spec §6 "Configuration
// surface"). All fields are optional; DefaultConfig supplies defaults.
type Config struct {
	PollIntervalMs int `json:"pollIntervalMs"`

	WorkerAvailabilityPollEnabled      bool `json:"workerAvailabilityPollEnabled"`
	InboxPollEnabled                   bool `json:"inboxPollEnabled"`
	StewardTriggerPollEnabled          bool `json:"stewardTriggerPollEnabled"`
	WorkflowTaskPollEnabled            bool `json:"workflowTaskPollEnabled"`
	OrphanRecoveryEnabled              bool `json:"orphanRecoveryEnabled"`
	ClosedUnmergedReconciliationEnabled bool `json:"closedUnmergedReconciliationEnabled"`
	PlanAutoCompleteEnabled            bool `json:"planAutoCompleteEnabled"`

	ClosedUnmergedGracePeriodMs  int64 `json:"closedUnmergedGracePeriodMs"`
	MaxResumeAttemptsBeforeRecovery int `json:"maxResumeAttemptsBeforeRecovery"`

	// OnSessionStarted is invoked synchronously, before dispatch, the
	// instant a session starts (spec §4.4 step 8). Optional; set by the
	// embedder, never by the HTTP config surface.
	OnSessionStarted func(SessionStartedInfo) `json:"-"`
}

// SessionStartedInfo is passed to the optional OnSessionStarted hook.
type SessionStartedInfo struct {
	SessionID string
	AgentID   string
	TaskID    string
	Prompt    string
}

// DefaultConfig returns the documented default configuration (spec §6).
func DefaultConfig() Config {
	return Config{
		PollIntervalMs: 1000,

		WorkerAvailabilityPollEnabled:       true,
		InboxPollEnabled:                    true,
		StewardTriggerPollEnabled:           true,
		WorkflowTaskPollEnabled:             true,
		OrphanRecoveryEnabled:               true,
		ClosedUnmergedReconciliationEnabled: true,
		PlanAutoCompleteEnabled:             true,

		ClosedUnmergedGracePeriodMs:     120_000,
		MaxResumeAttemptsBeforeRecovery: 3,
	}
}

func (c Config) enabledFor(p PollType) bool {
	switch p {
	case PollOrphanRecovery:
		return c.OrphanRecoveryEnabled
	case PollClosedUnmergedReconcile:
		return c.ClosedUnmergedReconciliationEnabled
	case PollInbox:
		return c.InboxPollEnabled
	case PollWorkerAvailability:
		return c.WorkerAvailabilityPollEnabled
	case PollWorkflowTask:
		return c.WorkflowTaskPollEnabled
	case PollStewardTrigger:
		return c.StewardTriggerPollEnabled
	case PollPlanAutoComplete:
		return c.PlanAutoCompleteEnabled
	default:
		return false
	}
}

// Tunable constants named throughout spec §4.
const (
	MaxStewardRecoveries          = 3
	MaxReconciliations            = 3
	EscalationStewardThreshold    = 3
	RapidExitThreshold            = 10 * time.Second
	RapidExitFallbackReset        = time.Hour
	RateLimitSessionPatternCount  = 3
	RateLimitSessionGap           = 2 * time.Minute
)
