// Package elements defines the durable data model the dispatch daemon
// reads and mutates, and the narrow storage interfaces it depends on.
// Full element CRUD semantics, persistence format, and schema migrations
// belong to the storage engine (internal/store); this package only
// describes the shape the daemon needs.
package elements

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by ElementAPI and InboxService implementations.
var (
	ErrNotFound = errors.New("elements: not found")
	ErrConflict = errors.New("elements: conflicting update")
)

// TaskStatus is the task state machine (spec §4.3).
type TaskStatus string

const (
	TaskOpen       TaskStatus = "OPEN"
	TaskInProgress TaskStatus = "IN_PROGRESS"
	TaskReview     TaskStatus = "REVIEW"
	TaskClosed     TaskStatus = "CLOSED"
	TaskDeferred   TaskStatus = "DEFERRED"
	TaskTombstone  TaskStatus = "TOMBSTONE"
)

// MergeStatus tracks a task's worktree merge outcome.
type MergeStatus string

const (
	MergePending    MergeStatus = "pending"
	MergeTesting    MergeStatus = "testing"
	MergeMerged     MergeStatus = "merged"
	MergeFailed     MergeStatus = "failed"
	MergeConflict   MergeStatus = "conflict"
	MergeTestFailed MergeStatus = "test_failed"
)

// EntityType classifies an Agent.
type EntityType string

const (
	EntityWorker   EntityType = "worker"
	EntitySteward  EntityType = "steward"
	EntityDirector EntityType = "director"
	EntitySystem   EntityType = "system"
	EntityHuman    EntityType = "human"
	EntityAgent    EntityType = "agent"
)

// WorkerMode distinguishes reusable from one-shot worker agents.
type WorkerMode string

const (
	WorkerEphemeral  WorkerMode = "ephemeral"
	WorkerPersistent WorkerMode = "persistent"
)

// StewardFocus is the specialization of a steward agent.
type StewardFocus string

const (
	StewardMerge    StewardFocus = "merge"
	StewardRecovery StewardFocus = "recovery"
	StewardTriage   StewardFocus = "triage"
)

// SessionRecord is one append-only entry in a task's session history.
type SessionRecord struct {
	SessionID string     `json:"sessionId"`
	AgentID   string     `json:"agentId"`
	AgentName string     `json:"agentName"`
	AgentRole EntityType `json:"agentRole"`
	StartedAt time.Time  `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
}

// OrchestratorMeta is the daemon's private per-task state, stored under
// task.metadata.orchestrator.
type OrchestratorMeta struct {
	AssignedAgent string `json:"assignedAgent,omitempty"`
	Branch        string `json:"branch,omitempty"`
	Worktree      string `json:"worktree,omitempty"`
	SessionID     string `json:"sessionId,omitempty"`

	ResumeCount          int `json:"resumeCount"`
	StewardRecoveryCount int `json:"stewardRecoveryCount"`
	ReconciliationCount  int `json:"reconciliationCount"`

	MergeStatus        MergeStatus `json:"mergeStatus,omitempty"`
	MergeFailureReason string      `json:"mergeFailureReason,omitempty"`

	SessionHistory []SessionRecord `json:"sessionHistory,omitempty"`

	HandoffBranch   string `json:"handoffBranch,omitempty"`
	HandoffWorktree string `json:"handoffWorktree,omitempty"`
}

// Task is the unit of work the daemon dispatches to agents.
type Task struct {
	ID     string     `json:"id"`
	Type   string     `json:"type"`
	Title  string     `json:"title"`
	Status TaskStatus `json:"status"`

	Priority int    `json:"priority"` // 1..5
	Assignee string `json:"assignee,omitempty"`

	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	ClosedAt     *time.Time `json:"closedAt,omitempty"`
	CloseReason  string     `json:"closeReason,omitempty"`
	ScheduledFor *time.Time `json:"scheduledFor,omitempty"`

	DependsOn []string `json:"dependsOn,omitempty"`
	PlanID    string   `json:"planId,omitempty"`

	Metadata OrchestratorMeta `json:"metadata"`
}

// Agent is a named entity that can own a session.
type Agent struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	EntityType EntityType `json:"entityType"`
	Status     string     `json:"status"` // active, inactive

	WorkerMode         WorkerMode `json:"workerMode,omitempty"`
	MaxConcurrentTasks int        `json:"maxConcurrentTasks,omitempty"`

	StewardFocus StewardFocus `json:"stewardFocus,omitempty"`
}

// Plan groups a set of child tasks toward a larger outcome.
type Plan struct {
	ID           string     `json:"id"`
	Status       string     `json:"status"` // draft, active, completed
	ChildTaskIDs []string   `json:"childTaskIds"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

// InboxSourceType classifies how an InboxItem arrived.
type InboxSourceType string

const (
	SourceDirect  InboxSourceType = "direct"
	SourceMention InboxSourceType = "mention"
)

// InboxStatus is the read-state of an InboxItem.
type InboxStatus string

const (
	InboxUnread   InboxStatus = "unread"
	InboxRead     InboxStatus = "read"
	InboxDeferred InboxStatus = "deferred"
)

// InboxItem is a message routed to an agent's inbox.
type InboxItem struct {
	RecipientID string          `json:"recipientId"`
	MessageID   string          `json:"messageId"`
	ChannelID   string          `json:"channelId"`
	SourceType  InboxSourceType `json:"sourceType"`
	Status      InboxStatus     `json:"status"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// ListFilter selects elements for ElementAPI.List. Zero values are
// wildcards; Assignee and Status use pointer-to-zero-value ("" means
// "assignee is empty") vs. nil ("don't filter on this field").
type ListFilter struct {
	Type           string
	Status         []TaskStatus
	Assignee       *string
	IncludeDeleted bool
	Category       string
	PlanID         string
}

// TaskPartial is a sparse update to a Task; nil fields are left untouched.
type TaskPartial struct {
	Status       *TaskStatus
	Assignee     *string
	ClosedAt     *time.Time
	ClearClosed  bool
	CloseReason  *string
	ScheduledFor *time.Time
	Metadata     *OrchestratorMeta
}

// PlanPartial is a sparse update to a Plan.
type PlanPartial struct {
	Status      *string
	CompletedAt *time.Time
}

// EventFilter selects events for ElementAPI.ListEvents. Not on the
// daemon's critical path; needed only by the external-sync companion.
type EventFilter struct {
	ElementID string
	Since     time.Time
}

// Event is a recorded change to an element, used by the external-service
// sync engine (outside the daemon's scope).
type Event struct {
	ID        string
	ElementID string
	Type      string
	At        time.Time
}

// ElementAPI is the storage abstraction the daemon consumes. Effectively
// atomic per element: Update must not interleave with a concurrent Update
// on the same id in a way that loses either write.
type ElementAPI interface {
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context, filter ListFilter) ([]*Task, error)
	UpdateTask(ctx context.Context, id string, partial TaskPartial) (*Task, error)
	CreateTask(ctx context.Context, input *Task) (*Task, error)

	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgents(ctx context.Context, filter ListFilter) ([]*Agent, error)

	GetPlan(ctx context.Context, id string) (*Plan, error)
	ListPlans(ctx context.Context, filter ListFilter) ([]*Plan, error)
	UpdatePlan(ctx context.Context, id string, partial PlanPartial) (*Plan, error)

	ListEvents(ctx context.Context, filter EventFilter) ([]*Event, error)
}

// InboxFilter selects inbox items for InboxService.GetInbox.
type InboxFilter struct {
	Status []InboxStatus
}

// InboxService routes messages to agent inboxes.
type InboxService interface {
	GetInbox(ctx context.Context, recipientID string, filter InboxFilter) ([]*InboxItem, error)
	AddToInbox(ctx context.Context, item *InboxItem) error
	MarkInboxItem(ctx context.Context, recipientID, messageID string, status InboxStatus) error
}
