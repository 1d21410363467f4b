// Package ports declares the capability interfaces the dispatch daemon
// consumes for session and worktree lifecycle and for runtime settings.
// These are narrow on purpose (spec §9: "dynamic dispatch of provider
// adapters is not part of the core") — the daemon only ever sees these
// interfaces, never a concrete backend package.
package ports

import (
	"context"
	"time"
)

// SessionEventType enumerates the events a SessionManager emits for a
// running session.
type SessionEventType string

const (
	EventAssistant SessionEventType = "assistant"
)

// SessionEvent is an `event` notification from a running session.
type SessionEvent struct {
	Type    SessionEventType
	Message string
}

// RateLimitedEvent is emitted by a session when the backing executable
// reports a rate limit directly (as opposed to the rapid-exit detector
// inferring one from an exit).
type RateLimitedEvent struct {
	ExecutablePath string
	ResetsAt       time.Time
	Message        string
}

// ExitEvent is emitted exactly once when a session's process ends.
type ExitEvent struct {
	Code   int
	Signal string
}

// Events is the emitter a SessionManager hands back from Start/Resume.
// The daemon attaches its listeners to this synchronously, before any
// other awaited call, per spec §4.4 step 8.
type Events struct {
	Assistant   <-chan SessionEvent
	RateLimited <-chan RateLimitedEvent
	Exit        <-chan ExitEvent
}

// StartOptions configures a new session.
type StartOptions struct {
	WorkingDirectory string
	Interactive      bool
	Prompt           string
	// Executable names the resolved backend (spec §4.2) the manager
	// should route to. Composite SessionManager implementations
	// (internal/sessionmanager.Router) use this to pick among their
	// underlying per-executable managers.
	Executable string
}

// ResumeOptions configures resuming a previously started session.
type ResumeOptions struct {
	ProviderSessionID string
	CheckReadyQueue   bool
	Executable        string
}

// Session is an opaque handle to a running agent session.
type Session struct {
	ID        string
	AgentID   string
	StartedAt time.Time
}

// SessionManager is the opaque session-spawning mechanism the core
// depends on (spec Non-goals). Concrete backends live under
// internal/sessionmanager.
type SessionManager interface {
	StartSession(ctx context.Context, agentID string, opts StartOptions) (*Session, *Events, error)
	ResumeSession(ctx context.Context, agentID string, opts ResumeOptions) (*Session, *Events, error)
	StopSession(ctx context.Context, agentID string) error
	GetActiveSession(ctx context.Context, agentID string) (*Session, error)
	MessageSession(ctx context.Context, agentID, message string) error
}

// WorktreeInfo describes a provisioned worktree.
type WorktreeInfo struct {
	Path   string
	Branch string
}

// CreateWorktreeOptions configures worktree provisioning for a task.
type CreateWorktreeOptions struct {
	AgentID string
	TaskID  string
	Branch  string
}

// WorktreeManager is the git-worktree abstraction the core depends on
// (spec Non-goals). Concrete backend lives under internal/worktree.
type WorktreeManager interface {
	CreateWorktree(ctx context.Context, opts CreateWorktreeOptions) (*WorktreeInfo, error)
	WorktreeExists(ctx context.Context, path string) (bool, error)
}

// SettingsService supplies the fallback chain and per-executable
// defaults the daemon needs to resolve which backend an agent should run
// through. Concrete backend lives under internal/settings.
type SettingsService interface {
	FallbackChain(ctx context.Context, agentID string) ([]string, error)
	DefaultExecutable(ctx context.Context, agentID string) (string, error)
}
