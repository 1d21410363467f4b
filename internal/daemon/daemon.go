package daemon

import (
	"context"
	"sync"
	"time"

	"github.com/dispatchd/dispatchd/internal/elements"
	"github.com/dispatchd/dispatchd/internal/events"
	"github.com/dispatchd/dispatchd/internal/executable"
	"github.com/dispatchd/dispatchd/internal/logging"
	"github.com/dispatchd/dispatchd/internal/ports"
	"github.com/dispatchd/dispatchd/internal/ratelimit"
)

// Daemon is the dispatch daemon: the poll-cycle scheduler plus its four
// supporting subsystems, wired against the narrow interfaces it
// consumes. Construct with New, then Start.
type Daemon struct {
	mu     sync.RWMutex
	cfg    Config
	events *events.Subject

	elements elements.ElementAPI
	inbox    elements.InboxService
	sessions ports.SessionManager
	worktree ports.WorktreeManager
	settings ports.SettingsService

	tracker  *ratelimit.Tracker
	resolver *executable.Resolver

	now func() time.Time

	// Scheduler state.
	running     bool
	stopCh      chan struct{}
	doneCh      chan struct{}
	cycleMu     sync.Mutex // serializes cycles; held for the duration of one cycle
	recoveryMu  sync.Mutex // enforces "orphan recovery concurrency <= 1" globally

	// forwardingInboxItems guards against double-delivery across
	// concurrent inbox polls (spec §4.11).
	forwardingMu    sync.Mutex
	forwardingItems map[string]bool
}

// Deps bundles the external collaborators a Daemon is constructed with.
type Deps struct {
	Elements elements.ElementAPI
	Inbox    elements.InboxService
	Sessions ports.SessionManager
	Worktree ports.WorktreeManager
	Settings ports.SettingsService
}

// New constructs a Daemon. It does not start the poll cycle; call Start.
func New(deps Deps, cfg Config) *Daemon {
	d := &Daemon{
		cfg:             cfg,
		events:          events.NewSubject(),
		elements:        deps.Elements,
		inbox:           deps.Inbox,
		sessions:        deps.Sessions,
		worktree:        deps.Worktree,
		settings:        deps.Settings,
		now:             time.Now,
		forwardingItems: make(map[string]bool),
	}

	d.tracker = ratelimit.New(d.resolveChainForTracker, "")
	d.resolver = executable.New(d.tracker, deps.Settings)
	return d
}

// resolveChainForTracker adapts ports.SettingsService (per-agent) to the
// tracker's per-executable ChainResolver. The daemon has exactly one
// organization-wide fallback chain in practice, configured against a
// sentinel "" agent id; SettingsService implementations are free to
// ignore the agent id argument. Any executable is considered a member of
// that single chain, including the tracker's own degenerate-pause probe
// against the "" sentinel, so MarkLimited always propagates plan-wide.
func (d *Daemon) resolveChainForTracker(executable string) ([]string, bool) {
	chain, err := d.settings.FallbackChain(context.Background(), "")
	if err != nil || len(chain) == 0 {
		return nil, false
	}
	return chain, true
}

// Events exposes the daemon's event subject so callers (internal/realtime,
// internal/cronjobs) can subscribe to poll:start/poll:complete/
// daemon:notification without the daemon depending on them.
func (d *Daemon) Events() *events.Subject { return d.events }

// GetConfig returns a copy of the current configuration.
func (d *Daemon) GetConfig() Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

// UpdateConfig replaces the whole configuration with cfg; it does not
// merge, so a field left at its zero value in cfg is set to that zero
// value. A partial change is a read-modify-write: GetConfig, change the
// fields, pass the result back (PATCH /config in internal/httpapi merges
// its body onto the current config this way before calling it).
func (d *Daemon) UpdateConfig(cfg Config) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg = cfg
}

// GetRateLimitStatus exposes the tracker's status surface.
func (d *Daemon) GetRateLimitStatus() ratelimit.Status {
	return d.tracker.Status()
}

// HandleRateLimitDetected records an externally-observed rate limit
// (e.g. reported out-of-band by a session's rate_limited event before
// the rapid-exit detector would have inferred one).
func (d *Daemon) HandleRateLimitDetected(executable string, resetsAt time.Time) {
	d.tracker.MarkLimited(executable, resetsAt)
}

// IsRunning reports whether the poll-cycle ticker is active.
func (d *Daemon) IsRunning() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.running
}

// Start kicks off startup orphan recovery in the background and begins
// the periodic ticker. It returns immediately: startup recovery runs on
// its own goroutine and the first tick serializes behind it, but Start
// itself must not stall caller bringup (spec §4.12 step 1).
func (d *Daemon) Start(ctx context.Context) {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.stopCh = make(chan struct{})
	d.doneCh = make(chan struct{})
	cfg := d.cfg
	d.mu.Unlock()

	startupRecoveryDone := make(chan struct{})
	go func() {
		defer close(startupRecoveryDone)
		if cfg.OrphanRecoveryEnabled {
			d.recoverOrphanedAssignmentsSerialized(ctx)
		}
	}()

	go d.run(ctx, startupRecoveryDone)
}

// Stop flips the running flag, cancels the ticker, and blocks until the
// in-flight cycle (if any) has returned.
func (d *Daemon) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	stopCh := d.stopCh
	doneCh := d.doneCh
	d.mu.Unlock()

	close(stopCh)
	<-doneCh
}

// run is the outer ticker loop. Each tick awaits the previous cycle
// (cycleMu) before running the next, giving the strict non-overlap
// guarantee from spec §5 without an explicit promise type.
func (d *Daemon) run(ctx context.Context, startupRecoveryDone <-chan struct{}) {
	defer close(d.doneCh)

	d.mu.RLock()
	interval := time.Duration(d.cfg.PollIntervalMs) * time.Millisecond
	stopCh := d.stopCh
	d.mu.RUnlock()
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// The very first cycle serializes behind startup recovery; later
	// cycles do not wait on it again (spec §5).
	select {
	case <-startupRecoveryDone:
	case <-stopCh:
		return
	}

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			d.runCycle(ctx)
		}
	}
}

// runCycle runs every enabled poll once, in the fixed order, skipping
// dispatch polls while paused, and emitting poll:start/poll:complete
// around each.
func (d *Daemon) runCycle(ctx context.Context) {
	d.cycleMu.Lock()
	defer d.cycleMu.Unlock()

	cfg := d.GetConfig()
	paused := d.tracker.Status().IsPaused

	for _, pt := range cycleOrder {
		if !cfg.enabledFor(pt) {
			continue
		}
		if paused && dispatchPolls[pt] {
			continue
		}
		d.runPoll(ctx, pt)
	}
}

// runPoll dispatches to the concrete subsystem for pt and emits the
// surrounding events.
func (d *Daemon) runPoll(ctx context.Context, pt PollType) PollResult {
	events.Emit(ctx, d.events, events.TopicPollStart, pt)
	started := d.now()

	var result PollResult
	switch pt {
	case PollOrphanRecovery:
		result = d.recoverOrphanedAssignmentsSerialized(ctx)
	case PollClosedUnmergedReconcile:
		result = d.ReconcileClosedUnmergedTasks(ctx)
	case PollInbox:
		result = d.PollInboxes(ctx)
	case PollWorkerAvailability:
		result = d.PollWorkerAvailability(ctx)
	case PollWorkflowTask:
		result = d.PollWorkflowTasks(ctx)
	case PollStewardTrigger:
		// Steward triage dispatch shares the inbox poller's triage-spawn
		// path (spec names this poll but does not separately specify it
		// beyond inbox-triggered triage); nothing additional to run here
		// standalone each cycle.
		result = PollResult{PollType: pt, StartedAt: started}
	case PollPlanAutoComplete:
		result = d.PollPlanAutoComplete(ctx)
	default:
		logging.Errorf("daemon: unknown poll type %s", pt)
		result = PollResult{PollType: pt, StartedAt: started, Errors: 1, ErrorMessages: []string{"unknown poll type"}}
	}

	result.PollType = pt
	result.StartedAt = started
	result.DurationMs = d.now().Sub(started).Milliseconds()
	events.Emit(ctx, d.events, events.TopicPollComplete, result)
	return result
}

// recoverOrphanedAssignmentsSerialized enforces the global "at most one
// orphan-recovery invocation at any time" invariant (spec §4.12) across
// startup, per-cycle, and manually-triggered invocations, via a
// dedicated mutex distinct from cycleMu. RecoverOrphanedAssignmentsSerialized
// is the exported entry point external callers (the HTTP control
// surface, the CLI's poll command) must use instead of the bare
// RecoverOrphanedAssignments, since recoveryMu is unexported and they
// cannot otherwise satisfy its locking precondition.
func (d *Daemon) recoverOrphanedAssignmentsSerialized(ctx context.Context) PollResult {
	d.recoveryMu.Lock()
	defer d.recoveryMu.Unlock()
	return d.RecoverOrphanedAssignments(ctx)
}

// RecoverOrphanedAssignmentsSerialized runs orphan recovery under the
// daemon's recovery exclusivity lock, safe to call concurrently with
// the background poll cycle. Use this, not RecoverOrphanedAssignments,
// from any caller outside the cycle/startup goroutines that already
// hold the lock.
func (d *Daemon) RecoverOrphanedAssignmentsSerialized(ctx context.Context) PollResult {
	return d.recoverOrphanedAssignmentsSerialized(ctx)
}

func (d *Daemon) emitNotification(ctx context.Context, n Notification) {
	events.Emit(ctx, d.events, events.TopicDaemonNotification, n)
}
