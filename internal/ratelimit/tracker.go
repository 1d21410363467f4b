// Package ratelimit tracks per-executable rate-limit state and answers
// whether a plan-scoped fallback chain is entirely exhausted. It is the
// single source of truth the rest of the daemon consults before spawning
// a session (spec §4.1).
package ratelimit

import (
	"sync"
	"time"
)

// MinFloor is the minimum duration any markLimited clamps resetsAt
// forward to, from now. Upstream rate-limit errors often under-report
// their true reset time; clamping prevents rapid-retry thrash during a
// long outage.
const MinFloor = 15 * time.Minute

// Entry is one executable's current rate-limit state.
type Entry struct {
	Executable string    `json:"executable"`
	ResetsAt   time.Time `json:"resetsAt"`
}

// Status summarizes the tracker for the daemon's getRateLimitStatus
// surface.
type Status struct {
	Limits       []Entry    `json:"limits"`
	SoonestReset *time.Time `json:"soonestReset,omitempty"`
	IsPaused     bool       `json:"isPaused"`
}

// ChainResolver returns the fallback chain an executable belongs to, so
// a limit on one member can be propagated to the rest (plan scope).
// Status also calls it with the tracker's default executable to find the
// chain whose members must all be limited for IsPaused.
type ChainResolver func(executable string) (chain []string, ok bool)

// Tracker is the daemon-owned rate-limit state. Safe for concurrent use,
// though in practice it is only ever mutated from the daemon's
// single-logical-thread scheduling context.
type Tracker struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time

	// resolveChain maps an executable to its configured fallback chain,
	// used to apply plan-scope propagation on markLimited and to decide
	// the degenerate (empty-chain) isPaused case.
	resolveChain ChainResolver

	// defaultExecutable is the key isPaused resolves a chain for; when
	// resolveChain returns no chain for it, isPaused checks it alone.
	defaultExecutable string
}

// New creates a Tracker. resolveChain may be nil (no plan-scope
// propagation, e.g. in unit tests exercising the floor/prune behavior in
// isolation).
func New(resolveChain ChainResolver, defaultExecutable string) *Tracker {
	return &Tracker{
		entries:           make(map[string]time.Time),
		now:               func() time.Time { return time.Now() },
		resolveChain:      resolveChain,
		defaultExecutable: defaultExecutable,
	}
}

// WithClock overrides the time source, for deterministic tests.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// MarkLimited records that executable is rate-limited until resetsAt,
// clamped forward to MinFloor from now, and keeps the later of any
// existing and new resetsAt. If executable belongs to a configured
// fallback chain, every chain member is marked limited with the same
// (clamped) resetsAt — the plan-scope rule.
func (t *Tracker) MarkLimited(executable string, resetsAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	floor := now.Add(MinFloor)
	if resetsAt.Before(floor) {
		resetsAt = floor
	}

	members := []string{executable}
	if t.resolveChain != nil {
		if chain, ok := t.resolveChain(executable); ok {
			members = chain
		}
	}

	for _, m := range members {
		if existing, found := t.entries[m]; found && existing.After(resetsAt) {
			continue
		}
		t.entries[m] = resetsAt
	}
}

// IsLimited reports whether executable currently has an unexpired entry.
// Expired entries are lazily pruned.
func (t *Tracker) IsLimited(executable string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.isLimitedLocked(executable)
}

func (t *Tracker) isLimitedLocked(executable string) bool {
	now := t.now()
	resetsAt, ok := t.entries[executable]
	if !ok {
		return false
	}
	if !resetsAt.After(now) {
		delete(t.entries, executable)
		return false
	}
	return true
}

// Status reports the current set of live limits and whether the plan's
// chain (or default executable, degenerate case) is fully limited.
func (t *Tracker) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var limits []Entry
	var soonest *time.Time
	for exec, resetsAt := range t.entries {
		if !resetsAt.After(now) {
			delete(t.entries, exec)
			continue
		}
		limits = append(limits, Entry{Executable: exec, ResetsAt: resetsAt})
		if soonest == nil || resetsAt.Before(*soonest) {
			r := resetsAt
			soonest = &r
		}
	}

	isPaused := t.isPausedLocked()

	return Status{Limits: limits, SoonestReset: soonest, IsPaused: isPaused}
}

// isPausedLocked reports whether every member of the plan's fallback
// chain is limited. Degenerate case (no chain configured): paused iff
// the default executable is limited.
func (t *Tracker) isPausedLocked() bool {
	if t.resolveChain != nil {
		if chain, ok := t.resolveChain(t.defaultExecutable); ok && len(chain) > 0 {
			for _, exec := range chain {
				if !t.isLimitedLocked(exec) {
					return false
				}
			}
			return true
		}
	}
	if t.defaultExecutable == "" {
		return false
	}
	return t.isLimitedLocked(t.defaultExecutable)
}
