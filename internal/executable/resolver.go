// Package executable resolves which named backend an agent's session
// should run through, walking the configured fallback chain around any
// currently rate-limited executables (spec §4.2).
package executable

import (
	"context"

	"github.com/dispatchd/dispatchd/internal/ports"
	"github.com/dispatchd/dispatchd/internal/ratelimit"
)

// AllLimited is the sentinel value Resolve returns when every candidate
// executable for an agent is currently rate-limited.
const AllLimited = "all_limited"

// Resolver picks an agent's preferred executable, falling back along its
// configured chain when the preferred one is limited.
type Resolver struct {
	tracker  *ratelimit.Tracker
	settings ports.SettingsService
}

// New builds a Resolver over the given tracker and settings source.
func New(tracker *ratelimit.Tracker, settings ports.SettingsService) *Resolver {
	return &Resolver{tracker: tracker, settings: settings}
}

// Resolve returns the agent's preferred executable, or the first
// non-limited member of its fallback chain, or AllLimited if every
// candidate is currently rate-limited.
func (r *Resolver) Resolve(ctx context.Context, agentID string) (string, error) {
	preferred, err := r.settings.DefaultExecutable(ctx, agentID)
	if err != nil {
		return "", err
	}

	if !r.tracker.IsLimited(preferred) {
		return preferred, nil
	}

	chain, err := r.settings.FallbackChain(ctx, agentID)
	if err != nil {
		return "", err
	}
	for _, exec := range chain {
		if !r.tracker.IsLimited(exec) {
			return exec, nil
		}
	}

	return AllLimited, nil
}
