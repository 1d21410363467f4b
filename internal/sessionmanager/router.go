package sessionmanager

import (
	"context"
	"fmt"

	"github.com/dispatchd/dispatchd/internal/ports"
)

var _ ports.SessionManager = (*Router)(nil)

// Router dispatches to one of several backing SessionManagers by the
// Executable named in StartOptions/ResumeOptions, so the daemon's
// fallback chain (spec §4.2) can span backends of different kinds (a
// hosted API and a local CLI) without knowing which is which.
type Router struct {
	backends map[string]ports.SessionManager

	// agentBackend remembers which backend an agent's active session is
	// running on, so StopSession/GetActiveSession/MessageSession (which
	// carry no Executable) route to the same backend Start/ResumeSession
	// picked.
	agentBackend map[string]string
}

// NewRouter builds a Router with no backends registered. Use Register to
// add one per executable name before routing any calls to it.
func NewRouter() *Router {
	return &Router{
		backends:     make(map[string]ports.SessionManager),
		agentBackend: make(map[string]string),
	}
}

// Register binds executable to backend. Later calls with the same
// executable replace the prior binding.
func (r *Router) Register(executable string, backend ports.SessionManager) {
	r.backends[executable] = backend
}

func (r *Router) resolve(executable string) (ports.SessionManager, error) {
	backend, ok := r.backends[executable]
	if !ok {
		return nil, fmt.Errorf("sessionmanager: no backend registered for executable %q", executable)
	}
	return backend, nil
}

func (r *Router) StartSession(ctx context.Context, agentID string, opts ports.StartOptions) (*ports.Session, *ports.Events, error) {
	backend, err := r.resolve(opts.Executable)
	if err != nil {
		return nil, nil, err
	}
	sess, events, err := backend.StartSession(ctx, agentID, opts)
	if err != nil {
		return nil, nil, err
	}
	r.agentBackend[agentID] = opts.Executable
	return sess, events, nil
}

func (r *Router) ResumeSession(ctx context.Context, agentID string, opts ports.ResumeOptions) (*ports.Session, *ports.Events, error) {
	backend, err := r.resolve(opts.Executable)
	if err != nil {
		return nil, nil, err
	}
	sess, events, err := backend.ResumeSession(ctx, agentID, opts)
	if err != nil {
		return nil, nil, err
	}
	r.agentBackend[agentID] = opts.Executable
	return sess, events, nil
}

func (r *Router) backendFor(agentID string) (ports.SessionManager, error) {
	executable, ok := r.agentBackend[agentID]
	if !ok {
		return nil, fmt.Errorf("sessionmanager: no known backend for agent %s", agentID)
	}
	return r.resolve(executable)
}

func (r *Router) StopSession(ctx context.Context, agentID string) error {
	backend, err := r.backendFor(agentID)
	if err != nil {
		return err
	}
	err = backend.StopSession(ctx, agentID)
	delete(r.agentBackend, agentID)
	return err
}

func (r *Router) GetActiveSession(ctx context.Context, agentID string) (*ports.Session, error) {
	backend, err := r.backendFor(agentID)
	if err != nil {
		return nil, err
	}
	return backend.GetActiveSession(ctx, agentID)
}

func (r *Router) MessageSession(ctx context.Context, agentID, message string) error {
	backend, err := r.backendFor(agentID)
	if err != nil {
		return err
	}
	return backend.MessageSession(ctx, agentID, message)
}
