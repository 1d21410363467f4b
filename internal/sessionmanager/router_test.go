package sessionmanager

import (
	"context"
	"testing"

	"github.com/dispatchd/dispatchd/internal/ports"
)

type fakeBackend struct {
	name    string
	started map[string]bool
	stopped map[string]bool
}

func newFakeBackend(name string) *fakeBackend {
	return &fakeBackend{name: name, started: map[string]bool{}, stopped: map[string]bool{}}
}

func (f *fakeBackend) StartSession(ctx context.Context, agentID string, opts ports.StartOptions) (*ports.Session, *ports.Events, error) {
	f.started[agentID] = true
	return &ports.Session{ID: f.name + "-" + agentID, AgentID: agentID}, &ports.Events{}, nil
}

func (f *fakeBackend) ResumeSession(ctx context.Context, agentID string, opts ports.ResumeOptions) (*ports.Session, *ports.Events, error) {
	f.started[agentID] = true
	return &ports.Session{ID: f.name + "-" + agentID, AgentID: agentID}, &ports.Events{}, nil
}

func (f *fakeBackend) StopSession(ctx context.Context, agentID string) error {
	f.stopped[agentID] = true
	return nil
}

func (f *fakeBackend) GetActiveSession(ctx context.Context, agentID string) (*ports.Session, error) {
	return &ports.Session{ID: f.name + "-" + agentID, AgentID: agentID}, nil
}

func (f *fakeBackend) MessageSession(ctx context.Context, agentID, message string) error {
	return nil
}

func TestRouterDispatchesByExecutable(t *testing.T) {
	claude := newFakeBackend("claude")
	gpt := newFakeBackend("gpt")

	r := NewRouter()
	r.Register("claude", claude)
	r.Register("gpt", gpt)

	sess, _, err := r.StartSession(context.Background(), "W1", ports.StartOptions{Executable: "gpt"})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if sess.ID != "gpt-W1" {
		t.Errorf("expected session routed to gpt backend, got %s", sess.ID)
	}
	if claude.started["W1"] {
		t.Error("expected claude backend not to receive the start")
	}
	if !gpt.started["W1"] {
		t.Error("expected gpt backend to receive the start")
	}
}

func TestRouterRoutesStopToOriginatingBackend(t *testing.T) {
	claude := newFakeBackend("claude")
	r := NewRouter()
	r.Register("claude", claude)

	if _, _, err := r.StartSession(context.Background(), "W1", ports.StartOptions{Executable: "claude"}); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if err := r.StopSession(context.Background(), "W1"); err != nil {
		t.Fatalf("StopSession: %v", err)
	}
	if !claude.stopped["W1"] {
		t.Error("expected claude backend to receive the stop")
	}
}

func TestRouterUnknownExecutable(t *testing.T) {
	r := NewRouter()
	if _, _, err := r.StartSession(context.Background(), "W1", ports.StartOptions{Executable: "nope"}); err == nil {
		t.Error("expected an error for an unregistered executable")
	}
}

func TestRouterStopWithoutStartErrors(t *testing.T) {
	r := NewRouter()
	if err := r.StopSession(context.Background(), "never-started"); err == nil {
		t.Error("expected an error stopping an agent with no known backend")
	}
}
