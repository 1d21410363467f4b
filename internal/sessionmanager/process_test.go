package sessionmanager

import (
	"context"
	"testing"
	"time"

	"github.com/dispatchd/dispatchd/internal/ports"
)

func TestProcessManagerStreamsAssistantTextAndExitCode(t *testing.T) {
	script := `echo '{"type":"assistant","text":"hello from the agent"}'; exit 3`
	m := NewProcessManager("sh", []string{"-c", script})

	sess, events, err := m.StartSession(context.Background(), "W1", ports.StartOptions{})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if sess.AgentID != "W1" {
		t.Errorf("expected session for W1, got %s", sess.AgentID)
	}

	var gotText string
	for msg := range events.Assistant {
		gotText = msg.Message
	}
	if gotText != "hello from the agent" {
		t.Errorf("expected assistant text to stream through, got %q", gotText)
	}

	select {
	case ev := <-events.Exit:
		if ev.Code != 3 {
			t.Errorf("expected exit code 3, got %d", ev.Code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for exit event")
	}
}

func TestProcessManagerDetectsRateLimitFromStderr(t *testing.T) {
	script := `echo "error: rate limit exceeded, please slow down" 1>&2; exit 1`
	m := NewProcessManager("sh", []string{"-c", script})

	_, events, err := m.StartSession(context.Background(), "W1", ports.StartOptions{})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	select {
	case rl, ok := <-events.RateLimited:
		if !ok {
			t.Fatal("rate limited channel closed without an event")
		}
		if rl.ExecutablePath != "sh" {
			t.Errorf("expected executable path sh, got %s", rl.ExecutablePath)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for rate limit event")
	}
}

func TestProcessManagerGetActiveSessionAfterStop(t *testing.T) {
	m := NewProcessManager("sh", []string{"-c", "sleep 5"})

	_, events, err := m.StartSession(context.Background(), "W1", ports.StartOptions{})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	if _, err := m.GetActiveSession(context.Background(), "W1"); err != nil {
		t.Fatalf("expected active session to be found: %v", err)
	}

	if err := m.StopSession(context.Background(), "W1"); err != nil {
		t.Fatalf("StopSession: %v", err)
	}

	select {
	case <-events.Exit:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for exit event after stop")
	}

	if _, err := m.GetActiveSession(context.Background(), "W1"); err == nil {
		t.Error("expected no active session after stop")
	}
}
