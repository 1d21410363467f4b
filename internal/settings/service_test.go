package settings

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	s, err := NewService(path)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return s
}

func TestFallbackChainPrefersAgentOverOrgWide(t *testing.T) {
	s := newTestService(t)
	cfg := s.Get()
	cfg.FallbackChains["director-1"] = []string{"gpt"}
	cfg.FallbackChains[""] = []string{"claude", "gpt"}
	if err := s.UpdateConfig(cfg); err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}

	chain, err := s.FallbackChain(context.Background(), "director-1")
	if err != nil {
		t.Fatalf("FallbackChain: %v", err)
	}
	if len(chain) != 1 || chain[0] != "gpt" {
		t.Errorf("expected agent-specific chain [gpt], got %v", chain)
	}

	orgChain, err := s.FallbackChain(context.Background(), "unknown-agent")
	if err != nil {
		t.Fatalf("FallbackChain: %v", err)
	}
	if len(orgChain) != 2 {
		t.Errorf("expected org-wide chain for an agent with no override, got %v", orgChain)
	}
}

func TestDefaultExecutable(t *testing.T) {
	s := newTestService(t)
	exe, err := s.DefaultExecutable(context.Background(), "any-agent")
	if err != nil {
		t.Fatalf("DefaultExecutable: %v", err)
	}
	if exe != "claude" {
		t.Errorf("expected claude, got %q", exe)
	}
}

func TestUpdateConfigFiresCallbacks(t *testing.T) {
	s := newTestService(t)

	var seen FileConfig
	calls := 0
	s.OnChange(func(cfg FileConfig) {
		seen = cfg
		calls++
	})

	cfg := s.Get()
	cfg.DefaultExecutable = "gpt"
	if err := s.UpdateConfig(cfg); err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}

	if calls != 1 {
		t.Fatalf("expected exactly 1 callback invocation, got %d", calls)
	}
	if seen.DefaultExecutable != "gpt" {
		t.Errorf("expected callback to see updated config, got %q", seen.DefaultExecutable)
	}
}
