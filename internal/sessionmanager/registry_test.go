package sessionmanager

import (
	"testing"

	"github.com/dispatchd/dispatchd/internal/ports"
)

func TestLooksLikeRateLimit(t *testing.T) {
	cases := map[string]bool{
		"Error: rate limit exceeded, please retry": true,
		"429 Too Many Requests":                    true,
		"please slow down and try again later":     true,
		"invalid api key":                          false,
		"connection refused":                       false,
	}
	for msg, want := range cases {
		if got := looksLikeRateLimit(msg); got != want {
			t.Errorf("looksLikeRateLimit(%q) = %v, want %v", msg, got, want)
		}
	}
}

func TestRegistryPutGetStop(t *testing.T) {
	r := newRegistry()
	cancelled := false

	sess := &ports.Session{ID: "s1", AgentID: "A"}
	r.put("A", sess, func() { cancelled = true })

	got, ok := r.get("A")
	if !ok || got != sess {
		t.Fatalf("expected to get back the stored session")
	}

	if !r.stop("A") {
		t.Fatal("expected stop to report the session was found")
	}
	if !cancelled {
		t.Error("expected stop to invoke the cancel func")
	}
	if _, ok := r.get("A"); ok {
		t.Error("expected session to be gone after stop")
	}
}
