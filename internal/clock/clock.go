// Package clock holds the store's time source and the shared helpers for
// element IDs and ISO-8601 timestamps. Other packages (internal/daemon,
// internal/sessionmanager, internal/realtime) still call time.Now, and
// internal/realtime calls uuid.NewString, directly.
package clock

import (
	"time"

	"github.com/google/uuid"
)

// Clock is the seam between daemon logic and wall-clock time.
type Clock interface {
	Now() time.Time
}

// System is the production Clock backed by time.Now.
type System struct{}

func (System) Now() time.Time { return time.Now().UTC() }

// NewID returns a new random element identifier.
func NewID() string {
	return uuid.NewString()
}

// ISO8601 formats t the way elements expect timestamps to round-trip.
func ISO8601(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseISO8601 parses a timestamp previously produced by ISO8601.
func ParseISO8601(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
