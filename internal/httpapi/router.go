package httpapi

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dispatchd/dispatchd/internal/daemon"
)

// NewRouter builds the daemon's HTTP control surface. jwtSecret verifies
// every bearer token presented to it; an empty secret
// disables auth entirely, for local development against a daemon with
// no exposed network interface.
func NewRouter(d *daemon.Daemon, jwtSecret string) chi.Router {
	h := &handler{daemon: d}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	if jwtSecret != "" {
		r.Use(BearerAuth(jwtSecret))
	}

	r.Get("/status", h.handleStatus)
	r.Post("/poll/{type}", h.handlePoll)
	r.Get("/config", h.handleGetConfig)
	r.Patch("/config", h.handleUpdateConfig)
	r.Get("/ratelimit", h.handleRateLimitStatus)

	return r
}
