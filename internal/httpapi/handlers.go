package httpapi

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/dispatchd/dispatchd/internal/daemon"
	"github.com/dispatchd/dispatchd/internal/httputil"
)

type handler struct {
	daemon *daemon.Daemon
}

type statusResponse struct {
	Running    bool          `json:"running"`
	Config     daemon.Config `json:"config"`
	RateLimits interface{}   `json:"rateLimits"`
}

func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	httputil.OkJSON(w, statusResponse{
		Running:    h.daemon.IsRunning(),
		Config:     h.daemon.GetConfig(),
		RateLimits: h.daemon.GetRateLimitStatus(),
	})
}

// handlePoll runs one poll type on demand, for operator-triggered
// manual polls outside the regular cycle (spec §6's six manual poll
// entry points).
func (h *handler) handlePoll(w http.ResponseWriter, r *http.Request) {
	pollType := httputil.PathVar(r, "type")

	var result daemon.PollResult
	switch daemon.PollType(pollType) {
	case daemon.PollOrphanRecovery:
		result = h.daemon.RecoverOrphanedAssignmentsSerialized(r.Context())
	case daemon.PollClosedUnmergedReconcile:
		result = h.daemon.ReconcileClosedUnmergedTasks(r.Context())
	case daemon.PollInbox:
		result = h.daemon.PollInboxes(r.Context())
	case daemon.PollWorkerAvailability:
		result = h.daemon.PollWorkerAvailability(r.Context())
	case daemon.PollWorkflowTask:
		result = h.daemon.PollWorkflowTasks(r.Context())
	case daemon.PollPlanAutoComplete:
		result = h.daemon.PollPlanAutoComplete(r.Context())
	case daemon.PollStewardTrigger:
		// Steward triage dispatch has no standalone entry point; it
		// shares the inbox poller's triage-spawn path.
		result = daemon.PollResult{PollType: daemon.PollStewardTrigger}
	default:
		httputil.ErrorWithCode(w, http.StatusNotFound, "unknown poll type: "+pollType)
		return
	}

	httputil.OkJSON(w, result)
}

func (h *handler) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	httputil.OkJSON(w, h.daemon.GetConfig())
}

// handleUpdateConfig applies a partial PATCH body onto the live config.
// It merges field-by-field rather than decoding straight into a
// daemon.Config and handing that to UpdateConfig, since a bare decode
// would zero every field the caller's JSON body left out — including
// the poll-enable booleans enabledFor checks.
func (h *handler) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	next, err := mergeConfigPatch(h.daemon.GetConfig(), body)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	h.daemon.UpdateConfig(next)
	httputil.OkJSON(w, h.daemon.GetConfig())
}

// mergeConfigPatch overlays the fields present in body onto cur,
// leaving every field body omits at its current value.
func mergeConfigPatch(cur daemon.Config, body []byte) (daemon.Config, error) {
	base, err := json.Marshal(cur)
	if err != nil {
		return cur, err
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return cur, err
	}

	var patch map[string]json.RawMessage
	if err := json.Unmarshal(body, &patch); err != nil {
		return cur, err
	}
	for k, v := range patch {
		merged[k] = v
	}

	mergedBody, err := json.Marshal(merged)
	if err != nil {
		return cur, err
	}

	next := cur
	if err := json.Unmarshal(mergedBody, &next); err != nil {
		return cur, err
	}
	return next, nil
}

func (h *handler) handleRateLimitStatus(w http.ResponseWriter, r *http.Request) {
	httputil.OkJSON(w, h.daemon.GetRateLimitStatus())
}
