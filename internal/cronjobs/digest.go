package cronjobs

import (
	"context"
	"fmt"

	"github.com/dispatchd/dispatchd/internal/daemon"
	"github.com/dispatchd/dispatchd/internal/elements"
)

// DigestStaleInbox scans every director's inbox for unread items older
// than cfg.DigestMinAge and emits one daemon:notification per director
// summarizing the backlog, rather than leaving it to accumulate silently
// between InboxPoller runs. It does not mark the items read — that stays
// the recipient's decision.
func (s *Scheduler) DigestStaleInbox(ctx context.Context) (int, error) {
	directors, err := s.elements.ListAgents(ctx, elements.ListFilter{Type: string(elements.EntityDirector)})
	if err != nil {
		return 0, err
	}

	cutoff := s.now().Add(-s.cfg.DigestMinAge)
	digested := 0

	for _, director := range directors {
		items, err := s.inbox.GetInbox(ctx, director.ID, elements.InboxFilter{
			Status: []elements.InboxStatus{elements.InboxUnread},
		})
		if err != nil {
			return digested, err
		}

		stale := 0
		for _, item := range items {
			if item.CreatedAt.Before(cutoff) {
				stale++
			}
		}
		if stale == 0 {
			continue
		}

		s.emitNotification(daemon.Notification{
			Type:    "inbox-digest",
			AgentID: director.ID,
			Message: fmt.Sprintf("%d unread inbox item(s) older than %s", stale, s.cfg.DigestMinAge),
		})
		digested += stale
	}

	return digested, nil
}
