package daemon

import (
	"context"

	"github.com/dispatchd/dispatchd/internal/elements"
	"github.com/dispatchd/dispatchd/internal/executable"
	"github.com/dispatchd/dispatchd/internal/ports"
)

// PollInboxes forwards pending inbox items into running sessions or
// spawns triage sessions (spec §4.11).
func (d *Daemon) PollInboxes(ctx context.Context) PollResult {
	result := PollResult{}

	recipients, err := d.elements.ListAgents(ctx, elements.ListFilter{})
	if err != nil {
		result.Errors++
		result.ErrorMessages = append(result.ErrorMessages, err.Error())
		return result
	}

	for _, recipient := range recipients {
		items, err := d.inbox.GetInbox(ctx, recipient.ID, elements.InboxFilter{Status: []elements.InboxStatus{elements.InboxUnread}})
		if err != nil {
			result.Errors++
			result.ErrorMessages = append(result.ErrorMessages, err.Error())
			continue
		}

		for _, item := range items {
			key := recipient.ID + ":" + item.MessageID
			if !d.claimForwarding(key) {
				continue
			}

			ok := d.forwardInboxItem(ctx, recipient, item, &result)
			d.releaseForwarding(key)
			if ok {
				result.Processed++
			}
		}
	}

	return result
}

func (d *Daemon) claimForwarding(key string) bool {
	d.forwardingMu.Lock()
	defer d.forwardingMu.Unlock()
	if d.forwardingItems[key] {
		return false
	}
	d.forwardingItems[key] = true
	return true
}

func (d *Daemon) releaseForwarding(key string) {
	d.forwardingMu.Lock()
	defer d.forwardingMu.Unlock()
	delete(d.forwardingItems, key)
}

func (d *Daemon) forwardInboxItem(ctx context.Context, recipient *elements.Agent, item *elements.InboxItem, result *PollResult) bool {
	active, err := d.sessions.GetActiveSession(ctx, recipient.ID)
	if err != nil {
		result.Errors++
		result.ErrorMessages = append(result.ErrorMessages, err.Error())
		return false
	}

	if active != nil {
		if err := d.sessions.MessageSession(ctx, recipient.ID, item.MessageID); err != nil {
			result.Errors++
			result.ErrorMessages = append(result.ErrorMessages, err.Error())
			return false
		}
		if err := d.inbox.MarkInboxItem(ctx, recipient.ID, item.MessageID, elements.InboxRead); err != nil {
			result.Errors++
			result.ErrorMessages = append(result.ErrorMessages, err.Error())
			return false
		}
		return true
	}

	return d.spawnTriageSession(ctx, recipient, item, result)
}

// spawnTriageSession starts an ephemeral worker session for an inbox
// item whose recipient has no active session, unless the resolver
// reports all_limited (spec §4.11).
func (d *Daemon) spawnTriageSession(ctx context.Context, recipient *elements.Agent, item *elements.InboxItem, result *PollResult) bool {
	exec, err := d.resolver.Resolve(ctx, recipient.ID)
	if err != nil {
		result.Errors++
		result.ErrorMessages = append(result.ErrorMessages, err.Error())
		return false
	}
	if exec == executable.AllLimited {
		return false
	}

	session, evts, err := d.sessions.StartSession(ctx, recipient.ID, ports.StartOptions{
		Prompt:     item.MessageID,
		Executable: exec,
	})
	if err != nil {
		result.Errors++
		result.ErrorMessages = append(result.ErrorMessages, err.Error())
		return false
	}

	// Attach the same listeners as the assignment engine and the rapid
	// exit detector (spec §4.4/§4.5) — triage sessions are ordinary
	// worker sessions from the rate-limit tracker's point of view.
	d.attachSessionListeners(item.MessageID, recipient, exec, session, evts)

	if err := d.inbox.MarkInboxItem(ctx, recipient.ID, item.MessageID, elements.InboxRead); err != nil {
		result.Errors++
		result.ErrorMessages = append(result.ErrorMessages, err.Error())
		return false
	}
	return true
}
