package store

import (
	"context"
	"strings"

	"github.com/dispatchd/dispatchd/internal/clock"
	"github.com/dispatchd/dispatchd/internal/elements"
)

func (s *Store) GetInbox(ctx context.Context, recipientID string, filter elements.InboxFilter) ([]*elements.InboxItem, error) {
	query := `SELECT recipient_id, message_id, channel_id, source_type, status, created_at
	          FROM inbox_items WHERE recipient_id = ?`
	args := []any{recipientID}

	if len(filter.Status) > 0 {
		placeholders := make([]string, len(filter.Status))
		for i, st := range filter.Status {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += " AND status IN (" + strings.Join(placeholders, ",") + ")"
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*elements.InboxItem
	for rows.Next() {
		var item elements.InboxItem
		var sourceType, status, createdAt string
		if err := rows.Scan(&item.RecipientID, &item.MessageID, &item.ChannelID, &sourceType, &status, &createdAt); err != nil {
			return nil, err
		}
		item.SourceType = elements.InboxSourceType(sourceType)
		item.Status = elements.InboxStatus(status)
		t, err := clock.ParseISO8601(createdAt)
		if err != nil {
			return nil, err
		}
		item.CreatedAt = t
		out = append(out, &item)
	}
	return out, rows.Err()
}

func (s *Store) AddToInbox(ctx context.Context, item *elements.InboxItem) error {
	if item.CreatedAt.IsZero() {
		item.CreatedAt = s.clock.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inbox_items (recipient_id, message_id, channel_id, source_type, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(recipient_id, message_id) DO NOTHING`,
		item.RecipientID, item.MessageID, item.ChannelID, string(item.SourceType), string(item.Status), clock.ISO8601(item.CreatedAt))
	return err
}

func (s *Store) MarkInboxItem(ctx context.Context, recipientID, messageID string, status elements.InboxStatus) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE inbox_items SET status = ? WHERE recipient_id = ? AND message_id = ?`,
		string(status), recipientID, messageID)
	return err
}
