package store

import (
	"database/sql"
	"errors"
	"time"
)

// UpsertConversation inserts or updates a conversation. The last-message
// fields only move forward: an older preview never overwrites a newer one.
func (db *DB) UpsertConversation(c *Conversation) error {
	now := time.Now().UnixMilli()
	status := c.Status
	if status == "" {
		status = "active"
	}
	_, err := db.Exec(`
		INSERT INTO conversations (id, contact_name, status, last_message_at, last_message_preview, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			contact_name = CASE WHEN excluded.contact_name != '' THEN excluded.contact_name ELSE conversations.contact_name END,
			status = excluded.status,
			last_message_at = MAX(conversations.last_message_at, excluded.last_message_at),
			last_message_preview = CASE WHEN excluded.last_message_at > conversations.last_message_at THEN excluded.last_message_preview ELSE conversations.last_message_preview END,
			updated_at = excluded.updated_at`,
		c.ID, c.ContactName, status, c.LastMessageAt, c.LastMessagePreview, now)
	return err
}

// SetConversationStatus updates only the lifecycle status of a conversation.
func (db *DB) SetConversationStatus(id, status string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE conversations SET status = ?, updated_at = ? WHERE id = ?`, status, now, id)
	return err
}

// GetConversation returns a conversation by id, or nil if not found.
func (db *DB) GetConversation(id string) (*Conversation, error) {
	row := db.QueryRow(`
		SELECT id, contact_name, status, unread_count, last_message_at, last_message_preview
		FROM conversations WHERE id = ?`, id)
	var c Conversation
	if err := row.Scan(&c.ID, &c.ContactName, &c.Status, &c.UnreadCount, &c.LastMessageAt, &c.LastMessagePreview); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

// ListConversations returns conversations sorted by most recent message.
func (db *DB) ListConversations(limit, offset int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, contact_name, status, unread_count, last_message_at, last_message_preview
		FROM conversations
		ORDER BY last_message_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.ContactName, &c.Status, &c.UnreadCount, &c.LastMessageAt, &c.LastMessagePreview); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}
