package store

import (
	"database/sql"
	"errors"
	"time"
)

// UpsertMessage inserts or updates a message (idempotent on msg_id).
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (conversation_id, msg_id, body, content_kind, attachment_ref, from_me, status, sequence, timestamp, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(msg_id) DO UPDATE SET
			body = excluded.body,
			content_kind = excluded.content_kind,
			attachment_ref = excluded.attachment_ref,
			status = excluded.status,
			sequence = excluded.sequence,
			updated_at = excluded.updated_at`,
		m.ConversationID, m.MsgID, m.Body, m.ContentKind, m.AttachmentRef, m.FromMe, m.Status, m.Sequence, m.Timestamp, now)
	return err
}

// GetMessage returns a message by its gateway id, or nil if not found.
func (db *DB) GetMessage(msgID string) (*Message, error) {
	row := db.QueryRow(`
		SELECT id, conversation_id, msg_id, body, content_kind, attachment_ref, from_me, status, sequence, timestamp, updated_at
		FROM messages WHERE msg_id = ?`, msgID)
	var m Message
	err := row.Scan(&m.ID, &m.ConversationID, &m.MsgID, &m.Body, &m.ContentKind, &m.AttachmentRef, &m.FromMe, &m.Status, &m.Sequence, &m.Timestamp, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

// RekeyMessage replaces a message's gateway id. Used once per sent message,
// when the gateway accepts a send and assigns the id that later status events
// will reference.
func (db *DB) RekeyMessage(oldMsgID, newMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE messages SET msg_id = ?, updated_at = ? WHERE msg_id = ?`,
		newMsgID, now, oldMsgID)
	return err
}

// SetMessageStatus records a new delivery status and sequence for a message.
func (db *DB) SetMessageStatus(msgID, status string, sequence int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE messages SET status = ?, sequence = ?, updated_at = ? WHERE msg_id = ?`,
		status, sequence, now, msgID)
	return err
}

// ListMessages returns messages for a conversation using keyset pagination by timestamp.
func (db *DB) ListMessages(conversationID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT id, conversation_id, msg_id, body, content_kind, attachment_ref, from_me, status, sequence, timestamp, updated_at
		FROM messages
		WHERE conversation_id = ? AND timestamp < ?
		ORDER BY timestamp DESC
		LIMIT ?`, conversationID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanMessages(rows)
}

// StuckSending returns messages still in 'sending' whose last update is older
// than the cutoff. Used by the confirmation timeout sweep.
func (db *DB) StuckSending(updatedBefore int64) ([]Message, error) {
	rows, err := db.Query(`
		SELECT id, conversation_id, msg_id, body, content_kind, attachment_ref, from_me, status, sequence, timestamp, updated_at
		FROM messages
		WHERE status = 'sending' AND updated_at < ?`, updatedBefore)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.MsgID, &m.Body, &m.ContentKind, &m.AttachmentRef, &m.FromMe, &m.Status, &m.Sequence, &m.Timestamp, &m.UpdatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
