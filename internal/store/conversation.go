package store

import (
	"database/sql"
	"encoding/json"
	"time"
)

// UpsertConversation inserts or updates a conversation record.
func (db *DB) UpsertConversation(c *Conversation) error {
	parts, err := json.Marshal(c.Participants)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	_, err = db.Exec(`
		INSERT INTO conversations (id, is_group, participants, last_order_key, unread_count, last_preview, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			is_group = excluded.is_group,
			participants = excluded.participants,
			updated_at = excluded.updated_at`,
		c.ID, c.IsGroup, string(parts), c.LastOrderKey, c.UnreadCount, c.LastPreview, now)
	return err
}

// GetConversation returns a single conversation by id, or nil when missing.
func (db *DB) GetConversation(id string) (*Conversation, error) {
	var c Conversation
	var parts string
	err := db.QueryRow(`
		SELECT id, is_group, participants, last_order_key, unread_count, last_preview
		FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.IsGroup, &parts, &c.LastOrderKey, &c.UnreadCount, &c.LastPreview)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(parts), &c.Participants); err != nil {
		return nil, err
	}
	return &c, nil
}

// ListConversations returns conversations sorted by most recent activity.
func (db *DB) ListConversations(limit, offset int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, is_group, participants, last_order_key, unread_count, last_preview
		FROM conversations
		ORDER BY last_order_key DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		var parts string
		if err := rows.Scan(&c.ID, &c.IsGroup, &parts, &c.LastOrderKey, &c.UnreadCount, &c.LastPreview); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(parts), &c.Participants); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// BumpActivity advances a conversation's canonical high-water mark and
// preview, optionally incrementing the unread count. last_order_key never
// moves backwards, so replayed events cannot regress the preview.
func (db *DB) BumpActivity(id string, orderKey int64, preview string, incrementUnread bool) error {
	now := time.Now().UnixMilli()
	unread := 0
	if incrementUnread {
		unread = 1
	}
	_, err := db.Exec(`
		INSERT INTO conversations (id, last_order_key, unread_count, last_preview, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_order_key = MAX(conversations.last_order_key, excluded.last_order_key),
			last_preview = CASE WHEN excluded.last_order_key >= conversations.last_order_key
				THEN excluded.last_preview ELSE conversations.last_preview END,
			unread_count = conversations.unread_count + ?,
			updated_at = excluded.updated_at`,
		id, orderKey, unread, preview, now, unread)
	return err
}

// ResetUnread clears the unread counter, typically when the conversation is
// opened or foregrounded.
func (db *DB) ResetUnread(id string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE conversations SET unread_count = 0, updated_at = ? WHERE id = ?`, now, id)
	return err
}
