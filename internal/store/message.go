package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrOrderKeyConflict is returned when a canonical event tries to reassign an
// already-assigned server order key to a different value. Order keys are
// immutable once set; a conflicting reassignment is a programming error
// upstream, never something to absorb silently.
var ErrOrderKeyConflict = errors.New("server order key already assigned with a different value")

const messageColumns = `id, conversation_id, local_id, server_id, sender_id, body,
	client_created_at, server_order_key, status, delivered_to, read_by, failure_reason`

// InsertMessage inserts a new message row. Pending (optimistic) messages
// carry no order key; canonical ones carry both server identity fields.
func (db *DB) InsertMessage(m *Message) error {
	delivered, readBy, err := encodeSets(m)
	if err != nil {
		return err
	}
	var orderKey any
	if m.HasOrderKey {
		orderKey = m.ServerOrderKey
	}
	now := time.Now().UnixMilli()
	_, err = db.Exec(`
		INSERT INTO messages (conversation_id, local_id, server_id, sender_id, body,
			client_created_at, server_order_key, status, delivered_to, read_by, failure_reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ConversationID, m.LocalID, m.ServerID, m.SenderID, m.Body,
		m.ClientCreatedAt, orderKey, m.Status, delivered, readBy, m.FailureReason, now)
	return err
}

// GetMessageByLocalID returns a message by its client identity, or nil.
func (db *DB) GetMessageByLocalID(conversationID, localID string) (*Message, error) {
	row := db.QueryRow(`SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ? AND local_id = ?`, conversationID, localID)
	return scanMessage(row)
}

// GetMessageByServerID returns a message by its server identity, or nil.
func (db *DB) GetMessageByServerID(conversationID, serverID string) (*Message, error) {
	row := db.QueryRow(`SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ? AND server_id = ?`, conversationID, serverID)
	return scanMessage(row)
}

// AssignServerIdentity promotes a pending message to canonical: sets the
// server id and order key and flips the status. It only writes when the order
// key is still unassigned; a replay with the same key is a no-op and a replay
// with a different key returns ErrOrderKeyConflict.
func (db *DB) AssignServerIdentity(conversationID, localID, serverID string, orderKey int64, status string) error {
	res, err := db.Exec(`
		UPDATE messages SET server_id = ?, server_order_key = ?, status = ?
		WHERE conversation_id = ? AND local_id = ? AND server_order_key IS NULL`,
		serverID, orderKey, status, conversationID, localID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	existing, err := db.GetMessageByLocalID(conversationID, localID)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("assign server identity: message %s/%s not found", conversationID, localID)
	}
	if existing.HasOrderKey && existing.ServerOrderKey != orderKey {
		return fmt.Errorf("message %s/%s has key %d, refusing %d: %w",
			conversationID, localID, existing.ServerOrderKey, orderKey, ErrOrderKeyConflict)
	}
	// Same key replayed: idempotent no-op.
	return nil
}

// UpdateStatus sets a message's lifecycle status.
func (db *DB) UpdateStatus(conversationID, localID, status string) error {
	_, err := db.Exec(`UPDATE messages SET status = ? WHERE conversation_id = ? AND local_id = ?`,
		status, conversationID, localID)
	return err
}

// MarkFailed sets a message to failed with a reason the caller can inspect.
func (db *DB) MarkFailed(conversationID, localID, reason string) error {
	_, err := db.Exec(`UPDATE messages SET status = 'failed', failure_reason = ?
		WHERE conversation_id = ? AND local_id = ?`, reason, conversationID, localID)
	return err
}

// UpdateReceipts persists the acknowledgement sets and derived status.
func (db *DB) UpdateReceipts(conversationID, localID string, deliveredTo, readBy []string, status string) error {
	m := &Message{DeliveredTo: deliveredTo, ReadBy: readBy}
	delivered, read, err := encodeSets(m)
	if err != nil {
		return err
	}
	_, err = db.Exec(`UPDATE messages SET delivered_to = ?, read_by = ?, status = ?
		WHERE conversation_id = ? AND local_id = ?`,
		delivered, read, status, conversationID, localID)
	return err
}

// ListCanonical returns the canonical timeline for a conversation in server
// order. Pending messages are excluded, so external read-only consumers never
// observe a message without an order key.
func (db *DB) ListCanonical(conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := db.Query(`SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ? AND server_order_key IS NOT NULL
		ORDER BY server_order_key ASC
		LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

// ListPending returns queued/sending/failed messages in client creation order.
func (db *DB) ListPending(conversationID string) ([]Message, error) {
	rows, err := db.Query(`SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ? AND server_order_key IS NULL
		ORDER BY client_created_at ASC, local_id ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

func encodeSets(m *Message) (delivered, readBy string, err error) {
	d, err := json.Marshal(emptyAsList(m.DeliveredTo))
	if err != nil {
		return "", "", err
	}
	r, err := json.Marshal(emptyAsList(m.ReadBy))
	if err != nil {
		return "", "", err
	}
	return string(d), string(r), nil
}

func emptyAsList(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInto(m *Message, s rowScanner) error {
	var orderKey sql.NullInt64
	var delivered, readBy string
	if err := s.Scan(&m.ID, &m.ConversationID, &m.LocalID, &m.ServerID, &m.SenderID, &m.Body,
		&m.ClientCreatedAt, &orderKey, &m.Status, &delivered, &readBy, &m.FailureReason); err != nil {
		return err
	}
	m.HasOrderKey = orderKey.Valid
	m.ServerOrderKey = orderKey.Int64
	if err := json.Unmarshal([]byte(delivered), &m.DeliveredTo); err != nil {
		return err
	}
	return json.Unmarshal([]byte(readBy), &m.ReadBy)
}

func scanMessage(row *sql.Row) (*Message, error) {
	var m Message
	err := scanInto(&m, row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	defer func() { _ = rows.Close() }()
	var msgs []Message
	for rows.Next() {
		var m Message
		if err := scanInto(&m, rows); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
