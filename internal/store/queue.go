package store

import "database/sql"

// Enqueue adds a send queue entry. Capacity enforcement lives in the queue
// component; the store only persists.
func (db *DB) Enqueue(e *QueueEntry) error {
	_, err := db.Exec(`
		INSERT INTO send_queue (conversation_id, local_id, attempt_count, next_retry_at, enqueued_at)
		VALUES (?, ?, ?, ?, ?)`,
		e.ConversationID, e.LocalID, e.AttemptCount, e.NextRetryAt, e.EnqueuedAt)
	return err
}

// CountQueued returns the number of queued entries for a conversation.
func (db *DB) CountQueued(conversationID string) (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM send_queue WHERE conversation_id = ?`, conversationID).Scan(&n)
	return n, err
}

// OldestQueued returns the entry that has been waiting longest, or nil.
func (db *DB) OldestQueued(conversationID string) (*QueueEntry, error) {
	row := db.QueryRow(`
		SELECT id, conversation_id, local_id, attempt_count, next_retry_at, enqueued_at
		FROM send_queue WHERE conversation_id = ?
		ORDER BY enqueued_at ASC, id ASC LIMIT 1`, conversationID)
	var e QueueEntry
	err := row.Scan(&e.ID, &e.ConversationID, &e.LocalID, &e.AttemptCount, &e.NextRetryAt, &e.EnqueuedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// DeleteQueueEntry removes an entry once it has been sent, failed for good,
// or been evicted.
func (db *DB) DeleteQueueEntry(localID string) error {
	_, err := db.Exec(`DELETE FROM send_queue WHERE local_id = ?`, localID)
	return err
}

// RescheduleQueueEntry records a failed attempt and the next retry time.
func (db *DB) RescheduleQueueEntry(localID string, attemptCount int, nextRetryAt int64) error {
	_, err := db.Exec(`UPDATE send_queue SET attempt_count = ?, next_retry_at = ? WHERE local_id = ?`,
		attemptCount, nextRetryAt, localID)
	return err
}

// DueQueueEntries returns entries whose retry time has passed, in enqueue
// order so user-visible ordering is preserved.
func (db *DB) DueQueueEntries(now int64) ([]QueueEntry, error) {
	return db.queueEntries(`
		SELECT id, conversation_id, local_id, attempt_count, next_retry_at, enqueued_at
		FROM send_queue WHERE next_retry_at <= ?
		ORDER BY enqueued_at ASC, id ASC`, now)
}

// AllQueueEntries returns every entry in enqueue order. Used for the
// immediate flush when connectivity returns: the retry countdown is ignored
// so messages go out in the order the user sent them.
func (db *DB) AllQueueEntries() ([]QueueEntry, error) {
	return db.queueEntries(`
		SELECT id, conversation_id, local_id, attempt_count, next_retry_at, enqueued_at
		FROM send_queue ORDER BY enqueued_at ASC, id ASC`)
}

func (db *DB) queueEntries(query string, args ...any) ([]QueueEntry, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []QueueEntry
	for rows.Next() {
		var e QueueEntry
		if err := rows.Scan(&e.ID, &e.ConversationID, &e.LocalID, &e.AttemptCount, &e.NextRetryAt, &e.EnqueuedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
