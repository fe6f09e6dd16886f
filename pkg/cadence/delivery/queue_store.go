// queue_store.go implements QueueStore backed by the central cadence.db
// SQLite database. Queued messages and dead letters live in their own
// tables so the retry queue survives process restarts.
package delivery

import (
	"database/sql"
	"fmt"
	"time"
)

// SQLiteQueueStore persists the retry queue in cadence.db.
type SQLiteQueueStore struct {
	db *sql.DB
}

// NewSQLiteQueueStore creates a queue store using the shared DB.
// The tables must already exist (created by storage.Open).
func NewSQLiteQueueStore(db *sql.DB) *SQLiteQueueStore {
	return &SQLiteQueueStore{db: db}
}

// Save persists a queued message (insert or update).
func (s *SQLiteQueueStore) Save(qm *QueuedMessage) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO queued_messages
			(id, user_id, recipient, channel, category, period, body,
			 correlation_id, attempts, first_queued_at, next_retry_at, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		qm.ID,
		qm.Msg.UserID,
		qm.Msg.Recipient,
		qm.Msg.Channel,
		qm.Msg.Category,
		qm.Msg.Period,
		qm.Msg.Body,
		qm.Msg.CorrelationID,
		qm.Attempts,
		qm.FirstQueuedAt.UTC().Format(time.RFC3339),
		qm.NextRetryAt.UTC().Format(time.RFC3339),
		qm.LastError,
	)
	if err != nil {
		return fmt.Errorf("save queued message %q: %w", qm.ID, err)
	}
	return nil
}

// Delete removes a queued message by ID.
func (s *SQLiteQueueStore) Delete(id string) error {
	_, err := s.db.Exec("DELETE FROM queued_messages WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete queued message %q: %w", id, err)
	}
	return nil
}

// LoadAll reads all persisted queue entries in FIFO order.
func (s *SQLiteQueueStore) LoadAll() ([]*QueuedMessage, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, recipient, channel, category, period, body,
		       correlation_id, attempts, first_queued_at, next_retry_at, last_error
		FROM queued_messages
		ORDER BY first_queued_at`)
	if err != nil {
		return nil, fmt.Errorf("load retry queue: %w", err)
	}
	defer rows.Close()

	var entries []*QueuedMessage
	for rows.Next() {
		var (
			qm            QueuedMessage
			firstQueuedAt string
			nextRetryAt   string
		)
		if err := rows.Scan(
			&qm.ID, &qm.Msg.UserID, &qm.Msg.Recipient, &qm.Msg.Channel,
			&qm.Msg.Category, &qm.Msg.Period, &qm.Msg.Body,
			&qm.Msg.CorrelationID, &qm.Attempts,
			&firstQueuedAt, &nextRetryAt, &qm.LastError,
		); err != nil {
			return nil, fmt.Errorf("scan queued message: %w", err)
		}

		qm.FirstQueuedAt, _ = time.Parse(time.RFC3339, firstQueuedAt)
		qm.NextRetryAt, _ = time.Parse(time.RFC3339, nextRetryAt)
		entries = append(entries, &qm)
	}

	return entries, rows.Err()
}

// SaveDeadLetter records a permanently failed message.
func (s *SQLiteQueueStore) SaveDeadLetter(dl *DeadLetter) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO dead_letters
			(id, user_id, channel, category, body, correlation_id,
			 attempts, reason, failed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		dl.ID, dl.UserID, dl.Channel, dl.Category, dl.Body,
		dl.CorrelationID, dl.Attempts, dl.Reason,
		dl.FailedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("save dead letter %q: %w", dl.ID, err)
	}
	return nil
}

// DeadLetters reads the dead-letter log, newest first.
func (s *SQLiteQueueStore) DeadLetters() ([]*DeadLetter, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, channel, category, body, correlation_id,
		       attempts, reason, failed_at
		FROM dead_letters
		ORDER BY failed_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("load dead letters: %w", err)
	}
	defer rows.Close()

	var letters []*DeadLetter
	for rows.Next() {
		var (
			dl       DeadLetter
			failedAt string
		)
		if err := rows.Scan(
			&dl.ID, &dl.UserID, &dl.Channel, &dl.Category, &dl.Body,
			&dl.CorrelationID, &dl.Attempts, &dl.Reason, &failedAt,
		); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		dl.FailedAt, _ = time.Parse(time.RFC3339, failedAt)
		letters = append(letters, &dl)
	}

	return letters, rows.Err()
}
