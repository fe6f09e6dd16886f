// history.go implements the append-only delivery history used by dedup
// selection. One row per delivered message, keyed by (user, category),
// trimmed on a background schedule after the retention window.
package delivery

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// DeliveryRecord is a single delivery history entry.
type DeliveryRecord struct {
	ID       string
	UserID   string
	Category string
	Body     string
	Period   string
	SentAt   time.Time
}

// History reads and writes delivery records in cadence.db.
type History struct {
	db        *sql.DB
	retention time.Duration
	logger    *slog.Logger
}

// NewHistory creates a delivery history store. Retention controls how long
// records are kept before the background trim removes them; zero means the
// default of 180 days.
func NewHistory(db *sql.DB, retention time.Duration, logger *slog.Logger) *History {
	if logger == nil {
		logger = slog.Default()
	}
	if retention <= 0 {
		retention = 180 * 24 * time.Hour
	}
	return &History{
		db:        db,
		retention: retention,
		logger:    logger.With("component", "history"),
	}
}

// Record appends a delivery record. Assigns an ID and timestamp if unset.
func (h *History) Record(rec DeliveryRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.SentAt.IsZero() {
		rec.SentAt = time.Now()
	}

	_, err := h.db.Exec(`
		INSERT INTO delivery_history (id, user_id, category, body, period, sent_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, rec.Category, rec.Body, rec.Period,
		rec.SentAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record delivery for %q: %w", rec.UserID, err)
	}
	return nil
}

// Recent returns all records for (user, category) sent at or after the
// given instant, newest first.
func (h *History) Recent(userID, category string, since time.Time) ([]DeliveryRecord, error) {
	rows, err := h.db.Query(`
		SELECT id, user_id, category, body, period, sent_at
		FROM delivery_history
		WHERE user_id = ? AND category = ? AND sent_at >= ?
		ORDER BY sent_at DESC`,
		userID, category, since.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("query delivery history for %q: %w", userID, err)
	}
	defer rows.Close()

	var records []DeliveryRecord
	for rows.Next() {
		var (
			rec    DeliveryRecord
			sentAt string
		)
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.Category, &rec.Body, &rec.Period, &sentAt); err != nil {
			return nil, fmt.Errorf("scan delivery record: %w", err)
		}
		rec.SentAt, _ = time.Parse(time.RFC3339, sentAt)
		records = append(records, rec)
	}

	return records, rows.Err()
}

// Trim removes records older than the retention window. Returns the number
// of rows removed.
func (h *History) Trim() (int64, error) {
	cutoff := time.Now().Add(-h.retention)
	res, err := h.db.Exec(
		"DELETE FROM delivery_history WHERE sent_at < ?",
		cutoff.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("trim delivery history: %w", err)
	}
	return res.RowsAffected()
}

// RunTrim trims the history once a day until the context is cancelled.
// Not part of the send hot path.
func (h *History) RunTrim(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := h.Trim()
			if err != nil {
				h.logger.Error("history trim failed", "error", err)
				continue
			}
			if removed > 0 {
				h.logger.Info("delivery history trimmed", "removed", removed)
			}
		}
	}
}
