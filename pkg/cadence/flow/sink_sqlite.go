// sink_sqlite.go implements AnswerSink backed by the central cadence.db.
// Completed check-in answers land in the checkin_answers table where the
// analytics surface reads them.
package flow

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLiteAnswerSink stores completed flow answers in cadence.db.
type SQLiteAnswerSink struct {
	db *sql.DB
}

// NewSQLiteAnswerSink creates an answer sink using the shared DB.
// The checkin_answers table must already exist (created by storage.Open).
func NewSQLiteAnswerSink(db *sql.DB) *SQLiteAnswerSink {
	return &SQLiteAnswerSink{db: db}
}

// SaveAnswers writes all answers of one completed flow in a single
// transaction.
func (s *SQLiteAnswerSink) SaveAnswers(ctx context.Context, userID, flowType string, answers []Answer) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin answers tx: %w", err)
	}
	defer tx.Rollback()

	completedAt := time.Now().UTC().Format(time.RFC3339)
	for _, a := range answers {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO checkin_answers (user_id, flow_type, question, answer, completed_at)
			VALUES (?, ?, ?, ?, ?)`,
			userID, flowType, a.QuestionID, a.Value, completedAt,
		); err != nil {
			return fmt.Errorf("save answer %q for %q: %w", a.QuestionID, userID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit answers for %q: %w", userID, err)
	}
	return nil
}
