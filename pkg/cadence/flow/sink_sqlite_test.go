package flow

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/mwhitton/cadence/pkg/cadence/storage"
)

func TestSQLiteAnswerSink(t *testing.T) {
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	defer db.Close()

	sink := NewSQLiteAnswerSink(db)
	now := time.Now()
	answers := []Answer{
		{QuestionID: "mood", Raw: "4", Value: "4", AnsweredAt: now},
		{QuestionID: "exercised", Raw: "yep", Value: "yes", AnsweredAt: now},
	}
	if err := sink.SaveAnswers(context.Background(), "alex", "checkin", answers); err != nil {
		t.Fatalf("SaveAnswers: %v", err)
	}

	rows, err := db.Query(
		"SELECT question, answer FROM checkin_answers WHERE user_id = ? AND flow_type = ? ORDER BY question",
		"alex", "checkin")
	if err != nil {
		t.Fatalf("query answers: %v", err)
	}
	defer rows.Close()

	got := make(map[string]string)
	for rows.Next() {
		var q, a string
		if err := rows.Scan(&q, &a); err != nil {
			t.Fatalf("scan: %v", err)
		}
		got[q] = a
	}
	if len(got) != 2 || got["mood"] != "4" || got["exercised"] != "yes" {
		t.Errorf("stored answers = %v", got)
	}
}
