package delivery

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/mwhitton/cadence/pkg/cadence/storage"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestHistoryRecordAndRecent(t *testing.T) {
	h := NewHistory(testDB(t), 0, nil)

	now := time.Now().UTC().Truncate(time.Second)
	for i, body := range []string{"one", "two", "three"} {
		err := h.Record(DeliveryRecord{
			UserID:   "alex",
			Category: "motivational",
			Body:     body,
			Period:   "morning",
			SentAt:   now.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("Record %q: %v", body, err)
		}
	}
	// A record for another user must not leak into alex's history.
	if err := h.Record(DeliveryRecord{UserID: "sam", Category: "motivational", Body: "other", SentAt: now}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	recs, err := h.Recent("alex", "motivational", now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3", len(recs))
	}
	// Newest first.
	if recs[0].Body != "three" || recs[2].Body != "one" {
		t.Errorf("order = [%s %s %s], want newest first", recs[0].Body, recs[1].Body, recs[2].Body)
	}

	// The since bound excludes older records.
	recs, err = h.Recent("alex", "motivational", now.Add(90*time.Second))
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recs) != 1 || recs[0].Body != "three" {
		t.Errorf("bounded query = %v", recs)
	}
}

func TestHistoryAssignsID(t *testing.T) {
	h := NewHistory(testDB(t), 0, nil)

	if err := h.Record(DeliveryRecord{UserID: "alex", Category: "c", Body: "b"}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	recs, err := h.Recent("alex", "c", time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recs) != 1 || recs[0].ID == "" {
		t.Errorf("record did not get an ID: %+v", recs)
	}
}

func TestHistoryTrim(t *testing.T) {
	h := NewHistory(testDB(t), 24*time.Hour, nil)

	now := time.Now().UTC()
	old := DeliveryRecord{UserID: "alex", Category: "c", Body: "old", SentAt: now.Add(-48 * time.Hour)}
	fresh := DeliveryRecord{UserID: "alex", Category: "c", Body: "fresh", SentAt: now}
	if err := h.Record(old); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := h.Record(fresh); err != nil {
		t.Fatalf("Record: %v", err)
	}

	removed, err := h.Trim()
	if err != nil {
		t.Fatalf("Trim: %v", err)
	}
	if removed != 1 {
		t.Errorf("Trim removed %d rows, want 1", removed)
	}

	recs, _ := h.Recent("alex", "c", now.Add(-100*time.Hour))
	if len(recs) != 1 || recs[0].Body != "fresh" {
		t.Errorf("surviving records = %v", recs)
	}
}
