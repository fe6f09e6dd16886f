package delivery

import (
	"testing"
	"time"
)

func TestSQLiteQueueStoreRoundTrip(t *testing.T) {
	s := NewSQLiteQueueStore(testDB(t))

	now := time.Now().UTC().Truncate(time.Second)
	qm := &QueuedMessage{
		ID:            "q1",
		Msg:           testMessage(),
		Attempts:      2,
		FirstQueuedAt: now,
		NextRetryAt:   now.Add(time.Minute),
		LastError:     "connection refused",
	}
	if err := s.Save(qm); err != nil {
		t.Fatalf("Save: %v", err)
	}

	entries, err := s.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	got := entries[0]
	if got.ID != "q1" || got.Attempts != 2 || got.LastError != "connection refused" {
		t.Errorf("entry = %+v", got)
	}
	if got.Msg.UserID != "alex" || got.Msg.Channel != "telegram" || got.Msg.Body != "Keep going." {
		t.Errorf("embedded message = %+v", got.Msg)
	}
	if !got.NextRetryAt.Equal(now.Add(time.Minute)) {
		t.Errorf("NextRetryAt = %v, want %v", got.NextRetryAt, now.Add(time.Minute))
	}

	// Save again with updated state: INSERT OR REPLACE, not a duplicate.
	qm.Attempts = 3
	if err := s.Save(qm); err != nil {
		t.Fatalf("Save update: %v", err)
	}
	entries, _ = s.LoadAll()
	if len(entries) != 1 || entries[0].Attempts != 3 {
		t.Errorf("after update: %d entries, attempts=%d", len(entries), entries[0].Attempts)
	}

	if err := s.Delete("q1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	entries, _ = s.LoadAll()
	if len(entries) != 0 {
		t.Errorf("entries after delete = %d", len(entries))
	}
}

func TestSQLiteQueueStoreFIFO(t *testing.T) {
	s := NewSQLiteQueueStore(testDB(t))

	base := time.Now().UTC().Truncate(time.Second)
	for i, id := range []string{"third", "first", "second"} {
		offsets := map[string]time.Duration{"first": 0, "second": time.Minute, "third": 2 * time.Minute}
		qm := &QueuedMessage{
			ID:            id,
			Msg:           testMessage(),
			FirstQueuedAt: base.Add(offsets[id]),
			NextRetryAt:   base,
		}
		if err := s.Save(qm); err != nil {
			t.Fatalf("Save %d: %v", i, err)
		}
	}

	entries, err := s.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	want := []string{"first", "second", "third"}
	for i, qm := range entries {
		if qm.ID != want[i] {
			t.Errorf("entry %d = %s, want %s (FIFO by first_queued_at)", i, qm.ID, want[i])
		}
	}
}

func TestSQLiteQueueStoreDeadLetters(t *testing.T) {
	s := NewSQLiteQueueStore(testDB(t))

	now := time.Now().UTC().Truncate(time.Second)
	dl := &DeadLetter{
		ID:            "d1",
		UserID:        "alex",
		Channel:       "telegram",
		Category:      "motivational",
		Body:          "never arrived",
		CorrelationID: "corr-9",
		Attempts:      11,
		Reason:        "exceeded 10 attempts",
		FailedAt:      now,
	}
	if err := s.SaveDeadLetter(dl); err != nil {
		t.Fatalf("SaveDeadLetter: %v", err)
	}

	letters, err := s.DeadLetters()
	if err != nil {
		t.Fatalf("DeadLetters: %v", err)
	}
	if len(letters) != 1 {
		t.Fatalf("got %d letters, want 1", len(letters))
	}
	got := letters[0]
	if got.ID != "d1" || got.Attempts != 11 || got.Reason != "exceeded 10 attempts" {
		t.Errorf("dead letter = %+v", got)
	}
	if !got.FailedAt.Equal(now) {
		t.Errorf("FailedAt = %v, want %v", got.FailedAt, now)
	}
}
