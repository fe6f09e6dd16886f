package selection

import (
	"math/rand"
	"testing"
	"time"

	"github.com/mwhitton/cadence/pkg/cadence/delivery"
)

// memContent is a fixed candidate pool.
type memContent struct {
	pool map[string][]Candidate
}

func (m *memContent) Candidates(category string) ([]Candidate, error) {
	return m.pool[category], nil
}

// memHistory replays recorded deliveries.
type memHistory struct {
	records []delivery.DeliveryRecord
}

func (m *memHistory) Recent(userID, category string, since time.Time) ([]delivery.DeliveryRecord, error) {
	var out []delivery.DeliveryRecord
	for _, r := range m.records {
		if r.UserID == userID && r.Category == category && r.SentAt.After(since) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memHistory) add(user, category, body string, at time.Time) {
	m.records = append(m.records, delivery.DeliveryRecord{
		UserID: user, Category: category, Body: body, SentAt: at,
	})
}

func newTestSelector(content ContentStore, history HistoryReader, cfg Config) *Selector {
	s := New(content, history, cfg, nil)
	s.rng = rand.New(rand.NewSource(1))
	return s
}

func TestSelectorAvoidsRecentRepeats(t *testing.T) {
	content := &memContent{pool: map[string][]Candidate{
		"motivational": {
			{Body: "one"}, {Body: "two"}, {Body: "three"}, {Body: "four"},
		},
	}}
	history := &memHistory{}
	s := newTestSelector(content, history, Config{Window: 21 * 24 * time.Hour, RepeatCap: 1})

	now := time.Now()
	s.now = func() time.Time { return now }

	seen := make(map[string]bool)
	for i := 0; i < 4; i++ {
		body, err := s.Pick("alex", "motivational", "morning")
		if err != nil {
			t.Fatalf("Pick %d: %v", i, err)
		}
		if seen[body] {
			t.Fatalf("pick %d repeated %q within the window", i, body)
		}
		seen[body] = true
		history.add("alex", "motivational", body, now)
	}
}

func TestSelectorRelaxesWhenPoolExhausted(t *testing.T) {
	content := &memContent{pool: map[string][]Candidate{
		"motivational": {{Body: "one"}, {Body: "two"}},
	}}
	history := &memHistory{}
	s := newTestSelector(content, history, Config{Window: 21 * 24 * time.Hour, RepeatCap: 1})

	now := time.Now()
	s.now = func() time.Time { return now }

	// Both candidates sent within the window; "one" is the older delivery.
	history.add("alex", "motivational", "one", now.Add(-48*time.Hour))
	history.add("alex", "motivational", "two", now.Add(-1*time.Hour))

	body, err := s.Pick("alex", "motivational", "morning")
	if err != nil {
		t.Fatalf("Pick: %v", err)
	}
	if body != "one" {
		t.Errorf("exhausted pool picked %q, want least-recently-sent %q", body, "one")
	}
}

func TestSelectorWindowExpiry(t *testing.T) {
	content := &memContent{pool: map[string][]Candidate{
		"motivational": {{Body: "one"}},
	}}
	history := &memHistory{}
	s := newTestSelector(content, history, Config{Window: 24 * time.Hour, RepeatCap: 1})

	now := time.Now()
	s.now = func() time.Time { return now }

	// Sent outside the window: eligible again without relaxation.
	history.add("alex", "motivational", "one", now.Add(-25*time.Hour))

	body, err := s.Pick("alex", "motivational", "morning")
	if err != nil {
		t.Fatalf("Pick: %v", err)
	}
	if body != "one" {
		t.Errorf("Pick = %q, want %q", body, "one")
	}
}

func TestSelectorPeriodWeighting(t *testing.T) {
	content := &memContent{pool: map[string][]Candidate{
		"motivational": {
			{Body: "morning-only", Periods: []string{"morning"}},
			{Body: "anytime"},
		},
	}}
	s := newTestSelector(content, &memHistory{}, Config{
		Window: time.Hour, RepeatCap: 100, PeriodWeight: 3,
	})

	counts := make(map[string]int)
	for i := 0; i < 1000; i++ {
		body, err := s.Pick("alex", "motivational", "morning")
		if err != nil {
			t.Fatalf("Pick: %v", err)
		}
		counts[body]++
	}

	// Weight 3 vs 1: the period-tagged candidate should dominate roughly
	// 3:1. Allow generous slack for sampling noise.
	if counts["morning-only"] < 650 || counts["morning-only"] > 850 {
		t.Errorf("morning-only picked %d/1000, want roughly 750", counts["morning-only"])
	}
}

func TestSelectorSkipsOtherPeriods(t *testing.T) {
	content := &memContent{pool: map[string][]Candidate{
		"motivational": {
			{Body: "evening-only", Periods: []string{"evening"}},
			{Body: "anytime"},
		},
	}}
	s := newTestSelector(content, &memHistory{}, Config{
		Window: time.Hour, RepeatCap: 100, PeriodWeight: 3,
	})

	for i := 0; i < 50; i++ {
		body, err := s.Pick("alex", "motivational", "morning")
		if err != nil {
			t.Fatalf("Pick: %v", err)
		}
		if body != "anytime" {
			t.Fatalf("pick %d chose %q in the morning", i, body)
		}
	}
}

func TestSelectorOtherPeriodFallback(t *testing.T) {
	content := &memContent{pool: map[string][]Candidate{
		"motivational": {{Body: "evening-only", Periods: []string{"evening"}}},
	}}
	s := newTestSelector(content, &memHistory{}, Config{
		Window: time.Hour, RepeatCap: 100, PeriodWeight: 3,
	})

	// Nothing matches the period; the pool is still used rather than
	// failing the send.
	body, err := s.Pick("alex", "motivational", "morning")
	if err != nil {
		t.Fatalf("Pick: %v", err)
	}
	if body != "evening-only" {
		t.Errorf("Pick = %q", body)
	}
}

func TestSelectorEmptyCategory(t *testing.T) {
	s := newTestSelector(&memContent{pool: map[string][]Candidate{}}, &memHistory{}, Config{})
	if _, err := s.Pick("alex", "unknown", "morning"); err == nil {
		t.Error("Pick on an empty category did not error")
	}
}

func TestPeriodOf(t *testing.T) {
	for _, tc := range []struct {
		hour int
		want string
	}{
		{5, "morning"},
		{11, "morning"},
		{12, "afternoon"},
		{17, "afternoon"},
		{18, "evening"},
		{22, "evening"},
		{23, "night"},
		{3, "night"},
	} {
		at := time.Date(2026, 8, 1, tc.hour, 0, 0, 0, time.UTC)
		if got := PeriodOf(at); got != tc.want {
			t.Errorf("PeriodOf(%02d:00) = %q, want %q", tc.hour, got, tc.want)
		}
	}
}
