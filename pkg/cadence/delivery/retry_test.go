package delivery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mwhitton/cadence/pkg/cadence/channels"
)

// memQueueStore is an in-memory QueueStore for manager tests.
type memQueueStore struct {
	mu     sync.Mutex
	queued map[string]*QueuedMessage
	dead   []*DeadLetter
}

func newMemQueueStore() *memQueueStore {
	return &memQueueStore{queued: make(map[string]*QueuedMessage)}
}

func (s *memQueueStore) Save(qm *QueuedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *qm
	s.queued[qm.ID] = &cp
	return nil
}

func (s *memQueueStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.queued, id)
	return nil
}

func (s *memQueueStore) LoadAll() ([]*QueuedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*QueuedMessage, 0, len(s.queued))
	for _, qm := range s.queued {
		cp := *qm
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memQueueStore) SaveDeadLetter(dl *DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *dl
	s.dead = append(s.dead, &cp)
	return nil
}

func (s *memQueueStore) DeadLetters() ([]*DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*DeadLetter(nil), s.dead...), nil
}

// fakeSender fails a configurable number of times, then succeeds.
type fakeSender struct {
	mu       sync.Mutex
	failures int
	err      error
	calls    []time.Time
	clock    func() time.Time
}

func (f *fakeSender) Resend(_ context.Context, _ channels.OutboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, f.clock())
	if len(f.calls) <= f.failures {
		return f.err
	}
	return nil
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func testMessage() channels.OutboundMessage {
	return channels.OutboundMessage{
		UserID:        "alex",
		Recipient:     "12345",
		Channel:       "telegram",
		Category:      "motivational",
		Body:          "Keep going.",
		CorrelationID: "corr-1",
	}
}

func TestManagerBackoffSchedule(t *testing.T) {
	cfg := RetryConfig{
		BaseDelay:   time.Second,
		MaxDelay:    time.Hour,
		MaxAttempts: 10,
	}
	m := NewManager(newMemQueueStore(), cfg, nil)

	base := time.Now()
	clock := base
	m.now = func() time.Time { return clock }

	sender := &fakeSender{failures: 3, err: channels.ErrSendFailed, clock: m.now}
	m.SetSender(sender)

	m.Enqueue(testMessage(), channels.ErrNotConnected)

	// First retry is due at base+1s, then +2s and +4s after each failure.
	// Walk the clock through each due time and process.
	for _, offset := range []time.Duration{
		time.Second,
		3 * time.Second,
		7 * time.Second,
		15 * time.Second,
	} {
		clock = base.Add(offset)
		m.processDue(context.Background())
	}

	if got := sender.callCount(); got != 4 {
		t.Fatalf("sender called %d times, want 4 (3 failures + 1 success)", got)
	}
	if m.Depth() != 0 {
		t.Errorf("queue depth = %d after successful delivery, want 0", m.Depth())
	}

	wantOffsets := []time.Duration{time.Second, 3 * time.Second, 7 * time.Second, 15 * time.Second}
	for i, call := range sender.calls {
		if got := call.Sub(base); got != wantOffsets[i] {
			t.Errorf("attempt %d fired at +%v, want +%v", i+1, got, wantOffsets[i])
		}
	}
}

func TestManagerBackoffCap(t *testing.T) {
	cfg := RetryConfig{BaseDelay: time.Second, MaxDelay: 3 * time.Second, MaxAttempts: 10}
	m := NewManager(newMemQueueStore(), cfg, nil)

	for _, tc := range []struct {
		attempts int
		want     time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 3 * time.Second},
		{5, 3 * time.Second},
	} {
		if got := m.backoff(tc.attempts); got != tc.want {
			t.Errorf("backoff(%d) = %v, want %v", tc.attempts, got, tc.want)
		}
	}
}

func TestManagerDeadLetterAfterMaxAttempts(t *testing.T) {
	store := newMemQueueStore()
	cfg := RetryConfig{BaseDelay: time.Second, MaxDelay: time.Hour, MaxAttempts: 3}
	m := NewManager(store, cfg, nil)

	base := time.Now()
	clock := base
	m.now = func() time.Time { return clock }

	sender := &fakeSender{failures: 100, err: channels.ErrSendFailed, clock: m.now}
	m.SetSender(sender)

	m.Enqueue(testMessage(), channels.ErrNotConnected)

	// Attempts 1-3 reschedule; the 4th failure exceeds MaxAttempts.
	for i := 0; i < 4; i++ {
		clock = clock.Add(time.Hour)
		m.processDue(context.Background())
	}

	if m.Depth() != 0 {
		t.Errorf("queue depth = %d, want 0 after dead-lettering", m.Depth())
	}
	dead, err := m.DeadLetters()
	if err != nil {
		t.Fatalf("DeadLetters: %v", err)
	}
	if len(dead) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(dead))
	}
	dl := dead[0]
	if dl.UserID != "alex" || dl.Attempts != 4 {
		t.Errorf("dead letter = %+v", dl)
	}

	// A dead-lettered message is never retried again.
	before := sender.callCount()
	clock = clock.Add(time.Hour)
	m.processDue(context.Background())
	if sender.callCount() != before {
		t.Error("dead-lettered message was retried")
	}
}

func TestManagerPermanentFailureFastPath(t *testing.T) {
	store := newMemQueueStore()
	m := NewManager(store, RetryConfig{BaseDelay: time.Second, MaxDelay: time.Hour, MaxAttempts: 10}, nil)

	base := time.Now()
	clock := base
	m.now = func() time.Time { return clock }

	sender := &fakeSender{failures: 100, err: channels.ErrInvalidRecipient, clock: m.now}
	m.SetSender(sender)

	m.Enqueue(testMessage(), channels.ErrNotConnected)
	clock = clock.Add(time.Minute)
	m.processDue(context.Background())

	if m.Depth() != 0 {
		t.Errorf("queue depth = %d, want 0 after permanent failure", m.Depth())
	}
	dead, _ := m.DeadLetters()
	if len(dead) != 1 {
		t.Fatalf("dead letters = %d, want 1 without exhausting attempts", len(dead))
	}
}

func TestManagerLoadRestoresQueue(t *testing.T) {
	store := newMemQueueStore()

	m1 := NewManager(store, RetryConfig{}, nil)
	m1.Enqueue(testMessage(), channels.ErrNotConnected)
	if m1.Depth() != 1 {
		t.Fatalf("depth = %d, want 1", m1.Depth())
	}

	// A fresh manager over the same store picks the entry back up.
	m2 := NewManager(store, RetryConfig{}, nil)
	if err := m2.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m2.Depth() != 1 {
		t.Errorf("restored depth = %d, want 1", m2.Depth())
	}
}

func TestManagerClear(t *testing.T) {
	store := newMemQueueStore()
	m := NewManager(store, RetryConfig{}, nil)

	m.Enqueue(testMessage(), channels.ErrNotConnected)
	m.Enqueue(testMessage(), channels.ErrNotConnected)

	if got := m.Clear(); got != 2 {
		t.Errorf("Clear dropped %d, want 2", got)
	}
	if m.Depth() != 0 {
		t.Errorf("depth = %d after Clear, want 0", m.Depth())
	}
	remaining, _ := store.LoadAll()
	if len(remaining) != 0 {
		t.Errorf("store still holds %d entries after Clear", len(remaining))
	}
}

// clearingSender empties the queue mid-attempt, like an operator running
// a clear while a retry is in flight.
type clearingSender struct {
	m     *Manager
	calls int
}

func (s *clearingSender) Resend(_ context.Context, _ channels.OutboundMessage) error {
	s.calls++
	s.m.Clear()
	return channels.ErrSendFailed
}

func TestManagerClearDuringAttempt(t *testing.T) {
	store := newMemQueueStore()
	m := NewManager(store, RetryConfig{BaseDelay: time.Second, MaxDelay: time.Hour, MaxAttempts: 3}, nil)

	base := time.Now()
	clock := base
	m.now = func() time.Time { return clock }

	sender := &clearingSender{m: m}
	m.SetSender(sender)

	m.Enqueue(testMessage(), channels.ErrNotConnected)
	m.Enqueue(testMessage(), channels.ErrNotConnected)

	clock = base.Add(time.Minute)
	m.processDue(context.Background())

	// The first attempt cleared the queue: its failure must not be
	// re-persisted and the second entry must not be attempted.
	if sender.calls != 1 {
		t.Errorf("sender called %d times, want 1 (batch stops after the clear)", sender.calls)
	}
	if m.Depth() != 0 {
		t.Errorf("depth = %d after clear, want 0", m.Depth())
	}
	remaining, _ := store.LoadAll()
	if len(remaining) != 0 {
		t.Errorf("store holds %d entries, want 0 (cleared message resurrected)", len(remaining))
	}
	dead, _ := m.DeadLetters()
	if len(dead) != 0 {
		t.Errorf("dead letters = %d, want 0 for cleared messages", len(dead))
	}

	// Later scans stay quiet.
	clock = clock.Add(time.Hour)
	m.processDue(context.Background())
	if sender.calls != 1 {
		t.Error("cleared message was retried on a later scan")
	}
}

func TestManagerDeadLetterMessage(t *testing.T) {
	store := newMemQueueStore()
	m := NewManager(store, RetryConfig{}, nil)

	m.DeadLetterMessage(testMessage(), "invalid recipient")

	dead, _ := m.DeadLetters()
	if len(dead) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(dead))
	}
	if dead[0].Reason != "invalid recipient" {
		t.Errorf("reason = %q", dead[0].Reason)
	}
	if m.Depth() != 0 {
		t.Errorf("depth = %d, want 0", m.Depth())
	}
}
