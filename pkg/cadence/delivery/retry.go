// Package delivery implements the durable side of message delivery: the
// retry queue for failed sends, the dead-letter log, and the per-user
// delivery history used for dedup selection.
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mwhitton/cadence/pkg/cadence/channels"
)

// QueuedMessage wraps an OutboundMessage that failed to send, plus the
// bookkeeping the retry worker needs. Owned exclusively by the Manager.
type QueuedMessage struct {
	ID            string                   `json:"id"`
	Msg           channels.OutboundMessage `json:"msg"`
	Attempts      int                      `json:"attempts"`
	FirstQueuedAt time.Time                `json:"first_queued_at"`
	NextRetryAt   time.Time                `json:"next_retry_at"`
	LastError     string                   `json:"last_error,omitempty"`
}

// DeadLetter is a permanently failed message kept for inspection.
type DeadLetter struct {
	ID            string
	UserID        string
	Channel       string
	Category      string
	Body          string
	CorrelationID string
	Attempts      int
	Reason        string
	FailedAt      time.Time
}

// Sender is the resend path back into the orchestrator. It bypasses dedup
// selection since the body was already chosen when the message was first
// built.
type Sender interface {
	Resend(ctx context.Context, msg channels.OutboundMessage) error
}

// QueueStore persists queued messages and dead letters so the queue
// survives restarts.
type QueueStore interface {
	Save(qm *QueuedMessage) error
	Delete(id string) error
	LoadAll() ([]*QueuedMessage, error)
	SaveDeadLetter(dl *DeadLetter) error
	DeadLetters() ([]*DeadLetter, error)
}

// RetryConfig holds the backoff parameters. All values come from external
// configuration; the defaults here are only fallbacks.
type RetryConfig struct {
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration `yaml:"base_delay"`

	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration `yaml:"max_delay"`

	// MaxAttempts is the number of retries before a message is moved to
	// the dead-letter log.
	MaxAttempts int `yaml:"max_attempts"`

	// PollInterval is how often the worker scans the queue.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// DefaultRetryConfig returns sensible fallbacks.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		BaseDelay:    30 * time.Second,
		MaxDelay:     time.Hour,
		MaxAttempts:  10,
		PollInterval: 5 * time.Second,
	}
}

// Manager owns the retry queue. A single background worker scans the queue
// at a fixed interval and resends due entries sequentially, so no message
// is ever in flight twice concurrently.
type Manager struct {
	cfg    RetryConfig
	store  QueueStore
	sender Sender
	logger *slog.Logger

	mu    sync.Mutex
	queue []*QueuedMessage

	// now is swappable for tests.
	now func() time.Time
}

// NewManager creates a retry manager backed by the given store. The sender
// must be set with SetSender before Run is called.
func NewManager(store QueueStore, cfg RetryConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultRetryConfig().BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultRetryConfig().MaxDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultRetryConfig().MaxAttempts
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultRetryConfig().PollInterval
	}

	return &Manager{
		cfg:    cfg,
		store:  store,
		logger: logger.With("component", "retry"),
		now:    time.Now,
	}
}

// SetSender wires the resend path. Called once during assembly, before Run.
func (m *Manager) SetSender(s Sender) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sender = s
}

// Load restores persisted queue entries from the store. Called once at
// startup so queued sends survive restarts.
func (m *Manager) Load() error {
	if m.store == nil {
		return nil
	}
	entries, err := m.store.LoadAll()
	if err != nil {
		return fmt.Errorf("load retry queue: %w", err)
	}

	m.mu.Lock()
	m.queue = append(m.queue, entries...)
	m.mu.Unlock()

	if len(entries) > 0 {
		m.logger.Info("retry queue restored", "entries", len(entries))
	}
	return nil
}

// Enqueue adds a failed message to the retry queue. The first retry fires
// after the base delay.
func (m *Manager) Enqueue(msg channels.OutboundMessage, cause error) *QueuedMessage {
	now := m.now()
	qm := &QueuedMessage{
		ID:            uuid.NewString(),
		Msg:           msg,
		Attempts:      0,
		FirstQueuedAt: now,
		NextRetryAt:   now.Add(m.backoff(0)),
	}
	if cause != nil {
		qm.LastError = cause.Error()
	}

	m.mu.Lock()
	m.queue = append(m.queue, qm)
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.Save(qm); err != nil {
			m.logger.Error("failed to persist queued message", "id", qm.ID, "error", err)
		}
	}

	m.logger.Info("message queued for retry",
		"id", qm.ID,
		"user", msg.UserID,
		"channel", msg.Channel,
		"next_retry_at", qm.NextRetryAt.Format(time.RFC3339),
	)
	return qm
}

// Depth returns the number of messages waiting for a retry.
func (m *Manager) Depth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Clear drops all queued messages (manual operator action).
func (m *Manager) Clear() int {
	m.mu.Lock()
	dropped := m.queue
	m.queue = nil
	m.mu.Unlock()

	if m.store != nil {
		for _, qm := range dropped {
			if err := m.store.Delete(qm.ID); err != nil {
				m.logger.Error("failed to remove queued message", "id", qm.ID, "error", err)
			}
		}
	}

	m.logger.Info("retry queue cleared", "dropped", len(dropped))
	return len(dropped)
}

// DeadLetterMessage records a message that failed permanently before ever
// entering the retry queue (e.g. the adapter rejected the recipient).
func (m *Manager) DeadLetterMessage(msg channels.OutboundMessage, reason string) {
	qm := &QueuedMessage{
		ID:            uuid.NewString(),
		Msg:           msg,
		FirstQueuedAt: m.now(),
	}
	m.deadLetter(qm, reason)
}

// DeadLetters returns the dead-letter log for inspection.
func (m *Manager) DeadLetters() ([]*DeadLetter, error) {
	if m.store == nil {
		return nil, nil
	}
	return m.store.DeadLetters()
}

// Run is the retry worker loop. It scans the queue every PollInterval and
// resends due entries one at a time. On shutdown it finishes the in-flight
// attempt; anything still queued stays persisted for the next start.
func (m *Manager) Run(ctx context.Context) {
	m.logger.Info("retry worker started",
		"poll_interval", m.cfg.PollInterval,
		"max_attempts", m.cfg.MaxAttempts,
	)

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("retry worker stopped", "queued", m.Depth())
			return
		case <-ticker.C:
			m.processDue(ctx)
		}
	}
}

// processDue resends every entry whose NextRetryAt has passed. Entries are
// processed sequentially in FIFO order.
func (m *Manager) processDue(ctx context.Context) {
	now := m.now()

	m.mu.Lock()
	sender := m.sender
	var due []*QueuedMessage
	for _, qm := range m.queue {
		if !qm.NextRetryAt.After(now) {
			due = append(due, qm)
		}
	}
	m.mu.Unlock()

	if sender == nil || len(due) == 0 {
		return
	}

	for _, qm := range due {
		if ctx.Err() != nil {
			return
		}
		// An operator Clear can race this batch; an entry removed after
		// the snapshot must not be resent.
		if !m.contains(qm.ID) {
			continue
		}
		m.attempt(ctx, sender, qm)
	}
}

// contains reports whether an entry is still in the active queue.
func (m *Manager) contains(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, qm := range m.queue {
		if qm.ID == id {
			return true
		}
	}
	return false
}

// attempt resends a single queued message and reschedules or resolves it.
func (m *Manager) attempt(ctx context.Context, sender Sender, qm *QueuedMessage) {
	err := sender.Resend(ctx, qm.Msg)
	if err == nil {
		m.remove(qm.ID)
		m.logger.Info("queued message delivered",
			"id", qm.ID,
			"user", qm.Msg.UserID,
			"attempts", qm.Attempts+1,
		)
		return
	}

	// The entry may have been cleared while the attempt was in flight.
	// Re-saving or dead-lettering it now would resurrect it.
	if !m.contains(qm.ID) {
		m.logger.Debug("dropping result for cleared message", "id", qm.ID)
		return
	}

	qm.Attempts++
	qm.LastError = err.Error()

	if channels.IsPermanent(err) {
		m.deadLetter(qm, fmt.Sprintf("permanent failure: %v", err))
		return
	}
	if qm.Attempts > m.cfg.MaxAttempts {
		m.deadLetter(qm, fmt.Sprintf("exceeded %d attempts: %v", m.cfg.MaxAttempts, err))
		return
	}

	qm.NextRetryAt = m.now().Add(m.backoff(qm.Attempts))
	if m.store != nil {
		if err := m.store.Save(qm); err != nil {
			m.logger.Error("failed to persist retry state", "id", qm.ID, "error", err)
		}
	}

	m.logger.Warn("retry failed, rescheduled",
		"id", qm.ID,
		"attempts", qm.Attempts,
		"next_retry_at", qm.NextRetryAt.Format(time.RFC3339),
		"error", err,
	)
}

// deadLetter moves a message out of the active queue into the dead-letter
// log. Nothing further is sent to the user: the only visible effect is
// that the message never arrives.
func (m *Manager) deadLetter(qm *QueuedMessage, reason string) {
	m.remove(qm.ID)

	dl := &DeadLetter{
		ID:            qm.ID,
		UserID:        qm.Msg.UserID,
		Channel:       qm.Msg.Channel,
		Category:      qm.Msg.Category,
		Body:          qm.Msg.Body,
		CorrelationID: qm.Msg.CorrelationID,
		Attempts:      qm.Attempts,
		Reason:        reason,
		FailedAt:      m.now(),
	}
	if m.store != nil {
		if err := m.store.SaveDeadLetter(dl); err != nil {
			m.logger.Error("failed to persist dead letter", "id", dl.ID, "error", err)
		}
	}

	m.logger.Error("message permanently failed",
		"id", qm.ID,
		"user", qm.Msg.UserID,
		"channel", qm.Msg.Channel,
		"attempts", qm.Attempts,
		"reason", reason,
	)
}

// remove deletes an entry from the in-memory queue and the store.
func (m *Manager) remove(id string) {
	m.mu.Lock()
	for i, qm := range m.queue {
		if qm.ID == id {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.Delete(id); err != nil {
			m.logger.Error("failed to remove queued message", "id", id, "error", err)
		}
	}
}

// backoff returns the delay before the next retry: BaseDelay doubled per
// attempt, capped at MaxDelay.
func (m *Manager) backoff(attempts int) time.Duration {
	d := m.cfg.BaseDelay
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= m.cfg.MaxDelay {
			return m.cfg.MaxDelay
		}
	}
	if d > m.cfg.MaxDelay {
		return m.cfg.MaxDelay
	}
	return d
}
