// engine.go drives the flow state machine: start, answer, expiry.
package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// ErrNoActiveFlow is returned by Submit when the user has no flow waiting
// for an answer.
var ErrNoActiveFlow = fmt.Errorf("no active flow")

// AnswerSink receives the answers of a completed flow. The analytics store
// behind it is outside the engine's scope.
type AnswerSink interface {
	SaveAnswers(ctx context.Context, userID, flowType string, answers []Answer) error
}

// Config holds the engine parameters.
type Config struct {
	// InactivityTimeout expires a flow that has seen no activity.
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`
}

// DefaultConfig returns fallback parameters.
func DefaultConfig() Config {
	return Config{InactivityTimeout: 30 * time.Minute}
}

// StartResult is what a caller sends to the user after starting a flow.
type StartResult struct {
	// Prompt is the question to send (the current one when resuming).
	Prompt string

	// Resumed is true when an existing flow was resumed instead of a new
	// one created.
	Resumed bool
}

// SubmitResult is the outcome of one answer submission.
type SubmitResult struct {
	// Prompt is the next question, or re-prompt guidance when the answer
	// was invalid, or the completion summary.
	Prompt string

	// Reprompt is true when the answer was rejected and the flow state
	// did not advance.
	Reprompt bool

	// Completed is true when the flow finished.
	Completed bool

	// FlowType identifies which flow the answer went to.
	FlowType string

	// Answers holds the collected answers once Completed.
	Answers map[string]string
}

// Engine owns all conversation flows. The flow map loads from the store at
// startup and writes back after every mutation. All per-user operations
// serialize on a per-user mutex, so flows for different users never block
// each other.
type Engine struct {
	cfg    Config
	store  Store
	sink   AnswerSink
	logger *slog.Logger

	mu    sync.RWMutex
	flows map[string]*Flow

	userMu map[string]*sync.Mutex
	mapMu  sync.Mutex

	// now is swappable for tests.
	now func() time.Time
}

// NewEngine creates a flow engine over the given store. The store is
// injected, never global, so multiple independent engines can exist in
// tests.
func NewEngine(store Store, sink AnswerSink, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = DefaultConfig().InactivityTimeout
	}

	return &Engine{
		cfg:    cfg,
		store:  store,
		sink:   sink,
		logger: logger.With("component", "flow"),
		flows:  make(map[string]*Flow),
		userMu: make(map[string]*sync.Mutex),
		now:    time.Now,
	}
}

// Load restores persisted flows. A corrupt entry is logged and skipped;
// the rest of the store loads normally. Call once at startup.
func (e *Engine) Load() error {
	flows, errs := e.store.LoadAll()
	for _, err := range errs {
		e.logger.Warn("flow entry skipped during load", "error", err)
	}

	e.mu.Lock()
	for key, f := range flows {
		if f.InProgress() {
			e.flows[key] = f
		}
	}
	count := len(e.flows)
	e.mu.Unlock()

	e.logger.Info("flows loaded", "active", count, "skipped", len(errs))
	return nil
}

// lockUser returns the mutex serializing all operations for one user.
func (e *Engine) lockUser(userID string) *sync.Mutex {
	e.mapMu.Lock()
	defer e.mapMu.Unlock()
	if m, ok := e.userMu[userID]; ok {
		return m
	}
	m := &sync.Mutex{}
	e.userMu[userID] = m
	return m
}

// Start begins a flow of the given type for the user, or resumes an
// existing one. At most one in-progress flow per (user, flow-type) ever
// exists: a duplicate start resumes the current question instead of
// creating a second instance, unless restart is set.
func (e *Engine) Start(ctx context.Context, userID, flowType string, questions []Question, restart bool) (StartResult, error) {
	if len(questions) == 0 {
		return StartResult{}, fmt.Errorf("flow %q has no questions", flowType)
	}

	mu := e.lockUser(userID)
	mu.Lock()
	defer mu.Unlock()

	key := FlowKey(userID, flowType)

	if existing := e.getFlow(key); existing != nil && existing.InProgress() {
		if e.isStale(existing) {
			e.expireLocked(existing, "inactivity")
		} else if !restart {
			q, _ := existing.CurrentQuestion()
			existing.LastActivityAt = e.now()
			if err := e.persist(existing); err != nil {
				return StartResult{}, err
			}
			e.logger.Info("flow resumed", "user", userID, "type", flowType, "question", existing.Current)
			return StartResult{Prompt: q.Prompt, Resumed: true}, nil
		} else {
			e.expireLocked(existing, "restart requested")
		}
	}

	now := e.now()
	f := &Flow{
		UserID:         userID,
		Type:           flowType,
		Status:         StatusAwaitingAnswer,
		Questions:      questions,
		Current:        0,
		StartedAt:      now,
		LastActivityAt: now,
	}

	e.mu.Lock()
	e.flows[key] = f
	e.mu.Unlock()

	if err := e.persist(f); err != nil {
		return StartResult{}, err
	}

	e.logger.Info("flow started", "user", userID, "type", flowType, "questions", len(questions))
	return StartResult{Prompt: questions[0].Prompt}, nil
}

// Submit processes one answer from the user. Invalid answers return a
// re-prompt without advancing the flow. The final answer completes the
// flow, hands the answers to the sink, and removes the persisted entry.
func (e *Engine) Submit(ctx context.Context, userID, raw string) (SubmitResult, error) {
	mu := e.lockUser(userID)
	mu.Lock()
	defer mu.Unlock()

	f := e.activeForUser(userID)
	if f == nil {
		return SubmitResult{}, ErrNoActiveFlow
	}

	if e.isStale(f) {
		e.expireLocked(f, "inactivity")
		return SubmitResult{}, ErrNoActiveFlow
	}

	q, ok := f.CurrentQuestion()
	if !ok {
		// Should not happen: completion removes the flow. Repair by
		// expiring.
		e.expireLocked(f, "question index out of range")
		return SubmitResult{}, ErrNoActiveFlow
	}

	f.Status = StatusActive
	value, verr := normalizeAnswer(q, raw)
	if verr != nil {
		f.Status = StatusAwaitingAnswer
		f.LastActivityAt = e.now()
		if err := e.persist(f); err != nil {
			return SubmitResult{}, err
		}
		return SubmitResult{
			Prompt:   fmt.Sprintf("Sorry, %s. %s", verr.Error(), q.Prompt),
			Reprompt: true,
			FlowType: f.Type,
		}, nil
	}

	now := e.now()
	f.Answers = append(f.Answers, Answer{
		QuestionID: q.ID,
		Raw:        raw,
		Value:      value,
		AnsweredAt: now,
	})
	f.Current++
	f.LastActivityAt = now

	if f.Current >= len(f.Questions) {
		return e.completeLocked(ctx, f)
	}

	f.Status = StatusAwaitingAnswer
	next, _ := f.CurrentQuestion()
	if err := e.persist(f); err != nil {
		return SubmitResult{}, err
	}

	e.logger.Debug("answer accepted", "user", userID, "type", f.Type, "question", q.ID)
	return SubmitResult{Prompt: next.Prompt, FlowType: f.Type}, nil
}

// completeLocked finishes a flow: terminal status, answers to the sink,
// persisted entry removed. Caller holds the user lock.
func (e *Engine) completeLocked(ctx context.Context, f *Flow) (SubmitResult, error) {
	f.Status = StatusCompleted

	if e.sink != nil {
		if err := e.sink.SaveAnswers(ctx, f.UserID, f.Type, f.Answers); err != nil {
			// The flow still completes; losing the analytics copy must
			// not trap the user in a finished conversation.
			e.logger.Error("failed to store flow answers",
				"user", f.UserID, "type", f.Type, "error", err)
		}
	}

	e.removeLocked(f)

	e.logger.Info("flow completed", "user", f.UserID, "type", f.Type, "answers", len(f.Answers))
	return SubmitResult{
		Prompt:    completionSummary(f),
		Completed: true,
		FlowType:  f.Type,
		Answers:   f.AnswerMap(),
	}, nil
}

// Skip advances past the current question without recording a real
// answer (universal skip token).
func (e *Engine) Skip(ctx context.Context, userID string) (SubmitResult, error) {
	mu := e.lockUser(userID)
	mu.Lock()
	defer mu.Unlock()

	f := e.activeForUser(userID)
	if f == nil {
		return SubmitResult{}, ErrNoActiveFlow
	}

	q, ok := f.CurrentQuestion()
	if !ok {
		e.expireLocked(f, "question index out of range")
		return SubmitResult{}, ErrNoActiveFlow
	}

	now := e.now()
	f.Answers = append(f.Answers, Answer{
		QuestionID: q.ID,
		Raw:        "skip",
		Value:      "(skipped)",
		AnsweredAt: now,
	})
	f.Current++
	f.LastActivityAt = now

	if f.Current >= len(f.Questions) {
		return e.completeLocked(ctx, f)
	}

	next, _ := f.CurrentQuestion()
	if err := e.persist(f); err != nil {
		return SubmitResult{}, err
	}

	e.logger.Info("question skipped", "user", userID, "type", f.Type, "question", q.ID)
	return SubmitResult{Prompt: next.Prompt, FlowType: f.Type}, nil
}

// Cancel terminates the user's in-progress flows (universal cancel token).
func (e *Engine) Cancel(userID string) bool {
	mu := e.lockUser(userID)
	mu.Lock()
	defer mu.Unlock()

	cancelled := false
	for _, f := range e.flowsForUser(userID) {
		f.Status = StatusCancelled
		e.removeLocked(f)
		e.logger.Info("flow cancelled", "user", userID, "type", f.Type)
		cancelled = true
	}
	return cancelled
}

// ExpireStale expires the user's flows that passed the inactivity window.
func (e *Engine) ExpireStale(userID string) {
	mu := e.lockUser(userID)
	mu.Lock()
	defer mu.Unlock()

	for _, f := range e.flowsForUser(userID) {
		if e.isStale(f) {
			e.expireLocked(f, "inactivity")
		}
	}
}

// ExpireOnOutbound expires all in-progress flows for a user because an
// unrelated message was just sent to them. A later reply must never be
// misread as an answer to a question the user has scrolled past.
func (e *Engine) ExpireOnOutbound(userID string) {
	mu := e.lockUser(userID)
	mu.Lock()
	defer mu.Unlock()

	for _, f := range e.flowsForUser(userID) {
		e.expireLocked(f, "unrelated outbound message")
	}
}

// SweepStale expires stale flows for every user. Run on a schedule.
func (e *Engine) SweepStale() int {
	e.mu.RLock()
	users := make(map[string]bool)
	for _, f := range e.flows {
		users[f.UserID] = true
	}
	e.mu.RUnlock()

	expired := 0
	for userID := range users {
		before := len(e.flowsForUserSnapshot(userID))
		e.ExpireStale(userID)
		expired += before - len(e.flowsForUserSnapshot(userID))
	}
	return expired
}

// Active reports whether the user has an in-progress flow. Used by the
// command router to decide where an inbound message goes.
func (e *Engine) Active(userID string) bool {
	mu := e.lockUser(userID)
	mu.Lock()
	defer mu.Unlock()

	for _, f := range e.flowsForUser(userID) {
		if e.isStale(f) {
			e.expireLocked(f, "inactivity")
			continue
		}
		return true
	}
	return false
}

// ActiveFlows returns a snapshot of all in-progress flows.
func (e *Engine) ActiveFlows() []*Flow {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*Flow, 0, len(e.flows))
	for _, f := range e.flows {
		cp := *f
		out = append(out, &cp)
	}
	return out
}

// ---------- Internal ----------

func (e *Engine) getFlow(key string) *Flow {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.flows[key]
}

// flowsForUser returns the user's in-progress flows. Caller holds the
// user lock.
func (e *Engine) flowsForUser(userID string) []*Flow {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []*Flow
	for _, f := range e.flows {
		if f.UserID == userID && f.InProgress() {
			out = append(out, f)
		}
	}
	return out
}

func (e *Engine) flowsForUserSnapshot(userID string) []*Flow {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []*Flow
	for _, f := range e.flows {
		if f.UserID == userID {
			out = append(out, f)
		}
	}
	return out
}

// activeForUser returns the flow waiting on this user's answer. When a
// user somehow has flows of several types in progress, the most recently
// active one wins.
func (e *Engine) activeForUser(userID string) *Flow {
	var newest *Flow
	for _, f := range e.flowsForUser(userID) {
		if newest == nil || f.LastActivityAt.After(newest.LastActivityAt) {
			newest = f
		}
	}
	return newest
}

func (e *Engine) isStale(f *Flow) bool {
	return e.now().Sub(f.LastActivityAt) > e.cfg.InactivityTimeout
}

// expireLocked marks a flow expired and removes it. Caller holds the user
// lock.
func (e *Engine) expireLocked(f *Flow, reason string) {
	f.Status = StatusExpired
	e.removeLocked(f)
	e.logger.Info("flow expired", "user", f.UserID, "type", f.Type, "reason", reason)
}

// removeLocked drops a terminal flow from the map and the store.
func (e *Engine) removeLocked(f *Flow) {
	key := f.Key()

	e.mu.Lock()
	delete(e.flows, key)
	e.mu.Unlock()

	if err := e.store.Delete(key); err != nil {
		e.logger.Error("failed to remove persisted flow", "key", key, "error", err)
	}
}

// persist writes the flow back to the store.
func (e *Engine) persist(f *Flow) error {
	if err := e.store.Save(f.Key(), f); err != nil {
		return fmt.Errorf("persist flow %q: %w", f.Key(), err)
	}
	return nil
}

// completionSummary renders the closing message for a finished flow.
func completionSummary(f *Flow) string {
	var b strings.Builder
	b.WriteString("All done, thanks for checking in!")
	if len(f.Answers) > 0 {
		b.WriteString(" Recorded:")
		for _, a := range f.Answers {
			fmt.Fprintf(&b, " %s=%s", a.QuestionID, a.Value)
		}
	}
	return b.String()
}
