// Package schedule fires configured triggers on a cron cadence: scheduled
// category sends ("evening motivational") and check-in flow starts. It
// drives the same public APIs any external scheduler would call; the core
// does not depend on it.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Trigger is one configured cron action.
type Trigger struct {
	// Name identifies the trigger in logs.
	Name string `yaml:"name"`

	// Cron is the schedule expression (5-field cron or @-descriptor).
	Cron string `yaml:"cron"`

	// Action is "send" (category send) or "flow" (start a check-in).
	Action string `yaml:"action"`

	// UserID is the recipient.
	UserID string `yaml:"user"`

	// Category is the content category for "send" actions.
	Category string `yaml:"category"`

	// Channel optionally pins the send to one channel.
	Channel string `yaml:"channel,omitempty"`

	// FlowType names the flow script for "flow" actions.
	FlowType string `yaml:"flow_type,omitempty"`
}

// Actions is what the runner calls when a trigger fires.
type Actions interface {
	// SendCategory delivers a category message to a user.
	SendCategory(ctx context.Context, userID, category, channel string) error

	// StartFlow begins (or resumes) a flow and sends its first prompt.
	StartFlow(ctx context.Context, userID, flowType string) error
}

// triggerTimeout bounds one trigger execution.
const triggerTimeout = time.Minute

// Runner owns the cron scheduler and the registered triggers.
type Runner struct {
	actions  Actions
	triggers []Trigger
	logger   *slog.Logger

	cron *cron.Cron

	ctx    context.Context
	cancel context.CancelFunc
}

// NewRunner creates a trigger runner.
func NewRunner(actions Actions, triggers []Trigger, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		actions:  actions,
		triggers: triggers,
		logger:   logger.With("component", "schedule"),
	}
}

// Start registers all triggers and starts the cron scheduler. A trigger
// with an invalid expression is logged and skipped; it never blocks the
// rest.
func (r *Runner) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.cron = cron.New(cron.WithParser(cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)))

	var registered int
	for _, t := range r.triggers {
		t := t
		if err := r.validate(t); err != nil {
			r.logger.Warn("skipping invalid trigger", "trigger", t.Name, "error", err)
			continue
		}
		if _, err := r.cron.AddFunc(t.Cron, func() { r.fire(t) }); err != nil {
			r.logger.Warn("skipping trigger with invalid schedule",
				"trigger", t.Name, "cron", t.Cron, "error", err)
			continue
		}
		registered++
	}

	r.cron.Start()
	r.logger.Info("schedule runner started", "triggers", registered)
	return nil
}

// AddJob registers an internal maintenance job (e.g. the stale flow
// sweep) alongside the configured triggers. Must be called before Start
// returns control to the caller's run loop, but works at any time.
func (r *Runner) AddJob(name, spec string, fn func()) error {
	if r.cron == nil {
		return fmt.Errorf("runner not started")
	}
	if _, err := r.cron.AddFunc(spec, fn); err != nil {
		return fmt.Errorf("add job %q: %w", name, err)
	}
	r.logger.Info("maintenance job scheduled", "job", name, "cron", spec)
	return nil
}

// Stop shuts the scheduler down, waiting briefly for running triggers.
func (r *Runner) Stop() {
	if r.cron != nil {
		done := r.cron.Stop()
		select {
		case <-done.Done():
		case <-time.After(10 * time.Second):
			r.logger.Warn("schedule runner stop timed out")
		}
	}
	if r.cancel != nil {
		r.cancel()
	}
	r.logger.Info("schedule runner stopped")
}

func (r *Runner) validate(t Trigger) error {
	if t.UserID == "" {
		return fmt.Errorf("trigger has no user")
	}
	switch t.Action {
	case "send":
		if t.Category == "" {
			return fmt.Errorf("send trigger has no category")
		}
	case "flow":
		if t.FlowType == "" {
			return fmt.Errorf("flow trigger has no flow type")
		}
	default:
		return fmt.Errorf("unknown action %q", t.Action)
	}
	return nil
}

// fire executes one trigger with a bounded context.
func (r *Runner) fire(t Trigger) {
	ctx, cancel := context.WithTimeout(r.ctx, triggerTimeout)
	defer cancel()

	r.logger.Info("trigger fired", "trigger", t.Name, "action", t.Action, "user", t.UserID)

	var err error
	switch t.Action {
	case "send":
		err = r.actions.SendCategory(ctx, t.UserID, t.Category, t.Channel)
	case "flow":
		err = r.actions.StartFlow(ctx, t.UserID, t.FlowType)
	}
	if err != nil {
		r.logger.Error("trigger failed", "trigger", t.Name, "error", err)
	}
}
