// Package assistant assembles the Cadence core: storage, channels,
// orchestrator, retry worker, flow engine, router and scheduler, wired
// from configuration. It also runs the inbound message pump that turns
// routing decisions into actions.
package assistant

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/mwhitton/cadence/pkg/cadence/channels"
	"github.com/mwhitton/cadence/pkg/cadence/channels/discord"
	"github.com/mwhitton/cadence/pkg/cadence/channels/email"
	"github.com/mwhitton/cadence/pkg/cadence/channels/telegram"
	"github.com/mwhitton/cadence/pkg/cadence/config"
	"github.com/mwhitton/cadence/pkg/cadence/content"
	"github.com/mwhitton/cadence/pkg/cadence/delivery"
	"github.com/mwhitton/cadence/pkg/cadence/directory"
	"github.com/mwhitton/cadence/pkg/cadence/flow"
	"github.com/mwhitton/cadence/pkg/cadence/orchestrator"
	"github.com/mwhitton/cadence/pkg/cadence/router"
	"github.com/mwhitton/cadence/pkg/cadence/schedule"
	"github.com/mwhitton/cadence/pkg/cadence/selection"
	"github.com/mwhitton/cadence/pkg/cadence/storage"
)

// Responder is the free-text collaborator. It must answer within the
// timeout or the assistant falls back to a canned response.
type Responder interface {
	Generate(ctx context.Context, userID, prompt string) (string, error)
}

// responderTimeout bounds one free-text generation.
const responderTimeout = 15 * time.Second

// cannedResponse is sent when the free-text collaborator is unavailable.
const cannedResponse = "I didn't quite catch that. Try \"help\" to see what I can do."

// Assistant is the composition root and run loop.
type Assistant struct {
	cfg    config.Config
	logger *slog.Logger

	db        *sql.DB
	dir       *directory.Directory
	orch      *orchestrator.Orchestrator
	retry     *delivery.Manager
	history   *delivery.History
	engine    *flow.Engine
	router    *router.Router
	scheduler *schedule.Runner

	responder Responder
}

// New builds an assistant from configuration. The optional responder and
// classifier hook up the NLU collaborator; both may be nil.
func New(cfg config.Config, responder Responder, classifier router.Classifier, logger *slog.Logger) (*Assistant, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := storage.Open(filepath.Join(cfg.DataDir, "cadence.db"))
	if err != nil {
		return nil, err
	}

	history := delivery.NewHistory(db, 0, logger)
	retry := delivery.NewManager(delivery.NewSQLiteQueueStore(db), cfg.Retry, logger)

	lib, err := content.LoadLibrary(cfg.ContentFile)
	if err != nil {
		// A missing library disables category sends but the assistant
		// still answers commands and runs flows.
		logger.Warn("content library unavailable, category sends disabled", "error", err)
		lib = content.NewLibrary(nil)
	}
	selector := selection.New(lib, history, cfg.Dedup, logger)

	dir := directory.New(cfg.Users)
	orch := orchestrator.New(dir, selector, history, retry, cfg.Orchestrator, logger)
	retry.SetSender(orch)

	flowStore, err := flow.NewFileStore(filepath.Join(cfg.DataDir, "flows"), logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	engine := flow.NewEngine(flowStore, flow.NewSQLiteAnswerSink(db), cfg.Flow, logger)
	orch.SetFlowNotifier(engine)

	a := &Assistant{
		cfg:       cfg,
		logger:    logger.With("component", "assistant"),
		db:        db,
		dir:       dir,
		orch:      orch,
		retry:     retry,
		history:   history,
		engine:    engine,
		responder: responder,
	}
	a.router = router.New(engine, classifier, cfg.Router, logger)
	a.scheduler = schedule.NewRunner(a, cfg.Triggers, logger)

	if err := a.registerChannels(); err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

// registerChannels builds and registers the enabled channel adapters.
func (a *Assistant) registerChannels() error {
	ch := a.cfg.Channels

	if ch.Telegram.Enabled {
		tg := telegram.New(telegram.Config{Token: ch.Telegram.Token}, a.logger)
		if err := a.orch.Register(tg); err != nil {
			return err
		}
	}
	if ch.Discord.Enabled {
		dc := discord.New(discord.Config{Token: ch.Discord.Token}, a.logger)
		if err := a.orch.Register(dc); err != nil {
			return err
		}
	}
	if ch.Email.Enabled {
		em := email.New(email.Config{
			Host:     ch.Email.Host,
			Port:     ch.Email.Port,
			Username: ch.Email.Username,
			Password: ch.Email.Password,
			From:     ch.Email.From,
		}, a.logger)
		if err := a.orch.Register(em); err != nil {
			return err
		}
	}
	return nil
}

// Run starts everything and blocks until the context is cancelled, then
// shuts down in order: scheduler, retry worker, channels, database.
func (a *Assistant) Run(ctx context.Context) error {
	if err := a.engine.Load(); err != nil {
		return err
	}
	if err := a.retry.Load(); err != nil {
		return err
	}
	if err := a.orch.Start(ctx); err != nil {
		return err
	}

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	go a.retry.Run(workerCtx)
	go a.history.RunTrim(workerCtx)

	if err := a.scheduler.Start(ctx); err != nil {
		stopWorkers()
		return err
	}
	if err := a.scheduler.AddJob("flow-sweep", "@every 5m", func() {
		if expired := a.engine.SweepStale(); expired > 0 {
			a.logger.Info("stale flows swept", "expired", expired)
		}
	}); err != nil {
		a.logger.Warn("failed to schedule flow sweep", "error", err)
	}

	a.logger.Info("assistant running", "name", a.cfg.Name)

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("shutting down")
			a.scheduler.Stop()
			stopWorkers()
			a.orch.Stop()
			if err := a.db.Close(); err != nil {
				a.logger.Warn("database close failed", "error", err)
			}
			return nil
		case msg, ok := <-a.orch.Incoming():
			if !ok {
				return nil
			}
			a.handleInbound(ctx, msg)
		}
	}
}

// SendOnce connects the channels, delivers one message, and disconnects.
// Used by the CLI `send` command; if no channel is reachable the message
// lands in the durable retry queue for the next daemon run.
func (a *Assistant) SendOnce(ctx context.Context, userID, category, body, channel string) (bool, error) {
	if err := a.retry.Load(); err != nil {
		return false, err
	}
	if err := a.orch.Start(ctx); err != nil {
		return false, err
	}
	defer func() {
		a.orch.Stop()
		if err := a.db.Close(); err != nil {
			a.logger.Warn("database close failed", "error", err)
		}
	}()

	return a.orch.Send(ctx, userID, category, body, channel)
}

// Status returns the orchestrator's channel status snapshot.
func (a *Assistant) Status() map[string]channels.Status {
	return a.orch.Status()
}

// ---------- schedule.Actions ----------

// SendCategory delivers a scheduled category message; the dedup selector
// picks the body.
func (a *Assistant) SendCategory(ctx context.Context, userID, category, channel string) error {
	delivered, err := a.orch.Send(ctx, userID, category, "", channel)
	if err != nil {
		return err
	}
	if !delivered {
		a.logger.Info("scheduled send queued for retry", "user", userID, "category", category)
	}
	return nil
}

// StartFlow begins (or resumes) a configured flow and sends its first
// prompt.
func (a *Assistant) StartFlow(ctx context.Context, userID, flowType string) error {
	script, ok := a.cfg.Flows[flowType]
	if !ok {
		return fmt.Errorf("unknown flow type %q", flowType)
	}

	res, err := a.engine.Start(ctx, userID, flowType, script.Questions, false)
	if err != nil {
		return err
	}
	if res.Resumed {
		a.logger.Info("flow resumed instead of restarted", "user", userID, "type", flowType)
	}
	return a.sendFlowPrompt(ctx, userID, res.Prompt, "")
}

// ---------- Inbound handling ----------

// handleInbound attributes the message to a user, routes it, and acts on
// the decision.
func (a *Assistant) handleInbound(ctx context.Context, msg *channels.IncomingMessage) {
	userID, ok := a.dir.UserFor(msg.Channel, msg.From)
	if !ok {
		a.logger.Debug("inbound message from unknown sender",
			"channel", msg.Channel, "from", msg.From)
		return
	}

	decision := a.router.Route(ctx, userID, msg.Content)
	a.logger.Debug("inbound routed",
		"user", userID,
		"target", decision.Target,
		"command", decision.Command,
		"confidence", decision.Confidence,
	)

	switch decision.Target {
	case router.TargetFlow:
		a.handleFlowAnswer(ctx, userID, msg)
	case router.TargetCommand:
		a.handleCommand(ctx, userID, decision, msg)
	case router.TargetFreeText:
		a.handleFreeText(ctx, userID, msg)
	}
}

// handleFlowAnswer submits the text as an answer and sends back the next
// prompt, the re-prompt guidance, or the completion summary.
func (a *Assistant) handleFlowAnswer(ctx context.Context, userID string, msg *channels.IncomingMessage) {
	res, err := a.engine.Submit(ctx, userID, msg.Content)
	if err != nil {
		// The flow expired between routing and submission; treat the
		// text as free text rather than dropping it.
		a.handleFreeText(ctx, userID, msg)
		return
	}
	a.sendFlowPrompt(ctx, userID, res.Prompt, msg.Channel)
}

// handleCommand executes a structured command.
func (a *Assistant) handleCommand(ctx context.Context, userID string, d router.Decision, msg *channels.IncomingMessage) {
	switch d.Command {
	case "cancel":
		if a.engine.Cancel(userID) {
			a.reply(ctx, userID, msg.Channel, "Okay, cancelled. Talk later!")
		} else {
			a.reply(ctx, userID, msg.Channel, "Nothing to cancel right now.")
		}

	case "skip":
		res, err := a.engine.Skip(ctx, userID)
		if err != nil {
			a.reply(ctx, userID, msg.Channel, "There's no question to skip.")
			return
		}
		a.sendFlowPrompt(ctx, userID, res.Prompt, msg.Channel)

	case "checkin":
		if err := a.StartFlow(ctx, userID, "checkin"); err != nil {
			a.logger.Error("failed to start check-in", "user", userID, "error", err)
			a.reply(ctx, userID, msg.Channel, "I couldn't start a check-in right now.")
		}

	case "status":
		a.reply(ctx, userID, msg.Channel, a.formatStatus())

	case "queue":
		a.reply(ctx, userID, msg.Channel,
			fmt.Sprintf("%d message(s) waiting for retry.", a.retry.Depth()))

	case "help":
		a.reply(ctx, userID, msg.Channel,
			"You can say: check-in, status, queue, cancel, skip. Anything else and I'll do my best.")

	default:
		a.handleFreeText(ctx, userID, msg)
	}
}

// handleFreeText hands the text to the responder, falling back to a
// canned reply when it is absent or slow.
func (a *Assistant) handleFreeText(ctx context.Context, userID string, msg *channels.IncomingMessage) {
	if a.responder == nil {
		a.reply(ctx, userID, msg.Channel, cannedResponse)
		return
	}

	rctx, cancel := context.WithTimeout(ctx, responderTimeout)
	defer cancel()

	text, err := a.responder.Generate(rctx, userID, msg.Content)
	if err != nil || strings.TrimSpace(text) == "" {
		a.logger.Warn("responder unavailable, sending canned reply",
			"user", userID, "error", err)
		text = cannedResponse
	}
	a.reply(ctx, userID, msg.Channel, text)
}

// sendFlowPrompt sends flow traffic: it bypasses dedup and must not
// expire the flow that produced it.
func (a *Assistant) sendFlowPrompt(ctx context.Context, userID, prompt, preferred string) error {
	if prompt == "" {
		return nil
	}
	_, err := a.orch.Send(ctx, userID, channels.CategoryFlow, prompt, preferred)
	if err != nil {
		a.logger.Error("failed to send flow prompt", "user", userID, "error", err)
	}
	return err
}

// reply sends a direct command/free-text response on the channel the user
// wrote on.
func (a *Assistant) reply(ctx context.Context, userID, channel, text string) {
	if _, err := a.orch.Send(ctx, userID, "reply", text, channel); err != nil {
		a.logger.Error("failed to send reply", "user", userID, "error", err)
	}
}

// formatStatus renders the channel status map for a chat reply.
func (a *Assistant) formatStatus() string {
	status := a.orch.Status()
	if len(status) == 0 {
		return "No channels configured."
	}

	var b strings.Builder
	b.WriteString("Channels:")
	for name, st := range status {
		fmt.Fprintf(&b, "\n- %s: %s", name, st)
	}
	fmt.Fprintf(&b, "\nRetry queue: %d", a.retry.Depth())
	return b.String()
}
