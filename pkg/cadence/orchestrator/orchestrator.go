// Package orchestrator routes outbound messages to the right channel
// adapter and is the single entry point for sends. It tracks per-channel
// status, converts adapter failures into queued retries, records delivery
// history, and signals the flow engine when unrelated traffic reaches a
// user with a conversation in progress.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mwhitton/cadence/pkg/cadence/channels"
	"github.com/mwhitton/cadence/pkg/cadence/delivery"
	"github.com/mwhitton/cadence/pkg/cadence/directory"
	"github.com/mwhitton/cadence/pkg/cadence/selection"
)

// AddressResolver resolves a user to channel addresses in priority order.
type AddressResolver interface {
	Resolve(userID string) ([]directory.Address, error)
}

// Selector picks a concrete body for a category send.
type Selector interface {
	Pick(userID, category, period string) (string, error)
}

// HistoryWriter records successful deliveries.
type HistoryWriter interface {
	Record(rec delivery.DeliveryRecord) error
}

// RetryQueue receives messages that failed to send.
type RetryQueue interface {
	Enqueue(msg channels.OutboundMessage, cause error) *delivery.QueuedMessage
	DeadLetterMessage(msg channels.OutboundMessage, reason string)
}

// FlowNotifier is told when unrelated outbound traffic reaches a user, so
// stale conversation flows can be expired.
type FlowNotifier interface {
	ExpireOnOutbound(userID string)
}

// Config holds orchestrator parameters.
type Config struct {
	// SendTimeout bounds each adapter send attempt.
	SendTimeout time.Duration `yaml:"send_timeout"`

	// DegradedThreshold is the number of consecutive send failures after
	// which a channel is marked degraded.
	DegradedThreshold int `yaml:"degraded_threshold"`

	// MonitorInterval is how often the connectivity monitor polls each
	// channel.
	MonitorInterval time.Duration `yaml:"monitor_interval"`
}

// DefaultConfig returns fallback parameters.
func DefaultConfig() Config {
	return Config{
		SendTimeout:       30 * time.Second,
		DegradedThreshold: 3,
		MonitorInterval:   30 * time.Second,
	}
}

// Orchestrator owns the channel adapters and the outbound send path.
type Orchestrator struct {
	cfg    Config
	logger *slog.Logger

	resolver AddressResolver
	selector Selector
	history  HistoryWriter
	retry    RetryQueue
	flows    FlowNotifier

	// mu guards adapters, status and consecFails. It is never held while
	// calling into an adapter or another component.
	mu          sync.RWMutex
	adapters    map[string]channels.Channel
	status      map[string]channels.Status
	consecFails map[string]int

	// sendMu serializes writes per channel so the retry worker and the
	// direct send path never interleave on one transport connection.
	sendMu    map[string]*sync.Mutex
	sendMapMu sync.Mutex

	messages chan *channels.IncomingMessage
	listenWg sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an orchestrator. All collaborators are injected; the retry
// queue's sender must be pointed back at this orchestrator by the caller.
func New(resolver AddressResolver, selector Selector, history HistoryWriter, retry RetryQueue, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultConfig().SendTimeout
	}
	if cfg.DegradedThreshold <= 0 {
		cfg.DegradedThreshold = DefaultConfig().DegradedThreshold
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = DefaultConfig().MonitorInterval
	}

	return &Orchestrator{
		cfg:         cfg,
		logger:      logger.With("component", "orchestrator"),
		resolver:    resolver,
		selector:    selector,
		history:     history,
		retry:       retry,
		adapters:    make(map[string]channels.Channel),
		status:      make(map[string]channels.Status),
		consecFails: make(map[string]int),
		sendMu:      make(map[string]*sync.Mutex),
		messages:    make(chan *channels.IncomingMessage, 256),
	}
}

// SetFlowNotifier wires the flow engine's expiry hook. Called once during
// assembly.
func (o *Orchestrator) SetFlowNotifier(fn FlowNotifier) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.flows = fn
}

// Register adds a channel adapter. Must be called before Start.
func (o *Orchestrator) Register(ch channels.Channel) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	name := ch.Name()
	if _, exists := o.adapters[name]; exists {
		return fmt.Errorf("channel %q already registered", name)
	}

	o.adapters[name] = ch
	o.status[name] = channels.StatusStopped
	o.logger.Info("channel registered", "channel", name)
	return nil
}

// Start connects all registered channels and begins listening for inbound
// messages. A channel that fails to connect is marked stopped and left for
// the connectivity monitor to recover; it does not block the others.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.ctx, o.cancel = context.WithCancel(ctx)

	o.mu.RLock()
	snapshot := make(map[string]channels.Channel, len(o.adapters))
	for k, v := range o.adapters {
		snapshot[k] = v
	}
	o.mu.RUnlock()

	if len(snapshot) == 0 {
		return fmt.Errorf("no channels registered")
	}

	var connected int
	for name, ch := range snapshot {
		// The inbound stream outlives individual sessions, so the
		// listener starts whether or not the first connect succeeds.
		if in := ch.Receive(); in != nil {
			o.listenWg.Add(1)
			go func(name string, in <-chan *channels.IncomingMessage) {
				defer o.listenWg.Done()
				o.listen(name, in)
			}(name, in)
		}

		if err := ch.Connect(o.ctx); err != nil {
			o.logger.Error("channel failed to connect", "channel", name, "error", err)
			o.setStatus(name, channels.StatusStopped)
			continue
		}

		connected++
		o.setStatus(name, channels.StatusReady)
		o.logger.Info("channel connected", "channel", name)
	}

	for name, ch := range snapshot {
		go o.monitor(name, ch)
	}

	o.logger.Info("orchestrator started",
		"channels", len(snapshot),
		"connected", connected,
	)
	return nil
}

// Stop disconnects all channels and waits for the listeners to drain.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	o.listenWg.Wait()

	o.mu.RLock()
	defer o.mu.RUnlock()
	for name, ch := range o.adapters {
		if err := ch.Disconnect(); err != nil {
			o.logger.Warn("channel disconnect failed", "channel", name, "error", err)
		}
		o.status[name] = channels.StatusStopped
	}
	close(o.messages)
	o.logger.Info("orchestrator stopped")
}

// Incoming returns the aggregated stream of inbound messages from every
// channel.
func (o *Orchestrator) Incoming() <-chan *channels.IncomingMessage {
	return o.messages
}

// Status returns a snapshot of every channel's status.
func (o *Orchestrator) Status() map[string]channels.Status {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make(map[string]channels.Status, len(o.status))
	for k, v := range o.status {
		out[k] = v
	}
	return out
}

// Send delivers a message to a user. When body is empty the dedup selector
// picks one from the category's library. A transport failure is invisible
// to the caller: the message is queued for retry and Send returns
// delivered=false with a nil error. Only configuration errors (unknown
// user, unknown channel, empty category pool) surface synchronously.
func (o *Orchestrator) Send(ctx context.Context, userID, category, body, preferredChannel string) (bool, error) {
	addrs, err := o.resolver.Resolve(userID)
	if err != nil {
		return false, err
	}

	addr, err := o.pickAddress(addrs, preferredChannel)
	if err != nil {
		return false, err
	}

	period := selection.PeriodOf(time.Now())
	if body == "" {
		if category == "" || category == channels.CategoryFlow {
			return false, fmt.Errorf("send to %q: empty body requires a content category", userID)
		}
		body, err = o.selector.Pick(userID, category, period)
		if err != nil {
			return false, err
		}
	}

	msg := channels.OutboundMessage{
		UserID:        userID,
		Recipient:     addr.Recipient,
		Channel:       addr.Channel,
		Category:      category,
		Period:        period,
		Body:          body,
		CorrelationID: uuid.NewString(),
	}

	// A stopped channel is not an error: queue the message and let the
	// retry worker deliver it once the channel recovers.
	if o.channelStatus(addr.Channel) == channels.StatusStopped {
		o.retry.Enqueue(msg, channels.ErrNotConnected)
		return false, nil
	}

	if err := o.attemptSend(ctx, msg); err != nil {
		if channels.IsPermanent(err) {
			o.retry.DeadLetterMessage(msg, err.Error())
			return false, nil
		}
		o.retry.Enqueue(msg, err)
		return false, nil
	}

	o.afterDelivery(msg)
	return true, nil
}

// Resend is the retry worker's path back into the adapter send. It skips
// dedup selection (the body was already chosen) but still records history
// and expires stale flows on success.
func (o *Orchestrator) Resend(ctx context.Context, msg channels.OutboundMessage) error {
	if o.channelStatus(msg.Channel) == channels.StatusStopped {
		return channels.ErrNotConnected
	}
	if err := o.attemptSend(ctx, msg); err != nil {
		return err
	}
	o.afterDelivery(msg)
	return nil
}

// ---------- Internal ----------

// pickAddress chooses the delivery address. A preferred channel is used as
// given (even if currently stopped: the message will queue). Without a
// preference, the first ready address wins, then the first degraded one,
// then the highest-priority address regardless of status.
func (o *Orchestrator) pickAddress(addrs []directory.Address, preferred string) (directory.Address, error) {
	if preferred != "" {
		if !o.isRegistered(preferred) {
			return directory.Address{}, fmt.Errorf("%w: %q", channels.ErrUnknownChannel, preferred)
		}
		for _, a := range addrs {
			if a.Channel == preferred {
				return a, nil
			}
		}
		return directory.Address{}, fmt.Errorf("%w: user has no address on %q", channels.ErrUnknownChannel, preferred)
	}

	var registered []directory.Address
	for _, a := range addrs {
		if o.isRegistered(a.Channel) {
			registered = append(registered, a)
		}
	}
	if len(registered) == 0 {
		return directory.Address{}, fmt.Errorf("%w: none of the user's channels are configured", channels.ErrUnknownChannel)
	}

	for _, a := range registered {
		if o.channelStatus(a.Channel) == channels.StatusReady {
			return a, nil
		}
	}
	for _, a := range registered {
		if o.channelStatus(a.Channel) == channels.StatusDegraded {
			return a, nil
		}
	}
	return registered[0], nil
}

// attemptSend performs one bounded send on the adapter, holding the
// per-channel lock so concurrent writers never interleave on the
// transport.
func (o *Orchestrator) attemptSend(ctx context.Context, msg channels.OutboundMessage) error {
	o.mu.RLock()
	ch := o.adapters[msg.Channel]
	o.mu.RUnlock()
	if ch == nil {
		return fmt.Errorf("%w: %q", channels.ErrUnknownChannel, msg.Channel)
	}

	mu := o.sendMuFor(msg.Channel)
	mu.Lock()
	defer mu.Unlock()

	sendCtx, cancel := context.WithTimeout(ctx, o.cfg.SendTimeout)
	defer cancel()

	err := ch.Send(sendCtx, msg.Recipient, &channels.OutgoingMessage{Content: msg.Body})
	if err != nil {
		if sendCtx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("%w: %v", channels.ErrSendTimeout, err)
		}
		o.registerFailure(msg.Channel, err)
		return err
	}

	o.registerSuccess(msg.Channel)
	return nil
}

// afterDelivery records history and expires stale flows. Flow traffic does
// neither: a check-in prompt must not expire the flow that produced it.
func (o *Orchestrator) afterDelivery(msg channels.OutboundMessage) {
	if msg.Category == channels.CategoryFlow {
		return
	}

	if o.history != nil {
		if err := o.history.Record(delivery.DeliveryRecord{
			UserID:   msg.UserID,
			Category: msg.Category,
			Body:     msg.Body,
			Period:   msg.Period,
		}); err != nil {
			o.logger.Error("failed to record delivery",
				"user", msg.UserID, "category", msg.Category, "error", err)
		}
	}

	o.mu.RLock()
	flows := o.flows
	o.mu.RUnlock()
	if flows != nil {
		flows.ExpireOnOutbound(msg.UserID)
	}
}

func (o *Orchestrator) isRegistered(name string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, ok := o.adapters[name]
	return ok
}

func (o *Orchestrator) channelStatus(name string) channels.Status {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.status[name]
}

func (o *Orchestrator) setStatus(name string, st channels.Status) {
	o.mu.Lock()
	prev := o.status[name]
	o.status[name] = st
	o.mu.Unlock()

	if prev != st {
		o.logger.Info("channel status changed", "channel", name, "from", prev, "to", st)
	}
}

// registerFailure bumps the consecutive-failure counter and marks the
// channel degraded once the threshold is reached.
func (o *Orchestrator) registerFailure(name string, cause error) {
	o.mu.Lock()
	o.consecFails[name]++
	fails := o.consecFails[name]
	st := o.status[name]
	degrade := fails >= o.cfg.DegradedThreshold && st == channels.StatusReady
	o.mu.Unlock()

	o.logger.Warn("send attempt failed",
		"channel", name, "consecutive_failures", fails, "error", cause)

	if degrade {
		o.setStatus(name, channels.StatusDegraded)
	}
}

// registerSuccess clears the failure counter; a degraded channel becomes
// ready again on its first successful send.
func (o *Orchestrator) registerSuccess(name string) {
	o.mu.Lock()
	o.consecFails[name] = 0
	st := o.status[name]
	o.mu.Unlock()

	if st == channels.StatusDegraded {
		o.setStatus(name, channels.StatusReady)
	}
}

func (o *Orchestrator) sendMuFor(name string) *sync.Mutex {
	o.sendMapMu.Lock()
	defer o.sendMapMu.Unlock()
	if m, ok := o.sendMu[name]; ok {
		return m
	}
	m := &sync.Mutex{}
	o.sendMu[name] = m
	return m
}

// listen forwards one channel's inbound messages to the aggregate stream.
func (o *Orchestrator) listen(name string, in <-chan *channels.IncomingMessage) {
	for {
		select {
		case <-o.ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				o.logger.Warn("channel receive stream closed", "channel", name)
				return
			}
			select {
			case o.messages <- msg:
			case <-o.ctx.Done():
				return
			}
		}
	}
}

// reconnectBackoffMax caps the delay between reconnect attempts for a
// stopped channel.
const reconnectBackoffMax = 10 * time.Minute

// monitor polls a channel's connectivity, flips its status, and keeps
// re-attempting Connect with backoff while the channel is down. This is
// what brings back a channel that failed to connect at startup or lost
// its session mid-run. Runs until the orchestrator context is cancelled.
func (o *Orchestrator) monitor(name string, ch channels.Channel) {
	ticker := time.NewTicker(o.cfg.MonitorInterval)
	defer ticker.Stop()

	backoff := o.cfg.MonitorInterval
	var nextAttempt time.Time

	for {
		select {
		case <-o.ctx.Done():
			return
		case now := <-ticker.C:
			if ch.IsConnected() {
				if o.channelStatus(name) == channels.StatusStopped {
					o.setStatus(name, channels.StatusReady)
				}
				backoff = o.cfg.MonitorInterval
				nextAttempt = time.Time{}
				continue
			}

			if o.channelStatus(name) != channels.StatusStopped {
				o.setStatus(name, channels.StatusStopped)
			}
			if now.Before(nextAttempt) {
				continue
			}

			if err := ch.Connect(o.ctx); err != nil {
				o.logger.Warn("channel reconnect failed",
					"channel", name, "error", err, "next_attempt_in", backoff)
				nextAttempt = now.Add(backoff)
				backoff *= 2
				if backoff > reconnectBackoffMax {
					backoff = reconnectBackoffMax
				}
				continue
			}
			if o.ctx.Err() != nil {
				return
			}
			o.setStatus(name, channels.StatusReady)
			o.logger.Info("channel reconnected", "channel", name)
			backoff = o.cfg.MonitorInterval
			nextAttempt = time.Time{}
		}
	}
}
