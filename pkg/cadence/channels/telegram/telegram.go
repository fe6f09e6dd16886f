// Package telegram implements the Telegram chat channel for Cadence using
// the Bot API. Incoming updates arrive via long polling; outgoing sends go
// through the shared bot client.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/mwhitton/cadence/pkg/cadence/channels"
)

const (
	// maxMessageLen is Telegram's hard message size limit, minus margin.
	maxMessageLen = 4000

	// pollTimeout is the long-poll timeout in seconds.
	pollTimeout = 30

	// httpTimeout bounds every Bot API call so a hung server cannot wedge
	// a send. It must exceed pollTimeout or long polls would abort early.
	httpTimeout = (pollTimeout + 10) * time.Second
)

// Config holds Telegram channel configuration.
type Config struct {
	// Token is the Bot API token (from @BotFather).
	Token string `yaml:"token"`

	// AllowFrom restricts which user IDs the bot accepts messages from.
	// Empty means accept all.
	AllowFrom []int64 `yaml:"allow_from"`
}

// Telegram implements channels.Channel.
type Telegram struct {
	cfg    Config
	logger *slog.Logger

	bot      *tgbotapi.BotAPI
	messages chan *channels.IncomingMessage

	connected  atomic.Bool
	lastMsg    atomic.Value // time.Time
	errorCount atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
}

// New creates a Telegram channel instance.
func New(cfg Config, logger *slog.Logger) *Telegram {
	if logger == nil {
		logger = slog.Default()
	}
	return &Telegram{
		cfg:      cfg,
		logger:   logger.With("component", "telegram"),
		messages: make(chan *channels.IncomingMessage, 256),
	}
}

// Name returns the channel identifier.
func (t *Telegram) Name() string { return "telegram" }

// Capabilities returns what this channel can do.
func (t *Telegram) Capabilities() []channels.Capability {
	return []channels.Capability{channels.CapabilitySend, channels.CapabilityReceive}
}

// Connect authenticates with the Bot API and starts the polling loop.
// Safe to call again after the update stream drops: the stale poll
// goroutine is cancelled and a fresh session replaces it.
func (t *Telegram) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected.Load() {
		return nil
	}
	if t.cfg.Token == "" {
		return fmt.Errorf("telegram: %w: token not configured", channels.ErrUnauthorized)
	}
	if t.cancel != nil {
		t.cancel()
	}

	client := &http.Client{Timeout: httpTimeout}
	bot, err := tgbotapi.NewBotAPIWithClient(t.cfg.Token, tgbotapi.APIEndpoint, client)
	if err != nil {
		if strings.Contains(err.Error(), "Unauthorized") {
			return fmt.Errorf("telegram: %w: %v", channels.ErrUnauthorized, err)
		}
		return fmt.Errorf("telegram: connect: %w", err)
	}
	t.bot = bot
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.connected.Store(true)
	t.lastMsg.Store(time.Now())

	go t.poll()

	t.logger.Info("telegram connected", "username", bot.Self.UserName, "id", bot.Self.ID)
	return nil
}

// Disconnect stops polling and marks the channel stopped.
func (t *Telegram) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cancel != nil {
		t.cancel()
	}
	if t.bot != nil {
		t.bot.StopReceivingUpdates()
	}
	t.connected.Store(false)
	t.logger.Info("telegram disconnected")
	return nil
}

// Send delivers a text message to the given chat ID.
func (t *Telegram) Send(ctx context.Context, to string, msg *channels.OutgoingMessage) error {
	if !t.connected.Load() {
		return channels.ErrNotConnected
	}
	if ctx.Err() != nil {
		return fmt.Errorf("telegram: %w: %v", channels.ErrSendTimeout, ctx.Err())
	}

	chatID, err := strconv.ParseInt(to, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: %w: chat id %q", channels.ErrInvalidRecipient, to)
	}

	for _, chunk := range splitMessage(msg.Content, maxMessageLen) {
		m := tgbotapi.NewMessage(chatID, chunk)
		if msg.ReplyTo != "" {
			if replyID, err := strconv.Atoi(msg.ReplyTo); err == nil {
				m.ReplyToMessageID = replyID
			}
		}
		if _, err := t.bot.Send(m); err != nil {
			t.errorCount.Add(1)
			return translateSendError(err)
		}
	}

	t.errorCount.Store(0)
	return nil
}

// Receive returns the incoming message stream.
func (t *Telegram) Receive() <-chan *channels.IncomingMessage {
	return t.messages
}

// IsConnected reports whether the polling loop is running.
func (t *Telegram) IsConnected() bool {
	return t.connected.Load()
}

// Health returns the channel health state.
func (t *Telegram) Health() channels.HealthStatus {
	var last time.Time
	if v := t.lastMsg.Load(); v != nil {
		last = v.(time.Time)
	}
	return channels.HealthStatus{
		Connected:     t.connected.Load(),
		LastMessageAt: last,
		ErrorCount:    int(t.errorCount.Load()),
	}
}

// poll runs the long-poll loop until the channel context is cancelled.
func (t *Telegram) poll() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = pollTimeout
	updates := t.bot.GetUpdatesChan(u)

	t.logger.Info("telegram polling started")

	for {
		select {
		case <-t.ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				t.connected.Store(false)
				t.logger.Warn("telegram update stream closed")
				return
			}
			if update.Message == nil || update.Message.Text == "" {
				continue
			}
			if !t.allowed(update.Message.From) {
				t.logger.Debug("ignoring message from unallowed user",
					"from", update.Message.From.ID)
				continue
			}

			t.lastMsg.Store(time.Now())
			in := &channels.IncomingMessage{
				ID:        strconv.Itoa(update.Message.MessageID),
				Channel:   t.Name(),
				From:      strconv.FormatInt(update.Message.From.ID, 10),
				FromName:  update.Message.From.UserName,
				Content:   update.Message.Text,
				Timestamp: update.Message.Time(),
			}
			select {
			case t.messages <- in:
			case <-t.ctx.Done():
				return
			}
		}
	}
}

func (t *Telegram) allowed(from *tgbotapi.User) bool {
	if from == nil {
		return false
	}
	if len(t.cfg.AllowFrom) == 0 {
		return true
	}
	for _, id := range t.cfg.AllowFrom {
		if id == from.ID {
			return true
		}
	}
	return false
}

// translateSendError maps Bot API errors into the channel error taxonomy.
func translateSendError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "chat not found"),
		strings.Contains(msg, "user is deactivated"),
		strings.Contains(msg, "bot was blocked"):
		return fmt.Errorf("telegram: %w: %v", channels.ErrInvalidRecipient, err)
	case strings.Contains(msg, "Unauthorized"):
		return fmt.Errorf("telegram: %w: %v", channels.ErrUnauthorized, err)
	default:
		return fmt.Errorf("telegram: %w: %v", channels.ErrSendFailed, err)
	}
}

// splitMessage breaks content into chunks under the size limit, preferring
// newline boundaries.
func splitMessage(content string, limit int) []string {
	if len(content) <= limit {
		return []string{content}
	}

	var chunks []string
	for len(content) > limit {
		cut := strings.LastIndex(content[:limit], "\n")
		if cut <= 0 {
			// Hard split: back up so the cut never lands inside a
			// multi-byte rune.
			cut = limit
			for cut > 0 && !utf8.RuneStart(content[cut]) {
				cut--
			}
			if cut == 0 {
				cut = limit
			}
		}
		chunks = append(chunks, content[:cut])
		content = strings.TrimLeft(content[cut:], "\n")
	}
	if content != "" {
		chunks = append(chunks, content)
	}
	return chunks
}
