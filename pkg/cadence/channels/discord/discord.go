// Package discord implements the Discord chat channel for Cadence using
// discordgo. Recipients are Discord user IDs; messages go out over a DM
// channel created on demand.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/mwhitton/cadence/pkg/cadence/channels"
)

// Config holds Discord channel configuration.
type Config struct {
	// Token is the bot token.
	Token string `yaml:"token"`

	// AllowFrom restricts which user IDs the bot accepts messages from.
	// Empty means accept all.
	AllowFrom []string `yaml:"allow_from"`
}

// Discord implements channels.Channel and channels.EmbedChannel.
type Discord struct {
	cfg    Config
	logger *slog.Logger

	session  *discordgo.Session
	messages chan *channels.IncomingMessage

	// dmChannels caches user ID -> DM channel ID.
	dmChannels map[string]string
	dmMu       sync.Mutex

	connected  atomic.Bool
	lastMsg    atomic.Value // time.Time
	errorCount atomic.Int64

	mu sync.Mutex
}

// New creates a Discord channel instance.
func New(cfg Config, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discord{
		cfg:        cfg,
		logger:     logger.With("component", "discord"),
		messages:   make(chan *channels.IncomingMessage, 256),
		dmChannels: make(map[string]string),
	}
}

// Name returns the channel identifier.
func (d *Discord) Name() string { return "discord" }

// Capabilities returns what this channel can do.
func (d *Discord) Capabilities() []channels.Capability {
	return []channels.Capability{
		channels.CapabilitySend,
		channels.CapabilityReceive,
		channels.CapabilityEmbeds,
	}
}

// Connect opens the gateway session. Safe to call again after the
// session drops: any stale session is closed and replaced.
func (d *Discord) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.connected.Load() {
		return nil
	}
	if d.cfg.Token == "" {
		return fmt.Errorf("discord: %w: token not configured", channels.ErrUnauthorized)
	}
	if d.session != nil {
		_ = d.session.Close()
		d.session = nil
	}

	session, err := discordgo.New("Bot " + d.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord: create session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsDirectMessages |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsMessageContent

	session.AddHandler(d.onMessageCreate)
	session.AddHandler(func(s *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.logger.Warn("discord gateway disconnected")
	})
	session.AddHandler(func(s *discordgo.Session, _ *discordgo.Resumed) {
		d.connected.Store(true)
		d.logger.Info("discord gateway resumed")
	})

	if err := session.Open(); err != nil {
		if strings.Contains(err.Error(), "Authentication failed") {
			return fmt.Errorf("discord: %w: %v", channels.ErrUnauthorized, err)
		}
		return fmt.Errorf("discord: open gateway: %w", err)
	}

	d.session = session
	d.connected.Store(true)
	d.lastMsg.Store(time.Now())

	d.logger.Info("discord connected", "user", session.State.User.Username)
	return nil
}

// Disconnect closes the gateway session.
func (d *Discord) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.connected.Store(false)
	if d.session != nil {
		if err := d.session.Close(); err != nil {
			return fmt.Errorf("discord: close session: %w", err)
		}
	}
	d.logger.Info("discord disconnected")
	return nil
}

// Send delivers a text message to the given Discord user ID via DM.
func (d *Discord) Send(ctx context.Context, to string, msg *channels.OutgoingMessage) error {
	if !d.connected.Load() {
		return channels.ErrNotConnected
	}
	if ctx.Err() != nil {
		return fmt.Errorf("discord: %w: %v", channels.ErrSendTimeout, ctx.Err())
	}

	chID, err := d.dmChannelFor(to)
	if err != nil {
		return err
	}

	if _, err := d.session.ChannelMessageSend(chID, msg.Content); err != nil {
		d.errorCount.Add(1)
		return translateSendError(err)
	}

	d.errorCount.Store(0)
	return nil
}

// SendEmbed delivers a rich embed to the given Discord user ID.
func (d *Discord) SendEmbed(ctx context.Context, to string, embed *channels.Embed) error {
	if !d.connected.Load() {
		return channels.ErrNotConnected
	}
	if ctx.Err() != nil {
		return fmt.Errorf("discord: %w: %v", channels.ErrSendTimeout, ctx.Err())
	}

	chID, err := d.dmChannelFor(to)
	if err != nil {
		return err
	}

	fields := make([]*discordgo.MessageEmbedField, 0, len(embed.Fields))
	for _, f := range embed.Fields {
		fields = append(fields, &discordgo.MessageEmbedField{
			Name:   f.Name,
			Value:  f.Value,
			Inline: f.Inline,
		})
	}

	_, err = d.session.ChannelMessageSendEmbed(chID, &discordgo.MessageEmbed{
		Title:       embed.Title,
		Description: embed.Description,
		URL:         embed.URL,
		Color:       embed.Color,
		Fields:      fields,
	})
	if err != nil {
		d.errorCount.Add(1)
		return translateSendError(err)
	}

	d.errorCount.Store(0)
	return nil
}

// Receive returns the incoming message stream.
func (d *Discord) Receive() <-chan *channels.IncomingMessage {
	return d.messages
}

// IsConnected reports whether the gateway session is up.
func (d *Discord) IsConnected() bool {
	return d.connected.Load()
}

// Health returns the channel health state.
func (d *Discord) Health() channels.HealthStatus {
	var last time.Time
	if v := d.lastMsg.Load(); v != nil {
		last = v.(time.Time)
	}
	return channels.HealthStatus{
		Connected:     d.connected.Load(),
		LastMessageAt: last,
		ErrorCount:    int(d.errorCount.Load()),
	}
}

// dmChannelFor resolves (and caches) the DM channel for a user ID.
func (d *Discord) dmChannelFor(userID string) (string, error) {
	d.dmMu.Lock()
	defer d.dmMu.Unlock()

	if id, ok := d.dmChannels[userID]; ok {
		return id, nil
	}

	ch, err := d.session.UserChannelCreate(userID)
	if err != nil {
		if restErr, ok := err.(*discordgo.RESTError); ok && restErr.Message != nil {
			switch restErr.Message.Code {
			case discordgo.ErrCodeUnknownUser, discordgo.ErrCodeCannotSendMessagesToThisUser:
				return "", fmt.Errorf("discord: %w: %v", channels.ErrInvalidRecipient, err)
			}
		}
		return "", fmt.Errorf("discord: open dm for %q: %w", userID, err)
	}

	d.dmChannels[userID] = ch.ID
	return ch.ID, nil
}

// onMessageCreate forwards user DMs to the message stream.
func (d *Discord) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.Content == "" {
		return
	}
	if !d.allowed(m.Author.ID) {
		d.logger.Debug("ignoring message from unallowed user", "from", m.Author.ID)
		return
	}

	d.lastMsg.Store(time.Now())
	in := &channels.IncomingMessage{
		ID:        m.ID,
		Channel:   d.Name(),
		From:      m.Author.ID,
		FromName:  m.Author.Username,
		Content:   m.Content,
		Timestamp: m.Timestamp,
	}
	select {
	case d.messages <- in:
	default:
		d.logger.Warn("incoming message buffer full, dropping", "from", m.Author.ID)
	}
}

func (d *Discord) allowed(userID string) bool {
	if len(d.cfg.AllowFrom) == 0 {
		return true
	}
	for _, id := range d.cfg.AllowFrom {
		if id == userID {
			return true
		}
	}
	return false
}

// translateSendError maps discordgo errors into the channel error taxonomy.
func translateSendError(err error) error {
	if restErr, ok := err.(*discordgo.RESTError); ok && restErr.Message != nil {
		switch restErr.Message.Code {
		case discordgo.ErrCodeUnknownUser,
			discordgo.ErrCodeUnknownChannel,
			discordgo.ErrCodeCannotSendMessagesToThisUser:
			return fmt.Errorf("discord: %w: %v", channels.ErrInvalidRecipient, err)
		case discordgo.ErrCodeUnauthorized:
			return fmt.Errorf("discord: %w: %v", channels.ErrUnauthorized, err)
		}
	}
	return fmt.Errorf("discord: %w: %v", channels.ErrSendFailed, err)
}
