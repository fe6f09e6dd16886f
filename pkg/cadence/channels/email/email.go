// Package email implements the email channel for Cadence: plain SMTP
// submission with AUTH over STARTTLS. The channel is send-only; inbound
// replies arrive on a chat channel instead.
package email

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mwhitton/cadence/pkg/cadence/channels"
)

// Config holds email channel configuration.
type Config struct {
	// Host is the SMTP submission host.
	Host string `yaml:"host"`

	// Port is the submission port (usually 587).
	Port int `yaml:"port"`

	// Username and Password authenticate against the server.
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// From is the sender address.
	From string `yaml:"from"`

	// DialTimeout bounds the connectivity check.
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// Email implements channels.Channel. Send-only: Receive returns nil and
// the capability set excludes receive.
type Email struct {
	cfg    Config
	logger *slog.Logger

	reachable  atomic.Bool
	lastSend   atomic.Value // time.Time
	errorCount atomic.Int64
}

// New creates an email channel instance.
func New(cfg Config, logger *slog.Logger) *Email {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	return &Email{
		cfg:    cfg,
		logger: logger.With("component", "email"),
	}
}

// Name returns the channel identifier.
func (e *Email) Name() string { return "email" }

// Capabilities returns what this channel can do.
func (e *Email) Capabilities() []channels.Capability {
	return []channels.Capability{channels.CapabilitySend}
}

// Connect verifies the SMTP host is reachable. SMTP has no persistent
// session; each send dials fresh, so Connect is only a reachability probe.
func (e *Email) Connect(ctx context.Context) error {
	if e.cfg.Host == "" || e.cfg.From == "" {
		return fmt.Errorf("email: host and from address are required")
	}
	if err := e.probe(); err != nil {
		return fmt.Errorf("email: %w: %v", channels.ErrConnectionFailed, err)
	}
	e.reachable.Store(true)
	e.logger.Info("email channel ready", "host", e.cfg.Host, "port", e.cfg.Port)
	return nil
}

// Disconnect marks the channel stopped. There is no session to close.
func (e *Email) Disconnect() error {
	e.reachable.Store(false)
	e.logger.Info("email channel stopped")
	return nil
}

// Send submits one message to the given address.
func (e *Email) Send(ctx context.Context, to string, msg *channels.OutgoingMessage) error {
	if ctx.Err() != nil {
		return fmt.Errorf("email: %w: %v", channels.ErrSendTimeout, ctx.Err())
	}
	if !strings.Contains(to, "@") {
		return fmt.Errorf("email: %w: %q", channels.ErrInvalidRecipient, to)
	}

	subject := msg.Subject
	if subject == "" {
		subject = "Cadence"
	}
	body := buildMessage(e.cfg.From, to, subject, msg.Content)

	var auth smtp.Auth
	if e.cfg.Username != "" {
		auth = smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.Host)
	}

	if err := e.submit(ctx, auth, to, body); err != nil {
		e.errorCount.Add(1)
		e.reachable.Store(false)
		return translateSendError(err)
	}

	e.errorCount.Store(0)
	e.reachable.Store(true)
	e.lastSend.Store(time.Now())
	return nil
}

// submit performs one SMTP submission with every network operation bounded
// by the context deadline, so a hung server cannot block the send path.
func (e *Email) submit(ctx context.Context, auth smtp.Auth, to string, body []byte) error {
	addr := fmt.Sprintf("%s:%d", e.cfg.Host, e.cfg.Port)

	d := net.Dialer{Timeout: e.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			conn.Close()
			return err
		}
	}

	c, err := smtp.NewClient(conn, e.cfg.Host)
	if err != nil {
		conn.Close()
		return err
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: e.cfg.Host}); err != nil {
			return err
		}
	}
	if auth != nil {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(auth); err != nil {
				return err
			}
		}
	}

	if err := c.Mail(e.cfg.From); err != nil {
		return err
	}
	if err := c.Rcpt(to); err != nil {
		return err
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(body); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

// Receive returns nil: email is send-only in this deployment.
func (e *Email) Receive() <-chan *channels.IncomingMessage {
	return nil
}

// IsConnected reports the result of the last reachability probe or send.
func (e *Email) IsConnected() bool {
	if e.reachable.Load() {
		return true
	}
	// Re-probe so the connectivity monitor can recover the channel.
	if err := e.probe(); err != nil {
		return false
	}
	e.reachable.Store(true)
	return true
}

// Health returns the channel health state.
func (e *Email) Health() channels.HealthStatus {
	var last time.Time
	if v := e.lastSend.Load(); v != nil {
		last = v.(time.Time)
	}
	return channels.HealthStatus{
		Connected:     e.reachable.Load(),
		LastMessageAt: last,
		ErrorCount:    int(e.errorCount.Load()),
	}
}

// probe dials the submission port to check reachability.
func (e *Email) probe() error {
	addr := fmt.Sprintf("%s:%d", e.cfg.Host, e.cfg.Port)
	conn, err := net.DialTimeout("tcp", addr, e.cfg.DialTimeout)
	if err != nil {
		return err
	}
	return conn.Close()
}

// buildMessage assembles the RFC 5322 message bytes.
func buildMessage(from, to, subject, content string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(content)
	b.WriteString("\r\n")
	return []byte(b.String())
}

// translateSendError maps SMTP errors into the channel error taxonomy.
// 5xx replies about the mailbox are permanent; everything else is worth a
// retry.
func translateSendError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "550"), strings.Contains(msg, "553"),
		strings.Contains(msg, "recipient"):
		return fmt.Errorf("email: %w: %v", channels.ErrInvalidRecipient, err)
	case strings.Contains(msg, "535"), strings.Contains(msg, "auth"):
		return fmt.Errorf("email: %w: %v", channels.ErrUnauthorized, err)
	default:
		return fmt.Errorf("email: %w: %v", channels.ErrSendFailed, err)
	}
}
