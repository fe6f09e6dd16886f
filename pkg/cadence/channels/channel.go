// Package channels defines the interfaces and types for Cadence communication
// channels. Each channel (Telegram, Discord, email) implements the Channel
// interface so the orchestrator can deliver messages without knowing the
// concrete transport.
package channels

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status is the orchestrator-visible state of a channel.
type Status string

const (
	// StatusReady means the channel is connected and accepting sends.
	StatusReady Status = "ready"

	// StatusDegraded means the channel is connected but recent sends have
	// been failing; the orchestrator prefers other channels when possible.
	StatusDegraded Status = "degraded"

	// StatusStopped means the channel is disconnected. Sends are queued
	// instead of attempted.
	StatusStopped Status = "stopped"
)

// Capability names a single thing a channel can do.
type Capability string

const (
	CapabilitySend    Capability = "send"
	CapabilityReceive Capability = "receive"
	CapabilityEmbeds  Capability = "rich-embeds"
)

// Channel defines the interface every communication channel must implement.
type Channel interface {
	// Name returns the channel identifier (e.g. "telegram", "email").
	Name() string

	// Capabilities returns what this channel can do. The orchestrator uses
	// this to decide routing (e.g. never wait for replies on a send-only
	// channel).
	Capabilities() []Capability

	// Connect establishes the connection to the transport.
	Connect(ctx context.Context) error

	// Disconnect gracefully closes the connection.
	Disconnect() error

	// Send delivers a message to the given on-channel address.
	Send(ctx context.Context, to string, msg *OutgoingMessage) error

	// Receive returns a Go channel emitting incoming messages. Send-only
	// transports return nil.
	Receive() <-chan *IncomingMessage

	// IsConnected reports whether the transport connection is up.
	IsConnected() bool

	// Health returns transport health details for the connectivity monitor.
	Health() HealthStatus
}

// EmbedChannel extends Channel with rich embed support.
type EmbedChannel interface {
	Channel

	// SendEmbed sends a message with a rich embed payload.
	SendEmbed(ctx context.Context, to string, embed *Embed) error
}

// OutgoingMessage is the transport-level payload handed to an adapter.
type OutgoingMessage struct {
	// Content is the text content of the message.
	Content string

	// Subject is used by channels that have one (email). Chat channels
	// ignore it.
	Subject string

	// ReplyTo contains the ID of the message being replied to, if any.
	ReplyTo string

	// Metadata contains additional channel-specific data.
	Metadata map[string]any
}

// IncomingMessage represents a message received from any channel.
type IncomingMessage struct {
	// ID is the unique message identifier in the source channel.
	ID string

	// Channel identifies the source channel (e.g. "telegram").
	Channel string

	// From is the sender identifier on the platform.
	From string

	// FromName is the sender display name (if available).
	FromName string

	// Content is the text content of the message.
	Content string

	// Timestamp is when the message was sent.
	Timestamp time.Time
}

// Embed is a rich content block for channels that support it.
type Embed struct {
	Title       string
	Description string
	URL         string
	Color       int
	Fields      []EmbedField
}

// EmbedField is a titled section inside an Embed.
type EmbedField struct {
	Name   string
	Value  string
	Inline bool
}

// OutboundMessage is the immutable delivery request created by callers
// (scheduler, flow engine, command handlers) and consumed exactly once by
// the orchestrator, or re-queued by the retry manager. It carries routing
// and bookkeeping data the transport-level OutgoingMessage does not.
type OutboundMessage struct {
	// UserID is the directory identity of the recipient.
	UserID string `json:"user_id"`

	// Recipient is the resolved on-channel address.
	Recipient string `json:"recipient"`

	// Channel is the name of the channel selected for delivery.
	Channel string `json:"channel"`

	// Category classifies the content (e.g. "motivational", "reminder",
	// or CategoryFlow for check-in traffic).
	Category string `json:"category"`

	// Period is the time-period tag active when the message was created
	// (e.g. "morning").
	Period string `json:"period,omitempty"`

	// Body is the message text.
	Body string `json:"body"`

	// CorrelationID ties the message through retries and logs.
	CorrelationID string `json:"correlation_id"`
}

// CategoryFlow marks messages that belong to an active conversation flow.
// Flow traffic bypasses dedup selection and never expires the flow that
// produced it.
const CategoryFlow = "flow"

// HealthStatus represents the health state of a channel.
type HealthStatus struct {
	Connected     bool
	LastMessageAt time.Time
	ErrorCount    int
	Details       map[string]any
}

// Errors. Adapters translate transport failures into these so the
// orchestrator can classify them without knowing the transport.
var (
	ErrNotConnected     = fmt.Errorf("channel is not connected")
	ErrConnectionFailed = fmt.Errorf("failed to connect to channel")
	ErrSendTimeout      = fmt.Errorf("send timed out")
	ErrSendFailed       = fmt.Errorf("failed to send message")
	ErrInvalidRecipient = fmt.Errorf("invalid recipient")
	ErrUnauthorized     = fmt.Errorf("channel credentials rejected")
	ErrUnknownChannel   = fmt.Errorf("unknown channel")
)

// IsPermanent reports whether an error from an adapter send is permanent
// (retrying cannot succeed). Permanent failures go to the dead-letter log
// instead of the retry queue.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrInvalidRecipient) || errors.Is(err, ErrUnauthorized)
}
