// Package telegraph relays pod traffic to a chat channel (Slack or Discord)
// and lets the operator answer pods from that channel.
package telegraph

import (
	"context"
	"errors"
	"time"
)

// ErrInboundUnsupported is returned by Listen when an adapter is configured
// for posting only.
var ErrInboundUnsupported = errors.New("telegraph: inbound messages not configured")

// Adapter is the interface that platform-specific implementations must satisfy.
type Adapter interface {
	// Connect establishes a connection to the chat platform.
	Connect(ctx context.Context) error

	// Listen returns a channel of inbound messages from the platform. The
	// channel is closed when the adapter is closed. Listen must only be
	// called after Connect.
	Listen(ctx context.Context) (<-chan InboundMessage, error)

	// Send delivers an outbound message to the platform.
	Send(ctx context.Context, msg OutboundMessage) error

	// Close gracefully shuts down the adapter connection.
	Close() error
}

// InboundMessage represents a message received from the chat platform.
type InboundMessage struct {
	Platform  string // "slack" or "discord"
	ChannelID string
	ThreadID  string // empty if top-level
	UserID    string
	UserName  string
	Text      string
	Timestamp time.Time
}

// OutboundMessage represents a message to be sent to the chat platform.
type OutboundMessage struct {
	ChannelID string           // empty means the adapter's default channel
	ThreadID  string           // thread to reply in
	Text      string           // plain text, also the fallback for Events
	Events    []FormattedEvent // rich attachments
}

// FormattedEvent is a pod message rendered for chat.
type FormattedEvent struct {
	Title  string
	Body   string
	Color  string // sidebar color, e.g. "#36a64f"
	URL    string // title link
	Fields []Field
}

// Field is a key-value pair displayed in an event attachment.
type Field struct {
	Name  string
	Value string
	Short bool // hint: render side-by-side with another field
}

// BotUserIDer is an optional interface adapters implement to expose the
// bot's own user id for self-message filtering.
type BotUserIDer interface {
	BotUserID() string
}
