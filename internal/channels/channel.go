// Package channels provides the channel abstraction layer for multi-platform
// messaging. A channel owns one external connection, claims a disjoint slice
// of the JID space via OwnsJID, and forwards inbound traffic through the two
// callbacks supplied at construction. Persistence and dispatch decisions
// happen upstream; a channel never talks to the store or the queue directly.
package channels

import (
	"context"
	"errors"

	"github.com/andylabs/andbot/internal/store"
)

// Sentinel error kinds shared by all channel implementations.
var (
	// ErrAuth means credentials are missing or rejected; the channel is
	// not usable and will not retry.
	ErrAuth = errors.New("channel auth error")
	// ErrConnect is a transient connection failure; reconnect loops retry.
	ErrConnect = errors.New("channel connect error")
	// ErrNotConnected is returned by best-effort operations that need a
	// live connection. Sends never return it; they queue instead.
	ErrNotConnected = errors.New("channel not connected")
)

// Callbacks are the two inbound hooks a channel fires. Both are invoked from
// the channel's own reader goroutine; implementations must be safe for that.
type Callbacks struct {
	// OnChatMetadata reports a sighting of a conversation. name may be
	// empty when the platform did not provide one.
	OnChatMetadata func(jid, ts, name, channelTag string, isGroup bool)
	// OnMessage delivers one inbound message. Duplicate deliveries for the
	// same (jid, id) are safe; the store de-duplicates.
	OnMessage func(jid string, msg store.Message)
}

// Channel is the capability set every adapter implements.
type Channel interface {
	// Name returns the channel tag ("whatsapp", "slack", "mail").
	Name() string

	// Connect establishes the external connection and flushes any queued
	// outgoing messages in arrival order before returning.
	Connect(ctx context.Context) error

	// Disconnect shuts the connection down. Queued outgoing messages are
	// retained for the next Connect.
	Disconnect(ctx context.Context) error

	// IsConnected reports the live-connection state.
	IsConnected() bool

	// OwnsJID reports whether this channel is responsible for the JID.
	// Total over all strings; ownership must not overlap across channels.
	OwnsJID(jid string) bool

	// SendMessage delivers text to a conversation. While disconnected, or
	// when the underlying send fails, the message is queued and sent on
	// the next successful Connect.
	SendMessage(ctx context.Context, jid, text string) error

	// SetTyping toggles the typing indicator. Best-effort: a no-op on
	// platforms without one.
	SetTyping(ctx context.Context, jid string, on bool) error
}
