package channels

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/andylabs/andbot/internal/store"
)

// SendFunc performs one raw protocol send of a single already-split part.
type SendFunc func(ctx context.Context, jid, text string) error

// Base carries the state every adapter shares: name, callbacks, connection
// flag, the disconnected-send queue and an outbound rate limiter.
// Adapters embed it.
type Base struct {
	name     string
	cb       Callbacks
	maxLen   int
	limiter  *rate.Limiter
	mu       sync.Mutex
	conn     bool
	outgoing []queuedMessage
}

type queuedMessage struct {
	jid  string
	text string
}

// NewBase constructs the shared channel state. maxLen is the platform's
// outbound message length ceiling; sends longer than that are split.
// sendsPerSecond bounds the outbound rate (0 disables limiting).
func NewBase(name string, cb Callbacks, maxLen int, sendsPerSecond float64) *Base {
	limit := rate.Inf
	if sendsPerSecond > 0 {
		limit = rate.Limit(sendsPerSecond)
	}
	return &Base{
		name:    name,
		cb:      cb,
		maxLen:  maxLen,
		limiter: rate.NewLimiter(limit, 1),
	}
}

// Name returns the channel tag.
func (b *Base) Name() string { return b.name }

// MaxLen returns the outbound length ceiling.
func (b *Base) MaxLen() int { return b.maxLen }

// IsConnected reports the connection flag.
func (b *Base) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn
}

// SetConnected updates the connection flag.
func (b *Base) SetConnected(v bool) {
	b.mu.Lock()
	b.conn = v
	b.mu.Unlock()
}

// EmitChatMetadata fires the metadata callback if one is installed.
func (b *Base) EmitChatMetadata(jid, ts, name string, isGroup bool) {
	if b.cb.OnChatMetadata != nil {
		b.cb.OnChatMetadata(jid, ts, name, b.name, isGroup)
	}
}

// EmitMessage fires the message callback if one is installed.
func (b *Base) EmitMessage(jid string, msg store.Message) {
	if b.cb.OnMessage != nil {
		b.cb.OnMessage(jid, msg)
	}
}

// Deliver sends text to jid through send, splitting to the channel's length
// ceiling and honoring the rate limiter. While disconnected, or when send
// fails, the message is queued for the next flush and nil is returned: the
// failure is the channel's to retry, not the caller's.
func (b *Base) Deliver(ctx context.Context, jid, text string, send SendFunc) error {
	b.mu.Lock()
	connected := b.conn
	b.mu.Unlock()

	if !connected {
		b.enqueue(jid, text)
		return nil
	}

	for _, part := range SplitMessage(text, b.maxLen) {
		if err := b.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := send(ctx, jid, part); err != nil {
			slog.Warn("send failed, queueing message", "channel", b.name, "jid", jid, "error", err)
			b.enqueue(jid, text)
			return nil
		}
	}
	return nil
}

// FlushOutgoing drains the disconnected-send queue in arrival order. Called
// by adapters at the end of a successful Connect. On a send failure the
// remaining messages stay queued.
func (b *Base) FlushOutgoing(ctx context.Context, send SendFunc) error {
	b.mu.Lock()
	pending := b.outgoing
	b.outgoing = nil
	b.mu.Unlock()

	for i, qm := range pending {
		sent := true
		for _, part := range SplitMessage(qm.text, b.maxLen) {
			if err := b.limiter.Wait(ctx); err != nil {
				sent = false
			} else if err := send(ctx, qm.jid, part); err != nil {
				slog.Warn("flush send failed, re-queueing", "channel", b.name, "jid", qm.jid, "error", err)
				sent = false
			}
			if !sent {
				break
			}
		}
		if !sent {
			b.mu.Lock()
			b.outgoing = append(pending[i:], b.outgoing...)
			b.mu.Unlock()
			return ErrNotConnected
		}
	}
	return nil
}

// QueuedCount returns the number of messages awaiting reconnect.
func (b *Base) QueuedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.outgoing)
}

func (b *Base) enqueue(jid, text string) {
	b.mu.Lock()
	b.outgoing = append(b.outgoing, queuedMessage{jid: jid, text: text})
	b.mu.Unlock()
}

// SplitMessage splits text into chunks of at most max runes, preserving
// content exactly: the concatenation of the parts equals the input. Empty
// input yields a single empty part so callers always send something.
func SplitMessage(text string, max int) []string {
	if max <= 0 || len([]rune(text)) <= max {
		return []string{text}
	}
	runes := []rune(text)
	parts := make([]string, 0, (len(runes)+max-1)/max)
	for start := 0; start < len(runes); start += max {
		end := min(start+max, len(runes))
		parts = append(parts, string(runes[start:end]))
	}
	return parts
}
