// Package whatsapp connects to a WhatsApp bridge via WebSocket. The bridge
// (a whatsapp-web.js style sidecar) speaks the actual WhatsApp protocol;
// this channel exchanges JSON frames with it and owns every JID ending in
// @g.us or @s.whatsapp.net.
package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/andylabs/andbot/internal/channels"
	"github.com/andylabs/andbot/internal/config"
	"github.com/andylabs/andbot/internal/store"
)

const (
	// maxMessageLen is WhatsApp's practical outbound ceiling.
	maxMessageLen = 4000

	maxReconnectBackoff = 30 * time.Second
)

// Credential keys read from the env file.
const (
	envBridgeURL   = "WHATSAPP_BRIDGE_URL"
	envBridgeToken = "WHATSAPP_BRIDGE_TOKEN"
)

// frame is the JSON envelope exchanged with the bridge, both directions.
type frame struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	JID       string `json:"jid,omitempty"`
	Chat      string `json:"chat,omitempty"`
	ChatName  string `json:"chat_name,omitempty"`
	From      string `json:"from,omitempty"`
	FromName  string `json:"from_name,omitempty"`
	To        string `json:"to,omitempty"`
	Content   string `json:"content,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	FromMe    bool   `json:"from_me,omitempty"`
	IsGroup   bool   `json:"is_group,omitempty"`
	On        bool   `json:"on,omitempty"`
	Name      string `json:"name,omitempty"`
}

// Channel is the WhatsApp bridge adapter.
type Channel struct {
	*channels.Base

	url   string
	token string

	mu     sync.Mutex
	conn   *websocket.Conn
	ownJID string

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds the channel, reading credentials from the env file at envPath.
// Returns channels.ErrAuth when the bridge URL is not configured.
func New(envPath string, cb channels.Callbacks) (*Channel, error) {
	creds, err := config.ReadEnvFile(envPath, envBridgeURL, envBridgeToken)
	if err != nil {
		return nil, err
	}
	url := creds[envBridgeURL]
	if url == "" {
		return nil, fmt.Errorf("%w: %s not set in %s", channels.ErrAuth, envBridgeURL, envPath)
	}
	return &Channel{
		Base:  channels.NewBase("whatsapp", cb, maxMessageLen, 1),
		url:   url,
		token: creds[envBridgeToken],
	}, nil
}

// OwnsJID claims WhatsApp group and user JIDs.
func (c *Channel) OwnsJID(jid string) bool {
	return strings.HasSuffix(jid, "@g.us") || strings.HasSuffix(jid, "@s.whatsapp.net")
}

// Connect dials the bridge, starts the read loop and flushes queued sends.
func (c *Channel) Connect(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)

	if err := c.dial(); err != nil {
		// The reconnect loop keeps trying; queued sends wait for it.
		slog.Warn("initial whatsapp bridge connection failed, will retry", "error", err)
	}

	go c.listenLoop()

	if c.IsConnected() {
		return c.FlushOutgoing(ctx, c.rawSend)
	}
	return nil
}

// Disconnect closes the bridge connection. Queued sends are retained.
func (c *Channel) Disconnect(_ context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	c.closeConn()
	return nil
}

// SendMessage queues or delivers text to a WhatsApp JID.
func (c *Channel) SendMessage(ctx context.Context, jid, text string) error {
	return c.Deliver(ctx, jid, text, c.rawSend)
}

// SetTyping toggles the composing indicator. Best-effort.
func (c *Channel) SetTyping(_ context.Context, jid string, on bool) error {
	if !c.IsConnected() {
		return nil
	}
	return c.writeFrame(frame{Type: "typing", To: jid, On: on})
}

func (c *Channel) rawSend(_ context.Context, jid, text string) error {
	return c.writeFrame(frame{Type: "send", To: jid, Content: text})
}

func (c *Channel) writeFrame(f frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return channels.ErrNotConnected
	}
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal bridge frame: %w", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write bridge frame: %w", err)
	}
	return nil
}

func (c *Channel) dial() error {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	var header http.Header
	if c.token != "" {
		header = http.Header{"Authorization": []string{"Bearer " + c.token}}
	}

	conn, _, err := dialer.Dial(c.url, header)
	if err != nil {
		return fmt.Errorf("%w: dial whatsapp bridge %s: %v", channels.ErrConnect, c.url, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.SetConnected(true)

	slog.Info("whatsapp bridge connected", "url", c.url)
	return nil
}

func (c *Channel) closeConn() {
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
	c.SetConnected(false)
}

// listenLoop reads bridge frames with automatic reconnection and exponential
// backoff. Each successful reconnect flushes the outgoing queue.
func (c *Channel) listenLoop() {
	backoff := time.Second

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			slog.Info("attempting whatsapp bridge reconnect", "backoff", backoff)
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(backoff):
			}
			if err := c.dial(); err != nil {
				slog.Warn("whatsapp bridge reconnect failed", "error", err)
				backoff = min(backoff*2, maxReconnectBackoff)
				continue
			}
			backoff = time.Second
			if err := c.FlushOutgoing(c.ctx, c.rawSend); err != nil {
				slog.Warn("outgoing queue flush incomplete", "channel", c.Name(), "error", err)
			}
			continue
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			slog.Warn("whatsapp read error, will reconnect", "error", err)
			c.closeConn()
			continue
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			slog.Warn("invalid whatsapp bridge frame", "error", err)
			continue
		}
		c.handleFrame(f)
	}
}

func (c *Channel) handleFrame(f frame) {
	switch f.Type {
	case "ready":
		// The bridge reports the session's own JID so self-echoed sends
		// can be flagged as bot output.
		c.mu.Lock()
		c.ownJID = f.JID
		c.mu.Unlock()
		slog.Info("whatsapp session ready", "jid", f.JID)
	case "chat":
		c.EmitChatMetadata(f.JID, canonTS(f.Timestamp), f.Name, f.IsGroup)
	case "message":
		c.handleMessage(f)
	default:
		// Unknown frame types are ignored; the bridge may be newer.
	}
}

// canonTS normalizes a bridge timestamp to the store's canonical form.
// Store comparisons are lexical, so a bridge emitting zone offsets or epoch
// seconds must not reach persistence verbatim; anything unparseable becomes
// the current time.
func canonTS(raw string) string {
	if raw == "" {
		return store.Now()
	}
	t, err := store.ParseTime(raw)
	if err != nil {
		return store.Now()
	}
	return store.FormatTime(t)
}

func (c *Channel) handleMessage(f frame) {
	if f.ID == "" || f.Chat == "" {
		return
	}
	ts := canonTS(f.Timestamp)

	isGroup := f.IsGroup || strings.HasSuffix(f.Chat, "@g.us")
	c.EmitChatMetadata(f.Chat, ts, f.ChatName, isGroup)

	c.EmitMessage(f.Chat, store.Message{
		ID:         f.ID,
		ChatJID:    f.Chat,
		Sender:     f.From,
		SenderName: f.FromName,
		Content:    f.Content,
		Timestamp:  ts,
		IsFromMe:   f.FromMe,
		// Messages from the session's own account are the bot's echoes;
		// flagging them here keeps them out of trigger evaluation.
		IsBotMessage: f.FromMe,
	})
}
