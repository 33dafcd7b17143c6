// Package slack is a socket-mode Slack adapter. It owns every JID with the
// "slack:" prefix; the remainder of the JID is the Slack channel ID.
// Mentions of the bot user arrive as <@U…> and are rewritten to the
// canonical @<trigger> form before the message is forwarded, so trigger
// evaluation sees one syntax regardless of platform.
package slack

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/andylabs/andbot/internal/channels"
	"github.com/andylabs/andbot/internal/config"
	"github.com/andylabs/andbot/internal/store"
)

const (
	// maxMessageLen is Slack's outbound text ceiling.
	maxMessageLen = 4000

	maxReconnectBackoff = 30 * time.Second
)

// Credential keys read from the env file.
const (
	envSocketURL = "SLACK_SOCKET_URL"
	envAppToken  = "SLACK_APP_TOKEN"
)

// JIDPrefix tags Slack conversations.
const JIDPrefix = "slack:"

var mentionRe = regexp.MustCompile(`<@([A-Z0-9]+)>`)

// event is the socket-mode JSON envelope, both directions.
type event struct {
	Type        string `json:"type"`
	ID          string `json:"id,omitempty"`
	Channel     string `json:"channel,omitempty"`
	ChannelName string `json:"channel_name,omitempty"`
	User        string `json:"user,omitempty"`
	UserName    string `json:"user_name,omitempty"`
	BotUser     string `json:"bot_user,omitempty"`
	Text        string `json:"text,omitempty"`
	TS          string `json:"ts,omitempty"`
	IsChannel   bool   `json:"is_channel,omitempty"`
	On          bool   `json:"on,omitempty"`
}

// Channel is the Slack socket-mode adapter.
type Channel struct {
	*channels.Base

	url     string
	token   string
	trigger string

	mu        sync.Mutex
	conn      *websocket.Conn
	botUserID string

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds the channel. trigger is the canonical trigger word (without the
// leading @) that bot mentions are rewritten to. Returns channels.ErrAuth
// when the app token is not configured.
func New(envPath, trigger string, cb channels.Callbacks) (*Channel, error) {
	creds, err := config.ReadEnvFile(envPath, envSocketURL, envAppToken)
	if err != nil {
		return nil, err
	}
	if creds[envAppToken] == "" {
		return nil, fmt.Errorf("%w: %s not set in %s", channels.ErrAuth, envAppToken, envPath)
	}
	url := creds[envSocketURL]
	if url == "" {
		url = "wss://wss-primary.slack.com/link"
	}
	return &Channel{
		Base:    channels.NewBase("slack", cb, maxMessageLen, 1),
		url:     url,
		token:   creds[envAppToken],
		trigger: trigger,
	}, nil
}

// OwnsJID claims slack:-prefixed JIDs.
func (c *Channel) OwnsJID(jid string) bool {
	return strings.HasPrefix(jid, JIDPrefix)
}

// Connect dials the socket-mode endpoint, starts the read loop and flushes
// queued sends.
func (c *Channel) Connect(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)

	if err := c.dial(); err != nil {
		slog.Warn("initial slack connection failed, will retry", "error", err)
	}

	go c.listenLoop()

	if c.IsConnected() {
		return c.FlushOutgoing(ctx, c.rawSend)
	}
	return nil
}

// Disconnect closes the socket. Queued sends are retained.
func (c *Channel) Disconnect(_ context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	c.closeConn()
	return nil
}

// SendMessage queues or delivers text to a Slack conversation.
func (c *Channel) SendMessage(ctx context.Context, jid, text string) error {
	return c.Deliver(ctx, jid, text, c.rawSend)
}

// SetTyping is a no-op: Slack has no bot typing indicator.
func (c *Channel) SetTyping(context.Context, string, bool) error { return nil }

func (c *Channel) rawSend(ctx context.Context, jid, text string) error {
	return c.writeEvent(ctx, event{
		Type:    "message",
		Channel: strings.TrimPrefix(jid, JIDPrefix),
		Text:    text,
	})
}

func (c *Channel) writeEvent(ctx context.Context, ev event) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return channels.ErrNotConnected
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal slack event: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write slack event: %w", err)
	}
	return nil
}

func (c *Channel) dial() error {
	dialCtx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, c.url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + c.token}},
	})
	if err != nil {
		return fmt.Errorf("%w: dial slack socket: %v", channels.ErrConnect, err)
	}
	conn.SetReadLimit(1 << 20)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.SetConnected(true)

	slog.Info("slack socket connected", "url", c.url)
	return nil
}

func (c *Channel) closeConn() {
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "")
		c.conn = nil
	}
	c.mu.Unlock()
	c.SetConnected(false)
}

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
			slog.Info("attempting slack reconnect", "backoff", backoff)
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(backoff):
			}
			if err := c.dial(); err != nil {
				slog.Warn("slack reconnect failed", "error", err)
				backoff = min(backoff*2, maxReconnectBackoff)
				continue
			}
			backoff = time.Second
			if err := c.FlushOutgoing(c.ctx, c.rawSend); err != nil {
				slog.Warn("outgoing queue flush incomplete", "channel", c.Name(), "error", err)
			}
			continue
		}

		_, data, err := conn.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			slog.Warn("slack read error, will reconnect", "error", err)
			c.closeConn()
			continue
		}

		var ev event
		if err := json.Unmarshal(data, &ev); err != nil {
			slog.Warn("invalid slack event", "error", err)
			continue
		}
		c.handleEvent(ev)
	}
}

func (c *Channel) handleEvent(ev event) {
	switch ev.Type {
	case "hello":
		c.mu.Lock()
		c.botUserID = ev.BotUser
		c.mu.Unlock()
		slog.Info("slack session ready", "bot_user", ev.BotUser)
	case "message":
		c.handleMessage(ev)
	default:
		// Unknown event types are ignored.
	}
}

func (c *Channel) handleMessage(ev event) {
	if ev.Channel == "" || ev.TS == "" {
		return
	}
	jid := JIDPrefix + ev.Channel

	ts := slackTSToTime(ev.TS)
	c.EmitChatMetadata(jid, ts, ev.ChannelName, ev.IsChannel)

	c.mu.Lock()
	botUser := c.botUserID
	c.mu.Unlock()
	fromBot := botUser != "" && ev.User == botUser

	id := ev.ID
	if id == "" {
		// Slack identifies messages by their timestamp within a channel.
		id = ev.TS
	}

	c.EmitMessage(jid, store.Message{
		ID:           id,
		ChatJID:      jid,
		Sender:       ev.User,
		SenderName:   ev.UserName,
		Content:      c.rewriteMentions(ev.Text, botUser),
		Timestamp:    ts,
		IsFromMe:     fromBot,
		IsBotMessage: fromBot,
	})
}

// rewriteMentions re-expresses <@USERID> mentions of the bot user in the
// canonical @<trigger> form. Mentions of other users keep their raw ID so
// nothing is lost: <@U123> becomes @U123.
func (c *Channel) rewriteMentions(text, botUser string) string {
	return mentionRe.ReplaceAllStringFunc(text, func(m string) string {
		id := mentionRe.FindStringSubmatch(m)[1]
		if botUser != "" && id == botUser && c.trigger != "" {
			return "@" + c.trigger
		}
		return "@" + id
	})
}

// slackTSToTime converts a Slack "1704067201.000200" ts into the canonical
// stored timestamp. The fractional part is Slack's same-second message
// disambiguator and must survive the conversion, or two messages in one
// second collide and the later one can be skipped by the cursor.
// Unparseable input falls back to now.
func slackTSToTime(ts string) string {
	secs, frac := ts, ""
	if i := strings.IndexByte(ts, '.'); i >= 0 {
		secs, frac = ts[:i], ts[i+1:]
	}
	unix, err := strconv.ParseInt(secs, 10, 64)
	if err != nil {
		return store.Now()
	}
	var nanos int64
	if frac != "" {
		// Slack sends six fractional digits; tolerate other widths.
		for len(frac) < 9 {
			frac += "0"
		}
		nanos, err = strconv.ParseInt(frac[:9], 10, 64)
		if err != nil {
			return store.Now()
		}
	}
	return store.FormatTime(time.Unix(unix, nanos))
}
