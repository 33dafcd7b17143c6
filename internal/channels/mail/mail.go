// Package mail is a poll-based email adapter backed by a REST mail gateway
// (Gmail-API shaped: list message IDs, then fetch each). It owns every JID
// with the "gmail:" prefix. Unlike the socket channels, inbound mail is not
// tied to a per-conversation group: every message is posted to the "main"
// registered group's JID, which the orchestrator supplies as an accessor.
package mail

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/andylabs/andbot/internal/channels"
	"github.com/andylabs/andbot/internal/config"
	"github.com/andylabs/andbot/internal/store"
)

const (
	// maxMessageLen is generous: mail bodies are not split like chat.
	maxMessageLen = 100000

	defaultPollInterval = time.Minute
	maxErrorBackoff     = 30 * time.Minute
)

// Credential keys read from the env file.
const (
	envAPIURL   = "MAIL_API_URL"
	envAPIToken = "MAIL_API_TOKEN"
)

// JIDPrefix tags mail conversations; the remainder is the address.
const JIDPrefix = "gmail:"

type listResponse struct {
	IDs []string `json:"ids"`
}

type messageResponse struct {
	ID       string `json:"id"`
	From     string `json:"from"`
	FromName string `json:"from_name"`
	Subject  string `json:"subject"`
	Body     string `json:"body"`
	Date     string `json:"date"`
}

// Channel is the polling mail adapter.
type Channel struct {
	*channels.Base

	apiURL  string
	token   string
	client  *http.Client
	mainJID func() string
	every   time.Duration

	processed *idSet
	errCount  int

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds the channel. mainJID resolves the JID of the "main" registered
// group at poll time, so late registration still routes correctly. Returns
// channels.ErrAuth when credentials are not configured.
func New(envPath string, mainJID func() string, cb channels.Callbacks) (*Channel, error) {
	creds, err := config.ReadEnvFile(envPath, envAPIURL, envAPIToken)
	if err != nil {
		return nil, err
	}
	if creds[envAPIURL] == "" || creds[envAPIToken] == "" {
		return nil, fmt.Errorf("%w: %s and %s must be set in %s", channels.ErrAuth, envAPIURL, envAPIToken, envPath)
	}
	return &Channel{
		Base:      channels.NewBase("mail", cb, maxMessageLen, 0.5),
		apiURL:    strings.TrimRight(creds[envAPIURL], "/"),
		token:     creds[envAPIToken],
		client:    &http.Client{Timeout: 30 * time.Second},
		mainJID:   mainJID,
		every:     defaultPollInterval,
		processed: newIDSet(),
	}, nil
}

// OwnsJID claims gmail:-prefixed JIDs.
func (c *Channel) OwnsJID(jid string) bool {
	return strings.HasPrefix(jid, JIDPrefix)
}

// Connect starts the poll loop and flushes queued sends.
func (c *Channel) Connect(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.SetConnected(true)
	go c.pollLoop()
	return c.FlushOutgoing(ctx, c.rawSend)
}

// Disconnect stops the poll loop.
func (c *Channel) Disconnect(_ context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	c.SetConnected(false)
	return nil
}

// SendMessage sends a mail to the address inside the JID.
func (c *Channel) SendMessage(ctx context.Context, jid, text string) error {
	return c.Deliver(ctx, jid, text, c.rawSend)
}

// SetTyping is a no-op: mail has no typing indicator.
func (c *Channel) SetTyping(context.Context, string, bool) error { return nil }

func (c *Channel) rawSend(ctx context.Context, jid, text string) error {
	payload, err := json.Marshal(map[string]string{
		"to":   strings.TrimPrefix(jid, JIDPrefix),
		"body": text,
	})
	if err != nil {
		return fmt.Errorf("marshal mail send: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPost, "/send", strings.NewReader(string(payload)))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("mail send: gateway returned %s", resp.Status)
	}
	return nil
}

// pollLoop lists then fetches new messages. Consecutive failures back off
// exponentially up to maxErrorBackoff; one success resets the counter.
func (c *Channel) pollLoop() {
	for {
		wait := errorWait(c.every, c.errCount)
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(wait):
		}

		if err := c.pollOnce(); err != nil {
			c.errCount++
			slog.Warn("mail poll failed", "consecutive_errors", c.errCount, "error", err)
			continue
		}
		c.errCount = 0
	}
}

// errorWait returns the delay before the next poll after n consecutive
// failures. Doubling stops at the ceiling rather than shifting, so an
// unbounded failure streak cannot overflow into a negative duration.
func errorWait(every time.Duration, n int) time.Duration {
	wait := every
	for i := 0; i < n && wait < maxErrorBackoff; i++ {
		wait *= 2
	}
	return min(wait, maxErrorBackoff)
}

func (c *Channel) pollOnce() error {
	resp, err := c.do(c.ctx, http.MethodGet, "/messages", nil)
	if err != nil {
		return err
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return fmt.Errorf("read mail list: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("mail list: gateway returned %s", resp.Status)
	}

	var list listResponse
	if err := json.Unmarshal(body, &list); err != nil {
		return fmt.Errorf("decode mail list: %w", err)
	}

	for _, id := range list.IDs {
		if c.processed.Has(id) {
			continue
		}
		if err := c.fetchAndEmit(id); err != nil {
			return err
		}
		c.processed.Add(id)
	}
	return nil
}

func (c *Channel) fetchAndEmit(id string) error {
	resp, err := c.do(c.ctx, http.MethodGet, "/messages/"+id, nil)
	if err != nil {
		return err
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return fmt.Errorf("read mail %s: %w", id, err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("fetch mail %s: gateway returned %s", id, resp.Status)
	}

	var m messageResponse
	if err := json.Unmarshal(body, &m); err != nil {
		return fmt.Errorf("decode mail %s: %w", id, err)
	}

	// Mail flows into the main group's conversation, not a per-sender JID.
	jid := c.mainJID()
	if jid == "" {
		slog.Warn("no main group registered, dropping mail", "id", id)
		return nil
	}

	// Store comparisons are lexical, so only canonical timestamps may be
	// persisted; an unparseable Date header falls back to now.
	ts := store.Now()
	if m.Date != "" {
		if t, err := time.Parse(time.RFC1123Z, m.Date); err == nil {
			ts = store.FormatTime(t)
		} else if t, err := store.ParseTime(m.Date); err == nil {
			ts = store.FormatTime(t)
		}
	}

	content := m.Body
	if m.Subject != "" {
		content = "Subject: " + m.Subject + "\n\n" + m.Body
	}

	c.EmitChatMetadata(jid, ts, "", true)
	c.EmitMessage(jid, store.Message{
		ID:         "mail-" + m.ID,
		ChatJID:    jid,
		Sender:     JIDPrefix + m.From,
		SenderName: m.FromName,
		Content:    content,
		Timestamp:  ts,
	})
	return nil
}

func (c *Channel) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.apiURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build mail request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mail gateway %s %s: %w", method, path, err)
	}
	return resp, nil
}
