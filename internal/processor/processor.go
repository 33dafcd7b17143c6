// Package processor turns unconsumed messages for a registered conversation
// into one agent batch: it applies the trigger policy, assembles the
// transcript, reuses or spawns a container, forwards results, and moves the
// per-conversation cursor only when the batch succeeds.
package processor

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/andylabs/andbot/internal/channels"
	"github.com/andylabs/andbot/internal/container"
	"github.com/andylabs/andbot/internal/queue"
	"github.com/andylabs/andbot/internal/router"
	"github.com/andylabs/andbot/internal/sessions"
	"github.com/andylabs/andbot/internal/store"
)

// batchTimeout is how long one batch may run before it is written off. The
// container's own idle timeout fires first in practice.
const batchTimeout = 35 * time.Minute

// Store is the slice of the persistence layer the processor needs.
type Store interface {
	GetRegisteredGroup(jid string) (store.RegisteredGroup, bool, error)
	GetCursor(jid string) (string, error)
	SetCursor(jid, ts string) error
	GetMessagesSince(jid, since, assistantName string) ([]store.Message, error)
}

// Queue is the slice of the group queue the processor needs.
type Queue interface {
	SendMessage(jid, text string) bool
	RegisterProcess(jid string, h queue.ContainerHandle, containerName, groupFolder string)
}

// Spawner starts agent containers.
type Spawner interface {
	Spawn(ctx context.Context, opts container.SpawnOpts) (*container.Container, error)
}

// Processor implements the message-batch job the queue runs per JID.
type Processor struct {
	store         Store
	queue         Queue
	spawner       Spawner
	sessions      *sessions.Manager
	channels      []channels.Channel
	assistantName string

	mu      sync.Mutex
	waiters map[string]chan container.Status
}

// New wires a Processor. channels is the connected channel set used for
// typing indicators and outbound delivery.
func New(st Store, q Queue, sp Spawner, sess *sessions.Manager, chs []channels.Channel, assistantName string) *Processor {
	return &Processor{
		store:         st,
		queue:         q,
		spawner:       sp,
		sessions:      sess,
		channels:      chs,
		assistantName: assistantName,
		waiters:       make(map[string]chan container.Status),
	}
}

// NotifyStatus delivers a terminal batch status for jid. Wired to the
// container runner's status callback.
func (p *Processor) NotifyStatus(jid string, st container.Status) {
	p.mu.Lock()
	ch := p.waiters[jid]
	p.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- st:
	default:
	}
}

// NotifyExit delivers a container-gone signal for jid; a batch still waiting
// treats it as failure.
func (p *Processor) NotifyExit(jid string) {
	p.NotifyStatus(jid, container.Status{Ok: false, Err: "container exited"})
}

// ProcessMessages handles one batch for jid. It returns true when the batch
// is consumed (or there was nothing to do) and false on a retryable failure;
// the cursor advances only on the true paths.
func (p *Processor) ProcessMessages(jid string) bool {
	group, ok, err := p.store.GetRegisteredGroup(jid)
	if err != nil {
		slog.Error("group lookup failed", "jid", jid, "error", err)
		return false
	}
	if !ok {
		// Unregistered between enqueue and run; nothing to consume.
		return true
	}

	cursor, err := p.store.GetCursor(jid)
	if err != nil {
		slog.Error("cursor read failed", "jid", jid, "error", err)
		return false
	}
	msgs, err := p.store.GetMessagesSince(jid, cursor, p.assistantName)
	if err != nil {
		slog.Error("message read failed", "jid", jid, "error", err)
		return false
	}
	if len(msgs) == 0 {
		return true
	}
	newest := msgs[len(msgs)-1].Timestamp

	if group.RequiresTrigger && !anyTriggered(msgs, p.triggerWord(group)) {
		if err := p.store.SetCursor(jid, newest); err != nil {
			slog.Error("cursor advance failed", "jid", jid, "error", err)
			return false
		}
		return true
	}

	ctx := context.Background()
	ch := router.FindChannel(p.channels, jid)
	if ch != nil {
		if err := ch.SetTyping(ctx, jid, true); err != nil {
			slog.Debug("typing indicator failed", "jid", jid, "error", err)
		}
		defer func() {
			if err := ch.SetTyping(ctx, jid, false); err != nil {
				slog.Debug("typing indicator failed", "jid", jid, "error", err)
			}
		}()
	}

	statusCh := p.addWaiter(jid)
	defer p.removeWaiter(jid)

	transcript := Transcript(msgs)
	if !p.queue.SendMessage(jid, transcript) {
		if err := p.spawnAndSend(ctx, jid, group, transcript); err != nil {
			slog.Error("container spawn failed", "jid", jid, "group", group.Folder, "error", err)
			return false
		}
	}

	select {
	case st := <-statusCh:
		if !st.Ok {
			slog.Warn("agent batch failed", "jid", jid, "error", st.Err)
			return false
		}
	case <-time.After(batchTimeout):
		slog.Warn("agent batch timed out", "jid", jid)
		return false
	}

	if err := p.store.SetCursor(jid, newest); err != nil {
		slog.Error("cursor advance failed", "jid", jid, "error", err)
		return false
	}
	return true
}

func (p *Processor) spawnAndSend(ctx context.Context, jid string, group store.RegisteredGroup, transcript string) error {
	c, err := p.spawner.Spawn(ctx, container.SpawnOpts{
		JID:         jid,
		GroupFolder: group.Folder,
		SessionID:   p.sessions.Get(group.Folder),
		ExtraMounts: group.Mounts,
	})
	if err != nil {
		return err
	}
	p.queue.RegisterProcess(jid, c, c.Name, group.Folder)
	if err := c.SendInput(transcript); err != nil {
		return fmt.Errorf("deliver transcript: %w", err)
	}
	return nil
}

func (p *Processor) addWaiter(jid string) chan container.Status {
	ch := make(chan container.Status, 1)
	p.mu.Lock()
	p.waiters[jid] = ch
	p.mu.Unlock()
	return ch
}

func (p *Processor) removeWaiter(jid string) {
	p.mu.Lock()
	delete(p.waiters, jid)
	p.mu.Unlock()
}

func (p *Processor) triggerWord(group store.RegisteredGroup) string {
	if group.Trigger != "" {
		return group.Trigger
	}
	return p.assistantName
}

// TriggerPattern compiles the @word trigger: case-insensitive, preceded by
// start-of-text or whitespace, followed by a word boundary.
func TriggerPattern(word string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)(^|\s)@` + regexp.QuoteMeta(word) + `\b`)
}

func anyTriggered(msgs []store.Message, word string) bool {
	re := TriggerPattern(word)
	for _, m := range msgs {
		if re.MatchString(m.Content) {
			return true
		}
	}
	return false
}

// Transcript renders a batch for the agent, oldest first.
func Transcript(msgs []store.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		name := m.SenderName
		if name == "" {
			name = m.Sender
		}
		fmt.Fprintf(&b, "[%s] %s: %s\n", m.Timestamp, name, m.Content)
	}
	return b.String()
}
