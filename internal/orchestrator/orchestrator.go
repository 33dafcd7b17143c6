// Package orchestrator assembles the broker: store, channels, group queue,
// container runner, message processor and scheduler, and drives the
// message loop until shutdown.
package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/andylabs/andbot/internal/channels"
	"github.com/andylabs/andbot/internal/channels/mail"
	"github.com/andylabs/andbot/internal/channels/slack"
	"github.com/andylabs/andbot/internal/channels/whatsapp"
	"github.com/andylabs/andbot/internal/config"
	"github.com/andylabs/andbot/internal/container"
	"github.com/andylabs/andbot/internal/processor"
	"github.com/andylabs/andbot/internal/queue"
	"github.com/andylabs/andbot/internal/router"
	"github.com/andylabs/andbot/internal/sandbox"
	"github.com/andylabs/andbot/internal/scheduler"
	"github.com/andylabs/andbot/internal/sessions"
	"github.com/andylabs/andbot/internal/store"
)

// shutdownDeadline bounds the drain on SIGTERM before containers are killed.
const shutdownDeadline = 30 * time.Second

// ErrNoChannels means every configured channel failed authentication, so the
// broker cannot do useful work. Callers exit with code 3.
var ErrNoChannels = errors.New("no channel could authenticate")

// Orchestrator owns the wired subsystem graph.
type Orchestrator struct {
	cfg       *config.Config
	store     *store.Store
	validator *sandbox.Validator
	sessions  *sessions.Manager
	queue     *queue.GroupQueue
	runner    *container.Runner
	proc      *processor.Processor
	sched     *scheduler.Scheduler
	channels  []channels.Channel
}

// New opens persistent state and builds the subsystem graph. The container
// runtime precheck happens in Run, not here.
func New(cfg *config.Config) (*Orchestrator, error) {
	st, err := store.Open(cfg.StoreDir)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(); err != nil {
		st.Close()
		return nil, err
	}

	allowPath, err := config.AllowlistPath()
	if err != nil {
		st.Close()
		return nil, err
	}
	validator, err := sandbox.Load(allowPath)
	if err != nil {
		st.Close()
		return nil, err
	}
	if err := validator.Watch(); err != nil {
		slog.Warn("allowlist watch unavailable, edits need a restart", "error", err)
	}

	o := &Orchestrator{
		cfg:       cfg,
		store:     st,
		validator: validator,
		sessions:  sessions.Load(filepath.Join(cfg.DataDir, "sessions.json")),
		queue:     queue.New(queue.Config{MaxConcurrent: cfg.MaxConcurrentContainers}),
	}
	o.runner = container.NewRunner(cfg, validator, container.Callbacks{
		OnResult:  o.handleResult,
		OnStatus:  o.handleStatus,
		OnTyping:  o.handleTyping,
		OnSession: o.handleSession,
		OnIdle:    o.queue.NotifyIdle,
		OnExit:    o.handleExit,
	})

	o.buildChannels()
	o.proc = processor.New(st, o.queue, o.runner, o.sessions, o.channels, cfg.AssistantName)
	o.queue.SetProcessMessagesFn(o.proc.ProcessMessages)
	o.sched = scheduler.New(cfg, st, o.queue, o.runner, o.sessions)
	return o, nil
}

// buildChannels constructs every adapter whose credentials are present.
// Adapters with missing credentials are skipped with a warning; whether that
// is fatal is decided in Run once all have been tried.
func (o *Orchestrator) buildChannels() {
	envPath := o.cfg.EnvFilePath()
	cb := channels.Callbacks{
		OnChatMetadata: o.handleChatMetadata,
		OnMessage:      o.handleInbound,
	}

	if ch, err := whatsapp.New(envPath, cb); err != nil {
		slog.Warn("whatsapp channel unavailable", "error", err)
	} else {
		o.channels = append(o.channels, ch)
	}
	if ch, err := slack.New(envPath, o.cfg.AssistantName, cb); err != nil {
		slog.Warn("slack channel unavailable", "error", err)
	} else {
		o.channels = append(o.channels, ch)
	}
	if ch, err := mail.New(envPath, o.mainGroupJID, cb); err != nil {
		slog.Warn("mail channel unavailable", "error", err)
	} else {
		o.channels = append(o.channels, ch)
	}
}

// mainGroupJID resolves the JID of the "main" registered group; mail flows
// into that conversation.
func (o *Orchestrator) mainGroupJID() string {
	g, ok, err := o.store.GetGroupByFolder("main")
	if err != nil || !ok {
		return ""
	}
	return g.JID
}

// Run starts everything and blocks until ctx is cancelled, then drains.
func (o *Orchestrator) Run(ctx context.Context) error {
	if len(o.channels) == 0 {
		return ErrNoChannels
	}
	if err := o.runner.Precheck(ctx); err != nil {
		return err
	}
	o.runner.CleanupOrphans(ctx)

	go o.sched.Run(ctx)

	var wg sync.WaitGroup
	for _, ch := range o.channels {
		wg.Add(1)
		go func(ch channels.Channel) {
			defer wg.Done()
			if err := ch.Connect(ctx); err != nil {
				slog.Error("channel connect failed", "channel", ch.Name(), "error", err)
			}
		}(ch)
	}
	wg.Wait()
	slog.Info("broker running", "channels", len(o.channels), "max_concurrent", o.cfg.MaxConcurrentContainers)

	o.messageLoop(ctx)
	o.shutdown()
	return nil
}

// messageLoop periodically re-checks every registered conversation for
// unconsumed messages. Inbound callbacks enqueue eagerly; this loop is the
// safety net after restarts and failed batches.
func (o *Orchestrator) messageLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		groups, err := o.store.GetRegisteredGroups()
		if err != nil {
			slog.Error("registered group listing failed", "error", err)
			continue
		}
		for jid, g := range groups {
			msgs, err := o.store.GetMessagesSince(jid, g.LastProcessedAt, o.cfg.AssistantName)
			if err != nil {
				slog.Error("pending message check failed", "jid", jid, "error", err)
				continue
			}
			if len(msgs) > 0 {
				o.queue.EnqueueMessageCheck(jid)
			}
		}
	}
}

func (o *Orchestrator) shutdown() {
	slog.Info("shutting down", "deadline", shutdownDeadline)
	o.queue.Shutdown(shutdownDeadline)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, ch := range o.channels {
		if err := ch.Disconnect(ctx); err != nil {
			slog.Warn("channel disconnect failed", "channel", ch.Name(), "error", err)
		}
	}
	if err := o.validator.Close(); err != nil {
		slog.Warn("allowlist watcher close failed", "error", err)
	}
	if err := o.store.Close(); err != nil {
		slog.Warn("store close failed", "error", err)
	}
	slog.Info("shutdown complete")
}

// --- inbound path ---

func (o *Orchestrator) handleChatMetadata(jid, ts, name, channelTag string, isGroup bool) {
	if err := o.store.StoreChatMetadata(jid, ts, name, channelTag, isGroup); err != nil {
		slog.Error("chat metadata write failed", "jid", jid, "error", err)
	}
}

// handleInbound persists every message and enqueues a check when the
// conversation is registered and the message is not the bot's own echo.
func (o *Orchestrator) handleInbound(jid string, msg store.Message) {
	if err := o.store.StoreMessage(msg); err != nil {
		slog.Error("message write failed", "jid", jid, "id", msg.ID, "error", err)
		return
	}
	if msg.IsBotMessage {
		return
	}
	if _, ok, err := o.store.GetRegisteredGroup(jid); err != nil {
		slog.Error("group lookup failed", "jid", jid, "error", err)
	} else if ok {
		o.queue.EnqueueMessageCheck(jid)
	}
}

// --- agent output path ---

// handleResult routes an agent result back to the owning channel and records
// it as a bot message so transcripts stay complete.
func (o *Orchestrator) handleResult(jid, text string) {
	o.sched.NoteResult(jid, text)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ch := router.FindChannel(o.channels, jid)
	if ch == nil {
		slog.Error("no channel owns jid, dropping result", "jid", jid)
		return
	}
	if err := ch.SendMessage(ctx, jid, text); err != nil {
		slog.Error("result delivery failed", "jid", jid, "error", err)
	}

	now := store.Now()
	if err := o.store.StoreMessage(store.Message{
		ID:           "bot-" + uuid.NewString(),
		ChatJID:      jid,
		Sender:       config.Product,
		SenderName:   o.cfg.AssistantName,
		Content:      router.FormatOutgoing(text, o.cfg.AssistantName),
		Timestamp:    now,
		IsFromMe:     true,
		IsBotMessage: true,
	}); err != nil {
		slog.Warn("bot message write failed", "jid", jid, "error", err)
	}
}

func (o *Orchestrator) handleStatus(jid string, st container.Status) {
	o.proc.NotifyStatus(jid, st)
	o.sched.NotifyStatus(jid, st)
}

func (o *Orchestrator) handleTyping(jid string, on bool) {
	ch := router.FindChannel(o.channels, jid)
	if ch == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ch.SetTyping(ctx, jid, on); err != nil {
		slog.Debug("typing indicator failed", "jid", jid, "error", err)
	}
}

func (o *Orchestrator) handleSession(groupFolder, sessionID string) {
	o.sessions.Set(groupFolder, sessionID)
}

func (o *Orchestrator) handleExit(jid string) {
	o.queue.ContainerExited(jid)
	o.proc.NotifyExit(jid)
	o.sched.NotifyExit(jid)
}
