// Package scheduler fires cron, interval, and one-shot tasks against the
// same agent infrastructure user messages use. Tasks run in dedicated
// containers; the queue guarantees they never share one with a user session.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"log/slog"

	"github.com/adhocore/gronx"

	"github.com/andylabs/andbot/internal/config"
	"github.com/andylabs/andbot/internal/container"
	"github.com/andylabs/andbot/internal/queue"
	"github.com/andylabs/andbot/internal/sessions"
	"github.com/andylabs/andbot/internal/store"
)

const (
	// closeDelay gives the agent room for trailing tool calls after its
	// first result before the close sentinel lands.
	closeDelay = 10 * time.Second

	// taskTimeout writes off a task whose container never finishes; the
	// container idle timeout fires before this in practice.
	taskTimeout = 35 * time.Minute

	maxSummaryLen = 500
)

// Store is the slice of the persistence layer the scheduler needs.
type Store interface {
	GetDueTasks(now string) ([]store.ScheduledTask, error)
	GetTaskByID(id string) (store.ScheduledTask, error)
	GetGroupByFolder(folder string) (store.RegisteredGroup, bool, error)
	UpdateTaskStatus(id, status string) error
	UpdateTaskAfterRun(id string, nextRun *string) error
	LogTaskRun(run store.TaskRun) error
}

// Queue is the slice of the group queue the scheduler needs.
type Queue interface {
	EnqueueTask(jid, taskID string, run func()) bool
	RegisterProcess(jid string, h queue.ContainerHandle, containerName, groupFolder string)
	CloseStdin(jid string)
}

// Spawner starts agent containers.
type Spawner interface {
	Spawn(ctx context.Context, opts container.SpawnOpts) (*container.Container, error)
}

// taskRun tracks one in-flight task container.
type taskRun struct {
	taskID  string
	summary string
	first   sync.Once
	status  chan container.Status
	exited  chan struct{}
	done    sync.Once
}

// Scheduler polls for due tasks and runs them through the queue.
type Scheduler struct {
	cfg      *config.Config
	store    Store
	queue    Queue
	spawner  Spawner
	sessions *sessions.Manager

	mu       sync.Mutex
	inflight map[string]bool     // task IDs enqueued or running
	running  map[string]*taskRun // JID → active task container
}

// New wires a Scheduler.
func New(cfg *config.Config, st Store, q Queue, sp Spawner, sess *sessions.Manager) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		store:    st,
		queue:    q,
		spawner:  sp,
		sessions: sess,
		inflight: make(map[string]bool),
		running:  make(map[string]*taskRun),
	}
}

// Run polls until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SchedulerPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick enqueues every due, still-active task exactly once.
func (s *Scheduler) tick(ctx context.Context) {
	due, err := s.store.GetDueTasks(store.Now())
	if err != nil {
		slog.Error("due-task query failed", "error", err)
		return
	}
	for _, t := range due {
		s.mu.Lock()
		already := s.inflight[t.ID]
		if !already {
			s.inflight[t.ID] = true
		}
		s.mu.Unlock()
		if already {
			continue
		}

		// Re-read: the task may have been paused or deleted since the query.
		task, err := s.store.GetTaskByID(t.ID)
		if err != nil || task.Status != store.TaskActive {
			if err != nil && !errors.Is(err, store.ErrTaskNotFound) {
				slog.Error("task re-read failed", "task", t.ID, "error", err)
			}
			s.clearInflight(t.ID)
			continue
		}

		group, ok, err := s.store.GetGroupByFolder(task.GroupFolder)
		if err != nil || !ok {
			slog.Warn("task references unknown group, pausing", "task", task.ID, "folder", task.GroupFolder)
			if err := s.store.UpdateTaskStatus(task.ID, store.TaskPaused); err != nil {
				slog.Error("task pause failed", "task", task.ID, "error", err)
			}
			s.logRun(task.ID, time.Now(), store.RunError, "", "invalid group folder")
			s.clearInflight(task.ID)
			continue
		}

		if !s.queue.EnqueueTask(task.ChatJID, task.ID, func() { s.runTask(ctx, task, group) }) {
			s.clearInflight(task.ID)
		}
	}
}

// runTask executes inside the queue's task job slot: spawn, feed the prompt,
// wait for the container to finish, then record the run and reschedule.
func (s *Scheduler) runTask(ctx context.Context, task store.ScheduledTask, group store.RegisteredGroup) {
	defer s.clearInflight(task.ID)
	start := time.Now()

	sessionID := ""
	if task.ContextMode == store.ContextGroup {
		sessionID = s.sessions.Get(group.Folder)
	}

	run := &taskRun{
		taskID: task.ID,
		status: make(chan container.Status, 1),
		exited: make(chan struct{}),
	}
	s.mu.Lock()
	s.running[task.ChatJID] = run
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, task.ChatJID)
		s.mu.Unlock()
	}()

	c, err := s.spawner.Spawn(ctx, container.SpawnOpts{
		JID:         task.ChatJID,
		GroupFolder: group.Folder,
		IsTask:      true,
		SessionID:   sessionID,
		ExtraMounts: group.Mounts,
	})
	if err != nil {
		slog.Error("task container spawn failed", "task", task.ID, "error", err)
		s.finishRun(task, start, store.RunError, "", err.Error())
		return
	}
	s.queue.RegisterProcess(task.ChatJID, c, c.Name, group.Folder)

	if err := c.SendInput(task.Prompt); err != nil {
		slog.Error("task prompt delivery failed", "task", task.ID, "error", err)
		_ = c.Kill()
		s.finishRun(task, start, store.RunError, "", err.Error())
		return
	}

	status := store.RunSuccess
	errText := ""
	terminal := false
	for !terminal {
		select {
		case st := <-run.status:
			if !st.Ok {
				status, errText = store.RunError, st.Err
			}
			// A task that finished without emitting a result still needs the
			// close sentinel, or the container lingers until its idle timeout.
			run.first.Do(func() {
				time.AfterFunc(closeDelay, func() { s.queue.CloseStdin(task.ChatJID) })
			})
			// Keep waiting for the exit so the queue drains into a clean lane.
		case <-run.exited:
			terminal = true
		case <-time.After(taskTimeout):
			slog.Warn("task timed out, killing container", "task", task.ID)
			_ = c.Kill()
			status, errText = store.RunError, "task timed out"
			terminal = true
		}
	}

	s.finishRun(task, start, status, run.summary, errText)
}

// finishRun logs the run and computes the task's next firing.
func (s *Scheduler) finishRun(task store.ScheduledTask, start time.Time, status, summary, errText string) {
	s.logRun(task.ID, start, status, summary, errText)

	next, err := NextRun(task, time.Now().In(s.cfg.Timezone))
	if err != nil {
		slog.Error("next-run computation failed, pausing task", "task", task.ID, "error", err)
		if err := s.store.UpdateTaskStatus(task.ID, store.TaskError); err != nil {
			slog.Error("task status update failed", "task", task.ID, "error", err)
		}
		return
	}
	if err := s.store.UpdateTaskAfterRun(task.ID, next); err != nil {
		slog.Error("task reschedule failed", "task", task.ID, "error", err)
	}
}

func (s *Scheduler) logRun(taskID string, start time.Time, status, summary, errText string) {
	err := s.store.LogTaskRun(store.TaskRun{
		TaskID:     taskID,
		RunAt:      store.FormatTime(start),
		DurationMS: time.Since(start).Milliseconds(),
		Status:     status,
		Result:     summary,
		Error:      errText,
	})
	if err != nil {
		slog.Error("task run logging failed", "task", taskID, "error", err)
	}
}

// NextRun computes the next firing after ref, or nil for a finished one-shot.
func NextRun(task store.ScheduledTask, ref time.Time) (*string, error) {
	switch task.ScheduleKind {
	case store.ScheduleCron:
		next, err := gronx.NextTickAfter(task.ScheduleValue, ref, false)
		if err != nil {
			return nil, fmt.Errorf("cron %q: %w", task.ScheduleValue, err)
		}
		v := store.FormatTime(next)
		return &v, nil
	case store.ScheduleInterval:
		ms, err := strconv.ParseInt(task.ScheduleValue, 10, 64)
		if err != nil || ms <= 0 {
			return nil, fmt.Errorf("interval %q: not a positive millisecond count", task.ScheduleValue)
		}
		v := store.FormatTime(ref.Add(time.Duration(ms) * time.Millisecond))
		return &v, nil
	case store.ScheduleOnce:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown schedule kind %q", task.ScheduleKind)
	}
}

// NoteResult records the first result of an active task container for jid
// and schedules the close sentinel shortly after. Wired to the runner's
// result callback; no-op when no task is running for jid.
func (s *Scheduler) NoteResult(jid, text string) {
	s.mu.Lock()
	run := s.running[jid]
	s.mu.Unlock()
	if run == nil {
		return
	}
	run.first.Do(func() {
		if len(text) > maxSummaryLen {
			text = text[:maxSummaryLen]
		}
		run.summary = text
		time.AfterFunc(closeDelay, func() { s.queue.CloseStdin(jid) })
	})
}

// NotifyStatus delivers a terminal batch status for an active task on jid.
func (s *Scheduler) NotifyStatus(jid string, st container.Status) {
	s.mu.Lock()
	run := s.running[jid]
	s.mu.Unlock()
	if run == nil {
		return
	}
	select {
	case run.status <- st:
	default:
	}
}

// NotifyExit marks the task container for jid as gone.
func (s *Scheduler) NotifyExit(jid string) {
	s.mu.Lock()
	run := s.running[jid]
	s.mu.Unlock()
	if run == nil {
		return
	}
	run.done.Do(func() { close(run.exited) })
}

func (s *Scheduler) clearInflight(taskID string) {
	s.mu.Lock()
	delete(s.inflight, taskID)
	s.mu.Unlock()
}
