// Package queue serializes agent work per conversation. Each JID gets one
// lane; a lane runs at most one job (a message batch or a scheduled task) at
// a time, and at most MaxConcurrent lanes hold a slot globally. Scheduled
// tasks drain before message batches, and a task never shares a container
// with a user session: an idle user container is asked to close so the task
// can start fresh.
package queue

import (
	"log/slog"
	"sync"
	"time"
)

// ContainerHandle is the queue's view of a live agent container. The queue
// holds handles but never channels; all outbound text goes through the
// message processor.
type ContainerHandle interface {
	// SendInput writes user input into the container's inbox.
	SendInput(text string) error
	// RequestClose asks the agent to exit cleanly via the close sentinel.
	RequestClose() error
	// Kill terminates the container immediately.
	Kill() error
}

// ProcessMessagesFn handles one message batch for a JID. It returns false on
// a retryable failure.
type ProcessMessagesFn func(jid string) bool

// Config tunes the queue. Zero values take the documented defaults.
type Config struct {
	MaxConcurrent int           // default 2
	BaseRetry     time.Duration // default 5s
	MaxRetries    int           // default 5
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 2
	}
	if c.BaseRetry <= 0 {
		c.BaseRetry = 5 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	return c
}

type jobKind int

const (
	kindNone jobKind = iota
	kindMessages
	kindTask
)

type taskItem struct {
	id  string
	run func()
}

type laneState struct {
	// running is true while a job goroutine is executing; waitingExit is
	// true while a slot is held waiting for the live container to exit so
	// a task can start fresh. A lane holds a global slot iff either is set.
	running     bool
	waitingExit bool
	slotHeld    bool
	currentKind jobKind

	// Live container, if any. A lane can hold an idle container without
	// holding a slot.
	handle        ContainerHandle
	containerName string
	groupFolder   string
	isTask        bool
	idleWaiting   bool
	closing       bool

	pendingMessages bool
	pendingTasks    []taskItem

	retryCount int
	retryTimer *time.Timer
}

func (st *laneState) active() bool { return st.running || st.waitingExit }

// GroupQueue is the per-JID work queue with a global concurrency cap.
type GroupQueue struct {
	mu        sync.Mutex
	cond      *sync.Cond
	cfg       Config
	processFn ProcessMessagesFn

	lanes       map[string]*laneState
	activeCount int
	waiting     []string
	shutdown    bool
}

// New constructs a GroupQueue. SetProcessMessagesFn must be called before
// the first enqueue.
func New(cfg Config) *GroupQueue {
	q := &GroupQueue{
		cfg:   cfg.withDefaults(),
		lanes: make(map[string]*laneState),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// SetProcessMessagesFn installs the message-batch implementation.
func (q *GroupQueue) SetProcessMessagesFn(fn ProcessMessagesFn) {
	q.mu.Lock()
	q.processFn = fn
	q.mu.Unlock()
}

func (q *GroupQueue) lane(jid string) *laneState {
	st, ok := q.lanes[jid]
	if !ok {
		st = &laneState{}
		q.lanes[jid] = st
	}
	return st
}

// EnqueueMessageCheck marks pending message work for jid and starts it when
// a slot is free. Returns false when the queue is shutting down.
func (q *GroupQueue) EnqueueMessageCheck(jid string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.shutdown {
		return false
	}
	st := q.lane(jid)
	st.pendingMessages = true
	q.tryStartLocked(jid, st)
	return true
}

// EnqueueTask appends a scheduled-task job for jid. If the lane's container
// is idle, a close directive is issued so the task can start in a fresh
// container. Returns false when the queue is shutting down.
func (q *GroupQueue) EnqueueTask(jid, taskID string, run func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.shutdown {
		return false
	}
	st := q.lane(jid)
	st.pendingTasks = append(st.pendingTasks, taskItem{id: taskID, run: run})
	if st.handle != nil && st.idleWaiting {
		q.requestCloseLocked(jid, st)
	}
	q.tryStartLocked(jid, st)
	return true
}

// RegisterProcess records the live container for jid. Called by the
// container runner once the agent process is up. The container belongs to
// whichever job kind is currently running.
func (q *GroupQueue) RegisterProcess(jid string, h ContainerHandle, containerName, groupFolder string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := q.lane(jid)
	st.handle = h
	st.containerName = containerName
	st.groupFolder = groupFolder
	st.isTask = st.currentKind == kindTask
	st.idleWaiting = false
	st.closing = false
}

// NotifyIdle records that jid's container reported a clean batch end and is
// waiting for input. If tasks are pending the container is closed so the
// next task starts fresh.
func (q *GroupQueue) NotifyIdle(jid string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := q.lane(jid)
	st.idleWaiting = true
	if len(st.pendingTasks) > 0 && st.handle != nil {
		q.requestCloseLocked(jid, st)
	}
}

// ContainerExited clears the container handle for jid and resumes whatever
// the lane was waiting on. Called by the container runner after the process
// is gone.
func (q *GroupQueue) ContainerExited(jid string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := q.lane(jid)
	st.handle = nil
	st.containerName = ""
	st.isTask = false
	st.idleWaiting = false
	st.closing = false

	if st.waitingExit {
		st.waitingExit = false
		q.launchLocked(jid, st)
		return
	}
	if !st.active() && (len(st.pendingTasks) > 0 || st.pendingMessages) {
		q.tryStartLocked(jid, st)
	}
}

// SendMessage forwards user input to jid's live container inbox. Returns
// false when there is no usable container: none registered, a close is in
// flight, the write failed, or the container is a task container. User
// messages never enter task containers.
func (q *GroupQueue) SendMessage(jid, text string) bool {
	q.mu.Lock()
	st := q.lane(jid)
	h := st.handle
	usable := h != nil && !st.isTask && !st.closing
	q.mu.Unlock()

	if !usable {
		return false
	}
	if err := h.SendInput(text); err != nil {
		slog.Warn("inbox write failed", "jid", jid, "error", err)
		return false
	}
	q.mu.Lock()
	st.idleWaiting = false
	q.mu.Unlock()
	return true
}

// CloseStdin issues the close directive to jid's container, if any.
func (q *GroupQueue) CloseStdin(jid string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := q.lane(jid)
	if st.handle != nil {
		q.requestCloseLocked(jid, st)
	}
}

// ActiveCount returns the number of lanes currently holding a slot.
func (q *GroupQueue) ActiveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.activeCount
}

// Shutdown refuses new work, asks every live container to close, and waits
// up to deadline for active lanes to drain. Past the deadline remaining
// containers are killed and their slots forcibly released.
func (q *GroupQueue) Shutdown(deadline time.Duration) {
	q.mu.Lock()
	q.shutdown = true
	for jid, st := range q.lanes {
		if st.retryTimer != nil {
			st.retryTimer.Stop()
			st.retryTimer = nil
		}
		if st.handle != nil {
			q.requestCloseLocked(jid, st)
		}
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.mu.Lock()
		for q.activeCount > 0 {
			q.cond.Wait()
		}
		q.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(deadline):
		slog.Warn("shutdown deadline reached, killing remaining containers")
		q.mu.Lock()
		for jid, st := range q.lanes {
			if st.handle != nil {
				if err := st.handle.Kill(); err != nil {
					slog.Warn("container kill failed", "jid", jid, "error", err)
				}
				st.handle = nil
			}
			st.running = false
			st.waitingExit = false
			st.slotHeld = false
		}
		q.activeCount = 0
		q.cond.Broadcast()
		q.mu.Unlock()
	}
}

// --- internal scheduling ---

// tryStartLocked admits the lane if it is not already active and a global
// slot is free; otherwise the JID joins the waiting FIFO (deduplicated).
func (q *GroupQueue) tryStartLocked(jid string, st *laneState) {
	if st.active() {
		return
	}
	if q.activeCount >= q.cfg.MaxConcurrent {
		q.pushWaitingLocked(jid)
		return
	}
	q.activeCount++
	st.slotHeld = true
	q.launchLocked(jid, st)
}

// launchLocked picks the lane's next job: pending tasks first, then message
// work. The lane holds its slot across consecutive jobs. Requires the lane
// to be admitted (slot counted).
func (q *GroupQueue) launchLocked(jid string, st *laneState) {
	if q.shutdown {
		// Drain finishes in-flight work only; still-queued jobs stay queued.
		q.releaseLocked(st)
		return
	}
	if len(st.pendingTasks) > 0 {
		if st.handle != nil {
			// The task needs a fresh container. Hold the slot, close the
			// current container when idle, and resume on exit.
			st.waitingExit = true
			if st.idleWaiting {
				q.requestCloseLocked(jid, st)
			}
			return
		}
		item := st.pendingTasks[0]
		st.pendingTasks = st.pendingTasks[1:]
		st.running = true
		st.currentKind = kindTask
		go q.runTask(jid, item)
		return
	}
	if st.pendingMessages {
		st.pendingMessages = false
		st.running = true
		st.currentKind = kindMessages
		go q.runMessages(jid)
		return
	}
	q.releaseLocked(st)
}

func (q *GroupQueue) runMessages(jid string) {
	q.mu.Lock()
	fn := q.processFn
	q.mu.Unlock()

	ok := false
	if fn != nil {
		ok = fn(jid)
	} else {
		slog.Error("no process-messages function installed")
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	st := q.lane(jid)
	st.running = false
	st.currentKind = kindNone

	if ok {
		st.retryCount = 0
	} else if !q.shutdown {
		q.scheduleRetryLocked(jid, st)
	}
	// The slot may have been forcibly released by a shutdown deadline.
	if st.slotHeld {
		q.launchLocked(jid, st)
	}
}

func (q *GroupQueue) runTask(jid string, item taskItem) {
	item.run()

	q.mu.Lock()
	defer q.mu.Unlock()
	st := q.lane(jid)
	st.running = false
	st.currentKind = kindNone
	if st.slotHeld {
		q.launchLocked(jid, st)
	}
}

// scheduleRetryLocked arms the exponential-backoff timer for a failed
// message batch: BaseRetry × 2^n. After MaxRetries the counter resets and
// the lane goes quiet until the next enqueue.
func (q *GroupQueue) scheduleRetryLocked(jid string, st *laneState) {
	if st.retryCount >= q.cfg.MaxRetries {
		slog.Warn("message processing giving up after max retries", "jid", jid, "retries", st.retryCount)
		st.retryCount = 0
		return
	}
	delay := q.cfg.BaseRetry << st.retryCount
	st.retryCount++
	slog.Info("scheduling message retry", "jid", jid, "attempt", st.retryCount, "delay", delay)

	st.retryTimer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		st := q.lane(jid)
		st.retryTimer = nil
		if q.shutdown {
			return
		}
		st.pendingMessages = true
		q.tryStartLocked(jid, st)
	})
}

// releaseLocked gives the lane's slot back and admits the next waiting JID.
func (q *GroupQueue) releaseLocked(st *laneState) {
	st.running = false
	st.waitingExit = false
	if !st.slotHeld {
		return
	}
	st.slotHeld = false
	q.activeCount--
	q.cond.Broadcast()
	q.admitNextLocked()
}

func (q *GroupQueue) admitNextLocked() {
	for len(q.waiting) > 0 && q.activeCount < q.cfg.MaxConcurrent && !q.shutdown {
		jid := q.waiting[0]
		q.waiting = q.waiting[1:]
		st := q.lane(jid)
		if st.active() || (len(st.pendingTasks) == 0 && !st.pendingMessages) {
			continue
		}
		q.activeCount++
		st.slotHeld = true
		q.launchLocked(jid, st)
	}
}

func (q *GroupQueue) pushWaitingLocked(jid string) {
	for _, w := range q.waiting {
		if w == jid {
			return
		}
	}
	q.waiting = append(q.waiting, jid)
}

func (q *GroupQueue) requestCloseLocked(jid string, st *laneState) {
	if st.closing || st.handle == nil {
		return
	}
	st.closing = true
	if err := st.handle.RequestClose(); err != nil {
		slog.Warn("close directive failed", "jid", jid, "error", err)
	}
}
