package store

// Message is one chat message as persisted. Unique on (ChatJID, ID);
// re-storing the same key replaces the row (last writer wins, which is how
// message edits arrive from the channels).
type Message struct {
	ID           string
	ChatJID      string
	Sender       string
	SenderName   string
	Content      string
	Timestamp    string
	IsFromMe     bool
	IsBotMessage bool
}

// Chat is conversation metadata, created on first sighting of a JID.
type Chat struct {
	JID             string
	Name            string
	ChannelTag      string
	IsGroup         bool
	LastMessageTime string
}

// RegisteredGroup is a conversation the orchestrator dispatches to agent
// containers. Folder is the filesystem-safe identifier under groups/.
type RegisteredGroup struct {
	JID             string
	Name            string
	Folder          string
	Trigger         string
	RequiresTrigger bool
	// Mounts lists extra host paths to mount into this group's containers,
	// each validated against the sandbox allowlist at spawn time.
	Mounts  []string
	AddedAt string
	// LastProcessedAt is the message cursor: the newest timestamp whose
	// batch was successfully routed back to the channel.
	LastProcessedAt string
}

// Schedule kinds for ScheduledTask.
const (
	ScheduleCron     = "cron"
	ScheduleInterval = "interval"
	ScheduleOnce     = "once"
)

// Context modes for ScheduledTask.
const (
	ContextIsolated = "isolated"
	ContextGroup    = "group"
)

// Task statuses.
const (
	TaskActive = "active"
	TaskPaused = "paused"
	TaskDone   = "done"
	TaskError  = "error"
)

// ScheduledTask is a time-triggered prompt run against a group's agent.
type ScheduledTask struct {
	ID            string
	GroupFolder   string
	ChatJID       string
	Prompt        string
	ScheduleKind  string
	ScheduleValue string
	ContextMode   string
	// NextRun is nil once a "once" task has fired.
	NextRun   *string
	Status    string
	CreatedAt string
}

// Run statuses for TaskRun.
const (
	RunSuccess = "success"
	RunError   = "error"
)

// TaskRun is one execution record of a ScheduledTask.
type TaskRun struct {
	TaskID     string
	RunAt      string
	DurationMS int64
	Status     string
	Result     string
	Error      string
}
