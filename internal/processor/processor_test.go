package processor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/andylabs/andbot/internal/channels"
	"github.com/andylabs/andbot/internal/container"
	"github.com/andylabs/andbot/internal/queue"
	"github.com/andylabs/andbot/internal/sessions"
	"github.com/andylabs/andbot/internal/store"
)

type fakeStore struct {
	group    store.RegisteredGroup
	hasGroup bool
	cursor   string
	msgs     []store.Message
}

func (f *fakeStore) GetRegisteredGroup(jid string) (store.RegisteredGroup, bool, error) {
	return f.group, f.hasGroup, nil
}
func (f *fakeStore) GetCursor(jid string) (string, error) { return f.cursor, nil }
func (f *fakeStore) SetCursor(jid, ts string) error {
	f.cursor = ts
	return nil
}
func (f *fakeStore) GetMessagesSince(jid, since, assistantName string) ([]store.Message, error) {
	var out []store.Message
	for _, m := range f.msgs {
		if since == "" || m.Timestamp > since {
			out = append(out, m)
		}
	}
	return out, nil
}

type fakeQueue struct {
	mu         sync.Mutex
	sendOK     bool
	sent       []string
	registered bool
}

func (f *fakeQueue) SendMessage(jid, text string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendOK {
		f.sent = append(f.sent, text)
	}
	return f.sendOK
}

func (f *fakeQueue) RegisterProcess(jid string, h queue.ContainerHandle, containerName, groupFolder string) {
	f.mu.Lock()
	f.registered = true
	f.mu.Unlock()
}

type failSpawner struct{ err error }

func (f *failSpawner) Spawn(context.Context, container.SpawnOpts) (*container.Container, error) {
	return nil, f.err
}

type typingChannel struct {
	mu     sync.Mutex
	typing []bool
}

func (c *typingChannel) Name() string { return "stub" }
func (c *typingChannel) Connect(context.Context) error { return nil }
func (c *typingChannel) Disconnect(context.Context) error { return nil }
func (c *typingChannel) IsConnected() bool { return true }
func (c *typingChannel) OwnsJID(string) bool { return true }
func (c *typingChannel) SendMessage(context.Context, string, string) error { return nil }
func (c *typingChannel) SetTyping(_ context.Context, _ string, on bool) error {
	c.mu.Lock()
	c.typing = append(c.typing, on)
	c.mu.Unlock()
	return nil
}

func newTestProcessor(fs *fakeStore, fq *fakeQueue, ch channels.Channel) *Processor {
	var chs []channels.Channel
	if ch != nil {
		chs = append(chs, ch)
	}
	sess := sessions.Load("/nonexistent/sessions.json")
	return New(fs, fq, &failSpawner{err: errors.New("no spawner in this test")}, sess, chs, "Andy")
}

func TestProcessMessagesUnregisteredGroup(t *testing.T) {
	p := newTestProcessor(&fakeStore{hasGroup: false}, &fakeQueue{}, nil)
	if !p.ProcessMessages("g@g.us") {
		t.Error("an unregistered JID has nothing to consume and must succeed")
	}
}

func TestProcessMessagesNothingNew(t *testing.T) {
	fs := &fakeStore{hasGroup: true, group: store.RegisteredGroup{JID: "g@g.us", Folder: "main"}}
	p := newTestProcessor(fs, &fakeQueue{}, nil)
	if !p.ProcessMessages("g@g.us") {
		t.Error("empty batch must succeed")
	}
	if fs.cursor != "" {
		t.Errorf("cursor moved with no messages: %q", fs.cursor)
	}
}

func TestNoTriggerAdvancesCursorWithoutDispatch(t *testing.T) {
	fs := &fakeStore{
		hasGroup: true,
		group:    store.RegisteredGroup{JID: "g@g.us", Folder: "main", RequiresTrigger: true},
		msgs: []store.Message{
			{ID: "m1", Timestamp: "2024-01-01T00:00:01Z", Content: "morning all"},
		},
	}
	fq := &fakeQueue{sendOK: true}
	p := newTestProcessor(fs, fq, nil)

	if !p.ProcessMessages("g@g.us") {
		t.Fatal("untriggered batch must succeed")
	}
	if fs.cursor != "2024-01-01T00:00:01Z" {
		t.Errorf("cursor = %q, want newest timestamp", fs.cursor)
	}
	if len(fq.sent) != 0 {
		t.Errorf("nothing should have been dispatched, got %v", fq.sent)
	}
}

func TestTriggeredBatchDispatchesAndAdvancesCursor(t *testing.T) {
	fs := &fakeStore{
		hasGroup: true,
		group:    store.RegisteredGroup{JID: "g@g.us", Folder: "main", RequiresTrigger: true},
		msgs: []store.Message{
			{ID: "m1", Timestamp: "2024-01-01T00:00:01Z", Content: "context line", SenderName: "Ann"},
			{ID: "m2", Timestamp: "2024-01-01T00:00:02Z", Content: "@Andy summary?", SenderName: "Bob"},
		},
	}
	fq := &fakeQueue{sendOK: true}
	ch := &typingChannel{}
	p := newTestProcessor(fs, fq, ch)

	done := make(chan bool, 1)
	go func() { done <- p.ProcessMessages("g@g.us") }()

	// The batch is waiting on the agent; report success.
	waitForWaiter(t, p, "g@g.us")
	p.NotifyStatus("g@g.us", container.Status{Ok: true})

	if ok := <-done; !ok {
		t.Fatal("successful batch must return true")
	}
	if fs.cursor != "2024-01-01T00:00:02Z" {
		t.Errorf("cursor = %q, want newest timestamp", fs.cursor)
	}
	if len(fq.sent) != 1 {
		t.Fatalf("dispatched %d transcripts, want 1", len(fq.sent))
	}
	if want := "[2024-01-01T00:00:01Z] Ann: context line\n[2024-01-01T00:00:02Z] Bob: @Andy summary?\n"; fq.sent[0] != want {
		t.Errorf("transcript = %q, want %q", fq.sent[0], want)
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if len(ch.typing) != 2 || !ch.typing[0] || ch.typing[1] {
		t.Errorf("typing toggles = %v, want [true false]", ch.typing)
	}
}

func TestFailedBatchKeepsCursor(t *testing.T) {
	fs := &fakeStore{
		hasGroup: true,
		group:    store.RegisteredGroup{JID: "g@g.us", Folder: "main", RequiresTrigger: false},
		cursor:   "2024-01-01T00:00:00Z",
		msgs: []store.Message{
			{ID: "m1", Timestamp: "2024-01-01T00:00:01Z", Content: "do the thing"},
		},
	}
	fq := &fakeQueue{sendOK: true}
	p := newTestProcessor(fs, fq, nil)

	done := make(chan bool, 1)
	go func() { done <- p.ProcessMessages("g@g.us") }()
	waitForWaiter(t, p, "g@g.us")
	p.NotifyStatus("g@g.us", container.Status{Ok: false, Err: "agent crashed"})

	if ok := <-done; ok {
		t.Fatal("failed batch must return false")
	}
	if fs.cursor != "2024-01-01T00:00:00Z" {
		t.Errorf("cursor = %q, must stay at the saved value", fs.cursor)
	}
}

func TestSpawnFailureReturnsFalse(t *testing.T) {
	fs := &fakeStore{
		hasGroup: true,
		group:    store.RegisteredGroup{JID: "g@g.us", Folder: "main"},
		msgs: []store.Message{
			{ID: "m1", Timestamp: "2024-01-01T00:00:01Z", Content: "hello"},
		},
	}
	// No live container and the spawner errors out.
	p := newTestProcessor(fs, &fakeQueue{sendOK: false}, nil)
	if p.ProcessMessages("g@g.us") {
		t.Error("a spawn failure must report a retryable failure")
	}
	if fs.cursor != "" {
		t.Errorf("cursor moved on failure: %q", fs.cursor)
	}
}

func waitForWaiter(t *testing.T, p *Processor, jid string) {
	t.Helper()
	for i := 0; i < 400; i++ {
		p.mu.Lock()
		_, ok := p.waiters[jid]
		p.mu.Unlock()
		if ok {
			return
		}
		sleep()
	}
	t.Fatal("batch never started waiting on the agent")
}

func sleep() { time.Sleep(5 * time.Millisecond) }

func TestTriggerPattern(t *testing.T) {
	tests := []struct {
		content string
		want    bool
	}{
		{"@Andy help", true},
		{"hey @andy help", true},
		{"HEY @ANDY", true},
		{"@Andy, with punctuation", true},
		{"mail me at x@Andy.dev", false}, // preceded by a word character
		{"@Andrew is someone else", false},
		{"no trigger here", false},
		{"andy without the at sign", false},
	}
	re := TriggerPattern("Andy")
	for _, tt := range tests {
		if got := re.MatchString(tt.content); got != tt.want {
			t.Errorf("TriggerPattern match %q = %v, want %v", tt.content, got, tt.want)
		}
	}
}
