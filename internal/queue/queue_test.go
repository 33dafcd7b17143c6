package queue

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeHandle is a ContainerHandle that records calls.
type fakeHandle struct {
	mu          sync.Mutex
	inputs      []string
	closeCalled bool
	killCalled  bool
	sendErr     error
}

func (h *fakeHandle) SendInput(text string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sendErr != nil {
		return h.sendErr
	}
	h.inputs = append(h.inputs, text)
	return nil
}

func (h *fakeHandle) RequestClose() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closeCalled = true
	return nil
}

func (h *fakeHandle) Kill() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.killCalled = true
	return nil
}

func (h *fakeHandle) closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closeCalled
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestGlobalConcurrencyCap(t *testing.T) {
	q := New(Config{MaxConcurrent: 2})

	var running atomic.Int32
	var peak atomic.Int32
	release := make(chan struct{})
	q.SetProcessMessagesFn(func(jid string) bool {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return true
	})

	for _, jid := range []string{"a@g.us", "b@g.us", "c@g.us"} {
		require.True(t, q.EnqueueMessageCheck(jid))
	}
	waitFor(t, "two lanes running", func() bool { return running.Load() == 2 })
	require.Equal(t, 2, q.ActiveCount())

	close(release)
	waitFor(t, "all lanes drained", func() bool { return q.ActiveCount() == 0 })
	require.Equal(t, int32(2), peak.Load(), "third lane must wait for a free slot")
}

func TestPerLaneSerializationAndCoalescing(t *testing.T) {
	q := New(Config{MaxConcurrent: 2})

	var calls atomic.Int32
	started := make(chan struct{}, 8)
	release := make(chan struct{})
	q.SetProcessMessagesFn(func(jid string) bool {
		calls.Add(1)
		started <- struct{}{}
		<-release
		return true
	})

	q.EnqueueMessageCheck("a@g.us")
	<-started
	// Three more enqueues while the batch runs coalesce into one pending flag.
	q.EnqueueMessageCheck("a@g.us")
	q.EnqueueMessageCheck("a@g.us")
	q.EnqueueMessageCheck("a@g.us")
	close(release)

	waitFor(t, "queue drained", func() bool { return q.ActiveCount() == 0 })
	require.Equal(t, int32(2), calls.Load())
}

func TestTasksRunBeforeNextMessageBatch(t *testing.T) {
	q := New(Config{MaxConcurrent: 2})

	var mu sync.Mutex
	var order []string
	inBatch := make(chan struct{})
	release := make(chan struct{})
	q.SetProcessMessagesFn(func(jid string) bool {
		mu.Lock()
		order = append(order, "messages")
		first := len(order) == 1
		mu.Unlock()
		if first {
			inBatch <- struct{}{}
			<-release
		}
		return true
	})

	q.EnqueueMessageCheck("a@g.us")
	<-inBatch
	// Both land while the first batch is still running.
	q.EnqueueMessageCheck("a@g.us")
	q.EnqueueTask("a@g.us", "t1", func() {
		mu.Lock()
		order = append(order, "task")
		mu.Unlock()
	})
	close(release)

	waitFor(t, "queue drained", func() bool { return q.ActiveCount() == 0 })
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"messages", "task", "messages"}, order)
}

func TestRetryBackoffGivesUpAfterMaxRetries(t *testing.T) {
	q := New(Config{MaxConcurrent: 2, BaseRetry: 5 * time.Millisecond, MaxRetries: 5})

	var attempts atomic.Int32
	q.SetProcessMessagesFn(func(jid string) bool {
		attempts.Add(1)
		return false
	})

	q.EnqueueMessageCheck("a@g.us")
	// Delays are 5,10,20,40,80 ms: initial attempt plus five retries.
	waitFor(t, "six attempts", func() bool { return attempts.Load() == 6 })
	time.Sleep(200 * time.Millisecond)
	require.Equal(t, int32(6), attempts.Load(), "retry sequence must stop after max retries")

	// A fresh enqueue restarts the sequence with a reset counter.
	q.EnqueueMessageCheck("a@g.us")
	waitFor(t, "renewed attempt", func() bool { return attempts.Load() >= 7 })
}

func TestSuccessResetsRetryCounter(t *testing.T) {
	q := New(Config{MaxConcurrent: 1, BaseRetry: 5 * time.Millisecond, MaxRetries: 5})

	var attempts atomic.Int32
	q.SetProcessMessagesFn(func(jid string) bool {
		return attempts.Add(1) >= 2 // fail once, then succeed
	})

	q.EnqueueMessageCheck("a@g.us")
	waitFor(t, "retry succeeded", func() bool { return attempts.Load() == 2 })
	waitFor(t, "queue drained", func() bool { return q.ActiveCount() == 0 })

	q.mu.Lock()
	count := q.lane("a@g.us").retryCount
	q.mu.Unlock()
	require.Zero(t, count)
}

func TestIdleContainerPreemptedForTask(t *testing.T) {
	q := New(Config{MaxConcurrent: 2})

	h := &fakeHandle{}
	q.SetProcessMessagesFn(func(jid string) bool {
		q.RegisterProcess(jid, h, "andbot-main-1", "main")
		return true
	})

	q.EnqueueMessageCheck("a@g.us")
	waitFor(t, "batch done", func() bool { return q.ActiveCount() == 0 })
	q.NotifyIdle("a@g.us")

	taskRan := make(chan struct{})
	q.EnqueueTask("a@g.us", "t1", func() { close(taskRan) })

	waitFor(t, "close directive", h.closed)
	select {
	case <-taskRan:
		t.Fatal("task must not start while the old container is alive")
	default:
	}

	q.ContainerExited("a@g.us")
	waitFor(t, "task ran", func() bool {
		select {
		case <-taskRan:
			return true
		default:
			return false
		}
	})
}

func TestSendMessageRefusesTaskContainers(t *testing.T) {
	q := New(Config{MaxConcurrent: 2})
	q.SetProcessMessagesFn(func(jid string) bool { return true })

	h := &fakeHandle{}
	registered := make(chan struct{})
	release := make(chan struct{})
	q.EnqueueTask("a@g.us", "t1", func() {
		q.RegisterProcess("a@g.us", h, "andbot-main-2", "main")
		close(registered)
		<-release
	})
	<-registered

	require.False(t, q.SendMessage("a@g.us", "user text"), "user input must not reach a task container")
	require.Empty(t, h.inputs)
	close(release)
	waitFor(t, "queue drained", func() bool { return q.ActiveCount() == 0 })
}

func TestSendMessageWritesToUserContainer(t *testing.T) {
	q := New(Config{MaxConcurrent: 2})
	h := &fakeHandle{}
	q.SetProcessMessagesFn(func(jid string) bool {
		q.RegisterProcess(jid, h, "andbot-main-3", "main")
		return true
	})

	q.EnqueueMessageCheck("a@g.us")
	waitFor(t, "batch done", func() bool { return q.ActiveCount() == 0 })
	q.NotifyIdle("a@g.us")

	require.True(t, q.SendMessage("a@g.us", "hi"))
	require.Equal(t, []string{"hi"}, h.inputs)

	q.mu.Lock()
	idle := q.lane("a@g.us").idleWaiting
	q.mu.Unlock()
	require.False(t, idle, "a delivered message leaves the idle state")

	require.False(t, q.SendMessage("b@g.us", "hi"), "no container for this lane")
}

func TestShutdownRefusesNewWorkAndClosesContainers(t *testing.T) {
	q := New(Config{MaxConcurrent: 2})
	h := &fakeHandle{}
	q.SetProcessMessagesFn(func(jid string) bool {
		q.RegisterProcess(jid, h, "andbot-main-4", "main")
		return true
	})

	q.EnqueueMessageCheck("a@g.us")
	waitFor(t, "batch done", func() bool { return q.ActiveCount() == 0 })

	q.Shutdown(time.Second)
	require.True(t, h.closed())
	require.False(t, q.EnqueueMessageCheck("a@g.us"))
	require.False(t, q.EnqueueTask("a@g.us", "t1", func() {}))
}

func TestShutdownDoesNotStartQueuedTasks(t *testing.T) {
	q := New(Config{MaxConcurrent: 2})
	block := make(chan struct{})
	q.SetProcessMessagesFn(func(jid string) bool {
		<-block
		return true
	})

	q.EnqueueMessageCheck("a@g.us")
	waitFor(t, "lane running", func() bool { return q.ActiveCount() == 1 })

	// The task queues behind the in-flight batch.
	var taskRan atomic.Bool
	require.True(t, q.EnqueueTask("a@g.us", "t1", func() { taskRan.Store(true) }))

	done := make(chan struct{})
	go func() {
		q.Shutdown(2 * time.Second)
		close(done)
	}()
	waitFor(t, "shutdown flag", func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return q.shutdown
	})
	close(block)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("drain did not finish once the in-flight batch returned")
	}
	require.False(t, taskRan.Load(), "drain must finish in-flight work only")
	require.Zero(t, q.ActiveCount())
}

func TestShutdownKillsPastDeadline(t *testing.T) {
	q := New(Config{MaxConcurrent: 2})
	h := &fakeHandle{}
	block := make(chan struct{})
	q.SetProcessMessagesFn(func(jid string) bool {
		q.RegisterProcess(jid, h, "andbot-main-5", "main")
		<-block
		return true
	})

	q.EnqueueMessageCheck("a@g.us")
	waitFor(t, "lane running", func() bool { return q.ActiveCount() == 1 })

	done := make(chan struct{})
	go func() {
		q.Shutdown(30 * time.Millisecond)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not return after its deadline")
	}
	h.mu.Lock()
	killed := h.killCalled
	h.mu.Unlock()
	require.True(t, killed)
	close(block)
}
