package channels

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/andylabs/andbot/internal/store"
)

func TestSplitMessage(t *testing.T) {
	tests := []struct {
		name string
		text string
		max  int
		want int // expected part count
	}{
		{name: "short stays whole", text: "hello", max: 10, want: 1},
		{name: "exact fit", text: "12345", max: 5, want: 1},
		{name: "splits evenly", text: "123456", max: 3, want: 2},
		{name: "splits with remainder", text: "1234567", max: 3, want: 3},
		{name: "empty yields one part", text: "", max: 5, want: 1},
		{name: "no limit", text: strings.Repeat("x", 100), max: 0, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parts := SplitMessage(tt.text, tt.max)
			if len(parts) != tt.want {
				t.Fatalf("SplitMessage(%q, %d) = %d parts, want %d", tt.text, tt.max, len(parts), tt.want)
			}
			if got := strings.Join(parts, ""); got != tt.text {
				t.Errorf("concatenation changed content: %q != %q", got, tt.text)
			}
			for i, p := range parts {
				if tt.max > 0 && len([]rune(p)) > tt.max {
					t.Errorf("part %d exceeds max: %d runes", i, len([]rune(p)))
				}
			}
		})
	}
}

func TestSplitMessageMultibyte(t *testing.T) {
	// Splitting counts runes, not bytes, so multibyte text never tears.
	text := strings.Repeat("héllo wörld ", 10)
	for _, part := range SplitMessage(text, 7) {
		if !strings.HasPrefix(text, part) && !strings.Contains(text, part) {
			t.Fatalf("part %q is not a substring of the input", part)
		}
	}
}

func TestDeliverQueuesWhileDisconnected(t *testing.T) {
	b := NewBase("test", Callbacks{}, 100, 0)

	var sent []string
	send := func(_ context.Context, jid, text string) error {
		sent = append(sent, jid+"|"+text)
		return nil
	}

	if err := b.Deliver(context.Background(), "j1", "first", send); err != nil {
		t.Fatal(err)
	}
	if err := b.Deliver(context.Background(), "j2", "second", send); err != nil {
		t.Fatal(err)
	}
	if len(sent) != 0 {
		t.Fatalf("nothing should be sent while disconnected, got %v", sent)
	}
	if b.QueuedCount() != 2 {
		t.Fatalf("QueuedCount = %d, want 2", b.QueuedCount())
	}

	b.SetConnected(true)
	if err := b.FlushOutgoing(context.Background(), send); err != nil {
		t.Fatal(err)
	}
	want := []string{"j1|first", "j2|second"}
	if len(sent) != 2 || sent[0] != want[0] || sent[1] != want[1] {
		t.Errorf("flush order = %v, want %v", sent, want)
	}
}

func TestDeliverQueuesOnSendFailure(t *testing.T) {
	b := NewBase("test", Callbacks{}, 100, 0)
	b.SetConnected(true)

	send := func(context.Context, string, string) error { return errors.New("socket gone") }
	if err := b.Deliver(context.Background(), "j1", "text", send); err != nil {
		t.Fatalf("a failed send must queue, not error: %v", err)
	}
	if b.QueuedCount() != 1 {
		t.Fatalf("QueuedCount = %d, want 1", b.QueuedCount())
	}
}

func TestFlushStopsAndRequeuesOnFailure(t *testing.T) {
	b := NewBase("test", Callbacks{}, 100, 0)
	b.Deliver(context.Background(), "j1", "one", nil) // disconnected: queued, send unused
	b.Deliver(context.Background(), "j2", "two", nil)
	b.SetConnected(true)

	calls := 0
	send := func(_ context.Context, jid, text string) error {
		calls++
		return errors.New("still down")
	}
	if err := b.FlushOutgoing(context.Background(), send); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("FlushOutgoing error = %v, want ErrNotConnected", err)
	}
	if calls != 1 {
		t.Errorf("flush should stop at the first failure, made %d calls", calls)
	}
	if b.QueuedCount() != 2 {
		t.Errorf("QueuedCount = %d, want 2 (both retained in order)", b.QueuedCount())
	}
}

func TestEmitCallbacks(t *testing.T) {
	var gotJID, gotTag string
	var gotMsg store.Message
	b := NewBase("whatsapp", Callbacks{
		OnChatMetadata: func(jid, ts, name, channelTag string, isGroup bool) {
			gotJID, gotTag = jid, channelTag
		},
		OnMessage: func(jid string, msg store.Message) { gotMsg = msg },
	}, 100, 0)

	b.EmitChatMetadata("g1@g.us", "2024-01-01T00:00:01Z", "Team", true)
	if gotJID != "g1@g.us" || gotTag != "whatsapp" {
		t.Errorf("metadata callback got (%q, %q)", gotJID, gotTag)
	}
	b.EmitMessage("g1@g.us", store.Message{ID: "m1"})
	if gotMsg.ID != "m1" {
		t.Errorf("message callback got %+v", gotMsg)
	}
}
