package whatsapp

import (
	"testing"

	"github.com/andylabs/andbot/internal/channels"
	"github.com/andylabs/andbot/internal/store"
)

func testChannel(cb channels.Callbacks) *Channel {
	return &Channel{Base: channels.NewBase("whatsapp", cb, maxMessageLen, 0)}
}

func TestOwnsJID(t *testing.T) {
	c := testChannel(channels.Callbacks{})
	tests := []struct {
		jid  string
		want bool
	}{
		{"12345-67890@g.us", true},
		{"4915551234567@s.whatsapp.net", true},
		{"slack:C1", false},
		{"gmail:a@b.com", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := c.OwnsJID(tt.jid); got != tt.want {
			t.Errorf("OwnsJID(%q) = %v, want %v", tt.jid, got, tt.want)
		}
	}
}

func TestHandleMessage(t *testing.T) {
	var metaJID string
	var got store.Message
	c := testChannel(channels.Callbacks{
		OnChatMetadata: func(jid, ts, name, channelTag string, isGroup bool) { metaJID = jid },
		OnMessage:      func(jid string, msg store.Message) { got = msg },
	})

	c.handleFrame(frame{
		Type: "message", ID: "m1", Chat: "g1@g.us", From: "111@s.whatsapp.net",
		FromName: "Ann", Content: "hello", Timestamp: "2024-01-01T00:00:01Z",
	})
	if metaJID != "g1@g.us" {
		t.Errorf("metadata emitted for %q", metaJID)
	}
	if got.ID != "m1" || got.ChatJID != "g1@g.us" || got.IsBotMessage {
		t.Errorf("message = %+v", got)
	}

	// Self-authored frames carry from_me and are flagged as bot output.
	c.handleFrame(frame{Type: "message", ID: "m2", Chat: "g1@g.us", Content: "echo", FromMe: true, Timestamp: "2024-01-01T00:00:02Z"})
	if !got.IsBotMessage || !got.IsFromMe {
		t.Errorf("own echo not flagged: %+v", got)
	}
}

func TestHandleMessageIgnoresIncomplete(t *testing.T) {
	called := false
	c := testChannel(channels.Callbacks{
		OnMessage: func(string, store.Message) { called = true },
	})
	c.handleFrame(frame{Type: "message", Chat: "g1@g.us"}) // no id
	c.handleFrame(frame{Type: "message", ID: "m1"})        // no chat
	if called {
		t.Error("incomplete frames must be dropped")
	}
}

func TestHandleMessageCanonicalizesTimestamp(t *testing.T) {
	var got store.Message
	c := testChannel(channels.Callbacks{
		OnMessage: func(jid string, msg store.Message) { got = msg },
	})

	// A bridge emitting a zone offset must land in canonical UTC form, or
	// lexical cursor comparisons misorder it against every other row.
	c.handleFrame(frame{Type: "message", ID: "m1", Chat: "g1@g.us", Content: "x", Timestamp: "2024-01-01T01:00:00+01:00"})
	if got.Timestamp != "2024-01-01T00:00:00.000000Z" {
		t.Errorf("offset timestamp = %q, want canonical UTC", got.Timestamp)
	}

	// Epoch seconds are not parseable; fall back to now rather than store
	// a value that sorts before every date.
	c.handleFrame(frame{Type: "message", ID: "m2", Chat: "g1@g.us", Content: "x", Timestamp: "1704067201"})
	if _, err := store.ParseTime(got.Timestamp); err != nil {
		t.Errorf("fallback timestamp not canonical: %q", got.Timestamp)
	}
	if got.Timestamp == "1704067201" {
		t.Error("raw epoch value must not be stored")
	}
}

func TestHandleMessageFillsTimestamp(t *testing.T) {
	var got store.Message
	c := testChannel(channels.Callbacks{
		OnMessage: func(jid string, msg store.Message) { got = msg },
	})
	c.handleFrame(frame{Type: "message", ID: "m1", Chat: "g1@g.us", Content: "x"})
	if got.Timestamp == "" {
		t.Error("missing bridge timestamp must be filled in")
	}
}

func TestReadyFrameCapturesOwnJID(t *testing.T) {
	c := testChannel(channels.Callbacks{})
	c.handleFrame(frame{Type: "ready", JID: "4915550000000@s.whatsapp.net"})
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ownJID != "4915550000000@s.whatsapp.net" {
		t.Errorf("ownJID = %q", c.ownJID)
	}
}
