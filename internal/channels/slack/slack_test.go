package slack

import (
	"strings"
	"testing"

	"github.com/andylabs/andbot/internal/channels"
	"github.com/andylabs/andbot/internal/store"
)

func testChannel(cb channels.Callbacks) *Channel {
	return &Channel{
		Base:    channels.NewBase("slack", cb, maxMessageLen, 0),
		trigger: "Andy",
	}
}

func TestOwnsJID(t *testing.T) {
	c := testChannel(channels.Callbacks{})
	if !c.OwnsJID("slack:C12345") {
		t.Error("slack: prefix must be owned")
	}
	if c.OwnsJID("g1@g.us") || c.OwnsJID("gmail:x@y.com") {
		t.Error("foreign JIDs must not be owned")
	}
}

func TestRewriteMentions(t *testing.T) {
	c := testChannel(channels.Callbacks{})
	tests := []struct {
		name    string
		text    string
		botUser string
		want    string
	}{
		{
			name:    "bot mention becomes trigger",
			text:    "<@UBOT123> what is up",
			botUser: "UBOT123",
			want:    "@Andy what is up",
		},
		{
			name:    "other user keeps id",
			text:    "ask <@UOTHER9> instead",
			botUser: "UBOT123",
			want:    "ask @UOTHER9 instead",
		},
		{
			name:    "unknown bot user leaves ids",
			text:    "<@UBOT123> hello",
			botUser: "",
			want:    "@UBOT123 hello",
		},
		{
			name:    "no mentions untouched",
			text:    "plain text",
			botUser: "UBOT123",
			want:    "plain text",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.rewriteMentions(tt.text, tt.botUser); got != tt.want {
				t.Errorf("rewriteMentions(%q) = %q, want %q", tt.text, got, tt.want)
			}
		})
	}
}

func TestSlackTSToTime(t *testing.T) {
	if got := slackTSToTime("1704067201.000200"); got != "2024-01-01T00:00:01.000200Z" {
		t.Errorf("slackTSToTime = %q", got)
	}
	if got := slackTSToTime("1704067201"); got != "2024-01-01T00:00:01.000000Z" {
		t.Errorf("whole-second ts = %q", got)
	}
	// The fractional part disambiguates messages within one second; losing
	// it would make the second message invisible to the exclusive cursor.
	a := slackTSToTime("1704067201.000200")
	b := slackTSToTime("1704067201.000300")
	if !(a < b) {
		t.Errorf("same-second ordering lost: %q !< %q", a, b)
	}
	// Garbage falls back to a current timestamp rather than failing.
	if got := slackTSToTime("not-a-ts"); !strings.HasSuffix(got, "Z") {
		t.Errorf("fallback timestamp not UTC: %q", got)
	}
}

func TestHandleMessageMarksBotEcho(t *testing.T) {
	var got store.Message
	c := testChannel(channels.Callbacks{
		OnMessage: func(jid string, msg store.Message) { got = msg },
	})
	c.botUserID = "UBOT123"

	c.handleMessage(event{Type: "message", Channel: "C1", User: "UBOT123", Text: "echo", TS: "1704067201.000200"})
	if !got.IsBotMessage || !got.IsFromMe {
		t.Errorf("self-authored message not flagged: %+v", got)
	}
	if got.ChatJID != "slack:C1" {
		t.Errorf("ChatJID = %q", got.ChatJID)
	}

	c.handleMessage(event{Type: "message", Channel: "C1", User: "UHUMAN", Text: "hi", TS: "1704067202.000200"})
	if got.IsBotMessage {
		t.Errorf("human message flagged as bot: %+v", got)
	}
	if got.ID != "1704067202.000200" {
		t.Errorf("message ID should fall back to ts, got %q", got.ID)
	}
}
