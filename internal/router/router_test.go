package router

import (
	"context"
	"strings"
	"testing"

	"github.com/andylabs/andbot/internal/channels"
)

// stubChannel owns JIDs with a fixed prefix or suffix.
type stubChannel struct {
	name   string
	prefix string
	suffix string
}

func (s *stubChannel) Name() string { return s.name }
func (s *stubChannel) Connect(context.Context) error { return nil }
func (s *stubChannel) Disconnect(context.Context) error { return nil }
func (s *stubChannel) IsConnected() bool { return true }
func (s *stubChannel) OwnsJID(jid string) bool {
	if s.prefix != "" {
		return strings.HasPrefix(jid, s.prefix)
	}
	return strings.HasSuffix(jid, s.suffix)
}
func (s *stubChannel) SendMessage(context.Context, string, string) error { return nil }
func (s *stubChannel) SetTyping(context.Context, string, bool) error { return nil }

func TestFindChannel(t *testing.T) {
	wa := &stubChannel{name: "whatsapp", suffix: "@g.us"}
	sl := &stubChannel{name: "slack", prefix: "slack:"}
	ml := &stubChannel{name: "mail", prefix: "gmail:"}
	chs := []channels.Channel{wa, sl, ml}

	tests := []struct {
		jid  string
		want string
	}{
		{"g1@g.us", "whatsapp"},
		{"slack:C1", "slack"},
		{"gmail:a@b.com", "mail"},
		{"telegram:123", ""},
	}
	for _, tt := range tests {
		got := FindChannel(chs, tt.jid)
		if tt.want == "" {
			if got != nil {
				t.Errorf("FindChannel(%q) = %s, want nil", tt.jid, got.Name())
			}
			continue
		}
		if got == nil || got.Name() != tt.want {
			t.Errorf("FindChannel(%q) = %v, want %s", tt.jid, got, tt.want)
		}
	}
}

func TestFormatOutgoing(t *testing.T) {
	if got := FormatOutgoing("hello", "Andy"); got != "Andy: hello" {
		t.Errorf("FormatOutgoing = %q", got)
	}
	// Already-prefixed text is left alone.
	if got := FormatOutgoing("Andy: hello", "Andy"); got != "Andy: hello" {
		t.Errorf("FormatOutgoing double-prefixed: %q", got)
	}
}

func TestSplitForLength(t *testing.T) {
	text := strings.Repeat("abc ", 100)
	parts := SplitForLength(text, 64)
	if strings.Join(parts, "") != text {
		t.Error("split parts must concatenate to the input")
	}
	for _, p := range parts {
		if len([]rune(p)) > 64 {
			t.Errorf("part exceeds limit: %d runes", len([]rune(p)))
		}
	}
}
