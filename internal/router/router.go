// Package router maps JIDs to their owning channel and shapes outbound text.
package router

import (
	"strings"

	"github.com/andylabs/andbot/internal/channels"
)

// FindChannel returns the unique channel whose OwnsJID predicate accepts
// jid, or nil when none does. Ownership predicates are disjoint by
// contract, so the first match is the only match.
func FindChannel(chs []channels.Channel, jid string) channels.Channel {
	for _, ch := range chs {
		if ch.OwnsJID(jid) {
			return ch
		}
	}
	return nil
}

// FormatOutgoing prepends the "<name>: " prefix when not already present.
// Only used where the persistence layer relies on the prefix as a bot-row
// backstop; flag-marked messages do not need it.
func FormatOutgoing(text, assistantName string) string {
	prefix := assistantName + ": "
	if strings.HasPrefix(text, prefix) {
		return text
	}
	return prefix + text
}

// SplitForLength splits text into at most max-rune chunks whose
// concatenation equals the input.
func SplitForLength(text string, max int) []string {
	return channels.SplitMessage(text, max)
}
