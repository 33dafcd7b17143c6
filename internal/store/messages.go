package store

import (
	"fmt"
	"strings"
)

// StoreChatMetadata upserts chat metadata. last_message_time only advances
// (max of existing and ts); name replaces the stored one only when non-empty.
func (s *Store) StoreChatMetadata(jid, ts, name, channelTag string, isGroup bool) error {
	_, err := s.db.Exec(`
		INSERT INTO chats (jid, name, channel_tag, is_group, last_message_time)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(jid) DO UPDATE SET
			name              = CASE WHEN excluded.name != '' THEN excluded.name ELSE chats.name END,
			channel_tag       = excluded.channel_tag,
			is_group          = excluded.is_group,
			last_message_time = MAX(chats.last_message_time, excluded.last_message_time)`,
		jid, name, channelTag, boolInt(isGroup), ts)
	if err != nil {
		return fmt.Errorf("store chat metadata %s: %w", jid, err)
	}
	return nil
}

// StoreMessage upserts a message keyed on (chat_jid, id). REPLACE semantics:
// redelivery is idempotent and an edited message with the same id overwrites
// the stored content.
func (s *Store) StoreMessage(m Message) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO messages
			(chat_jid, id, sender, sender_name, content, timestamp, is_from_me, is_bot_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ChatJID, m.ID, m.Sender, m.SenderName, m.Content, m.Timestamp,
		boolInt(m.IsFromMe), boolInt(m.IsBotMessage))
	if err != nil {
		return fmt.Errorf("store message %s/%s: %w", m.ChatJID, m.ID, err)
	}
	return nil
}

// GetMessagesSince returns messages for jid strictly newer than sinceTS,
// oldest first. Bot-authored rows are excluded via the is_bot_message flag;
// the assistant-name content prefix is a second filter kept for rows written
// before the flag existed. Empty content is excluded.
func (s *Store) GetMessagesSince(jid, sinceTS, assistantName string) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT chat_jid, id, sender, sender_name, content, timestamp, is_from_me, is_bot_message
		FROM messages
		WHERE chat_jid = ?
		  AND timestamp > ?
		  AND is_bot_message = 0
		  AND content != ''
		  AND content NOT LIKE ? ESCAPE '\'
		ORDER BY timestamp ASC`,
		jid, sinceTS, likePrefix(assistantName+": "))
	if err != nil {
		return nil, fmt.Errorf("query messages since %s: %w", jid, err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// NewMessages bundles GetNewMessages results: the union of unprocessed
// messages and the max timestamp observed across them.
type NewMessages struct {
	Messages     []Message
	NewTimestamp string
}

// GetNewMessages returns the union of GetMessagesSince over a JID set.
// NewTimestamp is empty when no rows match.
func (s *Store) GetNewMessages(jids []string, sinceTS, assistantName string) (NewMessages, error) {
	if len(jids) == 0 {
		return NewMessages{}, nil
	}
	placeholders := strings.Repeat("?,", len(jids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(jids)+2)
	for _, j := range jids {
		args = append(args, j)
	}
	args = append(args, sinceTS, likePrefix(assistantName+": "))

	rows, err := s.db.Query(`
		SELECT chat_jid, id, sender, sender_name, content, timestamp, is_from_me, is_bot_message
		FROM messages
		WHERE chat_jid IN (`+placeholders+`)
		  AND timestamp > ?
		  AND is_bot_message = 0
		  AND content != ''
		  AND content NOT LIKE ? ESCAPE '\'
		ORDER BY timestamp ASC`, args...)
	if err != nil {
		return NewMessages{}, fmt.Errorf("query new messages: %w", err)
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return NewMessages{}, err
	}
	out := NewMessages{Messages: msgs}
	for _, m := range msgs {
		if m.Timestamp > out.NewTimestamp {
			out.NewTimestamp = m.Timestamp
		}
	}
	return out, nil
}

// UpdateChatName sets the display name for a chat.
func (s *Store) UpdateChatName(jid, name string) error {
	_, err := s.db.Exec(`UPDATE chats SET name = ? WHERE jid = ?`, name, jid)
	if err != nil {
		return fmt.Errorf("update chat name %s: %w", jid, err)
	}
	return nil
}

// GetAllChats returns every chat ordered by most recent activity.
func (s *Store) GetAllChats() ([]Chat, error) {
	rows, err := s.db.Query(`
		SELECT jid, name, channel_tag, is_group, last_message_time
		FROM chats ORDER BY last_message_time DESC`)
	if err != nil {
		return nil, fmt.Errorf("query chats: %w", err)
	}
	defer rows.Close()

	var chats []Chat
	for rows.Next() {
		var c Chat
		var isGroup int
		if err := rows.Scan(&c.JID, &c.Name, &c.ChannelTag, &isGroup, &c.LastMessageTime); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		c.IsGroup = isGroup != 0
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanMessages(rows rowScanner) ([]Message, error) {
	var msgs []Message
	for rows.Next() {
		var m Message
		var fromMe, bot int
		if err := rows.Scan(&m.ChatJID, &m.ID, &m.Sender, &m.SenderName, &m.Content, &m.Timestamp, &fromMe, &bot); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.IsFromMe = fromMe != 0
		m.IsBotMessage = bot != 0
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// likePrefix escapes LIKE metacharacters in prefix and appends the wildcard.
func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}
