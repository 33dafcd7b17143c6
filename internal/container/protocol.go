package container

import (
	"encoding/json"
	"fmt"
)

// Record kinds emitted by the agent on stdout, one JSON object per line.
const (
	recordResult  = "result"
	recordStatus  = "status"
	recordTyping  = "typing"
	recordSession = "session"
)

// record is the agent wire protocol envelope. Fields beyond the kind's own
// are left zero; unknown kinds are tolerated by the caller.
type record struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	Status    string `json:"status,omitempty"`
	Error     string `json:"error,omitempty"`
	On        bool   `json:"on,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// parseRecord decodes one stdout line. A syntactically invalid line is a
// protocol error; an unknown type is not.
func parseRecord(line []byte) (record, error) {
	var r record
	if err := json.Unmarshal(line, &r); err != nil {
		return record{}, fmt.Errorf("malformed agent record: %w", err)
	}
	if r.Type == "" {
		return record{}, fmt.Errorf("agent record missing type")
	}
	return r, nil
}

// secretsPayload is the single JSON object written to the agent's stdin at
// spawn. Secrets travel this way only: never env vars, never argv.
type secretsPayload struct {
	Secrets   map[string]string `json:"secrets"`
	SessionID string            `json:"sessionId,omitempty"`
	Group     string            `json:"group"`
	IsTask    bool              `json:"isTask,omitempty"`
}
