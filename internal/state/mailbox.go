package state

import (
	"encoding/json"
	"fmt"
	"path/filepath"
)

// MailboxMessage is one owner message addressed to a task (spec §3
// "Per-task mailbox", §4.6).
type MailboxMessage struct {
	MsgID string `json:"msg_id"`
	Text  string `json:"text"`
	Image string `json:"image,omitempty"`
}

// Mailbox is the append-only per-task owner-message log at
// memory/owner_mailbox/<task_id>.jsonl.
type Mailbox struct {
	log *JSONLLog
}

// Mailbox returns the Mailbox for the given task id.
func (s *Store) Mailbox(taskID string) *Mailbox {
	return &Mailbox{log: s.OpenJSONLLog(filepath.Join("memory", "owner_mailbox", taskID+".jsonl"))}
}

// Append writes one message to the mailbox.
func (m *Mailbox) Append(msg MailboxMessage) error {
	if msg.MsgID == "" {
		return fmt.Errorf("mailbox message missing msg_id")
	}
	return m.log.Append(msg)
}

// Drain returns every message not already present in seen (keyed by
// MsgID), and adds their ids to seen so a second Drain call with the same
// set returns nothing new — the idempotent-redelivery invariant from spec
// §8 property 7 and scenario S4.
func (m *Mailbox) Drain(seen map[string]struct{}) ([]MailboxMessage, error) {
	if seen == nil {
		return nil, fmt.Errorf("seen set must not be nil")
	}
	var out []MailboxMessage
	err := m.log.ReadAll(func(line []byte) error {
		var msg MailboxMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			return err
		}
		if _, ok := seen[msg.MsgID]; ok {
			return nil
		}
		seen[msg.MsgID] = struct{}{}
		out = append(out, msg)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
