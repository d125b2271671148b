// Package audit records refusal and safety-gate decisions the supervisor
// makes on the owner's behalf: a protected-file write a task attempted
// and git ops blocked, an owner message the prompt-injection sanitizer
// withheld, a panic/restart command that tore down running work. One
// JSONL record per decision, append-only.
//
// Grounded on the teacher's internal/audit/audit.go append-and-redact
// idiom, generalized from capability/policy decisions (this repo has no
// capability policy engine) to the refusal events spec.md's safety-gated
// components actually produce.
package audit

import (
	"sync/atomic"
	"time"

	"github.com/ouroboros-agent/ouroboros/internal/shared"
	"github.com/ouroboros-agent/ouroboros/internal/state"
)

// Decision values recorded by Logger.Record, mirroring internal/safety's
// Action vocabulary plus "deny" for gates that have no warn state (git
// ops' protected-file refusal, the command surface's /panic).
const (
	DecisionAllow = "allow"
	DecisionWarn  = "warn"
	DecisionDeny  = "deny"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Decision  string `json:"decision"`
	Category  string `json:"category"`
	Reason    string `json:"reason"`
	Subject   string `json:"subject,omitempty"`
}

// Logger appends refusal/safety-gate entries to logs/audit.jsonl.
// Unlike the teacher's package-level global, each supervisor instance
// owns its own Logger bound to its state store.
type Logger struct {
	log       *state.JSONLLog
	denyCount atomic.Int64
}

// New opens a Logger backed by the store's logs/audit.jsonl.
func New(store *state.Store) *Logger {
	return &Logger{log: store.OpenJSONLLog("logs/audit.jsonl")}
}

// DenyCount returns the total number of deny decisions recorded since
// this Logger was constructed.
func (l *Logger) DenyCount() int64 {
	return l.denyCount.Load()
}

// Record appends one audit entry. decision is one of the Decision*
// constants; category names the guarded concern (e.g.
// "protected_file_write", "owner_message", "command.panic"); subject
// identifies what the decision was about (a file path, a task ID, a
// chat ID) and, like reason, is redacted before persistence.
func (l *Logger) Record(decision, category, reason, subject string) error {
	if decision == DecisionDeny {
		l.denyCount.Add(1)
	}
	reason = shared.Redact(reason)
	subject = shared.Redact(subject)

	ev := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Decision:  decision,
		Category:  category,
		Reason:    reason,
		Subject:   subject,
	}
	return l.log.Append(ev)
}
