package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ouroboros-agent/ouroboros/internal/state"
)

func newTestLogger(t *testing.T) (*Logger, string) {
	t.Helper()
	home := t.TempDir()
	store, err := state.Open(home)
	require.NoError(t, err)
	return New(store), home
}

func TestRecordWritesAuditEntry(t *testing.T) {
	l, home := newTestLogger(t)

	require.NoError(t, l.Record(DecisionDeny, "protected_file_write", "refused by git ops", "task-1"))
	require.NoError(t, l.Record(DecisionAllow, "owner_message", "clean", "chat-42"))

	path := filepath.Join(home, "logs", "audit.jsonl")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 2)

	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.Equal(t, DecisionDeny, first["decision"])
	require.Equal(t, "protected_file_write", first["category"])
	require.NotEmpty(t, first["reason"])
	require.NotEmpty(t, first["timestamp"])
}

func TestRecordTracksDenyCount(t *testing.T) {
	l, _ := newTestLogger(t)

	require.NoError(t, l.Record(DecisionAllow, "owner_message", "clean", "chat-1"))
	require.NoError(t, l.Record(DecisionDeny, "protected_file_write", "blocked", "task-1"))
	require.NoError(t, l.Record(DecisionWarn, "owner_message", "suspicious marker", "chat-1"))
	require.NoError(t, l.Record(DecisionDeny, "command.panic", "owner invoked /panic", "chat-1"))

	require.EqualValues(t, 2, l.DenyCount())
}

func TestRecordIsAppendOnly(t *testing.T) {
	l, home := newTestLogger(t)
	path := filepath.Join(home, "logs", "audit.jsonl")

	require.NoError(t, l.Record(DecisionAllow, "owner_message", "first", "chat-1"))
	info1, err := os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, l.Record(DecisionAllow, "owner_message", "second", "chat-1"))
	info2, err := os.Stat(path)
	require.NoError(t, err)

	require.Greater(t, info2.Size(), info1.Size())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 2)
	for _, line := range lines {
		var e map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &e))
		require.Contains(t, e, "timestamp")
		require.Contains(t, e, "decision")
	}
}

func TestRecordRedactsSecretsInReason(t *testing.T) {
	l, home := newTestLogger(t)

	require.NoError(t, l.Record(DecisionDeny, "protected_file_write", "api_key=sk-aaaabbbbccccddddeeeeffff", "task-1"))

	raw, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	require.NoError(t, err)
	require.Contains(t, string(raw), "[REDACTED]")
	require.NotContains(t, string(raw), "sk-aaaabbbbccccddddeeeeffff")
}
