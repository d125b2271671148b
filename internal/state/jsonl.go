package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// JSONLLog is an append-only JSONL file guarded by its own mutex, used for
// the budget ledger (logs/events.jsonl), chat transcript (logs/chat.jsonl),
// supervisor diagnostics (logs/supervisor.jsonl), and per-task owner
// mailboxes (memory/owner_mailbox/<task_id>.jsonl) — all named in spec §6's
// persisted layout. Grounded on the teacher's internal/audit/audit.go
// append-and-redact idiom.
type JSONLLog struct {
	path string
	mu   sync.Mutex
}

// OpenJSONLLog returns a JSONLLog appending to path (relative to root).
func (s *Store) OpenJSONLLog(relPath string) *JSONLLog {
	return &JSONLLog{path: filepath.Join(s.root, relPath)}
}

// Append marshals record as one JSON line and appends it to the log file.
func (l *JSONLLog) Append(record any) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", l.path, err)
	}
	defer f.Close()

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append %s: %w", l.path, err)
	}
	return nil
}

// RotateIfNeeded renames the log to <name>.1.jsonl if it exceeds
// sizeThreshold bytes, per spec §4.1's rotate_if_needed operation.
func (l *JSONLLog) RotateIfNeeded(sizeThreshold int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	info, err := os.Stat(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat %s: %w", l.path, err)
	}
	if info.Size() < sizeThreshold {
		return nil
	}

	rotated := l.path + ".1"
	_ = os.Remove(rotated)
	if err := os.Rename(l.path, rotated); err != nil {
		return fmt.Errorf("rotate %s: %w", l.path, err)
	}
	return nil
}

// ReadAll parses every complete JSON line in the log into records via fn.
// Readers tolerate a partial last line (spec §5 "the budget ledger is
// append-only; readers tolerate partial last lines") by skipping any line
// that fails to unmarshal only if it is the final line in the file.
func (l *JSONLLog) ReadAll(fn func(line []byte) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", l.path, err)
	}

	lines := splitLines(data)
	for i, line := range lines {
		if len(line) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			if i == len(lines)-1 && !json.Valid(line) {
				// Tolerate a partial last line from a crash mid-append.
				return nil
			}
			return err
		}
	}
	return nil
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			lines = append(lines, data[start:i])
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}
