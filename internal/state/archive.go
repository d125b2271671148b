package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ArchivedTask is a terminal task record written to archive/tasks/<id>.json
// per spec §6's persisted layout — the crash-safe source of truth for
// get_task_result/wait_for_task (spec §3 Task lifecycle).
type ArchivedTask struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Status     string    `json:"status"`
	Result     string    `json:"result"`
	WorkerID   string    `json:"worker_id,omitempty"`
	Attempts   int       `json:"attempts"`
	ArchivedAt time.Time `json:"archived_at"`
}

// Archive stores terminal task records as individual JSON files (the
// literal, mandatory persisted layout) plus a secondary SQLite index
// (archive/index.db) that makes get_task_result/wait_for_task sub-linear
// instead of scanning the directory. The index is purely derived: it is
// rebuilt from the JSON files by Reindex and is never the sole record of a
// terminal task, so a corrupt or missing index.db never loses data — it
// just falls back to the directory scan.
//
// Schema versioning follows the teacher's internal/persistence/store.go
// convention of an explicit version+checksum pair gating migrations,
// scaled down to the one table this archive actually needs.
type Archive struct {
	dir string
	mu  sync.Mutex
	db  *sql.DB
}

const (
	archiveSchemaVersion  = 1
	archiveSchemaChecksum = "ouroboros-archive-v1"
)

// OpenArchive opens (creating if needed) the archive directory and its
// SQLite index under root/archive.
func OpenArchive(root string) (*Archive, error) {
	dir := filepath.Join(root, "archive", "tasks")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	dbPath := filepath.Join(root, "archive", "index.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open archive index: %w", err)
	}
	a := &Archive{dir: dir, db: db}
	if err := a.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

func (a *Archive) migrate() error {
	_, err := a.db.Exec(`
CREATE TABLE IF NOT EXISTS schema_meta (version INTEGER NOT NULL, checksum TEXT NOT NULL);
CREATE TABLE IF NOT EXISTS archived_tasks (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	status TEXT NOT NULL,
	worker_id TEXT,
	attempts INTEGER NOT NULL,
	archived_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_archived_tasks_status ON archived_tasks(status);
`)
	if err != nil {
		return fmt.Errorf("migrate archive schema: %w", err)
	}
	var count int
	if err := a.db.QueryRow(`SELECT COUNT(*) FROM schema_meta`).Scan(&count); err != nil {
		return fmt.Errorf("check archive schema_meta: %w", err)
	}
	if count == 0 {
		_, err = a.db.Exec(`INSERT INTO schema_meta(version, checksum) VALUES (?, ?)`, archiveSchemaVersion, archiveSchemaChecksum)
		if err != nil {
			return fmt.Errorf("seed archive schema_meta: %w", err)
		}
	}
	return nil
}

// Close closes the SQLite index handle.
func (a *Archive) Close() error {
	return a.db.Close()
}

func (a *Archive) taskPath(id string) string {
	return filepath.Join(a.dir, id+".json")
}

// Put writes the terminal task record to its JSON file and upserts the
// SQLite index row. The JSON write is the durability boundary: if the
// index upsert fails, the record is still recoverable via Reindex.
func (a *Archive) Put(ctx context.Context, task ArchivedTask) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	data, err := json.MarshalIndent(task, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal archived task: %w", err)
	}
	if err := writeFileAtomic(a.taskPath(task.ID), data); err != nil {
		return err
	}

	_, err = a.db.ExecContext(ctx, `
INSERT INTO archived_tasks(id, type, status, worker_id, attempts, archived_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET type=excluded.type, status=excluded.status,
	worker_id=excluded.worker_id, attempts=excluded.attempts, archived_at=excluded.archived_at
`, task.ID, task.Type, task.Status, task.WorkerID, task.Attempts, task.ArchivedAt)
	if err != nil {
		return fmt.Errorf("index archived task: %w", err)
	}
	return nil
}

// Get implements get_task_result: read the JSON file directly (it is the
// source of truth) rather than trusting the index for the result payload.
func (a *Archive) Get(id string) (ArchivedTask, bool, error) {
	data, err := os.ReadFile(a.taskPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return ArchivedTask{}, false, nil
		}
		return ArchivedTask{}, false, fmt.Errorf("read archived task %s: %w", id, err)
	}
	var task ArchivedTask
	if err := json.Unmarshal(data, &task); err != nil {
		return ArchivedTask{}, false, fmt.Errorf("parse archived task %s: %w", id, err)
	}
	return task, true, nil
}

// ListByStatus queries the index for ids matching status, falling back to
// nil (caller can Reindex and retry) rather than erroring the caller out
// of a working get_task_result path.
func (a *Archive) ListByStatus(ctx context.Context, status string) ([]string, error) {
	rows, err := a.db.QueryContext(ctx, `SELECT id FROM archived_tasks WHERE status = ? ORDER BY archived_at ASC`, status)
	if err != nil {
		return nil, fmt.Errorf("query archive index: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Reindex rebuilds the SQLite index entirely from the JSON archive files,
// for use after a corrupted index.db or a manual restore.
func (a *Archive) Reindex(ctx context.Context) error {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return fmt.Errorf("read archive dir: %w", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM archived_tasks`); err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(a.dir, entry.Name()))
		if err != nil {
			continue
		}
		var task ArchivedTask
		if err := json.Unmarshal(data, &task); err != nil {
			continue
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO archived_tasks(id, type, status, worker_id, attempts, archived_at)
VALUES (?, ?, ?, ?, ?, ?)`, task.ID, task.Type, task.Status, task.WorkerID, task.Attempts, task.ArchivedAt)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
