package queue

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ouroboros-agent/ouroboros/internal/state"
)

// ErrDuplicateTask is returned by Enqueue when a non-terminal sibling
// already holds the same dedup_key.
var ErrDuplicateTask = fmt.Errorf("task with same dedup_key is already pending or running")

// Deadlines bounds the soft/hard timeout window applied to a newly
// enqueued task when it does not specify its own.
type Deadlines struct {
	Soft time.Duration
	Hard time.Duration
}

// Queue holds the pending ordered list and the running map, backed by a
// disk snapshot (spec §4.4).
type Queue struct {
	mu sync.Mutex

	pending []*Task
	running map[string]*Task // worker_id -> task
	dedup   map[string]*Task // dedup_key -> task, non-terminal only

	now func() time.Time
}

// New returns an empty Queue. now defaults to time.Now if nil, overridable
// for deterministic tests.
func New(now func() time.Time) *Queue {
	if now == nil {
		now = time.Now
	}
	return &Queue{
		running: make(map[string]*Task),
		dedup:   make(map[string]*Task),
		now:     now,
	}
}

// NewTask constructs a Task with a generated id and enqueued_at set to
// now. d.Soft/d.Hard are recorded but not yet applied — a pending task
// does not age toward a deadline; MarkRunning stamps soft_deadline and
// hard_deadline relative to the moment the task actually starts running
// (spec §4.4: both deadlines are measured from started_at, not from
// enqueue time).
func NewTask(kind Kind, priority int, payload Payload, dedupKey string, now time.Time, d Deadlines) *Task {
	return &Task{
		ID:          uuid.NewString(),
		Kind:        kind,
		Priority:    priority,
		Payload:     payload,
		EnqueuedAt:  now,
		SoftTimeout: d.Soft,
		HardTimeout: d.Hard,
		Status:      StatusPending,
		DedupKey:    dedupKey,
	}
}

// Enqueue inserts t into the pending list, re-sorted by (priority ASC,
// enqueued_at ASC). Rejects duplicates by dedup_key while a non-terminal
// sibling exists, per spec §3's invariant.
func (q *Queue) Enqueue(t *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if t.DedupKey != "" {
		if _, exists := q.dedup[t.DedupKey]; exists {
			return ErrDuplicateTask
		}
	}
	t.Status = StatusPending
	q.pending = append(q.pending, t)
	sort.SliceStable(q.pending, func(i, j int) bool { return q.pending[i].before(q.pending[j]) })
	if t.DedupKey != "" {
		q.dedup[t.DedupKey] = t
	}
	return nil
}

// Cancel removes t from pending immediately, or — if running — leaves it
// in place for the caller to signal cooperatively; the caller must call
// AcknowledgeCancel once the worker confirms.
func (q *Queue) Cancel(taskID string) (found bool, wasRunning bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, t := range q.pending {
		if t.ID == taskID {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			t.Status = StatusCancelled
			q.clearDedup(t)
			return true, false
		}
	}
	for _, t := range q.running {
		if t.ID == taskID {
			return true, true
		}
	}
	return false, false
}

// AcknowledgeCancel marks a running task cancelled once its worker
// acknowledges the cooperative cancel signal, and frees the worker slot.
func (q *Queue) AcknowledgeCancel(workerID string) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.running[workerID]
	if !ok {
		return nil, fmt.Errorf("no running task for worker %s", workerID)
	}
	if !canTransition(t.Status, StatusCancelled) {
		return nil, fmt.Errorf("cannot cancel task %s from status %s", t.ID, t.Status)
	}
	t.Status = StatusCancelled
	delete(q.running, workerID)
	q.clearDedup(t)
	return t, nil
}

func (q *Queue) clearDedup(t *Task) {
	if t.DedupKey == "" {
		return
	}
	if existing, ok := q.dedup[t.DedupKey]; ok && existing == t {
		delete(q.dedup, t.DedupKey)
	}
}

// AssignNext pops the highest-priority pending task (if any) and assigns
// it to workerID, moving it into the running map. Pop-and-assign happens
// under the same lock so the queue never observes a task as neither
// pending nor running (spec §3's XOR invariant).
func (q *Queue) AssignNext(workerID string) (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return nil, false
	}
	if _, busy := q.running[workerID]; busy {
		return nil, false
	}
	t := q.pending[0]
	q.pending = q.pending[1:]
	t.Status = StatusAssigned
	t.WorkerID = workerID
	q.running[workerID] = t
	return t, true
}

// MarkRunning transitions an assigned task to running once the worker
// confirms dispatch, stamping soft_deadline/hard_deadline as started_at
// (now) plus the task's configured soft/hard timeout. This is the one
// and only place deadlines are computed — a task that waited a long
// time in pending gets the full window once it actually starts.
func (q *Queue) MarkRunning(workerID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.running[workerID]
	if !ok {
		return fmt.Errorf("no task assigned to worker %s", workerID)
	}
	if !canTransition(t.Status, StatusRunning) {
		return fmt.Errorf("cannot mark task %s running from status %s", t.ID, t.Status)
	}
	t.Status = StatusRunning
	now := q.now()
	if t.SoftTimeout > 0 {
		t.SoftDeadline = now.Add(t.SoftTimeout)
	}
	if t.HardTimeout > 0 {
		t.HardDeadline = now.Add(t.HardTimeout)
	}
	return nil
}

// Complete moves a running task to a terminal status (done or failed),
// recording result, and frees the worker slot.
func (q *Queue) Complete(workerID string, status Status, result string) (*Task, error) {
	if status != StatusDone && status != StatusFailed {
		return nil, fmt.Errorf("Complete only accepts done or failed, got %s", status)
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.running[workerID]
	if !ok {
		return nil, fmt.Errorf("no running task for worker %s", workerID)
	}
	if !canTransition(t.Status, status) {
		return nil, fmt.Errorf("cannot transition task %s from %s to %s", t.ID, t.Status, status)
	}
	t.Status = status
	t.Result = result
	delete(q.running, workerID)
	q.clearDedup(t)
	return t, nil
}

// TimeoutReport is the result of a single EnforceTimeouts pass.
type TimeoutReport struct {
	// SoftWarned holds tasks that just crossed their soft deadline for
	// the first time (emit a one-shot warning for these).
	SoftWarned []*Task
	// HardTimedOut holds tasks that crossed their hard deadline; their
	// worker must be killed and the slot respawned by the caller.
	HardTimedOut []*Task
}

// EnforceTimeouts scans every running task against its deadlines (spec
// §4.4). Soft-deadline crossings are reported once per task. A
// hard-deadline crossing marks the task timed_out and removes it from
// running — the caller (worker pool) is responsible for actually killing
// the worker process and respawning the slot.
func (q *Queue) EnforceTimeouts() TimeoutReport {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var report TimeoutReport
	for workerID, t := range q.running {
		if !t.HardDeadline.IsZero() && !now.Before(t.HardDeadline) {
			t.Status = StatusTimedOut
			delete(q.running, workerID)
			q.clearDedup(t)
			report.HardTimedOut = append(report.HardTimedOut, t)
			continue
		}
		if !t.softWarned && !t.SoftDeadline.IsZero() && !now.Before(t.SoftDeadline) {
			t.softWarned = true
			report.SoftWarned = append(report.SoftWarned, t)
		}
	}
	return report
}

// EvolutionParams configures EnqueueEvolutionIfNeeded's decision.
type EvolutionParams struct {
	Enabled           bool
	LastEvolutionAt   time.Time
	Period            time.Duration
	SpentSinceLastUSD float64
	CostThreshold     float64
	// Priority should be set higher (less urgent) than owner chat/task
	// kinds, per spec §4.4's tie-break rule that background work yields
	// to owner interaction at the next assignment opportunity.
	Priority  int
	Deadlines Deadlines
}

// EnqueueEvolutionIfNeeded enqueues a KindEvolution task when enabled,
// the configured period has elapsed since the last tick, and enough has
// been spent since then — unless one is already pending or running
// (spec §4.4: "at most one concurrent").
func (q *Queue) EnqueueEvolutionIfNeeded(p EvolutionParams) (enqueued bool, err error) {
	now := q.now()
	if !p.Enabled {
		return false, nil
	}
	if now.Sub(p.LastEvolutionAt) < p.Period {
		return false, nil
	}
	if p.SpentSinceLastUSD < p.CostThreshold {
		return false, nil
	}
	if q.hasActiveKind(KindEvolution) {
		return false, nil
	}
	t := NewTask(KindEvolution, p.Priority, Payload{}, "", now, p.Deadlines)
	if err := q.Enqueue(t); err != nil {
		return false, err
	}
	return true, nil
}

func (q *Queue) hasActiveKind(kind Kind) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range q.pending {
		if t.Kind == kind {
			return true
		}
	}
	for _, t := range q.running {
		if t.Kind == kind {
			return true
		}
	}
	return false
}

// Snapshot serializes {pending, running} for disk persistence.
func (q *Queue) Snapshot() (state.QueueSnapshot, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	snap := state.QueueSnapshot{Running: make(map[string]json.RawMessage, len(q.running))}
	for _, t := range q.pending {
		raw, err := json.Marshal(t)
		if err != nil {
			return state.QueueSnapshot{}, fmt.Errorf("marshal pending task %s: %w", t.ID, err)
		}
		snap.Pending = append(snap.Pending, raw)
	}
	for workerID, t := range q.running {
		raw, err := json.Marshal(t)
		if err != nil {
			return state.QueueSnapshot{}, fmt.Errorf("marshal running task %s: %w", t.ID, err)
		}
		snap.Running[workerID] = raw
	}
	return snap, nil
}

// Restore repopulates pending from snap. Running is intentionally never
// restored (spec §4.4): those tasks are considered lost, and it is the
// caller's decision whether/how to re-enqueue them (see
// auto_resume_after_restart in internal/workerpool).
func (q *Queue) Restore(snap state.QueueSnapshot) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.pending = nil
	q.dedup = make(map[string]*Task)
	for _, raw := range snap.Pending {
		var t Task
		if err := json.Unmarshal(raw, &t); err != nil {
			return fmt.Errorf("unmarshal pending task: %w", err)
		}
		q.pending = append(q.pending, &t)
		if t.DedupKey != "" {
			q.dedup[t.DedupKey] = &t
		}
	}
	sort.SliceStable(q.pending, func(i, j int) bool { return q.pending[i].before(q.pending[j]) })
	return nil
}

// RestoredRunning parses snap.Running for visibility/diagnostics only —
// it is never fed back into Restore's live running map.
func RestoredRunning(snap state.QueueSnapshot) (map[string]Task, error) {
	out := make(map[string]Task, len(snap.Running))
	for workerID, raw := range snap.Running {
		var t Task
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, fmt.Errorf("unmarshal running task for %s: %w", workerID, err)
		}
		out[workerID] = t
	}
	return out, nil
}

// Pending returns a snapshot copy of the pending list for read-only
// inspection (diagnostics, /status).
func (q *Queue) Pending() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Task, len(q.pending))
	for i, t := range q.pending {
		out[i] = *t
	}
	return out
}

// Running returns a snapshot copy of the running map.
func (q *Queue) Running() map[string]Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]Task, len(q.running))
	for k, t := range q.running {
		out[k] = *t
	}
	return out
}
