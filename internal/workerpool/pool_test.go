package workerpool

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ouroboros-agent/ouroboros/internal/bus"
	"github.com/ouroboros-agent/ouroboros/internal/queue"
)

// stdinSink is a non-blocking io.WriteCloser standing in for a worker's
// stdin: Pool.dispatch writes synchronously under its own lock, and a
// real pipe would deadlock a single-goroutine test waiting to read it
// back out, so writes land directly in a guarded buffer instead.
type stdinSink struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (s *stdinSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *stdinSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stdinSink) next(t *testing.T) DispatchMessage {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	dec := json.NewDecoder(&s.buf)
	var msg DispatchMessage
	require.NoError(t, dec.Decode(&msg))
	return msg
}

// fakeWorker stands in for a worker subprocess: stdin is captured
// in-memory, stdout is a real pipe since Pool reads it in its own
// goroutine and emit() is expected to be called from the test goroutine.
type fakeWorker struct {
	stdin   *stdinSink
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
}

func newFakeWorker() *fakeWorker {
	outR, outW := io.Pipe()
	return &fakeWorker{stdin: &stdinSink{}, stdoutR: outR, stdoutW: outW}
}

// emit writes one JSONL worker event to the pool's stdout side.
func (f *fakeWorker) emit(t *testing.T, ev WorkerEvent) {
	t.Helper()
	raw, err := json.Marshal(ev)
	require.NoError(t, err)
	raw = append(raw, '\n')
	_, err = f.stdoutW.Write(raw)
	require.NoError(t, err)
}

func newTestPool(t *testing.T, q *queue.Queue, b *bus.Bus, workers map[string]*fakeWorker, clock func() time.Time) *Pool {
	launcher := func(ctx context.Context, workerID string) (*exec.Cmd, io.WriteCloser, io.ReadCloser, error) {
		fw := newFakeWorker()
		workers[workerID] = fw
		return &exec.Cmd{}, fw.stdin, fw.stdoutR, nil
	}
	return New(q, b, 50*time.Millisecond, 50*time.Millisecond, WithLauncher(launcher), WithClock(clock))
}

func TestSpawnWorkersCreatesIdleSlots(t *testing.T) {
	now := time.Now()
	q := queue.New(func() time.Time { return now })
	b := bus.New(nil)
	workers := make(map[string]*fakeWorker)
	p := newTestPool(t, q, b, workers, func() time.Time { return now })

	require.NoError(t, p.SpawnWorkers(context.Background(), 2))
	require.Len(t, p.SlotStates(), 2)
	for _, state := range p.SlotStates() {
		require.Equal(t, SlotIdle, state)
	}
}

func TestAssignTasksDispatchesToIdleSlotAndMarksBusy(t *testing.T) {
	now := time.Now()
	q := queue.New(func() time.Time { return now })
	b := bus.New(nil)
	workers := make(map[string]*fakeWorker)
	p := newTestPool(t, q, b, workers, func() time.Time { return now })

	require.NoError(t, p.SpawnWorkers(context.Background(), 1))
	tk := queue.NewTask(queue.KindTask, 1, queue.Payload{Prompt: "hi"}, "", now, queue.Deadlines{})
	require.NoError(t, q.Enqueue(tk))

	p.AssignTasks()

	states := p.SlotStates()
	require.Len(t, states, 1)
	for _, state := range states {
		require.Equal(t, SlotBusy, state)
	}
	require.Contains(t, q.Running(), "worker-1")

	fw := workers["worker-1"]
	require.NotNil(t, fw)
	msg := fw.stdin.next(t)
	require.Equal(t, tk.ID, msg.TaskID)
	require.Equal(t, "hi", msg.Payload.Prompt)
}

func TestAssignTasksNoopWhenNoIdleSlots(t *testing.T) {
	now := time.Now()
	q := queue.New(func() time.Time { return now })
	b := bus.New(nil)
	workers := make(map[string]*fakeWorker)
	p := newTestPool(t, q, b, workers, func() time.Time { return now })

	require.NoError(t, q.Enqueue(queue.NewTask(queue.KindTask, 1, queue.Payload{}, "", now, queue.Deadlines{})))
	p.AssignTasks()
	require.Len(t, q.Pending(), 1, "no idle slot exists yet, task stays pending")
}

func TestTaskDoneEventReturnsSlotToIdle(t *testing.T) {
	now := time.Now()
	q := queue.New(func() time.Time { return now })
	b := bus.New(nil)
	workers := make(map[string]*fakeWorker)
	p := newTestPool(t, q, b, workers, func() time.Time { return now })

	require.NoError(t, p.SpawnWorkers(context.Background(), 1))
	tk := queue.NewTask(queue.KindTask, 1, queue.Payload{}, "", now, queue.Deadlines{})
	require.NoError(t, q.Enqueue(tk))
	p.AssignTasks()

	fw := workers["worker-1"]
	payload, err := json.Marshal(bus.TaskDonePayload{Result: "ok"})
	require.NoError(t, err)
	fw.emit(t, WorkerEvent{Type: bus.TypeTaskDone, TaskID: tk.ID, Payload: payload})

	select {
	case ev := <-b.Events():
		require.Equal(t, bus.TypeTaskDone, ev.Type)
		require.Equal(t, tk.ID, ev.TaskID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for task_done on bus")
	}

	require.Eventually(t, func() bool {
		return p.SlotStates()["worker-1"] == SlotIdle
	}, time.Second, time.Millisecond)
}

func TestEnsureWorkersHealthyMarksStuckThenKills(t *testing.T) {
	now := time.Now()
	q := queue.New(func() time.Time { return now })
	b := bus.New(nil)
	workers := make(map[string]*fakeWorker)
	clockFn := func() time.Time { return now }
	p := newTestPool(t, q, b, workers, clockFn)

	require.NoError(t, p.SpawnWorkers(context.Background(), 1))
	tk := queue.NewTask(queue.KindTask, 1, queue.Payload{}, "", now, queue.Deadlines{})
	require.NoError(t, q.Enqueue(tk))
	p.AssignTasks()

	now = now.Add(100 * time.Millisecond)
	killed := p.EnsureWorkersHealthy(context.Background())
	require.Empty(t, killed, "first crossing marks stuck, does not kill yet")
	require.Equal(t, SlotStuck, p.SlotStates()["worker-1"])

	now = now.Add(100 * time.Millisecond)
	killed = p.EnsureWorkersHealthy(context.Background())
	require.Equal(t, []string{"worker-1"}, killed)
	require.Empty(t, p.SlotStates())
}

func TestAutoResumeAfterRestartBumpsAttemptsAndAbandonsPastLimit(t *testing.T) {
	now := time.Now()
	q := queue.New(func() time.Time { return now })
	b := bus.New(nil)
	p := New(q, b, time.Minute, time.Second, WithClock(func() time.Time { return now }))

	lost := map[string]queue.Task{
		"worker-1": {ID: "t1", Kind: queue.KindTask, Attempts: 1, Status: queue.StatusRunning},
		"worker-2": {ID: "t2", Kind: queue.KindTask, Attempts: 3, Status: queue.StatusRunning},
	}

	resumed, abandoned := p.AutoResumeAfterRestart(lost, 3)
	require.ElementsMatch(t, []string{"t1"}, resumed)
	require.ElementsMatch(t, []string{"t2"}, abandoned)
	require.Len(t, q.Pending(), 1)
}

func TestKillWorkersForceRemovesAllSlots(t *testing.T) {
	now := time.Now()
	q := queue.New(func() time.Time { return now })
	b := bus.New(nil)
	workers := make(map[string]*fakeWorker)
	p := newTestPool(t, q, b, workers, func() time.Time { return now })

	require.NoError(t, p.SpawnWorkers(context.Background(), 2))
	require.Len(t, p.SlotStates(), 2)

	p.KillWorkers(true)
	require.Empty(t, p.SlotStates())
}
