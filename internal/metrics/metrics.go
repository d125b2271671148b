// Package metrics is a minimal in-process counter set for the supervisor
// loop's own diagnostics (spec §4.7 step 9: main_loop_heartbeat and
// main_loop_slow_cycle records). It replaces a full OpenTelemetry SDK
// wiring: a single-node, restart-persisted supervisor has no collector to
// export to, so counters are logged as structured slog fields instead of
// shipped anywhere.
package metrics

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Counters holds the supervisor's named counters and durations. Every
// field is safe for concurrent use.
type Counters struct {
	logger *slog.Logger

	tasksStarted  atomic.Int64
	tasksDone     atomic.Int64
	tasksFailed   atomic.Int64
	tasksTimedOut atomic.Int64
	llmCalls      atomic.Int64
	llmCostUSD    atomic.Uint64 // cents, to keep this lock-free
	workerRespawn atomic.Int64

	mu            sync.Mutex
	lastCycle     time.Duration
	slowCycleSecs float64
}

// New returns a Counters instance. logger defaults to slog.Default if nil.
func New(logger *slog.Logger) *Counters {
	if logger == nil {
		logger = slog.Default()
	}
	return &Counters{logger: logger}
}

func (c *Counters) TaskStarted()  { c.tasksStarted.Add(1) }
func (c *Counters) TaskDone()     { c.tasksDone.Add(1) }
func (c *Counters) TaskFailed()   { c.tasksFailed.Add(1) }
func (c *Counters) TaskTimedOut() { c.tasksTimedOut.Add(1) }
func (c *Counters) WorkerRespawned() { c.workerRespawn.Add(1) }

// LLMCall records one billed call and its cost in USD.
func (c *Counters) LLMCall(costUSD float64) {
	c.llmCalls.Add(1)
	c.llmCostUSD.Add(uint64(costUSD * 100))
}

// RecordCycle stores the duration of the most recently completed
// supervisor tick, for the next heartbeat/slow-cycle emission.
func (c *Counters) RecordCycle(d time.Duration, slowThreshold time.Duration) {
	c.mu.Lock()
	c.lastCycle = d
	c.mu.Unlock()
	if d > slowThreshold {
		c.logger.Warn("main_loop_slow_cycle",
			slog.Duration("duration", d),
			slog.Duration("threshold", slowThreshold),
		)
	}
}

// Heartbeat emits a main_loop_heartbeat record with the current counter
// snapshot (spec §4.7 step 9).
func (c *Counters) Heartbeat() {
	c.mu.Lock()
	lastCycle := c.lastCycle
	c.mu.Unlock()

	c.logger.Info("main_loop_heartbeat",
		slog.Int64("tasks_started", c.tasksStarted.Load()),
		slog.Int64("tasks_done", c.tasksDone.Load()),
		slog.Int64("tasks_failed", c.tasksFailed.Load()),
		slog.Int64("tasks_timed_out", c.tasksTimedOut.Load()),
		slog.Int64("llm_calls", c.llmCalls.Load()),
		slog.Float64("llm_cost_usd", float64(c.llmCostUSD.Load())/100),
		slog.Int64("worker_respawns", c.workerRespawn.Load()),
		slog.Duration("last_cycle", lastCycle),
	)
}
