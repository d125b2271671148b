package metrics

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestCounters(buf *bytes.Buffer) *Counters {
	logger := slog.New(slog.NewTextHandler(buf, nil))
	return New(logger)
}

func TestHeartbeatReportsCounterSnapshot(t *testing.T) {
	var buf bytes.Buffer
	c := newTestCounters(&buf)

	c.TaskStarted()
	c.TaskStarted()
	c.TaskDone()
	c.LLMCall(0.42)

	c.Heartbeat()

	out := buf.String()
	require.Contains(t, out, "main_loop_heartbeat")
	require.Contains(t, out, "tasks_started=2")
	require.Contains(t, out, "tasks_done=1")
	require.Contains(t, out, "llm_cost_usd=0.42")
}

func TestRecordCycleWarnsOnlyAboveThreshold(t *testing.T) {
	var buf bytes.Buffer
	c := newTestCounters(&buf)

	c.RecordCycle(50*time.Millisecond, 100*time.Millisecond)
	require.NotContains(t, buf.String(), "main_loop_slow_cycle")

	c.RecordCycle(200*time.Millisecond, 100*time.Millisecond)
	require.Contains(t, buf.String(), "main_loop_slow_cycle")
}
